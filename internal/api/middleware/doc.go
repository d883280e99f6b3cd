/*
Package middleware provides the gin middleware of the extension API.

  - RequestID: accepts or assigns an X-Request-ID
  - Logger: zap access log, level chosen by status
  - Recovery: panics become a JSON 500
  - CORS: gin-contrib/cors with configurable origins
  - RateLimit: per-client-IP token buckets, idle clients dropped
*/
package middleware
