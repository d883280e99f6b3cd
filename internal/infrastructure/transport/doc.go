// Package transport provides the outbound HTTP client shared by the
// installer and the capability bridge.
//
// Each caller builds its own Client so quotas and limits stay separate:
//   - rate limiting: a token bucket per client instance
//   - circuit breaking: one breaker per remote host
//   - bounded bodies: responses larger than MaxBodyBytes fail
//   - no retries: a failed request is reported once, callers decide
//
// Every failure, including non-2xx statuses, is returned as an
// errs.ErrNetwork error.
//
// Example Usage:
//
//	client := transport.New(transport.Options{Name: "installer", Timeout: 30 * time.Second})
//	resp, err := client.Do(ctx, transport.Request{Method: http.MethodGet, URL: manifestURL})
package transport
