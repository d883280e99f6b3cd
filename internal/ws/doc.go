// Package ws streams extension list changes over WebSocket.
//
// A connection receives a snapshot of the installed extensions (or only the
// enabled ones with ?enabled=true) as soon as it opens, then a fresh
// snapshot after every committed change. Intermediate snapshots may be
// skipped for a slow client; the latest is always delivered.
//
// Message Types (Client → Server):
//   - ping: Keep-alive ping
//   - subscribe: Switch filter to "installed" or "enabled"
//
// Message Types (Server → Client):
//   - system: Connection accepted, carries the active filter
//   - snapshot: Current extension list
//   - pong: Reply to ping
//   - error: Rejected request
//
// Example Usage:
//
//	handler := ws.NewHandler(mgr, cfg.Server.AllowedOrigins, logger, metrics)
//	router.GET("/ws/extensions", handler.HandleConnection)
package ws
