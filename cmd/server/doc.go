// Package main is the entry point for the streambox extension server.
//
// The server installs content-provider extensions from manifest URLs, runs
// them in sandboxes and serves their catalogs and streams to the player.
//
//	Player → REST / WebSocket → Extension manager → Sandboxes → Provider sites
//
// The server provides:
//   - REST API for installing, updating and toggling extensions
//   - Typed content routes (catalog, posts, search, meta, streams)
//   - WebSocket snapshots of the installed extension list
//   - Periodic update checks
//   - Prometheus metrics at /metrics
//
// Configuration:
//   - Environment variables (12-factor)
//   - CLI flags (override env vars)
//
// Usage:
//
//	# Production mode
//	./server -port 8000 -data /var/lib/streambox -bundled /usr/share/streambox/extensions
//
//	# Development mode (colored logs, debug level)
//	./server -dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
