// Package monitoring provides Prometheus metrics for the extension host.
//
// Collectors are registered on an injected registry so tests and multiple
// servers in one process never collide on the global default registry.
// A nil *Metrics is valid and records nothing.
//
// Metric families:
//   - HTTP: request count and duration by route
//   - Installer: pipeline outcomes by operation
//   - Sandbox: invocations, durations, live and constructed instances
//   - Bridge: outbound calls and rejections by extension
//   - Updates: check runs and applied updates
//   - WebSocket: open watch connections
package monitoring
