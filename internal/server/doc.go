// Package server wires the extension runtime together and serves its API.
//
// This package orchestrates all components:
//   - Record store, payload store and preferences under one data directory
//   - Network bridge and sandbox pool
//   - Installer with the integrity chain and bundled extensions
//   - Extension manager with periodic update checks
//   - HTTP routing with Gin and the WebSocket watch endpoint
//
// Server Lifecycle:
//  1. Load configuration from environment
//  2. Initialize logger
//  3. NewServer opens storage and builds components
//  4. Start sweeps orphaned payloads, installs bundled extensions and
//     schedules update checks
//  5. Run serves HTTP
//  6. Shutdown drains requests and closes components in reverse order
//
// Example Usage:
//
//	srv, err := server.NewServer(ctx, cfg, logger)
//	if err != nil {
//	    return err
//	}
//	if err := srv.Start(ctx); err != nil {
//	    return err
//	}
//	go srv.Run()
//	defer srv.Shutdown(context.Background())
package server
