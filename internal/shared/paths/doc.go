// Package paths provides the on-disk layout of the extension host.
//
// # Directory Structure
//
//	<data>/
//	  ├── extensions.db        (record store)
//	  ├── prefs.db             (preference store)
//	  ├── logs/                (rotated log files)
//	  └── payloads/
//	      └── <id>/<version>/<digest8>/<entry>
//
// # Usage
//
//	layout := paths.New(cfg.Storage.DataDir)
//	db := layout.Database()
//
//	if err := paths.ValidateExtensionID(id); err != nil {
//	    // reject
//	}
package paths
