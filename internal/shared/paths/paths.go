package paths

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// File and directory names under the data directory
const (
	DatabaseFile = "extensions.db"
	PrefsFile    = "prefs.db"
	PayloadsDir  = "payloads"
	LogsDir      = "logs"
)

// MaxIDLength bounds extension identifiers
const MaxIDLength = 128

var (
	idPattern     = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
	unsafePattern = regexp.MustCompile(`[^a-z0-9]`)
)

// Layout resolves paths under a data directory
type Layout struct {
	Root string
}

// New creates a layout rooted at dir
func New(dir string) Layout {
	return Layout{Root: dir}
}

// Database returns the record store path
func (l Layout) Database() string {
	return filepath.Join(l.Root, DatabaseFile)
}

// Prefs returns the preference store path
func (l Layout) Prefs() string {
	return filepath.Join(l.Root, PrefsFile)
}

// Payloads returns the payload root
func (l Layout) Payloads() string {
	return filepath.Join(l.Root, PayloadsDir)
}

// Logs returns the log directory
func (l Layout) Logs() string {
	return filepath.Join(l.Root, LogsDir)
}

// PayloadKey builds the storage key of a payload version.
// Keys always use forward slashes regardless of the host OS.
func PayloadKey(id, version, digest, entry string) string {
	short := digest
	if len(short) > 8 {
		short = short[:8]
	}
	return path.Join(id, version, short, path.Base(entry))
}

// KeyOwner returns the extension id a payload key belongs to
func KeyOwner(key string) string {
	owner, _, _ := strings.Cut(key, "/")
	return owner
}

// ValidateExtensionID checks that id is safe for storage keys and URLs
func ValidateExtensionID(id string) error {
	if id == "" {
		return fmt.Errorf("extension ID cannot be empty")
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("extension ID exceeds %d characters", MaxIDLength)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("extension ID %q contains invalid characters", id)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("extension ID %q contains invalid path components", id)
	}
	return nil
}

// DeriveID builds a stable identifier from a display name
func DeriveID(name string) string {
	id := unsafePattern.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "_")
	id = strings.Trim(id, "_")
	if len(id) > MaxIDLength {
		id = id[:MaxIDLength]
	}
	return id
}

// ValidateVersion checks a version string is safe as a key segment
func ValidateVersion(version string) error {
	if version == "" || version == "." || version == ".." {
		return fmt.Errorf("version %q is not a valid path segment", version)
	}
	if strings.ContainsAny(version, `/\`) {
		return fmt.Errorf("version %q contains a path separator", version)
	}
	return nil
}
