// Package errs defines the error taxonomy shared by the extension runtime.
//
// Every failure surfaced by the store, installer, pool, sandbox and bridge
// carries one of the Kind sentinels below, so callers can branch with
// errors.Is without knowing which component produced it.
package errs

import (
	"errors"
	"fmt"
)

// Kind sentinels
var (
	// ErrNetwork covers transport failures, non-2xx responses and refused bridge calls
	ErrNetwork = errors.New("network error")

	// ErrManifest covers malformed or invalid manifests and payloads
	ErrManifest = errors.New("manifest error")

	// ErrIntegrity covers checksum or signature mismatches
	ErrIntegrity = errors.New("integrity error")

	// ErrPersistence covers record store and payload storage failures
	ErrPersistence = errors.New("persistence error")

	// ErrPool covers acquire failures: missing, disabled or unreadable extensions
	ErrPool = errors.New("pool error")

	// ErrExtension covers failures raised while running extension code
	ErrExtension = errors.New("extension error")
)

// Causes reused across components
var (
	ErrNotFound      = errors.New("extension not found")
	ErrDisabled      = errors.New("extension disabled")
	ErrQuotaExceeded = errors.New("request quota exceeded")
	ErrHostDenied    = errors.New("host not allowed")
	ErrBudget        = errors.New("execution budget exceeded")
	ErrDisposed      = errors.New("sandbox disposed")
	ErrNotExported   = errors.New("operation not exported")
)

// Error is a classified failure
type Error struct {
	Kind        error
	Op          string
	ExtensionID string
	Err         error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.ExtensionID != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.ExtensionID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is/As
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New builds a classified error
func New(kind error, op, extensionID string, err error) *Error {
	return &Error{Kind: kind, Op: op, ExtensionID: extensionID, Err: err}
}

// Network wraps err as a network failure
func Network(op string, err error) error {
	return &Error{Kind: ErrNetwork, Op: op, Err: err}
}

// Manifest builds a manifest failure from a format string
func Manifest(op, format string, args ...any) error {
	return &Error{Kind: ErrManifest, Op: op, Err: fmt.Errorf(format, args...)}
}

// Integrity builds an integrity failure
func Integrity(op, extensionID string, err error) error {
	return &Error{Kind: ErrIntegrity, Op: op, ExtensionID: extensionID, Err: err}
}

// Persistence wraps a storage failure
func Persistence(op string, err error) error {
	return &Error{Kind: ErrPersistence, Op: op, Err: err}
}

// Pool builds an acquire failure
func Pool(op, extensionID string, err error) error {
	return &Error{Kind: ErrPool, Op: op, ExtensionID: extensionID, Err: err}
}

// Extension builds a script failure
func Extension(op, extensionID string, err error) error {
	return &Error{Kind: ErrExtension, Op: op, ExtensionID: extensionID, Err: err}
}

// KindOf returns the kind sentinel carried by err, or nil
func KindOf(err error) error {
	for _, k := range []error{ErrNetwork, ErrManifest, ErrIntegrity, ErrPersistence, ErrPool, ErrExtension} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
