package sandbox

import (
	"time"

	"github.com/GriffinCanCode/streambox/backend/internal/runtime/bridge"
	"github.com/dop251/goja"
)

// State of a sandbox instance
type State int32

const (
	Unloaded State = iota
	Loaded
	Ready
	Faulted
	Disposed
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loaded:
		return "loaded"
	case Ready:
		return "ready"
	case Faulted:
		return "faulted"
	case Disposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Config defines sandbox limits
type Config struct {
	Budget       time.Duration // Wall clock limit per load or invoke
	MaxCallStack int           // goja call stack depth
}

// DefaultConfig returns the limits used when none are configured
func DefaultConfig() Config {
	return Config{
		Budget:       30 * time.Second,
		MaxCallStack: 1024,
	}
}

// Binder places host functions on a runtime
type Binder interface {
	Install(vm *goja.Runtime, current bridge.ContextFunc) error
}

// BinderFunc adapts a function to Binder
type BinderFunc func(vm *goja.Runtime, current bridge.ContextFunc) error

// Install calls f
func (f BinderFunc) Install(vm *goja.Runtime, current bridge.ContextFunc) error {
	return f(vm, current)
}

// Info is a point-in-time view of a sandbox
type Info struct {
	ID          string    `json:"id"`
	ExtensionID string    `json:"extension_id"`
	Version     string    `json:"version"`
	State       string    `json:"state"`
	Fault       string    `json:"fault,omitempty"`
	LoadedAt    time.Time `json:"loaded_at"`
	Calls       uint64    `json:"calls"`
}
