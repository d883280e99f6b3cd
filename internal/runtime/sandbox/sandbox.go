package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/streambox/backend/internal/shared/errs"
	"github.com/GriffinCanCode/streambox/backend/internal/shared/id"
	"github.com/bytedance/sonic"
	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// Errors
var (
	ErrNotLoaded   = errors.New("sandbox not loaded")
	ErrUnsettled   = errors.New("operation returned a promise that never settled")
	ErrAlreadyUsed = errors.New("sandbox already loaded")
)

// prelude replaces timers with immediate callbacks; delays are not honoured
const prelude = `
var setTimeout = function (fn) {
	var args = Array.prototype.slice.call(arguments, 2);
	Promise.resolve().then(function () { fn.apply(null, args); });
	return 0;
};
var setInterval = function () { return 0; };
var clearTimeout = function () {};
var clearInterval = function () {};
`

// Sandbox is one isolated script context
type Sandbox struct {
	id          id.SandboxID
	extensionID string
	version     string
	config      Config
	binder      Binder
	logger      *zap.Logger

	// sem serializes Load, Invoke and Dispose
	sem   chan struct{}
	state atomic.Int32
	calls atomic.Uint64

	mu       sync.Mutex
	fault    error
	loadedAt time.Time

	vm      *goja.Runtime
	module  *goja.Object
	callCtx context.Context

	// host holds the global names present before the script ran; they are
	// never resolvable as operations
	host map[string]struct{}
}

// New creates an unloaded sandbox for one extension version
func New(extensionID, version string, binder Binder, config Config, logger *zap.Logger) *Sandbox {
	defaults := DefaultConfig()
	if config.Budget <= 0 {
		config.Budget = defaults.Budget
	}
	if config.MaxCallStack <= 0 {
		config.MaxCallStack = defaults.MaxCallStack
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sid := id.NewSandboxID()
	return &Sandbox{
		id:          sid,
		extensionID: extensionID,
		version:     version,
		config:      config,
		binder:      binder,
		logger: logger.With(
			zap.String("extension", extensionID),
			zap.String("version", version),
			zap.String("sandbox", sid.String())),
		sem:     make(chan struct{}, 1),
		callCtx: context.Background(),
	}
}

// ID returns the sandbox instance id
func (s *Sandbox) ID() id.SandboxID { return s.id }

// ExtensionID returns the extension the sandbox runs
func (s *Sandbox) ExtensionID() string { return s.extensionID }

// Version returns the extension version the sandbox runs
func (s *Sandbox) Version() string { return s.version }

// State returns the current state
func (s *Sandbox) State() State { return State(s.state.Load()) }

// Fault returns the stored fault of a Faulted sandbox
func (s *Sandbox) Fault() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}

// Info returns a snapshot for diagnostics
func (s *Sandbox) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:          s.id.String(),
		ExtensionID: s.extensionID,
		Version:     s.version,
		State:       s.State().String(),
		LoadedAt:    s.loadedAt,
		Calls:       s.calls.Load(),
	}
	if s.fault != nil {
		info.Fault = s.fault.Error()
	}
	return info
}

func (s *Sandbox) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sandbox) release() { <-s.sem }

// fail moves a live sandbox to Faulted; a disposed one stays disposed
func (s *Sandbox) fail() {
	for _, from := range []State{Loaded, Ready} {
		if s.state.CompareAndSwap(int32(from), int32(Faulted)) {
			return
		}
	}
}

func (s *Sandbox) setFault(err error) error {
	s.mu.Lock()
	s.fault = err
	s.mu.Unlock()
	s.fail()
	s.logger.Warn("Sandbox faulted", zap.Error(err))
	return err
}

// Load compiles payload and evaluates its top level. Compile, bind and top
// level failures leave the sandbox Faulted and are returned as extension
// errors.
func (s *Sandbox) Load(ctx context.Context, payload []byte, entry string) error {
	const op = "sandbox.load"
	if err := s.acquire(ctx); err != nil {
		return errs.Extension(op, s.extensionID, err)
	}
	defer s.release()

	if s.State() != Unloaded {
		return errs.Extension(op, s.extensionID, ErrAlreadyUsed)
	}

	program, err := goja.Compile(entry, string(payload), false)
	if err != nil {
		s.state.CompareAndSwap(int32(Unloaded), int32(Loaded))
		return s.setFault(errs.Extension(op, s.extensionID, fmt.Errorf("compile: %w", err)))
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(s.config.MaxCallStack)
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	s.vm = vm
	s.state.CompareAndSwap(int32(Unloaded), int32(Loaded))

	module, err := s.setupGlobals()
	if err != nil {
		return s.setFault(errs.Extension(op, s.extensionID, fmt.Errorf("bind: %w", err)))
	}
	s.module = module
	s.host = make(map[string]struct{})
	for _, name := range vm.GlobalObject().GetOwnPropertyNames() {
		s.host[name] = struct{}{}
	}

	_, err = s.run(ctx, func() (goja.Value, error) { return vm.RunProgram(program) })
	if err != nil {
		return s.setFault(s.classify(op, err, true))
	}

	s.mu.Lock()
	s.loadedAt = time.Now()
	s.mu.Unlock()
	if !s.state.CompareAndSwap(int32(Loaded), int32(Ready)) {
		return errs.Extension(op, s.extensionID, errs.ErrDisposed)
	}
	s.logger.Debug("Sandbox ready")
	return nil
}

// setupGlobals scrubs ambient globals, installs the module capture and binds
// the host functions
func (s *Sandbox) setupGlobals() (*goja.Object, error) {
	vm := s.vm
	for _, name := range []string{"require", "process", "module", "exports"} {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return nil, err
		}
	}

	if _, err := vm.RunString(prelude); err != nil {
		return nil, err
	}

	module := vm.NewObject()
	exports := vm.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, err
	}
	if err := vm.Set("module", module); err != nil {
		return nil, err
	}
	if err := vm.Set("exports", exports); err != nil {
		return nil, err
	}

	if s.binder != nil {
		if err := s.binder.Install(vm, s.current); err != nil {
			return nil, err
		}
	}
	return module, nil
}

// current is handed to the binder; host functions run on the calling goroutine
func (s *Sandbox) current() context.Context { return s.callCtx }

// Invoke calls an exported operation and returns its JSON compatible result
func (s *Sandbox) Invoke(ctx context.Context, operation string, args ...any) (any, error) {
	raw, err := s.InvokeRaw(ctx, operation, args...)
	if err != nil || raw == nil {
		return nil, err
	}
	var out any
	if err := sonic.Unmarshal(raw, &out); err != nil {
		return nil, errs.Extension("sandbox.invoke", s.extensionID, err)
	}
	return out, nil
}

// InvokeRaw calls an exported operation and returns its result as JSON. A nil
// slice means the operation returned undefined or null.
func (s *Sandbox) InvokeRaw(ctx context.Context, operation string, args ...any) ([]byte, error) {
	op := "sandbox.invoke " + operation
	if err := s.acquire(ctx); err != nil {
		return nil, errs.Extension(op, s.extensionID, err)
	}
	defer s.release()

	switch s.State() {
	case Ready:
	case Faulted:
		return nil, s.Fault()
	case Disposed:
		return nil, errs.Extension(op, s.extensionID, errs.ErrDisposed)
	default:
		return nil, errs.Extension(op, s.extensionID, ErrNotLoaded)
	}
	s.calls.Add(1)

	fn, ok := s.lookup(operation)
	if !ok {
		return nil, errs.Extension(op, s.extensionID, fmt.Errorf("%w: %s", errs.ErrNotExported, operation))
	}

	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		jsArgs[i] = s.vm.ToValue(a)
	}

	var out []byte
	_, err := s.run(ctx, func() (goja.Value, error) {
		ret, err := fn(goja.Undefined(), jsArgs...)
		if err != nil {
			return nil, err
		}
		ret, err = settled(ret)
		if err != nil {
			return nil, err
		}
		out, err = s.toJSON(ret)
		return ret, err
	})
	if err != nil {
		classified := s.classify(op, err, false)
		if s.State() == Faulted {
			return nil, s.setFault(classified)
		}
		s.logger.Debug("Operation failed", zap.String("operation", operation), zap.Error(classified))
		return nil, classified
	}
	return out, nil
}

// lookup resolves operation from module.exports, then exports, then globals
// the script declared itself. Only own properties count. An exported value
// that is not a function is returned as the result.
func (s *Sandbox) lookup(operation string) (goja.Callable, bool) {
	global := s.vm.GlobalObject()
	for _, c := range []goja.Value{s.module.Get("exports"), s.vm.Get("exports"), global} {
		obj, ok := c.(*goja.Object)
		if !ok || !hasOwn(obj, operation) {
			continue
		}
		if obj == global {
			if _, host := s.host[operation]; host {
				continue
			}
		}
		v := obj.Get(operation)
		if fn, ok := goja.AssertFunction(v); ok {
			return fn, true
		}
		if v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
			return func(goja.Value, ...goja.Value) (goja.Value, error) { return v, nil }, true
		}
	}
	return nil, false
}

func hasOwn(obj *goja.Object, name string) bool {
	for _, key := range obj.GetOwnPropertyNames() {
		if key == name {
			return true
		}
	}
	return false
}

// settled unwraps a promise result
func settled(v goja.Value) (goja.Value, error) {
	if v == nil {
		return v, nil
	}
	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return p.Result(), nil
	case goja.PromiseStateRejected:
		return nil, rejection{value: p.Result()}
	default:
		return nil, ErrUnsettled
	}
}

// rejection carries the reason of a rejected promise
type rejection struct {
	value goja.Value
}

func (r rejection) Error() string {
	if r.value == nil {
		return "promise rejected"
	}
	return "promise rejected: " + r.value.String()
}

func (r rejection) Unwrap() error { return goError(r.value) }

// goError extracts the Go error wrapped by a GoError value
func goError(v goja.Value) error {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil
	}
	inner := obj.Get("value")
	if inner == nil {
		return nil
	}
	err, _ := inner.Export().(error)
	return err
}

func (s *Sandbox) toJSON(v goja.Value) ([]byte, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	stringify, ok := goja.AssertFunction(s.vm.Get("JSON").ToObject(s.vm).Get("stringify"))
	if !ok {
		return nil, errors.New("JSON.stringify unavailable")
	}
	str, err := stringify(goja.Undefined(), v)
	if err != nil {
		return nil, err
	}
	if goja.IsUndefined(str) {
		return nil, nil
	}
	return []byte(str.String()), nil
}

// interruption records why the watchdog stopped a call
type interruption struct {
	reason error
}

func (i *interruption) Error() string { return i.reason.Error() }
func (i *interruption) Unwrap() error { return i.reason }

// run executes fn under the execution budget and ctx. A watchdog goroutine
// interrupts the runtime when either expires; host calls see the same
// deadline. Host panics are recovered.
func (s *Sandbox) run(ctx context.Context, fn func() (goja.Value, error)) (val goja.Value, err error) {
	callCtx, cancel := context.WithTimeout(ctx, s.config.Budget)
	defer cancel()
	s.callCtx = callCtx
	defer func() { s.callCtx = context.Background() }()

	var reason error
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-callCtx.Done():
			if ctx.Err() != nil {
				reason = ctx.Err()
			} else {
				reason = fmt.Errorf("%w after %s", errs.ErrBudget, s.config.Budget)
			}
			s.vm.Interrupt(reason)
		case <-done:
		}
	}()

	defer func() {
		close(done)
		<-stopped
		s.vm.ClearInterrupt()

		if r := recover(); r != nil {
			val, err = nil, hostPanic{value: r}
			return
		}
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) && reason != nil {
			err = &interruption{reason: reason}
		}
	}()

	return fn()
}

type hostPanic struct {
	value any
}

func (p hostPanic) Error() string { return fmt.Sprintf("host panic: %v", p.value) }

// classify turns a run error into an extension error. Budget overruns and
// host panics fault the sandbox; cancellation and script errors do not,
// except during load where any failure is fatal.
func (s *Sandbox) classify(op string, err error, loading bool) error {
	var (
		ip    *interruption
		hp    hostPanic
		ex    *goja.Exception
		cause = err
	)
	switch {
	case errors.As(err, &ip):
		if errors.Is(ip.reason, errs.ErrBudget) {
			s.fail()
		}
		cause = ip.reason
	case errors.As(err, &hp):
		s.fail()
	case errors.As(err, &ex):
		if inner := goError(ex.Value()); inner != nil {
			cause = fmt.Errorf("%s: %w", firstLine(ex.Error()), inner)
		} else {
			cause = errors.New(ex.Error())
		}
	}
	if loading {
		s.fail()
	}
	return errs.Extension(op, s.extensionID, cause)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

// Dispose releases the runtime once any call in flight has finished
func (s *Sandbox) Dispose() {
	if State(s.state.Swap(int32(Disposed))) == Disposed {
		return
	}
	s.sem <- struct{}{}
	s.vm = nil
	s.module = nil
	<-s.sem
	s.logger.Debug("Sandbox disposed")
}
