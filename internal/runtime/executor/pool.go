package executor

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/GriffinCanCode/streambox/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/streambox/backend/internal/runtime/bridge"
	"github.com/GriffinCanCode/streambox/backend/internal/runtime/sandbox"
	"github.com/GriffinCanCode/streambox/backend/internal/shared/errs"
	"github.com/GriffinCanCode/streambox/backend/internal/shared/types"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultMaxLive bounds the number of live sandboxes
const DefaultMaxLive = 32

// ErrPoolClosed is returned once Close has been called
var ErrPoolClosed = errors.New("sandbox pool is closed")

// errEvicted marks a build or lookup that raced Evict for the same id
var errEvicted = errors.New("evicted during acquire")

// Records reads extension records
type Records interface {
	Get(ctx context.Context, id string) (*types.Extension, error)
}

// Payloads reads stored extension code
type Payloads interface {
	Get(key string) ([]byte, error)
}

// BinderFactory returns the host bindings for an extension
type BinderFactory func(ext *types.Extension) sandbox.Binder

// FromBridge binds every sandbox to b with the manifest host allow-list
func FromBridge(b *bridge.Bridge) BinderFactory {
	return func(ext *types.Extension) sandbox.Binder {
		return b.For(ext.ID, ext.Hosts)
	}
}

// Options configures a Pool
type Options struct {
	Sandbox sandbox.Config
	MaxLive int
	Binders BinderFactory
	Logger  *zap.Logger
	Metrics *monitoring.Metrics
}

// Handle is a cached sandbox for one extension version
type Handle struct {
	sandbox *sandbox.Sandbox
	record  *types.Extension
	elem    *list.Element
}

// Sandbox returns the sandbox behind the handle
func (h *Handle) Sandbox() *sandbox.Sandbox { return h.sandbox }

// Extension returns the record the sandbox was built from
func (h *Handle) Extension() *types.Extension { return h.record.Clone() }

func (h *Handle) matches(rec *types.Extension) bool {
	return h.record.Version == rec.Version && h.record.PayloadKey == rec.PayloadKey
}

// Pool caches one sandbox per extension id
type Pool struct {
	records  Records
	payloads Payloads
	opts     Options
	logger   *zap.Logger
	metrics  *monitoring.Metrics

	mu      sync.Mutex
	handles map[string]*Handle
	lru     *list.List // front is most recently used; values are ids
	gen     map[string]uint64
	closed  bool

	builds singleflight.Group
}

// New creates a pool
func New(records Records, payloads Payloads, opts Options) *Pool {
	if opts.MaxLive <= 0 {
		opts.MaxLive = DefaultMaxLive
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Pool{
		records:  records,
		payloads: payloads,
		opts:     opts,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		handles:  make(map[string]*Handle),
		lru:      list.New(),
		gen:      make(map[string]uint64),
	}
}

// Acquire returns the sandbox for id, building it when absent or stale. A
// faulted sandbox is returned as is; Reset replaces it. A build that loses
// to Evict is disposed and acquired once more against the current record.
func (p *Pool) Acquire(ctx context.Context, id string) (*Handle, error) {
	h, err := p.acquire(ctx, id)
	if errors.Is(err, errEvicted) {
		h, err = p.acquire(ctx, id)
	}
	if errors.Is(err, errEvicted) {
		return nil, errs.Pool("pool.acquire", id, errs.ErrDisposed)
	}
	return h, err
}

func (p *Pool) acquire(ctx context.Context, id string) (*Handle, error) {
	const op = "pool.acquire"

	// read before the record so an eviction racing the lookup is noticed
	p.mu.Lock()
	gen := p.gen[id]
	p.mu.Unlock()

	rec, err := p.records.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errs.Pool(op, id, errs.ErrNotFound)
	}
	if !rec.Enabled {
		return nil, errs.Pool(op, id, errs.ErrDisabled)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errs.Pool(op, id, ErrPoolClosed)
	}
	if h, ok := p.handles[id]; ok && h.matches(rec) {
		p.lru.MoveToFront(h.elem)
		p.mu.Unlock()
		return h, nil
	}
	if p.gen[id] != gen {
		p.mu.Unlock()
		return nil, errEvicted
	}
	p.mu.Unlock()

	key := fmt.Sprintf("%s@%s#%d", id, rec.Version, gen)
	v, err, _ := p.builds.Do(key, func() (any, error) {
		// shared by every waiter, so one caller's cancellation must not fail it
		return p.build(context.WithoutCancel(ctx), rec, gen)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

func (p *Pool) build(ctx context.Context, rec *types.Extension, gen uint64) (*Handle, error) {
	const op = "pool.build"

	payload, err := p.payloads.Get(rec.PayloadKey)
	if err != nil {
		return nil, errs.Pool(op, rec.ID, fmt.Errorf("read payload %s: %w", rec.PayloadKey, err))
	}

	var binder sandbox.Binder
	if p.opts.Binders != nil {
		binder = p.opts.Binders(rec)
	}
	sb := sandbox.New(rec.ID, rec.Version, binder, p.opts.Sandbox, p.logger)
	if err := sb.Load(ctx, payload, rec.EntryPoint); err != nil {
		p.logger.Warn("Extension failed to load",
			zap.String("extension", rec.ID),
			zap.String("version", rec.Version),
			zap.Error(err))
	}
	p.metrics.IncSandboxesBuilt()

	h := &Handle{sandbox: sb, record: rec.Clone()}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		sb.Dispose()
		return nil, errs.Pool(op, rec.ID, ErrPoolClosed)
	}
	if p.gen[rec.ID] != gen {
		p.mu.Unlock()
		sb.Dispose()
		p.logger.Debug("Discarded sandbox evicted while building",
			zap.String("extension", rec.ID),
			zap.String("version", rec.Version))
		return nil, errEvicted
	}
	var stale []*Handle
	if old, ok := p.handles[rec.ID]; ok {
		p.lru.Remove(old.elem)
		stale = append(stale, old)
	}
	h.elem = p.lru.PushFront(rec.ID)
	p.handles[rec.ID] = h
	stale = append(stale, p.trimLocked()...)
	live := len(p.handles)
	p.mu.Unlock()

	p.metrics.SetSandboxesLive(live)
	for _, old := range stale {
		p.logger.Debug("Disposing sandbox",
			zap.String("extension", old.record.ID),
			zap.String("version", old.record.Version))
		old.sandbox.Dispose()
	}
	p.logger.Info("Sandbox built",
		zap.String("extension", rec.ID),
		zap.String("version", rec.Version),
		zap.String("state", sb.State().String()))
	return h, nil
}

// trimLocked drops least recently used handles above the bound
func (p *Pool) trimLocked() []*Handle {
	var out []*Handle
	for len(p.handles) > p.opts.MaxLive {
		back := p.lru.Back()
		if back == nil {
			break
		}
		id := back.Value.(string)
		p.lru.Remove(back)
		if h, ok := p.handles[id]; ok {
			delete(p.handles, id)
			out = append(out, h)
		}
	}
	return out
}

// Evict drops the sandbox for id. A build in flight for id is discarded.
func (p *Pool) Evict(id string) {
	p.mu.Lock()
	h, ok := p.handles[id]
	if ok {
		delete(p.handles, id)
		p.lru.Remove(h.elem)
	}
	p.gen[id]++
	live := len(p.handles)
	p.mu.Unlock()

	if ok {
		p.metrics.SetSandboxesLive(live)
		h.sandbox.Dispose()
		p.logger.Debug("Sandbox evicted", zap.String("extension", id))
	}
}

// Reset replaces the sandbox for id with a freshly loaded one
func (p *Pool) Reset(ctx context.Context, id string) (*Handle, error) {
	p.Evict(id)
	return p.Acquire(ctx, id)
}

// Invoke runs operation in the sandbox for id
func (p *Pool) Invoke(ctx context.Context, id, operation string, args ...any) (any, error) {
	var out any
	err := p.call(ctx, id, operation, func(sb *sandbox.Sandbox) error {
		var err error
		out, err = sb.Invoke(ctx, operation, args...)
		return err
	})
	return out, err
}

// InvokeRaw runs operation and returns its JSON result
func (p *Pool) InvokeRaw(ctx context.Context, id, operation string, args ...any) ([]byte, error) {
	var out []byte
	err := p.call(ctx, id, operation, func(sb *sandbox.Sandbox) error {
		var err error
		out, err = sb.InvokeRaw(ctx, operation, args...)
		return err
	})
	return out, err
}

// call acquires the sandbox and runs fn. A sandbox disposed between acquire
// and call never ran the operation, so it is acquired once more.
func (p *Pool) call(ctx context.Context, id, operation string, fn func(*sandbox.Sandbox) error) error {
	timer := monitoring.NewTimer(p.metrics, id, operation)

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var h *Handle
		h, err = p.Acquire(ctx, id)
		if err != nil {
			timer.Stop("rejected")
			return err
		}
		err = fn(h.sandbox)
		if !errors.Is(err, errs.ErrDisposed) {
			break
		}
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	d := timer.Stop(outcome)
	p.logger.Debug("Invocation",
		zap.String("extension", id),
		zap.String("operation", operation),
		zap.Duration("duration", d),
		zap.Bool("ok", err == nil))
	return err
}

// Len returns the number of live sandboxes
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// Stats returns one entry per live sandbox, most recently used first
func (p *Pool) Stats() []sandbox.Info {
	p.mu.Lock()
	handles := make([]*Handle, 0, p.lru.Len())
	for e := p.lru.Front(); e != nil; e = e.Next() {
		handles = append(handles, p.handles[e.Value.(string)])
	}
	p.mu.Unlock()

	out := make([]sandbox.Info, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.sandbox.Info())
	}
	return out
}

// Close disposes every sandbox
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	handles := make([]*Handle, 0, len(p.handles))
	for _, h := range p.handles {
		handles = append(handles, h)
	}
	p.handles = make(map[string]*Handle)
	p.lru.Init()
	p.mu.Unlock()

	for _, h := range handles {
		h.sandbox.Dispose()
	}
	p.metrics.SetSandboxesLive(0)
	return nil
}
