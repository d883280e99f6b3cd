package manager

import (
	"context"
	"errors"
	"time"

	"github.com/GriffinCanCode/streambox/backend/internal/domain/registry"
	"github.com/GriffinCanCode/streambox/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/streambox/backend/internal/infrastructure/prefs"
	"github.com/GriffinCanCode/streambox/backend/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/streambox/backend/internal/runtime/executor"
	"github.com/GriffinCanCode/streambox/backend/internal/shared/errs"
	"github.com/GriffinCanCode/streambox/backend/internal/shared/types"
	"go.uber.org/zap"
)

// Store is the record store as seen by the manager
type Store interface {
	Get(ctx context.Context, id string) (*types.Extension, error)
	List(ctx context.Context) ([]types.Extension, error)
	ListEnabled(ctx context.Context) ([]types.Extension, error)
	SetEnabled(ctx context.Context, id string, enabled bool) (bool, error)
	DeleteByID(ctx context.Context, id string) (bool, error)
	PayloadKeys(ctx context.Context) (map[string]struct{}, error)
	Watch(ctx context.Context, filter registry.Filter) <-chan []types.Extension
}

// Installer commits packages
type Installer interface {
	Install(ctx context.Context, sourceURL string) (*types.Extension, error)
	Update(ctx context.Context, id string) (*types.Extension, error)
	FetchManifest(ctx context.Context, sourceURL string) (*types.Manifest, error)
	InstallBundled(ctx context.Context) ([]*types.Extension, error)
}

// Pool runs extension code
type Pool interface {
	Evict(id string)
	Reset(ctx context.Context, id string) (*executor.Handle, error)
	Invoke(ctx context.Context, id, operation string, args ...any) (any, error)
	InvokeRaw(ctx context.Context, id, operation string, args ...any) ([]byte, error)
}

// Blobs removes stored payloads
type Blobs interface {
	DeleteAll(id string) error
	Sweep(keep map[string]struct{}) ([]string, error)
}

// Prefs holds small persisted settings
type Prefs interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	SetTime(ctx context.Context, key string, t time.Time) error
	GetTime(ctx context.Context, key string) (time.Time, bool, error)
}

// Quotas drops per-extension bridge state
type Quotas interface {
	Forget(id string)
}

// Deps are the collaborators of a Manager
type Deps struct {
	Store     Store
	Installer Installer
	Pool      Pool
	Blobs     Blobs
	Prefs     Prefs
	Quotas    Quotas
	Logger    *zap.Logger
}

// Manager orchestrates extension lifecycle and invocation
type Manager struct {
	store     Store
	installer Installer
	pool      Pool
	blobs     Blobs
	prefs     Prefs
	quotas    Quotas
	logger    *zap.Logger
	metrics   *monitoring.Metrics
	tracer    *tracing.Tracer

	updateConcurrency int
	now               func() time.Time
}

// NewManager creates a manager
func NewManager(deps Deps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:             deps.Store,
		installer:         deps.Installer,
		pool:              deps.Pool,
		blobs:             deps.Blobs,
		prefs:             deps.Prefs,
		quotas:            deps.Quotas,
		logger:            logger,
		updateConcurrency: DefaultUpdateConcurrency,
		now:               time.Now,
	}
}

// WithMetrics adds metrics tracking to the manager
func (m *Manager) WithMetrics(metrics *monitoring.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// WithTracer records a span per invocation
func (m *Manager) WithTracer(tracer *tracing.Tracer) *Manager {
	m.tracer = tracer
	return m
}

// WithUpdateConcurrency bounds parallel manifest checks
func (m *Manager) WithUpdateConcurrency(n int) *Manager {
	if n > 0 {
		m.updateConcurrency = n
	}
	return m
}

// Install installs the extension at sourceURL
func (m *Manager) Install(ctx context.Context, sourceURL string) (*types.Extension, error) {
	ext, err := m.installer.Install(ctx, sourceURL)
	if err != nil {
		return nil, err
	}
	// a reinstall may have replaced the payload of a loaded sandbox
	m.pool.Evict(ext.ID)
	m.logger.Info("Extension installed",
		zap.String("extension", ext.ID),
		zap.String("version", ext.Version))
	return ext, nil
}

// InstallBundled installs the extensions shipped with the application
func (m *Manager) InstallBundled(ctx context.Context) ([]*types.Extension, error) {
	installed, err := m.installer.InstallBundled(ctx)
	for _, ext := range installed {
		m.pool.Evict(ext.ID)
	}
	return installed, err
}

// Update re-installs id from its source; the next invoke runs the new code
func (m *Manager) Update(ctx context.Context, id string) (*types.Extension, error) {
	ext, err := m.installer.Update(ctx, id)
	if err != nil {
		return nil, err
	}
	m.pool.Evict(id)
	m.logger.Info("Extension updated",
		zap.String("extension", id),
		zap.String("version", ext.Version))
	return ext, nil
}

// Uninstall removes id. The sandbox is disposed before the record is
// deleted, and again after it, so an invocation racing the delete cannot
// leave one cached. Reports whether a record existed.
func (m *Manager) Uninstall(ctx context.Context, id string) (bool, error) {
	m.pool.Evict(id)

	removed, err := m.store.DeleteByID(ctx, id)
	if err != nil {
		return false, err
	}
	m.pool.Evict(id)
	if err := m.blobs.DeleteAll(id); err != nil {
		// orphaned payloads are swept on the next start
		m.logger.Warn("Failed to remove payloads", zap.String("extension", id), zap.Error(err))
	}
	if m.quotas != nil {
		m.quotas.Forget(id)
	}
	if m.prefs != nil {
		if _, err := m.prefs.CompareAndDelete(ctx, prefs.KeyActiveExtension, id); err != nil {
			m.logger.Warn("Failed to clear active extension", zap.String("extension", id), zap.Error(err))
		}
	}

	if removed {
		m.logger.Info("Extension uninstalled", zap.String("extension", id))
	}
	return removed, nil
}

// SetEnabled toggles id; disabling disposes its sandbox. Reports whether id exists.
func (m *Manager) SetEnabled(ctx context.Context, id string, enabled bool) (bool, error) {
	ok, err := m.store.SetEnabled(ctx, id, enabled)
	if err != nil {
		return false, err
	}
	if !enabled {
		m.pool.Evict(id)
	}
	if ok {
		m.logger.Info("Extension toggled", zap.String("extension", id), zap.Bool("enabled", enabled))
	}
	return ok, nil
}

// Reset reloads the sandbox of id, clearing a fault
func (m *Manager) Reset(ctx context.Context, id string) error {
	h, err := m.pool.Reset(ctx, id)
	if err != nil {
		return err
	}
	if fault := h.Sandbox().Fault(); fault != nil {
		return fault
	}
	return nil
}

// Invoke runs operation in the extension. Errors are returned untranslated.
func (m *Manager) Invoke(ctx context.Context, id, operation string, args ...any) (any, error) {
	span, ctx := m.startInvoke(ctx, id, operation)
	result, err := m.pool.Invoke(ctx, id, operation, args...)
	m.tracer.End(span, err)
	return result, err
}

// InvokeRaw runs operation and returns its JSON result
func (m *Manager) InvokeRaw(ctx context.Context, id, operation string, args ...any) ([]byte, error) {
	span, ctx := m.startInvoke(ctx, id, operation)
	raw, err := m.pool.InvokeRaw(ctx, id, operation, args...)
	m.tracer.End(span, err)
	return raw, err
}

func (m *Manager) startInvoke(ctx context.Context, id, operation string) (*tracing.Span, context.Context) {
	span, ctx := m.tracer.StartSpan(ctx, "invoke "+operation)
	span.SetTag("extension", id)
	return span, ctx
}

// Get returns the record for id, or nil
func (m *Manager) Get(ctx context.Context, id string) (*types.Extension, error) {
	return m.store.Get(ctx, id)
}

// ListInstalled returns every record, newest install first
func (m *Manager) ListInstalled(ctx context.Context) ([]types.Extension, error) {
	return m.store.List(ctx)
}

// ListEnabled returns enabled records, newest install first
func (m *Manager) ListEnabled(ctx context.Context) ([]types.Extension, error) {
	return m.store.ListEnabled(ctx)
}

// WatchInstalled streams snapshots of every record until ctx is done
func (m *Manager) WatchInstalled(ctx context.Context) <-chan []types.Extension {
	return m.store.Watch(ctx, registry.All)
}

// WatchEnabled streams snapshots of enabled records until ctx is done
func (m *Manager) WatchEnabled(ctx context.Context) <-chan []types.Extension {
	return m.store.Watch(ctx, registry.Enabled)
}

// ErrNoActive is returned when no extension is enabled
var ErrNoActive = errors.New("no enabled extension")

// SetActive selects the extension used by content calls
func (m *Manager) SetActive(ctx context.Context, id string) error {
	ext, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if ext == nil {
		return errs.Pool("set active", id, errs.ErrNotFound)
	}
	if !ext.Enabled {
		return errs.Pool("set active", id, errs.ErrDisabled)
	}
	return m.prefs.Set(ctx, prefs.KeyActiveExtension, id)
}

// Active returns the selected extension, falling back to the most recently
// installed enabled one when the selection is unset or no longer enabled
func (m *Manager) Active(ctx context.Context) (*types.Extension, error) {
	if id, ok, err := m.prefs.Get(ctx, prefs.KeyActiveExtension); err != nil {
		return nil, err
	} else if ok {
		ext, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ext != nil && ext.Enabled {
			return ext, nil
		}
	}

	enabled, err := m.store.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}
	if len(enabled) == 0 {
		return nil, errs.Pool("active", "", ErrNoActive)
	}
	return &enabled[0], nil
}

// SweepOrphans removes payloads no record points at
func (m *Manager) SweepOrphans(ctx context.Context) ([]string, error) {
	keep, err := m.store.PayloadKeys(ctx)
	if err != nil {
		return nil, err
	}
	removed, err := m.blobs.Sweep(keep)
	if len(removed) > 0 {
		m.logger.Info("Orphaned payloads removed", zap.Strings("keys", removed))
	}
	return removed, err
}
