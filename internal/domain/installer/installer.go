package installer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/GriffinCanCode/streambox/backend/internal/domain/integrity"
	"github.com/GriffinCanCode/streambox/backend/internal/domain/manifest"
	"github.com/GriffinCanCode/streambox/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/streambox/backend/internal/infrastructure/transport"
	"github.com/GriffinCanCode/streambox/backend/internal/shared/errs"
	"github.com/GriffinCanCode/streambox/backend/internal/shared/paths"
	"github.com/GriffinCanCode/streambox/backend/internal/shared/types"
	"github.com/GriffinCanCode/streambox/backend/internal/shared/utils"
	"github.com/dop251/goja"
	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultMaxPayloadBytes bounds a downloaded payload
const DefaultMaxPayloadBytes = 4 << 20

// Errors
var (
	ErrNotText       = errors.New("payload is not text")
	ErrTooLarge      = errors.New("payload too large")
	ErrIDChanged     = errors.New("manifest id does not match the installed extension")
	ErrNoBundledRoot = errors.New("bundled extensions are not configured")
)

// Store is the record store as seen by the installer
type Store interface {
	Get(ctx context.Context, id string) (*types.Extension, error)
	Upsert(ctx context.Context, ext *types.Extension) (*types.Extension, error)
}

// Blobs is the payload store as seen by the installer
type Blobs interface {
	Put(key string, data []byte) error
	Exists(key string) (bool, error)
	Delete(key string) error
}

// Fetcher performs package downloads
type Fetcher interface {
	Do(ctx context.Context, req transport.Request) (*transport.Response, error)
}

// Options configures an Installer
type Options struct {
	MaxPayloadBytes int64
	Verifiers       integrity.Chain
	// Bundled holds one directory per bundled extension; nil disables bundled:// sources
	Bundled afero.Fs
	Now     func() time.Time
	Logger  *zap.Logger
	Metrics *monitoring.Metrics
}

// Installer fetches, validates and commits extension packages
type Installer struct {
	fetcher Fetcher
	store   Store
	blobs   Blobs
	opts    Options
	logger  *zap.Logger
	metrics *monitoring.Metrics
	hasher  *utils.Hasher

	flights singleflight.Group
	locks   keyedMutex
}

// New creates an installer
func New(fetcher Fetcher, store Store, blobs Blobs, opts Options) *Installer {
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if opts.Verifiers == nil {
		// no trust anchors: declared signatures fail closed
		opts.Verifiers, _ = integrity.DefaultChain(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Installer{
		fetcher: fetcher,
		store:   store,
		blobs:   blobs,
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		hasher:  utils.DefaultHasher(),
	}
}

// Install installs the package described by the manifest at sourceURL.
// Concurrent calls for the same source share one download. Once the manifest
// names the id, the install joins any pipeline in flight for that id and
// observes its result.
func (i *Installer) Install(ctx context.Context, sourceURL string) (*types.Extension, error) {
	return i.await(ctx, "install", "url:"+sourceURL, func(ctx context.Context) (*types.Extension, error) {
		return i.install(ctx, sourceURL)
	})
}

// Update re-runs the pipeline against the stored source of id. It shares
// the in-flight registry of id with installs.
func (i *Installer) Update(ctx context.Context, id string) (*types.Extension, error) {
	return i.await(ctx, "update", "id:"+id, func(ctx context.Context) (*types.Extension, error) {
		return i.update(ctx, id)
	})
}

// await runs fn once per key. The run is detached from any single caller so
// a waiter giving up does not fail the others.
func (i *Installer) await(ctx context.Context, op, key string, fn func(context.Context) (*types.Extension, error)) (*types.Extension, error) {
	detached := context.WithoutCancel(ctx)
	ch := i.flights.DoChan(key, func() (any, error) {
		return fn(detached)
	})
	select {
	case res := <-ch:
		return result(res)
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	}
}

// join runs fn as the pipeline in flight for id, or waits for the one
// already running
func (i *Installer) join(id string, fn func() (*types.Extension, error)) (*types.Extension, error) {
	return result(<-i.flights.DoChan("id:"+id, func() (any, error) {
		return fn()
	}))
}

func result(res singleflight.Result) (*types.Extension, error) {
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Val.(*types.Extension).Clone(), nil
}

// pkg is a fetched, not yet validated package
type pkg struct {
	sourceURL string
	manifest  *types.Manifest
	payload   []byte
}

func (i *Installer) install(ctx context.Context, sourceURL string) (ext *types.Extension, err error) {
	defer i.observe("install", sourceURL, time.Now(), &err)

	p, err := i.fetch(ctx, sourceURL)
	if err != nil {
		return nil, err
	}
	return i.join(p.manifest.ID, func() (*types.Extension, error) {
		return i.apply(ctx, "install", p, "")
	})
}

func (i *Installer) update(ctx context.Context, id string) (ext *types.Extension, err error) {
	existing, err := i.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, errs.Pool("update", id, errs.ErrNotFound)
	}
	defer i.observe("update", existing.SourceURL, time.Now(), &err)

	p, err := i.fetch(ctx, existing.SourceURL)
	if err != nil {
		return nil, err
	}
	return i.apply(ctx, "update", p, id)
}

func (i *Installer) observe(operation, sourceURL string, start time.Time, err *error) {
	outcome := "ok"
	if *err != nil {
		outcome = "error"
		i.logger.Warn("Install pipeline failed",
			zap.String("operation", operation),
			zap.String("source", sourceURL),
			zap.Duration("duration", time.Since(start)),
			zap.Error(*err))
	}
	i.metrics.RecordInstall(operation, outcome)
}

// apply validates a fetched package and commits it; each step is a
// precondition of the next and nothing is committed unless all succeed
func (i *Installer) apply(ctx context.Context, operation string, p *pkg, expectID string) (*types.Extension, error) {
	start := time.Now()
	m := p.manifest
	log := i.logger.With(zap.String("operation", operation), zap.String("source", p.sourceURL))
	if expectID != "" && m.ID != expectID {
		return nil, errs.New(errs.ErrManifest, operation, expectID, fmt.Errorf("%w: got %q", ErrIDChanged, m.ID))
	}

	if err := i.checkPayload(m, p.payload); err != nil {
		return nil, err
	}

	res, err := i.opts.Verifiers.Verify(m, p.payload)
	if err != nil {
		return nil, err
	}
	if !res.Declared {
		log.Warn("Reduced-trust install: manifest declares no digest or signature",
			zap.String("extension", m.ID), zap.String("version", m.Version))
	}

	digest := i.hasher.Hash(p.payload)
	key := paths.PayloadKey(m.ID, m.Version, digest, m.Entry)
	checksum := string(i.hasher.Algorithm()) + ":" + digest

	ext, err := i.commit(ctx, p, key, checksum)
	if err != nil {
		return nil, err
	}
	log.Info("Extension committed",
		zap.String("extension", ext.ID),
		zap.String("version", ext.Version),
		zap.Strings("verified", res.Checked),
		zap.Duration("duration", time.Since(start)))
	return ext, nil
}

// checkPayload enforces size, text content and that the code compiles
func (i *Installer) checkPayload(m *types.Manifest, payload []byte) error {
	if int64(len(payload)) > i.opts.MaxPayloadBytes {
		return errs.New(errs.ErrManifest, "install.payload", m.ID,
			fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(payload), i.opts.MaxPayloadBytes))
	}
	if !isText(payload) {
		return errs.New(errs.ErrManifest, "install.payload", m.ID,
			fmt.Errorf("%w: detected %s", ErrNotText, mimetype.Detect(payload).String()))
	}
	if _, err := goja.Compile(m.Entry, string(payload), false); err != nil {
		return errs.Extension("install.compile", m.ID, err)
	}
	return nil
}

func isText(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	for mt := mimetype.Detect(payload); mt != nil; mt = mt.Parent() {
		if mt.Is("text/plain") {
			return true
		}
	}
	return false
}

// commit writes the blob then the record. A failed upsert removes the new
// blob; the previous blob is removed only once the new record is stored.
func (i *Installer) commit(ctx context.Context, p *pkg, key, checksum string) (*types.Extension, error) {
	m := p.manifest
	unlock := i.locks.Lock(m.ID)
	defer unlock()

	existing, err := i.store.Get(ctx, m.ID)
	if err != nil {
		return nil, err
	}

	if existing != nil && existing.PayloadKey == key && existing.Checksum == checksum &&
		existing.Version == m.Version && existing.SourceURL == p.sourceURL {
		if ok, err := i.blobs.Exists(key); err == nil && ok {
			i.logger.Debug("Package unchanged", zap.String("extension", m.ID), zap.String("version", m.Version))
			return existing, nil
		}
	}

	if err := i.blobs.Put(key, p.payload); err != nil {
		return nil, err
	}

	now := i.opts.Now()
	rec := &types.Extension{
		ID:          m.ID,
		Name:        m.Name,
		Version:     m.Version,
		Icon:        m.Icon,
		Author:      m.Author,
		Description: m.Description,
		SourceURL:   p.sourceURL,
		InstalledAt: now,
		UpdatedAt:   now,
		Enabled:     true,
		EntryPoint:  m.Entry,
		PayloadKey:  key,
		Checksum:    checksum,
		Hosts:       m.Hosts,
	}
	if existing != nil {
		rec.InstalledAt = existing.InstalledAt
		rec.Enabled = existing.Enabled
	}

	saved, err := i.store.Upsert(ctx, rec)
	if err != nil {
		if existing == nil || existing.PayloadKey != key {
			if delErr := i.blobs.Delete(key); delErr != nil {
				i.logger.Warn("Failed to remove uncommitted payload", zap.String("key", key), zap.Error(delErr))
			}
		}
		return nil, err
	}

	if existing != nil && existing.PayloadKey != "" && existing.PayloadKey != key {
		if err := i.blobs.Delete(existing.PayloadKey); err != nil {
			// left for the startup sweep
			i.logger.Warn("Failed to remove previous payload", zap.String("key", existing.PayloadKey), zap.Error(err))
		}
	}
	return saved, nil
}

// FetchManifest downloads and validates only the manifest at sourceURL
func (i *Installer) FetchManifest(ctx context.Context, sourceURL string) (*types.Manifest, error) {
	if src, ok := bundledSource(sourceURL); ok {
		m, _, err := i.bundledManifest(src)
		return m, err
	}
	m, _, err := i.remoteManifest(ctx, sourceURL)
	return m, err
}

func (i *Installer) fetch(ctx context.Context, sourceURL string) (*pkg, error) {
	if src, ok := bundledSource(sourceURL); ok {
		return i.fetchBundled(src, sourceURL)
	}

	m, manifestURL, err := i.remoteManifest(ctx, sourceURL)
	if err != nil {
		return nil, err
	}
	entryURL, err := manifest.ResolveEntry(manifestURL, m.Entry)
	if err != nil {
		return nil, err
	}
	resp, err := i.fetcher.Do(ctx, transport.Request{Method: http.MethodGet, URL: entryURL})
	if err != nil {
		return nil, err
	}
	return &pkg{sourceURL: sourceURL, manifest: m, payload: resp.Body}, nil
}

// remoteManifest returns the parsed manifest and the URL it was served from
func (i *Installer) remoteManifest(ctx context.Context, sourceURL string) (*types.Manifest, string, error) {
	if !strings.HasPrefix(sourceURL, "http://") && !strings.HasPrefix(sourceURL, "https://") {
		return nil, "", errs.Manifest("install", "unsupported source %q", sourceURL)
	}
	resp, err := i.fetcher.Do(ctx, transport.Request{Method: http.MethodGet, URL: sourceURL})
	if err != nil {
		return nil, "", err
	}
	format := manifest.DetectFormat(resp.URL, resp.Headers.Get("Content-Type"))
	m, err := manifest.Parse(resp.Body, format)
	if err != nil {
		return nil, "", err
	}
	return m, resp.URL, nil
}
