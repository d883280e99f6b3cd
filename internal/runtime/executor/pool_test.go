package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/GriffinCanCode/streambox/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/streambox/backend/internal/runtime/sandbox"
	"github.com/GriffinCanCode/streambox/backend/internal/shared/errs"
	"github.com/GriffinCanCode/streambox/backend/internal/shared/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const script = `
module.exports.version = function () { return VERSION; };
module.exports.echo = function (v) { return { got: v }; };
`

type fakeRecords struct {
	mu   sync.Mutex
	recs map[string]*types.Extension
}

func (f *fakeRecords) Get(_ context.Context, id string) (*types.Extension, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recs[id].Clone(), nil
}

func (f *fakeRecords) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.recs, id)
}

func (f *fakeRecords) put(ext *types.Extension) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recs == nil {
		f.recs = make(map[string]*types.Extension)
	}
	f.recs[ext.ID] = ext
}

type mockPayloads struct {
	mock.Mock
}

func (m *mockPayloads) Get(key string) ([]byte, error) {
	args := m.Called(key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func record(id, version string) *types.Extension {
	return &types.Extension{
		ID:         id,
		Name:       id,
		Version:    version,
		Enabled:    true,
		EntryPoint: "index.js",
		PayloadKey: id + "/" + version + "/index.js",
	}
}

func source(version string) []byte {
	return []byte(`var VERSION = "` + version + `";` + script)
}

func newPool(t *testing.T, records Records, payloads Payloads, opts Options) *Pool {
	t.Helper()
	p := New(records, payloads, opts)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestConcurrentAcquireBuildsOnce(t *testing.T) {
	records := &fakeRecords{}
	records.put(record("alpha", "1.0.0"))
	payloads := &mockPayloads{}
	payloads.On("Get", "alpha/1.0.0/index.js").Return(source("1.0.0"), nil)

	p := newPool(t, records, payloads, Options{})

	const n = 32
	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := p.Acquire(context.Background(), "alpha")
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
	assert.Equal(t, 1, p.Len())
	payloads.AssertNumberOfCalls(t, "Get", 1)
}

func TestAcquireRefusesMissingAndDisabled(t *testing.T) {
	records := &fakeRecords{}
	disabled := record("beta", "1.0.0")
	disabled.Enabled = false
	records.put(disabled)

	p := newPool(t, records, &mockPayloads{}, Options{})

	_, err := p.Acquire(context.Background(), "nope")
	assert.ErrorIs(t, err, errs.ErrPool)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = p.Acquire(context.Background(), "beta")
	assert.ErrorIs(t, err, errs.ErrPool)
	assert.ErrorIs(t, err, errs.ErrDisabled)
}

func TestDisabledAfterCachingIsRefused(t *testing.T) {
	records := &fakeRecords{}
	records.put(record("alpha", "1.0.0"))
	payloads := &mockPayloads{}
	payloads.On("Get", mock.Anything).Return(source("1.0.0"), nil)

	p := newPool(t, records, payloads, Options{})
	_, err := p.Acquire(context.Background(), "alpha")
	require.NoError(t, err)

	off := record("alpha", "1.0.0")
	off.Enabled = false
	records.put(off)

	_, err = p.Invoke(context.Background(), "alpha", "version")
	assert.ErrorIs(t, err, errs.ErrDisabled)
}

func TestUnreadablePayload(t *testing.T) {
	records := &fakeRecords{}
	records.put(record("alpha", "1.0.0"))
	payloads := &mockPayloads{}
	payloads.On("Get", mock.Anything).Return(nil, errors.New("gone"))

	p := newPool(t, records, payloads, Options{})
	_, err := p.Acquire(context.Background(), "alpha")
	assert.ErrorIs(t, err, errs.ErrPool)
	assert.Zero(t, p.Len())
}

func TestVersionChangeRebuilds(t *testing.T) {
	records := &fakeRecords{}
	records.put(record("alpha", "1.0.0"))
	payloads := &mockPayloads{}
	payloads.On("Get", "alpha/1.0.0/index.js").Return(source("1.0.0"), nil)
	payloads.On("Get", "alpha/1.1.0/index.js").Return(source("1.1.0"), nil)

	p := newPool(t, records, payloads, Options{})
	ctx := context.Background()

	out, err := p.Invoke(ctx, "alpha", "version")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", out)
	old, err := p.Acquire(ctx, "alpha")
	require.NoError(t, err)

	records.put(record("alpha", "1.1.0"))

	out, err = p.Invoke(ctx, "alpha", "version")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", out)
	assert.Equal(t, sandbox.Disposed, old.Sandbox().State())
	assert.Equal(t, 1, p.Len())
}

func TestFaultedHandleIsReturnedUntilReset(t *testing.T) {
	records := &fakeRecords{}
	records.put(record("alpha", "1.0.0"))
	payloads := &mockPayloads{}
	payloads.On("Get", mock.Anything).Return([]byte("function ( {"), nil).Once()
	payloads.On("Get", mock.Anything).Return(source("1.0.0"), nil)

	p := newPool(t, records, payloads, Options{})
	ctx := context.Background()

	h, err := p.Acquire(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, sandbox.Faulted, h.Sandbox().State())

	_, err = p.Invoke(ctx, "alpha", "version")
	assert.ErrorIs(t, err, errs.ErrExtension)
	_, err = p.Invoke(ctx, "alpha", "version")
	assert.ErrorIs(t, err, errs.ErrExtension)
	payloads.AssertNumberOfCalls(t, "Get", 1)

	h, err = p.Reset(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, sandbox.Ready, h.Sandbox().State())

	out, err := p.Invoke(ctx, "alpha", "version")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", out)
}

func TestLRUBound(t *testing.T) {
	records := &fakeRecords{}
	payloads := &mockPayloads{}
	for _, id := range []string{"a", "b", "c"} {
		records.put(record(id, "1.0.0"))
	}
	payloads.On("Get", mock.Anything).Return(source("1.0.0"), nil)

	p := newPool(t, records, payloads, Options{MaxLive: 2})
	ctx := context.Background()

	_, err := p.Acquire(ctx, "a")
	require.NoError(t, err)
	b, err := p.Acquire(ctx, "b")
	require.NoError(t, err)
	_, err = p.Acquire(ctx, "a")
	require.NoError(t, err)
	_, err = p.Acquire(ctx, "c")
	require.NoError(t, err)

	assert.Equal(t, 2, p.Len())
	assert.Equal(t, sandbox.Disposed, b.Sandbox().State())

	var live []string
	for _, info := range p.Stats() {
		live = append(live, info.ExtensionID)
	}
	assert.Equal(t, []string{"c", "a"}, live)
}

// blockingPayloads holds the first payload read until release is closed
func blockingPayloads(version string) (*mockPayloads, chan struct{}, chan struct{}) {
	started := make(chan struct{})
	release := make(chan struct{})
	payloads := &mockPayloads{}
	payloads.On("Get", mock.Anything).Return(source(version), nil).Run(func(mock.Arguments) {
		select {
		case started <- struct{}{}:
			<-release
		default:
		}
	})
	return payloads, started, release
}

func TestEvictDuringBuildIsDiscarded(t *testing.T) {
	records := &fakeRecords{}
	records.put(record("alpha", "1.0.0"))
	payloads, started, release := blockingPayloads("1.0.0")

	p := newPool(t, records, payloads, Options{})

	done := make(chan *Handle)
	go func() {
		h, err := p.Acquire(context.Background(), "alpha")
		assert.NoError(t, err)
		done <- h
	}()

	<-started
	p.Evict("alpha")
	close(release)

	h := <-done
	require.NotNil(t, h)
	assert.Equal(t, sandbox.Ready, h.Sandbox().State())
	assert.Equal(t, 1, p.Len())
	payloads.AssertNumberOfCalls(t, "Get", 2)

	again, err := p.Acquire(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Same(t, h, again)
}

func TestRecordRemovedDuringBuildIsNotServed(t *testing.T) {
	records := &fakeRecords{}
	records.put(record("alpha", "1.0.0"))
	payloads, started, release := blockingPayloads("1.0.0")

	p := newPool(t, records, payloads, Options{})

	errc := make(chan error)
	go func() {
		_, err := p.Invoke(context.Background(), "alpha", "version")
		errc <- err
	}()

	<-started
	records.remove("alpha")
	p.Evict("alpha")
	close(release)

	err := <-errc
	assert.ErrorIs(t, err, errs.ErrPool)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.Zero(t, p.Len())
	assert.Empty(t, p.Stats())
}

func TestEvictDisposes(t *testing.T) {
	records := &fakeRecords{}
	records.put(record("alpha", "1.0.0"))
	payloads := &mockPayloads{}
	payloads.On("Get", mock.Anything).Return(source("1.0.0"), nil)

	p := newPool(t, records, payloads, Options{})
	h, err := p.Acquire(context.Background(), "alpha")
	require.NoError(t, err)

	p.Evict("alpha")
	p.Evict("alpha")
	assert.Zero(t, p.Len())
	assert.Equal(t, sandbox.Disposed, h.Sandbox().State())
}

func TestInvokeRecordsMetrics(t *testing.T) {
	records := &fakeRecords{}
	records.put(record("alpha", "1.0.0"))
	payloads := &mockPayloads{}
	payloads.On("Get", mock.Anything).Return(source("1.0.0"), nil)

	metrics := monitoring.NewMetricsWith(prometheus.NewRegistry())
	p := newPool(t, records, payloads, Options{Metrics: metrics})

	out, err := p.Invoke(context.Background(), "alpha", "echo", "hi")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"got": "hi"}, out)

	raw, err := p.InvokeRaw(context.Background(), "alpha", "echo", 7)
	require.NoError(t, err)
	assert.JSONEq(t, `{"got":7}`, string(raw))

	_, err = p.Invoke(context.Background(), "alpha", "missing")
	assert.ErrorIs(t, err, errs.ErrNotExported)

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.InvocationsTotal.WithLabelValues("alpha", "echo", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.InvocationsTotal.WithLabelValues("alpha", "missing", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SandboxesLive))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SandboxesBuilt))
}

func TestDifferentExtensionsRunInParallel(t *testing.T) {
	records := &fakeRecords{}
	payloads := &mockPayloads{}
	slow := []byte(`module.exports.wait = function (ms) {
		var end = Date.now() + ms;
		while (Date.now() < end) {}
		return true;
	};`)
	for _, id := range []string{"a", "b"} {
		records.put(record(id, "1.0.0"))
	}
	payloads.On("Get", mock.Anything).Return(slow, nil)

	p := newPool(t, records, payloads, Options{})
	for _, id := range []string{"a", "b"} {
		_, err := p.Acquire(context.Background(), id)
		require.NoError(t, err)
	}

	start := time.Now()
	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := p.Invoke(context.Background(), id, "wait", 200)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()
	assert.Less(t, time.Since(start), 390*time.Millisecond)
}

func TestClose(t *testing.T) {
	records := &fakeRecords{}
	records.put(record("alpha", "1.0.0"))
	payloads := &mockPayloads{}
	payloads.On("Get", mock.Anything).Return(source("1.0.0"), nil)

	p := New(records, payloads, Options{})
	h, err := p.Acquire(context.Background(), "alpha")
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, sandbox.Disposed, h.Sandbox().State())

	_, err = p.Acquire(context.Background(), "alpha")
	assert.ErrorIs(t, err, ErrPoolClosed)
}
