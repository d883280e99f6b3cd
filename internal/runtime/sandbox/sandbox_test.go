package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/GriffinCanCode/streambox/backend/internal/runtime/bridge"
	"github.com/GriffinCanCode/streambox/backend/internal/shared/errs"
	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const demo = `
module.exports.search = async function (query) {
	return [{ title: "Result for " + query, link: "https://example.com/1" }];
};
exports.meta = function () { return { name: "demo", tags: ["a", "b"] }; };
function getPosts(filter, page) { return { filter: filter, page: page }; }
var catalog = [{ title: "Latest", filter: "" }];
module.exports.boom = function () { throw new Error("boom"); };
module.exports.nothing = function () {};
module.exports.spin = function () { while (true) {} };
module.exports.delayed = function () {
	return new Promise(function (resolve) { setTimeout(function () { resolve(5); }, 1000); });
};
module.exports.ambient = function () {
	return [typeof require, typeof process, typeof fetchText];
};
`

func load(t *testing.T, src string, cfg Config, binder Binder) *Sandbox {
	t.Helper()
	sb := New("demo", "1.0.0", binder, cfg, nil)
	t.Cleanup(sb.Dispose)
	require.NoError(t, sb.Load(context.Background(), []byte(src), "index.js"))
	require.Equal(t, Ready, sb.State())
	return sb
}

func TestInvokeResolvesExports(t *testing.T) {
	sb := load(t, demo, Config{}, nil)
	ctx := context.Background()

	out, err := sb.Invoke(ctx, "search", "matrix")
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"title": "Result for matrix", "link": "https://example.com/1"}}, out)

	out, err = sb.Invoke(ctx, "meta")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "demo", "tags": []any{"a", "b"}}, out)

	out, err = sb.Invoke(ctx, "getPosts", "latest", 2)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"filter": "latest", "page": float64(2)}, out)

	out, err = sb.Invoke(ctx, "catalog")
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"title": "Latest", "filter": ""}}, out)

	out, err = sb.Invoke(ctx, "nothing")
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = sb.Invoke(ctx, "delayed")
	require.NoError(t, err)
	assert.Equal(t, float64(5), out)
}

func TestInvokeRawReturnsJSON(t *testing.T) {
	sb := load(t, demo, Config{}, nil)

	raw, err := sb.InvokeRaw(context.Background(), "meta")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"demo","tags":["a","b"]}`, string(raw))
}

func TestAmbientGlobalsAreRemoved(t *testing.T) {
	sb := load(t, demo, Config{}, nil)

	out, err := sb.Invoke(context.Background(), "ambient")
	require.NoError(t, err)
	assert.Equal(t, []any{"undefined", "undefined", "undefined"}, out)
}

func TestThrowFailsCallOnly(t *testing.T) {
	sb := load(t, demo, Config{}, nil)

	_, err := sb.Invoke(context.Background(), "boom")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrExtension)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, Ready, sb.State())

	_, err = sb.Invoke(context.Background(), "meta")
	assert.NoError(t, err)
}

func TestMissingOperation(t *testing.T) {
	sb := load(t, demo, Config{}, nil)

	_, err := sb.Invoke(context.Background(), "resolve")
	assert.ErrorIs(t, err, errs.ErrExtension)
	assert.ErrorIs(t, err, errs.ErrNotExported)
	assert.Equal(t, Ready, sb.State())
}

func TestOnlyScriptNamesAreOperations(t *testing.T) {
	binder := BinderFunc(func(vm *goja.Runtime, _ bridge.ContextFunc) error {
		return vm.Set("fetchText", func(string) string { return "host" })
	})
	sb := load(t, demo, Config{}, binder)
	ctx := context.Background()

	for _, name := range []string{"eval", "Function", "fetchText", "setTimeout", "module", "exports", "constructor", "toString", "hasOwnProperty"} {
		_, err := sb.Invoke(ctx, name, "var leaked = 40 + 2; leaked")
		assert.ErrorIs(t, err, errs.ErrNotExported, name)
	}
	_, err := sb.Invoke(ctx, "leaked")
	assert.ErrorIs(t, err, errs.ErrNotExported)
	assert.Equal(t, Ready, sb.State())

	out, err := sb.Invoke(ctx, "getPosts", "latest", 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"filter": "latest", "page": float64(1)}, out)
}

func TestBudgetFaultsSandbox(t *testing.T) {
	sb := load(t, demo, Config{Budget: 50 * time.Millisecond}, nil)

	_, err := sb.Invoke(context.Background(), "spin")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrExtension)
	assert.ErrorIs(t, err, errs.ErrBudget)
	assert.Equal(t, Faulted, sb.State())

	// sticky: every later call gets the stored fault without running
	_, again := sb.Invoke(context.Background(), "meta")
	assert.Equal(t, err, again)
	assert.Equal(t, err, sb.Fault())
	assert.NotEmpty(t, sb.Info().Fault)
}

func TestCancellationKeepsSandboxReady(t *testing.T) {
	sb := load(t, demo, Config{Budget: 10 * time.Second}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := sb.Invoke(ctx, "spin")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrExtension)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Ready, sb.State())

	out, err := sb.Invoke(context.Background(), "meta")
	require.NoError(t, err)
	assert.NotNil(t, out)
}

func TestCompileErrorFaultsOnLoad(t *testing.T) {
	sb := New("broken", "1.0.0", nil, Config{}, nil)
	defer sb.Dispose()

	err := sb.Load(context.Background(), []byte("function ( {"), "index.js")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrExtension)
	assert.Equal(t, Faulted, sb.State())

	_, again := sb.Invoke(context.Background(), "search")
	assert.Equal(t, err, again)
}

func TestTopLevelThrowFaultsOnLoad(t *testing.T) {
	sb := New("broken", "1.0.0", nil, Config{}, nil)
	defer sb.Dispose()

	err := sb.Load(context.Background(), []byte(`throw new Error("no init")`), "index.js")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no init")
	assert.Equal(t, Faulted, sb.State())
}

func TestLoadTwiceIsRejected(t *testing.T) {
	sb := load(t, demo, Config{}, nil)
	err := sb.Load(context.Background(), []byte(demo), "index.js")
	assert.ErrorIs(t, err, ErrAlreadyUsed)
	assert.Equal(t, Ready, sb.State())
}

var errUpstream = errors.New("upstream down")

func TestHostFunctionsAndErrors(t *testing.T) {
	var seen context.Context
	binder := BinderFunc(func(vm *goja.Runtime, current bridge.ContextFunc) error {
		if err := vm.Set("hostAdd", func(a, b int) int {
			seen = current()
			return a + b
		}); err != nil {
			return err
		}
		if err := vm.Set("hostFail", func() (string, error) { return "", errUpstream }); err != nil {
			return err
		}
		return vm.Set("hostPanic", func() { panic("host bug") })
	})

	sb := load(t, `
		module.exports.add = function (a, b) { return hostAdd(a, b); };
		module.exports.fail = async function () { return await hostFail(); };
		module.exports.syncFail = function () { return hostFail(); };
		module.exports.panic = function () { hostPanic(); };
	`, Config{}, binder)

	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "call")
	out, err := sb.Invoke(ctx, "add", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, float64(5), out)
	require.NotNil(t, seen)
	assert.Equal(t, "call", seen.Value(key{}))

	_, err = sb.Invoke(context.Background(), "fail")
	assert.ErrorIs(t, err, errs.ErrExtension)
	assert.ErrorIs(t, err, errUpstream)
	assert.Equal(t, Ready, sb.State())

	_, err = sb.Invoke(context.Background(), "syncFail")
	assert.ErrorIs(t, err, errUpstream)
	assert.Equal(t, Ready, sb.State())

	_, err = sb.Invoke(context.Background(), "panic")
	assert.ErrorIs(t, err, errs.ErrExtension)
	assert.Contains(t, err.Error(), "host bug")
	assert.Equal(t, Faulted, sb.State())
}

func TestBindErrorFaultsOnLoad(t *testing.T) {
	binder := BinderFunc(func(*goja.Runtime, bridge.ContextFunc) error {
		return errors.New("no bridge")
	})
	sb := New("demo", "1.0.0", binder, Config{}, nil)
	defer sb.Dispose()

	err := sb.Load(context.Background(), []byte(demo), "index.js")
	assert.ErrorIs(t, err, errs.ErrExtension)
	assert.Equal(t, Faulted, sb.State())
}

func TestCallsAreSerialized(t *testing.T) {
	sb := load(t, `
		var counter = 0;
		module.exports.bump = function () {
			var v = counter;
			for (var i = 0; i < 1000; i++) {}
			counter = v + 1;
			return counter;
		};
	`, Config{}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sb.Invoke(context.Background(), "bump")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	out, err := sb.Invoke(context.Background(), "bump")
	require.NoError(t, err)
	assert.Equal(t, float64(21), out)
	assert.Equal(t, uint64(21), sb.Info().Calls)
}

func TestDispose(t *testing.T) {
	sb := load(t, demo, Config{}, nil)
	sb.Dispose()
	sb.Dispose()

	assert.Equal(t, Disposed, sb.State())
	_, err := sb.Invoke(context.Background(), "meta")
	assert.ErrorIs(t, err, errs.ErrDisposed)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "faulted", Faulted.String())
	assert.Equal(t, "unknown", State(42).String())
}
