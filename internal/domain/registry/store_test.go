package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/GriffinCanCode/streambox/backend/internal/shared/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "extensions.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(id string, installed time.Time) *types.Extension {
	desc := "An extension"
	return &types.Extension{
		ID:          id,
		Name:        id,
		Version:     "1.0",
		Description: &desc,
		SourceURL:   "https://example.com/" + id + "/manifest.json",
		InstalledAt: installed,
		UpdatedAt:   installed,
		Enabled:     true,
		EntryPoint:  "main.js",
		PayloadKey:  id + "/1.0/abcd1234/main.js",
		Checksum:    "sha256:abcd",
		Hosts:       []string{"*.example.com"},
	}
}

func TestUpsertAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.UnixMilli(time.Now().UnixMilli())

	saved, err := s.Upsert(ctx, record("demo", now))
	require.NoError(t, err)
	assert.Equal(t, "demo", saved.ID)
	assert.True(t, saved.InstalledAt.Equal(saved.UpdatedAt))
	assert.Nil(t, saved.Icon)
	require.NotNil(t, saved.Description)
	assert.Equal(t, "An extension", *saved.Description)

	got, err := s.Get(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, saved, got)
	assert.Equal(t, []string{"*.example.com"}, got.Hosts)

	missing, err := s.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUpsertKeepsInstalledAtAndEnabled(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	t0 := time.UnixMilli(1_700_000_000_000)

	_, err := s.Upsert(ctx, record("demo", t0))
	require.NoError(t, err)
	_, err = s.SetEnabled(ctx, "demo", false)
	require.NoError(t, err)

	next := record("demo", t0.Add(time.Hour))
	next.Version = "2.0"
	next.Enabled = true
	saved, err := s.Upsert(ctx, next)
	require.NoError(t, err)

	assert.Equal(t, "2.0", saved.Version)
	assert.True(t, saved.InstalledAt.Equal(t0))
	assert.True(t, saved.UpdatedAt.Equal(t0.Add(time.Hour)))
	assert.False(t, saved.Enabled)
}

func TestUpdatedAtNeverDecreases(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	t0 := time.UnixMilli(1_700_000_000_000)

	first := record("demo", t0)
	first.UpdatedAt = t0.Add(time.Hour)
	_, err := s.Upsert(ctx, first)
	require.NoError(t, err)

	stale := record("demo", t0)
	saved, err := s.Upsert(ctx, stale)
	require.NoError(t, err)
	assert.True(t, saved.UpdatedAt.Equal(t0.Add(time.Hour)))

	skewed := record("other", t0)
	skewed.UpdatedAt = t0.Add(-time.Hour)
	saved, err = s.Upsert(ctx, skewed)
	require.NoError(t, err)
	assert.False(t, saved.UpdatedAt.Before(saved.InstalledAt))
}

func TestListOrdering(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	t0 := time.UnixMilli(1_700_000_000_000)

	for _, r := range []*types.Extension{
		record("b", t0),
		record("a", t0),
		record("newest", t0.Add(time.Minute)),
		record("oldest", t0.Add(-time.Minute)),
	} {
		_, err := s.Upsert(ctx, r)
		require.NoError(t, err)
	}
	_, err := s.SetEnabled(ctx, "a", false)
	require.NoError(t, err)

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"newest", "a", "b", "oldest"}, ids(all))

	enabled, err := s.ListEnabled(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"newest", "b", "oldest"}, ids(enabled))
}

func TestMissingIDWritesAreNoops(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	found, err := s.SetEnabled(ctx, "ghost", true)
	require.NoError(t, err)
	assert.False(t, found)

	found, err = s.DeleteByID(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeleteAndPayloadKeys(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := s.Upsert(ctx, record("demo", now))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, record("other", now))
	require.NoError(t, err)

	keys, err := s.PayloadKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	found, err := s.DeleteByID(ctx, "demo")
	require.NoError(t, err)
	assert.True(t, found)

	got, err := s.Get(ctx, "demo")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "extensions.db")
	ctx := context.Background()

	s, err := Open(ctx, path, nil)
	require.NoError(t, err)
	_, err = s.Upsert(ctx, record("demo", time.Now()))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, path, nil)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "demo")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestWatchEmitsInitialAndPostCommitSnapshots(t *testing.T) {
	s := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := s.Watch(ctx, Enabled)
	assert.Empty(t, next(t, updates))

	_, err := s.Upsert(context.Background(), record("demo", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, []string{"demo"}, ids(next(t, updates)))

	_, err = s.SetEnabled(context.Background(), "demo", false)
	require.NoError(t, err)
	assert.Empty(t, next(t, updates))

	cancel()
	require.Eventually(t, func() bool { return s.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
	for range updates {
	}
}

func TestWatchCoalescesForSlowConsumers(t *testing.T) {
	s := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := s.Watch(ctx, All)
	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Upsert(context.Background(), record(id, time.Now()))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		select {
		case snap := <-updates:
			return len(snap) == 3
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func next(t *testing.T, ch <-chan []types.Extension) []types.Extension {
	t.Helper()
	select {
	case snap, ok := <-ch:
		require.True(t, ok, "watch channel closed")
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return nil
	}
}

func ids(list []types.Extension) []string {
	out := make([]string, 0, len(list))
	for _, e := range list {
		out = append(out, e.ID)
	}
	return out
}
