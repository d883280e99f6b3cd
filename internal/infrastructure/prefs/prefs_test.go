package prefs

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/GriffinCanCode/streambox/backend/internal/shared/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "prefs.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestSetGetDelete(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, KeyActiveExtension)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, KeyActiveExtension, "demo"))
	v, ok, err := s.Get(ctx, KeyActiveExtension)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "demo", v)

	require.NoError(t, s.Delete(ctx, KeyActiveExtension))
	require.NoError(t, s.Delete(ctx, KeyActiveExtension))
	_, ok, _ = s.Get(ctx, KeyActiveExtension)
	assert.False(t, ok)
}

func TestCompareAndDelete(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, KeyActiveExtension, "demo"))

	deleted, err := s.CompareAndDelete(ctx, KeyActiveExtension, "other")
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = s.CompareAndDelete(ctx, KeyActiveExtension, "demo")
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestTimeRoundTripSurvivesReopen(t *testing.T) {
	s, path := openStore(t)
	ctx := context.Background()
	now := time.UnixMilli(time.Now().UnixMilli())

	require.NoError(t, s.SetTime(ctx, KeyLastUpdateCheck, now))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, ok, err := reopened.GetTime(ctx, KeyLastUpdateCheck)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, now.Equal(got))
}

func TestClosedStoreFails(t *testing.T) {
	s, _ := openStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err := s.Set(context.Background(), "k", "v")
	assert.ErrorIs(t, err, errs.ErrPersistence)
}
