package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recera/vango-thin/pkg/conn"
	"github.com/recera/vango-thin/pkg/scheduler"
)

type clearable interface {
	conn.ReloadStore
	Clear(context.Context) error
}

func stores(t *testing.T) map[string]clearable {
	t.Helper()
	sqlite, err := OpenReloadLog(filepath.Join(t.TempDir(), "state", "reloads.db"), "app")
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]clearable{"sqlite": sqlite, "memory": NewMemoryReloadLog()}
}

func TestCountWithinWindow(t *testing.T) {
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, off := range []time.Duration{0, 10 * time.Second, 50 * time.Second} {
				require.NoError(t, s.Record(ctx, base.Add(off)))
			}
			n, err := s.CountSince(ctx, base.Add(5*time.Second))
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			n, err = s.CountSince(ctx, base)
			require.NoError(t, err)
			assert.Equal(t, 3, n, "the window start is inclusive")

			require.NoError(t, s.Clear(ctx))
			n, err = s.CountSince(ctx, base)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestOldRecordsArePruned(t *testing.T) {
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Record(ctx, base))
			require.NoError(t, s.Record(ctx, base.Add(Retention+time.Hour)))
			n, err := s.CountSince(ctx, time.Time{})
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestScopesAndPersistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reloads.db")
	at := time.Unix(1700000000, 0)

	a, err := OpenReloadLog(path, "a")
	require.NoError(t, err)
	require.NoError(t, a.Record(ctx, at))
	require.NoError(t, a.Close())

	again, err := OpenReloadLog(path, "a")
	require.NoError(t, err)
	defer again.Close()
	other, err := OpenReloadLog(path, "b")
	require.NoError(t, err)
	defer other.Close()

	n, _ := again.CountSince(ctx, at)
	assert.Equal(t, 1, n, "history survives a restart")
	n, _ = other.CountSince(ctx, at)
	assert.Zero(t, n)
}

type declineChannel struct{}

func (declineChannel) Connect(context.Context) error { return nil }
func (declineChannel) Join(context.Context) error    { return conn.ErrDeclined }
func (declineChannel) Leave() error                  { return nil }
func (declineChannel) Send(any) error                { return nil }

// Reload history persisted across page loads trips the failsafe
func TestFailsafeAcrossPageLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reloads.db")
	clock := scheduler.NewManual(time.Unix(1700000000, 0))

	var failsafe error
	for load := 0; load < 4; load++ {
		log, err := OpenReloadLog(path, "app")
		require.NoError(t, err)
		policy := conn.DefaultReloadPolicy()
		policy.Store = log
		m := conn.New(declineChannel{}, conn.Options{
			Scheduler:  clock,
			Reload:     policy,
			Go:         func(fn func()) { fn() },
			OnFailsafe: func(err error) { failsafe = err },
		})
		require.NoError(t, m.Connect())
		clock.RunPending()
		clock.Advance(5 * time.Second)
		require.NoError(t, log.Close())
	}
	require.Error(t, failsafe)
	assert.ErrorIs(t, failsafe, conn.ErrReloadLoop)
}
