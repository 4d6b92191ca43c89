package storage

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nudge/internal/ledger"
	"nudge/internal/registrar"
	"nudge/internal/task/scheduler"
	"nudge/pkg/logx"
)

type driverCase struct {
	name string
	open func(t *testing.T) Store
}

func drivers() []driverCase {
	return []driverCase{
		{"memory", func(t *testing.T) Store { return NewMemory() }},
		{"file", func(t *testing.T) Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "nudge.db")}, logx.Nop())
			require.NoError(t, err)
			return st
		}},
		{"sqlite", func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "nudge.sqlite")}, logx.Nop())
			require.NoError(t, err)
			return st
		}},
		{"redis", func(t *testing.T) Store {
			addr := redisAddr(t)
			ns := "nudge-test-" + uuid.NewString()[:8]
			st, err := Open(Config{Driver: "redis", Redis: RedisConfig{Addr: addr, Namespace: ns}}, logx.Nop())
			require.NoError(t, err)
			return st
		}},
	}
}

// sharedDrivers returns, per persistent driver, a func that opens another
// handle on the same backing state, the way the deploy hook and the daemon
// share one store from two processes.
func sharedDrivers() []struct {
	name    string
	backing func(t *testing.T) func() Store
} {
	return []struct {
		name    string
		backing func(t *testing.T) func() Store
	}{
		{"file", func(t *testing.T) func() Store {
			cfg := Config{Driver: "file", Path: filepath.Join(t.TempDir(), "nudge.db")}
			return func() Store {
				st, err := Open(cfg, logx.Nop())
				require.NoError(t, err)
				return st
			}
		}},
		{"sqlite", func(t *testing.T) func() Store {
			cfg := Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "nudge.sqlite")}
			return func() Store {
				st, err := Open(cfg, logx.Nop())
				require.NoError(t, err)
				return st
			}
		}},
		{"redis", func(t *testing.T) func() Store {
			addr := redisAddr(t)
			cfg := Config{Driver: "redis", Redis: RedisConfig{Addr: addr, Namespace: "nudge-test-" + uuid.NewString()[:8]}}
			return func() Store {
				st, err := Open(cfg, logx.Nop())
				require.NoError(t, err)
				return st
			}
		}},
	}
}

func redisAddr(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("NUDGE_TEST_REDIS")
	if addr == "" {
		addr = "localhost:6379"
	}
	c, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	if err != nil {
		t.Skipf("redis not reachable at %s", addr)
	}
	_ = c.Close()
	return addr
}

func forEachDriver(t *testing.T, fn func(t *testing.T, st Store)) {
	for _, d := range drivers() {
		t.Run(d.name, func(t *testing.T) {
			st := d.open(t)
			t.Cleanup(func() { _ = st.Close() })
			fn(t, st)
		})
	}
}

func testRecord(id string) ledger.Record {
	return ledger.Record{
		ID:               uuid.NewString(),
		SubjectID:        id,
		SubjectKind:      "user",
		NotificationKind: "confirmation_reminder",
		Description:      "reminder",
		SentAt:           time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func testRegistration(name string, every time.Duration) registrar.Registration {
	return registrar.Registration{
		ID:         uuid.NewString(),
		TaskName:   name,
		Cadence:    scheduler.Cadence{Every: every, At: "04:30", Timezone: "UTC"},
		QueueLabel: "default",
		CreatedAt:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		NextRunAt:  time.Date(2026, 3, 1, 4, 30, 0, 0, time.UTC),
	}
}

func TestLedgerInsertIfAbsent(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		rec := testRecord("1")

		ok, err := st.Exists(ctx, rec.Key())
		require.NoError(t, err)
		assert.False(t, ok)

		inserted, err := st.InsertIfAbsent(ctx, rec)
		require.NoError(t, err)
		assert.True(t, inserted)

		again := testRecord("1")
		inserted, err = st.InsertIfAbsent(ctx, again)
		require.NoError(t, err)
		assert.False(t, inserted)

		got, ok, err := st.Get(ctx, rec.Key())
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, rec.ID, got.ID)
		assert.True(t, rec.SentAt.Equal(got.SentAt))

		other := rec.Key()
		other.NotificationKind = "other"
		ok, err = st.Exists(ctx, other)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestLedgerConcurrentInsertSingleWinner(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		var (
			wg   sync.WaitGroup
			wins atomic.Int32
		)
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := st.InsertIfAbsent(context.Background(), testRecord("race"))
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}

func TestRegistrations(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		n, err := st.DeleteByName(ctx, "daily")
		require.NoError(t, err)
		assert.Zero(t, n)

		reg := testRegistration("daily", 24*time.Hour)
		require.NoError(t, st.InsertUnique(ctx, reg))
		assert.ErrorIs(t, st.InsertUnique(ctx, testRegistration("daily", time.Hour)), registrar.ErrConflict)

		got, ok, err := st.FindByName(ctx, "daily")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, reg.ID, got.ID)
		assert.Equal(t, reg.Cadence, got.Cadence)
		assert.True(t, reg.NextRunAt.Equal(got.NextRunAt))

		require.NoError(t, st.InsertUnique(ctx, testRegistration("alpha", time.Hour)))
		list, err := st.ListRegistrations(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "alpha", list[0].TaskName)
		assert.Equal(t, "daily", list[1].TaskName)

		n, err = st.DeleteByName(ctx, "daily")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, ok, err = st.FindByName(ctx, "daily")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestReports(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		for i, name := range []string{"a", "b", "a"} {
			require.NoError(t, st.AppendReport(ctx, registrar.TaskReport{
				ID:          uuid.NewString(),
				TaskName:    name,
				Description: name,
				FirstRunAt:  base.Add(time.Duration(i) * time.Hour),
				CreatedAt:   base,
			}))
		}

		all, err := st.ListReports(ctx, "", 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.True(t, all[0].FirstRunAt.Equal(base.Add(2*time.Hour)), "newest first")

		onlyA, err := st.ListReports(ctx, "a", 1)
		require.NoError(t, err)
		require.Len(t, onlyA, 1)
		assert.Equal(t, "a", onlyA[0].TaskName)
		assert.True(t, onlyA[0].FirstRunAt.Equal(base.Add(2*time.Hour)))
	})
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	_, err = st.InsertIfAbsent(ctx, testRecord("1"))
	require.NoError(t, err)
	require.NoError(t, st.InsertUnique(ctx, testRegistration("daily", 24*time.Hour)))
	require.NoError(t, st.InsertUnique(ctx, testRegistration("gone", time.Hour)))
	_, err = st.DeleteByName(ctx, "gone")
	require.NoError(t, err)
	require.NoError(t, st.AppendReport(ctx, registrar.TaskReport{ID: "r1", TaskName: "daily"}))

	// Compact through a small threshold, then keep journaling after it.
	fs := st.(*fileStore)
	fs.mu.Lock()
	require.NoError(t, fs.compactLocked())
	fs.mu.Unlock()
	_, err = st.InsertIfAbsent(ctx, testRecord("2"))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	for _, id := range []string{"1", "2"} {
		ok, err := st.Exists(ctx, testRecord(id).Key())
		require.NoError(t, err)
		assert.True(t, ok, id)
	}
	regs, err := st.ListRegistrations(ctx)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, "daily", regs[0].TaskName)

	reps, err := st.ListReports(ctx, "daily", 0)
	require.NoError(t, err)
	assert.Len(t, reps, 1)
}

func TestTwoHandlesShareState(t *testing.T) {
	for _, d := range sharedDrivers() {
		t.Run(d.name, func(t *testing.T) {
			ctx := context.Background()
			open := d.backing(t)
			daemon := open()
			defer daemon.Close()
			deploy := open()

			reg := testRegistration("reminder", 24*time.Hour)
			require.NoError(t, deploy.InsertUnique(ctx, reg))
			inserted, err := deploy.InsertIfAbsent(ctx, testRecord("A"))
			require.NoError(t, err)
			require.True(t, inserted)
			require.NoError(t, deploy.AppendReport(ctx, registrar.TaskReport{ID: "r1", TaskName: "reminder"}))

			got, ok, err := daemon.FindByName(ctx, "reminder")
			require.NoError(t, err)
			require.True(t, ok, "registration written by the other handle")
			assert.Equal(t, reg.ID, got.ID)
			ok, err = daemon.Exists(ctx, testRecord("A").Key())
			require.NoError(t, err)
			assert.True(t, ok)
			inserted, err = daemon.InsertIfAbsent(ctx, testRecord("A"))
			require.NoError(t, err)
			assert.False(t, inserted, "the key is already recorded through the other handle")

			// Redeploy replaces the registration; the daemon follows the new ID.
			_, err = deploy.DeleteByName(ctx, "reminder")
			require.NoError(t, err)
			redeployed := testRegistration("reminder", time.Hour)
			require.NoError(t, deploy.InsertUnique(ctx, redeployed))
			require.NoError(t, deploy.Close())

			got, ok, err = daemon.FindByName(ctx, "reminder")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, redeployed.ID, got.ID)

			inserted, err = daemon.InsertIfAbsent(ctx, testRecord("B"))
			require.NoError(t, err)
			require.True(t, inserted)
			require.NoError(t, daemon.Close())

			// Neither close erased what the other handle wrote.
			after := open()
			defer after.Close()
			got, ok, err = after.FindByName(ctx, "reminder")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, redeployed.ID, got.ID)
			for _, id := range []string{"A", "B"} {
				ok, err := after.Exists(ctx, testRecord(id).Key())
				require.NoError(t, err)
				assert.True(t, ok, id)
			}
			reps, err := after.ListReports(ctx, "reminder", 0)
			require.NoError(t, err)
			assert.Len(t, reps, 1)
		})
	}
}

func TestTwoHandlesSingleWinner(t *testing.T) {
	for _, d := range sharedDrivers() {
		t.Run(d.name, func(t *testing.T) {
			open := d.backing(t)
			handles := []Store{open(), open()}
			defer func() {
				for _, h := range handles {
					_ = h.Close()
				}
			}()

			var (
				wg   sync.WaitGroup
				wins atomic.Int32
			)
			for i := range 16 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := handles[i%2].InsertIfAbsent(context.Background(), testRecord("race"))
					assert.NoError(t, err)
					if ok {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestFileStoreFollowsCompactionByOtherHandle(t *testing.T) {
	ctx := context.Background()
	cfg := Config{Driver: "file", Path: filepath.Join(t.TempDir(), "nudge.db")}
	a, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer b.Close()

	_, err = a.InsertIfAbsent(ctx, testRecord("1"))
	require.NoError(t, err)

	fb := b.(*fileStore)
	fb.mu.Lock()
	require.NoError(t, fb.withFileLock(true, func() error {
		if err := fb.refreshLocked(true); err != nil {
			return err
		}
		return fb.compactLocked()
	}))
	fb.mu.Unlock()

	_, err = b.InsertIfAbsent(ctx, testRecord("2"))
	require.NoError(t, err)

	for _, id := range []string{"1", "2"} {
		ok, err := a.Exists(ctx, testRecord(id).Key())
		require.NoError(t, err)
		assert.True(t, ok, id)
	}
	inserted, err := a.InsertIfAbsent(ctx, testRecord("2"))
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestFileStoreDropsTornTail(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nudge.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	_, err = st.InsertIfAbsent(ctx, testRecord("1"))
	require.NoError(t, err)

	// A writer died halfway through a line.
	f, err := os.OpenFile(filepath.Join(filepath.Dir(path), "nudge.journal.jsonl"), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"op":"record","rec`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = st.InsertIfAbsent(ctx, testRecord("2"))
	require.NoError(t, err)
	defer st.Close()

	// A fresh handle replays the journal: the torn bytes must be gone.
	other, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer other.Close()
	for _, id := range []string{"1", "2"} {
		ok, err := other.Exists(ctx, testRecord(id).Key())
		require.NoError(t, err)
		assert.True(t, ok, id)
	}
}

func TestSQLiteMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nudge.sqlite")
	st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	var version int
	require.NoError(t, st.(*sqliteStore).db.Get(&version, "SELECT MAX(version) FROM schema_version"))
	migs, err := loadMigrations()
	require.NoError(t, err)
	assert.Equal(t, migs[len(migs)-1].version, version)
}

func TestClosedMemoryStore(t *testing.T) {
	st := NewMemory()
	require.NoError(t, st.Close())
	_, err := st.Exists(context.Background(), testRecord("1").Key())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "etcd"}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)
}
