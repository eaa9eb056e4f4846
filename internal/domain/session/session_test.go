package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/enclave/internal/sandbox"
)

func newSandbox(t *testing.T) *sandbox.Sandbox {
	t.Helper()
	sb, err := sandbox.NewBuilder().Build()
	require.NoError(t, err)
	return sb
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "sessions"), nil)
	require.NoError(t, err)
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "db", "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return map[string]Store{KindFile: fs, KindSQLite: db}
}

func sample(count uint64) *Persisted {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Persisted{
		State:      []byte{1, 2, 3, byte(count)},
		Metadata:   Metadata{ExecutionCount: count, EngineVersion: sandbox.Version},
		CreatedAt:  now.Add(-time.Hour),
		LastActive: now,
	}
}

func TestStores(t *testing.T) {
	for kind, store := range stores(t) {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()

			ok, err := store.Exists(ctx, "alpha")
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = store.Load(ctx, "alpha")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Save(ctx, "beta", sample(1)))
			require.NoError(t, store.Save(ctx, "alpha", sample(2)))
			require.NoError(t, store.Save(ctx, "alpha", sample(3)), "save overwrites")

			got, err := store.Load(ctx, "alpha")
			require.NoError(t, err)
			want := sample(3)
			assert.Equal(t, want.State, got.State)
			assert.Equal(t, want.Metadata, got.Metadata)
			assert.True(t, want.LastActive.Equal(got.LastActive))
			assert.True(t, want.CreatedAt.Equal(got.CreatedAt))

			infos, err := store.List(ctx)
			require.NoError(t, err)
			require.Len(t, infos, 2)
			assert.Equal(t, "alpha", infos[0].Name)
			assert.Equal(t, uint64(3), infos[0].ExecutionCount)
			assert.Equal(t, int64(4), infos[0].SizeBytes)
			assert.Equal(t, "beta", infos[1].Name)

			require.NoError(t, store.Delete(ctx, "beta"))
			assert.ErrorIs(t, store.Delete(ctx, "beta"), ErrNotFound)

			ok, err = store.Exists(ctx, "alpha")
			require.NoError(t, err)
			assert.True(t, ok)

			n, err := store.Clear(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			infos, err = store.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, infos)
		})
	}
}

func TestStoresRejectBadNames(t *testing.T) {
	for kind, store := range stores(t) {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()
			for _, name := range []string{"", "../escape", "a/b", ".hidden"} {
				assert.ErrorIs(t, store.Save(ctx, name, sample(1)), ErrInvalidName, name)
				_, err := store.Load(ctx, name)
				assert.ErrorIs(t, err, ErrInvalidName, name)
			}
		})
	}
}

func TestFileStoreLayout(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "work", sample(1)))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files are cleaned up")
	assert.Equal(t, "work.session", entries[0].Name())

	// Corrupt and foreign files are skipped when listing.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.session"), []byte("{"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "deep.session"), []byte("{}"), 0o600))

	infos, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "work", infos[0].Name)

	_, err = store.Load(ctx, "broken")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestNewStore(t *testing.T) {
	s, err := NewStore(KindFile, t.TempDir(), nil)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = NewStore(KindSQLite, filepath.Join(t.TempDir(), "s.db"), nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = NewStore("redis", "", nil)
	assert.Error(t, err)
}

func TestPersistedFormat(t *testing.T) {
	data, err := sample(7).Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"AQIDBw=="`)
	assert.Contains(t, string(data), `"execution_count":7`)
	assert.Contains(t, string(data), `"engine_version":"`+sandbox.Version+`"`)
	assert.Contains(t, string(data), `"last_active"`)

	p, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), p.Metadata.ExecutionCount)

	_, err = Unmarshal([]byte(`{"metadata":{}}`))
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestRegistryRoundTrip(t *testing.T) {
	ctx := context.Background()
	sb := newSandbox(t)
	for kind, store := range stores(t) {
		t.Run(kind, func(t *testing.T) {
			reg := NewRegistry(sb, store, nil, nil)

			sess, loaded, err := reg.GetOrCreate(ctx, "counter")
			require.NoError(t, err)
			assert.False(t, loaded)

			_, err = sess.Execute(ctx, "var x = 1")
			require.NoError(t, err)
			_, err = sess.Execute(ctx, "x = x + 1")
			require.NoError(t, err)
			require.NoError(t, reg.Save(ctx, "counter", sess))

			restored, loaded, err := reg.GetOrCreate(ctx, "counter")
			require.NoError(t, err)
			assert.True(t, loaded)
			assert.Equal(t, uint64(2), restored.ExecutionCount())

			res, err := restored.Execute(ctx, "print(x)")
			require.NoError(t, err)
			assert.Equal(t, "2\n", res.Stdout)
			assert.Equal(t, uint64(3), restored.ExecutionCount())
		})
	}
}

func TestRegistryRejectsIncompatibleVersion(t *testing.T) {
	ctx := context.Background()
	sb := newSandbox(t)
	store, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	reg := NewRegistry(sb, store, nil, nil)

	sess, err := sb.NewSession(ctx)
	require.NoError(t, err)
	p, _, err := Capture(sess)
	require.NoError(t, err)
	p.Metadata.EngineVersion = "999.0.0"
	require.NoError(t, store.Save(ctx, "old", p))

	_, err = reg.Load(ctx, "old")
	assert.ErrorIs(t, err, sandbox.ErrSnapshot)

	_, _, err = reg.GetOrCreate(ctx, "old")
	assert.ErrorIs(t, err, sandbox.ErrSnapshot)
}

func newManager(t *testing.T, cfg ManagerConfig) *Manager {
	t.Helper()
	store, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	return NewManager(NewRegistry(newSandbox(t), store, nil, nil), cfg, nil, nil)
}

func TestManagerLifecycle(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, ManagerConfig{})

	e, err := m.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())

	got, err := m.Get(e.ID)
	require.NoError(t, err)
	assert.Same(t, e, got)

	err = m.Use(e.ID, func(e *Entry) error {
		_, err := e.Session.Execute(ctx, "var greeting = 'hi'")
		return err
	})
	require.NoError(t, err)

	require.NoError(t, m.Save(ctx, e.ID, "greeter"))
	assert.Equal(t, "greeter", e.Name())

	opened, err := m.Open(ctx, "greeter")
	require.NoError(t, err)
	assert.NotEqual(t, e.ID, opened.ID)
	assert.Equal(t, "greeter", opened.Name())

	res, err := opened.Session.Execute(ctx, "print(greeting)")
	require.NoError(t, err)
	assert.Equal(t, "hi\n", res.Stdout)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, e.ID, list[0].ID, "oldest first")

	require.NoError(t, m.Delete(e.ID))
	assert.ErrorIs(t, m.Delete(e.ID), ErrSessionNotFound)
	_, err = m.Get(e.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = m.Open(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	m.Close()
	assert.Zero(t, m.Len())
}

func TestManagerLimits(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, ManagerConfig{MaxSessions: 2, IdleTimeout: 50 * time.Millisecond})

	a, err := m.Create(ctx)
	require.NoError(t, err)
	_, err = m.Create(ctx)
	require.NoError(t, err)

	// Nothing is idle yet.
	_, err = m.Create(ctx)
	assert.ErrorIs(t, err, ErrTooManySessions)

	time.Sleep(80 * time.Millisecond)

	// A session in use survives eviction.
	err = m.Use(a.ID, func(*Entry) error {
		assert.Equal(t, 1, m.EvictIdle())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())

	_, err = m.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())
}

func TestManagerRun(t *testing.T) {
	m := newManager(t, ManagerConfig{IdleTimeout: 20 * time.Millisecond, SweepInterval: 10 * time.Millisecond})
	_, err := m.Create(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, 10*time.Millisecond)
	cancel()
	<-done
}
