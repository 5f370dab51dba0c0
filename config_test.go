package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dragoncounters/counters"
	"dragoncounters/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "node_tag: A\n"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, EnginePebble, cfg.Storage.Engine)
	assert.Equal(t, "data", cfg.Storage.Path)
	require.NotNil(t, cfg.Storage.GroupCommit)
	assert.True(t, *cfg.Storage.GroupCommit)
	assert.Equal(t, 5*time.Millisecond, cfg.Storage.FlushInterval)
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
listen_addr: ":9000"
node_tag: B
log_level: debug
storage:
  engine: sqlite3
  dsn: "file:counters.db"
  group_commit: false
  flush_interval: 10ms
`))
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "B", cfg.NodeTag)
	assert.Equal(t, EngineSQLite, cfg.Storage.Engine)
	assert.Equal(t, "file:counters.db", cfg.Storage.DSN)
	assert.False(t, *cfg.Storage.GroupCommit)
	assert.Equal(t, 10*time.Millisecond, cfg.Storage.FlushInterval)
}

func TestConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"no node tag", "listen_addr: ':1'\n", ErrNoNodeTag},
		{"sql without dsn", "node_tag: A\nstorage:\n  engine: postgres\n", ErrNoDSN},
		{"unknown engine", "node_tag: A\nstorage:\n  engine: rocks\n", nil},
		{"bad level", "node_tag: A\nlog_level: loud\n", nil},
		{"unknown field", "node_tag: A\ncolor: blue\n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestOpenStoreEngines(t *testing.T) {
	off := false
	for _, sc := range []StorageConfig{
		{Engine: EnginePebble, Path: filepath.Join(t.TempDir(), "pebble"), GroupCommit: &off},
		{Engine: EngineBadger, Path: filepath.Join(t.TempDir(), "badger")},
		{Engine: EngineSQLite, DSN: ":memory:"},
	} {
		t.Run(sc.Engine, func(t *testing.T) {
			ctx := context.Background()
			store, err := OpenStore(ctx, sc, zaptest.NewLogger(t))
			require.NoError(t, err)
			defer store.Close()

			cnt, err := counters.Open(ctx, store, counters.Options{NodeTag: "A"})
			require.NoError(t, err)
			require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
				_, err := cnt.IncrementCounter(tx, "users/1", "users", "n", 2)
				return err
			}))
			require.NoError(t, store.View(ctx, func(tx storage.Tx) error {
				v, ok, err := cnt.ResolvedValue(tx, "users/1", "n")
				assert.True(t, ok)
				assert.EqualValues(t, 2, v)
				return err
			}))

			runCtx, cancel := context.WithCancel(ctx)
			cancel()
			assert.NoError(t, store.Run(runCtx))
		})
	}

	_, err := OpenStore(context.Background(), StorageConfig{Engine: "rocks"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestDump(t *testing.T) {
	ctx := context.Background()
	off := false
	cfg := &Config{NodeTag: "A", Storage: StorageConfig{Engine: EnginePebble, Path: filepath.Join(t.TempDir(), "db"), GroupCommit: &off}}

	store, err := OpenStore(ctx, cfg.Storage, zaptest.NewLogger(t))
	require.NoError(t, err)
	cnt, err := counters.Open(ctx, store, counters.Options{NodeTag: "A"})
	require.NoError(t, err)
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		if _, err := cnt.IncrementCounter(tx, "users/1", "users", "n", 7); err != nil {
			return err
		}
		if _, err := cnt.IncrementCounter(tx, "users/2", "users", "gone", 1); err != nil {
			return err
		}
		_, err := cnt.DeleteCounter(tx, "users/2", "users", "gone")
		return err
	}))
	require.NoError(t, store.Close())

	var out bytes.Buffer
	require.NoError(t, Dump(ctx, cfg, 0, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"id":"users/1"`)
	assert.Contains(t, lines[0], `"value":7`)
	assert.Contains(t, lines[1], `"tombstone":"A:`)
}
