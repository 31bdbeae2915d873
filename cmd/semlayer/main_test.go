package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semlayer/config"
	"github.com/c360/semlayer/store"
	"github.com/c360/semlayer/store/memstore"
)

func TestParseFlags(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "semlayer.yaml")
	require.NoError(t, os.WriteFile(file, []byte("store:\n  type: memory\n"), 0o600))

	tests := []struct {
		name    string
		args    []string
		wantErr bool
		check   func(t *testing.T, cfg *CLIConfig)
	}{
		{
			name: "defaults",
			args: nil,
			check: func(t *testing.T, cfg *CLIConfig) {
				assert.Empty(t, cfg.ConfigPaths)
				assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
				assert.False(t, cfg.Validate)
			},
		},
		{
			name: "repeated and comma separated config",
			args: []string{"-config", file + "," + file, "-config", file},
			check: func(t *testing.T, cfg *CLIConfig) {
				assert.Equal(t, []string{file, file, file}, cfg.ConfigPaths)
			},
		},
		{
			name: "log overrides",
			args: []string{"-log-level", "debug", "-log-format", "text"},
			check: func(t *testing.T, cfg *CLIConfig) {
				assert.Equal(t, "debug", cfg.LogLevel)
				assert.Equal(t, "text", cfg.LogFormat)
			},
		},
		{name: "bad log level", args: []string{"-log-level", "loud"}, wantErr: true},
		{name: "bad log format", args: []string{"-log-format", "xml"}, wantErr: true},
		{name: "bad timeout", args: []string{"-shutdown-timeout", "0s"}, wantErr: true},
		{name: "missing config file", args: []string{"-config", filepath.Join(dir, "nope.yaml")}, wantErr: true},
		{name: "unknown flag", args: []string{"-frobnicate"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SEMLAYER_CONFIG", "")
			cfg, err := parseFlags(tt.args, io.Discard)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn", "json")

	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, appName, rec["service"])
	assert.Equal(t, Version, rec["version"])
	assert.Equal(t, "value", rec["key"])

	buf.Reset()
	newLogger(&buf, "info", "text").Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"-version"}, &out, io.Discard))
	assert.Contains(t, out.String(), appName+" version "+Version)
}

func TestRun_Validate(t *testing.T) {
	t.Setenv("SEMLAYER_CONFIG", "")
	dir := t.TempDir()
	file := filepath.Join(dir, "semlayer.json")
	require.NoError(t, os.WriteFile(file,
		[]byte(`{"store":{"type":"nats"},"nats":{"bucket":"todos","token":"s3cret"}}`), 0o600))

	var out bytes.Buffer
	require.NoError(t, run([]string{"-validate", "-config", file}, &out, io.Discard))

	var cfg config.Config
	require.NoError(t, json.Unmarshal(out.Bytes(), &cfg))
	assert.Equal(t, config.StoreNATS, cfg.Store.Type)
	assert.Equal(t, "todos", cfg.NATS.Bucket)
	assert.Equal(t, "REDACTED", cfg.NATS.Token)
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("SEMLAYER_CONFIG", "")
	dir := t.TempDir()
	file := filepath.Join(dir, "semlayer.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"store":{"type":"etcd"}}`), 0o600))

	err := run([]string{"-validate", "-config", file}, io.Discard, io.Discard)
	assert.Error(t, err)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Metrics.Addr = "127.0.0.1:0"
	cfg.Stream.Addr = "127.0.0.1:0"
	return cfg
}

func TestApp_RunUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, testConfig(), newLogger(io.Discard, "error", "json"))
	require.NoError(t, err)

	_, err = a.todos.Create(ctx, "@test", "write tests")
	require.NoError(t, err)
	assert.Len(t, a.todos.List(), 1)

	ok, _ := a.healthFunc()
	assert.True(t, ok)

	errCh := make(chan error, 1)
	go func() { errCh <- a.run(ctx, 5*time.Second) }()

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
	}
	assert.True(t, a.todos.Closed())
}

func TestApp_ServesTodoAPI(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig()
	cfg.Metrics.Enabled = false
	a, err := newApp(ctx, cfg, newLogger(io.Discard, "error", "json"))
	require.NoError(t, err)
	defer a.shutdown(context.Background())

	srv := httptest.NewServer(a.events.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/todos", "application/json", strings.NewReader(`{"text":"ship it"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	list := a.todos.List()
	require.Len(t, list, 1)
	assert.Equal(t, "ship it", list[0].Text)

	author := ""
	docs, err := a.store.Query(ctx, store.Query{PathPrefix: "/todos/v1/"})
	require.NoError(t, err)
	for _, d := range docs {
		author = d.Author
	}
	assert.Equal(t, cfg.Store.Author, author)
}

func TestApp_StopsWhenStoreShutsDown(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Metrics.Enabled = false

	a, err := newApp(ctx, cfg, newLogger(io.Discard, "error", "json"))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- a.run(ctx, 5*time.Second) }()

	mem, ok := a.store.(*memstore.Store)
	require.True(t, ok)
	require.NoError(t, mem.Close())

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "detached")
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
	}

	ok, _ = a.healthFunc()
	assert.False(t, ok)
}

func TestApp_SQLiteStore(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Store.Type = config.StoreSQLite
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "todos.db")
	cfg.Metrics.Enabled = false
	cfg.Stream.Enabled = false

	a, err := newApp(ctx, cfg, newLogger(io.Discard, "error", "json"))
	require.NoError(t, err)
	created, err := a.todos.Create(ctx, "@test", "persist me")
	require.NoError(t, err)
	a.shutdown(ctx)

	b, err := newApp(ctx, cfg, newLogger(io.Discard, "error", "json"))
	require.NoError(t, err)
	defer b.shutdown(ctx)

	got, found, err := b.todos.Get(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "persist me", got.Text)
}
