package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devpilot/internal/config"
	"devpilot/internal/storage"
	"devpilot/internal/task"
	"devpilot/internal/task/engine"
	logx "devpilot/pkg/logx"
)

func fakeBackend(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var created atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v0/agents":
			n := created.Add(1)
			fmt.Fprintf(w, `{"id":"bc-%d","status":"CREATING"}`, n)
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v0/agents/"):
			id := strings.TrimPrefix(r.URL.Path, "/v0/agents/")
			fmt.Fprintf(w, `{"id":%q,"status":"RUNNING"}`, id)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &created
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "devpilot.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestAppRunsBaselineAndSavesOnStop(t *testing.T) {
	srv, created := fakeBackend(t)
	dir := t.TempDir()
	path := writeConfig(t, dir, fmt.Sprintf(`{
  "logging": {"level": "warn"},
  "agent": {"api_key": "k", "endpoint": %q, "repository": "github.com/acme/app"},
  "dispatch": {"baseline": {"delay": "1ms"}},
  "scheduler": {"autostart": true, "mode": "baseline", "development": "50ms", "poll": "50ms"},
  "storage": {"driver": "file", "path": %q}
}`, srv.URL, filepath.Join(dir, "store")))

	a, err := NewApp(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	require.Eventually(t, func() bool {
		return a.Orchestrator().Status().Stats.TotalLaunched == 6
	}, 5*time.Second, 20*time.Millisecond)
	st := a.Orchestrator().State()
	assert.True(t, st.Enabled)
	assert.Equal(t, task.ModeBaseline, st.Mode)

	// Busy keys are never relaunched by later development cycles.
	time.Sleep(200 * time.Millisecond)
	assert.EqualValues(t, 6, created.Load())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopSignal))

	matches, err := filepath.Glob(filepath.Join(dir, "store*snapshot.json"))
	require.NoError(t, err)
	assert.NotEmpty(t, matches)
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"agent": {"api_key": "k"}}`)
	_, err := NewApp(path)
	require.Error(t, err)
	assert.True(t, task.IsConfigurationError(err))

	_, err = NewApp(filepath.Join(dir, "missing.json"))
	assert.True(t, task.IsConfigurationError(err))

	path = writeConfig(t, dir, `{
  "agent": {"api_key": "k", "repository": "r"},
  "catalog": {"path": "/nonexistent/catalog.yaml"}
}`)
	_, err = NewApp(path)
	assert.True(t, task.IsConfigurationError(err))
}

type closeRecorder struct {
	storage.Store
	closed atomic.Bool
}

func (c *closeRecorder) Close() error {
	c.closed.Store(true)
	return c.Store.Close()
}

func TestBuildFailureClosesStore(t *testing.T) {
	var rec *closeRecorder
	orig := openStore
	openStore = func(cfg storage.Config, log logx.Logger) (storage.Store, error) {
		st, err := orig(cfg, log)
		if err != nil {
			return nil, err
		}
		rec = &closeRecorder{Store: st}
		return rec, nil
	}
	t.Cleanup(func() { openStore = orig })

	dir := t.TempDir()
	path := writeConfig(t, dir, fmt.Sprintf(`{
  "agent": {"api_key": "k", "repository": "r"},
  "catalog": {"path": "/nonexistent/catalog.yaml"},
  "storage": {"driver": "file", "path": %q}
}`, filepath.Join(dir, "store")))

	_, err := NewApp(path)
	assert.True(t, task.IsConfigurationError(err))
	require.NotNil(t, rec)
	assert.True(t, rec.closed.Load())
}

func TestMapPolicy(t *testing.T) {
	p, err := mapPolicy("dispatch.aggressive", config.PolicyConfig{MaxRetries: 4, Delay: "250ms", Concurrency: 2}, engine.StaggerParallel)
	require.NoError(t, err)
	assert.Equal(t, engine.Policy{Mode: engine.StaggerParallel, Concurrency: 2, MaxRetries: 4, Delay: 250 * time.Millisecond}, p)

	off := false
	p, err = mapPolicy("dispatch.aggressive", config.PolicyConfig{Stagger: &off}, engine.StaggerParallel)
	require.NoError(t, err)
	assert.Equal(t, engine.Sequential, p.Mode)

	_, err = mapPolicy("dispatch.baseline", config.PolicyConfig{Delay: "fast"}, engine.Sequential)
	assert.ErrorContains(t, err, "dispatch.baseline.delay")
}

func TestMapStorageConfig(t *testing.T) {
	_, on, err := mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	assert.False(t, on)

	_, on, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "none"}})
	require.NoError(t, err)
	assert.False(t, on)

	sc, on, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "SQLite3", Path: "x.db"}})
	require.NoError(t, err)
	assert.True(t, on)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, time.Second, sc.BusyTimeout)

	_, _, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "redis"}})
	assert.Error(t, err)
}

func TestMapNotifierConfigOmittedIsDisabled(t *testing.T) {
	nc, tg, err := mapNotifierConfig(&config.Config{Telegram: config.TelegramConfig{Token: "t", ChatID: 7}})
	require.NoError(t, err)
	assert.False(t, nc.Enabled)
	assert.Equal(t, int64(7), tg.ChatID)

	nc, _, err = mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{Enabled: true}})
	require.NoError(t, err)
	assert.True(t, nc.Enabled)
	assert.Equal(t, time.Minute, nc.DedupWindow)
}
