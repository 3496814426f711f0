package cmd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takutakahashi/kbterm/pkg/config"
)

func testServerConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.Type = "memory"
	cfg.LogDir = t.TempDir()
	cfg.KnowledgeBase.Root = t.TempDir()
	cfg.Terminal.TtydPath = filepath.Join(t.TempDir(), "no-ttyd")
	return cfg
}

func TestServerCmdFlags(t *testing.T) {
	for _, name := range []string{"config", "verbose", "port", "storage-type", "knowledge-base", "ttyd-path", "base-port", "stop-on-shutdown"} {
		assert.NotNil(t, ServerCmd.Flags().Lookup(name), name)
	}
}

func TestNewServerApp(t *testing.T) {
	cfg := testServerConfig(t)
	app, err := newServerApp(context.Background(), cfg, false)
	require.NoError(t, err)

	app.start(context.Background())

	rec := httptest.NewRecorder()
	app.proxy.GetEcho().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var health struct {
		Status        string `json:"status"`
		TtydAvailable bool   `json:"ttydAvailable"`
		KnowledgeBase struct {
			Accessible bool `json:"accessible"`
		} `json:"knowledgeBase"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.False(t, health.TtydAvailable)
	assert.True(t, health.KnowledgeBase.Accessible)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, app.shutdown(ctx))
}

func TestNewServerApp_SpawnFailureIsServiceUnavailable(t *testing.T) {
	cfg := testServerConfig(t)
	cfg.Terminal.StopOnShutdown = true
	app, err := newServerApp(context.Background(), cfg, false)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/terminal/sessions", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.5")
	rec := httptest.NewRecorder()
	app.proxy.GetEcho().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "server_failed_to_start")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, app.shutdown(ctx))
}

func TestNewServerApp_InvalidStorage(t *testing.T) {
	cfg := testServerConfig(t)
	cfg.Storage.Type = "etcd"
	_, err := newServerApp(context.Background(), cfg, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage type")
}

func TestNewServerApp_InvalidSchedule(t *testing.T) {
	cfg := testServerConfig(t)
	cfg.Terminal.SweepSchedule = "not a schedule"
	_, err := newServerApp(context.Background(), cfg, false)
	require.Error(t, err)
}
