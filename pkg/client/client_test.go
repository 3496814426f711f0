package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takutakahashi/kbterm/pkg/utils"
)

func TestClient_CreateSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/terminal/sessions", r.URL.Path)
		assert.Equal(t, "10.0.0.5", r.Header.Get("X-Forwarded-For"))
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"session":{"id":"s1","ownerAddress":"10.0.0.5","port":7680,"isActive":true,"state":"active"},"url":"http://localhost:7680","proxyPath":"/terminal/s1/"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL+"/", WithAPIKey("secret"), WithForwardedFor("10.0.0.5"))
	resp, err := c.CreateSession(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "s1", resp.Session.ID)
	assert.Equal(t, 7680, resp.Session.Port)
	assert.True(t, resp.Session.IsActive)
	assert.Equal(t, "http://localhost:7680", resp.URL)
	assert.Equal(t, "/terminal/s1/", resp.ProxyPath)
}

func TestClient_ListSessions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		_, _ = w.Write([]byte(`{"sessions":[{"id":"a","port":7680},{"id":"b","port":7681}],"totalSessions":2}`))
	}))
	defer server.Close()

	resp, err := NewClient(server.URL).ListSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, resp.TotalSessions)
	require.Len(t, resp.Sessions, 2)
	assert.Equal(t, "b", resp.Sessions[1].ID)
}

func TestClient_Terminate(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/api/terminal/sessions" {
			_, _ = w.Write([]byte(`{"success":true,"terminated":2}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"sessionId":"s1","terminated":1}`))
	}))
	defer server.Close()

	c := NewClient(server.URL)

	one, err := c.TerminateSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, one.Success)
	assert.Equal(t, "s1", one.SessionID)

	all, err := c.TerminateAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, all.Terminated)

	assert.Equal(t, []string{"/api/terminal/sessions/s1", "/api/terminal/sessions"}, paths)
}

func TestClient_ErrorResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"Failed to create terminal session","reason":"no_ports_available"}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL).CreateSession(context.Background())
	require.Error(t, err)

	var httpErr utils.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.StatusCode)
	assert.Contains(t, httpErr.Message, "no_ports_available")
}

func TestClient_InvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL).ListSessions(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode response")
}
