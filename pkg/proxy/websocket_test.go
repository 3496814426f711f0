package proxy

import (
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takutakahashi/kbterm/pkg/terminal"
)

// echoTerminal mimics the ttyd websocket endpoint by echoing every frame.
func echoTerminal(t *testing.T) (*httptest.Server, <-chan string) {
	t.Helper()
	paths := make(chan string, 8)
	upgrader := websocket.Upgrader{
		Subprotocols: []string{"tty"},
		CheckOrigin:  func(*http.Request) bool { return true },
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server, paths
}

func portOf(t *testing.T, rawURL string) int {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	_, p, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)
	return port
}

func TestRouteToTerminal_WebSocket(t *testing.T) {
	upstream, paths := echoTerminal(t)

	srv := newTestServer(t)
	srv.sessions.add(terminal.Session{ID: "live", OwnerAddress: "10.0.0.5", Port: portOf(t, upstream.URL), IsActive: true})

	front := httptest.NewServer(srv.proxy.GetEcho())
	defer front.Close()

	wsURL := "ws" + strings.TrimPrefix(front.URL, "http") + "/terminal/live/ws"
	dialer := websocket.Dialer{
		Subprotocols:     []string{"tty"},
		HandshakeTimeout: 5 * time.Second,
	}
	conn, resp, err := dialer.Dial(wsURL, http.Header{"X-Forwarded-For": {"10.0.0.5"}})
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	assert.Equal(t, "tty", conn.Subprotocol())
	assert.Equal(t, "/ws", <-paths)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("0ls -la\r")))
	mt, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, "0ls -la\r", string(msg))
}

func TestRouteToTerminal_WebSocketOtherOwner(t *testing.T) {
	upstream, _ := echoTerminal(t)

	srv := newTestServer(t)
	srv.sessions.add(terminal.Session{ID: "live", OwnerAddress: "10.0.0.5", Port: portOf(t, upstream.URL), IsActive: true})

	front := httptest.NewServer(srv.proxy.GetEcho())
	defer front.Close()

	wsURL := "ws" + strings.TrimPrefix(front.URL, "http") + "/terminal/live/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"X-Forwarded-For": {"10.0.0.9"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
