package proxy

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/takutakahashi/kbterm/pkg/terminal"
)

const (
	ReasonNoPortsAvailable     = "no_ports_available"
	ReasonServerFailedToStart  = "server_failed_to_start"
	defaultOwnerAddress        = "127.0.0.1"
	terminalProxyPathPrefix    = "/terminal/"
	failedToCreateErrorMessage = "Failed to create terminal session"
)

// installInstructions is returned by the ttyd check when the binary is missing
var installInstructions = map[string]string{
	"macOS":  "brew install ttyd",
	"ubuntu": "sudo apt-get install ttyd",
	"arch":   "sudo pacman -S ttyd",
	"manual": "Visit https://github.com/tsl0922/ttyd for manual installation",
}

// CreateSessionResponse is returned by POST /api/terminal/sessions
type CreateSessionResponse struct {
	Session   terminal.Session `json:"session"`
	URL       string           `json:"url"`
	ProxyPath string           `json:"proxyPath"`
}

// ListSessionsResponse is returned by GET /api/terminal/sessions
type ListSessionsResponse struct {
	Sessions      []terminal.Session `json:"sessions"`
	TotalSessions int                `json:"totalSessions"`
}

// DeleteSessionResponse is returned by the DELETE session endpoints
type DeleteSessionResponse struct {
	Success    bool   `json:"success"`
	SessionID  string `json:"sessionId,omitempty"`
	Terminated int    `json:"terminated"`
}

// ErrorResponse is the JSON body of failed requests
type ErrorResponse struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// TerminalHandlers handles terminal session endpoints
type TerminalHandlers struct {
	sessions   SessionManager
	ttyd       TtydChecker
	publicHost string
}

// NewTerminalHandlers creates a new TerminalHandlers instance
func NewTerminalHandlers(sessions SessionManager, ttyd TtydChecker, publicHost string) *TerminalHandlers {
	return &TerminalHandlers{
		sessions:   sessions,
		ttyd:       ttyd,
		publicHost: publicHost,
	}
}

// CreateSession handles POST /api/terminal/sessions. It returns the caller's
// first fresh active session in creation order or starts a new one.
func (h *TerminalHandlers) CreateSession(c echo.Context) error {
	owner := ownerAddress(c)

	session, err := h.sessions.GetOrCreateSession(c.Request().Context(), owner)
	if err != nil {
		reason := ReasonServerFailedToStart
		if errors.Is(err, terminal.ErrNoPortAvailable) {
			reason = ReasonNoPortsAvailable
		}
		log.Printf("Failed to create terminal session for %s: %v", owner, err)
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   failedToCreateErrorMessage,
			Reason:  reason,
			Message: err.Error(),
		})
	}

	return c.JSON(http.StatusOK, CreateSessionResponse{
		Session:   session,
		URL:       h.terminalURL(c, session.Port),
		ProxyPath: terminalProxyPathPrefix + session.ID + "/",
	})
}

// ListSessions handles GET /api/terminal/sessions
func (h *TerminalHandlers) ListSessions(c echo.Context) error {
	sessions := h.sessions.GetSessionsByOwner(ownerAddress(c))
	if sessions == nil {
		sessions = []terminal.Session{}
	}
	return c.JSON(http.StatusOK, ListSessionsResponse{
		Sessions:      sessions,
		TotalSessions: len(sessions),
	})
}

// DeleteSession handles DELETE /api/terminal/sessions/:sessionId
func (h *TerminalHandlers) DeleteSession(c echo.Context) error {
	return h.terminate(c, c.Param("sessionId"))
}

// DeleteSessions handles DELETE /api/terminal/sessions. With a sessionId
// query parameter it terminates that session, otherwise every session of
// the caller.
func (h *TerminalHandlers) DeleteSessions(c echo.Context) error {
	if id := c.QueryParam("sessionId"); id != "" {
		return h.terminate(c, id)
	}

	terminated := h.sessions.TerminateOwner(ownerAddress(c))
	return c.JSON(http.StatusOK, DeleteSessionResponse{
		Success:    true,
		Terminated: terminated,
	})
}

func (h *TerminalHandlers) terminate(c echo.Context, id string) error {
	if session, ok := h.sessions.Get(id); ok && session.OwnerAddress != ownerAddress(c) {
		return echo.NewHTTPError(http.StatusForbidden, "Session belongs to another client")
	}

	terminated := 0
	if h.sessions.TerminateSession(id) {
		terminated = 1
	}
	return c.JSON(http.StatusOK, DeleteSessionResponse{
		Success:    true,
		SessionID:  id,
		Terminated: terminated,
	})
}

// CheckTtyd handles GET /api/terminal/check
func (h *TerminalHandlers) CheckTtyd(c echo.Context) error {
	available := h.ttyd != nil && h.ttyd.Available()

	resp := map[string]interface{}{
		"ttydAvailable":       available,
		"installInstructions": nil,
	}
	if !available {
		resp["installInstructions"] = installInstructions
	}
	return c.JSON(http.StatusOK, resp)
}

// terminalURL is the direct ttyd address for clients that bypass the proxy
func (h *TerminalHandlers) terminalURL(c echo.Context, port int) string {
	host := h.publicHost
	if host == "" {
		host = c.Request().Host
		if hostname, _, err := net.SplitHostPort(host); err == nil {
			host = hostname
		}
	}
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

// ownerAddress identifies the caller by the first X-Forwarded-For entry,
// falling back to the connection address.
func ownerAddress(c echo.Context) string {
	if forwarded := c.Request().Header.Get(echo.HeaderXForwardedFor); forwarded != "" {
		if first := strings.TrimSpace(strings.Split(forwarded, ",")[0]); first != "" {
			return first
		}
	}
	if ip := c.RealIP(); ip != "" {
		return ip
	}
	return defaultOwnerAddress
}
