package proxy

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/takutakahashi/kbterm/pkg/auth"
	"github.com/takutakahashi/kbterm/pkg/config"
	"github.com/takutakahashi/kbterm/pkg/knowledge"
	"github.com/takutakahashi/kbterm/pkg/terminal"
)

// SessionManager is the subset of the terminal registry the HTTP layer uses
type SessionManager interface {
	GetOrCreateSession(ctx context.Context, owner string) (terminal.Session, error)
	GetSessionsByOwner(owner string) []terminal.Session
	Get(id string) (terminal.Session, bool)
	List() []terminal.Session
	TerminateSession(id string) bool
	TerminateOwner(owner string) int
	PersistStatus() terminal.PersistStatus
}

// TtydChecker reports whether the ttyd binary can be launched
type TtydChecker interface {
	Available() bool
}

// Proxy represents the HTTP server in front of the terminal sessions
type Proxy struct {
	config    *config.Config
	echo      *echo.Echo
	verbose   bool
	sessions  SessionManager
	knowledge *knowledge.Store
	ttyd      TtydChecker
	startedAt time.Time
}

// NewProxy creates a new proxy instance. kb and ttyd may be nil.
func NewProxy(cfg *config.Config, sessions SessionManager, kb *knowledge.Store, ttyd TtydChecker, verbose bool) *Proxy {
	e := echo.New()
	e.HideBanner = true

	// Disable Echo's default logger and use custom logging
	e.Logger.SetOutput(io.Discard)

	e.Use(middleware.Recover())

	origins := cfg.Server.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		// Terminal traffic gets its CORS headers from ModifyResponse
		Skipper: func(c echo.Context) bool {
			return strings.HasPrefix(c.Request().URL.Path, "/terminal/")
		},
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodHead, http.MethodPut, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "X-Requested-With", "X-Forwarded-For", "X-API-Key"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	if verbose {
		e.Use(middleware.Logger())
	}

	e.Use(auth.AuthMiddleware(cfg))

	p := &Proxy{
		config:    cfg,
		echo:      e,
		verbose:   verbose,
		sessions:  sessions,
		knowledge: kb,
		ttyd:      ttyd,
		startedAt: time.Now(),
	}

	router := NewRouter(e, p)
	router.RegisterRoutes()

	return p
}

// GetEcho returns the underlying Echo instance
func (p *Proxy) GetEcho() *echo.Echo {
	return p.echo
}

// Start serves HTTP on addr until Shutdown is called
func (p *Proxy) Start(addr string) error {
	if err := p.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (p *Proxy) Shutdown(ctx context.Context) error {
	return p.echo.Shutdown(ctx)
}

// redirectToTerminal adds the trailing slash ttyd needs to resolve its
// relative asset and websocket URLs.
func (p *Proxy) redirectToTerminal(c echo.Context) error {
	return c.Redirect(http.StatusMovedPermanently, "/terminal/"+c.Param("sessionId")+"/")
}

// routeToTerminal forwards HTTP and websocket traffic to the session's ttyd
func (p *Proxy) routeToTerminal(c echo.Context) error {
	sessionID := c.Param("sessionId")

	session, exists := p.sessions.Get(sessionID)
	if !exists {
		if p.verbose {
			log.Printf("Session %s not found", sessionID)
		}
		return echo.NewHTTPError(http.StatusNotFound, "Session not found")
	}
	if session.OwnerAddress != ownerAddress(c) {
		return echo.NewHTTPError(http.StatusForbidden, "Session belongs to another client")
	}
	if !session.IsActive {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Terminal server is not running")
	}

	target, err := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", session.Port))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("Invalid target URL: %v", err))
	}

	prefix := "/terminal/" + sessionID
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.FlushInterval = 100 * time.Millisecond

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)

		req.URL.Path = strings.TrimPrefix(req.URL.Path, prefix)
		if req.URL.Path == "" {
			req.URL.Path = "/"
		}
		req.URL.RawPath = ""

		req.Header.Set("X-Forwarded-Host", c.Request().Host)
		req.Header.Set("X-Forwarded-Proto", "http")
		if c.Request().TLS != nil {
			req.Header.Set("X-Forwarded-Proto", "https")
		}
	}

	proxy.ModifyResponse = func(resp *http.Response) error {
		resp.Header.Set("Access-Control-Allow-Origin", "*")
		resp.Header.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
		resp.Header.Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
		return nil
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Printf("Proxy error for session %s: %v", sessionID, err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
	}

	if p.verbose {
		log.Printf("Routing request %s %s to session %s (port %d)", c.Request().Method, c.Request().URL.Path, sessionID, session.Port)
	}

	proxy.ServeHTTP(c.Response(), c.Request())
	return nil
}
