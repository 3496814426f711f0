package proxy

import (
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/takutakahashi/kbterm/pkg/auth"
	"github.com/takutakahashi/kbterm/pkg/config"
)

// Router handles route registration
type Router struct {
	echo     *echo.Echo
	proxy    *Proxy
	handlers *HandlerRegistry
}

// HandlerRegistry contains all handlers
type HandlerRegistry struct {
	healthHandlers   *HealthHandlers
	terminalHandlers *TerminalHandlers
	fileHandlers     *FileHandlers
}

// NewRouter creates a new Router instance
func NewRouter(e *echo.Echo, proxy *Proxy) *Router {
	return &Router{
		echo:  e,
		proxy: proxy,
		handlers: &HandlerRegistry{
			healthHandlers:   NewHealthHandlers(proxy.sessions, proxy.knowledge, proxy.ttyd, proxy.startedAt),
			terminalHandlers: NewTerminalHandlers(proxy.sessions, proxy.ttyd, proxy.config.Server.PublicHost),
			fileHandlers:     NewFileHandlers(proxy.knowledge),
		},
	}
}

// RegisterRoutes registers all routes
func (r *Router) RegisterRoutes() {
	r.registerCoreRoutes()
	r.registerKnowledgeRoutes()
}

func (r *Router) require(permission string) echo.MiddlewareFunc {
	return auth.RequirePermission(r.proxy.config, permission)
}

// registerCoreRoutes registers health and terminal session routes
func (r *Router) registerCoreRoutes() {
	r.echo.GET("/health", r.handlers.healthHandlers.HealthCheck)

	log.Printf("[ROUTES] Registering terminal session endpoints...")
	th := r.handlers.terminalHandlers
	r.echo.POST("/api/terminal/sessions", th.CreateSession, r.require(config.PermissionSessionCreate))
	r.echo.GET("/api/terminal/sessions", th.ListSessions, r.require(config.PermissionSessionList))
	r.echo.DELETE("/api/terminal/sessions", th.DeleteSessions, r.require(config.PermissionSessionDelete))
	r.echo.DELETE("/api/terminal/sessions/:sessionId", th.DeleteSession, r.require(config.PermissionSessionDelete))
	r.echo.GET("/api/terminal/check", th.CheckTtyd)

	// Terminal proxy route
	r.echo.Any("/terminal/:sessionId", r.proxy.redirectToTerminal, r.require(config.PermissionSessionCreate))
	r.echo.Any("/terminal/:sessionId/*", r.proxy.routeToTerminal, r.require(config.PermissionSessionCreate))
	r.echo.OPTIONS("/terminal/:sessionId/*", func(c echo.Context) error {
		c.Response().Header().Set("Access-Control-Allow-Origin", "*")
		c.Response().Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
		c.Response().Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-API-Key")
		c.Response().Header().Set("Access-Control-Max-Age", "86400")
		return c.NoContent(http.StatusNoContent)
	})
	log.Printf("[ROUTES] Terminal session endpoints registered")
}

// registerKnowledgeRoutes registers the knowledge base file routes when a
// knowledge base is configured
func (r *Router) registerKnowledgeRoutes() {
	if r.proxy.knowledge == nil {
		log.Printf("[ROUTES] Knowledge base not configured, skipping file routes")
		return
	}

	log.Printf("[ROUTES] Registering knowledge base endpoints...")
	fh := r.handlers.fileHandlers
	r.echo.GET("/api/files/*", fh.GetFile, r.require(config.PermissionFilesRead))
	r.echo.PUT("/api/files/*", fh.UpdateFile, r.require(config.PermissionFilesWrite))
	r.echo.POST("/api/files", fh.CreateFile, r.require(config.PermissionFilesWrite))
	r.echo.GET("/api/directories", fh.ListDirectory, r.require(config.PermissionFilesRead))
	log.Printf("[ROUTES] Knowledge base endpoints registered")
}
