package proxy

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/takutakahashi/kbterm/pkg/knowledge"
	"github.com/takutakahashi/kbterm/pkg/terminal"
)

// SessionCounts summarizes registered terminal sessions
type SessionCounts struct {
	Total  int `json:"total"`
	Active int `json:"active"`
	Stale  int `json:"stale"`
}

// KnowledgeBaseHealth reports the knowledge base root
type KnowledgeBaseHealth struct {
	Accessible bool   `json:"accessible"`
	Path       string `json:"path"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status        string                 `json:"status"`
	Timestamp     time.Time              `json:"timestamp"`
	Uptime        float64                `json:"uptime"`
	TtydAvailable bool                   `json:"ttydAvailable"`
	Sessions      SessionCounts          `json:"sessions"`
	Persistence   terminal.PersistStatus `json:"persistence"`
	KnowledgeBase *KnowledgeBaseHealth   `json:"knowledgeBase,omitempty"`
}

// HealthHandlers handles health check endpoints
type HealthHandlers struct {
	sessions  SessionManager
	knowledge *knowledge.Store
	ttyd      TtydChecker
	startedAt time.Time
}

// NewHealthHandlers creates a new HealthHandlers instance
func NewHealthHandlers(sessions SessionManager, kb *knowledge.Store, ttyd TtydChecker, startedAt time.Time) *HealthHandlers {
	return &HealthHandlers{
		sessions:  sessions,
		knowledge: kb,
		ttyd:      ttyd,
		startedAt: startedAt,
	}
}

// HealthCheck handles GET /health requests to check server health
func (h *HealthHandlers) HealthCheck(c echo.Context) error {
	now := time.Now()
	resp := HealthResponse{
		Status:        "ok",
		Timestamp:     now,
		Uptime:        now.Sub(h.startedAt).Seconds(),
		TtydAvailable: h.ttyd != nil && h.ttyd.Available(),
		Persistence:   h.sessions.PersistStatus(),
	}

	for _, s := range h.sessions.List() {
		resp.Sessions.Total++
		if s.IsActive {
			resp.Sessions.Active++
		} else {
			resp.Sessions.Stale++
		}
	}

	if h.knowledge != nil {
		resp.KnowledgeBase = &KnowledgeBaseHealth{
			Accessible: h.knowledge.Accessible(),
			Path:       h.knowledge.Root(),
		}
		if !resp.KnowledgeBase.Accessible {
			resp.Status = "degraded"
		}
	}

	return c.JSON(http.StatusOK, resp)
}
