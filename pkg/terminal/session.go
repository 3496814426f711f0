package terminal

import (
	"time"

	"github.com/takutakahashi/kbterm/pkg/storage"
)

// SessionState is the externally visible liveness of a session.
type SessionState string

const (
	StateActive SessionState = "active"
	StateStale  SessionState = "stale"
)

// Session is a read-only copy of a registered terminal session.
type Session struct {
	ID               string       `json:"id"`
	OwnerAddress     string       `json:"ownerAddress"`
	Port             int          `json:"port"`
	WorkingDirectory string       `json:"workingDirectory"`
	CreatedAt        time.Time    `json:"createdAt"`
	LastAccessed     time.Time    `json:"lastAccessed"`
	IsActive         bool         `json:"isActive"`
	State            SessionState `json:"state"`
}

// session is the registry-owned record. process is set only while the
// registry believes it started the server and it has not exited.
type session struct {
	id               string
	owner            string
	port             int
	workingDirectory string
	createdAt        time.Time
	lastAccessed     time.Time
	active           bool
	process          Process
}

func (s *session) snapshot() Session {
	state := StateStale
	if s.active {
		state = StateActive
	}
	return Session{
		ID:               s.id,
		OwnerAddress:     s.owner,
		Port:             s.port,
		WorkingDirectory: s.workingDirectory,
		CreatedAt:        s.createdAt,
		LastAccessed:     s.lastAccessed,
		IsActive:         s.active,
		State:            state,
	}
}

func (s *session) record() storage.Record {
	return storage.Record{
		ID:               s.id,
		UserIP:           s.owner,
		Port:             s.port,
		WorkingDirectory: s.workingDirectory,
		CreatedAt:        s.createdAt,
		LastAccessed:     s.lastAccessed,
		IsActive:         s.active,
	}
}

func sessionFromRecord(r storage.Record, active bool) *session {
	return &session{
		id:               r.ID,
		owner:            r.UserIP,
		port:             r.Port,
		workingDirectory: r.WorkingDirectory,
		createdAt:        r.CreatedAt,
		lastAccessed:     r.LastAccessed,
		active:           active,
	}
}
