package logger

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/takutakahashi/kbterm/pkg/utils"
)

// SessionLog is the audit record written for each terminal session.
type SessionLog struct {
	SessionID        string     `json:"session_id"`
	OwnerAddress     string     `json:"owner_address"`
	Port             int        `json:"port"`
	WorkingDirectory string     `json:"working_directory"`
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	EndReason        string     `json:"end_reason,omitempty"`
}

// Logger writes one JSON file per session into logDir.
type Logger struct {
	logDir string
	mu     sync.Mutex
}

// NewLogger creates a Logger. An empty logDir falls back to $LOG_DIR, then ./logs.
func NewLogger(logDir string) *Logger {
	if logDir == "" {
		logDir = os.Getenv("LOG_DIR")
	}
	if logDir == "" {
		logDir = "./logs"
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		log.Printf("Failed to create log directory %s: %v", logDir, err)
	}

	return &Logger{
		logDir: logDir,
	}
}

// Dir returns the directory session logs are written to.
func (l *Logger) Dir() string {
	return l.logDir
}

func (l *Logger) LogSessionStart(sessionID, owner string, port int, workingDirectory string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.writeSessionLog(SessionLog{
		SessionID:        sessionID,
		OwnerAddress:     owner,
		Port:             port,
		WorkingDirectory: workingDirectory,
		StartedAt:        time.Now(),
	})
}

func (l *Logger) LogSessionEnd(sessionID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	sessionLog, err := l.readSessionLog(sessionID)
	if err != nil {
		// If we can't read the existing log, create a new one
		sessionLog = SessionLog{
			SessionID: sessionID,
			StartedAt: now,
		}
	}
	sessionLog.EndedAt = &now
	sessionLog.EndReason = reason

	return l.writeSessionLog(sessionLog)
}

func (l *Logger) sessionLogPath(sessionID string) string {
	return filepath.Join(l.logDir, fmt.Sprintf("%s.json", filepath.Base(sessionID)))
}

func (l *Logger) readSessionLog(sessionID string) (SessionLog, error) {
	var sessionLog SessionLog
	err := utils.ReadJSONFile(l.sessionLogPath(sessionID), &sessionLog)
	return sessionLog, err
}

func (l *Logger) writeSessionLog(sessionLog SessionLog) error {
	filePath := l.sessionLogPath(sessionLog.SessionID)
	if err := utils.WriteJSONFile(filePath, sessionLog, 0644); err != nil {
		return fmt.Errorf("failed to write session log to %s: %w", filePath, err)
	}
	return nil
}
