package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DefaultDatabasePath is the SQLite file used when none is configured.
const DefaultDatabasePath = ".terminal-sessions.db"

// sessionRow is the table layout of one Record.
type sessionRow struct {
	ID               string `gorm:"primaryKey;size:64"`
	UserIP           string `gorm:"index;size:64"`
	Port             int    `gorm:"uniqueIndex"`
	WorkingDirectory string
	CreatedAt        time.Time
	LastAccessed     time.Time
	IsActive         bool
	Position         int
}

func (sessionRow) TableName() string {
	return "terminal_sessions"
}

// SQLStore keeps the snapshot in a SQL table. Each Save replaces the table
// contents inside one transaction.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at path.
func NewSQLiteStore(path string) (*SQLStore, error) {
	if path == "" {
		path = DefaultDatabasePath
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	return openSQLStore(sqlite.Open(path))
}

// NewMySQLStore connects to MySQL with dsn, e.g.
// "user:pass@tcp(127.0.0.1:3306)/kbterm?parseTime=true".
func NewMySQLStore(dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN is required for mysql storage")
	}
	return openSQLStore(mysql.Open(dsn))
}

func openSQLStore(dialector gorm.Dialector) (*SQLStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(&sessionRow{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	return &SQLStore{db: db}, nil
}

// Save replaces every stored row with records, preserving their order.
func (s *SQLStore) Save(ctx context.Context, records []Record) error {
	rows := make([]sessionRow, len(records))
	for i, r := range records {
		rows[i] = sessionRow{
			ID:               r.ID,
			UserIP:           r.UserIP,
			Port:             r.Port,
			WorkingDirectory: r.WorkingDirectory,
			CreatedAt:        r.CreatedAt,
			LastAccessed:     r.LastAccessed,
			IsActive:         r.IsActive,
			Position:         i,
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&sessionRow{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return fmt.Errorf("failed to save session snapshot: %w", err)
	}
	return nil
}

// Load returns the stored rows in snapshot order.
func (s *SQLStore) Load(ctx context.Context) ([]Record, error) {
	var rows []sessionRow
	if err := s.db.WithContext(ctx).Order("position").Find(&rows).Error; err != nil {
		return []Record{}, fmt.Errorf("failed to load session snapshot: %w", err)
	}

	records := make([]Record, len(rows))
	for i, row := range rows {
		records[i] = Record{
			ID:               row.ID,
			UserIP:           row.UserIP,
			Port:             row.Port,
			WorkingDirectory: row.WorkingDirectory,
			CreatedAt:        row.CreatedAt,
			LastAccessed:     row.LastAccessed,
			IsActive:         row.IsActive,
		}
	}
	return records, nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	return sqlDB.Close()
}
