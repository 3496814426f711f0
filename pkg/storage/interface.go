package storage

import (
	"context"
	"errors"
	"time"
)

// ErrCorruptSnapshot is wrapped by Load when a snapshot exists but cannot be
// decoded. Callers treat it as "no prior state".
var ErrCorruptSnapshot = errors.New("corrupt session snapshot")

// Record is the persisted form of one terminal session. The live process
// handle is never part of it.
type Record struct {
	ID               string    `json:"id"`
	UserIP           string    `json:"userIp"`
	Port             int       `json:"port"`
	WorkingDirectory string    `json:"workingDirectory"`
	CreatedAt        time.Time `json:"createdAt"`
	LastAccessed     time.Time `json:"lastAccessed"`
	IsActive         bool      `json:"isActive"`
}

// Store persists whole snapshots of the session set. Save replaces the
// previous snapshot; Load returns an empty slice when none exists.
type Store interface {
	Save(ctx context.Context, records []Record) error
	Load(ctx context.Context) ([]Record, error)
	Close() error
}

// StorageConfig selects and configures a Store backend.
type StorageConfig struct {
	Type string `json:"type" mapstructure:"type"` // "file", "memory", "s3", "sqlite", "mysql", "redis"

	// File storage config
	FilePath string `json:"file_path,omitempty" mapstructure:"file_path"`

	// S3 storage config
	S3Bucket    string `json:"s3_bucket,omitempty" mapstructure:"s3_bucket"`
	S3Region    string `json:"s3_region,omitempty" mapstructure:"s3_region"`
	S3Key       string `json:"s3_key,omitempty" mapstructure:"s3_key"`
	S3Endpoint  string `json:"s3_endpoint,omitempty" mapstructure:"s3_endpoint"`
	S3AccessKey string `json:"s3_access_key,omitempty" mapstructure:"s3_access_key"`
	S3SecretKey string `json:"s3_secret_key,omitempty" mapstructure:"s3_secret_key"`

	// SQL storage config
	DatabasePath string `json:"database_path,omitempty" mapstructure:"database_path"`
	DatabaseDSN  string `json:"database_dsn,omitempty" mapstructure:"database_dsn"`

	// Redis storage config
	RedisAddr     string `json:"redis_addr,omitempty" mapstructure:"redis_addr"`
	RedisPassword string `json:"redis_password,omitempty" mapstructure:"redis_password"`
	RedisDB       int    `json:"redis_db,omitempty" mapstructure:"redis_db"`
	RedisKey      string `json:"redis_key,omitempty" mapstructure:"redis_key"`
}

func cloneRecords(records []Record) []Record {
	out := make([]Record, len(records))
	copy(out, records)
	return out
}
