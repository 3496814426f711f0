package storage

import (
	"context"
	"fmt"
)

// NewStore creates a Store based on the configuration
func NewStore(ctx context.Context, config *StorageConfig) (Store, error) {
	var (
		store Store
		err   error
	)

	switch config.Type {
	case "file", "":
		return NewFileStore(config.FilePath), nil

	case "memory":
		return NewMemoryStore(), nil

	case "s3":
		store, err = NewS3Store(ctx, config)

	case "sqlite":
		store, err = NewSQLiteStore(config.DatabasePath)

	case "mysql":
		store, err = NewMySQLStore(config.DatabaseDSN)

	case "redis":
		store, err = NewRedisStore(ctx, config)

	default:
		return nil, fmt.Errorf("unknown storage type: %s", config.Type)
	}

	if err != nil {
		return nil, err
	}
	return store, nil
}
