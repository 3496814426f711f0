package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/takutakahashi/kbterm/pkg/utils"
)

// DefaultFilePath is the snapshot location used when none is configured.
const DefaultFilePath = ".terminal-sessions.json"

// FileStore keeps the snapshot as a JSON array in a single file.
type FileStore struct {
	filePath string
	mu       sync.Mutex
}

// NewFileStore creates a FileStore writing to filePath.
func NewFileStore(filePath string) *FileStore {
	if filePath == "" {
		filePath = DefaultFilePath
	}
	return &FileStore{filePath: filePath}
}

// Path returns the snapshot file path.
func (fs *FileStore) Path() string {
	return fs.filePath
}

// Save overwrites the snapshot file atomically.
func (fs *FileStore) Save(_ context.Context, records []Record) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if records == nil {
		records = []Record{}
	}
	if err := utils.WriteJSONFile(fs.filePath, records, 0600); err != nil {
		return fmt.Errorf("failed to write session snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot file. A missing file yields no records and no error.
func (fs *FileStore) Load(_ context.Context) ([]Record, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := os.ReadFile(fs.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []Record{}, nil
		}
		return []Record{}, fmt.Errorf("failed to read session snapshot %s: %w", fs.filePath, err)
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return []Record{}, fmt.Errorf("%w: %s: %v", ErrCorruptSnapshot, fs.filePath, err)
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

// Close is a no-op; every Save is flushed before it returns.
func (fs *FileStore) Close() error {
	return nil
}
