package utils

import (
	"encoding/json"
	"fmt"
	"os"
)

// WriteJSONFile atomically writes v as indented JSON.
func WriteJSONFile(filePath string, v interface{}, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return AtomicWriteFile(filePath, data, perm)
}

// ReadJSONFile reads a JSON file into target. A missing file is reported with
// an error satisfying os.IsNotExist / errors.Is(err, fs.ErrNotExist).
func ReadJSONFile(filePath string, target interface{}) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal JSON from %s: %w", filePath, err)
	}

	return nil
}
