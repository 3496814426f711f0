package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_APIKeysFromFile(t *testing.T) {
	dir := t.TempDir()
	keysPath := filepath.Join(dir, "api_keys.json")
	keys := APIKeysFile{APIKeys: []APIKey{{
		Key:         "kb_abc",
		UserID:      "alice",
		Role:        "admin",
		Permissions: []string{PermissionAll},
	}}}
	data, err := json.Marshal(keys)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(keysPath, data, 0600))

	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("auth:\n  enabled: true\n  keys_file: "+keysPath+"\n"), 0644))

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)
	require.Len(t, cfg.Auth.APIKeys, 1)
	assert.Equal(t, "alice", cfg.Auth.APIKeys[0].UserID)
}

func TestLoadConfig_MissingKeysFileIsNotFatal(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("auth:\n  enabled: true\n  keys_file: /nonexistent/keys.json\n"), 0644))

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)
	assert.Empty(t, cfg.Auth.APIKeys)
}

func TestValidateAPIKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.APIKeys = []APIKey{
		{Key: "valid", UserID: "alice", Permissions: []string{PermissionSessionCreate}},
		{Key: "expired", UserID: "bob", ExpiresAt: time.Now().Add(-time.Hour).Format(time.RFC3339)},
		{Key: "future", UserID: "carol", ExpiresAt: time.Now().Add(time.Hour).Format(time.RFC3339)},
		{Key: "garbled", UserID: "dave", ExpiresAt: "next tuesday"},
	}

	tests := []struct {
		key    string
		valid  bool
		userID string
	}{
		{"valid", true, "alice"},
		{"expired", false, ""},
		{"future", true, "carol"},
		{"garbled", false, ""},
		{"unknown", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			apiKey, ok := cfg.ValidateAPIKey(tt.key)
			assert.Equal(t, tt.valid, ok)
			if tt.valid {
				require.NotNil(t, apiKey)
				assert.Equal(t, tt.userID, apiKey.UserID)
			}
		})
	}

	cfg.Auth.Enabled = false
	_, ok := cfg.ValidateAPIKey("valid")
	assert.False(t, ok)
}

func TestAPIKey_HasPermission(t *testing.T) {
	reader := &APIKey{Permissions: []string{PermissionSessionList, PermissionFilesRead}}
	assert.True(t, reader.HasPermission(PermissionSessionList))
	assert.True(t, reader.HasPermission(PermissionFilesRead))
	assert.False(t, reader.HasPermission(PermissionSessionCreate))
	assert.False(t, reader.HasPermission(PermissionFilesWrite))

	admin := &APIKey{Permissions: []string{PermissionAll}}
	assert.True(t, admin.HasPermission(PermissionSessionDelete))
}

func TestValidateAPIKey_Hashed(t *testing.T) {
	hash, err := HashAPIKey("kbt_alice_secret")
	require.NoError(t, err)
	assert.NotEqual(t, "kbt_alice_secret", hash)

	cfg := DefaultConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.APIKeys = []APIKey{{Key: hash, UserID: "alice", Permissions: []string{PermissionAll}}}

	apiKey, ok := cfg.ValidateAPIKey("kbt_alice_secret")
	require.True(t, ok)
	assert.Equal(t, "alice", apiKey.UserID)

	_, ok = cfg.ValidateAPIKey("kbt_alice_wrong")
	assert.False(t, ok)

	_, ok = cfg.ValidateAPIKey(hash)
	assert.False(t, ok)
}
