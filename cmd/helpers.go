package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/takutakahashi/kbterm/pkg/config"
	"github.com/takutakahashi/kbterm/pkg/utils"
)

var HelpersCmd = &cobra.Command{
	Use:   "helpers",
	Short: "Helper utilities for kbterm",
	Long:  "Collection of helper utilities for operating kbterm",
}

var generateTokenCmd = &cobra.Command{
	Use:   "generate-token",
	Short: "Generate API keys for kbterm authentication",
	Long: `Generate an API key and save it to a JSON keys file.

If the file already exists, the new key is appended to the existing keys.
Point auth.keys_file at the file to enable the keys. With --hash only a bcrypt
hash is written and the key is shown once.

Usage:
  kbterm helpers generate-token --output-path /path/to/api_keys.json --user-id alice --role user`,
	RunE: runGenerateToken,
}

var (
	outputPath  string
	userID      string
	role        string
	permissions []string
	expiryDays  int
	keyPrefix   string
	hashKey     bool
)

var rolePermissions = map[string][]string{
	"admin": {config.PermissionAll},
	"user": {
		config.PermissionSessionCreate,
		config.PermissionSessionList,
		config.PermissionSessionDelete,
		config.PermissionFilesRead,
		config.PermissionFilesWrite,
	},
	"readonly": {config.PermissionSessionList, config.PermissionFilesRead},
}

func init() {
	generateTokenCmd.Flags().StringVar(&outputPath, "output-path", "", "Path to JSON file where API keys will be saved (required)")
	generateTokenCmd.Flags().StringVar(&userID, "user-id", "", "User ID for the API key (required)")
	generateTokenCmd.Flags().StringVar(&role, "role", "user", "Role for the API key (admin, user, readonly)")
	generateTokenCmd.Flags().StringSliceVar(&permissions, "permissions", nil, "Permissions for the API key (defaults to the role's permissions)")
	generateTokenCmd.Flags().IntVar(&expiryDays, "expiry-days", 365, "Number of days until the API key expires")
	generateTokenCmd.Flags().StringVar(&keyPrefix, "key-prefix", "kbt", "Prefix for the generated API key")
	generateTokenCmd.Flags().BoolVar(&hashKey, "hash", false, "Store a bcrypt hash of the key instead of the key itself")

	if err := generateTokenCmd.MarkFlagRequired("output-path"); err != nil {
		panic(err)
	}
	if err := generateTokenCmd.MarkFlagRequired("user-id"); err != nil {
		panic(err)
	}

	HelpersCmd.AddCommand(generateTokenCmd)
}

func runGenerateToken(cmd *cobra.Command, args []string) error {
	defaults, ok := rolePermissions[role]
	if !ok {
		return fmt.Errorf("invalid role: %s. Must be one of: admin, user, readonly", role)
	}
	perms := permissions
	if len(perms) == 0 {
		perms = defaults
	}

	key, err := generateAPIKey(userID, keyPrefix)
	if err != nil {
		return fmt.Errorf("failed to generate API key: %w", err)
	}

	stored := key
	if hashKey {
		if stored, err = config.HashAPIKey(key); err != nil {
			return err
		}
	}

	createdAt := time.Now()
	expiresAt := createdAt.AddDate(0, 0, expiryDays)
	newKey := config.APIKey{
		Key:         stored,
		UserID:      userID,
		Role:        role,
		Permissions: perms,
		CreatedAt:   createdAt.Format(time.RFC3339),
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}

	keysFile := config.APIKeysFile{APIKeys: []config.APIKey{}}
	if err := utils.ReadJSONFile(outputPath, &keysFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to read existing API keys file: %w", err)
	}
	keysFile.APIKeys = append(keysFile.APIKeys, newKey)

	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	if err := utils.WriteJSONFile(outputPath, keysFile, 0600); err != nil {
		return fmt.Errorf("failed to write API keys file: %w", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Successfully generated and saved API key to %s\n", outputPath)
	_, _ = fmt.Fprintf(out, "API Key: %s\n", key)
	_, _ = fmt.Fprintf(out, "User ID: %s\n", userID)
	_, _ = fmt.Fprintf(out, "Role: %s\n", role)
	_, _ = fmt.Fprintf(out, "Permissions: %v\n", perms)
	_, _ = fmt.Fprintf(out, "Expires at: %s\n", expiresAt.Format(time.RFC3339))
	return nil
}

func generateAPIKey(userID, prefix string) (string, error) {
	randomBytes := make([]byte, 16)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return fmt.Sprintf("%s_%s_%s", prefix, userID, hex.EncodeToString(randomBytes)), nil
}
