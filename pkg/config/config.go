package config

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/takutakahashi/kbterm/pkg/storage"
	"github.com/takutakahashi/kbterm/pkg/utils"
)

// EnvPrefix is prepended to every environment override, e.g.
// KBTERM_TERMINAL_BASE_PORT for terminal.base_port.
const EnvPrefix = "KBTERM"

// Permissions understood by the HTTP layer.
const (
	PermissionSessionCreate = "session:create"
	PermissionSessionList   = "session:list"
	PermissionSessionDelete = "session:delete"
	PermissionFilesRead     = "files:read"
	PermissionFilesWrite    = "files:write"
	PermissionAll           = "*"
)

// AuthConfig represents authentication configuration
type AuthConfig struct {
	Enabled    bool     `json:"enabled" mapstructure:"enabled"`
	APIKeys    []APIKey `json:"api_keys" mapstructure:"api_keys"`
	KeysFile   string   `json:"keys_file" mapstructure:"keys_file"`
	HeaderName string   `json:"header_name" mapstructure:"header_name"`
}

// APIKey represents an API key configuration
type APIKey struct {
	Key         string   `json:"key" mapstructure:"key"`
	UserID      string   `json:"user_id" mapstructure:"user_id"`
	Role        string   `json:"role" mapstructure:"role"`
	Permissions []string `json:"permissions" mapstructure:"permissions"`
	CreatedAt   string   `json:"created_at" mapstructure:"created_at"`
	ExpiresAt   string   `json:"expires_at,omitempty" mapstructure:"expires_at"`
}

// APIKeysFile is the on-disk layout of auth.keys_file.
type APIKeysFile struct {
	APIKeys []APIKey `json:"api_keys"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port int `json:"port" mapstructure:"port"`
	// PublicHost is the host name clients use to reach ttyd directly. Empty
	// means the host of the incoming request.
	PublicHost  string   `json:"public_host" mapstructure:"public_host"`
	CORSOrigins []string `json:"cors_origins" mapstructure:"cors_origins"`
}

// TerminalConfig configures the terminal session manager.
type TerminalConfig struct {
	TtydPath            string        `json:"ttyd_path" mapstructure:"ttyd_path"`
	Shell               string        `json:"shell" mapstructure:"shell"`
	Term                string        `json:"term" mapstructure:"term"`
	BindAddress         string        `json:"bind_address" mapstructure:"bind_address"`
	BasePort            int           `json:"base_port" mapstructure:"base_port"`
	PortRange           int           `json:"port_range" mapstructure:"port_range"`
	MaxSessionsPerOwner int           `json:"max_sessions_per_owner" mapstructure:"max_sessions_per_owner"`
	SessionTimeout      time.Duration `json:"session_timeout" mapstructure:"session_timeout"`
	SweepSchedule       string        `json:"sweep_schedule" mapstructure:"sweep_schedule"`
	SettleDelay         time.Duration `json:"settle_delay" mapstructure:"settle_delay"`
	ProbeTimeout        time.Duration `json:"probe_timeout" mapstructure:"probe_timeout"`
	WorkingDirectory    string        `json:"working_directory" mapstructure:"working_directory"`
	ClientOptions       []string      `json:"client_options" mapstructure:"client_options"`
	StopOnShutdown      bool          `json:"stop_on_shutdown" mapstructure:"stop_on_shutdown"`
}

// KnowledgeBaseConfig points at the markdown tree served by the file API.
type KnowledgeBaseConfig struct {
	Root string `json:"root" mapstructure:"root"`
}

// Config represents the server configuration
type Config struct {
	Server        ServerConfig          `json:"server" mapstructure:"server"`
	Terminal      TerminalConfig        `json:"terminal" mapstructure:"terminal"`
	Storage       storage.StorageConfig `json:"storage" mapstructure:"storage"`
	KnowledgeBase KnowledgeBaseConfig   `json:"knowledge_base" mapstructure:"knowledge_base"`
	Auth          AuthConfig            `json:"auth" mapstructure:"auth"`
	LogDir        string                `json:"log_dir" mapstructure:"log_dir"`
}

// SetDefaults registers every default on v. Keys without a default are
// invisible to environment overrides.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.public_host", "")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("terminal.ttyd_path", "ttyd")
	v.SetDefault("terminal.shell", "bash")
	v.SetDefault("terminal.term", "xterm-256color")
	v.SetDefault("terminal.bind_address", "0.0.0.0")
	v.SetDefault("terminal.base_port", 7680)
	v.SetDefault("terminal.port_range", 100)
	v.SetDefault("terminal.max_sessions_per_owner", 3)
	v.SetDefault("terminal.session_timeout", "30m")
	v.SetDefault("terminal.sweep_schedule", "@every 5m")
	v.SetDefault("terminal.settle_delay", "2s")
	v.SetDefault("terminal.probe_timeout", "1s")
	v.SetDefault("terminal.working_directory", "")
	v.SetDefault("terminal.client_options", []string{})
	v.SetDefault("terminal.stop_on_shutdown", false)

	v.SetDefault("storage.type", "file")
	v.SetDefault("storage.file_path", storage.DefaultFilePath)
	v.SetDefault("storage.s3_bucket", "")
	v.SetDefault("storage.s3_region", "us-east-1")
	v.SetDefault("storage.s3_key", storage.DefaultS3Key)
	v.SetDefault("storage.s3_endpoint", "")
	v.SetDefault("storage.s3_access_key", "")
	v.SetDefault("storage.s3_secret_key", "")
	v.SetDefault("storage.database_path", storage.DefaultDatabasePath)
	v.SetDefault("storage.database_dsn", "")
	v.SetDefault("storage.redis_addr", "")
	v.SetDefault("storage.redis_password", "")
	v.SetDefault("storage.redis_db", 0)
	v.SetDefault("storage.redis_key", storage.DefaultRedisKey)

	v.SetDefault("knowledge_base.root", ".")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.keys_file", "")
	v.SetDefault("auth.header_name", "X-API-Key")

	v.SetDefault("log_dir", "./logs")
}

// LoadConfig loads configuration from a JSON, YAML or TOML file with
// environment overrides. An empty filename yields defaults plus environment.
func LoadConfig(filename string) (*Config, error) {
	return Load(viper.New(), filename)
}

// Load reads configuration through v, which may already carry bound flags.
func Load(v *viper.Viper, filename string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if filename != "" {
		v.SetConfigFile(filename)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if config.Auth.HeaderName == "" {
		config.Auth.HeaderName = "X-API-Key"
	}

	// Load API keys from external file if specified
	if config.Auth.Enabled && config.Auth.KeysFile != "" {
		if err := config.loadAPIKeysFromFile(); err != nil {
			log.Printf("Warning: Failed to load API keys from %s: %v", config.Auth.KeysFile, err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		log.Printf("Failed to decode default config: %v", err)
	}
	config.Auth.APIKeys = []APIKey{}
	return &config
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	t := c.Terminal
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	case t.BasePort <= 0 || t.BasePort > 65535:
		return fmt.Errorf("terminal.base_port out of range: %d", t.BasePort)
	case t.PortRange <= 0 || t.BasePort+t.PortRange-1 > 65535:
		return fmt.Errorf("terminal.port_range invalid: %d", t.PortRange)
	case c.Server.Port >= t.BasePort && c.Server.Port < t.BasePort+t.PortRange:
		return fmt.Errorf("server.port %d overlaps terminal port range %d-%d", c.Server.Port, t.BasePort, t.BasePort+t.PortRange-1)
	case t.MaxSessionsPerOwner <= 0:
		return fmt.Errorf("terminal.max_sessions_per_owner must be positive: %d", t.MaxSessionsPerOwner)
	case t.SessionTimeout <= 0:
		return errors.New("terminal.session_timeout must be positive")
	}
	return nil
}

// loadAPIKeysFromFile loads API keys from an external JSON file
func (c *Config) loadAPIKeysFromFile() error {
	var keysData APIKeysFile
	if err := utils.ReadJSONFile(c.Auth.KeysFile, &keysData); err != nil {
		return err
	}
	c.Auth.APIKeys = keysData.APIKeys
	return nil
}

// ValidateAPIKey validates an API key and returns user information
func (c *Config) ValidateAPIKey(key string) (*APIKey, bool) {
	if !c.Auth.Enabled {
		return nil, false
	}

	for _, apiKey := range c.Auth.APIKeys {
		if apiKey.matches(key) {
			// Check if key is expired
			if apiKey.ExpiresAt != "" {
				expiryTime, err := time.Parse(time.RFC3339, apiKey.ExpiresAt)
				if err != nil {
					log.Printf("Invalid expiry time format for API key: %v", err)
					continue
				}
				if time.Now().After(expiryTime) {
					log.Printf("API key expired for user %s", apiKey.UserID)
					continue
				}
			}
			return &apiKey, true
		}
	}
	return nil, false
}

// HashAPIKey returns the bcrypt hash of key for storing in a keys file
// instead of the plain key.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hash), nil
}

// matches compares key against a plain or bcrypt-hashed stored key.
func (apiKey *APIKey) matches(key string) bool {
	if strings.HasPrefix(apiKey.Key, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(apiKey.Key), []byte(key)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(apiKey.Key), []byte(key)) == 1
}

// HasPermission checks if a user has a specific permission
func (apiKey *APIKey) HasPermission(permission string) bool {
	for _, perm := range apiKey.Permissions {
		if perm == permission || perm == PermissionAll {
			return true
		}
	}
	return false
}
