package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/golobby/config/v3"
	"github.com/golobby/config/v3/pkg/feeder"
	"github.com/joho/godotenv"
	"github.com/parleyhq/parley/pkg/utils"
	"go.yaml.in/yaml/v3"
)

// Config holds the application configuration
type Config struct {
	PeerID      string   `yaml:"peer_id"`      // Unique peer identifier (auto-generated if not set)
	DisplayName string   `yaml:"display_name"` // Name shown to other peers
	SignalURL   string   `yaml:"signal_url"`   // Signaling relay URL (ws:// or http://, converted on dial)
	JWTSecret   string   `yaml:"jwt_secret"`   // Secret for signing local API tokens
	DBPath      string   `yaml:"db_path"`
	ServerAddr  string   `yaml:"server_addr"`
	STUNServers []string `yaml:"stun_servers"`
	LogLevel    string   `yaml:"log_level"`

	Version string `yaml:"-"`

	mu   sync.Mutex `yaml:"-"`
	file string     `yaml:"-"`
}

// Save writes the current configuration back to the file
func (c *Config) Save() error {
	if c.file == "" {
		return fmt.Errorf("config file path is not set")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	err = os.WriteFile(c.file, data, 0o644)
	if err != nil {
		return err
	}

	return nil
}

// EnsureDefaultConfig sets default values for missing config fields
func (c *Config) EnsureDefaultConfig(save bool) error {
	changed := false
	c.mu.Lock()

	// Env overrides
	if signalURL := utils.Env("PARLEY_SIGNAL_URL", ""); signalURL != "" {
		c.SignalURL = signalURL
	}

	if jwtSecret := utils.Env("PARLEY_JWT_SECRET", ""); jwtSecret != "" {
		c.JWTSecret = jwtSecret
	}

	if logLevel := utils.Env("PARLEY_LOG_LEVEL", ""); logLevel != "" {
		c.LogLevel = logLevel
	}

	// Create defaults
	if c.PeerID == "" {
		peerID, _ := utils.GenerateID()
		c.PeerID = peerID
		changed = true
	}

	if c.JWTSecret == "" {
		secret, _ := utils.GenerateRandomString(32)
		c.JWTSecret = secret
		changed = true
	}

	if c.DBPath == "" {
		dir := filepath.Dir(c.file)
		c.DBPath = dir + "/parley.db"
		changed = true
	}

	if c.ServerAddr == "" {
		c.ServerAddr = ":3030"
		changed = true
	}

	if len(c.STUNServers) == 0 {
		c.STUNServers = []string{"stun:stun.l.google.com:19302"}
		changed = true
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
		changed = true
	}

	c.mu.Unlock()

	if changed && save {
		return c.Save()
	}
	return nil
}

// Load loads configuration from the specified file and environment variables
func Load(version, file, logLevel string) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Version: version,
		file:    file,
	}

	yamlFeeder := feeder.Yaml{Path: file}
	_ = config.New().AddFeeder(yamlFeeder).AddStruct(cfg).Feed()

	if err := cfg.EnsureDefaultConfig(true); err != nil {
		return nil, err
	}

	// Override log level from command-line argument
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	return cfg, nil
}
