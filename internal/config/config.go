package config

import (
	"fmt"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"

	"github.com/federated-storage/marketplace/internal/p2p"
)

// EnvPrefix is the prefix of environment variables that override file settings
const EnvPrefix = "market"

// Database drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all configuration for the registry daemon
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	P2P      P2PConfig      `toml:"p2p" envconfig:"p2p"`
	Storage  StorageConfig  `toml:"storage"`
	Market   MarketConfig   `toml:"market"`
	Log      LogConfig      `toml:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host                 string   `toml:"host"`
	Port                 int      `toml:"port"`
	ReadTimeout          int      `toml:"read_timeout" split_words:"true"`
	WriteTimeout         int      `toml:"write_timeout" split_words:"true"`
	AllowedOrigins       []string `toml:"allowed_origins" split_words:"true"`
	MaxConcurrentUploads int      `toml:"max_concurrent_uploads" split_words:"true"`
	MaxUploadBytes       int64    `toml:"max_upload_bytes" split_words:"true"`
}

// DatabaseConfig selects and configures the registry backing store.
// The sqlite driver has a single writer connection, so writes to different
// hashes queue behind each other; reads use a separate query-only pool.
// Use postgres when unrelated writes must proceed in parallel.
type DatabaseConfig struct {
	Driver   string `toml:"driver"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"ssl_mode" split_words:"true"`
	Path     string `toml:"path"`
}

// P2PConfig holds libp2p configuration
type P2PConfig struct {
	ListenAddresses   []string `toml:"listen_addresses" split_words:"true"`
	BootstrapPeers    []string `toml:"bootstrap_peers" split_words:"true"`
	EnableQUIC        bool     `toml:"enable_quic" envconfig:"enable_quic"`
	EnableTCP         bool     `toml:"enable_tcp" envconfig:"enable_tcp"`
	DHTMode           string   `toml:"dht_mode" envconfig:"dht_mode"`
	IdentityKeyPath   string   `toml:"identity_key_path" split_words:"true"`
	ReprovideInterval int      `toml:"reprovide_interval_minutes" envconfig:"reprovide_interval_minutes"`
}

// StorageConfig holds byte store settings
type StorageConfig struct {
	DataDir     string `toml:"data_dir" split_words:"true"`
	BlobDir     string `toml:"blob_dir" split_words:"true"`
	Compression string `toml:"compression"`
}

// MarketConfig holds marketplace behaviour
type MarketConfig struct {
	AutoProvide    bool    `toml:"auto_provide" split_words:"true"`
	ProviderFee    float64 `toml:"provider_fee" split_words:"true"`
	RequestTimeout int     `toml:"request_timeout" split_words:"true"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `toml:"level"`
}

// Load loads configuration from a TOML file and applies environment overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.ApplyEnv(); err != nil {
		return nil, err
	}

	return &config, nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// ApplyEnv overrides settings from MARKET_* environment variables and fills defaults
func (c *Config) ApplyEnv() error {
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return fmt.Errorf("failed to read environment overrides: %w", err)
	}
	c.SetDefaults()
	return nil
}

// DatabaseURL returns the PostgreSQL connection URL
func (c *DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// SetDefaults sets default values for config
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"http://localhost:3000"}
	}
	if c.Server.MaxConcurrentUploads == 0 {
		c.Server.MaxConcurrentUploads = 4
	}
	if c.Server.MaxUploadBytes == 0 {
		c.Server.MaxUploadBytes = 1 << 30 // 1GB
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.User == "" {
		c.Database.User = "postgres"
	}
	if c.Database.Database == "" {
		c.Database.Database = "marketplace"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "data"
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.Storage.DataDir, "registry.db")
	}
	if c.Storage.BlobDir == "" {
		c.Storage.BlobDir = filepath.Join(c.Storage.DataDir, "blobs")
	}
	if c.Storage.Compression == "" {
		c.Storage.Compression = "none"
	}
	if !c.P2P.EnableTCP && !c.P2P.EnableQUIC {
		c.P2P.EnableTCP = true
		c.P2P.EnableQUIC = true
	}
	if c.P2P.DHTMode == "" {
		c.P2P.DHTMode = p2p.DHTModeAuto
	}
	if c.P2P.IdentityKeyPath == "" {
		c.P2P.IdentityKeyPath = filepath.Join(c.Storage.DataDir, "identity.key")
	}
	if c.P2P.ReprovideInterval == 0 {
		c.P2P.ReprovideInterval = 12 * 60
	}
	if c.Market.RequestTimeout == 0 {
		c.Market.RequestTimeout = 30
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate rejects settings the daemon cannot start with
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.P2P.DHTMode {
	case p2p.DHTModeAuto, p2p.DHTModeServer, p2p.DHTModeClient, p2p.DHTModeOff:
	default:
		return fmt.Errorf("unsupported dht mode %q", c.P2P.DHTMode)
	}
	switch c.Storage.Compression {
	case "none", "zstd":
	default:
		return fmt.Errorf("unsupported compression %q", c.Storage.Compression)
	}
	if c.Market.ProviderFee < 0 {
		return fmt.Errorf("provider fee must not be negative")
	}
	if _, err := logging.LevelFromString(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}
	return nil
}

// EnsureDirs creates the directories the daemon writes to
func (c *Config) EnsureDirs() error {
	dirs := []string{c.Storage.DataDir, c.Storage.BlobDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
