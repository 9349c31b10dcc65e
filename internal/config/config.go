package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration file layout.
type Config struct {
	ListenAddr      string        `yaml:"listen_addr"`
	DevMode         bool          `yaml:"dev_mode"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	LogLevel        string        `yaml:"log_level"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	LeaseDuration   time.Duration `yaml:"lease_duration"`
	RenewalDuration time.Duration `yaml:"renewal_duration"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`

	Ledger    LedgerConfig    `yaml:"ledger"`
	Storage   StorageConfig   `yaml:"storage"`
	Payment   PaymentConfig   `yaml:"payment"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// LedgerConfig selects the lease ledger backend.
type LedgerConfig struct {
	// Driver is "sqlite3" (cgo), "sqlite" (pure Go) or "postgres".
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// StorageConfig selects the blob backend.
type StorageConfig struct {
	Backend string   `yaml:"backend"` // "fs" or "s3"
	Path    string   `yaml:"path"`
	S3      S3Config `yaml:"s3"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// PaymentConfig describes what priced operations charge and where settlement happens.
type PaymentConfig struct {
	Network           string `yaml:"network"`
	PayTo             string `yaml:"pay_to"`
	Asset             string `yaml:"asset"`
	AssetName         string `yaml:"asset_name"`
	AssetVersion      string `yaml:"asset_version"`
	UploadPrice       int64  `yaml:"upload_price"`
	RenewPrice        int64  `yaml:"renew_price"`
	PricePerMiB       int64  `yaml:"price_per_mib"`
	MaxTimeoutSeconds int    `yaml:"max_timeout_seconds"`

	// Facilitator is "local" (in-process verification, development only) or "remote".
	Facilitator       string `yaml:"facilitator"`
	FacilitatorURL    string `yaml:"facilitator_url"`
	FacilitatorAPIKey string `yaml:"facilitator_api_key"`
}

type RateLimitConfig struct {
	RequestsPerSecond       float64 `yaml:"requests_per_second"`
	BurstSize               int     `yaml:"burst_size"`
	UploadRequestsPerMinute float64 `yaml:"upload_requests_per_minute"`
	UploadBurstSize         int     `yaml:"upload_burst_size"`
	// BehindProxy keys limits on X-Real-IP / X-Forwarded-For instead of the peer address.
	BehindProxy bool `yaml:"behind_proxy"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:     ":3000",
		LogLevel:       "info",
		MaxUploadBytes: 100 << 20,
		LeaseDuration:  10 * 24 * time.Hour,
		SweepInterval:  time.Hour,
		Ledger: LedgerConfig{
			Driver: "sqlite3",
			Path:   "leasebox.db",
		},
		Storage: StorageConfig{
			Backend: "fs",
			Path:    "./uploads",
			S3:      S3Config{UseSSL: true},
		},
		Payment: PaymentConfig{
			Network:           "base-sepolia",
			Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			AssetName:         "USDC",
			AssetVersion:      "2",
			UploadPrice:       10000,
			RenewPrice:        10000,
			MaxTimeoutSeconds: 60,
			Facilitator:       "local",
			FacilitatorURL:    "https://x402.org/facilitator",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond:       10,
			BurstSize:               20,
			UploadRequestsPerMinute: 10,
			UploadBurstSize:         3,
		},
	}
}

// Load reads configuration from path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	cfg.applyEnv()
	cfg.fillDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LEASEBOX_S3_ACCESS_KEY"); v != "" {
		c.Storage.S3.AccessKey = v
	}
	if v := os.Getenv("LEASEBOX_S3_SECRET_KEY"); v != "" {
		c.Storage.S3.SecretKey = v
	}
	if v := os.Getenv("LEASEBOX_FACILITATOR_API_KEY"); v != "" {
		c.Payment.FacilitatorAPIKey = v
	}
	if v := os.Getenv("LEASEBOX_PAY_TO"); v != "" {
		c.Payment.PayTo = v
	}
	if v := os.Getenv("LEASEBOX_POSTGRES_DSN"); v != "" {
		c.Ledger.PostgresDSN = v
	}
}

func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = def.MaxUploadBytes
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = def.LeaseDuration
	}
	// Renewal extends by the upload lease unless configured separately.
	if c.RenewalDuration <= 0 {
		c.RenewalDuration = c.LeaseDuration
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = def.Ledger.Driver
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = def.Ledger.Path
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = def.Storage.Backend
	}
	if c.Storage.Path == "" {
		c.Storage.Path = def.Storage.Path
	}
	if c.Payment.Network == "" {
		c.Payment.Network = def.Payment.Network
	}
	if c.Payment.Asset == "" {
		c.Payment.Asset = def.Payment.Asset
	}
	if c.Payment.AssetName == "" {
		c.Payment.AssetName = def.Payment.AssetName
	}
	if c.Payment.AssetVersion == "" {
		c.Payment.AssetVersion = def.Payment.AssetVersion
	}
	if c.Payment.UploadPrice <= 0 {
		c.Payment.UploadPrice = def.Payment.UploadPrice
	}
	if c.Payment.RenewPrice <= 0 {
		c.Payment.RenewPrice = def.Payment.RenewPrice
	}
	if c.Payment.MaxTimeoutSeconds <= 0 {
		c.Payment.MaxTimeoutSeconds = def.Payment.MaxTimeoutSeconds
	}
	if c.Payment.Facilitator == "" {
		c.Payment.Facilitator = def.Payment.Facilitator
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		c.RateLimit.RequestsPerSecond = def.RateLimit.RequestsPerSecond
	}
	if c.RateLimit.BurstSize <= 0 {
		c.RateLimit.BurstSize = def.RateLimit.BurstSize
	}
	if c.RateLimit.UploadRequestsPerMinute <= 0 {
		c.RateLimit.UploadRequestsPerMinute = def.RateLimit.UploadRequestsPerMinute
	}
	if c.RateLimit.UploadBurstSize <= 0 {
		c.RateLimit.UploadBurstSize = def.RateLimit.UploadBurstSize
	}
}

// Validate checks combinations that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Ledger.Driver {
	case "sqlite3", "sqlite":
	case "postgres":
		if c.Ledger.PostgresDSN == "" {
			return fmt.Errorf("ledger driver postgres requires postgres_dsn")
		}
	default:
		return fmt.Errorf("unknown ledger driver %q", c.Ledger.Driver)
	}

	switch c.Storage.Backend {
	case "fs":
	case "s3":
		if c.Storage.S3.Endpoint == "" || c.Storage.S3.Bucket == "" {
			return fmt.Errorf("s3 storage requires endpoint and bucket")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	switch c.Payment.Facilitator {
	case "local":
	case "remote":
		if c.Payment.FacilitatorURL == "" {
			return fmt.Errorf("remote facilitator requires facilitator_url")
		}
	default:
		return fmt.Errorf("unknown facilitator %q", c.Payment.Facilitator)
	}

	if c.Payment.PayTo == "" {
		return fmt.Errorf("payment.pay_to is required (or set LEASEBOX_PAY_TO)")
	}
	return nil
}

// Save writes the configuration as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
