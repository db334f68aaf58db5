package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BlobsDirName = "blobs"

	DefaultContainer         = "uploaded-files"
	DefaultDeviceIDHeader    = "Device-ID"
	DefaultDeviceTokenHeader = "Device-Token"
	DefaultUploadMaxMemory   = 32 << 20
)

type TLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type Logging struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

type Records struct {
	Driver string `yaml:"driver"` // badger, sqlite or postgres
	DSN    string `yaml:"dsn"`
}

type Blobs struct {
	Container string `yaml:"container"`
}

type Gate struct {
	Policy            string        `yaml:"policy"` // strict or relaxed
	ProtectedPrefixes []string      `yaml:"protectedPrefixes"`
	DeviceIDHeader    string        `yaml:"deviceIdHeader"`
	DeviceTokenHeader string        `yaml:"deviceTokenHeader"`
	CacheTTL          time.Duration `yaml:"cacheTTL"` // zero disables the admission cache
}

type Upload struct {
	MaxMemory int64 `yaml:"maxMemory"` // multipart bytes held in memory before spilling to disk
}

type Config struct {
	HttpBinding  string        `yaml:"httpBinding"`
	PublicURL    string        `yaml:"publicURL"`
	DataDir      string        `yaml:"dataDir"`
	TLS          TLS           `yaml:"tls"`
	Logging      Logging       `yaml:"logging"`
	Records      Records       `yaml:"records"`
	Blobs        Blobs         `yaml:"blobs"`
	Gate         Gate          `yaml:"gate"`
	Upload       Upload        `yaml:"upload"`
	StoreTimeout time.Duration `yaml:"storeTimeout"`
}

var (
	ErrConfigFileMissing        = errors.New("config file is missing")
	ErrConfigFileUnreadable     = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable = errors.New("config file is unmarshallable")
	ErrHttpBindingMissing       = errors.New("httpBinding is missing in config")
	ErrDataDirMissing           = errors.New("dataDir is missing in config and is required for device and blob data")
	ErrTLSMissing               = errors.New("TLS configuration incomplete: both cert and key must be provided if one is specified")
	ErrUnknownRecordsDriver     = errors.New("records.driver must be one of badger, sqlite, postgres")
	ErrPostgresDSNMissing       = errors.New("records.dsn is required when records.driver is postgres")
	ErrUnknownGatePolicy        = errors.New("gate.policy must be strict or relaxed")
	ErrUnknownLogFormat         = errors.New("logging.format must be json or console")
	ErrInvalidProtectedPrefix   = errors.New("gate.protectedPrefixes entries must start with /")
	ErrNegativeDuration         = errors.New("durations in config must not be negative")
)

func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrConfigFileMissing
		}
		return nil, ErrConfigFileUnreadable
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigFileUnmarshallable, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Records.Driver == "" {
		cfg.Records.Driver = "badger"
	}
	if cfg.Blobs.Container == "" {
		cfg.Blobs.Container = DefaultContainer
	}
	if cfg.Gate.Policy == "" {
		cfg.Gate.Policy = "strict"
	}
	if cfg.Gate.ProtectedPrefixes == nil {
		cfg.Gate.ProtectedPrefixes = DefaultProtectedPrefixes()
	}
	if cfg.Gate.DeviceIDHeader == "" {
		cfg.Gate.DeviceIDHeader = DefaultDeviceIDHeader
	}
	if cfg.Gate.DeviceTokenHeader == "" {
		cfg.Gate.DeviceTokenHeader = DefaultDeviceTokenHeader
	}
	if cfg.Upload.MaxMemory <= 0 {
		cfg.Upload.MaxMemory = DefaultUploadMaxMemory
	}
	if cfg.PublicURL == "" && cfg.HttpBinding != "" {
		scheme := "http"
		if cfg.TLSEnabled() {
			scheme = "https"
		}
		cfg.PublicURL = scheme + "://" + cfg.HttpBinding
	}
}

func (cfg *Config) Validate() error {
	if cfg.HttpBinding == "" {
		return ErrHttpBindingMissing
	}
	if cfg.DataDir == "" {
		return ErrDataDirMissing
	}
	if cfg.TLS.Cert != "" && cfg.TLS.Key == "" ||
		cfg.TLS.Cert == "" && cfg.TLS.Key != "" {
		return ErrTLSMissing
	}

	switch cfg.Records.Driver {
	case "badger", "sqlite":
	case "postgres":
		if cfg.Records.DSN == "" {
			return ErrPostgresDSNMissing
		}
	default:
		return ErrUnknownRecordsDriver
	}

	switch strings.ToLower(cfg.Gate.Policy) {
	case "strict", "relaxed":
	default:
		return ErrUnknownGatePolicy
	}

	switch cfg.Logging.Format {
	case "json", "console":
	default:
		return ErrUnknownLogFormat
	}

	for _, prefix := range cfg.Gate.ProtectedPrefixes {
		if !strings.HasPrefix(prefix, "/") {
			return fmt.Errorf("%w: %q", ErrInvalidProtectedPrefix, prefix)
		}
	}

	if cfg.Gate.CacheTTL < 0 || cfg.StoreTimeout < 0 {
		return ErrNegativeDuration
	}
	return nil
}

func (cfg *Config) TLSEnabled() bool {
	return cfg.TLS.Cert != "" && cfg.TLS.Key != ""
}

// DefaultProtectedPrefixes gates the API, uploads, file downloads and the
// listing page.
func DefaultProtectedPrefixes() []string {
	return []string{"/api", "/upload-files", "/files/", "/"}
}

func GenerateConfig(configFile string) (*Config, error) {
	cfg := Config{
		HttpBinding: "127.0.0.1:8080",
		PublicURL:   "http://127.0.0.1:8080",
		DataDir:     "data/edgegate", // Relative path for easier default setup
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
		Records: Records{
			Driver: "badger",
		},
		Blobs: Blobs{
			Container: DefaultContainer,
		},
		Gate: Gate{
			Policy:            "strict",
			ProtectedPrefixes: DefaultProtectedPrefixes(),
			DeviceIDHeader:    DefaultDeviceIDHeader,
			DeviceTokenHeader: DefaultDeviceTokenHeader,
			CacheTTL:          time.Minute,
		},
		Upload: Upload{
			MaxMemory: DefaultUploadMaxMemory,
		},
		StoreTimeout: 5 * time.Second,
	}

	// The configFile argument is not used to build the content; writing the
	// file is handled by the runtime.
	return &cfg, nil
}
