// Package config loads the branchsync daemon configuration from a single
// TOML file, applying defaults for every omitted setting.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML values can be written as "15s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full configuration surface of the daemon.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	AdminAddress  string `toml:"AdminAddress"`
	DataDir       string `toml:"DataDir"`
	LogFile       string `toml:"LogFile"`

	// DefaultCipherKey decodes the very first record of an unauthenticated
	// connection; afterwards the key supplied in the handshake takes over.
	DefaultCipherKey string `toml:"DefaultCipherKey"`

	AuthTimeout Duration `toml:"AuthTimeout"`

	ContractIdleTimeout   Duration `toml:"ContractIdleTimeout"`
	ContractSweepInterval Duration `toml:"ContractSweepInterval"`
	CabinetIdleTimeout    Duration `toml:"CabinetIdleTimeout"`
	CabinetSweepInterval  Duration `toml:"CabinetSweepInterval"`

	AwaitPollInterval Duration `toml:"AwaitPollInterval"`
	AwaitTimeout      Duration `toml:"AwaitTimeout"`

	Database DatabaseConfig `toml:"Database"`
	Admin    AdminConfig    `toml:"Admin"`
}

// DatabaseConfig selects the SQL backend shared with the web side.
type DatabaseConfig struct {
	Driver string `toml:"Driver"` // "sqlite" or "postgres"
	DSN    string `toml:"DSN"`
}

// AdminConfig guards the ops HTTP surface.
type AdminConfig struct {
	AuthEnabled bool   `toml:"AuthEnabled"`
	JWTSecret   string `toml:"JWTSecret"`
}

// Load reads the configuration from the given path. A missing file yields
// the defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unknown key %q in %s", undecoded[0].String(), path)
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":4040"
	}
	if cfg.AdminAddress == "" {
		cfg.AdminAddress = "127.0.0.1:8081"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.DefaultCipherKey == "" {
		cfg.DefaultCipherKey = "0"
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = Duration(30 * time.Second)
	}
	if cfg.ContractIdleTimeout <= 0 {
		cfg.ContractIdleTimeout = Duration(90 * time.Second)
	}
	if cfg.ContractSweepInterval <= 0 {
		cfg.ContractSweepInterval = Duration(15 * time.Second)
	}
	if cfg.CabinetIdleTimeout <= 0 {
		cfg.CabinetIdleTimeout = Duration(10 * time.Minute)
	}
	if cfg.CabinetSweepInterval <= 0 {
		cfg.CabinetSweepInterval = Duration(15 * time.Second)
	}
	if cfg.AwaitPollInterval <= 0 {
		cfg.AwaitPollInterval = Duration(3 * time.Second)
	}
	if cfg.AwaitTimeout <= 0 {
		cfg.AwaitTimeout = Duration(30 * time.Second)
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "branchsync.db"
	}
}
