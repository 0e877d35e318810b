// Package config defines the registry's runtime configuration.
//
// Configuration is a plain struct with defaults; an optional JSON file
// overrides fields, and command-line flags override the file. Components
// receive the parts they need by value, never a global.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// Duration is a time.Duration that unmarshals from JSON strings like "30m".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	case float64:
		*d = Duration(time.Duration(v) * time.Second)
		return nil
	default:
		return fmt.Errorf("duration must be a string or number, got %T", raw)
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// AuthConfig controls the HTTP Basic check on /v2/* and /api/* paths.
// Password holds an argon2id PHC hash, never a plaintext password.
type AuthConfig struct {
	Enabled  bool   `json:"enabled"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// CleanupConfig controls the stale-session sweeper.
type CleanupConfig struct {
	// Interval between sweeps.
	Interval Duration `json:"interval"`
	// MaxSessionAge is how long an idle upload session survives.
	MaxSessionAge Duration `json:"maxSessionAge"`
	// MinDiskFreePercent is the pressure floor: when free space on the data
	// volume drops below this share, the sweeper reclaims every stale
	// session regardless of age.
	MinDiskFreePercent float64 `json:"minDiskFreePercent"`
}

// GCConfig controls garbage collection.
type GCConfig struct {
	// ChunkAge is the minimum session idle time before GC sweeps its chunks.
	ChunkAge Duration `json:"chunkAge"`
}

// Config is the full registry configuration.
type Config struct {
	// Listen is the HTTP listen address, e.g. ":5000".
	Listen string `json:"listen"`
	// DataDir holds the SQLite database and upload spool files.
	DataDir string        `json:"dataDir"`
	Auth    AuthConfig    `json:"auth"`
	Cleanup CleanupConfig `json:"cleanup"`
	GC      GCConfig      `json:"gc"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen:  ":5000",
		DataDir: "data",
		Cleanup: CleanupConfig{
			Interval:           Duration(30 * time.Minute),
			MaxSessionAge:      Duration(24 * time.Hour),
			MinDiskFreePercent: 10,
		},
		GC: GCConfig{
			ChunkAge: Duration(24 * time.Hour),
		},
	}
}

// Load reads a JSON config file over the defaults. A missing file is not an
// error; it just yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address must not be empty")
	}
	if c.DataDir == "" {
		return errors.New("data directory must not be empty")
	}
	if c.Auth.Enabled && (c.Auth.Username == "" || c.Auth.Password == "") {
		return errors.New("auth enabled but username or password hash missing")
	}
	if c.Cleanup.MinDiskFreePercent < 0 || c.Cleanup.MinDiskFreePercent > 100 {
		return fmt.Errorf("minDiskFreePercent %f out of range 0..100", c.Cleanup.MinDiskFreePercent)
	}
	return nil
}
