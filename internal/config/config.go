package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries the tunables for both the hub server and client sessions.
type Config struct {
	GridSize        int           `yaml:"grid_size"`
	SessionDuration time.Duration `yaml:"session_duration"`
	CaptureInterval time.Duration `yaml:"capture_interval"`
	TickInterval    time.Duration `yaml:"tick_interval"`
	RecountInterval time.Duration `yaml:"recount_interval"`

	RateLimit RateLimit `yaml:"rate_limit"`
	Reconnect Reconnect `yaml:"reconnect"`

	DBPath string `yaml:"db_path"`

	Blob Blob `yaml:"blob"`

	FFmpegPath string `yaml:"ffmpeg_path"`
}

// RateLimit is the placement throttle, applied client-side (advisory) and
// again at the hub's write boundary (authoritative).
type RateLimit struct {
	Max    int           `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

type Reconnect struct {
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// Blob configures the S3-compatible store for encoded timelapse artifacts.
// Empty endpoint disables uploads; finalize then keeps only the local path.
type Blob struct {
	Endpoint        string `yaml:"endpoint"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Prefix          string `yaml:"prefix"`
}

func Defaults() Config {
	return Config{
		GridSize:        50,
		SessionDuration: 30 * time.Minute,
		CaptureInterval: 10 * time.Second,
		TickInterval:    time.Second,
		RecountInterval: 30 * time.Second,
		RateLimit: RateLimit{
			Max:    10,
			Window: 10 * time.Second,
		},
		Reconnect: Reconnect{
			BackoffBase: time.Second,
			BackoffCap:  30 * time.Second,
			MaxAttempts: 10,
		},
		DBPath:     "./data/blockparty.db",
		FFmpegPath: "ffmpeg",
	}
}

// Load reads a yaml config, applying defaults for anything unset. An empty
// path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.GridSize <= 0 {
		return fmt.Errorf("grid_size must be > 0")
	}
	if c.SessionDuration <= 0 {
		return fmt.Errorf("session_duration must be > 0")
	}
	if c.CaptureInterval <= 0 {
		return fmt.Errorf("capture_interval must be > 0")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be > 0")
	}
	if c.RecountInterval <= 0 {
		return fmt.Errorf("recount_interval must be > 0")
	}
	if c.RateLimit.Max <= 0 {
		return fmt.Errorf("rate_limit.max must be > 0")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be > 0")
	}
	if c.Reconnect.BackoffBase <= 0 {
		return fmt.Errorf("reconnect.backoff_base must be > 0")
	}
	if c.Reconnect.BackoffCap < c.Reconnect.BackoffBase {
		return fmt.Errorf("reconnect.backoff_cap must be >= backoff_base")
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect.max_attempts must be > 0")
	}
	if c.Blob.Endpoint != "" {
		if c.Blob.Bucket == "" || c.Blob.AccessKeyID == "" || c.Blob.SecretAccessKey == "" {
			return fmt.Errorf("blob: bucket/access_key_id/secret_access_key required when endpoint is set")
		}
	}
	return nil
}
