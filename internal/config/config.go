// Package config loads process configuration and the persisted encounter
// tunables.
//
// Process configuration is resolved once at startup, in order:
// built-in defaults, an optional YAML file, ENCOUNTER_* environment variables
// (after loading a .env file if present), and finally command-line flags.
// The result is validated against an embedded CUE schema.
//
// Tunables (timeouts and the friend list) live in the key-value substrate and
// are read once at startup and written back explicitly when changed. The
// timeouts in the process configuration only seed them when nothing has been
// persisted yet.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// EnvPrefix prefixes every environment variable the config reads.
const EnvPrefix = "ENCOUNTER_"

// Config is the process configuration.
type Config struct {
	DBPath         string         `yaml:"db_path" json:"db_path"`
	Driver         string         `yaml:"driver" json:"driver"`
	ListenAddr     string         `yaml:"listen_addr" json:"listen_addr"`
	MaxFetchBytes  int            `yaml:"max_fetch_bytes" json:"max_fetch_bytes"`
	EventName      string         `yaml:"event_name" json:"event_name"`
	Timezone       string         `yaml:"timezone" json:"timezone"`
	LogFormat      string         `yaml:"log_format" json:"log_format"`
	CORSOrigins    []string       `yaml:"cors_origins" json:"cors_origins"`
	RateLimitRPS   float64        `yaml:"rate_limit_rps" json:"rate_limit_rps"`
	RateLimitBurst int            `yaml:"rate_limit_burst" json:"rate_limit_burst"`
	Friends        string         `yaml:"friends" json:"friends"`
	Timeouts       TimeoutsConfig `yaml:"timeouts" json:"timeouts"`
}

// TimeoutsConfig holds the seed timeouts in milliseconds.
type TimeoutsConfig struct {
	TransientMS int64 `yaml:"transient_ms" json:"transient_ms"`
	ActualMS    int64 `yaml:"actual_ms" json:"actual_ms"`
	MinimumMS   int64 `yaml:"minimum_ms" json:"minimum_ms"`
}

// Durations converts the seed timeouts.
func (t TimeoutsConfig) Durations() Timeouts {
	return Timeouts{
		Transient: time.Duration(t.TransientMS) * time.Millisecond,
		Actual:    time.Duration(t.ActualMS) * time.Millisecond,
		Minimum:   time.Duration(t.MinimumMS) * time.Millisecond,
	}
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DBPath:         "encounters.db",
		Driver:         "sqlite3",
		ListenAddr:     "127.0.0.1:8787",
		MaxFetchBytes:  2 << 20,
		EventName:      "ble.event",
		Timezone:       "Local",
		LogFormat:      "text",
		CORSOrigins:    []string{"http://localhost:3000"},
		RateLimitRPS:   20,
		RateLimitBurst: 40,
		Timeouts:       DefaultTimeouts().Millis(),
	}
}

// Load resolves defaults, then path (if non-empty), then the environment.
// Flags are applied by the caller before Validate.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := cfg.decodeYAML(f); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

// Parse decodes YAML over the defaults without consulting the environment.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := cfg.decodeYAML(bytes.NewReader(data)); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) decodeYAML(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from ENCOUNTER_* variables read through getenv.
// Unparsable numbers are ignored.
func (c *Config) ApplyEnv(getenv func(string) string) {
	env := func(name string) string { return getenv(EnvPrefix + name) }

	c.DBPath = envOr(env("DB_PATH"), c.DBPath)
	c.Driver = envOr(env("DRIVER"), c.Driver)
	c.ListenAddr = envOr(env("LISTEN_ADDR"), c.ListenAddr)
	c.MaxFetchBytes = envInt(env("MAX_FETCH_BYTES"), c.MaxFetchBytes)
	c.EventName = envOr(env("EVENT_NAME"), c.EventName)
	c.Timezone = envOr(env("TIMEZONE"), c.Timezone)
	c.LogFormat = envOr(env("LOG_FORMAT"), c.LogFormat)
	c.CORSOrigins = envList(env("CORS_ORIGINS"), c.CORSOrigins)
	c.RateLimitRPS = envFloat(env("RATE_LIMIT_RPS"), c.RateLimitRPS)
	c.RateLimitBurst = envInt(env("RATE_LIMIT_BURST"), c.RateLimitBurst)
	c.Friends = envOr(env("FRIENDS"), c.Friends)
	c.Timeouts.TransientMS = int64(envInt(env("TRANSIENT_TIMEOUT_MS"), int(c.Timeouts.TransientMS)))
	c.Timeouts.ActualMS = int64(envInt(env("ACTUAL_TIMEOUT_MS"), int(c.Timeouts.ActualMS)))
	c.Timeouts.MinimumMS = int64(envInt(env("MINIMUM_DURATION_MS"), int(c.Timeouts.MinimumMS)))
}

// Validate checks the configuration against the embedded CUE schema and
// resolves the timezone.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	if c.CORSOrigins == nil {
		c.CORSOrigins = []string{}
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	value := def.Unify(ctx.Encode(c))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		msgs := make([]string, 0, 1)
		for _, e := range cueerrors.Errors(err) {
			msgs = append(msgs, e.Error())
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}

	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves Timezone. "" and "Local" mean time.Local.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func envOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func envInt(v string, fallback int) int {
	if v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(v string, fallback float64) float64 {
	if v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envList(v string, fallback []string) []string {
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return fallback
	}
	return result
}
