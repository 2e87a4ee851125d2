package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrNoConfig is returned when no config file is found. The operator
// still runs without one — Defaults() covers every field.
var ErrNoConfig = errors.New("no operator config file found")

// Config is the operator server's own configuration, distinct from any
// per-job or per-worker payload.
type Config struct {
	// OperatorURL is this server's externally reachable base URL, for
	// UI/CLI clients. The server itself loads it but does not send it
	// to workers.
	OperatorURL string `yaml:"operator_url" toml:"operator_url" json:"operator_url"`

	// ServerPort is the HTTP listen port. Default: 8000.
	ServerPort int `yaml:"server_port" toml:"server_port" json:"server_port"`

	// HealthCheckInterval is the Liveness tick period. Default: 30s.
	HealthCheckInterval Duration `yaml:"health_check_interval" toml:"health_check_interval" json:"health_check_interval"`

	// HealthCheckTimeout bounds each HTTP health probe. Default: 5s.
	HealthCheckTimeout Duration `yaml:"health_check_timeout" toml:"health_check_timeout" json:"health_check_timeout"`

	// PollInterval is the worker-side interval between /poll calls.
	// The server loads it but does not send it to workers. Default: 2s.
	PollInterval Duration `yaml:"poll_interval" toml:"poll_interval" json:"poll_interval"`

	// Pricing configures the payment amount derivation in GET /jobs/{id}.
	Pricing Pricing `yaml:"pricing" toml:"pricing" json:"pricing"`

	// Database configures the ledger backend. An empty or sqlite://
	// URL uses the embedded modernc.org/sqlite backend; a postgres://
	// URL switches to the lib/pq backend.
	Database Database `yaml:"database" toml:"database" json:"database"`

	// Auth configures worker authentication on /register, /stream,
	// /poll and the chunk/done ingress endpoints.
	// Both fields are optional; leaving both empty disables auth,
	// appropriate for local development.
	Auth AuthSettings `yaml:"auth" toml:"auth" json:"auth"`

	// Archive optionally configures S3/R2-compatible transcript
	// archival of completed jobs. Leaving Bucket empty disables it.
	Archive ArchiveSettings `yaml:"archive" toml:"archive" json:"archive"`
}

// Pricing configures the per-token payment rate used to derive the
// amount owed for a completed job.
type Pricing struct {
	PricePerToken float64 `yaml:"price_per_token" toml:"price_per_token" json:"price_per_token"`
}

// Database configures the ledger connection.
type Database struct {
	URL              string `yaml:"url" toml:"url" json:"url"`
	EncryptionSecret string `yaml:"encryption_secret" toml:"encryption_secret" json:"encryption_secret"`
}

// AuthSettings configures the worker credential(s) accepted on the
// worker-facing endpoints (/register, /stream, /poll, chunk, done).
type AuthSettings struct {
	RegisterToken string `yaml:"register_token" toml:"register_token" json:"register_token"`
	JWTSecret     string `yaml:"jwt_secret" toml:"jwt_secret" json:"jwt_secret"`
}

// ArchiveSettings configures the optional transcript archive backend.
type ArchiveSettings struct {
	AccountID       string `yaml:"account_id" toml:"account_id" json:"account_id"`
	AccessKeyID     string `yaml:"access_key_id" toml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" toml:"secret_access_key" json:"secret_access_key"`
	Bucket          string `yaml:"bucket" toml:"bucket" json:"bucket"`
}

// Duration wraps time.Duration for custom parsing across YAML, TOML,
// and JSON.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(dur)
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Load finds and parses an operator config file from the given
// directory, trying each candidate filename in order (first match
// wins). If none exist, returns Defaults() and ErrNoConfig so callers
// can choose to proceed on defaults or require an explicit file.
func Load(dir string) (*Config, string, error) {
	candidates := []struct {
		name   string
		parser func([]byte, *Config) error
	}{
		{"operator.yaml", parseYAML},
		{"operator.yml", parseYAML},
		{"operator.toml", parseTOML},
		{"operator.json", parseJSON},
	}

	for _, c := range candidates {
		path := filepath.Join(dir, c.name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue // File doesn't exist, try next
		}

		cfg := Defaults()
		if err := c.parser(data, cfg); err != nil {
			return nil, c.name, fmt.Errorf("parse %s: %w", c.name, err)
		}

		if err := cfg.Validate(); err != nil {
			return nil, c.name, fmt.Errorf("validate %s: %w", c.name, err)
		}

		return cfg, c.name, nil
	}

	return Defaults(), "", ErrNoConfig
}

func parseYAML(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Strict: error on unknown fields
	return decoder.Decode(cfg)
}

func parseTOML(data []byte, cfg *Config) error {
	_, err := toml.Decode(string(data), cfg)
	return err
}

func parseJSON(data []byte, cfg *Config) error {
	return json.Unmarshal(data, cfg)
}

// Defaults returns a Config with every field at its documented
// default.
func Defaults() *Config {
	return &Config{
		ServerPort:          8000,
		HealthCheckInterval: Duration(30 * time.Second),
		HealthCheckTimeout:  Duration(5 * time.Second),
		PollInterval:        Duration(2 * time.Second),
		Pricing:             Pricing{PricePerToken: 0.0001},
	}
}

// Validate checks the config for errors that Load shouldn't silently
// paper over.
func (c *Config) Validate() error {
	if c.ServerPort <= 0 {
		return errors.New("server_port must be positive")
	}
	if c.Pricing.PricePerToken < 0 {
		return errors.New("pricing.price_per_token must not be negative")
	}
	return nil
}

// UsesPostgres reports whether Database.URL points at Postgres rather
// than the embedded SQLite default.
func (c *Config) UsesPostgres() bool {
	return len(c.Database.URL) >= 11 && c.Database.URL[:11] == "postgres://"
}
