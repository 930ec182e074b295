package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all configuration for the service.
type Config struct {
	Port        int    `json:"port" validate:"gte=0"`
	MetricsPort int    `json:"metrics_port" validate:"gte=0"`
	LogLevel    string `json:"log_level" validate:"oneof=debug info warn error"`
	NumWorkers  int    `json:"num_workers" validate:"min=1"`
	DBPath      string `json:"db_path" validate:"required"`

	// EncryptionSecret is the operator-supplied secret the at-rest
	// encryption key is derived from. The service refuses to start
	// with a short secret; there is no built-in default.
	EncryptionSecret string `json:"encryption_secret" validate:"required,min=32"`

	Provider struct {
		ClientID     string   `json:"client_id" validate:"required"`
		ClientSecret string   `json:"client_secret"`
		AuthURL      string   `json:"auth_url" validate:"required,url"`
		TokenURL     string   `json:"token_url" validate:"required,url"`
		RedirectURI  string   `json:"redirect_uri" validate:"required,url"`
		Scopes       []string `json:"scopes" validate:"min=1"`
	} `json:"provider"`

	API struct {
		BaseURL string   `json:"base_url" validate:"required,url"`
		Timeout Duration `json:"timeout"`
	} `json:"api"`

	RateLimit struct {
		BucketCapacity float64  `json:"bucket_capacity" validate:"gt=0"`
		RefillPerSec   float64  `json:"refill_per_sec" validate:"gt=0"`
		GlobalPerSec   float64  `json:"global_per_sec" validate:"gt=0"`
		SweepInterval  Duration `json:"sweep_interval"`
	} `json:"rate_limit"`

	Retry struct {
		Budget         int      `json:"budget" validate:"min=0"`
		InitialBackoff Duration `json:"initial_backoff"`
		MaxBackoff     Duration `json:"max_backoff"`
	} `json:"retry"`

	Refresh struct {
		SweepInterval Duration `json:"sweep_interval"`
		ExpiryMargin  Duration `json:"expiry_margin"`
	} `json:"refresh"`
}

// Duration is a wrapper around time.Duration that implements JSON marshaling/unmarshaling
type Duration struct {
	time.Duration
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
		return nil
	case string:
		var err error
		d.Duration, err = time.ParseDuration(value)
		if err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("invalid duration")
	}
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads configuration from a file and overrides with environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// applyDefaults fills in values a config file may reasonably omit.
func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.NumWorkers == 0 {
		c.NumWorkers = 4
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.API.Timeout.Duration == 0 {
		c.API.Timeout = Duration{30 * time.Second}
	}
	if c.RateLimit.BucketCapacity == 0 {
		c.RateLimit.BucketCapacity = 10
	}
	if c.RateLimit.RefillPerSec == 0 {
		c.RateLimit.RefillPerSec = 2
	}
	if c.RateLimit.GlobalPerSec == 0 {
		c.RateLimit.GlobalPerSec = 20
	}
	if c.RateLimit.SweepInterval.Duration == 0 {
		c.RateLimit.SweepInterval = Duration{5 * time.Second}
	}
	if c.Retry.Budget == 0 {
		c.Retry.Budget = 3
	}
	if c.Retry.InitialBackoff.Duration == 0 {
		c.Retry.InitialBackoff = Duration{500 * time.Millisecond}
	}
	if c.Retry.MaxBackoff.Duration == 0 {
		c.Retry.MaxBackoff = Duration{30 * time.Second}
	}
	if c.Refresh.SweepInterval.Duration == 0 {
		c.Refresh.SweepInterval = Duration{time.Minute}
	}
	if c.Refresh.ExpiryMargin.Duration == 0 {
		c.Refresh.ExpiryMargin = Duration{5 * time.Minute}
	}
}

// applyEnvOverrides overrides config fields with environment variables.
func (c *Config) applyEnvOverrides() error {
	// Provider overrides
	if v := os.Getenv("OAUTH_CLIENT_ID"); v != "" {
		c.Provider.ClientID = v
	}
	if v := os.Getenv("OAUTH_CLIENT_SECRET"); v != "" {
		c.Provider.ClientSecret = v
	}
	if v := os.Getenv("OAUTH_REDIRECT_URI"); v != "" {
		c.Provider.RedirectURI = v
	}

	// Port overrides
	if v := os.Getenv("PORT"); v != "" {
		var err error
		c.Port, err = parseInt(v)
		if err != nil {
			return fmt.Errorf("parsing PORT: %w", err)
		}
	}

	// MetricsPort overrides
	if v := os.Getenv("METRICS_PORT"); v != "" {
		var err error
		c.MetricsPort, err = parseInt(v)
		if err != nil {
			return fmt.Errorf("parsing METRICS_PORT: %w", err)
		}
	}

	// LogLevel overrides
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}

	// DBPath overrides
	if v := os.Getenv("DB_PATH"); v != "" {
		c.DBPath = v
	}

	// EncryptionSecret overrides
	if v := os.Getenv("ENCRYPTION_SECRET"); v != "" {
		c.EncryptionSecret = v
	}

	// API base URL overrides
	if v := os.Getenv("API_BASE_URL"); v != "" {
		c.API.BaseURL = v
	}

	return nil
}

// validate checks the configuration for errors.
func (c *Config) validate() error {
	validate := validator.New()

	// Register custom validation for Duration
	validate.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if duration, ok := field.Interface().(Duration); ok {
			return duration.Duration
		}
		return nil
	}, Duration{})

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(s)
}
