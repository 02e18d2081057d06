package internal

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseURL           = "https://api.enterprise.wikimedia.com/"
	DefaultRealtimeURL       = "https://realtime.enterprise.wikimedia.com/"
	DefaultAuthURL           = "https://auth.enterprise.wikimedia.com/v1/"
	DefaultUserAgent         = "WME Go SDK"
	DefaultTokenStore        = "tokenstore.json"
	DefaultScannerBufferSize = 20 * 1024 * 1024
	DefaultRefreshInterval   = 23*time.Hour + 59*time.Minute
)

// Config holds application configuration
type Config struct {
	BaseURL     string `yaml:"base_url" validate:"required,url"`
	RealtimeURL string `yaml:"realtime_url" validate:"required,url"`
	AuthURL     string `yaml:"auth_url" validate:"required,url"`
	UserAgent   string `yaml:"user_agent" validate:"required"`
	ProxyURL    string `yaml:"proxy" validate:"omitempty,url"`

	Timeout            time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxRetries         int           `yaml:"max_retries" validate:"gte=0,lte=10"`
	RateLimitPerSecond float64       `yaml:"rate_limit_per_second" validate:"gte=0"`

	// DownloadChunkSize <= 0 downloads each resource as one range.
	DownloadChunkSize   int64 `yaml:"download_chunk_size"`
	DownloadConcurrency int   `yaml:"download_concurrency" validate:"gte=1,lte=64"`
	MaxBytesPerSecond   int64 `yaml:"max_bytes_per_second" validate:"gte=0"`
	ScannerBufferSize   int   `yaml:"scanner_buffer_size" validate:"gte=65536"`

	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	TokenStorePath  string        `yaml:"token_store" validate:"required"`
	RefreshInterval time.Duration `yaml:"refresh_interval" validate:"gt=0"`

	// Logging configuration
	LogLevel    string `yaml:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	EnableDebug bool   `yaml:"debug"`
	QuietMode   bool   `yaml:"quiet"`
	LogFile     string `yaml:"log_file"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		BaseURL:     DefaultBaseURL,
		RealtimeURL: DefaultRealtimeURL,
		AuthURL:     DefaultAuthURL,
		UserAgent:   DefaultUserAgent,

		Timeout:    30 * time.Second,
		MaxRetries: 3,

		DownloadChunkSize:   -1,
		DownloadConcurrency: 10,
		ScannerBufferSize:   DefaultScannerBufferSize,

		TokenStorePath:  DefaultTokenStore,
		RefreshInterval: DefaultRefreshInterval,

		LogLevel: "info",
	}
}

// LoadFromFile overlays values from a YAML file. Keys absent from the file
// keep their current values.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("config file not found: %s", path)
		}
		return fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), c); err != nil {
		return fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() {
	c.Username = GetEnvWithDefault("WME_USERNAME", c.Username)
	c.Password = GetEnvWithDefault("WME_PASSWORD", c.Password)
	c.BaseURL = GetEnvWithDefault("WME_BASE_URL", c.BaseURL)
	c.RealtimeURL = GetEnvWithDefault("WME_REALTIME_URL", c.RealtimeURL)
	c.AuthURL = GetEnvWithDefault("WME_AUTH_URL", c.AuthURL)
	c.TokenStorePath = GetEnvWithDefault("WME_TOKEN_STORE", c.TokenStorePath)
	c.ProxyURL = GetEnvWithDefault("WME_PROXY", c.ProxyURL)
	c.LogLevel = GetEnvWithDefault("WME_LOG_LEVEL", c.LogLevel)
	c.LogFile = GetEnvWithDefault("WME_LOG_FILE", c.LogFile)

	if v := os.Getenv("WME_CHUNK_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.DownloadChunkSize = n
		}
	}
	if v := os.Getenv("WME_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.DownloadConcurrency = n
		}
	}
	if v := os.Getenv("WME_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			c.RateLimitPerSecond = f
		}
	}
	if v := os.Getenv("WME_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Timeout = d
		}
	}
	if debug := os.Getenv("WME_DEBUG"); debug != "" {
		c.EnableDebug = debug == "true" || debug == "1"
	}
	if quiet := os.Getenv("WME_QUIET"); quiet != "" {
		c.QuietMode = quiet == "true" || quiet == "1"
	}
}

// GetEnvWithDefault returns environment variable value or default
func GetEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateConfig validates the configuration values
func (c *Config) ValidateConfig() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrors validator.ValidationErrors
	if !errors.As(err, &verrors) || len(verrors) == 0 {
		return err
	}

	first := verrors[0]
	return NewValidationErrorWithValue(first.Field(), messageForTag(first), first.Value()).
		WithContext("rule", first.Tag()).
		WithSuggestion(fmt.Sprintf("Fix %s in the config file, environment or flags", first.Field()))
}

func messageForTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "url":
		return "must be an absolute URL"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "gt", "gte", "lt", "lte":
		return fmt.Sprintf("must satisfy %s %s", fe.Tag(), fe.Param())
	default:
		return fmt.Sprintf("failed %s check", fe.Tag())
	}
}

// Credentials returns the configured account credentials, failing when
// either part is missing.
func (c *Config) Credentials() (Credentials, error) {
	if c.Username == "" || c.Password == "" {
		return Credentials{}, NewValidationError("credentials", "username and password are required").
			WithSuggestion("Set WME_USERNAME and WME_PASSWORD")
	}
	return Credentials{Username: c.Username, Password: c.Password}, nil
}
