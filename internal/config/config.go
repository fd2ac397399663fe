// Package config loads the process configuration from the environment into
// an explicit [Config] value. Nothing here is global: callers pass the value
// to the constructors that need it.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/leofalp/chatcheckpoint/core/cost"
	"github.com/leofalp/chatcheckpoint/internal/utils"
)

// Backend kinds accepted by CHECKPOINT_BACKEND.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

// Model providers accepted by MODEL_PROVIDER.
const (
	ProviderOpenAI   = "openai"
	ProviderScripted = "scripted"
)

// Observers accepted by OBSERVER.
const (
	ObserverSlog = "slog"
	ObserverOTel = "otel"
	ObserverNone = "none"
)

// Postgres holds the connection parameters of the durable backend.
type Postgres struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
}

// DSN renders the parameters as a postgres:// URL.
func (p Postgres) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(p.User, p.Password),
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		Path:   "/" + p.Database,
	}
	if p.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {p.SSLMode}}.Encode()
	}
	return u.String()
}

// Config is the full process configuration.
type Config struct {
	Backend    string
	Postgres   Postgres
	SQLitePath string

	ModelProvider string
	ModelName     string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	Rates         cost.RateTable
	SystemPrompt  string
	TurnTimeout   time.Duration

	HTTPAddr string

	LogLevel  string
	LogFormat string
	LogFile   string
	Observer  string
}

// Load reads the process environment. Values from a .env file are visible
// when the caller imports github.com/joho/godotenv/autoload or calls
// [LoadFile] first.
func Load() (Config, error) {
	return load(os.LookupEnv)
}

// LoadFile reads the environment overlaid with the variables in path. The
// process environment wins over the file.
func LoadFile(path string) (Config, error) {
	fileEnv, err := godotenv.Read(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return load(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileEnv[key]
		return v, ok
	})
}

func load(lookup func(string) (string, bool)) (Config, error) {
	get := func(key, fallback string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return fallback
	}

	var errs []error

	port, err := strconv.Atoi(get("POSTGRES_PORT", "5432"))
	if err != nil {
		errs = append(errs, fmt.Errorf("config: POSTGRES_PORT: %w", err))
	}

	timeout, err := time.ParseDuration(get("TURN_TIMEOUT", "60s"))
	if err != nil {
		errs = append(errs, fmt.Errorf("config: TURN_TIMEOUT: %w", err))
	}

	apiKey := get("OPENAI_API_KEY", "")
	defaultProvider := ProviderScripted
	if apiKey != "" {
		defaultProvider = ProviderOpenAI
	}
	provider := strings.ToLower(get("MODEL_PROVIDER", defaultProvider))
	defaultModel := "gpt-4o-mini"
	if provider == ProviderScripted {
		defaultModel = ProviderScripted
	}

	rates := cost.DefaultRates()
	if raw := get("MODEL_RATES", ""); raw != "" {
		overrides, err := utils.ParseLenientJSON[cost.RateTable](raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: MODEL_RATES: %w", err))
		} else {
			rates = rates.Merge(overrides)
		}
	}

	cfg := Config{
		Backend: strings.ToLower(get("CHECKPOINT_BACKEND", BackendPostgres)),
		Postgres: Postgres{
			Host:     get("POSTGRES_HOST", "localhost"),
			Port:     port,
			Database: get("POSTGRES_DB", "langgraph_checkpoints"),
			User:     get("POSTGRES_USER", "langgraph"),
			Password: get("POSTGRES_PASSWORD", "langgraph123"),
			SSLMode:  get("POSTGRES_SSLMODE", "disable"),
		},
		SQLitePath:    get("SQLITE_PATH", "chatcheckpoint.db"),
		ModelProvider: provider,
		ModelName:     get("MODEL_NAME", defaultModel),
		OpenAIAPIKey:  apiKey,
		OpenAIBaseURL: get("OPENAI_BASE_URL", ""),
		Rates:         rates,
		SystemPrompt:  get("SYSTEM_PROMPT", ""),
		TurnTimeout:   timeout,
		HTTPAddr:      get("HTTP_ADDR", ":8080"),
		LogLevel:      get("LOG_LEVEL", "info"),
		LogFormat:     get("LOG_FORMAT", "text"),
		LogFile:       get("LOG_FILE", ""),
		Observer:      strings.ToLower(get("OBSERVER", ObserverSlog)),
	}
	if len(errs) > 0 {
		return cfg, errors.Join(errs...)
	}
	return cfg, nil
}

// Validate reports every invalid value at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendPostgres, BackendSQLite, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("config: CHECKPOINT_BACKEND %q is not one of postgres, sqlite, memory", c.Backend))
	}
	switch c.ModelProvider {
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("config: OPENAI_API_KEY is required for the openai provider"))
		}
	case ProviderScripted:
	default:
		errs = append(errs, fmt.Errorf("config: MODEL_PROVIDER %q is not one of openai, scripted", c.ModelProvider))
	}
	switch c.Observer {
	case ObserverSlog, ObserverOTel, ObserverNone:
	default:
		errs = append(errs, fmt.Errorf("config: OBSERVER %q is not one of slog, otel, none", c.Observer))
	}
	if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: POSTGRES_PORT %d out of range", c.Postgres.Port))
	}
	if c.TurnTimeout < 0 {
		errs = append(errs, fmt.Errorf("config: TURN_TIMEOUT %s is negative", c.TurnTimeout))
	}
	if err := c.Rates.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Rates.Lookup(c.ModelName); err != nil {
		errs = append(errs, fmt.Errorf("config: MODEL_NAME: %w", err))
	}
	return errors.Join(errs...)
}
