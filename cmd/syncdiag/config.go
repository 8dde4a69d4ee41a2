package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/syncdiag/features/calendar/postgres"
	"goa.design/syncdiag/runtime/diagnostics"
	"goa.design/syncdiag/runtime/retry"
)

const (
	backendMemory   = "memory"
	backendRedis    = "redis"
	backendPostgres = "postgres"
	backendMongo    = "mongo"

	providerSimulated = "simulated"
	providerREST      = "rest"

	triggerLocal  = "local"
	triggerStream = "stream"
)

type (
	// config is the process configuration: YAML file first, environment
	// overrides second.
	config struct {
		Diagnostics diagnostics.Config `yaml:"diagnostics"`
		RunStore    string             `yaml:"run_store"`
		Calendars   string             `yaml:"calendars"`
		Redis       redisConfig        `yaml:"redis"`
		Mongo       mongoConfig        `yaml:"mongo"`
		Postgres    postgres.Config    `yaml:"postgres"`
		Provider    providerConfig     `yaml:"provider"`
		Trigger     triggerConfig      `yaml:"trigger"`
		Callback    callbackConfig     `yaml:"callback"`
		Rate        rateConfig         `yaml:"rate"`
		// Fixtures seed the in-memory calendar backend.
		Fixtures fixtures `yaml:"fixtures"`
	}

	redisConfig struct {
		URL    string `yaml:"url"`
		Prefix string `yaml:"prefix"`
	}

	mongoConfig struct {
		URL      string `yaml:"url"`
		Database string `yaml:"database"`
		// Collection prefixes the run collections.
		Collection string        `yaml:"collection"`
		Timeout    time.Duration `yaml:"timeout"`
	}

	providerConfig struct {
		Kind    string        `yaml:"kind"`
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
		Retry   retry.Policy  `yaml:"retry"`
		// ImportAfter delays the simulated inbound sync.
		ImportAfter time.Duration `yaml:"import_after"`
		// Rate enables the adaptive request budget when RPM is positive.
		Rate providerRateConfig `yaml:"rate"`
	}

	providerRateConfig struct {
		RPM    float64 `yaml:"rpm"`
		MaxRPM float64 `yaml:"max_rpm"`
		// Key names the budget shared through Redis when Redis is
		// configured.
		Key string `yaml:"key"`
	}

	triggerConfig struct {
		Mode         string `yaml:"mode"`
		Stream       string `yaml:"stream"`
		Sink         string `yaml:"sink"`
		StreamMaxLen int    `yaml:"stream_max_len"`
		// HealthInterval paces the backend checks of serve; zero disables
		// them.
		HealthInterval time.Duration `yaml:"health_interval"`
	}

	callbackConfig struct {
		Timeout time.Duration `yaml:"timeout"`
		Retry   retry.Policy  `yaml:"retry"`
	}

	rateConfig struct {
		// PerSecond of zero disables the trigger limiter.
		PerSecond float64 `yaml:"per_second"`
		Burst     int     `yaml:"burst"`
	}

	fixtures struct {
		Calendars []fixtureCalendar `yaml:"calendars"`
		Accounts  []fixtureAccount  `yaml:"accounts"`
	}

	fixtureCalendar struct {
		ID         string `yaml:"id"`
		OrgID      string `yaml:"org_id"`
		AccountID  string `yaml:"account_id"`
		ExternalID string `yaml:"external_id"`
		Name       string `yaml:"name"`
		ReadOnly   bool   `yaml:"read_only"`
	}

	fixtureAccount struct {
		ID               string `yaml:"id"`
		OrgID            string `yaml:"org_id"`
		Email            string `yaml:"email"`
		ServiceAccountID string `yaml:"service_account_id"`
		AccessToken      string `yaml:"access_token"`
		Provider         string `yaml:"provider"`
	}
)

func defaultConfig() config {
	return config{
		Diagnostics: diagnostics.DefaultConfig(),
		RunStore:    backendMemory,
		Calendars:   backendMemory,
		Redis:       redisConfig{URL: "redis://localhost:6379/0", Prefix: "syncdiag:"},
		Mongo:       mongoConfig{URL: "mongodb://localhost:27017", Database: "syncdiag", Timeout: 5 * time.Second},
		Postgres:    postgres.DefaultConfig(),
		Provider: providerConfig{
			Kind:        providerSimulated,
			Timeout:     30 * time.Second,
			Retry:       retry.DefaultPolicy(),
			ImportAfter: 2 * time.Second,
		},
		Trigger:  triggerConfig{Mode: triggerLocal, HealthInterval: 30 * time.Second},
		Callback: callbackConfig{Timeout: 10 * time.Second, Retry: retry.DefaultPolicy()},
	}
}

// loadConfig reads path when not empty, then applies environment overrides.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return config{}, err
	}
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c *config) applyEnv() error {
	c.RunStore = envOr("SYNCDIAG_RUN_STORE", c.RunStore)
	c.Calendars = envOr("SYNCDIAG_CALENDARS", c.Calendars)
	c.Redis.URL = envOr("REDIS_URL", c.Redis.URL)
	c.Redis.Prefix = envOr("SYNCDIAG_REDIS_PREFIX", c.Redis.Prefix)
	c.Postgres.URL = envOr("DATABASE_URL", c.Postgres.URL)
	c.Mongo.URL = envOr("MONGO_URL", c.Mongo.URL)
	c.Mongo.Database = envOr("SYNCDIAG_MONGO_DATABASE", c.Mongo.Database)
	c.Provider.Kind = envOr("SYNCDIAG_PROVIDER", c.Provider.Kind)
	c.Provider.BaseURL = envOr("SYNCDIAG_PROVIDER_URL", c.Provider.BaseURL)
	c.Trigger.Mode = envOr("SYNCDIAG_TRIGGER_MODE", c.Trigger.Mode)
	c.Trigger.Stream = envOr("SYNCDIAG_TRIGGER_STREAM", c.Trigger.Stream)

	var errs []error
	var err error
	if c.Diagnostics.CurrentRunTTL, err = envDuration("SYNCDIAG_CURRENT_RUN_TTL", c.Diagnostics.CurrentRunTTL); err != nil {
		errs = append(errs, err)
	}
	if c.Diagnostics.ResultsTTL, err = envDuration("SYNCDIAG_RESULTS_TTL", c.Diagnostics.ResultsTTL); err != nil {
		errs = append(errs, err)
	}
	if c.Diagnostics.ProviderSyncWait.Attempts, err = envInt("SYNCDIAG_SYNC_WAIT_ATTEMPTS", c.Diagnostics.ProviderSyncWait.Attempts); err != nil {
		errs = append(errs, err)
	}
	if c.Diagnostics.ProviderSyncWait.Delay, err = envDuration("SYNCDIAG_SYNC_WAIT_DELAY", c.Diagnostics.ProviderSyncWait.Delay); err != nil {
		errs = append(errs, err)
	}
	if c.Rate.PerSecond, err = envFloat("SYNCDIAG_RATE_PER_SECOND", c.Rate.PerSecond); err != nil {
		errs = append(errs, err)
	}
	if c.Rate.Burst, err = envInt("SYNCDIAG_RATE_BURST", c.Rate.Burst); err != nil {
		errs = append(errs, err)
	}
	if c.Provider.Rate.RPM, err = envFloat("SYNCDIAG_PROVIDER_RPM", c.Provider.Rate.RPM); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c config) validate() error {
	var errs []error
	if err := c.Diagnostics.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.RunStore {
	case backendMemory, backendRedis:
	case backendMongo:
		if c.Mongo.URL == "" || c.Mongo.Database == "" {
			errs = append(errs, errors.New("mongo.url and mongo.database are required for the mongo run store"))
		}
	default:
		errs = append(errs, fmt.Errorf("run_store must be %q, %q or %q, got %q", backendMemory, backendRedis, backendMongo, c.RunStore))
	}
	switch c.Calendars {
	case backendMemory:
	case backendPostgres:
		if err := c.Postgres.Validate(); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("calendars must be %q or %q, got %q", backendMemory, backendPostgres, c.Calendars))
	}
	switch c.Provider.Kind {
	case providerSimulated:
		if c.Calendars != backendMemory {
			errs = append(errs, errors.New("simulated provider requires the memory calendar backend"))
		}
	case providerREST:
		if c.Provider.BaseURL == "" {
			errs = append(errs, errors.New("provider.base_url is required for the rest provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("provider.kind must be %q or %q, got %q", providerSimulated, providerREST, c.Provider.Kind))
	}
	switch c.Trigger.Mode {
	case triggerLocal:
	case triggerStream:
		if c.RunStore == backendMemory {
			errs = append(errs, errors.New("stream trigger requires a shared run store"))
		}
	default:
		errs = append(errs, fmt.Errorf("trigger.mode must be %q or %q, got %q", triggerLocal, triggerStream, c.Trigger.Mode))
	}
	if c.Rate.PerSecond < 0 || c.Rate.Burst < 0 {
		errs = append(errs, errors.New("rate limits must not be negative"))
	}
	if c.Trigger.HealthInterval < 0 {
		errs = append(errs, errors.New("trigger.health_interval must not be negative"))
	}
	if c.Provider.Rate.RPM < 0 || c.Provider.Rate.MaxRPM < 0 {
		errs = append(errs, errors.New("provider.rate must not be negative"))
	}
	return errors.Join(errs...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
