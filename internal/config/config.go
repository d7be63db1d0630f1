// Package config loads the server's tuning file.
package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/gunshot.report/internal/gunshot"
	"github.com/banshee-data/gunshot.report/internal/ingest"
	"github.com/banshee-data/gunshot.report/internal/tdoa"
)

// DefaultConfigPath is the canonical defaults file.
const DefaultConfigPath = "config/gunshot.defaults.json"

// JWTSecretEnv names the environment variable holding the base64 token
// signing key.
const JWTSecretEnv = "JWT_SECRET_KEY"

// Config is the root configuration. Every field is optional; the Get*
// methods return the default for an unset field.
type Config struct {
	// Correlation
	MaxDistanceM  *float64 `json:"max_distance_m,omitempty"`
	MinClients    *int     `json:"min_clients,omitempty"`
	EventTTL      *string  `json:"event_ttl,omitempty"`      // duration string like "60s"
	PruneInterval *string  `json:"prune_interval,omitempty"` // duration string like "10s"

	// Solver
	SolverMaxObjective  *float64 `json:"solver_max_objective,omitempty"`
	SolverMaxIterations *int     `json:"solver_max_iterations,omitempty"`

	// Batcher
	CoalescingWindow      *string `json:"coalescing_window,omitempty"`
	BulkProcessingTimeout *string `json:"bulk_processing_timeout,omitempty"`

	// Notifications
	MQTTBroker *string `json:"mqtt_broker,omitempty"`
	MQTTTopic  *string `json:"mqtt_topic,omitempty"`

	// Registration
	TokenTTL *string `json:"token_ttl,omitempty"`
}

// Load reads a JSON config file. Omitted fields keep their defaults.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 << 20
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefault loads DefaultConfigPath from the working directory or a
// parent, for tests.
func MustLoadDefault() *Config {
	for _, prefix := range []string{"", "../", "../../", "../../../"} {
		if cfg, err := Load(prefix + DefaultConfigPath); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	if c.MaxDistanceM != nil && *c.MaxDistanceM <= 0 {
		return fmt.Errorf("max_distance_m must be positive, got %f", *c.MaxDistanceM)
	}
	if c.MinClients != nil && *c.MinClients < tdoa.MinReceivers {
		return fmt.Errorf("min_clients must be at least %d, got %d", tdoa.MinReceivers, *c.MinClients)
	}
	if c.SolverMaxObjective != nil && *c.SolverMaxObjective <= 0 {
		return fmt.Errorf("solver_max_objective must be positive, got %f", *c.SolverMaxObjective)
	}
	if c.SolverMaxIterations != nil && *c.SolverMaxIterations <= 0 {
		return fmt.Errorf("solver_max_iterations must be positive, got %d", *c.SolverMaxIterations)
	}
	durations := map[string]*string{
		"event_ttl":               c.EventTTL,
		"prune_interval":          c.PruneInterval,
		"coalescing_window":       c.CoalescingWindow,
		"bulk_processing_timeout": c.BulkProcessingTimeout,
		"token_ttl":               c.TokenTTL,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return nil
}

func duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetMaxDistance returns the audible range in metres.
func (c *Config) GetMaxDistance() float64 {
	if c.MaxDistanceM == nil {
		return 1000
	}
	return *c.MaxDistanceM
}

func (c *Config) GetMinClients() int {
	if c.MinClients == nil {
		return 3
	}
	return *c.MinClients
}

func (c *Config) GetEventTTL() time.Duration { return duration(c.EventTTL, time.Minute) }

func (c *Config) GetPruneInterval() time.Duration {
	return duration(c.PruneInterval, 10*time.Second)
}

func (c *Config) GetSolverMaxObjective() float64 {
	if c.SolverMaxObjective == nil {
		return 10000
	}
	return *c.SolverMaxObjective
}

func (c *Config) GetSolverMaxIterations() int {
	if c.SolverMaxIterations == nil {
		return 2000
	}
	return *c.SolverMaxIterations
}

func (c *Config) GetCoalescingWindow() time.Duration {
	return duration(c.CoalescingWindow, 500*time.Millisecond)
}

func (c *Config) GetBulkProcessingTimeout() time.Duration {
	return duration(c.BulkProcessingTimeout, 100*time.Millisecond)
}

// GetMQTTBroker returns the broker URL; empty disables MQTT.
func (c *Config) GetMQTTBroker() string {
	if c.MQTTBroker == nil {
		return ""
	}
	return *c.MQTTBroker
}

func (c *Config) GetMQTTTopic() string {
	if c.MQTTTopic == nil || *c.MQTTTopic == "" {
		return "gunshot/events"
	}
	return *c.MQTTTopic
}

func (c *Config) GetTokenTTL() time.Duration { return duration(c.TokenTTL, 30*24*time.Hour) }

// Engine returns the correlation thresholds.
func (c *Config) Engine() gunshot.Config {
	return gunshot.Config{
		MinClients:  c.GetMinClients(),
		MaxDistance: c.GetMaxDistance(),
		EventTTL:    c.GetEventTTL(),
	}
}

// Solver returns the solver settings. The solver's distance bound is the
// same audible range the engine clusters with.
func (c *Config) Solver() tdoa.Config {
	cfg := tdoa.DefaultConfig()
	cfg.MaxDistance = c.GetMaxDistance()
	cfg.MaxObjective = c.GetSolverMaxObjective()
	cfg.MaxIterations = c.GetSolverMaxIterations()
	return cfg
}

// Batcher returns the coalescing timings.
func (c *Config) Batcher() ingest.Config {
	return ingest.Config{
		CoalescingWindow: c.GetCoalescingWindow(),
		FlushDelay:       c.GetBulkProcessingTimeout(),
	}
}

// LoadJWTSecret decodes the signing key from JWTSecretEnv.
func LoadJWTSecret() ([]byte, error) {
	raw := os.Getenv(JWTSecretEnv)
	if raw == "" {
		return nil, errors.New(JWTSecretEnv + " is not set")
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", JWTSecretEnv, err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("%s must decode to at least 32 bytes, got %d", JWTSecretEnv, len(key))
	}
	return key, nil
}
