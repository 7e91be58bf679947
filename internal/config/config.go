// Package config handles router configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/flynn-ai/flynn-core/internal/errors"
	"github.com/flynn-ai/flynn-core/internal/model"
)

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".flynn")

	return &Config{
		Instance: InstanceConfig{
			ID: "flynn-local",
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8088",
			ShutdownTimeout: Dur(10 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Paths: PathsConfig{
			DataDir:  dataDir,
			Database: filepath.Join(dataDir, "router.db"),
		},
		Routing: RoutingConfig{
			Enabled:              true,
			DefaultIntelligence:  50,
			EconomicalMax:        33,
			BalancedMax:          66,
			DecisionCacheEnabled: true,
			DecisionCacheTTL:     300,
		},
		Health: HealthConfig{
			Interval:         Dur(30 * time.Second),
			ProbeTimeout:     Dur(5 * time.Second),
			SlowThreshold:    Dur(3 * time.Second),
			CallTimeout:      Dur(60 * time.Second),
			CoolDown:         Dur(30 * time.Second),
			FailureThreshold: 3,
		},
		Retrieval: RetrievalConfig{
			TopK:            5,
			Threshold:       0.35,
			NeedsToolsFloor: 0.2,
			EmbedTimeout:    Dur(3 * time.Second),
			QueryCacheTTL:   Dur(10 * time.Minute),
			CoolDown:        Dur(30 * time.Second),
			RefreshInterval: Dur(5 * time.Minute),
		},
		Embedding: EmbeddingConfig{
			BaseURL:           "https://api.openai.com/v1",
			Model:             "text-embedding-3-small",
			APIKeyEnv:         "OPENAI_API_KEY",
			RequestsPerSecond: 10,
			Burst:             5,
			MaxElapsed:        Dur(5 * time.Second),
		},
		Telemetry: TelemetryConfig{
			Retention:  Dur(7 * 24 * time.Hour),
			Archive:    true,
			SinkBuffer: 256,
		},
		Tenant: TenantConfig{
			ID:   "default",
			Name: "Default Tenant",
			Members: []TeamMember{
				{ID: "user-local", Name: "Local User", Role: RoleAdmin},
			},
		},
		BuiltinTools: true,
	}
}

// Load loads the configuration from the given path.
// If the file doesn't exist, returns defaults.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, errors.CodeConfigInvalid, "parse "+configPath, errors.CategoryUser)
	}

	if cfg.Catalog != "" && !filepath.IsAbs(cfg.Catalog) {
		cfg.Catalog = filepath.Join(filepath.Dir(configPath), cfg.Catalog)
	}

	return expandPaths(cfg), nil
}

// Save saves the configuration to the given path.
func (c *Config) Save(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	file, err := os.Create(configPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := toml.NewEncoder(file)
	return encoder.Encode(c)
}

// expandPaths expands a leading ~ in paths.
func expandPaths(cfg *Config) *Config {
	homeDir, _ := os.UserHomeDir()

	expand := func(p string) string {
		if strings.HasPrefix(p, "~") {
			return filepath.Join(homeDir, p[1:])
		}
		return p
	}
	cfg.Paths.DataDir = expand(cfg.Paths.DataDir)
	cfg.Paths.Database = expand(cfg.Paths.Database)
	cfg.Catalog = expand(cfg.Catalog)

	return cfg
}

// ============================================================
// Validation
// ============================================================

// Validate rejects out-of-range settings. Nothing is clamped.
func (c *Config) Validate() error {
	r := c.Routing
	if r.DefaultIntelligence < 0 || r.DefaultIntelligence > 100 {
		return errors.ConfigurationError("routing.default_intelligence %d not in [0,100]", r.DefaultIntelligence)
	}
	if r.EconomicalMax < 0 || r.EconomicalMax >= r.BalancedMax || r.BalancedMax >= 100 {
		return errors.ConfigurationError("routing boundaries %d/%d must satisfy 0 <= economical < balanced < 100", r.EconomicalMax, r.BalancedMax)
	}
	if r.DecisionCacheTTL <= 0 {
		return errors.ConfigurationError("routing.decision_cache_ttl must be positive")
	}

	rt := c.Retrieval
	if rt.TopK <= 0 {
		return errors.ConfigurationError("retrieval.top_k must be positive")
	}
	if rt.RefreshInterval.Duration < 0 {
		return errors.ConfigurationError("retrieval.refresh_interval must not be negative")
	}
	if rt.Threshold < -1 || rt.Threshold > 1 {
		return errors.ConfigurationError("retrieval.threshold %.2f not in [-1,1]", rt.Threshold)
	}
	if rt.NeedsToolsFloor > rt.Threshold {
		return errors.ConfigurationError("retrieval.needs_tools_floor %.2f above threshold %.2f", rt.NeedsToolsFloor, rt.Threshold)
	}

	if c.Health.Interval.Duration <= 0 || c.Health.ProbeTimeout.Duration <= 0 {
		return errors.ConfigurationError("health interval and probe_timeout must be positive")
	}

	for _, m := range c.Tenant.Members {
		if m.Role != RoleAdmin && m.Role != RoleMember {
			return errors.ConfigurationError("tenant member %s has unknown role %q", m.ID, m.Role)
		}
	}

	seen := make(map[string]bool)
	for _, p := range c.Providers {
		if err := p.validate(); err != nil {
			return err
		}
		if seen[p.ID] {
			return errors.ConfigurationError("provider %s declared twice", p.ID)
		}
		seen[p.ID] = true
	}

	return nil
}

func (p ProviderConfig) validate() error {
	if p.ID == "" {
		return errors.ConfigurationError("provider without id")
	}
	if len(p.Models) == 0 {
		return errors.ConfigurationError("provider %s has no models", p.ID)
	}
	_, err := p.Catalog()
	return err
}

// ============================================================
// Helpers
// ============================================================

// Catalog converts the declared models, in declaration order.
func (p ProviderConfig) Catalog() ([]model.Model, error) {
	models := make([]model.Model, 0, len(p.Models))
	for _, m := range p.Models {
		if m.ID == "" {
			return nil, errors.ConfigurationError("provider %s has a model without id", p.ID)
		}
		tier, err := model.ParseTier(m.Tier)
		if err != nil {
			return nil, errors.ConfigurationError("provider %s model %s: %v", p.ID, m.ID, err)
		}
		models = append(models, model.Model{
			ID:         m.ID,
			ProviderID: p.ID,
			Tier:       tier,
			Cost:       model.Cost{InputPer1K: m.InputPer1K, OutputPer1K: m.OutputPer1K},
			Capabilities: model.Capabilities{
				FunctionCalling:         m.FunctionCalling,
				FunctionCallingAccuracy: m.FunctionCallingAccuracy,
				VisionSupport:           m.Vision,
				ContextWindow:           m.ContextWindow,
			},
		})
	}
	return models, nil
}

// AllProviders returns inline providers followed by those in the catalog file.
func (c *Config) AllProviders() ([]ProviderConfig, error) {
	providers := append([]ProviderConfig(nil), c.Providers...)
	if c.Catalog == "" {
		return providers, nil
	}
	fromFile, err := LoadCatalog(c.Catalog)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(providers))
	for _, p := range providers {
		seen[p.ID] = true
	}
	for _, p := range fromFile {
		if err := p.validate(); err != nil {
			return nil, err
		}
		if seen[p.ID] {
			return nil, errors.ConfigurationError("provider %s declared in both config and catalog", p.ID)
		}
		seen[p.ID] = true
		providers = append(providers, p)
	}
	return providers, nil
}

// Roles returns member id to role.
func (c *Config) Roles() map[string]string {
	roles := make(map[string]string, len(c.Tenant.Members))
	for _, m := range c.Tenant.Members {
		roles[m.ID] = m.Role
	}
	return roles
}

// APIKey resolves the provider credential from the environment.
func (p ProviderConfig) APIKey() string {
	if p.CredentialsRef == "" {
		return ""
	}
	return os.Getenv(p.CredentialsRef)
}

// String implements fmt.Stringer without leaking credentials.
func (p ProviderConfig) String() string {
	return fmt.Sprintf("%s(%s, %d models)", p.ID, p.Type, len(p.Models))
}
