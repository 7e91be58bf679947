// Package config provides configuration types for the Flynn router.
package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main router configuration.
type Config struct {
	Instance   InstanceConfig    `toml:"instance"`
	Server     ServerConfig      `toml:"server"`
	Log        LogConfig         `toml:"log"`
	Paths      PathsConfig       `toml:"paths"`
	Routing    RoutingConfig     `toml:"routing"`
	Health     HealthConfig      `toml:"health"`
	Retrieval  RetrievalConfig   `toml:"retrieval"`
	Embedding  EmbeddingConfig   `toml:"embedding"`
	Telemetry  TelemetryConfig   `toml:"telemetry"`
	Tenant     TenantConfig      `toml:"tenant"`
	Catalog    string            `toml:"catalog_file"` // optional YAML provider catalog
	Providers  []ProviderConfig  `toml:"providers"`
	MCPServers []MCPServerConfig `toml:"mcp_servers"`

	// BuiltinTools offers the chat backend's own tools alongside MCP tools
	BuiltinTools bool `toml:"builtin_tools"`
}

// InstanceConfig contains instance-level settings.
type InstanceConfig struct {
	ID string `toml:"id"`
}

// ServerConfig configures the metrics/rollup HTTP listener.
type ServerConfig struct {
	Addr            string   `toml:"addr"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// LogConfig configures logrus.
type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

// PathsConfig contains file path settings.
type PathsConfig struct {
	DataDir  string `toml:"data_dir"`
	Database string `toml:"database"`
}

// RoutingConfig holds the intelligence slider and tier settings.
type RoutingConfig struct {
	Enabled              bool       `toml:"enabled"`
	DefaultIntelligence  int        `toml:"default_intelligence"`
	EconomicalMax        int        `toml:"economical_max"` // slider values <= this are economical
	BalancedMax          int        `toml:"balanced_max"`   // slider values <= this are balanced
	DecisionCacheEnabled bool       `toml:"decision_cache_enabled"`
	DecisionCacheTTL     int        `toml:"decision_cache_ttl"` // seconds
	ToolStrippingEnabled bool       `toml:"tool_stripping_enabled"`
	Models               TierModels `toml:"models"`
}

// TierModels names an explicit model per tier. Empty means no override.
type TierModels struct {
	Cheap    string `toml:"cheap"`
	Balanced string `toml:"balanced"`
	Premium  string `toml:"premium"`
}

// HealthConfig configures provider health probing.
type HealthConfig struct {
	Interval         Duration `toml:"interval"`
	ProbeTimeout     Duration `toml:"probe_timeout"`
	SlowThreshold    Duration `toml:"slow_threshold"` // probe slower than this marks degraded
	CallTimeout      Duration `toml:"call_timeout"`
	CoolDown         Duration `toml:"cool_down"`
	FailureThreshold int      `toml:"failure_threshold"`
}

// RetrievalConfig configures semantic tool retrieval.
type RetrievalConfig struct {
	TopK            int      `toml:"top_k"`
	Threshold       float64  `toml:"threshold"`
	NeedsToolsFloor float64  `toml:"needs_tools_floor"`
	EmbedTimeout    Duration `toml:"embed_timeout"`
	QueryCacheTTL   Duration `toml:"query_cache_ttl"`
	CoolDown        Duration `toml:"cool_down"`
	RefreshInterval Duration `toml:"refresh_interval"` // tool re-discovery; 0 only on reload
}

// EmbeddingConfig configures the embedding service client.
type EmbeddingConfig struct {
	BaseURL           string   `toml:"base_url"`
	Model             string   `toml:"model"`
	APIKeyEnv         string   `toml:"api_key_env"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
	MaxElapsed        Duration `toml:"max_elapsed"`
}

// TelemetryConfig configures the in-memory window and the SQLite archive.
type TelemetryConfig struct {
	Retention  Duration `toml:"retention"`
	Archive    bool     `toml:"archive"`
	SinkBuffer int      `toml:"sink_buffer"`
}

// TenantConfig contains team/tenant settings.
type TenantConfig struct {
	ID      string       `toml:"id"`
	Name    string       `toml:"name"`
	Members []TeamMember `toml:"members"`
}

// TeamMember represents a team member.
type TeamMember struct {
	ID   string `toml:"id"`
	Name string `toml:"name"`
	Role string `toml:"role"` // admin, member
}

// ProviderConfig declares a provider and its model catalog.
type ProviderConfig struct {
	ID             string        `toml:"id" yaml:"id"`
	Type           string        `toml:"type" yaml:"type"` // openai-compatible endpoints only
	BaseURL        string        `toml:"base_url" yaml:"base_url"`
	CredentialsRef string        `toml:"credentials_ref" yaml:"credentials_ref"` // env var holding the API key
	Timeout        Duration      `toml:"timeout" yaml:"timeout"`
	Models         []ModelConfig `toml:"models" yaml:"models"`
}

// ModelConfig is one catalog entry.
type ModelConfig struct {
	ID                      string  `toml:"id" yaml:"id"`
	Tier                    string  `toml:"tier" yaml:"tier"`
	InputPer1K              float64 `toml:"input_per_1k" yaml:"input_per_1k"`
	OutputPer1K             float64 `toml:"output_per_1k" yaml:"output_per_1k"`
	FunctionCalling         bool    `toml:"function_calling" yaml:"function_calling"`
	FunctionCallingAccuracy float64 `toml:"function_calling_accuracy" yaml:"function_calling_accuracy"`
	Vision                  bool    `toml:"vision" yaml:"vision"`
	ContextWindow           int     `toml:"context_window" yaml:"context_window"`
}

// MCPServerConfig declares an MCP server to discover tools from.
type MCPServerConfig struct {
	Name      string   `toml:"name"`
	Command   string   `toml:"command"`
	Args      []string `toml:"args"`
	AdminOnly []string `toml:"admin_only"` // tool names restricted to admins
}

// Role values for team members.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Duration is a time.Duration written as "30s" in TOML and YAML.
type Duration struct {
	time.Duration
}

// Dur wraps d.
func Dur(d time.Duration) Duration {
	return Duration{Duration: d}
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML parses a duration scalar.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}
