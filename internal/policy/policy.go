package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dativo-io/warden/internal/hooks"
	"github.com/dativo-io/warden/internal/llm"
)

// Policy is a complete warden.yaml runtime policy.
type Policy struct {
	Version     string               `yaml:"version" json:"version"`
	Budgets     BudgetsConfig        `yaml:"budgets" json:"budgets"`
	RateLimits  RateLimitsConfig     `yaml:"rate_limits" json:"rate_limits"`
	Security    SecurityConfig       `yaml:"security" json:"security"`
	ToolAccess  ToolAccessConfig     `yaml:"tool_access" json:"tool_access"`
	Checkpoints CheckpointsConfig    `yaml:"checkpoints" json:"checkpoints"`
	Cache       CacheConfig          `yaml:"cache" json:"cache"`
	Watchdog    WatchdogConfig       `yaml:"watchdog" json:"watchdog"`
	Prices      map[string]llm.Price `yaml:"prices,omitempty" json:"prices,omitempty"`
	Tiers       map[string]string    `yaml:"tiers,omitempty" json:"tiers,omitempty"`
	Hooks       []HookOverride       `yaml:"hooks,omitempty" json:"hooks,omitempty"`

	// Computed fields (not serialized from YAML)
	Hash       string `yaml:"-" json:"-"`
	VersionTag string `yaml:"-" json:"-"`
}

// BudgetsConfig holds the token and dollar ceilings. Zero disables a ceiling.
type BudgetsConfig struct {
	AgentTokens       int64   `yaml:"agent_tokens" json:"agent_tokens"`
	GlobalTokens      int64   `yaml:"global_tokens,omitempty" json:"global_tokens,omitempty"`
	Hourly            float64 `yaml:"hourly" json:"hourly"`
	Daily             float64 `yaml:"daily" json:"daily"`
	Monthly           float64 `yaml:"monthly" json:"monthly"`
	HighCostThreshold float64 `yaml:"high_cost_threshold" json:"high_cost_threshold"`
}

// RateLimitsConfig configures the per-tool sliding window and the optional
// global token bucket.
type RateLimitsConfig struct {
	Window          time.Duration  `yaml:"window" json:"window"`
	Default         int            `yaml:"default" json:"default"`
	PerTool         map[string]int `yaml:"per_tool,omitempty" json:"per_tool,omitempty"`
	GlobalPerSecond float64        `yaml:"global_per_second,omitempty" json:"global_per_second,omitempty"`
	GlobalBurst     int            `yaml:"global_burst,omitempty" json:"global_burst,omitempty"`
}

// SecurityConfig holds the denylists and payload limits.
type SecurityConfig struct {
	SensitivePaths    []string      `yaml:"sensitive_paths,omitempty" json:"sensitive_paths,omitempty"`
	DangerousCommands []string      `yaml:"dangerous_commands,omitempty" json:"dangerous_commands,omitempty"`
	CredentialKeys    []string      `yaml:"credential_keys,omitempty" json:"credential_keys,omitempty"`
	MaxWriteBytes     int           `yaml:"max_write_bytes" json:"max_write_bytes"`
	CommandTimeout    time.Duration `yaml:"command_timeout" json:"command_timeout"`
	AllowPrivateURLs  bool          `yaml:"allow_private_urls,omitempty" json:"allow_private_urls,omitempty"`
}

// ToolAccessConfig is loaded into OPA as data.policy.tool_access.
// The "*" agent key applies to every agent.
type ToolAccessConfig struct {
	AllowedTools      map[string][]string `yaml:"allowed_tools,omitempty" json:"allowed_tools,omitempty"`
	ForbiddenTools    map[string][]string `yaml:"forbidden_tools,omitempty" json:"forbidden_tools,omitempty"`
	ForbiddenPatterns []string            `yaml:"forbidden_patterns,omitempty" json:"forbidden_patterns,omitempty"`
}

// CheckpointsConfig tunes the checkpoint manager.
type CheckpointsConfig struct {
	MaxCheckpoints    int           `yaml:"max_checkpoints" json:"max_checkpoints"`
	Interval          time.Duration `yaml:"interval" json:"interval"`
	CompressThreshold int           `yaml:"compress_threshold" json:"compress_threshold"`
	CriticalPhases    []string      `yaml:"critical_phases,omitempty" json:"critical_phases,omitempty"`
	CriticalTools     []string      `yaml:"critical_tools,omitempty" json:"critical_tools,omitempty"`
}

// CacheConfig tunes result caching. Empty Tools caches every idempotent tool kind.
type CacheConfig struct {
	Disabled bool          `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	TTL      time.Duration `yaml:"ttl" json:"ttl"`
	Tools    []string      `yaml:"tools,omitempty" json:"tools,omitempty"`
}

// WatchdogConfig holds memory thresholds in megabytes of resident memory.
type WatchdogConfig struct {
	Interval   time.Duration `yaml:"interval" json:"interval"`
	WarningMB  float64       `yaml:"warning_mb" json:"warning_mb"`
	CriticalMB float64       `yaml:"critical_mb" json:"critical_mb"`
	MaxMB      float64       `yaml:"max_mb" json:"max_mb"`
}

// HookOverride toggles or filters a built-in hook by name.
type HookOverride struct {
	Name    string        `yaml:"name" json:"name"`
	Event   string        `yaml:"event" json:"event"`
	Enabled *bool         `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Filter  *hooks.Filter `yaml:"filter,omitempty" json:"filter,omitempty"`
}

// ComputeHash generates a SHA-256 hash of policy content and sets
// the VersionTag to "{version}:sha256:{first8chars}".
func (p *Policy) ComputeHash(content []byte) {
	hash := sha256.Sum256(content)
	p.Hash = hex.EncodeToString(hash[:])
	p.VersionTag = fmt.Sprintf("%s:sha256:%s", p.Version, p.Hash[:8])
}
