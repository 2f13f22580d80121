package config

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/chatrelay/internal/followup"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the chatrelay gateway.
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Gateway   GatewayConfig   `json:"gateway"`
	Queue     QueueConfig     `json:"queue"`
	Sessions  SessionsConfig  `json:"sessions"`
	Cron      CronConfig      `json:"cron,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
	mu        sync.RWMutex
}

// DefaultAgentID is the agent used when no binding matches.
const DefaultAgentID = "default"

// AgentsConfig contains agent defaults and per-agent overrides.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// AgentDefaults are default settings for all agents.
type AgentDefaults struct {
	Provider      string  `json:"provider"`
	Model         string  `json:"model"`
	MaxTokens     int     `json:"max_tokens"`
	Temperature   float64 `json:"temperature"`
	ContextWindow int     `json:"context_window"`
	SystemPrompt  string  `json:"system_prompt,omitempty"`
	HistoryLimit  int     `json:"history_limit,omitempty"` // max turns kept in context (0 = unlimited)
}

// AgentSpec is the per-agent configuration override.
// All fields optional; zero values mean "inherit from defaults".
type AgentSpec struct {
	DisplayName  string  `json:"displayName,omitempty"`
	Provider     string  `json:"provider,omitempty"`
	Model        string  `json:"model,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Default      bool    `json:"default,omitempty"`
}

// QueueConfig controls the followup reply queue that absorbs messages
// arriving while an agent run is in flight.
type QueueConfig struct {
	Mode       string `json:"mode,omitempty"`        // "collect" (default) or "followup"
	DebounceMs *int   `json:"debounce_ms,omitempty"` // drain debounce (default 1000, 0 = next tick)
	Cap        int    `json:"cap,omitempty"`         // max queued runs per session (default 20)
	DropPolicy string `json:"drop_policy,omitempty"` // "summarize" is the only policy
	DedupeMode string `json:"dedupe_mode,omitempty"` // "messageId" (default) or "prompt"

	// ByChannel overrides queue behavior per originating channel,
	// e.g. whatsapp voice-note bursts want "followup" with a short debounce.
	ByChannel map[string]QueueOverride `json:"by_channel,omitempty"`
}

// QueueOverride is a per-channel override of QueueConfig.
// Nil/zero fields inherit the top-level values.
type QueueOverride struct {
	Mode       string `json:"mode,omitempty"`
	DebounceMs *int   `json:"debounce_ms,omitempty"`
	Cap        int    `json:"cap,omitempty"`
	DedupeMode string `json:"dedupe_mode,omitempty"`
}

// ResolveQueueSettings returns the effective queue settings for a channel,
// merging top-level config with the per-channel override.
func (c *Config) ResolveQueueSettings(channel string) followup.Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := followup.DefaultSettings()
	q := c.Queue
	if q.Mode != "" {
		s.Mode = followup.Mode(q.Mode)
	}
	if q.DebounceMs != nil {
		s.DebounceMs = *q.DebounceMs
	}
	if q.Cap > 0 {
		s.Cap = q.Cap
	}
	if q.DropPolicy != "" {
		s.DropPolicy = q.DropPolicy
	}
	if q.DedupeMode != "" {
		s.DedupeMode = followup.DedupeMode(q.DedupeMode)
	}

	if ov, ok := q.ByChannel[channel]; ok {
		if ov.Mode != "" {
			s.Mode = followup.Mode(ov.Mode)
		}
		if ov.DebounceMs != nil {
			s.DebounceMs = *ov.DebounceMs
		}
		if ov.Cap > 0 {
			s.Cap = ov.Cap
		}
		if ov.DedupeMode != "" {
			s.DedupeMode = followup.DedupeMode(ov.DedupeMode)
		}
	}
	return s
}

// TailscaleConfig configures the optional Tailscale tsnet listener.
// Requires building with -tags tsnet. Auth key from env only (never persisted).
type TailscaleConfig struct {
	Hostname  string `json:"hostname"`             // Tailscale machine name (e.g. "chatrelay-gateway")
	StateDir  string `json:"state_dir,omitempty"`  // persistent state directory
	AuthKey   string `json:"-"`                    // from env CHATRELAY_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`  // remove node on exit (default false)
	EnableTLS bool   `json:"enable_tls,omitempty"` // use ListenTLS for auto HTTPS certs
}

// TelemetryConfig configures OpenTelemetry trace export.
// When enabled, drain and delivery spans go to an OTLP backend.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS (local dev)
	ServiceName string            `json:"service_name,omitempty"` // default "chatrelay-gateway"
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (auth tokens)
}

// CronConfig holds scheduled agent runs evaluated by the cron service.
type CronConfig struct {
	Jobs []CronJobConfig `json:"jobs,omitempty"`
}

// CronJobConfig is one scheduled prompt. Results are delivered through
// the same followup queue as chat traffic, so a busy agent batches them.
type CronJobConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"` // cron expression, gronx syntax
	Prompt   string `json:"prompt"`
	AgentID  string `json:"agent_id,omitempty"`
	Channel  string `json:"channel,omitempty"` // deliver result here when set
	To       string `json:"to,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Channels = src.Channels
	c.Providers = src.Providers
	c.Gateway = src.Gateway
	c.Queue = src.Queue
	c.Sessions = src.Sessions
	c.Cron = src.Cron
	c.Telemetry = src.Telemetry
	c.Tailscale = src.Tailscale
}

// GatewaySnapshot returns the gateway section under the read lock. Hot
// paths that run concurrently with the config watcher (WS auth, origin
// checks, message truncation) must read through a snapshot instead of
// touching c.Gateway directly.
func (c *Config) GatewaySnapshot() GatewayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Gateway
}

// SessionsSnapshot returns the sessions section under the read lock.
func (c *Config) SessionsSnapshot() SessionsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Sessions
}

// ResolveAgent returns the effective config for a given agent ID,
// merging defaults with per-agent overrides.
func (c *Config) ResolveAgent(agentID string) AgentDefaults {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d := c.Agents.Defaults
	if spec, ok := c.Agents.List[agentID]; ok {
		if spec.Provider != "" {
			d.Provider = spec.Provider
		}
		if spec.Model != "" {
			d.Model = spec.Model
		}
		if spec.MaxTokens > 0 {
			d.MaxTokens = spec.MaxTokens
		}
		if spec.Temperature > 0 {
			d.Temperature = spec.Temperature
		}
		if spec.SystemPrompt != "" {
			d.SystemPrompt = spec.SystemPrompt
		}
	}
	return d
}

// ResolveDefaultAgentID returns the ID of the agent marked as default,
// or "default" if none is explicitly marked.
func (c *Config) ResolveDefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for id, spec := range c.Agents.List {
		if spec.Default {
			return id
		}
	}
	return DefaultAgentID
}
