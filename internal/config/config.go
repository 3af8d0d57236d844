// Package config handles loading and validating shellfence configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/shellfence/internal/history"
	"github.com/jkaninda/shellfence/internal/observability"
	"github.com/jkaninda/shellfence/internal/ratelimit"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for shellfence.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Runtime directory root. Default: ~/.shellfence/workspace. Override: SHELLFENCE_WORKSPACE env var.
	Policy        PolicyConfig         `json:"policy" yaml:"policy"`
	Execution     ExecutionConfig      `json:"execution" yaml:"execution"`
	Audit         *AuditConfig         `json:"audit,omitempty" yaml:"audit,omitempty"`                 // nil = audit trail disabled
	History       *history.Config      `json:"history,omitempty" yaml:"history,omitempty"`             // nil = execution history disabled
	RateLimit     *ratelimit.Config    `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`       // nil = unlimited
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	HTTP          *HTTPConfig          `json:"http,omitempty" yaml:"http,omitempty"`                   // nil = no HTTP endpoints
}

// PolicyConfig lists what may execute. The allow-list is the union of the
// config file entries and the ALLOW_COMMANDS / ALLOWED_COMMANDS environment
// variables (comma-separated, both spellings accepted).
type PolicyConfig struct {
	AllowCommands []string `json:"allow_commands" yaml:"allow_commands"`
	AllowPatterns []string `json:"allow_patterns" yaml:"allow_patterns"` // Anchored regex patterns.
}

// ExecutionConfig tunes the process supervisor.
type ExecutionConfig struct {
	Shell                 string `json:"shell,omitempty" yaml:"shell,omitempty"`     // Override the login shell.
	NonInteractive        bool   `json:"non_interactive" yaml:"non_interactive"`     // Drop the -i flag.
	DefaultTimeoutSeconds int    `json:"default_timeout_s" yaml:"default_timeout_s"` // 0 = no default timeout.
	MaxOutputBytes        int    `json:"max_output_bytes" yaml:"max_output_bytes"`   // 0 = supervisor default (4 MB).
}

// DefaultTimeout returns the default execution timeout.
func (e ExecutionConfig) DefaultTimeout() time.Duration {
	if e.DefaultTimeoutSeconds > 0 {
		return time.Duration(e.DefaultTimeoutSeconds) * time.Second
	}
	return 0
}

// AuditConfig configures the append-only audit trail.
type AuditConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <workspace>/logs/audit.jsonl.
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig               `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *observability.TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsEnabled reports whether Prometheus metrics are on.
func (o *ObservabilityConfig) MetricsEnabled() bool {
	return o != nil && o.Metrics != nil && o.Metrics.Enabled
}

// MetricsPath returns the metrics endpoint path, defaulting to /metrics.
func (o *ObservabilityConfig) MetricsPath() string {
	if o != nil && o.Metrics != nil && o.Metrics.Path != "" {
		return o.Metrics.Path
	}
	return "/metrics"
}

// HTTPConfig configures the health and metrics HTTP server.
type HTTPConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"` // Default: ":8090". Override: SHELLFENCE_HTTP_ADDR.
	// APIKeys maps API key to caller ID for the read-only /v1 endpoints.
	// SHELLFENCE_API_KEY adds one key with caller ID "default".
	APIKeys map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`
}

// ListenAddr returns the HTTP listen address with its default.
func (h *HTTPConfig) ListenAddr() string {
	if h != nil && h.Addr != "" {
		return h.Addr
	}
	return ":8090"
}

// DefaultConfigPath returns the default config file path
// (~/.shellfence/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/shellfence.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".shellfence", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a Config with
// environment overrides applied. The format is detected by file extension:
// .yml/.yaml for YAML, everything else for JSON. A missing file is not an
// error when the path is the default one — the engine can run on
// environment variables alone.
func Load(path string) (*Config, error) {
	var cfg Config

	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
			}
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
			}
		}
	case os.IsNotExist(err) && resolved == mustResolve(DefaultConfigPath()):
		// Default path absent: env-only configuration.
	default:
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	cfg.applyEnv()
	return &cfg, nil
}

// applyEnv merges environment overrides. Environment variables take
// precedence over config file values; the allow-lists are unioned.
func (c *Config) applyEnv() {
	if ws := os.Getenv("SHELLFENCE_WORKSPACE"); ws != "" {
		c.Workspace = ws
	}

	// Both spellings are accepted and merged, matching common deployments
	// that set one or the other.
	c.Policy.AllowCommands = append(c.Policy.AllowCommands, splitCSV(os.Getenv("ALLOW_COMMANDS"))...)
	c.Policy.AllowCommands = append(c.Policy.AllowCommands, splitCSV(os.Getenv("ALLOWED_COMMANDS"))...)
	c.Policy.AllowPatterns = append(c.Policy.AllowPatterns, splitCSV(os.Getenv("ALLOW_PATTERNS"))...)

	if addr := os.Getenv("SHELLFENCE_HTTP_ADDR"); addr != "" {
		if c.HTTP == nil {
			c.HTTP = &HTTPConfig{Enabled: true}
		}
		c.HTTP.Addr = addr
	}
	if key := os.Getenv("SHELLFENCE_API_KEY"); key != "" {
		if c.HTTP == nil {
			c.HTTP = &HTTPConfig{Enabled: true}
		}
		if c.HTTP.APIKeys == nil {
			c.HTTP.APIKeys = make(map[string]string)
		}
		c.HTTP.APIKeys[key] = "default"
	}
}

// AllowedCommands returns the deduplicated allow-list.
func (c *Config) AllowedCommands() []string {
	return dedupe(c.Policy.AllowCommands)
}

// AllowedPatterns returns the deduplicated pattern list.
func (c *Config) AllowedPatterns() []string {
	return dedupe(c.Policy.AllowPatterns)
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// resolvePath expands a leading ~ to the user's home directory.
func resolvePath(path string) (string, error) {
	if path == "" {
		return mustResolve(DefaultConfigPath()), nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if path == "~" {
			return home, nil
		}
		return filepath.Join(home, path[2:]), nil
	}
	return filepath.Abs(path)
}

func mustResolve(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
