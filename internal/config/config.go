package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentsh/execgate/internal/policy"
	"github.com/agentsh/execgate/internal/safebin"
	"github.com/agentsh/execgate/pkg/types"
)

type Config struct {
	Exec      ExecConfig      `yaml:"exec"`
	Allowlist AllowlistConfig `yaml:"allowlist"`
	Skills    SkillsConfig    `yaml:"skills"`
	Approvals ApprovalsConfig `yaml:"approvals"`
	Audit     AuditConfig     `yaml:"audit"`
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ExecConfig is the evaluation policy.
type ExecConfig struct {
	Security           string                  `yaml:"security"`
	Ask                string                  `yaml:"ask"`
	AskFallback        string                  `yaml:"ask_fallback"`
	SafeBins           []string                `yaml:"safe_bins"`
	TrustedSafeBinDirs []string                `yaml:"trusted_safe_bin_dirs"`
	SafeBinProfiles    map[string]safebin.Spec `yaml:"safe_bin_profiles"`
	AutoAllowSkills    bool                    `yaml:"auto_allow_skills"`
	// Platform overrides runtime.GOOS for analysis; "windows" selects cmd.exe rules.
	Platform string `yaml:"platform"`
}

type AllowlistConfig struct {
	Path  string `yaml:"path"`
	Watch *bool  `yaml:"watch"`
	// Agent is used when a request names none.
	Agent string `yaml:"agent"`
}

type SkillsConfig struct {
	Dir  string         `yaml:"dir"`
	Bins []SkillBinSpec `yaml:"bins"`
}

type SkillBinSpec struct {
	Name  string `yaml:"name"`
	Path  string `yaml:"path"`
	Skill string `yaml:"skill"`
}

type ApprovalsConfig struct {
	Mode    string `yaml:"mode"`
	Timeout string `yaml:"timeout"`
	// TTL is how long a registered request can still be resolved.
	TTL string `yaml:"ttl"`
}

type AuditConfig struct {
	Enabled    *bool                `yaml:"enabled"`
	SQLitePath string               `yaml:"sqlite_path"`
	Integrity  AuditIntegrityConfig `yaml:"integrity"`

	// Optional sinks that receive every event the sqlite store does.
	JSONL   AuditJSONLConfig   `yaml:"jsonl"`
	Webhook AuditWebhookConfig `yaml:"webhook"`
	OTel    AuditOTelConfig    `yaml:"otel"`
}

type AuditJSONLConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

type AuditWebhookConfig struct {
	URL           string            `yaml:"url"`
	Headers       map[string]string `yaml:"headers"`
	Events        []string          `yaml:"events"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval string            `yaml:"flush_interval"`
	Timeout       string            `yaml:"timeout"`
	RetryCount    int               `yaml:"retry_count"`
}

type AuditOTelConfig struct {
	Endpoint     string            `yaml:"endpoint"`
	Protocol     string            `yaml:"protocol"`
	Insecure     bool              `yaml:"insecure"`
	Headers      map[string]string `yaml:"headers"`
	ServiceName  string            `yaml:"service_name"`
	IncludeTypes []string          `yaml:"include_types"`
	ExcludeTypes []string          `yaml:"exclude_types"`
}

type AuditIntegrityConfig struct {
	Enabled   bool   `yaml:"enabled"`
	KeyFile   string `yaml:"key_file"`
	KeyEnv    string `yaml:"key_env"`
	Algorithm string `yaml:"algorithm"`
}

type ServerConfig struct {
	Addr           string `yaml:"addr"`
	ReadTimeout    string `yaml:"read_timeout"`
	WriteTimeout   string `yaml:"write_timeout"`
	MaxRequestSize string `yaml:"max_request_size"`
}

// AuthConfig guards the HTTP API. With type api_key each key carries a role
// (agent, approver, admin); only approvers and admins may resolve approvals.
type AuthConfig struct {
	Type       string `yaml:"type"`
	KeysFile   string `yaml:"keys_file"`
	HeaderName string `yaml:"header_name"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultPath returns $EXECGATE_CONFIG or ~/.execgate/config.yaml.
func DefaultPath() string {
	if v := os.Getenv("EXECGATE_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(dataDir(), "config.yaml")
}

func dataDir() string {
	if v := os.Getenv("EXECGATE_DATA_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".execgate"
	}
	return filepath.Join(home, ".execgate")
}

// Load reads path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromBytes loads configuration from bytes without applying environment
// overrides. This is intended for testing where env vars should not interfere.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Exec.Security == "" {
		cfg.Exec.Security = string(policy.SecurityAllowlist)
	}
	if cfg.Exec.Ask == "" {
		cfg.Exec.Ask = string(policy.AskOnMiss)
	}
	if cfg.Exec.AskFallback == "" {
		cfg.Exec.AskFallback = string(policy.SecurityDeny)
	}
	if cfg.Exec.SafeBins == nil {
		cfg.Exec.SafeBins = safebin.DefaultSafeBins()
	}
	if cfg.Exec.TrustedSafeBinDirs == nil {
		cfg.Exec.TrustedSafeBinDirs = []string{"/bin", "/usr/bin"}
	}

	dir := dataDir()
	if cfg.Allowlist.Path == "" {
		cfg.Allowlist.Path = filepath.Join(dir, "allowlist.yaml")
	}
	if cfg.Allowlist.Watch == nil {
		cfg.Allowlist.Watch = boolPtr(true)
	}
	if cfg.Allowlist.Agent == "" {
		cfg.Allowlist.Agent = "default"
	}

	if cfg.Approvals.Mode == "" {
		cfg.Approvals.Mode = string(types.ApprovalModeLocalTTY)
	}
	if cfg.Approvals.Timeout == "" {
		cfg.Approvals.Timeout = "2m"
	}
	if cfg.Approvals.TTL == "" {
		cfg.Approvals.TTL = "15m"
	}

	if cfg.Audit.Enabled == nil {
		cfg.Audit.Enabled = boolPtr(true)
	}
	if cfg.Audit.SQLitePath == "" {
		cfg.Audit.SQLitePath = filepath.Join(dir, "audit.db")
	}
	if cfg.Audit.Integrity.Algorithm == "" {
		cfg.Audit.Integrity.Algorithm = "hmac-sha256"
	}
	cfg.Audit.JSONL.Path = expandHome(cfg.Audit.JSONL.Path)
	if cfg.Audit.Webhook.FlushInterval == "" {
		cfg.Audit.Webhook.FlushInterval = "5s"
	}
	if cfg.Audit.Webhook.Timeout == "" {
		cfg.Audit.Webhook.Timeout = "10s"
	}
	if cfg.Audit.OTel.Protocol == "" {
		cfg.Audit.OTel.Protocol = "grpc"
	}
	if cfg.Audit.OTel.ServiceName == "" {
		cfg.Audit.OTel.ServiceName = "execgate"
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:8787"
	}
	if cfg.Server.ReadTimeout == "" {
		cfg.Server.ReadTimeout = "30s"
	}
	if cfg.Server.WriteTimeout == "" {
		cfg.Server.WriteTimeout = "5m"
	}
	if cfg.Server.MaxRequestSize == "" {
		cfg.Server.MaxRequestSize = "1MiB"
	}

	if cfg.Auth.Type == "" {
		cfg.Auth.Type = "none"
	}
	if cfg.Auth.HeaderName == "" {
		cfg.Auth.HeaderName = "X-API-Key"
	}
	cfg.Auth.KeysFile = expandHome(cfg.Auth.KeysFile)

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	cfg.Allowlist.Path = expandHome(cfg.Allowlist.Path)
	cfg.Audit.SQLitePath = expandHome(cfg.Audit.SQLitePath)
	cfg.Skills.Dir = expandHome(cfg.Skills.Dir)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EXECGATE_SECURITY"); v != "" {
		cfg.Exec.Security = v
	}
	if v := os.Getenv("EXECGATE_ASK"); v != "" {
		cfg.Exec.Ask = v
	}
	if v := os.Getenv("EXECGATE_APPROVAL_TIMEOUT"); v != "" {
		cfg.Approvals.Timeout = v
	}
	// EXECGATE_SERVER doubles as the client base URL, so a scheme is dropped.
	if v := os.Getenv("EXECGATE_SERVER"); v != "" {
		v = strings.TrimPrefix(strings.TrimPrefix(v, "http://"), "https://")
		cfg.Server.Addr = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("EXECGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func validateConfig(cfg *Config) error {
	if _, err := policy.ParseSecurity(cfg.Exec.Security); err != nil {
		return fmt.Errorf("exec.security: %w", err)
	}
	if _, err := policy.ParseAsk(cfg.Exec.Ask); err != nil {
		return fmt.Errorf("exec.ask: %w", err)
	}
	if _, err := policy.ParseSecurity(cfg.Exec.AskFallback); err != nil {
		return fmt.Errorf("exec.ask_fallback: %w", err)
	}
	if _, err := safebin.NewRegistry(cfg.Exec.SafeBinProfiles); err != nil {
		return fmt.Errorf("exec.safe_bin_profiles: %w", err)
	}
	for i, b := range cfg.Skills.Bins {
		if b.Name == "" || b.Path == "" {
			return fmt.Errorf("skills.bins[%d]: name and path are required", i)
		}
	}
	switch types.ApprovalMode(cfg.Approvals.Mode) {
	case types.ApprovalModeLocalTTY, types.ApprovalModeAPI:
	default:
		return fmt.Errorf("invalid approvals.mode %q", cfg.Approvals.Mode)
	}
	for name, v := range map[string]string{
		"approvals.timeout":    cfg.Approvals.Timeout,
		"approvals.ttl":        cfg.Approvals.TTL,
		"server.read_timeout":  cfg.Server.ReadTimeout,
		"server.write_timeout": cfg.Server.WriteTimeout,

		"audit.webhook.flush_interval": cfg.Audit.Webhook.FlushInterval,
		"audit.webhook.timeout":        cfg.Audit.Webhook.Timeout,
	} {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if _, err := ParseByteSize(cfg.Server.MaxRequestSize); err != nil {
		return fmt.Errorf("server.max_request_size: %w", err)
	}
	if cfg.Audit.Integrity.Enabled && cfg.Audit.Integrity.KeyFile == "" && cfg.Audit.Integrity.KeyEnv == "" {
		return fmt.Errorf("audit.integrity requires key_file or key_env")
	}
	if u := cfg.Audit.Webhook.URL; u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return fmt.Errorf("audit.webhook.url must be http or https: %q", u)
	}
	switch cfg.Audit.OTel.Protocol {
	case "grpc", "http":
	default:
		return fmt.Errorf("invalid audit.otel.protocol %q", cfg.Audit.OTel.Protocol)
	}
	switch cfg.Auth.Type {
	case "none":
	case "api_key":
		if cfg.Auth.KeysFile == "" {
			return fmt.Errorf("auth.type=api_key requires auth.keys_file")
		}
	default:
		return fmt.Errorf("invalid auth.type %q", cfg.Auth.Type)
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

// Mode returns the evaluation mode. The config has already been validated.
func (c *Config) Mode() policy.Mode {
	return policy.Mode{
		Security: policy.Security(c.Exec.Security),
		Ask:      policy.Ask(c.Exec.Ask),
		Fallback: policy.Security(c.Exec.AskFallback),
	}
}

// ApprovalTimeout is the bounded decision wait.
func (c *Config) ApprovalTimeout() time.Duration { return mustDuration(c.Approvals.Timeout) }

// ApprovalTTL bounds how long a request can be resolved.
func (c *Config) ApprovalTTL() time.Duration { return mustDuration(c.Approvals.TTL) }

func (c *Config) ReadTimeout() time.Duration  { return mustDuration(c.Server.ReadTimeout) }
func (c *Config) WriteTimeout() time.Duration { return mustDuration(c.Server.WriteTimeout) }

// MaxRequestBytes is the API body limit.
func (c *Config) MaxRequestBytes() int64 {
	n, _ := ParseByteSize(c.Server.MaxRequestSize)
	return n
}

// AuthEnabled reports whether API keys are required.
func (c *Config) AuthEnabled() bool { return c.Auth.Type == "api_key" }

// WatchAllowlist reports whether the allowlist file is hot reloaded.
func (c *Config) WatchAllowlist() bool { return c.Allowlist.Watch == nil || *c.Allowlist.Watch }

// AuditEnabled reports whether events are persisted.
func (c *Config) AuditEnabled() bool { return c.Audit.Enabled == nil || *c.Audit.Enabled }

func (c *Config) WebhookFlushInterval() time.Duration {
	return mustDuration(c.Audit.Webhook.FlushInterval)
}

func (c *Config) WebhookTimeout() time.Duration { return mustDuration(c.Audit.Webhook.Timeout) }

func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func boolPtr(b bool) *bool { return &b }

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
