// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// UnlimitedRetries is the sentinel stored for personas whose retry budget is
// the string "unlimited" in PERSONA_MAX_RETRIES.
const UnlimitedRetries = -1

// RuntimeConfig is the root configuration of one coordinator process. Values
// come from the environment (exact names listed in envBindings), optionally
// seeded by a YAML file pointed at by MAESTRO_CONFIG; environment wins.
type RuntimeConfig struct {
	ProjectBase       string `mapstructure:"project_base"`
	DefaultRepoName   string `mapstructure:"default_repo_name"`
	AllowWorkspaceGit bool   `mapstructure:"allow_workspace_git"`

	SkipPersonaOperations bool `mapstructure:"skip_persona_operations"`
	SkipGitOperations     bool `mapstructure:"skip_git_operations"`

	Git         GitConfig         `mapstructure:"git"`
	Transport   TransportConfig   `mapstructure:"transport"`
	Persona     PersonaConfig     `mapstructure:"persona"`
	Dashboard   DashboardConfig   `mapstructure:"dashboard"`
	Workflow    WorkflowConfig    `mapstructure:"workflow"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Ops         OpsConfig         `mapstructure:"ops"`
	Log         LogConfig         `mapstructure:"log"`
}

// GitConfig carries credentials and identity for git operations. Exactly one
// of SSHKeyPath or Token/Password is normally set; both empty means
// anonymous clones only.
type GitConfig struct {
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password"`
	Token           string `mapstructure:"token"`
	SSHKeyPath      string `mapstructure:"ssh_key_path"`
	CredentialsPath string `mapstructure:"credentials_path"`
	DefaultBranch   string `mapstructure:"default_branch"`
	UserName        string `mapstructure:"user_name"`
	UserEmail       string `mapstructure:"user_email"`
}

// TransportConfig selects and parameterizes the stream driver.
type TransportConfig struct {
	Type          string `mapstructure:"type"` // redis, local or nats
	BrokerURL     string `mapstructure:"broker_url"`
	RequestStream string `mapstructure:"request_stream"`
	EventStream   string `mapstructure:"event_stream"`
	GroupPrefix   string `mapstructure:"group_prefix"`
	ConsumerID    string `mapstructure:"consumer_id"`
}

// PersonaConfig holds per-persona timeout and retry budgets. Timeouts are in
// milliseconds. MaxRetries uses UnlimitedRetries for "unlimited".
type PersonaConfig struct {
	Timeouts                map[string]int `mapstructure:"timeouts"`
	MaxRetries              map[string]int `mapstructure:"max_retries"`
	DefaultTimeoutMS        int            `mapstructure:"default_timeout_ms"`
	DefaultMaxRetries       int            `mapstructure:"default_max_retries"`
	RetryBackoffIncrementMS int            `mapstructure:"retry_backoff_increment_ms"`
	Allowed                 []string       `mapstructure:"allowed"`
}

// DashboardConfig points the typed HTTP client at the dashboard service.
type DashboardConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// WorkflowConfig selects where definitions load from. An empty Dir uses the
// definitions embedded in the binary.
type WorkflowConfig struct {
	Dir     string `mapstructure:"dir"`
	Default string `mapstructure:"default"`
}

// CoordinatorConfig bounds the outer task loop.
type CoordinatorConfig struct {
	ProjectID     string `mapstructure:"project_id"`
	MaxIterations int    `mapstructure:"max_iterations"`
}

// OpsConfig configures the operator HTTP surface. An empty Addr disables it.
type OpsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig configures the zerolog manager.
type LogConfig struct {
	Level    string            `mapstructure:"level"`
	Format   string            `mapstructure:"format"` // console or json
	File     string            `mapstructure:"file"`   // empty logs to stderr only
	Levels   map[string]string `mapstructure:"levels"`
	Rotation LogRotationConfig `mapstructure:"rotation"`
	Sampling LogSamplingConfig `mapstructure:"sampling"`
}

// LogRotationConfig is passed through to lumberjack when File is set.
type LogRotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// LogSamplingConfig enables burst sampling on hot paths.
type LogSamplingConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Initial    uint32        `mapstructure:"initial"`
	Thereafter uint32        `mapstructure:"thereafter"`
	Tick       time.Duration `mapstructure:"tick"`
}

// envBindings maps viper keys to the exact environment variable that feeds
// them. These names are the external contract and must not be renamed.
var envBindings = map[string]string{
	"project_base":        "PROJECT_BASE",
	"default_repo_name":   "DEFAULT_REPO_NAME",
	"allow_workspace_git": "ALLOW_WORKSPACE_GIT",

	"skip_persona_operations": "SKIP_PERSONA_OPERATIONS",
	"skip_git_operations":     "SKIP_GIT_OPERATIONS",

	"git.username":         "GIT_USERNAME",
	"git.password":         "GIT_PASSWORD",
	"git.token":            "GIT_TOKEN",
	"git.ssh_key_path":     "GIT_SSH_KEY_PATH",
	"git.credentials_path": "GIT_CREDENTIALS_PATH",
	"git.default_branch":   "GIT_DEFAULT_BRANCH",
	"git.user_name":        "GIT_USER_NAME",
	"git.user_email":       "GIT_USER_EMAIL",

	"transport.type":           "TRANSPORT_TYPE",
	"transport.broker_url":     "BROKER_URL",
	"transport.request_stream": "REQUEST_STREAM",
	"transport.event_stream":   "EVENT_STREAM",
	"transport.group_prefix":   "GROUP_PREFIX",
	"transport.consumer_id":    "CONSUMER_ID",

	"persona.timeouts":                   "PERSONA_TIMEOUTS",
	"persona.max_retries":                "PERSONA_MAX_RETRIES",
	"persona.default_timeout_ms":         "PERSONA_DEFAULT_TIMEOUT_MS",
	"persona.default_max_retries":        "PERSONA_DEFAULT_MAX_RETRIES",
	"persona.retry_backoff_increment_ms": "PERSONA_RETRY_BACKOFF_INCREMENT_MS",
	"persona.allowed":                    "ALLOWED_PERSONAS",

	"dashboard.base_url": "DASHBOARD_URL",
	"dashboard.timeout":  "DASHBOARD_TIMEOUT",

	"workflow.dir":     "WORKFLOW_DIR",
	"workflow.default": "DEFAULT_WORKFLOW",

	"coordinator.project_id":     "PROJECT_ID",
	"coordinator.max_iterations": "COORDINATOR_MAX_ITERATIONS",

	"ops.addr": "OPS_ADDR",

	"log.level":  "LOG_LEVEL",
	"log.format": "LOG_FORMAT",
	"log.file":   "LOG_FILE",
}

// Load builds a RuntimeConfig from the environment and the optional YAML file
// named by MAESTRO_CONFIG. It applies defaults, decodes, expands paths and
// validates; a process should call it exactly once.
func Load() (*RuntimeConfig, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path := os.Getenv("MAESTRO_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg RuntimeConfig
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToBudgetMapHookFunc(),
	))); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.expandPaths()

	// Each process gets its own consumer identity so two coordinators never
	// compete for the same pending entries.
	if cfg.Transport.ConsumerID == "" {
		cfg.Transport.ConsumerID = "coord-" + uuid.NewString()
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("project_base", "~/.maestro/projects")
	v.SetDefault("default_repo_name", "workspace")
	v.SetDefault("allow_workspace_git", false)
	v.SetDefault("skip_persona_operations", false)
	v.SetDefault("skip_git_operations", false)

	v.SetDefault("git.default_branch", "main")
	v.SetDefault("git.user_name", "maestro")
	v.SetDefault("git.user_email", "maestro@localhost")
	v.SetDefault("git.credentials_path", "~/.maestro/git-credentials")

	v.SetDefault("transport.type", "redis")
	v.SetDefault("transport.broker_url", "redis://localhost:6379/0")
	v.SetDefault("transport.request_stream", "agent.requests")
	v.SetDefault("transport.event_stream", "agent.events")
	v.SetDefault("transport.group_prefix", "maestro")
	v.SetDefault("transport.consumer_id", "")

	v.SetDefault("persona.timeouts", map[string]any{
		"context-gatherer":  60000,
		"planner":           120000,
		"plan-evaluator":    60000,
		"lead-engineer":     90000,
		"tester-qa":         120000,
		"code-reviewer":     90000,
		"security-reviewer": 90000,
		"devops-reviewer":   60000,
		"project-manager":   60000,
	})
	v.SetDefault("persona.max_retries", map[string]any{})
	v.SetDefault("persona.default_timeout_ms", 60000)
	v.SetDefault("persona.default_max_retries", 2)
	v.SetDefault("persona.retry_backoff_increment_ms", 30000)
	v.SetDefault("persona.allowed", []string{
		"context-gatherer", "planner", "plan-evaluator", "lead-engineer",
		"tester-qa", "code-reviewer", "security-reviewer", "devops-reviewer",
		"project-manager",
	})

	v.SetDefault("dashboard.base_url", "http://localhost:3000")
	v.SetDefault("dashboard.timeout", 30*time.Second)

	v.SetDefault("workflow.dir", "")
	v.SetDefault("workflow.default", "legacy-compatible-task-flow")

	v.SetDefault("coordinator.project_id", "")
	v.SetDefault("coordinator.max_iterations", 50)

	v.SetDefault("ops.addr", "")

	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.levels", map[string]any{})
	v.SetDefault("log.rotation.max_size_mb", 100)
	v.SetDefault("log.rotation.max_backups", 7)
	v.SetDefault("log.rotation.max_age_days", 30)
	v.SetDefault("log.rotation.compress", true)
	v.SetDefault("log.sampling.enabled", false)
	v.SetDefault("log.sampling.initial", 100)
	v.SetDefault("log.sampling.thereafter", 100)
	v.SetDefault("log.sampling.tick", time.Second)
}

// stringToBudgetMapHookFunc decodes PERSONA_TIMEOUTS / PERSONA_MAX_RETRIES
// style values into map[string]int. Accepted forms: a JSON object
// ({"planner": 120000}) or a comma list (planner=120000,tester-qa=90000).
// The value "unlimited" maps to UnlimitedRetries.
func stringToBudgetMapHookFunc() mapstructure.DecodeHookFunc {
	target := reflect.TypeOf(map[string]int{})
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != target {
			return data, nil
		}
		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return map[string]int{}, nil
		}
		out := make(map[string]int)
		if strings.HasPrefix(raw, "{") {
			var obj map[string]any
			if err := json.Unmarshal([]byte(raw), &obj); err != nil {
				return nil, fmt.Errorf("parse map %q: %w", raw, err)
			}
			for k, val := range obj {
				n, err := budgetValue(fmt.Sprintf("%v", val))
				if err != nil {
					return nil, fmt.Errorf("parse map entry %s: %w", k, err)
				}
				out[k] = n
			}
			return out, nil
		}
		for _, pair := range strings.Split(raw, ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			k, val, found := strings.Cut(pair, "=")
			if !found {
				return nil, fmt.Errorf("parse map entry %q: want key=value", pair)
			}
			n, err := budgetValue(strings.TrimSpace(val))
			if err != nil {
				return nil, fmt.Errorf("parse map entry %s: %w", k, err)
			}
			out[strings.TrimSpace(k)] = n
		}
		return out, nil
	}
}

func budgetValue(s string) (int, error) {
	if strings.EqualFold(s, "unlimited") {
		return UnlimitedRetries, nil
	}
	// JSON numbers arrive as float64 strings like "120000" or "1.2e+05".
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int(f), nil
	}
	return 0, fmt.Errorf("invalid value %q", s)
}

func (c *RuntimeConfig) expandPaths() {
	c.ProjectBase = expandPath(c.ProjectBase)
	c.Git.SSHKeyPath = expandPath(c.Git.SSHKeyPath)
	c.Git.CredentialsPath = expandPath(c.Git.CredentialsPath)
	c.Log.File = expandPath(c.Log.File)
	c.Workflow.Dir = expandPath(c.Workflow.Dir)
}

func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return os.ExpandEnv(path)
}

func (c *RuntimeConfig) validate() error {
	switch c.Transport.Type {
	case "redis", "local", "nats":
	default:
		return fmt.Errorf("unsupported transport type %q (want redis, local or nats)", c.Transport.Type)
	}
	if c.Transport.Type != "local" && c.Transport.BrokerURL == "" {
		return fmt.Errorf("broker URL required for transport type %q", c.Transport.Type)
	}
	if c.Transport.RequestStream == "" || c.Transport.EventStream == "" {
		return fmt.Errorf("request and event stream names must not be empty")
	}
	if c.Transport.GroupPrefix == "" {
		return fmt.Errorf("group prefix must not be empty")
	}
	if c.Persona.DefaultTimeoutMS <= 0 {
		return fmt.Errorf("persona default timeout must be positive, got %d", c.Persona.DefaultTimeoutMS)
	}
	if c.Persona.DefaultMaxRetries < 0 && c.Persona.DefaultMaxRetries != UnlimitedRetries {
		return fmt.Errorf("persona default max retries must be >= 0 or unlimited, got %d", c.Persona.DefaultMaxRetries)
	}
	if c.Persona.RetryBackoffIncrementMS < 0 {
		return fmt.Errorf("persona retry backoff increment must be >= 0, got %d", c.Persona.RetryBackoffIncrementMS)
	}
	for persona, ms := range c.Persona.Timeouts {
		if ms <= 0 {
			return fmt.Errorf("persona timeout for %s must be positive, got %d", persona, ms)
		}
	}
	for persona, n := range c.Persona.MaxRetries {
		if n < 0 && n != UnlimitedRetries {
			return fmt.Errorf("persona max retries for %s must be >= 0 or unlimited, got %d", persona, n)
		}
	}
	if c.Dashboard.BaseURL != "" {
		if _, err := url.Parse(c.Dashboard.BaseURL); err != nil {
			return fmt.Errorf("invalid dashboard URL: %w", err)
		}
	}
	if c.Coordinator.MaxIterations <= 0 {
		return fmt.Errorf("coordinator max iterations must be positive, got %d", c.Coordinator.MaxIterations)
	}
	if c.ProjectBase == "" {
		return fmt.Errorf("project base must not be empty")
	}
	return nil
}

// TimeoutFor returns the request timeout in milliseconds for a persona,
// falling back to the process default.
func (p *PersonaConfig) TimeoutFor(persona string) int {
	if ms, ok := p.Timeouts[persona]; ok {
		return ms
	}
	return p.DefaultTimeoutMS
}

// MaxRetriesFor returns the retry budget for a persona; UnlimitedRetries
// means no ceiling.
func (p *PersonaConfig) MaxRetriesFor(persona string) int {
	if n, ok := p.MaxRetries[persona]; ok {
		return n
	}
	return p.DefaultMaxRetries
}

// PersonaAllowed reports whether requests may target the given persona.
// An empty allowlist permits every persona.
func (p *PersonaConfig) PersonaAllowed(persona string) bool {
	if len(p.Allowed) == 0 {
		return true
	}
	for _, a := range p.Allowed {
		if a == persona {
			return true
		}
	}
	return false
}
