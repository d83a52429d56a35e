package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/basket/relay/internal/otel"
)

// ServiceEndpoint is a health URL polled by the services probe and the
// pre-deployment battery.
type ServiceEndpoint struct {
	Name string `yaml:"name" validate:"required"`
	URL  string `yaml:"url" validate:"required,url"`
}

type ProbesConfig struct {
	// TimeoutMS bounds each probe. Default 2000.
	TimeoutMS int `yaml:"timeout_ms" validate:"gte=1"`
	// BudgetMS bounds the whole capture. Default 5000.
	BudgetMS   int               `yaml:"budget_ms" validate:"gtefield=TimeoutMS"`
	Services   []ServiceEndpoint `yaml:"services" validate:"dive"`
	AssetPaths []string          `yaml:"asset_paths"`
	// ScanDirs are searched for TODO/FIXME markers.
	ScanDirs []string `yaml:"scan_dirs"`
	// RecentChanges is how many commits the changes probe reads. Default 10.
	RecentChanges int `yaml:"recent_changes"`
}

type KnowledgeConfig struct {
	TopK int `yaml:"top_k"`
}

type HandoffConfig struct {
	IssueWindowHours int `yaml:"issue_window_hours"`
}

// AgentEntry names a participating agent and its role. The role keys the
// static guidance in recommendations.
type AgentEntry struct {
	ID   string `yaml:"id" validate:"required"`
	Role string `yaml:"role"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn warning error"`

	// BackupDir holds one directory per backup. Default <home>/backups.
	BackupDir string `yaml:"backup_dir"`
	// ArtifactDirs are copied into every backup and restored on rollback.
	ArtifactDirs []string `yaml:"artifact_dirs"`
	// RepoPath is the git repository read by the changes probe. Empty skips it.
	RepoPath string `yaml:"repo_path"`

	Probes    ProbesConfig    `yaml:"probes"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Handoff   HandoffConfig   `yaml:"handoff"`

	// SnapshotSchedule is a cron expression for daemon-mode captures.
	SnapshotSchedule string `yaml:"snapshot_schedule"`
	// RetentionSchedule is a cron expression for daemon-mode retention runs.
	RetentionSchedule string `yaml:"retention_schedule"`

	// Retention windows in days. 0 keeps forever.
	RetentionEventsDays   int `yaml:"retention_events_days"`
	RetentionContextDays  int `yaml:"retention_context_days"`
	RetentionAuditLogDays int `yaml:"retention_audit_log_days"`

	Agents   []AgentEntry `yaml:"agents" validate:"unique=ID,dive"`
	Features []string     `yaml:"features"`

	OTel otel.Config `yaml:"otel"`

	// NeedsInit is set when no config.yaml exists yet.
	NeedsInit bool `yaml:"-"`
}

// Role returns the configured role of agentID, or "general".
func (c Config) Role(agentID string) string {
	for _, a := range c.Agents {
		if a.ID == agentID && a.Role != "" {
			return a.Role
		}
	}
	return "general"
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that change runtime behavior.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|log=%s|backups=%s|artifacts=%v|repo=%s|probes=%d/%d/%v|topk=%d|window=%d",
		c.DBPath, c.LogLevel, c.BackupDir, c.ArtifactDirs, c.RepoPath,
		c.Probes.TimeoutMS, c.Probes.BudgetMS, c.Probes.Services, c.Knowledge.TopK, c.Handoff.IssueWindowHours)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Probes: ProbesConfig{
			TimeoutMS:     2000,
			BudgetMS:      5000,
			RecentChanges: 10,
		},
		Knowledge:             KnowledgeConfig{TopK: 10},
		Handoff:               HandoffConfig{IssueWindowHours: 24},
		SnapshotSchedule:      "*/30 * * * *",
		RetentionSchedule:     "15 3 * * *",
		RetentionEventsDays:   90,
		RetentionContextDays:  30,
		RetentionAuditLogDays: 365,
	}
}

func HomeDir() string {
	if override := os.Getenv("RELAY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".relay")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml, then applies env overrides and defaults.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create relay home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "relay.db")
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(cfg.HomeDir, "backups")
	}
	if cfg.Probes.TimeoutMS <= 0 {
		cfg.Probes.TimeoutMS = 2000
	}
	if cfg.Probes.BudgetMS <= 0 {
		cfg.Probes.BudgetMS = 5000
	}
	if cfg.Probes.RecentChanges <= 0 {
		cfg.Probes.RecentChanges = 10
	}
	if cfg.Knowledge.TopK <= 0 {
		cfg.Knowledge.TopK = 10
	}
	if cfg.Handoff.IssueWindowHours <= 0 {
		cfg.Handoff.IssueWindowHours = 24
	}
	for i, a := range cfg.Agents {
		cfg.Agents[i].Role = strings.ToLower(strings.TrimSpace(a.Role))
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = "relay"
	}
}

var configValidator = newValidator()

// newValidator reports fields by their yaml path, e.g. probes.services[0].url.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

func validate(cfg *Config) error {
	err := configValidator.Struct(cfg)
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, len(fieldErrs))
	for i, fe := range fieldErrs {
		msgs[i] = describe(fe)
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "url":
		return field + " must be a valid URL"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "unique":
		return fmt.Sprintf("%s must not repeat %s", field, strings.ToLower(fe.Param()))
	case "gtefield":
		return fmt.Sprintf("%s must be >= %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param())
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("RELAY_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("RELAY_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("RELAY_BACKUP_DIR"); raw != "" {
		cfg.BackupDir = raw
	}
	if raw := os.Getenv("RELAY_REPO_PATH"); raw != "" {
		cfg.RepoPath = raw
	}
	if raw := os.Getenv("RELAY_PROBE_TIMEOUT_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Probes.TimeoutMS = v
		}
	}
	if raw := os.Getenv("RELAY_PROBE_BUDGET_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Probes.BudgetMS = v
		}
	}
	if raw := os.Getenv("RELAY_KNOWLEDGE_TOP_K"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Knowledge.TopK = v
		}
	}
	if raw := os.Getenv("RELAY_OTEL_ENDPOINT"); raw != "" {
		cfg.OTel.Enabled = true
		cfg.OTel.Exporter = "otlp-http"
		cfg.OTel.Endpoint = raw
	}
}
