// Package config loads the service configuration from environment
// variables (CAPSYNC_ prefix) with an optional YAML file underneath.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full, validated configuration for the sync service.
type Config struct {
	Env      string `mapstructure:"env"`
	HTTPAddr string `mapstructure:"http_addr"`
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	DatabaseURL string `mapstructure:"database_url"`
	Namespace   string `mapstructure:"namespace"`

	TodoistToken       string `mapstructure:"todoist_token"`
	TodoistBaseURL     string `mapstructure:"todoist_base_url"`
	NotionToken        string `mapstructure:"notion_token"`
	NotionBaseURL      string `mapstructure:"notion_base_url"`
	NotionTasksDB      string `mapstructure:"notion_tasks_db"`
	NotionProjectsDB   string `mapstructure:"notion_projects_db"`
	NotionAreasDB      string `mapstructure:"notion_areas_db"`
	NotionPeopleDB     string `mapstructure:"notion_people_db"`
	WebhookSecret      string `mapstructure:"webhook_secret"`
	ReconcileToken     string `mapstructure:"reconcile_token"`
	JWTSecret          string `mapstructure:"jwt_secret"`

	EligibilityTag string   `mapstructure:"eligibility_tag"`
	AreaNames      []string `mapstructure:"area_names"`
	SkipInbox      bool     `mapstructure:"skip_inbox"`
	SkipRecurring  bool     `mapstructure:"skip_recurring"`
	AutoLabel      bool     `mapstructure:"auto_label"`
	AddBacklink    bool     `mapstructure:"add_backlink"`

	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	WorkerConcurrency int           `mapstructure:"worker_concurrency"`
	QueueInFlight     int           `mapstructure:"queue_in_flight_limit"`

	RetryMax       int           `mapstructure:"retry_max"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`

	DefaultTimezone string `mapstructure:"default_timezone"`

	EnableReverseTasks    bool `mapstructure:"enable_reverse_tasks"`
	EnableReverseCreation bool `mapstructure:"enable_reverse_creation"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "dev")
	v.SetDefault("http_addr", ":8081")
	v.SetDefault("log_level", "info")

	v.SetDefault("namespace", "todoist-notion-v1")
	v.SetDefault("todoist_base_url", "https://api.todoist.com/rest/v2")
	v.SetDefault("notion_base_url", "https://api.notion.com/v1")

	v.SetDefault("eligibility_tag", "capsync")
	v.SetDefault("area_names", []string{
		"HOME", "HEALTH", "PROSPER", "WORK", "PERSONAL & FAMILY", "FINANCIAL", "FUN",
	})
	v.SetDefault("skip_inbox", true)
	v.SetDefault("skip_recurring", true)
	v.SetDefault("auto_label", true)
	v.SetDefault("add_backlink", true)

	v.SetDefault("reconcile_interval", 2*time.Hour)
	v.SetDefault("worker_concurrency", 8)
	v.SetDefault("queue_in_flight_limit", 256)

	v.SetDefault("retry_max", 3)
	v.SetDefault("retry_base_delay", time.Second)
	v.SetDefault("request_timeout", 30*time.Second)
	v.SetDefault("rate_limit_rps", 3.0)

	v.SetDefault("default_timezone", "America/Los_Angeles")

	v.SetDefault("enable_reverse_tasks", false)
	v.SetDefault("enable_reverse_creation", false)
}

// Load reads configuration from the environment and, when path is
// non-empty, a YAML file. Environment variables win over the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CAPSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants that must hold before the service
// starts. Missing credentials are fatal at startup, never at runtime.
func (c *Config) Validate() error {
	if c.TodoistToken == "" {
		return fmt.Errorf("todoist_token is required")
	}
	if c.NotionToken == "" {
		return fmt.Errorf("notion_token is required")
	}
	if c.NotionTasksDB == "" || c.NotionProjectsDB == "" {
		return fmt.Errorf("notion_tasks_db and notion_projects_db are required")
	}
	if c.EligibilityTag == "" {
		return fmt.Errorf("eligibility_tag must not be empty")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("worker_concurrency must be at least 1, got %d", c.WorkerConcurrency)
	}
	if c.ReconcileInterval < time.Minute {
		return fmt.Errorf("reconcile_interval must be at least 1m, got %s", c.ReconcileInterval)
	}
	return nil
}

// AreaSet returns the configured area names as an uppercase lookup set.
func (c *Config) AreaSet() map[string]bool {
	set := make(map[string]bool, len(c.AreaNames))
	for _, a := range c.AreaNames {
		set[strings.ToUpper(strings.TrimSpace(a))] = true
	}
	return set
}
