package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/creasty/defaults"

	"keepersecurity.com/ksm-scim-sync/scim"
)

// Config is the scim-sync TOML configuration.
type Config struct {
	Google  GoogleConfig  `toml:"google"`
	Scim    ScimConfig    `toml:"scim"`
	Sync    SyncConfig    `toml:"sync"`
	Logging LoggingConfig `toml:"logging"`
}

type GoogleConfig struct {
	CredentialsFile string   `toml:"credentials_file"`
	Subject         string   `toml:"subject"`
	Customer        string   `toml:"customer" default:"my_customer"`
	Groups          []string `toml:"groups"`
	IndividualUsers []string `toml:"individual_users"`
}

type ScimConfig struct {
	Url string `toml:"url"`
	// Token takes precedence over the environment variable named by TokenEnv.
	Token             string        `toml:"token"`
	TokenEnv          string        `toml:"token_env" default:"SCIM_TOKEN"`
	RequestsPerSecond float64       `toml:"requests_per_second" default:"10"`
	Burst             int           `toml:"burst" default:"5"`
	Timeout           time.Duration `toml:"timeout" default:"30s"`
}

type SyncConfig struct {
	DryRun           bool          `toml:"dry_run"`
	DeleteSuspended  bool          `toml:"delete_suspended"`
	CreateTeams      bool          `toml:"create_teams" default:"true"`
	GroupFilter      []string      `toml:"group_filter"`
	UsernameSuffix   string        `toml:"username_suffix"`
	SlugTeamNames    bool          `toml:"slug_team_names"`
	MaxDepth         int           `toml:"max_depth" default:"64"`
	Concurrency      int           `toml:"concurrency" default:"4"`
	MaxAttempts      int           `toml:"max_attempts" default:"5"`
	InitialBackoff   time.Duration `toml:"initial_backoff" default:"500ms"`
	MaxBackoff       time.Duration `toml:"max_backoff" default:"30s"`
	AtomicTeamCreate bool          `toml:"atomic_team_create" default:"true"`
}

type LoggingConfig struct {
	Level string `toml:"level" default:"info"`
	// File receives JSON log lines in addition to the console.
	File string `toml:"file"`
}

// LoadConfig reads the TOML file at path over the default values.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("set default values: %w", err)
	}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("load config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// ScimToken resolves the bearer token from the file or the environment.
func (c *Config) ScimToken() string {
	if token := strings.TrimSpace(c.Scim.Token); token != "" {
		return token
	}
	if c.Scim.TokenEnv != "" {
		return strings.TrimSpace(os.Getenv(c.Scim.TokenEnv))
	}
	return ""
}

// Validate checks the settings a run cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Google.Groups) == 0 && len(c.Google.IndividualUsers) == 0 {
		errs = append(errs, errors.New("google: at least one group or individual user is required"))
	}
	if strings.TrimSpace(c.Google.CredentialsFile) == "" {
		errs = append(errs, errors.New("google: credentials_file is required"))
	}
	if strings.TrimSpace(c.Google.Subject) == "" {
		errs = append(errs, errors.New("google: subject is required"))
	}
	url := strings.ToLower(strings.TrimSpace(c.Scim.Url))
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		errs = append(errs, fmt.Errorf("scim: url %q must start with http:// or https://", c.Scim.Url))
	}
	if c.ScimToken() == "" {
		errs = append(errs, fmt.Errorf("scim: token is not set and environment variable %q is empty", c.Scim.TokenEnv))
	}
	for _, pattern := range c.Sync.GroupFilter {
		if strings.TrimSpace(pattern) == "" {
			errs = append(errs, errors.New("sync: group_filter contains an empty pattern"))
			break
		}
	}
	if c.Sync.Concurrency < 1 {
		errs = append(errs, errors.New("sync: concurrency must be at least 1"))
	}
	if c.Sync.MaxAttempts < 1 {
		errs = append(errs, errors.New("sync: max_attempts must be at least 1"))
	}
	return errors.Join(errs...)
}

// RunConfig maps the file settings to the reconciliation run settings.
func (c *Config) RunConfig() scim.RunConfig {
	run := scim.DefaultRunConfig()
	run.GroupNames = c.Google.Groups
	run.IndividualUsers = c.Google.IndividualUsers
	run.GroupFilter = c.Sync.GroupFilter
	run.DryRun = c.Sync.DryRun
	run.DeleteSuspended = c.Sync.DeleteSuspended
	run.CreateTeams = c.Sync.CreateTeams
	run.UsernameSuffix = c.Sync.UsernameSuffix
	run.SlugTeamNames = c.Sync.SlugTeamNames
	run.AtomicTeamCreate = c.Sync.AtomicTeamCreate
	if c.Sync.MaxDepth > 0 {
		run.MaxDepth = c.Sync.MaxDepth
	}
	run.Executor = scim.ExecutorConfig{
		Concurrency:    c.Sync.Concurrency,
		MaxAttempts:    c.Sync.MaxAttempts,
		InitialBackoff: c.Sync.InitialBackoff,
		MaxBackoff:     c.Sync.MaxBackoff,
	}
	return run
}
