// Package config resolves the bot's settings: built-in default ->
// config file -> environment variable -> command-line argument,
// lowest to highest precedence.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/caarlos0/duration"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the bot's fully-resolved configuration.
type Config struct {
	ForgeURL     string `yaml:"forge-url" env:"MARGE_FORGE_URL"`
	AuthTokenFile string `yaml:"auth-token-file" env:"MARGE_AUTH_TOKEN_FILE"`
	SSHKeyFile   string `yaml:"ssh-key-file" env:"MARGE_SSH_KEY_FILE"`
	BotUsername  string `yaml:"bot-username" env:"MARGE_BOT_USERNAME"`
	TokenIsAdmin bool   `yaml:"token-is-admin" env:"MARGE_TOKEN_IS_ADMIN"`

	GitDir        string `yaml:"git-dir" env:"MARGE_GIT_DIR"`
	MetricsAddr   string `yaml:"metrics-addr" env:"MARGE_METRICS_ADDR"`
	DiscoverEvery durationValue `yaml:"discover-every" env:"MARGE_DISCOVER_EVERY"`

	AddReviewers         bool   `yaml:"add-reviewers" env:"MARGE_ADD_REVIEWERS"`
	AddTested            bool   `yaml:"add-tested" env:"MARGE_ADD_TESTED"`
	AddPartOf            bool   `yaml:"add-part-of" env:"MARGE_ADD_PART_OF"`
	ImpersonateApprovers bool   `yaml:"impersonate-approvers" env:"MARGE_IMPERSONATE_APPROVERS"`
	Batch                bool   `yaml:"batch" env:"MARGE_BATCH"`
	BatchMaxSize         int    `yaml:"batch-max-size" env:"MARGE_BATCH_MAX_SIZE"`
	UseMergeStrategy     bool   `yaml:"use-merge-strategy" env:"MARGE_USE_MERGE_STRATEGY"`
	Debug                bool   `yaml:"debug" env:"MARGE_DEBUG"`
	Reference            string `yaml:"reference" env:"MARGE_REFERENCE"`

	ApprovalResetTimeout durationValue `yaml:"approval-reset-timeout" env:"MARGE_APPROVAL_RESET_TIMEOUT"`
	CITimeout            durationValue `yaml:"ci-timeout" env:"MARGE_CI_TIMEOUT"`
	GitTimeout           durationValue `yaml:"git-timeout" env:"MARGE_GIT_TIMEOUT"`

	ProjectRegexp string `yaml:"project-regexp" env:"MARGE_PROJECT_REGEXP"`
	BranchRegexp  string `yaml:"branch-regexp" env:"MARGE_BRANCH_REGEXP"`

	Embargo []string `yaml:"embargo" env:"MARGE_EMBARGO" envSeparator:";"`

	// BotName is used in Tested-by trailers and in notes.
	BotName string `yaml:"bot-name" env:"MARGE_BOT_NAME"`
}

// durationValue wraps time.Duration so YAML and env both accept bare
// forms like "15m" or "2h" via caarlos0/duration, rather than only
// Go's strict time.ParseDuration dialect.
type durationValue struct {
	time.Duration
}

func (d *durationValue) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := duration.Parse(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d *durationValue) UnmarshalText(text []byte) error {
	parsed, err := duration.Parse(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Defaults returns the built-in defaults, the lowest-precedence layer
// of the resolution order.
func Defaults() Config {
	return Config{
		BatchMaxSize:  5,
		ProjectRegexp: ".*",
		BranchRegexp:  ".*",
		BotName:       "marge-bot",
		MetricsAddr:   ":8080",
		CITimeout:     durationValue{15 * time.Minute},
		GitTimeout:    durationValue{2 * time.Minute},
		DiscoverEvery: durationValue{3 * time.Minute},
	}
}

// Load resolves the full precedence chain: defaults -> file (if
// path is non-empty) -> environment variables. Command-line flags are
// applied by the caller (cmd/marge) after Load, as the final,
// highest-precedence layer, since flag parsing owns its own library
// surface (spf13/cobra) and Config has no dependency on it.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("applying environment overrides: %w", err)
	}

	return cfg, nil
}

// CompiledProjectRegexp compiles the configured project-path filter.
func (c Config) CompiledProjectRegexp() (*regexp.Regexp, error) {
	return regexp.Compile(c.ProjectRegexp)
}

// CompiledBranchRegexp compiles the configured source-branch filter.
func (c Config) CompiledBranchRegexp() (*regexp.Regexp, error) {
	return regexp.Compile(c.BranchRegexp)
}

// ReadToken loads the forge auth token from the configured file. The
// token is never accepted on the command line.
func (c Config) ReadToken() (string, error) {
	raw, err := os.ReadFile(c.AuthTokenFile)
	if err != nil {
		return "", fmt.Errorf("reading auth token file %s: %w", c.AuthTokenFile, err)
	}
	return trimNewline(string(raw)), nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// Validate checks the fatal-configuration-error invariants covered by
// exit code 1: required fields present, impersonation/reviewer flags
// only set together with the privileges they imply.
func (c Config) Validate(userIsAdmin bool) error {
	if c.ForgeURL == "" {
		return fmt.Errorf("forge-url is required")
	}
	if c.AuthTokenFile == "" {
		return fmt.Errorf("auth-token-file is required")
	}
	if c.SSHKeyFile == "" {
		return fmt.Errorf("ssh-key-file is required")
	}
	if c.BotUsername == "" {
		return fmt.Errorf("bot-username is required")
	}
	if !userIsAdmin && c.ImpersonateApprovers {
		return fmt.Errorf("impersonate-approvers requires admin credentials")
	}
	if !userIsAdmin && c.AddReviewers {
		return fmt.Errorf("add-reviewers requires admin credentials to read approver emails")
	}
	if _, err := c.CompiledProjectRegexp(); err != nil {
		return fmt.Errorf("invalid project-regexp: %w", err)
	}
	if _, err := c.CompiledBranchRegexp(); err != nil {
		return fmt.Errorf("invalid branch-regexp: %w", err)
	}
	return nil
}
