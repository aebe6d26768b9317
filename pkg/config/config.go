// Package config loads fleet's configuration from $FLEET_HOME/config.toml
// or, failing that, $FLEET_HOME/config.yaml. Every key has a default, so a
// missing file is not an error.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"fleet/pkg/conflict"
	"fleet/pkg/protocol"
	"fleet/pkg/tmux"
	"fleet/pkg/worker"
)

// Duration is a time.Duration written as a Go duration string ("500ms").
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// UnmarshalText implements encoding.TextUnmarshaler (used by go-toml).
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	return d.UnmarshalText([]byte(n.Value))
}

// WorkerConfig declares one worker slot.
type WorkerConfig struct {
	Name  string `toml:"name" yaml:"name"`
	Model string `toml:"model,omitempty" yaml:"model,omitempty"`
}

// DebounceConfig tunes the delivery debounce.
type DebounceConfig struct {
	Base           Duration `toml:"base" yaml:"base"`
	PerKB          Duration `toml:"per_kb" yaml:"per_kb"`
	Max            Duration `toml:"max" yaml:"max"`
	LargeThreshold int      `toml:"large_threshold" yaml:"large_threshold"`
}

// CrashConfig tunes crash accounting.
type CrashConfig struct {
	Threshold int      `toml:"threshold" yaml:"threshold"`
	Window    Duration `toml:"window" yaml:"window"`
}

// ConflictConfig tunes conflict escalation.
type ConflictConfig struct {
	MaxAttempts  int      `toml:"max_attempts" yaml:"max_attempts"`
	StuckTimeout Duration `toml:"stuck_timeout" yaml:"stuck_timeout"`
}

// AutoConfig drives unattended mode. It is off while TaskCommand is empty.
type AutoConfig struct {
	TaskCommand       string   `toml:"task_command" yaml:"task_command"`
	PostAcceptCommand string   `toml:"post_accept_command" yaml:"post_accept_command"`
	Workers           []string `toml:"workers" yaml:"workers"`
	CommandTimeout    Duration `toml:"command_timeout" yaml:"command_timeout"`
	MaxBackoff        Duration `toml:"max_backoff" yaml:"max_backoff"`
}

// Config is the full configuration.
type Config struct {
	Repo              string         `toml:"repo" yaml:"repo"`
	BaseBranch        string         `toml:"base_branch" yaml:"base_branch"`
	WorktreesDir      string         `toml:"worktrees_dir" yaml:"worktrees_dir"`
	BranchPrefix      string         `toml:"branch_prefix" yaml:"branch_prefix"`
	SessionPrefix     string         `toml:"session_prefix" yaml:"session_prefix"`
	SessionWidth      int            `toml:"session_width" yaml:"session_width"`
	SessionHeight     int            `toml:"session_height" yaml:"session_height"`
	AgentCommand      string         `toml:"agent_command" yaml:"agent_command"`
	ValidationCommand string         `toml:"validation_command" yaml:"validation_command"`
	PatrolInterval    Duration       `toml:"patrol_interval" yaml:"patrol_interval"`
	ReadTimeout       Duration       `toml:"read_timeout" yaml:"read_timeout"`
	ShutdownTimeout   Duration       `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
	Debounce          DebounceConfig `toml:"debounce" yaml:"debounce"`
	EnterRetries      int            `toml:"enter_retries" yaml:"enter_retries"`
	EnterRetryDelay   Duration       `toml:"enter_retry_delay" yaml:"enter_retry_delay"`
	Crash             CrashConfig    `toml:"crash" yaml:"crash"`
	Conflict          ConflictConfig `toml:"conflict" yaml:"conflict"`
	SelfReview        bool           `toml:"self_review" yaml:"self_review"`
	SelfReviewPrompt  string         `toml:"self_review_prompt" yaml:"self_review_prompt"`
	NotifySession     string         `toml:"notify_session" yaml:"notify_session"`
	Auto              AutoConfig     `toml:"auto" yaml:"auto"`
	Workers           []WorkerConfig `toml:"workers" yaml:"workers"`
}

// Default returns a Config holding every default value.
func Default() *Config {
	return &Config{
		BaseBranch:      "main",
		BranchPrefix:    protocol.BranchPrefix,
		SessionPrefix:   protocol.SessionPrefix,
		SessionWidth:    protocol.DefaultSessionWidth,
		SessionHeight:   protocol.DefaultSessionHeight,
		AgentCommand:    "claude",
		PatrolInterval:  Duration(protocol.DefaultPatrolInterval),
		ReadTimeout:     Duration(protocol.DefaultReadTimeout),
		ShutdownTimeout: Duration(protocol.DefaultShutdownTimeout),
		Debounce: DebounceConfig{
			Base:           Duration(protocol.DefaultDebounceBase),
			PerKB:          Duration(protocol.DefaultDebouncePerKB),
			Max:            Duration(protocol.DefaultDebounceMax),
			LargeThreshold: protocol.DefaultLargeThreshold,
		},
		EnterRetries:    protocol.DefaultEnterRetries,
		EnterRetryDelay: Duration(protocol.DefaultEnterRetryDelay),
		Crash: CrashConfig{
			Threshold: protocol.DefaultCrashThreshold,
			Window:    Duration(protocol.DefaultCrashWindow),
		},
		Conflict: ConflictConfig{
			MaxAttempts:  protocol.DefaultConflictMaxAttempts,
			StuckTimeout: Duration(protocol.DefaultConflictStuckTimeout),
		},
		Auto: AutoConfig{
			CommandTimeout: Duration(protocol.DefaultAutoCommandTimeout),
			MaxBackoff:     Duration(protocol.DefaultAutoMaxBackoff),
		},
	}
}

// Load reads config.toml or config.yaml from dir. It returns the config and
// the file it came from ("" when defaults were used).
func Load(dir string) (*Config, string, error) {
	cfg := Default()

	tomlPath := filepath.Join(dir, "config.toml")
	data, err := os.ReadFile(tomlPath) //nolint:gosec // path is built from the fleet home dir
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, tomlPath, fmt.Errorf("parse %s: %w", tomlPath, err)
		}
		return cfg, tomlPath, finish(cfg, dir)
	case !errors.Is(err, os.ErrNotExist):
		return nil, tomlPath, fmt.Errorf("read %s: %w", tomlPath, err)
	}

	yamlPath := filepath.Join(dir, "config.yaml")
	data, err = os.ReadFile(yamlPath) //nolint:gosec // path is built from the fleet home dir
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, yamlPath, fmt.Errorf("parse %s: %w", yamlPath, err)
		}
		return cfg, yamlPath, finish(cfg, dir)
	case !errors.Is(err, os.ErrNotExist):
		return nil, yamlPath, fmt.Errorf("read %s: %w", yamlPath, err)
	}

	return cfg, "", finish(cfg, dir)
}

// finish resolves relative paths against dir and checks the values.
func finish(cfg *Config, dir string) error {
	if cfg.Repo != "" && !filepath.IsAbs(cfg.Repo) {
		cfg.Repo = filepath.Join(dir, cfg.Repo)
	}
	if cfg.WorktreesDir != "" && !filepath.IsAbs(cfg.WorktreesDir) && cfg.Repo != "" {
		cfg.WorktreesDir = filepath.Join(cfg.Repo, cfg.WorktreesDir)
	}
	return cfg.Validate()
}

// Validate checks values that would make the daemon misbehave.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.BaseBranch) == "" {
		errs = append(errs, errors.New("base_branch must not be empty"))
	}
	if c.SessionWidth <= 0 || c.SessionHeight <= 0 {
		errs = append(errs, errors.New("session_width and session_height must be positive"))
	}
	if c.PatrolInterval <= 0 || c.ReadTimeout <= 0 || c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("patrol_interval, read_timeout and shutdown_timeout must be positive"))
	}
	if c.Debounce.Base < 0 || c.Debounce.PerKB < 0 || c.Debounce.Max < 0 || c.Debounce.LargeThreshold <= 0 {
		errs = append(errs, errors.New("debounce values must be non-negative and large_threshold positive"))
	}
	if c.EnterRetries < 1 {
		errs = append(errs, errors.New("enter_retries must be at least 1"))
	}
	if c.Crash.Threshold < 1 || c.Crash.Window <= 0 {
		errs = append(errs, errors.New("crash.threshold and crash.window must be positive"))
	}
	if c.Conflict.MaxAttempts < 1 || c.Conflict.StuckTimeout <= 0 {
		errs = append(errs, errors.New("conflict.max_attempts and conflict.stuck_timeout must be positive"))
	}
	seen := make(map[string]bool, len(c.Workers))
	for _, w := range c.Workers {
		if err := protocol.ValidateWorkerName(w.Name); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[w.Name] {
			errs = append(errs, fmt.Errorf("worker %q declared twice", w.Name))
		}
		seen[w.Name] = true
	}
	errs = append(errs, c.Auto.validate(seen)...)
	return errors.Join(errs...)
}

func (a *AutoConfig) validate(declared map[string]bool) []error {
	var errs []error
	if a.CommandTimeout <= 0 || a.MaxBackoff <= 0 {
		errs = append(errs, errors.New("auto.command_timeout and auto.max_backoff must be positive"))
	}
	if a.PostAcceptCommand != "" && strings.TrimSpace(a.TaskCommand) == "" {
		errs = append(errs, errors.New("auto.post_accept_command needs auto.task_command"))
	}
	for _, name := range a.Workers {
		if len(declared) > 0 && !declared[name] {
			errs = append(errs, fmt.Errorf("auto.workers names %q, which is not a declared worker", name))
		}
	}
	return errs
}

// RequireRepo reports an error when no repository is configured.
func (c *Config) RequireRepo() error {
	if c.Repo == "" {
		return errors.New("no repository configured: set `repo` in config.toml")
	}
	return nil
}

// WorktreeRoot is where worker working copies live.
func (c *Config) WorktreeRoot() string {
	if c.WorktreesDir != "" {
		return c.WorktreesDir
	}
	return filepath.Join(c.Repo, protocol.WorktreesDir)
}

// WorkingCopy returns the working copy path for a worker.
func (c *Config) WorkingCopy(name string) string {
	return filepath.Join(c.WorktreeRoot(), name)
}

// Branch returns the branch name for a worker.
func (c *Config) Branch(name string) string { return c.BranchPrefix + name }

// Session returns the tmux session name for a worker.
func (c *Config) Session(name string) string { return c.SessionPrefix + name }

// Timing returns the delivery tunables.
func (c *Config) Timing() tmux.Timing {
	return tmux.Timing{
		DebounceBase:    c.Debounce.Base.D(),
		DebouncePerKB:   c.Debounce.PerKB.D(),
		DebounceMax:     c.Debounce.Max.D(),
		LargeThreshold:  c.Debounce.LargeThreshold,
		EnterRetries:    c.EnterRetries,
		EnterRetryDelay: c.EnterRetryDelay.D(),
	}
}

// CrashPolicy returns the crash accounting policy.
func (c *Config) CrashPolicy() worker.CrashPolicy {
	return worker.CrashPolicy{Threshold: c.Crash.Threshold, Window: c.Crash.Window.D()}
}

// ConflictPolicy returns the conflict escalation policy.
func (c *Config) ConflictPolicy() conflict.Policy {
	return conflict.Policy{MaxAttempts: c.Conflict.MaxAttempts, StuckTimeout: c.Conflict.StuckTimeout.D()}
}
