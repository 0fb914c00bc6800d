// Package config loads ralphlite configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Bounds for the global concurrency cap.
const (
	MinConcurrency     = 1
	MaxConcurrency     = 32
	DefaultConcurrency = 6
)

// OrderingStrategy selects how the merge queue orders ready tickets.
type OrderingStrategy string

const (
	OrderByPriority         OrderingStrategy = "priority"
	OrderByTicketOrder      OrderingStrategy = "ticket-order"
	OrderReportCompleteFIFO OrderingStrategy = "report-complete-fifo"
)

// Command pairs an ecosystem name with the shell command to run for it.
// A slice keeps declaration order, which matters for multi-ecosystem repos.
type Command struct {
	Ecosystem string `yaml:"ecosystem"`
	Run       string `yaml:"run"`
}

// AgentSpec describes one entry in the agent pool.
type AgentSpec struct {
	Type         string `yaml:"type"`  // CLI binary kind, e.g. "claude", "codex"
	Model        string `yaml:"model"` // model flag passed to the CLI
	IsScheduler  bool   `yaml:"is_scheduler"`
	IsMergeQueue bool   `yaml:"is_merge_queue"`
}

// Config holds all startup inputs for a run. Immutable after Load.
type Config struct {
	ProjectName    string   `yaml:"project_name"`
	RepoRoot       string   `yaml:"repo_root"`
	SpecsPath      string   `yaml:"specs_path"`
	ReferenceFiles []string `yaml:"reference_files"`

	BuildCmds      []Command `yaml:"build_cmds"`
	TestCmds       []Command `yaml:"test_cmds"`
	PreLandChecks  []Command `yaml:"pre_land_checks"`
	PostLandChecks []Command `yaml:"post_land_checks"`

	CodeStyle       string   `yaml:"code_style"`
	ReviewChecklist []string `yaml:"review_checklist"`

	MaxConcurrency      int              `yaml:"max_concurrency"`
	MainBranch          string           `yaml:"main_branch"`
	MaxSpeculativeDepth int              `yaml:"max_speculative_depth"`
	Ordering            OrderingStrategy `yaml:"ordering_strategy"`

	Agents map[string]AgentSpec `yaml:"agents"`

	// StateDir holds the databases and logs. Defaults to <repoRoot>/.ralph.
	StateDir string `yaml:"state_dir"`
	Debug    bool   `yaml:"debug"`
}

// Default returns a config with every tunable at its documented default.
func Default() *Config {
	return &Config{
		MaxConcurrency:      DefaultConcurrency,
		MainBranch:          "main",
		MaxSpeculativeDepth: 3,
		Ordering:            OrderByPriority,
		Agents:              map[string]AgentSpec{},
	}
}

// Load reads a YAML config file, fills defaults, applies env overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the loaded config.
func (c *Config) applyEnv() {
	if v := os.Getenv("WORKFLOW_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrency = n
		}
	}
	if os.Getenv("RALPH_DEBUG") == "1" {
		c.Debug = true
	}
}

// Validate clamps and checks the configuration.
func (c *Config) Validate() error {
	if c.RepoRoot == "" {
		return fmt.Errorf("repo_root is required")
	}
	if c.MaxConcurrency < MinConcurrency {
		c.MaxConcurrency = MinConcurrency
	}
	if c.MaxConcurrency > MaxConcurrency {
		c.MaxConcurrency = MaxConcurrency
	}
	if c.MainBranch == "" {
		c.MainBranch = "main"
	}
	if c.MaxSpeculativeDepth < 1 {
		c.MaxSpeculativeDepth = 1
	}
	switch c.Ordering {
	case OrderByPriority, OrderByTicketOrder, OrderReportCompleteFIFO:
	case "":
		c.Ordering = OrderByPriority
	default:
		return fmt.Errorf("unknown ordering_strategy %q", c.Ordering)
	}
	if c.StateDir == "" {
		c.StateDir = c.RepoRoot + "/.ralph"
	}
	return nil
}

// SchedulerAgent returns the id of the first agent flagged is_scheduler,
// or the empty string when none is configured.
func (c *Config) SchedulerAgent() string {
	for id, spec := range c.Agents {
		if spec.IsScheduler {
			return id
		}
	}
	return ""
}
