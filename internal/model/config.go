package model

type Config struct {
	Job      JobConfig      `yaml:"job"`
	Timeout  TimeoutConfig  `yaml:"timeout"`
	Merge    MergeConfig    `yaml:"merge"`
	DLQ      DLQConfig      `yaml:"dlq"`
	Commands []CommandSpec  `yaml:"commands"`
	Reduce   ReduceConfig   `yaml:"reduce"`
	Worktree WorktreeConfig `yaml:"worktree"`
	Events   EventsConfig   `yaml:"events"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type JobConfig struct {
	MaxParallel  int  `yaml:"max_parallel"`
	FailWorkflow bool `yaml:"fail_workflow"` // a dead-lettered item aborts the whole job
}

// TimeoutPolicy selects how command timeouts are budgeted.
type TimeoutPolicy string

const (
	// PolicyPerAgent shares one timeout budget across all commands of an agent.
	PolicyPerAgent TimeoutPolicy = "per_agent"
	// PolicyPerCommand gives every command the full timeout independently.
	PolicyPerCommand TimeoutPolicy = "per_command"
	// PolicyHybrid checks command-type overrides first, falling back to the
	// agent-level budget.
	PolicyHybrid TimeoutPolicy = "hybrid"
)

// TimeoutAction selects what happens to an item when its agent times out.
type TimeoutAction string

const (
	ActionDLQ               TimeoutAction = "dlq"
	ActionSkip              TimeoutAction = "skip"
	ActionFail              TimeoutAction = "fail"
	ActionGracefulTerminate TimeoutAction = "graceful_terminate"
)

type TimeoutConfig struct {
	AgentTimeoutSecs int            `yaml:"agent_timeout_secs"`
	CommandTimeouts  map[string]int `yaml:"command_timeouts"` // keyed by command runner type
	Policy           TimeoutPolicy  `yaml:"policy"`
	CleanupGraceSecs int            `yaml:"cleanup_grace_secs"`
	Action           TimeoutAction  `yaml:"action"`
}

type MergeConfig struct {
	// ValidationCommands run in the parent worktree before the final merge
	// into the original branch. Any failure aborts the merge.
	ValidationCommands []CommandSpec `yaml:"validation_commands"`
}

type DLQConfig struct {
	MaxItems      int `yaml:"max_items"`
	RetentionDays int `yaml:"retention_days"`
}

// CommandRunnerType labels how a command body is executed. The body itself
// is opaque to the core: an agent invocation is just another subprocess.
type CommandRunnerType string

const (
	RunnerShell CommandRunnerType = "shell"
	RunnerAgent CommandRunnerType = "agent"
)

// CommandSpec is one resolved command of the per-agent pipeline, supplied
// by the upstream workflow source with parameters already substituted.
type CommandSpec struct {
	Runner         CommandRunnerType `yaml:"runner" json:"runner"`
	Body           string            `yaml:"body" json:"body"`
	TimeoutSecs    int               `yaml:"timeout_secs,omitempty" json:"timeout_secs,omitempty"`
	CommitRequired bool              `yaml:"commit_required" json:"commit_required"`
}

// AggregateSpec names one reduce-phase aggregate: which field of the agent
// outputs to fold and how. Separator joins concat values; Order may be
// "desc" to invert a sort.
type AggregateSpec struct {
	Kind      string `yaml:"kind"`
	Field     string `yaml:"field"`
	Separator string `yaml:"separator,omitempty"`
	Order     string `yaml:"order,omitempty"`
}

type ReduceConfig struct {
	Aggregates map[string]AggregateSpec `yaml:"aggregates"`
}

type WorktreeConfig struct {
	// DefaultBranch is used when the original branch was deleted or HEAD
	// was detached at session start.
	DefaultBranch string `yaml:"default_branch"`
}

type EventsConfig struct {
	MaxLogSizeBytes int64 `yaml:"max_log_size_bytes"`
	EnableChecksum  bool  `yaml:"enable_checksum"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ApplyDefaults fills zero-valued config fields with operational defaults.
func (c *Config) ApplyDefaults() {
	if c.Job.MaxParallel <= 0 {
		c.Job.MaxParallel = 4
	}
	if c.Timeout.AgentTimeoutSecs <= 0 {
		c.Timeout.AgentTimeoutSecs = 600
	}
	if c.Timeout.CleanupGraceSecs <= 0 {
		c.Timeout.CleanupGraceSecs = 30
	}
	if c.Timeout.Policy == "" {
		c.Timeout.Policy = PolicyPerAgent
	}
	if c.Timeout.Action == "" {
		c.Timeout.Action = ActionDLQ
	}
	if c.DLQ.MaxItems <= 0 {
		c.DLQ.MaxItems = 1000
	}
	if c.DLQ.RetentionDays <= 0 {
		c.DLQ.RetentionDays = 30
	}
	if c.Worktree.DefaultBranch == "" {
		c.Worktree.DefaultBranch = "main"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
