package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"donna/internal/observability"
	"donna/internal/taskerr"
)

// Config is the full engine configuration tree. Defaults make a bare
// tree runnable; Validate catches the rest before the daemon starts.
type Config struct {
	Engine        EngineConfig          `yaml:"engine" mapstructure:"engine"`
	Store         StoreConfig           `yaml:"store" mapstructure:"store"`
	Pool          PoolConfig            `yaml:"pool" mapstructure:"pool"`
	Executor      ExecutorConfig        `yaml:"executor" mapstructure:"executor"`
	Scheduler     SchedulerConfig       `yaml:"scheduler" mapstructure:"scheduler"`
	Prompt        PromptConfig          `yaml:"prompt" mapstructure:"prompt"`
	History       HistoryConfig         `yaml:"history" mapstructure:"history"`
	Memory        MemoryConfig          `yaml:"memory" mapstructure:"memory"`
	Heartbeat     HeartbeatConfig       `yaml:"heartbeat" mapstructure:"heartbeat"`
	Channels      ChannelsConfig        `yaml:"channels" mapstructure:"channels"`
	Files         FilesConfig           `yaml:"files" mapstructure:"files"`
	Server        ServerConfig          `yaml:"server" mapstructure:"server"`
	Secrets       SecretsConfig         `yaml:"secrets" mapstructure:"secrets"`
	Observability observability.Config  `yaml:"observability" mapstructure:"observability"`
	Users         map[string]UserConfig `yaml:"users" mapstructure:"users"`
}

// SecretsConfig holds credentials that must never reach a child
// process environment; they are surfaced through helper scripts
// instead.
type SecretsConfig struct {
	ForgeToken string `yaml:"forge_token" mapstructure:"forge_token"`
	// SMTPPassword authenticates the outbound mail sender.
	SMTPPassword string `yaml:"smtp_password" mapstructure:"smtp_password"`
}

// EngineConfig locates the engine's state on disk.
type EngineConfig struct {
	Namespace   string `yaml:"namespace" mapstructure:"namespace"`
	Home        string `yaml:"home" mapstructure:"home"`
	DBPath      string `yaml:"db_path" mapstructure:"db_path"`
	DeferredDir string `yaml:"deferred_dir" mapstructure:"deferred_dir"`
	AdminsFile  string `yaml:"admins_file" mapstructure:"admins_file"`
	Timezone    string `yaml:"timezone" mapstructure:"timezone"`
}

// StoreConfig tunes claim recovery, retry, and cleanup.
type StoreConfig struct {
	BusyTimeout         time.Duration `yaml:"busy_timeout" mapstructure:"busy_timeout"`
	MaxAttempts         int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	MaxRetryAge         time.Duration `yaml:"max_retry_age" mapstructure:"max_retry_age"`
	LockStaleAfter      time.Duration `yaml:"lock_stale_after" mapstructure:"lock_stale_after"`
	RunningStaleAfter   time.Duration `yaml:"running_stale_after" mapstructure:"running_stale_after"`
	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout" mapstructure:"confirmation_timeout"`
	StalePendingFail    time.Duration `yaml:"stale_pending_fail" mapstructure:"stale_pending_fail"`
	TaskRetention       time.Duration `yaml:"task_retention" mapstructure:"task_retention"`
}

// PoolConfig bounds worker concurrency.
type PoolConfig struct {
	MaxForegroundWorkers     int           `yaml:"max_foreground_workers" mapstructure:"max_foreground_workers"`
	MaxBackgroundWorkers     int           `yaml:"max_background_workers" mapstructure:"max_background_workers"`
	UserMaxForegroundWorkers int           `yaml:"user_max_foreground_workers" mapstructure:"user_max_foreground_workers"`
	UserMaxBackgroundWorkers int           `yaml:"user_max_background_workers" mapstructure:"user_max_background_workers"`
	WorkerIdleTimeout        time.Duration `yaml:"worker_idle_timeout" mapstructure:"worker_idle_timeout"`
}

// SandboxConfig controls the filesystem wrap around the child.
type SandboxConfig struct {
	Enabled       bool   `yaml:"enabled" mapstructure:"enabled"`
	Binary        string `yaml:"binary" mapstructure:"binary"`
	WorkspaceRoot string `yaml:"workspace_root" mapstructure:"workspace_root"`
}

// ExecutorConfig drives the child LLM process.
type ExecutorConfig struct {
	Binary              string        `yaml:"binary" mapstructure:"binary"`
	Model               string        `yaml:"model" mapstructure:"model"`
	SmallModel          string        `yaml:"small_model" mapstructure:"small_model"`
	PermissionMode      string        `yaml:"permission_mode" mapstructure:"permission_mode"` // restricted, permissive
	AllowedTools        []string      `yaml:"allowed_tools" mapstructure:"allowed_tools"`
	ExecutionTimeout    time.Duration `yaml:"execution_timeout" mapstructure:"execution_timeout"`
	TransientRetries    int           `yaml:"transient_retries" mapstructure:"transient_retries"`
	TransientRetryDelay time.Duration `yaml:"transient_retry_delay" mapstructure:"transient_retry_delay"`
	ProgressMinInterval time.Duration `yaml:"progress_min_interval" mapstructure:"progress_min_interval"`
	ProgressMaxPerTask  int           `yaml:"progress_max_per_task" mapstructure:"progress_max_per_task"`
	ForwardText         bool          `yaml:"forward_text" mapstructure:"forward_text"`
	TextTruncateAt      int           `yaml:"text_truncate_at" mapstructure:"text_truncate_at"`
	Sandbox             SandboxConfig `yaml:"sandbox" mapstructure:"sandbox"`
}

// SchedulerConfig tunes the daemon loop and its interval gates.
type SchedulerConfig struct {
	PollInterval               time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	PhaseInterval              time.Duration `yaml:"phase_interval" mapstructure:"phase_interval"`
	EmailPollInterval          time.Duration `yaml:"email_poll_interval" mapstructure:"email_poll_interval"`
	TasksFilePollInterval      time.Duration `yaml:"tasks_file_poll_interval" mapstructure:"tasks_file_poll_interval"`
	OrganizeInterval           time.Duration `yaml:"organize_interval" mapstructure:"organize_interval"`
	LockPath                   string        `yaml:"lock_path" mapstructure:"lock_path"`
	MaxTasks                   int           `yaml:"max_tasks" mapstructure:"max_tasks"`
	JobFailureDisableThreshold int           `yaml:"job_failure_disable_threshold" mapstructure:"job_failure_disable_threshold"`
	CronFileDir                string        `yaml:"cron_file_dir" mapstructure:"cron_file_dir"`
	// InvoicesFile lists monthly invoice schedules; empty disables
	// the invoice phase.
	InvoicesFile string `yaml:"invoices_file" mapstructure:"invoices_file"`
}

// PromptConfig locates prompt inputs and bounds assembly.
type PromptConfig struct {
	BotName           string `yaml:"bot_name" mapstructure:"bot_name"`
	SkillsDir         string `yaml:"skills_dir" mapstructure:"skills_dir"`
	EmissariesPath    string `yaml:"emissaries_path" mapstructure:"emissaries_path"`
	PersonaDir        string `yaml:"persona_dir" mapstructure:"persona_dir"`
	GlobalPersonaPath string `yaml:"global_persona_path" mapstructure:"global_persona_path"`
	GuidelinesDir     string `yaml:"guidelines_dir" mapstructure:"guidelines_dir"`
	MemoryDir         string `yaml:"memory_dir" mapstructure:"memory_dir"`
	DatedMemoryDays   int    `yaml:"dated_memory_days" mapstructure:"dated_memory_days"`
	RecallLimit       int    `yaml:"recall_limit" mapstructure:"recall_limit"`
	TokenBudget       int    `yaml:"token_budget" mapstructure:"token_budget"`
	FileCacheSize     int    `yaml:"file_cache_size" mapstructure:"file_cache_size"`

	// SkillEnv resolves skill environment declarations with
	// source "config": declaration key -> value.
	SkillEnv map[string]string `yaml:"skill_env" mapstructure:"skill_env"`
}

// HistoryConfig tunes conversation-context selection.
type HistoryConfig struct {
	LookbackCount          int           `yaml:"lookback_count" mapstructure:"lookback_count"`
	SkipSelectionThreshold int           `yaml:"skip_selection_threshold" mapstructure:"skip_selection_threshold"`
	AlwaysIncludeRecent    int           `yaml:"always_include_recent" mapstructure:"always_include_recent"`
	TriageTimeout          time.Duration `yaml:"triage_timeout" mapstructure:"triage_timeout"`
}

// MemoryConfig tunes the hybrid memory index.
type MemoryConfig struct {
	Enabled       bool    `yaml:"enabled" mapstructure:"enabled"`
	VectorEnabled bool    `yaml:"vector_enabled" mapstructure:"vector_enabled"`
	Alpha         float64 `yaml:"alpha" mapstructure:"alpha"`
	MinSimilarity float64 `yaml:"min_similarity" mapstructure:"min_similarity"`
	VectorPath    string  `yaml:"vector_path" mapstructure:"vector_path"`
	EmbedModel    string  `yaml:"embed_model" mapstructure:"embed_model"`
	EmbedBaseURL  string  `yaml:"embed_base_url" mapstructure:"embed_base_url"`
}

// HeartbeatConfig locates health-check definitions.
type HeartbeatConfig struct {
	Enabled    bool   `yaml:"enabled" mapstructure:"enabled"`
	ChecksFile string `yaml:"checks_file" mapstructure:"checks_file"`
}

// TalkConfig configures the chat-room poller collaborator.
type TalkConfig struct {
	Enabled      bool          `yaml:"enabled" mapstructure:"enabled"`
	BaseURL      string        `yaml:"base_url" mapstructure:"base_url"`
	Token        string        `yaml:"token" mapstructure:"token"`
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	// Rooms are the conversation tokens the poller watches.
	Rooms []string `yaml:"rooms" mapstructure:"rooms"`
	// DefaultRoom receives results for tasks without a conversation
	// token. Empty falls back to the first configured room.
	DefaultRoom string `yaml:"default_room" mapstructure:"default_room"`
}

// EmailConfig configures the mail surface. Inbound mail arrives in a
// locally synced maildir (mbsync, fetchmail, or a dovecot LDA own the
// wire protocol); outbound goes through plain SMTP.
type EmailConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// Maildir is the root holding new/ cur/ tmp/.
	Maildir  string `yaml:"maildir" mapstructure:"maildir"`
	SMTPAddr string `yaml:"smtp_addr" mapstructure:"smtp_addr"`
	SMTPUser string `yaml:"smtp_user" mapstructure:"smtp_user"`
	From     string `yaml:"from" mapstructure:"from"`
}

// TasksFileConfig configures the checklist-file poller.
type TasksFileConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Dir     string `yaml:"dir" mapstructure:"dir"`
	Pattern string `yaml:"pattern" mapstructure:"pattern"`
}

// NtfyConfig configures push notification delivery.
type NtfyConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	URL     string `yaml:"url" mapstructure:"url"`
	Topic   string `yaml:"topic" mapstructure:"topic"`
}

// FilesConfig locates the shared file tree the checklist poller and
// the organize phase work in. Layout convention: one subdirectory per
// user, named after the user id. Empty root disables the file surface.
type FilesConfig struct {
	Root string `yaml:"root" mapstructure:"root"`
}

// ChannelsConfig groups the channel adapters.
type ChannelsConfig struct {
	Talk      TalkConfig      `yaml:"talk" mapstructure:"talk"`
	Email     EmailConfig     `yaml:"email" mapstructure:"email"`
	TasksFile TasksFileConfig `yaml:"tasks_file" mapstructure:"tasks_file"`
	Ntfy      NtfyConfig      `yaml:"ntfy" mapstructure:"ntfy"`
}

// ServerConfig configures the status HTTP API.
type ServerConfig struct {
	Enabled      bool     `yaml:"enabled" mapstructure:"enabled"`
	Addr         string   `yaml:"addr" mapstructure:"addr"`
	AllowOrigins []string `yaml:"allow_origins" mapstructure:"allow_origins"`
}

// UserConfig carries per-user settings. Zero cap values inherit the
// pool defaults.
type UserConfig struct {
	Timezone             string `yaml:"timezone" mapstructure:"timezone"`
	PersonaPath          string `yaml:"persona_path" mapstructure:"persona_path"`
	MaxForegroundWorkers int    `yaml:"max_foreground_workers" mapstructure:"max_foreground_workers"`
	MaxBackgroundWorkers int    `yaml:"max_background_workers" mapstructure:"max_background_workers"`
	BriefingCron         string `yaml:"briefing_cron" mapstructure:"briefing_cron"`
	BriefingTarget       string `yaml:"briefing_target" mapstructure:"briefing_target"`
	Email                string `yaml:"email" mapstructure:"email"`
}

// Defaults returns the runnable baseline configuration.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			Namespace: "donna",
			Home:      ".",
			Timezone:  "UTC",
		},
		Store: StoreConfig{
			BusyTimeout:         30 * time.Second,
			MaxAttempts:         3,
			MaxRetryAge:         60 * time.Minute,
			LockStaleAfter:      30 * time.Minute,
			RunningStaleAfter:   15 * time.Minute,
			ConfirmationTimeout: 120 * time.Minute,
			StalePendingFail:    2 * time.Hour,
			TaskRetention:       7 * 24 * time.Hour,
		},
		Pool: PoolConfig{
			MaxForegroundWorkers:     5,
			MaxBackgroundWorkers:     3,
			UserMaxForegroundWorkers: 2,
			UserMaxBackgroundWorkers: 1,
			WorkerIdleTimeout:        30 * time.Second,
		},
		Executor: ExecutorConfig{
			Binary:              "claude",
			PermissionMode:      "restricted",
			AllowedTools:        []string{"Read", "Glob", "Grep", "Bash"},
			ExecutionTimeout:    10 * time.Minute,
			TransientRetries:    3,
			TransientRetryDelay: 5 * time.Second,
			ProgressMinInterval: 8 * time.Second,
			ProgressMaxPerTask:  5,
			ForwardText:         false,
			TextTruncateAt:      400,
			Sandbox: SandboxConfig{
				Enabled: false,
				Binary:  "bwrap",
			},
		},
		Scheduler: SchedulerConfig{
			PollInterval:               2 * time.Second,
			PhaseInterval:              60 * time.Second,
			EmailPollInterval:          60 * time.Second,
			TasksFilePollInterval:      60 * time.Second,
			OrganizeInterval:           10 * time.Minute,
			JobFailureDisableThreshold: 10,
		},
		Prompt: PromptConfig{
			BotName:         "Donna",
			DatedMemoryDays: 7,
			RecallLimit:     8,
			TokenBudget:     60000,
			FileCacheSize:   64,
		},
		History: HistoryConfig{
			LookbackCount:          25,
			SkipSelectionThreshold: 3,
			AlwaysIncludeRecent:    5,
			TriageTimeout:          30 * time.Second,
		},
		Memory: MemoryConfig{
			Enabled:       true,
			VectorEnabled: false,
			Alpha:         0.7,
			MinSimilarity: 0.0,
			EmbedModel:    "nomic-embed-text",
		},
		Channels: ChannelsConfig{
			Talk:      TalkConfig{PollInterval: 30 * time.Second},
			TasksFile: TasksFileConfig{Pattern: "*.md"},
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8491",
		},
		Observability: observability.DefaultConfig(),
		Users:         map[string]UserConfig{},
	}
}

// normalize trims string fields and derives paths left empty.
func (c *Config) normalize() {
	c.Engine.Namespace = strings.TrimSpace(c.Engine.Namespace)
	c.Engine.Home = strings.TrimSpace(c.Engine.Home)
	c.Engine.DBPath = strings.TrimSpace(c.Engine.DBPath)
	c.Engine.DeferredDir = strings.TrimSpace(c.Engine.DeferredDir)
	c.Engine.AdminsFile = strings.TrimSpace(c.Engine.AdminsFile)
	c.Engine.Timezone = strings.TrimSpace(c.Engine.Timezone)
	c.Executor.Binary = strings.TrimSpace(c.Executor.Binary)
	c.Executor.PermissionMode = strings.ToLower(strings.TrimSpace(c.Executor.PermissionMode))
	c.Scheduler.LockPath = strings.TrimSpace(c.Scheduler.LockPath)
	c.Scheduler.CronFileDir = strings.TrimSpace(c.Scheduler.CronFileDir)
	c.Scheduler.InvoicesFile = strings.TrimSpace(c.Scheduler.InvoicesFile)
	c.Files.Root = strings.TrimSpace(c.Files.Root)
	c.Prompt.BotName = strings.TrimSpace(c.Prompt.BotName)

	if c.Engine.Namespace == "" {
		c.Engine.Namespace = "donna"
	}
	if c.Engine.Home == "" {
		c.Engine.Home = "."
	}
	if c.Engine.Timezone == "" {
		c.Engine.Timezone = "UTC"
	}
	if c.Engine.DBPath == "" {
		c.Engine.DBPath = filepath.Join(c.Engine.Home, "data", c.Engine.Namespace+".db")
	}
	if c.Engine.DeferredDir == "" {
		c.Engine.DeferredDir = filepath.Join(c.Engine.Home, "tmp")
	}
	if c.Engine.AdminsFile == "" {
		c.Engine.AdminsFile = "/etc/" + c.Engine.Namespace + "/admins"
	}
	if c.Scheduler.LockPath == "" {
		c.Scheduler.LockPath = fmt.Sprintf("/tmp/%s-scheduler-daemon.lock", c.Engine.Namespace)
	}
	if c.Scheduler.CronFileDir == "" {
		c.Scheduler.CronFileDir = filepath.Join(c.Engine.Home, "cron")
	}
	if c.Prompt.SkillsDir == "" {
		c.Prompt.SkillsDir = filepath.Join(c.Engine.Home, "skills")
	}
	if c.Prompt.PersonaDir == "" {
		c.Prompt.PersonaDir = filepath.Join(c.Engine.Home, "personas")
	}
	if c.Prompt.MemoryDir == "" {
		c.Prompt.MemoryDir = filepath.Join(c.Engine.Home, "memory")
	}
	if c.Memory.VectorPath == "" {
		c.Memory.VectorPath = filepath.Join(c.Engine.Home, "data", "vectors")
	}
	if c.Executor.TransientRetries < 0 {
		c.Executor.TransientRetries = 0
	}
	if c.Pool.WorkerIdleTimeout <= 0 {
		c.Pool.WorkerIdleTimeout = 30 * time.Second
	}
	rooms := c.Channels.Talk.Rooms[:0]
	for _, room := range c.Channels.Talk.Rooms {
		if room = strings.TrimSpace(room); room != "" {
			rooms = append(rooms, room)
		}
	}
	c.Channels.Talk.Rooms = rooms
	c.Channels.Talk.DefaultRoom = strings.TrimSpace(c.Channels.Talk.DefaultRoom)
	if c.Channels.Talk.DefaultRoom == "" && len(rooms) > 0 {
		c.Channels.Talk.DefaultRoom = rooms[0]
	}
	if c.Users == nil {
		c.Users = map[string]UserConfig{}
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Pool.MaxForegroundWorkers < 1 || c.Pool.MaxBackgroundWorkers < 1 {
		return taskerr.Configf("pool caps must be at least 1 (foreground=%d background=%d)",
			c.Pool.MaxForegroundWorkers, c.Pool.MaxBackgroundWorkers)
	}
	if c.Pool.UserMaxForegroundWorkers < 1 || c.Pool.UserMaxBackgroundWorkers < 1 {
		return taskerr.Configf("per-user caps must be at least 1")
	}
	if c.Executor.Binary == "" {
		return taskerr.Configf("executor.binary is required")
	}
	switch c.Executor.PermissionMode {
	case "restricted", "permissive":
	default:
		return taskerr.Configf("executor.permission_mode must be restricted or permissive, got %q", c.Executor.PermissionMode)
	}
	if c.Executor.PermissionMode == "restricted" && len(c.Executor.AllowedTools) == 0 {
		return taskerr.Configf("executor.allowed_tools is required in restricted mode")
	}
	if c.Store.MaxAttempts < 1 {
		return taskerr.Configf("store.max_attempts must be at least 1")
	}
	if c.Scheduler.PollInterval <= 0 {
		return taskerr.Configf("scheduler.poll_interval must be positive")
	}
	if _, err := time.LoadLocation(c.Engine.Timezone); err != nil {
		return taskerr.Config(err, fmt.Sprintf("engine.timezone %q", c.Engine.Timezone))
	}
	for id, u := range c.Users {
		if u.Timezone != "" {
			if _, err := time.LoadLocation(u.Timezone); err != nil {
				return taskerr.Config(err, fmt.Sprintf("users.%s.timezone %q", id, u.Timezone))
			}
		}
		if u.MaxForegroundWorkers < 0 || u.MaxBackgroundWorkers < 0 {
			return taskerr.Configf("users.%s worker caps must not be negative", id)
		}
	}
	return nil
}

// UserTimezone resolves the effective location for a user.
func (c *Config) UserTimezone(userID string) *time.Location {
	tz := c.Engine.Timezone
	if u, ok := c.Users[userID]; ok && u.Timezone != "" {
		tz = u.Timezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// UserCap resolves the effective per-user worker cap for a queue.
func (c *Config) UserCap(userID string, foreground bool) int {
	if u, ok := c.Users[userID]; ok {
		if foreground && u.MaxForegroundWorkers > 0 {
			return u.MaxForegroundWorkers
		}
		if !foreground && u.MaxBackgroundWorkers > 0 {
			return u.MaxBackgroundWorkers
		}
	}
	if foreground {
		return c.Pool.UserMaxForegroundWorkers
	}
	return c.Pool.UserMaxBackgroundWorkers
}
