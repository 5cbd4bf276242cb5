package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"donna/internal/taskerr"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending             Status = "pending"
	StatusLocked              Status = "locked"
	StatusRunning             Status = "running"
	StatusCompleted           Status = "completed"
	StatusFailed              Status = "failed"
	StatusPendingConfirmation Status = "pending_confirmation"
	StatusCancelled           Status = "cancelled"
)

// IsTerminal reports whether the status is a final state. Terminal
// tasks never transition again, with the single exception of
// pending_confirmation expiring to cancelled.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusLocked, StatusRunning, StatusCompleted,
		StatusFailed, StatusPendingConfirmation, StatusCancelled:
		return true
	default:
		return false
	}
}

// SourceType identifies the channel a task arrived through. It also
// determines the queue the task runs on.
type SourceType string

const (
	SourceTalk      SourceType = "talk"
	SourceEmail     SourceType = "email"
	SourceCLI       SourceType = "cli"
	SourceTasksFile SourceType = "tasks_file"
	SourceScheduled SourceType = "scheduled"
	SourceBriefing  SourceType = "briefing"
	SourceHeartbeat SourceType = "heartbeat"
)

// Valid reports whether s is a known source type.
func (s SourceType) Valid() bool {
	switch s {
	case SourceTalk, SourceEmail, SourceCLI, SourceTasksFile,
		SourceScheduled, SourceBriefing, SourceHeartbeat:
		return true
	default:
		return false
	}
}

// Queue returns the queue type tasks from this source run on.
func (s SourceType) Queue() QueueType {
	switch s {
	case SourceScheduled, SourceBriefing, SourceHeartbeat:
		return QueueBackground
	default:
		return QueueForeground
	}
}

// QueueType separates interactive work from system-driven work.
type QueueType string

const (
	QueueForeground QueueType = "foreground"
	QueueBackground QueueType = "background"
)

// Sources returns the source types dispatched on this queue.
func (q QueueType) Sources() []SourceType {
	if q == QueueBackground {
		return []SourceType{SourceScheduled, SourceBriefing, SourceHeartbeat}
	}
	return []SourceType{SourceTalk, SourceEmail, SourceCLI, SourceTasksFile}
}

// OutputTarget names where a task's result is delivered.
type OutputTarget string

const (
	TargetTalk  OutputTarget = "talk"
	TargetEmail OutputTarget = "email"
	TargetBoth  OutputTarget = "both"
	TargetNtfy  OutputTarget = "ntfy"
	TargetAll   OutputTarget = "all"
	TargetNone  OutputTarget = "none"
)

// Valid reports whether t is a known output target.
func (t OutputTarget) Valid() bool {
	switch t {
	case TargetTalk, TargetEmail, TargetBoth, TargetNtfy, TargetAll, TargetNone:
		return true
	default:
		return false
	}
}

// StringList stores a []string as a JSON array column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		if len(v) == 0 {
			*l = nil
			return nil
		}
		return json.Unmarshal(v, l)
	case string:
		if v == "" {
			*l = nil
			return nil
		}
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}
}

// Task is one unit of work owned by one user.
type Task struct {
	ID                int64        `db:"id"`
	UserID            string       `db:"user_id"`
	Prompt            string       `db:"prompt"`
	Command           string       `db:"command"`
	SourceType        SourceType   `db:"source_type"`
	SourceRef         string       `db:"source_ref"`
	ConversationToken string       `db:"conversation_token"`
	Attachments       StringList   `db:"attachments"`
	OutputTarget      OutputTarget `db:"output_target"`
	Status            Status       `db:"status"`
	Priority          int          `db:"priority"`
	NotBefore         *time.Time   `db:"not_before"`
	CreatedAt         time.Time    `db:"created_at"`
	StartedAt         *time.Time   `db:"started_at"`
	CompletedAt       *time.Time   `db:"completed_at"`
	AttemptCount      int          `db:"attempt_count"`
	LastError         string       `db:"last_error"`
	WorkerPID         int          `db:"worker_pid"`
	CancelRequested   bool         `db:"cancel_requested"`
	HeartbeatSilent   bool         `db:"heartbeat_silent"`
	ScheduledJobID    int64        `db:"scheduled_job_id"`
	Result            string       `db:"result"`
	ActionsTaken      StringList   `db:"actions_taken"`
}

// IsCommand reports whether the task runs a fixed shell command
// instead of an LLM prompt. The executor dispatches on this.
func (t *Task) IsCommand() bool { return t.Command != "" }

// Queue returns the queue type the task belongs to.
func (t *Task) Queue() QueueType { return t.SourceType.Queue() }

// Age returns how long ago the task was created.
func (t *Task) Age(now time.Time) time.Duration { return now.Sub(t.CreatedAt) }

// NewTask carries the caller-supplied fields for task creation.
type NewTask struct {
	UserID            string
	Prompt            string
	Command           string
	SourceType        SourceType
	SourceRef         string
	ConversationToken string
	Attachments       []string
	OutputTarget      OutputTarget
	Priority          int
	HeartbeatSilent   bool
	ScheduledJobID    int64
	NotBefore         *time.Time
}

func (n *NewTask) validate() error {
	if n.UserID == "" {
		return taskerr.Configf("task requires a user id")
	}
	if !n.SourceType.Valid() {
		return taskerr.Configf("unknown source type %q", n.SourceType)
	}
	if n.Prompt == "" && n.Command == "" {
		return taskerr.Configf("task requires a prompt or a command")
	}
	if n.Prompt != "" && n.Command != "" {
		return taskerr.Configf("prompt and command are mutually exclusive")
	}
	if n.OutputTarget == "" {
		n.OutputTarget = TargetTalk
	}
	if !n.OutputTarget.Valid() {
		return taskerr.Configf("unknown output target %q", n.OutputTarget)
	}
	return nil
}
