// Package heartbeat evaluates configured health checks and enqueues
// alert tasks when they fail. A check is a shell command whose exit
// status decides health; definitions live in a YAML file the operator
// edits, state (last check, last alert, error streak) lives in the
// store so restarts never re-alert.
package heartbeat

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"donna/internal/config"
	"donna/internal/observability"
	"donna/internal/prompt"
	"donna/internal/store"
	"donna/internal/taskerr"
	"donna/internal/users"
)

const (
	defaultIntervalMinutes = 30
	defaultCooldownMinutes = 120
	defaultTimeoutSeconds  = 60
	maxOutputInPrompt      = 2000
)

// Check is one entry in the checks file. Interval gates how often the
// command runs, cooldown how often a failing check may alert, and
// quiet hours suppress the whole check on the owner's clock.
type Check struct {
	Name            string `yaml:"name"`
	UserID          string `yaml:"user"`
	Command         string `yaml:"command"`
	Prompt          string `yaml:"prompt"`
	IntervalMinutes int    `yaml:"interval_minutes"`
	CooldownMinutes int    `yaml:"cooldown_minutes"`
	QuietHours      string `yaml:"quiet_hours"`
	FailuresToAlert int    `yaml:"failures_to_alert"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	Target          string `yaml:"target"`
	Silent          bool   `yaml:"silent"`
	Disabled        bool   `yaml:"disabled"`
}

func (c Check) interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

func (c Check) cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}

func (c Check) timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type checksFile struct {
	Checks []Check `yaml:"checks"`
}

// LoadChecks reads and validates the checks file, applying defaults.
// A missing file means no checks.
func LoadChecks(path string) ([]Check, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checks file: %w", err)
	}
	var f checksFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, taskerr.Config(err, "parse checks file")
	}
	seen := make(map[string]struct{}, len(f.Checks))
	for i := range f.Checks {
		c := &f.Checks[i]
		c.Name = strings.TrimSpace(c.Name)
		c.UserID = strings.TrimSpace(c.UserID)
		c.Target = strings.ToLower(strings.TrimSpace(c.Target))
		if c.Name == "" {
			return nil, taskerr.Configf("checks file: entry %d has no name", i+1)
		}
		if _, dup := seen[c.Name]; dup {
			return nil, taskerr.Configf("checks file: duplicate check %q", c.Name)
		}
		seen[c.Name] = struct{}{}
		if c.UserID == "" {
			return nil, taskerr.Configf("check %s: user is required", c.Name)
		}
		if strings.TrimSpace(c.Command) == "" {
			return nil, taskerr.Configf("check %s: command is required", c.Name)
		}
		if _, err := parseQuietHours(c.QuietHours); err != nil {
			return nil, taskerr.Configf("check %s: %v", c.Name, err)
		}
		if c.Target != "" && !store.OutputTarget(c.Target).Valid() {
			return nil, taskerr.Configf("check %s: unknown target %q", c.Name, c.Target)
		}
		if c.IntervalMinutes <= 0 {
			c.IntervalMinutes = defaultIntervalMinutes
		}
		if c.CooldownMinutes <= 0 {
			c.CooldownMinutes = defaultCooldownMinutes
		}
		if c.FailuresToAlert <= 0 {
			c.FailuresToAlert = 1
		}
		if c.TimeoutSeconds <= 0 {
			c.TimeoutSeconds = defaultTimeoutSeconds
		}
	}
	return f.Checks, nil
}

// quietRange is a daily window in minutes-of-day. start > end means
// the window crosses midnight.
type quietRange struct {
	start, end int
	set        bool
}

func (q quietRange) contains(t time.Time) bool {
	if !q.set {
		return false
	}
	m := t.Hour()*60 + t.Minute()
	if q.start <= q.end {
		return m >= q.start && m < q.end
	}
	return m >= q.start || m < q.end
}

// parseQuietHours parses "HH:MM-HH:MM". Empty means no quiet window;
// so does an empty-width window like "22:00-22:00".
func parseQuietHours(s string) (quietRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return quietRange{}, nil
	}
	from, to, ok := strings.Cut(s, "-")
	if !ok {
		return quietRange{}, fmt.Errorf("bad quiet_hours %q, want HH:MM-HH:MM", s)
	}
	start, err := parseClock(from)
	if err != nil {
		return quietRange{}, fmt.Errorf("bad quiet_hours %q: %v", s, err)
	}
	end, err := parseClock(to)
	if err != nil {
		return quietRange{}, fmt.Errorf("bad quiet_hours %q: %v", s, err)
	}
	if start == end {
		return quietRange{}, nil
	}
	return quietRange{start: start, end: end, set: true}, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Evaluator runs due checks against the store's clock and enqueues
// alert tasks on the background queue.
type Evaluator struct {
	cfg     *config.Config
	store   *store.Store
	users   *users.Directory
	logger  *observability.Logger
	environ func() []string
}

// Option adjusts an Evaluator.
type Option func(*Evaluator)

// WithLogger attaches a logger.
func WithLogger(l *observability.Logger) Option {
	return func(e *Evaluator) { e.logger = l.OrNop() }
}

// WithEnviron overrides the environment the check commands inherit.
func WithEnviron(fn func() []string) Option {
	return func(e *Evaluator) { e.environ = fn }
}

// NewEvaluator builds an Evaluator over the configured checks file.
func NewEvaluator(cfg *config.Config, st *store.Store, dir *users.Directory, opts ...Option) *Evaluator {
	e := &Evaluator{
		cfg:     cfg,
		store:   st,
		users:   dir,
		logger:  observability.Nop(),
		environ: os.Environ,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs every due check once. Per-check problems are contained:
// a broken command marks that check unhealthy and evaluation moves on.
// Only a config-level failure (unreadable checks file) is returned.
func (e *Evaluator) Evaluate(ctx context.Context) error {
	if !e.cfg.Heartbeat.Enabled {
		return nil
	}
	checks, err := LoadChecks(e.cfg.Heartbeat.ChecksFile)
	if err != nil {
		return err
	}
	for _, c := range checks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.Disabled {
			continue
		}
		e.evaluateOne(ctx, c)
	}
	return nil
}

func (e *Evaluator) evaluateOne(ctx context.Context, c Check) {
	state, err := e.store.GetHeartbeatState(ctx, c.Name)
	if err != nil {
		e.logger.WarnContext(ctx, "heartbeat state unavailable", "check", c.Name, "error", err)
		return
	}
	now := e.store.Now()
	if state.LastCheckAt != nil && now.Sub(*state.LastCheckAt) < c.interval() {
		return
	}
	quiet, _ := parseQuietHours(c.QuietHours)
	if quiet.contains(now.In(e.users.Lookup(c.UserID).Timezone)) {
		return
	}

	ok, output := e.runCheck(ctx, c)
	if err := e.store.RecordHeartbeatCheck(ctx, c.Name, ok); err != nil {
		e.logger.WarnContext(ctx, "heartbeat state write failed", "check", c.Name, "error", err)
	}
	if ok {
		if state.ConsecutiveErrors > 0 {
			e.logger.InfoContext(ctx, "heartbeat check recovered",
				"check", c.Name, "after_failures", state.ConsecutiveErrors)
		}
		return
	}

	streak := state.ConsecutiveErrors + 1
	e.logger.WarnContext(ctx, "heartbeat check failed",
		"check", c.Name, "streak", streak, "output", firstLine(output))
	if streak < c.FailuresToAlert {
		return
	}
	if state.LastAlertAt != nil && now.Sub(*state.LastAlertAt) < c.cooldown() {
		return
	}
	if e.enqueueAlert(ctx, c, output) {
		if err := e.store.RecordHeartbeatAlert(ctx, c.Name); err != nil {
			e.logger.WarnContext(ctx, "heartbeat alert stamp failed", "check", c.Name, "error", err)
		}
	}
}

// runCheck executes the check command under /bin/sh with a stripped
// environment. Healthy means exit status zero; a timeout is a failure.
func (e *Evaluator) runCheck(ctx context.Context, c Check) (bool, string) {
	cmdCtx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "/bin/sh", "-c", c.Command)
	cmd.Env = prompt.StripSecretsList(e.environ())
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err == nil {
		return true, text
	}
	if cmdCtx.Err() == context.DeadlineExceeded {
		return false, fmt.Sprintf("check timed out after %s", c.timeout())
	}
	if text == "" {
		text = err.Error()
	}
	return false, text
}

// enqueueAlert creates the background alert task. Reports whether a
// task was created; an alert already in flight for this check counts
// as delivered and refreshes the cooldown.
func (e *Evaluator) enqueueAlert(ctx context.Context, c Check, output string) bool {
	ref := "heartbeat:" + c.Name
	active, err := e.store.HasActiveTaskForRef(ctx, store.SourceHeartbeat, ref)
	if err != nil {
		e.logger.WarnContext(ctx, "heartbeat alert gate failed", "check", c.Name, "error", err)
		return false
	}
	if active {
		e.logger.InfoContext(ctx, "heartbeat alert already in flight", "check", c.Name)
		return true
	}
	id, err := e.store.CreateTask(ctx, store.NewTask{
		UserID:          c.UserID,
		Prompt:          alertPrompt(c, output),
		SourceType:      store.SourceHeartbeat,
		SourceRef:       ref,
		OutputTarget:    store.OutputTarget(c.Target),
		HeartbeatSilent: c.Silent,
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "heartbeat alert enqueue failed", "check", c.Name, "error", err)
		return false
	}
	e.logger.InfoContext(ctx, "heartbeat alert enqueued", "check", c.Name, "task_id", id)
	return true
}

func alertPrompt(c Check, output string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Health check %q is failing.\n", c.Name)
	if c.Prompt != "" {
		b.WriteString(strings.TrimSpace(c.Prompt))
	} else {
		b.WriteString("Investigate and report what is wrong.")
	}
	fmt.Fprintf(&b, "\n\nCommand:\n%s\n", c.Command)
	if output != "" {
		if len(output) > maxOutputInPrompt {
			output = output[:maxOutputInPrompt] + "…"
		}
		fmt.Fprintf(&b, "\nOutput:\n%s\n", output)
	}
	return b.String()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	if len(line) > 200 {
		line = line[:200] + "…"
	}
	return line
}
