// Package cronfile reads and writes the per-user TOML files that
// define scheduled jobs, and reconciles them into the store. The
// files are the source of truth for job definitions; run state
// (last_run_at, failure streaks) is engine-owned and lives only in
// the scheduled_jobs table.
package cronfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"

	"donna/internal/store"
	"donna/internal/taskerr"
)

// fiveField matches classic crontab syntax: minute hour dom month dow.
var fiveField = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Job is one [[jobs]] entry in a user's cron file. Enabled is a
// pointer so an absent key (default true) survives a rewrite without
// turning into an explicit value.
type Job struct {
	Name               string `toml:"name"`
	Schedule           string `toml:"schedule"`
	Prompt             string `toml:"prompt,omitempty"`
	Command            string `toml:"command,omitempty"`
	Target             string `toml:"target,omitempty"`
	Conversation       string `toml:"conversation,omitempty"`
	Enabled            *bool  `toml:"enabled,omitempty"`
	Once               bool   `toml:"once,omitempty"`
	SilentUnlessAction bool   `toml:"silent_unless_action,omitempty"`
}

// IsEnabled reports the effective enabled state; an absent key means
// enabled.
func (j Job) IsEnabled() bool {
	return j.Enabled == nil || *j.Enabled
}

// File is one user's parsed cron file.
type File struct {
	Jobs []Job `toml:"jobs"`
}

// Parse decodes and validates a cron file. Every entry needs a unique
// name, a parseable five-field schedule, and exactly one of prompt or
// command. Validation is strict: one bad entry rejects the whole file
// so a typo never half-applies.
func Parse(data []byte) (*File, error) {
	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, taskerr.Config(err, "parse cron file")
	}
	seen := make(map[string]struct{}, len(f.Jobs))
	for i := range f.Jobs {
		j := &f.Jobs[i]
		j.Name = strings.TrimSpace(j.Name)
		j.Schedule = strings.TrimSpace(j.Schedule)
		j.Target = strings.ToLower(strings.TrimSpace(j.Target))
		if j.Name == "" {
			return nil, taskerr.Configf("cron file: entry %d has no name", i+1)
		}
		if _, dup := seen[j.Name]; dup {
			return nil, taskerr.Configf("cron file: duplicate job %q", j.Name)
		}
		seen[j.Name] = struct{}{}
		if j.Schedule == "" {
			return nil, taskerr.Configf("cron job %s: schedule is required", j.Name)
		}
		if _, err := fiveField.Parse(j.Schedule); err != nil {
			return nil, taskerr.Configf("cron job %s: bad schedule %q: %v", j.Name, j.Schedule, err)
		}
		if j.Prompt == "" && j.Command == "" {
			return nil, taskerr.Configf("cron job %s: prompt or command is required", j.Name)
		}
		if j.Prompt != "" && j.Command != "" {
			return nil, taskerr.Configf("cron job %s: prompt and command are mutually exclusive", j.Name)
		}
		if j.Target != "" && !store.OutputTarget(j.Target).Valid() {
			return nil, taskerr.Configf("cron job %s: unknown target %q", j.Name, j.Target)
		}
	}
	return &f, nil
}

// Load reads and parses the file at path. A missing file yields an
// empty File, not an error: deleting the file is how a user removes
// all their jobs.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &File{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cron file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return f, nil
}

// Encode renders the file back to TOML. Parsing the output yields the
// same jobs, field for field. String values holding a double quote or
// a newline come out as multi-line basic strings ("""), everything
// else as single-line basic strings.
func Encode(f *File) []byte {
	var b strings.Builder
	for i, j := range f.Jobs {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("[[jobs]]\n")
		writeString(&b, "name", j.Name)
		writeString(&b, "schedule", j.Schedule)
		if j.Prompt != "" {
			writeString(&b, "prompt", j.Prompt)
		}
		if j.Command != "" {
			writeString(&b, "command", j.Command)
		}
		if j.Target != "" {
			writeString(&b, "target", j.Target)
		}
		if j.Conversation != "" {
			writeString(&b, "conversation", j.Conversation)
		}
		if j.Enabled != nil {
			fmt.Fprintf(&b, "enabled = %t\n", *j.Enabled)
		}
		if j.Once {
			b.WriteString("once = true\n")
		}
		if j.SilentUnlessAction {
			b.WriteString("silent_unless_action = true\n")
		}
	}
	return []byte(b.String())
}

func writeString(b *strings.Builder, key, value string) {
	b.WriteString(key)
	b.WriteString(" = ")
	b.WriteString(encodeString(value))
	b.WriteByte('\n')
}

func encodeString(v string) string {
	if strings.ContainsAny(v, "\"\n") {
		return tripleQuoted(v)
	}
	return basicQuoted(v)
}

func basicQuoted(v string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range v {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\b':
			b.WriteString(`\b`)
		case '\t':
			b.WriteString(`\t`)
		case '\n':
			b.WriteString(`\n`)
		case '\f':
			b.WriteString(`\f`)
		case '\r':
			b.WriteString(`\r`)
		default:
			if r < 0x20 || r == 0x7f {
				fmt.Fprintf(&b, `\u%04X`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}

// tripleQuoted writes v as a TOML multi-line basic string. Embedded
// quotes stay literal; only the third quote of a run is escaped so no
// unescaped """ can close the value early.
func tripleQuoted(v string) string {
	var b strings.Builder
	b.WriteString(`"""`)
	if strings.HasPrefix(v, "\n") {
		// a newline straight after the opening delimiter is dropped
		// by TOML parsers
		b.WriteString(`\n`)
		v = v[1:]
	}
	run := 0
	for _, r := range v {
		if r == '"' {
			run++
			if run == 3 {
				b.WriteString(`\"`)
				run = 0
			} else {
				b.WriteByte('"')
			}
			continue
		}
		run = 0
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\n', '\t':
			b.WriteRune(r)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		case '\r':
			b.WriteString(`\r`)
		default:
			if r < 0x20 || r == 0x7f {
				fmt.Fprintf(&b, `\u%04X`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteString(`"""`)
	return b.String()
}

// Save atomically rewrites the file at path via tmp+rename.
func Save(path string, f *File) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cron dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, Encode(f), 0o644); err != nil {
		return fmt.Errorf("write cron file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace cron file: %w", err)
	}
	return nil
}

// RemoveJob deletes the named entry from the file at path, rewriting
// the other entries with their fields intact. Removing the last entry
// leaves an empty file rather than deleting it. Reports whether the
// entry was present.
func RemoveJob(path, name string) (bool, error) {
	f, err := Load(path)
	if err != nil {
		return false, err
	}
	kept := make([]Job, 0, len(f.Jobs))
	found := false
	for _, j := range f.Jobs {
		if j.Name == name {
			found = true
			continue
		}
		kept = append(kept, j)
	}
	if !found {
		return false, nil
	}
	f.Jobs = kept
	if err := Save(path, f); err != nil {
		return false, err
	}
	return true, nil
}

// Due reports whether job owes a run at now. The floor is the later
// of the last recorded run and now-window, so a job with no run
// history fires only when a slot passes inside the window: newly
// synced jobs and rewritten schedules never replay historical slots,
// and a job already run this slot does not fire twice. now should be
// in the user's timezone; slots are evaluated in its location.
func Due(job store.ScheduledJob, now time.Time, window time.Duration) (bool, error) {
	sched, err := fiveField.Parse(job.CronExpr)
	if err != nil {
		return false, taskerr.Configf("job %s: bad schedule %q: %v", job.Name, job.CronExpr, err)
	}
	if window <= 0 {
		window = time.Minute
	}
	floor := now.Add(-window)
	if job.LastRunAt != nil && job.LastRunAt.After(floor) {
		floor = job.LastRunAt.In(now.Location())
	}
	return !sched.Next(floor).After(now), nil
}

// NextRun returns the first activation of expr strictly after t.
func NextRun(expr string, t time.Time) (time.Time, error) {
	sched, err := fiveField.Parse(strings.TrimSpace(expr))
	if err != nil {
		return time.Time{}, taskerr.Configf("bad schedule %q: %v", expr, err)
	}
	return sched.Next(t), nil
}
