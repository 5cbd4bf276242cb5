// Package channels fans finished tasks back out to the surfaces that
// asked for them, and hosts the pollers that inject new work from
// those surfaces. The registry is the pool's delivery port; each
// adapter owns one transport.
package channels

import (
	"context"
	"errors"
	"fmt"

	"donna/internal/deferred"
	"donna/internal/observability"
	"donna/internal/store"
	"donna/internal/taskerr"
)

// Adapter names as registered. The talk slot in a fan-out target is
// resolved against these.
const (
	AdapterTalk      = "talk"
	AdapterEmail     = "email"
	AdapterNtfy      = "ntfy"
	AdapterTasksFile = "tasks_file"
	AdapterCli       = "cli"
)

// Result is the payload an adapter receives for a finished task.
type Result struct {
	Text    string
	Actions []string
	// Email carries the staged subject/body override when the child
	// wrote one. Only the email adapter reads it.
	Email *deferred.EmailOutput
}

// Adapter is one delivery surface.
type Adapter interface {
	Name() string
	DeliverResult(ctx context.Context, task *store.Task, res Result) error
	DeliverFailure(ctx context.Context, task *store.Task, userMsg string) error
}

// Registry maps output targets to adapters and fans deliveries out.
// The pool talks to it through the engine's Delivery port.
type Registry struct {
	logger   *observability.Logger
	adapters map[string]Adapter
}

// NewRegistry builds a registry over the given adapters. Unconfigured
// surfaces are simply absent; routing skips them.
func NewRegistry(logger *observability.Logger, adapters ...Adapter) *Registry {
	r := &Registry{
		logger:   observability.OrNop(logger),
		adapters: make(map[string]Adapter, len(adapters)),
	}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces an adapter under its name.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
}

// Adapter returns a registered adapter by name.
func (r *Registry) Adapter(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// DeliverResult routes a finished task's result to its targets. A
// silent task that took no action delivers nothing; confirmation
// questions are never suppressed.
func (r *Registry) DeliverResult(ctx context.Context, task *store.Task, out deferred.Outcome) error {
	if task.HeartbeatSilent && len(task.ActionsTaken) == 0 &&
		task.Status != store.StatusPendingConfirmation {
		r.logger.InfoContext(ctx, "silent task took no action, result suppressed",
			"task", task.ID, "user", task.UserID)
		return nil
	}
	res := Result{Text: task.Result, Actions: task.ActionsTaken, Email: out.EmailOutput}
	return r.fanOut(ctx, task, func(a Adapter) error {
		return a.DeliverResult(ctx, task, res)
	})
}

// DeliverFailure routes the fixed failure template to the same
// targets a success would have used.
func (r *Registry) DeliverFailure(ctx context.Context, task *store.Task, userMessage string) error {
	return r.fanOut(ctx, task, func(a Adapter) error {
		return a.DeliverFailure(ctx, task, userMessage)
	})
}

func (r *Registry) fanOut(ctx context.Context, task *store.Task, send func(Adapter) error) error {
	names := r.route(task)
	if len(names) == 0 {
		return nil
	}
	var errs []error
	delivered := 0
	for _, name := range names {
		a, ok := r.adapters[name]
		if !ok {
			// Fan-out targets deliver wherever they can; only a task
			// with nowhere at all to go becomes an error below.
			r.logger.WarnContext(ctx, "no adapter registered",
				"adapter", name, "task", task.ID, "target", string(task.OutputTarget))
			continue
		}
		if err := send(a); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		delivered++
	}
	if len(errs) > 0 {
		return taskerr.Delivery(errors.Join(errs...), "delivery failed")
	}
	if delivered == 0 {
		return taskerr.Delivery(
			fmt.Errorf("no adapter for target %s", task.OutputTarget),
			"no delivery channel configured")
	}
	return nil
}

// route resolves a task's output target to adapter names. The talk
// slot follows the surface the task came from: checklist tasks report
// back into their file and one-shot CLI tasks print to the terminal.
func (r *Registry) route(task *store.Task) []string {
	interactive := AdapterTalk
	switch task.SourceType {
	case store.SourceTasksFile:
		interactive = AdapterTasksFile
	case store.SourceCLI:
		interactive = AdapterCli
	}
	switch task.OutputTarget {
	case store.TargetNone:
		return nil
	case store.TargetEmail:
		return []string{AdapterEmail}
	case store.TargetNtfy:
		return []string{AdapterNtfy}
	case store.TargetBoth:
		return []string{interactive, AdapterEmail}
	case store.TargetAll:
		return []string{interactive, AdapterEmail, AdapterNtfy}
	default:
		return []string{interactive}
	}
}
