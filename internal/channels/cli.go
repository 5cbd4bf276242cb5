package channels

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"donna/internal/store"
)

// CLI prints results to the invoking terminal. It serves the one-shot
// path where the process that queued the task also executes it and
// waits for the outcome.
type CLI struct {
	mu  sync.Mutex
	out io.Writer
}

// NewCLI builds the terminal adapter. A nil writer means stdout.
func NewCLI(out io.Writer) *CLI {
	if out == nil {
		out = os.Stdout
	}
	return &CLI{out: out}
}

// Name implements Adapter.
func (c *CLI) Name() string { return AdapterCli }

// DeliverResult implements Adapter.
func (c *CLI) DeliverResult(_ context.Context, _ *store.Task, res Result) error {
	return c.write(res.Text)
}

// DeliverFailure implements Adapter.
func (c *CLI) DeliverFailure(_ context.Context, _ *store.Task, userMsg string) error {
	return c.write(userMsg)
}

func (c *CLI) write(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.out, text)
	return err
}

// WaitForTask polls until the task leaves the live states and returns
// the settled row. A pending confirmation counts as settled: the
// caller owns the terminal and must relay the question.
func WaitForTask(ctx context.Context, st *store.Store, id int64, poll time.Duration) (*store.Task, error) {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		task, err := st.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status.IsTerminal() || task.Status == store.StatusPendingConfirmation {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}
