package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"donna/internal/channels"
	"donna/internal/deferred"
	"donna/internal/engine"
	"donna/internal/executor"
	"donna/internal/history"
	"donna/internal/prompt"
	"donna/internal/store"
	"donna/internal/users"
)

func (c *CLI) newTaskCommand() *cobra.Command {
	var (
		user       string
		execute    bool
		token      string
		dryRun     bool
		sourceType string
		target     string
		command    string
		priority   int
	)
	cmd := &cobra.Command{
		Use:   `task "<text>"`,
		Short: "Enqueue a task, optionally executing it in place",
		Long: `Enqueue a task for the engine. By default the task waits on the
queue for a running daemon; -x claims and runs it in this process,
printing progress and the result. --command queues a shell command
instead of a prompt and replaces the positional text.

Examples:
  donna task "book the flight to Lisbon" -u alice
  donna task "summarize today's inbox" -u alice -x
  donna task --command "grep ERROR /var/log/backup.log" -u root
  donna task "what changed?" -u alice -t talk:room-7 --dry-run`,
		Args: usageArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := ""
			if len(args) == 1 {
				text = args[0]
			}
			if (text == "") == (command == "") {
				return usagef(`pass exactly one of "<text>" or --command`)
			}
			who, err := resolveUser(user)
			if err != nil {
				return err
			}
			src := store.SourceType(sourceType)
			if !src.Valid() {
				return usagef("unknown source type %q", sourceType)
			}
			out := store.OutputTarget(target)
			if target == "" {
				// Unattended tasks keep their result on the row; in-place
				// runs print it through the interactive route.
				out = store.TargetNone
				if execute {
					out = store.TargetTalk
				}
			}
			if !out.Valid() {
				return usagef("unknown output target %q", target)
			}

			ctx, stop := signalContext()
			defer stop()

			if dryRun {
				return c.printAssembled(ctx, store.NewTask{
					UserID:            who,
					Prompt:            text,
					Command:           command,
					SourceType:        src,
					ConversationToken: token,
					OutputTarget:      out,
					Priority:          priority,
				})
			}

			if execute {
				parts, closeParts, err := c.buildRunner(cmd.OutOrStdout())
				if err != nil {
					return err
				}
				defer closeParts()
				id, err := parts.st.CreateTask(ctx, store.NewTask{
					UserID:            who,
					Prompt:            text,
					Command:           command,
					SourceType:        src,
					ConversationToken: token,
					OutputTarget:      out,
					Priority:          priority,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s task %d\n", gray("queued"), id)
				return c.executeInPlace(ctx, parts, id)
			}

			st, err := c.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			id, err := st.CreateTask(ctx, store.NewTask{
				UserID:            who,
				Prompt:            text,
				Command:           command,
				SourceType:        src,
				ConversationToken: token,
				OutputTarget:      out,
				Priority:          priority,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s task %d for %s\n", green("queued"), id, bold(who))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&user, "user", "u", "", "owner of the task (defaults to $USER)")
	flags.BoolVarP(&execute, "execute", "x", false, "claim and run the task in this process")
	flags.StringVarP(&token, "token", "t", "", "conversation token grouping follow-ups")
	flags.BoolVar(&dryRun, "dry-run", false, "assemble and print the prompt without enqueueing")
	flags.StringVar(&sourceType, "source-type", string(store.SourceCLI), "surface to enqueue as")
	flags.StringVar(&target, "target", "", "output target (talk, email, both, ntfy, all, none)")
	flags.StringVar(&command, "command", "", "run this shell command instead of prompting the model")
	flags.IntVar(&priority, "priority", 0, "claim priority, higher first")
	return cmd
}

// printAssembled renders the prompt a task would get, without touching
// the queue.
func (c *CLI) printAssembled(ctx context.Context, n store.NewTask) error {
	st, err := c.openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	dir, err := c.directory()
	if err != nil {
		return err
	}
	if n.Command != "" {
		fmt.Fprintf(c.out, "%s command task, no prompt assembly\n$ %s\n", gray("dry-run:"), n.Command)
		return nil
	}
	aux := executor.NewAux(c.cfg, c.logger)
	selector := history.NewSelector(c.cfg, st,
		history.WithLogger(c.logger), history.WithTriage(aux.Call))
	asm := prompt.NewAssembler(c.cfg, st, dir,
		prompt.WithLogger(c.logger), prompt.WithContextProvider(selector))
	built, err := asm.Assemble(ctx, &store.Task{
		UserID:            n.UserID,
		Prompt:            n.Prompt,
		SourceType:        n.SourceType,
		ConversationToken: n.ConversationToken,
		OutputTarget:      n.OutputTarget,
		Status:            store.StatusPending,
		CreatedAt:         st.Now(),
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, built.Prompt)
	if len(built.Env) > 0 {
		names := make([]string, 0, len(built.Env))
		for name := range built.Env {
			names = append(names, name)
		}
		fmt.Fprintf(c.out, "\n%s %s\n", gray("env:"), gray(strings.Join(names, " ")))
	}
	return nil
}

// runnerParts is the in-process execution kit shared by task -x and
// chat: a pool wired to deliver to the terminal.
type runnerParts struct {
	st   *store.Store
	dir  *users.Directory
	pool *engine.Pool
}

// buildRunner assembles a single-process engine that prints progress
// and results to out. Workers idle out quickly so the command exits as
// soon as the queue drains.
func (c *CLI) buildRunner(out io.Writer) (*runnerParts, func(), error) {
	st, err := c.openStore()
	if err != nil {
		return nil, nil, err
	}
	dir, err := c.directory()
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	c.cfg.Pool.WorkerIdleTimeout = 250 * time.Millisecond

	aux := executor.NewAux(c.cfg, c.logger)
	selector := history.NewSelector(c.cfg, st,
		history.WithLogger(c.logger), history.WithTriage(aux.Call))
	asmOpts := []prompt.Option{
		prompt.WithLogger(c.logger),
		prompt.WithContextProvider(selector),
	}
	if idx := c.buildMemory(context.Background(), st); idx != nil {
		asmOpts = append(asmOpts, prompt.WithMemory(idx))
	}
	asm := prompt.NewAssembler(c.cfg, st, dir, asmOpts...)

	runner := executor.New(c.cfg, st, dir,
		executor.WithLogger(c.logger),
		executor.WithProgress(func(_ context.Context, _ *store.Task, line string) {
			fmt.Fprintf(out, "%s %s\n", gray("…"), gray(line))
		}))
	registry := channels.NewRegistry(c.logger, channels.NewCLI(out))
	proc := deferred.NewProcessor(st, dir, deferred.WithLogger(c.logger))
	pool := engine.NewPool(c.cfg, st, dir, asm, runner,
		engine.WithLogger(c.logger),
		engine.WithDelivery(registry),
		engine.WithPostProcessor(proc))

	parts := &runnerParts{st: st, dir: dir, pool: pool}
	return parts, func() { st.Close() }, nil
}

// awaitTask keeps the pool supplied until the task settles. Caps can
// defer the claim, so pending tasks are re-offered each tick.
func awaitTask(ctx context.Context, parts *runnerParts, id int64) (*store.Task, error) {
	parts.pool.Dispatch(ctx)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		task, err := parts.st.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		switch {
		case task.Status.IsTerminal(), task.Status == store.StatusPendingConfirmation:
			return task, nil
		case task.Status == store.StatusPending:
			parts.pool.Dispatch(ctx)
		}
	}
}

// executeInPlace runs one queued task to completion in this process.
// Cancellation is clean: the worker notices and the task lands back in
// pending for a later daemon.
func (c *CLI) executeInPlace(ctx context.Context, parts *runnerParts, id int64) error {
	task, err := awaitTask(ctx, parts, id)
	parts.pool.Stop(5 * time.Second)
	if err != nil {
		return err
	}
	switch task.Status {
	case store.StatusFailed:
		return fmt.Errorf("task %d failed: %s", id, task.LastError)
	case store.StatusCancelled:
		fmt.Fprintf(c.out, "%s task %d cancelled\n", yellow("✗"), id)
	case store.StatusPendingConfirmation:
		fmt.Fprintf(c.out, "%s task %d is waiting for confirmation:\n%s\n",
			yellow("?"), id, task.Result)
	}
	return nil
}

func (c *CLI) newListCommand() *cobra.Command {
	var (
		status string
		user   string
		source string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued and recent tasks",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" && !store.Status(status).Valid() {
				return usagef("unknown status %q", status)
			}
			if source != "" && !store.SourceType(source).Valid() {
				return usagef("unknown source type %q", source)
			}
			st, err := c.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signalContext()
			defer stop()
			tasks, err := st.ListTasks(ctx, store.TaskFilter{
				Status:     store.Status(status),
				UserID:     user,
				SourceType: store.SourceType(source),
				Limit:      limit,
			})
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), gray("no tasks"))
				return nil
			}

			now := st.Now()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				bold("ID"), bold("STATUS"), bold("QUEUE"), bold("USER"), bold("AGE"), bold("TASK"))
			for _, t := range tasks {
				text := t.Prompt
				if t.IsCommand() {
					text = "$ " + t.Command
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
					t.ID, statusColor(t.Status), t.Queue(), t.UserID,
					shortAge(t.Age(now)), excerpt(text, 60))
			}
			return tw.Flush()
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&status, "status", "s", "", "filter by status")
	flags.StringVarP(&user, "user", "u", "", "filter by user")
	flags.StringVar(&source, "source", "", "filter by source type")
	flags.IntVarP(&limit, "limit", "n", 20, "maximum rows")
	return cmd
}

func (c *CLI) newShowCommand() *cobra.Command {
	var render bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one task in full",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id < 1 {
				return usagef("task id must be a positive integer, got %q", args[0])
			}
			st, err := c.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signalContext()
			defer stop()
			task, err := st.GetTask(ctx, id)
			if err != nil {
				return err
			}
			c.printTask(task, render)
			return nil
		},
	}
	cmd.Flags().BoolVar(&render, "render", false, "render the result as markdown")
	return cmd
}

func (c *CLI) printTask(t *store.Task, render bool) {
	field := func(name, value string) {
		fmt.Fprintf(c.out, "%s %s\n", gray(fmt.Sprintf("%-12s", name)), value)
	}
	field("id", strconv.FormatInt(t.ID, 10))
	field("user", bold(t.UserID))
	field("status", statusColor(t.Status))
	field("source", fmt.Sprintf("%s (%s queue)", t.SourceType, t.Queue()))
	if t.ConversationToken != "" {
		field("token", t.ConversationToken)
	}
	field("target", string(t.OutputTarget))
	field("created", t.CreatedAt.Local().Format(time.RFC822))
	if t.StartedAt != nil {
		field("started", t.StartedAt.Local().Format(time.RFC822))
	}
	if t.CompletedAt != nil {
		field("completed", t.CompletedAt.Local().Format(time.RFC822))
		if t.StartedAt != nil {
			field("duration", t.CompletedAt.Sub(*t.StartedAt).Round(time.Second).String())
		}
	}
	if t.AttemptCount > 0 {
		field("attempts", strconv.Itoa(t.AttemptCount))
	}
	if t.WorkerPID != 0 {
		field("worker", strconv.Itoa(t.WorkerPID))
	}
	if t.LastError != "" {
		field("error", red(t.LastError))
	}
	if t.IsCommand() {
		field("command", "$ "+t.Command)
	} else {
		fmt.Fprintf(c.out, "\n%s\n%s\n", bold("Prompt"), t.Prompt)
	}
	if len(t.ActionsTaken) > 0 {
		fmt.Fprintf(c.out, "\n%s\n", bold("Actions"))
		for _, a := range t.ActionsTaken {
			fmt.Fprintf(c.out, "  %s %s\n", green("✓"), a)
		}
	}
	if t.Result != "" {
		fmt.Fprintf(c.out, "\n%s\n", bold("Result"))
		if render {
			fmt.Fprint(c.out, renderMarkdown(t.Result))
		} else {
			fmt.Fprintln(c.out, t.Result)
		}
	}
}
