package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"donna/internal/channels"
	"donna/internal/channels/email"
	"donna/internal/channels/talk"
	"donna/internal/channels/tasksfile"
	"donna/internal/cronfile"
	"donna/internal/deferred"
	"donna/internal/engine"
	"donna/internal/executor"
	"donna/internal/files"
	"donna/internal/heartbeat"
	"donna/internal/history"
	"donna/internal/memory"
	"donna/internal/observability"
	"donna/internal/prompt"
	"donna/internal/scheduler"
	"donna/internal/server"
	"donna/internal/store"
	"donna/internal/taskerr"
)

// engineParts bundles the daemon's collaborators. run and scheduler
// build the same engine; they differ only in how long they drive it.
type engineParts struct {
	bundle *observability.Bundle
	st     *store.Store
	pool   *engine.Pool
	sched  *scheduler.Scheduler
	feed   *server.Feed
	srv    *server.Server // nil unless server.enabled
	talk   *talk.Adapter  // nil unless channels.talk.enabled
}

// buildEngine wires the full engine from configuration. Optional
// surfaces stay nil when unconfigured; the scheduler treats missing
// collaborators as disabled phases.
func (c *CLI) buildEngine(ctx context.Context) (*engineParts, func(), error) {
	if err := c.initConfig(); err != nil {
		return nil, nil, err
	}
	bundle, err := observability.Setup(c.cfg.Observability)
	if err != nil {
		return nil, nil, err
	}
	logger := bundle.Logger
	c.logger = logger
	c.metrics = bundle.Metrics

	st, err := c.openStore()
	if err != nil {
		return nil, nil, err
	}
	dir, err := c.directory()
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	var pm *observability.PromptMetrics
	if c.cfg.Observability.Metrics.Enabled {
		pm = observability.NewPromptMetrics()
	}

	idx := c.buildMemory(ctx, st)
	aux := executor.NewAux(c.cfg, logger)
	selector := history.NewSelector(c.cfg, st,
		history.WithLogger(logger), history.WithTriage(aux.Call),
		history.WithMetrics(pm))
	asmOpts := []prompt.Option{
		prompt.WithLogger(logger),
		prompt.WithContextProvider(selector),
		prompt.WithPromptMetrics(pm),
	}
	if idx != nil {
		asmOpts = append(asmOpts, prompt.WithMemory(idx))
	}
	asm := prompt.NewAssembler(c.cfg, st, dir, asmOpts...)

	feed := server.NewFeed()

	var adapters []channels.Adapter
	var talkAdapter *talk.Adapter
	if c.cfg.Channels.Talk.Enabled {
		client := talk.NewHTTPClient(c.cfg.Channels.Talk, logger)
		talkAdapter = talk.New(client, st, c.cfg.Channels.Talk, logger)
		adapters = append(adapters, talkAdapter)
	}

	// Progress lines go to the status feed and, for talk tasks, back
	// into the originating room so the user sees what is happening.
	progress := feed.Progress
	if talkAdapter != nil {
		toRoom := talkAdapter.Progress
		toFeed := feed.Progress
		progress = func(ctx context.Context, task *store.Task, line string) {
			toFeed(ctx, task, line)
			toRoom(ctx, task, line)
		}
	}
	runner := executor.New(c.cfg, st, dir,
		executor.WithLogger(logger),
		executor.WithMetrics(bundle.Metrics),
		executor.WithProgress(progress))
	var emailAdapter *email.Adapter
	if c.cfg.Channels.Email.Enabled {
		mailer := email.NewMailer(c.cfg.Channels.Email, c.cfg.Secrets.SMTPPassword, logger)
		emailAdapter = email.New(mailer, st, dir, logger)
		adapters = append(adapters, emailAdapter)
	}
	if c.cfg.Channels.Ntfy.Enabled {
		adapters = append(adapters, channels.NewNtfy(c.cfg.Channels.Ntfy, logger))
	}

	var fileStore files.FileStore
	if c.cfg.Files.Root != "" {
		local, err := files.NewLocal(c.cfg.Files.Root)
		if err != nil {
			st.Close()
			return nil, nil, err
		}
		fileStore = local
	}
	var tasksAdapter *tasksfile.Adapter
	if c.cfg.Channels.TasksFile.Enabled && fileStore != nil {
		tasksAdapter = tasksfile.New(fileStore, st, c.cfg.Channels.TasksFile, logger)
		adapters = append(adapters, tasksAdapter)
	}

	registry := channels.NewRegistry(logger, adapters...)
	proc := deferred.NewProcessor(st, dir,
		deferred.WithLogger(logger),
		deferred.WithMetrics(bundle.Metrics))
	pool := engine.NewPool(c.cfg, st, dir, asm, runner,
		engine.WithLogger(logger),
		engine.WithMetrics(bundle.Metrics),
		engine.WithDelivery(registry),
		engine.WithPostProcessor(proc))

	schedOpts := []scheduler.Option{
		scheduler.WithLogger(logger),
		scheduler.WithExtract(func(ctx context.Context, userID, request string) (string, error) {
			return aux.Call(ctx, request)
		}),
	}
	if c.cfg.Heartbeat.Enabled {
		schedOpts = append(schedOpts,
			scheduler.WithHeartbeats(heartbeat.NewEvaluator(c.cfg, st, dir, heartbeat.WithLogger(logger))))
	}
	if emailAdapter != nil {
		schedOpts = append(schedOpts, scheduler.WithEmailPoller(emailAdapter))
	}
	if tasksAdapter != nil {
		schedOpts = append(schedOpts, scheduler.WithTasksFilePoller(tasksAdapter))
	}
	if fileStore != nil {
		schedOpts = append(schedOpts, scheduler.WithFiles(fileStore))
	}
	if idx != nil {
		schedOpts = append(schedOpts, scheduler.WithMemory(idx))
	}
	syncer := cronfile.NewSyncer(st, c.cfg.Scheduler.CronFileDir, logger)
	sched := scheduler.New(c.cfg, st, dir, pool, syncer, schedOpts...)

	var srv *server.Server
	if c.cfg.Server.Enabled {
		srvOpts := []server.Option{
			server.WithLogger(logger),
			server.WithVersion(version),
		}
		if c.cfg.Observability.Metrics.Enabled {
			srvOpts = append(srvOpts, server.WithMetrics(bundle.Metrics.Handler()))
		}
		srv = server.New(c.cfg, st, pool, dir, feed, srvOpts...)
	}

	parts := &engineParts{
		bundle: bundle,
		st:     st,
		pool:   pool,
		sched:  sched,
		feed:   feed,
		srv:    srv,
		talk:   talkAdapter,
	}
	cleanup := func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := bundle.Shutdown(sctx); err != nil {
			logger.Warn("observability shutdown incomplete", "error", err)
		}
		if err := st.Close(); err != nil {
			logger.Warn("store close failed", "error", err)
		}
	}
	return parts, cleanup, nil
}

// buildMemory opens the hybrid index when enabled, attaching the
// vector side when configured. Vector trouble degrades to keyword
// recall; it never blocks startup.
func (c *CLI) buildMemory(ctx context.Context, st *store.Store) *memory.Index {
	if !c.cfg.Memory.Enabled {
		return nil
	}
	opts := []memory.IndexOption{memory.WithLogger(c.logger)}
	if c.cfg.Memory.VectorEnabled {
		embedder := memory.NewOllamaEmbedder(c.cfg.Memory.EmbedModel, c.cfg.Memory.EmbedBaseURL)
		vs, err := memory.NewChromemStore(c.cfg.Memory.VectorPath, "memories", embedder.Embed)
		if err != nil {
			c.logger.Warn("vector store unavailable, keyword recall only", "error", err)
		} else {
			opts = append(opts, memory.WithVectorStore(vs))
		}
	}
	idx := memory.NewIndex(st.DB(), c.cfg.Memory, opts...)
	if err := idx.EnsureSchema(ctx); err != nil {
		c.logger.Warn("memory index unavailable, recall disabled", "error", err)
		return nil
	}
	return idx
}

func (c *CLI) newRunCommand() *cobra.Command {
	var once, briefings bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drive the scheduler without the daemon",
		Long: `Run scheduler phases in this process and exit. Without flags the
command keeps dispatching after the pass until the queues drain;
--once stops after the first dispatch; --briefings evaluates only the
briefing crons and leaves the enqueued tasks for the next run.

Meant for cron-driven hosts that do not keep the daemon running.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			eng, closeEng, err := c.buildEngine(ctx)
			if err != nil {
				return err
			}
			defer closeEng()

			if briefings {
				return eng.sched.RunBriefings(ctx)
			}
			if err := eng.sched.RunOnce(ctx); err != nil {
				return err
			}
			if !once {
				if err := c.drainQueues(ctx, eng); err != nil {
					return err
				}
			}
			grace := c.cfg.Executor.ExecutionTimeout + 30*time.Second
			if !eng.pool.Stop(grace) {
				return taskerr.Terminalf("workers still running after %s", grace)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "stop after a single dispatch pass")
	cmd.Flags().BoolVar(&briefings, "briefings", false, "evaluate briefing crons only")
	return cmd
}

// drainQueues keeps dispatching until no claimable work remains and
// every worker has finished. Deferred tasks (not_before in the future)
// do not hold the loop open.
func (c *CLI) drainQueues(ctx context.Context, eng *engineParts) error {
	ticker := time.NewTicker(c.cfg.Scheduler.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		pending, err := hasClaimable(ctx, eng.st)
		if err != nil {
			return err
		}
		active := eng.pool.Active(store.QueueForeground) + eng.pool.Active(store.QueueBackground)
		if !pending && active == 0 {
			return nil
		}
		eng.pool.Dispatch(ctx)
	}
}

func hasClaimable(ctx context.Context, st *store.Store) (bool, error) {
	for _, q := range []store.QueueType{store.QueueForeground, store.QueueBackground} {
		who, err := st.UsersWithPending(ctx, q)
		if err != nil {
			return false, err
		}
		if len(who) > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (c *CLI) newSchedulerCommand() *cobra.Command {
	var (
		detach   bool
		verbose  bool
		maxTasks int
	)
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Run the engine daemon",
		Long: `Run the daemon: scheduler loop, worker pool, channel pollers, and
the status API when configured. Holds the scheduler lock; a second
instance refuses to start.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose && c.logLevel == "" {
				c.logLevel = "debug"
			}
			if err := c.initConfig(); err != nil {
				return err
			}
			if maxTasks > 0 {
				c.cfg.Scheduler.MaxTasks = maxTasks
			}
			if detach {
				return c.detachScheduler(verbose, maxTasks)
			}
			ctx, stop := signalContext()
			defer stop()
			return c.runScheduler(ctx)
		},
	}
	flags := cmd.Flags()
	flags.BoolVarP(&detach, "detach", "d", false, "start the daemon in the background and return")
	flags.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	flags.IntVar(&maxTasks, "max-tasks", 0, "exit after this many tasks (0 = run forever)")
	return cmd
}

// runScheduler drives the daemon until the context ends or the
// scheduler retires itself (max-tasks).
func (c *CLI) runScheduler(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	eng, closeEng, err := c.buildEngine(runCtx)
	if err != nil {
		return err
	}
	defer closeEng()

	c.logger.Info("daemon starting",
		"version", version,
		"db", c.cfg.Engine.DBPath,
		"server", c.cfg.Server.Enabled)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		// The scheduler leaving (shutdown or max-tasks) ends the rest.
		defer cancel()
		return eng.sched.Run(gctx)
	})
	if eng.srv != nil {
		g.Go(func() error { return eng.srv.Run(gctx) })
	}
	if eng.talk != nil {
		g.Go(func() error { return eng.talk.Run(gctx) })
	}
	err = g.Wait()

	grace := c.cfg.Executor.ExecutionTimeout + 30*time.Second
	if !eng.pool.Stop(grace) {
		c.logger.Warn("workers still running at shutdown", "grace", grace.String())
	}
	c.logger.Info("daemon stopped", "processed", eng.pool.Processed())
	return err
}

// detachScheduler re-execs the daemon in its own session with stdio on
// a log file and returns once the child has started.
func (c *CLI) detachScheduler(verbose bool, maxTasks int) error {
	exe, err := os.Executable()
	if err != nil {
		return taskerr.Config(err, "resolve executable path")
	}
	logDir := filepath.Join(c.cfg.Engine.Home, "logs")
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return taskerr.Config(err, "create log directory")
	}
	logPath := filepath.Join(logDir, "scheduler.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return taskerr.Config(err, "open daemon log")
	}
	defer logFile.Close()

	args := []string{"scheduler"}
	if c.configFile != "" {
		args = append(args, "--config", c.configFile)
	}
	if c.logLevel != "" {
		args = append(args, "--log-level", c.logLevel)
	}
	if c.logFormat != "" {
		args = append(args, "--log-format", c.logFormat)
	}
	if verbose {
		args = append(args, "--verbose")
	}
	if maxTasks > 0 {
		args = append(args, "--max-tasks", strconv.Itoa(maxTasks))
	}

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return taskerr.Config(err, "start detached daemon")
	}
	pid := child.Process.Pid
	_ = child.Process.Release()
	fmt.Fprintf(c.out, "%s pid %d, log %s\n", green("scheduler detached"), pid, logPath)
	return nil
}
