package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"donna/internal/config"
	"donna/internal/observability"
	"donna/internal/store"
	"donna/internal/taskerr"
	"donna/internal/users"
)

// Color helpers shared by every subcommand's output.
var (
	blue   = color.New(color.FgBlue).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// isTTY reports whether both ends of the terminal are interactive.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// CLI carries what the subcommands share: persistent flag values, the
// loaded configuration, and the logger. Collaborators open lazily so
// cheap commands stay cheap.
type CLI struct {
	configFile string
	logLevel   string
	logFormat  string

	// commandRan flips once a resolved command starts running, which
	// separates usage errors from runtime ones for the exit code.
	commandRan bool

	cfg     *config.Config
	logger  *observability.Logger
	metrics *observability.MetricsCollector // set by buildEngine; nil for plain commands
	out     io.Writer
}

func newCLI() *CLI {
	return &CLI{out: os.Stdout}
}

func (c *CLI) newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "donna",
		Short: "Personal task engine: queue, schedule, and run delegated work",
		Long: fmt.Sprintf(`%s runs delegated tasks through a local queue: interactive
requests from chat, mail, and checklist files on the foreground queue,
scheduled jobs and briefings on the background queue, every one
executed by a sandboxed LLM child process.

%s
  donna task "file my expense report" -u alice       # enqueue
  donna task "summarize inbox" -u alice -x           # run in place
  donna list -s pending                              # inspect the queue
  donna run                                          # one scheduler pass
  donna scheduler -d                                 # start the daemon
  donna watch                                        # live dashboard`,
			bold("donna"), bold("EXAMPLES:")),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c.commandRan = true
			return nil
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	flags := root.PersistentFlags()
	flags.StringVarP(&c.configFile, "config", "c", "", "config file (default searches ., ~/.config/donna, /etc/donna)")
	flags.StringVar(&c.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	flags.StringVar(&c.logFormat, "log-format", "", "override log format (text, json)")

	root.AddCommand(
		c.newTaskCommand(),
		c.newListCommand(),
		c.newShowCommand(),
		c.newRunCommand(),
		c.newSchedulerCommand(),
		c.newWatchCommand(),
		c.newChatCommand(),
		c.newResourceCommand(),
		c.newUserCommand(),
		c.newKVCommand(),
		c.newTasksFileCommand(),
		c.newEmailCommand(),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("donna %s\n", version)
		},
	}
}

// usageArgs tags cobra argument-validation failures as usage errors so
// they exit 1 rather than 3.
func usageArgs(fn cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := fn(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

// initConfig loads configuration once, applying the persistent flag
// overrides, and builds the logger from the result.
func (c *CLI) initConfig() error {
	if c.cfg != nil {
		return nil
	}
	opts := []config.Option{
		config.WithOverride(func(cfg *config.Config) {
			if c.logLevel != "" {
				cfg.Observability.Logging.Level = c.logLevel
			}
			if c.logFormat != "" {
				cfg.Observability.Logging.Format = c.logFormat
			}
		}),
	}
	if c.configFile != "" {
		opts = append(opts, config.WithConfigFile(c.configFile))
	}
	cfg, err := config.Load(opts...)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = observability.NewLogger(observability.LogConfig{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
	})
	return nil
}

// openStore opens the task database, creating its directory on first
// run.
func (c *CLI) openStore() (*store.Store, error) {
	if err := c.initConfig(); err != nil {
		return nil, err
	}
	if dir := filepath.Dir(c.cfg.Engine.DBPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, taskerr.Config(err, "create database directory")
		}
	}
	return store.Open(c.cfg.Engine.DBPath, c.cfg.Store,
		store.WithLogger(c.logger), store.WithMetrics(c.metrics))
}

// directory resolves users and admin rights from config plus the
// admins file.
func (c *CLI) directory() (*users.Directory, error) {
	if err := c.initConfig(); err != nil {
		return nil, err
	}
	return users.NewDirectory(c.cfg, c.logger)
}

/// resolveUser picks the acting user: the -u flag when given, the login
// name otherwise.
func resolveUser(flag string) (string, error) {
	if u := strings.TrimSpace(flag); u != "" {
		return u, nil
	}
	if u := os.Getenv("USER"); u != "" {
		return u, nil
	}
	return "", usagef("no user given and $USER is empty; pass -u")
}

// signalContext is cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

/// shortAge renders a duration the way the queue listing wants it:
// seconds under a minute, then minutes, hours, days.
func shortAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// excerpt folds s onto one line and caps it at max runes.
func excerpt(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > max {
		return string(r[:max]) + "…"
	}
	return s
}

// statusColor renders a task status with its conventional color.
func statusColor(s store.Status) string {
	switch s {
	case store.StatusCompleted:
		return green(string(s))
	case store.StatusFailed:
		return red(string(s))
	case store.StatusRunning:
		return cyan(string(s))
	case store.StatusPending:
		return yellow(string(s))
	case store.StatusCancelled:
		return gray(string(s))
	default:
		return blue(string(s))
	}
}
