package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"donna/internal/channels/email"
	"donna/internal/channels/tasksfile"
	"donna/internal/files"
	"donna/internal/store"
	"donna/internal/taskerr"
)

// The checklist and mail surfaces normally run on the daemon's
// schedule. These commands drive them once from a shell or cron and
// inspect what they produced.

func (c *CLI) newTasksFileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks-file",
		Short: "Checklist-file surface",
	}
	cmd.AddCommand(c.newTasksFilePollCommand(), c.newTasksFileStatusCommand())
	return cmd
}

func (c *CLI) newTasksFilePollCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Scan checklist files once",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := c.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			if !c.cfg.Channels.TasksFile.Enabled {
				return taskerr.Configf("channels.tasks_file is disabled")
			}
			if c.cfg.Files.Root == "" {
				return taskerr.Configf("files.root is not set")
			}
			local, err := files.NewLocal(c.cfg.Files.Root)
			if err != nil {
				return err
			}
			adapter := tasksfile.New(local, st, c.cfg.Channels.TasksFile, c.logger)
			ctx, stop := signalContext()
			defer stop()
			if err := adapter.Poll(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), green("poll complete"))
			return nil
		},
	}
}

func (c *CLI) newTasksFileStatusCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show surface config and recent checklist tasks",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := c.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			fcfg := c.cfg.Channels.TasksFile
			state := red("disabled")
			if fcfg.Enabled {
				state = green("enabled")
			}
			pattern := fcfg.Pattern
			if pattern == "" {
				pattern = "*.md"
			}
			field := func(name, value string) {
				fmt.Fprintf(c.out, "%s %s\n", gray(fmt.Sprintf("%-10s", name)), value)
			}
			field("surface", state)
			field("root", c.cfg.Files.Root)
			field("watch", fcfg.Dir+"/"+pattern)

			ctx, stop := signalContext()
			defer stop()
			tasks, err := st.ListTasks(ctx, store.TaskFilter{
				SourceType: store.SourceTasksFile,
				Limit:      limit,
			})
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Fprintf(c.out, "\n%s\n", gray("no checklist tasks yet"))
				return nil
			}
			fmt.Fprintln(c.out)
			printSourceTable(c.out, tasks, st.Now())
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "recent items to show")
	return cmd
}

func (c *CLI) newEmailCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "email",
		Short: "Mail surface",
	}
	cmd.AddCommand(c.newEmailPollCommand(), c.newEmailListCommand(), c.newEmailTestCommand())
	return cmd
}

func (c *CLI) newEmailPollCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Ingest unseen mail once",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := c.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			if !c.cfg.Channels.Email.Enabled {
				return taskerr.Configf("channels.email is disabled")
			}
			dir, err := c.directory()
			if err != nil {
				return err
			}
			mailer := email.NewMailer(c.cfg.Channels.Email, c.cfg.Secrets.SMTPPassword, c.logger)
			adapter := email.New(mailer, st, dir, c.logger)
			ctx, stop := signalContext()
			defer stop()
			if err := adapter.Poll(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), green("poll complete"))
			return nil
		},
	}
}

func (c *CLI) newEmailListCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks the mail surface created",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := c.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			ctx, stop := signalContext()
			defer stop()

			tasks, err := st.ListTasks(ctx, store.TaskFilter{
				SourceType: store.SourceEmail,
				Limit:      limit,
			})
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), gray("no mail tasks"))
				return nil
			}
			printSourceTable(cmd.OutOrStdout(), tasks, st.Now())
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum rows")
	return cmd
}

func (c *CLI) newEmailTestCommand() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Send a test mail to a user",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			who, err := resolveUser(user)
			if err != nil {
				return err
			}
			dir, err := c.directory()
			if err != nil {
				return err
			}
			if !c.cfg.Channels.Email.Enabled {
				return taskerr.Configf("channels.email is disabled")
			}
			profile := dir.Lookup(who)
			if profile.Email == "" {
				return taskerr.Configf("user %s has no email configured", who)
			}

			mailer := email.NewMailer(c.cfg.Channels.Email, c.cfg.Secrets.SMTPPassword, c.logger)
			ctx, stop := signalContext()
			defer stop()
			err = mailer.Send(ctx, email.Outbound{
				To:      profile.Email,
				Subject: "donna test",
				Body:    "The mail surface is configured correctly.",
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s test mail to %s\n", green("sent"), profile.Email)
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "recipient user (defaults to $USER)")
	return cmd
}

// printSourceTable is the compact listing the surface commands share.
func printSourceTable(out io.Writer, tasks []store.Task, now time.Time) {
	tw := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
		bold("ID"), bold("STATUS"), bold("USER"), bold("AGE"), bold("TASK"))
	for _, t := range tasks {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			t.ID, statusColor(t.Status), t.UserID, shortAge(t.Age(now)), excerpt(t.Prompt, 60))
	}
	tw.Flush()
}
