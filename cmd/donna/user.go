package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"donna/internal/store"
	"donna/internal/users"
)

func (c *CLI) newUserCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Inspect and prepare user accounts",
	}
	cmd.AddCommand(
		c.newUserListCommand(),
		c.newUserLookupCommand(),
		c.newUserStatusCommand(),
		c.newUserInitCommand(),
	)
	return cmd
}

func (c *CLI) newUserListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured users",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := c.directory()
			if err != nil {
				return err
			}
			known := dir.Known()
			if len(known) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(),
					gray("no users configured; any id may still submit tasks"))
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				bold("USER"), bold("ADMIN"), bold("TIMEZONE"), bold("EMAIL"), bold("BRIEFING"))
			for _, id := range known {
				p := dir.Lookup(id)
				admin := gray("no")
				if p.Admin {
					admin = green("yes")
				}
				email := p.Email
				if email == "" {
					email = gray("-")
				}
				briefing := p.BriefingCron
				if briefing == "" {
					briefing = gray("-")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					bold(id), admin, p.Timezone.String(), email, briefing)
			}
			return tw.Flush()
		},
	}
}

func (c *CLI) newUserLookupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <id>",
		Short: "Show one user's effective settings",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if err := users.ValidateID(id); err != nil {
				return usagef("%v", err)
			}
			dir, err := c.directory()
			if err != nil {
				return err
			}
			p := dir.Lookup(id)
			field := func(name, value string) {
				fmt.Fprintf(c.out, "%s %s\n", gray(fmt.Sprintf("%-12s", name)), value)
			}
			field("user", bold(p.ID))
			admin := "no"
			if p.Admin {
				admin = green("yes")
			}
			field("admin", admin)
			field("timezone", p.Timezone.String())
			field("caps", fmt.Sprintf("%d foreground, %d background", p.ForegroundCap, p.BackgroundCap))
			if p.Email != "" {
				field("email", p.Email)
			}
			if p.PersonaPath != "" {
				field("persona", p.PersonaPath)
			}
			if p.BriefingCron != "" {
				target := p.BriefingTarget
				if target == "" {
					target = "talk"
				}
				field("briefing", fmt.Sprintf("%s to %s", p.BriefingCron, target))
			}
			field("scratch", dir.TempDir(id))
			return nil
		},
	}
}

func (c *CLI) newUserStatusCommand() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarize task counts by status",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := c.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			ctx, stop := signalContext()
			defer stop()

			counts, err := st.TaskCounts(ctx, user)
			if err != nil {
				return err
			}
			scope := "all users"
			if user != "" {
				scope = user
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", gray("tasks for"), bold(scope))
			total := 0
			for _, s := range []store.Status{
				store.StatusPending, store.StatusPendingConfirmation,
				store.StatusLocked, store.StatusRunning,
				store.StatusCompleted, store.StatusFailed, store.StatusCancelled,
			} {
				n := counts[s]
				total += n
				if n == 0 {
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "  %s %d\n", statusColor(s), n)
			}
			if total == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), gray("  none"))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "only this user (default all)")
	return cmd
}

func (c *CLI) newUserInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup for a new user",
		Long: `Walk through the settings for a new user and print the YAML to merge
into the users: section of the config file. Nothing is written; the
config file stays under the operator's control.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.initConfig(); err != nil {
				return err
			}
			return c.runUserInit(cmd.OutOrStdout())
		},
	}
}

func (c *CLI) runUserInit(out io.Writer) error {
	id, err := (&promptui.Prompt{
		Label:    "User id",
		Validate: users.ValidateID,
	}).Run()
	if err != nil {
		return initAborted(err)
	}

	tz, err := (&promptui.Prompt{
		Label:   "Timezone",
		Default: c.cfg.Engine.Timezone,
		Validate: func(s string) error {
			_, err := time.LoadLocation(s)
			return err
		},
	}).Run()
	if err != nil {
		return initAborted(err)
	}

	mail, err := (&promptui.Prompt{
		Label: "Email, empty to skip",
		Validate: func(s string) error {
			if s != "" && !strings.Contains(s, "@") {
				return errors.New("not a mail address")
			}
			return nil
		},
	}).Run()
	if err != nil {
		return initAborted(err)
	}

	briefIdx, _, err := (&promptui.Select{
		Label: "Morning briefing",
		Items: []string{"none", "every day at 07:00", "weekdays at 07:00", "custom cron"},
	}).Run()
	if err != nil {
		return initAborted(err)
	}
	var briefingCron, briefingTarget string
	switch briefIdx {
	case 1:
		briefingCron = "0 7 * * *"
	case 2:
		briefingCron = "0 7 * * 1-5"
	case 3:
		briefingCron, err = (&promptui.Prompt{
			Label: "Cron expression",
			Validate: func(s string) error {
				_, err := cron.ParseStandard(s)
				return err
			},
		}).Run()
		if err != nil {
			return initAborted(err)
		}
	}
	if briefingCron != "" {
		_, briefingTarget, err = (&promptui.Select{
			Label: "Deliver briefings to",
			Items: []string{"talk", "email", "ntfy"},
		}).Run()
		if err != nil {
			return initAborted(err)
		}
	}

	adminIdx, _, err := (&promptui.Select{
		Label: "Admin rights",
		Items: []string{"no", "yes"},
	}).Run()
	if err != nil {
		return initAborted(err)
	}

	user := map[string]any{"timezone": tz}
	if mail != "" {
		user["email"] = mail
	}
	if briefingCron != "" {
		user["briefing_cron"] = briefingCron
		user["briefing_target"] = briefingTarget
	}
	snippet, err := yaml.Marshal(map[string]any{"users": map[string]any{id: user}})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%s\n\n%s", green("merge into your config file:"), snippet)
	if adminIdx == 1 {
		fmt.Fprintf(out, "\n%s add %q to %s\n", yellow("also:"), id, c.cfg.Engine.AdminsFile)
	}
	return nil
}

func initAborted(err error) error {
	if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
		return errors.New("setup aborted")
	}
	return err
}
