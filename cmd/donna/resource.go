package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"donna/internal/store"
)

func (c *CLI) newResourceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resource",
		Short: "Manage user resources",
		Long: `Resources are the artifacts a user grants the assistant: calendar
URLs, folders, reminder files, contact lists, ledgers. Skills match on
the resource types a user holds.`,
	}
	cmd.AddCommand(
		c.newResourceAddCommand(),
		c.newResourceListCommand(),
		c.newResourceRemoveCommand(),
	)
	return cmd
}

func (c *CLI) newResourceAddCommand() *cobra.Command {
	var (
		user   string
		rtype  string
		name   string
		path   string
		perm   string
		extras []string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Grant a resource to a user",
		Long: `Grant a resource. Re-adding the same (user, type, name) replaces the
path and permissions.

Examples:
  donna resource add -u alice --type calendar --name personal --path https://cal.example.com/alice.ics
  donna resource add -u alice --type folder --name notes --path /srv/files/alice/notes --perm rw
  donna resource add -u root --type ledger --name household --path /srv/files/root/ledger.beancount --extra currency=EUR`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			who, err := resolveUser(user)
			if err != nil {
				return err
			}
			if !store.ResourceType(rtype).Valid() {
				return usagef("unknown resource type %q", rtype)
			}
			if name == "" {
				return usagef("--name is required")
			}
			if path == "" {
				return usagef("--path is required")
			}
			if perm != "ro" && perm != "rw" {
				return usagef("--perm must be ro or rw, got %q", perm)
			}
			extraMap, err := parseExtras(extras)
			if err != nil {
				return err
			}

			st, err := c.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			ctx, stop := signalContext()
			defer stop()

			id, err := st.AddResource(ctx, store.UserResource{
				UserID:      who,
				Type:        store.ResourceType(rtype),
				Name:        name,
				PathOrURL:   path,
				Permissions: perm,
				Extras:      extraMap,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s resource %d: %s/%s (%s) for %s\n",
				green("granted"), id, rtype, name, perm, bold(who))
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&user, "user", "u", "", "owner (defaults to $USER)")
	flags.StringVar(&rtype, "type", "", "calendar, folder, file, reminders, contacts, or ledger")
	flags.StringVar(&name, "name", "", "resource name, unique per user and type")
	flags.StringVar(&path, "path", "", "path or URL the resource lives at")
	flags.StringVar(&perm, "perm", "ro", "ro or rw")
	flags.StringArrayVar(&extras, "extra", nil, "extra key=value metadata, repeatable")
	return cmd
}

func parseExtras(pairs []string) (store.KVMap, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	m := make(store.KVMap, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, usagef("--extra wants key=value, got %q", p)
		}
		m[k] = v
	}
	return m, nil
}

func (c *CLI) newResourceListCommand() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List granted resources",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := c.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			ctx, stop := signalContext()
			defer stop()

			resources, err := st.ResourcesForUser(ctx, user)
			if err != nil {
				return err
			}
			if len(resources) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), gray("no resources"))
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				bold("ID"), bold("USER"), bold("TYPE"), bold("NAME"), bold("PERM"), bold("PATH"))
			for _, r := range resources {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.UserID, r.Type, r.Name, r.Permissions, r.PathOrURL)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "only this user (default all)")
	return cmd
}

func (c *CLI) newResourceRemoveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Revoke a resource by id",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id < 1 {
				return usagef("resource id must be a positive integer, got %q", args[0])
			}
			st, err := c.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			ctx, stop := signalContext()
			defer stop()

			if err := st.DeleteResource(ctx, id); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("no resource with id %d", id)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s resource %d\n", yellow("revoked"), id)
			return nil
		},
	}
	return cmd
}
