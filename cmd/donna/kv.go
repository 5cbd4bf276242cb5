package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"donna/internal/store"
)

func (c *CLI) newKVCommand() *cobra.Command {
	var (
		user      string
		namespace string
	)
	cmd := &cobra.Command{
		Use:   "kv",
		Short: "Scoped key-value storage",
		Long: `Read and write the per-user key-value store skills persist state in.
Keys are scoped by user and namespace, so two skills never collide.

Examples:
  donna kv set standup.room talk:room-7 -u alice -n preferences
  donna kv get standup.room -u alice -n preferences
  donna kv list -u alice`,
	}
	flags := cmd.PersistentFlags()
	flags.StringVarP(&user, "user", "u", "", "owner of the entries (defaults to $USER)")
	flags.StringVarP(&namespace, "namespace", "n", "default", "namespace within the user's store")

	scope := func() (string, string, error) {
		who, err := resolveUser(user)
		if err != nil {
			return "", "", err
		}
		if namespace == "" {
			return "", "", usagef("--namespace must not be empty")
		}
		return who, namespace, nil
	}

	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Print a value",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			who, ns, err := scope()
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

			value, err := st.KVGet(ctx, who, ns, args[0])
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("no value for %s/%s/%s", who, ns, args[0])
				}
				return err
			}
			// Bare value so shell substitution works.
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Write a value",
		Args:  usageArgs(cobra.ExactArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			who, ns, err := scope()
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

			if err := st.KVSet(ctx, who, ns, args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s/%s/%s\n", green("set"), who, ns, args[0])
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List a namespace",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			who, ns, err := scope()
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

			entries, err := st.KVList(ctx, who, ns)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), gray("empty namespace"))
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "%s\t%s\t%s\n", bold("KEY"), bold("VALUE"), bold("UPDATED"))
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\n",
					e.Key, excerpt(e.Value, 60), e.UpdatedAt.Local().Format(time.RFC822))
			}
			return tw.Flush()
		},
	}

	del := &cobra.Command{
		Use:   "delete <key>",
		Short: "Remove a key",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			who, ns, err := scope()
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

			if err := st.KVDelete(ctx, who, ns, args[0]); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("no value for %s/%s/%s", who, ns, args[0])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s/%s/%s\n", yellow("deleted"), who, ns, args[0])
			return nil
		},
	}

	cmd.AddCommand(get, set, list, del)
	return cmd
}
