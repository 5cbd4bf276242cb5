package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"donna/internal/store"
)

func (c *CLI) newChatCommand() *cobra.Command {
	var (
		user  string
		token string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Hold a conversation with the engine",
		Long: `Start a terminal conversation. Every line becomes a task executed in
this process; the lines share a conversation token, so each prompt
carries the thread so far.

Inside the session: exit, quit, or q leaves; ^C during a running task
cancels it back onto the queue.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			who, err := resolveUser(user)
			if err != nil {
				return err
			}
			if token == "" {
				token = "chat:" + uuid.NewString()[:8]
			}
			return c.runChat(who, token)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&user, "user", "u", "", "user to chat as (defaults to $USER)")
	flags.StringVarP(&token, "token", "t", "", "resume an existing conversation")
	return cmd
}

func (c *CLI) runChat(user, token string) error {
	ctx, stop := signalContext()
	defer stop()

	parts, closeParts, err := c.buildRunner(c.out)
	if err != nil {
		return err
	}
	defer closeParts()
	defer parts.pool.Stop(5 * time.Second)

	home, _ := os.UserHomeDir()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            cyan("donna> "),
		HistoryFile:       filepath.Join(home, ".donna_history"),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(c.out, "%s chatting as %s, conversation %s\n",
		gray("•"), bold(user), gray(token))
	fmt.Fprintf(c.out, "%s\n\n", gray("type a request, or exit to leave"))

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		}
		if err == io.EOF {
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch strings.ToLower(line) {
		case "exit", "quit", "q":
			fmt.Fprintln(c.out, gray("bye"))
			return nil
		}
		if err := c.chatTurn(ctx, parts, user, token, line); err != nil {
			if ctx.Err() != nil {
				break
			}
			fmt.Fprintf(os.Stderr, "%s %v\n", red("error:"), err)
		}
	}
	return nil
}

// chatTurn enqueues one line and waits for the reply. The result stays
// on the row as well, so show and the history selector see the thread.
func (c *CLI) chatTurn(ctx context.Context, parts *runnerParts, user, token, line string) error {
	id, err := parts.st.CreateTask(ctx, store.NewTask{
		UserID:            user,
		Prompt:            line,
		SourceType:        store.SourceCLI,
		ConversationToken: token,
		OutputTarget:      store.TargetNone,
	})
	if err != nil {
		return err
	}
	task, err := awaitTask(ctx, parts, id)
	if err != nil {
		return err
	}
	switch task.Status {
	case store.StatusFailed:
		fmt.Fprintf(c.out, "%s %s\n\n", red("✗"), task.LastError)
	case store.StatusCancelled:
		fmt.Fprintf(c.out, "%s cancelled\n\n", yellow("✗"))
	case store.StatusPendingConfirmation:
		fmt.Fprintf(c.out, "%s needs confirmation:\n%s\n", yellow("?"), renderMarkdown(task.Result))
	default:
		fmt.Fprintf(c.out, "\n%s\n", renderMarkdown(task.Result))
	}
	return nil
}
