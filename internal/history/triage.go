package history

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// CLITriage returns a TriageFunc that runs the LLM binary in one-shot
// text mode. The triage prompt goes through stdin like every other
// child invocation; model may be empty to use the binary's default.
func CLITriage(binary, model string) TriageFunc {
	return func(ctx context.Context, prompt string) (string, error) {
		argv := []string{"-p", "--output-format", "text"}
		if model != "" {
			argv = append(argv, "--model", model)
		}
		cmd := exec.CommandContext(ctx, binary, argv...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return "", fmt.Errorf("triage stdin: %w", err)
		}
		go func() {
			_, _ = io.WriteString(stdin, prompt)
			_ = stdin.Close()
		}()
		out, err := cmd.Output()
		if err != nil {
			return "", fmt.Errorf("triage run: %w", err)
		}
		return strings.TrimSpace(string(out)), nil
	}
}
