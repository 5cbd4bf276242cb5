package executor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"

	"donna/internal/config"
	"donna/internal/observability"
	"donna/internal/prompt"
	"donna/internal/taskerr"
)

// Aux makes the one-shot model calls the engine issues on its own
// behalf, outside the task queue: context triage and nightly memory
// extraction. Plain text in, plain text out, no tools granted, small
// model when one is configured. The caller's context carries the
// deadline; both callers bring their own.
type Aux struct {
	cfg     *config.Config
	logger  *observability.Logger
	environ func() []string
}

// NewAux builds an Aux caller over the executor configuration.
func NewAux(cfg *config.Config, logger *observability.Logger) *Aux {
	return &Aux{cfg: cfg, logger: observability.OrNop(logger), environ: os.Environ}
}

// Call runs one exchange and returns the trimmed reply. Errors are
// typed but advisory: every caller falls back to working without the
// reply.
func (a *Aux) Call(ctx context.Context, request string) (string, error) {
	ex := a.cfg.Executor
	argv := []string{ex.Binary, "-p"}
	model := ex.SmallModel
	if model == "" {
		model = ex.Model
	}
	if model != "" {
		argv = append(argv, "--model", model)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = a.cfg.Engine.Home
	cmd.Env = prompt.StripSecretsList(a.environ())
	cmd.Stdin = strings.NewReader(request)
	cmd.WaitDelay = defaultTermGrace

	var stdout bytes.Buffer
	var stderr tailBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	a.logger.DebugContext(ctx, "auxiliary model call", "model", model, "request_bytes", len(request))
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", taskerr.Timeout(ctx.Err(), "auxiliary call timed out")
		}
		if ctx.Err() != nil {
			return "", taskerr.Transient(ctx.Err(), "auxiliary call interrupted")
		}
		return "", taskerr.Transient(err, auxFailure(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// auxFailure folds the child's stderr tail into a short error message.
func auxFailure(stderrTail string) string {
	line := collapseLine(stderrTail)
	if line == "" {
		return "auxiliary call failed"
	}
	line, _ = truncateLine(line, 200)
	return "auxiliary call failed: " + line
}
