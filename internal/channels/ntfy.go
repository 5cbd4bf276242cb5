package channels

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"donna/internal/config"
	"donna/internal/httpclient"
	"donna/internal/observability"
	"donna/internal/store"
)

const maxNtfyBody = 4000

// Ntfy pushes one-way notifications over the ntfy wire protocol: a
// plain POST to {server}/{topic} with title and priority headers.
type Ntfy struct {
	endpoint string
	client   *http.Client
}

// NewNtfy builds the push adapter from configuration.
func NewNtfy(cfg config.NtfyConfig, logger *observability.Logger) *Ntfy {
	return &Ntfy{
		endpoint: strings.TrimRight(cfg.URL, "/") + "/" + cfg.Topic,
		client:   httpclient.NewWithBreaker(10*time.Second, "ntfy", logger),
	}
}

// Name implements Adapter.
func (n *Ntfy) Name() string { return AdapterNtfy }

// DeliverResult implements Adapter.
func (n *Ntfy) DeliverResult(ctx context.Context, task *store.Task, res Result) error {
	return n.publish(ctx, "Done: "+taskTitle(task), res.Text, "default")
}

// DeliverFailure implements Adapter.
func (n *Ntfy) DeliverFailure(ctx context.Context, task *store.Task, userMsg string) error {
	return n.publish(ctx, "Failed: "+taskTitle(task), userMsg, "high")
}

func (n *Ntfy) publish(ctx context.Context, title, body, priority string) error {
	if len(body) > maxNtfyBody {
		body = body[:maxNtfyBody] + "…"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Title", title)
	req.Header.Set("Priority", priority)
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("ntfy publish: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := httpclient.ReadBody(resp.Body, 4<<10)
		return fmt.Errorf("ntfy publish: status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}

// taskTitle is the short notification headline for a task.
func taskTitle(task *store.Task) string {
	text := task.Prompt
	if text == "" {
		text = task.Command
	}
	if line, _, found := strings.Cut(text, "\n"); found {
		text = line
	}
	const max = 80
	if len(text) > max {
		return text[:max] + "…"
	}
	return text
}
