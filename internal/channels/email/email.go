// Package email is the mail surface: a poller that turns unseen
// messages into tasks and the deliverer that answers on the same
// thread. The wire protocol lives behind MailClient; the bundled
// implementation consumes a locally synced maildir and replies over
// SMTP.
package email

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"donna/internal/channels"
	"donna/internal/observability"
	"donna/internal/store"
	"donna/internal/users"
)

// Inbound is one unseen message, already parsed off the wire.
type Inbound struct {
	MessageID string
	From      string // bare address, e.g. alice@example.com
	Subject   string
	TextBody  string
	HTMLBody  string
	// References is the RFC 5322 chain, oldest first, with
	// In-Reply-To folded in.
	References []string
}

// Outbound is one reply.
type Outbound struct {
	To         string
	Subject    string
	Body       string
	HTML       bool
	InReplyTo  string
	References []string
}

// MailClient is the wire collaborator. FetchUnseen returns each
// message once per wire delivery; the store-side dedup still guards
// against replays after a crash mid-ingest.
type MailClient interface {
	FetchUnseen(ctx context.Context) ([]Inbound, error)
	Send(ctx context.Context, msg Outbound) error
}

// Adapter ingests mail into tasks and delivers results as replies.
type Adapter struct {
	client MailClient
	store  *store.Store
	users  *users.Directory
	logger *observability.Logger
}

// New builds the mail adapter over its wire collaborator.
func New(client MailClient, st *store.Store, dir *users.Directory, logger *observability.Logger) *Adapter {
	return &Adapter{
		client: client,
		store:  st,
		users:  dir,
		logger: observability.OrNop(logger),
	}
}

// Name implements channels.Adapter.
func (a *Adapter) Name() string { return channels.AdapterEmail }

// Poll ingests unseen mail once. The scheduler drives it on the email
// cadence; the CLI drives it on demand.
func (a *Adapter) Poll(ctx context.Context) error {
	msgs, err := a.client.FetchUnseen(ctx)
	if err != nil {
		return fmt.Errorf("fetch unseen: %w", err)
	}
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.ingest(ctx, msg); err != nil {
			a.logger.ErrorContext(ctx, "email not ingested",
				"message", msg.MessageID, "error", err)
		}
	}
	return nil
}

// ingest turns one message into a task. Messages that cannot become
// tasks (strangers, empty bodies) are still marked processed so the
// References chain stays complete and nothing loops.
func (a *Adapter) ingest(ctx context.Context, msg Inbound) error {
	log := a.logger.With("message", msg.MessageID)
	if msg.MessageID == "" {
		log.WarnContext(ctx, "email without message id skipped", "from", msg.From)
		return nil
	}
	seen, err := a.store.EmailSeen(ctx, msg.MessageID)
	if err != nil {
		return err
	}
	if seen {
		log.DebugContext(ctx, "email already processed")
		return nil
	}

	userID, ok := a.users.ByEmail(msg.From)
	if !ok {
		// A known thread vouches for an unknown address: the user may
		// reply from a second account.
		userID, err = a.store.EmailThreadUser(ctx, msg.References)
		if err != nil {
			return err
		}
	}
	if userID == "" {
		log.WarnContext(ctx, "email from unknown sender dropped", "from", msg.From)
		return a.markProcessed(ctx, msg, "")
	}

	promptText := buildPrompt(ctx, a.logger, msg)
	if promptText == "" {
		log.WarnContext(ctx, "email with empty content skipped", "from", msg.From)
		return a.markProcessed(ctx, msg, userID)
	}

	id, err := a.store.CreateTaskUnique(ctx, store.NewTask{
		UserID:            userID,
		Prompt:            promptText,
		SourceType:        store.SourceEmail,
		SourceRef:         "email:" + msg.MessageID,
		ConversationToken: "email:" + threadRoot(msg),
		OutputTarget:      store.TargetEmail,
	})
	if err != nil && !errors.Is(err, store.ErrDuplicateTask) {
		return err
	}
	if err == nil {
		log.InfoContext(ctx, "email task created", "task", id, "user", userID)
	}
	return a.markProcessed(ctx, msg, userID)
}

func (a *Adapter) markProcessed(ctx context.Context, msg Inbound, userID string) error {
	_, err := a.store.MarkEmailProcessed(ctx, msg.MessageID,
		strings.Join(msg.References, " "), userID)
	return err
}

// DeliverResult replies on the task's thread. A staged email payload
// overrides subject, body, and format.
func (a *Adapter) DeliverResult(ctx context.Context, task *store.Task, res channels.Result) error {
	out, err := a.compose(task)
	if err != nil {
		return err
	}
	if res.Email != nil {
		if s := strings.TrimSpace(res.Email.Subject); s != "" {
			out.Subject = s
		}
		out.Body = res.Email.Body
		out.HTML = strings.EqualFold(res.Email.Format, "html")
	} else {
		out.Body = res.Text
	}
	if err := a.client.Send(ctx, out); err != nil {
		return fmt.Errorf("email send: %w", err)
	}
	return nil
}

// DeliverFailure replies with the fixed failure template.
func (a *Adapter) DeliverFailure(ctx context.Context, task *store.Task, userMsg string) error {
	out, err := a.compose(task)
	if err != nil {
		return err
	}
	out.Body = userMsg
	if err := a.client.Send(ctx, out); err != nil {
		return fmt.Errorf("email send: %w", err)
	}
	return nil
}

// compose fills the envelope: recipient from the owner's profile,
// threading headers from the task's provenance.
func (a *Adapter) compose(task *store.Task) (Outbound, error) {
	to := a.users.Lookup(task.UserID).Email
	if to == "" {
		return Outbound{}, fmt.Errorf("email: user %s has no address configured", task.UserID)
	}
	out := Outbound{To: to, Subject: replySubject(task)}
	if task.SourceType != store.SourceEmail {
		return out, nil
	}
	orig, ok := strings.CutPrefix(task.SourceRef, "email:")
	if !ok || orig == "" {
		return out, nil
	}
	out.InReplyTo = orig
	if root, found := strings.CutPrefix(task.ConversationToken, "email:"); found && root != "" && root != orig {
		out.References = []string{root, orig}
	} else {
		out.References = []string{orig}
	}
	return out, nil
}

// replySubject recovers the original subject from the prompt header
// the ingester wrote, or falls back to a short headline.
func replySubject(task *store.Task) string {
	line, _, _ := strings.Cut(task.Prompt, "\n")
	if s, ok := strings.CutPrefix(line, "Subject: "); ok {
		s = strings.TrimSpace(s)
		if s != "" {
			if strings.HasPrefix(strings.ToLower(s), "re:") {
				return s
			}
			return "Re: " + s
		}
	}
	if line = strings.TrimSpace(line); line != "" {
		const max = 80
		if len(line) > max {
			return line[:max] + "…"
		}
		return line
	}
	return "Task update"
}

func threadRoot(msg Inbound) string {
	if len(msg.References) > 0 {
		return msg.References[0]
	}
	return msg.MessageID
}

func buildPrompt(ctx context.Context, logger *observability.Logger, msg Inbound) string {
	body := strings.TrimSpace(msg.TextBody)
	if body == "" && msg.HTMLBody != "" {
		text, err := HTMLToText(msg.HTMLBody)
		if err != nil {
			logger.WarnContext(ctx, "html body not extracted",
				"message", msg.MessageID, "error", err)
		}
		body = strings.TrimSpace(text)
	}
	subject := strings.TrimSpace(msg.Subject)
	switch {
	case subject != "" && body != "":
		return "Subject: " + subject + "\n\n" + body
	case subject != "":
		return "Subject: " + subject
	default:
		return body
	}
}

// HTMLToText flattens an HTML body into readable text: scripts and
// styles go, block elements and <br> become line breaks, whitespace
// collapses.
func HTMLToText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, head, noscript").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, li, tr, h1, h2, h3, h4, h5, h6, blockquote, pre").AfterHtml("\n")
	text := doc.Find("body").Text()
	if strings.TrimSpace(text) == "" {
		text = doc.Text()
	}
	return collapseWhitespace(text), nil
}

// collapseWhitespace squeezes runs of spaces inside lines and runs of
// blank lines down to one.
func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := true
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, strings.Join(fields, " "))
		blank = false
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}
