// Package talk is the chat surface: a long-poll ingestion loop that
// turns room messages into foreground tasks, and the deliverer that
// posts results back into the rooms.
package talk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"donna/internal/channels"
	"donna/internal/config"
	"donna/internal/observability"
	"donna/internal/store"
	"donna/internal/users"
)

// Message is one inbound chat message. Implementations exclude the
// bot's own posts before returning.
type Message struct {
	ID          string
	Room        string
	Sender      string
	Text        string
	Attachments []string
}

// Client wraps the chat server's bot API. Poll blocks up to the
// server's long-poll window and returns messages newer than sinceID
// in posting order; an empty sinceID means "only messages from now
// on".
type Client interface {
	Poll(ctx context.Context, room, sinceID string) ([]Message, error)
	Send(ctx context.Context, room, text string) error
	Ack(ctx context.Context, room, messageID string) error
}

// stopWords cancel whatever is running in the room instead of
// becoming a task.
var stopWords = map[string]bool{
	"stop": true, "cancel": true, "abort": true,
}

const courtesyReply = "On it as soon as I finish the current request. This one is queued."

// Adapter delivers results into rooms and ingests new messages.
type Adapter struct {
	client Client
	store  *store.Store
	cfg    config.TalkConfig
	logger *observability.Logger
}

// New builds the talk adapter over its transport collaborator.
func New(client Client, st *store.Store, cfg config.TalkConfig, logger *observability.Logger) *Adapter {
	return &Adapter{
		client: client,
		store:  st,
		cfg:    cfg,
		logger: observability.OrNop(logger),
	}
}

// Name implements channels.Adapter.
func (a *Adapter) Name() string { return channels.AdapterTalk }

// DeliverResult posts the result into the task's room. Tasks without
// a conversation land in the default room.
func (a *Adapter) DeliverResult(ctx context.Context, task *store.Task, res channels.Result) error {
	return a.send(ctx, task, res.Text)
}

// DeliverFailure posts the failure template into the task's room.
func (a *Adapter) DeliverFailure(ctx context.Context, task *store.Task, userMsg string) error {
	return a.send(ctx, task, userMsg)
}

// Progress posts an intermediate activity line into the task's room.
// Only talk-sourced tasks surface progress; no other source has a
// room waiting on it. A send failure is logged and swallowed so a
// dropped progress line never touches the task.
func (a *Adapter) Progress(ctx context.Context, task *store.Task, line string) {
	if task.SourceType != store.SourceTalk || task.ConversationToken == "" {
		return
	}
	if err := a.send(ctx, task, line); err != nil {
		a.logger.WarnContext(ctx, "progress line not sent", "task", task.ID, "error", err)
	}
}

func (a *Adapter) send(ctx context.Context, task *store.Task, text string) error {
	room := task.ConversationToken
	if room == "" {
		room = a.cfg.DefaultRoom
	}
	if room == "" {
		return fmt.Errorf("talk: no room for task %d", task.ID)
	}
	if err := a.client.Send(ctx, room, text); err != nil {
		return fmt.Errorf("talk send: %w", err)
	}
	return nil
}

// Run polls every configured room until the context ends. Each room
// gets its own loop so a slow long-poll in one room never delays
// another.
func (a *Adapter) Run(ctx context.Context) error {
	if len(a.cfg.Rooms) == 0 {
		a.logger.Warn("talk enabled with no rooms configured")
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, room := range a.cfg.Rooms {
		g.Go(func() error {
			a.pollRoom(ctx, room)
			return nil
		})
	}
	return g.Wait()
}

func (a *Adapter) pollRoom(ctx context.Context, room string) {
	interval := a.cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	log := a.logger.With("room", room)
	for ctx.Err() == nil {
		cursor, err := a.store.TalkCursor(ctx, room)
		if err != nil {
			log.WarnContext(ctx, "talk cursor read failed", "error", err)
			pause(ctx, interval)
			continue
		}
		msgs, err := a.client.Poll(ctx, room, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WarnContext(ctx, "talk poll failed", "error", err)
			pause(ctx, interval)
			continue
		}
		for _, msg := range msgs {
			if err := a.ingest(ctx, msg); err != nil {
				// The cursor stays put, so this message comes back on
				// the next poll.
				log.ErrorContext(ctx, "talk message not ingested", "message", msg.ID, "error", err)
				pause(ctx, interval)
				break
			}
		}
		if len(msgs) == 0 {
			// The client long-polls; this only paces a client that
			// returns immediately.
			pause(ctx, time.Second)
		}
	}
}

// ingest turns one message into a foreground task, a cancellation, or
// a deliberate skip. Skips still advance the cursor.
func (a *Adapter) ingest(ctx context.Context, msg Message) error {
	text := strings.TrimSpace(msg.Text)
	log := a.logger.With("room", msg.Room, "message", msg.ID)

	switch {
	case text == "":
		log.DebugContext(ctx, "empty message skipped")
	case users.ValidateID(msg.Sender) != nil:
		log.WarnContext(ctx, "message from invalid sender skipped", "sender", msg.Sender)
	case stopWords[strings.ToLower(text)]:
		if err := a.cancelRoom(ctx, msg); err != nil {
			return err
		}
	default:
		if err := a.enqueue(ctx, msg, text); err != nil {
			return err
		}
	}

	if err := a.store.SetTalkCursor(ctx, msg.Room, msg.ID); err != nil {
		return err
	}
	if err := a.client.Ack(ctx, msg.Room, msg.ID); err != nil {
		// The cursor already advanced; a failed ack cannot replay.
		log.WarnContext(ctx, "talk ack failed", "error", err)
	}
	return nil
}

func (a *Adapter) cancelRoom(ctx context.Context, msg Message) error {
	n, err := a.store.CancelForegroundForChannel(ctx, msg.Room)
	if err != nil {
		return err
	}
	if n == 0 {
		return a.client.Send(ctx, msg.Room, "Nothing is running right now.")
	}
	a.logger.InfoContext(ctx, "room tasks cancelled", "room", msg.Room, "count", n)
	return a.client.Send(ctx, msg.Room, "Stopping.")
}

func (a *Adapter) enqueue(ctx context.Context, msg Message, text string) error {
	// Read the gate before inserting so the new task does not trip it.
	busy, err := a.store.HasActiveForegroundForChannel(ctx, msg.Room)
	if err != nil {
		return err
	}
	id, err := a.store.CreateTaskUnique(ctx, store.NewTask{
		UserID:            msg.Sender,
		Prompt:            text,
		SourceType:        store.SourceTalk,
		SourceRef:         "talk:" + msg.Room + ":" + msg.ID,
		ConversationToken: msg.Room,
		Attachments:       msg.Attachments,
	})
	if errors.Is(err, store.ErrDuplicateTask) {
		a.logger.InfoContext(ctx, "duplicate message skipped", "room", msg.Room, "message", msg.ID)
		return nil
	}
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "talk task created",
		"task", id, "room", msg.Room, "user", msg.Sender)
	if busy {
		if err := a.client.Send(ctx, msg.Room, courtesyReply); err != nil {
			a.logger.WarnContext(ctx, "courtesy reply failed", "room", msg.Room, "error", err)
		}
	}
	return nil
}

func pause(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
