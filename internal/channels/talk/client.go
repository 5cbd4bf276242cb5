package talk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"donna/internal/config"
	"donna/internal/httpclient"
	"donna/internal/observability"
)

const maxPollBody = 1 << 20

// HTTPClient speaks to the chat bridge's bot API:
//
//	GET  /rooms/{room}/messages?since={id}   long-poll for new messages
//	POST /rooms/{room}/messages              {"message": "..."}
//	POST /rooms/{room}/read                  {"last": "..."}
//
// The bridge authenticates the bot by bearer token and only returns
// other participants' messages.
type HTTPClient struct {
	base   string
	token  string
	client *http.Client
}

// NewHTTPClient builds the production client. The HTTP timeout rides
// above the bridge's long-poll window so only a hung bridge trips it.
func NewHTTPClient(cfg config.TalkConfig, logger *observability.Logger) *HTTPClient {
	window := cfg.PollInterval
	if window <= 0 {
		window = 30 * time.Second
	}
	return &HTTPClient{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		token:  cfg.Token,
		client: httpclient.NewWithBreaker(window+15*time.Second, "talk", logger),
	}
}

type wireMessage struct {
	ID          string   `json:"id"`
	Actor       string   `json:"actor"`
	Message     string   `json:"message"`
	Attachments []string `json:"attachments,omitempty"`
}

// Poll implements Client.
func (c *HTTPClient) Poll(ctx context.Context, room, sinceID string) ([]Message, error) {
	endpoint := fmt.Sprintf("%s/rooms/%s/messages", c.base, url.PathEscape(room))
	if sinceID != "" {
		endpoint += "?since=" + url.QueryEscape(sinceID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("talk poll: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpError("talk poll", resp)
	}
	body, err := httpclient.ReadBody(resp.Body, maxPollBody)
	if err != nil {
		return nil, fmt.Errorf("talk poll: %w", err)
	}
	var wire []wireMessage
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("talk poll: decode: %w", err)
	}
	msgs := make([]Message, 0, len(wire))
	for _, w := range wire {
		msgs = append(msgs, Message{
			ID:          w.ID,
			Room:        room,
			Sender:      w.Actor,
			Text:        w.Message,
			Attachments: w.Attachments,
		})
	}
	return msgs, nil
}

// Send implements Client.
func (c *HTTPClient) Send(ctx context.Context, room, text string) error {
	return c.post(ctx, "talk send",
		fmt.Sprintf("%s/rooms/%s/messages", c.base, url.PathEscape(room)),
		map[string]string{"message": text})
}

// Ack implements Client.
func (c *HTTPClient) Ack(ctx context.Context, room, messageID string) error {
	return c.post(ctx, "talk ack",
		fmt.Sprintf("%s/rooms/%s/read", c.base, url.PathEscape(room)),
		map[string]string{"last": messageID})
}

func (c *HTTPClient) post(ctx context.Context, op, endpoint string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return httpError(op, resp)
	}
	return nil
}

func (c *HTTPClient) do(req *http.Request) (*http.Response, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.client.Do(req)
}

func httpError(op string, resp *http.Response) error {
	detail, _ := httpclient.ReadBody(resp.Body, 4<<10)
	msg := strings.TrimSpace(string(detail))
	if msg == "" {
		return fmt.Errorf("%s: status %d", op, resp.StatusCode)
	}
	return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, msg)
}
