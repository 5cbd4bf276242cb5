package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// OllamaEmbedder produces embeddings through a local Ollama server. It
// is the stock EmbedFunc provider when the vector side is enabled.
type OllamaEmbedder struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllamaEmbedder constructs an embedder for the given model.
func NewOllamaEmbedder(model, baseURL string) *OllamaEmbedder {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	return &OllamaEmbedder{
		baseURL: baseURL,
		model:   strings.TrimSpace(model),
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// Embed returns the embedding for one text. The newer /api/embed
// endpoint is tried first; 404 falls back to /api/embeddings for older
// servers.
func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if o.model == "" {
		return nil, fmt.Errorf("ollama embedder requires model name")
	}

	status, body, err := o.postJSON(ctx, "/api/embed", map[string]any{
		"model": o.model,
		"input": []string{text},
	})
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return o.embedLegacy(ctx, text)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("ollama /api/embed failed: %s", strings.TrimSpace(body))
	}

	var resp struct {
		Embeddings [][]float32 `json:"embeddings"`
		Error      string      `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("ollama /api/embed error: %s", resp.Error)
	}
	if len(resp.Embeddings) != 1 {
		return nil, fmt.Errorf("ollama /api/embed returned %d embeddings for 1 input", len(resp.Embeddings))
	}
	return resp.Embeddings[0], nil
}

func (o *OllamaEmbedder) embedLegacy(ctx context.Context, text string) ([]float32, error) {
	status, body, err := o.postJSON(ctx, "/api/embeddings", map[string]any{
		"model":  o.model,
		"prompt": text,
	})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("ollama /api/embeddings failed: %s", strings.TrimSpace(body))
	}

	var resp struct {
		Embedding []float32 `json:"embedding"`
		Error     string    `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("ollama /api/embeddings error: %s", resp.Error)
	}
	return resp.Embedding, nil
}

func (o *OllamaEmbedder) postJSON(ctx context.Context, path string, payload any) (int, string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := o.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("ollama request failed: %w (try `ollama serve`)", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, "", err
	}
	return resp.StatusCode, string(respBody), nil
}
