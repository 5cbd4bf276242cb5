package executor

import (
	"encoding/json"
	"strings"
)

// streamEvent is one parsed NDJSON line from the child's stdout. The
// child emits assistant events while working and exactly one result
// event at the end; everything else is ignored.
type streamEvent struct {
	Type         string          `json:"type"`
	Subtype      string          `json:"subtype,omitempty"`
	Message      json.RawMessage `json:"message,omitempty"`
	Result       string          `json:"result,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
	Errors       []string        `json:"errors,omitempty"`
	TotalCostUSD float64         `json:"total_cost_usd,omitempty"`
	DurationMS   int64           `json:"duration_ms,omitempty"`
	NumTurns     int             `json:"num_turns,omitempty"`
	Usage        usageBlock      `json:"usage"`
}

type usageBlock struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// assistantMessage is the message payload of an assistant event.
type assistantMessage struct {
	Content []contentBlock `json:"content"`
}

// contentBlock mirrors the child's content block shape. Only text and
// tool_use blocks matter here.
type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// errorText flattens a failed result event into one error string.
func (e *streamEvent) errorText() string {
	msg := strings.TrimSpace(e.Result)
	if msg == "" && len(e.Errors) > 0 {
		msg = strings.TrimSpace(strings.Join(e.Errors, "; "))
	}
	if msg == "" {
		msg = "child reported an error without detail"
	}
	return msg
}

// toolDetailKeys are tried in order against a tool_use input to find
// the most descriptive argument.
var toolDetailKeys = []string{"command", "file_path", "path", "pattern", "url", "query", "description", "prompt"}

const toolDetailMax = 120

// describeToolUse renders a tool_use block as the short human-readable
// line forwarded as progress and accumulated into actions_taken.
func describeToolUse(block contentBlock) string {
	name := strings.TrimSpace(block.Name)
	if name == "" {
		name = "tool"
	}
	detail := toolDetail(block.Input)
	if detail == "" {
		return name
	}
	return name + ": " + detail
}

func toolDetail(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var fields map[string]any
	if err := json.Unmarshal(input, &fields); err != nil {
		return ""
	}
	for _, key := range toolDetailKeys {
		value, ok := fields[key].(string)
		if !ok {
			continue
		}
		if line := collapseLine(value); line != "" {
			line, _ = truncateLine(line, toolDetailMax)
			return line
		}
	}
	return ""
}

// collapseLine folds a multi-line string into one trimmed line.
func collapseLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncateLine caps s at max runes, reporting whether it was cut.
func truncateLine(s string, max int) (string, bool) {
	if max <= 0 {
		return s, false
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s, false
	}
	return string(runes[:max]) + "…", true
}
