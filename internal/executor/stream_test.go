package executor

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDescribeToolUse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		block contentBlock
		want  string
	}{
		{
			name:  "command detail",
			block: contentBlock{Type: "tool_use", Name: "Bash", Input: json.RawMessage(`{"command":"ls -la"}`)},
			want:  "Bash: ls -la",
		},
		{
			name:  "file path detail",
			block: contentBlock{Type: "tool_use", Name: "Read", Input: json.RawMessage(`{"file_path":"/etc/hosts"}`)},
			want:  "Read: /etc/hosts",
		},
		{
			name:  "no input",
			block: contentBlock{Type: "tool_use", Name: "TodoWrite"},
			want:  "TodoWrite",
		},
		{
			name:  "nameless block",
			block: contentBlock{Type: "tool_use", Input: json.RawMessage(`{}`)},
			want:  "tool",
		},
		{
			name:  "multiline collapsed",
			block: contentBlock{Type: "tool_use", Name: "Bash", Input: json.RawMessage(`{"command":"ls \n  -la"}`)},
			want:  "Bash: ls -la",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := describeToolUse(tt.block); got != tt.want {
				t.Errorf("describeToolUse = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDescribeToolUseTruncates(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 400)
	block := contentBlock{Type: "tool_use", Name: "Bash", Input: json.RawMessage(`{"command":"` + long + `"}`)}
	got := describeToolUse(block)
	if len([]rune(got)) > toolDetailMax+len("Bash: ")+1 {
		t.Errorf("detail not truncated: %d runes", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("truncated detail should end with ellipsis: %q", got)
	}
}

func TestErrorText(t *testing.T) {
	t.Parallel()

	ev := &streamEvent{Result: "boom"}
	if got := ev.errorText(); got != "boom" {
		t.Errorf("errorText = %q", got)
	}

	ev = &streamEvent{Errors: []string{"first", "second"}}
	if got := ev.errorText(); got != "first; second" {
		t.Errorf("errorText = %q", got)
	}

	ev = &streamEvent{}
	if got := ev.errorText(); got == "" {
		t.Error("errorText must never be empty")
	}
}

func TestTruncateLine(t *testing.T) {
	t.Parallel()

	if got, cut := truncateLine("short", 10); got != "short" || cut {
		t.Errorf("truncateLine(short) = %q, %v", got, cut)
	}
	got, cut := truncateLine("überlang", 4)
	if !cut || got != "über…" {
		t.Errorf("truncateLine rune handling = %q, %v", got, cut)
	}
	if got, cut := truncateLine("anything", 0); got != "anything" || cut {
		t.Errorf("truncateLine with zero max = %q, %v", got, cut)
	}
}
