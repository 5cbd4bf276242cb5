package main

import (
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"
)

// newTermRenderer builds a glamour renderer sized to the terminal.
// Piped output gets the plain notty style.
func newTermRenderer() (*glamour.TermRenderer, error) {
	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w - 4
		if width > 120 {
			width = 120
		}
		if width < 40 {
			width = 40
		}
	}
	style := "dark"
	if !isTTY() {
		style = "notty"
	}
	return glamour.NewTermRenderer(
		glamour.WithStandardStyle(style),
		glamour.WithWordWrap(width),
		glamour.WithEmoji(),
	)
}

var (
	rendererOnce sync.Once
	renderer     *glamour.TermRenderer
)

// renderMarkdown renders content for the terminal, falling back to the
// raw text when the renderer is unavailable or fails.
func renderMarkdown(content string) string {
	rendererOnce.Do(func() {
		r, err := newTermRenderer()
		if err == nil {
			renderer = r
		}
	})
	if renderer == nil {
		return content
	}
	out, err := renderer.Render(content)
	if err != nil {
		return content
	}
	return strings.TrimLeft(out, "\n")
}

// looksLikeMarkdown reports whether content carries markdown structure
// worth rendering. Short fragments and plain prose stay as-is.
func looksLikeMarkdown(content string) bool {
	content = strings.TrimSpace(content)
	if len(content) < 10 {
		return false
	}
	if !strings.Contains(content, "\n") && len(strings.Fields(content)) < 3 {
		return false
	}
	for _, marker := range []string{"# ", "## ", "### ", "```", "- ", "* ", "1. ", "|---"} {
		if strings.Contains(content, marker) {
			return true
		}
	}
	if strings.Contains(content, "](") {
		return true
	}
	if strings.Count(content, "**") >= 2 || strings.Count(content, "`") >= 2 {
		return true
	}
	return false
}
