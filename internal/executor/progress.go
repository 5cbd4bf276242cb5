package executor

import (
	"strings"
	"time"
)

// sentLine remembers one forwarded progress line. Truncated lines are
// excluded from final-text dedup so a stripped prefix never leaves a
// mid-sentence remainder.
type sentLine struct {
	text      string
	truncated bool
}

// progressLimiter rate-limits progress forwarding for one task: a
// minimum interval between lines and a hard cap per task. It also
// keeps what was sent, which drives final-text deduplication.
type progressLimiter struct {
	minInterval time.Duration
	maxLines    int
	now         func() time.Time

	lastSent time.Time
	sent     []sentLine
}

func newProgressLimiter(minInterval time.Duration, maxLines int, now func() time.Time) *progressLimiter {
	if now == nil {
		now = time.Now
	}
	return &progressLimiter{minInterval: minInterval, maxLines: maxLines, now: now}
}

// allow reports whether another line may be forwarded now. The first
// line always passes; afterwards the interval and the cap apply.
func (p *progressLimiter) allow() bool {
	if p.maxLines > 0 && len(p.sent) >= p.maxLines {
		return false
	}
	if len(p.sent) == 0 {
		return true
	}
	return p.now().Sub(p.lastSent) >= p.minInterval
}

// record notes a line as sent.
func (p *progressLimiter) record(text string, truncated bool) {
	p.lastSent = p.now()
	p.sent = append(p.sent, sentLine{text: text, truncated: truncated})
}

// dedupFinal adjusts the final result text against what was already
// forwarded: an exact duplicate is suppressed entirely, and when a
// sent line is a strict prefix of the final text the prefix is
// stripped so the user only receives the remainder. Truncated lines
// never participate.
func (p *progressLimiter) dedupFinal(final string) string {
	best := ""
	for _, line := range p.sent {
		if line.truncated || line.text == "" {
			continue
		}
		if final == line.text {
			return ""
		}
		if strings.HasPrefix(final, line.text) && len(line.text) > len(best) {
			best = line.text
		}
	}
	if best == "" {
		return final
	}
	return strings.TrimLeft(final[len(best):], " \t\n")
}
