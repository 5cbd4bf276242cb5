package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PromptMetrics tracks health of the prompt-assembly pipeline.
type PromptMetrics struct {
	fileCacheMiss    prometheus.Counter
	tokensBySection  prometheus.GaugeVec
	sectionTrims     prometheus.CounterVec
	skillSelections  prometheus.CounterVec
	skillSkips       prometheus.CounterVec
	changelogEmitted prometheus.Counter
	triageFallbacks  prometheus.Counter
}

var (
	defaultPromptMetrics     *PromptMetrics
	defaultPromptMetricsOnce sync.Once
)

// NewPromptMetrics builds a PromptMetrics recorder using the default registry.
func NewPromptMetrics() *PromptMetrics {
	defaultPromptMetricsOnce.Do(func() {
		defaultPromptMetrics = newPromptMetrics(prometheus.DefaultRegisterer)
	})
	return defaultPromptMetrics
}

// NewPromptMetricsWithRegisterer allows tests to provide a dedicated registry.
func NewPromptMetricsWithRegisterer(reg prometheus.Registerer) *PromptMetrics {
	return newPromptMetrics(reg)
}

func newPromptMetrics(reg prometheus.Registerer) *PromptMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PromptMetrics{
		fileCacheMiss: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "donna",
			Subsystem: "prompt",
			Name:      "file_cache_miss_total",
			Help:      "Times a persona/emissary/guideline file had to reload from disk",
		}),
		tokensBySection: *factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "donna",
			Subsystem: "prompt",
			Name:      "tokens_by_section",
			Help:      "Approximate tokens per prompt section for the most recent assembly",
		}, []string{"section"}),
		sectionTrims: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "donna",
			Subsystem: "prompt",
			Name:      "section_trim_total",
			Help:      "Sections trimmed to fit the token budget",
		}, []string{"section"}),
		skillSelections: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "donna",
			Subsystem: "prompt",
			Name:      "skill_selected_total",
			Help:      "Skill selections by matching rule",
		}, []string{"rule"}),
		skillSkips: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "donna",
			Subsystem: "prompt",
			Name:      "skill_skipped_total",
			Help:      "Skills excluded after selection",
		}, []string{"reason"}),
		changelogEmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "donna",
			Subsystem: "prompt",
			Name:      "skills_changelog_total",
			Help:      "Times a skills fingerprint change produced a changelog section",
		}),
		triageFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "donna",
			Subsystem: "prompt",
			Name:      "triage_fallback_total",
			Help:      "Context-selection triage calls that fell back to recent-only",
		}),
	}
}

// RecordFileCacheMiss increments the file cache miss counter.
func (m *PromptMetrics) RecordFileCacheMiss() {
	if m == nil || m.fileCacheMiss == nil {
		return
	}
	m.fileCacheMiss.Inc()
}

// RecordTokensBySection sets the latest token measurement for a section.
func (m *PromptMetrics) RecordTokensBySection(section string, tokens int) {
	if m == nil {
		return
	}
	m.tokensBySection.WithLabelValues(section).Set(float64(tokens))
}

// RecordSectionTrim increments the trim counter for a section.
func (m *PromptMetrics) RecordSectionTrim(section string) {
	if m == nil {
		return
	}
	m.sectionTrims.WithLabelValues(section).Inc()
}

// RecordSkillSelected counts a selection by the rule that matched.
func (m *PromptMetrics) RecordSkillSelected(rule string) {
	if m == nil {
		return
	}
	m.skillSelections.WithLabelValues(rule).Inc()
}

// RecordSkillSkipped counts an exclusion by reason.
func (m *PromptMetrics) RecordSkillSkipped(reason string) {
	if m == nil {
		return
	}
	m.skillSkips.WithLabelValues(reason).Inc()
}

// RecordChangelog counts an emitted skills changelog.
func (m *PromptMetrics) RecordChangelog() {
	if m == nil || m.changelogEmitted == nil {
		return
	}
	m.changelogEmitted.Inc()
}

// RecordTriageFallback counts a recent-only fallback.
func (m *PromptMetrics) RecordTriageFallback() {
	if m == nil || m.triageFallbacks == nil {
		return
	}
	m.triageFallbacks.Inc()
}
