package httpclient

import (
	"fmt"
	"sync"
	"time"

	"donna/internal/observability"
	"donna/internal/taskerr"
)

// BreakerState is the circuit position.
type BreakerState int

const (
	// StateClosed lets requests through.
	StateClosed BreakerState = iota
	// StateOpen refuses requests until the cooldown elapses.
	StateOpen
	// StateHalfOpen lets probe requests through after the cooldown.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes when the circuit opens and recovers.
type BreakerConfig struct {
	// FailureThreshold is the run of consecutive failures that opens
	// the circuit.
	FailureThreshold int
	// SuccessThreshold is the run of half-open successes that closes
	// it again.
	SuccessThreshold int
	// Cooldown is how long an open circuit refuses requests before
	// probing.
	Cooldown time.Duration
}

// DefaultBreakerConfig parks a host after five straight failures and
// probes it again thirty seconds later.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
	}
}

// Breaker tracks the health of one outbound host. It exists so a dead
// chat server or push endpoint fails deliveries fast instead of
// holding every worker for a full timeout.
type Breaker struct {
	name   string
	cfg    BreakerConfig
	logger *observability.Logger
	now    func() time.Time

	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
}

// NewBreaker builds a closed breaker named after the host it guards.
func NewBreaker(name string, cfg BreakerConfig, logger *observability.Logger) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		logger: observability.OrNop(logger),
		now:    time.Now,
	}
}

// Allow reports whether a request may proceed. While the circuit is
// open it returns a transient error, so callers classify the refusal
// like any other flaky-host failure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.cfg.Cooldown {
			b.setState(StateHalfOpen)
			b.successes = 0
			return nil
		}
		return taskerr.Transient(
			fmt.Errorf("circuit open for %s", b.name),
			fmt.Sprintf("%s is unavailable after repeated failures", b.name))
	default:
		return fmt.Errorf("unknown breaker state %d", b.state)
	}
}

// Mark records a request outcome. Pass nil for success.
func (b *Breaker) Mark(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

// State returns the current circuit position.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.setState(StateClosed)
			b.failures = 0
		}
	}
}

func (b *Breaker) onFailure() {
	b.lastFailure = b.now()
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		// One failed probe reopens the circuit.
		b.setState(StateOpen)
		b.successes = 0
	}
}

func (b *Breaker) setState(next BreakerState) {
	if next == b.state {
		return
	}
	prev := b.state
	b.state = next
	b.logger.Info("circuit state changed",
		"breaker", b.name, "from", prev.String(), "to", next.String())
}
