// Package engine runs the per-user worker pool. Each scheduler tick
// calls Dispatch, which inspects the pending queues and spawns workers
// up to the instance and per-user caps; a worker claims tasks serially
// for one (user, queue) pair and exits after sitting idle too long.
package engine

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"donna/internal/async"
	"donna/internal/config"
	"donna/internal/deferred"
	"donna/internal/executor"
	"donna/internal/observability"
	"donna/internal/prompt"
	"donna/internal/store"
	"donna/internal/users"
)

// slotKey identifies one worker slot. Per key, execution is strictly
// serial; parallelism comes from distinct keys.
type slotKey struct {
	UserID string
	Queue  store.QueueType
	Index  int
}

// Assembler produces the prompt and environment for a claimed task.
// *prompt.Assembler satisfies it.
type Assembler interface {
	Assemble(ctx context.Context, task *store.Task) (*prompt.Assembled, error)
	CommitSkillState(ctx context.Context, userID string, asm *prompt.Assembled) error
}

// Executor runs a claimed task's child process. *executor.Runner
// satisfies it.
type Executor interface {
	Execute(ctx context.Context, task *store.Task, asm *prompt.Assembled) (*executor.Result, error)
}

// Delivery fans a finished task out to its channel. The deferred
// outcome carries the staged email payload when one exists. Delivery
// errors are logged and never alter the stored result.
type Delivery interface {
	DeliverResult(ctx context.Context, task *store.Task, out deferred.Outcome) error
	DeliverFailure(ctx context.Context, task *store.Task, userMessage string) error
}

type worker struct {
	key   slotKey
	runID string
	since time.Time
}

// Pool owns the worker registry.
type Pool struct {
	cfg       *config.Config
	store     *store.Store
	users     *users.Directory
	assembler Assembler
	executor  Executor
	post      *deferred.Processor
	delivery  Delivery
	logger    *observability.Logger
	metrics   *observability.MetricsCollector
	now       func() time.Time
	idlePoll  time.Duration

	mu         sync.Mutex
	workers    map[slotKey]*worker
	lastServed map[store.QueueType]string
	stopped    bool
	wg         sync.WaitGroup
	processed  atomic.Int64
}

// Option customizes a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(logger *observability.Logger) Option {
	return func(p *Pool) { p.logger = observability.OrNop(logger) }
}

// WithDelivery sets the channel fan-out for finished tasks.
func WithDelivery(d Delivery) Option {
	return func(p *Pool) { p.delivery = d }
}

// WithPostProcessor sets the deferred-file processor applied after a
// completed execution.
func WithPostProcessor(proc *deferred.Processor) Option {
	return func(p *Pool) { p.post = proc }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithIdlePoll overrides how often an idle worker re-polls its queue.
func WithIdlePoll(d time.Duration) Option {
	return func(p *Pool) { p.idlePoll = d }
}

// WithMetrics attaches the metrics collector. A nil collector records
// nothing.
func WithMetrics(m *observability.MetricsCollector) Option {
	return func(p *Pool) { p.metrics = m }
}

const defaultIdlePoll = time.Second

// NewPool builds a Pool. Delivery and post-processing are optional;
// without them results are stored but go nowhere.
func NewPool(cfg *config.Config, st *store.Store, dir *users.Directory, asm Assembler, exec Executor, opts ...Option) *Pool {
	p := &Pool{
		cfg:        cfg,
		store:      st,
		users:      dir,
		assembler:  asm,
		executor:   exec,
		logger:     observability.Nop(),
		now:        time.Now,
		idlePoll:   defaultIdlePoll,
		workers:    make(map[slotKey]*worker),
		lastServed: make(map[store.QueueType]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Dispatch spawns workers for pending work, foreground queue first.
func (p *Pool) Dispatch(ctx context.Context) {
	for _, queue := range []store.QueueType{store.QueueForeground, store.QueueBackground} {
		p.dispatchQueue(ctx, queue)
	}
}

func (p *Pool) dispatchQueue(ctx context.Context, queue store.QueueType) {
	headroom := p.instanceCap(queue) - p.Active(queue)
	if headroom <= 0 {
		return
	}
	pending, err := p.store.UsersWithPending(ctx, queue)
	if err != nil {
		p.logger.WarnContext(ctx, "dispatch: pending users not listable", "queue", string(queue), "error", err)
		return
	}
	for _, user := range p.rotate(queue, pending) {
		if headroom <= 0 {
			return
		}
		n, err := p.store.CountPendingForUserQueue(ctx, user, queue)
		if err != nil {
			p.logger.WarnContext(ctx, "dispatch: pending count failed", "user", user, "error", err)
			continue
		}
		want := p.userCap(user, queue) - p.ActiveForUser(user, queue)
		if want > n {
			want = n
		}
		if want > headroom {
			want = headroom
		}
		for i := 0; i < want; i++ {
			if !p.spawn(ctx, user, queue) {
				return
			}
			headroom--
			p.markServed(queue, user)
		}
	}
}

// rotate reorders the sorted pending-user list so the round-robin
// resumes after the user served last.
func (p *Pool) rotate(queue store.QueueType, ids []string) []string {
	p.mu.Lock()
	last := p.lastServed[queue]
	p.mu.Unlock()
	if last == "" || len(ids) < 2 {
		return ids
	}
	for i, id := range ids {
		if id > last {
			return append(append([]string{}, ids[i:]...), ids[:i]...)
		}
	}
	return ids
}

func (p *Pool) markServed(queue store.QueueType, user string) {
	p.mu.Lock()
	p.lastServed[queue] = user
	p.mu.Unlock()
}

// spawn registers a worker at the user's lowest free slot index and
// starts its loop. Returns false once the pool is stopped.
func (p *Pool) spawn(ctx context.Context, user string, queue store.QueueType) bool {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return false
	}
	idx := 0
	for {
		if _, live := p.workers[slotKey{UserID: user, Queue: queue, Index: idx}]; !live {
			break
		}
		idx++
	}
	key := slotKey{UserID: user, Queue: queue, Index: idx}
	w := &worker{key: key, runID: uuid.NewString()[:8], since: p.now()}
	p.workers[key] = w
	p.wg.Add(1)
	p.mu.Unlock()

	log := p.logger.With("worker", w.runID, "user", user, "queue", string(queue), "slot", idx)
	log.InfoContext(ctx, "worker started")
	p.metrics.WorkerStarted(ctx, string(queue))
	async.Go(log, "worker", func() {
		defer p.release(key, log)
		p.runWorker(ctx, key, log)
	})
	return true
}

func (p *Pool) release(key slotKey, log *observability.Logger) {
	p.mu.Lock()
	delete(p.workers, key)
	p.mu.Unlock()
	p.wg.Done()
	p.metrics.WorkerStopped(context.Background(), string(key.Queue))
	log.Info("worker exited")
}

// Active counts live workers on a queue.
func (p *Pool) Active(queue store.QueueType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for key := range p.workers {
		if key.Queue == queue {
			n++
		}
	}
	return n
}

// Processed returns how many tasks workers have finished since the
// pool started, whatever the outcome. The daemon's --max-tasks switch
// reads it.
func (p *Pool) Processed() int64 {
	return p.processed.Load()
}

// ActiveForUser counts a user's live workers on a queue.
func (p *Pool) ActiveForUser(user string, queue store.QueueType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for key := range p.workers {
		if key.UserID == user && key.Queue == queue {
			n++
		}
	}
	return n
}

// SlotInfo describes one live worker.
type SlotInfo struct {
	UserID string
	Queue  store.QueueType
	Slot   int
	RunID  string
	Since  time.Time
}

// Snapshot lists live workers sorted by user, queue, slot.
func (p *Pool) Snapshot() []SlotInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SlotInfo, 0, len(p.workers))
	for key, w := range p.workers {
		out = append(out, SlotInfo{
			UserID: key.UserID,
			Queue:  key.Queue,
			Slot:   key.Index,
			RunID:  w.runID,
			Since:  w.since,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		if out[i].Queue != out[j].Queue {
			return out[i].Queue < out[j].Queue
		}
		return out[i].Slot < out[j].Slot
	})
	return out
}

// Stop refuses new workers and waits up to timeout for the live ones
// to finish. Callers cancel the dispatch context first so idle workers
// leave immediately. Reports whether everything drained in time.
func (p *Pool) Stop(timeout time.Duration) bool {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		p.logger.Warn("pool stop timed out", "still_running", len(p.Snapshot()))
		return false
	}
}

func (p *Pool) instanceCap(queue store.QueueType) int {
	if queue == store.QueueBackground {
		return p.cfg.Pool.MaxBackgroundWorkers
	}
	return p.cfg.Pool.MaxForegroundWorkers
}

func (p *Pool) userCap(user string, queue store.QueueType) int {
	profile := p.users.Lookup(user)
	if queue == store.QueueBackground {
		return profile.BackgroundCap
	}
	return profile.ForegroundCap
}
