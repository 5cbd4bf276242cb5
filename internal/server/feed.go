package server

import (
	"context"
	"sync"
	"time"

	"donna/internal/store"
)

// feedBuffer is the per-subscriber channel depth. A websocket client
// that stops draining loses events once it falls this far behind.
const feedBuffer = 32

// Event is one progress update for a task, as sent to websocket
// subscribers.
type Event struct {
	TaskID int64     `json:"task_id"`
	Type   string    `json:"type"`
	Line   string    `json:"line,omitempty"`
	Status string    `json:"status,omitempty"`
	Time   time.Time `json:"time"`
}

// Feed fans executor progress out to per-task subscribers. Publishing
// never blocks: a saturated subscriber drops the event so a slow
// websocket can never stall a worker.
type Feed struct {
	mu      sync.Mutex
	subs    map[int64][]chan Event
	dropped int64

	now func() time.Time
}

// NewFeed builds an empty progress feed.
func NewFeed() *Feed {
	return &Feed{
		subs: make(map[int64][]chan Event),
		now:  time.Now,
	}
}

// Subscribe registers a listener for one task's events. The returned
// cancel func unregisters and closes the channel; calling it twice is
// safe.
func (f *Feed) Subscribe(taskID int64) (<-chan Event, func()) {
	ch := make(chan Event, feedBuffer)

	f.mu.Lock()
	f.subs[taskID] = append(f.subs[taskID], ch)
	f.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			list := f.subs[taskID]
			for i, c := range list {
				if c == ch {
					f.subs[taskID] = append(list[:i], list[i+1:]...)
					close(ch)
					break
				}
			}
			if len(f.subs[taskID]) == 0 {
				delete(f.subs, taskID)
			}
		})
	}
	return ch, cancel
}

// Publish delivers a progress line to every subscriber of the task.
func (f *Feed) Publish(taskID int64, line string) {
	f.send(Event{TaskID: taskID, Type: "progress", Line: line, Time: f.now()})
}

func (f *Feed) send(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[ev.TaskID] {
		select {
		case ch <- ev:
		default:
			f.dropped++
		}
	}
}

// Progress satisfies the executor's progress callback signature so the
// feed can be handed straight to executor.WithProgress.
func (f *Feed) Progress(_ context.Context, task *store.Task, line string) {
	f.Publish(task.ID, line)
}

// Subscribers reports how many listeners a task currently has.
func (f *Feed) Subscribers(taskID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[taskID])
}

// Dropped reports how many events were discarded on saturated
// subscribers since the feed was created.
func (f *Feed) Dropped() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}
