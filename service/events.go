package service

import (
	"sync"
	"time"
)

// Event kinds emitted by the pipeline.
const (
	EventTaskCreated    = "task_created"
	EventTaskTransition = "task_transition"
	EventRetryAttempt   = "retry_attempt"
	EventRunTransition  = "run_transition"
	EventRunCompleted   = "run_completed"
)

// Event is one observable pipeline state change. The UI collaborator renders
// these; the core never references UI types.
type Event struct {
	RunID    string    `json:"runId"`
	TaskID   string    `json:"taskId,omitempty"`
	TaskKind string    `json:"taskKind,omitempty"` // prompt, image, video, music
	Kind     string    `json:"kind"`
	Status   string    `json:"status,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	Message  string    `json:"message,omitempty"`
	Time     time.Time `json:"time"`
}

// EventHub fans pipeline events out to per-run subscribers. Publishing never
// blocks a worker: a subscriber whose buffer is full misses the event and is
// expected to resubscribe for a fresh snapshot.
type EventHub struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{} // run id -> subscribers
}

func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe registers a listener for one run's events. The caller must drain
// the channel and call the returned cancel func when done.
func (h *EventHub) Subscribe(runID string) (<-chan Event, func()) {
	ch := make(chan Event, 64)
	h.mu.Lock()
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[chan Event]struct{})
	}
	h.subs[runID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[runID], ch)
			if len(h.subs[runID]) == 0 {
				delete(h.subs, runID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (h *EventHub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[ev.RunID] {
		select {
		case ch <- ev:
		default:
		}
	}
}
