package state

import (
	"sync"
	"time"
)

// ReloadEvent is one attempt to apply a changed configuration file.
type ReloadEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Changes   []string  `json:"changes,omitempty"`
}

// ReloadTracker keeps the most recent reload events for the management
// endpoint.
type ReloadTracker struct {
	mu      sync.RWMutex
	history []ReloadEvent
	maxSize int
	now     func() time.Time
}

func NewReloadTracker(maxSize int) *ReloadTracker {
	if maxSize <= 0 {
		maxSize = 10
	}
	return &ReloadTracker{
		history: make([]ReloadEvent, 0, maxSize),
		maxSize: maxSize,
		now:     time.Now,
	}
}

func (rt *ReloadTracker) RecordSuccess(changes []string) {
	rt.add(ReloadEvent{Success: true, Changes: append([]string(nil), changes...)})
}

func (rt *ReloadTracker) RecordFailure(err error) {
	rt.add(ReloadEvent{Error: err.Error()})
}

func (rt *ReloadTracker) add(event ReloadEvent) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	event.Timestamp = rt.now()
	rt.history = append(rt.history, event)
	if over := len(rt.history) - rt.maxSize; over > 0 {
		rt.history = append(rt.history[:0], rt.history[over:]...)
	}
}

// History returns a copy, oldest first.
func (rt *ReloadTracker) History() []ReloadEvent {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return append([]ReloadEvent(nil), rt.history...)
}

func (rt *ReloadTracker) Last() (ReloadEvent, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if len(rt.history) == 0 {
		return ReloadEvent{}, false
	}
	return rt.history[len(rt.history)-1], true
}

func (rt *ReloadTracker) Stats() (total, successful, failed int) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	total = len(rt.history)
	for _, event := range rt.history {
		if event.Success {
			successful++
		} else {
			failed++
		}
	}
	return
}
