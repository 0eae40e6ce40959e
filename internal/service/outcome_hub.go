package service

import (
	"context"
	"sync"

	"github.com/kursadbilgin/callflow-engine/internal/domain"
)

// OutcomePublisher fans a recorded outcome out to every engine instance.
type OutcomePublisher interface {
	Publish(ctx context.Context, attemptID string, rec domain.OutcomeRecord) error
}

// OutcomeHub hands asynchronously reported outcomes to the worker waiting on the attempt.
type OutcomeHub struct {
	mu      sync.Mutex
	waiters map[string]chan domain.OutcomeRecord
}

func NewOutcomeHub() *OutcomeHub {
	return &OutcomeHub{waiters: make(map[string]chan domain.OutcomeRecord)}
}

// Register opens a waiter for attemptID. The returned cancel func must be called
// once the caller stops waiting.
func (h *OutcomeHub) Register(attemptID string) (<-chan domain.OutcomeRecord, func()) {
	ch := make(chan domain.OutcomeRecord, 1)

	h.mu.Lock()
	h.waiters[attemptID] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		if current, ok := h.waiters[attemptID]; ok && current == ch {
			delete(h.waiters, attemptID)
		}
		h.mu.Unlock()
	}
}

// Deliver reports whether a local waiter accepted the outcome. Only the first
// delivery for an attempt is kept.
func (h *OutcomeHub) Deliver(attemptID string, rec domain.OutcomeRecord) bool {
	h.mu.Lock()
	ch, ok := h.waiters[attemptID]
	h.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case ch <- rec:
		return true
	default:
		return false
	}
}

// Waiting returns the number of attempts currently awaiting an outcome.
func (h *OutcomeHub) Waiting() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.waiters)
}
