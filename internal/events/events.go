// Package events carries the lifecycle notifications that keep the
// completion containers and catalog consistent with the rest of the
// platform: users, items, and contexts are deleted elsewhere and this
// subsystem reacts.
package events

import (
	"context"
	"log"
	"sync"
)

// UserDeleted fires after a principal is removed from the directory.
type UserDeleted struct {
	Username string
}

// ItemDeleted fires after a completable item is removed from content.
// Interactive distinguishes user-facing deletions from bulk content
// sync, which handles its own cleanup.
type ItemDeleted struct {
	NTIID       string
	Site        string
	Interactive bool
}

// ContextDeleted fires after a completion context is torn down.
type ContextDeleted struct {
	NTIID string
	Site  string
}

// ItemCompleted fires after a completion record is persisted, so
// progress-derived state (context completion) can update.
type ItemCompleted struct {
	Principal    string
	ItemNTIID    string
	ContextNTIID string
}

// Phase orders handler execution: progress recomputation must observe
// the pre-cleanup state, so PhaseProgress handlers always run before
// PhaseCleanup handlers for the same event.
type Phase int

const (
	PhaseProgress Phase = iota
	PhaseCleanup
)

// Handler receives every published event and type-switches on the ones
// it cares about.
type Handler func(ctx context.Context, event any) error

// Bus is a synchronous, phase-ordered publisher. Handler errors are
// logged and do not stop later handlers: cleanup must not be abandoned
// because one subscriber failed.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Phase][]Handler
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[Phase][]Handler)}
}

func (b *Bus) Subscribe(phase Phase, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[phase] = append(b.handlers[phase], h)
}

// Publish delivers the event to every handler, PhaseProgress first.
func (b *Bus) Publish(ctx context.Context, event any) {
	b.mu.RLock()
	progress := b.handlers[PhaseProgress]
	cleanup := b.handlers[PhaseCleanup]
	b.mu.RUnlock()

	for _, h := range progress {
		if err := h(ctx, event); err != nil {
			log.Printf("events: progress handler: %v", err)
		}
	}
	for _, h := range cleanup {
		if err := h(ctx, event); err != nil {
			log.Printf("events: cleanup handler: %v", err)
		}
	}
}
