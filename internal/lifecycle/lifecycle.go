// Package lifecycle subscribes the completion containers and catalog to
// deletion events from the rest of the platform.
package lifecycle

import (
	"context"
	"fmt"
	"log"

	"waypoint/api/internal/catalog"
	"waypoint/api/internal/events"
	"waypoint/api/internal/store"
)

type cleanupStore interface {
	GetItem(ctx context.Context, ntiid string) (store.CompletableItem, error)
	GetContext(ctx context.Context, ntiid string) (store.CompletionContext, error)
	DeleteItem(ctx context.Context, ntiid string) error
	RemoveItem(ctx context.Context, contextNTIID, itemNTIID string) error
	RemoveRequiredItem(ctx context.Context, contextNTIID, itemNTIID string) error
	RemoveOptionalItem(ctx context.Context, contextNTIID, itemNTIID string) error
	DeleteItemPolicy(ctx context.Context, contextNTIID, itemNTIID string) error
	ListPrincipalCompletedItems(ctx context.Context, principal string) ([]store.CompletedItemRow, error)
	ListPrincipalAwardedItems(ctx context.Context, principal string) ([]store.AwardedItemRow, error)
	ClearPrincipalEverywhere(ctx context.Context, principal string) error
	ListContextCompletedItems(ctx context.Context, contextNTIID string) ([]store.CompletedItemRow, error)
	ListContextAwardedItems(ctx context.Context, contextNTIID string) ([]store.AwardedItemRow, error)
	PurgeContext(ctx context.Context, contextNTIID string) error
}

type recordIndex interface {
	Delete(ids []string)
}

// Handlers holds the cleanup subscriptions. Register attaches them to a
// bus in the cleanup phase, after any progress recomputation.
type Handlers struct {
	store cleanupStore
	index recordIndex
}

func NewHandlers(s cleanupStore, index recordIndex) *Handlers {
	return &Handlers{store: s, index: index}
}

func (h *Handlers) Register(bus *events.Bus) {
	bus.Subscribe(events.PhaseCleanup, h.handle)
}

func (h *Handlers) handle(ctx context.Context, event any) error {
	switch e := event.(type) {
	case events.UserDeleted:
		return h.userDeleted(ctx, e)
	case events.ItemDeleted:
		return h.itemDeleted(ctx, e)
	case events.ContextDeleted:
		return h.contextDeleted(ctx, e)
	default:
		return nil
	}
}

// userDeleted removes every completion record the principal holds,
// locating them through the index projection rather than walking every
// context. The catalog entries go first so a crash between the two
// steps leaves only unindexed rows, which the next rebuild ignores.
func (h *Handlers) userDeleted(ctx context.Context, e events.UserDeleted) error {
	completed, err := h.store.ListPrincipalCompletedItems(ctx, e.Username)
	if err != nil {
		return fmt.Errorf("locate principal records: %w", err)
	}
	awarded, err := h.store.ListPrincipalAwardedItems(ctx, e.Username)
	if err != nil {
		return fmt.Errorf("locate principal awards: %w", err)
	}

	ids := make([]string, 0, len(completed)+len(awarded))
	for _, row := range completed {
		ids = append(ids, catalog.FromCompletedRow(row).ID)
	}
	for _, row := range awarded {
		ids = append(ids, catalog.FromAwardedRow(row).ID)
	}
	h.index.Delete(ids)

	if err := h.store.ClearPrincipalEverywhere(ctx, e.Username); err != nil {
		return fmt.Errorf("clear principal: %w", err)
	}
	log.Printf("lifecycle: removed %d completion records for deleted user %s",
		len(ids), e.Username)
	return nil
}

// itemDeleted scrubs an item from its owning context's containers and
// key sets. Non-interactive deletions are bulk content operations that
// carry their own cleanup, and contexts already marked for deletion are
// skipped since the context teardown will purge everything anyway.
func (h *Handlers) itemDeleted(ctx context.Context, e events.ItemDeleted) error {
	if !e.Interactive {
		return nil
	}
	item, err := h.store.GetItem(ctx, e.NTIID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("load deleted item: %w", err)
	}
	cc, err := h.store.GetContext(ctx, item.ContextNTIID)
	if err != nil && !store.IsNotFound(err) {
		return fmt.Errorf("load item context: %w", err)
	}
	if err == nil {
		if cc.MarkedForDeletion {
			return nil
		}
		if e.Site != "" && cc.Site != e.Site {
			return nil
		}
	}

	ids, err := h.contextItemRecordIDs(ctx, item.ContextNTIID, e.NTIID)
	if err != nil {
		return err
	}
	h.index.Delete(ids)

	if err := h.store.RemoveItem(ctx, item.ContextNTIID, e.NTIID); err != nil {
		return fmt.Errorf("remove item records: %w", err)
	}
	if err := h.store.RemoveRequiredItem(ctx, item.ContextNTIID, e.NTIID); err != nil {
		return fmt.Errorf("remove required key: %w", err)
	}
	if err := h.store.RemoveOptionalItem(ctx, item.ContextNTIID, e.NTIID); err != nil {
		return fmt.Errorf("remove optional key: %w", err)
	}
	if err := h.store.DeleteItemPolicy(ctx, item.ContextNTIID, e.NTIID); err != nil {
		return fmt.Errorf("remove item policy: %w", err)
	}
	return h.store.DeleteItem(ctx, e.NTIID)
}

// contextDeleted purges every container and policy scoped to a context.
func (h *Handlers) contextDeleted(ctx context.Context, e events.ContextDeleted) error {
	ids, err := h.contextItemRecordIDs(ctx, e.NTIID, "")
	if err != nil {
		return err
	}
	h.index.Delete(ids)
	if err := h.store.PurgeContext(ctx, e.NTIID); err != nil {
		return fmt.Errorf("purge context: %w", err)
	}
	log.Printf("lifecycle: purged context %s (%d records unindexed)", e.NTIID, len(ids))
	return nil
}

// contextItemRecordIDs collects the index document ids for a context's
// records, optionally restricted to one item.
func (h *Handlers) contextItemRecordIDs(ctx context.Context, contextNTIID, itemNTIID string) ([]string, error) {
	completed, err := h.store.ListContextCompletedItems(ctx, contextNTIID)
	if err != nil {
		return nil, fmt.Errorf("list context records: %w", err)
	}
	awarded, err := h.store.ListContextAwardedItems(ctx, contextNTIID)
	if err != nil {
		return nil, fmt.Errorf("list context awards: %w", err)
	}

	var ids []string
	for _, row := range completed {
		if itemNTIID != "" && row.ItemNTIID != itemNTIID {
			continue
		}
		ids = append(ids, catalog.FromCompletedRow(row).ID)
	}
	for _, row := range awarded {
		if itemNTIID != "" && row.ItemNTIID != itemNTIID {
			continue
		}
		ids = append(ids, catalog.FromAwardedRow(row).ID)
	}
	return ids, nil
}
