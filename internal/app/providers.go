package app

import (
	"context"
	"time"

	"waypoint/api/internal/completion"
	"waypoint/api/internal/store"
)

// storeRequiredProvider enumerates a context's required completable
// items from the store: the explicit required set, plus any item in the
// default state whose mime type is on the context's required-by-default
// list. Explicitly optional items never qualify.
type storeRequiredProvider struct {
	store dataStore
}

func (p *storeRequiredProvider) IterItems(ctx context.Context, _ string, cc completion.Context) ([]completion.CompletableItem, error) {
	items, err := p.store.ListItemsByContext(ctx, cc.NTIID)
	if err != nil {
		return nil, err
	}
	requiredKeys, err := p.store.RequiredKeys(ctx, cc.NTIID)
	if err != nil {
		return nil, err
	}
	optionalKeys, err := p.store.OptionalKeys(ctx, cc.NTIID)
	if err != nil {
		return nil, err
	}
	mimeTypes, err := p.store.ListDefaultRequiredMimeTypes(ctx, cc.NTIID)
	if err != nil {
		return nil, err
	}

	required := toSet(requiredKeys)
	optional := toSet(optionalKeys)
	defaultRequired := completion.NewDefaultRequiredPolicy(mimeTypes...)

	var out []completion.CompletableItem
	for _, item := range items {
		if _, ok := optional[item.NTIID]; ok {
			continue
		}
		if _, ok := required[item.NTIID]; !ok &&
			!defaultRequired.IsRequiredByDefault(item.MimeType) {
			continue
		}
		out = append(out, completion.CompletableItem{
			NTIID:    item.NTIID,
			MimeType: item.MimeType,
		})
	}
	return out, nil
}

// storeCompletedProvider yields a user's completion records, organic and
// awarded merged. An award for an already-completed item wins: the
// administrative record is the later, authoritative statement.
type storeCompletedProvider struct {
	store dataStore
}

func (p *storeCompletedProvider) CompletedItems(ctx context.Context, user string, cc completion.Context) ([]completion.CompletedItem, error) {
	organic, err := p.store.ListCompletedItems(ctx, user, cc.NTIID)
	if err != nil {
		return nil, err
	}
	awarded, err := p.store.ListAwardedItems(ctx, user, cc.NTIID)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]completion.CompletedItem, len(organic)+len(awarded))
	for _, row := range organic {
		merged[row.ItemNTIID] = fromCompletedRow(row)
	}
	for _, row := range awarded {
		merged[row.ItemNTIID] = fromCompletedRow(row.CompletedItemRow)
	}

	out := make([]completion.CompletedItem, 0, len(merged))
	for _, ntiid := range completion.SortedKeys(merged) {
		out = append(out, merged[ntiid])
	}
	return out, nil
}

func (p *storeCompletedProvider) LastModified(ctx context.Context, user string, cc completion.Context) (*time.Time, error) {
	items, err := p.CompletedItems(ctx, user, cc)
	if err != nil {
		return nil, err
	}
	var last *time.Time
	for _, item := range items {
		d := item.CompletedDate
		if last == nil || d.After(*last) {
			last = &d
		}
	}
	return last, nil
}

func fromCompletedRow(row store.CompletedItemRow) completion.CompletedItem {
	return completion.CompletedItem{
		Principal:     row.Principal,
		ItemNTIID:     row.ItemNTIID,
		ContextNTIID:  row.ContextNTIID,
		CompletedDate: row.CompletedDate,
		Success:       row.Success,
	}
}

func toSet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}
