// Package progress computes derived completion progress for a user in a
// completion context. Nothing here is persisted; a Factory is built per
// request and thrown away with it.
package progress

import (
	"context"
	"time"

	"waypoint/api/internal/completion"
)

// PolicyResolver looks up the completion policy governing a context.
// A nil policy (with nil error) means no policy is registered, which is
// not an error: progress is still returned, just without a completion
// determination.
type PolicyResolver interface {
	ContextPolicy(ctx context.Context, cc completion.Context) (*completion.ContextPolicy, error)
}

// Factory computes the Progress for one (user, context) pair. Provider
// lists and item maps are memoized on first access so batch callers can
// read intermediate results without recomputation, but a Factory is
// request-scoped: the memoized data is transaction-scoped and must never
// outlive the request.
type Factory struct {
	registry *completion.Registry
	policies PolicyResolver
	user     string
	cc       completion.Context

	requiredProviders []completion.RequiredItemProvider

	completableItems map[string]completion.CompletableItem
	completedItems   map[string]completion.CompletedItem
	requiredDone     map[string]completion.CompletedItem
}

// NewFactory builds a factory. requiredProviders may be nil, in which
// case every provider registered for the context's type is used; batch
// operations pass the previous factory's provider list to reuse any
// internal caching across users.
func NewFactory(registry *completion.Registry, policies PolicyResolver,
	user string, cc completion.Context,
	requiredProviders []completion.RequiredItemProvider) *Factory {
	return &Factory{
		registry:          registry,
		policies:          policies,
		user:              user,
		cc:                cc,
		requiredProviders: requiredProviders,
	}
}

// RequiredProviders resolves the required-item provider list, fetching
// the registered set when the caller did not supply one.
func (f *Factory) RequiredProviders() []completion.RequiredItemProvider {
	if f.requiredProviders == nil {
		f.requiredProviders = f.registry.RequiredProvidersFor(f.cc)
	}
	return f.requiredProviders
}

// CompletableItems maps item identifier to required completable item,
// merged as a union across providers (last writer wins on a shared key,
// though providers are expected to be disjoint).
func (f *Factory) CompletableItems(ctx context.Context) (map[string]completion.CompletableItem, error) {
	if f.completableItems != nil {
		return f.completableItems, nil
	}
	result := make(map[string]completion.CompletableItem)
	for _, provider := range f.RequiredProviders() {
		items, err := provider.IterItems(ctx, f.user, f.cc)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			result[item.NTIID] = item
		}
	}
	f.completableItems = result
	return result, nil
}

// UserCompletedItems maps item identifier to every completed record the
// registered providers know about for this user, required or not.
func (f *Factory) UserCompletedItems(ctx context.Context) (map[string]completion.CompletedItem, error) {
	if f.completedItems != nil {
		return f.completedItems, nil
	}
	result := make(map[string]completion.CompletedItem)
	for _, provider := range f.registry.CompletedProvidersFor(f.cc) {
		items, err := provider.CompletedItems(ctx, f.user, f.cc)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			result[item.ItemNTIID] = item
		}
	}
	f.completedItems = result
	return result, nil
}

// RequiredCompletedItems is the key-intersection of the completable set
// and the completed set: completions that count toward progress.
func (f *Factory) RequiredCompletedItems(ctx context.Context) (map[string]completion.CompletedItem, error) {
	if f.requiredDone != nil {
		return f.requiredDone, nil
	}
	completable, err := f.CompletableItems(ctx)
	if err != nil {
		return nil, err
	}
	completed, err := f.UserCompletedItems(ctx)
	if err != nil {
		return nil, err
	}
	result := make(map[string]completion.CompletedItem)
	for ntiid := range completable {
		if item, ok := completed[ntiid]; ok {
			result[ntiid] = item
		}
	}
	f.requiredDone = result
	return result, nil
}

func lastModified(items map[string]completion.CompletedItem) *time.Time {
	var last *time.Time
	for _, item := range items {
		d := item.CompletedDate
		if last == nil || d.After(*last) {
			last = &d
		}
	}
	return last
}

// Build synthesizes the Progress value. A Progress is always returned,
// even with no registered policy, so "in progress" views degrade to
// partial data rather than erroring.
func (f *Factory) Build(ctx context.Context) (completion.Progress, error) {
	completable, err := f.CompletableItems(ctx)
	if err != nil {
		return completion.Progress{}, err
	}
	done, err := f.RequiredCompletedItems(ctx)
	if err != nil {
		return completion.Progress{}, err
	}

	p := completion.Progress{
		NTIID:               f.cc.NTIID,
		AbsoluteProgress:    len(done),
		MaxPossibleProgress: len(completable),
		LastModified:        lastModified(done),
		HasProgress:         len(done) > 0,
	}

	policy, err := f.policies.ContextPolicy(ctx, f.cc)
	if err != nil {
		return completion.Progress{}, err
	}
	if policy != nil {
		if item := policy.IsComplete(p); item != nil {
			item.Principal = f.user
			item.ContextNTIID = f.cc.NTIID
			item.ItemNTIID = f.cc.NTIID
			p.CompletedItem = item
		}
	}
	return p, nil
}
