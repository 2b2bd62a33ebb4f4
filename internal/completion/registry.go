package completion

import (
	"context"
	"sort"
	"time"
)

// Context is a completion context: the scope (e.g. a course) within which
// completable items and policies are defined.
type Context struct {
	ID                string
	NTIID             string
	Type              string
	Site              string
	MarkedForDeletion bool
}

// CompletableItemProvider enumerates the completable universe for a user
// in a context. Enumeration may be user-dependent (e.g. reflects
// enrollment-specific assignments) but must be deterministic: repeated
// calls with no intervening state change return the same set.
type CompletableItemProvider interface {
	IterItems(ctx context.Context, user string, cc Context) ([]CompletableItem, error)
}

// RequiredItemProvider is a CompletableItemProvider whose items count
// toward the policy denominator, not merely the completable universe.
type RequiredItemProvider interface {
	CompletableItemProvider
}

// CompletedItemProvider yields a user's completed records for a context.
// Multiple providers may be registered; callers union the results keyed
// by item identifier.
type CompletedItemProvider interface {
	CompletedItems(ctx context.Context, user string, cc Context) ([]CompletedItem, error)
	LastModified(ctx context.Context, user string, cc Context) (*time.Time, error)
}

// ItemProgressFunc computes per-item progress for (user, item, context).
// Registered per item mime type so different content kinds can report
// progress differently (e.g. a video reports watch fraction).
type ItemProgressFunc func(ctx context.Context, user string, item CompletableItem, cc Context) (Progress, error)

// AnyContextType registers a provider for every context type. Wildcard
// providers run after type-specific ones.
const AnyContextType = "*"

// Registry maps context types to the providers that serve them. It
// replaces implicit multi-dispatch lookup with explicit registration at
// startup; resolution is by the context's Type field.
type Registry struct {
	required     map[string][]RequiredItemProvider
	completable  map[string][]CompletableItemProvider
	completed    map[string][]CompletedItemProvider
	itemProgress map[string]ItemProgressFunc
}

func NewRegistry() *Registry {
	return &Registry{
		required:     make(map[string][]RequiredItemProvider),
		completable:  make(map[string][]CompletableItemProvider),
		completed:    make(map[string][]CompletedItemProvider),
		itemProgress: make(map[string]ItemProgressFunc),
	}
}

// RegisterRequiredProvider registers a required-item provider for a
// context type. Providers are order-independent; results are merged as a
// union keyed by item identifier.
func (r *Registry) RegisterRequiredProvider(contextType string, p RequiredItemProvider) {
	r.required[contextType] = append(r.required[contextType], p)
}

// RegisterCompletableProvider registers a provider contributing to the
// completable universe without marking its items required.
func (r *Registry) RegisterCompletableProvider(contextType string, p CompletableItemProvider) {
	r.completable[contextType] = append(r.completable[contextType], p)
}

// RegisterCompletedProvider registers a source of completed records.
func (r *Registry) RegisterCompletedProvider(contextType string, p CompletedItemProvider) {
	r.completed[contextType] = append(r.completed[contextType], p)
}

// RegisterItemProgress registers the progress computation for one item
// mime type.
func (r *Registry) RegisterItemProgress(mimeType string, fn ItemProgressFunc) {
	r.itemProgress[mimeType] = fn
}

// RequiredProvidersFor returns every required-item provider registered
// for the context's type, including wildcard registrations.
func (r *Registry) RequiredProvidersFor(cc Context) []RequiredItemProvider {
	out := append([]RequiredItemProvider(nil), r.required[cc.Type]...)
	if cc.Type != AnyContextType {
		out = append(out, r.required[AnyContextType]...)
	}
	return out
}

// CompletableProvidersFor returns the full completable-universe provider
// list: the required providers plus any completable-only providers.
func (r *Registry) CompletableProvidersFor(cc Context) []CompletableItemProvider {
	var out []CompletableItemProvider
	for _, p := range r.RequiredProvidersFor(cc) {
		out = append(out, p)
	}
	out = append(out, r.completable[cc.Type]...)
	if cc.Type != AnyContextType {
		out = append(out, r.completable[AnyContextType]...)
	}
	return out
}

// CompletedProvidersFor returns every completed-item provider registered
// for the context's type, including wildcard registrations.
func (r *Registry) CompletedProvidersFor(cc Context) []CompletedItemProvider {
	out := append([]CompletedItemProvider(nil), r.completed[cc.Type]...)
	if cc.Type != AnyContextType {
		out = append(out, r.completed[AnyContextType]...)
	}
	return out
}

// ItemProgressFor returns the progress function for an item's mime type,
// or nil when none is registered.
func (r *Registry) ItemProgressFor(mimeType string) ItemProgressFunc {
	return r.itemProgress[mimeType]
}

// CompletableItemsFor unions the completable universe over all providers
// for a user, keyed (and de-duplicated) by item identifier.
func (r *Registry) CompletableItemsFor(ctx context.Context, user string, cc Context) (map[string]CompletableItem, error) {
	result := make(map[string]CompletableItem)
	for _, provider := range r.CompletableProvidersFor(cc) {
		items, err := provider.IterItems(ctx, user, cc)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			result[item.NTIID] = item
		}
	}
	return result, nil
}

// SortedKeys returns map keys in stable order, for deterministic
// envelopes and logs.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
