package progress

import (
	"context"
	"testing"
	"time"

	"waypoint/api/internal/completion"
)

type stubItemProvider struct {
	items []completion.CompletableItem
	calls int
}

func (s *stubItemProvider) IterItems(context.Context, string, completion.Context) ([]completion.CompletableItem, error) {
	s.calls++
	return s.items, nil
}

type stubCompletedProvider struct {
	items []completion.CompletedItem
	calls int
}

func (s *stubCompletedProvider) CompletedItems(context.Context, string, completion.Context) ([]completion.CompletedItem, error) {
	s.calls++
	return s.items, nil
}

func (s *stubCompletedProvider) LastModified(context.Context, string, completion.Context) (*time.Time, error) {
	return nil, nil
}

type stubPolicies struct {
	policy *completion.ContextPolicy
}

func (s *stubPolicies) ContextPolicy(context.Context, completion.Context) (*completion.ContextPolicy, error) {
	return s.policy, nil
}

func day(offset int) time.Time {
	return time.Date(2026, 8, 1+offset, 12, 0, 0, 0, time.UTC)
}

func testContext() completion.Context {
	return completion.Context{NTIID: "ctx-1", Type: "course", Site: "alpha"}
}

func registryWith(required *stubItemProvider, completed *stubCompletedProvider) *completion.Registry {
	r := completion.NewRegistry()
	r.RegisterRequiredProvider("course", required)
	r.RegisterCompletedProvider("course", completed)
	return r
}

func TestBuildCountsOnlyRequiredCompletions(t *testing.T) {
	required := &stubItemProvider{items: []completion.CompletableItem{
		{NTIID: "a"}, {NTIID: "b"}, {NTIID: "c"},
	}}
	completed := &stubCompletedProvider{items: []completion.CompletedItem{
		{ItemNTIID: "a", CompletedDate: day(0)},
		{ItemNTIID: "b", CompletedDate: day(2)},
		{ItemNTIID: "stray", CompletedDate: day(5)},
	}}

	f := NewFactory(registryWith(required, completed), &stubPolicies{}, "ada", testContext(), nil)
	p, err := f.Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if p.AbsoluteProgress != 2 {
		t.Fatalf("expected 2 counted completions, got %d", p.AbsoluteProgress)
	}
	if p.MaxPossibleProgress != 3 {
		t.Fatalf("expected universe of 3, got %d", p.MaxPossibleProgress)
	}
	if !p.HasProgress {
		t.Fatalf("expected HasProgress")
	}
	// The stray completion is outside the required set and must not
	// drive last modified.
	if p.LastModified == nil || !p.LastModified.Equal(day(2)) {
		t.Fatalf("expected last modified %v, got %v", day(2), p.LastModified)
	}
	if p.NTIID != "ctx-1" {
		t.Fatalf("progress keyed to context, got %q", p.NTIID)
	}
}

func TestBuildWithoutPolicyStillReturnsProgress(t *testing.T) {
	required := &stubItemProvider{items: []completion.CompletableItem{{NTIID: "a"}}}
	completed := &stubCompletedProvider{items: []completion.CompletedItem{
		{ItemNTIID: "a", CompletedDate: day(0)},
	}}

	f := NewFactory(registryWith(required, completed), &stubPolicies{}, "ada", testContext(), nil)
	p, err := f.Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if p.CompletedItem != nil {
		t.Fatalf("no policy registered, expected no completion determination")
	}
	if p.AbsoluteProgress != 1 || !p.HasProgress {
		t.Fatalf("expected progress data without a policy, got %+v", p)
	}
}

func TestBuildAttachesPolicyCompletion(t *testing.T) {
	required := &stubItemProvider{items: []completion.CompletableItem{
		{NTIID: "a"}, {NTIID: "b"},
	}}
	completed := &stubCompletedProvider{items: []completion.CompletedItem{
		{ItemNTIID: "a", CompletedDate: day(0)},
		{ItemNTIID: "b", CompletedDate: day(1)},
	}}
	policies := &stubPolicies{policy: &completion.ContextPolicy{Percentage: 1.0}}

	f := NewFactory(registryWith(required, completed), policies, "ada", testContext(), nil)
	p, err := f.Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !p.Completed() {
		t.Fatalf("expected completion at 100%% with percentage 1.0")
	}
	item := p.CompletedItem
	if item.Principal != "ada" {
		t.Fatalf("completion principal = %q", item.Principal)
	}
	if item.ItemNTIID != "ctx-1" || item.ContextNTIID != "ctx-1" {
		t.Fatalf("context completion must be keyed to the context, got %+v", item)
	}
	if !item.CompletedDate.Equal(day(1)) {
		t.Fatalf("completion stamped %v, want %v", item.CompletedDate, day(1))
	}
}

func TestBuildBelowThresholdIsIncomplete(t *testing.T) {
	required := &stubItemProvider{items: []completion.CompletableItem{
		{NTIID: "a"}, {NTIID: "b"}, {NTIID: "c"}, {NTIID: "d"},
	}}
	completed := &stubCompletedProvider{items: []completion.CompletedItem{
		{ItemNTIID: "a", CompletedDate: day(0)},
	}}
	policies := &stubPolicies{policy: &completion.ContextPolicy{Percentage: 0.5}}

	f := NewFactory(registryWith(required, completed), policies, "ada", testContext(), nil)
	p, err := f.Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if p.Completed() {
		t.Fatalf("25%% should not satisfy a 50%% policy")
	}
	if !p.HasProgress {
		t.Fatalf("partial progress should still register")
	}
}

func TestFactoryMemoizesProviderCalls(t *testing.T) {
	required := &stubItemProvider{items: []completion.CompletableItem{{NTIID: "a"}}}
	completed := &stubCompletedProvider{items: []completion.CompletedItem{
		{ItemNTIID: "a", CompletedDate: day(0)},
	}}

	f := NewFactory(registryWith(required, completed), &stubPolicies{}, "ada", testContext(), nil)
	ctx := context.Background()
	if _, err := f.Build(ctx); err != nil {
		t.Fatalf("first Build: %v", err)
	}
	if _, err := f.Build(ctx); err != nil {
		t.Fatalf("second Build: %v", err)
	}
	if _, err := f.RequiredCompletedItems(ctx); err != nil {
		t.Fatalf("RequiredCompletedItems: %v", err)
	}

	if required.calls != 1 {
		t.Fatalf("required provider called %d times, want 1", required.calls)
	}
	if completed.calls != 1 {
		t.Fatalf("completed provider called %d times, want 1", completed.calls)
	}
}

func TestFactoryReusesSuppliedProviderList(t *testing.T) {
	shared := &stubItemProvider{items: []completion.CompletableItem{{NTIID: "a"}}}
	completed := &stubCompletedProvider{}
	registry := registryWith(&stubItemProvider{}, completed)

	providers := []completion.RequiredItemProvider{shared}
	f := NewFactory(registry, &stubPolicies{}, "ada", testContext(), providers)
	items, err := f.CompletableItems(context.Background())
	if err != nil {
		t.Fatalf("CompletableItems: %v", err)
	}
	if _, ok := items["a"]; !ok {
		t.Fatalf("expected the supplied provider list to be used")
	}
	if shared.calls != 1 {
		t.Fatalf("supplied provider called %d times, want 1", shared.calls)
	}
}
