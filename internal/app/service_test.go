package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"waypoint/api/internal/catalog"
	"waypoint/api/internal/checkpoint"
	"waypoint/api/internal/completion"
	"waypoint/api/internal/events"
	"waypoint/api/internal/store"
)

type fakeStore struct {
	getUserByUsernameFn    func(context.Context, string) (store.User, error)
	userExistsFn           func(context.Context, string) (bool, error)
	getContextFn           func(context.Context, string) (store.CompletionContext, error)
	createContextFn        func(context.Context, store.CompletionContext) (store.CompletionContext, error)
	getItemFn              func(context.Context, string) (store.CompletableItem, error)
	listItemsByContextFn   func(context.Context, string) ([]store.CompletableItem, error)
	getCompletedItemFn     func(context.Context, string, string, string) (store.CompletedItemRow, error)
	listCompletedItemsFn   func(context.Context, string, string) ([]store.CompletedItemRow, error)
	completedLastModFn     func(context.Context, string, string) (*time.Time, error)
	getAwardedItemFn       func(context.Context, string, string, string) (store.AwardedItemRow, error)
	listAwardedItemsFn     func(context.Context, string, string) ([]store.AwardedItemRow, error)
	listContextPrincipalFn func(context.Context, string) ([]string, error)
	listGhostPrincipalsFn  func(context.Context) ([]string, error)
	requiredKeysFn         func(context.Context, string) ([]string, error)
	optionalKeysFn         func(context.Context, string) ([]string, error)
	getContextPolicyFn     func(context.Context, string) (store.ContextPolicyRow, error)
	getItemPolicyFn        func(context.Context, string, string) (store.ItemPolicyRow, error)
	listDefaultRequiredFn  func(context.Context, string) ([]string, error)
	listSitesFn            func(context.Context) ([]string, error)

	addedCompleted   []store.CompletedItemRow
	addedAwarded     []store.AwardedItemRow
	removedCompleted [][3]string
	removedAwarded   [][3]string
	removedItems     [][2]string
	deletedItems     []string
	deletedUsers     []string
	contextPolicies  map[string]float64
	nextDocID        int64
	nextOID          int64
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) CreateUser(context.Context, store.User) error { return nil }
func (f *fakeStore) GetUserByUsername(ctx context.Context, username string) (store.User, error) {
	if f.getUserByUsernameFn != nil {
		return f.getUserByUsernameFn(ctx, username)
	}
	return store.User{}, store.ErrNotFound
}
func (f *fakeStore) UserExists(ctx context.Context, username string) (bool, error) {
	if f.userExistsFn != nil {
		return f.userExistsFn(ctx, username)
	}
	return true, nil
}
func (f *fakeStore) DeleteUser(_ context.Context, username string) error {
	f.deletedUsers = append(f.deletedUsers, username)
	return nil
}

func (f *fakeStore) NextContextOID(context.Context) (int64, error) {
	f.nextOID++
	return f.nextOID, nil
}
func (f *fakeStore) CreateContext(ctx context.Context, cc store.CompletionContext) (store.CompletionContext, error) {
	if f.createContextFn != nil {
		return f.createContextFn(ctx, cc)
	}
	if cc.OID == 0 {
		f.nextOID++
		cc.OID = f.nextOID
	}
	return cc, nil
}
func (f *fakeStore) GetContext(ctx context.Context, ntiid string) (store.CompletionContext, error) {
	if f.getContextFn != nil {
		return f.getContextFn(ctx, ntiid)
	}
	return store.CompletionContext{NTIID: ntiid, ContextType: "course", Site: "alpha"}, nil
}
func (f *fakeStore) ListContextsBySite(context.Context, string) ([]store.CompletionContext, error) {
	return nil, nil
}
func (f *fakeStore) ListSites(ctx context.Context) ([]string, error) {
	if f.listSitesFn != nil {
		return f.listSitesFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) MarkContextForDeletion(context.Context, string) error { return nil }

func (f *fakeStore) UpsertItem(context.Context, store.CompletableItem) error { return nil }
func (f *fakeStore) DeleteItem(_ context.Context, ntiid string) error {
	f.deletedItems = append(f.deletedItems, ntiid)
	return nil
}
func (f *fakeStore) GetItem(ctx context.Context, ntiid string) (store.CompletableItem, error) {
	if f.getItemFn != nil {
		return f.getItemFn(ctx, ntiid)
	}
	return store.CompletableItem{}, store.ErrNotFound
}
func (f *fakeStore) ListItemsByContext(ctx context.Context, contextNTIID string) ([]store.CompletableItem, error) {
	if f.listItemsByContextFn != nil {
		return f.listItemsByContextFn(ctx, contextNTIID)
	}
	return nil, nil
}

func (f *fakeStore) AddCompletedItem(_ context.Context, row store.CompletedItemRow) (int64, error) {
	f.nextDocID++
	f.addedCompleted = append(f.addedCompleted, row)
	return f.nextDocID, nil
}
func (f *fakeStore) GetCompletedItem(ctx context.Context, principal, itemNTIID, contextNTIID string) (store.CompletedItemRow, error) {
	if f.getCompletedItemFn != nil {
		return f.getCompletedItemFn(ctx, principal, itemNTIID, contextNTIID)
	}
	return store.CompletedItemRow{}, store.ErrNotFound
}
func (f *fakeStore) ListCompletedItems(ctx context.Context, principal, contextNTIID string) ([]store.CompletedItemRow, error) {
	if f.listCompletedItemsFn != nil {
		return f.listCompletedItemsFn(ctx, principal, contextNTIID)
	}
	return nil, nil
}
func (f *fakeStore) CompletedLastModified(ctx context.Context, principal, contextNTIID string) (*time.Time, error) {
	if f.completedLastModFn != nil {
		return f.completedLastModFn(ctx, principal, contextNTIID)
	}
	return nil, nil
}
func (f *fakeStore) CompletedCountsByDay(context.Context, string) ([]store.DayCount, error) {
	return nil, nil
}
func (f *fakeStore) RemoveCompletedItem(_ context.Context, principal, itemNTIID, contextNTIID string) error {
	f.removedCompleted = append(f.removedCompleted, [3]string{principal, itemNTIID, contextNTIID})
	return nil
}
func (f *fakeStore) RemoveItem(_ context.Context, contextNTIID, itemNTIID string) error {
	f.removedItems = append(f.removedItems, [2]string{contextNTIID, itemNTIID})
	return nil
}
func (f *fakeStore) ListContextPrincipals(ctx context.Context, contextNTIID string) ([]string, error) {
	if f.listContextPrincipalFn != nil {
		return f.listContextPrincipalFn(ctx, contextNTIID)
	}
	return nil, nil
}
func (f *fakeStore) ListGhostPrincipals(ctx context.Context) ([]string, error) {
	if f.listGhostPrincipalsFn != nil {
		return f.listGhostPrincipalsFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) ListPrincipalCompletedItems(context.Context, string) ([]store.CompletedItemRow, error) {
	return nil, nil
}
func (f *fakeStore) ListPrincipalAwardedItems(context.Context, string) ([]store.AwardedItemRow, error) {
	return nil, nil
}
func (f *fakeStore) ClearPrincipalEverywhere(context.Context, string) error { return nil }

func (f *fakeStore) AddAwardedItem(_ context.Context, row store.AwardedItemRow) (int64, error) {
	f.nextDocID++
	f.addedAwarded = append(f.addedAwarded, row)
	return f.nextDocID, nil
}
func (f *fakeStore) GetAwardedItem(ctx context.Context, principal, itemNTIID, contextNTIID string) (store.AwardedItemRow, error) {
	if f.getAwardedItemFn != nil {
		return f.getAwardedItemFn(ctx, principal, itemNTIID, contextNTIID)
	}
	return store.AwardedItemRow{}, store.ErrNotFound
}
func (f *fakeStore) ListAwardedItems(ctx context.Context, principal, contextNTIID string) ([]store.AwardedItemRow, error) {
	if f.listAwardedItemsFn != nil {
		return f.listAwardedItemsFn(ctx, principal, contextNTIID)
	}
	return nil, nil
}
func (f *fakeStore) RemoveAwardedItem(_ context.Context, principal, itemNTIID, contextNTIID string) error {
	f.removedAwarded = append(f.removedAwarded, [3]string{principal, itemNTIID, contextNTIID})
	return nil
}

func (f *fakeStore) AddRequiredItem(context.Context, string, string) error    { return nil }
func (f *fakeStore) AddOptionalItem(context.Context, string, string) error    { return nil }
func (f *fakeStore) RemoveRequiredItem(context.Context, string, string) error { return nil }
func (f *fakeStore) RemoveOptionalItem(context.Context, string, string) error { return nil }
func (f *fakeStore) RequiredKeys(ctx context.Context, contextNTIID string) ([]string, error) {
	if f.requiredKeysFn != nil {
		return f.requiredKeysFn(ctx, contextNTIID)
	}
	return nil, nil
}
func (f *fakeStore) OptionalKeys(ctx context.Context, contextNTIID string) ([]string, error) {
	if f.optionalKeysFn != nil {
		return f.optionalKeysFn(ctx, contextNTIID)
	}
	return nil, nil
}
func (f *fakeStore) IsRequired(context.Context, string, string) (bool, error) { return false, nil }
func (f *fakeStore) IsOptional(context.Context, string, string) (bool, error) { return false, nil }

func (f *fakeStore) SetContextPolicy(_ context.Context, contextNTIID string, percentage float64) error {
	if f.contextPolicies == nil {
		f.contextPolicies = make(map[string]float64)
	}
	f.contextPolicies[contextNTIID] = percentage
	return nil
}
func (f *fakeStore) GetContextPolicy(ctx context.Context, contextNTIID string) (store.ContextPolicyRow, error) {
	if f.getContextPolicyFn != nil {
		return f.getContextPolicyFn(ctx, contextNTIID)
	}
	return store.ContextPolicyRow{}, store.ErrNotFound
}
func (f *fakeStore) DeleteContextPolicy(context.Context, string) error { return nil }
func (f *fakeStore) SetItemPolicy(context.Context, store.ItemPolicyRow) error {
	return nil
}
func (f *fakeStore) GetItemPolicy(ctx context.Context, contextNTIID, itemNTIID string) (store.ItemPolicyRow, error) {
	if f.getItemPolicyFn != nil {
		return f.getItemPolicyFn(ctx, contextNTIID, itemNTIID)
	}
	return store.ItemPolicyRow{}, store.ErrNotFound
}
func (f *fakeStore) DeleteItemPolicy(context.Context, string, string) error { return nil }

func (f *fakeStore) SetDefaultRequiredMimeTypes(context.Context, string, []string) error {
	return nil
}
func (f *fakeStore) ListDefaultRequiredMimeTypes(ctx context.Context, contextNTIID string) ([]string, error) {
	if f.listDefaultRequiredFn != nil {
		return f.listDefaultRequiredFn(ctx, contextNTIID)
	}
	return nil, nil
}

type fakeCatalog struct {
	indexed  []catalog.Record
	deleted  [][]string
	searched []catalog.Query
	results  []catalog.Record
	total    int
}

func (f *fakeCatalog) Search(q catalog.Query) ([]catalog.Record, int, error) {
	f.searched = append(f.searched, q)
	return f.results, f.total, nil
}
func (f *fakeCatalog) Index(rec catalog.Record) { f.indexed = append(f.indexed, rec) }
func (f *fakeCatalog) Delete(ids []string)      { f.deleted = append(f.deleted, ids) }
func (f *fakeCatalog) Rebuild(_ context.Context, _ catalog.SeenSet, sites []string) (map[string]int, error) {
	counts := make(map[string]int, len(sites))
	for _, site := range sites {
		counts[site] = 1
	}
	return counts, nil
}

func newTestService(fs *fakeStore, cat *fakeCatalog) *Service {
	return NewService(fs, cat, events.NewBus(), checkpoint.NewMemorySet(),
		[]byte("test-secret"), time.Hour, nil)
}

func itemInContext(contextNTIID string) func(context.Context, string) (store.CompletableItem, error) {
	return func(_ context.Context, ntiid string) (store.CompletableItem, error) {
		return store.CompletableItem{
			NTIID:        ntiid,
			MimeType:     "application/vnd.assignment",
			ContextNTIID: contextNTIID,
		}, nil
	}
}

func domainErrFrom(t *testing.T, err error) *DomainError {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	return domainErr
}

func TestRecordCompletionIndexesAndNotifies(t *testing.T) {
	fs := &fakeStore{getItemFn: itemInContext("ctx-1")}
	cat := &fakeCatalog{}
	svc := newTestService(fs, cat)

	var published []events.ItemCompleted
	svc.bus.Subscribe(events.PhaseProgress, func(_ context.Context, event any) error {
		if e, ok := event.(events.ItemCompleted); ok {
			published = append(published, e)
		}
		return nil
	})

	when := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	payload, err := svc.RecordCompletion(context.Background(), "ctx-1", "item-a", "ada", when, true)
	if err != nil {
		t.Fatalf("RecordCompletion: %v", err)
	}
	if payload["Item"] == nil {
		t.Fatalf("expected recorded item in payload")
	}

	if len(fs.addedCompleted) != 1 {
		t.Fatalf("expected one stored record, got %d", len(fs.addedCompleted))
	}
	row := fs.addedCompleted[0]
	if row.Site != "alpha" || row.ItemMimeType != "application/vnd.assignment" {
		t.Fatalf("record not denormalized: %+v", row)
	}
	if len(cat.indexed) != 1 || cat.indexed[0].ID != "c-1" {
		t.Fatalf("record not indexed: %+v", cat.indexed)
	}
	if len(published) != 1 || published[0].Principal != "ada" {
		t.Fatalf("completion event not published: %+v", published)
	}
}

func TestRecordCompletionRejectsForeignItem(t *testing.T) {
	fs := &fakeStore{getItemFn: itemInContext("other-context")}
	svc := newTestService(fs, &fakeCatalog{})

	_, err := svc.RecordCompletion(context.Background(), "ctx-1", "item-a", "ada", time.Time{}, true)
	domainErr := domainErrFrom(t, err)
	if domainErr.Code != codeInvalidCompletableItem || domainErr.Status != 422 {
		t.Fatalf("expected 422 %s, got %d %s", codeInvalidCompletableItem, domainErr.Status, domainErr.Code)
	}
}

func TestRecordCompletionUnknownItem(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeCatalog{})

	_, err := svc.RecordCompletion(context.Background(), "ctx-1", "item-a", "ada", time.Time{}, true)
	domainErr := domainErrFrom(t, err)
	if domainErr.Code != codeItemNotFound || domainErr.Status != 404 {
		t.Fatalf("expected 404 %s, got %d %s", codeItemNotFound, domainErr.Status, domainErr.Code)
	}

	_, err = svc.RecordCompletion(context.Background(), "ctx-1", "  ", "ada", time.Time{}, true)
	domainErr = domainErrFrom(t, err)
	if domainErr.Code != codeNoNTIIDGiven {
		t.Fatalf("expected %s for blank identifier, got %s", codeNoNTIIDGiven, domainErr.Code)
	}
}

func TestRemoveCompletionUnindexesRecord(t *testing.T) {
	fs := &fakeStore{
		getCompletedItemFn: func(_ context.Context, principal, itemNTIID, contextNTIID string) (store.CompletedItemRow, error) {
			return store.CompletedItemRow{
				DocID:        9,
				Principal:    principal,
				ItemNTIID:    itemNTIID,
				ContextNTIID: contextNTIID,
			}, nil
		},
	}
	cat := &fakeCatalog{}
	svc := newTestService(fs, cat)

	if err := svc.RemoveCompletion(context.Background(), "ctx-1", "item-a", "ada"); err != nil {
		t.Fatalf("RemoveCompletion: %v", err)
	}
	if len(cat.deleted) != 1 || cat.deleted[0][0] != "c-9" {
		t.Fatalf("record not unindexed: %v", cat.deleted)
	}
	if len(fs.removedCompleted) != 1 {
		t.Fatalf("record not removed from store")
	}
}

func TestRemoveCompletionMissingRecordIsNoop(t *testing.T) {
	cat := &fakeCatalog{}
	svc := newTestService(&fakeStore{}, cat)
	if err := svc.RemoveCompletion(context.Background(), "ctx-1", "item-a", "ada"); err != nil {
		t.Fatalf("expected idempotent remove, got %v", err)
	}
	if len(cat.deleted) != 0 {
		t.Fatalf("nothing should be unindexed")
	}
}

func TestAwardConflictReturnsOverwriteChallenge(t *testing.T) {
	fs := &fakeStore{
		getItemFn: itemInContext("ctx-1"),
		getAwardedItemFn: func(_ context.Context, principal, itemNTIID, contextNTIID string) (store.AwardedItemRow, error) {
			return store.AwardedItemRow{
				CompletedItemRow: store.CompletedItemRow{
					DocID:        4,
					Principal:    principal,
					ItemNTIID:    itemNTIID,
					ContextNTIID: contextNTIID,
				},
				Awarder: "grace",
				Reason:  "original reason",
			}, nil
		},
	}
	svc := newTestService(fs, &fakeCatalog{})

	_, err := svc.AwardCompletion(context.Background(), "ctx-1", "item-a", "ada", "grace", "new reason", false)
	domainErr := domainErrFrom(t, err)
	if domainErr.Status != 409 || domainErr.Code != codeDestructiveChallenge {
		t.Fatalf("expected 409 %s, got %d %s", codeDestructiveChallenge, domainErr.Status, domainErr.Code)
	}

	details, ok := domainErr.Details.(map[string]any)
	if !ok {
		t.Fatalf("expected details map, got %T", domainErr.Details)
	}
	links, ok := details["Links"].([]map[string]any)
	if !ok || len(links) != 1 {
		t.Fatalf("expected one challenge link, got %v", details["Links"])
	}
	if links[0]["rel"] != "overwrite" {
		t.Fatalf("expected overwrite relation, got %v", links[0]["rel"])
	}
	href, _ := links[0]["href"].(string)
	if !strings.Contains(href, "force=true") || !strings.Contains(href, "item-a") {
		t.Fatalf("overwrite link not actionable: %q", href)
	}

	if len(fs.addedAwarded) != 0 || len(fs.removedAwarded) != 0 {
		t.Fatalf("challenged award must not mutate state")
	}
}

func TestAwardWithForceReplacesExisting(t *testing.T) {
	fs := &fakeStore{
		getItemFn: itemInContext("ctx-1"),
		getAwardedItemFn: func(_ context.Context, principal, itemNTIID, contextNTIID string) (store.AwardedItemRow, error) {
			return store.AwardedItemRow{
				CompletedItemRow: store.CompletedItemRow{
					DocID:        4,
					Principal:    principal,
					ItemNTIID:    itemNTIID,
					ContextNTIID: contextNTIID,
				},
				Reason: "original reason",
			}, nil
		},
	}
	cat := &fakeCatalog{}
	svc := newTestService(fs, cat)

	payload, err := svc.AwardCompletion(context.Background(), "ctx-1", "item-a", "ada", "grace", "good soup", true)
	if err != nil {
		t.Fatalf("AwardCompletion with force: %v", err)
	}
	if payload["Item"] == nil {
		t.Fatalf("expected awarded item in payload")
	}

	// The prior award goes away before the new one lands, so the item
	// still holds exactly one award.
	if len(fs.removedAwarded) != 1 {
		t.Fatalf("prior award not removed: %v", fs.removedAwarded)
	}
	if len(fs.addedAwarded) != 1 {
		t.Fatalf("new award not added: %v", fs.addedAwarded)
	}
	if fs.addedAwarded[0].Reason != "good soup" || fs.addedAwarded[0].Awarder != "grace" {
		t.Fatalf("award fields not replaced: %+v", fs.addedAwarded[0])
	}
	if len(cat.deleted) != 1 || cat.deleted[0][0] != "a-4" {
		t.Fatalf("prior award not unindexed: %v", cat.deleted)
	}
	if len(cat.indexed) != 1 || !cat.indexed[0].Awarded {
		t.Fatalf("new award not indexed: %+v", cat.indexed)
	}
}

func TestAwardRequiresExistingPrincipal(t *testing.T) {
	fs := &fakeStore{
		getItemFn: itemInContext("ctx-1"),
		userExistsFn: func(context.Context, string) (bool, error) {
			return false, nil
		},
	}
	svc := newTestService(fs, &fakeCatalog{})

	_, err := svc.AwardCompletion(context.Background(), "ctx-1", "item-a", "ghost", "grace", "", false)
	domainErr := domainErrFrom(t, err)
	if domainErr.Status != 422 || domainErr.Code != codeValidation {
		t.Fatalf("expected 422 %s, got %d %s", codeValidation, domainErr.Status, domainErr.Code)
	}
}

func TestRevokeAwardIsIdempotent(t *testing.T) {
	cat := &fakeCatalog{}
	svc := newTestService(&fakeStore{}, cat)
	if err := svc.RevokeAward(context.Background(), "ctx-1", "item-a", "ada"); err != nil {
		t.Fatalf("revoking a missing award should succeed, got %v", err)
	}
	if len(cat.deleted) != 0 {
		t.Fatalf("nothing should be unindexed")
	}
}

func TestSetContextPolicyValidatesPercentage(t *testing.T) {
	fs := &fakeStore{}
	svc := newTestService(fs, &fakeCatalog{})

	for _, pct := range []float64{0, -0.2, 1.5} {
		_, err := svc.SetContextPolicyPercentage(context.Background(), "ctx-1", pct)
		domainErr := domainErrFrom(t, err)
		if domainErr.Status != 422 || domainErr.Code != codeValidation {
			t.Fatalf("percentage %v: expected 422 %s, got %d %s", pct, codeValidation, domainErr.Status, domainErr.Code)
		}
	}
	if len(fs.contextPolicies) != 0 {
		t.Fatalf("invalid policy must not persist")
	}

	payload, err := svc.SetContextPolicyPercentage(context.Background(), "ctx-1", 0.8)
	if err != nil {
		t.Fatalf("valid policy rejected: %v", err)
	}
	if payload["Percentage"] != 0.8 || fs.contextPolicies["ctx-1"] != 0.8 {
		t.Fatalf("policy not stored")
	}
}

func TestItemPolicyFallsBackToContextPolicy(t *testing.T) {
	fs := &fakeStore{
		getContextPolicyFn: func(_ context.Context, contextNTIID string) (store.ContextPolicyRow, error) {
			return store.ContextPolicyRow{ContextNTIID: contextNTIID, Percentage: 0.6}, nil
		},
	}
	svc := newTestService(fs, &fakeCatalog{})

	payload, err := svc.ItemPolicy(context.Background(), "ctx-1", "item-a")
	if err != nil {
		t.Fatalf("ItemPolicy: %v", err)
	}
	if payload["NTIID"] != "item-a" || payload["Policy"] == nil {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestItemPolicyWithoutAnyPolicyIs404(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeCatalog{})
	_, err := svc.ItemPolicy(context.Background(), "ctx-1", "item-a")
	domainErr := domainErrFrom(t, err)
	if domainErr.Status != 404 {
		t.Fatalf("expected 404, got %d", domainErr.Status)
	}
}

func TestUserProgressMergesAwardOverOrganic(t *testing.T) {
	organicDate := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	awardDate := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)
	fs := &fakeStore{
		listItemsByContextFn: func(context.Context, string) ([]store.CompletableItem, error) {
			return []store.CompletableItem{
				{NTIID: "item-a", MimeType: "x", ContextNTIID: "ctx-1"},
				{NTIID: "item-b", MimeType: "x", ContextNTIID: "ctx-1"},
			}, nil
		},
		requiredKeysFn: func(context.Context, string) ([]string, error) {
			return []string{"item-a", "item-b"}, nil
		},
		listCompletedItemsFn: func(_ context.Context, principal, contextNTIID string) ([]store.CompletedItemRow, error) {
			return []store.CompletedItemRow{
				{Principal: principal, ItemNTIID: "item-a", ContextNTIID: contextNTIID, CompletedDate: organicDate, Success: false},
			}, nil
		},
		listAwardedItemsFn: func(_ context.Context, principal, contextNTIID string) ([]store.AwardedItemRow, error) {
			return []store.AwardedItemRow{
				{CompletedItemRow: store.CompletedItemRow{Principal: principal, ItemNTIID: "item-a", ContextNTIID: contextNTIID, CompletedDate: awardDate, Success: true}},
			}, nil
		},
	}
	svc := newTestService(fs, &fakeCatalog{})

	payload, err := svc.UserProgress(context.Background(), "ctx-1", "ada")
	if err != nil {
		t.Fatalf("UserProgress: %v", err)
	}
	if payload["PercentageComplete"] != 0.5 {
		t.Fatalf("expected 1 of 2 complete, got %v", payload["PercentageComplete"])
	}
}

func TestBuildCompletionWritesContextRecords(t *testing.T) {
	done := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	fs := &fakeStore{
		getContextPolicyFn: func(_ context.Context, contextNTIID string) (store.ContextPolicyRow, error) {
			return store.ContextPolicyRow{ContextNTIID: contextNTIID, Percentage: 1.0}, nil
		},
		listContextPrincipalFn: func(context.Context, string) ([]string, error) {
			return []string{"ada", "bob"}, nil
		},
		listItemsByContextFn: func(context.Context, string) ([]store.CompletableItem, error) {
			return []store.CompletableItem{{NTIID: "item-a", MimeType: "x", ContextNTIID: "ctx-1"}}, nil
		},
		requiredKeysFn: func(context.Context, string) ([]string, error) {
			return []string{"item-a"}, nil
		},
		listCompletedItemsFn: func(_ context.Context, principal, contextNTIID string) ([]store.CompletedItemRow, error) {
			if principal != "ada" {
				return nil, nil
			}
			return []store.CompletedItemRow{
				{Principal: principal, ItemNTIID: "item-a", ContextNTIID: contextNTIID, CompletedDate: done, Success: true},
			}, nil
		},
	}
	cat := &fakeCatalog{}
	svc := newTestService(fs, cat)

	payload, err := svc.BuildCompletion(context.Background(), "ctx-1", "", false)
	if err != nil {
		t.Fatalf("BuildCompletion: %v", err)
	}
	if payload["Principals"] != 2 || payload["Completed"] != 1 {
		t.Fatalf("unexpected summary %v", payload)
	}
	if len(fs.addedCompleted) != 1 {
		t.Fatalf("expected one context record, got %d", len(fs.addedCompleted))
	}
	row := fs.addedCompleted[0]
	if row.Principal != "ada" || row.ItemNTIID != "ctx-1" || row.ContextNTIID != "ctx-1" {
		t.Fatalf("context completion must be keyed to the context: %+v", row)
	}
	if !row.CompletedDate.Equal(done) {
		t.Fatalf("completion date %v, want %v", row.CompletedDate, done)
	}
	if len(cat.indexed) != 1 {
		t.Fatalf("context record not indexed")
	}
}

func TestResetCompletionDropsContextRecords(t *testing.T) {
	fs := &fakeStore{
		listContextPrincipalFn: func(context.Context, string) ([]string, error) {
			return []string{"ada", "bob"}, nil
		},
		getCompletedItemFn: func(_ context.Context, principal, itemNTIID, contextNTIID string) (store.CompletedItemRow, error) {
			if principal != "ada" {
				return store.CompletedItemRow{}, store.ErrNotFound
			}
			return store.CompletedItemRow{DocID: 3, Principal: principal, ItemNTIID: itemNTIID, ContextNTIID: contextNTIID}, nil
		},
	}
	cat := &fakeCatalog{}
	svc := newTestService(fs, cat)

	if err := svc.ResetCompletion(context.Background(), "ctx-1"); err != nil {
		t.Fatalf("ResetCompletion: %v", err)
	}
	if len(fs.removedItems) != 1 || fs.removedItems[0] != [2]string{"ctx-1", "ctx-1"} {
		t.Fatalf("context records not removed: %v", fs.removedItems)
	}
	if len(cat.deleted) != 1 || cat.deleted[0][0] != "c-3" {
		t.Fatalf("context records not unindexed: %v", cat.deleted)
	}
}

func TestDeleteUserPublishesBeforeStoreDelete(t *testing.T) {
	fs := &fakeStore{}
	svc := newTestService(fs, &fakeCatalog{})

	var order []string
	svc.bus.Subscribe(events.PhaseCleanup, func(_ context.Context, event any) error {
		if _, ok := event.(events.UserDeleted); ok {
			order = append(order, "event")
		}
		return nil
	})

	if err := svc.DeleteUser(context.Background(), "ada"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if len(fs.deletedUsers) != 1 || fs.deletedUsers[0] != "ada" {
		t.Fatalf("user row not deleted: %v", fs.deletedUsers)
	}
	if len(order) != 1 {
		t.Fatalf("cleanup event not published before store delete")
	}
}

func TestRebuildCatalogFallsBackToStoredSites(t *testing.T) {
	fs := &fakeStore{
		listSitesFn: func(context.Context) ([]string, error) {
			return []string{"alpha", "beta"}, nil
		},
	}
	svc := newTestService(fs, &fakeCatalog{})

	payload, err := svc.RebuildCatalog(context.Background(), nil)
	if err != nil {
		t.Fatalf("RebuildCatalog: %v", err)
	}
	if payload["Total"] != 2 || payload["ItemCount"] != 2 {
		t.Fatalf("unexpected rebuild summary %v", payload)
	}
}

func TestContextNotFoundSurfacesAs404(t *testing.T) {
	fs := &fakeStore{
		getContextFn: func(context.Context, string) (store.CompletionContext, error) {
			return store.CompletionContext{}, store.ErrNotFound
		},
	}
	svc := newTestService(fs, &fakeCatalog{})

	_, err := svc.UserProgress(context.Background(), "missing", "ada")
	domainErr := domainErrFrom(t, err)
	if domainErr.Status != 404 {
		t.Fatalf("expected 404, got %d", domainErr.Status)
	}

	_, err = svc.UserProgress(context.Background(), "  ", "ada")
	domainErr = domainErrFrom(t, err)
	if domainErr.Code != codeNoNTIIDGiven {
		t.Fatalf("expected %s for blank context, got %s", codeNoNTIIDGiven, domainErr.Code)
	}
}

type extraCompletedProvider struct {
	items []completion.CompletedItem
}

func (p *extraCompletedProvider) CompletedItems(context.Context, string, completion.Context) ([]completion.CompletedItem, error) {
	return p.items, nil
}

func (p *extraCompletedProvider) LastModified(context.Context, string, completion.Context) (*time.Time, error) {
	if len(p.items) == 0 {
		return nil, nil
	}
	last := p.items[len(p.items)-1].CompletedDate
	return &last, nil
}

func TestRegisteredProvidersExtendProgress(t *testing.T) {
	fs := &fakeStore{
		listItemsByContextFn: func(context.Context, string) ([]store.CompletableItem, error) {
			return []store.CompletableItem{
				{NTIID: "item-a", MimeType: "x", ContextNTIID: "ctx-1"},
				{NTIID: "item-b", MimeType: "x", ContextNTIID: "ctx-1"},
			}, nil
		},
		requiredKeysFn: func(context.Context, string) ([]string, error) {
			return []string{"item-a", "item-b"}, nil
		},
	}
	svc := newTestService(fs, &fakeCatalog{})
	svc.Registry().RegisterCompletedProvider(completion.AnyContextType, &extraCompletedProvider{
		items: []completion.CompletedItem{{
			Principal:     "ada",
			ItemNTIID:     "item-b",
			ContextNTIID:  "ctx-1",
			CompletedDate: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
			Success:       true,
		}},
	})

	payload, err := svc.UserProgress(context.Background(), "ctx-1", "ada")
	if err != nil {
		t.Fatalf("UserProgress() error = %v", err)
	}
	p, ok := payload["Progress"].(completion.Progress)
	if !ok {
		t.Fatalf("payload missing progress: %v", payload)
	}
	if p.AbsoluteProgress != 1 || p.MaxPossibleProgress != 2 {
		t.Fatalf("progress = %d/%d, want 1/2", p.AbsoluteProgress, p.MaxPossibleProgress)
	}
	if !p.HasProgress {
		t.Fatal("expected HasProgress with a provider-supplied completion")
	}
}

func TestAnonymousContextsGetDistinctDerivedIDs(t *testing.T) {
	fs := &fakeStore{}
	svc := newTestService(fs, &fakeCatalog{})

	first, err := svc.CreateContext(context.Background(), "", "course", "alpha")
	if err != nil {
		t.Fatalf("CreateContext() error = %v", err)
	}
	second, err := svc.CreateContext(context.Background(), "", "course", "alpha")
	if err != nil {
		t.Fatalf("CreateContext() second error = %v", err)
	}

	a, _ := first["NTIID"].(string)
	b, _ := second["NTIID"].(string)
	if !strings.HasPrefix(a, "oid:") || !strings.HasPrefix(b, "oid:") {
		t.Fatalf("derived identifiers missing: %q, %q", a, b)
	}
	if a == b {
		t.Fatalf("two anonymous contexts share identifier %q", a)
	}

	named, err := svc.CreateContext(context.Background(), "tag:course-7", "course", "alpha")
	if err != nil {
		t.Fatalf("CreateContext() named error = %v", err)
	}
	if named["NTIID"] != "tag:course-7" {
		t.Fatalf("natural identifier not preserved: %v", named["NTIID"])
	}
}

func TestBuildCompletionForSingleUser(t *testing.T) {
	done := time.Date(2026, 7, 2, 0, 0, 0, 0, time.UTC)
	fs := &fakeStore{
		getContextPolicyFn: func(_ context.Context, contextNTIID string) (store.ContextPolicyRow, error) {
			return store.ContextPolicyRow{ContextNTIID: contextNTIID, Percentage: 1.0}, nil
		},
		listContextPrincipalFn: func(context.Context, string) ([]string, error) {
			t.Fatal("single-user build should not walk the cohort")
			return nil, nil
		},
		listItemsByContextFn: func(context.Context, string) ([]store.CompletableItem, error) {
			return []store.CompletableItem{{NTIID: "item-a", MimeType: "x", ContextNTIID: "ctx-1"}}, nil
		},
		requiredKeysFn: func(context.Context, string) ([]string, error) {
			return []string{"item-a"}, nil
		},
		listCompletedItemsFn: func(_ context.Context, principal, contextNTIID string) ([]store.CompletedItemRow, error) {
			if principal != "ada" {
				return nil, nil
			}
			return []store.CompletedItemRow{{
				Principal:     principal,
				ItemNTIID:     "item-a",
				ContextNTIID:  contextNTIID,
				CompletedDate: done,
				Success:       true,
			}}, nil
		},
	}
	svc := newTestService(fs, &fakeCatalog{})

	payload, err := svc.BuildCompletion(context.Background(), "ctx-1", "ada", false)
	if err != nil {
		t.Fatalf("BuildCompletion() error = %v", err)
	}
	if payload["Principals"] != 1 || payload["Completed"] != 1 {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if len(fs.addedCompleted) != 1 || fs.addedCompleted[0].Principal != "ada" {
		t.Fatalf("context record not written for ada: %v", fs.addedCompleted)
	}
}

func TestBuildCompletionRejectsUnknownUser(t *testing.T) {
	fs := &fakeStore{
		userExistsFn: func(context.Context, string) (bool, error) { return false, nil },
	}
	svc := newTestService(fs, &fakeCatalog{})

	_, err := svc.BuildCompletion(context.Background(), "ctx-1", "ghost", false)
	domainErr := domainErrFrom(t, err)
	if domainErr.Status != 422 {
		t.Fatalf("expected 422 for unknown user, got %d", domainErr.Status)
	}
}

func TestDeleteItemPublishesCleanupEvent(t *testing.T) {
	fs := &fakeStore{getItemFn: itemInContext("ctx-1")}
	svc := newTestService(fs, &fakeCatalog{})

	var got []events.ItemDeleted
	svc.bus.Subscribe(events.PhaseCleanup, func(_ context.Context, event any) error {
		if e, ok := event.(events.ItemDeleted); ok {
			got = append(got, e)
		}
		return nil
	})

	if err := svc.DeleteItem(context.Background(), "ctx-1", "item-a", true); err != nil {
		t.Fatalf("DeleteItem() error = %v", err)
	}
	if len(got) != 1 || !got[0].Interactive || got[0].NTIID != "item-a" || got[0].Site != "alpha" {
		t.Fatalf("unexpected event: %+v", got)
	}
	if len(fs.deletedItems) != 0 {
		t.Fatal("interactive deletion should leave the row to the cleanup handlers")
	}

	if err := svc.DeleteItem(context.Background(), "ctx-1", "item-a", false); err != nil {
		t.Fatalf("DeleteItem() sync error = %v", err)
	}
	if len(fs.deletedItems) != 1 || fs.deletedItems[0] != "item-a" {
		t.Fatalf("sync deletion should drop the row: %v", fs.deletedItems)
	}
	if len(got) != 2 || got[1].Interactive {
		t.Fatalf("sync deletion event: %+v", got)
	}
}
