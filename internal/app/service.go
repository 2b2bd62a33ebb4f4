package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"waypoint/api/internal/auth"
	"waypoint/api/internal/catalog"
	"waypoint/api/internal/completion"
	"waypoint/api/internal/events"
	"waypoint/api/internal/progress"
	"waypoint/api/internal/rbac"
	"waypoint/api/internal/store"
	"waypoint/api/internal/util"
)

// Session is the authenticated caller, decoded from the bearer token.
type Session struct {
	UserID   string
	UserName string
	Role     string
	Site     string
}

// recordCatalog is the slice of the catalog the service uses.
type recordCatalog interface {
	Search(q catalog.Query) ([]catalog.Record, int, error)
	Index(rec catalog.Record)
	Delete(ids []string)
	Rebuild(ctx context.Context, seen catalog.SeenSet, sites []string) (map[string]int, error)
}

type dataStore interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, user store.User) error
	GetUserByUsername(ctx context.Context, username string) (store.User, error)
	UserExists(ctx context.Context, username string) (bool, error)
	DeleteUser(ctx context.Context, username string) error

	NextContextOID(ctx context.Context) (int64, error)
	CreateContext(ctx context.Context, cc store.CompletionContext) (store.CompletionContext, error)
	GetContext(ctx context.Context, ntiid string) (store.CompletionContext, error)
	ListContextsBySite(ctx context.Context, site string) ([]store.CompletionContext, error)
	ListSites(ctx context.Context) ([]string, error)
	MarkContextForDeletion(ctx context.Context, ntiid string) error

	UpsertItem(ctx context.Context, item store.CompletableItem) error
	GetItem(ctx context.Context, ntiid string) (store.CompletableItem, error)
	DeleteItem(ctx context.Context, ntiid string) error
	ListItemsByContext(ctx context.Context, contextNTIID string) ([]store.CompletableItem, error)

	AddCompletedItem(ctx context.Context, row store.CompletedItemRow) (int64, error)
	GetCompletedItem(ctx context.Context, principal, itemNTIID, contextNTIID string) (store.CompletedItemRow, error)
	ListCompletedItems(ctx context.Context, principal, contextNTIID string) ([]store.CompletedItemRow, error)
	CompletedLastModified(ctx context.Context, principal, contextNTIID string) (*time.Time, error)
	CompletedCountsByDay(ctx context.Context, contextNTIID string) ([]store.DayCount, error)
	RemoveCompletedItem(ctx context.Context, principal, itemNTIID, contextNTIID string) error
	RemoveItem(ctx context.Context, contextNTIID, itemNTIID string) error
	ListContextPrincipals(ctx context.Context, contextNTIID string) ([]string, error)
	ListGhostPrincipals(ctx context.Context) ([]string, error)
	ListPrincipalCompletedItems(ctx context.Context, principal string) ([]store.CompletedItemRow, error)
	ListPrincipalAwardedItems(ctx context.Context, principal string) ([]store.AwardedItemRow, error)
	ClearPrincipalEverywhere(ctx context.Context, principal string) error

	AddAwardedItem(ctx context.Context, row store.AwardedItemRow) (int64, error)
	GetAwardedItem(ctx context.Context, principal, itemNTIID, contextNTIID string) (store.AwardedItemRow, error)
	ListAwardedItems(ctx context.Context, principal, contextNTIID string) ([]store.AwardedItemRow, error)
	RemoveAwardedItem(ctx context.Context, principal, itemNTIID, contextNTIID string) error

	AddRequiredItem(ctx context.Context, contextNTIID, itemNTIID string) error
	AddOptionalItem(ctx context.Context, contextNTIID, itemNTIID string) error
	RemoveRequiredItem(ctx context.Context, contextNTIID, itemNTIID string) error
	RemoveOptionalItem(ctx context.Context, contextNTIID, itemNTIID string) error
	RequiredKeys(ctx context.Context, contextNTIID string) ([]string, error)
	OptionalKeys(ctx context.Context, contextNTIID string) ([]string, error)
	IsRequired(ctx context.Context, contextNTIID, itemNTIID string) (bool, error)
	IsOptional(ctx context.Context, contextNTIID, itemNTIID string) (bool, error)

	SetContextPolicy(ctx context.Context, contextNTIID string, percentage float64) error
	GetContextPolicy(ctx context.Context, contextNTIID string) (store.ContextPolicyRow, error)
	DeleteContextPolicy(ctx context.Context, contextNTIID string) error
	SetItemPolicy(ctx context.Context, row store.ItemPolicyRow) error
	GetItemPolicy(ctx context.Context, contextNTIID, itemNTIID string) (store.ItemPolicyRow, error)
	DeleteItemPolicy(ctx context.Context, contextNTIID, itemNTIID string) error

	SetDefaultRequiredMimeTypes(ctx context.Context, contextNTIID string, mimeTypes []string) error
	ListDefaultRequiredMimeTypes(ctx context.Context, contextNTIID string) ([]string, error)
}

type Service struct {
	store     dataStore
	catalog   recordCatalog
	registry  *completion.Registry
	bus       *events.Bus
	seen      catalog.SeenSet
	secret    []byte
	accessTTL time.Duration
	sites     []string
}

func NewService(s dataStore, cat recordCatalog, bus *events.Bus,
	seen catalog.SeenSet, secret []byte, accessTTL time.Duration,
	sites []string) *Service {
	svc := &Service{
		store:     s,
		catalog:   cat,
		registry:  completion.NewRegistry(),
		bus:       bus,
		seen:      seen,
		secret:    secret,
		accessTTL: accessTTL,
		sites:     sites,
	}
	svc.registry.RegisterRequiredProvider(completion.AnyContextType,
		&storeRequiredProvider{store: s})
	svc.registry.RegisterCompletedProvider(completion.AnyContextType,
		&storeCompletedProvider{store: s})
	return svc
}

// Registry exposes provider registration so deployments can plug in
// content-specific providers at startup.
func (s *Service) Registry() *completion.Registry {
	return s.registry
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// ── auth ──

func (s *Service) SignIn(ctx context.Context, username, password string) (map[string]any, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil)
	}
	if !auth.CheckPassword(user.PasswordHash, password) {
		return nil, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil)
	}

	expires := time.Now().Add(s.accessTTL)
	token, err := auth.IssueToken(s.secret, auth.Claims{
		Sub:  user.ID,
		Name: user.Username,
		Role: user.Role,
		Site: user.Site,
		JTI:  util.NewID("jti"),
		Exp:  expires.Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return map[string]any{
		"token":     token,
		"userId":    user.ID,
		"userName":  user.Username,
		"role":      user.Role,
		"site":      user.Site,
		"expiresAt": expires.Unix(),
	}, nil
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		UserID:   claims.Sub,
		UserName: claims.Name,
		Role:     claims.Role,
		Site:     claims.Site,
	}, nil
}

// ── contexts and items ──

func (s *Service) CreateContext(ctx context.Context, ntiid, contextType, site string) (map[string]any, error) {
	cc := store.CompletionContext{
		ID:          util.NewID("ctx"),
		ContextType: contextType,
		Site:        site,
	}
	// Contexts created without a natural identifier get one derived from
	// a surrogate allocated before insert, so two anonymous creates can
	// never alias onto the same key.
	trimmed := strings.TrimSpace(ntiid)
	if trimmed == "" {
		oid, err := s.store.NextContextOID(ctx)
		if err != nil {
			return nil, fmt.Errorf("allocate context identity: %w", err)
		}
		cc.OID = oid
	}
	cc.NTIID = completion.Key(trimmed, cc.OID)
	created, err := s.store.CreateContext(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create context: %w", err)
	}
	return contextPayload(created), nil
}

func (s *Service) GetContextInfo(ctx context.Context, contextNTIID string) (map[string]any, error) {
	cc, err := s.loadContext(ctx, contextNTIID)
	if err != nil {
		return nil, err
	}
	row, _ := s.store.GetContext(ctx, cc.NTIID)
	return contextPayload(row), nil
}

func (s *Service) UpsertItem(ctx context.Context, contextNTIID, itemNTIID, mimeType string) (map[string]any, error) {
	if strings.TrimSpace(itemNTIID) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, codeItemWithoutNTIID,
			"Completable item has no identifier", nil)
	}
	if _, err := s.loadContext(ctx, contextNTIID); err != nil {
		return nil, err
	}
	item := store.CompletableItem{
		NTIID:        itemNTIID,
		MimeType:     mimeType,
		ContextNTIID: contextNTIID,
	}
	if err := s.store.UpsertItem(ctx, item); err != nil {
		return nil, fmt.Errorf("upsert item: %w", err)
	}
	return map[string]any{
		"NTIID":    item.NTIID,
		"MimeType": item.MimeType,
	}, nil
}

// DeleteItem removes a completable item. Interactive deletions leave
// the scrubbing of containers, key sets, and catalog records to the
// cleanup handlers, which also drop the row. Sync-driven deletions only
// drop the row; bulk content synchronization carries its own cleanup.
func (s *Service) DeleteItem(ctx context.Context, contextNTIID, itemNTIID string, interactive bool) error {
	cc, err := s.loadContext(ctx, contextNTIID)
	if err != nil {
		return err
	}
	item, err := s.requireItem(ctx, contextNTIID, itemNTIID)
	if err != nil {
		return err
	}
	if !interactive {
		if err := s.store.DeleteItem(ctx, item.NTIID); err != nil {
			return fmt.Errorf("delete item: %w", err)
		}
	}
	s.bus.Publish(ctx, events.ItemDeleted{
		NTIID:       item.NTIID,
		Site:        cc.Site,
		Interactive: interactive,
	})
	return nil
}

func (s *Service) loadContext(ctx context.Context, contextNTIID string) (completion.Context, error) {
	if strings.TrimSpace(contextNTIID) == "" {
		return completion.Context{}, domainError(http.StatusUnprocessableEntity,
			codeNoNTIIDGiven, "No context identifier given", nil)
	}
	row, err := s.store.GetContext(ctx, contextNTIID)
	if err != nil {
		if store.IsNotFound(err) {
			return completion.Context{}, domainError(http.StatusNotFound, "NOT_FOUND",
				"Completion context not found", nil)
		}
		return completion.Context{}, fmt.Errorf("load context: %w", err)
	}
	return completion.Context{
		ID:                row.ID,
		NTIID:             row.NTIID,
		Type:              row.ContextType,
		Site:              row.Site,
		MarkedForDeletion: row.MarkedForDeletion,
	}, nil
}

// ContextPolicy implements the progress policy resolver: a context with
// no stored policy resolves to nil, which is not an error.
func (s *Service) ContextPolicy(ctx context.Context, cc completion.Context) (*completion.ContextPolicy, error) {
	row, err := s.store.GetContextPolicy(ctx, cc.NTIID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load context policy: %w", err)
	}
	return &completion.ContextPolicy{Percentage: row.Percentage}, nil
}

// ── progress ──

func (s *Service) factoryFor(user string, cc completion.Context,
	providers []completion.RequiredItemProvider) *progress.Factory {
	return progress.NewFactory(s.registry, s, user, cc, providers)
}

// UserProgress computes the caller-visible progress summary for one
// user in a context.
func (s *Service) UserProgress(ctx context.Context, contextNTIID, username string) (map[string]any, error) {
	cc, err := s.loadContext(ctx, contextNTIID)
	if err != nil {
		return nil, err
	}
	p, err := s.factoryFor(username, cc, nil).Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("build progress: %w", err)
	}
	return progressPayload(username, p), nil
}

// ProgressDetails returns per-item progress for a user across the
// context's completable universe. Items whose mime type has a registered
// progress function use it; everything else reports binary completion.
func (s *Service) ProgressDetails(ctx context.Context, contextNTIID, username string) (map[string]any, error) {
	cc, err := s.loadContext(ctx, contextNTIID)
	if err != nil {
		return nil, err
	}
	factory := s.factoryFor(username, cc, nil)
	completable, err := factory.CompletableItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate completable items: %w", err)
	}
	completed, err := factory.UserCompletedItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate completed items: %w", err)
	}

	items := make(map[string]any, len(completable))
	for _, ntiid := range completion.SortedKeys(completable) {
		item := completable[ntiid]
		if fn := s.registry.ItemProgressFor(item.MimeType); fn != nil {
			p, err := fn(ctx, username, item, cc)
			if err != nil {
				return nil, fmt.Errorf("item progress %s: %w", ntiid, err)
			}
			items[ntiid] = p
			continue
		}
		p := completion.Progress{NTIID: ntiid, MaxPossibleProgress: 1}
		if record, ok := completed[ntiid]; ok {
			record := record
			p.AbsoluteProgress = 1
			p.HasProgress = true
			p.LastModified = &record.CompletedDate
			p.CompletedItem = &record
		}
		items[ntiid] = p
	}

	summary, err := factory.Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("build progress: %w", err)
	}
	return map[string]any{
		"Username": username,
		"Progress": summary,
		"Items":    items,
	}, nil
}

// ListProgress is the roster view: progress for every principal with
// records in the context. The required-provider list is resolved once
// and shared across principals.
func (s *Service) ListProgress(ctx context.Context, contextNTIID string) (map[string]any, error) {
	cc, err := s.loadContext(ctx, contextNTIID)
	if err != nil {
		return nil, err
	}
	principals, err := s.store.ListContextPrincipals(ctx, contextNTIID)
	if err != nil {
		return nil, fmt.Errorf("list principals: %w", err)
	}

	providers := s.registry.RequiredProvidersFor(cc)
	rows := make([]map[string]any, 0, len(principals))
	for _, principal := range principals {
		p, err := s.factoryFor(principal, cc, providers).Build(ctx)
		if err != nil {
			return nil, fmt.Errorf("build progress for %s: %w", principal, err)
		}
		rows = append(rows, progressPayload(principal, p))
	}
	return map[string]any{
		"Items": rows,
		"Total": len(rows),
	}, nil
}

// ProgressStats aggregates a context's completions into per-day buckets.
func (s *Service) ProgressStats(ctx context.Context, contextNTIID string) (map[string]any, error) {
	if _, err := s.loadContext(ctx, contextNTIID); err != nil {
		return nil, err
	}
	buckets, err := s.store.CompletedCountsByDay(ctx, contextNTIID)
	if err != nil {
		return nil, fmt.Errorf("load stats: %w", err)
	}
	rows := make([]map[string]any, 0, len(buckets))
	total := 0
	for _, b := range buckets {
		rows = append(rows, map[string]any{
			"Day":   b.Day.Format(time.DateOnly),
			"Count": b.Count,
		})
		total += b.Count
	}
	return map[string]any{
		"Buckets": rows,
		"Total":   total,
	}, nil
}

// ── completed items ──

// RecordCompletion persists an organic completion and updates derived
// state: the record is indexed and progress subscribers are notified.
func (s *Service) RecordCompletion(ctx context.Context, contextNTIID, itemNTIID, principal string, completedDate time.Time, success bool) (map[string]any, error) {
	cc, err := s.loadContext(ctx, contextNTIID)
	if err != nil {
		return nil, err
	}
	item, err := s.requireItem(ctx, contextNTIID, itemNTIID)
	if err != nil {
		return nil, err
	}
	if completedDate.IsZero() {
		completedDate = time.Now().UTC()
	}

	row := store.CompletedItemRow{
		Principal:     principal,
		ItemNTIID:     item.NTIID,
		ContextNTIID:  contextNTIID,
		CompletedDate: completedDate,
		Success:       success,
		Site:          cc.Site,
		ItemMimeType:  item.MimeType,
	}
	docID, err := s.store.AddCompletedItem(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("add completed item: %w", err)
	}
	row.DocID = docID
	s.catalog.Index(catalog.FromCompletedRow(row))
	s.bus.Publish(ctx, events.ItemCompleted{
		Principal:    principal,
		ItemNTIID:    item.NTIID,
		ContextNTIID: contextNTIID,
	})
	return map[string]any{"Item": fromCompletedRow(row)}, nil
}

// CompletedItems lists a user's completion records in a context, with
// the container's last-modified date for conditional requests.
func (s *Service) CompletedItems(ctx context.Context, contextNTIID, username string, successOnly bool) (map[string]any, *time.Time, error) {
	if _, err := s.loadContext(ctx, contextNTIID); err != nil {
		return nil, nil, err
	}
	rows, err := s.store.ListCompletedItems(ctx, username, contextNTIID)
	if err != nil {
		return nil, nil, fmt.Errorf("list completed items: %w", err)
	}
	items := make([]completion.CompletedItem, 0, len(rows))
	for _, row := range rows {
		if successOnly && !row.Success {
			continue
		}
		items = append(items, fromCompletedRow(row))
	}
	lastModified, err := s.store.CompletedLastModified(ctx, username, contextNTIID)
	if err != nil {
		return nil, nil, fmt.Errorf("container last modified: %w", err)
	}
	return map[string]any{
		"Items": items,
		"Total": len(items),
	}, lastModified, nil
}

// RemoveCompletion deletes a user's organic record for one item and
// unindexes it.
func (s *Service) RemoveCompletion(ctx context.Context, contextNTIID, itemNTIID, principal string) error {
	if _, err := s.loadContext(ctx, contextNTIID); err != nil {
		return err
	}
	row, err := s.store.GetCompletedItem(ctx, principal, itemNTIID, contextNTIID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("load completed item: %w", err)
	}
	s.catalog.Delete([]string{catalog.FromCompletedRow(row).ID})
	if err := s.store.RemoveCompletedItem(ctx, principal, itemNTIID, contextNTIID); err != nil {
		return fmt.Errorf("remove completion: %w", err)
	}
	return nil
}

// ── awards ──

// AwardCompletion grants a completion administratively. Awarding an item
// that already holds an award is destructive, so without force the call
// fails with a challenge carrying the overwrite link; with force the
// existing award is removed and the new one written.
func (s *Service) AwardCompletion(ctx context.Context, contextNTIID, itemNTIID, principal, awarder, reason string, force bool) (map[string]any, error) {
	cc, err := s.loadContext(ctx, contextNTIID)
	if err != nil {
		return nil, err
	}
	item, err := s.requireItem(ctx, contextNTIID, itemNTIID)
	if err != nil {
		return nil, err
	}
	exists, err := s.store.UserExists(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("check principal: %w", err)
	}
	if !exists {
		return nil, domainError(http.StatusUnprocessableEntity, codeValidation,
			"Principal does not exist", map[string]any{"principal": principal})
	}

	existing, err := s.store.GetAwardedItem(ctx, principal, item.NTIID, contextNTIID)
	if err != nil && !store.IsNotFound(err) {
		return nil, fmt.Errorf("check existing award: %w", err)
	}
	if err == nil {
		if !force {
			href := fmt.Sprintf("/api/contexts/%s/completion/awarded/%s/%s?force=true",
				contextNTIID, principal, item.NTIID)
			return nil, domainError(http.StatusConflict, codeDestructiveChallenge,
				"This item already holds an award; overwriting is destructive",
				map[string]any{
					"Links": []map[string]any{{"rel": "overwrite", "href": href}},
				})
		}
		s.catalog.Delete([]string{catalog.FromAwardedRow(existing).ID})
		if err := s.store.RemoveAwardedItem(ctx, principal, item.NTIID, contextNTIID); err != nil {
			return nil, fmt.Errorf("remove prior award: %w", err)
		}
	}

	row := store.AwardedItemRow{
		CompletedItemRow: store.CompletedItemRow{
			Principal:     principal,
			ItemNTIID:     item.NTIID,
			ContextNTIID:  contextNTIID,
			CompletedDate: time.Now().UTC(),
			Success:       true,
			Site:          cc.Site,
			ItemMimeType:  item.MimeType,
		},
		Awarder: awarder,
		Reason:  reason,
	}
	docID, err := s.store.AddAwardedItem(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("add award: %w", err)
	}
	row.DocID = docID
	s.catalog.Index(catalog.FromAwardedRow(row))
	s.bus.Publish(ctx, events.ItemCompleted{
		Principal:    principal,
		ItemNTIID:    item.NTIID,
		ContextNTIID: contextNTIID,
	})
	return map[string]any{"Item": fromAwardedRow(row)}, nil
}

func (s *Service) AwardedItems(ctx context.Context, contextNTIID, username string) (map[string]any, error) {
	if _, err := s.loadContext(ctx, contextNTIID); err != nil {
		return nil, err
	}
	rows, err := s.store.ListAwardedItems(ctx, username, contextNTIID)
	if err != nil {
		return nil, fmt.Errorf("list awards: %w", err)
	}
	items := make([]completion.AwardedCompletedItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, fromAwardedRow(row))
	}
	return map[string]any{
		"Items": items,
		"Total": len(items),
	}, nil
}

// RevokeAward deletes an award and unindexes it. Idempotent.
func (s *Service) RevokeAward(ctx context.Context, contextNTIID, itemNTIID, principal string) error {
	if _, err := s.loadContext(ctx, contextNTIID); err != nil {
		return err
	}
	row, err := s.store.GetAwardedItem(ctx, principal, itemNTIID, contextNTIID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("load award: %w", err)
	}
	s.catalog.Delete([]string{catalog.FromAwardedRow(row).ID})
	if err := s.store.RemoveAwardedItem(ctx, principal, itemNTIID, contextNTIID); err != nil {
		return fmt.Errorf("remove award: %w", err)
	}
	return nil
}

// ── required / optional designation ──

func (s *Service) SetItemRequired(ctx context.Context, contextNTIID, itemNTIID string, required bool) (map[string]any, error) {
	if _, err := s.loadContext(ctx, contextNTIID); err != nil {
		return nil, err
	}
	item, err := s.requireItem(ctx, contextNTIID, itemNTIID)
	if err != nil {
		return nil, err
	}
	if required {
		err = s.store.AddRequiredItem(ctx, contextNTIID, item.NTIID)
	} else {
		err = s.store.AddOptionalItem(ctx, contextNTIID, item.NTIID)
	}
	if err != nil {
		return nil, fmt.Errorf("set item designation: %w", err)
	}
	return s.itemDesignation(ctx, contextNTIID, item.NTIID)
}

// ClearItemDesignation returns an item to the default state, where the
// context's default-required mime types decide.
func (s *Service) ClearItemDesignation(ctx context.Context, contextNTIID, itemNTIID string) (map[string]any, error) {
	if _, err := s.loadContext(ctx, contextNTIID); err != nil {
		return nil, err
	}
	if err := s.store.RemoveRequiredItem(ctx, contextNTIID, itemNTIID); err != nil {
		return nil, fmt.Errorf("clear required key: %w", err)
	}
	if err := s.store.RemoveOptionalItem(ctx, contextNTIID, itemNTIID); err != nil {
		return nil, fmt.Errorf("clear optional key: %w", err)
	}
	return s.itemDesignation(ctx, contextNTIID, itemNTIID)
}

func (s *Service) itemDesignation(ctx context.Context, contextNTIID, itemNTIID string) (map[string]any, error) {
	required, err := s.store.IsRequired(ctx, contextNTIID, itemNTIID)
	if err != nil {
		return nil, fmt.Errorf("check required: %w", err)
	}
	optional, err := s.store.IsOptional(ctx, contextNTIID, itemNTIID)
	if err != nil {
		return nil, fmt.Errorf("check optional: %w", err)
	}
	state := "default"
	if required {
		state = "required"
	} else if optional {
		state = "optional"
	}
	return map[string]any{
		"NTIID": itemNTIID,
		"State": state,
	}, nil
}

func (s *Service) RequiredItems(ctx context.Context, contextNTIID string) (map[string]any, error) {
	if _, err := s.loadContext(ctx, contextNTIID); err != nil {
		return nil, err
	}
	required, err := s.store.RequiredKeys(ctx, contextNTIID)
	if err != nil {
		return nil, fmt.Errorf("list required keys: %w", err)
	}
	optional, err := s.store.OptionalKeys(ctx, contextNTIID)
	if err != nil {
		return nil, fmt.Errorf("list optional keys: %w", err)
	}
	return map[string]any{
		"Required": required,
		"Optional": optional,
	}, nil
}

func (s *Service) requireItem(ctx context.Context, contextNTIID, itemNTIID string) (store.CompletableItem, error) {
	if strings.TrimSpace(itemNTIID) == "" {
		return store.CompletableItem{}, domainError(http.StatusUnprocessableEntity,
			codeNoNTIIDGiven, "No item identifier given", nil)
	}
	item, err := s.store.GetItem(ctx, itemNTIID)
	if err != nil {
		if store.IsNotFound(err) {
			return store.CompletableItem{}, domainError(http.StatusNotFound,
				codeItemNotFound, "Completable item not found",
				map[string]any{"ntiid": itemNTIID})
		}
		return store.CompletableItem{}, fmt.Errorf("load item: %w", err)
	}
	if item.ContextNTIID != contextNTIID {
		return store.CompletableItem{}, domainError(http.StatusUnprocessableEntity,
			codeInvalidCompletableItem, "Item does not belong to this context",
			map[string]any{"ntiid": itemNTIID})
	}
	return item, nil
}

// ── policies ──

func (s *Service) SetContextPolicyPercentage(ctx context.Context, contextNTIID string, percentage float64) (map[string]any, error) {
	if _, err := s.loadContext(ctx, contextNTIID); err != nil {
		return nil, err
	}
	policy := completion.ContextPolicy{Percentage: percentage}
	if err := policy.Validate(); err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, codeValidation,
			err.Error(), nil)
	}
	if err := s.store.SetContextPolicy(ctx, contextNTIID, percentage); err != nil {
		return nil, fmt.Errorf("set context policy: %w", err)
	}
	return map[string]any{"Percentage": percentage}, nil
}

func (s *Service) GetContextPolicyInfo(ctx context.Context, contextNTIID string) (map[string]any, error) {
	if _, err := s.loadContext(ctx, contextNTIID); err != nil {
		return nil, err
	}
	row, err := s.store.GetContextPolicy(ctx, contextNTIID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND",
				"No completion policy for context", nil)
		}
		return nil, fmt.Errorf("load context policy: %w", err)
	}
	return map[string]any{"Percentage": row.Percentage}, nil
}

func (s *Service) DeleteContextPolicy(ctx context.Context, contextNTIID string) error {
	if _, err := s.loadContext(ctx, contextNTIID); err != nil {
		return err
	}
	if err := s.store.DeleteContextPolicy(ctx, contextNTIID); err != nil {
		return fmt.Errorf("delete context policy: %w", err)
	}
	return nil
}

func (s *Service) SetItemPolicyThresholds(ctx context.Context, contextNTIID, itemNTIID string, count *int, percentage *float64) (map[string]any, error) {
	if _, err := s.loadContext(ctx, contextNTIID); err != nil {
		return nil, err
	}
	item, err := s.requireItem(ctx, contextNTIID, itemNTIID)
	if err != nil {
		return nil, err
	}
	policy := completion.AggregatePolicy{Count: count, Percentage: percentage}
	if err := policy.Validate(); err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, codeValidation,
			err.Error(), nil)
	}
	if err := s.store.SetItemPolicy(ctx, store.ItemPolicyRow{
		ContextNTIID: contextNTIID,
		ItemNTIID:    item.NTIID,
		Count:        count,
		Percentage:   percentage,
	}); err != nil {
		return nil, fmt.Errorf("set item policy: %w", err)
	}
	return map[string]any{"NTIID": item.NTIID, "Policy": policy}, nil
}

// ItemPolicy resolves the policy governing one item through a policy
// container: an explicit override wins, otherwise the context policy
// applies as the fallback.
func (s *Service) ItemPolicy(ctx context.Context, contextNTIID, itemNTIID string) (map[string]any, error) {
	cc, err := s.loadContext(ctx, contextNTIID)
	if err != nil {
		return nil, err
	}
	container := completion.NewPolicyContainer()
	contextPolicy, err := s.ContextPolicy(ctx, cc)
	if err != nil {
		return nil, err
	}
	if err := container.SetContextPolicy(contextPolicy); err != nil {
		return nil, fmt.Errorf("install context policy: %w", err)
	}
	row, err := s.store.GetItemPolicy(ctx, contextNTIID, itemNTIID)
	if err == nil {
		override := completion.AggregatePolicy{Count: row.Count, Percentage: row.Percentage}
		if err := container.SetItemPolicy(itemNTIID, override); err != nil {
			return nil, fmt.Errorf("install item policy: %w", err)
		}
	} else if !store.IsNotFound(err) {
		return nil, fmt.Errorf("load item policy: %w", err)
	}
	policy, err := container.ItemPolicy(itemNTIID)
	if errors.Is(err, completion.ErrPolicyNotFound) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND",
			"No completion policy for item", nil)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"NTIID": itemNTIID, "Policy": policy}, nil
}

func (s *Service) DeleteItemPolicy(ctx context.Context, contextNTIID, itemNTIID string) error {
	if _, err := s.loadContext(ctx, contextNTIID); err != nil {
		return err
	}
	if err := s.store.DeleteItemPolicy(ctx, contextNTIID, itemNTIID); err != nil {
		return fmt.Errorf("delete item policy: %w", err)
	}
	return nil
}

func (s *Service) SetDefaultRequiredMimeTypes(ctx context.Context, contextNTIID string, mimeTypes []string) (map[string]any, error) {
	if _, err := s.loadContext(ctx, contextNTIID); err != nil {
		return nil, err
	}
	cleaned := make([]string, 0, len(mimeTypes))
	for _, mt := range mimeTypes {
		if mt = strings.TrimSpace(mt); mt != "" {
			cleaned = append(cleaned, mt)
		}
	}
	if err := s.store.SetDefaultRequiredMimeTypes(ctx, contextNTIID, cleaned); err != nil {
		return nil, fmt.Errorf("set default required mime types: %w", err)
	}
	return map[string]any{"MimeTypes": cleaned}, nil
}

func (s *Service) DefaultRequiredMimeTypes(ctx context.Context, contextNTIID string) (map[string]any, error) {
	if _, err := s.loadContext(ctx, contextNTIID); err != nil {
		return nil, err
	}
	mimeTypes, err := s.store.ListDefaultRequiredMimeTypes(ctx, contextNTIID)
	if err != nil {
		return nil, fmt.Errorf("list default required mime types: %w", err)
	}
	return map[string]any{"MimeTypes": mimeTypes}, nil
}

// ── admin ──

// BuildCompletion evaluates principals' progress in a context and
// writes a context-level completion record for each one the policy
// deems complete. A username restricts the build to that one user;
// otherwise the whole cohort is walked. With reset, existing context
// completions are dropped first so the rebuild reflects only current
// state. The provider list is resolved once and reused across
// principals.
func (s *Service) BuildCompletion(ctx context.Context, contextNTIID, username string, reset bool) (map[string]any, error) {
	cc, err := s.loadContext(ctx, contextNTIID)
	if err != nil {
		return nil, err
	}
	if reset {
		if err := s.resetContextCompletions(ctx, cc); err != nil {
			return nil, err
		}
	}

	var principals []string
	if username != "" {
		exists, err := s.store.UserExists(ctx, username)
		if err != nil {
			return nil, fmt.Errorf("check user: %w", err)
		}
		if !exists {
			return nil, domainError(http.StatusUnprocessableEntity, codeValidation,
				"User not found", map[string]any{"username": username})
		}
		principals = []string{username}
	} else {
		principals, err = s.store.ListContextPrincipals(ctx, contextNTIID)
		if err != nil {
			return nil, fmt.Errorf("list principals: %w", err)
		}
	}

	providers := s.registry.RequiredProvidersFor(cc)
	completed := 0
	for _, principal := range principals {
		p, err := s.factoryFor(principal, cc, providers).Build(ctx)
		if err != nil {
			return nil, fmt.Errorf("build progress for %s: %w", principal, err)
		}
		if p.CompletedItem == nil {
			continue
		}
		row := store.CompletedItemRow{
			Principal:     principal,
			ItemNTIID:     cc.NTIID,
			ContextNTIID:  cc.NTIID,
			CompletedDate: p.CompletedItem.CompletedDate,
			Success:       p.CompletedItem.Success,
			Site:          cc.Site,
		}
		docID, err := s.store.AddCompletedItem(ctx, row)
		if err != nil {
			return nil, fmt.Errorf("write context completion for %s: %w", principal, err)
		}
		row.DocID = docID
		s.catalog.Index(catalog.FromCompletedRow(row))
		completed++
	}
	return map[string]any{
		"Principals": len(principals),
		"Completed":  completed,
	}, nil
}

// ResetCompletion drops every context-level completion record, leaving
// item records untouched.
func (s *Service) ResetCompletion(ctx context.Context, contextNTIID string) error {
	cc, err := s.loadContext(ctx, contextNTIID)
	if err != nil {
		return err
	}
	return s.resetContextCompletions(ctx, cc)
}

func (s *Service) resetContextCompletions(ctx context.Context, cc completion.Context) error {
	principals, err := s.store.ListContextPrincipals(ctx, cc.NTIID)
	if err != nil {
		return fmt.Errorf("list principals: %w", err)
	}
	var ids []string
	for _, principal := range principals {
		row, err := s.store.GetCompletedItem(ctx, principal, cc.NTIID, cc.NTIID)
		if err != nil {
			if store.IsNotFound(err) {
				continue
			}
			return fmt.Errorf("load context completion: %w", err)
		}
		ids = append(ids, catalog.FromCompletedRow(row).ID)
	}
	s.catalog.Delete(ids)
	if err := s.store.RemoveItem(ctx, cc.NTIID, cc.NTIID); err != nil {
		return fmt.Errorf("reset context completions: %w", err)
	}
	return nil
}

// RebuildCatalog re-indexes every completion record per site. An empty
// site list means every configured site, falling back to the sites seen
// in the store.
func (s *Service) RebuildCatalog(ctx context.Context, sites []string) (map[string]any, error) {
	if len(sites) == 0 {
		sites = s.sites
	}
	if len(sites) == 0 {
		stored, err := s.store.ListSites(ctx)
		if err != nil {
			return nil, fmt.Errorf("list sites: %w", err)
		}
		sites = stored
	}
	counts, err := s.catalog.Rebuild(ctx, s.seen, sites)
	if err != nil {
		return nil, fmt.Errorf("rebuild catalog: %w", err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return map[string]any{
		"Items":     counts,
		"ItemCount": len(counts),
		"Total":     total,
	}, nil
}

// PurgeGhostRecords drops completion records held by principals that no
// longer exist.
func (s *Service) PurgeGhostRecords(ctx context.Context) (map[string]any, error) {
	ghosts, err := s.store.ListGhostPrincipals(ctx)
	if err != nil {
		return nil, fmt.Errorf("list ghost principals: %w", err)
	}
	for _, principal := range ghosts {
		completed, err := s.store.ListPrincipalCompletedItems(ctx, principal)
		if err != nil {
			return nil, fmt.Errorf("locate ghost records: %w", err)
		}
		awarded, err := s.store.ListPrincipalAwardedItems(ctx, principal)
		if err != nil {
			return nil, fmt.Errorf("locate ghost awards: %w", err)
		}
		ids := make([]string, 0, len(completed)+len(awarded))
		for _, row := range completed {
			ids = append(ids, catalog.FromCompletedRow(row).ID)
		}
		for _, row := range awarded {
			ids = append(ids, catalog.FromAwardedRow(row).ID)
		}
		s.catalog.Delete(ids)
		if err := s.store.ClearPrincipalEverywhere(ctx, principal); err != nil {
			return nil, fmt.Errorf("purge ghost %s: %w", principal, err)
		}
	}
	return map[string]any{
		"Principals": ghosts,
		"Total":      len(ghosts),
	}, nil
}

// UserCompletionData is the debug view: everything the subsystem knows
// about one user in one context.
func (s *Service) UserCompletionData(ctx context.Context, contextNTIID, username string) (map[string]any, error) {
	cc, err := s.loadContext(ctx, contextNTIID)
	if err != nil {
		return nil, err
	}
	p, err := s.factoryFor(username, cc, nil).Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("build progress: %w", err)
	}
	completedRows, err := s.store.ListCompletedItems(ctx, username, contextNTIID)
	if err != nil {
		return nil, fmt.Errorf("list completed items: %w", err)
	}
	awardedRows, err := s.store.ListAwardedItems(ctx, username, contextNTIID)
	if err != nil {
		return nil, fmt.Errorf("list awards: %w", err)
	}
	completed := make([]completion.CompletedItem, 0, len(completedRows))
	for _, row := range completedRows {
		completed = append(completed, fromCompletedRow(row))
	}
	awarded := make([]completion.AwardedCompletedItem, 0, len(awardedRows))
	for _, row := range awardedRows {
		awarded = append(awarded, fromAwardedRow(row))
	}
	return map[string]any{
		"Username":       username,
		"Progress":       p,
		"CompletedItems": completed,
		"AwardedItems":   awarded,
	}, nil
}

// CreateUserAccount provisions a user. Usernames are unique; creating an
// existing one is a no-op at the store level.
func (s *Service) CreateUserAccount(ctx context.Context, username, displayName, password, role, site string) (map[string]any, error) {
	if strings.TrimSpace(username) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, codeValidation,
			"username is required", nil)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user := store.User{
		ID:           util.NewID("usr"),
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: hash,
		Role:         string(rbac.Normalize(role)),
		Site:         site,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return map[string]any{
		"userId":   user.ID,
		"userName": user.Username,
		"role":     user.Role,
		"site":     user.Site,
	}, nil
}

// DeleteUser removes a user and, through the event bus, every completion
// record they hold.
func (s *Service) DeleteUser(ctx context.Context, username string) error {
	s.bus.Publish(ctx, events.UserDeleted{Username: username})
	if err := s.store.DeleteUser(ctx, username); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

// DeleteContext marks a context for deletion, then lets the cleanup
// subscribers purge its containers. The mark goes first so concurrent
// item-deletion handlers skip per-item work the purge covers anyway.
func (s *Service) DeleteContext(ctx context.Context, contextNTIID string) error {
	cc, err := s.loadContext(ctx, contextNTIID)
	if err != nil {
		return err
	}
	if err := s.store.MarkContextForDeletion(ctx, cc.NTIID); err != nil {
		return fmt.Errorf("mark context for deletion: %w", err)
	}
	s.bus.Publish(ctx, events.ContextDeleted{NTIID: cc.NTIID, Site: cc.Site})
	return nil
}

// SiteContexts lists a site's completion contexts.
func (s *Service) SiteContexts(ctx context.Context, site string) (map[string]any, error) {
	rows, err := s.store.ListContextsBySite(ctx, site)
	if err != nil {
		return nil, fmt.Errorf("list site contexts: %w", err)
	}
	items := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		items = append(items, contextPayload(row))
	}
	return map[string]any{
		"Items": items,
		"Total": len(items),
	}, nil
}

// SearchRecords queries the completion record catalog.
func (s *Service) SearchRecords(_ context.Context, q catalog.Query) (map[string]any, error) {
	records, total, err := s.catalog.Search(q)
	if err != nil {
		return nil, fmt.Errorf("search records: %w", err)
	}
	return map[string]any{
		"Items": records,
		"Total": total,
	}, nil
}

// ── payload helpers ──

func contextPayload(cc store.CompletionContext) map[string]any {
	return map[string]any{
		"NTIID":             cc.NTIID,
		"ContextType":       cc.ContextType,
		"Site":              cc.Site,
		"MarkedForDeletion": cc.MarkedForDeletion,
	}
}

func progressPayload(username string, p completion.Progress) map[string]any {
	return map[string]any{
		"Username":           username,
		"Progress":           p,
		"PercentageComplete": p.PercentageComplete(),
		"Completed":          p.Completed(),
	}
}

func fromAwardedRow(row store.AwardedItemRow) completion.AwardedCompletedItem {
	return completion.AwardedCompletedItem{
		CompletedItem: fromCompletedRow(row.CompletedItemRow),
		Awarder:       row.Awarder,
		Reason:        row.Reason,
	}
}
