package store

import "time"

type User struct {
	ID           string
	Username     string
	DisplayName  string
	PasswordHash string
	Role         string
	Site         string
	CreatedAt    time.Time
}

// CompletionContext is a content aggregate (e.g. a course) that scopes a
// set of completable items. OID is the persistent surrogate identity used
// when the context has no natural ntiid.
type CompletionContext struct {
	ID                string
	OID               int64
	NTIID             string
	ContextType       string
	Site              string
	MarkedForDeletion bool
	CreatedAt         time.Time
}

// CompletableItem is the item metadata this subsystem tracks: identifier,
// content type, and owning context. The item body lives elsewhere.
type CompletableItem struct {
	NTIID        string
	MimeType     string
	ContextNTIID string
	CreatedAt    time.Time
}

// CompletedItemRow is one persisted completion record. DocID is the
// surrogate id handed to the catalog. Site and ItemMimeType are
// denormalized at write time so catalog rebuilds never need a join.
type CompletedItemRow struct {
	DocID         int64
	Principal     string
	ItemNTIID     string
	ContextNTIID  string
	CompletedDate time.Time
	Success       bool
	Site          string
	ItemMimeType  string
}

// AwardedItemRow is an administratively granted completion. It lives in a
// separate table from organic completions so the two provenances never
// collide.
type AwardedItemRow struct {
	CompletedItemRow
	Awarder string
	Reason  string
}

// DayCount is one day-granularity stats bucket.
type DayCount struct {
	Day   time.Time
	Count int
}

// ContextPolicyRow is the context-level completion policy.
type ContextPolicyRow struct {
	ContextNTIID string
	Percentage   float64
	UpdatedAt    time.Time
}

// ItemPolicyRow is a per-item aggregate policy override.
type ItemPolicyRow struct {
	ContextNTIID string
	ItemNTIID    string
	Count        *int
	Percentage   *float64
	UpdatedAt    time.Time
}
