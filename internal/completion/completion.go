// Package completion holds the domain model for completion tracking:
// completed-item records, derived progress, completion policies, and the
// provider registry that enumerates completable content per context.
package completion

import (
	"fmt"
	"time"
)

// CompletedItem records that a principal finished one completable item
// inside a completion context. At most one record exists per
// (principal, item, context); the containers enforce that by keying on
// the item identifier.
type CompletedItem struct {
	Principal     string    `json:"Principal"`
	ItemNTIID     string    `json:"ItemNTIID"`
	ContextNTIID  string    `json:"ContextNTIID"`
	CompletedDate time.Time `json:"CompletedDate"`
	Success       bool      `json:"Success"`
}

// AwardedCompletedItem is a completion granted by an administrator rather
// than detected organically. Awarded records live in their own container
// so the two provenances never overwrite each other.
type AwardedCompletedItem struct {
	CompletedItem
	Awarder string `json:"Awarder"`
	Reason  string `json:"Reason,omitempty"`
}

// Progress is the derived, never-persisted summary of a user's state in a
// context (or for a single item). It is recomputed on every read.
type Progress struct {
	NTIID               string         `json:"NTIID"`
	AbsoluteProgress    int            `json:"AbsoluteProgress"`
	MaxPossibleProgress int            `json:"MaxPossibleProgress"`
	LastModified        *time.Time     `json:"LastModified"`
	HasProgress         bool           `json:"HasProgress"`
	CompletedItem       *CompletedItem `json:"CompletedItem,omitempty"`
}

// Completed reports whether a policy determined this progress complete.
func (p Progress) Completed() bool {
	return p.CompletedItem != nil
}

// PercentageComplete is AbsoluteProgress over MaxPossibleProgress, with
// the zero-denominator case defined as 0 rather than an error.
func (p Progress) PercentageComplete() float64 {
	if p.MaxPossibleProgress == 0 {
		return 0
	}
	return float64(p.AbsoluteProgress) / float64(p.MaxPossibleProgress)
}

// CompletableItem is the minimal view of an external content entity this
// subsystem needs: a stable identifier and a content type. Items are
// referenced by identifier only; they are not owned here.
type CompletableItem struct {
	NTIID    string
	MimeType string
}

// Key returns the identifier used to key containers and indexes. Items
// are not guaranteed a natural identifier at creation time; when it is
// empty a stable identifier is derived from persistent object identity.
func Key(ntiid string, oid int64) string {
	if ntiid != "" {
		return ntiid
	}
	return DerivedNTIID(oid)
}

// DerivedNTIID builds a deterministic identifier from a persistent
// surrogate id, for objects without a natural identifier.
func DerivedNTIID(oid int64) string {
	return fmt.Sprintf("oid:%016x", oid)
}
