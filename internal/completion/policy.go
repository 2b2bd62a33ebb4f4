package completion

import (
	"errors"
	"fmt"
)

var (
	// ErrPolicyNotFound is returned when a policy lookup is the terminal
	// operation and nothing is registered for the key.
	ErrPolicyNotFound = errors.New("completion policy not found")
)

// AggregatePolicy determines completion from raw progress counts. Either
// threshold may be set; when both are set, satisfying either one counts
// as complete. A nil threshold is never consulted.
type AggregatePolicy struct {
	Count      *int     `json:"count,omitempty"`
	Percentage *float64 `json:"percentage,omitempty"`
}

// Validate enforces the write-time invariants: count is a non-negative
// integer or null, percentage is in [0,1] or null.
func (p AggregatePolicy) Validate() error {
	if p.Count != nil && *p.Count < 0 {
		return fmt.Errorf("count must be non-negative, got %d", *p.Count)
	}
	if p.Percentage != nil && (*p.Percentage < 0 || *p.Percentage > 1) {
		return fmt.Errorf("percentage must be in [0,1], got %v", *p.Percentage)
	}
	return nil
}

// IsComplete evaluates the predicate against progress. When complete it
// returns a CompletedItem stamped with the progress's last-modified date;
// otherwise nil.
func (p AggregatePolicy) IsComplete(progress Progress) *CompletedItem {
	complete := false
	if p.Count != nil && progress.AbsoluteProgress >= *p.Count {
		complete = true
	}
	if !complete && p.Percentage != nil {
		// PercentageComplete guards the zero-denominator case.
		complete = progress.PercentageComplete() >= *p.Percentage
	}
	if !complete {
		return nil
	}
	item := &CompletedItem{
		ItemNTIID: progress.NTIID,
		Success:   true,
	}
	if progress.LastModified != nil {
		item.CompletedDate = *progress.LastModified
	}
	return item
}

// ContextPolicy is the context-level policy variant. Unlike the item
// aggregate policy it has no unset state: a percentage in (0,1] is
// mandatory.
type ContextPolicy struct {
	Percentage float64 `json:"percentage"`
}

// Validate rejects percentages outside (0,1].
func (p ContextPolicy) Validate() error {
	if p.Percentage <= 0 || p.Percentage > 1 {
		return fmt.Errorf("percentage must be in (0,1], got %v", p.Percentage)
	}
	return nil
}

// IsComplete applies the required-percentage threshold to progress.
func (p ContextPolicy) IsComplete(progress Progress) *CompletedItem {
	pct := p.Percentage
	aggregate := AggregatePolicy{Percentage: &pct}
	return aggregate.IsComplete(progress)
}

// PolicyContainer resolves policies for a context and its items. Item
// lookups fall back to the context policy when the item has none set,
// which is how per-module overrides of a course-level default work.
type PolicyContainer struct {
	contextPolicy *ContextPolicy
	itemPolicies  map[string]AggregatePolicy
}

func NewPolicyContainer() *PolicyContainer {
	return &PolicyContainer{itemPolicies: make(map[string]AggregatePolicy)}
}

// ContextPolicy returns the context-level policy, or nil if unset.
func (c *PolicyContainer) ContextPolicy() *ContextPolicy {
	return c.contextPolicy
}

// SetContextPolicy validates and installs the context-level policy.
// A nil policy clears it.
func (c *PolicyContainer) SetContextPolicy(p *ContextPolicy) error {
	if p != nil {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	c.contextPolicy = p
	return nil
}

// SetItemPolicy validates and installs a per-item policy override.
func (c *PolicyContainer) SetItemPolicy(ntiid string, p AggregatePolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.itemPolicies[ntiid] = p
	return nil
}

// ItemPolicy returns the policy governing one item, falling back to the
// context policy expressed as an aggregate when no override exists.
func (c *PolicyContainer) ItemPolicy(ntiid string) (AggregatePolicy, error) {
	if p, ok := c.itemPolicies[ntiid]; ok {
		return p, nil
	}
	if c.contextPolicy != nil {
		pct := c.contextPolicy.Percentage
		return AggregatePolicy{Percentage: &pct}, nil
	}
	return AggregatePolicy{}, ErrPolicyNotFound
}

// RemoveItemPolicy deletes an item override; absent keys are a no-op.
func (c *PolicyContainer) RemoveItemPolicy(ntiid string) {
	delete(c.itemPolicies, ntiid)
}

// DefaultRequiredPolicy decides whether an item with no explicit
// required/optional marking defaults to required, based on content type.
// It is only consulted for items in the "default state" (in neither
// explicit set).
type DefaultRequiredPolicy struct {
	mimeTypes map[string]struct{}
}

func NewDefaultRequiredPolicy(mimeTypes ...string) *DefaultRequiredPolicy {
	p := &DefaultRequiredPolicy{mimeTypes: make(map[string]struct{}, len(mimeTypes))}
	for _, mt := range mimeTypes {
		p.mimeTypes[mt] = struct{}{}
	}
	return p
}

// Add registers a mime type as required-by-default. Idempotent.
func (p *DefaultRequiredPolicy) Add(mimeType string) {
	p.mimeTypes[mimeType] = struct{}{}
}

// IsRequiredByDefault reports whether items of the given content type
// default to required.
func (p *DefaultRequiredPolicy) IsRequiredByDefault(mimeType string) bool {
	_, ok := p.mimeTypes[mimeType]
	return ok
}

// MimeTypes returns the allow-list in no particular order.
func (p *DefaultRequiredPolicy) MimeTypes() []string {
	out := make([]string, 0, len(p.mimeTypes))
	for mt := range p.mimeTypes {
		out = append(out, mt)
	}
	return out
}
