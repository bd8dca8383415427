package plan

import (
	"strings"
	"time"
)

// SortOrder defines how results should be ordered when listing plans.
type SortOrder int

const (
	// SortByUpdatedDesc orders plans by UpdatedAt descending (most recent first).
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc orders plans by UpdatedAt ascending (oldest first).
	SortByUpdatedAsc
)

// ListOptions controls how plans are selected when querying the store.
type ListOptions struct {
	Limit     int
	Offset    int
	Owner     string
	Statuses  []Status
	DueBefore int64
	Order     SortOrder
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 200 {
		opts.Limit = 200
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.Owner = strings.TrimSpace(opts.Owner)
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of plans returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching plans before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithOwner filters plans by their owning account.
func WithOwner(owner string) ListOption {
	return func(opts *ListOptions) {
		opts.Owner = owner
	}
}

// WithStatuses filters plans by the provided statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithDueBefore selects only active plans that are eligible for execution
// at the provided instant. The scheduler uses this to find due plans.
func WithDueBefore(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.DueBefore = 0
			return
		}
		opts.DueBefore = ts.Unix()
	}
}

// WithSortOrder changes the returned order of plans.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// buildListOptions applies option functions on top of defaults.
func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func matchesListFilters(p *Plan, opts ListOptions) bool {
	if opts.Owner != "" && p.Owner != opts.Owner {
		return false
	}
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if p.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.DueBefore > 0 && Eligible(p, opts.DueBefore) != nil {
		return false
	}
	return true
}
