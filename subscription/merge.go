package subscription

import (
	"github.com/samber/lo"

	"github.com/relaynet/corepool/event"
)

// mergeFilter unions a and b's set-valued fields and combines their
// range/limit fields per §4.5's mergeability rule, refusing the merge
// if any resulting set would exceed ceiling, or if a set-valued field
// (ids, authors, kinds, or a tag selector) constrains only one of the
// two filters. Only single-filter
// upstream subs are considered for merging; an intent or an existing
// upstream sub carrying more than one filter always opens its own
// upstream sub instead.
func mergeFilter(a, b event.Filter, ceiling int) (event.Filter, bool) {
	if (len(a.IDs) > 0) != (len(b.IDs) > 0) || (len(a.Authors) > 0) != (len(b.Authors) > 0) ||
		(len(a.Kinds) > 0) != (len(b.Kinds) > 0) || len(a.Tags) != len(b.Tags) {
		return event.Filter{}, false
	}
	for name := range a.Tags {
		if _, ok := b.Tags[name]; !ok {
			return event.Filter{}, false
		}
	}

	ids := lo.Uniq(append(append([]string{}, a.IDs...), b.IDs...))
	authors := lo.Uniq(append(append([]string{}, a.Authors...), b.Authors...))
	kinds := lo.Uniq(append(append([]event.Kind{}, a.Kinds...), b.Kinds...))
	if len(ids) > ceiling || len(authors) > ceiling || len(kinds) > ceiling {
		return event.Filter{}, false
	}

	tags := map[string][]string{}
	for name, values := range a.Tags {
		tags[name] = append(tags[name], values...)
	}
	for name, values := range b.Tags {
		tags[name] = lo.Uniq(append(tags[name], values...))
	}
	for name := range tags {
		tags[name] = lo.Uniq(tags[name])
		if len(tags[name]) > ceiling {
			return event.Filter{}, false
		}
	}

	merged := event.Filter{
		IDs:     ids,
		Authors: authors,
		Kinds:   kinds,
		Tags:    tags,
		Since:   minSince(a.Since, b.Since),
		Until:   maxUntil(a.Until, b.Until),
	}
	if a.LimitSet && b.LimitSet {
		merged.LimitSet = true
		merged.Limit = capLimit(a.Limit, b.Limit, ceiling)
	}
	return merged, true
}

// minSince returns the more permissive (earlier, or unbounded) of the
// two since-pointers: the merged filter must admit everything either
// contributor wanted.
func minSince(a, b *int64) *int64 {
	if a == nil || b == nil {
		return nil
	}
	v := *a
	if *b < v {
		v = *b
	}
	return &v
}

// maxUntil is minSince's mirror for the upper bound.
func maxUntil(a, b *int64) *int64 {
	if a == nil || b == nil {
		return nil
	}
	v := *a
	if *b > v {
		v = *b
	}
	return &v
}

func capLimit(a, b, ceiling int) int {
	sum := a + b
	if sum > ceiling {
		return ceiling
	}
	return sum
}

// mergeFilters attempts to merge two single-filter sets; multi-filter
// sets are never merged (a simplifying reduction of §4.5's general
// pairing rule — see DESIGN.md).
func mergeFilters(existing, incoming event.Filters, ceiling int) (event.Filters, bool) {
	if len(existing) != 1 || len(incoming) != 1 {
		return nil, false
	}
	merged, ok := mergeFilter(existing[0], incoming[0], ceiling)
	if !ok {
		return nil, false
	}
	return event.Filters{merged}, true
}
