package event

import "github.com/samber/lo"

// Filter is a record of optional constraints; every present field must
// match for an event to match the filter. Zero-value (nil/zero) fields
// are absent constraints, except Limit which uses LimitSet to
// distinguish "no limit" from "limit=0" (the latter means "no stored
// events wanted, just EOSE").
type Filter struct {
	IDs      []string
	Authors  []string
	Kinds    []Kind
	Tags     map[string][]string // tag name -> allowed first-values
	Since    *int64
	Until    *int64
	Limit    int
	LimitSet bool
}

// Filters is a disjunction: an event matches Filters iff it matches
// any one Filter in the slice.
type Filters []Filter

// Matches reports whether evt satisfies every constraint present on f.
func (f Filter) Matches(evt Event) bool {
	if len(f.IDs) > 0 && !lo.Contains(f.IDs, evt.ID) {
		return false
	}
	if len(f.Authors) > 0 && !lo.Contains(f.Authors, evt.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !lo.Contains(f.Kinds, evt.Kind) {
		return false
	}
	if f.Since != nil && evt.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && evt.CreatedAt > *f.Until {
		return false
	}
	for name, allowed := range f.Tags {
		if !tagMatches(evt.Tags, name, allowed) {
			return false
		}
	}
	return true
}

// MatchesAny reports whether evt matches any filter in fs.
func (fs Filters) MatchesAny(evt Event) bool {
	for _, f := range fs {
		if f.Matches(evt) {
			return true
		}
	}
	return false
}

// Empty reports whether f carries no constraints at all; §8 requires
// the wire codec to reject an empty filter set on REQ.
func (f Filter) Empty() bool {
	return len(f.IDs) == 0 && len(f.Authors) == 0 && len(f.Kinds) == 0 &&
		len(f.Tags) == 0 && f.Since == nil && f.Until == nil && !f.LimitSet
}

func tagMatches(tags Tags, name string, allowed []string) bool {
	for _, t := range tags {
		if t.Name() == name && len(t) > 1 && lo.Contains(allowed, t[1]) {
			return true
		}
	}
	return false
}
