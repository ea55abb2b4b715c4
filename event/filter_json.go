package event

import (
	"encoding/json"
	"sort"
)

// filterJSON mirrors the NIP-01 filter shape: tag-selectors appear as
// "#e", "#p", etc. alongside the fixed fields.
type filterJSON struct {
	IDs     []string `json:"ids,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Kinds   []Kind   `json:"kinds,omitempty"`
	Since   *int64   `json:"since,omitempty"`
	Until   *int64   `json:"until,omitempty"`
	Limit   *int     `json:"limit,omitempty"`
}

func (f Filter) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(f.Tags)+6)
	if len(f.IDs) > 0 {
		out["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		out["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		out["kinds"] = f.Kinds
	}
	if f.Since != nil {
		out["since"] = *f.Since
	}
	if f.Until != nil {
		out["until"] = *f.Until
	}
	if f.LimitSet {
		out["limit"] = f.Limit
	}
	names := make([]string, 0, len(f.Tags))
	for name := range f.Tags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out["#"+name] = f.Tags[name]
	}
	return json.Marshal(out)
}

func (f *Filter) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var fixed filterJSON
	if err := json.Unmarshal(data, &fixed); err != nil {
		return err
	}
	f.IDs = fixed.IDs
	f.Authors = fixed.Authors
	f.Kinds = fixed.Kinds
	f.Since = fixed.Since
	f.Until = fixed.Until
	if fixed.Limit != nil {
		f.Limit = *fixed.Limit
		f.LimitSet = true
	}
	for key, value := range raw {
		if len(key) < 2 || key[0] != '#' {
			continue
		}
		name := key[1:]
		var values []string
		if err := json.Unmarshal(value, &values); err != nil {
			return err
		}
		if f.Tags == nil {
			f.Tags = map[string][]string{}
		}
		f.Tags[name] = values
	}
	return nil
}
