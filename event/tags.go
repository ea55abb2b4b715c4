package event

// Tag is a single tag sequence: a one-character name followed by at
// least one value. Extra positional elements are preserved verbatim.
type Tag []string

// Name returns the tag's first element, or "" if the tag is empty.
func (t Tag) Name() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the tag's first value (index 1), or "" if absent.
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Tags is an ordered sequence of Tag, preserving insertion order as
// required for canonical hashing.
type Tags []Tag

// Find returns the first tag whose name matches, and whether one was found.
func (tags Tags) Find(name string) (Tag, bool) {
	for _, t := range tags {
		if t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

// Values returns every first-value of tags named name, in order.
func (tags Tags) Values(name string) []string {
	var out []string
	for _, t := range tags {
		if t.Name() == name && len(t) > 1 {
			out = append(out, t[1])
		}
	}
	return out
}

// Clone returns a deep copy so callers can mutate without aliasing the original.
func (tags Tags) Clone() Tags {
	out := make(Tags, len(tags))
	for i, t := range tags {
		c := make(Tag, len(t))
		copy(c, t)
		out[i] = c
	}
	return out
}
