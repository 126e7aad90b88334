package models

// FieldChange is one entry of a ChangeSet.
type FieldChange struct {
	Field string      `json:"field"`
	Value interface{} `json:"value"`
}

// ChangeSet is an insertion-ordered mapping of field to new value.
// Setting a field twice keeps its first position and the latest value.
type ChangeSet struct {
	entries []FieldChange
}

// NewChangeSet builds a ChangeSet from ordered entries.
func NewChangeSet(entries ...FieldChange) ChangeSet {
	var cs ChangeSet
	for _, e := range entries {
		cs.Set(e.Field, e.Value)
	}
	return cs
}

// Set records a change for field.
func (cs *ChangeSet) Set(field string, value interface{}) {
	for i := range cs.entries {
		if cs.entries[i].Field == field {
			cs.entries[i].Value = value
			return
		}
	}
	cs.entries = append(cs.entries, FieldChange{Field: field, Value: value})
}

// Get returns the recorded value for field.
func (cs ChangeSet) Get(field string) (interface{}, bool) {
	for _, e := range cs.entries {
		if e.Field == field {
			return e.Value, true
		}
	}
	return nil, false
}

// Len returns the number of changed fields.
func (cs ChangeSet) Len() int {
	return len(cs.entries)
}

// Fields returns the changed field names in insertion order.
func (cs ChangeSet) Fields() []string {
	out := make([]string, len(cs.entries))
	for i, e := range cs.entries {
		out[i] = e.Field
	}
	return out
}

// Entries returns a copy of the ordered entries.
func (cs ChangeSet) Entries() []FieldChange {
	if len(cs.entries) == 0 {
		return nil
	}
	out := make([]FieldChange, len(cs.entries))
	copy(out, cs.entries)
	return out
}

// ToMap returns the changes as a plain map.
func (cs ChangeSet) ToMap() map[string]interface{} {
	out := make(map[string]interface{}, len(cs.entries))
	for _, e := range cs.entries {
		out[e.Field] = e.Value
	}
	return out
}

// Remove deletes the entries for fields, keeping the order of the rest.
func (cs *ChangeSet) Remove(fields ...string) {
	if len(fields) == 0 || len(cs.entries) == 0 {
		return
	}
	drop := make(map[string]bool, len(fields))
	for _, f := range fields {
		drop[f] = true
	}
	kept := cs.entries[:0]
	for _, e := range cs.entries {
		if !drop[e.Field] {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		kept = nil
	}
	cs.entries = kept
}

// Clear removes all entries.
func (cs *ChangeSet) Clear() {
	cs.entries = nil
}

// Clone returns an independent copy.
func (cs ChangeSet) Clone() ChangeSet {
	return ChangeSet{entries: cs.Entries()}
}
