// Package resource implements resource records and the requirement
// expression language evaluated against them. Expressions are parsed once
// into an immutable tree at unit load time; evaluation is a pure tree walk.
package resource

import "sort"

// Record holds one group of key/value fields emitted by a resource job.
// A resource job that describes N devices produces N records under one id.
type Record map[string]string

// Get returns the value of a field and whether the field is present.
// Absent fields are an explicit miss, never an empty-string fallback.
func (r Record) Get(field string) (string, bool) {
	if r == nil {
		return "", false
	}
	value, ok := r[field]
	return value, ok
}

// Clone returns an independent copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for key, value := range r {
		out[key] = value
	}
	return out
}

// Set maps resource ids to the records their resource jobs produced. A
// missing key means the resource job has not run yet; a present key with an
// empty slice means it ran and produced nothing.
type Set map[string][]Record

// Lookup resolves records for an expression evaluation. The boolean reports
// whether the resource has been produced at all; implementations that cannot
// make that distinction should always report true.
type Lookup func(resourceID string) ([]Record, bool)

// Add appends records under the given resource id, marking it produced even
// when the slice is empty.
func (s Set) Add(resourceID string, records ...Record) {
	existing, ok := s[resourceID]
	if !ok {
		existing = []Record{}
	}
	s[resourceID] = append(existing, records...)
}

// Replace discards any prior records for the id. Used when a resource job
// re-runs and its old records go stale.
func (s Set) Replace(resourceID string, records []Record) {
	if records == nil {
		records = []Record{}
	}
	s[resourceID] = records
}

// Strict returns a Lookup that reports unproduced resources, letting the
// evaluator return VerdictUndecidable for them. Used during resolution,
// before bootstrap jobs have run.
func (s Set) Strict() Lookup {
	return func(resourceID string) ([]Record, bool) {
		records, ok := s[resourceID]
		return records, ok
	}
}

// Settled returns a Lookup that treats every resource as produced. A
// resource with no records then evaluates to false rather than undecidable.
// Used at execution time, after all resource jobs have had their chance.
func (s Set) Settled() Lookup {
	return func(resourceID string) ([]Record, bool) {
		return s[resourceID], true
	}
}

// IDs returns the produced resource ids in sorted order.
func (s Set) IDs() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
