package model

import (
	"encoding/json"
	"sort"
)

// DistinctSet counts distinct string values exactly up to a fixed capacity.
// Once the capacity is reached, unseen values are no longer stored and the
// set only marks itself as capped, keeping bucket memory bounded when a
// client fans out across thousands of addresses or hosts.
type DistinctSet struct {
	limit   int
	entries map[string]struct{}
	capped  bool
}

// NewDistinctSet creates a set that stores at most limit distinct values
func NewDistinctSet(limit int) *DistinctSet {
	if limit <= 0 {
		limit = 1
	}
	return &DistinctSet{
		limit:   limit,
		entries: make(map[string]struct{}),
	}
}

// Add records value and reports whether it was stored. Empty values and
// values rejected by the cap return false.
func (s *DistinctSet) Add(value string) bool {
	if value == "" {
		return false
	}
	if _, ok := s.entries[value]; ok {
		return false
	}
	if len(s.entries) >= s.limit {
		s.capped = true
		return false
	}
	s.entries[value] = struct{}{}
	return true
}

// Contains reports whether value has been stored
func (s *DistinctSet) Contains(value string) bool {
	_, ok := s.entries[value]
	return ok
}

// Len returns the number of stored distinct values
func (s *DistinctSet) Len() int {
	return len(s.entries)
}

// Capped reports whether the set rejected at least one unseen value
func (s *DistinctSet) Capped() bool {
	return s.capped
}

// Values returns the stored values in sorted order
func (s *DistinctSet) Values() []string {
	values := make([]string, 0, len(s.entries))
	for v := range s.entries {
		values = append(values, v)
	}
	sort.Strings(values)
	return values
}

// MarshalJSON serializes the set as a compact summary
func (s *DistinctSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Count  int  `json:"count"`
		Capped bool `json:"capped,omitempty"`
	}{
		Count:  len(s.entries),
		Capped: s.capped,
	})
}
