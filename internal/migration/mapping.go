package migration

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
)

// Target pairs the canonical role and seniority tier a legacy role maps to.
type Target struct {
	CanonicalRole string `json:"canonical_role" validate:"required"`
	SeniorityTier string `json:"seniority_tier" validate:"required"`
}

// Mapping is a total function from legacy role tokens to canonical
// targets. The legacy domain and the canonical set are disjoint. It is
// read-only for the duration of a run.
type Mapping struct {
	CanonicalRoles []string          `json:"canonical_roles" validate:"required,min=1,dive,required"`
	Entries        map[string]Target `json:"mappings" validate:"required,min=1,dive"`
}

var mappingValidate = validator.New()

// LoadMapping reads and validates a mapping document from a file.
func LoadMapping(path string) (Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return Mapping{}, fmt.Errorf("migration: open mapping %s: %w", path, err)
	}
	defer f.Close()
	return ParseMapping(f)
}

// ParseMapping decodes and validates a mapping document.
func ParseMapping(r io.Reader) (Mapping, error) {
	var m Mapping
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return Mapping{}, fmt.Errorf("migration: decode mapping: %w", err)
	}
	if err := mappingValidate.Struct(m); err != nil {
		return Mapping{}, fmt.Errorf("migration: invalid mapping document: %w", err)
	}
	canonical := m.canonicalSet()
	for legacy, target := range m.Entries {
		if legacy == "" {
			return Mapping{}, fmt.Errorf("migration: mapping contains an empty legacy role token")
		}
		if canonical[legacy] {
			return Mapping{}, fmt.Errorf("migration: %q is declared canonical and cannot appear as a legacy role", legacy)
		}
		if !canonical[target.CanonicalRole] {
			return Mapping{}, fmt.Errorf("migration: mapping for %q targets %q which is not in the canonical role set", legacy, target.CanonicalRole)
		}
	}
	return m, nil
}

func (m Mapping) canonicalSet() map[string]bool {
	set := make(map[string]bool, len(m.CanonicalRoles))
	for _, role := range m.CanonicalRoles {
		set[role] = true
	}
	return set
}

// IsCanonical reports whether role belongs to the canonical set.
func (m Mapping) IsCanonical(role string) bool {
	return m.canonicalSet()[role]
}

// Resolve returns the target for a legacy role.
func (m Mapping) Resolve(legacy string) (Target, bool) {
	target, ok := m.Entries[legacy]
	return target, ok
}

// LegacyRoles returns the mapping domain in sorted order.
func (m Mapping) LegacyRoles() []string {
	roles := make([]string, 0, len(m.Entries))
	for legacy := range m.Entries {
		roles = append(roles, legacy)
	}
	sort.Strings(roles)
	return roles
}

// GapsAgainst compares the mapping domain with an observed role
// distribution and returns every value that is neither canonical nor
// mapped. ruleCounts may be nil when rule information is unavailable.
func (m Mapping) GapsAgainst(distribution map[string]int64, ruleCounts map[string]int) []MappingGap {
	canonical := m.canonicalSet()
	var gaps []MappingGap
	for role, rows := range distribution {
		if canonical[role] {
			continue
		}
		if _, ok := m.Entries[role]; ok {
			continue
		}
		gaps = append(gaps, MappingGap{Role: role, Rows: rows, Rules: ruleCounts[role]})
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i].Role < gaps[j].Role })
	return gaps
}
