// Package util holds small generic helpers shared across the runtime's
// internal packages, carried over from internal/collections.go
// and internal/utils.go almost unchanged: a generic Set, map helpers, and
// SQL identifier sanitization.
package util

import (
	"strings"

	"github.com/jackc/pgx/v5"
)

// Set is a generic collection of unique comparable items backed by a map.
type Set[T comparable] struct {
	items map[T]struct{}
}

// NewSet returns an empty Set.
func NewSet[T comparable]() *Set[T] {
	return &Set[T]{items: make(map[T]struct{})}
}

func (s *Set[T]) Add(item T)      { s.items[item] = struct{}{} }
func (s *Set[T]) Remove(item T)   { delete(s.items, item) }
func (s *Set[T]) Size() int       { return len(s.items) }
func (s *Set[T]) Clear()          { s.items = make(map[T]struct{}) }

func (s *Set[T]) Contains(item T) bool {
	_, ok := s.items[item]
	return ok
}

func (s *Set[T]) ToSlice() []T {
	out := make([]T, 0, len(s.items))
	for item := range s.items {
		out = append(out, item)
	}
	return out
}

// MapKeys extracts the keys of m in non-deterministic order.
func MapKeys[K comparable, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// SanitizeIdentifier quotes a possibly dotted SQL identifier using pgx's
// identifier sanitizer, matching internal/utils.go
// sanitizeIdentifier, reused here for catalog/schema/table names
// instead of EAV column names.
func SanitizeIdentifier(name string) string {
	if name == "" {
		return ""
	}
	parts := strings.Split(name, ".")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.Trim(part, ` "`)
		if trimmed != "" {
			clean = append(clean, trimmed)
		}
	}
	if len(clean) == 0 {
		clean = []string{name}
	}
	return pgx.Identifier(clean).Sanitize()
}

// RenderValuesCSV builds a VALUES-list SQL fragment from string-keyed
// primary-key composites, e.g. "('a'),('b')", generalized from single
// uuid.UUID row ids to arbitrary composite PK strings.
func RenderValuesCSV(keys []string) string {
	if len(keys) == 0 {
		return ""
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, "('"+strings.ReplaceAll(k, "'", "''")+"')")
	}
	return strings.Join(parts, ",")
}
