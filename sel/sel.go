// Package sel builds namespace selection filters from include/exclude lists.
package sel

import (
	"slices"
	"strings"
)

// NSFilter reports whether a namespace is selected for replay.
type NSFilter func(db, coll string) bool

// AllowAll selects every namespace.
func AllowAll(string, string) bool {
	return true
}

// MakeFilter builds a filter from include and exclude namespace lists.
// Entries are "db.coll", "db.*" or "db" (the last two select the whole
// database). Exclusion wins over inclusion. An empty include list selects
// everything not excluded.
func MakeFilter(include, exclude []string) NSFilter {
	if len(include) == 0 && len(exclude) == 0 {
		return AllowAll
	}

	included := parseList(include)
	excluded := parseList(exclude)

	return func(db, coll string) bool {
		if excluded.has(db, coll) {
			return false
		}

		if len(included) == 0 {
			return true
		}

		return included.has(db, coll)
	}
}

// nsMap keys are database names. A nil value selects the whole database;
// otherwise only the listed collections are selected.
type nsMap map[string][]string

func (m nsMap) has(db, coll string) bool {
	colls, ok := m[db]
	if !ok {
		return false
	}

	if len(colls) == 0 {
		return true
	}

	return slices.Contains(colls, coll)
}

func parseList(list []string) nsMap {
	m := make(nsMap, len(list))

	for _, ns := range list {
		db, coll, found := strings.Cut(ns, ".")

		prev, seen := m[db]
		if seen && len(prev) == 0 {
			continue // whole db already selected
		}

		if !found || coll == "*" {
			m[db] = nil

			continue
		}

		m[db] = append(m[db], coll)
	}

	return m
}
