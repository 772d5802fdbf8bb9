// Package store holds the pieces shared by every DocumentStore backend:
// query evaluation, snapshot diffing and the watch feed.
package store

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"github.com/dkeye/Mesh/internal/core"
)

var fieldRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// ValidField reports whether name can be used as a filter or order field.
func ValidField(name string) bool {
	return fieldRe.MatchString(name)
}

// ValidateQuery rejects queries that backends cannot evaluate safely.
func ValidateQuery(q core.Query) error {
	if q.Collection == "" {
		return fmt.Errorf("query: empty collection")
	}
	for _, f := range q.Where {
		if !ValidField(f.Field) {
			return fmt.Errorf("query: invalid field %q", f.Field)
		}
	}
	if q.OrderBy != "" && !ValidField(q.OrderBy) {
		return fmt.Errorf("query: invalid order field %q", q.OrderBy)
	}
	return nil
}

func fields(data []byte) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return fmt.Sprintf("%v", t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// Matches evaluates the equality filters of q against a document body.
func Matches(q core.Query, data []byte) bool {
	if len(q.Where) == 0 {
		return true
	}
	m := fields(data)
	if m == nil {
		return false
	}
	for _, f := range q.Where {
		v, ok := m[f.Field]
		if !ok || scalar(v) != f.Value {
			return false
		}
	}
	return true
}

// SortDocs orders docs by q.OrderBy, then creation time, then id.
// Numbers compare numerically, everything else as strings.
func SortDocs(q core.Query, docs []core.Document) {
	var keys map[string]any
	if q.OrderBy != "" {
		keys = make(map[string]any, len(docs))
		for _, d := range docs {
			keys[d.ID] = fields(d.Data)[q.OrderBy]
		}
	}
	sort.SliceStable(docs, func(i, j int) bool {
		a, b := docs[i], docs[j]
		if keys != nil {
			if c := compare(keys[a.ID], keys[b.ID]); c != 0 {
				return c < 0
			}
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func compare(a, b any) int {
	fa, aNum := a.(float64)
	fb, bNum := b.(float64)
	switch {
	case aNum && bNum:
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case a == nil && b != nil:
		return -1
	case a != nil && b == nil:
		return 1
	}
	sa, sb := scalar(a), scalar(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return 0
}
