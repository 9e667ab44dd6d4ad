// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package entity

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultLimit applies when a query does not name one.
	DefaultLimit = 100

	// DefaultSortField and DefaultSortDirection order results by
	// newest creation first when a query does not sort.
	DefaultSortField     = "createdAt"
	DefaultSortDirection = -1
)

// Sort orders results by a single field: +1 ascending, -1 descending.
// The field resolves against the entity attributes (createdAt,
// updatedAt, id, type) first, then against keys of the deserialized
// data.
type Sort struct {
	Field     string
	Direction int
}

// Query is the in-memory filter/sort/paginate applied after a store
// read. The zero value keeps everything, sorts by newest createdAt,
// and returns the first DefaultLimit items.
type Query struct {
	// DataFilter drops items whose deserialized data is not an object
	// or fails loose equality on any key.
	DataFilter map[string]any

	SortBy *Sort
	Limit  int
	Skip   int
}

// Item pairs an entity with its deserialized data. Data is nil when
// the blob does not parse to an object.
type Item struct {
	Entity Entity
	Data   map[string]any
}

// ApplyQuery filters, sorts, and paginates items. It is pure: the
// input slice is never reordered, and equal inputs yield equal
// outputs. Ties keep their input order.
func ApplyQuery(items []Item, q Query) []Item {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if matchesFilter(it, q.DataFilter) {
			out = append(out, it)
		}
	}

	field, direction := DefaultSortField, DefaultSortDirection
	if q.SortBy != nil {
		field = q.SortBy.Field
		if q.SortBy.Direction != 0 {
			direction = q.SortBy.Direction
		} else {
			direction = 1
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		c := compareItems(out[i], out[j], field)
		if direction < 0 {
			return c > 0
		}
		return c < 0
	})

	skip := q.Skip
	if skip < 0 {
		skip = 0
	}
	if skip >= len(out) {
		return []Item{}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	end := skip + limit
	if end > len(out) {
		end = len(out)
	}
	return out[skip:end]
}

func matchesFilter(it Item, filter map[string]any) bool {
	if len(filter) == 0 {
		return true
	}
	if it.Data == nil {
		return false
	}
	for key, want := range filter {
		got, ok := it.Data[key]
		if !ok || !looseEqual(got, want) {
			return false
		}
	}
	return true
}

// looseEqual compares two loosely-typed values: exact equality for
// matching kinds, with numeric strings coerced so that "2" equals 2.
func looseEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	switch at := a.(type) {
	case string:
		bs, ok := b.(string)
		return ok && at == bs
	case bool:
		bb, ok := b.(bool)
		return ok && at == bb
	case nil:
		return b == nil
	}
	return false
}

// toFloat coerces numbers and numeric strings. Deserialized data
// carries float64; filters arriving from a program may carry any
// integer width.
func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

func compareItems(a, b Item, field string) int {
	av, aok := sortValue(a, field)
	bv, bok := sortValue(b, field)
	if !aok || !bok {
		// Items without the key keep their input order.
		return 0
	}
	if at, ok := av.(time.Time); ok {
		if bt, ok := bv.(time.Time); ok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			}
			return 0
		}
	}
	if af, ok := toFloat(av); ok {
		if bf, ok := toFloat(bv); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	as, aok := av.(string)
	bs, bok := bv.(string)
	if aok && bok {
		return strings.Compare(as, bs)
	}
	return 0
}

func sortValue(it Item, field string) (any, bool) {
	switch field {
	case "createdAt":
		return it.Entity.CreatedAt, true
	case "updatedAt":
		return it.Entity.UpdatedAt, true
	case "id", "_id":
		return it.Entity.ID, true
	case "type":
		return it.Entity.Type, true
	}
	if it.Data == nil {
		return nil, false
	}
	v, ok := it.Data[field]
	return v, ok
}
