// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package entity_test

import (
	"time"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/atrofymovych/jaktoswim-backend-sub000/core/entity"
	"github.com/atrofymovych/jaktoswim-backend-sub000/internal/testing"
)

type QuerySuite struct {
	testing.BaseSuite
}

var _ = gc.Suite(&QuerySuite{})

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func item(id string, createdOffset time.Duration, data map[string]any) entity.Item {
	return entity.Item{
		Entity: entity.Entity{
			ID:        id,
			Type:      "T",
			CreatedAt: epoch.Add(createdOffset),
			UpdatedAt: epoch.Add(createdOffset),
		},
		Data: data,
	}
}

func ids(items []entity.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Entity.ID
	}
	return out
}

// TestLooseEqualityFilter mirrors the documented behaviour that a
// stored 2 matches a filter "2" and vice versa.
func (s *QuerySuite) TestLooseEqualityFilter(c *gc.C) {
	items := []entity.Item{
		item("a", 0, map[string]any{"k": float64(1)}),
		item("b", time.Second, map[string]any{"k": "2"}),
		item("c", 2*time.Second, map[string]any{"k": float64(3)}),
	}
	got := entity.ApplyQuery(items, entity.Query{
		DataFilter: map[string]any{"k": int64(2)},
		SortBy:     &entity.Sort{Field: "createdAt", Direction: 1},
		Limit:      10,
	})
	c.Assert(ids(got), jc.DeepEquals, []string{"b"})
}

func (s *QuerySuite) TestFilterDropsUnparsableData(c *gc.C) {
	items := []entity.Item{
		item("a", 0, nil),
		item("b", time.Second, map[string]any{"k": float64(2)}),
	}
	got := entity.ApplyQuery(items, entity.Query{DataFilter: map[string]any{"k": 2}})
	c.Assert(ids(got), jc.DeepEquals, []string{"b"})
}

func (s *QuerySuite) TestEmptyFilterKeepsUnparsableData(c *gc.C) {
	items := []entity.Item{
		item("a", time.Second, nil),
		item("b", 0, map[string]any{"k": float64(2)}),
	}
	got := entity.ApplyQuery(items, entity.Query{})
	// Default sort is newest createdAt first.
	c.Assert(ids(got), jc.DeepEquals, []string{"a", "b"})
}

func (s *QuerySuite) TestFilterRequiresEveryKey(c *gc.C) {
	items := []entity.Item{
		item("a", 0, map[string]any{"k": float64(2), "v": "x"}),
		item("b", time.Second, map[string]any{"k": float64(2)}),
	}
	got := entity.ApplyQuery(items, entity.Query{
		DataFilter: map[string]any{"k": 2, "v": "x"},
	})
	c.Assert(ids(got), jc.DeepEquals, []string{"a"})
}

func (s *QuerySuite) TestStringFilterIsExactForStrings(c *gc.C) {
	items := []entity.Item{
		item("a", 0, map[string]any{"k": "x"}),
		item("b", time.Second, map[string]any{"k": "X"}),
	}
	got := entity.ApplyQuery(items, entity.Query{DataFilter: map[string]any{"k": "x"}})
	c.Assert(ids(got), jc.DeepEquals, []string{"a"})
}

func (s *QuerySuite) TestDefaultSortNewestFirst(c *gc.C) {
	items := []entity.Item{
		item("old", 0, nil),
		item("new", time.Hour, nil),
		item("mid", time.Minute, nil),
	}
	got := entity.ApplyQuery(items, entity.Query{})
	c.Assert(ids(got), jc.DeepEquals, []string{"new", "mid", "old"})
}

func (s *QuerySuite) TestSortStableOnTies(c *gc.C) {
	items := []entity.Item{
		item("a", 0, map[string]any{"k": float64(1)}),
		item("b", 0, map[string]any{"k": float64(1)}),
		item("c", 0, map[string]any{"k": float64(1)}),
	}
	got := entity.ApplyQuery(items, entity.Query{
		SortBy: &entity.Sort{Field: "k", Direction: 1},
	})
	c.Assert(ids(got), jc.DeepEquals, []string{"a", "b", "c"})
}

func (s *QuerySuite) TestSortByDataKeyDescending(c *gc.C) {
	items := []entity.Item{
		item("a", 0, map[string]any{"n": float64(1)}),
		item("b", 0, map[string]any{"n": float64(3)}),
		item("c", 0, map[string]any{"n": float64(2)}),
	}
	got := entity.ApplyQuery(items, entity.Query{
		SortBy: &entity.Sort{Field: "n", Direction: -1},
	})
	c.Assert(ids(got), jc.DeepEquals, []string{"b", "c", "a"})
}

func (s *QuerySuite) TestSortMissingKeyKeepsOrder(c *gc.C) {
	items := []entity.Item{
		item("a", 0, map[string]any{"n": float64(2)}),
		item("b", 0, nil),
		item("c", 0, map[string]any{"n": float64(1)}),
	}
	got := entity.ApplyQuery(items, entity.Query{
		SortBy: &entity.Sort{Field: "n", Direction: 1},
	})
	// Comparisons against the keyless item are ties, so stability
	// keeps everything in input order here.
	c.Assert(ids(got), jc.DeepEquals, []string{"a", "b", "c"})
}

func (s *QuerySuite) TestSkipAndLimit(c *gc.C) {
	var items []entity.Item
	for i := 0; i < 5; i++ {
		items = append(items, item(string(rune('a'+i)), time.Duration(i)*time.Second, nil))
	}
	got := entity.ApplyQuery(items, entity.Query{
		SortBy: &entity.Sort{Field: "createdAt", Direction: 1},
		Skip:   1,
		Limit:  2,
	})
	c.Assert(ids(got), jc.DeepEquals, []string{"b", "c"})
}

func (s *QuerySuite) TestSkipPastEnd(c *gc.C) {
	items := []entity.Item{item("a", 0, nil)}
	got := entity.ApplyQuery(items, entity.Query{Skip: 5})
	c.Assert(got, gc.HasLen, 0)
}

func (s *QuerySuite) TestDefaultLimit(c *gc.C) {
	var items []entity.Item
	for i := 0; i < entity.DefaultLimit+20; i++ {
		items = append(items, item(string(rune(i)), time.Duration(i)*time.Second, nil))
	}
	got := entity.ApplyQuery(items, entity.Query{})
	c.Assert(got, gc.HasLen, entity.DefaultLimit)
}

// TestPure verifies identical calls yield identical output and the
// input slice order is untouched.
func (s *QuerySuite) TestPure(c *gc.C) {
	items := []entity.Item{
		item("b", time.Second, map[string]any{"k": float64(1)}),
		item("a", 0, map[string]any{"k": "1"}),
	}
	q := entity.Query{DataFilter: map[string]any{"k": 1}}

	first := entity.ApplyQuery(items, q)
	second := entity.ApplyQuery(items, q)
	c.Assert(ids(first), jc.DeepEquals, ids(second))
	c.Assert(ids(items), jc.DeepEquals, []string{"b", "a"})
}

func (s *QuerySuite) TestDeleted(c *gc.C) {
	e := entity.Entity{ID: "a"}
	c.Check(e.Deleted(), jc.IsFalse)
	at := epoch
	e.DeletedAt = &at
	c.Check(e.Deleted(), jc.IsTrue)
}
