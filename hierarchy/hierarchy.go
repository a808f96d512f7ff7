// Package hierarchy implements the topology descriptor and the recursive
// scattered-selection algorithm used to honor hierarchical resource
// requests ("2 switches x 4 nodes x 8 cores") against an available
// ResourceBitmap.
package hierarchy

import (
	"fmt"

	"github.com/oar-team/oar-scheduler-go/bitmap"
)

// LevelCount is one element of a hierarchical request: "count elements at level".
type LevelCount struct {
	Level string
	Count uint64
}

// Request is a single hierarchical sub-request: a filter bitmap restricting
// the candidate resources, and an ordered sequence of (level, count) pairs.
type Request struct {
	Filter bitmap.ResourceBitmap
	Levels []LevelCount
}

// HierarchyRequest is a full request: satisfied iff every sub-request is
// satisfied independently. The overall result is the union of sub-request
// selections.
type HierarchyRequest struct {
	Requests []Request
}

// CacheKeyPart returns a deterministic string fragment for this request,
// used as an input to the moldable cache key (see structs.Moldable).
func (hr HierarchyRequest) CacheKeyPart() string {
	s := ""
	for i, req := range hr.Requests {
		if i > 0 {
			s += ";"
		}
		s += fmt.Sprintf("%s-", req.Filter.String())
		for j, lc := range req.Levels {
			if j > 0 {
				s += ","
			}
			s += fmt.Sprintf("%s:%d", lc.Level, lc.Count)
		}
	}
	return s
}

// Hierarchy is a topology descriptor: a mapping from level name to an
// ordered list of disjoint resource elements, plus an optional unit level
// whose elements are implicit singletons (never stored as a list).
type Hierarchy struct {
	levels    map[string][]bitmap.ResourceBitmap
	unitLevel string
}

// New builds an empty Hierarchy.
func New() *Hierarchy {
	return &Hierarchy{levels: make(map[string][]bitmap.ResourceBitmap)}
}

// AddLevel registers a level's ordered, pairwise-disjoint elements.
// It panics (a programming invariant, per spec §7) if the level already
// exists or if two elements overlap.
func (h *Hierarchy) AddLevel(name string, elements []bitmap.ResourceBitmap) *Hierarchy {
	if h.HasLevel(name) {
		panic(fmt.Sprintf("hierarchy: level %q already defined", name))
	}
	for i := range elements {
		for j := i + 1; j < len(elements); j++ {
			if !bitmap.Intersect(elements[i], elements[j]).IsEmpty() {
				panic(fmt.Sprintf("hierarchy: level %q elements %d and %d overlap", name, i, j))
			}
		}
	}
	h.levels[name] = elements
	return h
}

// AddUnitLevel declares name as the unit level: each of its elements is an
// implicit singleton resource, never materialized as a list.
func (h *Hierarchy) AddUnitLevel(name string) *Hierarchy {
	if h.HasLevel(name) {
		panic(fmt.Sprintf("hierarchy: level %q already defined", name))
	}
	if h.unitLevel != "" {
		panic("hierarchy: a unit level is already defined")
	}
	h.unitLevel = name
	return h
}

// HasLevel reports whether name is a configured level (unit or not).
func (h *Hierarchy) HasLevel(name string) bool {
	_, ok := h.levels[name]
	return ok || name == h.unitLevel
}

// Select performs the recursive scattered-selection algorithm (spec §4.2):
// given avail and an ordered list of (level, count) requests, it returns a
// bitmap honoring the topology, or false if it cannot be satisfied.
func (h *Hierarchy) Select(avail bitmap.ResourceBitmap, levels []LevelCount) (bitmap.ResourceBitmap, bool) {
	if len(levels) == 0 {
		return bitmap.ResourceBitmap{}, true
	}
	head := levels[0]
	if head.Level == h.unitLevel {
		return avail.TakePrefix(head.Count)
	}
	elements, ok := h.levels[head.Level]
	if !ok {
		return bitmap.ResourceBitmap{}, false
	}

	var picked bitmap.ResourceBitmap
	var count uint64
	for _, e := range elements {
		if count >= head.Count {
			break
		}
		if len(levels) == 1 {
			if bitmap.IsSubset(e, avail) {
				picked = bitmap.Union(picked, e)
				count++
			}
			continue
		}
		sub, ok := h.Select(bitmap.Intersect(avail, e), levels[1:])
		if ok {
			picked = bitmap.Union(picked, sub)
			count++
		}
	}
	if count < head.Count {
		return bitmap.ResourceBitmap{}, false
	}
	return picked, true
}

// Request dispatches the multi-sub-request form (spec §4.2): it folds
// Select(avail ∩ filter_i, req_i) across sub-requests, failing on the first
// unsatisfiable one.
func (h *Hierarchy) Request(avail bitmap.ResourceBitmap, req HierarchyRequest) (bitmap.ResourceBitmap, bool) {
	var acc bitmap.ResourceBitmap
	for _, sub := range req.Requests {
		picked, ok := h.Select(bitmap.Intersect(avail, sub.Filter), sub.Levels)
		if !ok {
			return bitmap.ResourceBitmap{}, false
		}
		acc = bitmap.Union(acc, picked)
	}
	return acc, true
}
