package slotset

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/oar-team/oar-scheduler-go/bitmap"
	"github.com/oar-team/oar-scheduler-go/structs"
)

const moldableCacheSize = 4096

// SlotSet is a doubly linked list of Slots ordered by time, with O(1)
// access by id. A SlotSet is never empty (spec §4 Data Model: Slot /
// SlotSet).
type SlotSet struct {
	begin, end int64
	firstID    SlotID
	lastID     SlotID
	nextID     SlotID
	slots      map[SlotID]*Slot

	// cache maps a Moldable's cache key to the slot id at which the
	// previous identical moldable's hierarchical selection first
	// succeeded, so repeated identical moldables don't redo the whole walk
	// (spec §4.4).
	cache *lru.Cache[string, SlotID]
}

// New builds a SlotSet with a single slot covering [begin, end] with the
// given initial free resources.
func New(begin, end int64, resources bitmap.ResourceBitmap) *SlotSet {
	cache, err := lru.New[string, SlotID](moldableCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which is a
		// compile-time constant here.
		panic(err)
	}
	s := newSlot(1, begin, end, resources, -1)
	return &SlotSet{
		begin: begin, end: end,
		firstID: s.ID, lastID: s.ID, nextID: s.ID + 1,
		slots: map[SlotID]*Slot{s.ID: s},
		cache: cache,
	}
}

// Begin returns the beginning of the first slot.
func (ss *SlotSet) Begin() int64 { return ss.begin }

// End returns the end of the last slot.
func (ss *SlotSet) End() int64 { return ss.end }

// SlotCount returns the number of slots currently in the set.
func (ss *SlotSet) SlotCount() int { return len(ss.slots) }

// FirstSlot returns the first slot in time order.
func (ss *SlotSet) FirstSlot() *Slot { return ss.slots[ss.firstID] }

// LastSlot returns the last slot in time order.
func (ss *SlotSet) LastSlot() *Slot { return ss.slots[ss.lastID] }

// Get returns the slot with the given id, or nil.
func (ss *SlotSet) Get(id SlotID) *Slot { return ss.slots[id] }

// CacheFirstSlot returns the slot id at which a previous, identical
// moldable's hierarchical selection first succeeded, if any (spec §4.4).
func (ss *SlotSet) CacheFirstSlot(m structs.Moldable) (SlotID, bool) {
	return ss.cache.Get(m.CacheKey())
}

// SetCacheFirstSlot records the slot id at which this moldable's
// hierarchical selection first succeeded, for a future identical
// moldable to start from.
func (ss *SlotSet) SetCacheFirstSlot(m structs.Moldable, id SlotID) {
	ss.cache.Add(m.CacheKey(), id)
}

func (ss *SlotSet) setPrevID(id SlotID, prev SlotID, has bool) {
	s := ss.slots[id]
	if s == nil {
		return
	}
	if has {
		s.setPrev(prev)
	} else {
		s.clearPrev()
	}
}

func (ss *SlotSet) setNextID(id SlotID, next SlotID, has bool) {
	s := ss.slots[id]
	if s == nil {
		return
	}
	if has {
		s.setNext(next)
	} else {
		s.clearNext()
	}
}

// linkNextCorrectPrev fixes up the prev pointer of the slot following s,
// or updates lastID if s is now the last slot.
func (ss *SlotSet) linkNextCorrectPrev(s *Slot) {
	if s.HasNext() {
		ss.setPrevID(s.Next, s.ID, true)
	} else {
		ss.lastID = s.ID
	}
}

// linkPrevCorrectNext fixes up the next pointer of the slot preceding s,
// or updates firstID if s is now the first slot.
func (ss *SlotSet) linkPrevCorrectNext(s *Slot) {
	if s.HasPrev() {
		ss.setNextID(s.Prev, s.ID, true)
	} else {
		ss.firstID = s.ID
	}
}

// SplitAt splits the slot slotID just before time: between time-1 and
// time. The new slot is linked before or after the original depending on
// before. Panics if time isn't strictly inside the slot's range (spec
// §4.4, a programming invariant on the caller).
func (ss *SlotSet) SplitAt(slotID SlotID, time int64, before bool) (newID, origID SlotID) {
	s := ss.slots[slotID]
	if s == nil {
		panic(fmt.Sprintf("slotset: SplitAt: no slot with id %d", slotID))
	}
	if time <= s.Begin || time > s.End {
		panic(fmt.Sprintf("slotset: SplitAt: split time %d not in (%d, %d]", time, s.Begin, s.End))
	}

	newID = ss.nextID
	var newSlot *Slot
	if before {
		newSlot = s.duplicate(newID, s.Begin, time-1)
		if s.HasPrev() {
			newSlot.setPrev(s.Prev)
		}
		newSlot.setNext(s.ID)
		s.Begin = time
		s.setPrev(newID)
		ss.linkPrevCorrectNext(newSlot)
	} else {
		newSlot = s.duplicate(newID, time, s.End)
		newSlot.setPrev(s.ID)
		if s.HasNext() {
			newSlot.setNext(s.Next)
		}
		s.End = time - 1
		s.setNext(newID)
		ss.linkNextCorrectPrev(newSlot)
	}
	ss.slots[newID] = newSlot
	ss.nextID++
	return newID, s.ID
}

// SlotAt returns the slot containing time, searching forward from
// startingID (or the first slot when startingID is zero/absent).
func (ss *SlotSet) SlotAt(time int64, startingID SlotID) *Slot {
	s := ss.slots[startingID]
	if s == nil {
		s = ss.FirstSlot()
	}
	for s != nil {
		if time < s.Begin {
			return nil
		}
		if time <= s.End {
			return s
		}
		if !s.HasNext() {
			return nil
		}
		s = ss.slots[s.Next]
	}
	return nil
}

// FindAndSplitAt locates the slot containing time and splits it there.
func (ss *SlotSet) FindAndSplitAt(time int64, before bool) (newID, origID SlotID) {
	s := ss.SlotAt(time, 0)
	if s == nil {
		panic(fmt.Sprintf("slotset: FindAndSplitAt: no slot found at time %d", time))
	}
	return ss.SplitAt(s.ID, time, before)
}

// EncompassingRange returns the slot containing begin and the slot
// containing end, clamped to the set's own bounds; startID optionally
// seeds the search. Returns false if begin is after the set's end, or
// end is before its begin.
func (ss *SlotSet) EncompassingRange(begin, end int64, startID SlotID) (beginSlot, endSlot *Slot, ok bool) {
	if begin < ss.begin {
		beginSlot = ss.FirstSlot()
	} else {
		beginSlot = ss.SlotAt(begin, startID)
	}
	if beginSlot == nil {
		return nil, nil, false
	}
	if end > ss.end {
		endSlot = ss.LastSlot()
	} else {
		endSlot = ss.SlotAt(end, beginSlot.ID)
	}
	if endSlot == nil {
		return nil, nil, false
	}
	return beginSlot, endSlot, true
}

// SplitForRange splits the slots overlapping [begin, end] so that begin
// and end each fall exactly on a slot boundary, then returns the ids of
// the first and last slot of the resulting range. Returns false if the
// range is disjoint from the set.
func (ss *SlotSet) SplitForRange(begin, end int64, startID SlotID) (firstID, lastID SlotID, ok bool) {
	beginSlot, endSlot, ok := ss.EncompassingRange(begin, end, startID)
	if !ok {
		return 0, 0, false
	}
	beginID, endID, endEnd := beginSlot.ID, endSlot.ID, endSlot.End

	if beginSlot.Begin < begin {
		_, beginID = ss.SplitAt(beginID, begin, true)
	}
	if endEnd > end {
		_, endID = ss.SplitAt(endID, end+1, false)
	}
	return beginID, endID, true
}

// Iter returns an iterator over the whole set, first slot to last.
func (ss *SlotSet) Iter() *Iterator {
	return &Iterator{ss: ss, begin: ss.firstID, haveBegin: true, end: ss.lastID, haveEnd: true}
}
