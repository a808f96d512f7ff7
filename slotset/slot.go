// Package slotset implements the time-partitioned resource ledger: a
// doubly linked list of Slots, each describing the resources still free
// over a [begin, end] interval, plus the split/commit operations the
// placement algorithm drives it with (spec §4.4-§4.6).
package slotset

import (
	"fmt"

	"github.com/mitchellh/copystructure"

	"github.com/oar-team/oar-scheduler-go/bitmap"
	"github.com/oar-team/oar-scheduler-go/quota"
)

// SlotID identifies a Slot within its owning SlotSet. Ids are assigned
// sequentially and never reused within one SlotSet's lifetime.
type SlotID int64

// Slot is one interval of the schedule: the resources still available
// during [Begin, End] (inclusive, epoch seconds), plus the bookkeeping
// time-sharing and placeholder reservations let a later job reuse
// resources this slot's own ResourceBitmap no longer lists as free
// (spec §4.6).
type Slot struct {
	ID   SlotID
	Prev SlotID // zero means "none"; see HasPrev
	Next SlotID // zero means "none"; see HasNext
	hasPrev, hasNext bool

	Begin     int64
	End       int64
	Resources bitmap.ResourceBitmap

	// QuotasRulesID is the temporal-quota rule set in effect over this
	// slot's interval (spec §4.8); -1 means no temporal-calendar rule set
	// applies here, and the scheduler resolves it to the default rule tree.
	QuotasRulesID int
	// Counters tracks this slot's own running usage against QuotasRulesID,
	// combined across a job's duration by the placement algorithm to test
	// a sliding window (spec §4.3, §4.8).
	Counters *quota.Counters

	// TimeShared maps (user-or-"*") -> (job-name-or-"*") -> resources that
	// time-sharing jobs have reserved and may overlap on (spec §4.6).
	TimeShared map[string]map[string]bitmap.ResourceBitmap
	// Placeholder maps a placeholder name to the resources its defining
	// job reserved and has not yet been claimed by an "allow" job.
	Placeholder map[string]bitmap.ResourceBitmap
}

func newSlot(id SlotID, begin, end int64, resources bitmap.ResourceBitmap, quotasRulesID int) *Slot {
	return &Slot{
		ID:            id,
		Begin:         begin,
		End:           end,
		Resources:     resources,
		QuotasRulesID: quotasRulesID,
		Counters:      quota.NewCounters(),
		TimeShared:    make(map[string]map[string]bitmap.ResourceBitmap),
		Placeholder:   make(map[string]bitmap.ResourceBitmap),
	}
}

// HasPrev reports whether this is not the first slot in its set.
func (s *Slot) HasPrev() bool { return s.hasPrev }

// HasNext reports whether this is not the last slot in its set.
func (s *Slot) HasNext() bool { return s.hasNext }

func (s *Slot) setPrev(id SlotID) { s.Prev, s.hasPrev = id, true }
func (s *Slot) clearPrev()       { s.Prev, s.hasPrev = 0, false }
func (s *Slot) setNext(id SlotID) { s.Next, s.hasNext = id, true }
func (s *Slot) clearNext()       { s.Next, s.hasNext = 0, false }

// duplicate clones s under a new id, begin/end and links, keeping the
// same resources/quotas/time-sharing/placeholder state. Uses
// copystructure so the nested maps of bitmaps are never aliased between
// the original and the split-off copy (a split must not let writes to
// one slot's time-sharing bookkeeping leak into its sibling's).
func (s *Slot) duplicate(id SlotID, begin, end int64) *Slot {
	copiedShared, err := copystructure.Copy(s.TimeShared)
	if err != nil {
		panic(fmt.Sprintf("slotset: copying slot %d time-sharing state: %v", s.ID, err))
	}
	copiedPlaceholder, err := copystructure.Copy(s.Placeholder)
	if err != nil {
		panic(fmt.Sprintf("slotset: copying slot %d placeholder state: %v", s.ID, err))
	}
	return &Slot{
		ID:            id,
		Begin:         begin,
		End:           end,
		Resources:     s.Resources,
		QuotasRulesID: s.QuotasRulesID,
		Counters:      s.Counters.Clone(),
		TimeShared:    copiedShared.(map[string]map[string]bitmap.ResourceBitmap),
		Placeholder:   copiedPlaceholder.(map[string]bitmap.ResourceBitmap),
	}
}

// SubResources removes resources from this slot's free set (a job was
// placed here).
func (s *Slot) SubResources(resources bitmap.ResourceBitmap) {
	s.Resources = bitmap.Difference(s.Resources, resources)
}

// AddResources returns resources to this slot's free set (a placed job
// was retracted, or this is a resource-retirement pseudo-job being
// reverted).
func (s *Slot) AddResources(resources bitmap.ResourceBitmap) {
	s.Resources = bitmap.Union(s.Resources, resources)
}

// TimeSharingResources returns the resources a time-sharing job with the
// given user/name may reuse in this slot, beyond what Resources already
// lists as free (spec §4.6). Only one user bucket is consulted: the "*"
// bucket when it exists, else the job's own user bucket. Inside that
// bucket the "*" entry is returned when present, else the job's own name
// entry.
func (s *Slot) TimeSharingResources(userKey, nameKey string) bitmap.ResourceBitmap {
	bucket, ok := s.TimeShared["*"]
	if !ok {
		bucket, ok = s.TimeShared[userKey]
	}
	if !ok {
		return bitmap.ResourceBitmap{}
	}
	if rs, ok := bucket["*"]; ok {
		return rs
	}
	if rs, ok := bucket[nameKey]; ok {
		return rs
	}
	return bitmap.ResourceBitmap{}
}

// AddTimeSharingEntry records that a time-sharing job with the given
// user/name keys has reserved resources here, available to any other job
// whose own keys match (spec §4.6).
func (s *Slot) AddTimeSharingEntry(userKey, nameKey string, resources bitmap.ResourceBitmap) {
	bucket, ok := s.TimeShared[userKey]
	if !ok {
		bucket = make(map[string]bitmap.ResourceBitmap)
		s.TimeShared[userKey] = bucket
	}
	bucket[nameKey] = bitmap.Union(bucket[nameKey], resources)
}

// PlaceholderResources returns the resources reserved under name that an
// "allow" job may still claim.
func (s *Slot) PlaceholderResources(name string) bitmap.ResourceBitmap {
	return s.Placeholder[name]
}

// AddPlaceholderEntry records resources reserved by a placeholder-defining job.
func (s *Slot) AddPlaceholderEntry(name string, resources bitmap.ResourceBitmap) {
	s.Placeholder[name] = bitmap.Union(s.Placeholder[name], resources)
}

// SubPlaceholderEntry removes resources claimed by an "allow" job from
// the placeholder's remaining pool.
func (s *Slot) SubPlaceholderEntry(name string, resources bitmap.ResourceBitmap) {
	if _, ok := s.Placeholder[name]; ok {
		s.Placeholder[name] = bitmap.Difference(s.Placeholder[name], resources)
	}
}
