package slotset

import (
	"math"

	"github.com/oar-team/oar-scheduler-go/bitmap"
	"github.com/oar-team/oar-scheduler-go/quota"
	"github.com/oar-team/oar-scheduler-go/structs"
)

// IntersectResources folds the intersection of every slot's free
// resources between beginID and endID (inclusive), widened per-slot by
// any time-sharing resources the (userKey, nameKey) pair may reuse and
// any placeholder resources the named "allow" job may claim (spec §4.6).
// An empty placeholderAllow means no placeholder widening is requested.
func (ss *SlotSet) IntersectResources(beginID, endID SlotID, userKey, nameKey string, hasTimeSharing bool, placeholderAllow string) bitmap.ResourceBitmap {
	acc := bitmap.New(bitmap.Range{Begin: 0, End: math.MaxUint32})
	it := ss.Iter().Between(beginID, endID)
	for s := it.Next(); s != nil; s = it.Next() {
		slotResources := s.Resources
		if hasTimeSharing {
			slotResources = bitmap.Union(slotResources, s.TimeSharingResources(userKey, nameKey))
		}
		if placeholderAllow != "" {
			slotResources = bitmap.Union(slotResources, s.PlaceholderResources(placeholderAllow))
		}
		acc = bitmap.Intersect(acc, slotResources)
	}
	return acc
}

// CommitJobRange splits the slots to exactly cover [begin, end], then
// applies resources (subtracting when subResources, else returning them)
// to every covered slot, updates per-slot quota counters when
// doUpdateQuotas is set and rules is non-nil, and records/consumes
// time-sharing and placeholder bookkeeping per job attributes (spec
// §4.6). Returns the covering slot ids, or ok=false if the range falls
// entirely outside the set (a retired/expired job, nothing to do).
func (ss *SlotSet) CommitJobRange(job *structs.Job, resources bitmap.ResourceBitmap, begin, end int64, subResources, doUpdateQuotas bool, rules *quota.RuleTree, startSlotID SlotID) (firstID, lastID SlotID, ok bool) {
	firstID, lastID, ok = ss.SplitForRange(begin, end, startSlotID)
	if !ok {
		return 0, 0, false
	}

	ts := job.Attributes.TimeSharing
	userKey, nameKey := ts.Keys(job)
	ph := job.Attributes.Placeholder

	it := ss.Iter().Between(firstID, lastID)
	for s := it.Next(); s != nil; s = it.Next() {
		if subResources {
			s.SubResources(resources)
			if doUpdateQuotas && rules != nil && !job.Attributes.NoQuotas {
				windowSeconds := s.End - s.Begin + 1
				s.Counters.Increment(job, rules, windowSeconds, resources.Cardinality())
			}
		} else {
			s.AddResources(resources)
		}

		if ts.Kind != structs.TimeSharingNone {
			s.AddTimeSharingEntry(userKey, nameKey, resources)
		}
		switch ph.Kind {
		case structs.PlaceholderDefine:
			s.AddPlaceholderEntry(ph.Name, resources)
		case structs.PlaceholderAllow:
			if subResources {
				s.SubPlaceholderEntry(ph.Name, resources)
			}
		}
	}
	return firstID, lastID, true
}

// CommitJob commits job's own Assignment (it must already be scheduled).
// Resource-retirement and container pseudo-jobs are also committed through
// here: they are structs.Job values carrying only an Assignment, committed
// with doUpdateQuotas=false.
func (ss *SlotSet) CommitJob(job *structs.Job, subResources, doUpdateQuotas bool, rules *quota.RuleTree, startSlotID SlotID) (firstID, lastID SlotID, ok bool) {
	a := job.Assignment
	if a == nil {
		panic("slotset: CommitJob: job has no assignment")
	}
	return ss.CommitJobRange(job, a.Resources, a.Begin, a.End, subResources, doUpdateQuotas, rules, startSlotID)
}

// CommitJobs commits each of jobs in order (jobs must be sorted by
// assignment begin time), threading the previous job's first slot id in
// as the next job's search seed (spec §4.7).
func (ss *SlotSet) CommitJobs(jobs []*structs.Job, subResources, doUpdateQuotas bool, rules *quota.RuleTree) {
	var startID SlotID
	for _, job := range jobs {
		firstID, _, ok := ss.CommitJob(job, subResources, doUpdateQuotas, rules, startID)
		if !ok {
			continue
		}
		startID = firstID
	}
}
