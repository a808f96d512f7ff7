// Package scheduler implements the per-job placement algorithm and the
// cycle orchestrator that drives it (spec §4.5, §4.7).
package scheduler

import (
	"github.com/hashicorp/go-hclog"

	"github.com/oar-team/oar-scheduler-go/hierarchy"
	"github.com/oar-team/oar-scheduler-go/quota"
	"github.com/oar-team/oar-scheduler-go/slotset"
	"github.com/oar-team/oar-scheduler-go/structs"
)

// UnscheduledReason is why a job was left unscheduled this cycle (spec
// §7: "per-job soft failures"). It is a typed outcome, not an error: an
// unplaceable job in a given cycle is an expected result, retried next
// cycle, not exceptional control flow.
type UnscheduledReason int

const (
	// ReasonNone means the job was placed; not a real reason.
	ReasonNone UnscheduledReason = iota
	ReasonNoFeasibleMoldable
	ReasonQuotaDenied
	ReasonDependencyUnsatisfied
	ReasonBeyondMaxTime
	// ReasonContainerNotReady means an inner job named a container slot
	// set that was never created this cycle.
	ReasonContainerNotReady
)

func (r UnscheduledReason) String() string {
	switch r {
	case ReasonNoFeasibleMoldable:
		return "no feasible moldable"
	case ReasonQuotaDenied:
		return "quota denied"
	case ReasonDependencyUnsatisfied:
		return "dependency unsatisfied"
	case ReasonBeyondMaxTime:
		return "beyond max_time"
	case ReasonContainerNotReady:
		return "container not ready"
	default:
		return "placed"
	}
}

// RulesForID resolves the quota rule tree in effect for a given slot's
// QuotasRulesID (spec §6 temporal calendar: each slot carries the
// rules_id the calendar assigned it when the default slot set was
// subdivided). A platform with no temporal calendar returns the same
// tree regardless of id.
type RulesForID func(rulesID int) *quota.RuleTree

// PlaceOptions bundles the per-cycle knobs placement needs beyond the
// slot set and job themselves.
type PlaceOptions struct {
	Hierarchy     *hierarchy.Hierarchy
	Rules         RulesForID
	QuotasEnabled bool
	CacheEnabled  bool
	MaxTime       int64
	// MinBegin is a lower bound on start time, typically derived from
	// dependency resolution (spec §4.6).
	MinBegin *int64
}

// StaticRules returns a RulesForID that ignores rulesID and always
// resolves to rules; the right choice when no temporal calendar is
// configured.
func StaticRules(rules *quota.RuleTree) RulesForID {
	return func(int) *quota.RuleTree { return rules }
}

// placement is a candidate winner across moldables: the earliest-end
// feasible placement found so far.
type placement struct {
	moldableIndex int
	begin, end    int64
	resources     structs.Assignment
	cacheFirstID  slotset.SlotID
	haveCacheID   bool
}

// PlaceJob runs spec §4.5's algorithm: tries every moldable, keeps the
// one with the earliest end (ties broken by declaration order, i.e. by
// only overwriting the current best on a strictly earlier end), commits
// the winner into ss, and returns whether a placement was found.
func PlaceJob(log hclog.Logger, ss *slotset.SlotSet, job *structs.Job, opts PlaceOptions) (ok bool, reason UnscheduledReason, quotaHits uint32) {
	if log == nil {
		log = hclog.NewNullLogger()
	}

	var best *placement
	var anyQuotaHit, anyBeyondMaxTime bool

	for i, m := range job.Moldables {
		walltime := m.Walltime
		if walltime <= 0 {
			walltime = 1
		}

		startID, cacheSeeded := startSlotFor(ss, job, m, opts)
		it, skip := seekMinBegin(ss, startID, opts.MinBegin)
		if skip {
			continue
		}

		userKey, nameKey := job.Attributes.TimeSharing.Keys(job)
		hasTS := job.Attributes.TimeSharing.Kind != structs.TimeSharingNone
		allowName := ""
		if job.Attributes.Placeholder.Kind == structs.PlaceholderAllow {
			allowName = job.Attributes.Placeholder.Name
		}

		wi := it.WithWidth(walltime)
		var cacheFirstID slotset.SlotID
		haveCacheFirst := false

		for {
			left, right := wi.Next()
			if left == nil {
				break
			}
			if left.Begin+walltime-1 > opts.MaxTime {
				anyBeyondMaxTime = true
				break
			}

			available := ss.IntersectResources(left.ID, right.ID, userKey, nameKey, hasTS, allowName)
			picked, found := opts.Hierarchy.Request(available, m.Request)
			if !found {
				continue
			}
			if !haveCacheFirst {
				cacheFirstID = left.ID
				haveCacheFirst = true
			}

			end := left.Begin + walltime - 1
			if opts.QuotasEnabled && !job.Attributes.NoQuotas && opts.Rules != nil {
				groups := windowGroups(ss, left.ID, right.ID, left.Begin, end, opts.Rules)
				if v := quota.CheckWindow(groups, job, picked.Cardinality()); v != nil {
					anyQuotaHit = true
					continue
				}
			}

			if best == nil || end < best.end {
				best = &placement{
					moldableIndex: i,
					begin:         left.Begin,
					end:           end,
					resources:     structs.Assignment{Begin: left.Begin, End: end, Resources: picked, MoldableIndex: i},
					cacheFirstID:  cacheFirstID,
					haveCacheID:   haveCacheFirst,
				}
			}
			break // this moldable's best window found; move to next moldable
		}
		_ = cacheSeeded
	}

	if best == nil {
		reason = ReasonNoFeasibleMoldable
		if anyBeyondMaxTime && !anyQuotaHit {
			reason = ReasonBeyondMaxTime
		}
		if anyQuotaHit {
			reason = ReasonQuotaDenied
		}
		log.Warn("job left unscheduled", "job_id", job.ID, "reason", reason.String())
		return false, reason, quotaHitCount(anyQuotaHit)
	}

	job.Assignment = &best.resources
	job.Assignment.QuotasHitCount = quotaHitCount(anyQuotaHit)

	var commitRules *quota.RuleTree
	if opts.Rules != nil {
		if s := ss.Get(best.cacheFirstID); s != nil {
			commitRules = opts.Rules(s.QuotasRulesID)
		}
	}
	ss.CommitJob(job, true, true, commitRules, best.cacheFirstID)

	if job.CanSetCache() && opts.CacheEnabled {
		ss.SetCacheFirstSlot(job.Moldables[best.moldableIndex], best.cacheFirstID)
	}
	return true, ReasonNone, job.Assignment.QuotasHitCount
}

func quotaHitCount(hit bool) uint32 {
	if hit {
		return 1
	}
	return 0
}

// startSlotFor resolves the slot id a moldable's search should begin
// from: the moldable cache entry when usable, else the set's head (spec
// §4.4 Moldable cache).
func startSlotFor(ss *slotset.SlotSet, job *structs.Job, m structs.Moldable, opts PlaceOptions) (slotset.SlotID, bool) {
	if job.CanUseCache() && opts.CacheEnabled {
		if id, ok := ss.CacheFirstSlot(m); ok {
			return id, true
		}
	}
	return ss.FirstSlot().ID, false
}

// seekMinBegin advances the iterator past minBegin, splitting a slot if
// minBegin falls strictly inside it (spec §4.5 step b). skip is true if
// minBegin is beyond the set's end.
func seekMinBegin(ss *slotset.SlotSet, startID slotset.SlotID, minBegin *int64) (*slotset.Iterator, bool) {
	it := ss.Iter().StartAt(startID)
	if minBegin == nil {
		return it, false
	}
	head := it.Peek()
	if head == nil || *minBegin <= head.Begin {
		return it, false
	}
	if *minBegin > ss.End() {
		return nil, true
	}
	s := ss.SlotAt(*minBegin, startID)
	if s == nil {
		return nil, true
	}
	if *minBegin > s.Begin {
		newID, _ := ss.SplitAt(s.ID, *minBegin, false)
		return ss.Iter().StartAt(newID), false
	}
	return ss.Iter().StartAt(s.ID), false
}

// windowGroups collects the slots between firstID and lastID into a
// single quota.WindowGroup per distinct rules_id, each carrying the
// combined counters of its member slots and the clipped duration (spec
// §4.3 "check_window").
func windowGroups(ss *slotset.SlotSet, firstID, lastID slotset.SlotID, begin, end int64, rulesFor RulesForID) []quota.WindowGroup {
	type agg struct {
		counters *quota.Counters
		duration int64
	}
	byRules := make(map[int]*agg)
	var order []int

	it := ss.Iter().Between(firstID, lastID)
	for s := it.Next(); s != nil; s = it.Next() {
		clippedBegin, clippedEnd := s.Begin, s.End
		if clippedBegin < begin {
			clippedBegin = begin
		}
		if clippedEnd > end {
			clippedEnd = end
		}
		if clippedEnd < clippedBegin {
			continue
		}
		a, ok := byRules[s.QuotasRulesID]
		if !ok {
			a = &agg{counters: quota.NewCounters()}
			byRules[s.QuotasRulesID] = a
			order = append(order, s.QuotasRulesID)
		}
		a.counters.Combine(s.Counters)
		a.duration += clippedEnd - clippedBegin + 1
	}

	groups := make([]quota.WindowGroup, 0, len(order))
	for _, rulesID := range order {
		rules := rulesFor(rulesID)
		if rules == nil {
			continue
		}
		a := byRules[rulesID]
		groups = append(groups, quota.WindowGroup{Rules: rules, Counters: a.counters, Duration: a.duration})
	}
	return groups
}
