package scheduler

import (
	"context"
	"sort"

	"github.com/hashicorp/go-hclog"

	"github.com/oar-team/oar-scheduler-go/bitmap"
	"github.com/oar-team/oar-scheduler-go/calendar"
	"github.com/oar-team/oar-scheduler-go/platform"
	"github.com/oar-team/oar-scheduler-go/quota"
	"github.com/oar-team/oar-scheduler-go/slotset"
	"github.com/oar-team/oar-scheduler-go/structs"
)

const defaultSlotSetName = "default"

// CycleResult is everything a single RunCycle produced: jobs placed this
// cycle, and why every other job was left waiting.
type CycleResult struct {
	Assignments map[structs.JobID]*structs.Assignment
	Unscheduled map[structs.JobID]UnscheduledReason
}

// RunCycle drives one full scheduling pass (spec §4.7): builds the
// default slot set, commits resource-retirement pseudo-jobs and already
// committed jobs, then places every waiting job from queues in priority
// order, and hands the result to plat.SaveAssignments.
//
// ctx is checked once per waiting job (spec §5: "no internal
// cancellation... checks ctx.Err() only at the top of the per-job
// loop"); on cancellation RunCycle returns the partial result gathered
// so far without calling SaveAssignments, so the platform can discard
// the cycle wholesale.
func RunCycle(ctx context.Context, log hclog.Logger, plat platform.Platform, queues []string) (*CycleResult, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	log = log.Named("scheduler")

	now := plat.Now()
	maxTime := plat.MaxTime()
	cfg := plat.Config()
	resourceSet := plat.ResourceSet()
	rules := plat.QuotaRules()

	sets := map[string]*slotset.SlotSet{
		defaultSlotSetName: slotset.New(now, maxTime, resourceSet.Default),
	}
	subdivideByCalendar(sets[defaultSlotSetName], rules.Calendar)

	rulesFor := rulesForIDFunc(rules)

	commitRetirements(sets[defaultSlotSetName], resourceSet, maxTime)

	committed := append([]*structs.Job(nil), plat.CommittedJobs()...)
	sort.Slice(committed, func(i, j int) bool {
		return committed[i].Assignment.Begin < committed[j].Assignment.Begin
	})
	for _, job := range committed {
		if job.IsContainer() {
			ensureContainerSet(sets, job, now, maxTime)
			commitContainerPseudoJob(sets, job, cfg.JobSecurityTime)
		}
	}
	commitPartitioned(sets, committed, rulesFor)

	result := &CycleResult{
		Assignments: make(map[structs.JobID]*structs.Assignment),
		Unscheduled: make(map[structs.JobID]UnscheduledReason),
	}
	scheduledEnds := make(map[structs.JobID]int64, len(committed))
	for _, job := range committed {
		scheduledEnds[job.ID] = job.Assignment.End
	}

	waiting := plat.WaitingJobs(queues)
	for _, job := range waiting {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		minBegin, depOK := resolveDependencies(scheduledEnds, job)
		if !depOK {
			result.Unscheduled[job.ID] = ReasonDependencyUnsatisfied
			continue
		}

		name := job.SlotSetName()
		ss, ok := sets[name]
		if !ok {
			result.Unscheduled[job.ID] = ReasonContainerNotReady
			continue
		}

		opts := PlaceOptions{
			Hierarchy:     resourceSet.Hierarchy,
			Rules:         rulesFor,
			QuotasEnabled: cfg.QuotasEnabled,
			CacheEnabled:  cfg.CacheEnabled,
			MaxTime:       maxTime,
			MinBegin:      minBegin,
		}
		placed, reason, _ := PlaceJob(log, ss, job, opts)
		if !placed {
			log.Debug("job unscheduled this cycle", "job_id", job.ID, "reason", reason.String())
			result.Unscheduled[job.ID] = reason
			continue
		}

		scheduledEnds[job.ID] = job.Assignment.End
		result.Assignments[job.ID] = job.Assignment

		if job.IsContainer() {
			ensureContainerSet(sets, job, now, maxTime)
			commitContainerPseudoJob(sets, job, cfg.JobSecurityTime)
		}
	}

	if len(result.Assignments) > 0 {
		if err := plat.SaveAssignments(result.Assignments); err != nil {
			return result, err
		}
	}
	return result, nil
}

// rulesForIDFunc builds the RulesForID a placement call resolves quota
// rules with: the calendar's per-id tree when temporal quotas are
// configured, else the platform's single default tree for every slot
// (slots outside any calendar window carry QuotasRulesID -1).
func rulesForIDFunc(rules platform.QuotaRules) RulesForID {
	if rules.Calendar == nil {
		return StaticRules(rules.Default)
	}
	return func(rulesID int) *quota.RuleTree {
		if rulesID < 0 {
			return rules.Default
		}
		if rt := rules.Calendar.RuleTree(rulesID); rt != nil {
			return rt
		}
		return rules.Default
	}
}

// subdivideByCalendar splits ss at every temporal-calendar boundary
// within its span, stamping each resulting slot with the rules_id in
// effect over it (spec §4.4 "SlotSet::over... optionally the temporal
// calendar further subdivides it").
func subdivideByCalendar(ss *slotset.SlotSet, cal calendar.TemporalCalendar) {
	if cal == nil {
		return
	}
	t := ss.Begin()
	startID := ss.FirstSlot().ID
	for t <= ss.End() {
		rulesID, validUntil := cal.RuleAt(t)
		segEnd := validUntil - 1
		if segEnd > ss.End() {
			segEnd = ss.End()
		}
		firstID, lastID, ok := ss.SplitForRange(t, segEnd, startID)
		if !ok {
			break
		}
		it := ss.Iter().Between(firstID, lastID)
		for s := it.Next(); s != nil; s = it.Next() {
			s.QuotasRulesID = rulesID
		}
		startID = firstID
		t = segEnd + 1
	}
}

// commitRetirements commits a synthetic pseudo-job for every future
// resource-retirement entry in the resource set (spec §4.7 step 2): from
// entry.Time+1 onward, only entry.Resources remains usable, so whatever
// Default carries beyond that set is subtracted out with
// update_quotas=false.
func commitRetirements(ss *slotset.SlotSet, resourceSet platform.ResourceSet, maxTime int64) {
	for i, entry := range resourceSet.AvailableUpto {
		retired := bitmap.Difference(resourceSet.Default, entry.Resources)
		if retired.IsEmpty() {
			continue
		}
		begin := entry.Time + 1
		if begin > maxTime {
			continue
		}
		pseudo := structs.NewJob(structs.JobID(-(int64(i)+1)), "", "", nil, nil)
		pseudo.Assignment = &structs.Assignment{Begin: begin, End: maxTime, Resources: retired}
		ss.CommitJob(pseudo, true, false, nil, 0)
	}
}

// commitPartitioned groups already-committed jobs by their target slot
// set and commits each group in begin order (spec §4.7 step 3).
// Inner jobs whose container never materialized this cycle (an orphaned
// reference) are silently skipped: there is nowhere left to carry their
// reservation, and the platform's own state is the source of truth for
// what is actually committed.
func commitPartitioned(sets map[string]*slotset.SlotSet, committed []*structs.Job, rulesFor RulesForID) {
	byName := make(map[string][]*structs.Job)
	for _, job := range committed {
		name := job.SlotSetName()
		byName[name] = append(byName[name], job)
	}
	for name, jobs := range byName {
		ss, ok := sets[name]
		if !ok {
			continue
		}
		var rules *quota.RuleTree
		if rulesFor != nil {
			rules = rulesFor(ss.FirstSlot().QuotasRulesID)
		}
		ss.CommitJobs(jobs, true, false, rules)
	}
}

// ensureContainerSet creates job's child slot set if it doesn't already
// exist: spanning the default set's range with an empty initial resource
// set (spec §4.6). If the name collides with an existing child set
// (another container declared the same name), the existing set is left
// untouched; its availability is merged by the subsequent Add commit.
func ensureContainerSet(sets map[string]*slotset.SlotSet, job *structs.Job, begin, end int64) {
	name := job.ContainerSlotSetName()
	if _, ok := sets[name]; ok {
		return
	}
	sets[name] = slotset.New(begin, end, bitmap.ResourceBitmap{})
}

// commitContainerPseudoJob adds job's own assignment, minus
// job_security_time off the end, into its child slot set so inner jobs
// can be scheduled against it (spec §4.6).
func commitContainerPseudoJob(sets map[string]*slotset.SlotSet, job *structs.Job, jobSecurityTime int64) {
	a := job.Assignment
	if a == nil {
		return
	}
	end := a.End - jobSecurityTime
	if end < a.Begin {
		return
	}
	child := sets[job.ContainerSlotSetName()]
	pseudo := structs.NewJob(job.ID, "", "", nil, nil)
	pseudo.Assignment = &structs.Assignment{Begin: a.Begin, End: end, Resources: a.Resources}
	child.CommitJob(pseudo, false, false, nil, 0)
}

// resolveDependencies walks job's dependency list (spec §4.6), returning
// the resulting min_begin lower bound, or ok=false if the job must be
// skipped this cycle.
func resolveDependencies(scheduledEnds map[structs.JobID]int64, job *structs.Job) (minBegin *int64, ok bool) {
	var mb int64
	has := false
	for _, dep := range job.Dependencies {
		switch dep.OtherState {
		case "Error":
			continue
		case "Terminated":
			if dep.OtherExit == nil || *dep.OtherExit == 0 {
				continue
			}
			return nil, false
		case "Waiting":
			end, scheduled := scheduledEnds[dep.OtherJobID]
			if !scheduled {
				return nil, false
			}
			if candidate := end + 1; !has || candidate > mb {
				mb = candidate
				has = true
			}
		default:
			return nil, false
		}
	}
	if !has {
		return nil, true
	}
	return &mb, true
}
