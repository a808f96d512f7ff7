package platform

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/oar-team/oar-scheduler-go/bitmap"
	"github.com/oar-team/oar-scheduler-go/structs"
)

func newTestReference() *Reference {
	return NewReference(Config{QuotasEnabled: true}, ResourceSet{Default: bitmap.New(bitmap.Range{Begin: 1, End: 32})}, QuotaRules{})
}

func TestReference_WaitingJobsFilteredByQueue(t *testing.T) {
	r := newTestReference()
	j1 := structs.NewJob(1, "default", "alice", nil, nil)
	j2 := structs.NewJob(2, "batch", "bob", nil, nil)
	r.AddWaitingJob(j1)
	r.AddWaitingJob(j2)

	jobs := r.WaitingJobs([]string{"default"})
	must.Eq(t, 1, len(jobs))
	must.Eq(t, structs.JobID(1), jobs[0].ID)

	all := r.WaitingJobs(nil)
	must.Eq(t, 2, len(all))
}

func TestReference_WaitingJobsExcludesCommitted(t *testing.T) {
	r := newTestReference()
	j1 := structs.NewJob(1, "default", "alice", nil, nil)
	j1.Assignment = &structs.Assignment{Begin: 0, End: 100, Resources: bitmap.New(bitmap.Range{Begin: 1, End: 1})}
	r.AddCommittedJob(j1)

	must.Eq(t, 0, len(r.WaitingJobs(nil)))
	must.Eq(t, 1, len(r.CommittedJobs()))
}

func TestReference_SaveAssignmentsCommits(t *testing.T) {
	r := newTestReference()
	j1 := structs.NewJob(1, "default", "alice", nil, nil)
	r.AddWaitingJob(j1)

	a := &structs.Assignment{Begin: 10, End: 20, Resources: bitmap.New(bitmap.Range{Begin: 1, End: 4})}
	err := r.SaveAssignments(map[structs.JobID]*structs.Assignment{1: a})
	must.NoError(t, err)

	must.Eq(t, 0, len(r.WaitingJobs(nil)))
	committed := r.CommittedJobs()
	must.Eq(t, 1, len(committed))
	must.Eq(t, int64(10), committed[0].Assignment.Begin)
}

func TestReference_SaveAssignmentsUnknownJobErrors(t *testing.T) {
	r := newTestReference()
	err := r.SaveAssignments(map[structs.JobID]*structs.Assignment{99: {}})
	must.Error(t, err)
}
