package platform

import (
	"fmt"
	"sort"

	"github.com/hashicorp/go-memdb"

	"github.com/oar-team/oar-scheduler-go/structs"
)

const jobsTable = "jobs"

// jobRecord is the job plus whether it's already committed, so one table
// serves both CommittedJobs and WaitingJobs. It is carried inside the
// indexedJob row that memdb stores.
type jobRecord struct {
	job       *structs.Job
	committed bool
}

func jobSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			jobsTable: {
				Name: jobsTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.IntFieldIndex{Field: "ID"},
					},
					"queue": {
						Name:    "queue",
						Indexer: &memdb.StringFieldIndex{Field: "Queue"},
					},
					"user": {
						Name:    "user",
						Indexer: &memdb.StringFieldIndex{Field: "User"},
					},
					"committed": {
						Name:    "committed",
						Indexer: &memdb.BoolFieldIndex{Field: "Committed"},
					},
				},
			},
		},
	}
}

// indexedJob is the flat row shape memdb stores (as *indexedJob) and its
// field indexers operate over; the richer *jobRecord rides along in
// Record, mirroring how Nomad's state store separates its memdb row type
// from the domain struct it wraps.
type indexedJob struct {
	ID        int64
	Queue     string
	User      string
	Committed bool
	Record    *jobRecord
}

// Reference is a simple in-memory Platform, backed by go-memdb the way
// Nomad's own state store indexes objects by id/queue/user (ambient test
// tooling; not meant for production scale). It is not safe for
// concurrent cycles, matching spec §5 ("concurrent scheduling cycles
// are not supported").
type Reference struct {
	db *memdb.MemDB

	now      int64
	maxTime  int64
	config   Config
	resources ResourceSet
	rules    QuotaRules
}

// NewReference builds an empty Reference platform.
func NewReference(config Config, resources ResourceSet, rules QuotaRules) *Reference {
	db, err := memdb.NewMemDB(jobSchema())
	if err != nil {
		panic(fmt.Sprintf("platform: building reference memdb: %v", err))
	}
	return &Reference{db: db, config: config, resources: resources, rules: rules}
}

// SetNow sets the clock Now() returns (tests drive this directly; a real
// deployment would source it from internal/clock instead).
func (r *Reference) SetNow(t int64) { r.now = t }

// SetMaxTime sets the horizon MaxTime() returns.
func (r *Reference) SetMaxTime(t int64) { r.maxTime = t }

// AddWaitingJob registers job as waiting, in a queue named job.Queue.
func (r *Reference) AddWaitingJob(job *structs.Job) { r.insert(job, false) }

// AddCommittedJob registers job as already placed; job.Assignment must be set.
func (r *Reference) AddCommittedJob(job *structs.Job) {
	if job.Assignment == nil {
		panic("platform: AddCommittedJob: job has no assignment")
	}
	r.insert(job, true)
}

func (r *Reference) insert(job *structs.Job, committed bool) {
	txn := r.db.Txn(true)
	defer txn.Abort()
	rec := &indexedJob{ID: int64(job.ID), Queue: job.Queue, User: job.User, Committed: committed, Record: &jobRecord{job: job, committed: committed}}
	if err := txn.Insert(jobsTable, rec); err != nil {
		panic(fmt.Sprintf("platform: inserting job %d: %v", job.ID, err))
	}
	txn.Commit()
}

func (r *Reference) Now() int64     { return r.now }
func (r *Reference) MaxTime() int64 { return r.maxTime }
func (r *Reference) Config() Config { return r.config }

func (r *Reference) ResourceSet() ResourceSet { return r.resources }
func (r *Reference) QuotaRules() QuotaRules   { return r.rules }

// CommittedJobs returns every job marked committed (spec §6 "committed_jobs()").
func (r *Reference) CommittedJobs() []*structs.Job {
	return r.scan(func(ij *indexedJob) bool { return ij.Committed })
}

// WaitingJobs returns waiting jobs restricted to queues (all queues if
// empty), ordered by job id ascending as a stand-in external priority
// (spec §6 "waiting_jobs(queues)").
func (r *Reference) WaitingJobs(queues []string) []*structs.Job {
	wanted := make(map[string]bool, len(queues))
	for _, q := range queues {
		wanted[q] = true
	}
	jobs := r.scan(func(ij *indexedJob) bool {
		if ij.Committed {
			return false
		}
		return len(wanted) == 0 || wanted[ij.Queue]
	})
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs
}

func (r *Reference) scan(keep func(*indexedJob) bool) []*structs.Job {
	txn := r.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(jobsTable, "id")
	if err != nil {
		panic(fmt.Sprintf("platform: scanning jobs: %v", err))
	}
	var out []*structs.Job
	for raw := it.Next(); raw != nil; raw = it.Next() {
		ij := raw.(*indexedJob)
		if keep(ij) {
			out = append(out, ij.Record.job)
		}
	}
	return out
}

// SaveAssignments writes each assignment onto its job and marks it
// committed (spec §6 "save_assignments(ordered map)").
func (r *Reference) SaveAssignments(assignments map[structs.JobID]*structs.Assignment) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	for id, a := range assignments {
		raw, err := txn.First(jobsTable, "id", int64(id))
		if err != nil {
			return fmt.Errorf("platform: looking up job %d: %w", id, err)
		}
		if raw == nil {
			return fmt.Errorf("platform: save_assignments: unknown job %d", id)
		}
		ij := raw.(*indexedJob)
		ij.Record.job.Assignment = a
		ij.Committed = true
		ij.Record.committed = true
		if err := txn.Insert(jobsTable, ij); err != nil {
			return fmt.Errorf("platform: saving job %d: %w", id, err)
		}
	}
	txn.Commit()
	return nil
}

var _ Platform = (*Reference)(nil)
