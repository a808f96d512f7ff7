// Package platform declares the interface the scheduling core consumes
// from its host system (spec §6), plus an in-memory Reference
// implementation used by tests and simple integrations.
package platform

import (
	"github.com/oar-team/oar-scheduler-go/bitmap"
	"github.com/oar-team/oar-scheduler-go/calendar"
	"github.com/oar-team/oar-scheduler-go/hierarchy"
	"github.com/oar-team/oar-scheduler-go/quota"
	"github.com/oar-team/oar-scheduler-go/structs"
)

// QuotasAllMode is the policy for which jobs count against quotas.
type QuotasAllMode int

const (
	// QuotasAllMode_All counts every job, including best-effort.
	QuotasAllMode_All QuotasAllMode = iota
	// QuotasAllModeDefaultNotDead counts only jobs that are not dead.
	QuotasAllModeDefaultNotDead
)

// Config is the platform's static scheduling configuration (spec §6 "config()").
type Config struct {
	JobSecurityTime      int64
	CacheEnabled         bool
	QuotasEnabled        bool
	QuotasAllMode        QuotasAllMode
	BesteffortKillDuration int64
}

// ResourceCounts summarizes how many resources exist in each accounting bucket.
type ResourceCounts struct {
	Total           uint64
	NotDead         uint64
	DefaultNotDead  uint64
}

// AvailableAt is one entry of the resource set's availability schedule:
// from Time+1 onward, only Resources remain usable (spec §6
// "available_upto").
type AvailableAt struct {
	Time      int64
	Resources bitmap.ResourceBitmap
}

// ResourceSet is the platform's resource topology snapshot (spec §6 "resource_set()").
type ResourceSet struct {
	Default       bitmap.ResourceBitmap
	AvailableUpto []AvailableAt
	Hierarchy     *hierarchy.Hierarchy
	Counts        ResourceCounts
}

// QuotaRules bundles the default (non-temporal) rule tree and, if
// temporal quotas are configured, the calendar that overrides it over
// time (spec §6 "quota_rules()").
type QuotaRules struct {
	Default  *quota.RuleTree
	Calendar calendar.TemporalCalendar
}

// Platform is the external system the scheduling core is driven by (spec
// §6). The core never holds state across calls beyond a single
// RunCycle invocation; every dependency it needs is read through this
// interface at the start of a cycle.
type Platform interface {
	Now() int64
	MaxTime() int64
	Config() Config
	ResourceSet() ResourceSet
	QuotaRules() QuotaRules
	CommittedJobs() []*structs.Job
	// WaitingJobs returns jobs for the given queues, pre-sorted by
	// external priority; order is load-bearing (spec §5: "placement
	// order equals input order of waiting jobs").
	WaitingJobs(queues []string) []*structs.Job
	SaveAssignments(assignments map[structs.JobID]*structs.Assignment) error
}
