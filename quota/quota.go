// Package quota implements QuotaRules and QuotaCounters: a four-level
// keyed rule tree (queue, project, job_type, user) with literal/wildcard/
// per-value ("/") precedence semantics, and the counters tracked per Slot
// against those rules.
package quota

import (
	"sort"
	"strings"

	iradix "github.com/hashicorp/go-immutable-radix/v2"
	"github.com/hashicorp/go-set/v3"
)

const (
	// Wildcard matches any value at a key position.
	Wildcard = "*"
	// PerValue expands to a separate counter bucket per distinct job value
	// seen at a key position ("/" in spec.md §3/§4.3).
	PerValue = "/"
)

// Key identifies a quota rule or counter bucket.
type Key struct {
	Queue   string
	Project string
	JobType string
	User    string
}

func (k Key) radixKey() []byte {
	return []byte(strings.Join([]string{k.Queue, k.Project, k.JobType, k.User}, "\x00"))
}

// Value is either a rule's limits or a counter's current usage. A nil
// pointer field means "unconstrained" for that dimension.
type Value struct {
	Resources      *uint64
	RunningJobs    *uint64
	ResourcesTimes *int64
}

func u64p(v uint64) *uint64 { return &v }
func i64p(v int64) *int64   { return &v }

// Increment adds resources/runningJobs/resourcesTimes to v in place,
// leaving unconstrained (nil) fields untouched.
func (v *Value) Increment(resources, runningJobs uint64, resourcesTimes int64) {
	if v.Resources != nil {
		*v.Resources += resources
	}
	if v.RunningJobs != nil {
		*v.RunningJobs += runningJobs
	}
	if v.ResourcesTimes != nil {
		*v.ResourcesTimes += resourcesTimes
	}
}

// Combine merges other into v: resources and running_jobs take the max
// (instantaneous peak across a window), resources_times sums (cumulative).
func (v *Value) Combine(other Value) {
	if v.Resources != nil && other.Resources != nil && *other.Resources > *v.Resources {
		*v.Resources = *other.Resources
	}
	if v.RunningJobs != nil && other.RunningJobs != nil && *other.RunningJobs > *v.RunningJobs {
		*v.RunningJobs = *other.RunningJobs
	}
	if v.ResourcesTimes != nil && other.ResourcesTimes != nil {
		*v.ResourcesTimes += *other.ResourcesTimes
	}
}

// Clone returns a deep copy of v.
func (v Value) Clone() Value {
	out := Value{}
	if v.Resources != nil {
		out.Resources = u64p(*v.Resources)
	}
	if v.RunningJobs != nil {
		out.RunningJobs = u64p(*v.RunningJobs)
	}
	if v.ResourcesTimes != nil {
		out.ResourcesTimes = i64p(*v.ResourcesTimes)
	}
	return out
}

// Violation describes which limit a counter exceeded.
type Violation struct {
	Field string
	Key   Key
	Limit int64
}

// Check compares counts against the limits in v (the matched rule), which
// must have already been incremented for the job under evaluation. It
// returns the first violated field, or nil if none.
func (v Value) Check(counts Value) *Violation {
	if v.Resources != nil && counts.Resources != nil && *counts.Resources > *v.Resources {
		return &Violation{Field: "resources", Limit: int64(*v.Resources)}
	}
	if v.RunningJobs != nil && counts.RunningJobs != nil && *counts.RunningJobs > *v.RunningJobs {
		return &Violation{Field: "running_jobs", Limit: int64(*v.RunningJobs)}
	}
	if v.ResourcesTimes != nil && counts.ResourcesTimes != nil && *counts.ResourcesTimes > *v.ResourcesTimes {
		return &Violation{Field: "resources_times", Limit: *v.ResourcesTimes}
	}
	return nil
}

// Job is the subset of job attributes quota matching needs; structs.Job
// satisfies it.
type Job interface {
	QuotaQueue() string
	QuotaProject() string
	QuotaTypes() []string
	QuotaUser() string
	QuotaIsContainer() bool
}

// RuleTree is an immutable four-level keyed rule set with a stable
// RulesID grouping slots that share identical rules. Tracked job types
// (the only types that contribute to counter keys, per spec §6
// "job_types") are carried alongside the tree.
type RuleTree struct {
	RulesID     int
	tree        *iradix.Tree[Value]
	trackedType *set.Set[string]
}

// NewRuleTree builds a RuleTree from a flat map of rule keys to limits.
// A nil trackedTypes means every job type a job carries is tracked (spec
// §6 job_types: "unlisted types do not contribute to counter keys" only
// applies once a job_types list is actually configured).
func NewRuleTree(rulesID int, rules map[Key]Value, trackedTypes []string) *RuleTree {
	tree := iradix.New[Value]()
	for k, v := range rules {
		tree, _, _ = tree.Insert(k.radixKey(), v)
	}
	rt := &RuleTree{RulesID: rulesID, tree: tree}
	if trackedTypes != nil {
		rt.trackedType = set.From(trackedTypes)
	}
	return rt
}

// firstValidKey picks the first present candidate in precedence order
// literal > PerValue > Wildcard, given the literal candidates observed at
// this level (possibly several, for job_type, tried in sorted order per
// Open Question 1).
func firstValidKey(has func(string) bool, literals []string) (string, bool) {
	sorted := append([]string(nil), literals...)
	sort.Strings(sorted)
	for _, l := range sorted {
		if l != "" && has(l) {
			return l, true
		}
	}
	if has(PerValue) {
		return PerValue, true
	}
	if has(Wildcard) {
		return Wildcard, true
	}
	return "", false
}

// FindApplicableRule descends the four-level tree for job, returning the
// matched rule's counter key (with '/' substituted by the job's literal
// value), the raw rule key, and the limits. It reports false if no rule
// applies.
func (rt *RuleTree) FindApplicableRule(job Job) (counterKey Key, ruleKey Key, value Value, ok bool) {
	return rt.descend(job)
}

// descend performs the actual four-level lookup one level at a time, since
// the candidate key set at each level is small and known (literal(s), '/',
// '*'): a prefix walk tests each candidate at the first three levels, and
// a direct tree Get tests it at the user level.
func (rt *RuleTree) descend(job Job) (counterKey Key, ruleKey Key, value Value, ok bool) {
	queue, okQ := rt.pick(func(k string) bool { return rt.hasPrefix1(k) }, []string{job.QuotaQueue()})
	if !okQ {
		return Key{}, Key{}, Value{}, false
	}
	project, okP := rt.pick(func(k string) bool { return rt.hasPrefix2(queue, k) }, []string{job.QuotaProject()})
	if !okP {
		return Key{}, Key{}, Value{}, false
	}
	jobType, okT := rt.pick(func(k string) bool { return rt.hasPrefix3(queue, project, k) }, job.QuotaTypes())
	if !okT {
		return Key{}, Key{}, Value{}, false
	}
	user, okU := rt.pick(func(k string) bool { return rt.hasPrefix4(queue, project, jobType, k) }, []string{job.QuotaUser()})
	if !okU {
		return Key{}, Key{}, Value{}, false
	}
	ruleKey = Key{Queue: queue, Project: project, JobType: jobType, User: user}
	v, found := rt.tree.Get(ruleKey.radixKey())
	if !found {
		return Key{}, Key{}, Value{}, false
	}
	counterKey = ruleKey
	if counterKey.Queue == PerValue {
		counterKey.Queue = job.QuotaQueue()
	}
	if counterKey.Project == PerValue {
		counterKey.Project = job.QuotaProject()
	}
	if counterKey.User == PerValue {
		counterKey.User = job.QuotaUser()
	}
	return counterKey, ruleKey, v, true
}

func (rt *RuleTree) pick(has func(string) bool, literals []string) (string, bool) {
	return firstValidKey(has, literals)
}

func (rt *RuleTree) hasPrefix1(k string) bool {
	return rt.hasAnyWithPrefix(k)
}
func (rt *RuleTree) hasPrefix2(queue, k string) bool {
	return rt.hasAnyWithPrefix(queue, k)
}
func (rt *RuleTree) hasPrefix3(queue, project, k string) bool {
	return rt.hasAnyWithPrefix(queue, project, k)
}
func (rt *RuleTree) hasPrefix4(queue, project, jobType, k string) bool {
	_, found := rt.tree.Get(Key{queue, project, jobType, k}.radixKey())
	return found
}

// hasAnyWithPrefix reports whether any stored rule key begins with the
// given leading key segments, each segment terminated by the NUL
// separator so e.g. "default" never spuriously prefix-matches "defaults".
func (rt *RuleTree) hasAnyWithPrefix(segments ...string) bool {
	prefix := []byte(strings.Join(segments, "\x00") + "\x00")
	found := false
	rt.tree.Root().WalkPrefix(prefix, func(b []byte, v Value) bool {
		found = true
		return true
	})
	return found
}

// Counters tracks cumulative quota usage for one Slot (or a combined
// window), keyed the same way as RuleTree.
type Counters struct {
	buckets map[Key]*Value
}

// NewCounters returns an empty Counters snapshot.
func NewCounters() *Counters {
	return &Counters{buckets: make(map[Key]*Value)}
}

// Clone deep-copies c.
func (c *Counters) Clone() *Counters {
	out := NewCounters()
	for k, v := range c.buckets {
		cp := v.Clone()
		out.buckets[k] = &cp
	}
	return out
}

// Increment updates the counter buckets for every combination in
// {queue,'*'} x {project,'*'} x ({'*'} ∪ tracked-types-matching-job) x
// {user,'*'} (spec §4.3). Container jobs do not increment (they only
// consume placement; inner jobs count instead). rules supplies the
// tracked job types (spec §6 job_types); pass nil to track every type
// the job carries.
func (c *Counters) Increment(job Job, rules *RuleTree, windowSeconds int64, resourceCount uint64) {
	if job.QuotaIsContainer() {
		return
	}
	queues := []string{Wildcard, job.QuotaQueue()}
	projects := []string{Wildcard}
	if p := job.QuotaProject(); p != "" {
		projects = append(projects, p)
	}
	users := []string{Wildcard}
	if u := job.QuotaUser(); u != "" {
		users = append(users, u)
	}
	types := []string{Wildcard}
	if rules == nil || rules.trackedType == nil {
		types = append(types, job.QuotaTypes()...)
	} else {
		for _, jt := range job.QuotaTypes() {
			if rules.trackedType.Contains(jt) || rules.trackedType.Contains(Wildcard) {
				types = append(types, jt)
			}
		}
	}
	resourcesTimes := windowSeconds * int64(resourceCount)
	for _, q := range queues {
		for _, p := range projects {
			for _, jt := range types {
				for _, u := range users {
					k := Key{Queue: q, Project: p, JobType: jt, User: u}
					b, ok := c.buckets[k]
					if !ok {
						b = &Value{Resources: u64p(0), RunningJobs: u64p(0), ResourcesTimes: i64p(0)}
						c.buckets[k] = b
					}
					b.Increment(resourceCount, 1, resourcesTimes)
				}
			}
		}
	}
}

// Get returns the counter bucket for k, or a zero Value if absent.
func (c *Counters) Get(k Key) (Value, bool) {
	v, ok := c.buckets[k]
	if !ok {
		return Value{}, false
	}
	return *v, true
}

// Combine merges other into c per-key: resources/running_jobs take the
// max, resources_times sums (spec §4.3 combine).
func (c *Counters) Combine(other *Counters) {
	for k, v := range other.buckets {
		if existing, ok := c.buckets[k]; ok {
			existing.Combine(*v)
		} else {
			cp := v.Clone()
			c.buckets[k] = &cp
		}
	}
}

// Check looks up the rule matched for job and compares it against c
// (which must already have been incremented for job). It returns the
// first violation, or nil.
func Check(c *Counters, rules *RuleTree, job Job) *Violation {
	counterKey, ruleKey, limit, ok := rules.FindApplicableRule(job)
	if !ok {
		return nil
	}
	counts, ok := c.Get(counterKey)
	if !ok {
		return nil
	}
	v := limit.Check(counts)
	if v == nil {
		return nil
	}
	v.Key = ruleKey
	return v
}

// WindowGroup is one rules_id group contributing to a multi-slot quota
// check (spec §4.3 check_window): the slots' combined counters, their
// rules, and the clipped duration they cover within the candidate window.
type WindowGroup struct {
	Rules    *RuleTree
	Counters *Counters
	Duration int64
}

// CheckWindow runs the per-group "increment a scratch copy, then check"
// sequence of spec §4.3 across every rules_id group spanned by a
// candidate placement window, returning the first violation encountered.
func CheckWindow(groups []WindowGroup, job Job, resourceCount uint64) *Violation {
	for _, g := range groups {
		scratch := g.Counters.Clone()
		scratch.Increment(job, g.Rules, g.Duration, resourceCount)
		if v := Check(scratch, g.Rules, job); v != nil {
			return v
		}
	}
	return nil
}
