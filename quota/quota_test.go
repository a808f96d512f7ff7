package quota

import (
	"testing"

	"github.com/shoenig/test/must"
)

type testJob struct {
	queue     string
	project   string
	types     []string
	user      string
	container bool
}

func (j testJob) QuotaQueue() string     { return j.queue }
func (j testJob) QuotaProject() string   { return j.project }
func (j testJob) QuotaTypes() []string   { return j.types }
func (j testJob) QuotaUser() string      { return j.user }
func (j testJob) QuotaIsContainer() bool { return j.container }

func TestFindApplicableRule_Precedence(t *testing.T) {
	rules := map[Key]Value{
		{Queue: Wildcard, Project: Wildcard, JobType: Wildcard, User: PerValue}: {Resources: u64p(63)},
		{Queue: "prod", Project: Wildcard, JobType: Wildcard, User: Wildcard}:   {Resources: u64p(128)},
	}
	rt := NewRuleTree(1, rules, nil)

	j := testJob{queue: "prod", user: "alice"}
	_, ruleKey, v, ok := rt.FindApplicableRule(j)
	must.True(t, ok)
	// Literal queue "prod" beats the wildcard entry.
	must.Eq(t, "prod", ruleKey.Queue)
	must.Eq(t, uint64(128), *v.Resources)

	j2 := testJob{queue: "dev", user: "bob"}
	counterKey, ruleKey2, v2, ok2 := rt.FindApplicableRule(j2)
	must.True(t, ok2)
	must.Eq(t, PerValue, ruleKey2.User)
	must.Eq(t, "bob", counterKey.User) // '/' substituted by the job's literal value
	must.Eq(t, uint64(63), *v2.Resources)
}

func TestFindApplicableRule_NoMatch(t *testing.T) {
	rt := NewRuleTree(1, map[Key]Value{}, nil)
	_, _, _, ok := rt.FindApplicableRule(testJob{queue: "prod"})
	must.False(t, ok)
}

// A restrictive job_types list (trackedTypes) must only gate which job
// types contribute to Counters.Increment's buckets, never which rule a
// job matches in the first place: a job of an untracked type still has
// to find its literal-keyed rule.
func TestFindApplicableRule_UntrackedJobTypeStillMatchesLiteralRule(t *testing.T) {
	rules := map[Key]Value{
		{Queue: Wildcard, Project: Wildcard, JobType: "besteffort", User: Wildcard}: {Resources: u64p(32)},
	}
	rt := NewRuleTree(1, rules, []string{"deploy"}) // "besteffort" is not tracked

	j := testJob{queue: "q", user: "u", types: []string{"besteffort"}}
	_, ruleKey, v, ok := rt.FindApplicableRule(j)
	must.True(t, ok)
	must.Eq(t, "besteffort", ruleKey.JobType)
	must.Eq(t, uint64(32), *v.Resources)
}

func TestIncrement_ContainerDoesNotCount(t *testing.T) {
	c := NewCounters()
	c.Increment(testJob{queue: "q", user: "u", container: true}, nil, 60, 4)
	_, ok := c.Get(Key{Queue: Wildcard, Project: Wildcard, JobType: "", User: Wildcard})
	must.False(t, ok)
}

func TestIncrement_PopulatesWildcardAndLiteralBuckets(t *testing.T) {
	c := NewCounters()
	c.Increment(testJob{queue: "q", user: "alice", types: []string{"besteffort"}}, nil, 60, 4)

	v, ok := c.Get(Key{Queue: Wildcard, Project: Wildcard, JobType: "besteffort", User: Wildcard})
	must.True(t, ok)
	must.Eq(t, uint64(4), *v.Resources)
	must.Eq(t, uint64(1), *v.RunningJobs)
	must.Eq(t, int64(240), *v.ResourcesTimes)

	v2, ok2 := c.Get(Key{Queue: "q", Project: Wildcard, JobType: "besteffort", User: "alice"})
	must.True(t, ok2)
	must.Eq(t, uint64(4), *v2.Resources)
}

func TestCombine_MaxAndSum(t *testing.T) {
	a := NewCounters()
	a.Increment(testJob{queue: "q", user: "u", types: []string{"t"}}, nil, 60, 10)
	b := NewCounters()
	b.Increment(testJob{queue: "q", user: "u", types: []string{"t"}}, nil, 60, 4)

	a.Combine(b)
	v, ok := a.Get(Key{Queue: "q", Project: Wildcard, JobType: "t", User: "u"})
	must.True(t, ok)
	must.Eq(t, uint64(10), *v.Resources)  // max(10,4)
	must.Eq(t, uint64(1), *v.RunningJobs) // max(1,1)
	must.Eq(t, int64(840), *v.ResourcesTimes)
}

func TestCheckWindow_QuotaDenial(t *testing.T) {
	// Scenario S3: rule (*,*,*,/) -> resources=63, job requests 64.
	rules := map[Key]Value{
		{Queue: Wildcard, Project: Wildcard, JobType: Wildcard, User: PerValue}: {Resources: u64p(63)},
	}
	rt := NewRuleTree(1, rules, nil)
	j := testJob{queue: "default", user: "alice"}
	groups := []WindowGroup{{Rules: rt, Counters: NewCounters(), Duration: 60}}
	v := CheckWindow(groups, j, 64)
	must.NotNil(t, v)
	must.Eq(t, "resources", v.Field)
}

func TestCheckWindow_QuotaBoundary(t *testing.T) {
	// Scenario S4: same rule with limit 64, job requests exactly 64: allowed.
	rules := map[Key]Value{
		{Queue: Wildcard, Project: Wildcard, JobType: Wildcard, User: PerValue}: {Resources: u64p(64)},
	}
	rt := NewRuleTree(1, rules, nil)
	j := testJob{queue: "default", user: "alice"}
	groups := []WindowGroup{{Rules: rt, Counters: NewCounters(), Duration: 60}}
	v := CheckWindow(groups, j, 64)
	must.Nil(t, v)
}
