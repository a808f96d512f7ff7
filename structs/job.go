// Package structs holds the domain types shared across the scheduler:
// Job, Moldable, Assignment and the typed attributes parsed from a job's
// raw submission-time attribute map.
package structs

import (
	"fmt"
	"sort"

	"github.com/mitchellh/hashstructure"
	"github.com/mitchellh/mapstructure"

	"github.com/oar-team/oar-scheduler-go/bitmap"
	"github.com/oar-team/oar-scheduler-go/hierarchy"
)

// JobID identifies a job. The platform assigns these; the core never
// generates one.
type JobID int64

// TimeSharingKind enumerates the five time-sharing modes from spec §3.
type TimeSharingKind int

const (
	TimeSharingNone TimeSharingKind = iota
	TimeSharingAllAll
	TimeSharingAllName
	TimeSharingUserAll
	TimeSharingUserName
)

// TimeSharing is the parsed "timesharing" attribute.
type TimeSharing struct {
	Kind TimeSharingKind
}

// Keys returns the (user_key, name_key) fallback pair used to look up and
// record time-sharing slot entries for job (spec §4.6): '*' for a
// wildcard position, else the job's own user/name.
func (ts TimeSharing) Keys(job *Job) (userKey, nameKey string) {
	switch ts.Kind {
	case TimeSharingAllAll:
		return "*", "*"
	case TimeSharingAllName:
		return "*", job.Name
	case TimeSharingUserAll:
		return job.User, "*"
	case TimeSharingUserName:
		return job.User, job.Name
	default:
		return "", ""
	}
}

// PlaceholderKind distinguishes a placeholder-defining job from one that
// is allowed to reuse a named placeholder's resources.
type PlaceholderKind int

const (
	PlaceholderNone PlaceholderKind = iota
	PlaceholderDefine
	PlaceholderAllow
)

// Placeholder is the parsed "placeholder"/"allow" attribute.
type Placeholder struct {
	Kind PlaceholderKind
	Name string
}

// ContainerName is a tagged container-slot-set name: either a
// user-declared string, or (when none was declared) the container job's
// own id. Keeping these tagged prevents a user-chosen name from
// accidentally colliding with an integer job id (Open Question 2).
type ContainerName struct {
	named     bool
	name      string
	anonymous JobID
}

// Named returns a user-declared container name.
func Named(name string) ContainerName { return ContainerName{named: true, name: name} }

// Anonymous returns the fallback container name derived from a job id.
func Anonymous(id JobID) ContainerName { return ContainerName{anonymous: id} }

// String renders the name as it is used to key the slot-set registry.
func (c ContainerName) String() string {
	if c.named {
		return c.name
	}
	return fmt.Sprintf("job-%d", c.anonymous)
}

// RawAttrs is the open, platform-supplied attribute map a job is
// submitted with (spec Design Notes §9, "Dynamic attribute map vs fixed
// schema"). The scheduler interprets a fixed set of keys and ignores the
// rest; the raw map is preserved for diagnostics.
type RawAttrs map[string]any

// Attributes are the typed, parsed behavior-shaping flags derived from
// RawAttrs once at job construction time.
type Attributes struct {
	TimeSharing   TimeSharing
	Placeholder   Placeholder
	Container     *ContainerName // non-nil iff this job is a container
	InnerOf       string         // non-empty iff this job is inner to a named container
	NoQuotas      bool
	droppedFields []string // attribute keys dropped due to invalid values (spec §7 per-job warnings)
}

// rawAttrShape mirrors the subset of RawAttrs mapstructure can decode
// directly; the rest (container/timesharing/placeholder) need bespoke
// parsing because their Go representation is a tagged union, not a
// struct mapstructure can target.
type rawAttrShape struct {
	NoQuotas bool `mapstructure:"no_quotas"`
}

// ParseAttributes decodes raw into typed Attributes. Invalid values for a
// single key are dropped with the key recorded on DroppedFields (spec §7
// per-job warnings) rather than failing the whole decode. id is the owning
// job's id, used as the container's fallback name when "container" is
// present but carries no name of its own (spec Open Question 2).
func ParseAttributes(id JobID, raw RawAttrs) Attributes {
	var shape rawAttrShape
	if err := mapstructure.Decode(map[string]any(raw), &shape); err == nil {
		// mapstructure only fails on type mismatches for the fields it
		// knows about; a bad no_quotas value simply leaves it false.
	}
	attrs := Attributes{NoQuotas: shape.NoQuotas}

	if v, ok := raw["timesharing"]; ok {
		if ts, ok := parseTimeSharing(v); ok {
			attrs.TimeSharing = ts
		} else {
			attrs.droppedFields = append(attrs.droppedFields, "timesharing")
		}
	}
	if v, ok := raw["placeholder"]; ok {
		if s, ok := v.(string); ok && s != "" {
			attrs.Placeholder = Placeholder{Kind: PlaceholderDefine, Name: s}
		} else {
			attrs.droppedFields = append(attrs.droppedFields, "placeholder")
		}
	}
	if v, ok := raw["allow"]; ok {
		if s, ok := v.(string); ok && s != "" {
			attrs.Placeholder = Placeholder{Kind: PlaceholderAllow, Name: s}
		} else {
			attrs.droppedFields = append(attrs.droppedFields, "allow")
		}
	}
	if v, ok := raw["container"]; ok {
		if s, ok := v.(string); ok && s != "" {
			c := Named(s)
			attrs.Container = &c
		} else if v == nil || v == "" {
			c := Anonymous(id)
			attrs.Container = &c
		} else {
			attrs.droppedFields = append(attrs.droppedFields, "container")
		}
	}
	if v, ok := raw["inner"]; ok {
		if s, ok := v.(string); ok && s != "" {
			attrs.InnerOf = s
		} else {
			attrs.droppedFields = append(attrs.droppedFields, "inner")
		}
	}
	return attrs
}

// DroppedFields reports which attribute keys were present but invalid and
// so were ignored (spec §7 per-job warnings).
func (a Attributes) DroppedFields() []string { return a.droppedFields }

func parseTimeSharing(v any) (TimeSharing, bool) {
	s, ok := v.(string)
	if !ok {
		return TimeSharing{}, false
	}
	switch s {
	case "*,*":
		return TimeSharing{Kind: TimeSharingAllAll}, true
	case "*,name":
		return TimeSharing{Kind: TimeSharingAllName}, true
	case "user,*":
		return TimeSharing{Kind: TimeSharingUserAll}, true
	case "user,name":
		return TimeSharing{Kind: TimeSharingUserName}, true
	default:
		return TimeSharing{}, false
	}
}

// Dependency is one entry of a job's ordered dependency list (spec §3).
type Dependency struct {
	OtherJobID   JobID
	OtherState   string // "Waiting", "Terminated", "Error", ...
	OtherExit    *int
}

// Moldable is one candidate shape a job can be launched in (spec §3).
type Moldable struct {
	Walltime int64
	Request  hierarchy.HierarchyRequest
	cacheKey string
}

// NewMoldable builds a Moldable and derives its deterministic cache key
// from walltime and the request, via hashstructure so identical moldables
// always hash identically (spec §3).
func NewMoldable(walltime int64, req hierarchy.HierarchyRequest) Moldable {
	m := Moldable{Walltime: walltime, Request: req}
	h, err := hashstructure.Hash(req.CacheKeyPart(), nil)
	if err != nil {
		// CacheKeyPart always returns a plain string; Hash over a string
		// cannot fail in practice.
		panic(err)
	}
	m.cacheKey = fmt.Sprintf("%d:%x", walltime, h)
	return m
}

// CacheKey returns the deterministic moldable cache key (spec §3, §4.4).
func (m Moldable) CacheKey() string { return m.cacheKey }

// Assignment is the scheduler's output for a placed job (spec §3, §6).
type Assignment struct {
	Begin          int64
	End            int64
	Resources      bitmap.ResourceBitmap
	MoldableIndex  int
	QuotasHitCount uint32
}

// Job is the scheduler's view of a queued or committed job. Immutable
// identifying metadata plus moldables; Assignment is populated by the
// placement algorithm.
type Job struct {
	ID             JobID
	User           string
	Project        string
	Queue          string
	Name           string
	Types          []string // job-type literals, e.g. "besteffort"; used as quota job_type keys
	SubmissionTime int64

	Moldables    []Moldable
	Dependencies []Dependency

	RawAttrs   RawAttrs
	Attributes Attributes

	Assignment *Assignment
}

// NewJob constructs a Job and eagerly parses its attribute map, per the
// Design Notes ("parse this map once at job construction").
func NewJob(id JobID, queue, user string, moldables []Moldable, raw RawAttrs) *Job {
	return &Job{
		ID:         id,
		Queue:      queue,
		User:       user,
		Moldables:  moldables,
		RawAttrs:   raw,
		Attributes: ParseAttributes(id, raw),
	}
}

// IsScheduled reports whether the placement algorithm has assigned this job.
func (j *Job) IsScheduled() bool { return j.Assignment != nil }

// IsContainer reports whether this job owns a nested slot set for inner jobs.
func (j *Job) IsContainer() bool { return j.Attributes.Container != nil }

// ContainerSlotSetName returns the name of the child slot set this
// container job owns, falling back to its own id when undeclared.
func (j *Job) ContainerSlotSetName() string {
	if j.Attributes.Container != nil {
		return j.Attributes.Container.String()
	}
	return Anonymous(j.ID).String()
}

// SlotSetName returns the slot set this job must be scheduled into: its
// declared container's, or the default set.
func (j *Job) SlotSetName() string {
	if j.Attributes.InnerOf != "" {
		return j.Attributes.InnerOf
	}
	return "default"
}

// CanUseCache reports whether this job may start its search from a
// moldable cache entry (spec §4.4): no time-sharing, no placeholder, no
// no_quotas, and no dependencies.
func (j *Job) CanUseCache() bool {
	return j.Attributes.TimeSharing.Kind == TimeSharingNone &&
		j.Attributes.Placeholder.Kind == PlaceholderNone &&
		!j.Attributes.NoQuotas &&
		len(j.Dependencies) == 0
}

// CanSetCache reports whether this job may record a moldable cache entry;
// identical conditions to CanUseCache (spec §4.4).
func (j *Job) CanSetCache() bool { return j.CanUseCache() }

// quota.Job implementation -- keeps the quota package decoupled from structs.

func (j *Job) QuotaQueue() string   { return j.Queue }
func (j *Job) QuotaProject() string { return j.Project }
func (j *Job) QuotaUser() string    { return j.User }
func (j *Job) QuotaTypes() []string {
	types := append([]string(nil), j.Types...)
	sort.Strings(types)
	return types
}
func (j *Job) QuotaIsContainer() bool { return j.IsContainer() }
