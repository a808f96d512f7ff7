// Package calendar implements the temporal-quota calendar: a mapping
// from a point in time to the quota rule set in effect, built from a
// JSON document of periodical and one-shot windows (spec §6).
package calendar

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-version"

	"github.com/oar-team/oar-scheduler-go/quota"
)

// supportedSchema is the range of calendar document schema versions this
// package can parse. A document outside this range is rejected up front
// rather than partially parsed (spec §6 "schema_version").
var supportedSchema = mustConstraint(">= 1.0, < 2.0")

func mustConstraint(s string) version.Constraints {
	c, err := version.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// defaultSchemaVersion is assumed for documents that omit schema_version,
// matching the only schema that existed before the field was introduced.
const defaultSchemaVersion = "1.0"

// TemporalCalendar maps a time point to the quota rule set in effect at
// that time, and the time at which that answer stops being valid (spec
// §6: "temporal_calendar.rule_at(t) -> (rules_id, valid_until_t)"). The
// scheduler consults this once per boundary when building the default
// SlotSet, splitting slots wherever the effective rule set changes.
type TemporalCalendar interface {
	RuleAt(t int64) (rulesID int, validUntil int64)
	// RuleTree resolves a rules_id returned by RuleAt to its rule tree, or
	// nil if that id carries no quota constraints.
	RuleTree(rulesID int) *quota.RuleTree
}

// weekday indices matching Go's time.Weekday (Sunday = 0).
var dayNames = map[string]int{
	"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
}

// window is one concrete, non-wrapping periodical occurrence: a
// time-of-day range on a single weekday, expressed as seconds-of-day.
type window struct {
	weekday        int
	startOfDay     int
	endOfDay       int // exclusive
	rulesID        int
}

// oneshot is a single absolute-time override window.
type oneshot struct {
	begin, end int64
	rulesID    int
}

// JSONCalendar is the TemporalCalendar implementation parsed from the
// spec §6 JSON document.
type JSONCalendar struct {
	log      hclog.Logger
	windows  []window
	oneshots []oneshot

	// ruleIDs maps a declared rule_name to its stable integer id, and
	// ruleSets holds the RuleTree built for each (keyed by that id).
	ruleIDs  map[string]int
	ruleSets map[int]*quota.RuleTree
	// trackedJobTypes is the "job_types" list: which job_type literals
	// contribute to quota counters (spec §6).
	trackedJobTypes []string
	nextRuleID      int
}

// rawDocument mirrors the JSON document shape from spec §6. Rule tables
// are decoded separately since their key set (quotas_<name>) is dynamic.
type rawDocument struct {
	SchemaVersion string      `json:"schema_version"`
	Periodical    [][3]string `json:"periodical"`
	Oneshot       [][4]string `json:"oneshot"`
	JobTypes      []string    `json:"job_types"`
}

// ParseJSON parses a calendar document (spec §6). allValue is the
// platform's total resource count, used to resolve "ALL"/"k*ALL" quota
// values. Every error encountered is accumulated and returned together
// (spec §7: configuration errors are fatal at cycle start, and the
// platform should see every malformed entry in one report), via
// go-multierror so the caller gets the complete list rather than the
// first failure.
func ParseJSON(log hclog.Logger, raw map[string]any, allValue uint64) (*JSONCalendar, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	var errs *multierror.Error
	cal := &JSONCalendar{
		log:      log.Named("calendar"),
		ruleIDs:  make(map[string]int),
		ruleSets: make(map[int]*quota.RuleTree),
	}

	schemaRaw := defaultSchemaVersion
	if v, ok := raw["schema_version"]; ok {
		s, ok := v.(string)
		if !ok {
			errs = multierror.Append(errs, fmt.Errorf("schema_version: expected a string"))
		} else {
			schemaRaw = s
		}
	}
	if v, err := version.NewVersion(schemaRaw); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("schema_version %q: %w", schemaRaw, err))
	} else if !supportedSchema.Check(v) {
		errs = multierror.Append(errs, fmt.Errorf("schema_version %q: unsupported, this build accepts %s", schemaRaw, supportedSchema))
	}

	if v, ok := raw["job_types"]; ok {
		types, ok := toStringSlice(v)
		if !ok {
			errs = multierror.Append(errs, fmt.Errorf("job_types: expected an array of strings"))
		} else {
			cal.trackedJobTypes = types
		}
	} else {
		cal.trackedJobTypes = []string{"*"}
	}

	if v, ok := raw["periodical"]; ok {
		rows, ok := toRows(v, 3)
		if !ok {
			errs = multierror.Append(errs, fmt.Errorf("periodical: expected an array of 3-element arrays"))
		} else {
			for i, row := range rows {
				if err := cal.addPeriodical(row[0], row[1]); err != nil {
					errs = multierror.Append(errs, fmt.Errorf("periodical[%d]: %w", i, err))
				}
			}
		}
	}

	if v, ok := raw["oneshot"]; ok {
		rows, ok := toRows(v, 4)
		if !ok {
			errs = multierror.Append(errs, fmt.Errorf("oneshot: expected an array of 4-element arrays"))
		} else {
			for i, row := range rows {
				if err := cal.addOneshot(row[0], row[1], row[2]); err != nil {
					errs = multierror.Append(errs, fmt.Errorf("oneshot[%d]: %w", i, err))
				}
			}
		}
	}

	for key, v := range raw {
		if !strings.HasPrefix(key, "quotas_") {
			continue
		}
		name := strings.TrimPrefix(key, "quotas_")
		rules, ok := toQuotasMap(v, allValue)
		if !ok {
			errs = multierror.Append(errs, fmt.Errorf("%s: malformed quota rule table", key))
			continue
		}
		id := cal.ruleIDFor(name)
		cal.ruleSets[id] = quota.NewRuleTree(id, rules, cal.trackedJobTypes)
	}

	if errs.ErrorOrNil() != nil {
		return nil, errs
	}

	sort.Slice(cal.windows, func(i, j int) bool {
		if cal.windows[i].weekday != cal.windows[j].weekday {
			return cal.windows[i].weekday < cal.windows[j].weekday
		}
		return cal.windows[i].startOfDay < cal.windows[j].startOfDay
	})
	sort.Slice(cal.oneshots, func(i, j int) bool { return cal.oneshots[i].begin < cal.oneshots[j].begin })

	return cal, nil
}

func (c *JSONCalendar) ruleIDFor(name string) int {
	if id, ok := c.ruleIDs[name]; ok {
		return id
	}
	id := c.nextRuleID
	c.nextRuleID++
	c.ruleIDs[name] = id
	return id
}

// RuleTree returns the quota rule tree for the given rule id, or nil if
// the calendar has no rule table declared for it (the scheduler then
// applies the platform's default rule tree over that period).
func (c *JSONCalendar) RuleTree(rulesID int) *quota.RuleTree { return c.ruleSets[rulesID] }

var _ TemporalCalendar = (*JSONCalendar)(nil)

// TrackedJobTypes returns the job-type literals this calendar tracks
// (spec §6 "job_types").
func (c *JSONCalendar) TrackedJobTypes() []string { return c.trackedJobTypes }

// addPeriodical parses one "HH:MM-HH:MM DAY_RANGE * *" entry, splitting
// a midnight-crossing range into two same-rule windows (spec §6).
func (c *JSONCalendar) addPeriodical(periodSpec, ruleName string) error {
	fields := strings.Fields(periodSpec)
	if len(fields) != 4 {
		return fmt.Errorf("period_spec %q: expected 4 space-separated fields", periodSpec)
	}
	timeRange, dayRange, month, day := fields[0], fields[1], fields[2], fields[3]
	if month != "*" || day != "*" {
		return fmt.Errorf("period_spec %q: month and day must be \"*\"", periodSpec)
	}

	startSec, endSec, err := parseTimeRange(timeRange)
	if err != nil {
		return fmt.Errorf("period_spec %q: %w", periodSpec, err)
	}
	days, err := parseDayRange(dayRange)
	if err != nil {
		return fmt.Errorf("period_spec %q: %w", periodSpec, err)
	}

	id := c.ruleIDFor(ruleName)
	for _, d := range days {
		if endSec > startSec {
			c.windows = append(c.windows, window{weekday: d, startOfDay: startSec, endOfDay: endSec, rulesID: id})
			continue
		}
		// Midnight wraparound: split into [start, 24:00) on d and
		// [00:00, end) on the following day.
		c.windows = append(c.windows, window{weekday: d, startOfDay: startSec, endOfDay: secondsPerDay, rulesID: id})
		c.windows = append(c.windows, window{weekday: (d + 1) % 7, startOfDay: 0, endOfDay: endSec, rulesID: id})
	}
	return nil
}

func (c *JSONCalendar) addOneshot(beginStr, endStr, ruleName string) error {
	begin, err := parseDateTime(beginStr)
	if err != nil {
		return fmt.Errorf("begin %q: %w", beginStr, err)
	}
	end, err := parseDateTime(endStr)
	if err != nil {
		return fmt.Errorf("end %q: %w", endStr, err)
	}
	if end <= begin {
		return fmt.Errorf("end (%s) must be after begin (%s)", endStr, beginStr)
	}
	c.oneshots = append(c.oneshots, oneshot{begin: begin, end: end, rulesID: c.ruleIDFor(ruleName)})
	return nil
}

const secondsPerDay = 24 * 3600

func parseTimeRange(s string) (startSec, endSec int, err error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("time range %q: expected \"HH:MM-HH:MM\"", s)
	}
	startSec, err = parseClock(parts[0])
	if err != nil {
		return 0, 0, err
	}
	endSec, err = parseClock(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return startSec, endSec, nil
}

func parseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("clock %q: expected \"HH:MM\"", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("clock %q: invalid hour", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m >= 60 {
		return 0, fmt.Errorf("clock %q: invalid minute", s)
	}
	return h*3600 + m*60, nil
}

// parseDayRange parses "*", a comma-separated day-name list, or
// day-name ranges like "mon-fri" (spec §6).
func parseDayRange(s string) ([]int, error) {
	if s == "*" {
		return []int{0, 1, 2, 3, 4, 5, 6}, nil
	}
	seen := make(map[int]bool)
	var out []int
	for _, part := range strings.Split(s, ",") {
		if strings.Contains(part, "-") {
			bounds := strings.SplitN(part, "-", 2)
			from, ok1 := dayNames[bounds[0]]
			to, ok2 := dayNames[bounds[1]]
			if len(bounds) != 2 || !ok1 || !ok2 {
				return nil, fmt.Errorf("day range %q: unknown day name", part)
			}
			for d := from; ; d = (d + 1) % 7 {
				if !seen[d] {
					seen[d] = true
					out = append(out, d)
				}
				if d == to {
					break
				}
			}
		} else {
			d, ok := dayNames[part]
			if !ok {
				return nil, fmt.Errorf("day %q: unknown day name", part)
			}
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	}
	return out, nil
}

// parseDateTime parses "YYYY-MM-DD HH:MM" in UTC to an epoch second
// (spec §6).
func parseDateTime(s string) (int64, error) {
	t, err := time.ParseInLocation("2006-01-02 15:04", s, time.UTC)
	if err != nil {
		return 0, fmt.Errorf("expected \"YYYY-MM-DD HH:MM\": %w", err)
	}
	return t.Unix(), nil
}

// RuleAt implements TemporalCalendar (spec §6). Oneshots take precedence
// over periodicals within their interval; absent any match, rule id -1
// (no calendar rule set) applies until the next relevant boundary.
func (c *JSONCalendar) RuleAt(t int64) (rulesID int, validUntil int64) {
	for _, o := range c.oneshots {
		if t >= o.begin && t < o.end {
			return o.rulesID, o.end
		}
	}
	wd, sod := weekdayAndSecondOfDay(t)
	for _, w := range c.windows {
		if w.weekday == wd && sod >= w.startOfDay && sod < w.endOfDay {
			dayStart := t - int64(sod)
			until := dayStart + int64(w.endOfDay)
			// A oneshot starting inside this window takes over from there.
			for _, o := range c.oneshots {
				if o.begin > t && o.begin < until {
					until = o.begin
				}
			}
			return w.rulesID, until
		}
	}
	return -1, nextBoundary(t, c.windows, c.oneshots)
}

func weekdayAndSecondOfDay(t int64) (weekday, secondOfDay int) {
	tm := time.Unix(t, 0).UTC()
	return int(tm.Weekday()), tm.Hour()*3600 + tm.Minute()*60 + tm.Second()
}

// nextBoundary finds the soonest time after t at which some window or
// oneshot begins, bounding how long the "no rule" answer stays valid.
func nextBoundary(t int64, windows []window, oneshots []oneshot) int64 {
	best := int64(math.MaxInt64)
	for _, o := range oneshots {
		if o.begin > t && o.begin < best {
			best = o.begin
		}
	}
	wd, sod := weekdayAndSecondOfDay(t)
	dayStart := t - int64(sod)
	for days := 0; days < 8; days++ {
		for _, w := range windows {
			if w.weekday != (wd+days)%7 {
				continue
			}
			candidate := dayStart + int64(days*secondsPerDay) + int64(w.startOfDay)
			if candidate > t && candidate < best {
				best = candidate
			}
		}
		if best != math.MaxInt64 {
			break
		}
	}
	if best == math.MaxInt64 {
		return t + secondsPerDay*7
	}
	return best
}

func toStringSlice(v any) ([]string, bool) {
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		s, ok := e.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func toRows(v any, width int) ([][]string, bool) {
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	rows := make([][]string, 0, len(list))
	for _, e := range list {
		row, ok := e.([]any)
		if !ok || len(row) != width {
			return nil, false
		}
		strRow := make([]string, width)
		for i, f := range row {
			s, ok := f.(string)
			if !ok {
				return nil, false
			}
			strRow[i] = s
		}
		rows = append(rows, strRow)
	}
	return rows, true
}

// toQuotasMap parses a "quotas_<name>" table: keys are
// "queue,project,job_type,user", values are 3-element arrays of
// int | "ALL" | "k*ALL" | negative-means-unconstrained (spec §6).
func toQuotasMap(v any, allValue uint64) (map[quota.Key]quota.Value, bool) {
	table, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	out := make(map[quota.Key]quota.Value, len(table))
	for k, raw := range table {
		parts := strings.Split(k, ",")
		if len(parts) != 4 {
			return nil, false
		}
		row, ok := raw.([]any)
		if !ok || len(row) != 3 {
			return nil, false
		}
		resources, ok1 := parseQuotaField(row[0], allValue)
		runningJobs, ok2 := parseQuotaField(row[1], allValue)
		resourcesTimesHours, ok3 := parseQuotaField(row[2], allValue)
		if !ok1 || !ok2 || !ok3 {
			return nil, false
		}
		key := quota.Key{Queue: parts[0], Project: parts[1], JobType: parts[2], User: parts[3]}
		var val quota.Value
		if resources >= 0 {
			r := uint64(resources)
			val.Resources = &r
		}
		if runningJobs >= 0 {
			rj := uint64(runningJobs)
			val.RunningJobs = &rj
		}
		if resourcesTimesHours >= 0 {
			rt := int64(resourcesTimesHours) * 3600
			val.ResourcesTimes = &rt
		}
		out[key] = val
	}
	return out, true
}

// parseQuotaField resolves one quota cell: a plain number, "ALL", a
// "k*ALL" multiplier, or a negative number (unconstrained, spec §6).
// Returns a negative float when unconstrained, so callers can test sign
// uniformly regardless of which spelling produced it.
func parseQuotaField(v any, allValue uint64) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		s := strings.TrimSpace(n)
		if s == "ALL" {
			return float64(allValue), true
		}
		if strings.HasSuffix(s, "*ALL") {
			factor, err := strconv.ParseFloat(strings.TrimSuffix(s, "*ALL"), 64)
			if err != nil {
				return 0, false
			}
			return factor * float64(allValue), true
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
