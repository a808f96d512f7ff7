package calendar

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"
)

func mustUnix(t *testing.T, s string) int64 {
	t.Helper()
	tm, err := time.ParseInLocation("2006-01-02 15:04", s, time.UTC)
	must.NoError(t, err)
	return tm.Unix()
}

func TestParseJSON_Periodical_NoWraparound(t *testing.T) {
	doc := map[string]any{
		"periodical": []any{
			[]any{"09:00-17:00 mon-fri * *", "business", "office hours"},
		},
	}
	cal, err := ParseJSON(nil, doc, 100)
	must.NoError(t, err)
	businessID := cal.ruleIDFor("business")

	// A Wednesday in the window.
	wed := mustUnix(t, "2026-08-05 10:00") // 2026-08-05 is a Wednesday
	id, _ := cal.RuleAt(wed)
	must.Eq(t, businessID, id)

	// Same Wednesday, outside the window.
	outside := mustUnix(t, "2026-08-05 20:00")
	id2, _ := cal.RuleAt(outside)
	must.Eq(t, -1, id2)
}

func TestParseJSON_Periodical_MidnightWraparound(t *testing.T) {
	doc := map[string]any{
		"periodical": []any{
			[]any{"22:00-02:00 fri * *", "night", "off hours"},
		},
	}
	cal, err := ParseJSON(nil, doc, 100)
	must.NoError(t, err)
	must.Eq(t, 2, len(cal.windows))
	nightID := cal.ruleIDFor("night")

	// Friday night, 23:00 -- inside the first (pre-midnight) half.
	fridayNight := mustUnix(t, "2026-08-07 23:00") // Friday
	id, _ := cal.RuleAt(fridayNight)
	must.Eq(t, nightID, id)

	// Saturday 01:00 -- inside the wrapped (post-midnight) half.
	saturdayEarly := mustUnix(t, "2026-08-08 01:00")
	id2, _ := cal.RuleAt(saturdayEarly)
	must.Eq(t, nightID, id2)

	// Saturday 03:00 -- past the wrapped window.
	saturdayLate := mustUnix(t, "2026-08-08 03:00")
	id3, _ := cal.RuleAt(saturdayLate)
	must.Eq(t, -1, id3)
}

func TestParseJSON_Oneshot_SupersedesPeriodical(t *testing.T) {
	doc := map[string]any{
		"periodical": []any{
			[]any{"00:00-23:59 * * *", "always", "default"},
		},
		"oneshot": []any{
			[]any{"2026-08-05 00:00", "2026-08-06 00:00", "maintenance", "planned"},
		},
	}
	cal, err := ParseJSON(nil, doc, 100)
	must.NoError(t, err)
	alwaysID := cal.ruleIDFor("always")
	maintenanceID := cal.ruleIDFor("maintenance")
	must.NotEq(t, alwaysID, maintenanceID)

	duringOneshot := mustUnix(t, "2026-08-05 12:00")
	id, _ := cal.RuleAt(duringOneshot)
	must.Eq(t, maintenanceID, id)

	afterOneshot := mustUnix(t, "2026-08-06 12:00")
	id2, _ := cal.RuleAt(afterOneshot)
	must.Eq(t, alwaysID, id2)
}

func TestParseJSON_InvalidPeriodSpecAccumulatesError(t *testing.T) {
	doc := map[string]any{
		"periodical": []any{
			[]any{"09:00-17:00 mon 1 *", "bad-month-day", "desc"},
			[]any{"bad-format", "also-bad", "desc"},
		},
	}
	_, err := ParseJSON(nil, doc, 100)
	must.Error(t, err)
}

func TestParseJSON_QuotasAllAndMultiplier(t *testing.T) {
	doc := map[string]any{
		"quotas_business": map[string]any{
			"*,*,*,/": []any{"ALL", "0.5*ALL", -1.0},
		},
	}
	cal, err := ParseJSON(nil, doc, 200)
	must.NoError(t, err)
	rt := cal.RuleTree(cal.ruleIDFor("business"))
	must.NotNil(t, rt)
}

func TestParseJSON_JobTypesDefaultsToWildcard(t *testing.T) {
	cal, err := ParseJSON(nil, map[string]any{}, 100)
	must.NoError(t, err)
	must.Eq(t, []string{"*"}, cal.TrackedJobTypes())
}

func TestParseJSON_MissingSchemaVersionDefaultsToSupported(t *testing.T) {
	_, err := ParseJSON(nil, map[string]any{}, 100)
	require.NoError(t, err)
}

func TestParseJSON_SchemaVersionWithinRangeAccepted(t *testing.T) {
	_, err := ParseJSON(nil, map[string]any{"schema_version": "1.2"}, 100)
	require.NoError(t, err)
}

func TestParseJSON_SchemaVersionOutOfRangeRejected(t *testing.T) {
	_, err := ParseJSON(nil, map[string]any{"schema_version": "2.0"}, 100)
	require.Error(t, err)
	require.ErrorContains(t, err, "schema_version")
}

func TestParseJSON_SchemaVersionMalformedRejected(t *testing.T) {
	_, err := ParseJSON(nil, map[string]any{"schema_version": "not-a-version"}, 100)
	require.Error(t, err)
}
