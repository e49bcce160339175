package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cronpilot/cronpilot/errors"
)

var ref = time.Date(2025, 3, 10, 14, 37, 12, 0, time.UTC) // Monday

func TestParseManual(t *testing.T) {
	spec, err := Parse([]byte(`{"type":"manual"}`), ref)
	require.NoError(t, err)
	assert.Equal(t, TypeManual, spec.Type)
}

func TestParseHourlyAnchorsRegistrationMinute(t *testing.T) {
	spec, err := Parse([]byte(`{"type":"hourly"}`), ref)
	require.NoError(t, err)
	assert.Equal(t, 37, spec.Minute)
}

func TestParseHourlyExplicitMinute(t *testing.T) {
	spec, err := Parse([]byte(`{"type":"hourly","minute":5}`), ref)
	require.NoError(t, err)
	assert.Equal(t, 5, spec.Minute)
}

func TestParseDaily(t *testing.T) {
	spec, err := Parse([]byte(`{"type":"daily","hour":14,"minute":30}`), ref)
	require.NoError(t, err)
	assert.Equal(t, TypeDaily, spec.Type)
	assert.Equal(t, 14, spec.Hour)
	assert.Equal(t, 30, spec.Minute)
}

func TestParseDailyMissingFields(t *testing.T) {
	_, err := Parse([]byte(`{"type":"daily","hour":14}`), ref)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrScheduleParse))
}

func TestParseWeekly(t *testing.T) {
	spec, err := Parse([]byte(`{"type":"weekly","day_of_week":"Fri","hour":9,"minute":0}`), ref)
	require.NoError(t, err)
	assert.Equal(t, "fri", spec.DayOfWeek)
}

func TestParseRejectsOutOfRange(t *testing.T) {
	cases := []string{
		`{"type":"daily","hour":24,"minute":0}`,
		`{"type":"daily","hour":0,"minute":60}`,
		`{"type":"daily","hour":-1,"minute":0}`,
		`{"type":"weekly","day_of_week":"someday","hour":9,"minute":0}`,
		`{"type":"hourly","minute":61}`,
	}
	for _, raw := range cases {
		_, err := Parse([]byte(raw), ref)
		assert.True(t, errors.Is(err, ErrScheduleParse), "expected parse error for %s", raw)
	}
}

func TestParseUnknownType(t *testing.T) {
	_, err := Parse([]byte(`{"type":"fortnightly"}`), ref)
	assert.True(t, errors.Is(err, ErrScheduleParse))
}

func TestParseCustomValidCron(t *testing.T) {
	spec, err := Parse([]byte(`{"type":"custom","cron_expression":"30 2 * * 1"}`), ref)
	require.NoError(t, err)
	assert.NotNil(t, spec.sched)
}

func TestParseCustomInvalidCronFailsAtRegistration(t *testing.T) {
	_, err := Parse([]byte(`{"type":"custom","cron_expression":"not a cron"}`), ref)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrScheduleParse))

	// Six fields is not standard five-field cron
	_, err = Parse([]byte(`{"type":"custom","cron_expression":"0 0 * * * *"}`), ref)
	assert.True(t, errors.Is(err, ErrScheduleParse))
}

func TestMarshalConfigRoundTrip(t *testing.T) {
	specs := []string{
		`{"type":"manual"}`,
		`{"type":"hourly","minute":0}`,
		`{"type":"daily","hour":0,"minute":0}`,
		`{"type":"weekly","day_of_week":"sun","hour":23,"minute":59}`,
		`{"type":"custom","cron_expression":"*/5 * * * *"}`,
	}
	for _, raw := range specs {
		spec, err := Parse([]byte(raw), ref)
		require.NoError(t, err)

		data, err := spec.MarshalConfig()
		require.NoError(t, err)

		again, err := Parse(data, ref.Add(11*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, spec.Type, again.Type)
		assert.Equal(t, spec.Minute, again.Minute)
		assert.Equal(t, spec.Hour, again.Hour)
		assert.Equal(t, spec.DayOfWeek, again.DayOfWeek)
		assert.Equal(t, spec.CronExpression, again.CronExpression)
	}
}
