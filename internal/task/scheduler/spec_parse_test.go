package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@every 30s", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "30s", kind: SpecInterval, source: "duration", duration: 30 * time.Second},
		{name: "sub-second", raw: "1500ms", kind: SpecInterval, source: "duration", duration: 1500 * time.Millisecond},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "prefixed every", raw: "EVERY: 01:00", kind: SpecInterval, source: "hhmm", duration: time.Hour},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.source, got.Source)
			if tt.kind == SpecInterval {
				assert.Equal(t, tt.duration, got.Every)
			}
			_, err = got.Compile()
			assert.NoError(t, err)
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "-5s", "0s", "cron:", "interval:", "01:75"} {
		_, err := ParseSchedule(raw)
		assert.Error(t, err, raw)
	}
}

func TestCompileRejectsBadCron(t *testing.T) {
	t.Parallel()
	spec, err := ParseSchedule("cron:61 * * * *")
	require.NoError(t, err)
	_, err = spec.Compile()
	assert.Error(t, err)
}

func TestIntervalKeepsSubSecondPrecision(t *testing.T) {
	t.Parallel()
	spec, err := ParseSchedule("250ms")
	require.NoError(t, err)
	sched, err := spec.Compile()
	require.NoError(t, err)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(250*time.Millisecond), sched.Next(now))
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	d, err := parseHHMM("23:15")
	require.NoError(t, err)
	assert.Equal(t, 23*time.Hour+15*time.Minute, d)

	_, err = parseHHMM("1:60")
	assert.Error(t, err)
}

func TestStartupSpreadDelaysOnlyFirstRun(t *testing.T) {
	t.Parallel()
	base := everySchedule(10 * time.Second)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := withStartupSpread(base, now, "auto-save")
	assert.GreaterOrEqual(t, jitter, time.Duration(0))
	assert.Less(t, jitter, 10*time.Second)

	first := sched.Next(now)
	assert.Equal(t, now.Add(10*time.Second+jitter), first)
	assert.Equal(t, first.Add(10*time.Second), sched.Next(first))
}
