package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePurger struct {
	cutoffs []time.Time
	labels  []string
	err     error
}

func (f *fakePurger) PurgeOlderThan(_ context.Context, cutoff time.Time) ([]string, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.labels, f.err
}

func newScheduler(t *testing.T, p Purger, schedule string) *RetentionScheduler {
	t.Helper()
	s, err := NewRetentionScheduler(&RetentionSchedulerConfig{
		Purger:   p,
		Schedule: schedule,
		MaxAge:   24 * time.Hour,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	return s
}

func TestNewRetentionScheduler_Validation(t *testing.T) {
	s := newScheduler(t, &fakePurger{}, "")
	assert.Equal(t, DefaultRetentionSchedule, s.schedule)

	_, err := NewRetentionScheduler(&RetentionSchedulerConfig{Purger: &fakePurger{}, Schedule: "invalid schedule", MaxAge: time.Hour})
	assert.Error(t, err)

	_, err = NewRetentionScheduler(&RetentionSchedulerConfig{Purger: &fakePurger{}, MaxAge: 0})
	assert.Error(t, err)

	_, err = NewRetentionScheduler(&RetentionSchedulerConfig{MaxAge: time.Hour})
	assert.Error(t, err)
}

func TestRetentionScheduler_RunOnce(t *testing.T) {
	p := &fakePurger{labels: []string{"old1", "old2"}}
	s := newScheduler(t, p, "")
	now := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	purged, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"old1", "old2"}, purged)
	require.Len(t, p.cutoffs, 1)
	assert.Equal(t, now.Add(-24*time.Hour), p.cutoffs[0])

	st := s.Status()
	assert.False(t, st.Running)
	assert.Equal(t, 2, st.PurgedTotal)
	require.NotNil(t, st.LastRun)
	assert.Equal(t, now, *st.LastRun)
	assert.Equal(t, 24.0, st.MaxAgeHours)
}

func TestRetentionScheduler_RunOnceReportsPartialFailure(t *testing.T) {
	p := &fakePurger{labels: []string{"old1"}, err: errors.New("storage down")}
	s := newScheduler(t, p, "")

	purged, err := s.RunOnce(context.Background())
	assert.Error(t, err)
	assert.Equal(t, []string{"old1"}, purged)
	assert.Equal(t, 1, s.Status().PurgedTotal)
}

func TestRetentionScheduler_StartStop(t *testing.T) {
	s := newScheduler(t, &fakePurger{}, "*/5 * * * *")

	require.NoError(t, s.Start())
	require.NoError(t, s.Start())
	st := s.Status()
	assert.True(t, st.Running)
	require.NotNil(t, st.NextRun)
	assert.True(t, st.NextRun.After(time.Now()))

	s.Stop()
	s.Stop()
	assert.False(t, s.Status().Running)
	assert.Nil(t, s.Status().NextRun)
}
