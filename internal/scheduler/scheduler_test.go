package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func start(t *testing.T, s *Scheduler) (*fakeClock, context.CancelFunc) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)}
	s.now = clock.Now

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})
	return clock, cancel
}

func waitRun(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run")
	}
}

func noRun(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("job ran unexpectedly")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestScheduler_RunsAfterInitialDelay(t *testing.T) {
	ran := make(chan struct{}, 4)
	s := New(Job{Name: "sync", Interval: time.Hour, InitialDelay: 10 * time.Millisecond, Run: func(context.Context) error {
		ran <- struct{}{}
		return nil
	}})
	start(t, s)

	waitRun(t, ran)
	noRun(t, ran)
	assert.Equal(t, 1, s.Runs("sync"))
}

func TestScheduler_ForegroundRearmsElapsedJobs(t *testing.T) {
	syncRan := make(chan struct{}, 4)
	retentionRan := make(chan struct{}, 4)
	s := New(
		Job{Name: "sync", Interval: time.Hour, Run: func(context.Context) error {
			syncRan <- struct{}{}
			return nil
		}},
		Job{Name: "retention", Interval: 3 * time.Hour, Run: func(context.Context) error {
			retentionRan <- struct{}{}
			return nil
		}},
	)
	clock, _ := start(t, s)

	waitRun(t, syncRan)
	waitRun(t, retentionRan)

	s.Foreground()
	noRun(t, syncRan)

	clock.Advance(90 * time.Minute)
	s.Foreground()
	waitRun(t, syncRan)
	noRun(t, retentionRan)
	assert.Equal(t, 2, s.Runs("sync"))
	assert.Equal(t, 1, s.Runs("retention"))
}

func TestScheduler_FailuresDoNotStopJob(t *testing.T) {
	ran := make(chan struct{}, 4)
	calls := 0
	s := New(Job{Name: "flaky", Interval: time.Hour, Run: func(context.Context) error {
		calls++
		ran <- struct{}{}
		if calls == 1 {
			return errors.New("upstream down")
		}
		panic("worse")
	}})
	clock, _ := start(t, s)

	waitRun(t, ran)
	clock.Advance(2 * time.Hour)
	s.Foreground()
	waitRun(t, ran)

	clock.Advance(2 * time.Hour)
	s.Foreground()
	waitRun(t, ran)
}

func TestScheduler_TimeoutBoundsRun(t *testing.T) {
	result := make(chan error, 1)
	s := New(Job{Name: "slow", Interval: time.Hour, Timeout: 20 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		result <- ctx.Err()
		return ctx.Err()
	}})
	start(t, s)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("run was not bounded")
	}
}

func TestScheduler_StartTwice(t *testing.T) {
	s := New()
	start(t, s)
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.started
	}, time.Second, 5*time.Millisecond)

	err := s.Start(context.Background())
	assert.Error(t, err)
}
