// Package scheduler runs background jobs on fixed intervals and re-arms
// them early when the application returns to the foreground.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pders01/podds/internal/debuglog"
)

// Job is one periodic task. Timeout, when set, bounds a single run.
type Job struct {
	Name         string
	Interval     time.Duration
	InitialDelay time.Duration
	Timeout      time.Duration
	Run          func(ctx context.Context) error
}

type jobState struct {
	Job
	kick chan struct{}

	mu      sync.Mutex
	lastRun time.Time
	runs    int
}

func (js *jobState) due(now time.Time) bool {
	js.mu.Lock()
	defer js.mu.Unlock()
	return js.lastRun.IsZero() || now.Sub(js.lastRun) >= js.Interval
}

type Scheduler struct {
	jobs []*jobState
	now  func() time.Time

	mu      sync.Mutex
	started bool
}

func New(jobs ...Job) *Scheduler {
	s := &Scheduler{now: time.Now}
	for _, j := range jobs {
		s.jobs = append(s.jobs, &jobState{Job: j, kick: make(chan struct{}, 1)})
	}
	return s
}

// Start runs every job on its own loop until ctx is done. Runs of one job
// never overlap.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	for _, js := range s.jobs {
		debuglog.Infof("scheduler: %s every %s", js.Name, js.Interval)
	}

	var wg sync.WaitGroup
	for _, js := range s.jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, js)
		}()
	}
	<-ctx.Done()
	wg.Wait()

	debuglog.Infof("scheduler stopped")
	return ctx.Err()
}

func (s *Scheduler) loop(ctx context.Context, js *jobState) {
	timer := time.NewTimer(js.InitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-js.kick:
			debuglog.Debugf("scheduler: %s re-armed on foreground", js.Name)
		}
		s.run(ctx, js)
		timer.Reset(js.Interval)
	}
}

func (s *Scheduler) run(ctx context.Context, js *jobState) {
	js.mu.Lock()
	js.lastRun = s.now()
	js.runs++
	js.mu.Unlock()

	runCtx := ctx
	if js.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, js.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			debuglog.Errorf("scheduler: %s panicked: %v", js.Name, r)
		}
	}()
	if err := js.Run(runCtx); err != nil {
		debuglog.Errorf("scheduler: %s failed: %v", js.Name, err)
	}
}

// Foreground triggers every job whose interval has elapsed since its last
// run. A job already triggered is not queued twice.
func (s *Scheduler) Foreground() {
	now := s.now()
	for _, js := range s.jobs {
		if !js.due(now) {
			continue
		}
		select {
		case js.kick <- struct{}{}:
		default:
		}
	}
}

// Runs reports how many times the named job has started.
func (s *Scheduler) Runs(name string) int {
	for _, js := range s.jobs {
		if js.Name == name {
			js.mu.Lock()
			defer js.mu.Unlock()
			return js.runs
		}
	}
	return 0
}
