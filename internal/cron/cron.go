// Package cron schedules synthetic agent wakeups: each due job feeds a
// prompt envelope into its agent's lane, and the reply is delivered on the
// configured channel.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/switchboard/internal/config"
)

// SubmitFunc injects a cron-triggered prompt into the session core.
type SubmitFunc func(job config.CronJob)

// Service ticks once a minute and fires due jobs.
type Service struct {
	submit SubmitFunc

	mu   sync.Mutex
	jobs map[string]config.CronJob

	checker *gronx.Gronx
}

// New creates a Service seeded from config.
func New(jobs []config.CronJob, submit SubmitFunc) *Service {
	s := &Service{
		submit:  submit,
		jobs:    make(map[string]config.CronJob, len(jobs)),
		checker: gronx.New(),
	}
	for _, j := range jobs {
		if err := s.validate(j); err != nil {
			slog.Warn("cron job skipped", "id", j.ID, "error", err)
			continue
		}
		s.jobs[j.ID] = j
	}
	return s
}

func (s *Service) validate(j config.CronJob) error {
	if j.ID == "" {
		return fmt.Errorf("job id required")
	}
	if j.Prompt == "" {
		return fmt.Errorf("job prompt required")
	}
	if !s.checker.IsValid(j.Schedule) {
		return fmt.Errorf("invalid schedule %q", j.Schedule)
	}
	return nil
}

// Start runs the minute ticker until ctx is done.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

func (s *Service) tick(now time.Time) {
	s.mu.Lock()
	due := make([]config.CronJob, 0)
	for _, j := range s.jobs {
		if j.Disabled {
			continue
		}
		ok, err := s.checker.IsDue(j.Schedule, now)
		if err != nil {
			slog.Warn("cron schedule check failed", "id", j.ID, "error", err)
			continue
		}
		if ok {
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		slog.Info("cron firing", "id", j.ID)
		s.submit(j)
	}
}

// List returns all jobs.
func (s *Service) List() []config.CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]config.CronJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}

// Add registers a job after validating its schedule.
func (s *Service) Add(j config.CronJob) error {
	if err := s.validate(j); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.ID]; exists {
		return fmt.Errorf("job %q already exists", j.ID)
	}
	s.jobs[j.ID] = j
	return nil
}

// Remove deletes a job.
func (s *Service) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	delete(s.jobs, id)
	return ok
}

// RunNow fires a job immediately, ignoring its schedule.
func (s *Service) RunNow(id string) bool {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.submit(j)
	return true
}
