// Package schedule drives cron-based triggering. It mirrors the running
// jobs in the store onto a cron runner and fires a CRON trigger for each
// slot, carrying the slot time so retries and children inherit it.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"jobrig/internal/admin/trigger"
	"jobrig/internal/model"
	"jobrig/pkg/logx"
)

const defaultRefreshInterval = 30 * time.Second

// Triggerer enqueues a dispatch. Satisfied by *trigger.Dispatcher.
type Triggerer interface {
	Trigger(req trigger.Request) error
}

// parser accepts both five-field expressions and six-field ones with a
// leading seconds column.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type Service struct {
	st   jobSource
	trig Triggerer
	log  logx.Logger

	cron *cron.Cron

	mu      sync.Mutex
	entries map[int]*entry

	refreshInterval time.Duration
}

type jobSource interface {
	ScheduledJobs(ctx context.Context) ([]model.Job, error)
}

type entry struct {
	id       cron.EntryID
	schedule string
}

func New(st jobSource, trig Triggerer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		st:   st,
		trig: trig,
		log:  log.With(logx.String("component", "schedule")),

		cron:            cron.New(cron.WithParser(parser)),
		entries:         make(map[int]*entry),
		refreshInterval: defaultRefreshInterval,
	}
}

// Start loads the initial job set and begins firing.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Refresh(ctx); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts firing and waits for in-flight fire callbacks.
func (s *Service) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run refreshes the cron entry set from the store until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				s.log.Warn("schedule refresh failed", logx.Err(err))
			}
		}
	}
}

// Refresh reconciles cron entries with the current running jobs: new jobs
// are added, changed expressions replace the old entry, stopped or
// deleted jobs are removed.
func (s *Service) Refresh(ctx context.Context) error {
	jobs, err := s.st.ScheduledJobs(ctx)
	if err != nil {
		return fmt.Errorf("load scheduled jobs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[int]bool, len(jobs))
	for _, job := range jobs {
		seen[job.ID] = true
		cur, ok := s.entries[job.ID]
		if ok && cur.schedule == job.Schedule {
			continue
		}
		if ok {
			s.cron.Remove(cur.id)
			delete(s.entries, job.ID)
		}
		if err := s.add(job); err != nil {
			s.log.Error("job schedule rejected",
				logx.Int("job_id", job.ID), logx.String("schedule", job.Schedule), logx.Err(err))
		}
	}
	for jobID, cur := range s.entries {
		if !seen[jobID] {
			s.cron.Remove(cur.id)
			delete(s.entries, jobID)
			s.log.Info("job unscheduled", logx.Int("job_id", jobID))
		}
	}
	return nil
}

func (s *Service) add(job model.Job) error {
	fire := &fireJob{s: s, jobID: job.ID}
	id, err := s.cron.AddJob(job.Schedule, fire)
	if err != nil {
		return err
	}
	fire.entryID = id
	s.entries[job.ID] = &entry{id: id, schedule: job.Schedule}
	s.log.Info("job scheduled",
		logx.Int("job_id", job.ID), logx.String("schedule", job.Schedule))
	return nil
}

// fireJob is one cron entry. The entry id is needed at fire time to read
// back the slot the runner is firing for.
type fireJob struct {
	s       *Service
	jobID   int
	entryID cron.EntryID
}

func (f *fireJob) Run() {
	slot := f.s.cron.Entry(f.entryID).Prev
	if slot.IsZero() {
		slot = time.Now()
	}
	req := trigger.Request{
		JobID:          f.jobID,
		Type:           model.TriggerCron,
		FailRetryCount: -1,
		ScheduleTime:   slot.UnixMilli(),
	}
	if err := f.s.trig.Trigger(req); err != nil {
		f.s.log.Warn("cron trigger rejected", logx.Int("job_id", f.jobID), logx.Err(err))
	}
}
