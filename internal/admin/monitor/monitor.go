// Package monitor runs the background scans that keep execution logs
// honest: retrying and alarming failed runs, and failing runs whose
// executor disappeared without reporting back.
package monitor

import (
	"context"
	"fmt"
	"time"

	"jobrig/internal/admin/alarm"
	"jobrig/internal/admin/trigger"
	"jobrig/internal/model"
	"jobrig/internal/store"
	"jobrig/pkg/logx"
)

const (
	failScanBatch = 1000

	defaultFailScanInterval = 10 * time.Second
	defaultLostScanInterval = 60 * time.Second
	defaultLostJobAfter     = 10 * time.Minute
)

// Triggerer enqueues a dispatch. Satisfied by *trigger.Dispatcher.
type Triggerer interface {
	Trigger(req trigger.Request) error
}

// Alarmer fans a failure out to notification channels.
// Satisfied by *alarm.Coordinator.
type Alarmer interface {
	Enabled() bool
	Alarm(ctx context.Context, info alarm.Info) bool
}

type Service struct {
	st     store.Store
	trig   Triggerer
	alarms Alarmer
	log    logx.Logger

	failScanInterval time.Duration
	lostScanInterval time.Duration
	lostJobAfter     time.Duration
}

type Option func(*Service)

// WithLostJobAfter overrides how long a running execution may outlive its
// executor's registration before being failed.
func WithLostJobAfter(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lostJobAfter = d
		}
	}
}

func New(st store.Store, trig Triggerer, alarms Alarmer, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		st:     st,
		trig:   trig,
		alarms: alarms,
		log:    log.With(logx.String("component", "monitor")),

		failScanInterval: defaultFailScanInterval,
		lostScanInterval: defaultLostScanInterval,
		lostJobAfter:     defaultLostJobAfter,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RunFailScan periodically retries and alarms failed executions until
// ctx is canceled.
func (s *Service) RunFailScan(ctx context.Context) error {
	ticker := time.NewTicker(s.failScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.scanFailed(ctx); err != nil {
				s.log.Warn("fail scan pass errored", logx.Err(err))
			}
		}
	}
}

// RunLostSweep periodically marks executions lost by dead executors
// until ctx is canceled.
func (s *Service) RunLostSweep(ctx context.Context) error {
	ticker := time.NewTicker(s.lostScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.sweepLost(ctx); err != nil {
				s.log.Warn("lost sweep pass errored", logx.Err(err))
			}
		}
	}
}

func (s *Service) scanFailed(ctx context.Context) error {
	ids, err := s.st.FailedLogIDs(ctx, failScanBatch)
	if err != nil {
		return fmt.Errorf("list failed logs: %w", err)
	}
	for _, id := range ids {
		// The lock transition keeps concurrent scanners (or a second
		// admin instance sharing the store) from double-alarming.
		locked, err := s.st.CASAlarmStatus(ctx, id, model.AlarmStatusDefault, model.AlarmStatusLockFailed)
		if err != nil {
			return fmt.Errorf("lock log %d: %w", id, err)
		}
		if !locked {
			continue
		}
		s.handleFailed(ctx, id)
	}
	return nil
}

func (s *Service) handleFailed(ctx context.Context, id int64) {
	row, err := s.st.Log(ctx, id)
	if err != nil {
		s.log.Error("locked log vanished", logx.Int64("log_id", id), logx.Err(err))
		return
	}

	if row.FailRetryCount > 0 {
		s.retry(row)
	}

	status := model.AlarmStatusNone
	if s.alarms != nil && s.alarms.Enabled() {
		status = model.AlarmStatusFail
		if s.alarm(ctx, row) {
			status = model.AlarmStatusSuccess
		}
	}
	if _, err := s.st.CASAlarmStatus(ctx, id, model.AlarmStatusLockFailed, status); err != nil {
		s.log.Error("finalize alarm status", logx.Int64("log_id", id), logx.Err(err))
	}
}

func (s *Service) retry(row model.ExecutionLog) {
	param := row.ExecutorParam
	req := trigger.Request{
		JobID:          row.JobID,
		Type:           model.TriggerRetry,
		FailRetryCount: row.FailRetryCount - 1,
		ExecutorParam:  &param,
		ScheduleTime:   row.ScheduleTime,
	}
	if err := s.trig.Trigger(req); err != nil {
		s.log.Warn("retry trigger rejected",
			logx.Int64("log_id", row.ID), logx.Int("job_id", row.JobID), logx.Err(err))
		return
	}
	s.log.Info("failed execution retried",
		logx.Int64("log_id", row.ID), logx.Int("job_id", row.JobID),
		logx.Int("retries_left", row.FailRetryCount-1))
}

func (s *Service) alarm(ctx context.Context, row model.ExecutionLog) bool {
	info := alarm.Info{Log: row}
	job, err := s.st.Job(ctx, row.JobID)
	if err == nil {
		info.Job = job
		if group, gerr := s.st.Group(ctx, job.GroupID); gerr == nil {
			info.Group = group
		}
	}
	return s.alarms.Alarm(ctx, info)
}

func (s *Service) sweepLost(ctx context.Context) error {
	now := time.Now()
	rows, err := s.st.RunningLogIDs(ctx, now.Add(-s.lostJobAfter))
	if err != nil {
		return fmt.Errorf("list running logs: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	regs, err := s.st.AliveRegistrations(ctx, model.RegistryGroupExecutor, now.Add(-model.RegistryDeadTimeout))
	if err != nil {
		return fmt.Errorf("list alive executors: %w", err)
	}
	alive := make(map[string]bool, len(regs))
	for _, r := range regs {
		alive[r.Value] = true
	}

	for _, row := range rows {
		if row.ExecutorAddress == "" || alive[row.ExecutorAddress] {
			continue
		}
		applied, err := s.st.ApplyHandleResult(ctx, row.ID, now, model.CodeFail,
			"job result lost, executor is no longer registered, marked as failed")
		if err != nil {
			s.log.Error("mark lost execution", logx.Int64("log_id", row.ID), logx.Err(err))
			continue
		}
		if applied {
			s.log.Warn("execution result lost",
				logx.Int64("log_id", row.ID), logx.Int("job_id", row.JobID),
				logx.String("executor", row.ExecutorAddress))
		}
	}
	return nil
}
