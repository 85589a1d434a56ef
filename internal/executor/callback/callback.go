// Package callback delivers execution results from the executor back to
// the admins. Results flow through a bounded channel drained by a single
// goroutine; batches that reach no admin land in a durable backlog and are
// replayed until delivery succeeds.
package callback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"jobrig/internal/api"
	"jobrig/internal/model"
	"jobrig/internal/store"
	"jobrig/pkg/logx"
)

const defaultRetryInterval = 30 * time.Second

// Service owns the executor→admin result path.
type Service struct {
	admins  []api.AdminClient
	backlog *store.CallbackBacklog
	queue   chan model.CallbackResult
	retry   time.Duration
	log     logx.Logger
}

func New(admins []api.AdminClient, backlog *store.CallbackBacklog, queueSize int, retry time.Duration, log logx.Logger) *Service {
	if queueSize <= 0 {
		queueSize = 1000
	}
	if retry <= 0 {
		retry = defaultRetryInterval
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		admins:  admins,
		backlog: backlog,
		queue:   make(chan model.CallbackResult, queueSize),
		retry:   retry,
		log:     log,
	}
}

// Push hands one result to the delivery loop without blocking the caller.
// When the channel is saturated the result goes straight to the backlog so
// it is never lost.
func (s *Service) Push(res model.CallbackResult) {
	select {
	case s.queue <- res:
	default:
		s.log.Warn("callback queue full, spilling to backlog", logx.Int64("log_id", res.LogID))
		s.spill([]model.CallbackResult{res})
	}
}

// Run drains the channel until ctx is done, then flushes what remains into
// the backlog. Start the retry loop separately with RunRetry.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.flushToBacklog()
			return ctx.Err()
		case first := <-s.queue:
			batch := s.collect(first)
			if err := s.deliver(ctx, batch); err != nil {
				s.log.Warn("callback delivery failed", logx.Int("batch", len(batch)), logx.Err(err))
				s.spill(batch)
			}
		}
	}
}

// collect drains whatever else is immediately available so bursts are
// delivered as one batch.
func (s *Service) collect(first model.CallbackResult) []model.CallbackResult {
	batch := []model.CallbackResult{first}
	for {
		select {
		case res := <-s.queue:
			batch = append(batch, res)
		default:
			return batch
		}
	}
}

// deliver posts the batch to each admin in order and stops at the first
// success.
func (s *Service) deliver(ctx context.Context, batch []model.CallbackResult) error {
	if len(s.admins) == 0 {
		return errors.New("no admin addresses configured")
	}
	var lastMsg string
	for _, admin := range s.admins {
		res := admin.Callback(ctx, batch)
		if res.Success() {
			return nil
		}
		lastMsg = fmt.Sprintf("%s: code=%d msg=%s", admin.Address(), res.Code, res.Msg)
	}
	return errors.New("all admins rejected callback batch, last: " + lastMsg)
}

// RunRetry replays backlog batches on the retry cadence until ctx is done.
func (s *Service) RunRetry(ctx context.Context) error {
	ticker := time.NewTicker(s.retry)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.replayBacklog(ctx)
		}
	}
}

func (s *Service) replayBacklog(ctx context.Context) {
	if s.backlog == nil {
		return
	}
	pending, err := s.backlog.Pending(ctx, 100)
	if err != nil {
		s.log.Warn("backlog read failed", logx.Err(err))
		return
	}
	for _, batch := range pending {
		if err := s.deliver(ctx, batch.Results); err != nil {
			// Still unreachable; keep the batch for the next pass.
			return
		}
		if err := s.backlog.Delete(ctx, batch.ID); err != nil {
			s.log.Warn("backlog delete failed", logx.Int64("batch_id", batch.ID), logx.Err(err))
			return
		}
	}
}

func (s *Service) spill(batch []model.CallbackResult) {
	if s.backlog == nil {
		s.log.Error("callback batch dropped, no backlog configured", logx.Int("batch", len(batch)))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.backlog.Enqueue(ctx, batch); err != nil {
		s.log.Error("callback batch lost", logx.Int("batch", len(batch)), logx.Err(err))
	}
}

func (s *Service) flushToBacklog() {
	for {
		select {
		case res := <-s.queue:
			s.spill([]model.CallbackResult{res})
		default:
			return
		}
	}
}
