// Package complete finalizes executions: it applies executor callbacks to
// the execution log and, on success, cascades into the job's children.
package complete

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"jobrig/internal/admin/trigger"
	"jobrig/internal/eventbus"
	"jobrig/internal/model"
	"jobrig/internal/store"
	"jobrig/pkg/logx"
)

// Triggerer fires child triggers. Satisfied by *trigger.Dispatcher.
type Triggerer interface {
	Trigger(req trigger.Request) error
}

type Service struct {
	st   store.Store
	trig Triggerer
	bus  eventbus.Bus
	log  logx.Logger
}

func New(st store.Store, trig Triggerer, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{st: st, trig: trig, bus: bus, log: log}
}

// Apply processes one callback batch. Results are applied in order; a
// redelivered result is acknowledged without effect so at-least-once
// delivery converges.
func (s *Service) Apply(ctx context.Context, results []model.CallbackResult) error {
	var firstErr error
	for _, res := range results {
		if err := s.applyOne(ctx, res); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Service) applyOne(ctx context.Context, res model.CallbackResult) error {
	row, err := s.st.Log(ctx, res.LogID)
	if err != nil {
		return fmt.Errorf("execution log %d: %w", res.LogID, err)
	}
	if row.HandleCode != 0 {
		// Already finished; the redelivery is acknowledged silently.
		return nil
	}

	msg := res.HandleMsg
	if res.HandleCode == model.CodeSuccess {
		msg += s.triggerChildren(ctx, row)
	}
	msg = truncate(msg, model.MaxHandleMsgAdmin)

	applied, err := s.st.ApplyHandleResult(ctx, res.LogID, time.Now(), res.HandleCode, msg)
	if err != nil {
		return err
	}
	if applied && s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeCallbackApply, Data: res.LogID})
	}
	return nil
}

// triggerChildren fires the job's children and returns the diagnostic
// text appended to the handle message. Malformed ids produce inline
// errors; the job's own id is skipped without a line.
func (s *Service) triggerChildren(ctx context.Context, row model.ExecutionLog) string {
	job, err := s.st.Job(ctx, row.JobID)
	if err != nil || strings.TrimSpace(job.ChildJobIDs) == "" {
		return ""
	}

	tokens := strings.Split(job.ChildJobIDs, ",")
	var sb strings.Builder
	sb.WriteString("\n\n--- child job triggers ---")
	wrote := false
	for i, token := range tokens {
		token = strings.TrimSpace(token)
		childID, convErr := strconv.Atoi(token)
		if token == "" || convErr != nil || childID <= 0 {
			fmt.Fprintf(&sb, "\n%d/%d: child job id %q is not valid", i+1, len(tokens), token)
			wrote = true
			continue
		}
		if childID == job.ID {
			continue
		}
		trigErr := s.trig.Trigger(trigger.Request{
			JobID:          childID,
			Type:           model.TriggerParent,
			FailRetryCount: -1,
			ScheduleTime:   row.ScheduleTime,
		})
		if trigErr != nil {
			fmt.Fprintf(&sb, "\n%d/%d: trigger child job %d failed: %v", i+1, len(tokens), childID, trigErr)
		} else {
			fmt.Fprintf(&sb, "\n%d/%d: trigger child job %d", i+1, len(tokens), childID)
		}
		wrote = true
	}
	if !wrote {
		return ""
	}
	return sb.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
