// Package jobthread serializes all executions of one job on its executor.
// Each job owns at most one thread; triggers queue on it and run strictly
// one at a time.
package jobthread

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"jobrig/internal/executor/handler"
	"jobrig/internal/executor/joblog"
	"jobrig/internal/model"
	"jobrig/pkg/logx"
)

const (
	pollInterval = 3 * time.Second
	// idleLimit is the number of consecutive empty polls after which an
	// idle thread unregisters itself.
	idleLimit = 30
)

var ErrDuplicateTrigger = errors.New("trigger log id already queued")

// Callback receives one execution result. Delivery ordering follows
// execution ordering.
type Callback func(res model.CallbackResult)

// Thread runs one job's triggers in arrival order.
type Thread struct {
	jobID int
	// unit labels the executable bound at creation ("bean:<name>",
	// "glue:<version>", ...). The runtime compares labels to detect a
	// changed handler or redeployed source without comparing handler
	// values, which may be uncomparable function types.
	unit string
	h    handler.Handler
	logs *joblog.Store
	cb   Callback
	// onIdle fires from the thread's own goroutine when the idle limit is
	// reached; the owner is expected to stop and unregister the thread.
	onIdle func(*Thread)
	log    logx.Logger

	poll    time.Duration
	idleMax int

	mu         sync.Mutex
	queue      []model.TriggerRequest
	queuedIDs  map[int64]struct{}
	running    bool
	stopped    bool
	stopReason string
	cancelRun  context.CancelFunc

	notify chan struct{}
	done   chan struct{}
}

func New(jobID int, unit string, h handler.Handler, logs *joblog.Store, cb Callback, onIdle func(*Thread), log logx.Logger) *Thread {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Thread{
		jobID:     jobID,
		unit:      unit,
		h:         h,
		logs:      logs,
		cb:        cb,
		onIdle:    onIdle,
		log:       log.With(logx.Int("job_id", jobID)),
		queuedIDs: make(map[int64]struct{}),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		poll:      pollInterval,
		idleMax:   idleLimit,
	}
}

// Unit returns the executable label bound at creation.
func (t *Thread) Unit() string { return t.unit }

// Start begins the execution loop. ctx cancellation stops the thread the
// same way Stop does.
func (t *Thread) Start(ctx context.Context) {
	go t.run(ctx)
}

// Push queues one trigger. A logID already waiting in the queue is
// rejected so redelivered triggers cannot run twice.
func (t *Thread) Push(req model.TriggerRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return errors.New("job thread is stopping: " + t.stopReason)
	}
	if _, dup := t.queuedIDs[req.LogID]; dup {
		return fmt.Errorf("%w: %d", ErrDuplicateTrigger, req.LogID)
	}
	t.queue = append(t.queue, req)
	t.queuedIDs[req.LogID] = struct{}{}
	select {
	case t.notify <- struct{}{}:
	default:
	}
	return nil
}

// Busy reports whether the thread is executing or has triggers waiting.
// IdleBeat and block strategy decisions key off this.
func (t *Thread) Busy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running || len(t.queue) > 0
}

// Stop marks the thread stopping, cancels any in-flight execution and
// lets the loop drain. It does not wait; use Done.
func (t *Thread) Stop(reason string) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.stopReason = reason
	cancel := t.cancelRun
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// Done closes once the loop has drained and the handler is destroyed.
func (t *Thread) Done() <-chan struct{} { return t.done }

func (t *Thread) run(ctx context.Context) {
	defer close(t.done)

	if err := t.safeInit(); err != nil {
		t.log.Error("handler init failed", logx.Err(err))
	}

	idle := 0
	for {
		if t.isStopped() || ctx.Err() != nil {
			break
		}

		req, ok := t.pop()
		if !ok {
			idle++
			if idle > t.idleMax && t.onIdle != nil && !t.Busy() {
				t.onIdle(t)
			}
			t.wait(ctx)
			continue
		}
		idle = 0
		t.execute(ctx, req)
	}

	t.drainKilled()
	t.safeDestroy()
}

func (t *Thread) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *Thread) pop() (model.TriggerRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return model.TriggerRequest{}, false
	}
	req := t.queue[0]
	t.queue = t.queue[1:]
	delete(t.queuedIDs, req.LogID)
	// Marked here, atomically with the dequeue, so Busy never reports an
	// idle gap between dequeue and execution.
	t.running = true
	return req, true
}

func (t *Thread) wait(ctx context.Context) {
	timer := time.NewTimer(t.poll)
	defer timer.Stop()
	select {
	case <-t.notify:
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (t *Thread) execute(parent context.Context, req model.TriggerRequest) {
	var runCtx context.Context
	var cancel context.CancelFunc
	if req.ExecutorTimeout > 0 {
		runCtx, cancel = context.WithTimeout(parent, time.Duration(req.ExecutorTimeout)*time.Second)
	} else {
		runCtx, cancel = context.WithCancel(parent)
	}
	defer cancel()

	t.mu.Lock()
	t.cancelRun = cancel
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.running = false
		t.cancelRun = nil
		t.mu.Unlock()
	}()

	jc := handler.Context{
		JobID:       req.JobID,
		Param:       req.ExecutorParams,
		LogID:       req.LogID,
		LogDateTime: req.LogDateTime,
		ShardIndex:  req.BroadcastIndex,
		ShardTotal:  req.BroadcastTotal,
		Log: func(format string, args ...any) {
			t.logs.Appendf(req.LogDateTime, req.LogID, format, args...)
		},
	}

	t.logs.Appendf(req.LogDateTime, req.LogID, "----------- job execute start, handler=%s param=%s", req.ExecutorHandler, req.ExecutorParams)

	resCh := make(chan handler.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- handler.Failf("handler panic: %v\n%s", r, debug.Stack())
			}
		}()
		resCh <- t.h.Execute(runCtx, jc)
	}()

	var res handler.Result
	select {
	case res = <-resCh:
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			res = handler.Result{Code: model.CodeTimeout, Msg: "job execute timeout"}
		} else {
			res = handler.Fail("job execution cancelled")
		}
	}

	// A killed execution reports nothing back. The admin side owns the
	// outcome of interrupted triggers, so a late fail callback must not
	// race the trigger that replaced this one.
	if t.isStopped() {
		t.mu.Lock()
		reason := t.stopReason
		t.mu.Unlock()
		t.logs.Appendf(req.LogDateTime, req.LogID, "----------- %s [job running, killed]", reason)
		return
	}

	t.logs.Appendf(req.LogDateTime, req.LogID, "----------- job execute end, code=%d msg=%s", res.Code, res.Msg)
	t.cb(model.CallbackResult{
		LogID:       req.LogID,
		LogDateTime: req.LogDateTime,
		HandleCode:  res.Code,
		HandleMsg:   truncate(res.Msg, model.MaxHandleMsgExecutor),
	})
}

// drainKilled records every trigger still waiting when the thread stops.
// Discarded queue entries never produce a callback, only a log line.
func (t *Thread) drainKilled() {
	t.mu.Lock()
	pending := t.queue
	t.queue = nil
	t.queuedIDs = make(map[int64]struct{})
	reason := t.stopReason
	t.mu.Unlock()

	for _, req := range pending {
		t.logs.Appendf(req.LogDateTime, req.LogID, "----------- %s [job not executed, in queue, killed]", reason)
	}
}

func (t *Thread) safeInit() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("init panic: %v", r)
		}
	}()
	return t.h.Init()
}

func (t *Thread) safeDestroy() {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("handler destroy panic", logx.Any("panic", r))
		}
	}()
	if err := t.h.Destroy(); err != nil {
		t.log.Warn("handler destroy failed", logx.Err(err))
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
