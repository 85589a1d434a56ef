// Package trigger dispatches job triggers to executors through two bounded
// worker pools. Jobs whose trigger RPCs run slow are quarantined to the
// slow pool for the rest of the minute so they cannot starve fast jobs.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"jobrig/internal/api"
	"jobrig/internal/eventbus"
	"jobrig/internal/model"
	"jobrig/internal/route"
	"jobrig/internal/runtime/supervisor"
	"jobrig/internal/store"
	"jobrig/pkg/logx"
)

// Config sizes the pools and the slow-job policy.
type Config struct {
	FastWorkers int
	FastQueue   int
	SlowWorkers int
	SlowQueue   int

	// SlowRPCThreshold marks one trigger as slow; SlowCountThreshold slow
	// triggers within a minute route the job to the slow pool.
	SlowRPCThreshold   time.Duration
	SlowCountThreshold int

	RPCTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FastWorkers <= 0 {
		c.FastWorkers = 32
	}
	if c.FastQueue <= 0 {
		c.FastQueue = 2000
	}
	if c.SlowWorkers <= 0 {
		c.SlowWorkers = 8
	}
	if c.SlowQueue <= 0 {
		c.SlowQueue = 5000
	}
	if c.SlowRPCThreshold <= 0 {
		c.SlowRPCThreshold = 500 * time.Millisecond
	}
	if c.SlowCountThreshold <= 0 {
		c.SlowCountThreshold = 10
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = 10 * time.Second
	}
	return c
}

// Request asks for one trigger of one job.
type Request struct {
	JobID int
	Type  model.TriggerType

	// FailRetryCount overrides the job's configured count when >= 0.
	FailRetryCount int
	// ExecutorParam overrides the job's parameter when non-nil.
	ExecutorParam *string
	// AddressList overrides the group's address list when non-empty.
	AddressList string
	// ScheduleTime is the logical slot in unix ms; 0 when not slot-driven.
	ScheduleTime int64
}

var ErrQueueFull = errors.New("trigger queue full")

// Dispatcher owns the fast/slow pools and the trigger pipeline.
type Dispatcher struct {
	cfg     Config
	st      store.Store
	routes  *route.Registry
	clients api.ExecutorClientFactory
	bus     eventbus.Bus
	log     logx.Logger

	fastQ chan Request
	slowQ chan Request
	sup   *supervisor.Supervisor

	slowMu     sync.Mutex
	slowMinute int64
	slowCounts map[int]int
}

func New(cfg Config, st store.Store, routes *route.Registry, clients api.ExecutorClientFactory, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg:        cfg,
		st:         st,
		routes:     routes,
		clients:    clients,
		bus:        bus,
		log:        log,
		fastQ:      make(chan Request, cfg.FastQueue),
		slowQ:      make(chan Request, cfg.SlowQueue),
		slowCounts: make(map[int]int),
	}
}

// Start launches the pool workers.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.sup = supervisor.New(ctx, supervisor.WithLogger(d.log))
	for i := 0; i < d.cfg.FastWorkers; i++ {
		d.sup.Go(fmt.Sprintf("trigger-fast-%d", i), d.worker(d.fastQ))
	}
	for i := 0; i < d.cfg.SlowWorkers; i++ {
		d.sup.Go(fmt.Sprintf("trigger-slow-%d", i), d.worker(d.slowQ))
	}
	return nil
}

func (d *Dispatcher) Stop(ctx context.Context) error {
	if d.sup == nil {
		return nil
	}
	return d.sup.Stop(ctx)
}

// Trigger enqueues the request without blocking. A saturated queue rejects
// the trigger rather than stalling the caller.
func (d *Dispatcher) Trigger(req Request) error {
	q := d.fastQ
	if d.isSlowJob(req.JobID) {
		q = d.slowQ
	}
	select {
	case q <- req:
		return nil
	default:
		d.publish(eventbus.TypeTriggerDiscard, req.JobID)
		d.log.Error("trigger discarded, queue full",
			logx.Int("job_id", req.JobID), logx.String("type", string(req.Type)))
		return fmt.Errorf("%w: job %d", ErrQueueFull, req.JobID)
	}
}

func (d *Dispatcher) worker(q chan Request) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case req := <-q:
				start := time.Now()
				d.process(ctx, req)
				if time.Since(start) > d.cfg.SlowRPCThreshold {
					d.markSlow(req.JobID)
				}
			}
		}
	}
}

// isSlowJob reports whether the job exceeded the slow-count threshold in
// the current minute.
func (d *Dispatcher) isSlowJob(jobID int) bool {
	minute := time.Now().Unix() / 60
	d.slowMu.Lock()
	defer d.slowMu.Unlock()
	if d.slowMinute != minute {
		return false
	}
	return d.slowCounts[jobID] > d.cfg.SlowCountThreshold
}

func (d *Dispatcher) markSlow(jobID int) {
	minute := time.Now().Unix() / 60
	d.slowMu.Lock()
	defer d.slowMu.Unlock()
	if d.slowMinute != minute {
		d.slowMinute = minute
		d.slowCounts = make(map[int]int)
	}
	d.slowCounts[jobID]++
}

// process runs one trigger end to end. It records every outcome in the
// execution log and never returns an error to the pool.
func (d *Dispatcher) process(ctx context.Context, req Request) {
	job, err := d.st.Job(ctx, req.JobID)
	if err != nil {
		d.log.Warn("trigger for unknown job", logx.Int("job_id", req.JobID), logx.Err(err))
		return
	}

	if req.ExecutorParam != nil {
		job.ExecutorParam = *req.ExecutorParam
	}
	finalRetry := job.FailRetryCount
	if req.FailRetryCount >= 0 {
		finalRetry = req.FailRetryCount
	}

	group, gerr := d.st.Group(ctx, job.GroupID)

	var addresses []string
	if strings.TrimSpace(req.AddressList) != "" {
		addresses = model.Group{AddressList: req.AddressList}.Addresses()
	} else {
		addresses = group.Addresses()
	}

	if route.IsBroadcast(job.RouteStrategy) && len(addresses) > 0 {
		for i := range addresses {
			d.processShard(ctx, job, req, finalRetry, addresses, gerr, i, len(addresses))
		}
		return
	}
	d.processShard(ctx, job, req, finalRetry, addresses, gerr, 0, 1)
}

func (d *Dispatcher) processShard(ctx context.Context, job model.Job, req Request, finalRetry int, addresses []string, groupErr error, index, total int) {
	now := time.Now()
	row := model.ExecutionLog{
		JobID:           job.ID,
		GroupID:         job.GroupID,
		ExecutorHandler: job.ExecutorHandler,
		ExecutorParam:   job.ExecutorParam,
		FailRetryCount:  finalRetry,
		ScheduleTime:    req.ScheduleTime,
		TriggerTime:     now,
	}
	broadcast := route.IsBroadcast(job.RouteStrategy)
	if broadcast {
		row.ShardingParam = fmt.Sprintf("%d/%d", index, total)
	}
	if err := d.st.CreateLog(ctx, &row); err != nil {
		d.log.Error("execution log create failed", logx.Int("job_id", job.ID), logx.Err(err))
		return
	}

	treq := model.TriggerRequest{
		JobID:                 job.ID,
		ExecutorHandler:       job.ExecutorHandler,
		ExecutorParams:        job.ExecutorParam,
		ExecutorBlockStrategy: job.BlockStrategy,
		ExecutorTimeout:       job.TimeoutSec,
		LogID:                 row.ID,
		LogDateTime:           now.UnixMilli(),
		GlueType:              job.GlueType,
		GlueSource:            job.GlueSource,
		GlueUpdatetime:        job.GlueUpdatedAt,
		BroadcastIndex:        index,
		BroadcastTotal:        total,
		ScheduleTime:          req.ScheduleTime,
	}

	address, diag, runRes := d.routeAndRun(ctx, job, treq, addresses, groupErr, broadcast, index)

	row.ExecutorAddress = address
	row.TriggerCode = runRes.Code
	row.TriggerMsg = d.triggerMsg(job, req, address, diag, index, total, runRes)
	if err := d.st.SaveTriggerPhase(ctx, row); err != nil {
		d.log.Error("trigger phase save failed", logx.Int64("log_id", row.ID), logx.Err(err))
	}

	if runRes.Success() {
		d.publish(eventbus.TypeTriggerOK, job.ID)
	} else {
		d.publish(eventbus.TypeTriggerFail, job.ID)
	}
}

// routeAndRun picks the executor address and performs the run RPC. Every
// failure is folded into the returned result. diag carries the routing
// probe transcript when the strategy produced one, on success too.
func (d *Dispatcher) routeAndRun(ctx context.Context, job model.Job, treq model.TriggerRequest, addresses []string, groupErr error, broadcast bool, index int) (string, string, api.Result) {
	if groupErr != nil && len(addresses) == 0 {
		return "", "", api.Failf("executor group %d not found: %v", job.GroupID, groupErr)
	}
	if len(addresses) == 0 {
		return "", "", api.Fail("no registered executor addresses for this group")
	}

	rpcCtx, cancel := context.WithTimeout(ctx, d.cfg.RPCTimeout)
	defer cancel()

	var address, diag string
	if broadcast {
		address = addresses[index]
	} else {
		picker, ok := d.routes.Match(job.RouteStrategy)
		if !ok {
			return "", "", api.Failf("route strategy %q is not valid", job.RouteStrategy)
		}
		addr, transcript, err := picker.Route(rpcCtx, job.ID, addresses)
		if err != nil {
			return "", transcript, api.Fail("route failed: " + err.Error())
		}
		address, diag = addr, transcript
	}

	return address, diag, d.clients(address).Run(rpcCtx, treq)
}

func (d *Dispatcher) triggerMsg(job model.Job, req Request, address, diag string, index, total int, runRes api.Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "trigger type: %s\n", req.Type)
	fmt.Fprintf(&sb, "route strategy: %s", job.RouteStrategy)
	if route.IsBroadcast(job.RouteStrategy) {
		fmt.Fprintf(&sb, " (%d/%d)", index, total)
	}
	sb.WriteByte('\n')
	fmt.Fprintf(&sb, "block strategy: %s\n", model.MatchBlockStrategy(job.BlockStrategy, model.BlockSerial))
	fmt.Fprintf(&sb, "timeout: %ds\n", job.TimeoutSec)
	fmt.Fprintf(&sb, "address: %s\n", address)
	if diag != "" {
		fmt.Fprintf(&sb, "route diagnostics:\n%s", diag)
	}
	fmt.Fprintf(&sb, "trigger result: code=%d msg=%s", runRes.Code, runRes.Msg)
	return sb.String()
}

func (d *Dispatcher) publish(eventType string, jobID int) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: eventType, Data: jobID})
}
