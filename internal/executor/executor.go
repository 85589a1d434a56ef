// Package executor is the worker-side runtime: it accepts trigger RPCs,
// resolves each job's executable unit, enforces block strategies over the
// per-job threads and keeps the admin registration heartbeat alive.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"jobrig/internal/api"
	"jobrig/internal/executor/callback"
	"jobrig/internal/executor/glue"
	"jobrig/internal/executor/handler"
	"jobrig/internal/executor/joblog"
	"jobrig/internal/executor/jobthread"
	"jobrig/internal/executor/script"
	"jobrig/internal/model"
	"jobrig/internal/runtime/supervisor"
	"jobrig/pkg/logx"
)

// Options wires the runtime's collaborators.
type Options struct {
	AppName   string
	Advertise string
	Admins    []api.AdminClient

	Logs      *joblog.Store
	ScriptDir string
	Handlers  *handler.Registry
	Glue      *glue.Factory
	Callbacks *callback.Service

	LogRetentionDays int
	Logger           logx.Logger
}

// Service owns the job thread table and the executor lifecycle.
type Service struct {
	opts Options
	log  logx.Logger

	// sink receives execution results; defaults to the callback service.
	sink jobthread.Callback

	mu      sync.Mutex
	threads map[int]*jobthread.Thread

	sup  *supervisor.Supervisor
	cron *cron.Cron
}

func New(opts Options) *Service {
	if opts.Logger.IsZero() {
		opts.Logger = logx.Nop()
	}
	s := &Service{
		opts:    opts,
		log:     opts.Logger,
		threads: make(map[int]*jobthread.Thread),
	}
	if opts.Callbacks != nil {
		s.sink = opts.Callbacks.Push
	}
	return s
}

// Start launches the callback loops, the registration heartbeat and the
// daily log cleanup.
func (s *Service) Start(ctx context.Context) error {
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))

	if s.opts.Callbacks != nil {
		s.sup.Go("callback", s.opts.Callbacks.Run)
		s.sup.Go("callback-retry", s.opts.Callbacks.RunRetry)
	}
	if len(s.opts.Admins) > 0 && s.opts.AppName != "" {
		s.sup.Go("registry-heartbeat", s.registryLoop)
	}
	if s.opts.LogRetentionDays >= 3 && s.opts.Logs != nil {
		s.cron = cron.New()
		_, err := s.cron.AddFunc("@daily", func() {
			s.opts.Logs.Cleanup(s.opts.LogRetentionDays)
		})
		if err != nil {
			return fmt.Errorf("schedule log cleanup: %w", err)
		}
		s.cron.Start()
	}
	return nil
}

// Stop tears down every job thread, withdraws the registration and waits
// for the background loops.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	threads := make([]*jobthread.Thread, 0, len(s.threads))
	for _, t := range s.threads {
		threads = append(threads, t)
	}
	s.threads = make(map[int]*jobthread.Thread)
	s.mu.Unlock()

	for _, t := range threads {
		t.Stop("executor shutdown")
	}
	for _, t := range threads {
		select {
		case <-t.Done():
		case <-ctx.Done():
		}
	}

	s.registryRemove(ctx)

	if s.cron != nil {
		s.cron.Stop()
	}
	if s.sup != nil {
		return s.sup.Stop(ctx)
	}
	return nil
}

// Beat answers the admin liveness probe.
func (s *Service) Beat(context.Context) api.Result { return api.OK() }

// IdleBeat reports whether the job is currently executing or queued.
func (s *Service) IdleBeat(_ context.Context, jobID int) api.Result {
	s.mu.Lock()
	t := s.threads[jobID]
	s.mu.Unlock()
	if t != nil && t.Busy() {
		return api.Fail("job thread is running or has trigger queue")
	}
	return api.OK()
}

// Run resolves the trigger's executable unit, applies the block strategy
// and queues the trigger on the job's thread.
func (s *Service) Run(_ context.Context, req model.TriggerRequest) api.Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	unit, res := unitKey(req)
	if !res.Success() {
		return res
	}

	thread := s.threads[req.JobID]
	var removeReason string
	if thread != nil && thread.Unit() != unit {
		removeReason = "change job handler or glue type, terminating the old job thread"
		thread = nil
	}

	if thread != nil {
		switch model.MatchBlockStrategy(req.ExecutorBlockStrategy, model.BlockSerial) {
		case model.BlockDiscardLater:
			if thread.Busy() {
				return api.Fail("block strategy effect: " + string(model.BlockDiscardLater))
			}
		case model.BlockCoverEarly:
			if thread.Busy() {
				removeReason = "block strategy effect: " + string(model.BlockCoverEarly)
				thread = nil
			}
		}
	}

	if thread == nil {
		h, err := s.buildHandler(req)
		if err != nil {
			return api.Fail(err.Error())
		}
		thread = s.registerThreadLocked(req.JobID, h, unit, removeReason)
	}

	if err := thread.Push(req); err != nil {
		return api.Fail(err.Error())
	}
	return api.OK()
}

// unitKey labels the trigger's executable so a live thread can be compared
// against what the trigger asks for.
func unitKey(req model.TriggerRequest) (string, api.Result) {
	glueType, ok := model.MatchGlueType(req.GlueType)
	if !ok {
		return "", api.Failf("glue type %q is not valid", req.GlueType)
	}
	switch {
	case glueType == model.GlueBean:
		return "bean:" + req.ExecutorHandler, api.OK()
	case glueType == model.GlueGo:
		return fmt.Sprintf("glue:%d", req.GlueUpdatetime), api.OK()
	case glueType.IsScript():
		return fmt.Sprintf("script:%s:%d", glueType, req.GlueUpdatetime), api.OK()
	default:
		return "", api.Failf("glue type %q is not valid", req.GlueType)
	}
}

// buildHandler constructs the executable for a fresh thread.
func (s *Service) buildHandler(req model.TriggerRequest) (handler.Handler, error) {
	glueType, _ := model.MatchGlueType(req.GlueType)
	switch {
	case glueType == model.GlueBean:
		return s.opts.Handlers.Load(req.ExecutorHandler)
	case glueType == model.GlueGo:
		return s.opts.Glue.Build(req.GlueSource, req.GlueUpdatetime)
	default:
		return script.New(s.opts.ScriptDir, req.JobID, glueType, req.GlueSource, req.GlueUpdatetime)
	}
}

// Kill stops the job's thread. Killing an absent thread succeeds.
func (s *Service) Kill(_ context.Context, jobID int) api.Result {
	s.mu.Lock()
	t := s.threads[jobID]
	delete(s.threads, jobID)
	s.mu.Unlock()

	if t == nil {
		return api.OKMsg("job thread already killed")
	}
	t.Stop("scheduling center killed job")
	return api.OK()
}

// ReadLog serves a line range of one trigger's log file. The admin side
// decides end-of-log from the execution state, so IsEnd stays false here.
func (s *Service) ReadLog(_ context.Context, req model.LogRequest) (model.LogResult, api.Result) {
	if s.opts.Logs == nil {
		return model.LogResult{}, api.Fail("job log store not configured")
	}
	return s.opts.Logs.ReadLines(req.LogDateTime, req.LogID, req.FromLineNum), api.OK()
}

func (s *Service) registerThreadLocked(jobID int, h handler.Handler, unit, removeReason string) *jobthread.Thread {
	if old := s.threads[jobID]; old != nil {
		reason := removeReason
		if reason == "" {
			reason = "job thread replaced"
		}
		old.Stop(reason)
	}

	t := jobthread.New(jobID, unit, h, s.opts.Logs, s.pushCallback, s.removeIdleThread, s.log)
	s.threads[jobID] = t
	ctx := context.Background()
	if s.sup != nil {
		ctx = s.sup.Context()
	}
	t.Start(ctx)
	return t
}

func (s *Service) pushCallback(res model.CallbackResult) {
	if s.sink != nil {
		s.sink(res)
	}
}

// removeIdleThread fires from an idle thread's own loop.
func (s *Service) removeIdleThread(t *jobthread.Thread) {
	s.mu.Lock()
	for id, cur := range s.threads {
		if cur == t {
			delete(s.threads, id)
			s.log.Info("idle job thread unregistered", logx.Int("job_id", id))
			break
		}
	}
	s.mu.Unlock()
	t.Stop("executor idle times over limit")
}

// registryLoop announces (appname, address) to every admin on the beat
// cadence. Any single success keeps the registration alive.
func (s *Service) registryLoop(ctx context.Context) error {
	req := model.RegistryRequest{
		RegistryGroup: model.RegistryGroupExecutor,
		RegistryKey:   s.opts.AppName,
		RegistryValue: s.opts.Advertise,
	}
	ticker := time.NewTicker(model.RegistryBeatInterval)
	defer ticker.Stop()

	s.sendRegistry(ctx, req)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sendRegistry(ctx, req)
		}
	}
}

func (s *Service) sendRegistry(ctx context.Context, req model.RegistryRequest) {
	for _, admin := range s.opts.Admins {
		res := admin.Registry(ctx, req)
		if res.Success() {
			return
		}
		s.log.Warn("registry heartbeat rejected",
			logx.String("admin", admin.Address()), logx.Int("code", res.Code), logx.String("msg", res.Msg))
	}
}

func (s *Service) registryRemove(ctx context.Context) {
	if s.opts.AppName == "" || s.opts.Advertise == "" {
		return
	}
	req := model.RegistryRequest{
		RegistryGroup: model.RegistryGroupExecutor,
		RegistryKey:   s.opts.AppName,
		RegistryValue: s.opts.Advertise,
	}
	for _, admin := range s.opts.Admins {
		if admin.RegistryRemove(ctx, req).Success() {
			return
		}
	}
}
