package executor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"jobrig/internal/executor/glue"
	"jobrig/internal/executor/handler"
	"jobrig/internal/executor/joblog"
	"jobrig/internal/model"
	"jobrig/pkg/logx"
)

type capture struct {
	mu  sync.Mutex
	got []model.CallbackResult
}

func (c *capture) push(res model.CallbackResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, res)
}

func (c *capture) snapshot() []model.CallbackResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.CallbackResult(nil), c.got...)
}

func (c *capture) waitFor(t *testing.T, n int) []model.CallbackResult {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := append([]model.CallbackResult(nil), c.got...)
		c.mu.Unlock()
		if len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d callbacks", n)
	return nil
}

// testService builds a runtime with an in-test callback sink instead of
// the admin delivery channel.
func testService(t *testing.T) (*Service, *capture) {
	t.Helper()
	logs, err := joblog.New(t.TempDir(), logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	svc := New(Options{
		AppName:   "test-app",
		Advertise: "127.0.0.1:9999",
		Logs:      logs,
		ScriptDir: t.TempDir(),
		Handlers:  handler.NewRegistry(),
		Glue:      glue.NewFactory(),
		Logger:    logx.Nop(),
	})
	cap := &capture{}
	svc.sink = cap.push
	return svc, cap
}

func trigger(jobID int, logID int64) model.TriggerRequest {
	return model.TriggerRequest{
		JobID:       jobID,
		LogID:       logID,
		LogDateTime: time.Now().UnixMilli(),
		GlueType:    string(model.GlueBean),
	}
}

func TestRunUnknownHandlerFails(t *testing.T) {
	svc, _ := testService(t)
	defer svc.Stop(context.Background())

	req := trigger(1, 1)
	req.ExecutorHandler = "missing"
	res := svc.Run(context.Background(), req)
	if res.Success() || !strings.Contains(res.Msg, "missing") {
		t.Fatalf("result = %+v", res)
	}
}

func TestRunInvalidGlueTypeFails(t *testing.T) {
	svc, _ := testService(t)
	defer svc.Stop(context.Background())

	req := trigger(1, 1)
	req.GlueType = "GROOVY"
	res := svc.Run(context.Background(), req)
	if res.Success() || !strings.Contains(res.Msg, "not valid") {
		t.Fatalf("result = %+v", res)
	}
}

func TestRunBeanAndCallback(t *testing.T) {
	svc, cap := testService(t)
	defer svc.Stop(context.Background())
	svc.opts.Handlers.RegisterFunc("echo", func(_ context.Context, jc handler.Context) handler.Result {
		return handler.OKMsg("param=" + jc.Param)
	})

	req := trigger(1, 1)
	req.ExecutorHandler = "echo"
	req.ExecutorParams = "abc"
	if res := svc.Run(context.Background(), req); !res.Success() {
		t.Fatalf("run = %+v", res)
	}

	got := cap.waitFor(t, 1)
	if got[0].HandleCode != model.CodeSuccess || got[0].HandleMsg != "param=abc" {
		t.Fatalf("callback = %+v", got[0])
	}
}

func TestBlockStrategyDiscardLater(t *testing.T) {
	svc, cap := testService(t)
	defer svc.Stop(context.Background())

	release := make(chan struct{})
	svc.opts.Handlers.RegisterFunc("slow", func(context.Context, handler.Context) handler.Result {
		<-release
		return handler.OK()
	})

	first := trigger(1, 1)
	first.ExecutorHandler = "slow"
	if res := svc.Run(context.Background(), first); !res.Success() {
		t.Fatalf("first run = %+v", res)
	}
	waitBusy(t, svc, 1)

	second := trigger(1, 2)
	second.ExecutorHandler = "slow"
	second.ExecutorBlockStrategy = string(model.BlockDiscardLater)
	res := svc.Run(context.Background(), second)
	if res.Success() || !strings.Contains(res.Msg, "DISCARD_LATER") {
		t.Fatalf("discarded run = %+v", res)
	}

	close(release)
	got := cap.waitFor(t, 1)
	if got[0].LogID != 1 {
		t.Fatalf("callback = %+v", got[0])
	}
}

func TestBlockStrategyCoverEarly(t *testing.T) {
	svc, cap := testService(t)
	defer svc.Stop(context.Background())

	svc.opts.Handlers.RegisterFunc("slow", func(ctx context.Context, _ handler.Context) handler.Result {
		<-ctx.Done()
		return handler.OK()
	})
	svc.opts.Handlers.RegisterFunc("fast", func(context.Context, handler.Context) handler.Result {
		return handler.OK()
	})

	first := trigger(1, 1)
	first.ExecutorHandler = "slow"
	if res := svc.Run(context.Background(), first); !res.Success() {
		t.Fatalf("first run = %+v", res)
	}
	waitBusy(t, svc, 1)

	second := trigger(1, 2)
	second.ExecutorHandler = "fast"
	second.ExecutorBlockStrategy = string(model.BlockCoverEarly)
	if res := svc.Run(context.Background(), second); !res.Success() {
		t.Fatalf("covering run = %+v", res)
	}

	// The interrupted first trigger is killed silently; only the covering
	// trigger reports back.
	got := cap.waitFor(t, 1)
	if got[0].LogID != 2 || got[0].HandleCode != model.CodeSuccess {
		t.Fatalf("callback = %+v", got[0])
	}
	time.Sleep(100 * time.Millisecond)
	if got := cap.snapshot(); len(got) != 1 {
		t.Fatalf("callbacks = %+v", got)
	}
}

func TestBlockStrategySerialQueues(t *testing.T) {
	svc, cap := testService(t)
	defer svc.Stop(context.Background())

	svc.opts.Handlers.RegisterFunc("quick", func(context.Context, handler.Context) handler.Result {
		time.Sleep(10 * time.Millisecond)
		return handler.OK()
	})

	for i := int64(1); i <= 3; i++ {
		req := trigger(1, i)
		req.ExecutorHandler = "quick"
		if res := svc.Run(context.Background(), req); !res.Success() {
			t.Fatalf("run %d = %+v", i, res)
		}
	}
	got := cap.waitFor(t, 3)
	for i, r := range got {
		if r.LogID != int64(i+1) || r.HandleCode != model.CodeSuccess {
			t.Fatalf("callback %d = %+v", i, r)
		}
	}
}

func TestHandlerChangeReplacesThread(t *testing.T) {
	svc, cap := testService(t)
	defer svc.Stop(context.Background())

	svc.opts.Handlers.RegisterFunc("a", func(context.Context, handler.Context) handler.Result {
		return handler.OKMsg("a")
	})
	svc.opts.Handlers.RegisterFunc("b", func(context.Context, handler.Context) handler.Result {
		return handler.OKMsg("b")
	})

	first := trigger(1, 1)
	first.ExecutorHandler = "a"
	if res := svc.Run(context.Background(), first); !res.Success() {
		t.Fatalf("run a = %+v", res)
	}
	cap.waitFor(t, 1)

	second := trigger(1, 2)
	second.ExecutorHandler = "b"
	if res := svc.Run(context.Background(), second); !res.Success() {
		t.Fatalf("run b = %+v", res)
	}
	got := cap.waitFor(t, 2)
	if got[1].HandleMsg != "b" {
		t.Fatalf("second callback = %+v", got[1])
	}
}

func TestIdleBeat(t *testing.T) {
	svc, _ := testService(t)
	defer svc.Stop(context.Background())

	if res := svc.IdleBeat(context.Background(), 1); !res.Success() {
		t.Fatalf("idle beat on absent thread = %+v", res)
	}

	release := make(chan struct{})
	svc.opts.Handlers.RegisterFunc("slow", func(context.Context, handler.Context) handler.Result {
		<-release
		return handler.OK()
	})
	req := trigger(1, 1)
	req.ExecutorHandler = "slow"
	_ = svc.Run(context.Background(), req)
	waitBusy(t, svc, 1)

	if res := svc.IdleBeat(context.Background(), 1); res.Success() {
		t.Fatal("idle beat reported idle while running")
	}
	close(release)
}

func TestKillIdempotent(t *testing.T) {
	svc, cap := testService(t)
	defer svc.Stop(context.Background())

	if res := svc.Kill(context.Background(), 1); !res.Success() {
		t.Fatalf("kill absent = %+v", res)
	}

	svc.opts.Handlers.RegisterFunc("slow", func(ctx context.Context, _ handler.Context) handler.Result {
		<-ctx.Done()
		return handler.OK()
	})
	req := trigger(1, 1)
	req.ExecutorHandler = "slow"
	_ = svc.Run(context.Background(), req)
	waitBusy(t, svc, 1)

	if res := svc.Kill(context.Background(), 1); !res.Success() {
		t.Fatalf("kill running = %+v", res)
	}
	// A kill terminates the execution without a result callback.
	time.Sleep(100 * time.Millisecond)
	if got := cap.snapshot(); len(got) != 0 {
		t.Fatalf("callbacks after kill = %+v", got)
	}
	if res := svc.Kill(context.Background(), 1); !res.Success() {
		t.Fatalf("second kill = %+v", res)
	}
}

func TestGlueVersionChangeReplacesThread(t *testing.T) {
	svc, cap := testService(t)
	defer svc.Stop(context.Background())
	svc.opts.Glue.RegisterKind("noop", func() handler.Handler {
		return handler.Func(func(context.Context, handler.Context) handler.Result {
			return handler.OK()
		})
	})

	src := "//jobrig:handler noop\n"
	first := trigger(1, 1)
	first.GlueType = string(model.GlueGo)
	first.GlueSource = src
	first.GlueUpdatetime = 100
	if res := svc.Run(context.Background(), first); !res.Success() {
		t.Fatalf("first glue run = %+v", res)
	}
	cap.waitFor(t, 1)

	second := trigger(1, 2)
	second.GlueType = string(model.GlueGo)
	second.GlueSource = src
	second.GlueUpdatetime = 200
	if res := svc.Run(context.Background(), second); !res.Success() {
		t.Fatalf("second glue run = %+v", res)
	}
	cap.waitFor(t, 2)
}

func waitBusy(t *testing.T, svc *Service, jobID int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		svc.mu.Lock()
		th := svc.threads[jobID]
		svc.mu.Unlock()
		if th != nil && th.Busy() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("job thread never became busy")
}
