package server

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"jobrig/internal/api"
	"jobrig/internal/model"
	"jobrig/pkg/logx"
)

type fakeRuntime struct {
	idleBeats []int
	runs      []model.TriggerRequest
	kills     []int
	logReqs   []model.LogRequest

	idleBeatResult api.Result
	runResult      api.Result
	logLines       model.LogResult
}

func (f *fakeRuntime) Beat(context.Context) api.Result { return api.OK() }

func (f *fakeRuntime) IdleBeat(_ context.Context, jobID int) api.Result {
	f.idleBeats = append(f.idleBeats, jobID)
	return f.idleBeatResult
}

func (f *fakeRuntime) Run(_ context.Context, req model.TriggerRequest) api.Result {
	f.runs = append(f.runs, req)
	return f.runResult
}

func (f *fakeRuntime) Kill(_ context.Context, jobID int) api.Result {
	f.kills = append(f.kills, jobID)
	return api.OK()
}

func (f *fakeRuntime) ReadLog(_ context.Context, req model.LogRequest) (model.LogResult, api.Result) {
	f.logReqs = append(f.logReqs, req)
	return f.logLines, api.OK()
}

func startServer(t *testing.T, rt *fakeRuntime, token string) api.ExecutorClient {
	t.Helper()
	srv := httptest.NewServer(New(rt, token, logx.Nop()).Handler())
	t.Cleanup(srv.Close)
	return api.NewExecutorClient(srv.URL, token, 5*time.Second)
}

func TestBeatAndIdleBeat(t *testing.T) {
	rt := &fakeRuntime{
		idleBeatResult: api.Fail("job thread is running or has trigger queue"),
	}
	client := startServer(t, rt, "")

	if res := client.Beat(context.Background()); !res.Success() {
		t.Fatalf("beat = %+v", res)
	}
	res := client.IdleBeat(context.Background(), 12)
	if res.Success() || res.Msg == "" {
		t.Fatalf("idle beat = %+v", res)
	}
	if len(rt.idleBeats) != 1 || rt.idleBeats[0] != 12 {
		t.Fatalf("idle beats = %v", rt.idleBeats)
	}
}

func TestRunCarriesFullTrigger(t *testing.T) {
	rt := &fakeRuntime{runResult: api.OK()}
	client := startServer(t, rt, "")

	req := model.TriggerRequest{
		JobID:                 3,
		ExecutorHandler:       "demo",
		ExecutorParams:        "k=v",
		ExecutorBlockStrategy: string(model.BlockDiscardLater),
		ExecutorTimeout:       30,
		LogID:                 99,
		LogDateTime:           123456,
		GlueType:              string(model.GlueBean),
		BroadcastIndex:        1,
		BroadcastTotal:        2,
		ScheduleTime:          777,
	}
	if res := client.Run(context.Background(), req); !res.Success() {
		t.Fatalf("run = %+v", res)
	}
	if len(rt.runs) != 1 || rt.runs[0] != req {
		t.Fatalf("runs = %+v", rt.runs)
	}
}

func TestKillAndLog(t *testing.T) {
	rt := &fakeRuntime{
		logLines: model.LogResult{FromLineNum: 1, ToLineNum: 3, LogContent: "a\nb\nc\n"},
	}
	client := startServer(t, rt, "")

	if res := client.Kill(context.Background(), 7); !res.Success() {
		t.Fatalf("kill = %+v", res)
	}
	if len(rt.kills) != 1 || rt.kills[0] != 7 {
		t.Fatalf("kills = %v", rt.kills)
	}

	lines, res := client.Log(context.Background(), model.LogRequest{LogID: 99, LogDateTime: 1, FromLineNum: 1})
	if !res.Success() || lines.ToLineNum != 3 || lines.LogContent != "a\nb\nc\n" {
		t.Fatalf("log = %+v %+v", lines, res)
	}
	if len(rt.logReqs) != 1 || rt.logReqs[0].LogID != 99 {
		t.Fatalf("log reqs = %+v", rt.logReqs)
	}
}

func TestTokenMismatchRejected(t *testing.T) {
	rt := &fakeRuntime{runResult: api.OK()}
	srv := httptest.NewServer(New(rt, "secret", logx.Nop()).Handler())
	t.Cleanup(srv.Close)

	client := api.NewExecutorClient(srv.URL, "wrong", 5*time.Second)
	res := client.Run(context.Background(), model.TriggerRequest{JobID: 1})
	if res.Code != model.CodeAuth {
		t.Fatalf("result = %+v", res)
	}
	if len(rt.runs) != 0 {
		t.Fatal("rejected trigger must not reach the runtime")
	}
}
