package monitor

import (
	"context"
	"strings"
	"testing"
	"time"

	"jobrig/internal/admin/alarm"
	"jobrig/internal/admin/trigger"
	"jobrig/internal/model"
	"jobrig/internal/store"
	"jobrig/pkg/logx"
)

type fakeTrigger struct {
	reqs []trigger.Request
}

func (f *fakeTrigger) Trigger(req trigger.Request) error {
	f.reqs = append(f.reqs, req)
	return nil
}

type fakeAlarmer struct {
	enabled bool
	ok      bool
	infos   []alarm.Info
}

func (f *fakeAlarmer) Enabled() bool { return f.enabled }

func (f *fakeAlarmer) Alarm(_ context.Context, info alarm.Info) bool {
	f.infos = append(f.infos, info)
	return f.ok
}

func newService(st store.Store, trig Triggerer, al Alarmer) *Service {
	return New(st, trig, al, logx.Nop())
}

func seedFailedLog(t *testing.T, st store.Store, retries int) model.ExecutionLog {
	t.Helper()
	ctx := context.Background()
	if err := st.SaveGroup(ctx, model.Group{ID: 1, AppName: "demo-app", Title: "demo"}); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveJob(ctx, model.Job{ID: 5, GroupID: 1, Name: "nightly"}); err != nil {
		t.Fatal(err)
	}
	row := model.ExecutionLog{
		JobID:          5,
		GroupID:        1,
		ExecutorParam:  "p=1",
		FailRetryCount: retries,
		ScheduleTime:   777,
		TriggerTime:    time.Now(),
	}
	if err := st.CreateLog(ctx, &row); err != nil {
		t.Fatal(err)
	}
	row.TriggerCode = model.CodeFail
	row.TriggerMsg = "no executor"
	if err := st.SaveTriggerPhase(ctx, row); err != nil {
		t.Fatal(err)
	}
	return row
}

func TestScanFailedRetriesAndAlarms(t *testing.T) {
	st := store.NewMemory()
	trig := &fakeTrigger{}
	al := &fakeAlarmer{enabled: true, ok: true}
	s := newService(st, trig, al)

	row := seedFailedLog(t, st, 2)
	if err := s.scanFailed(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(trig.reqs) != 1 {
		t.Fatalf("retry triggers = %d", len(trig.reqs))
	}
	req := trig.reqs[0]
	if req.JobID != 5 || req.Type != model.TriggerRetry || req.FailRetryCount != 1 {
		t.Fatalf("retry request = %+v", req)
	}
	if req.ExecutorParam == nil || *req.ExecutorParam != "p=1" || req.ScheduleTime != 777 {
		t.Fatalf("retry request carries wrong overrides: %+v", req)
	}

	if len(al.infos) != 1 || al.infos[0].Job.ID != 5 || al.infos[0].Group.Title != "demo" {
		t.Fatalf("alarm infos = %+v", al.infos)
	}
	got, _ := st.Log(context.Background(), row.ID)
	if got.AlarmStatus != model.AlarmStatusSuccess {
		t.Fatalf("alarm status = %d", got.AlarmStatus)
	}
}

func TestScanFailedNoRetriesLeft(t *testing.T) {
	st := store.NewMemory()
	trig := &fakeTrigger{}
	s := newService(st, trig, &fakeAlarmer{enabled: true, ok: false})

	row := seedFailedLog(t, st, 0)
	if err := s.scanFailed(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(trig.reqs) != 0 {
		t.Fatal("must not retry with zero retries left")
	}
	got, _ := st.Log(context.Background(), row.ID)
	if got.AlarmStatus != model.AlarmStatusFail {
		t.Fatalf("alarm status = %d", got.AlarmStatus)
	}
}

func TestScanFailedWithoutChannels(t *testing.T) {
	st := store.NewMemory()
	s := newService(st, &fakeTrigger{}, &fakeAlarmer{enabled: false})

	row := seedFailedLog(t, st, 0)
	if err := s.scanFailed(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, _ := st.Log(context.Background(), row.ID)
	if got.AlarmStatus != model.AlarmStatusNone {
		t.Fatalf("alarm status = %d", got.AlarmStatus)
	}
}

func TestScanFailedExaminesEachRowOnce(t *testing.T) {
	st := store.NewMemory()
	al := &fakeAlarmer{enabled: true, ok: true}
	s := newService(st, &fakeTrigger{}, al)

	seedFailedLog(t, st, 0)
	for i := 0; i < 3; i++ {
		if err := s.scanFailed(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if len(al.infos) != 1 {
		t.Fatalf("row alarmed %d times", len(al.infos))
	}
}

func seedRunningLog(t *testing.T, st store.Store, addr string, age time.Duration) int64 {
	t.Helper()
	ctx := context.Background()
	row := model.ExecutionLog{JobID: 5, GroupID: 1, ExecutorAddress: addr}
	if err := st.CreateLog(ctx, &row); err != nil {
		t.Fatal(err)
	}
	row.TriggerTime = time.Now().Add(-age)
	row.TriggerCode = model.CodeSuccess
	if err := st.SaveTriggerPhase(ctx, row); err != nil {
		t.Fatal(err)
	}
	return row.ID
}

func TestSweepLostMarksDeadExecutors(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	s := newService(st, &fakeTrigger{}, nil)

	lostID := seedRunningLog(t, st, "10.0.0.9:9999", 20*time.Minute)
	aliveID := seedRunningLog(t, st, "10.0.0.1:9999", 20*time.Minute)
	freshID := seedRunningLog(t, st, "10.0.0.9:9999", time.Minute)

	err := st.SaveRegistration(ctx, model.Registration{
		Group: model.RegistryGroupExecutor, Key: "demo-app", Value: "10.0.0.1:9999",
		UpdatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.sweepLost(ctx); err != nil {
		t.Fatal(err)
	}

	lost, _ := st.Log(ctx, lostID)
	if lost.HandleCode != model.CodeFail || !strings.Contains(lost.HandleMsg, "lost") {
		t.Fatalf("lost row = %+v", lost)
	}
	alive, _ := st.Log(ctx, aliveID)
	if alive.HandleCode != 0 {
		t.Fatal("row on a live executor must stay running")
	}
	fresh, _ := st.Log(ctx, freshID)
	if fresh.HandleCode != 0 {
		t.Fatal("recently triggered row must stay running")
	}
}

func TestSweepLostKeepsExistingResult(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	s := newService(st, &fakeTrigger{}, nil)

	id := seedRunningLog(t, st, "10.0.0.9:9999", 20*time.Minute)
	if _, err := st.ApplyHandleResult(ctx, id, time.Now(), model.CodeSuccess, "done"); err != nil {
		t.Fatal(err)
	}

	if err := s.sweepLost(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := st.Log(ctx, id)
	if got.HandleCode != model.CodeSuccess || got.HandleMsg != "done" {
		t.Fatalf("existing result overwritten: %+v", got)
	}
}
