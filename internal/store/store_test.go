package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"jobrig/internal/model"
	"jobrig/pkg/logx"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "admin.db"), BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{"memory": NewMemory(), "sqlite": sq}
}

func TestJobAndGroupRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			job := model.Job{
				ID: 3, GroupID: 1, Name: "cleanup", Schedule: "0 * * * * *",
				TriggerStatus: 1, ExecutorHandler: "cleanupHandler",
				RouteStrategy: model.RouteRound, BlockStrategy: "SERIAL_EXECUTION",
				FailRetryCount: 2, GlueType: "BEAN", ChildJobIDs: "4,5",
			}
			if err := st.SaveJob(ctx, job); err != nil {
				t.Fatal(err)
			}
			got, err := st.Job(ctx, 3)
			if err != nil {
				t.Fatal(err)
			}
			if got != job {
				t.Fatalf("job round trip mismatch:\n got %+v\nwant %+v", got, job)
			}
			if _, err := st.Job(ctx, 99); err != ErrNotFound {
				t.Fatalf("missing job: err = %v, want ErrNotFound", err)
			}

			scheduled, err := st.ScheduledJobs(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(scheduled) != 1 || scheduled[0].ID != 3 {
				t.Fatalf("scheduled jobs = %+v", scheduled)
			}

			group := model.Group{ID: 1, AppName: "demo-app", Title: "Demo", AddressType: model.AddressTypeAuto}
			if err := st.SaveGroup(ctx, group); err != nil {
				t.Fatal(err)
			}
			if err := st.UpdateGroupAddressList(ctx, 1, "a:1,b:2"); err != nil {
				t.Fatal(err)
			}
			g, err := st.GroupByApp(ctx, "demo-app")
			if err != nil {
				t.Fatal(err)
			}
			if g.AddressList != "a:1,b:2" {
				t.Fatalf("address list = %q", g.AddressList)
			}
		})
	}
}

func TestLogLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			l := model.ExecutionLog{JobID: 7, GroupID: 1, ExecutorHandler: "h", FailRetryCount: 1}
			if err := st.CreateLog(ctx, &l); err != nil {
				t.Fatal(err)
			}
			if l.ID == 0 {
				t.Fatal("CreateLog did not assign an id")
			}

			l.ExecutorAddress = "a:1"
			l.TriggerTime = time.Now()
			l.TriggerCode = model.CodeSuccess
			l.TriggerMsg = "routed to a:1"
			if err := st.SaveTriggerPhase(ctx, l); err != nil {
				t.Fatal(err)
			}

			applied, err := st.ApplyHandleResult(ctx, l.ID, time.Now(), model.CodeSuccess, "done")
			if err != nil {
				t.Fatal(err)
			}
			if !applied {
				t.Fatal("first handle result not applied")
			}
			// Redelivered callbacks must not overwrite the recorded result.
			applied, err = st.ApplyHandleResult(ctx, l.ID, time.Now(), model.CodeFail, "dup")
			if err != nil {
				t.Fatal(err)
			}
			if applied {
				t.Fatal("second handle result applied over the first")
			}
			got, err := st.Log(ctx, l.ID)
			if err != nil {
				t.Fatal(err)
			}
			if got.HandleCode != model.CodeSuccess || got.HandleMsg != "done" {
				t.Fatalf("handle phase = %d %q", got.HandleCode, got.HandleMsg)
			}
		})
	}
}

func TestFailedLogsAndAlarmCAS(t *testing.T) {
	ctx := context.Background()
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ok := model.ExecutionLog{JobID: 1, GroupID: 1}
			bad := model.ExecutionLog{JobID: 2, GroupID: 1}
			if err := st.CreateLog(ctx, &ok); err != nil {
				t.Fatal(err)
			}
			if err := st.CreateLog(ctx, &bad); err != nil {
				t.Fatal(err)
			}
			ok.TriggerCode = model.CodeSuccess
			bad.TriggerCode = model.CodeFail
			bad.TriggerMsg = "no addresses"
			_ = st.SaveTriggerPhase(ctx, ok)
			_ = st.SaveTriggerPhase(ctx, bad)

			ids, err := st.FailedLogIDs(ctx, 100)
			if err != nil {
				t.Fatal(err)
			}
			if len(ids) != 1 || ids[0] != bad.ID {
				t.Fatalf("failed ids = %v, want [%d]", ids, bad.ID)
			}

			won, err := st.CASAlarmStatus(ctx, bad.ID, model.AlarmStatusDefault, model.AlarmStatusLockFailed)
			if err != nil {
				t.Fatal(err)
			}
			if !won {
				t.Fatal("first CAS lost")
			}
			won, err = st.CASAlarmStatus(ctx, bad.ID, model.AlarmStatusDefault, model.AlarmStatusLockFailed)
			if err != nil {
				t.Fatal(err)
			}
			if won {
				t.Fatal("second CAS won against a moved status")
			}

			// Locked rows no longer show up for other scanners.
			ids, _ = st.FailedLogIDs(ctx, 100)
			if len(ids) != 0 {
				t.Fatalf("failed ids after lock = %v", ids)
			}
		})
	}
}

func TestRunningLogIDs(t *testing.T) {
	ctx := context.Background()
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			stale := model.ExecutionLog{JobID: 1, GroupID: 1}
			fresh := model.ExecutionLog{JobID: 2, GroupID: 1}
			_ = st.CreateLog(ctx, &stale)
			_ = st.CreateLog(ctx, &fresh)

			stale.TriggerCode = model.CodeSuccess
			stale.TriggerTime = time.Now().Add(-20 * time.Minute)
			stale.ExecutorAddress = "dead:1"
			fresh.TriggerCode = model.CodeSuccess
			fresh.TriggerTime = time.Now()
			fresh.ExecutorAddress = "alive:1"
			_ = st.SaveTriggerPhase(ctx, stale)
			_ = st.SaveTriggerPhase(ctx, fresh)

			running, err := st.RunningLogIDs(ctx, time.Now().Add(-10*time.Minute))
			if err != nil {
				t.Fatal(err)
			}
			if len(running) != 1 || running[0].ID != stale.ID {
				t.Fatalf("running = %+v, want only log %d", running, stale.ID)
			}
		})
	}
}

func TestRegistrations(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			save := func(value string, at time.Time) {
				t.Helper()
				err := st.SaveRegistration(ctx, model.Registration{
					Group: model.RegistryGroupExecutor, Key: "demo-app", Value: value, UpdatedAt: at,
				})
				if err != nil {
					t.Fatal(err)
				}
			}
			save("b:2", now)
			save("a:1", now)
			save("c:3", now.Add(-2*time.Minute))

			alive, err := st.AliveRegistrations(ctx, model.RegistryGroupExecutor, now.Add(-model.RegistryDeadTimeout))
			if err != nil {
				t.Fatal(err)
			}
			if len(alive) != 2 || alive[0].Value != "a:1" || alive[1].Value != "b:2" {
				t.Fatalf("alive = %+v, want sorted [a:1 b:2]", alive)
			}

			n, err := st.PruneRegistrations(ctx, now.Add(-model.RegistryDeadTimeout))
			if err != nil {
				t.Fatal(err)
			}
			if n != 1 {
				t.Fatalf("pruned %d rows, want 1", n)
			}

			if err := st.RemoveRegistration(ctx, model.RegistryGroupExecutor, "demo-app", "a:1"); err != nil {
				t.Fatal(err)
			}
			alive, _ = st.AliveRegistrations(ctx, model.RegistryGroupExecutor, now.Add(-model.RegistryDeadTimeout))
			if len(alive) != 1 || alive[0].Value != "b:2" {
				t.Fatalf("alive after remove = %+v", alive)
			}
		})
	}
}

func TestLoadSeed(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	data := `
groups:
  - id: 1
    app_name: demo-app
    title: Demo
jobs:
  - id: 10
    group_id: 1
    name: heartbeat
    schedule: "@every 1m"
    trigger_status: 1
    executor_handler: heartbeatHandler
    route_strategy: ROUND
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	st := NewMemory()
	if err := LoadSeed(ctx, path, st); err != nil {
		t.Fatal(err)
	}
	j, err := st.Job(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if j.ExecutorHandler != "heartbeatHandler" || j.RouteStrategy != model.RouteRound {
		t.Fatalf("seeded job = %+v", j)
	}
	if _, err := st.GroupByApp(ctx, "demo-app"); err != nil {
		t.Fatalf("seeded group missing: %v", err)
	}
}

func TestCallbackBacklog(t *testing.T) {
	ctx := context.Background()
	b, err := OpenBacklog(filepath.Join(t.TempDir(), "callback.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	first := []model.CallbackResult{{LogID: 1, HandleCode: model.CodeSuccess}}
	second := []model.CallbackResult{{LogID: 2, HandleCode: model.CodeFail, HandleMsg: "boom"}}
	if err := b.Enqueue(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := b.Enqueue(ctx, second); err != nil {
		t.Fatal(err)
	}

	pending, err := b.Pending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d batches, want 2", len(pending))
	}
	// Oldest first.
	if pending[0].Results[0].LogID != 1 || pending[1].Results[0].LogID != 2 {
		t.Fatalf("pending order wrong: %+v", pending)
	}

	if err := b.Delete(ctx, pending[0].ID); err != nil {
		t.Fatal(err)
	}
	pending, _ = b.Pending(ctx, 10)
	if len(pending) != 1 || pending[0].Results[0].LogID != 2 {
		t.Fatalf("pending after delete = %+v", pending)
	}
}
