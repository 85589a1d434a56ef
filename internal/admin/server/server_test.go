package server

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"jobrig/internal/api"
	"jobrig/internal/model"
	"jobrig/pkg/logx"
)

type fakeCompleter struct {
	batches [][]model.CallbackResult
	err     error
}

func (f *fakeCompleter) Apply(_ context.Context, results []model.CallbackResult) error {
	f.batches = append(f.batches, results)
	return f.err
}

type fakeRegistrar struct {
	applied []model.RegistryRequest
	removed []model.RegistryRequest
	err     error
}

func (f *fakeRegistrar) Apply(_ context.Context, req model.RegistryRequest) error {
	f.applied = append(f.applied, req)
	return f.err
}

func (f *fakeRegistrar) Remove(_ context.Context, req model.RegistryRequest) error {
	f.removed = append(f.removed, req)
	return f.err
}

func startServer(t *testing.T, completer *fakeCompleter, registrar *fakeRegistrar, token string) api.AdminClient {
	t.Helper()
	srv := httptest.NewServer(New(completer, registrar, token, logx.Nop()).Handler())
	t.Cleanup(srv.Close)
	return api.NewAdminClient(srv.URL, token, 5*time.Second)
}

func TestCallbackRoundTrip(t *testing.T) {
	completer := &fakeCompleter{}
	client := startServer(t, completer, &fakeRegistrar{}, "")

	batch := []model.CallbackResult{
		{LogID: 1, LogDateTime: 111, HandleCode: model.CodeSuccess, HandleMsg: "ok"},
		{LogID: 2, LogDateTime: 222, HandleCode: model.CodeFail, HandleMsg: "boom"},
	}
	res := client.Callback(context.Background(), batch)
	if !res.Success() {
		t.Fatalf("callback = %+v", res)
	}
	if len(completer.batches) != 1 || len(completer.batches[0]) != 2 {
		t.Fatalf("batches = %+v", completer.batches)
	}
	if completer.batches[0][1].HandleMsg != "boom" {
		t.Fatalf("batch content = %+v", completer.batches[0])
	}
}

func TestCallbackApplyErrorBecomesFailedResult(t *testing.T) {
	completer := &fakeCompleter{err: errors.New("log 7 not found")}
	client := startServer(t, completer, &fakeRegistrar{}, "")

	res := client.Callback(context.Background(), []model.CallbackResult{{LogID: 7}})
	if res.Success() || !strings.Contains(res.Msg, "log 7 not found") {
		t.Fatalf("result = %+v", res)
	}
}

func TestRegistryRoundTrip(t *testing.T) {
	registrar := &fakeRegistrar{}
	client := startServer(t, &fakeCompleter{}, registrar, "")

	req := model.RegistryRequest{
		RegistryGroup: model.RegistryGroupExecutor,
		RegistryKey:   "demo-app",
		RegistryValue: "10.0.0.1:9999",
	}
	if res := client.Registry(context.Background(), req); !res.Success() {
		t.Fatalf("registry = %+v", res)
	}
	if res := client.RegistryRemove(context.Background(), req); !res.Success() {
		t.Fatalf("registryRemove = %+v", res)
	}
	if len(registrar.applied) != 1 || registrar.applied[0] != req {
		t.Fatalf("applied = %+v", registrar.applied)
	}
	if len(registrar.removed) != 1 || registrar.removed[0] != req {
		t.Fatalf("removed = %+v", registrar.removed)
	}
}

func TestTokenMismatchRejected(t *testing.T) {
	registrar := &fakeRegistrar{}
	srv := httptest.NewServer(New(&fakeCompleter{}, registrar, "secret", logx.Nop()).Handler())
	t.Cleanup(srv.Close)

	client := api.NewAdminClient(srv.URL, "wrong", 5*time.Second)
	res := client.Registry(context.Background(), model.RegistryRequest{
		RegistryGroup: model.RegistryGroupExecutor, RegistryKey: "a", RegistryValue: "b",
	})
	if res.Code != model.CodeAuth {
		t.Fatalf("result = %+v", res)
	}
	if len(registrar.applied) != 0 {
		t.Fatal("rejected request must not reach the registrar")
	}
}
