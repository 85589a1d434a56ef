// Package api defines the RPC wire envelope and the HTTP clients used between
// the admin and executors. Transport failures are folded into failed Results
// so callers above the RPC boundary never see a raw error escape.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"jobrig/internal/model"
)

// AccessTokenHeader carries the shared secret on every RPC call.
const AccessTokenHeader = "Jobrig-Access-Token"

// Result is the wire envelope without content.
type Result struct {
	Code int    `json:"code"`
	Msg  string `json:"msg,omitempty"`
}

func OK() Result              { return Result{Code: model.CodeSuccess} }
func OKMsg(msg string) Result { return Result{Code: model.CodeSuccess, Msg: msg} }
func Fail(msg string) Result  { return Result{Code: model.CodeFail, Msg: msg} }
func Failf(format string, args ...any) Result {
	return Result{Code: model.CodeFail, Msg: fmt.Sprintf(format, args...)}
}

func (r Result) Success() bool { return r.Code == model.CodeSuccess }

// logResponse is the envelope for the log RPC.
type logResponse struct {
	Code    int             `json:"code"`
	Msg     string          `json:"msg,omitempty"`
	Content model.LogResult `json:"content"`
}

// ExecutorClient is the admin-side view of one worker address.
type ExecutorClient interface {
	Address() string
	Beat(ctx context.Context) Result
	IdleBeat(ctx context.Context, jobID int) Result
	Run(ctx context.Context, req model.TriggerRequest) Result
	Kill(ctx context.Context, jobID int) Result
	Log(ctx context.Context, req model.LogRequest) (model.LogResult, Result)
}

// ExecutorClientFactory builds a client for a worker address. Injected so
// routing strategies and the dispatcher can be tested against fakes.
type ExecutorClientFactory func(address string) ExecutorClient

// AdminClient is the executor-side view of one admin address.
type AdminClient interface {
	Address() string
	Callback(ctx context.Context, results []model.CallbackResult) Result
	Registry(ctx context.Context, req model.RegistryRequest) Result
	RegistryRemove(ctx context.Context, req model.RegistryRequest) Result
}

type httpExecutorClient struct {
	addr  string
	token string
	hc    *http.Client
}

// NewExecutorClient returns an HTTP client for a worker address
// ("host:port" or full URL). timeout bounds every call.
func NewExecutorClient(address, token string, timeout time.Duration) ExecutorClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &httpExecutorClient{
		addr:  address,
		token: token,
		hc:    &http.Client{Timeout: timeout},
	}
}

// NewExecutorClientFactory binds token/timeout so callers only supply addresses.
func NewExecutorClientFactory(token string, timeout time.Duration) ExecutorClientFactory {
	return func(address string) ExecutorClient {
		return NewExecutorClient(address, token, timeout)
	}
}

func (c *httpExecutorClient) Address() string { return c.addr }

func (c *httpExecutorClient) Beat(ctx context.Context) Result {
	return postResult(ctx, c.hc, c.addr, "/beat", c.token, struct{}{})
}

func (c *httpExecutorClient) IdleBeat(ctx context.Context, jobID int) Result {
	return postResult(ctx, c.hc, c.addr, "/idleBeat", c.token, model.IdleBeatRequest{JobID: jobID})
}

func (c *httpExecutorClient) Run(ctx context.Context, req model.TriggerRequest) Result {
	return postResult(ctx, c.hc, c.addr, "/run", c.token, req)
}

func (c *httpExecutorClient) Kill(ctx context.Context, jobID int) Result {
	return postResult(ctx, c.hc, c.addr, "/kill", c.token, model.KillRequest{JobID: jobID})
}

func (c *httpExecutorClient) Log(ctx context.Context, req model.LogRequest) (model.LogResult, Result) {
	var resp logResponse
	if err := postJSON(ctx, c.hc, c.addr, "/log", c.token, req, &resp); err != nil {
		return model.LogResult{}, Fail(err.Error())
	}
	return resp.Content, Result{Code: resp.Code, Msg: resp.Msg}
}

type httpAdminClient struct {
	addr  string
	token string
	hc    *http.Client
}

func NewAdminClient(address, token string, timeout time.Duration) AdminClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &httpAdminClient{
		addr:  address,
		token: token,
		hc:    &http.Client{Timeout: timeout},
	}
}

func (c *httpAdminClient) Address() string { return c.addr }

func (c *httpAdminClient) Callback(ctx context.Context, results []model.CallbackResult) Result {
	return postResult(ctx, c.hc, c.addr, "/api/callback", c.token, results)
}

func (c *httpAdminClient) Registry(ctx context.Context, req model.RegistryRequest) Result {
	return postResult(ctx, c.hc, c.addr, "/api/registry", c.token, req)
}

func (c *httpAdminClient) RegistryRemove(ctx context.Context, req model.RegistryRequest) Result {
	return postResult(ctx, c.hc, c.addr, "/api/registryRemove", c.token, req)
}

func postResult(ctx context.Context, hc *http.Client, addr, path, token string, in any) Result {
	var out Result
	if err := postJSON(ctx, hc, addr, path, token, in, &out); err != nil {
		return Fail(err.Error())
	}
	return out
}

func postJSON(ctx context.Context, hc *http.Client, addr, path, token string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(addr)+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(AccessTokenHeader, token)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode response from %s%s (http %d): %w", addr, path, resp.StatusCode, err)
	}
	return nil
}

func baseURL(addr string) string {
	addr = strings.TrimSuffix(strings.TrimSpace(addr), "/")
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}
