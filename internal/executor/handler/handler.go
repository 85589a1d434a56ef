// Package handler defines the job handler contract and the process-wide
// registry of named handlers.
package handler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"jobrig/internal/model"
)

// Context carries one trigger's execution inputs. Log writes to the
// trigger's own log file and is safe for concurrent use.
type Context struct {
	JobID       int
	Param       string
	LogID       int64
	LogDateTime int64

	ShardIndex int
	ShardTotal int

	Log func(format string, args ...any)
}

// Result is a handler's outcome. Code follows the shared result codes.
type Result struct {
	Code int
	Msg  string
}

func OK() Result              { return Result{Code: model.CodeSuccess} }
func OKMsg(msg string) Result { return Result{Code: model.CodeSuccess, Msg: msg} }
func Fail(msg string) Result  { return Result{Code: model.CodeFail, Msg: msg} }
func Failf(format string, args ...any) Result {
	return Result{Code: model.CodeFail, Msg: fmt.Sprintf(format, args...)}
}

// Handler executes one job. Init runs once when the owning job thread is
// created, Destroy once when it is torn down.
type Handler interface {
	Init() error
	Execute(ctx context.Context, jc Context) Result
	Destroy() error
}

// Func adapts a bare function to Handler with no-op lifecycle hooks.
type Func func(ctx context.Context, jc Context) Result

func (f Func) Init() error    { return nil }
func (f Func) Destroy() error { return nil }
func (f Func) Execute(ctx context.Context, jc Context) Result {
	return f(ctx, jc)
}

var ErrNotFound = errors.New("handler not found")

// Registry maps handler names to registered handlers.
type Registry struct {
	mu    sync.RWMutex
	beans map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{beans: make(map[string]Handler)}
}

// Register binds name to h, replacing any previous binding.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beans[name] = h
}

// RegisterFunc binds name to a bare function.
func (r *Registry) RegisterFunc(name string, f func(ctx context.Context, jc Context) Result) {
	r.Register(name, Func(f))
}

func (r *Registry) Load(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.beans[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return h, nil
}

// Names lists registered handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.beans))
	for name := range r.beans {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
