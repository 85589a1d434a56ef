// Package store persists job definitions, executor groups, execution logs
// and registry heartbeats for the admin side. Two drivers: sqlite for
// durable deployments, memory for tests and demos.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"jobrig/internal/model"
	"jobrig/pkg/logx"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrClosed   = errors.New("store: closed")
)

// Config selects and tunes the backend.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Jobs reads and writes job definitions.
type Jobs interface {
	SaveJob(ctx context.Context, j model.Job) error
	Job(ctx context.Context, id int) (model.Job, error)
	AllJobs(ctx context.Context) ([]model.Job, error)
	// ScheduledJobs returns running jobs that carry a cron expression.
	ScheduledJobs(ctx context.Context) ([]model.Job, error)
}

// Groups reads and writes executor groups.
type Groups interface {
	SaveGroup(ctx context.Context, g model.Group) error
	Group(ctx context.Context, id int) (model.Group, error)
	GroupByApp(ctx context.Context, appName string) (model.Group, error)
	AllGroups(ctx context.Context) ([]model.Group, error)
	UpdateGroupAddressList(ctx context.Context, id int, addressList string) error
}

// Logs owns the execution log lifecycle: created before the trigger RPC,
// trigger phase written by the dispatcher, handle phase by the completion
// path. Rows are never deleted by the dispatch core.
type Logs interface {
	// CreateLog inserts the row and assigns l.ID.
	CreateLog(ctx context.Context, l *model.ExecutionLog) error
	Log(ctx context.Context, id int64) (model.ExecutionLog, error)
	// SaveTriggerPhase writes the trigger-time columns of an existing row.
	SaveTriggerPhase(ctx context.Context, l model.ExecutionLog) error
	// ApplyHandleResult writes the handle phase only if the row has no
	// handle code yet. Returns false when the result was already applied.
	ApplyHandleResult(ctx context.Context, id int64, handleTime time.Time, code int, msg string) (bool, error)
	// FailedLogIDs lists unexamined rows whose trigger or handle failed.
	FailedLogIDs(ctx context.Context, limit int) ([]int64, error)
	// CASAlarmStatus moves alarm status between two values for one row.
	CASAlarmStatus(ctx context.Context, id int64, from, to int) (bool, error)
	// RunningLogIDs lists rows triggered successfully before the deadline
	// that still have no handle result, keyed by executor address.
	RunningLogIDs(ctx context.Context, triggeredBefore time.Time) ([]model.ExecutionLog, error)
}

// Registrations records executor heartbeats.
type Registrations interface {
	SaveRegistration(ctx context.Context, r model.Registration) error
	RemoveRegistration(ctx context.Context, group, key, value string) error
	// PruneRegistrations deletes rows not refreshed since the deadline.
	PruneRegistrations(ctx context.Context, deadline time.Time) (int64, error)
	// AliveRegistrations lists rows refreshed at or after the deadline.
	AliveRegistrations(ctx context.Context, group string, deadline time.Time) ([]model.Registration, error)
}

// Store is the full persistence surface of the admin.
type Store interface {
	Jobs
	Groups
	Logs
	Registrations
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}
