package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"jobrig/internal/model"
	"jobrig/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveJob(ctx context.Context, j model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job(id, group_id, name, schedule, trigger_status,
		   executor_handler, executor_param, route_strategy, block_strategy,
		   timeout_sec, fail_retry_count, glue_type, glue_source, glue_updated_at, child_job_ids)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   group_id=excluded.group_id, name=excluded.name, schedule=excluded.schedule,
		   trigger_status=excluded.trigger_status, executor_handler=excluded.executor_handler,
		   executor_param=excluded.executor_param, route_strategy=excluded.route_strategy,
		   block_strategy=excluded.block_strategy, timeout_sec=excluded.timeout_sec,
		   fail_retry_count=excluded.fail_retry_count, glue_type=excluded.glue_type,
		   glue_source=excluded.glue_source, glue_updated_at=excluded.glue_updated_at,
		   child_job_ids=excluded.child_job_ids`,
		j.ID, j.GroupID, j.Name, j.Schedule, j.TriggerStatus,
		j.ExecutorHandler, j.ExecutorParam, j.RouteStrategy, j.BlockStrategy,
		j.TimeoutSec, j.FailRetryCount, j.GlueType, j.GlueSource, j.GlueUpdatedAt, j.ChildJobIDs,
	)
	return err
}

const jobColumns = `id, group_id, name, schedule, trigger_status,
  executor_handler, executor_param, route_strategy, block_strategy,
  timeout_sec, fail_retry_count, glue_type, glue_source, glue_updated_at, child_job_ids`

func scanJob(row interface{ Scan(...any) error }) (model.Job, error) {
	var j model.Job
	err := row.Scan(&j.ID, &j.GroupID, &j.Name, &j.Schedule, &j.TriggerStatus,
		&j.ExecutorHandler, &j.ExecutorParam, &j.RouteStrategy, &j.BlockStrategy,
		&j.TimeoutSec, &j.FailRetryCount, &j.GlueType, &j.GlueSource, &j.GlueUpdatedAt, &j.ChildJobIDs)
	return j, err
}

func (s *sqliteStore) Job(ctx context.Context, id int) (model.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM job WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, ErrNotFound
	}
	return j, err
}

func (s *sqliteStore) AllJobs(ctx context.Context) ([]model.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM job ORDER BY id`)
}

func (s *sqliteStore) ScheduledJobs(ctx context.Context) ([]model.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM job WHERE trigger_status = 1 AND schedule != '' ORDER BY id`)
}

func (s *sqliteStore) queryJobs(ctx context.Context, q string, args ...any) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveGroup(ctx context.Context, g model.Group) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_group(id, app_name, title, address_type, address_list)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   app_name=excluded.app_name, title=excluded.title,
		   address_type=excluded.address_type, address_list=excluded.address_list`,
		g.ID, g.AppName, g.Title, g.AddressType, g.AddressList,
	)
	return err
}

func scanGroup(row interface{ Scan(...any) error }) (model.Group, error) {
	var g model.Group
	err := row.Scan(&g.ID, &g.AppName, &g.Title, &g.AddressType, &g.AddressList)
	return g, err
}

func (s *sqliteStore) Group(ctx context.Context, id int) (model.Group, error) {
	g, err := scanGroup(s.db.QueryRowContext(ctx,
		`SELECT id, app_name, title, address_type, address_list FROM job_group WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Group{}, ErrNotFound
	}
	return g, err
}

func (s *sqliteStore) GroupByApp(ctx context.Context, appName string) (model.Group, error) {
	g, err := scanGroup(s.db.QueryRowContext(ctx,
		`SELECT id, app_name, title, address_type, address_list FROM job_group WHERE app_name = ?`, appName))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Group{}, ErrNotFound
	}
	return g, err
}

func (s *sqliteStore) AllGroups(ctx context.Context) ([]model.Group, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, app_name, title, address_type, address_list FROM job_group ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateGroupAddressList(ctx context.Context, id int, addressList string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE job_group SET address_list = ? WHERE id = ?`, addressList, id)
	return err
}

func (s *sqliteStore) CreateLog(ctx context.Context, l *model.ExecutionLog) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO job_log(job_id, group_id, executor_handler, executor_param,
		   fail_retry_count, schedule_time, trigger_time)
		 VALUES(?,?,?,?,?,?,?)`,
		l.JobID, l.GroupID, l.ExecutorHandler, l.ExecutorParam,
		l.FailRetryCount, l.ScheduleTime, msOrZero(l.TriggerTime),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	l.ID = id
	return nil
}

const logColumns = `id, job_id, group_id, executor_address, executor_handler,
  executor_param, sharding_param, fail_retry_count, schedule_time,
  trigger_time, trigger_code, trigger_msg, handle_time, handle_code, handle_msg, alarm_status`

func scanLog(row interface{ Scan(...any) error }) (model.ExecutionLog, error) {
	var l model.ExecutionLog
	var triggerMS, handleMS int64
	err := row.Scan(&l.ID, &l.JobID, &l.GroupID, &l.ExecutorAddress, &l.ExecutorHandler,
		&l.ExecutorParam, &l.ShardingParam, &l.FailRetryCount, &l.ScheduleTime,
		&triggerMS, &l.TriggerCode, &l.TriggerMsg, &handleMS, &l.HandleCode, &l.HandleMsg, &l.AlarmStatus)
	if err != nil {
		return l, err
	}
	l.TriggerTime = timeOrZero(triggerMS)
	l.HandleTime = timeOrZero(handleMS)
	return l, nil
}

func (s *sqliteStore) Log(ctx context.Context, id int64) (model.ExecutionLog, error) {
	l, err := scanLog(s.db.QueryRowContext(ctx, `SELECT `+logColumns+` FROM job_log WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.ExecutionLog{}, ErrNotFound
	}
	return l, err
}

func (s *sqliteStore) SaveTriggerPhase(ctx context.Context, l model.ExecutionLog) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_log SET executor_address = ?, executor_handler = ?, executor_param = ?,
		   sharding_param = ?, trigger_time = ?, trigger_code = ?, trigger_msg = ?
		 WHERE id = ?`,
		l.ExecutorAddress, l.ExecutorHandler, l.ExecutorParam,
		l.ShardingParam, msOrZero(l.TriggerTime), l.TriggerCode, l.TriggerMsg, l.ID,
	)
	return err
}

func (s *sqliteStore) ApplyHandleResult(ctx context.Context, id int64, handleTime time.Time, code int, msg string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_log SET handle_time = ?, handle_code = ?, handle_msg = ?
		 WHERE id = ? AND handle_code = 0`,
		msOrZero(handleTime), code, msg, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) FailedLogIDs(ctx context.Context, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM job_log
		 WHERE alarm_status = 0
		   AND (trigger_code NOT IN (0, ?) OR handle_code NOT IN (0, ?))
		 ORDER BY id LIMIT ?`,
		model.CodeSuccess, model.CodeSuccess, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CASAlarmStatus(ctx context.Context, id int64, from, to int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_log SET alarm_status = ? WHERE id = ? AND alarm_status = ?`,
		to, id, from,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) RunningLogIDs(ctx context.Context, triggeredBefore time.Time) ([]model.ExecutionLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+logColumns+` FROM job_log
		 WHERE trigger_code = ? AND handle_code = 0 AND trigger_time > 0 AND trigger_time <= ?
		 ORDER BY id`,
		model.CodeSuccess, triggeredBefore.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ExecutionLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveRegistration(ctx context.Context, r model.Registration) error {
	at := r.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO registry(reg_group, reg_key, reg_value, updated_at)
		 VALUES(?,?,?,?)
		 ON CONFLICT(reg_group, reg_key, reg_value) DO UPDATE SET updated_at=excluded.updated_at`,
		r.Group, r.Key, r.Value, at.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) RemoveRegistration(ctx context.Context, group, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM registry WHERE reg_group = ? AND reg_key = ? AND reg_value = ?`,
		group, key, value,
	)
	return err
}

func (s *sqliteStore) PruneRegistrations(ctx context.Context, deadline time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM registry WHERE updated_at < ?`, deadline.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) AliveRegistrations(ctx context.Context, group string, deadline time.Time) ([]model.Registration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT reg_group, reg_key, reg_value, updated_at FROM registry
		 WHERE reg_group = ? AND updated_at >= ?
		 ORDER BY reg_key, reg_value`,
		group, deadline.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Registration
	for rows.Next() {
		var r model.Registration
		var ms int64
		if err := rows.Scan(&r.Group, &r.Key, &r.Value, &ms); err != nil {
			return nil, err
		}
		r.UpdatedAt = time.UnixMilli(ms)
		out = append(out, r)
	}
	return out, rows.Err()
}

func msOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeOrZero(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
