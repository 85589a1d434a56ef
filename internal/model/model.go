// Package model holds the domain entities and wire types shared by the
// admin and executor sides. Entities are plain data; behavior lives in the
// services that own them.
package model

import (
	"strings"
	"time"
)

// Result codes shared across the RPC surface and execution logs.
const (
	CodeSuccess = 200
	CodeFail    = 500
	CodeTimeout = 502
	CodeAuth    = 401
)

// Handle message bounds. The executor truncates first (callback payload),
// the admin truncates again after appending child-trigger diagnostics
// (bounded storage column).
const (
	MaxHandleMsgExecutor = 50000
	MaxHandleMsgAdmin    = 15000
)

// Registry heartbeat cadence and expiry.
const (
	RegistryBeatInterval = 30 * time.Second
	RegistryDeadTimeout  = 90 * time.Second
)

// Job is a job definition. It is owned by the configuration store and
// read-only to the dispatch core.
type Job struct {
	ID      int    `json:"id" yaml:"id"`
	GroupID int    `json:"groupId" yaml:"group_id"`
	Name    string `json:"name" yaml:"name"`

	// Schedule is a cron expression; empty for manually triggered jobs.
	Schedule      string `json:"schedule" yaml:"schedule"`
	TriggerStatus int    `json:"triggerStatus" yaml:"trigger_status"` // 0 stopped, 1 running

	ExecutorHandler string `json:"executorHandler" yaml:"executor_handler"`
	ExecutorParam   string `json:"executorParam" yaml:"executor_param"`
	RouteStrategy   string `json:"routeStrategy" yaml:"route_strategy"`
	BlockStrategy   string `json:"blockStrategy" yaml:"block_strategy"`
	TimeoutSec      int    `json:"timeoutSec" yaml:"timeout_sec"`
	FailRetryCount  int    `json:"failRetryCount" yaml:"fail_retry_count"`

	GlueType      string `json:"glueType" yaml:"glue_type"`
	GlueSource    string `json:"glueSource" yaml:"glue_source"`
	GlueUpdatedAt int64  `json:"glueUpdatedAt" yaml:"glue_updated_at"` // unix ms source version

	// ChildJobIDs is a comma-separated id list triggered after success.
	ChildJobIDs string `json:"childJobIds" yaml:"child_job_ids"`
}

// Group address list sourcing.
const (
	AddressTypeAuto   = 0 // heartbeat-discovered
	AddressTypeManual = 1 // operator-configured
)

// Group is an executor group: one logical application, many worker addresses.
type Group struct {
	ID          int    `json:"id" yaml:"id"`
	AppName     string `json:"appName" yaml:"app_name"`
	Title       string `json:"title" yaml:"title"`
	AddressType int    `json:"addressType" yaml:"address_type"`
	AddressList string `json:"addressList" yaml:"address_list"` // comma-separated
}

// Addresses splits AddressList, dropping blanks.
func (g Group) Addresses() []string {
	if strings.TrimSpace(g.AddressList) == "" {
		return nil
	}
	parts := strings.Split(g.AddressList, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Alarm status of an execution log.
const (
	AlarmStatusDefault    = 0  // not yet examined
	AlarmStatusLockFailed = -1 // another scanner holds it
	AlarmStatusNone       = 1  // examined, nothing to send
	AlarmStatusSuccess    = 2
	AlarmStatusFail       = 3
)

// ExecutionLog records exactly one trigger attempt. It is created before the
// trigger RPC and mutated twice: trigger phase by the dispatcher, handle
// phase by the callback/completion path. Never deleted here.
type ExecutionLog struct {
	ID      int64 `json:"id"`
	JobID   int   `json:"jobId"`
	GroupID int   `json:"groupId"`

	ExecutorAddress string `json:"executorAddress"`
	ExecutorHandler string `json:"executorHandler"`
	ExecutorParam   string `json:"executorParam"`
	ShardingParam   string `json:"shardingParam"` // "index/total", broadcast only
	FailRetryCount  int    `json:"failRetryCount"`

	// ScheduleTime is the logical slot in unix ms; 0 for manual/API triggers.
	ScheduleTime int64 `json:"scheduleTime"`

	TriggerTime time.Time `json:"triggerTime"`
	TriggerCode int       `json:"triggerCode"`
	TriggerMsg  string    `json:"triggerMsg"`

	HandleTime time.Time `json:"handleTime"`
	HandleCode int       `json:"handleCode"`
	HandleMsg  string    `json:"handleMsg"`

	AlarmStatus int `json:"alarmStatus"`
}

// TriggerRequest is the admin→executor wire entity. Immutable once sent.
type TriggerRequest struct {
	JobID int `json:"jobId"`

	ExecutorHandler       string `json:"executorHandler"`
	ExecutorParams        string `json:"executorParams"`
	ExecutorBlockStrategy string `json:"executorBlockStrategy"`
	ExecutorTimeout       int    `json:"executorTimeout"` // seconds

	LogID       int64 `json:"logId"`
	LogDateTime int64 `json:"logDateTime"` // unix ms

	GlueType       string `json:"glueType"`
	GlueSource     string `json:"glueSource"`
	GlueUpdatetime int64  `json:"glueUpdatetime"` // unix ms

	BroadcastIndex int `json:"broadcastIndex"`
	BroadcastTotal int `json:"broadcastTotal"`

	ScheduleTime int64 `json:"scheduleTime"` // unix ms, 0 when not slot-driven
}

// CallbackResult is the worker→admin wire entity. Delivery is at-least-once;
// the admin applies it idempotently by log id.
type CallbackResult struct {
	LogID       int64  `json:"logId"`
	LogDateTime int64  `json:"logDateTime"`
	HandleCode  int    `json:"handleCode"`
	HandleMsg   string `json:"handleMsg"`
}

// RegistryRequest announces (or withdraws) one executor address.
type RegistryRequest struct {
	RegistryGroup string `json:"registryGroup"` // "EXECUTOR"
	RegistryKey   string `json:"registryKey"`   // appname
	RegistryValue string `json:"registryValue"` // "host:port"
}

const RegistryGroupExecutor = "EXECUTOR"

// Registration is one recorded heartbeat: (group, key, value) plus the last
// time it was seen. Key is the appname, value the worker address.
type Registration struct {
	Group     string    `json:"group"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// LogRequest asks for a slice of one trigger's log file.
type LogRequest struct {
	LogID       int64 `json:"logId"`
	LogDateTime int64 `json:"logDateTime"`
	FromLineNum int   `json:"fromLineNum"`
}

// LogResult carries the requested lines. IsEnd is true once the execution
// finished and no further content will appear.
type LogResult struct {
	FromLineNum int    `json:"fromLineNum"`
	ToLineNum   int    `json:"toLineNum"`
	LogContent  string `json:"logContent"`
	IsEnd       bool   `json:"isEnd"`
}

// IdleBeatRequest / KillRequest address a single job on the executor.
type IdleBeatRequest struct {
	JobID int `json:"jobId"`
}

type KillRequest struct {
	JobID int `json:"jobId"`
}
