package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"jobrig/internal/model"
)

// memoryStore keeps everything in maps under one mutex. Used by tests and
// by deployments that do not need durability.
type memoryStore struct {
	mu sync.Mutex

	jobs   map[int]model.Job
	groups map[int]model.Group
	logs   map[int64]model.ExecutionLog
	nextID int64

	regs map[regKey]time.Time
}

type regKey struct {
	group, key, value string
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memoryStore{
		jobs:   make(map[int]model.Job),
		groups: make(map[int]model.Group),
		logs:   make(map[int64]model.ExecutionLog),
		regs:   make(map[regKey]time.Time),
	}
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) SaveJob(_ context.Context, j model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j
	return nil
}

func (m *memoryStore) Job(_ context.Context, id int) (model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return model.Job{}, ErrNotFound
	}
	return j, nil
}

func (m *memoryStore) AllJobs(context.Context) ([]model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (m *memoryStore) ScheduledJobs(ctx context.Context) ([]model.Job, error) {
	all, _ := m.AllJobs(ctx)
	out := all[:0]
	for _, j := range all {
		if j.TriggerStatus == 1 && j.Schedule != "" {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *memoryStore) SaveGroup(_ context.Context, g model.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[g.ID] = g
	return nil
}

func (m *memoryStore) Group(_ context.Context, id int) (model.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return model.Group{}, ErrNotFound
	}
	return g, nil
}

func (m *memoryStore) GroupByApp(_ context.Context, appName string) (model.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.groups {
		if g.AppName == appName {
			return g, nil
		}
	}
	return model.Group{}, ErrNotFound
}

func (m *memoryStore) AllGroups(context.Context) ([]model.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (m *memoryStore) UpdateGroupAddressList(_ context.Context, id int, addressList string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return ErrNotFound
	}
	g.AddressList = addressList
	m.groups[id] = g
	return nil
}

func (m *memoryStore) CreateLog(_ context.Context, l *model.ExecutionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	l.ID = m.nextID
	m.logs[l.ID] = *l
	return nil
}

func (m *memoryStore) Log(_ context.Context, id int64) (model.ExecutionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok {
		return model.ExecutionLog{}, ErrNotFound
	}
	return l, nil
}

func (m *memoryStore) SaveTriggerPhase(_ context.Context, l model.ExecutionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.logs[l.ID]
	if !ok {
		return ErrNotFound
	}
	cur.ExecutorAddress = l.ExecutorAddress
	cur.ExecutorHandler = l.ExecutorHandler
	cur.ExecutorParam = l.ExecutorParam
	cur.ShardingParam = l.ShardingParam
	cur.TriggerTime = l.TriggerTime
	cur.TriggerCode = l.TriggerCode
	cur.TriggerMsg = l.TriggerMsg
	m.logs[l.ID] = cur
	return nil
}

func (m *memoryStore) ApplyHandleResult(_ context.Context, id int64, handleTime time.Time, code int, msg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.logs[id]
	if !ok || cur.HandleCode != 0 {
		return false, nil
	}
	cur.HandleTime = handleTime
	cur.HandleCode = code
	cur.HandleMsg = msg
	m.logs[id] = cur
	return true, nil
}

func (m *memoryStore) FailedLogIDs(_ context.Context, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int64
	for id, l := range m.logs {
		if l.AlarmStatus != model.AlarmStatusDefault {
			continue
		}
		triggerFailed := l.TriggerCode != 0 && l.TriggerCode != model.CodeSuccess
		handleFailed := l.HandleCode != 0 && l.HandleCode != model.CodeSuccess
		if triggerFailed || handleFailed {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i] < out[k] })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) CASAlarmStatus(_ context.Context, id int64, from, to int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.logs[id]
	if !ok || cur.AlarmStatus != from {
		return false, nil
	}
	cur.AlarmStatus = to
	m.logs[id] = cur
	return true, nil
}

func (m *memoryStore) RunningLogIDs(_ context.Context, triggeredBefore time.Time) ([]model.ExecutionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ExecutionLog
	for _, l := range m.logs {
		if l.TriggerCode != model.CodeSuccess || l.HandleCode != 0 {
			continue
		}
		if l.TriggerTime.IsZero() || l.TriggerTime.After(triggeredBefore) {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (m *memoryStore) SaveRegistration(_ context.Context, r model.Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	at := r.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	m.regs[regKey{r.Group, r.Key, r.Value}] = at
	return nil
}

func (m *memoryStore) RemoveRegistration(_ context.Context, group, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.regs, regKey{group, key, value})
	return nil
}

func (m *memoryStore) PruneRegistrations(_ context.Context, deadline time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, at := range m.regs {
		if at.Before(deadline) {
			delete(m.regs, k)
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) AliveRegistrations(_ context.Context, group string, deadline time.Time) ([]model.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Registration
	for k, at := range m.regs {
		if k.group != group || at.Before(deadline) {
			continue
		}
		out = append(out, model.Registration{Group: k.group, Key: k.key, Value: k.value, UpdatedAt: at})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Value < out[j].Value
	})
	return out, nil
}
