// Package registry records executor heartbeats and keeps auto-discovered
// group address lists in sync with the live registrations.
package registry

import (
	"context"
	"errors"
	"strings"
	"time"

	"jobrig/internal/model"
	"jobrig/internal/store"
	"jobrig/pkg/logx"
)

// monitorInterval matches the heartbeat cadence so a registration is
// examined at least twice before the dead timeout expires.
const monitorInterval = model.RegistryBeatInterval

var ErrBadRequest = errors.New("registry group, key and value are required")

type Service struct {
	st  store.Store
	log logx.Logger
}

func New(st store.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{st: st, log: log}
}

// Apply records one heartbeat.
func (s *Service) Apply(ctx context.Context, req model.RegistryRequest) error {
	if err := validate(req); err != nil {
		return err
	}
	return s.st.SaveRegistration(ctx, model.Registration{
		Group:     req.RegistryGroup,
		Key:       req.RegistryKey,
		Value:     req.RegistryValue,
		UpdatedAt: time.Now(),
	})
}

// Remove withdraws one registration immediately.
func (s *Service) Remove(ctx context.Context, req model.RegistryRequest) error {
	if err := validate(req); err != nil {
		return err
	}
	return s.st.RemoveRegistration(ctx, req.RegistryGroup, req.RegistryKey, req.RegistryValue)
}

func validate(req model.RegistryRequest) error {
	if strings.TrimSpace(req.RegistryGroup) == "" ||
		strings.TrimSpace(req.RegistryKey) == "" ||
		strings.TrimSpace(req.RegistryValue) == "" {
		return ErrBadRequest
	}
	return nil
}

// Run prunes dead registrations and rebuilds auto-discovered address
// lists until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep is one prune-and-rebuild pass.
func (s *Service) sweep(ctx context.Context) {
	deadline := time.Now().Add(-model.RegistryDeadTimeout)
	if n, err := s.st.PruneRegistrations(ctx, deadline); err != nil {
		s.log.Warn("registry prune failed", logx.Err(err))
	} else if n > 0 {
		s.log.Info("registry pruned dead executors", logx.Int64("removed", n))
	}

	alive, err := s.st.AliveRegistrations(ctx, model.RegistryGroupExecutor, deadline)
	if err != nil {
		s.log.Warn("registry read failed", logx.Err(err))
		return
	}
	byApp := make(map[string][]string)
	for _, r := range alive {
		byApp[r.Key] = append(byApp[r.Key], r.Value)
	}

	groups, err := s.st.AllGroups(ctx)
	if err != nil {
		s.log.Warn("group read failed", logx.Err(err))
		return
	}
	for _, g := range groups {
		if g.AddressType != model.AddressTypeAuto {
			continue
		}
		// AliveRegistrations returns rows sorted by key then value, so the
		// joined list is deterministic.
		list := strings.Join(byApp[g.AppName], ",")
		if list == g.AddressList {
			continue
		}
		if err := s.st.UpdateGroupAddressList(ctx, g.ID, list); err != nil {
			s.log.Warn("address list update failed", logx.Int("group_id", g.ID), logx.Err(err))
			continue
		}
		s.log.Info("group address list updated",
			logx.String("app", g.AppName), logx.String("addresses", list))
	}
}
