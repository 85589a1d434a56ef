package route

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"jobrig/internal/api"
	"jobrig/internal/model"
)

// failover heartbeats each address in list order and returns the first
// healthy one. Every attempt lands in the diagnostics transcript, on
// success and failure alike; on failure the transcript also becomes the
// error message verbatim. N sequential network calls per trigger:
// unsuitable for high-frequency jobs.
type failover struct {
	clients api.ExecutorClientFactory
}

func (*failover) Name() string { return model.RouteFailover }

func (f *failover) Route(ctx context.Context, _ int, addresses []string) (string, string, error) {
	if len(addresses) == 0 {
		return "", "", ErrNoAddresses
	}
	if f.clients == nil {
		return "", "", errors.New("failover: no executor client factory configured")
	}

	var transcript strings.Builder
	for _, addr := range addresses {
		res := f.clients(addr).Beat(ctx)
		fmt.Fprintf(&transcript, "beat address=%s code=%d msg=%s\n", addr, res.Code, res.Msg)
		if res.Success() {
			return addr, transcript.String(), nil
		}
	}
	return "", transcript.String(), errors.New("failover: no healthy address\n" + transcript.String())
}

// busyover asks each worker's idle-status endpoint in order and returns the
// first idle one; the all-busy failure path mirrors failover's transcript.
type busyover struct {
	clients api.ExecutorClientFactory
}

func (*busyover) Name() string { return model.RouteBusyover }

func (b *busyover) Route(ctx context.Context, jobID int, addresses []string) (string, string, error) {
	if len(addresses) == 0 {
		return "", "", ErrNoAddresses
	}
	if b.clients == nil {
		return "", "", errors.New("busyover: no executor client factory configured")
	}

	var transcript strings.Builder
	for _, addr := range addresses {
		res := b.clients(addr).IdleBeat(ctx, jobID)
		fmt.Fprintf(&transcript, "idleBeat address=%s code=%d msg=%s\n", addr, res.Code, res.Msg)
		if res.Success() {
			return addr, transcript.String(), nil
		}
	}
	return "", transcript.String(), errors.New("busyover: no idle address\n" + transcript.String())
}
