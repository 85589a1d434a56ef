// Package metrics exposes Prometheus counters for the dispatch pipeline.
// Counters are fed from eventbus events so the pipeline itself carries no
// metrics dependency.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"jobrig/internal/eventbus"
)

// Collector owns a private registry so multiple instances can coexist in
// one process (tests, colocated admin+executor).
type Collector struct {
	reg *prometheus.Registry

	triggers  *prometheus.CounterVec
	discards  prometheus.Counter
	callbacks prometheus.Counter
	alarms    *prometheus.CounterVec
}

func NewCollector() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobrig_triggers_total",
			Help: "Trigger attempts by result.",
		}, []string{"result"}),
		discards: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobrig_trigger_discards_total",
			Help: "Triggers rejected by a full dispatch queue.",
		}),
		callbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobrig_callbacks_applied_total",
			Help: "Executor result callbacks applied to execution logs.",
		}),
		alarms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobrig_alarms_total",
			Help: "Failure alarms by delivery result.",
		}, []string{"result"}),
	}
	c.reg.MustRegister(c.triggers, c.discards, c.callbacks, c.alarms)
	return c
}

// Handler serves the collector's registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Attach subscribes to the bus before returning, so an event published
// right after the call cannot be missed. The returned drain loop runs until
// ctx is done; events arriving while the subscriber is saturated are
// dropped by the bus.
func (c *Collector) Attach(bus eventbus.Bus) func(ctx context.Context) {
	ch, unsub := bus.Subscribe(256)
	return func(ctx context.Context) {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				c.record(e)
			}
		}
	}
}

func (c *Collector) record(e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeTriggerOK:
		c.triggers.WithLabelValues("ok").Inc()
	case eventbus.TypeTriggerFail:
		c.triggers.WithLabelValues("fail").Inc()
	case eventbus.TypeTriggerDiscard:
		c.discards.Inc()
	case eventbus.TypeCallbackApply:
		c.callbacks.Inc()
	case eventbus.TypeAlarmSent:
		c.alarms.WithLabelValues("sent").Inc()
	case eventbus.TypeAlarmFail:
		c.alarms.WithLabelValues("fail").Inc()
	}
}
