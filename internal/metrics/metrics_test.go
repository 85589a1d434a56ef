package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"jobrig/internal/eventbus"
)

func TestObserveCountsEvents(t *testing.T) {
	c := NewCollector()
	bus := eventbus.New()

	// The subscription exists once Attach returns, so events published
	// before the drain goroutine is scheduled still count.
	drain := c.Attach(bus)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		drain(ctx)
	}()

	bus.Publish(eventbus.Event{Type: eventbus.TypeTriggerOK})
	bus.Publish(eventbus.Event{Type: eventbus.TypeTriggerOK})
	bus.Publish(eventbus.Event{Type: eventbus.TypeTriggerFail})
	bus.Publish(eventbus.Event{Type: eventbus.TypeCallbackApply})
	bus.Publish(eventbus.Event{Type: eventbus.TypeTriggerDiscard})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if testutil.ToFloat64(c.triggers.WithLabelValues("ok")) == 2 &&
			testutil.ToFloat64(c.triggers.WithLabelValues("fail")) == 1 &&
			testutil.ToFloat64(c.callbacks) == 1 &&
			testutil.ToFloat64(c.discards) == 1 {
			cancel()
			<-done
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	t.Fatalf("counters never reached expected values: ok=%v fail=%v callbacks=%v discards=%v",
		testutil.ToFloat64(c.triggers.WithLabelValues("ok")),
		testutil.ToFloat64(c.triggers.WithLabelValues("fail")),
		testutil.ToFloat64(c.callbacks),
		testutil.ToFloat64(c.discards))
}
