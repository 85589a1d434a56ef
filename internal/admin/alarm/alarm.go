// Package alarm fans failure notifications out to the configured
// channels. Channels fire in registration order and are isolated from one
// another: a panicking or failing channel never blocks the rest.
package alarm

import (
	"context"
	"fmt"

	"jobrig/internal/eventbus"
	"jobrig/internal/model"
	"jobrig/pkg/logx"
)

// Info is the failure being announced.
type Info struct {
	Job   model.Job
	Group model.Group
	Log   model.ExecutionLog
}

// Content summarizes what failed, preferring the handle phase when it ran.
func (i Info) Content() string {
	if i.Log.HandleCode != 0 && i.Log.HandleCode != model.CodeSuccess {
		return fmt.Sprintf("handle failed (code %d): %s", i.Log.HandleCode, i.Log.HandleMsg)
	}
	return fmt.Sprintf("trigger failed (code %d): %s", i.Log.TriggerCode, i.Log.TriggerMsg)
}

// Channel delivers one alarm.
type Channel interface {
	Name() string
	Notify(ctx context.Context, info Info) error
}

type Coordinator struct {
	channels []Channel
	bus      eventbus.Bus
	log      logx.Logger
}

func NewCoordinator(bus eventbus.Bus, log logx.Logger, channels ...Channel) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{channels: channels, bus: bus, log: log}
}

// Enabled reports whether any channel is configured.
func (c *Coordinator) Enabled() bool { return len(c.channels) > 0 }

// Alarm notifies every channel in order and reports whether all of them
// succeeded. No channels means nothing to do, which is a success.
func (c *Coordinator) Alarm(ctx context.Context, info Info) bool {
	allOK := true
	for _, ch := range c.channels {
		err := c.notify(ctx, ch, info)
		if err != nil {
			allOK = false
			c.log.Warn("alarm channel failed",
				logx.String("channel", ch.Name()), logx.Int64("log_id", info.Log.ID), logx.Err(err))
			c.publish(eventbus.TypeAlarmFail, info.Log.ID)
			continue
		}
		c.publish(eventbus.TypeAlarmSent, info.Log.ID)
	}
	return allOK
}

func (c *Coordinator) notify(ctx context.Context, ch Channel, info Info) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel panic: %v", r)
		}
	}()
	return ch.Notify(ctx, info)
}

func (c *Coordinator) publish(eventType string, logID int64) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: eventType, Data: logID})
}
