package alarm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"jobrig/internal/eventbus"
	"jobrig/internal/model"
	"jobrig/pkg/logx"
)

type recordChannel struct {
	name  string
	err   error
	panic bool
	calls []Info
}

func (r *recordChannel) Name() string { return r.name }

func (r *recordChannel) Notify(_ context.Context, info Info) error {
	r.calls = append(r.calls, info)
	if r.panic {
		panic("channel blew up")
	}
	return r.err
}

func testInfo() Info {
	return Info{
		Job:   model.Job{ID: 7, Name: "nightly-report"},
		Group: model.Group{ID: 1, Title: "reporting"},
		Log:   model.ExecutionLog{ID: 42, TriggerCode: model.CodeFail, TriggerMsg: "no executor"},
	}
}

func TestAlarmAllChannelsSucceed(t *testing.T) {
	a := &recordChannel{name: "a"}
	b := &recordChannel{name: "b"}
	c := NewCoordinator(nil, logx.Nop(), a, b)

	if !c.Alarm(context.Background(), testInfo()) {
		t.Fatal("expected overall success")
	}
	if len(a.calls) != 1 || len(b.calls) != 1 {
		t.Fatalf("expected each channel called once, got %d and %d", len(a.calls), len(b.calls))
	}
}

func TestAlarmFailureDoesNotBlockLaterChannels(t *testing.T) {
	a := &recordChannel{name: "a", err: errors.New("smtp down")}
	b := &recordChannel{name: "b"}
	c := NewCoordinator(nil, logx.Nop(), a, b)

	if c.Alarm(context.Background(), testInfo()) {
		t.Fatal("expected overall failure when one channel errors")
	}
	if len(b.calls) != 1 {
		t.Fatal("later channel should still run after an earlier failure")
	}
}

func TestAlarmPanicIsIsolated(t *testing.T) {
	a := &recordChannel{name: "a", panic: true}
	b := &recordChannel{name: "b"}
	c := NewCoordinator(nil, logx.Nop(), a, b)

	if c.Alarm(context.Background(), testInfo()) {
		t.Fatal("panicking channel should count as failure")
	}
	if len(b.calls) != 1 {
		t.Fatal("later channel should still run after a panic")
	}
}

func TestAlarmNoChannelsIsSuccess(t *testing.T) {
	c := NewCoordinator(nil, logx.Nop())
	if !c.Alarm(context.Background(), testInfo()) {
		t.Fatal("zero channels should report success")
	}
}

func TestAlarmPublishesEvents(t *testing.T) {
	bus := eventbus.New()
	events, cancel := bus.Subscribe(8)
	defer cancel()

	a := &recordChannel{name: "a"}
	b := &recordChannel{name: "b", err: errors.New("rate limited")}
	c := NewCoordinator(bus, logx.Nop(), a, b)
	c.Alarm(context.Background(), testInfo())

	got := map[string]int{}
	for i := 0; i < 2; i++ {
		ev := <-events
		got[ev.Type]++
	}
	if got[eventbus.TypeAlarmSent] != 1 || got[eventbus.TypeAlarmFail] != 1 {
		t.Fatalf("unexpected event mix: %v", got)
	}
}

func TestContentPrefersHandleFailure(t *testing.T) {
	info := testInfo()
	info.Log.HandleCode = model.CodeFail
	info.Log.HandleMsg = "exit code 3"
	if !strings.Contains(info.Content(), "exit code 3") {
		t.Fatalf("expected handle failure in content, got %q", info.Content())
	}

	info.Log.HandleCode = 0
	if !strings.Contains(info.Content(), "no executor") {
		t.Fatalf("expected trigger failure in content, got %q", info.Content())
	}
}

func TestEmailChannelRendersBody(t *testing.T) {
	var gotSubject, gotBody string
	mailer := mailerFunc(func(_ context.Context, to []string, subject, body string) error {
		gotSubject, gotBody = subject, body
		return nil
	})
	ch := NewEmailChannel(mailer, []string{"ops@example.com"})

	if err := ch.Notify(context.Background(), testInfo()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(gotSubject, "nightly-report") {
		t.Fatalf("subject missing job name: %q", gotSubject)
	}
	for _, want := range []string{"reporting", "nightly-report", "no executor"} {
		if !strings.Contains(gotBody, want) {
			t.Fatalf("body missing %q:\n%s", want, gotBody)
		}
	}
}

func TestEmailChannelNoRecipients(t *testing.T) {
	called := false
	mailer := mailerFunc(func(context.Context, []string, string, string) error {
		called = true
		return nil
	})
	ch := NewEmailChannel(mailer, nil)
	if err := ch.Notify(context.Background(), testInfo()); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Fatal("mailer should not be invoked without recipients")
	}
}

type mailerFunc func(ctx context.Context, to []string, subject, htmlBody string) error

func (f mailerFunc) Send(ctx context.Context, to []string, subject, htmlBody string) error {
	return f(ctx, to, subject, htmlBody)
}
