package audit

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewEvent(t *testing.T) {
	ev := NewEvent(KindJobDispatched)
	if ev.ID == "" {
		t.Error("expected id assigned")
	}
	if ev.Kind != KindJobDispatched {
		t.Errorf("unexpected kind %s", ev.Kind)
	}
	if ev.At.IsZero() {
		t.Error("expected timestamp assigned")
	}
}

func TestSlogSinkEmit(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSlogSink(slog.New(slog.NewTextHandler(&buf, nil)))

	ev := NewEvent(KindWebhookReceived)
	ev.TaskID = "acme/widgets/issues/1"
	ev.Details = map[string]string{"event": "issues"}
	sink.Emit(context.Background(), ev)

	out := buf.String()
	for _, want := range []string{"webhook_received", "acme/widgets/issues/1", "event=issues"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

type captureSink struct {
	events []Event
}

func (c *captureSink) Emit(_ context.Context, ev Event) {
	c.events = append(c.events, ev)
}

func TestMultiSinkFansOut(t *testing.T) {
	a := &captureSink{}
	b := &captureSink{}
	multi := MultiSink{a, b, Nop{}}

	multi.Emit(context.Background(), NewEvent(KindTaskCancelled))

	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("expected both sinks to receive the event, got %d/%d", len(a.events), len(b.events))
	}
}
