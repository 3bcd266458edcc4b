package sip

import (
	"context"
	"testing"

	"ai-voice-connector/pkg/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { provider.Shutdown(context.Background()) })
	return recorder
}

func spansNamed(spans []sdktrace.ReadOnlySpan, name string) []sdktrace.ReadOnlySpan {
	var out []sdktrace.ReadOnlySpan
	for _, s := range spans {
		if s.Name() == name {
			out = append(out, s)
		}
	}
	return out
}

func TestDialogLifecycleIsTraced(t *testing.T) {
	recorder := recordSpans(t)
	f := newMachineFixture(t, nil, "xyz")

	f.handle(t, invite("traced-1", 1, testOffer))
	f.handle(t, inDialog("ACK", "traced-1", 1, "xyz"))
	f.handle(t, inDialog("BYE", "traced-1", 2, "xyz"))

	spans := recorder.Ended()

	requests := spansNamed(spans, "sip.request")
	require.Len(t, requests, 3)
	assert.Contains(t, requests[0].Attributes(), attribute.String("sip.method", "INVITE"))
	assert.Contains(t, requests[0].Attributes(), attribute.Int("sip.status_code", 200))
	assert.Contains(t, requests[2].Attributes(), attribute.String("sip.method", "BYE"))

	dialogs := spansNamed(spans, "sip.dialog")
	require.Len(t, dialogs, 1)
	root := dialogs[0]
	assert.Contains(t, root.Attributes(), attribute.String("sip.local_tag", "xyz"))
	assert.Contains(t, root.Attributes(), attribute.String("dialog.profile", "deepgram"))
	assert.Contains(t, root.Attributes(), attribute.String("dialog.end_reason", events.ReasonBye))

	var names []string
	for _, ev := range root.Events() {
		names = append(names, ev.Name)
	}
	assert.Equal(t, []string{events.DialogCreated, events.DialogEstablished, events.DialogTerminated}, names)
}
