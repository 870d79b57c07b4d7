package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

// remoteContext carries a fixed span context as if it arrived with a request.
func remoteContext(t *testing.T) context.Context {
	t.Helper()
	tid, err := trace.TraceIDFromHex("0af7651916cd43dd8448eb211c80319c")
	if err != nil {
		t.Fatal(err)
	}
	sid, err := trace.SpanIDFromHex("b7ad6b7169203331")
	if err != nil {
		t.Fatal(err)
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return trace.ContextWithRemoteSpanContext(context.Background(), sc)
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q, want empty", got)
	}
	if got := CorrelationID(remoteContext(t)); got != "0af7651916cd43dd8448eb211c80319c" {
		t.Errorf("CorrelationID = %q", got)
	}
}

func TestLoggerFrom(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		want []string
		deny []string
	}{
		{
			name: "span context adds ids",
			ctx:  remoteContext(t),
			want: []string{"trace_id=0af7651916cd43dd8448eb211c80319c", "span_id=b7ad6b7169203331", "guild=1"},
		},
		{
			name: "no span keeps logger as is",
			ctx:  context.Background(),
			want: []string{"guild=1"},
			deny: []string{"trace_id", "span_id"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			base := slog.New(slog.NewTextHandler(&buf, nil)).With("guild", 1)

			LoggerFrom(tt.ctx, base).Info("voice state update")

			line := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(line, w) {
					t.Errorf("log line missing %s: %s", w, line)
				}
			}
			for _, d := range tt.deny {
				if strings.Contains(line, d) {
					t.Errorf("log line has %s: %s", d, line)
				}
			}
		})
	}
}

func TestStartSpan_UsesGlobalProvider(t *testing.T) {
	exp := useTracer(t)

	ctx, span := StartSpan(remoteContext(t), "voice.join")
	if got := CorrelationID(ctx); got != "0af7651916cd43dd8448eb211c80319c" {
		t.Errorf("child span trace = %q, want the parent's", got)
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "voice.join" {
		t.Fatalf("spans = %+v", spans)
	}
	if spans[0].InstrumentationScope.Name != tracerName {
		t.Errorf("scope = %q, want %q", spans[0].InstrumentationScope.Name, tracerName)
	}
}
