package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = tp.Shutdown(context.Background())
	})
	return recorder
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ServiceName != "peerlink" {
		t.Errorf("expected service name 'peerlink', got '%s'", cfg.ServiceName)
	}
	if cfg.Enabled {
		t.Error("tracing should be disabled by default")
	}
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on disabled provider returned %v", err)
	}
}

func TestTraceNegotiation_Attributes(t *testing.T) {
	recorder := installRecorder(t)

	ctx, span := TraceNegotiation(context.Background(), "peer-a", "sess-1", "offerer", true)
	AddSpanAttributes(ctx, RestartsKey.Int(2))
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	if ended[0].Name() != "negotiation.session" {
		t.Errorf("span name = %s", ended[0].Name())
	}

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range ended[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if attrs[PeerIDKey].AsString() != "peer-a" {
		t.Errorf("peer id attribute = %v", attrs[PeerIDKey])
	}
	if !attrs[RelayOnlyKey].AsBool() {
		t.Error("relay_only attribute should be true")
	}
	if attrs[RestartsKey].AsInt64() != 2 {
		t.Errorf("restarts attribute = %v", attrs[RestartsKey])
	}
}

func TestRecordError_SetsStatus(t *testing.T) {
	recorder := installRecorder(t)

	ctx, span := TraceReconnect(context.Background(), "peer-a", "HeartbeatTimeout", 3)
	RecordError(ctx, errors.New("dial refused"))
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	if ended[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want error", ended[0].Status().Code)
	}
}

func TestTraceSignal(t *testing.T) {
	recorder := installRecorder(t)

	ctx, span := TraceSignal(context.Background(), "offer", "peer-123")
	MeasureDuration(ctx, 5*time.Millisecond, "decode")
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 || ended[0].Name() != "signal.offer" {
		t.Fatalf("unexpected spans: %v", ended)
	}
	for _, kv := range ended[0].Attributes() {
		if kv.Key == DurationKey && kv.Value.AsInt64() != 5 {
			t.Errorf("duration attribute = %v", kv.Value)
		}
	}
}

func TestSetSpanStatus(t *testing.T) {
	recorder := installRecorder(t)

	ctx, span := TraceNegotiation(context.Background(), "peer-a", "sess-1", "answerer", false)
	SetSpanStatus(ctx, codes.Ok, "connected")
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	if ended[0].Status().Code != codes.Ok {
		t.Errorf("status = %v, want ok", ended[0].Status().Code)
	}
}
