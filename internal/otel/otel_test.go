package otel_test

import (
	"context"
	"testing"

	"github.com/basket/hookd/internal/otel"
)

func TestInit_DisabledReturnsNoop(t *testing.T) {
	p, err := otel.Init(context.Background(), otel.Config{Enabled: false})
	if err != nil {
		t.Fatalf("init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("noop provider missing tracer or meter")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("noop shutdown: %v", err)
	}
}

func TestInit_StdoutExporter(t *testing.T) {
	p, err := otel.Init(context.Background(), otel.Config{
		Enabled:  true,
		Exporter: "stdout",
	})
	if err != nil {
		t.Fatalf("init stdout: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := otel.NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	if m.EventsEnqueued == nil || m.DispatchDuration == nil {
		t.Fatal("metric instruments not created")
	}
}

func TestInit_UnknownExporterErrors(t *testing.T) {
	if _, err := otel.Init(context.Background(), otel.Config{
		Enabled:  true,
		Exporter: "carrier-pigeon",
	}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestSpanHelpers(t *testing.T) {
	p, err := otel.Init(context.Background(), otel.Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer p.Shutdown(context.Background())

	ctx, span := otel.StartSpan(context.Background(), p.Tracer, "dispatch",
		otel.AttrSessionID.String("sess-1"),
		otel.AttrHookEvent.String("Stop"),
		otel.AttrEventID.Int64(7),
	)
	if span == nil {
		t.Fatal("expected non-nil span")
	}
	span.End()
	_ = ctx

	ctx2, span2 := otel.StartServerSpan(context.Background(), p.Tracer, "gateway.POST /events",
		otel.AttrServerPort.Int(12222),
	)
	if span2 == nil {
		t.Fatal("expected non-nil server span")
	}
	span2.End()
	_ = ctx2
}
