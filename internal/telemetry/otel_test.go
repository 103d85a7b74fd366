package telemetry

import (
	"context"
	"testing"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.Tracer == nil {
		t.Fatal("expected non-nil tracer (noop)")
	}
	if p.Meter == nil {
		t.Fatal("expected non-nil meter (noop)")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_NoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init with none exporter: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.TracerProvider == nil {
		t.Fatal("expected non-nil TracerProvider")
	}
	if p.Tracer == nil {
		t.Fatal("expected non-nil Tracer")
	}
	if p.Meter == nil {
		t.Fatal("expected non-nil Meter")
	}
}

func TestInit_StdoutExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "stdout",
	})
	if err != nil {
		t.Fatalf("Init with stdout exporter: %v", err)
	}
	defer p.Shutdown(context.Background())
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "magic-pixie-dust",
	})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.TaskDuration == nil || m.TasksCompleted == nil || m.TasksFailed == nil {
		t.Error("task instruments missing")
	}
	if m.BreakerTrips == nil || m.BreakerRejects == nil {
		t.Error("breaker instruments missing")
	}
	if m.StealOperations == nil || m.ConflictsOpened == nil {
		t.Error("scheduler/conflict instruments missing")
	}
	if m.DeliveryDuration == nil || m.DeadLetters == nil || m.QueueDepth == nil || m.AckTimeouts == nil {
		t.Error("bus instruments missing")
	}
	if m.MemoryEntries == nil || m.MemoryEvictions == nil {
		t.Error("memory instruments missing")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled telemetry returns a noop meter; instruments still create.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}

func TestStartSpan(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	ctx, span := StartSpan(context.Background(), p.Tracer, "assign", AttrTaskID.String("t-1"))
	if ctx == nil || span == nil {
		t.Fatal("expected span and derived context")
	}
	span.End()
}
