package instrumentation

import (
	"context"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "disabled",
			config: Config{Enabled: false},
		},
		{
			name: "enabled without exporter",
			config: Config{
				Enabled:        true,
				ServiceName:    "test-service",
				ServiceVersion: "1.0.0",
			},
		},
		{
			name: "unknown exporter",
			config: Config{
				Enabled:         true,
				MetricsExporter: "statsd",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}

			if inst.Meter("http") == nil {
				t.Error("Meter('http') returned nil")
			}
			if inst.Tracer("server") == nil {
				t.Error("Tracer('server') returned nil")
			}
			if inst.Metrics() == nil {
				t.Error("Metrics() returned nil")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := inst.Shutdown(ctx); err != nil {
				t.Errorf("Shutdown() error = %v", err)
			}
			if err := inst.Shutdown(ctx); err != nil {
				t.Errorf("second Shutdown() error = %v", err)
			}
		})
	}
}

func TestNew_PrometheusExporter(t *testing.T) {
	inst, err := New(Config{
		Enabled:         true,
		MetricsExporter: MetricsExporterPrometheus,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	inst.Metrics().RecordHTTPRequest(context.Background(), "POST", "/token", 200, 12.5)
}

func TestInstrumentation_NilSafe(t *testing.T) {
	var inst *Instrumentation
	ctx := context.Background()

	if inst.Meter("storage") == nil {
		t.Error("nil receiver Meter() returned nil")
	}
	if inst.Tracer("storage") == nil {
		t.Error("nil receiver Tracer() returned nil")
	}
	if err := inst.Shutdown(ctx); err != nil {
		t.Errorf("nil receiver Shutdown() error = %v", err)
	}
	if err := inst.RegisterSessionCallback(func() int64 { return 1 }); err != nil {
		t.Errorf("nil receiver RegisterSessionCallback() error = %v", err)
	}

	m := inst.Metrics()
	if m != nil {
		t.Fatal("expected nil metrics from nil instrumentation")
	}
	m.RecordTokenValidation(ctx, IssuerKindBuiltin, ResultSuccess)
	m.RecordSessionsExpired(ctx, 3)
	m.RecordStorageOperation(ctx, "save_client", ResultSuccess, 1.0)
}

func TestInstrumentation_GaugeCallbacks(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	one := func() int64 { return 1 }
	if err := inst.RegisterStorageSizeCallbacks(one, one, nil, one); err != nil {
		t.Errorf("RegisterStorageSizeCallbacks() error = %v", err)
	}
	if err := inst.RegisterSessionCallback(one); err != nil {
		t.Errorf("RegisterSessionCallback() error = %v", err)
	}
}
