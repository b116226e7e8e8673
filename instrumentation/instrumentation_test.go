package instrumentation

import (
	"context"
	"fmt"
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
			name: "default config",
			config: Config{
				Enabled: false,
			},
			wantErr: false,
		},
		{
			name: "with service name and version",
			config: Config{
				Enabled:        true,
				ServiceName:    "test-service",
				ServiceVersion: "1.0.0",
			},
			wantErr: false,
		},
		{
			name: "empty service name gets default",
			config: Config{
				Enabled:        true,
				ServiceName:    "",
				ServiceVersion: "",
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil {
				return
			}
			if inst == nil {
				t.Fatal("New() returned nil instrumentation")
			}

			if inst.Meter("engine") == nil {
				t.Error("Meter('engine') returned nil")
			}
			if inst.Meter("storage") == nil {
				t.Error("Meter('storage') returned nil")
			}
			if inst.Tracer("engine") == nil {
				t.Error("Tracer('engine') returned nil")
			}
			if inst.Tracer("provider") == nil {
				t.Error("Tracer('provider') returned nil")
			}
			if inst.Metrics() == nil {
				t.Error("Metrics() returned nil")
			}
			if inst.TracerProvider() == nil {
				t.Error("TracerProvider() returned nil")
			}
			if inst.MeterProvider() == nil {
				t.Error("MeterProvider() returned nil")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := inst.Shutdown(ctx); err != nil {
				t.Errorf("Shutdown() error = %v", err)
			}
			// Shutdown is idempotent.
			if err := inst.Shutdown(ctx); err != nil {
				t.Errorf("Second Shutdown() error = %v", err)
			}
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	if inst.config.ServiceName != "unioauth" {
		t.Errorf("Default ServiceName = %q, want %q", inst.config.ServiceName, "unioauth")
	}
	if inst.config.ServiceVersion != "unknown" {
		t.Errorf("Default ServiceVersion = %q, want %q", inst.config.ServiceVersion, "unknown")
	}
}

func TestInstrumentation_NoOpProviders(t *testing.T) {
	inst, err := New(Config{
		Enabled: false,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()

	// Recording through no-op providers must not panic.
	inst.Metrics().RecordAuthorizationStarted(ctx, "github", "login")
	inst.Metrics().RecordStateConsumed(ctx, "github")
	inst.Metrics().RecordTokenRefresh(ctx, "gitee", nil)

	_, span := inst.Tracer("engine").Start(ctx, "test-span")
	span.End()
}

func TestInstrumentation_ShouldLogClientIPs(t *testing.T) {
	inst, err := New(Config{Enabled: true, LogClientIPs: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	if !inst.ShouldLogClientIPs() {
		t.Error("ShouldLogClientIPs() = false, want true")
	}

	inst2, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst2.Shutdown(context.Background()) }()

	if inst2.ShouldLogClientIPs() {
		t.Error("ShouldLogClientIPs() = true, want false")
	}
}

func TestInstrumentation_RegisterStorageSizeCallbacks(t *testing.T) {
	inst, err := New(Config{
		Enabled:     true,
		ServiceName: "callback-test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	err = inst.RegisterStorageSizeCallbacks(
		func() int64 { return 5 },
		func() int64 { return 3 },
	)
	if err != nil {
		t.Errorf("RegisterStorageSizeCallbacks() error = %v", err)
	}

	// Nil callbacks are skipped, not an error.
	err = inst.RegisterStorageSizeCallbacks(nil, nil)
	if err != nil {
		t.Errorf("RegisterStorageSizeCallbacks(nil, nil) error = %v", err)
	}
}

func TestInstrumentation_ConcurrentAccess(t *testing.T) {
	inst, err := New(Config{
		Enabled:        true,
		ServiceName:    "concurrent-test",
		ServiceVersion: "1.0.0",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	done := make(chan bool)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		go func(id int) {
			for j := 0; j < 100; j++ {
				provider := fmt.Sprintf("provider-%d", id)
				inst.Metrics().RecordAuthorizationStarted(ctx, provider, "login")
				inst.Metrics().RecordStateConsumed(ctx, provider)

				_, span := inst.Tracer("engine").Start(ctx, "concurrent-span")
				span.End()
			}
			done <- true
		}(i)
	}

	for i := 0; i < 10; i++ {
		<-done
	}
}

func BenchmarkMetrics_RecordProviderAPICall(b *testing.B) {
	inst, _ := New(Config{Enabled: true})
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	metrics := inst.Metrics()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		metrics.RecordProviderAPICall(ctx, "github", "exchange_code", 125*time.Millisecond, nil)
	}
}
