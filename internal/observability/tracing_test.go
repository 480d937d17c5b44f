package observability

import (
	"context"
	"testing"

	"github.com/arclight/paperforge/internal/pkg/logger"
)

func TestEnabledFromEnv(t *testing.T) {
	cases := map[string]bool{
		"1":        true,
		"true":     true,
		"True":     true,
		"  TRUE  ": true,
		"yes":      true,
		"on":       true,
		"0":        false,
		"false":    false,
		"":         false,
		"nope":     false,
	}
	for raw, want := range cases {
		if got := EnabledFromEnv(raw); got != want {
			t.Errorf("EnabledFromEnv(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestInit_DisabledReturnsNoopShutdown(t *testing.T) {
	shutdown := Init(context.Background(), logger.NewNop(), false)
	if shutdown == nil {
		t.Fatal("want a non-nil shutdown func even when disabled")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("want the disabled shutdown to be a no-op, got %v", err)
	}
}

func TestInit_EnabledInstallsAStdoutTracerProviderAndShutsDownCleanly(t *testing.T) {
	shutdown := Init(context.Background(), logger.NewNop(), true)
	if shutdown == nil {
		t.Fatal("want a non-nil shutdown func")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("want shutdown to succeed, got %v", err)
	}
}

func TestTracer_IsNeverNil(t *testing.T) {
	if Tracer == nil {
		t.Fatal("want the package-level Tracer to always be usable, even before Init")
	}
}
