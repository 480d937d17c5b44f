package temporalx

import (
	"os"
	"testing"
)

func TestLoadConfig_DefaultsNamespaceAndTaskQueueWhenUnset(t *testing.T) {
	for _, key := range []string{"TEMPORAL_ADDRESS", "TEMPORAL_NAMESPACE", "TEMPORAL_TASK_QUEUE"} {
		os.Unsetenv(key)
	}
	cfg := LoadConfig()
	if cfg.Namespace != "paperforge" {
		t.Fatalf("want default namespace paperforge, got %q", cfg.Namespace)
	}
	if cfg.TaskQueue != "paperforge" {
		t.Fatalf("want default task queue paperforge, got %q", cfg.TaskQueue)
	}
	if cfg.Address != "" {
		t.Fatalf("want an empty default address, got %q", cfg.Address)
	}
}

func TestLoadConfig_HonorsOverrides(t *testing.T) {
	os.Setenv("TEMPORAL_ADDRESS", "temporal.internal:7233")
	os.Setenv("TEMPORAL_NAMESPACE", "  custom-ns  ")
	os.Setenv("TEMPORAL_TASK_QUEUE", "custom-queue")
	defer func() {
		os.Unsetenv("TEMPORAL_ADDRESS")
		os.Unsetenv("TEMPORAL_NAMESPACE")
		os.Unsetenv("TEMPORAL_TASK_QUEUE")
	}()

	cfg := LoadConfig()
	if cfg.Address != "temporal.internal:7233" {
		t.Fatalf("want overridden address, got %q", cfg.Address)
	}
	if cfg.Namespace != "custom-ns" {
		t.Fatalf("want trimmed overridden namespace, got %q", cfg.Namespace)
	}
	if cfg.TaskQueue != "custom-queue" {
		t.Fatalf("want overridden task queue, got %q", cfg.TaskQueue)
	}
}

func TestStringsOr(t *testing.T) {
	if got := stringsOr("  ", "fallback"); got != "fallback" {
		t.Fatalf("want whitespace-only value to fall back, got %q", got)
	}
	if got := stringsOr("value", "fallback"); got != "value" {
		t.Fatalf("want the supplied value preserved, got %q", got)
	}
}
