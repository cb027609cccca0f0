package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func attrMap(opts Options) map[string]string {
	out := make(map[string]string)
	for _, kv := range resourceAttributes(opts) {
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}

func TestResourceAttributes(t *testing.T) {
	jakarta, err := time.LoadLocation("Asia/Jakarta")
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}
	got := attrMap(Options{ServiceName: "token-service", Version: "1.4.0", Environment: "staging", Location: jakarta})

	want := map[string]string{
		"service.name":           "token-service",
		"service.version":        "1.4.0",
		"qms.queue.timezone":     "Asia/Jakarta",
		"deployment.environment": "staging",
	}
	for key, value := range want {
		if got[key] != value {
			t.Fatalf("%s: expected %q, got %q", key, value, got[key])
		}
	}
}

func TestResourceAttributesDefaults(t *testing.T) {
	got := attrMap(Options{ServiceName: "token-service"})
	if got["qms.queue.timezone"] != "UTC" {
		t.Fatalf("expected UTC timezone, got %q", got["qms.queue.timezone"])
	}
	if got["service.version"] == "" {
		t.Fatalf("expected a build version")
	}
	if _, ok := got["deployment.environment"]; ok {
		t.Fatalf("expected no environment attribute")
	}
}

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown := Setup(Options{ServiceName: "token-service"}, zerolog.Nop())
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
