package logger

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerRedactsSensitiveKeys(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := FromZap(zap.New(core))

	log.Info("submit",
		"job_id", "job-1",
		"password", "hunter2",
		"options", map[string]interface{}{"owner_password": "x", "pages": "1-3"},
	)

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["job_id"] != "job-1" {
		t.Fatalf("expected job_id to pass through, got %v", fields["job_id"])
	}
	if fields["password"] != "[REDACTED]" {
		t.Fatalf("expected password to be redacted, got %v", fields["password"])
	}
	options, ok := fields["options"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected options map, got %T", fields["options"])
	}
	if options["owner_password"] != "[REDACTED]" || options["pages"] != "1-3" {
		t.Fatalf("unexpected nested options %v", options)
	}
}

func TestLoggerWithAddsContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := FromZap(zap.New(core)).With("worker", "w-1")

	log.Warn("lease lost")
	if logs.Len() != 1 {
		t.Fatalf("expected one entry, got %d", logs.Len())
	}
	if logs.All()[0].ContextMap()["worker"] != "w-1" {
		t.Fatalf("expected worker field on child logger")
	}
}

func TestNopDiscards(t *testing.T) {
	Nop().Error("ignored", "key", "value")
}
