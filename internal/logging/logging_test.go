package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestNew_DefaultLevel(t *testing.T) {
	logger := New("", "text")
	if logger == nil {
		t.Fatal("Expected non-nil logger")
	}
}

func TestNew_DebugLevel(t *testing.T) {
	logger := New("debug", "text")
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Expected debug level to be enabled")
	}
}

func TestNew_ErrorLevel(t *testing.T) {
	logger := New("error", "text")
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info level to be disabled at error level")
	}
}

func TestNew_JSONFormat(t *testing.T) {
	if logger := New("info", "json"); logger == nil {
		t.Fatal("Expected non-nil logger for JSON format")
	}
}

func TestRequestID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	if id := RequestID(ctx); id != "" {
		t.Errorf("Expected empty request ID, got %q", id)
	}

	ctx = WithRequestID(ctx, "req-123")
	if id := RequestID(ctx); id != "req-123" {
		t.Errorf("Expected req-123, got %q", id)
	}
}

func TestIntentID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	if id := IntentID(ctx); id != "" {
		t.Errorf("Expected empty intent ID, got %q", id)
	}

	ctx = WithIntentID(ctx, "chk_9a1")
	if id := IntentID(ctx); id != "chk_9a1" {
		t.Errorf("Expected chk_9a1, got %q", id)
	}
}

func TestWithLogger_And_FromContext(t *testing.T) {
	ctx := context.Background()

	if logger := FromContext(ctx); logger == nil {
		t.Fatal("Expected default logger")
	}

	custom := New("debug", "json")
	ctx = WithLogger(ctx, custom)

	if retrieved := FromContext(ctx); retrieved != custom {
		t.Error("Expected custom logger from context")
	}
}

func TestL_WithContextFields(t *testing.T) {
	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-456")
	ctx = WithIntentID(ctx, "chk_77")
	ctx = WithLogger(ctx, New("info", "text"))

	if logger := L(ctx); logger == nil {
		t.Fatal("Expected non-nil logger from L()")
	}
}
