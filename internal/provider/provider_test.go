package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tavolo/paycore/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCreateCheckout_DegradedMode(t *testing.T) {
	client := New(config.ProviderConfig{}, 30*time.Minute, testLogger())

	if client.Available() {
		t.Fatal("expected unavailable with no credentials")
	}

	handle, err := client.CreateCheckout(context.Background(), CheckoutRequest{
		Amount:    1200,
		Currency:  "EUR",
		Reference: "RESERVATION_42",
	})
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}

	if !handle.Degraded {
		t.Error("expected degraded handle")
	}
	if !strings.HasPrefix(handle.ID, MockIDPrefix) {
		t.Errorf("expected mock_ id, got %q", handle.ID)
	}
	if !strings.HasSuffix(handle.ID, "_RESERVATION_42") {
		t.Errorf("expected reference in mock id, got %q", handle.ID)
	}
	if handle.Status != ProviderStatusPending {
		t.Errorf("expected PENDING, got %s", handle.Status)
	}
}

func TestCreateCheckout_Live(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/checkouts" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		user, pass, _ := r.BasicAuth()
		if user != "cid" || pass != "secret" {
			t.Errorf("missing credentials: %s/%s", user, pass)
		}

		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["amount"] != 12.0 {
			t.Errorf("expected amount 12.0, got %v", body["amount"])
		}
		if body["checkout_reference"] != "RESERVATION_42" {
			t.Errorf("expected reference, got %v", body["checkout_reference"])
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chk_abc123",
			"status": "PENDING",
		})
	}))
	defer srv.Close()

	client := New(config.ProviderConfig{
		APIBaseURL:   srv.URL,
		ClientID:     "cid",
		ClientSecret: "secret",
	}, 30*time.Minute, testLogger())

	handle, err := client.CreateCheckout(context.Background(), CheckoutRequest{
		Amount:    1200,
		Currency:  "EUR",
		Reference: "RESERVATION_42",
	})
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}

	if handle.Degraded {
		t.Error("live checkout should not be degraded")
	}
	if handle.ID != "chk_abc123" {
		t.Errorf("expected provider id, got %q", handle.ID)
	}
	if handle.Amount != 1200 {
		t.Errorf("expected minor units preserved, got %d", handle.Amount)
	}
}

func TestQueryStatus_MockIDNeverHitsProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("provider should not be called for mock ids")
	}))
	defer srv.Close()

	client := New(config.ProviderConfig{
		APIBaseURL:   srv.URL,
		ClientID:     "cid",
		ClientSecret: "secret",
	}, time.Minute, testLogger())

	status, err := client.QueryStatus(context.Background(), "mock_1712000000_RESERVATION_42")
	if err != nil {
		t.Fatalf("QueryStatus: %v", err)
	}
	if status != ProviderStatusPending {
		t.Errorf("expected PENDING for mock checkout, got %s", status)
	}
}

func TestExecuteCard_DegradedCheckoutRejected(t *testing.T) {
	client := New(config.ProviderConfig{}, time.Minute, testLogger())

	_, err := client.ExecuteCard(context.Background(), "mock_1712000000_DELIVERY_9", CardDetails{})
	if !errors.Is(err, ErrDegradedCheckout) {
		t.Fatalf("expected ErrDegradedCheckout, got %v", err)
	}

	// Even a real-looking id is rejected when no credentials exist.
	_, err = client.ExecuteCard(context.Background(), "chk_real", CardDetails{})
	if !errors.Is(err, ErrDegradedCheckout) {
		t.Fatalf("expected ErrDegradedCheckout, got %v", err)
	}
}

func TestDo_Non2xxWrapsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"nope"}`, http.StatusForbidden)
	}))
	defer srv.Close()

	client := New(config.ProviderConfig{
		APIBaseURL:   srv.URL,
		ClientID:     "cid",
		ClientSecret: "bad",
	}, time.Minute, testLogger())

	_, err := client.QueryStatus(context.Background(), "chk_abc")
	if !errors.Is(err, ErrProviderRequest) {
		t.Fatalf("expected ErrProviderRequest, got %v", err)
	}
}
