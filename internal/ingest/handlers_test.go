package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tavolo/paycore/internal/intent"
	"github.com/tavolo/paycore/internal/orderref"
)

const (
	testSecret  = "whsec_test"
	testSiteURL = "https://tavolo.example"
)

func newTestRouter(t *testing.T, secret string) (*gin.Engine, *intent.Ledger) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := intent.NewLedger(intent.NewMemoryStore(), nil, 15*time.Minute, logger)

	router := gin.New()
	h := NewHandler(ledger, nil, secret, testSiteURL)
	h.RegisterRoutes(router.Group("/v1"))
	return router, ledger
}

func createIntent(t *testing.T, ledger *intent.Ledger, id string, ref orderref.Reference) {
	t.Helper()
	now := time.Now()
	require.NoError(t, ledger.Create(context.Background(), &intent.Intent{
		ID:        id,
		Reference: ref,
		Amount:    4250,
		Currency:  "EUR",
		Status:    intent.StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(15 * time.Minute),
	}))
}

func webhookRequest(t *testing.T, secret string, body WebhookBody) *http.Request {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/payments/webhook", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("X-Signature", sign([]byte(secret), raw))
	}
	return req
}

func paidWebhook(intentID, reference string) WebhookBody {
	body := WebhookBody{EventType: "succeeded", EventID: "evt_1"}
	body.Data.ID = intentID
	body.Data.Reference = reference
	body.Data.Amount = 42.50
	body.Data.Currency = "EUR"
	body.Data.TransactionCode = "TX123"
	return body
}

func TestWebhookAppliesVerifiedPaid(t *testing.T) {
	router, ledger := newTestRouter(t, testSecret)

	createIntent(t, ledger, "chk_1", orderref.Reference{Kind: orderref.KindReservation, PrimaryID: "42"})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, webhookRequest(t, testSecret, paidWebhook("chk_1", "RESERVATION_42")))
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp["status"])
	assert.Equal(t, true, resp["changed"])

	got, err := ledger.Get(context.Background(), "chk_1")
	require.NoError(t, err)
	assert.Equal(t, intent.StatusPaid, got.Status)
	assert.True(t, got.Confirmed)
}

func TestWebhookRedeliveryAccepted(t *testing.T) {
	router, ledger := newTestRouter(t, testSecret)
	createIntent(t, ledger, "chk_1", orderref.Reference{Kind: orderref.KindReservation, PrimaryID: "42"})

	for i, wantChanged := range []bool{true, false} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, webhookRequest(t, testSecret, paidWebhook("chk_1", "RESERVATION_42")))
		require.Equal(t, http.StatusOK, w.Code, "delivery %d", i)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, wantChanged, resp["changed"], "delivery %d", i)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	router, ledger := newTestRouter(t, testSecret)
	createIntent(t, ledger, "chk_1", orderref.Reference{Kind: orderref.KindReservation, PrimaryID: "42"})

	req := webhookRequest(t, testSecret, paidWebhook("chk_1", "RESERVATION_42"))
	req.Header.Set("X-Signature", "deadbeef")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	got, err := ledger.Get(context.Background(), "chk_1")
	require.NoError(t, err)
	assert.Equal(t, intent.StatusPending, got.Status, "ledger untouched")
}

func TestWebhookRejectsAllWhenSecretUnset(t *testing.T) {
	router, _ := newTestRouter(t, "")

	req := webhookRequest(t, testSecret, paidWebhook("chk_1", "RESERVATION_42"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookRejectsMalformedBody(t *testing.T) {
	router, _ := newTestRouter(t, testSecret)

	raw := []byte("{not json")
	req := httptest.NewRequest(http.MethodPost, "/v1/payments/webhook", bytes.NewReader(raw))
	req.Header.Set("X-Signature", sign([]byte(testSecret), raw))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookRejectsUnknownEventType(t *testing.T) {
	router, _ := newTestRouter(t, testSecret)

	body := paidWebhook("chk_1", "RESERVATION_42")
	body.EventType = "refunded"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, webhookRequest(t, testSecret, body))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookIgnoresUnroutableIntent(t *testing.T) {
	router, _ := newTestRouter(t, testSecret)

	// Unknown intent id and an unresolvable reference: acknowledged so the
	// provider stops retrying, but nothing is created.
	w := httptest.NewRecorder()
	router.ServeHTTP(w, webhookRequest(t, testSecret, paidWebhook("chk_ghost", "garbage")))
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ignored", resp["status"])
}

func TestWebhookRecreatesLostIntent(t *testing.T) {
	router, ledger := newTestRouter(t, testSecret)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, webhookRequest(t, testSecret, paidWebhook("chk_lost", "RESERVATION_42")))
	require.Equal(t, http.StatusOK, w.Code)

	got, err := ledger.Get(context.Background(), "chk_lost")
	require.NoError(t, err)
	assert.Equal(t, intent.StatusPaid, got.Status)
	assert.Equal(t, "42", got.Reference.PrimaryID)
}

func TestCallbackAppliesOptimisticAndRedirects(t *testing.T) {
	router, ledger := newTestRouter(t, testSecret)
	createIntent(t, ledger, "chk_1", orderref.Reference{Kind: orderref.KindReservation, PrimaryID: "42"})

	req := httptest.NewRequest(http.MethodGet,
		"/v1/payments/callback?reservation_id=42&success=true&txcode=TX9", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, testSiteURL+"/reservations/42/confirmation", w.Header().Get("Location"))

	got, err := ledger.Get(context.Background(), "chk_1")
	require.NoError(t, err)
	assert.Equal(t, intent.StatusPaid, got.Status)
	assert.True(t, got.Optimistic)
}

func TestCallbackUnresolvedRedirectsHome(t *testing.T) {
	router, _ := newTestRouter(t, testSecret)

	req := httptest.NewRequest(http.MethodGet, "/v1/payments/callback?success=true", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, testSiteURL+"/", w.Header().Get("Location"))
}

func TestCallbackWithoutClaimOnlyRedirects(t *testing.T) {
	router, ledger := newTestRouter(t, testSecret)
	createIntent(t, ledger, "chk_1", orderref.Reference{Kind: orderref.KindReservation, PrimaryID: "42"})

	req := httptest.NewRequest(http.MethodGet, "/v1/payments/callback?reservation_id=42", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusFound, w.Code)
	got, err := ledger.Get(context.Background(), "chk_1")
	require.NoError(t, err)
	assert.Equal(t, intent.StatusPending, got.Status)
}

func TestCallbackRecreatesLostIntent(t *testing.T) {
	router, ledger := newTestRouter(t, testSecret)

	req := httptest.NewRequest(http.MethodGet,
		"/v1/payments/callback?foreign-tx-id=TABLE_7_ord55&success=true", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, testSiteURL+"/tables/7/orders/ord55/confirmation", w.Header().Get("Location"))

	got, err := ledger.FindByReference(context.Background(), "TABLE_7_ord55")
	require.NoError(t, err)
	assert.Equal(t, intent.StatusPaid, got.Status)
	assert.True(t, got.Optimistic)
}

func TestReturnAppliesDeepLinkSignal(t *testing.T) {
	router, ledger := newTestRouter(t, testSecret)
	createIntent(t, ledger, "chk_1", orderref.Reference{Kind: orderref.KindReservation, PrimaryID: "42"})

	req := httptest.NewRequest(http.MethodGet,
		"/v1/payments/return?checkout_id=chk_1&smp-status=success&smp-tx-code=TXA", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, testSiteURL+"/reservations/42/confirmation", w.Header().Get("Location"))

	got, err := ledger.Get(context.Background(), "chk_1")
	require.NoError(t, err)
	assert.Equal(t, intent.StatusPaid, got.Status)
	assert.True(t, got.Optimistic)
	require.Len(t, got.Signals, 1)
	assert.Equal(t, intent.SourceDeeplinkAndroid, got.Signals[0].Source)
}

func TestReturnNeverCreatesIntents(t *testing.T) {
	router, ledger := newTestRouter(t, testSecret)

	req := httptest.NewRequest(http.MethodGet,
		"/v1/payments/return?foreign-tx-id=RESERVATION_42&success=true&txcode=TX9", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, testSiteURL+"/", w.Header().Get("Location"))

	_, err := ledger.FindByReference(context.Background(), "RESERVATION_42")
	assert.ErrorIs(t, err, intent.ErrIntentNotFound)
}

func TestPollReflectsOptimisticPaid(t *testing.T) {
	router, ledger := newTestRouter(t, testSecret)
	createIntent(t, ledger, "chk_1", orderref.Reference{Kind: orderref.KindReservation, PrimaryID: "42"})

	_, err := ledger.Apply(context.Background(), "chk_1", intent.SignalEvent{
		Source:        intent.SourceWebCallback,
		Verified:      false,
		ClaimedStatus: intent.StatusPaid,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/status/reservation/42", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status intent.Status `json:"status"`
		Amount int64         `json:"amount"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, intent.StatusPaid, resp.Status)
	assert.Equal(t, int64(4250), resp.Amount)
}

func TestPollUnknownOrder(t *testing.T) {
	router, _ := newTestRouter(t, testSecret)

	req := httptest.NewRequest(http.MethodGet, "/v1/status/reservation/999", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPollRejectsUnknownKind(t *testing.T) {
	router, _ := newTestRouter(t, testSecret)

	req := httptest.NewRequest(http.MethodGet, "/v1/status/voucher/42", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
