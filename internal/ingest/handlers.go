package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/tavolo/paycore/internal/idgen"
	"github.com/tavolo/paycore/internal/intent"
	"github.com/tavolo/paycore/internal/logging"
	"github.com/tavolo/paycore/internal/metrics"
	"github.com/tavolo/paycore/internal/orderref"
	"github.com/tavolo/paycore/internal/traces"
)

// StatusQuerier asks the provider for its view of a checkout. Poll uses it
// for discrepancy logging only; the ledger stays authoritative.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, checkoutID string) (string, error)
}

// Handler serves the inbound signal endpoints.
type Handler struct {
	ledger      *intent.Ledger
	provider    StatusQuerier
	secret      []byte
	siteBaseURL string
}

// NewHandler creates the ingestion handler. An empty webhookSecret means the
// webhook endpoint rejects all deliveries.
func NewHandler(ledger *intent.Ledger, provider StatusQuerier, webhookSecret, siteBaseURL string) *Handler {
	return &Handler{
		ledger:      ledger,
		provider:    provider,
		secret:      []byte(webhookSecret),
		siteBaseURL: siteBaseURL,
	}
}

// RegisterRoutes sets up the signal ingestion routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/webhook", h.Webhook)
	r.GET("/payments/callback", h.Callback)
	r.GET("/payments/return", h.Return)
	r.GET("/status/:kind/:id", h.Poll)
}

// Webhook handles POST /v1/payments/webhook: the only verified channel.
func (h *Handler) Webhook(c *gin.Context) {
	ctx, span := traces.StartSpan(c.Request.Context(), "ingest.webhook")
	defer span.End()
	log := logging.L(ctx)

	raw, err := c.GetRawData()
	if err != nil {
		metrics.WebhookRejectionsTotal.WithLabelValues("body").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Unreadable request body"})
		return
	}

	if err := VerifySignature(h.secret, raw, c.GetHeader("X-Signature")); err != nil {
		metrics.WebhookRejectionsTotal.WithLabelValues("signature").Inc()
		log.Warn("rejected webhook with bad signature", "remote", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Invalid signature"})
		return
	}

	var body WebhookBody
	if err := json.Unmarshal(raw, &body); err != nil {
		metrics.WebhookRejectionsTotal.WithLabelValues("malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid JSON body"})
		return
	}

	sig, err := NormalizeWebhook(body)
	if err != nil {
		metrics.WebhookRejectionsTotal.WithLabelValues("malformed").Inc()
		log.Warn("rejected malformed webhook", "eventType", body.EventType)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Unrecognized event shape"})
		return
	}

	res, err := h.ledger.Apply(ctx, sig.IntentID, sig.Event)
	if err != nil {
		if errors.Is(err, intent.ErrUnknownIntent) {
			// Acknowledge so the provider stops retrying something we
			// can never route.
			log.Warn("webhook for unknown intent", "intentId", sig.IntentID, "reference", body.Data.Reference)
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		log.Error("failed to apply webhook", "intentId", sig.IntentID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to process event"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "accepted", "changed": res.Changed})
}

// Callback handles GET /v1/payments/callback: the browser redirect back from
// the hosted checkout. Always unverified; always ends in a redirect, never
// an error page.
func (h *Handler) Callback(c *gin.Context) {
	ctx := c.Request.Context()
	log := logging.L(ctx)

	sig, err := NormalizeCallback(c.Request.URL.Query())
	if err != nil {
		log.Warn("unresolved payment callback, sending browser home", "query", c.Request.URL.RawQuery)
		c.Redirect(http.StatusFound, h.siteBaseURL+"/")
		return
	}

	intentID := sig.IntentID
	if it, err := h.ledger.FindByReference(ctx, sig.Ref.String()); err == nil {
		intentID = it.ID
	} else if intentID == "" {
		// Unknown to the store; the apply below re-creates it under a
		// fresh id since the callback carries a full reference.
		intentID = idgen.WithPrefix("chk_")
	}

	if sig.Event.ClaimedStatus.Terminal() {
		if _, err := h.ledger.Apply(ctx, intentID, sig.Event); err != nil {
			// The redirect must happen regardless; the confirmation
			// page re-fetches status via poll.
			log.Warn("failed to apply callback signal", "intentId", intentID, "error", err)
		}
	}

	c.Redirect(http.StatusFound, h.confirmationURL(sig.Ref))
}

// Return handles GET /v1/payments/return: control coming back from the
// native provider app via URL scheme. Deep links never create intents.
func (h *Handler) Return(c *gin.Context) {
	ctx := c.Request.Context()
	log := logging.L(ctx)

	sig, err := NormalizeReturn(c.Request.URL.Query())
	if err != nil {
		log.Warn("unresolvable deep-link return, sending browser home", "query", c.Request.URL.RawQuery)
		c.Redirect(http.StatusFound, h.siteBaseURL+"/")
		return
	}

	ref := sig.Ref
	intentID := sig.IntentID
	if intentID == "" {
		it, err := h.ledger.FindByReference(ctx, ref.String())
		if err != nil {
			log.Warn("deep-link return for unknown intent", "reference", ref.String())
			c.Redirect(http.StatusFound, h.siteBaseURL+"/")
			return
		}
		intentID = it.ID
	}

	if sig.Event.ClaimedStatus.Terminal() {
		if _, err := h.ledger.Apply(ctx, intentID, sig.Event); err != nil {
			log.Warn("failed to apply deep-link signal", "intentId", intentID, "error", err)
		}
	}

	if !ref.Resolved() {
		if it, err := h.ledger.Get(ctx, intentID); err == nil {
			ref = it.Reference
		}
	}
	c.Redirect(http.StatusFound, h.confirmationURL(ref))
}

// Poll handles GET /v1/status/:kind/:id. A pure read of ledger state; an
// optimistic PAID reads as PAID.
func (h *Handler) Poll(c *gin.Context) {
	ctx := c.Request.Context()
	log := logging.L(ctx)

	kind := orderref.KindFromString(c.Param("kind"))
	if kind == orderref.KindUnresolved {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Unknown order kind"})
		return
	}

	it, err := h.ledger.StatusByOrder(ctx, string(kind), c.Param("id"))
	if err != nil {
		if errors.Is(err, intent.ErrIntentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No payment intent for order"})
			return
		}
		log.Error("failed to read intent status", "kind", kind, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to read status"})
		return
	}

	// For intents still waiting, ask the provider for its view and log
	// disagreement. Informational only; the webhook remains the trusted
	// channel.
	if it.Status == intent.StatusPending && h.provider != nil {
		if ps, err := h.provider.QueryStatus(ctx, it.ID); err == nil && ps != "PENDING" {
			log.Info("provider status ahead of ledger", "intentId", it.ID, "providerStatus", ps)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status": it.Status,
		"amount": it.Amount,
	})
}

// confirmationURL maps a reference to the page the browser lands on after a
// checkout attempt. The page re-fetches its status from the poll endpoint;
// nothing in the URL is trusted.
func (h *Handler) confirmationURL(ref orderref.Reference) string {
	switch ref.Kind {
	case orderref.KindReservation:
		return h.siteBaseURL + "/reservations/" + url.PathEscape(ref.PrimaryID) + "/confirmation"
	case orderref.KindTable:
		return h.siteBaseURL + "/tables/" + url.PathEscape(ref.PrimaryID) + "/orders/" + url.PathEscape(ref.SecondaryID) + "/confirmation"
	case orderref.KindDelivery:
		return h.siteBaseURL + "/deliveries/" + url.PathEscape(ref.PrimaryID) + "/confirmation"
	default:
		return h.siteBaseURL + "/"
	}
}
