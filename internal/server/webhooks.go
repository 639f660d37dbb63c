package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/numera/internal/reconcile"
	"go.uber.org/zap"
)

const signatureHeader = "X-Billing-Signature"

type billingWebhookEvent struct {
	Event             string `json:"event"`
	ExternalInvoiceID string `json:"invoice_id"`
}

// HandleBillingWebhook accepts payment callbacks from the external billing
// system. The payload is authenticated with an HMAC-SHA256 signature over
// the raw body; an invoice already paid answers 200 so the sender stops
// redelivering.
func (s *Server) HandleBillingWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if !s.verifySignature(payload, c.GetHeader(signatureHeader)) {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var event billingWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if event.Event != "invoice.paid" {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	if event.ExternalInvoiceID == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	ctx := c.Request.Context()
	invoice, err := s.invoiceSvc.FindByExternalID(ctx, event.ExternalInvoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	outcome, err := s.reconcileSvc.HandlePaid(ctx, invoice.ID, s.clock.Now())
	if err != nil {
		s.log.Error("paid webhook failed",
			zap.String("external_invoice_id", event.ExternalInvoiceID),
			zap.Error(err))
		AbortWithError(c, err)
		return
	}

	if outcome == reconcile.OutcomeDuplicate {
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) verifySignature(payload []byte, signature string) bool {
	secret := strings.TrimSpace(s.cfg.WebhookSecret)
	if secret == "" || signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature)))
}
