// Package client implements the HTTP client for the external billing system.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	syncdomain "github.com/smallbiznis/numera/internal/billingsync/domain"
	"github.com/smallbiznis/numera/internal/config"
	"go.uber.org/zap"
)

type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
	log     *zap.Logger
}

func NewHTTPClient(cfg config.Config, log *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: cfg.BillingAPIBaseURL,
		token:   cfg.BillingAPIToken,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log.Named("billingsync.client"),
	}
}

type createInvoicePayload struct {
	CustomerID     string `json:"customer_id"`
	Description    string `json:"description"`
	AmountCents    int64  `json:"amount_cents"`
	Currency       string `json:"currency"`
	IssuedAt       string `json:"issued_at"`
	DueAt          string `json:"due_at"`
	IdempotencyKey string `json:"idempotency_key"`
}

type createInvoiceResponse struct {
	ID string `json:"id"`
}

func (c *HTTPClient) CreateInvoice(ctx context.Context, req syncdomain.CreateInvoiceRequest) (string, error) {
	payload := createInvoicePayload{
		CustomerID:     req.ExternalCompanyID,
		Description:    req.Description,
		AmountCents:    req.AmountCents,
		Currency:       "EUR",
		IssuedAt:       req.IssuedAt.UTC().Format(time.RFC3339),
		DueAt:          req.DueAt.UTC().Format(time.RFC3339),
		IdempotencyKey: fmt.Sprintf("numera-invoice-%d", req.LocalInvoiceID),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/invoices", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	httpReq.Header.Set("Idempotency-Key", payload.IdempotencyKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &syncdomain.APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var decoded createInvoiceResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("billing api: decode response: %w", err)
	}
	if decoded.ID == "" {
		return "", fmt.Errorf("billing api: response missing invoice id")
	}
	return decoded.ID, nil
}
