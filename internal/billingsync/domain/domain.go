// Package domain defines the contract with the external billing system and
// the durable retry policy for pushing invoices into it.
package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

// CreateInvoiceRequest is the payload pushed to the external billing system.
// LocalInvoiceID doubles as the idempotency key on the remote side.
type CreateInvoiceRequest struct {
	LocalInvoiceID    snowflake.ID
	ExternalCompanyID string
	Description       string
	AmountCents       int64
	IssuedAt          time.Time
	DueAt             time.Time
}

// Client talks to the external billing system of record.
type Client interface {
	CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (externalID string, err error)
}

// APIError is a non-2xx response from the billing API. 5xx and 429 are
// retryable; other 4xx responses are permanent.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("billing api: status %d: %s", e.StatusCode, e.Body)
}

func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// IsRetryable classifies a sync failure. Transport-level errors (timeouts,
// connection resets) are retryable; only a definitive API rejection is not.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}

// MaxSyncAttempts bounds the durable retry chain. After the last failure the
// invoice parks in failed and waits for an operator retry.
const MaxSyncAttempts = 5

// ClaimLease is how long one worker's in-flight push excludes others. A push
// that crashed mid-call becomes due again once the lease lapses.
const ClaimLease = 5 * time.Minute

// backoffSchedule holds the delay before attempt n+1, indexed by the number
// of failures so far capped at the final slot.
var backoffSchedule = []time.Duration{
	30 * time.Second,
	60 * time.Second,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
}

// BackoffDelay returns the wait after the given number of failed attempts.
func BackoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > len(backoffSchedule) {
		attempts = len(backoffSchedule)
	}
	return backoffSchedule[attempts-1]
}

var (
	ErrNotSyncable   = errors.New("invoice_not_syncable")
	ErrSyncExhausted = errors.New("invoice_sync_exhausted")
)

// Service drives invoice propagation into the external billing system.
type Service interface {
	// SyncInvoice attempts one push for the given invoice. Already-synced
	// and not-applicable invoices are silent no-ops.
	SyncInvoice(ctx context.Context, invoiceID snowflake.ID) error
	// ProcessDue pushes every pending invoice whose next attempt is due.
	ProcessDue(ctx context.Context, now time.Time) (ProcessResult, error)
	// RetryFailed re-arms a parked invoice for an immediate attempt.
	RetryFailed(ctx context.Context, invoiceID snowflake.ID) error
}

// ProcessResult summarizes one dispatch sweep.
type ProcessResult struct {
	Attempted int `json:"attempted"`
	Synced    int `json:"synced"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Errors    int `json:"errors"`
}
