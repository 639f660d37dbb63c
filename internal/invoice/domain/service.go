package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// NewInvoice carries the fields callers provide at creation time.
type NewInvoice struct {
	CompanyID         snowflake.ID
	BrandID           snowflake.ID
	DdiID             *snowflake.ID
	Type              InvoiceType
	Description       string
	TotalCents        int64
	TotalWithTaxCents int64
	// Paid marks the invoice settled at creation (balance-paid renewals);
	// such invoices never sync externally.
	Paid bool
}

type Service interface {
	GetByID(ctx context.Context, id snowflake.ID) (*Invoice, error)
	FindByExternalID(ctx context.Context, externalID string) (*Invoice, error)
	Create(ctx context.Context, req NewInvoice) (*Invoice, error)
	CreateTopup(ctx context.Context, companyID snowflake.ID, amountCents int64) (*Invoice, error)
	// MarkPaid settles the invoice. Returns false when it was already paid,
	// which callers treat as a duplicate delivery and skip side effects.
	MarkPaid(ctx context.Context, id snowflake.ID, now time.Time) (bool, error)
	// ReopenUnpaid reverts a paid flip whose side effects could not be
	// applied, so the next delivery of the same event can settle it again.
	ReopenUnpaid(ctx context.Context, id snowflake.ID) error
}
