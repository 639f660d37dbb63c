// Package rating owns company balance mutations. Both directions are single
// atomic read-modify-writes in SQL so concurrent top-ups and deductions on
// the same company never lose an update.
package rating

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// Client is the balance/rating collaborator consumed by renewal and
// payment-reconciliation flows.
type Client interface {
	IncrementBalance(ctx context.Context, companyID snowflake.ID, amountCents int64, reason string, invoiceID *snowflake.ID) error
	// DeductBalance fails with companydomain.ErrInsufficientBalance when the
	// balance cannot cover the amount; nothing is written in that case.
	DeductBalance(ctx context.Context, companyID snowflake.ID, amountCents int64, reason string, invoiceID *snowflake.ID) error
}
