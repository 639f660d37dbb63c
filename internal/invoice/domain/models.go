// Package domain contains persistence models for billable events.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// InvoiceType is a closed set; dispatching code switches over it exhaustively
// and treats anything else as a hard error.
type InvoiceType string

const (
	TypeStandard     InvoiceType = "standard"
	TypeDidPurchase  InvoiceType = "did_purchase"
	TypeDidRenewal   InvoiceType = "did_renewal"
	TypeBalanceTopup InvoiceType = "balance_topup"
)

// Valid reports whether t is one of the known invoice types.
func (t InvoiceType) Valid() bool {
	switch t {
	case TypeStandard, TypeDidPurchase, TypeDidRenewal, TypeBalanceTopup:
		return true
	}
	return false
}

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	StatusCreated InvoiceStatus = "created"
	StatusPaid    InvoiceStatus = "paid"
	StatusVoid    InvoiceStatus = "void"
)

// SyncStatus tracks propagation into the external billing system.
type SyncStatus string

const (
	SyncPending       SyncStatus = "pending"
	SyncSynced        SyncStatus = "synced"
	SyncFailed        SyncStatus = "failed"
	SyncNotApplicable SyncStatus = "not_applicable"
)

// Invoice is a billable event. ExternalInvoiceID is set iff SyncStatus is
// synced. SyncAttempts and NextSyncAt persist the retry state so a backoff
// chain survives process restarts.
type Invoice struct {
	ID                snowflake.ID  `gorm:"primaryKey"`
	CompanyID         snowflake.ID  `gorm:"not null;index"`
	BrandID           snowflake.ID  `gorm:"not null;index"`
	DdiID             *snowflake.ID `gorm:"index"`
	Type              InvoiceType   `gorm:"column:invoice_type;type:text;not null"`
	Status            InvoiceStatus `gorm:"type:text;not null;default:'created'"`
	Description       string        `gorm:"type:text"`
	TotalCents        int64         `gorm:"not null;default:0"`
	TotalWithTaxCents int64         `gorm:"not null;default:0"`
	SyncStatus        SyncStatus    `gorm:"type:text;not null;default:'pending';index"`
	SyncAttempts      int           `gorm:"not null;default:0"`
	SyncError         *string       `gorm:"type:text"`
	NextSyncAt        *time.Time    `gorm:"index"`
	ExternalInvoiceID *string       `gorm:"type:text;index"`
	PaidAt            *time.Time    `gorm:""`
	CreatedAt         time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Invoice) TableName() string { return "invoices" }

// Amount returns the billable amount: total with tax when computed, plain
// total otherwise.
func (i Invoice) Amount() int64 {
	if i.TotalWithTaxCents > 0 {
		return i.TotalWithTaxCents
	}
	return i.TotalCents
}

// Top-up bounds in cents: [5, 1000] EUR.
const (
	MinTopupCents = 500
	MaxTopupCents = 100_000
)

var (
	ErrInvoiceNotFound    = errors.New("invoice_not_found")
	ErrInvalidAmount      = errors.New("invoice_invalid_amount")
	ErrUnknownInvoiceType = errors.New("invoice_unknown_type")
)
