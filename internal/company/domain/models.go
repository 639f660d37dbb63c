// Package domain contains persistence models for customer companies.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// BillingMethod determines how a company pays for service.
type BillingMethod string

const (
	BillingMethodPrepaid       BillingMethod = "prepaid"
	BillingMethodPseudoprepaid BillingMethod = "pseudoprepaid"
	BillingMethodPostpaid      BillingMethod = "postpaid"
)

// PaysUpfront reports whether the company settles charges from balance or
// per-event invoices rather than consolidated postpaid billing.
func (m BillingMethod) PaysUpfront() bool {
	return m == BillingMethodPrepaid || m == BillingMethodPseudoprepaid
}

// RenewalMode controls how DID renewal dates advance.
type RenewalMode string

const (
	// RenewalModePerDid keeps each DID on its own monthly anniversary.
	RenewalModePerDid RenewalMode = "per_did"
	// RenewalModeConsolidated snaps every DID to the company-wide anchor.
	RenewalModeConsolidated RenewalMode = "consolidated"
)

// Company is a customer account. Balance is held in cents.
type Company struct {
	ID                snowflake.ID  `gorm:"primaryKey"`
	BrandID           snowflake.ID  `gorm:"not null;index"`
	Name              string        `gorm:"type:text;not null"`
	Email             string        `gorm:"type:text;not null"`
	BillingMethod     BillingMethod `gorm:"type:text;not null;default:'prepaid'"`
	BalanceCents      int64         `gorm:"not null;default:0"`
	DidRenewalAnchor  *time.Time    `gorm:""`
	ExternalBillingID *string       `gorm:"type:text"`
	CreatedAt         time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Company) TableName() string { return "companies" }

// LinkedToBilling reports whether the company exists in the external billing
// system; sync is skipped entirely without it.
func (c Company) LinkedToBilling() bool {
	return c.ExternalBillingID != nil && *c.ExternalBillingID != ""
}

// Brand scopes marketplace visibility and renewal behaviour.
type Brand struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	Name           string       `gorm:"type:text;not null"`
	DidRenewalMode RenewalMode  `gorm:"type:text;not null;default:'per_did'"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Brand) TableName() string { return "brands" }

// BalanceMovement is an append-only audit row for balance mutations.
// Amount is signed: positive for top-ups, negative for deductions.
type BalanceMovement struct {
	ID          snowflake.ID  `gorm:"primaryKey"`
	CompanyID   snowflake.ID  `gorm:"not null;index"`
	AmountCents int64         `gorm:"not null"`
	Reason      string        `gorm:"type:text;not null"`
	InvoiceID   *snowflake.ID `gorm:"index"`
	CreatedAt   time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (BalanceMovement) TableName() string { return "balance_movements" }

var (
	ErrCompanyNotFound     = errors.New("company_not_found")
	ErrInsufficientBalance = errors.New("insufficient_balance")
)
