// Package domain contains persistence models for DID inventory.
package domain

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/bwmarrin/snowflake"
)

// InventoryStatus represents a DID's lifecycle state.
type InventoryStatus string

const (
	StatusAvailable InventoryStatus = "available"
	StatusReserved  InventoryStatus = "reserved"
	StatusAssigned  InventoryStatus = "assigned"
	StatusSuspended InventoryStatus = "suspended"
	StatusDisabled  InventoryStatus = "disabled"
)

// Ddi is a telephone number held in inventory. Reservation fields are set
// both-or-neither, and only while Status is reserved; CompanyID is non-null
// whenever the DID is assigned or reserved.
type Ddi struct {
	ID                   snowflake.ID    `gorm:"primaryKey"`
	Number               string          `gorm:"type:text;not null;uniqueIndex"`
	BrandID              snowflake.ID    `gorm:"not null;index"`
	Status               InventoryStatus `gorm:"type:text;not null;default:'available';index"`
	CompanyID            *snowflake.ID   `gorm:"index"`
	ReservedForCompanyID *snowflake.ID   `gorm:""`
	ReservedUntil        *time.Time      `gorm:"index"`
	MonthlyPriceCents    int64           `gorm:"not null;default:0"`
	SetupPriceCents      int64           `gorm:"not null;default:0"`
	NextRenewalAt        *time.Time      `gorm:"index"`
	AssignedAt           *time.Time      `gorm:""`
	IsByon               bool            `gorm:"not null;default:false"`
	CreatedAt            time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt            time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Ddi) TableName() string { return "ddis" }

// SuspensionAction identifies the kind of suspension audit entry.
type SuspensionAction string

const (
	ActionSuspend      SuspensionAction = "suspend"
	ActionUnsuspend    SuspensionAction = "unsuspend"
	ActionSuspendDdi   SuspensionAction = "suspend_ddi"
	ActionUnsuspendDdi SuspensionAction = "unsuspend_ddi"
)

// SuspensionLog is append-only; rows are never mutated after creation.
// When DdiID is set, its owning company must equal CompanyID.
type SuspensionLog struct {
	ID        snowflake.ID     `gorm:"primaryKey"`
	CompanyID snowflake.ID     `gorm:"not null;index"`
	DdiID     *snowflake.ID    `gorm:"index"`
	Action    SuspensionAction `gorm:"type:text;not null"`
	Reason    string           `gorm:"type:text"`
	CreatedAt time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (SuspensionLog) TableName() string { return "suspension_logs" }

var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ValidNumber reports whether number is a well-formed E.164 string.
func ValidNumber(number string) bool {
	return e164.MatchString(number)
}

var (
	ErrDdiNotFound        = errors.New("ddi_not_found")
	ErrDdiNotAvailable    = errors.New("ddi_not_available")
	ErrOwnershipMismatch  = errors.New("ddi_ownership_mismatch")
	ErrInvalidTransition  = errors.New("ddi_invalid_transition")
	ErrInvalidNumber      = errors.New("ddi_invalid_number")
	ErrInvalidReservation = errors.New("ddi_invalid_reservation")
	ErrDuplicateNumber    = errors.New("ddi_duplicate_number")
)

// NewDdi carries the fields for loading a number into inventory.
type NewDdi struct {
	Number            string
	BrandID           snowflake.ID
	MonthlyPriceCents int64
	SetupPriceCents   int64
	IsByon            bool
}

// Service owns DID inventory transitions. Every mutation is a guarded
// compare-and-set at the storage layer so concurrent instances cannot
// double-apply a transition.
type Service interface {
	GetByID(ctx context.Context, id snowflake.ID) (*Ddi, error)
	AddToInventory(ctx context.Context, req NewDdi) (*Ddi, error)
	Reserve(ctx context.Context, id snowflake.ID, companyID snowflake.ID, until time.Time) error
	ConfirmAssignment(ctx context.Context, id snowflake.ID, companyID snowflake.ID, now time.Time) error
	Release(ctx context.Context, id snowflake.ID) error
	ExpireReservation(ctx context.Context, id snowflake.ID, now time.Time) (bool, error)
	Suspend(ctx context.Context, id snowflake.ID, reason string, now time.Time) error
	Unsuspend(ctx context.Context, id snowflake.ID, reason string, now time.Time) error
	AdvanceRenewal(ctx context.Context, id snowflake.ID, nextRenewalAt time.Time) error
}
