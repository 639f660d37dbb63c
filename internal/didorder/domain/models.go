// Package domain contains persistence models for DID acquisition orders.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// OrderStatus is monotonic: approved, rejected and expired are terminal.
type OrderStatus string

const (
	StatusPendingApproval OrderStatus = "pending_approval"
	StatusApproved        OrderStatus = "approved"
	StatusRejected        OrderStatus = "rejected"
	StatusExpired         OrderStatus = "expired"
)

// DidOrder is a postpaid acquisition request, bound 1:1 to a DID
// reservation. Fees are snapshotted at request time and never re-read from
// the catalog.
type DidOrder struct {
	ID                snowflake.ID  `gorm:"primaryKey"`
	DdiID             snowflake.ID  `gorm:"not null;index"`
	CompanyID         snowflake.ID  `gorm:"not null;index"`
	Status            OrderStatus   `gorm:"type:text;not null;default:'pending_approval';index"`
	SetupFeeCents     int64         `gorm:"not null;default:0"`
	MonthlyFeeCents   int64         `gorm:"not null;default:0"`
	RequestedAt       time.Time     `gorm:"not null"`
	ApprovedAt        *time.Time    `gorm:""`
	ApprovedByAdminID *snowflake.ID `gorm:""`
	RejectedAt        *time.Time    `gorm:""`
	RejectionReason   *string       `gorm:"type:text"`
	CreatedAt         time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (DidOrder) TableName() string { return "did_orders" }

var (
	ErrOrderNotFound        = errors.New("did_order_not_found")
	ErrOrderAlreadyResolved = errors.New("did_order_already_resolved")
	ErrInvalidOrder         = errors.New("did_order_invalid")
)

type CreateOrderRequest struct {
	DdiID     snowflake.ID
	CompanyID snowflake.ID
}

// ReaperRequest parameterizes a reservation-expiry sweep. Now is explicit so
// backfills and tests are deterministic; DryRun reports without mutating.
type ReaperRequest struct {
	Now       time.Time
	DryRun    bool
	CompanyID *snowflake.ID
}

// ReaperResult is the structured outcome of one sweep. OK iff Errors == 0.
type ReaperResult struct {
	OrdersExpired     int `json:"orders_expired"`
	DdisReleased      int `json:"ddis_released"`
	NotificationsSent int `json:"notifications_sent"`
	Errors            int `json:"errors"`
}

func (r ReaperResult) OK() bool { return r.Errors == 0 }

type Service interface {
	GetByID(ctx context.Context, id snowflake.ID) (*DidOrder, error)
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*DidOrder, error)
	Approve(ctx context.Context, orderID, adminID snowflake.ID, now time.Time) error
	Reject(ctx context.Context, orderID snowflake.ID, reason string, now time.Time) error
	ExpireDueReservations(ctx context.Context, req ReaperRequest) (ReaperResult, error)
}
