// Package domain contains the append-only audit trail model.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type AuditLog struct {
	ID         snowflake.ID   `gorm:"primaryKey"`
	ActorID    *snowflake.ID  `gorm:"index"`
	Action     string         `gorm:"type:text;not null;index"`
	EntityType string         `gorm:"type:text;not null"`
	EntityID   string         `gorm:"type:text;not null;index"`
	Metadata   datatypes.JSON `gorm:""`
	CreatedAt  time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (AuditLog) TableName() string { return "audit_logs" }

// Entry is what callers record; identifiers and timestamps are filled in by
// the service.
type Entry struct {
	ActorID    *snowflake.ID
	Action     string
	EntityType string
	EntityID   string
	Metadata   map[string]any
}

type Service interface {
	Record(ctx context.Context, entry Entry) error
}
