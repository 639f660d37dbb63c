package rating

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	companydomain "github.com/smallbiznis/numera/internal/company/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewService(p Params) Client {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("rating.service"),
		genID: p.GenID,
	}
}

func (s *Service) IncrementBalance(ctx context.Context, companyID snowflake.ID, amountCents int64, reason string, invoiceID *snowflake.ID) error {
	if amountCents <= 0 {
		return companydomain.ErrInsufficientBalance
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.WithContext(ctx).Exec(
			`UPDATE companies
			 SET balance_cents = balance_cents + ?, updated_at = ?
			 WHERE id = ?`,
			amountCents,
			time.Now().UTC(),
			companyID,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return companydomain.ErrCompanyNotFound
		}
		return s.recordMovement(ctx, tx, companyID, amountCents, reason, invoiceID)
	})
}

func (s *Service) DeductBalance(ctx context.Context, companyID snowflake.ID, amountCents int64, reason string, invoiceID *snowflake.ID) error {
	if amountCents <= 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The balance guard and the subtraction share one statement; a
		// concurrent deduction that would overdraw simply matches no row.
		result := tx.WithContext(ctx).Exec(
			`UPDATE companies
			 SET balance_cents = balance_cents - ?, updated_at = ?
			 WHERE id = ? AND balance_cents >= ?`,
			amountCents,
			time.Now().UTC(),
			companyID,
			amountCents,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var count int64
			if err := tx.WithContext(ctx).Raw(
				`SELECT COUNT(1) FROM companies WHERE id = ?`, companyID,
			).Scan(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return companydomain.ErrCompanyNotFound
			}
			return companydomain.ErrInsufficientBalance
		}
		return s.recordMovement(ctx, tx, companyID, -amountCents, reason, invoiceID)
	})
}

func (s *Service) recordMovement(ctx context.Context, tx *gorm.DB, companyID snowflake.ID, amountCents int64, reason string, invoiceID *snowflake.ID) error {
	return tx.WithContext(ctx).Create(&companydomain.BalanceMovement{
		ID:          s.genID.Generate(),
		CompanyID:   companyID,
		AmountCents: amountCents,
		Reason:      reason,
		InvoiceID:   invoiceID,
		CreatedAt:   time.Now().UTC(),
	}).Error
}
