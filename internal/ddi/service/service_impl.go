package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	ddidomain "github.com/smallbiznis/numera/internal/ddi/domain"
	"github.com/smallbiznis/numera/pkg/db"
	"github.com/smallbiznis/numera/pkg/repository"
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

	ddirepo repository.Repository[ddidomain.Ddi]
}

func NewService(p Params) ddidomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("ddi.service"),
		genID: p.GenID,

		ddirepo: repository.ProvideStore[ddidomain.Ddi](p.DB),
	}
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*ddidomain.Ddi, error) {
	ddi, err := s.ddirepo.FindOne(ctx, &ddidomain.Ddi{ID: id})
	if err != nil {
		return nil, err
	}
	if ddi == nil {
		return nil, ddidomain.ErrDdiNotFound
	}
	return ddi, nil
}

// AddToInventory loads a number into the pool. The unique index on number is
// the duplicate gate.
func (s *Service) AddToInventory(ctx context.Context, req ddidomain.NewDdi) (*ddidomain.Ddi, error) {
	if !ddidomain.ValidNumber(req.Number) {
		return nil, ddidomain.ErrInvalidNumber
	}
	if req.BrandID == 0 || req.MonthlyPriceCents < 0 || req.SetupPriceCents < 0 {
		return nil, ddidomain.ErrInvalidNumber
	}

	now := time.Now().UTC()
	ddi := ddidomain.Ddi{
		ID:                s.genID.Generate(),
		Number:            req.Number,
		BrandID:           req.BrandID,
		Status:            ddidomain.StatusAvailable,
		MonthlyPriceCents: req.MonthlyPriceCents,
		SetupPriceCents:   req.SetupPriceCents,
		IsByon:            req.IsByon,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.ddirepo.Create(ctx, &ddi); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, ddidomain.ErrDuplicateNumber
		}
		return nil, err
	}
	return &ddi, nil
}

// Reserve holds an available DID for a company until the given deadline.
// The status guard makes concurrent reservations mutually exclusive: the
// loser observes zero affected rows and gets a conflict error.
func (s *Service) Reserve(ctx context.Context, id snowflake.ID, companyID snowflake.ID, until time.Time) error {
	if companyID == 0 {
		return ddidomain.ErrInvalidReservation
	}
	now := time.Now().UTC()
	if !until.After(now) {
		return ddidomain.ErrInvalidReservation
	}

	result := s.db.WithContext(ctx).Exec(
		`UPDATE ddis
		 SET status = ?, company_id = ?, reserved_for_company_id = ?, reserved_until = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		ddidomain.StatusReserved,
		companyID,
		companyID,
		until.UTC(),
		now,
		id,
		ddidomain.StatusAvailable,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return s.classifyMiss(ctx, id, ddidomain.ErrDdiNotAvailable)
	}
	return nil
}

// ConfirmAssignment moves a DID to assigned, either consuming a reservation
// held by the same company or assigning directly from available (direct
// purchase). A reservation held by another company is an ownership mismatch.
func (s *Service) ConfirmAssignment(ctx context.Context, id snowflake.ID, companyID snowflake.ID, now time.Time) error {
	now = now.UTC()
	nextRenewal := now.AddDate(0, 1, 0)

	result := s.db.WithContext(ctx).Exec(
		`UPDATE ddis
		 SET status = ?, company_id = ?, assigned_at = ?,
		     reserved_for_company_id = NULL, reserved_until = NULL,
		     next_renewal_at = CASE WHEN monthly_price_cents > 0 THEN ? ELSE next_renewal_at END,
		     updated_at = ?
		 WHERE id = ?
		   AND ((status = ? AND reserved_for_company_id = ?) OR status = ?)`,
		ddidomain.StatusAssigned,
		companyID,
		now,
		nextRenewal,
		now,
		id,
		ddidomain.StatusReserved,
		companyID,
		ddidomain.StatusAvailable,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	ddi, err := s.ddirepo.FindOne(ctx, &ddidomain.Ddi{ID: id})
	if err != nil {
		return err
	}
	switch {
	case ddi == nil:
		return ddidomain.ErrDdiNotFound
	case ddi.Status == ddidomain.StatusAssigned && ddi.CompanyID != nil && *ddi.CompanyID == companyID:
		// already consumed by a concurrent confirmation for the same owner
		return nil
	case ddi.Status == ddidomain.StatusReserved:
		return ddidomain.ErrOwnershipMismatch
	default:
		return ddidomain.ErrInvalidTransition
	}
}

// Release returns an assigned or reserved DID to the pool. The record is
// recycled in place: same identifier, owner and reservation fields cleared.
func (s *Service) Release(ctx context.Context, id snowflake.ID) error {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE ddis
		 SET status = ?, company_id = NULL, reserved_for_company_id = NULL,
		     reserved_until = NULL, assigned_at = NULL, next_renewal_at = NULL, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		ddidomain.StatusAvailable,
		time.Now().UTC(),
		id,
		ddidomain.StatusAssigned,
		ddidomain.StatusReserved,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return s.classifyMiss(ctx, id, ddidomain.ErrInvalidTransition)
	}
	return nil
}

// ExpireReservation reclaims a lapsed reservation. It is a no-op (not an
// error) when the reservation was consumed concurrently: the status guard
// means only a row still reserved past its deadline is touched.
func (s *Service) ExpireReservation(ctx context.Context, id snowflake.ID, now time.Time) (bool, error) {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE ddis
		 SET status = ?, company_id = NULL, reserved_for_company_id = NULL,
		     reserved_until = NULL, updated_at = ?
		 WHERE id = ? AND status = ? AND reserved_until < ?`,
		ddidomain.StatusAvailable,
		now.UTC(),
		id,
		ddidomain.StatusReserved,
		now.UTC(),
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) Suspend(ctx context.Context, id snowflake.ID, reason string, now time.Time) error {
	return s.toggleSuspension(ctx, id, reason, now, ddidomain.StatusAssigned, ddidomain.StatusSuspended, ddidomain.ActionSuspendDdi)
}

func (s *Service) Unsuspend(ctx context.Context, id snowflake.ID, reason string, now time.Time) error {
	return s.toggleSuspension(ctx, id, reason, now, ddidomain.StatusSuspended, ddidomain.StatusAssigned, ddidomain.ActionUnsuspendDdi)
}

func (s *Service) toggleSuspension(
	ctx context.Context,
	id snowflake.ID,
	reason string,
	now time.Time,
	from, to ddidomain.InventoryStatus,
	action ddidomain.SuspensionAction,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.WithContext(ctx).Exec(
			`UPDATE ddis SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			to,
			now.UTC(),
			id,
			from,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return s.classifyMiss(ctx, id, ddidomain.ErrInvalidTransition)
		}

		ddi, err := s.ddirepo.WithTrx(tx).FindOne(ctx, &ddidomain.Ddi{ID: id})
		if err != nil {
			return err
		}
		if ddi == nil || ddi.CompanyID == nil {
			return ddidomain.ErrInvalidTransition
		}

		return tx.WithContext(ctx).Create(&ddidomain.SuspensionLog{
			ID:        s.genID.Generate(),
			CompanyID: *ddi.CompanyID,
			DdiID:     &id,
			Action:    action,
			Reason:    reason,
			CreatedAt: now.UTC(),
		}).Error
	})
}

// AdvanceRenewal moves the DID's next renewal date forward.
func (s *Service) AdvanceRenewal(ctx context.Context, id snowflake.ID, nextRenewalAt time.Time) error {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE ddis SET next_renewal_at = ?, updated_at = ? WHERE id = ?`,
		nextRenewalAt.UTC(),
		time.Now().UTC(),
		id,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ddidomain.ErrDdiNotFound
	}
	return nil
}

func (s *Service) classifyMiss(ctx context.Context, id snowflake.ID, conflict error) error {
	ddi, err := s.ddirepo.FindOne(ctx, &ddidomain.Ddi{ID: id})
	if err != nil {
		return err
	}
	if ddi == nil {
		return ddidomain.ErrDdiNotFound
	}
	return conflict
}
