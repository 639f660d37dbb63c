package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	companydomain "github.com/smallbiznis/numera/internal/company/domain"
	invoicedomain "github.com/smallbiznis/numera/internal/invoice/domain"
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

	invoicerepo repository.Repository[invoicedomain.Invoice]
	companyrepo repository.Repository[companydomain.Company]
}

func NewService(p Params) invoicedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("invoice.service"),
		genID: p.GenID,

		invoicerepo: repository.ProvideStore[invoicedomain.Invoice](p.DB),
		companyrepo: repository.ProvideStore[companydomain.Company](p.DB),
	}
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*invoicedomain.Invoice, error) {
	invoice, err := s.invoicerepo.FindOne(ctx, &invoicedomain.Invoice{ID: id})
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	return invoice, nil
}

func (s *Service) FindByExternalID(ctx context.Context, externalID string) (*invoicedomain.Invoice, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	invoice, err := s.invoicerepo.FindOne(ctx, &invoicedomain.Invoice{ExternalInvoiceID: &externalID})
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	return invoice, nil
}

func (s *Service) Create(ctx context.Context, req invoicedomain.NewInvoice) (*invoicedomain.Invoice, error) {
	if !req.Type.Valid() {
		return nil, invoicedomain.ErrUnknownInvoiceType
	}
	if req.TotalCents < 0 || req.TotalWithTaxCents < 0 {
		return nil, invoicedomain.ErrInvalidAmount
	}
	if req.CompanyID == 0 {
		return nil, companydomain.ErrCompanyNotFound
	}

	now := time.Now().UTC()
	invoice := invoicedomain.Invoice{
		ID:                s.genID.Generate(),
		CompanyID:         req.CompanyID,
		BrandID:           req.BrandID,
		DdiID:             req.DdiID,
		Type:              req.Type,
		Status:            invoicedomain.StatusCreated,
		Description:       req.Description,
		TotalCents:        req.TotalCents,
		TotalWithTaxCents: req.TotalWithTaxCents,
		SyncStatus:        invoicedomain.SyncPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req.Paid {
		invoice.Status = invoicedomain.StatusPaid
		invoice.PaidAt = &now
		invoice.SyncStatus = invoicedomain.SyncNotApplicable
	}

	if err := s.invoicerepo.Create(ctx, &invoice); err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (s *Service) CreateTopup(ctx context.Context, companyID snowflake.ID, amountCents int64) (*invoicedomain.Invoice, error) {
	if amountCents < invoicedomain.MinTopupCents || amountCents > invoicedomain.MaxTopupCents {
		return nil, invoicedomain.ErrInvalidAmount
	}

	company, err := s.companyrepo.FindOne(ctx, &companydomain.Company{ID: companyID})
	if err != nil {
		return nil, err
	}
	if company == nil {
		return nil, companydomain.ErrCompanyNotFound
	}

	return s.Create(ctx, invoicedomain.NewInvoice{
		CompanyID:         company.ID,
		BrandID:           company.BrandID,
		Type:              invoicedomain.TypeBalanceTopup,
		Description:       "Balance Top-Up",
		TotalCents:        amountCents,
		TotalWithTaxCents: amountCents,
	})
}

// MarkPaid is the exactly-once gate for payment reconciliation: the guarded
// update means exactly one of any number of concurrent deliveries flips the
// status, and only that caller runs the paid-side effects.
func (s *Service) MarkPaid(ctx context.Context, id snowflake.ID, now time.Time) (bool, error) {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET status = ?, paid_at = ?, updated_at = ?
		 WHERE id = ? AND status <> ?`,
		invoicedomain.StatusPaid,
		now.UTC(),
		now.UTC(),
		id,
		invoicedomain.StatusPaid,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ReopenUnpaid is the compensation for MarkPaid: when the paid-side effects
// fail, the status goes back to created so a redelivered event can win the
// gate again instead of draining into the duplicate path.
func (s *Service) ReopenUnpaid(ctx context.Context, id snowflake.ID) error {
	return s.db.WithContext(ctx).Exec(
		`UPDATE invoices SET status = ?, paid_at = NULL, updated_at = ? WHERE id = ? AND status = ?`,
		invoicedomain.StatusCreated,
		time.Now().UTC(),
		id,
		invoicedomain.StatusPaid,
	).Error
}
