// Package reconcile applies payment confirmations from the external billing
// system. MarkPaid is the dedup gate: only the delivery that flips the
// invoice to paid runs side effects, so webhook redelivery is harmless.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/numera/internal/audit/domain"
	ddidomain "github.com/smallbiznis/numera/internal/ddi/domain"
	invoicedomain "github.com/smallbiznis/numera/internal/invoice/domain"
	"github.com/smallbiznis/numera/internal/observability/metrics"
	"github.com/smallbiznis/numera/internal/rating"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrNoDdiLinked     = errors.New("reconcile_no_ddi_linked")
	ErrCompanyMismatch = errors.New("reconcile_company_mismatch")
)

// Outcome reports what a paid event did.
type Outcome string

const (
	OutcomeApplied   Outcome = metrics.PaidResultApplied
	OutcomeDuplicate Outcome = metrics.PaidResultDuplicate
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Invoices invoicedomain.Service
	Ddi      ddidomain.Service
	Rating   rating.Client
	Audit    auditdomain.Service
}

type Service struct {
	log      *zap.Logger
	invoices invoicedomain.Service
	ddi      ddidomain.Service
	rating   rating.Client
	audit    auditdomain.Service
}

func NewService(p Params) *Service {
	return &Service{
		log:      p.Log.Named("reconcile.service"),
		invoices: p.Invoices,
		ddi:      p.Ddi,
		rating:   p.Rating,
		audit:    p.Audit,
	}
}

// HandlePaid settles the invoice and dispatches its type handler exactly
// once. A redelivered event loses the MarkPaid guard and returns duplicate
// with no side effects. When the handler itself fails the paid flip is
// reverted, so the failing delivery does not consume the gate and the
// external system's redelivery retries the side effects.
func (s *Service) HandlePaid(ctx context.Context, invoiceID snowflake.ID, now time.Time) (Outcome, error) {
	invoice, err := s.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		return "", err
	}

	won, err := s.invoices.MarkPaid(ctx, invoiceID, now)
	if err != nil {
		metrics.Engine().IncPaidEvent(string(invoice.Type), metrics.PaidResultError)
		return "", err
	}
	if !won {
		metrics.Engine().IncPaidEvent(string(invoice.Type), metrics.PaidResultDuplicate)
		s.log.Info("duplicate paid event ignored", zap.Int64("invoice_id", int64(invoiceID)))
		return OutcomeDuplicate, nil
	}

	if err := s.dispatch(ctx, invoice, now); err != nil {
		if reopenErr := s.invoices.ReopenUnpaid(ctx, invoiceID); reopenErr != nil {
			s.log.Error("failed to reopen invoice after handler failure",
				zap.Int64("invoice_id", int64(invoiceID)), zap.Error(reopenErr))
			err = errors.Join(err, reopenErr)
		}
		metrics.Engine().IncPaidEvent(string(invoice.Type), metrics.PaidResultError)
		return "", err
	}

	metrics.Engine().IncPaidEvent(string(invoice.Type), metrics.PaidResultApplied)
	s.log.Info("paid event applied",
		zap.Int64("invoice_id", int64(invoiceID)),
		zap.String("invoice_type", string(invoice.Type)),
		zap.Int64("amount_cents", invoice.Amount()))
	return OutcomeApplied, nil
}

// dispatch is exhaustive over the invoice type; an unrecognized type is a
// hard error rather than a silently dropped payment.
func (s *Service) dispatch(ctx context.Context, invoice *invoicedomain.Invoice, now time.Time) error {
	switch invoice.Type {
	case invoicedomain.TypeBalanceTopup:
		return s.applyTopup(ctx, invoice)
	case invoicedomain.TypeDidPurchase:
		return s.applyDidPurchase(ctx, invoice, now)
	case invoicedomain.TypeDidRenewal:
		return s.applyDidRenewal(ctx, invoice, now)
	case invoicedomain.TypeStandard:
		return s.audit.Record(ctx, auditdomain.Entry{
			Action:     "invoice.paid",
			EntityType: "invoice",
			EntityID:   strconv.FormatInt(int64(invoice.ID), 10),
			Metadata: map[string]any{
				"invoice_type": invoice.Type,
				"amount_cents": invoice.Amount(),
			},
		})
	default:
		return fmt.Errorf("%w: %q", invoicedomain.ErrUnknownInvoiceType, invoice.Type)
	}
}

func (s *Service) applyTopup(ctx context.Context, invoice *invoicedomain.Invoice) error {
	amount := invoice.Amount()
	if amount <= 0 {
		return fmt.Errorf("%w: topup invoice %d has amount %d", invoicedomain.ErrInvalidAmount, invoice.ID, amount)
	}
	id := invoice.ID
	return s.rating.IncrementBalance(ctx, invoice.CompanyID, amount, "balance_topup", &id)
}

// applyDidPurchase confirms the assignment for the paid number. The
// confirmation is normally already done at approval time; calling it again
// covers deliveries that arrive before or instead of the approval flow, and
// is a no-op when the DID is already assigned to the same company.
func (s *Service) applyDidPurchase(ctx context.Context, invoice *invoicedomain.Invoice, now time.Time) error {
	ddi, err := s.linkedDdi(ctx, invoice)
	if err != nil {
		return err
	}
	return s.ddi.ConfirmAssignment(ctx, ddi.ID, invoice.CompanyID, now)
}

// applyDidRenewal extends the paid period: the next renewal date advances
// one month from the current date, or from now when the date was never set.
func (s *Service) applyDidRenewal(ctx context.Context, invoice *invoicedomain.Invoice, now time.Time) error {
	ddi, err := s.linkedDdi(ctx, invoice)
	if err != nil {
		return err
	}

	base := now
	if ddi.NextRenewalAt != nil {
		base = *ddi.NextRenewalAt
	}
	return s.ddi.AdvanceRenewal(ctx, ddi.ID, base.AddDate(0, 1, 0))
}

func (s *Service) linkedDdi(ctx context.Context, invoice *invoicedomain.Invoice) (*ddidomain.Ddi, error) {
	if invoice.DdiID == nil {
		return nil, fmt.Errorf("%w: invoice %d", ErrNoDdiLinked, invoice.ID)
	}
	ddi, err := s.ddi.GetByID(ctx, *invoice.DdiID)
	if err != nil {
		return nil, err
	}
	if ddi.CompanyID == nil || *ddi.CompanyID != invoice.CompanyID {
		return nil, fmt.Errorf("%w: invoice %d ddi %d", ErrCompanyMismatch, invoice.ID, ddi.ID)
	}
	return ddi, nil
}
