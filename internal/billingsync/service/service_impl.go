package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	syncdomain "github.com/smallbiznis/numera/internal/billingsync/domain"
	"github.com/smallbiznis/numera/internal/clock"
	companydomain "github.com/smallbiznis/numera/internal/company/domain"
	"github.com/smallbiznis/numera/internal/config"
	invoicedomain "github.com/smallbiznis/numera/internal/invoice/domain"
	"github.com/smallbiznis/numera/internal/observability/metrics"
	"github.com/smallbiznis/numera/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	Config config.Config
	Client syncdomain.Client
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	clock  clock.Clock
	dueIn  time.Duration
	client syncdomain.Client

	invoicerepo repository.Repository[invoicedomain.Invoice]
	companyrepo repository.Repository[companydomain.Company]
}

func NewService(p Params) syncdomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("billingsync.service"),
		clock:  p.Clock,
		dueIn:  p.Config.InvoiceDueIn,
		client: p.Client,

		invoicerepo: repository.ProvideStore[invoicedomain.Invoice](p.DB),
		companyrepo: repository.ProvideStore[companydomain.Company](p.DB),
	}
}

// syncOutcome mirrors the metric result label for one attempt.
type syncOutcome string

const (
	outcomeSynced        syncOutcome = metrics.SyncResultSynced
	outcomeRetry         syncOutcome = metrics.SyncResultRetry
	outcomeFailed        syncOutcome = metrics.SyncResultFailed
	outcomeNotApplicable syncOutcome = metrics.SyncResultNotApplicable
	outcomeNoop          syncOutcome = "noop"
)

func (s *Service) SyncInvoice(ctx context.Context, invoiceID snowflake.ID) error {
	_, err := s.syncOne(ctx, invoiceID, s.clock.Now())
	return err
}

// syncOne performs a single push attempt. Synced and not-applicable invoices
// are silent no-ops so redundant dispatches and admin retries stay safe. The
// attempt itself is single-flight: bumping next_sync_at under the pending
// guard claims the invoice, and a worker that misses the claim backs off
// without calling the API.
func (s *Service) syncOne(ctx context.Context, invoiceID snowflake.ID, now time.Time) (syncOutcome, error) {
	invoice, err := s.invoicerepo.FindOne(ctx, &invoicedomain.Invoice{ID: invoiceID})
	if err != nil {
		return outcomeNoop, err
	}
	if invoice == nil {
		return outcomeNoop, invoicedomain.ErrInvoiceNotFound
	}

	switch invoice.SyncStatus {
	case invoicedomain.SyncSynced, invoicedomain.SyncNotApplicable:
		return outcomeNoop, nil
	}

	claim := s.db.WithContext(ctx).Exec(
		`UPDATE invoices SET next_sync_at = ?, updated_at = ?
		 WHERE id = ? AND sync_status = ? AND (next_sync_at IS NULL OR next_sync_at <= ?)`,
		now.Add(syncdomain.ClaimLease).UTC(),
		now.UTC(),
		invoice.ID,
		invoicedomain.SyncPending,
		now.UTC(),
	)
	if claim.Error != nil {
		return outcomeNoop, claim.Error
	}
	if claim.RowsAffected == 0 {
		// another worker holds the claim, or the invoice is no longer due
		return outcomeNoop, nil
	}

	company, err := s.companyrepo.FindOne(ctx, &companydomain.Company{ID: invoice.CompanyID})
	if err != nil {
		return outcomeNoop, err
	}
	if company == nil {
		return outcomeNoop, companydomain.ErrCompanyNotFound
	}

	if !company.LinkedToBilling() || !syncable(invoice.Type, company.BillingMethod) {
		if err := s.markNotApplicable(ctx, invoice.ID, now); err != nil {
			return outcomeNoop, err
		}
		metrics.Engine().IncSyncAttempt(metrics.SyncResultNotApplicable)
		return outcomeNotApplicable, nil
	}

	externalID, callErr := s.client.CreateInvoice(ctx, syncdomain.CreateInvoiceRequest{
		LocalInvoiceID:    invoice.ID,
		ExternalCompanyID: *company.ExternalBillingID,
		Description:       invoice.Description,
		AmountCents:       invoice.Amount(),
		IssuedAt:          invoice.CreatedAt,
		DueAt:             now.Add(s.dueIn),
	})
	if callErr == nil {
		return s.recordSuccess(ctx, invoice.ID, externalID, now)
	}
	return s.recordFailure(ctx, invoice, callErr, now)
}

// syncable reports whether this invoice type propagates externally for the
// company's billing method. Upfront payers push per-event charges; postpaid
// companies only push consolidated invoices.
func syncable(t invoicedomain.InvoiceType, method companydomain.BillingMethod) bool {
	if method.PaysUpfront() {
		switch t {
		case invoicedomain.TypeDidPurchase, invoicedomain.TypeDidRenewal, invoicedomain.TypeBalanceTopup:
			return true
		}
		return false
	}
	return t == invoicedomain.TypeStandard
}

func (s *Service) markNotApplicable(ctx context.Context, id snowflake.ID, now time.Time) error {
	return s.db.WithContext(ctx).Exec(
		`UPDATE invoices SET sync_status = ?, next_sync_at = NULL, updated_at = ? WHERE id = ? AND sync_status IN (?, ?)`,
		invoicedomain.SyncNotApplicable,
		now.UTC(),
		id,
		invoicedomain.SyncPending,
		invoicedomain.SyncFailed,
	).Error
}

// recordSuccess links the external invoice. The status guard keeps a
// concurrent duplicate push from overwriting an already-synced row.
func (s *Service) recordSuccess(ctx context.Context, id snowflake.ID, externalID string, now time.Time) (syncOutcome, error) {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET sync_status = ?, external_invoice_id = ?, sync_error = NULL, next_sync_at = NULL, updated_at = ?
		 WHERE id = ? AND sync_status IN (?, ?)`,
		invoicedomain.SyncSynced,
		externalID,
		now.UTC(),
		id,
		invoicedomain.SyncPending,
		invoicedomain.SyncFailed,
	)
	if result.Error != nil {
		return outcomeNoop, result.Error
	}
	metrics.Engine().IncSyncAttempt(metrics.SyncResultSynced)
	s.log.Info("invoice synced",
		zap.Int64("invoice_id", int64(id)),
		zap.String("external_invoice_id", externalID))
	return outcomeSynced, nil
}

// recordFailure persists the attempt count and the next deadline so the
// backoff chain resumes after a restart. A permanent rejection or an
// exhausted chain parks the invoice in failed.
func (s *Service) recordFailure(ctx context.Context, invoice *invoicedomain.Invoice, callErr error, now time.Time) (syncOutcome, error) {
	attempts := invoice.SyncAttempts + 1
	msg := callErr.Error()
	if len(msg) > 1024 {
		msg = msg[:1024]
	}

	if !syncdomain.IsRetryable(callErr) || attempts >= syncdomain.MaxSyncAttempts {
		err := s.db.WithContext(ctx).Exec(
			`UPDATE invoices
			 SET sync_status = ?, sync_attempts = ?, sync_error = ?, next_sync_at = NULL, updated_at = ?
			 WHERE id = ?`,
			invoicedomain.SyncFailed,
			attempts,
			msg,
			now.UTC(),
			invoice.ID,
		).Error
		if err != nil {
			return outcomeNoop, err
		}
		metrics.Engine().IncSyncAttempt(metrics.SyncResultFailed)
		s.log.Error("invoice sync failed permanently",
			zap.Int64("invoice_id", int64(invoice.ID)),
			zap.Int("attempts", attempts),
			zap.Error(callErr))
		return outcomeFailed, nil
	}

	nextAt := now.Add(syncdomain.BackoffDelay(attempts)).UTC()
	err := s.db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET sync_status = ?, sync_attempts = ?, sync_error = ?, next_sync_at = ?, updated_at = ?
		 WHERE id = ?`,
		invoicedomain.SyncPending,
		attempts,
		msg,
		nextAt,
		now.UTC(),
		invoice.ID,
	).Error
	if err != nil {
		return outcomeNoop, err
	}
	metrics.Engine().IncSyncAttempt(metrics.SyncResultRetry)
	s.log.Warn("invoice sync attempt failed, scheduled retry",
		zap.Int64("invoice_id", int64(invoice.ID)),
		zap.Int("attempts", attempts),
		zap.Time("next_sync_at", nextAt),
		zap.Error(callErr))
	return outcomeRetry, nil
}

// ProcessDue pushes every pending invoice whose deadline has passed. Units
// are isolated so one bad invoice cannot stall the queue.
func (s *Service) ProcessDue(ctx context.Context, now time.Time) (syncdomain.ProcessResult, error) {
	var res syncdomain.ProcessResult

	metrics.Engine().IncJobRun("billing_sync")

	var ids []snowflake.ID
	err := s.db.WithContext(ctx).
		Table("invoices").
		Where("sync_status = ?", invoicedomain.SyncPending).
		Where("next_sync_at IS NULL OR next_sync_at <= ?", now.UTC()).
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return res, err
	}

	var errs []error
	for _, id := range ids {
		res.Attempted++
		outcome, err := s.syncOne(ctx, id, now)
		if err != nil {
			res.Errors++
			metrics.Engine().IncJobError("billing_sync")
			errs = append(errs, fmt.Errorf("invoice %d: %w", id, err))
			continue
		}
		switch outcome {
		case outcomeSynced:
			res.Synced++
		case outcomeRetry:
			res.Retried++
		case outcomeFailed:
			res.Failed++
		}
	}

	s.log.Info("billing sync sweep finished",
		zap.Int("attempted", res.Attempted),
		zap.Int("synced", res.Synced),
		zap.Int("retried", res.Retried),
		zap.Int("failed", res.Failed),
		zap.Int("errors", res.Errors))
	return res, errors.Join(errs...)
}

// RetryFailed re-arms a parked invoice and attempts it immediately.
func (s *Service) RetryFailed(ctx context.Context, invoiceID snowflake.ID) error {
	now := s.clock.Now()
	result := s.db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET sync_status = ?, sync_attempts = 0, sync_error = NULL, next_sync_at = ?, updated_at = ?
		 WHERE id = ? AND sync_status = ?`,
		invoicedomain.SyncPending,
		now.UTC(),
		now.UTC(),
		invoiceID,
		invoicedomain.SyncFailed,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		invoice, err := s.invoicerepo.FindOne(ctx, &invoicedomain.Invoice{ID: invoiceID})
		if err != nil {
			return err
		}
		if invoice == nil {
			return invoicedomain.ErrInvoiceNotFound
		}
		return syncdomain.ErrNotSyncable
	}
	_, err := s.syncOne(ctx, invoiceID, now)
	return err
}
