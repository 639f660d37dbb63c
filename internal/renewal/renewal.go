// Package renewal runs the daily DID renewal batch. Companies that pay
// upfront and are linked to external billing get their due numbers renewed
// from balance when it covers the total, or invoiced externally otherwise.
package renewal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/numera/internal/billingpolicy"
	companydomain "github.com/smallbiznis/numera/internal/company/domain"
	ddidomain "github.com/smallbiznis/numera/internal/ddi/domain"
	invoicedomain "github.com/smallbiznis/numera/internal/invoice/domain"
	"github.com/smallbiznis/numera/internal/observability/metrics"
	"github.com/smallbiznis/numera/internal/rating"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RunRequest parameterizes one batch run. Date is the renewal cutoff, so
// backfills can replay a past day deterministically.
type RunRequest struct {
	Date      time.Time
	DryRun    bool
	CompanyID *snowflake.ID
}

// RunResult summarizes one batch run. OK iff Errors == 0, even when some
// companies succeeded.
type RunResult struct {
	CompaniesProcessed  int   `json:"companies_processed"`
	DidsRenewedBalance  int   `json:"dids_renewed_balance"`
	DidsInvoiced        int   `json:"dids_invoiced"`
	BalanceAmountCents  int64 `json:"balance_amount_cents"`
	InvoicedAmountCents int64 `json:"invoiced_amount_cents"`
	Errors              int   `json:"errors"`
}

func (r RunResult) OK() bool { return r.Errors == 0 }

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Invoices invoicedomain.Service
	Ddi      ddidomain.Service
	Rating   rating.Client
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	invoices invoicedomain.Service
	ddi      ddidomain.Service
	rating   rating.Client
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("renewal.service"),
		invoices: p.Invoices,
		ddi:      p.Ddi,
		rating:   p.Rating,
	}
}

// dueDdi is one assigned number whose renewal date has passed, joined with
// the billing context needed to settle it.
type dueDdi struct {
	DdiID             snowflake.ID
	Number            string
	BrandID           snowflake.ID
	MonthlyPriceCents int64
	NextRenewalAt     time.Time
	CompanyID         snowflake.ID
	BalanceCents      int64
	BillingMethod     companydomain.BillingMethod
	DidRenewalAnchor  *time.Time
	DidRenewalMode    companydomain.RenewalMode
}

// Run executes one renewal sweep. Companies are isolated units: a failure
// inside one increments the error counter and the sweep continues.
func (s *Service) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	var res RunResult
	cutoff := req.Date.UTC()

	metrics.Engine().IncJobRun("did_renewal")

	due, err := s.queryDue(ctx, cutoff, req.CompanyID)
	if err != nil {
		return res, err
	}

	byCompany := make(map[snowflake.ID][]dueDdi)
	for _, d := range due {
		byCompany[d.CompanyID] = append(byCompany[d.CompanyID], d)
	}
	companyIDs := make([]snowflake.ID, 0, len(byCompany))
	for id := range byCompany {
		companyIDs = append(companyIDs, id)
	}
	sort.Slice(companyIDs, func(i, j int) bool { return companyIDs[i] < companyIDs[j] })

	var errs []error
	for _, companyID := range companyIDs {
		res.CompaniesProcessed++
		if err := s.renewCompany(ctx, byCompany[companyID], req.DryRun, &res); err != nil {
			res.Errors++
			metrics.Engine().IncJobError("did_renewal")
			errs = append(errs, fmt.Errorf("company %d: %w", companyID, err))
		}
	}

	s.log.Info("renewal sweep finished",
		zap.Time("date", cutoff),
		zap.Bool("dry_run", req.DryRun),
		zap.Int("companies_processed", res.CompaniesProcessed),
		zap.Int("dids_renewed_balance", res.DidsRenewedBalance),
		zap.Int("dids_invoiced", res.DidsInvoiced),
		zap.Int64("balance_amount_cents", res.BalanceAmountCents),
		zap.Int64("invoiced_amount_cents", res.InvoicedAmountCents),
		zap.Int("errors", res.Errors))
	return res, errors.Join(errs...)
}

func (s *Service) queryDue(ctx context.Context, cutoff time.Time, companyID *snowflake.ID) ([]dueDdi, error) {
	query := s.db.WithContext(ctx).
		Table("ddis").
		Select(`ddis.id AS ddi_id,
			ddis.number AS number,
			ddis.brand_id AS brand_id,
			ddis.monthly_price_cents AS monthly_price_cents,
			ddis.next_renewal_at AS next_renewal_at,
			companies.id AS company_id,
			companies.balance_cents AS balance_cents,
			companies.billing_method AS billing_method,
			companies.did_renewal_anchor AS did_renewal_anchor,
			brands.did_renewal_mode AS did_renewal_mode`).
		Joins("JOIN companies ON companies.id = ddis.company_id").
		Joins("JOIN brands ON brands.id = companies.brand_id").
		Where("ddis.status = ?", ddidomain.StatusAssigned).
		Where("ddis.monthly_price_cents > 0").
		Where("ddis.next_renewal_at <= ?", cutoff).
		Where("companies.billing_method IN (?, ?)", companydomain.BillingMethodPrepaid, companydomain.BillingMethodPseudoprepaid).
		Where("companies.external_billing_id IS NOT NULL AND companies.external_billing_id <> ''").
		// a cycle that is already invoiced and awaiting payment is not billed
		// again; the paid handler advances the date and reopens eligibility
		Where(`NOT EXISTS (SELECT 1 FROM invoices
			WHERE invoices.ddi_id = ddis.id
			  AND invoices.invoice_type = ?
			  AND invoices.status = ?)`,
			invoicedomain.TypeDidRenewal, invoicedomain.StatusCreated).
		Order("ddis.id")
	if companyID != nil {
		query = query.Where("companies.id = ?", *companyID)
	}

	var due []dueDdi
	if err := query.Scan(&due).Error; err != nil {
		return nil, err
	}
	return due, nil
}

func (s *Service) renewCompany(ctx context.Context, dids []dueDdi, dryRun bool, res *RunResult) error {
	company := companydomain.Company{
		ID:            dids[0].CompanyID,
		BillingMethod: dids[0].BillingMethod,
		BalanceCents:  dids[0].BalanceCents,
	}

	var total int64
	for _, d := range dids {
		total += d.MonthlyPriceCents
	}

	decision := billingpolicy.Decide(company, total)
	if dryRun {
		if decision == billingpolicy.PayFromBalance {
			res.DidsRenewedBalance += len(dids)
			res.BalanceAmountCents += total
		} else {
			res.DidsInvoiced += len(dids)
			res.InvoicedAmountCents += total
		}
		return nil
	}

	if decision == billingpolicy.PayFromBalance {
		return s.renewFromBalance(ctx, company, dids, total, res)
	}
	return s.renewViaInvoice(ctx, dids, res)
}

// renewFromBalance deducts the full amount once, then records one paid
// invoice per number and advances its date. The deduction's own balance
// guard re-checks affordability, so a concurrent spend simply falls through
// to the invoice path.
func (s *Service) renewFromBalance(ctx context.Context, company companydomain.Company, dids []dueDdi, total int64, res *RunResult) error {
	err := s.rating.DeductBalance(ctx, company.ID, total, "did_renewal", nil)
	if errors.Is(err, companydomain.ErrInsufficientBalance) {
		return s.renewViaInvoice(ctx, dids, res)
	}
	if err != nil {
		return err
	}

	var errs []error
	for _, d := range dids {
		ddiID := d.DdiID
		if _, err := s.invoices.Create(ctx, invoicedomain.NewInvoice{
			CompanyID:   company.ID,
			BrandID:     d.BrandID,
			DdiID:       &ddiID,
			Type:        invoicedomain.TypeDidRenewal,
			Description: fmt.Sprintf("DID Monthly Rental - %s", d.Number),
			TotalCents:  d.MonthlyPriceCents,
			Paid:        true,
		}); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.ddi.AdvanceRenewal(ctx, d.DdiID, nextDate(d)); err != nil {
			errs = append(errs, err)
			continue
		}
		res.DidsRenewedBalance++
		res.BalanceAmountCents += d.MonthlyPriceCents
		metrics.Engine().IncRenewal(metrics.RenewalOutcomeBalance, d.MonthlyPriceCents)
	}
	return errors.Join(errs...)
}

// renewViaInvoice defers settlement to external billing. The renewal date is
// deliberately left untouched here; the paid-invoice handler advances it
// once payment confirms, so a cycle is never advanced twice.
func (s *Service) renewViaInvoice(ctx context.Context, dids []dueDdi, res *RunResult) error {
	var errs []error
	for _, d := range dids {
		ddiID := d.DdiID
		if _, err := s.invoices.Create(ctx, invoicedomain.NewInvoice{
			CompanyID:   d.CompanyID,
			BrandID:     d.BrandID,
			DdiID:       &ddiID,
			Type:        invoicedomain.TypeDidRenewal,
			Description: fmt.Sprintf("DID Monthly Rental - %s", d.Number),
			TotalCents:  d.MonthlyPriceCents,
		}); err != nil {
			errs = append(errs, err)
			continue
		}
		res.DidsInvoiced++
		res.InvoicedAmountCents += d.MonthlyPriceCents
		metrics.Engine().IncRenewal(metrics.RenewalOutcomeInvoiced, d.MonthlyPriceCents)
	}
	return errors.Join(errs...)
}

// nextDate computes the renewed date: the DID's own anniversary plus one
// month in per_did mode, the company anchor plus one month in consolidated
// mode. A consolidated company without an anchor falls back to per_did.
func nextDate(d dueDdi) time.Time {
	if d.DidRenewalMode == companydomain.RenewalModeConsolidated && d.DidRenewalAnchor != nil {
		return d.DidRenewalAnchor.AddDate(0, 1, 0)
	}
	return d.NextRenewalAt.AddDate(0, 1, 0)
}
