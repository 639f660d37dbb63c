package renewal_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	companydomain "github.com/smallbiznis/numera/internal/company/domain"
	ddidomain "github.com/smallbiznis/numera/internal/ddi/domain"
	ddiservice "github.com/smallbiznis/numera/internal/ddi/service"
	invoicedomain "github.com/smallbiznis/numera/internal/invoice/domain"
	invoiceservice "github.com/smallbiznis/numera/internal/invoice/service"
	"github.com/smallbiznis/numera/internal/rating"
	"github.com/smallbiznis/numera/internal/renewal"
	"github.com/smallbiznis/numera/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var numberSeq atomic.Int64

func nextNumber() string {
	return fmt.Sprintf("+314%09d", numberSeq.Add(1))
}

type fixture struct {
	conn *gorm.DB
	node *snowflake.Node
	svc  *renewal.Service
}

func setup(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.OpenSQLiteForTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&companydomain.Brand{},
		&companydomain.Company{},
		&companydomain.BalanceMovement{},
		&ddidomain.Ddi{},
		&invoicedomain.Invoice{},
	))

	node, err := snowflake.NewNode(6)
	require.NoError(t, err)
	log := zap.NewNop()

	ddiSvc := ddiservice.NewService(ddiservice.Params{DB: conn, Log: log, GenID: node})
	invoiceSvc := invoiceservice.NewService(invoiceservice.Params{DB: conn, Log: log, GenID: node})
	ratingSvc := rating.NewService(rating.Params{DB: conn, Log: log, GenID: node})

	svc := renewal.NewService(renewal.Params{
		DB:       conn,
		Log:      log,
		Invoices: invoiceSvc,
		Ddi:      ddiSvc,
		Rating:   ratingSvc,
	})
	return &fixture{conn: conn, node: node, svc: svc}
}

func (f *fixture) seedBrand(t *testing.T, mode companydomain.RenewalMode) *companydomain.Brand {
	t.Helper()
	brand := &companydomain.Brand{
		ID:             f.node.Generate(),
		Name:           "Brand",
		DidRenewalMode: mode,
	}
	require.NoError(t, f.conn.Create(brand).Error)
	return brand
}

func (f *fixture) seedCompany(t *testing.T, brand *companydomain.Brand, balance int64, mutate func(*companydomain.Company)) *companydomain.Company {
	t.Helper()
	externalID := "cust-" + f.node.Generate().String()
	company := &companydomain.Company{
		ID:                f.node.Generate(),
		BrandID:           brand.ID,
		Name:              "Renewals BV",
		Email:             "renewals@test.example",
		BillingMethod:     companydomain.BillingMethodPrepaid,
		BalanceCents:      balance,
		ExternalBillingID: &externalID,
	}
	if mutate != nil {
		mutate(company)
	}
	require.NoError(t, f.conn.Create(company).Error)
	return company
}

func (f *fixture) seedAssignedDdi(t *testing.T, company *companydomain.Company, monthly int64, nextRenewal time.Time) *ddidomain.Ddi {
	t.Helper()
	now := time.Now().UTC()
	assigned := nextRenewal.AddDate(0, -1, 0)
	ddi := &ddidomain.Ddi{
		ID:                f.node.Generate(),
		Number:            nextNumber(),
		BrandID:           company.BrandID,
		Status:            ddidomain.StatusAssigned,
		CompanyID:         &company.ID,
		MonthlyPriceCents: monthly,
		NextRenewalAt:     &nextRenewal,
		AssignedAt:        &assigned,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, f.conn.Create(ddi).Error)
	return ddi
}

func (f *fixture) reloadDdi(t *testing.T, id snowflake.ID) *ddidomain.Ddi {
	t.Helper()
	var ddi ddidomain.Ddi
	require.NoError(t, f.conn.First(&ddi, "id = ?", id).Error)
	return &ddi
}

func (f *fixture) reloadCompany(t *testing.T, id snowflake.ID) *companydomain.Company {
	t.Helper()
	var company companydomain.Company
	require.NoError(t, f.conn.First(&company, "id = ?", id).Error)
	return &company
}

func (f *fixture) run(t *testing.T, date time.Time, companyID snowflake.ID) renewal.RunResult {
	t.Helper()
	res, err := f.svc.Run(context.Background(), renewal.RunRequest{Date: date, CompanyID: &companyID})
	require.NoError(t, err)
	return res
}

func TestRunRenewsFromBalancePerDid(t *testing.T) {
	f := setup(t)
	brand := f.seedBrand(t, companydomain.RenewalModePerDid)
	company := f.seedCompany(t, brand, 3000, nil)

	due := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	a := f.seedAssignedDdi(t, company, 2250, due)
	b := f.seedAssignedDdi(t, company, 300, due)

	res := f.run(t, time.Date(2026, 1, 15, 6, 0, 0, 0, time.UTC), company.ID)
	assert.Equal(t, 1, res.CompaniesProcessed)
	assert.Equal(t, 2, res.DidsRenewedBalance)
	assert.Equal(t, 0, res.DidsInvoiced)
	assert.Equal(t, int64(2550), res.BalanceAmountCents)
	assert.True(t, res.OK())

	// one deduction for the whole company
	assert.Equal(t, int64(450), f.reloadCompany(t, company.ID).BalanceCents)
	var movements []companydomain.BalanceMovement
	require.NoError(t, f.conn.Find(&movements, "company_id = ?", company.ID).Error)
	require.Len(t, movements, 1)
	assert.Equal(t, int64(-2550), movements[0].AmountCents)

	// each number advances by its own anniversary
	wantNext := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)
	for _, id := range []snowflake.ID{a.ID, b.ID} {
		got := f.reloadDdi(t, id)
		require.NotNil(t, got.NextRenewalAt)
		assert.True(t, got.NextRenewalAt.Equal(wantNext), "ddi %d: got %v", id, got.NextRenewalAt)
	}

	// balance-paid renewals settle at creation and never sync
	var invoices []invoicedomain.Invoice
	require.NoError(t, f.conn.Find(&invoices, "company_id = ?", company.ID).Error)
	require.Len(t, invoices, 2)
	for _, inv := range invoices {
		assert.Equal(t, invoicedomain.TypeDidRenewal, inv.Type)
		assert.Equal(t, invoicedomain.StatusPaid, inv.Status)
		assert.Equal(t, invoicedomain.SyncNotApplicable, inv.SyncStatus)
	}
}

func TestRunConsolidatedAdvancesToAnchor(t *testing.T) {
	f := setup(t)
	brand := f.seedBrand(t, companydomain.RenewalModeConsolidated)
	anchor := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	company := f.seedCompany(t, brand, 5000, func(c *companydomain.Company) {
		c.DidRenewalAnchor = &anchor
	})

	ddi := f.seedAssignedDdi(t, company, 300, time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC))

	res := f.run(t, time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC), company.ID)
	assert.Equal(t, 1, res.DidsRenewedBalance)

	got := f.reloadDdi(t, ddi.ID)
	require.NotNil(t, got.NextRenewalAt)
	assert.True(t, got.NextRenewalAt.Equal(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)),
		"expected anchor+1mo, got %v", got.NextRenewalAt)
}

func TestRunConsolidatedWithoutAnchorFallsBackToPerDid(t *testing.T) {
	f := setup(t)
	brand := f.seedBrand(t, companydomain.RenewalModeConsolidated)
	company := f.seedCompany(t, brand, 5000, nil)

	ddi := f.seedAssignedDdi(t, company, 300, time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC))

	f.run(t, time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC), company.ID)

	got := f.reloadDdi(t, ddi.ID)
	require.NotNil(t, got.NextRenewalAt)
	assert.True(t, got.NextRenewalAt.Equal(time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)),
		"expected own anniversary+1mo, got %v", got.NextRenewalAt)
}

func TestRunInsufficientBalanceFallsBackToInvoice(t *testing.T) {
	f := setup(t)
	brand := f.seedBrand(t, companydomain.RenewalModePerDid)
	company := f.seedCompany(t, brand, 1000, nil)

	due := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	a := f.seedAssignedDdi(t, company, 2250, due)
	b := f.seedAssignedDdi(t, company, 300, due)

	res := f.run(t, time.Date(2026, 1, 15, 6, 0, 0, 0, time.UTC), company.ID)
	assert.Equal(t, 0, res.DidsRenewedBalance)
	assert.Equal(t, 2, res.DidsInvoiced)
	assert.Equal(t, int64(2550), res.InvoicedAmountCents)

	// nothing deducted, dates untouched until payment confirms
	assert.Equal(t, int64(1000), f.reloadCompany(t, company.ID).BalanceCents)
	for _, id := range []snowflake.ID{a.ID, b.ID} {
		got := f.reloadDdi(t, id)
		require.NotNil(t, got.NextRenewalAt)
		assert.True(t, got.NextRenewalAt.Equal(due), "expected date untouched, got %v", got.NextRenewalAt)
	}

	var invoices []invoicedomain.Invoice
	require.NoError(t, f.conn.Find(&invoices, "company_id = ?", company.ID).Error)
	require.Len(t, invoices, 2)
	for _, inv := range invoices {
		assert.Equal(t, invoicedomain.StatusCreated, inv.Status)
		assert.Equal(t, invoicedomain.SyncPending, inv.SyncStatus)
	}
}

func TestRunDoesNotReinvoiceOutstandingCycle(t *testing.T) {
	f := setup(t)
	brand := f.seedBrand(t, companydomain.RenewalModePerDid)
	company := f.seedCompany(t, brand, 0, nil)
	ddi := f.seedAssignedDdi(t, company, 300, time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC))

	date := time.Date(2026, 4, 15, 6, 0, 0, 0, time.UTC)
	first := f.run(t, date, company.ID)
	assert.Equal(t, 1, first.DidsInvoiced)

	// the unpaid invoice keeps the cycle out of the next sweep
	second := f.run(t, date, company.ID)
	assert.Zero(t, second.DidsInvoiced)
	assert.Zero(t, second.CompaniesProcessed)

	// and out of the next day's as well
	third := f.run(t, date.AddDate(0, 0, 1), company.ID)
	assert.Zero(t, third.DidsInvoiced)

	var count int64
	require.NoError(t, f.conn.Model(&invoicedomain.Invoice{}).
		Where("ddi_id = ?", ddi.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
	assert.True(t, f.reloadDdi(t, ddi.ID).NextRenewalAt.Equal(time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC)))
}

func TestRunSelectsOnlyDueAndEligible(t *testing.T) {
	f := setup(t)
	brand := f.seedBrand(t, companydomain.RenewalModePerDid)
	company := f.seedCompany(t, brand, 10_000, nil)

	// this sweep runs unfiltered, so its dates live in a year no other test
	// touches
	cutoff := time.Date(2025, 6, 15, 6, 0, 0, 0, time.UTC)
	due := f.seedAssignedDdi(t, company, 300, time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC))
	notDue := f.seedAssignedDdi(t, company, 300, time.Date(2025, 7, 15, 0, 0, 0, 0, time.UTC))
	free := f.seedAssignedDdi(t, company, 0, time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC))

	// unlinked companies are skipped entirely
	unlinked := f.seedCompany(t, brand, 10_000, func(c *companydomain.Company) {
		c.ExternalBillingID = nil
	})
	skipped := f.seedAssignedDdi(t, unlinked, 300, time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC))

	res, err := f.svc.Run(context.Background(), renewal.RunRequest{Date: cutoff})
	require.NoError(t, err)
	assert.Equal(t, 1, res.CompaniesProcessed)
	assert.Equal(t, 1, res.DidsRenewedBalance)

	assert.True(t, f.reloadDdi(t, due.ID).NextRenewalAt.Equal(time.Date(2025, 7, 15, 0, 0, 0, 0, time.UTC)))
	assert.True(t, f.reloadDdi(t, notDue.ID).NextRenewalAt.Equal(time.Date(2025, 7, 15, 0, 0, 0, 0, time.UTC)))
	assert.True(t, f.reloadDdi(t, free.ID).NextRenewalAt.Equal(time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)))
	assert.True(t, f.reloadDdi(t, skipped.ID).NextRenewalAt.Equal(time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)))
}

func TestRunDryRunReportsWithoutMutating(t *testing.T) {
	f := setup(t)
	brand := f.seedBrand(t, companydomain.RenewalModePerDid)
	company := f.seedCompany(t, brand, 3000, nil)
	ddi := f.seedAssignedDdi(t, company, 300, time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC))

	res, err := f.svc.Run(context.Background(), renewal.RunRequest{
		Date:      time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC),
		DryRun:    true,
		CompanyID: &company.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.DidsRenewedBalance)
	assert.Equal(t, int64(300), res.BalanceAmountCents)

	assert.Equal(t, int64(3000), f.reloadCompany(t, company.ID).BalanceCents)
	assert.True(t, f.reloadDdi(t, ddi.ID).NextRenewalAt.Equal(time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)))

	var count int64
	require.NoError(t, f.conn.Model(&invoicedomain.Invoice{}).Where("company_id = ?", company.ID).Count(&count).Error)
	assert.Zero(t, count)
}
