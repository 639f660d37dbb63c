package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	ddidomain "github.com/smallbiznis/numera/internal/ddi/domain"
	ddiservice "github.com/smallbiznis/numera/internal/ddi/service"
	"github.com/smallbiznis/numera/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var numberSeq atomic.Int64

func nextNumber() string {
	return fmt.Sprintf("+312%09d", numberSeq.Add(1))
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := db.OpenSQLiteForTest()
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := conn.AutoMigrate(&ddidomain.Ddi{}, &ddidomain.SuspensionLog{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func newService(t *testing.T, conn *gorm.DB) (ddidomain.Service, *snowflake.Node) {
	t.Helper()
	node, err := snowflake.NewNode(2)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	svc := ddiservice.NewService(ddiservice.Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
	})
	return svc, node
}

func seedDdi(t *testing.T, conn *gorm.DB, node *snowflake.Node, mutate func(*ddidomain.Ddi)) *ddidomain.Ddi {
	t.Helper()
	now := time.Now().UTC()
	ddi := &ddidomain.Ddi{
		ID:                node.Generate(),
		Number:            nextNumber(),
		BrandID:           node.Generate(),
		Status:            ddidomain.StatusAvailable,
		MonthlyPriceCents: 300,
		SetupPriceCents:   100,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if mutate != nil {
		mutate(ddi)
	}
	if err := conn.Create(ddi).Error; err != nil {
		t.Fatalf("seed ddi: %v", err)
	}
	return ddi
}

func reloadDdi(t *testing.T, conn *gorm.DB, id snowflake.ID) *ddidomain.Ddi {
	t.Helper()
	var ddi ddidomain.Ddi
	if err := conn.First(&ddi, "id = ?", id).Error; err != nil {
		t.Fatalf("reload ddi: %v", err)
	}
	return &ddi
}

func TestReserveHoldsAvailableDdi(t *testing.T) {
	ctx := context.Background()
	conn := setupTestDB(t)
	svc, node := newService(t, conn)

	ddi := seedDdi(t, conn, node, nil)
	companyID := node.Generate()
	until := time.Now().UTC().Add(48 * time.Hour)

	if err := svc.Reserve(ctx, ddi.ID, companyID, until); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	got := reloadDdi(t, conn, ddi.ID)
	if got.Status != ddidomain.StatusReserved {
		t.Fatalf("expected reserved, got %s", got.Status)
	}
	if got.ReservedForCompanyID == nil || *got.ReservedForCompanyID != companyID {
		t.Fatalf("expected reservation for %d", companyID)
	}
	if got.ReservedUntil == nil {
		t.Fatal("expected reserved_until set")
	}
}

func TestReserveConflictIsMutuallyExclusive(t *testing.T) {
	ctx := context.Background()
	conn := setupTestDB(t)
	svc, node := newService(t, conn)

	ddi := seedDdi(t, conn, node, nil)
	until := time.Now().UTC().Add(time.Hour)

	if err := svc.Reserve(ctx, ddi.ID, node.Generate(), until); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	err := svc.Reserve(ctx, ddi.ID, node.Generate(), until)
	if !errors.Is(err, ddidomain.ErrDdiNotAvailable) {
		t.Fatalf("expected ErrDdiNotAvailable, got %v", err)
	}
}

func TestReserveValidatesInput(t *testing.T) {
	ctx := context.Background()
	conn := setupTestDB(t)
	svc, node := newService(t, conn)
	ddi := seedDdi(t, conn, node, nil)

	if err := svc.Reserve(ctx, ddi.ID, 0, time.Now().Add(time.Hour)); !errors.Is(err, ddidomain.ErrInvalidReservation) {
		t.Fatalf("expected ErrInvalidReservation for empty company, got %v", err)
	}
	if err := svc.Reserve(ctx, ddi.ID, node.Generate(), time.Now().Add(-time.Hour)); !errors.Is(err, ddidomain.ErrInvalidReservation) {
		t.Fatalf("expected ErrInvalidReservation for past deadline, got %v", err)
	}
}

func TestConfirmAssignmentConsumesReservation(t *testing.T) {
	ctx := context.Background()
	conn := setupTestDB(t)
	svc, node := newService(t, conn)

	ddi := seedDdi(t, conn, node, nil)
	companyID := node.Generate()
	now := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	if err := svc.Reserve(ctx, ddi.ID, companyID, now.Add(48*time.Hour)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := svc.ConfirmAssignment(ctx, ddi.ID, companyID, now); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	got := reloadDdi(t, conn, ddi.ID)
	if got.Status != ddidomain.StatusAssigned {
		t.Fatalf("expected assigned, got %s", got.Status)
	}
	if got.ReservedForCompanyID != nil || got.ReservedUntil != nil {
		t.Fatal("expected reservation fields cleared")
	}
	if got.NextRenewalAt == nil || !got.NextRenewalAt.Equal(now.AddDate(0, 1, 0)) {
		t.Fatalf("expected next renewal %v, got %v", now.AddDate(0, 1, 0), got.NextRenewalAt)
	}
}

func TestConfirmAssignmentRejectsForeignReservation(t *testing.T) {
	ctx := context.Background()
	conn := setupTestDB(t)
	svc, node := newService(t, conn)

	ddi := seedDdi(t, conn, node, nil)
	owner := node.Generate()
	if err := svc.Reserve(ctx, ddi.ID, owner, time.Now().UTC().Add(time.Hour)); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	err := svc.ConfirmAssignment(ctx, ddi.ID, node.Generate(), time.Now().UTC())
	if !errors.Is(err, ddidomain.ErrOwnershipMismatch) {
		t.Fatalf("expected ErrOwnershipMismatch, got %v", err)
	}
}

func TestConfirmAssignmentIsIdempotentForSameOwner(t *testing.T) {
	ctx := context.Background()
	conn := setupTestDB(t)
	svc, node := newService(t, conn)

	ddi := seedDdi(t, conn, node, nil)
	companyID := node.Generate()
	now := time.Now().UTC()

	if err := svc.ConfirmAssignment(ctx, ddi.ID, companyID, now); err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	if err := svc.ConfirmAssignment(ctx, ddi.ID, companyID, now); err != nil {
		t.Fatalf("expected duplicate confirm to be a no-op, got %v", err)
	}
}

func TestReleaseRecyclesRecordInPlace(t *testing.T) {
	ctx := context.Background()
	conn := setupTestDB(t)
	svc, node := newService(t, conn)

	ddi := seedDdi(t, conn, node, nil)
	companyID := node.Generate()
	if err := svc.ConfirmAssignment(ctx, ddi.ID, companyID, time.Now().UTC()); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := svc.Release(ctx, ddi.ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	got := reloadDdi(t, conn, ddi.ID)
	if got.ID != ddi.ID {
		t.Fatal("expected same record identifier")
	}
	if got.Status != ddidomain.StatusAvailable {
		t.Fatalf("expected available, got %s", got.Status)
	}
	if got.CompanyID != nil || got.NextRenewalAt != nil || got.AssignedAt != nil {
		t.Fatal("expected ownership fields cleared")
	}
}

func TestReleaseFromAvailableIsInvalid(t *testing.T) {
	ctx := context.Background()
	conn := setupTestDB(t)
	svc, node := newService(t, conn)
	ddi := seedDdi(t, conn, node, nil)

	if err := svc.Release(ctx, ddi.ID); !errors.Is(err, ddidomain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestExpireReservationReclaimsLapsedOnly(t *testing.T) {
	ctx := context.Background()
	conn := setupTestDB(t)
	svc, node := newService(t, conn)

	ddi := seedDdi(t, conn, node, nil)
	companyID := node.Generate()
	now := time.Now().UTC()

	if err := svc.Reserve(ctx, ddi.ID, companyID, now.Add(time.Hour)); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// deadline not reached yet
	released, err := svc.ExpireReservation(ctx, ddi.ID, now)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if released {
		t.Fatal("expected no release before the deadline")
	}

	released, err = svc.ExpireReservation(ctx, ddi.ID, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if !released {
		t.Fatal("expected release after the deadline")
	}

	got := reloadDdi(t, conn, ddi.ID)
	if got.Status != ddidomain.StatusAvailable {
		t.Fatalf("expected available, got %s", got.Status)
	}
}

func TestExpireReservationNoopWhenConsumed(t *testing.T) {
	ctx := context.Background()
	conn := setupTestDB(t)
	svc, node := newService(t, conn)

	ddi := seedDdi(t, conn, node, nil)
	companyID := node.Generate()
	now := time.Now().UTC()

	if err := svc.Reserve(ctx, ddi.ID, companyID, now.Add(time.Hour)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := svc.ConfirmAssignment(ctx, ddi.ID, companyID, now); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	released, err := svc.ExpireReservation(ctx, ddi.ID, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
	if released {
		t.Fatal("expected consumed reservation to be left alone")
	}

	got := reloadDdi(t, conn, ddi.ID)
	if got.Status != ddidomain.StatusAssigned {
		t.Fatalf("expected assigned, got %s", got.Status)
	}
}

func TestSuspendUnsuspendWritesLog(t *testing.T) {
	ctx := context.Background()
	conn := setupTestDB(t)
	svc, node := newService(t, conn)

	ddi := seedDdi(t, conn, node, nil)
	companyID := node.Generate()
	now := time.Now().UTC()
	if err := svc.ConfirmAssignment(ctx, ddi.ID, companyID, now); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	if err := svc.Suspend(ctx, ddi.ID, "fraud review", now); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if got := reloadDdi(t, conn, ddi.ID); got.Status != ddidomain.StatusSuspended {
		t.Fatalf("expected suspended, got %s", got.Status)
	}

	// suspend from suspended is a conflict
	if err := svc.Suspend(ctx, ddi.ID, "again", now); !errors.Is(err, ddidomain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	if err := svc.Unsuspend(ctx, ddi.ID, "resolved", now); err != nil {
		t.Fatalf("unsuspend: %v", err)
	}

	var logs []ddidomain.SuspensionLog
	if err := conn.Find(&logs, "ddi_id = ?", ddi.ID).Error; err != nil {
		t.Fatalf("load logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 log rows, got %d", len(logs))
	}
	for _, entry := range logs {
		if entry.CompanyID != companyID {
			t.Fatalf("expected log for company %d, got %d", companyID, entry.CompanyID)
		}
	}
}

func TestAddToInventory(t *testing.T) {
	ctx := context.Background()
	conn := setupTestDB(t)
	svc, node := newService(t, conn)

	brandID := node.Generate()
	number := nextNumber()

	ddi, err := svc.AddToInventory(ctx, ddidomain.NewDdi{
		Number:            number,
		BrandID:           brandID,
		MonthlyPriceCents: 300,
		SetupPriceCents:   100,
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if ddi.Status != ddidomain.StatusAvailable {
		t.Fatalf("expected available, got %s", ddi.Status)
	}

	got := reloadDdi(t, conn, ddi.ID)
	if got.Number != number || got.BrandID != brandID {
		t.Fatalf("unexpected record: %+v", got)
	}

	if _, err := svc.AddToInventory(ctx, ddidomain.NewDdi{
		Number:            number,
		BrandID:           brandID,
		MonthlyPriceCents: 300,
	}); !errors.Is(err, ddidomain.ErrDuplicateNumber) {
		t.Fatalf("expected ErrDuplicateNumber, got %v", err)
	}

	if _, err := svc.AddToInventory(ctx, ddidomain.NewDdi{
		Number:  "not-a-number",
		BrandID: brandID,
	}); !errors.Is(err, ddidomain.ErrInvalidNumber) {
		t.Fatalf("expected ErrInvalidNumber, got %v", err)
	}
	if _, err := svc.AddToInventory(ctx, ddidomain.NewDdi{
		Number:            nextNumber(),
		BrandID:           brandID,
		MonthlyPriceCents: -1,
	}); !errors.Is(err, ddidomain.ErrInvalidNumber) {
		t.Fatalf("expected ErrInvalidNumber for negative price, got %v", err)
	}
}

func TestValidNumber(t *testing.T) {
	valid := []string{"+31201234567", "+14155552671", "+442071838750"}
	invalid := []string{"31201234567", "+0123", "+", "+3120123456789012345", "not-a-number"}

	for _, number := range valid {
		if !ddidomain.ValidNumber(number) {
			t.Fatalf("expected %q valid", number)
		}
	}
	for _, number := range invalid {
		if ddidomain.ValidNumber(number) {
			t.Fatalf("expected %q invalid", number)
		}
	}
}
