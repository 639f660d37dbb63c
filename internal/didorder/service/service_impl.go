package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/numera/internal/clock"
	companydomain "github.com/smallbiznis/numera/internal/company/domain"
	"github.com/smallbiznis/numera/internal/config"
	ddidomain "github.com/smallbiznis/numera/internal/ddi/domain"
	orderdomain "github.com/smallbiznis/numera/internal/didorder/domain"
	invoicedomain "github.com/smallbiznis/numera/internal/invoice/domain"
	"github.com/smallbiznis/numera/internal/notification"
	"github.com/smallbiznis/numera/internal/observability/metrics"
	"github.com/smallbiznis/numera/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   config.Config
	Ddi      ddidomain.Service
	Invoices invoicedomain.Service
	Sender   notification.Sender
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	ttl      time.Duration
	ddi      ddidomain.Service
	invoices invoicedomain.Service
	sender   notification.Sender

	orderrepo   repository.Repository[orderdomain.DidOrder]
	companyrepo repository.Repository[companydomain.Company]
}

func NewService(p Params) orderdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("didorder.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		ttl:      p.Config.ReservationTTL,
		ddi:      p.Ddi,
		invoices: p.Invoices,
		sender:   p.Sender,

		orderrepo:   repository.ProvideStore[orderdomain.DidOrder](p.DB),
		companyrepo: repository.ProvideStore[companydomain.Company](p.DB),
	}
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*orderdomain.DidOrder, error) {
	order, err := s.orderrepo.FindOne(ctx, &orderdomain.DidOrder{ID: id})
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, orderdomain.ErrOrderNotFound
	}
	return order, nil
}

// CreateOrder reserves the DID for the requesting company and records a
// pending approval with the fees snapshotted from the catalog row. If the
// insert fails after the reservation succeeded, the reservation is released
// so the number does not stay parked on a phantom order.
func (s *Service) CreateOrder(ctx context.Context, req orderdomain.CreateOrderRequest) (*orderdomain.DidOrder, error) {
	if req.DdiID == 0 || req.CompanyID == 0 {
		return nil, orderdomain.ErrInvalidOrder
	}

	company, err := s.companyrepo.FindOne(ctx, &companydomain.Company{ID: req.CompanyID})
	if err != nil {
		return nil, err
	}
	if company == nil {
		return nil, companydomain.ErrCompanyNotFound
	}

	ddi, err := s.ddi.GetByID(ctx, req.DdiID)
	if err != nil {
		return nil, err
	}
	if !ddidomain.ValidNumber(ddi.Number) {
		return nil, ddidomain.ErrInvalidNumber
	}

	now := s.clock.Now()
	until := now.Add(s.ttl)
	if err := s.ddi.Reserve(ctx, req.DdiID, req.CompanyID, until); err != nil {
		return nil, err
	}

	order := &orderdomain.DidOrder{
		ID:              s.genID.Generate(),
		DdiID:           req.DdiID,
		CompanyID:       req.CompanyID,
		Status:          orderdomain.StatusPendingApproval,
		SetupFeeCents:   ddi.SetupPriceCents,
		MonthlyFeeCents: ddi.MonthlyPriceCents,
		RequestedAt:     now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.orderrepo.Create(ctx, order); err != nil {
		if relErr := s.ddi.Release(ctx, req.DdiID); relErr != nil {
			s.log.Error("failed to release reservation after order insert failure",
				zap.Int64("ddi_id", int64(req.DdiID)), zap.Error(relErr))
		}
		return nil, err
	}

	s.log.Info("did order created",
		zap.Int64("order_id", int64(order.ID)),
		zap.Int64("ddi_id", int64(req.DdiID)),
		zap.Int64("company_id", int64(req.CompanyID)),
		zap.Time("reserved_until", until))
	return order, nil
}

// Approve resolves the order in the company's favor. The status guard is the
// arbiter of the approval-versus-expiry race: whichever side flips the row
// first wins, the other observes zero affected rows.
func (s *Service) Approve(ctx context.Context, orderID, adminID snowflake.ID, now time.Time) error {
	order, err := s.GetByID(ctx, orderID)
	if err != nil {
		return err
	}

	result := s.db.WithContext(ctx).Exec(
		`UPDATE did_orders
		 SET status = ?, approved_at = ?, approved_by_admin_id = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		orderdomain.StatusApproved,
		now.UTC(),
		adminID,
		now.UTC(),
		orderID,
		orderdomain.StatusPendingApproval,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return orderdomain.ErrOrderAlreadyResolved
	}

	if err := s.ddi.ConfirmAssignment(ctx, order.DdiID, order.CompanyID, now); err != nil {
		return err
	}

	ddi, err := s.ddi.GetByID(ctx, order.DdiID)
	if err != nil {
		return err
	}

	total := order.SetupFeeCents + order.MonthlyFeeCents
	if total > 0 {
		if _, err := s.invoices.Create(ctx, invoicedomain.NewInvoice{
			CompanyID:   order.CompanyID,
			BrandID:     ddi.BrandID,
			DdiID:       &order.DdiID,
			Type:        invoicedomain.TypeDidPurchase,
			Description: fmt.Sprintf("DID Activation - %s", ddi.Number),
			TotalCents:  total,
		}); err != nil {
			return err
		}
	}

	s.log.Info("did order approved",
		zap.Int64("order_id", int64(orderID)),
		zap.Int64("admin_id", int64(adminID)),
		zap.Int64("total_cents", total))
	return nil
}

// Reject resolves the order against the company and returns the DID to the
// pool.
func (s *Service) Reject(ctx context.Context, orderID snowflake.ID, reason string, now time.Time) error {
	order, err := s.GetByID(ctx, orderID)
	if err != nil {
		return err
	}

	result := s.db.WithContext(ctx).Exec(
		`UPDATE did_orders
		 SET status = ?, rejected_at = ?, rejection_reason = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		orderdomain.StatusRejected,
		now.UTC(),
		reason,
		now.UTC(),
		orderID,
		orderdomain.StatusPendingApproval,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return orderdomain.ErrOrderAlreadyResolved
	}

	if err := s.ddi.Release(ctx, order.DdiID); err != nil && !errors.Is(err, ddidomain.ErrInvalidTransition) {
		return err
	}

	s.log.Info("did order rejected",
		zap.Int64("order_id", int64(orderID)),
		zap.String("reason", reason))
	return nil
}

// dueOrder joins the order to its reservation deadline so the sweep can
// select in one query.
type dueOrder struct {
	OrderID      snowflake.ID
	DdiID        snowflake.ID
	CompanyID    snowflake.ID
	Number       string
	CompanyEmail string
}

// ExpireDueReservations sweeps orders whose reservation deadline has passed,
// flips each to expired and reclaims the DID. A second pass reclaims lapsed
// reservations whose order is already resolved, so a release that failed in
// an earlier run cannot park the number forever. Units are isolated: one bad
// order does not stop the sweep. Notification failures are logged, never
// counted as unit errors.
func (s *Service) ExpireDueReservations(ctx context.Context, req orderdomain.ReaperRequest) (orderdomain.ReaperResult, error) {
	var res orderdomain.ReaperResult
	now := req.Now.UTC()

	m := metrics.Engine()
	m.IncJobRun("reservation_expiry")

	query := s.db.WithContext(ctx).
		Table("did_orders").
		Select(`did_orders.id AS order_id,
			did_orders.ddi_id AS ddi_id,
			did_orders.company_id AS company_id,
			ddis.number AS number,
			companies.email AS company_email`).
		Joins("JOIN ddis ON ddis.id = did_orders.ddi_id").
		Joins("JOIN companies ON companies.id = did_orders.company_id").
		Where("did_orders.status = ?", orderdomain.StatusPendingApproval).
		Where("ddis.status = ?", ddidomain.StatusReserved).
		Where("ddis.reserved_until < ?", now).
		Order("did_orders.id")
	if req.CompanyID != nil {
		query = query.Where("did_orders.company_id = ?", *req.CompanyID)
	}

	var due []dueOrder
	if err := query.Scan(&due).Error; err != nil {
		return res, err
	}

	orphans, err := s.orphanedReservations(ctx, req, now)
	if err != nil {
		return res, err
	}

	if req.DryRun {
		res.OrdersExpired = len(due)
		res.DdisReleased = len(orphans)
		s.log.Info("reservation expiry dry run",
			zap.Int("due", len(due)), zap.Int("orphaned", len(orphans)))
		return res, nil
	}

	var errs []error
	for _, unit := range due {
		if err := s.expireOne(ctx, unit, now, &res); err != nil {
			res.Errors++
			m.IncJobError("reservation_expiry")
			m.IncReservationExpired("error")
			errs = append(errs, fmt.Errorf("order %d: %w", unit.OrderID, err))
		}
	}

	for _, ddiID := range orphans {
		released, err := s.ddi.ExpireReservation(ctx, ddiID, now)
		if err != nil {
			res.Errors++
			m.IncJobError("reservation_expiry")
			m.IncReservationExpired("error")
			errs = append(errs, fmt.Errorf("ddi %d: %w", ddiID, err))
			continue
		}
		if released {
			res.DdisReleased++
			m.IncReservationExpired("released")
		}
	}

	s.log.Info("reservation expiry sweep finished",
		zap.Int("orders_expired", res.OrdersExpired),
		zap.Int("ddis_released", res.DdisReleased),
		zap.Int("notifications_sent", res.NotificationsSent),
		zap.Int("errors", res.Errors))
	return res, errors.Join(errs...)
}

// orphanedReservations finds reserved numbers whose deadline lapsed but whose
// order is already resolved, left behind when an earlier sweep expired the
// order and then failed to release the number. Numbers still backed by a
// pending order are excluded; for those the order flip stays the arbiter.
func (s *Service) orphanedReservations(ctx context.Context, req orderdomain.ReaperRequest, now time.Time) ([]snowflake.ID, error) {
	query := s.db.WithContext(ctx).
		Table("ddis").
		Where("ddis.status = ?", ddidomain.StatusReserved).
		Where("ddis.reserved_until < ?", now).
		Where(`NOT EXISTS (SELECT 1 FROM did_orders
			WHERE did_orders.ddi_id = ddis.id AND did_orders.status = ?)`,
			orderdomain.StatusPendingApproval).
		Order("ddis.id")
	if req.CompanyID != nil {
		query = query.Where("ddis.reserved_for_company_id = ?", *req.CompanyID)
	}

	var ids []snowflake.ID
	if err := query.Pluck("ddis.id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Service) expireOne(ctx context.Context, unit dueOrder, now time.Time, res *orderdomain.ReaperResult) error {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE did_orders SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		orderdomain.StatusExpired,
		now,
		unit.OrderID,
		orderdomain.StatusPendingApproval,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// approved or rejected between the select and the flip
		metrics.Engine().IncReservationExpired("skipped")
		return nil
	}
	res.OrdersExpired++

	released, err := s.ddi.ExpireReservation(ctx, unit.DdiID, now)
	if err != nil {
		return err
	}
	if released {
		res.DdisReleased++
		metrics.Engine().IncReservationExpired("released")
	}

	if unit.CompanyEmail != "" {
		subject := fmt.Sprintf("Reservation expired for %s", unit.Number)
		body := fmt.Sprintf("<p>Your reservation for number %s was not approved in time and has expired. The number has been returned to the pool.</p>", unit.Number)
		if err := s.sender.Send(ctx, []string{unit.CompanyEmail}, subject, body); err != nil {
			s.log.Warn("reservation expiry notice failed",
				zap.Int64("order_id", int64(unit.OrderID)), zap.Error(err))
		} else {
			res.NotificationsSent++
		}
	}
	return nil
}
