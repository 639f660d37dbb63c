package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	orderdomain "github.com/smallbiznis/numera/internal/didorder/domain"
	"go.uber.org/zap"
)

type createOrderRequest struct {
	DdiID     string `json:"ddi_id" binding:"required"`
	CompanyID string `json:"company_id" binding:"required"`
}

type orderResponse struct {
	ID              string  `json:"id"`
	DdiID           string  `json:"ddi_id"`
	CompanyID       string  `json:"company_id"`
	Status          string  `json:"status"`
	SetupFeeCents   int64   `json:"setup_fee_cents"`
	MonthlyFeeCents int64   `json:"monthly_fee_cents"`
	RequestedAt     string  `json:"requested_at"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
}

func toOrderResponse(order *orderdomain.DidOrder) orderResponse {
	return orderResponse{
		ID:              order.ID.String(),
		DdiID:           order.DdiID.String(),
		CompanyID:       order.CompanyID.String(),
		Status:          string(order.Status),
		SetupFeeCents:   order.SetupFeeCents,
		MonthlyFeeCents: order.MonthlyFeeCents,
		RequestedAt:     order.RequestedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		RejectionReason: order.RejectionReason,
	}
}

func (s *Server) CreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	ddiID, err := parseID(req.DdiID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	companyID, err := parseID(req.CompanyID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	order, err := s.orderSvc.CreateOrder(c.Request.Context(), orderdomain.CreateOrderRequest{
		DdiID:     ddiID,
		CompanyID: companyID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toOrderResponse(order))
}

func (s *Server) GetOrder(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	order, err := s.orderSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(order))
}

type approveOrderRequest struct {
	AdminID string `json:"admin_id" binding:"required"`
}

func (s *Server) ApproveOrder(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var req approveOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	adminID, err := parseID(req.AdminID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	ctx := c.Request.Context()
	if err := s.orderSvc.Approve(ctx, id, adminID, s.clock.Now()); err != nil {
		AbortWithError(c, err)
		return
	}

	// newly created purchase invoice gets its first sync attempt inline;
	// failures fall back to the durable retry chain
	s.kickPendingSyncs(c, id)

	c.JSON(http.StatusOK, gin.H{"status": "approved"})
}

type rejectOrderRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (s *Server) RejectOrder(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var req rejectOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.orderSvc.Reject(c.Request.Context(), id, req.Reason, s.clock.Now()); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rejected"})
}

type createTopupRequest struct {
	CompanyID   string `json:"company_id" binding:"required"`
	AmountCents int64  `json:"amount_cents" binding:"required"`
}

func (s *Server) CreateTopup(c *gin.Context) {
	var req createTopupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	companyID, err := parseID(req.CompanyID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	ctx := c.Request.Context()
	invoice, err := s.invoiceSvc.CreateTopup(ctx, companyID, req.AmountCents)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.syncSvc.SyncInvoice(ctx, invoice.ID); err != nil {
		s.log.Warn("initial topup sync failed",
			zap.Int64("invoice_id", int64(invoice.ID)), zap.Error(err))
	}

	c.JSON(http.StatusCreated, gin.H{
		"invoice_id":   invoice.ID.String(),
		"amount_cents": invoice.Amount(),
		"status":       string(invoice.Status),
	})
}

type suspensionRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (s *Server) SuspendDdi(c *gin.Context) {
	s.toggleSuspension(c, true)
}

func (s *Server) UnsuspendDdi(c *gin.Context) {
	s.toggleSuspension(c, false)
}

func (s *Server) toggleSuspension(c *gin.Context, suspend bool) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var req suspensionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	ctx := c.Request.Context()
	if suspend {
		err = s.ddiSvc.Suspend(ctx, id, req.Reason, s.clock.Now())
	} else {
		err = s.ddiSvc.Unsuspend(ctx, id, req.Reason, s.clock.Now())
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) ReleaseDdi(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.ddiSvc.Release(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "released"})
}

// kickPendingSyncs pushes the order's freshly created invoices; sync state
// is durable, so a failure here just leaves them to the scheduler.
func (s *Server) kickPendingSyncs(c *gin.Context, orderID snowflake.ID) {
	ctx := c.Request.Context()
	if _, err := s.syncSvc.ProcessDue(ctx, s.clock.Now()); err != nil {
		s.log.Warn("post-approval sync dispatch failed",
			zap.Int64("order_id", int64(orderID)), zap.Error(err))
	}
}

func parseID(raw string) (snowflake.ID, error) {
	return snowflake.ParseString(raw)
}
