package server

import (
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	ddidomain "github.com/smallbiznis/numera/internal/ddi/domain"
	orderdomain "github.com/smallbiznis/numera/internal/didorder/domain"
	"github.com/smallbiznis/numera/internal/renewal"
)

type batchRequest struct {
	Date      string `json:"date"`
	DryRun    bool   `json:"dry_run"`
	CompanyID string `json:"company_id"`
}

func (r batchRequest) companyID() (*snowflake.ID, error) {
	if r.CompanyID == "" {
		return nil, nil
	}
	id, err := parseID(r.CompanyID)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func (s *Server) RunRenewals(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	date := s.clock.Now()
	if req.Date != "" {
		parsed, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		date = parsed
	}
	companyID, err := req.companyID()
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, runErr := s.renewalSvc.Run(c.Request.Context(), renewal.RunRequest{
		Date:      date,
		DryRun:    req.DryRun,
		CompanyID: companyID,
	})
	if runErr != nil && result.CompaniesProcessed == 0 {
		AbortWithError(c, runErr)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":     result.OK(),
		"result": result,
	})
}

func (s *Server) ExpireReservations(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	companyID, err := req.companyID()
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, runErr := s.orderSvc.ExpireDueReservations(c.Request.Context(), orderdomain.ReaperRequest{
		Now:       s.clock.Now(),
		DryRun:    req.DryRun,
		CompanyID: companyID,
	})
	if runErr != nil && result.OrdersExpired == 0 && result.Errors == 0 {
		AbortWithError(c, runErr)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":     result.OK(),
		"result": result,
	})
}

type createDdiRequest struct {
	Number            string `json:"number" binding:"required"`
	BrandID           string `json:"brand_id" binding:"required"`
	MonthlyPriceCents int64  `json:"monthly_price_cents"`
	SetupPriceCents   int64  `json:"setup_price_cents"`
	IsByon            bool   `json:"is_byon"`
}

func (s *Server) CreateDdi(c *gin.Context) {
	var req createDdiRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	brandID, err := parseID(req.BrandID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	ddi, err := s.ddiSvc.AddToInventory(c.Request.Context(), ddidomain.NewDdi{
		Number:            req.Number,
		BrandID:           brandID,
		MonthlyPriceCents: req.MonthlyPriceCents,
		SetupPriceCents:   req.SetupPriceCents,
		IsByon:            req.IsByon,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":     ddi.ID.String(),
		"number": ddi.Number,
		"status": string(ddi.Status),
	})
}

func (s *Server) RetryInvoiceSync(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.syncSvc.RetryFailed(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "retried"})
}
