package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/streamgate/paygate/internal/metadata"
	"github.com/streamgate/paygate/internal/model"
	"github.com/streamgate/paygate/internal/pkg/apperrors"
	"github.com/streamgate/paygate/internal/service"
)

// maxQuoteSeconds keeps quotes to a day of streaming.
const maxQuoteSeconds = 24 * 60 * 60

type EntitlementHandler struct {
	svc *service.GatewayService
}

func NewEntitlementHandler(svc *service.GatewayService) *EntitlementHandler {
	return &EntitlementHandler{svc: svc}
}

// Seller returns this node's seller card.
func (h *EntitlementHandler) Seller(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Self())
}

// Validate answers whether :buyer may be served right now. Rejections come
// back as 402.
func (h *EntitlementHandler) Validate(c *gin.Context) {
	buyer, err := metadata.NormalizeKey(c.Param("buyer"))
	if err != nil {
		c.Error(apperrors.NewInvalidRequest("buyer key: " + err.Error()))
		return
	}
	res, err := h.svc.Validate(c.Request.Context(), buyer)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Metadata returns the tag :buyer must attach to its payments.
func (h *EntitlementHandler) Metadata(c *gin.Context) {
	tag, err := h.svc.Metadata(c.Param("buyer"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"metadata": tag})
}

// Value prices ?seconds of this node's stream.
func (h *EntitlementHandler) Value(c *gin.Context) {
	seconds, err := parseSeconds(c.Query("seconds"))
	if err != nil {
		c.Error(err)
		return
	}
	opts, err := h.svc.Value(seconds)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"seconds": seconds, "options": opts})
}

type quoteRequest struct {
	Seller  model.Seller `json:"seller"`
	Seconds int64        `json:"seconds"`
}

// Quote prices a remote seller's stream in the methods this node pays with.
func (h *EntitlementHandler) Quote(c *gin.Context) {
	var req quoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	if req.Seconds <= 0 || req.Seconds > maxQuoteSeconds {
		c.Error(apperrors.NewInvalidRequest("seconds out of range"))
		return
	}
	opts, err := h.svc.Quote(req.Seller, req.Seconds)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"seconds": req.Seconds, "options": opts})
}

type buyRequest struct {
	Seller model.Seller  `json:"seller"`
	Amount float64       `json:"amount"`
	Auth   model.BuyAuth `json:"auth"`
}

// Buy pays a remote seller on this node's behalf.
func (h *EntitlementHandler) Buy(c *gin.Context) {
	var req buyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	if req.Amount <= 0 {
		c.Error(apperrors.NewInvalidRequest("amount must be positive"))
		return
	}
	if err := h.svc.Buy(c.Request.Context(), req.Seller, req.Amount, req.Auth); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paid", "seller": req.Seller.ID, "amount": req.Amount})
}

func parseSeconds(raw string) (int64, error) {
	if raw == "" {
		return 0, apperrors.NewInvalidRequest("seconds is required")
	}
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seconds <= 0 || seconds > maxQuoteSeconds {
		return 0, apperrors.NewInvalidRequest("seconds must be between 1 and 86400")
	}
	return seconds, nil
}
