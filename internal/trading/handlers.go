package trading

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-energy/internal/auth"
	"github.com/ksred/klear-energy/internal/types"
	"github.com/ksred/klear-energy/pkg/response"
)

// GinHandlers contains HTTP handlers for trading endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for trading endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func bindNewOrder(c *gin.Context) (types.NewOrder, bool) {
	identity, ok := auth.IdentityFromContext(c)
	if !ok {
		response.Unauthorized(c, "Missing authentication claims")
		return types.NewOrder{}, false
	}

	var input types.NewOrder
	if err := c.ShouldBindJSON(&input); err != nil {
		response.BadRequest(c, err.Error())
		return types.NewOrder{}, false
	}

	input.OrganizationID = identity.OrganizationID
	input.CreatedBy = identity.UserID
	return input, true
}

// SubmitOrderHandler handles POST requests to submit orders
// An optional Idempotency-Key header makes retries return the original order
func (h *GinHandlers) SubmitOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		input, ok := bindNewOrder(c)
		if !ok {
			return
		}
		input.IdempotencyKey = c.GetHeader("Idempotency-Key")

		order, err := h.service.SubmitOrder(c.Request.Context(), input)
		response.Handle(c, order, err)
	}
}

// CreateDraftHandler handles POST requests to stage an order without committing exposure
func (h *GinHandlers) CreateDraftHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		input, ok := bindNewOrder(c)
		if !ok {
			return
		}

		order, err := h.service.CreateDraft(c.Request.Context(), input)
		response.Handle(c, order, err)
	}
}

// FinalizeDraftHandler handles POST requests to submit a draft of the caller's organization
// URL parameter: id
func (h *GinHandlers) FinalizeDraftHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := auth.IdentityFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		draft, err := h.service.GetOrderForOrganization(c.Request.Context(), identity.OrganizationID, c.Param("id"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		order, err := h.service.FinalizeDraft(c.Request.Context(), draft.OrderID, identity.UserID)
		response.Handle(c, order, err)
	}
}

// GetOrderHandler handles GET requests to retrieve an order of the caller's organization
// URL parameter: id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := auth.IdentityFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		order, err := h.service.GetOrderForOrganization(c.Request.Context(), identity.OrganizationID, c.Param("id"))
		response.Handle(c, order, err)
	}
}

// ListOrdersHandler handles GET requests listing the caller's organization orders
// Query parameters: status (comma separated), limit
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := auth.IdentityFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		var statuses []string
		if raw := c.Query("status"); raw != "" {
			for _, s := range strings.Split(raw, ",") {
				if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
					statuses = append(statuses, s)
				}
			}
		}

		limit := 100
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				response.BadRequest(c, "limit must be a non-negative integer")
				return
			}
			limit = n
		}

		orders, err := h.service.ListOrders(c.Request.Context(), identity.OrganizationID, statuses, limit)
		response.Handle(c, orders, err)
	}
}

// ApplyFillHandler handles POST requests asserting an execution against an order
// Requires the desk role
// URL parameter: id
func (h *GinHandlers) ApplyFillHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, _ := auth.IdentityFromContext(c)

		var req FillRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.ApplyFill(c.Request.Context(), c.Param("id"), req.Quantity, identity.UserID)
		response.Handle(c, order, err)
	}
}

// RejectOrderHandler handles POST requests rejecting an order
// Requires the desk role
// URL parameter: id
func (h *GinHandlers) RejectOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, _ := auth.IdentityFromContext(c)

		var req RejectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.RejectOrder(c.Request.Context(), c.Param("id"), req.Reason, identity.UserID)
		response.Handle(c, order, err)
	}
}

// RequestApprovalHandler handles POST requests routing an order to manual sign-off
// Requires the desk role
// URL parameter: id
func (h *GinHandlers) RequestApprovalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, _ := auth.IdentityFromContext(c)

		order, err := h.service.RequestApproval(c.Request.Context(), c.Param("id"), identity.UserID)
		response.Handle(c, order, err)
	}
}
