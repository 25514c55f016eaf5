package intents

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/splitpay/internal/validation"
)

// WindowClosedMessage is shown to payers of an expired intent.
const WindowClosedMessage = "payment window closed, retry"

// Handler provides HTTP endpoints for payment intents.
type Handler struct {
	service *Service
}

// NewHandler creates a new payment intent handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read-only intent routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/intents/:id", h.GetIntent)
	r.GET("/intents/:id/instruction", h.GetInstruction)
}

// RegisterProtectedRoutes sets up intent creation, which callers rate limit.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/intents", h.CreateIntent)
}

// CreateIntent handles POST /v1/intents
func (h *Handler) CreateIntent(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if validation.Check(
		validation.Required("referenceId", req.ReferenceID),
		validation.MaxLength("referenceId", req.ReferenceID, MaxReferenceLength),
		validation.Address("provider", req.Provider),
		validation.Address("beneficiary", req.Beneficiary),
		validation.Amount("amount", req.Amount),
	).Respond(c) {
		return
	}

	created, err := h.service.CreateIntent(c.Request.Context(), req)
	if err != nil {
		status, code := errorStatus(err)
		msg := err.Error()
		if status == http.StatusInternalServerError {
			msg = "Failed to create payment intent"
		}
		c.JSON(status, gin.H{"error": code, "message": msg})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"intentId":           created.IntentID(),
		"expiresAt":          created.ExpiresAt(),
		"intent":             created.Intent,
		"paymentInstruction": created.Instruction,
	})
}

// GetIntent handles GET /v1/intents/:id
func (h *Handler) GetIntent(c *gin.Context) {
	intent, ok := h.load(c)
	if !ok {
		return
	}
	if h.windowClosed(c, intent) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"intent": intent})
}

// GetInstruction handles GET /v1/intents/:id/instruction
func (h *Handler) GetInstruction(c *gin.Context) {
	intent, ok := h.load(c)
	if !ok {
		return
	}
	if h.windowClosed(c, intent) {
		return
	}
	if intent.Status == StatusCompleted {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_paid",
			"message": "Payment intent has already been settled",
		})
		return
	}

	instr, err := h.service.Instruction(intent)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to build payment instruction",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"paymentInstruction": instr})
}

func (h *Handler) load(c *gin.Context) (*Intent, bool) {
	intent, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Payment intent not found",
			})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load payment intent",
		})
		return nil, false
	}
	return intent, true
}

// windowClosed writes 410 for an expired intent, including one the sweep
// has not reached yet.
func (h *Handler) windowClosed(c *gin.Context, intent *Intent) bool {
	if intent.Status != StatusExpired && !intent.Due(h.service.Now()) {
		return false
	}
	c.JSON(http.StatusGone, gin.H{
		"error":       "payment_window_closed",
		"message":     WindowClosedMessage,
		"referenceId": intent.ReferenceID,
	})
	return true
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidReference),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidAddress):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrAmountOutOfRange):
		return http.StatusBadRequest, "amount_out_of_range"
	case errors.Is(err, ErrReservedRecipient):
		return http.StatusBadRequest, "reserved_recipient"
	case errors.Is(err, ErrIntentPending):
		return http.StatusConflict, "intent_pending"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
