package settlement

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/splitpay/internal/pagination"
	"github.com/mbd888/splitpay/internal/validation"
)

// Handler provides HTTP endpoints for settlement records.
type Handler struct {
	store    Store
	listener *Listener
}

// NewHandler creates a new settlement handler. listener may be nil.
func NewHandler(store Store, listener *Listener) *Handler {
	return &Handler{store: store, listener: listener}
}

// RegisterRoutes sets up settlement routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/settlements", h.ListSettlements)
	r.GET("/settlements/:id", h.GetSettlement)
	r.GET("/listener/status", h.GetListenerStatus)
}

type settlementView struct {
	Settlement *Record `json:"settlement"`
	Shares     []Share `json:"shares"`
}

// GetSettlement handles GET /v1/settlements/:id
func (h *Handler) GetSettlement(c *gin.Context) {
	ctx := c.Request.Context()
	rec, err := h.store.Get(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Settlement not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load settlement",
		})
		return
	}

	shares, err := h.store.Shares(ctx, rec.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load settlement shares",
		})
		return
	}
	c.JSON(http.StatusOK, settlementView{Settlement: rec, Shares: shares})
}

// ListSettlements handles GET /v1/settlements?txHash=... or ?referenceId=...
// Without a filter it pages through recent settlements via ?cursor=&limit=.
func (h *Handler) ListSettlements(c *gin.Context) {
	ctx := c.Request.Context()
	txHash := c.Query("txHash")
	ref := c.Query("referenceId")
	if txHash == "" && ref == "" {
		h.listRecent(c)
		return
	}

	var (
		records []*Record
		err     error
	)
	switch {
	case txHash != "":
		if !validation.IsTxHash(txHash) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "txHash must be a 0x-prefixed 32-byte hex string",
			})
			return
		}
		records, err = h.store.ListByTx(ctx, common.HexToHash(txHash))
	default:
		records, err = h.store.ListByReference(ctx, ref, 100)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list settlements",
		})
		return
	}

	views, ok := h.withShares(c, records)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlements": views, "count": len(views)})
}

func (h *Handler) listRecent(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 || n > 100 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "limit must be between 1 and 100",
			})
			return
		}
		limit = n
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "invalid cursor",
		})
		return
	}

	records, err := h.store.ListRecent(c.Request.Context(), cursor, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list settlements",
		})
		return
	}
	records, next, hasMore := pagination.ComputePage(records, limit, func(r *Record) (time.Time, string) {
		return r.RecordedAt, r.ID
	})

	views, ok := h.withShares(c, records)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"settlements": views,
		"count":       len(views),
		"nextCursor":  next,
		"hasMore":     hasMore,
	})
}

func (h *Handler) withShares(c *gin.Context, records []*Record) ([]settlementView, bool) {
	views := make([]settlementView, 0, len(records))
	for _, rec := range records {
		shares, err := h.store.Shares(c.Request.Context(), rec.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to load settlement shares",
			})
			return nil, false
		}
		views = append(views, settlementView{Settlement: rec, Shares: shares})
	}
	return views, true
}

// GetListenerStatus handles GET /v1/listener/status
func (h *Handler) GetListenerStatus(c *gin.Context) {
	if h.listener == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "listener_disabled",
			"message": "Settlement listener is not configured",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"listener": h.listener.Status()})
}
