package devnet

import (
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/splitpay/internal/chain"
	"github.com/mbd888/splitpay/internal/contracts/bondedstake"
	"github.com/mbd888/splitpay/internal/contracts/penalty"
	"github.com/mbd888/splitpay/internal/usdc"
	"github.com/mbd888/splitpay/internal/validation"
)

// Handler provides HTTP endpoints for the devnet contracts.
type Handler struct {
	net *Network
}

// NewHandler creates a new devnet handler.
func NewHandler(net *Network) *Handler {
	return &Handler{net: net}
}

// RegisterRoutes sets up read routes for stakes and slash cases.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/contracts", h.GetContracts)
	r.GET("/stakes/:address", validation.AddressParam("address"), h.GetStake)
	r.GET("/stakes/:address/case", validation.AddressParam("address"), h.GetOpenCase)
	r.GET("/slash-cases/:id", h.GetCase)
}

// RegisterDevnetRoutes sets up the state-changing routes that submit
// transactions on behalf of devnet accounts.
func (h *Handler) RegisterDevnetRoutes(r *gin.RouterGroup) {
	r.POST("/faucet", h.Faucet)
	r.POST("/transactions", h.SubmitTransaction)
	r.POST("/mine", h.Mine)
	r.POST("/stakes/:address/stake", validation.AddressParam("address"), h.Stake)
	r.POST("/stakes/:address/unstake", validation.AddressParam("address"), h.InitiateUnstake)
	r.POST("/stakes/:address/finalize", validation.AddressParam("address"), h.FinalizeUnstake)
	r.POST("/stakes/:address/cancel", validation.AddressParam("address"), h.CancelUnstake)
	r.POST("/slash-cases", h.ProposeSlash)
	r.POST("/slash-cases/:id/appeal", h.Appeal)
	r.POST("/slash-cases/:id/resolve", h.Resolve)
	r.POST("/slash-cases/:id/execute", h.Execute)
}

type receiptView struct {
	TxHash      common.Hash `json:"txHash"`
	BlockNumber uint64      `json:"blockNumber"`
	Time        time.Time   `json:"time"`
	Logs        int         `json:"logs"`
}

func viewReceipt(r *chain.Receipt) receiptView {
	return receiptView{TxHash: r.TxHash, BlockNumber: r.BlockNumber, Time: r.Time, Logs: len(r.Logs)}
}

type positionView struct {
	Owner              common.Address     `json:"owner"`
	Active             string             `json:"active"`
	Unbonding          string             `json:"unbonding"`
	TotalSlashed       string             `json:"totalSlashed"`
	Status             bondedstake.Status `json:"status"`
	Frozen             bool               `json:"frozen"`
	StakedAt           time.Time          `json:"stakedAt,omitzero"`
	UnstakeRequestedAt time.Time          `json:"unstakeRequestedAt,omitzero"`
	UnlockAt           time.Time          `json:"unlockAt,omitzero"`
	Tier               bondedstake.Tier   `json:"tier"`
}

type caseView struct {
	ID             uint64         `json:"id"`
	Subject        common.Address `json:"subject"`
	Reporter       common.Address `json:"reporter"`
	Tier           penalty.Tier   `json:"tier"`
	EvidenceRef    string         `json:"evidenceRef"`
	ProposedAmount string         `json:"proposedAmount"`
	Status         penalty.Status `json:"status"`
	AppealDeadline time.Time      `json:"appealDeadline"`
	AppealBond     string         `json:"appealBond"`
	SlashedAmount  string         `json:"slashedAmount"`
	CreatedAt      time.Time      `json:"createdAt"`
	ResolvedAt     time.Time      `json:"resolvedAt,omitzero"`
}

func viewCase(c penalty.Case) caseView {
	return caseView{
		ID:             c.ID,
		Subject:        c.Subject,
		Reporter:       c.Reporter,
		Tier:           c.Tier,
		EvidenceRef:    c.EvidenceRef,
		ProposedAmount: usdc.Format(c.ProposedAmount),
		Status:         c.Status,
		AppealDeadline: c.AppealDeadline,
		AppealBond:     usdc.Format(c.AppealBond),
		SlashedAmount:  usdc.Format(c.SlashedAmount),
		CreatedAt:      c.CreatedAt,
		ResolvedAt:     c.ResolvedAt,
	}
}

// GetContracts handles GET /v1/contracts
func (h *Handler) GetContracts(c *gin.Context) {
	count, total := h.net.Ledger.Stats()
	c.JSON(http.StatusOK, gin.H{
		"chainId":      h.net.Chain.ID().Int64(),
		"addresses":    h.net.Addresses(),
		"splitVersion": h.net.Ledger.Schedule().Version,
		"splitBps":     h.net.Ledger.Schedule().Weights,
		"settlements":  count,
		"totalSettled": usdc.Format(total),
		"totalStaked":  usdc.Format(h.net.Staking.TotalStaked()),
		"totalSupply":  usdc.Format(h.net.Token.TotalSupply()),
		"totalBurned":  usdc.Format(h.net.Token.TotalBurned()),
	})
}

// GetStake handles GET /v1/stakes/:address
func (h *Handler) GetStake(c *gin.Context) {
	owner := common.HexToAddress(c.Param("address"))
	p := h.net.Staking.Position(owner)
	v := positionView{
		Owner:              p.Owner,
		Active:             usdc.Format(p.Active),
		Unbonding:          usdc.Format(p.Unbonding),
		TotalSlashed:       usdc.Format(p.TotalSlashed),
		Status:             p.Status,
		Frozen:             p.Frozen,
		StakedAt:           p.StakedAt,
		UnstakeRequestedAt: p.UnstakeRequestedAt,
		Tier:               h.net.Staking.CapacityTier(owner),
	}
	if !p.UnstakeRequestedAt.IsZero() {
		v.UnlockAt = p.UnstakeRequestedAt.Add(h.net.Staking.UnbondingDelay())
	}
	c.JSON(http.StatusOK, gin.H{
		"stake":   v,
		"balance": usdc.Format(h.net.Token.BalanceOf(owner)),
	})
}

// GetOpenCase handles GET /v1/stakes/:address/case
func (h *Handler) GetOpenCase(c *gin.Context) {
	cs, ok := h.net.Penalty.OpenCase(common.HexToAddress(c.Param("address")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No open slash case",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"case": viewCase(cs)})
}

func caseID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_case_id",
			"message": "Case id must be a positive integer",
		})
		return 0, false
	}
	return id, true
}

// GetCase handles GET /v1/slash-cases/:id
func (h *Handler) GetCase(c *gin.Context) {
	id, ok := caseID(c)
	if !ok {
		return
	}
	cs, found := h.net.Penalty.Case(id)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Slash case not found",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"case": viewCase(cs)})
}

type amountRequest struct {
	Amount string `json:"amount" binding:"required"`
}

func bindAmount(c *gin.Context) (*big.Int, bool) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return nil, false
	}
	amount, ok := usdc.Parse(req.Amount)
	if !ok || amount.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive decimal with at most 6 places",
		})
		return nil, false
	}
	return amount, true
}

// respondTx writes a receipt or maps a transaction error.
func respondTx(c *gin.Context, r *chain.Receipt, err error) {
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"receipt": viewReceipt(r)})
		return
	}
	switch {
	case errors.Is(err, chain.ErrReverted):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "execution_reverted",
			"message": err.Error(),
		})
	case errors.Is(err, ErrUnknownContract), errors.Is(err, ErrFaucetLimit),
		errors.Is(err, penalty.ErrCaseNotFound):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Transaction failed",
		})
	}
}

type faucetRequest struct {
	Address string `json:"address" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
}

// Faucet handles POST /v1/devnet/faucet
func (h *Handler) Faucet(c *gin.Context) {
	var req faucetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if validation.Check(
		validation.Address("address", req.Address),
		validation.Amount("amount", req.Amount),
	).Respond(c) {
		return
	}
	r, err := h.net.Faucet(c.Request.Context(), common.HexToAddress(req.Address), usdc.MustParse(req.Amount))
	respondTx(c, r, err)
}

type submitRequest struct {
	From string        `json:"from" binding:"required"`
	To   string        `json:"to" binding:"required"`
	Data hexutil.Bytes `json:"data" binding:"required"`
}

// SubmitTransaction handles POST /v1/devnet/transactions. It executes one
// call of a payment instruction as the given account.
func (h *Handler) SubmitTransaction(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if validation.Check(
		validation.Address("from", req.From),
		validation.Address("to", req.To),
	).Respond(c) {
		return
	}
	r, err := h.net.Submit(c.Request.Context(), common.HexToAddress(req.From), common.HexToAddress(req.To), req.Data)
	respondTx(c, r, err)
}

type mineRequest struct {
	Blocks int `json:"blocks"`
}

// Mine handles POST /v1/devnet/mine
func (h *Handler) Mine(c *gin.Context) {
	var req mineRequest
	_ = c.ShouldBindJSON(&req)
	if req.Blocks <= 0 || req.Blocks > 1000 {
		req.Blocks = 1
	}
	h.net.Chain.Mine(req.Blocks)
	head, _ := h.net.Chain.BlockNumber(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"head": head})
}

// Stake handles POST /v1/devnet/stakes/:address/stake
func (h *Handler) Stake(c *gin.Context) {
	amount, ok := bindAmount(c)
	if !ok {
		return
	}
	r, err := h.net.Stake(c.Request.Context(), common.HexToAddress(c.Param("address")), amount)
	respondTx(c, r, err)
}

// InitiateUnstake handles POST /v1/devnet/stakes/:address/unstake
func (h *Handler) InitiateUnstake(c *gin.Context) {
	amount, ok := bindAmount(c)
	if !ok {
		return
	}
	r, err := h.net.InitiateUnstake(c.Request.Context(), common.HexToAddress(c.Param("address")), amount)
	respondTx(c, r, err)
}

// FinalizeUnstake handles POST /v1/devnet/stakes/:address/finalize
func (h *Handler) FinalizeUnstake(c *gin.Context) {
	r, err := h.net.FinalizeUnstake(c.Request.Context(), common.HexToAddress(c.Param("address")))
	respondTx(c, r, err)
}

// CancelUnstake handles POST /v1/devnet/stakes/:address/cancel
func (h *Handler) CancelUnstake(c *gin.Context) {
	r, err := h.net.CancelUnstake(c.Request.Context(), common.HexToAddress(c.Param("address")))
	respondTx(c, r, err)
}

type proposeRequest struct {
	Subject     string `json:"subject" binding:"required"`
	Tier        string `json:"tier" binding:"required"`
	EvidenceRef string `json:"evidenceRef"`
}

// ProposeSlash handles POST /v1/devnet/slash-cases
func (h *Handler) ProposeSlash(c *gin.Context) {
	var req proposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if !validation.IsAddress(req.Subject) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "subject must be a valid address",
		})
		return
	}
	tier, err := penalty.ParseTier(req.Tier)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_tier",
			"message": "tier must be one of minor, moderate, major, fraud",
		})
		return
	}

	ctx := c.Request.Context()
	id, err := h.net.ProposeSlash(ctx, common.HexToAddress(req.Subject), tier, req.EvidenceRef)
	if err != nil {
		respondTx(c, nil, err)
		return
	}
	cs, _ := h.net.Penalty.Case(id)
	c.JSON(http.StatusCreated, gin.H{"case": viewCase(cs)})
}

type appealRequest struct {
	Subject string `json:"subject" binding:"required"`
}

// Appeal handles POST /v1/devnet/slash-cases/:id/appeal
func (h *Handler) Appeal(c *gin.Context) {
	id, ok := caseID(c)
	if !ok {
		return
	}
	var req appealRequest
	if err := c.ShouldBindJSON(&req); err != nil || !validation.IsAddress(req.Subject) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "subject must be a valid address",
		})
		return
	}
	r, err := h.net.Appeal(c.Request.Context(), common.HexToAddress(req.Subject), id)
	respondTx(c, r, err)
}

type resolveRequest struct {
	Upheld bool `json:"upheld"`
}

// Resolve handles POST /v1/devnet/slash-cases/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	id, ok := caseID(c)
	if !ok {
		return
	}
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	r, err := h.net.Resolve(c.Request.Context(), id, req.Upheld)
	respondTx(c, r, err)
}

// Execute handles POST /v1/devnet/slash-cases/:id/execute
func (h *Handler) Execute(c *gin.Context) {
	id, ok := caseID(c)
	if !ok {
		return
	}
	r, err := h.net.Execute(c.Request.Context(), Reporter, id)
	respondTx(c, r, err)
}
