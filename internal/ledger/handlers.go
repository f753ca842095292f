package ledger

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/ether"
	"github.com/mbd888/escrowd/internal/validation"
)

// FundRequest is the faucet body: an ether decimal or a wei integer.
type FundRequest struct {
	Value    string `json:"value"`
	ValueWei string `json:"valueWei"`
}

// TransferView is the JSON shape of a transfer.
type TransferView struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	From        string    `json:"from,omitempty"`
	To          string    `json:"to"`
	Amount      string    `json:"amount"`
	AmountEther string    `json:"amountEther"`
	Reference   string    `json:"reference,omitempty"`
	Reverses    string    `json:"reverses,omitempty"`
	ReversedBy  string    `json:"reversedBy,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func newTransferView(t *Transfer) TransferView {
	v := TransferView{
		ID:          t.ID,
		Kind:        t.Kind,
		To:          t.To.Hex(),
		Amount:      t.Amount.String(),
		AmountEther: ether.Format(t.Amount),
		Reference:   t.Reference,
		Reverses:    t.Reverses,
		ReversedBy:  t.ReversedBy,
		CreatedAt:   t.CreatedAt,
	}
	if t.Kind != KindFund {
		v.From = t.From.Hex()
	}
	return v
}

// Handler provides HTTP endpoints for ledger accounts
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up read-only account routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	accounts := r.Group("/accounts/:address", validation.AddressParamMiddleware())
	accounts.GET("/balance", h.GetBalance)
	accounts.GET("/transfers", h.GetHistory)
}

// RegisterFaucetRoutes exposes the development faucet. Never mount it in
// production.
func (h *Handler) RegisterFaucetRoutes(r *gin.RouterGroup) {
	r.POST("/accounts/:address/fund", validation.AddressParamMiddleware(), h.Fund)
}

// GetBalance handles GET /v1/accounts/:address/balance
func (h *Handler) GetBalance(c *gin.Context) {
	addr := common.HexToAddress(c.Param("address"))

	bal, err := h.ledger.Balance(c.Request.Context(), addr)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get balance",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address":      addr.Hex(),
		"balance":      bal.String(),
		"balanceEther": ether.Format(bal),
	})
}

// GetHistory handles GET /v1/accounts/:address/transfers
func (h *Handler) GetHistory(c *gin.Context) {
	addr := common.HexToAddress(c.Param("address"))
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 500)
		}
	}

	transfers, err := h.ledger.History(c.Request.Context(), addr, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get transfers",
		})
		return
	}

	views := make([]TransferView, len(transfers))
	for i, t := range transfers {
		views[i] = newTransferView(t)
	}
	c.JSON(http.StatusOK, gin.H{
		"transfers": views,
		"count":     len(views),
	})
}

// Fund handles POST /v1/accounts/:address/fund
func (h *Handler) Fund(c *gin.Context) {
	addr := common.HexToAddress(c.Param("address"))

	var req FundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ExactlyOne("value", req.Value, "valueWei", req.ValueWei),
		validation.PositiveEther("value", req.Value),
		validation.PositiveWei("valueWei", req.ValueWei),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	value, _ := ether.Parse(req.Value)
	if req.ValueWei != "" {
		value, _ = ether.ParseWei(req.ValueWei)
	}

	id, err := h.ledger.Fund(c.Request.Context(), addr, value, "faucet")
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrInvalidAmount) || errors.Is(err, ErrBalanceOverflow) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{
			"error":   "fund_failed",
			"message": err.Error(),
		})
		return
	}

	bal, _ := h.ledger.Balance(c.Request.Context(), addr)
	c.JSON(http.StatusOK, gin.H{
		"transferId":   id,
		"address":      addr.Hex(),
		"balance":      bal.String(),
		"balanceEther": ether.Format(bal),
	})
}
