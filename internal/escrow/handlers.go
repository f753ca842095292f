package escrow

import (
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/ether"
	"github.com/mbd888/escrowd/internal/pagination"
	"github.com/mbd888/escrowd/internal/validation"
)

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	Seller string `json:"seller" binding:"required"`
}

// DepositRequest carries the value attached to a deposit, either as an
// ether decimal ("1.5") or as a wei integer.
type DepositRequest struct {
	Value    string `json:"value"`
	ValueWei string `json:"valueWei"`
}

// View is the JSON shape of an escrow.
type View struct {
	ID          string     `json:"id"`
	Buyer       string     `json:"buyer"`
	Seller      string     `json:"seller"`
	Nonce       uint64     `json:"nonce"`
	Amount      string     `json:"amount"`
	AmountEther string     `json:"amountEther"`
	State       State      `json:"state"`
	StateName   string     `json:"stateName"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
}

// NewView renders an escrow for API responses.
func NewView(e *Escrow) View {
	amount := e.held()
	return View{
		ID:          e.ID.Hex(),
		Buyer:       e.Buyer.Hex(),
		Seller:      e.Seller.Hex(),
		Nonce:       e.Nonce,
		Amount:      amount.String(),
		AmountEther: ether.Format(amount),
		State:       e.State,
		StateName:   e.State.String(),
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
		ResolvedAt:  e.ResolvedAt,
	}
}

// EventView is the JSON shape of an escrow event.
type EventView struct {
	ID          string    `json:"id"`
	EscrowID    string    `json:"escrowId"`
	Type        EventType `json:"type"`
	Caller      string    `json:"caller"`
	Buyer       string    `json:"buyer"`
	Seller      string    `json:"seller"`
	Amount      string    `json:"amount"`
	AmountEther string    `json:"amountEther"`
	From        State     `json:"from"`
	To          State     `json:"to"`
	FromName    string    `json:"fromName"`
	ToName      string    `json:"toName"`
	TransferID  string    `json:"transferId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// NewEventView renders an event for API and stream consumers.
func NewEventView(ev *Event) EventView {
	amount := ev.Amount
	if amount == nil {
		amount = new(big.Int)
	}
	return EventView{
		ID:          ev.ID,
		EscrowID:    ev.EscrowID.Hex(),
		Type:        ev.Type,
		Caller:      ev.Caller.Hex(),
		Buyer:       ev.Buyer.Hex(),
		Seller:      ev.Seller.Hex(),
		Amount:      amount.String(),
		AmountEther: ether.Format(amount),
		From:        ev.From,
		To:          ev.To,
		FromName:    ev.From.String(),
		ToName:      ev.To.String(),
		TransferID:  ev.TransferID,
		CreatedAt:   ev.CreatedAt,
	}
}

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/:id/amount", h.GetAmount)
	r.GET("/escrows/:id/state", h.GetState)
	r.GET("/escrows/:id/events", h.ListEvents)
	r.GET("/accounts/:address/escrows", h.ListEscrows)
}

// RegisterProtectedRoutes sets up routes that need an authenticated caller.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/:id/deposit", h.Deposit)
	r.POST("/escrows/:id/release", h.Release)
	r.POST("/escrows/:id/refund", h.Refund)
}

// CreateEscrow handles POST /v1/escrows. The caller becomes the buyer.
func (h *Handler) CreateEscrow(c *gin.Context) {
	caller, ok := requireCaller(c)
	if !ok {
		return
	}

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "seller is required",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("seller", req.Seller),
		validation.NonZeroAddress("seller", req.Seller),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	esc, err := h.service.Create(c.Request.Context(), caller, common.HexToAddress(req.Seller))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": NewView(esc)})
}

// Deposit handles POST /v1/escrows/:id/deposit
func (h *Handler) Deposit(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	caller, ok := requireCaller(c)
	if !ok {
		return
	}

	// The caller check runs before any value check, so a malformed body is
	// carried into the state machine instead of being rejected here.
	call := Call{Op: OpDeposit, Caller: caller}
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		call.ValueErr = fmt.Errorf("%w: invalid request body", ErrMalformedValue)
	} else {
		call.Value, call.ValueErr = depositValue(req)
	}

	esc, err := h.service.Submit(c.Request.Context(), id, call)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": NewView(esc)})
}

// Release handles POST /v1/escrows/:id/release
func (h *Handler) Release(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	caller, ok := requireCaller(c)
	if !ok {
		return
	}

	esc, err := h.service.Release(c.Request.Context(), id, caller)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": NewView(esc)})
}

// Refund handles POST /v1/escrows/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	caller, ok := requireCaller(c)
	if !ok {
		return
	}

	esc, err := h.service.Refund(c.Request.Context(), id, caller)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": NewView(esc)})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}

	esc, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": NewView(esc)})
}

// GetAmount handles GET /v1/escrows/:id/amount
func (h *Handler) GetAmount(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}

	amount, err := h.service.Amount(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"amount":      amount.String(),
		"amountEther": ether.Format(amount),
	})
}

// GetState handles GET /v1/escrows/:id/state
func (h *Handler) GetState(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}

	state, err := h.service.State(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":     state,
		"stateName": state.String(),
	})
}

// ListEvents handles GET /v1/escrows/:id/events
func (h *Handler) ListEvents(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}

	events, err := h.service.Events(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	views := make([]EventView, len(events))
	for i, ev := range events {
		views[i] = NewEventView(ev)
	}
	c.JSON(http.StatusOK, gin.H{
		"events": views,
		"count":  len(views),
	})
}

// ListEscrows handles GET /v1/accounts/:address/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	address := c.Param("address")
	if !common.IsHexAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "address must be a valid Ethereum address (0x...)",
		})
		return
	}
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}

	page, err := h.service.ListByParty(c.Request.Context(), common.HexToAddress(address), limit, c.Query("cursor"))
	if err != nil {
		writeError(c, err)
		return
	}

	views := make([]View, len(page.Escrows))
	for i, e := range page.Escrows {
		views[i] = NewView(e)
	}
	resp := gin.H{
		"escrows": views,
		"count":   len(views),
		"hasMore": page.HasMore,
	}
	if page.HasMore {
		resp["nextCursor"] = page.NextCursor
	}
	c.JSON(http.StatusOK, resp)
}

func escrowID(c *gin.Context) (common.Address, bool) {
	id := c.Param("id")
	if !common.IsHexAddress(id) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "escrow id must be a valid address (0x...)",
		})
		return common.Address{}, false
	}
	return common.HexToAddress(id), true
}

func requireCaller(c *gin.Context) (common.Address, bool) {
	caller, ok := auth.Caller(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "signed request required",
		})
		return common.Address{}, false
	}
	return caller, true
}

// depositValue returns the attached value. An empty request is zero, which
// the state machine reports after the caller check.
func depositValue(req DepositRequest) (*big.Int, error) {
	if errs := validation.Validate(
		validation.AtMostOne("value", req.Value, "valueWei", req.ValueWei),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMalformedValue, errs.Error())
	}
	if req.ValueWei != "" {
		v, ok := ether.ParseWei(req.ValueWei)
		if !ok {
			return nil, fmt.Errorf("%w: valueWei must be a non-negative integer no larger than 2^256-1", ErrMalformedValue)
		}
		return v, nil
	}
	v, ok := ether.Parse(req.Value)
	if !ok {
		return nil, fmt.Errorf("%w: value must be a non-negative ether amount with at most 18 decimals", ErrMalformedValue)
	}
	return v, nil
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case IsAuthorization(err):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrZeroDeposit):
		status = http.StatusBadRequest
		code = "invalid_amount"
	case errors.Is(err, ErrMalformedValue):
		status = http.StatusBadRequest
		code = "invalid_request"
	case errors.Is(err, ErrInvalidState):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, pagination.ErrInvalidCursor):
		status = http.StatusBadRequest
		code = "invalid_request"
	case errors.Is(err, ErrInsufficientFunds):
		status = http.StatusPaymentRequired
		code = "insufficient_balance"
	case errors.Is(err, ErrBalanceOverflow):
		status = http.StatusConflict
		code = "balance_overflow"
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "escrow operation failed"
	}
	c.JSON(status, gin.H{"error": code, "message": message})
}
