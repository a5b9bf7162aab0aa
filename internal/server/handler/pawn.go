package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/bullpawn/bullpawn/internal/domain"
	"github.com/bullpawn/bullpawn/internal/loan"
	"github.com/bullpawn/bullpawn/internal/service"
)

// PawnService defines the loan operations the pawn handler exposes.
type PawnService interface {
	QuoteLoan(ctx context.Context, collateral *big.Int) (service.LoanQuote, error)
	CreatePosition(ctx context.Context, owner string, collateral *big.Int) (service.CreateResult, error)
	RedeemPosition(ctx context.Context, owner string, id uint64, offered *big.Int) (service.CloseResult, error)
	LiquidatePosition(ctx context.Context, id uint64) (service.CloseResult, error)
	CheckLiquidatable(ctx context.Context, id uint64) (bool, error)
	RepaymentQuote(ctx context.Context, id uint64) (*big.Int, error)
	GetPosition(ctx context.Context, id uint64) (domain.Position, error)
	ListPositions(ctx context.Context, owner string) ([]domain.Position, error)
	Balances(ctx context.Context, address string) (map[string]*big.Int, error)
}

// PawnHandler serves the /api/pawn endpoints. Requests that omit an owner
// act on behalf of the operator wallet that signs contract transactions.
type PawnHandler struct {
	pawn     PawnService
	operator string
	logger   *slog.Logger
}

// NewPawnHandler creates a PawnHandler.
func NewPawnHandler(pawn PawnService, operator string, logger *slog.Logger) *PawnHandler {
	return &PawnHandler{pawn: pawn, operator: operator, logger: logHandler(logger, "pawn")}
}

type positionResponse struct {
	ID               uint64  `json:"id"`
	Owner            string  `json:"owner"`
	State            string  `json:"state"`
	CollateralAmount string  `json:"collateral_amount"`
	Principal        string  `json:"principal"`
	CreationPrice    string  `json:"creation_price"`
	LTVBps           int64   `json:"ltv_bps"`
	InterestRateBps  int64   `json:"interest_rate_bps"`
	CreatedAt        string  `json:"created_at"`
	MaturityAt       string  `json:"maturity_at"`
	ClosedAt         *string `json:"closed_at,omitempty"`
	CreateTx         string  `json:"create_tx,omitempty"`
	CloseTx          string  `json:"close_tx,omitempty"`
	ChainPositionID  uint64  `json:"chain_position_id,omitempty"`
}

func newPositionResponse(p domain.Position) positionResponse {
	out := positionResponse{
		ID:               p.ID,
		Owner:            p.Owner,
		State:            string(p.State),
		CollateralAmount: loan.FormatUnits(p.CollateralAmount, loan.CollateralDecimals),
		Principal:        loan.FormatUnits(p.Principal, loan.StableDecimals),
		CreationPrice:    loan.FormatUnits(p.CreationPrice, domain.PriceDecimals),
		LTVBps:           p.LTVBps,
		InterestRateBps:  p.InterestRateBps,
		CreatedAt:        p.CreatedAt.UTC().Format(time.RFC3339),
		MaturityAt:       p.MaturityAt.UTC().Format(time.RFC3339),
		CreateTx:         string(p.CreateTxRef),
		CloseTx:          string(p.CloseTxRef),
		ChainPositionID:  p.ChainPositionID,
	}
	if p.ClosedAt != nil {
		s := p.ClosedAt.UTC().Format(time.RFC3339)
		out.ClosedAt = &s
	}
	return out
}

func (h *PawnHandler) owner(s string) string {
	if s == "" {
		return h.operator
	}
	return s
}

type quoteRequest struct {
	ETHAmount string `json:"ethAmount"`
}

type quoteResponse struct {
	Collateral       string        `json:"collateral"`
	Principal        string        `json:"principal"`
	Repayment        string        `json:"repayment"`
	LiquidationPrice string        `json:"liquidation_price"`
	MaturityAt       string        `json:"maturity_at"`
	Price            priceResponse `json:"price"`
}

// Quote previews the loan for an ETH amount.
// POST /api/pawn/quote
func (h *PawnHandler) Quote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	collateral, err := parseAmount("ethAmount", req.ETHAmount, loan.CollateralDecimals)
	if err != nil {
		writeServiceError(w, r, h.logger, "quote", err)
		return
	}
	q, err := h.pawn.QuoteLoan(r.Context(), collateral)
	if err != nil {
		writeServiceError(w, r, h.logger, "quote", err)
		return
	}
	writeJSON(w, http.StatusOK, quoteResponse{
		Collateral:       loan.FormatUnits(q.Collateral, loan.CollateralDecimals),
		Principal:        loan.FormatUnits(q.Principal, loan.StableDecimals),
		Repayment:        loan.FormatUnits(q.Repayment, loan.StableDecimals),
		LiquidationPrice: loan.FormatUnits(q.LiquidationPrice, domain.PriceDecimals),
		MaturityAt:       q.MaturityAt.Format(time.RFC3339),
		Price:            newPriceResponse(q.Price),
	})
}

type createRequest struct {
	Owner     string `json:"owner"`
	ETHAmount string `json:"ethAmount"`
}

type createResponse struct {
	PositionID uint64           `json:"positionId"`
	TxHash     string           `json:"txHash"`
	LoanAmount string           `json:"loanAmount"`
	Position   positionResponse `json:"position"`
}

// Create locks ETH collateral and issues the loan.
// POST /api/pawn/create
func (h *PawnHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	collateral, err := parseAmount("ethAmount", req.ETHAmount, loan.CollateralDecimals)
	if err != nil {
		writeServiceError(w, r, h.logger, "create", err)
		return
	}
	res, err := h.pawn.CreatePosition(r.Context(), h.owner(req.Owner), collateral)
	if err != nil {
		writeServiceError(w, r, h.logger, "create", err)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{
		PositionID: res.PositionID,
		TxHash:     string(res.TxRef),
		LoanAmount: loan.FormatUnits(res.Principal, loan.StableDecimals),
		Position:   newPositionResponse(res.Position),
	})
}

type redeemRequest struct {
	Owner      string `json:"owner"`
	PositionID uint64 `json:"positionId"`
	USDTAmount string `json:"usdtAmount"`
}

type closeResponse struct {
	PositionID uint64           `json:"positionId"`
	TxHash     string           `json:"txHash"`
	Repayment  string           `json:"repayment,omitempty"`
	Position   positionResponse `json:"position"`
}

// Redeem repays a loan and releases the collateral.
// POST /api/pawn/redeem
func (h *PawnHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.PositionID == 0 {
		writeError(w, http.StatusBadRequest, "positionId is required")
		return
	}
	offered, err := parseAmount("usdtAmount", req.USDTAmount, loan.StableDecimals)
	if err != nil {
		writeServiceError(w, r, h.logger, "redeem", err)
		return
	}
	res, err := h.pawn.RedeemPosition(r.Context(), h.owner(req.Owner), req.PositionID, offered)
	if err != nil {
		writeServiceError(w, r, h.logger, "redeem", err)
		return
	}
	writeJSON(w, http.StatusOK, closeResponse{
		PositionID: res.PositionID,
		TxHash:     string(res.TxRef),
		Repayment:  loan.FormatUnits(res.Repayment, loan.StableDecimals),
		Position:   newPositionResponse(res.Position),
	})
}

// Liquidate closes an under-collateralised position.
// POST /api/pawn/liquidate/{id}
func (h *PawnHandler) Liquidate(w http.ResponseWriter, r *http.Request) {
	id, err := positionID(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "liquidate", err)
		return
	}
	res, err := h.pawn.LiquidatePosition(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "liquidate", err)
		return
	}
	writeJSON(w, http.StatusOK, closeResponse{
		PositionID: res.PositionID,
		TxHash:     string(res.TxRef),
		Position:   newPositionResponse(res.Position),
	})
}

// CheckLiquidation reports whether a position may be liquidated now.
// GET /api/pawn/liquidate/{id}/check
func (h *PawnHandler) CheckLiquidation(w http.ResponseWriter, r *http.Request) {
	id, err := positionID(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "check liquidation", err)
		return
	}
	ok, err := h.pawn.CheckLiquidatable(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "check liquidation", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positionId": id, "shouldLiquidate": ok})
}

type positionDetailResponse struct {
	positionResponse
	RepaymentDue string `json:"repayment_due,omitempty"`
}

// GetPosition returns one position, with the amount due when it is active.
// GET /api/pawn/position/{id}
func (h *PawnHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := positionID(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "get position", err)
		return
	}
	pos, err := h.pawn.GetPosition(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get position", err)
		return
	}
	out := positionDetailResponse{positionResponse: newPositionResponse(pos)}
	if pos.State == domain.StateActive {
		if due, err := h.pawn.RepaymentQuote(r.Context(), id); err == nil {
			out.RepaymentDue = loan.FormatUnits(due, loan.StableDecimals)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// ListByOwner returns every position of an address.
// GET /api/pawn/user/{address}
func (h *PawnHandler) ListByOwner(w http.ResponseWriter, r *http.Request) {
	positions, err := h.pawn.ListPositions(r.Context(), pathParam(r, "address"))
	if err != nil {
		writeServiceError(w, r, h.logger, "list positions", err)
		return
	}
	out := make([]positionResponse, 0, len(positions))
	for _, p := range positions {
		out = append(out, newPositionResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}

// Balances returns the ETH and USDT balances of an address.
// GET /api/pawn/balances/{address}
func (h *PawnHandler) Balances(w http.ResponseWriter, r *http.Request) {
	bals, err := h.pawn.Balances(r.Context(), pathParam(r, "address"))
	if err != nil {
		writeServiceError(w, r, h.logger, "balances", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"eth":  loan.FormatUnits(bals[domain.BalanceETH], loan.CollateralDecimals),
		"usdt": loan.FormatUnits(bals[domain.BalanceUSDT], loan.StableDecimals),
	})
}
