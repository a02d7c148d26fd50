package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/holiman/uint256"

	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/draw"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/middleware"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/models"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/store"
)

type sponsorshipRequest struct {
	Year   int    `json:"year"`
	Week   int    `json:"week"`
	Amount string `json:"amount"`
	TxHash string `json:"txHash"`
}

// AddSponsorship credits external funds to a period's prize.
func (s *Server) AddSponsorship(w http.ResponseWriter, r *http.Request) {
	var req sponsorshipRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	period, err := draw.PeriodOf(req.Year, req.Week)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := uint256.FromDecimal(strings.TrimSpace(req.Amount))
	if err != nil || amount.IsZero() {
		writeError(w, http.StatusBadRequest, "amount must be a positive base-unit integer")
		return
	}
	row, err := s.store.GetDraw(r.Context(), period.Week, period.Year)
	if err == nil && row.Status == models.DrawCompleted {
		writeError(w, http.StatusConflict, "draw already completed")
		return
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.writeStoreError(w, r, err)
		return
	}
	sponsorship, err := s.store.AddSponsorship(r.Context(), period.Week, period.Year, amount.ToBig(), req.TxHash)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.logger.Info("sponsorship recorded",
		slog.Int("week", period.Week),
		slog.Int("year", period.Year),
		slog.String("amount", amount.Dec()),
		slog.String("subject", middleware.Subject(r.Context())))
	writeJSON(w, http.StatusCreated, sponsorship)
}

// ExecuteDraw runs a period's draw outside the scheduler window.
func (s *Server) ExecuteDraw(w http.ResponseWriter, r *http.Request) {
	period, err := pathPeriod(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.draws.Execute(r.Context(), period)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, draw.ErrPayoutFailed), errors.Is(err, draw.ErrPayoutUnconfirmed):
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "result": res})
	default:
		s.logger.Error("operator draw failed", slog.Int("week", period.Week), slog.Int("year", period.Year), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
