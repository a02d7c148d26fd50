package server

import (
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/draw"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/models"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/relay"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/store"
)

type optInRequest struct {
	Address      string `json:"address"`
	OptInPercent *int   `json:"optInPercent"`
}

type approvalRequest struct {
	Address string `json:"address"`
	TxHash  string `json:"txHash"`
}

type referralRequest struct {
	Referrer string `json:"referrer"`
	Referee  string `json:"referee"`
}

type participantView struct {
	Settings *models.ParticipantSettings `json:"settings"`
	Snapshot *models.YieldSnapshot       `json:"snapshot,omitempty"`
	Referees int64                       `json:"referees"`
}

type drawView struct {
	models.Draw
	TotalPoolDisplay string        `json:"totalPoolDisplay"`
	Sponsored        models.Amount `json:"sponsored"`
	SponsoredDisplay string        `json:"sponsoredDisplay"`
}

// OptIn sets the share of weekly yield a wallet pledges.
func (s *Server) OptIn(w http.ResponseWriter, r *http.Request) {
	var req optInRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if !addressPattern.MatchString(req.Address) {
		writeError(w, http.StatusBadRequest, relay.ErrInvalidAddress.Error())
		return
	}
	if req.OptInPercent == nil {
		writeError(w, http.StatusBadRequest, "optInPercent is required")
		return
	}
	settings, err := s.store.UpsertOptIn(r.Context(), req.Address, *req.OptInPercent)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// RecordApproval marks a wallet as approved once its on-ledger allowance to
// the facilitator is non-zero.
func (s *Server) RecordApproval(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if !addressPattern.MatchString(req.Address) {
		writeError(w, http.StatusBadRequest, relay.ErrInvalidAddress.Error())
		return
	}
	if s.drawLedger == nil || s.drawLedger.Facilitator() == (common.Address{}) {
		writeError(w, http.StatusServiceUnavailable, "facilitator not configured")
		return
	}
	allowance, err := s.drawLedger.Allowance(r.Context(), s.poolToken, common.HexToAddress(req.Address), s.drawLedger.Facilitator())
	if err != nil {
		s.logger.Warn("read allowance", slog.String("participant", strings.ToLower(req.Address)), slog.Any("error", err))
		writeError(w, http.StatusBadGateway, "allowance lookup failed")
		return
	}
	if allowance.Sign() == 0 {
		writeError(w, http.StatusBadRequest, "no allowance granted to facilitator")
		return
	}
	settings, err := s.store.RecordApproval(r.Context(), req.Address, req.TxHash)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// CreateReferral records an immutable referrer edge.
func (s *Server) CreateReferral(w http.ResponseWriter, r *http.Request) {
	var req referralRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if !addressPattern.MatchString(req.Referrer) || !addressPattern.MatchString(req.Referee) {
		writeError(w, http.StatusBadRequest, relay.ErrInvalidAddress.Error())
		return
	}
	referral, err := s.store.CreateReferral(r.Context(), req.Referrer, req.Referee)
	if errors.Is(err, store.ErrDuplicate) {
		writeError(w, http.StatusConflict, "referee already has a referrer")
		return
	}
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, referral)
}

// GetParticipant returns a wallet's settings, checkpoint and referee count.
func (s *Server) GetParticipant(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if !addressPattern.MatchString(address) {
		writeError(w, http.StatusBadRequest, relay.ErrInvalidAddress.Error())
		return
	}
	ctx := r.Context()
	settings, err := s.store.GetParticipant(ctx, address)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	view := participantView{Settings: settings}
	snap, err := s.store.GetSnapshot(ctx, address)
	switch {
	case err == nil:
		view.Snapshot = snap
	case !errors.Is(err, store.ErrNotFound):
		s.writeStoreError(w, r, err)
		return
	}
	if view.Referees, err = s.store.CountReferees(ctx, address); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ListDraws returns draw history newest first.
func (s *Server) ListDraws(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	rows, err := s.store.ListDraws(r.Context(), limit)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	out := make([]drawView, 0, len(rows))
	for _, row := range rows {
		view, err := s.viewDraw(r, row)
		if err != nil {
			s.writeStoreError(w, r, err)
			return
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"draws": out})
}

// CurrentDraw returns the draw of the period containing now.
func (s *Server) CurrentDraw(w http.ResponseWriter, r *http.Request) {
	s.writeDraw(w, r, draw.PeriodAt(s.now()))
}

// GetDraw returns one period's draw.
func (s *Server) GetDraw(w http.ResponseWriter, r *http.Request) {
	period, err := pathPeriod(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeDraw(w, r, period)
}

func (s *Server) writeDraw(w http.ResponseWriter, r *http.Request, period draw.Period) {
	row, err := s.store.GetDraw(r.Context(), period.Week, period.Year)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "draw not found")
		return
	}
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	view, err := s.viewDraw(r, *row)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) viewDraw(r *http.Request, row models.Draw) (drawView, error) {
	sponsored, err := s.store.SponsoredTotal(r.Context(), row.WeekNumber, row.Year)
	if err != nil {
		return drawView{}, err
	}
	return drawView{
		Draw:             row,
		TotalPoolDisplay: s.display(row.TotalPool.Big()),
		Sponsored:        models.NewAmount(sponsored),
		SponsoredDisplay: s.display(sponsored),
	}, nil
}

// display renders base units as a token-denominated decimal string.
func (s *Server) display(v *big.Int) string {
	return decimal.NewFromBigInt(v, -s.decimals).String()
}
