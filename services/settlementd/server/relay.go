package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/relay"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/store"
)

type transferRequest struct {
	ChainID   relay.Uint      `json:"chainId"`
	Token     string          `json:"token"`
	TypedData relay.TypedData `json:"typedData"`
	Signature string          `json:"signature"`
}

type submitRequest struct {
	Authorization *relay.SignedAuthorization `json:"authorization"`
}

// TransferWithAuthorization relays a live wallet request. The top-level
// chainId and token must describe the same token as the signed domain.
func (s *Server) TransferWithAuthorization(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%v: %v", relay.ErrMalformed, err))
		return
	}
	if req.TypedData.PrimaryType != "" && req.TypedData.PrimaryType != relay.PrimaryType {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%v: primaryType %q", relay.ErrMalformed, req.TypedData.PrimaryType))
		return
	}
	domain := req.TypedData.Domain
	if req.ChainID.IsSet() && domain.ChainID.IsSet() && req.ChainID.Big().Cmp(domain.ChainID.Big()) != 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%v: chainId disagrees with signed domain", relay.ErrUnsupportedChain))
		return
	}
	if req.Token != "" && !strings.EqualFold(strings.TrimSpace(req.Token), strings.TrimSpace(domain.VerifyingContract)) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%v: token disagrees with signed domain", relay.ErrUnsupportedToken))
		return
	}
	s.relayAuthorization(w, r, relay.SignedAuthorization{
		Domain:    domain,
		Message:   req.TypedData.Message,
		Signature: req.Signature,
	})
}

// SubmitAuthorization relays an authorization carried out of band.
func (s *Server) SubmitAuthorization(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%v: %v", relay.ErrMalformed, err))
		return
	}
	if req.Authorization == nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%v: authorization is required", relay.ErrMalformed))
		return
	}
	s.relayAuthorization(w, r, *req.Authorization)
}

func (s *Server) relayAuthorization(w http.ResponseWriter, r *http.Request, auth relay.SignedAuthorization) {
	receipt, err := s.relay.Execute(r.Context(), auth)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, receipt)
	case relay.IsRejection(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("relay failure", slog.String("nonce", auth.Message.Nonce), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// GetAuthorization returns the stored authorization for a nonce on one chain.
func (s *Server) GetAuthorization(w http.ResponseWriter, r *http.Request) {
	chainID := s.defaultChainID
	if raw := r.URL.Query().Get("chainId"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid chainId")
			return
		}
		chainID = parsed
	}
	auth, err := s.store.GetAuthorization(r.Context(), chi.URLParam(r, "nonce"), chainID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "authorization not found")
		return
	}
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, auth)
}

// ListTransactions returns the debit/credit history of an address.
func (s *Server) ListTransactions(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if !addressPattern.MatchString(address) {
		writeError(w, http.StatusBadRequest, relay.ErrInvalidAddress.Error())
		return
	}
	var chainID uint64
	if raw := r.URL.Query().Get("chainId"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid chainId")
			return
		}
		chainID = parsed
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	records, err := s.store.ListTransactions(r.Context(), address, chainID, limit)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": records})
}
