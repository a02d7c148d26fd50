// Package server exposes the settlementd HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/draw"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/ledger"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/middleware"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/relay"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/store"
)

const maxBodyBytes = 1 << 20

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Relayer executes signed authorizations.
type Relayer interface {
	Execute(ctx context.Context, auth relay.SignedAuthorization) (*relay.Receipt, error)
}

// DrawRunner executes a period's draw.
type DrawRunner interface {
	Execute(ctx context.Context, period draw.Period) (*draw.Result, error)
}

// Config captures the dependencies of the HTTP API.
type Config struct {
	Store          *store.Store
	Relay          Relayer
	Draws          DrawRunner
	DrawLedger     ledger.Client
	PoolToken      common.Address
	TokenDecimals  int32
	DefaultChainID uint64
	Auth           *middleware.Authenticator
	Limiter        *middleware.RateLimiter
	Observability  *middleware.Observability
	Logger         *slog.Logger
	Now            func() time.Time
}

// Server serves the relay, prize pool and admin routes.
type Server struct {
	store          *store.Store
	relay          Relayer
	draws          DrawRunner
	drawLedger     ledger.Client
	poolToken      common.Address
	decimals       int32
	defaultChainID uint64
	auth           *middleware.Authenticator
	limiter        *middleware.RateLimiter
	obs            *middleware.Observability
	logger         *slog.Logger
	now            func() time.Time

	router http.Handler
}

// New constructs the API.
func New(cfg Config) *Server {
	s := &Server{
		store:          cfg.Store,
		relay:          cfg.Relay,
		draws:          cfg.Draws,
		drawLedger:     cfg.DrawLedger,
		poolToken:      cfg.PoolToken,
		decimals:       cfg.TokenDecimals,
		defaultChainID: cfg.DefaultChainID,
		auth:           cfg.Auth,
		limiter:        cfg.Limiter,
		obs:            cfg.Observability,
		logger:         cfg.Logger,
		now:            cfg.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.auth == nil {
		s.auth = middleware.NewAuthenticator(middleware.AuthConfig{}, s.logger)
	}
	if s.limiter == nil {
		s.limiter = middleware.NewRateLimiter(nil)
	}
	if s.obs == nil {
		s.obs = middleware.NewObservability(middleware.ObservabilityConfig{}, s.logger)
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the router wrapped in otel instrumentation.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "settlementd")
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", s.obs.MetricsHandler())

	relayLimit := s.limiter.Middleware("relay")
	r.With(s.obs.Middleware("/relay/transfer-3009"), relayLimit).Post("/relay/transfer-3009", s.TransferWithAuthorization)
	r.With(s.obs.Middleware("/relay/submit-authorization"), relayLimit).Post("/relay/submit-authorization", s.SubmitAuthorization)
	r.With(s.obs.Middleware("/authorization/{nonce}")).Get("/authorization/{nonce}", s.GetAuthorization)
	r.With(s.obs.Middleware("/transactions/{address}")).Get("/transactions/{address}", s.ListTransactions)

	r.Route("/prize-pool", func(pp chi.Router) {
		pp.With(s.obs.Middleware("/prize-pool/opt-in")).Post("/opt-in", s.OptIn)
		pp.With(s.obs.Middleware("/prize-pool/approval")).Post("/approval", s.RecordApproval)
		pp.With(s.obs.Middleware("/prize-pool/referrals")).Post("/referrals", s.CreateReferral)
		pp.With(s.obs.Middleware("/prize-pool/participants/{address}")).Get("/participants/{address}", s.GetParticipant)
		pp.With(s.obs.Middleware("/prize-pool/draws")).Get("/draws", s.ListDraws)
		pp.With(s.obs.Middleware("/prize-pool/draws/current")).Get("/draws/current", s.CurrentDraw)
		pp.With(s.obs.Middleware("/prize-pool/draws/{year}/{week}")).Get("/draws/{year}/{week}", s.GetDraw)
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.auth.Middleware(middleware.ScopeDrawAdmin))
		admin.With(s.obs.Middleware("/admin/prize-pool/sponsorships")).Post("/prize-pool/sponsorships", s.AddSponsorship)
		admin.With(s.obs.Middleware("/admin/draws/{year}/{week}/execute")).Post("/draws/{year}/{week}/execute", s.ExecuteDraw)
	})
	return r
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError maps repository failures onto HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("store failure",
			slog.String("path", r.URL.Path),
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func pathPeriod(r *http.Request) (draw.Period, error) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		return draw.Period{}, errors.New("invalid year")
	}
	week, err := strconv.Atoi(chi.URLParam(r, "week"))
	if err != nil {
		return draw.Period{}, errors.New("invalid week")
	}
	return draw.PeriodOf(year, week)
}
