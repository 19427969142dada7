// Package dashboard serves a small JSON API over the ledger, the exit
// manager and the discovery job.
package dashboard

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_autopilot/internal/discovery"
	"github.com/eddiefleurent/scranton_autopilot/internal/lock"
	"github.com/eddiefleurent/scranton_autopilot/internal/logging"
	"github.com/eddiefleurent/scranton_autopilot/internal/models"
	"github.com/eddiefleurent/scranton_autopilot/internal/monitor"
	"github.com/eddiefleurent/scranton_autopilot/internal/storage"
	"github.com/eddiefleurent/scranton_autopilot/internal/util"
)

// DiscoveryRunner runs one discovery pass. *discovery.Job implements it.
type DiscoveryRunner interface {
	RunAccount(ctx context.Context, userID, account string) (discovery.JobResult, error)
}

// Config configures the dashboard server.
type Config struct {
	Port      int
	AuthToken string
	UserID    string
	Account   string
}

// Server is the dashboard HTTP server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	ledger    storage.Ledger
	evaluator monitor.Evaluator
	discovery DiscoveryRunner
	logger    logrus.FieldLogger
	cfg       Config
}

// PositionView is the API representation of an open position.
type PositionView struct {
	models.Position
	ExpirationDate string  `json:"expiration_date,omitempty"`
	ProfitPercent  *string `json:"profit_percent,omitempty"`
	Discovered     bool    `json:"discovered"`
}

// PositionDetail adds the linked transactions to a PositionView.
type PositionDetail struct {
	PositionView
	Transactions []models.Transaction `json:"transactions"`
}

// Stats summarizes the account's open positions.
type Stats struct {
	OpenPositions      int             `json:"open_positions"`
	AppManaged         int             `json:"app_managed"`
	Discovered         int             `json:"discovered"`
	TotalOpeningValue  decimal.Decimal `json:"total_opening_value"`
	TotalUnrealizedPnL decimal.Decimal `json:"total_unrealized_pnl"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewServer creates a dashboard server. discovery may be nil, in which case
// POST /api/discovery answers 503.
func NewServer(cfg Config, ledger storage.Ledger, evaluator monitor.Evaluator, runner DiscoveryRunner, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{
		router:    chi.NewRouter(),
		ledger:    ledger,
		evaluator: evaluator,
		discovery: runner,
		logger:    logger,
		cfg:       cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.cfg.AuthToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/positions", s.handlePositions)
		r.Get("/positions/{id}", s.handlePosition)
		r.Get("/positions/{id}/exit", s.handlePositionExit)
		r.Post("/discovery", s.handleDiscovery)
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("Dashboard request")
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth for health check
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			s.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start starts the dashboard server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting dashboard server on port %d", s.cfg.Port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	positions, err := s.ledger.OpenPositions(r.Context(), s.cfg.UserID, s.cfg.Account)
	if err != nil {
		s.internalError(w, err, "Failed to load positions")
		return
	}

	stats := Stats{TotalOpeningValue: decimal.Zero, TotalUnrealizedPnL: decimal.Zero}
	for i := range positions {
		p := &positions[i]
		stats.OpenPositions++
		if p.IsAppManaged {
			stats.AppManaged++
		} else {
			stats.Discovered++
		}
		stats.TotalOpeningValue = stats.TotalOpeningValue.Add(p.OpeningValue)
		if p.UnrealizedPnL != nil {
			stats.TotalUnrealizedPnL = stats.TotalUnrealizedPnL.Add(*p.UnrealizedPnL)
		}
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.ledger.OpenPositions(r.Context(), s.cfg.UserID, s.cfg.Account)
	if err != nil {
		s.internalError(w, err, "Failed to load positions")
		return
	}

	views := make([]PositionView, 0, len(positions))
	for i := range positions {
		views = append(views, toView(&positions[i]))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	pos, ok := s.lookupPosition(w, r)
	if !ok {
		return
	}

	txs, err := s.ledger.TransactionsForPosition(r.Context(), pos.ID)
	if err != nil {
		s.internalError(w, err, "Failed to load transactions")
		return
	}
	if txs == nil {
		txs = []models.Transaction{}
	}
	s.writeJSON(w, http.StatusOK, PositionDetail{PositionView: toView(pos), Transactions: txs})
}

func (s *Server) handlePositionExit(w http.ResponseWriter, r *http.Request) {
	pos, ok := s.lookupPosition(w, r)
	if !ok {
		return
	}

	d, err := s.evaluator.ShouldExit(r.Context(), pos, nil)
	if err != nil {
		s.internalError(w, err, "Exit evaluation failed")
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	if s.discovery == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "discovery is disabled"})
		return
	}

	res, err := s.discovery.RunAccount(r.Context(), s.cfg.UserID, s.cfg.Account)
	if errors.Is(err, lock.ErrLockHeld) {
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: "discovery already running"})
		return
	}
	if err != nil {
		s.internalError(w, err, "Discovery failed")
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// lookupPosition writes a 404 for unknown ids and for positions that belong
// to another account.
func (s *Server) lookupPosition(w http.ResponseWriter, r *http.Request) (*models.Position, bool) {
	id := chi.URLParam(r, "id")
	pos, err := s.ledger.GetPosition(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) ||
		(err == nil && (pos.UserID != s.cfg.UserID || pos.AccountNumber != s.cfg.Account)) {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "position not found"})
		return nil, false
	}
	if err != nil {
		s.internalError(w, err, "Failed to load position")
		return nil, false
	}
	return pos, true
}

func toView(p *models.Position) PositionView {
	v := PositionView{Position: *p, Discovered: !p.IsAppManaged}
	if exp, ok := p.ExpirationDate(); ok {
		v.ExpirationDate = exp
	}
	if pct, ok := p.ProfitPercent(); ok {
		s := util.FormatPercent(pct, 1)
		v.ProfitPercent = &s
	}
	return v
}

func (s *Server) internalError(w http.ResponseWriter, err error, msg string) {
	s.logger.WithError(err).Error(msg)
	s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
