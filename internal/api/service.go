// Package api provides the HTTP handlers for player registration, match
// and trade queries, queue stats, and the price feed ingest endpoint.
//
// All monetary values use shopspring/decimal — never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/solfight/match-engine/internal/match"
	"github.com/solfight/match-engine/internal/matchmaking"
	"github.com/solfight/match-engine/internal/model"
	"github.com/solfight/match-engine/internal/store"
)

// Service handles the REST surface. Real-time traffic goes through the
// session hub; these endpoints cover registration, history, and the feed.
type Service struct {
	store  store.Store
	queue  *matchmaking.Queue
	engine *match.Engine
}

// NewService creates the API service.
func NewService(st store.Store, q *matchmaking.Queue, eng *match.Engine) *Service {
	return &Service{store: st, queue: q, engine: eng}
}

// --- Request/Response types ---

// RegisterRequest is the JSON body for player registration.
type RegisterRequest struct {
	Wallet   string `json:"wallet"`
	GamerTag string `json:"gamer_tag"`
}

// DepositRequest is the JSON body for an escrow deposit confirmation,
// posted by the payment watcher once funds land on chain.
type DepositRequest struct {
	PlayerID string `json:"player_id"`
}

// TickRequest is the JSON body for POST /ticks: one or more feed
// observations.
type TickRequest struct {
	Ticks []model.PriceTick `json:"ticks"`
}

// --- HTTP Handlers ---

// RegisterPlayer handles POST /api/v1/players
func (s *Service) RegisterPlayer(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Wallet == "" {
		writeError(w, "wallet is required", http.StatusBadRequest)
		return
	}

	p := &model.Player{
		ID:        req.Wallet,
		GamerTag:  req.GamerTag,
		Available: decimal.Zero,
		Frozen:    decimal.Zero,
		EloRating: model.DefaultElo,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreatePlayer(r.Context(), p); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(p)
}

// GetPlayer handles GET /api/v1/players/{playerID}
func (s *Service) GetPlayer(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPlayer(r.Context(), chi.URLParam(r, "playerID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p)
}

// GetPlayerTrades handles GET /api/v1/players/{playerID}/trades
func (s *Service) GetPlayerTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.GetTradesByPlayer(r.Context(), chi.URLParam(r, "playerID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trades)
}

// GetMatch handles GET /api/v1/matches/{matchID}. Live matches come from
// the engine (current phase, deposits); settled ones from the store.
func (s *Service) GetMatch(w http.ResponseWriter, r *http.Request) {
	matchID := chi.URLParam(r, "matchID")

	m, err := s.engine.MatchState(matchID)
	if err != nil {
		stored, serr := s.store.GetMatch(r.Context(), matchID)
		if serr != nil {
			writeStoreError(w, serr)
			return
		}
		m = *stored
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(m)
}

// GetMatchTrades handles GET /api/v1/matches/{matchID}/trades
func (s *Service) GetMatchTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.GetTradesByMatch(r.Context(), chi.URLParam(r, "matchID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trades)
}

// GetSettlement handles GET /api/v1/matches/{matchID}/settlement
func (s *Service) GetSettlement(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetSettlement(r.Context(), chi.URLParam(r, "matchID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

// ConfirmDeposit handles POST /api/v1/matches/{matchID}/deposits
func (s *Service) ConfirmDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	err := s.engine.ConfirmDeposit(r.Context(), chi.URLParam(r, "matchID"), req.PlayerID)
	switch {
	case err == nil:
	case errors.Is(err, match.ErrNoMatch):
		writeError(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, match.ErrAlreadyDeposited):
		writeError(w, err.Error(), http.StatusConflict)
		return
	default:
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "confirmed"})
}

// GetPlatform handles GET /api/v1/platform
func (s *Service) GetPlatform(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetPlatformStats(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// QueueStats handles GET /api/v1/queue/stats
func (s *Service) QueueStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.queue.Stats())
}

// IngestTicks handles POST /api/v1/ticks. The feed gateway batches
// observations; duplicates and out-of-order ticks are ignored downstream.
func (s *Service) IngestTicks(w http.ResponseWriter, r *http.Request) {
	var req TickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	for _, tick := range req.Ticks {
		if tick.Asset == "" || tick.Price.LessThanOrEqual(decimal.Zero) {
			writeError(w, "tick requires asset and positive price", http.StatusBadRequest)
			return
		}
	}
	for _, tick := range req.Ticks {
		s.engine.ApplyPriceTick(tick)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"accepted": len(req.Ticks)})
}

// GetPrices handles GET /api/v1/prices
func (s *Service) GetPrices(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.engine.Prices())
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	writeError(w, err.Error(), http.StatusInternalServerError)
}
