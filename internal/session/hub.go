// Package session manages authenticated WebSocket connections: inbound
// command routing into matchmaking and the match engine, and outbound
// event and broadcast fan-out back to players.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/solfight/match-engine/internal/match"
	"github.com/solfight/match-engine/internal/matchmaking"
	"github.com/solfight/match-engine/internal/metrics"
	"github.com/solfight/match-engine/internal/model"
	"github.com/solfight/match-engine/internal/position"
	"github.com/solfight/match-engine/internal/ratelimit"
	"github.com/solfight/match-engine/internal/store"
)

var (
	// ErrAuthRequired is returned when the first frame is not a valid auth
	// command.
	ErrAuthRequired = errors.New("session: authentication required")

	// ErrTooManyConns is returned when a player exceeds the connection cap.
	// The newest connection is the one rejected.
	ErrTooManyConns = errors.New("session: too many connections for player")
)

// AuthFunc validates a client token and returns the player id it belongs
// to. Injected so the hub stays independent of the auth backend.
type AuthFunc func(ctx context.Context, token string) (string, error)

// Config tunes the session hub. Zero values fall back to defaults.
type Config struct {
	AuthTimeout       time.Duration // first frame must authenticate within this
	MaxConnsPerPlayer int
	ReadLimit         int64         // max inbound frame size in bytes
	PingInterval      time.Duration
	PongTimeout       time.Duration
	CommandsPerWindow int           // rate limit numerator
	CommandWindow     time.Duration // rate limit window
	QueueStatsEvery   time.Duration
	PriceTickEvery    time.Duration
	SummaryEvery      time.Duration
}

// DefaultConfig returns the recommended tuning.
func DefaultConfig() Config {
	return Config{
		AuthTimeout:       5 * time.Second,
		MaxConnsPerPlayer: 5,
		ReadLimit:         4096,
		PingInterval:      30 * time.Second,
		PongTimeout:       10 * time.Second,
		CommandsPerWindow: 30,
		CommandWindow:     10 * time.Second,
		QueueStatsEvery:   500 * time.Millisecond,
		PriceTickEvery:    time.Second,
		SummaryEvery:      3 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = def.AuthTimeout
	}
	if c.MaxConnsPerPlayer <= 0 {
		c.MaxConnsPerPlayer = def.MaxConnsPerPlayer
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = def.ReadLimit
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = def.PongTimeout
	}
	if c.CommandsPerWindow <= 0 {
		c.CommandsPerWindow = def.CommandsPerWindow
	}
	if c.CommandWindow <= 0 {
		c.CommandWindow = def.CommandWindow
	}
	if c.QueueStatsEvery <= 0 {
		c.QueueStatsEvery = def.QueueStatsEvery
	}
	if c.PriceTickEvery <= 0 {
		c.PriceTickEvery = def.PriceTickEvery
	}
	if c.SummaryEvery <= 0 {
		c.SummaryEvery = def.SummaryEvery
	}
	return c
}

// Command is one inbound client frame. Type selects which fields apply.
type Command struct {
	Type         string `json:"type"`
	Token        string `json:"token,omitempty"`
	MatchID      string `json:"match_id,omitempty"`
	Duration     int64  `json:"duration_seconds,omitempty"`
	Wager        string `json:"wager,omitempty"`
	Asset        string `json:"asset,omitempty"`
	Side         string `json:"side,omitempty"`
	Margin       string `json:"margin,omitempty"`
	Leverage     int    `json:"leverage,omitempty"`
	StopLoss     string `json:"stop_loss,omitempty"`
	TakeProfit   string `json:"take_profit,omitempty"`
	TrailingDist string `json:"trailing_dist,omitempty"`
	PositionID   string `json:"position_id,omitempty"`
}

// Event is one outbound frame.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
	Code    string `json:"code,omitempty"`  // machine-readable error code
	Error   string `json:"error,omitempty"` // human-readable error text
}

// session is one authenticated connection. Outbound frames go through the
// buffered send channel so slow clients never block the broadcast path.
type session struct {
	id       string // rate-limit key; limits are per connection
	conn     *websocket.Conn
	playerID string
	send     chan []byte
	closed   chan struct{}
	once     sync.Once
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

// Hub owns all live sessions. It implements match.EventSink and the
// settlement sink, turning engine callbacks into frames for the players
// involved.
type Hub struct {
	store   store.Store
	queue   *matchmaking.Queue
	engine  *match.Engine
	auth    AuthFunc
	limiter *ratelimit.Limiter
	cfg     Config

	mu       sync.RWMutex
	sessions map[string][]*session // player → connections, oldest first

	done    chan struct{}
	stopped chan struct{}
}

// NewHub creates the session hub.
func NewHub(st store.Store, q *matchmaking.Queue, eng *match.Engine, auth AuthFunc, cfg Config) *Hub {
	cfg = cfg.withDefaults()
	return &Hub{
		store:    st,
		queue:    q,
		engine:   eng,
		auth:     auth,
		limiter:  ratelimit.NewLimiter(cfg.CommandsPerWindow, cfg.CommandWindow),
		cfg:      cfg,
		sessions: make(map[string][]*session),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // origin checks happen at the gateway
	},
}

// HandleWS upgrades GET /api/v1/ws. The first frame must be an auth
// command; everything after is rate-limited command traffic.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(h.cfg.ReadLimit)

	playerID, err := h.authenticate(r.Context(), conn)
	if err != nil {
		writeEvent(conn, Event{Type: "error", Code: "auth_failed", Error: err.Error()})
		conn.Close()
		return
	}

	s := &session{
		id:       uuid.New().String(),
		conn:     conn,
		playerID: playerID,
		send:     make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
	if err := h.register(s); err != nil {
		writeEvent(conn, Event{Type: "error", Code: "too_many_connections", Error: err.Error()})
		conn.Close()
		return
	}

	h.sendTo(playerID, Event{Type: "authenticated", Payload: map[string]string{"player_id": playerID}})
	go h.writePump(s)
	h.readPump(s)
}

// authenticate reads the first frame under the auth deadline.
func (h *Hub) authenticate(ctx context.Context, conn *websocket.Conn) (string, error) {
	conn.SetReadDeadline(time.Now().Add(h.cfg.AuthTimeout))
	var cmd Command
	if err := conn.ReadJSON(&cmd); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthRequired, err)
	}
	if cmd.Type != "auth" || cmd.Token == "" {
		return "", ErrAuthRequired
	}
	playerID, err := h.auth(ctx, cmd.Token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthRequired, err)
	}
	return playerID, nil
}

// register adds the session unless the player is at the connection cap.
// The cap rejects the incoming connection, never an established one.
func (h *Hub) register(s *session) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.sessions[s.playerID]) >= h.cfg.MaxConnsPerPlayer {
		return fmt.Errorf("%w: %d active", ErrTooManyConns, len(h.sessions[s.playerID]))
	}
	h.sessions[s.playerID] = append(h.sessions[s.playerID], s)
	metrics.WebSocketClients.Inc()

	h.engine.OnReconnect(s.playerID)
	slog.Info("ws client connected", "player", s.playerID, "conns", len(h.sessions[s.playerID]))
	return nil
}

// unregister removes the session; the last connection for a player starts
// the engine's disconnect grace window.
func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	conns := h.sessions[s.playerID]
	for i, c := range conns {
		if c == s {
			h.sessions[s.playerID] = append(conns[:i], conns[i+1:]...)
			metrics.WebSocketClients.Dec()
			break
		}
	}
	last := len(h.sessions[s.playerID]) == 0
	if last {
		delete(h.sessions, s.playerID)
	}
	h.mu.Unlock()

	s.close()
	h.limiter.Forget(s.id)
	if last {
		h.engine.OnDisconnect(s.playerID)
		slog.Info("ws client disconnected", "player", s.playerID)
	}
}

// readPump consumes commands until the connection drops.
func (h *Hub) readPump(s *session) {
	defer h.unregister(s)

	s.conn.SetReadDeadline(time.Now().Add(h.cfg.PingInterval + h.cfg.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(h.cfg.PingInterval + h.cfg.PongTimeout))
		return nil
	})

	for {
		var cmd Command
		if err := s.conn.ReadJSON(&cmd); err != nil {
			return
		}
		h.dispatch(s, cmd)
	}
}

// writePump drains the send channel and keeps the connection alive with
// pings.
func (h *Hub) writePump(s *session) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-s.closed:
			return
		case <-h.done:
			return
		}
	}
}

// dispatch routes one command, applying the per-player rate limit first.
func (h *Hub) dispatch(s *session, cmd Command) {
	if err := h.limiter.Allow(s.id); err != nil {
		h.reject(s, cmd.Type, err)
		return
	}

	var err error
	switch cmd.Type {
	case "join_queue":
		err = h.joinQueue(s, cmd)
	case "leave_queue":
		h.queue.Dequeue(s.playerID)
		h.sendTo(s.playerID, Event{Type: "queue_left"})
	case "confirm_deposit":
		err = h.engine.ConfirmDeposit(context.Background(), cmd.MatchID, s.playerID)
		if err == nil {
			h.sendTo(s.playerID, Event{Type: "deposit_confirmed", Payload: map[string]string{"match_id": cmd.MatchID}})
		}
	case "open_position":
		err = h.openPosition(s, cmd)
	case "close_position":
		var p *model.Position
		p, err = h.engine.ClosePosition(s.playerID, cmd.PositionID)
		if err == nil {
			h.sendTo(s.playerID, Event{Type: "position_update", Payload: p})
		}
	default:
		err = fmt.Errorf("unknown command type %q", cmd.Type)
	}
	if err != nil {
		h.reject(s, cmd.Type, err)
	}
}

func (h *Hub) joinQueue(s *session, cmd Command) error {
	wager, err := decimal.NewFromString(cmd.Wager)
	if err != nil {
		return fmt.Errorf("invalid wager: %w", err)
	}
	entry, err := h.queue.Enqueue(s.playerID, time.Duration(cmd.Duration)*time.Second, wager)
	if err != nil {
		return err
	}
	h.sendTo(s.playerID, Event{Type: "queue_joined", Payload: entry})
	return nil
}

func (h *Hub) openPosition(s *session, cmd Command) error {
	margin, err := decimal.NewFromString(cmd.Margin)
	if err != nil {
		return fmt.Errorf("invalid margin: %w", err)
	}
	stops, err := parseStops(cmd)
	if err != nil {
		return err
	}
	p, err := h.engine.OpenPosition(s.playerID, cmd.Asset, model.Side(cmd.Side), margin, cmd.Leverage, stops)
	if err != nil {
		return err
	}
	h.sendTo(s.playerID, Event{Type: "position_update", Payload: p})
	return nil
}

func parseStops(cmd Command) (position.StopParams, error) {
	var stops position.StopParams
	var err error
	if cmd.StopLoss != "" {
		if stops.StopLoss, err = decimal.NewFromString(cmd.StopLoss); err != nil {
			return stops, fmt.Errorf("invalid stop_loss: %w", err)
		}
	}
	if cmd.TakeProfit != "" {
		if stops.TakeProfit, err = decimal.NewFromString(cmd.TakeProfit); err != nil {
			return stops, fmt.Errorf("invalid take_profit: %w", err)
		}
	}
	if cmd.TrailingDist != "" {
		if stops.TrailingDist, err = decimal.NewFromString(cmd.TrailingDist); err != nil {
			return stops, fmt.Errorf("invalid trailing_dist: %w", err)
		}
	}
	return stops, nil
}

// reject sends a typed error frame and counts it.
func (h *Hub) reject(s *session, cmdType string, err error) {
	code := errorCode(err)
	metrics.CommandsRejectedTotal.WithLabelValues(code).Inc()
	h.sendTo(s.playerID, Event{
		Type:  "command_rejected",
		Code:  code,
		Error: fmt.Sprintf("%s: %v", cmdType, err),
	})
}

// errorCode maps domain errors to stable machine-readable codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ratelimit.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, matchmaking.ErrAlreadyQueued):
		return "already_queued"
	case errors.Is(err, matchmaking.ErrAlreadyInMatch):
		return "already_in_match"
	case errors.Is(err, matchmaking.ErrFundsInsufficient),
		errors.Is(err, store.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, match.ErrNoMatch):
		return "no_match"
	case errors.Is(err, match.ErrMatchNotActive):
		return "match_not_active"
	case errors.Is(err, match.ErrNotParticipant):
		return "not_participant"
	case errors.Is(err, match.ErrAlreadyDeposited):
		return "already_deposited"
	case errors.Is(err, match.ErrPriceUnavailable):
		return "price_unavailable"
	case errors.Is(err, match.ErrCommandLocked):
		return "command_locked"
	case errors.Is(err, position.ErrInvalidLeverage):
		return "invalid_leverage"
	case errors.Is(err, position.ErrInsufficientMargin):
		return "insufficient_margin"
	case errors.Is(err, position.ErrInvalidStop):
		return "invalid_stop"
	case errors.Is(err, position.ErrPositionNotOpen):
		return "position_not_open"
	default:
		return "invalid_request"
	}
}

// sendTo queues an event for every connection of one player. Frames are
// dropped, not blocked on, when a client's buffer is full.
func (h *Hub) sendTo(playerID string, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.RLock()
	conns := h.sessions[playerID]
	h.mu.RUnlock()
	for _, s := range conns {
		select {
		case s.send <- data:
		default:
		}
	}
}

// broadcast queues an event for every connected player.
func (h *Hub) broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conns := range h.sessions {
		for _, s := range conns {
			select {
			case s.send <- data:
			default:
			}
		}
	}
}

// writeEvent writes directly, bypassing the send channel. Only used before
// a session is registered.
func writeEvent(conn *websocket.Conn, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	conn.WriteMessage(websocket.TextMessage, data)
}

// NotifyQueueDrop tells a player their queue entry was dropped at pairing
// time. Used as the matchmaking queue's drop callback.
func (h *Hub) NotifyQueueDrop(playerID string, reason error) {
	h.sendTo(playerID, Event{
		Type:  "queue_dropped",
		Code:  errorCode(reason),
		Error: reason.Error(),
	})
}

// --- match.EventSink ---

func (h *Hub) MatchFound(m model.Match) {
	for _, pid := range []string{m.PlayerA, m.PlayerB} {
		h.sendTo(pid, Event{Type: "match_found", Payload: m})
	}
}

func (h *Hub) MatchStarted(m model.Match) {
	for _, pid := range []string{m.PlayerA, m.PlayerB} {
		h.sendTo(pid, Event{Type: "match_started", Payload: m})
	}
}

func (h *Hub) PositionClosed(m model.Match, p model.Position) {
	h.sendTo(p.PlayerID, Event{Type: "position_closed", Payload: p})
}

func (h *Hub) MatchEnded(m model.Match, snap model.Snapshot) {
	for _, pid := range []string{m.PlayerA, m.PlayerB} {
		h.sendTo(pid, Event{Type: "match_ended", Payload: snap})
	}
}

func (h *Hub) MatchCancelled(m model.Match) {
	for _, pid := range []string{m.PlayerA, m.PlayerB} {
		h.sendTo(pid, Event{Type: "match_cancelled", Payload: m})
	}
}

// --- settlement.Sink ---

func (h *Hub) Settled(m model.Match, rec model.SettlementRecord) {
	for _, pid := range []string{m.PlayerA, m.PlayerB} {
		h.sendTo(pid, Event{Type: "settled", Payload: rec})
	}
}

func (h *Hub) BalanceUpdated(playerID string) {
	p, err := h.store.GetPlayer(context.Background(), playerID)
	if err != nil {
		return
	}
	h.sendTo(playerID, Event{Type: "balance_update", Payload: map[string]any{
		"available": p.Available,
		"frozen":    p.Frozen,
	}})
}

// --- periodic broadcasts ---

// Start runs the broadcast loops: queue stats, price ticks, and opponent
// summaries, each on its own cadence.
func (h *Hub) Start(ctx context.Context) {
	go func() {
		defer close(h.stopped)

		queueStats := time.NewTicker(h.cfg.QueueStatsEvery)
		priceTicks := time.NewTicker(h.cfg.PriceTickEvery)
		summaries := time.NewTicker(h.cfg.SummaryEvery)
		defer queueStats.Stop()
		defer priceTicks.Stop()
		defer summaries.Stop()

		for {
			select {
			case <-queueStats.C:
				h.broadcastQueueStats()
			case <-priceTicks.C:
				h.broadcastPrices()
			case <-summaries.C:
				h.broadcastSummaries()
			case <-h.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the broadcast loops and closes every session.
func (h *Hub) Stop() {
	close(h.done)
	<-h.stopped

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conns := range h.sessions {
		for _, s := range conns {
			s.close()
		}
	}
}

func (h *Hub) broadcastQueueStats() {
	stats := h.queue.Stats()
	if len(stats) == 0 {
		return
	}
	h.broadcast(Event{Type: "queue_stats", Payload: stats})
}

func (h *Hub) broadcastPrices() {
	prices := h.engine.Prices()
	if len(prices) == 0 {
		return
	}
	h.broadcast(Event{Type: "price_tick", Payload: prices})
}

// broadcastSummaries sends each in-match player their own and their
// opponent's equity digest.
func (h *Hub) broadcastSummaries() {
	h.mu.RLock()
	players := make([]string, 0, len(h.sessions))
	for pid := range h.sessions {
		players = append(players, pid)
	}
	h.mu.RUnlock()

	for _, pid := range players {
		self, opp, err := h.engine.Summary(pid)
		if err != nil {
			continue // not in a match
		}
		h.sendTo(pid, Event{Type: "summary", Payload: map[string]match.PlayerSummary{
			"self":     self,
			"opponent": opp,
		}})
	}
}
