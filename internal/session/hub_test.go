package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/solfight/match-engine/internal/match"
	"github.com/solfight/match-engine/internal/matchmaking"
	"github.com/solfight/match-engine/internal/model"
	"github.com/solfight/match-engine/internal/store"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// testAuth resolves "tok-<player>" tokens.
func testAuth(_ context.Context, token string) (string, error) {
	if id, ok := strings.CutPrefix(token, "tok-"); ok {
		return id, nil
	}
	return "", errors.New("unknown token")
}

func newTestHub(t *testing.T, cfg Config) (*Hub, *httptest.Server) {
	t.Helper()
	ctx := context.Background()

	st := store.NewMemoryStore()
	for _, id := range []string{"alice", "bob"} {
		p := &model.Player{ID: id, Available: d(1000), CreatedAt: time.Now().UTC()}
		if err := st.CreatePlayer(ctx, p); err != nil {
			t.Fatalf("create player: %v", err)
		}
	}

	eng := match.NewEngine(st, nil, match.DefaultConfig())
	q := matchmaking.NewQueue(st, eng.CreateMatch, nil, eng.HasActiveMatch)
	h := NewHub(st, q, eng, testAuth, cfg)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(srv.Close)
	return h, srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

// authConn dials and completes the auth handshake for player.
func authConn(t *testing.T, srv *httptest.Server, player string) *websocket.Conn {
	t.Helper()
	conn := dialWS(t, srv)
	if err := conn.WriteJSON(Command{Type: "auth", Token: "tok-" + player}); err != nil {
		t.Fatalf("send auth: %v", err)
	}
	ev := readEvent(t, conn)
	if ev.Type != "authenticated" {
		t.Fatalf("handshake event = %s (%s), want authenticated", ev.Type, ev.Error)
	}
	return conn
}

func TestAuthHandshake(t *testing.T) {
	_, srv := newTestHub(t, Config{})
	authConn(t, srv, "alice")
}

func TestAuthRejectsBadToken(t *testing.T) {
	_, srv := newTestHub(t, Config{})
	conn := dialWS(t, srv)

	conn.WriteJSON(Command{Type: "auth", Token: "bogus"})
	ev := readEvent(t, conn)
	if ev.Type != "error" || ev.Code != "auth_failed" {
		t.Fatalf("event = %s/%s, want error/auth_failed", ev.Type, ev.Code)
	}
	// The server closes the connection after the rejection.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection still open after failed auth")
	}
}

func TestAuthRequiredAsFirstFrame(t *testing.T) {
	_, srv := newTestHub(t, Config{})
	conn := dialWS(t, srv)

	conn.WriteJSON(Command{Type: "leave_queue"})
	ev := readEvent(t, conn)
	if ev.Code != "auth_failed" {
		t.Fatalf("code = %s, want auth_failed for non-auth first frame", ev.Code)
	}
}

func TestAuthTimeout(t *testing.T) {
	_, srv := newTestHub(t, Config{AuthTimeout: 100 * time.Millisecond})
	conn := dialWS(t, srv)

	// Say nothing; the deadline must close the connection.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err == nil && ev.Code != "auth_failed" {
		t.Fatalf("event = %+v, want auth_failed or closed connection", ev)
	}
}

func TestConnectionCapRejectsNewest(t *testing.T) {
	_, srv := newTestHub(t, Config{MaxConnsPerPlayer: 2})

	first := authConn(t, srv, "alice")
	authConn(t, srv, "alice")

	third := dialWS(t, srv)
	third.WriteJSON(Command{Type: "auth", Token: "tok-alice"})
	ev := readEvent(t, third)
	if ev.Code != "too_many_connections" {
		t.Fatalf("code = %s, want too_many_connections", ev.Code)
	}

	// Established connections keep working.
	if err := first.WriteJSON(Command{Type: "leave_queue"}); err != nil {
		t.Fatalf("established conn broken: %v", err)
	}
	if ev := readEvent(t, first); ev.Type != "queue_left" {
		t.Fatalf("event = %s, want queue_left", ev.Type)
	}
}

func TestJoinQueue(t *testing.T) {
	_, srv := newTestHub(t, Config{})
	conn := authConn(t, srv, "alice")

	conn.WriteJSON(Command{Type: "join_queue", Duration: 300, Wager: "100"})
	ev := readEvent(t, conn)
	if ev.Type != "queue_joined" {
		t.Fatalf("event = %s (%s), want queue_joined", ev.Type, ev.Error)
	}

	// Joining again is rejected with a stable code.
	conn.WriteJSON(Command{Type: "join_queue", Duration: 300, Wager: "100"})
	ev = readEvent(t, conn)
	if ev.Type != "command_rejected" || ev.Code != "already_queued" {
		t.Fatalf("event = %s/%s, want command_rejected/already_queued", ev.Type, ev.Code)
	}
}

func TestRateLimit(t *testing.T) {
	_, srv := newTestHub(t, Config{CommandsPerWindow: 1, CommandWindow: 10 * time.Second})
	conn := authConn(t, srv, "alice")

	conn.WriteJSON(Command{Type: "leave_queue"})
	if ev := readEvent(t, conn); ev.Type != "queue_left" {
		t.Fatalf("event = %s, want queue_left", ev.Type)
	}

	conn.WriteJSON(Command{Type: "leave_queue"})
	ev := readEvent(t, conn)
	if ev.Code != "rate_limited" {
		t.Fatalf("code = %s, want rate_limited", ev.Code)
	}
}

func TestUnknownCommand(t *testing.T) {
	_, srv := newTestHub(t, Config{})
	conn := authConn(t, srv, "alice")

	conn.WriteJSON(Command{Type: "self_destruct"})
	ev := readEvent(t, conn)
	if ev.Type != "command_rejected" || ev.Code != "invalid_request" {
		t.Fatalf("event = %s/%s, want command_rejected/invalid_request", ev.Type, ev.Code)
	}
}

func TestErrorCodes(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{matchmaking.ErrAlreadyQueued, "already_queued"},
		{matchmaking.ErrAlreadyInMatch, "already_in_match"},
		{matchmaking.ErrFundsInsufficient, "insufficient_funds"},
		{store.ErrInsufficientFunds, "insufficient_funds"},
		{match.ErrNoMatch, "no_match"},
		{match.ErrCommandLocked, "command_locked"},
		{errors.New("anything else"), "invalid_request"},
	}
	for _, tc := range cases {
		if got := errorCode(tc.err); got != tc.want {
			t.Errorf("errorCode(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
