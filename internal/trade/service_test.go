package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/cycles-transfer-station/cts-sub000/internal/amount"
	"github.com/cycles-transfer-station/cts-sub000/internal/engine"
	"github.com/cycles-transfer-station/cts-sub000/internal/logstore"
	"github.com/cycles-transfer-station/cts-sub000/internal/model"
	"github.com/cycles-transfer-station/cts-sub000/internal/platform"
	"github.com/cycles-transfer-station/cts-sub000/internal/platform/sim"
	"github.com/cycles-transfer-station/cts-sub000/internal/store"
	"github.com/cycles-transfer-station/cts-sub000/internal/trade"
)

var (
	ttcID = platform.MustPrincipal([]byte("trade-contract"))
	cmID  = platform.MustPrincipal([]byte("cm-caller"))
	admin = platform.MustPrincipal([]byte("controller"))
	alice = platform.MustPrincipal([]byte("alice"))
	bob   = platform.MustPrincipal([]byte("bob"))
)

type testEnv struct {
	eng    *engine.Engine
	ledger *sim.Ledger
	cm     *sim.CMCaller
	hub    *trade.WSHub
	router chi.Router
	now    time.Time
}

// newTestEnv wires an engine over simulated platform services behind a chi
// router. The cm_caller delivers its callbacks through the HTTP surface.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		ledger: sim.NewLedger(amount.Zero, 8),
		cm:     sim.NewCMCaller(cmID),
		hub:    trade.NewWSHub(),
		now:    time.Unix(1_700_000_000, 0),
	}
	mgmt := sim.NewManagement()

	cfg := engine.DefaultConfig()
	cfg.ID = ttcID
	cfg.CMCallerID = cmID
	cfg.Controllers = []platform.Principal{admin}
	cfg.LedgerFee = amount.Zero

	trades := logstore.New(logstore.Config{
		Name:      engine.LogTrades,
		LogSize:   model.TradeLogSize,
		FlushAt:   1 << 20,
		ChunkSize: model.TradeLogSize * 64,
		Module:    []byte("trades-storage"),
	}, mgmt, store.NewMemoryStorage(1<<30))
	positions := logstore.New(logstore.Config{
		Name:      engine.LogPositions,
		LogSize:   model.PositionLogSize,
		FlushAt:   1 << 20,
		ChunkSize: model.PositionLogSize * 64,
		Module:    []byte("positions-storage"),
	}, mgmt, store.NewMemoryStorage(1<<30))

	env.eng = engine.New(cfg, engine.Deps{
		Ledger:     env.ledger.As(ttcID),
		CMCaller:   env.cm,
		Management: mgmt,
		Trades:     trades,
		Positions:  positions,
		Events:     env.hub,
	})
	env.eng.SetClock(func() time.Time { return env.now })

	r := chi.NewRouter()
	trade.NewService(env.eng, env.hub).Mount(r)
	env.router = r

	env.cm.Attach(func(_ context.Context, caller platform.Principal, method string, quest platform.CMCallbackQuest, refunded amount.Amount) error {
		w := env.post(caller, method, quest, refunded.String())
		if w.Code != http.StatusNoContent {
			return fmt.Errorf("callback %s: %d %s", method, w.Code, w.Body.String())
		}
		return nil
	})
	return env
}

func custody(p platform.Principal) platform.Account {
	s := platform.PrincipalSubaccount(p)
	return platform.Account{Owner: ttcID, Subaccount: &s}
}

func (env *testEnv) post(caller platform.Principal, method string, body any, cycles string) *httptest.ResponseRecorder {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", "/api/v1/update/"+method, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if !caller.IsAnonymous() {
		req.Header.Set(trade.HeaderCaller, caller.String())
	}
	if cycles != "" {
		req.Header.Set(trade.HeaderCycles, cycles)
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func (env *testEnv) get(caller platform.Principal, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	if !caller.IsAnonymous() {
		req.Header.Set(trade.HeaderCaller, caller.String())
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func (env *testEnv) open(t *testing.T, caller platform.Principal, method string, tokens, rate uint64, cycles string) trade.OpenPositionResponse {
	t.Helper()
	w := env.post(caller, method, trade.OpenPositionRequest{Tokens: amount.New(tokens), Rate: amount.New(rate)}, cycles)
	if w.Code != http.StatusOK {
		t.Fatalf("%s: expected 200, got %d: %s", method, w.Code, w.Body.String())
	}
	var resp trade.OpenPositionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func (env *testEnv) settle(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for range 6 {
		env.eng.DoPayouts(ctx)
		if _, err := env.cm.Deliver(ctx); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) trade.ErrorResponse {
	t.Helper()
	var resp trade.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp
}

// --- Update tests ---

func TestCrossAndSettleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.Mint(custody(alice), amount.New(100_000))

	sell := env.open(t, alice, "sell_tokens", 100_000, 2, "")
	buy := env.open(t, bob, "buy_tokens", 100_000, 2, "200000")
	if sell.PositionID != 0 || buy.PositionID != 1 {
		t.Fatalf("expected ids 0 and 1, got %d and %d", sell.PositionID, buy.PositionID)
	}
	if buy.CyclesAccepted != amount.New(200_000) {
		t.Errorf("expected 200000 cycles accepted, got %s", buy.CyclesAccepted)
	}

	env.settle(t)

	if got := env.ledger.Balance(custody(bob)); got != amount.New(99_500) {
		t.Errorf("expected bob to hold 99500 tokens, got %s", got)
	}
	if got := env.cm.Received(alice); got != amount.New(199_000) {
		t.Errorf("expected alice to receive 199000 cycles, got %s", got)
	}

	w := env.get(platform.Principal{}, "/api/v1/trades/latest")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var latest engine.LatestTrades
	json.Unmarshal(w.Body.Bytes(), &latest)
	if len(latest.Trades) != 1 || latest.Trades[0].Rate != amount.New(2) {
		t.Fatalf("expected one trade at rate 2, got %+v", latest.Trades)
	}
}

func TestInspectMessageRejectsUnlistedMethod(t *testing.T) {
	env := newTestEnv(t)
	w := env.post(alice, "withdraw_cycles", map[string]string{}, "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestUpdateRequiresCaller(t *testing.T) {
	env := newTestEnv(t)
	w := env.post(platform.Principal{}, "buy_tokens", trade.OpenPositionRequest{Tokens: amount.New(20_000), Rate: amount.New(1)}, "20000")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	req := httptest.NewRequest("POST", "/api/v1/update/buy_tokens", strings.NewReader("{}"))
	req.Header.Set(trade.HeaderCaller, "0OIl")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed caller, got %d", rec.Code)
	}
}

func TestBuyErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		tokens uint64
		rate   uint64
		cycles string
		status int
		kind   string
	}{
		{"below minimum", 1, 1, "1", http.StatusBadRequest, "MinimumTokens"},
		{"zero rate", 20_000, 0, "0", http.StatusBadRequest, "RateCannotBeZero"},
		{"cycles too low", 20_000, 3, "59999", http.StatusPaymentRequired, "MsgCyclesTooLow"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.post(bob, "buy_tokens", trade.OpenPositionRequest{Tokens: amount.New(tt.tokens), Rate: amount.New(tt.rate)}, tt.cycles)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if resp := decodeError(t, w); resp.Kind != tt.kind {
				t.Errorf("expected kind %s, got %s", tt.kind, resp.Kind)
			}
		})
	}
}

func TestSellInsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.Mint(custody(alice), amount.New(15_000))

	w := env.post(alice, "sell_tokens", trade.OpenPositionRequest{Tokens: amount.New(20_000), Rate: amount.New(1)}, "")
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Kind   string                               `json:"kind"`
		Detail engine.InsufficientTokenBalanceError `json:"detail"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Detail.UsableBalance != amount.New(15_000) {
		t.Errorf("expected usable balance 15000, got %s", resp.Detail.UsableBalance)
	}
}

func TestVoidPosition(t *testing.T) {
	env := newTestEnv(t)
	pos := env.open(t, bob, "buy_tokens", 20_000, 1, "20000")

	w := env.post(alice, "void_position", trade.PositionIDRequest{PositionID: pos.PositionID}, "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a foreign position, got %d", w.Code)
	}

	w = env.post(bob, "void_position", trade.PositionIDRequest{PositionID: pos.PositionID}, "")
	if w.Code != http.StatusTooEarly {
		t.Fatalf("expected 425, got %d", w.Code)
	}

	env.now = env.now.Add(time.Hour + time.Second)
	w = env.post(bob, "void_position", trade.PositionIDRequest{PositionID: pos.PositionID}, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}

	w = env.get(platform.Principal{}, "/api/v1/users/"+bob.String()+"/void-positions")
	var voids []model.VoidPosition
	json.Unmarshal(w.Body.Bytes(), &voids)
	if len(voids) != 1 || voids[0].Cause != model.CauseUserCallVoidPosition {
		t.Fatalf("expected one user void, got %+v", voids)
	}

	w = env.post(bob, "void_position", trade.PositionIDRequest{PositionID: 99}, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestStopCalls(t *testing.T) {
	env := newTestEnv(t)

	w := env.post(alice, "set_stop_calls", map[string]bool{"stop": true}, "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-controller, got %d", w.Code)
	}
	w = env.post(admin, "set_stop_calls", map[string]bool{"stop": true}, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}

	w = env.post(bob, "buy_tokens", trade.OpenPositionRequest{Tokens: amount.New(20_000), Rate: amount.New(1)}, "20000")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Kind != "CanisterIsInMaintenance" {
		t.Errorf("expected maintenance, got %s", resp.Kind)
	}
}

func TestCallbackFromWrongCaller(t *testing.T) {
	env := newTestEnv(t)
	w := env.post(alice, engine.CallbackTradeCycles, platform.CMCallbackQuest{CallID: 1}, "0")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

// --- Query tests ---

func TestGetPositionBook(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.Mint(custody(alice), amount.New(100_000))
	env.open(t, alice, "sell_tokens", 20_000, 3, "")
	env.open(t, alice, "sell_tokens", 30_000, 2, "")
	env.open(t, alice, "sell_tokens", 10_000, 2, "")

	w := env.get(platform.Principal{}, "/api/v1/book/sell")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var page engine.BookPage
	json.Unmarshal(w.Body.Bytes(), &page)
	if len(page.Levels) != 2 {
		t.Fatalf("expected 2 levels, got %d", len(page.Levels))
	}
	if page.Levels[0].Rate != amount.New(2) || page.Levels[0].Tokens != amount.New(40_000) {
		t.Errorf("unexpected first level %+v", page.Levels[0])
	}

	w = env.get(platform.Principal{}, "/api/v1/book/sell?start_greater_than_rate=2")
	json.Unmarshal(w.Body.Bytes(), &page)
	if len(page.Levels) != 1 || page.Levels[0].Rate != amount.New(3) {
		t.Errorf("expected only rate 3 past the cursor, got %+v", page.Levels)
	}

	w = env.get(platform.Principal{}, "/api/v1/book/sideways")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown kind, got %d", w.Code)
	}
}

func TestGetMarketInfo(t *testing.T) {
	env := newTestEnv(t)
	w := env.get(platform.Principal{}, "/api/v1/market")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		TokenDecimals             int32           `json:"token_decimals"`
		MinimumTokensMatchDisplay decimal.Decimal `json:"minimum_tokens_match_display"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.TokenDecimals != 8 {
		t.Errorf("expected 8 decimals, got %d", resp.TokenDecimals)
	}
	if !resp.MinimumTokensMatchDisplay.Equal(decimal.RequireFromString("0.0001")) {
		t.Errorf("expected minimum 0.0001, got %s", resp.MinimumTokensMatchDisplay)
	}
}

func TestPurchasesLogsAndStorage(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.Mint(custody(alice), amount.New(50_000))
	env.open(t, alice, "sell_tokens", 50_000, 1, "")
	buy := env.open(t, bob, "buy_tokens", 50_000, 1, "50000")
	env.settle(t)

	w := env.get(platform.Principal{}, fmt.Sprintf("/api/v1/positions/%d/purchases", buy.PositionID))
	if ct := w.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Fatalf("expected octet-stream, got %q", ct)
	}
	records, err := model.DecodeTradeRecords(w.Body.Bytes())
	if err != nil || len(records) != 1 {
		t.Fatalf("expected one trade record, got %d (%v)", len(records), err)
	}
	if records[0].Purchaser != bob {
		t.Errorf("expected bob as purchaser, got %s", records[0].Purchaser)
	}

	w = env.post(alice, "trigger_flush", trade.LogRequest{Log: engine.LogTrades}, "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-controller flush, got %d", w.Code)
	}
	w = env.post(admin, "trigger_flush", trade.LogRequest{Log: engine.LogTrades}, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}

	w = env.get(platform.Principal{}, "/api/v1/storage/trades/canisters")
	var children []logstore.ChildData
	json.Unmarshal(w.Body.Bytes(), &children)
	if len(children) != 1 || children[0].Length != 1 {
		t.Fatalf("expected one child holding one trade, got %+v", children)
	}

	w = env.get(platform.Principal{}, "/api/v1/storage/trades/canisters/"+children[0].CanisterID.String()+"/logs?start=0&count=1")
	if w.Code != http.StatusOK || w.Body.Len() != model.TradeLogSize {
		t.Fatalf("expected one stored record, got %d bytes (status %d)", w.Body.Len(), w.Code)
	}

	w = env.get(platform.Principal{}, "/api/v1/storage/orders/canisters")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown log, got %d", w.Code)
	}
}

func TestAdminPayoutErrors(t *testing.T) {
	env := newTestEnv(t)
	w := env.get(bob, "/api/v1/admin/payout-errors")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	w = env.get(admin, "/api/v1/admin/payout-errors")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %d %s", w.Code, w.Body.String())
	}
}

// --- WebSocket tests ---

func TestWSHubBroadcastsTrades(t *testing.T) {
	env := newTestEnv(t)
	go env.hub.Run()
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.ledger.Mint(custody(alice), amount.New(20_000))
	env.open(t, alice, "sell_tokens", 20_000, 5, "")
	env.open(t, bob, "buy_tokens", 20_000, 5, "100000")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	seen := map[string]int{}
	for seen[trade.EventTradeExecuted] == 0 {
		var msg trade.WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		seen[msg.Type]++
		if msg.Type == trade.EventTradeExecuted && msg.Rate != amount.New(5) {
			t.Errorf("expected rate 5, got %s", msg.Rate)
		}
	}
}
