// Package trade provides the HTTP entry points of the trade contract:
// update methods (positions, token transfers, cm_caller callbacks, admin),
// query methods and the WebSocket event stream.
//
// Every request carries its caller principal in X-Caller. Update methods
// that accept cycles read the attached amount from X-Cycles.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/cycles-transfer-station/cts-sub000/internal/amount"
	"github.com/cycles-transfer-station/cts-sub000/internal/engine"
	"github.com/cycles-transfer-station/cts-sub000/internal/logstore"
	"github.com/cycles-transfer-station/cts-sub000/internal/model"
	"github.com/cycles-transfer-station/cts-sub000/internal/platform"
)

// Request headers.
const (
	HeaderCaller = "X-Caller"
	HeaderCycles = "X-Cycles"
)

// UpdateMethods is the inspect-message allow-list: update calls to any
// other method are refused before they reach the engine.
var UpdateMethods = []string{
	"buy_tokens",
	"sell_tokens",
	"void_position",
	"transfer_token_balance",
	engine.CallbackTradeCycles,
	engine.CallbackTradeTokens,
	engine.CallbackVoidCycles,
	engine.CallbackVoidTokens,
	"set_stop_calls",
	"clear_payout_errors",
	"clear_flush_errors",
	"trigger_flush",
	"upgrade_storage_children",
	"bump",
}

// Service serves one engine over HTTP.
type Service struct {
	engine  *engine.Engine
	updates map[string]func(http.ResponseWriter, *http.Request, platform.Principal)
	wsHub   *WSHub // optional
}

// NewService creates the HTTP service. Pass nil for hub if the event
// stream is not needed.
func NewService(eng *engine.Engine, hub *WSHub) *Service {
	s := &Service{engine: eng, wsHub: hub}
	s.updates = map[string]func(http.ResponseWriter, *http.Request, platform.Principal){
		"buy_tokens":               s.buyTokens,
		"sell_tokens":              s.sellTokens,
		"void_position":            s.voidPosition,
		"transfer_token_balance":   s.transferTokenBalance,
		engine.CallbackTradeCycles: s.callback(engine.CallbackTradeCycles),
		engine.CallbackTradeTokens: s.callback(engine.CallbackTradeTokens),
		engine.CallbackVoidCycles:  s.callback(engine.CallbackVoidCycles),
		engine.CallbackVoidTokens:  s.callback(engine.CallbackVoidTokens),
		"set_stop_calls":           s.setStopCalls,
		"clear_payout_errors":      s.clearPayoutErrors,
		"clear_flush_errors":       s.clearFlushErrors,
		"trigger_flush":            s.triggerFlush,
		"upgrade_storage_children": s.upgradeStorageChildren,
		"bump":                     s.bump,
	}
	return s
}

// Mount registers the routes on r.
func (s *Service) Mount(r chi.Router) {
	r.With(InspectMessage).Post("/api/v1/update/{method}", s.Update)

	r.Get("/api/v1/market", s.GetMarketInfo)
	r.Get("/api/v1/book/{kind}", s.GetPositionBook)
	r.Get("/api/v1/trades/latest", s.GetLatestTrades)
	r.Get("/api/v1/users/{principal}/positions", s.GetUserCurrentPositions)
	r.Get("/api/v1/users/{principal}/positions/logs", s.GetUserPositionsLogs)
	r.Get("/api/v1/users/{principal}/void-positions", s.GetUserVoidPositions)
	r.Get("/api/v1/users/{principal}/token-lock", s.GetTokenLock)
	r.Get("/api/v1/positions/{positionID}/purchases", s.GetPositionPurchasesLogs)
	r.Get("/api/v1/positions/{positionID}/pending-trades", s.GetPositionPendingTrades)
	r.Get("/api/v1/storage/{log}/canisters", s.GetStorageCanisters)
	r.Get("/api/v1/storage/{log}/canisters/{child}/logs", s.GetStorageLogs)
	r.Get("/api/v1/admin/payout-errors", s.GetPayoutErrors)
	r.Get("/api/v1/admin/flush-errors/{log}", s.GetFlushErrors)

	if s.wsHub != nil {
		r.Get("/api/v1/ws", s.wsHub.HandleWS)
	}
}

// InspectMessage refuses update calls to methods off the allow-list.
func InspectMessage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := chi.URLParam(r, "method")
		if !slices.Contains(UpdateMethods, method) {
			writeError(w, "method "+strconv.Quote(method)+" is not accepted", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Update handles POST /api/v1/update/{method}.
func (s *Service) Update(w http.ResponseWriter, r *http.Request) {
	method := chi.URLParam(r, "method")
	h, ok := s.updates[method]
	if !ok {
		writeError(w, "unknown method", http.StatusNotFound)
		return
	}
	caller, err := callerOf(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if caller.IsAnonymous() {
		writeError(w, "anonymous caller", http.StatusUnauthorized)
		return
	}
	h(w, r, caller)
}

// --- Request/Response types ---

// OpenPositionRequest is the body of buy_tokens and sell_tokens.
type OpenPositionRequest struct {
	Tokens amount.Amount      `json:"tokens"`
	Rate   amount.Amount      `json:"cycles_per_token_rate"`
	Auth   *platform.AuthBlob `json:"auth,omitempty"`
}

// OpenPositionResponse is returned by buy_tokens and sell_tokens.
type OpenPositionResponse struct {
	PositionID     model.PositionID `json:"position_id"`
	CyclesAccepted amount.Amount    `json:"cycles_accepted"`
}

// PositionIDRequest is the body of void_position and bump.
type PositionIDRequest struct {
	PositionID model.PositionID `json:"position_id"`
}

// LogRequest names a log pipeline.
type LogRequest struct {
	Log string `json:"log"`
}

// UpgradeRequest is the body of upgrade_storage_children.
type UpgradeRequest struct {
	Log      string `json:"log"`
	Module   []byte `json:"module"`
	Parallel int    `json:"parallel"`
}

// MarketInfoResponse adds display values to the engine's market info.
type MarketInfoResponse struct {
	engine.MarketInfo
	LedgerFeeDisplay          decimal.Decimal `json:"ledger_fee_display"`
	MinimumTokensMatchDisplay decimal.Decimal `json:"minimum_tokens_match_display"`
}

// --- Update handlers ---

func (s *Service) buyTokens(w http.ResponseWriter, r *http.Request, caller platform.Principal) {
	var req OpenPositionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cycles, err := cyclesOf(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	quest := model.Quest{Tokens: req.Tokens, Rate: req.Rate}
	id, err := s.engine.BuyTokens(r.Context(), caller, quest, cycles, req.Auth)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OpenPositionResponse{PositionID: id, CyclesAccepted: quest.Cycles()})
}

func (s *Service) sellTokens(w http.ResponseWriter, r *http.Request, caller platform.Principal) {
	var req OpenPositionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := s.engine.SellTokens(r.Context(), caller, model.Quest{Tokens: req.Tokens, Rate: req.Rate}, req.Auth)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OpenPositionResponse{PositionID: id, CyclesAccepted: amount.Zero})
}

func (s *Service) voidPosition(w http.ResponseWriter, r *http.Request, caller platform.Principal) {
	var req PositionIDRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.VoidPosition(r.Context(), caller, req.PositionID); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) transferTokenBalance(w http.ResponseWriter, r *http.Request, caller platform.Principal) {
	var req engine.TransferTokenBalanceQuest
	if !decodeBody(w, r, &req) {
		return
	}
	block, err := s.engine.TransferTokenBalance(r.Context(), caller, req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"block_height": block})
}

// callback delivers a cm_caller callback. X-Cycles carries the cycles the
// cm_caller refunds with it.
func (s *Service) callback(method string) func(http.ResponseWriter, *http.Request, platform.Principal) {
	return func(w http.ResponseWriter, r *http.Request, caller platform.Principal) {
		var quest platform.CMCallbackQuest
		if !decodeBody(w, r, &quest) {
			return
		}
		refunded, err := cyclesOf(r)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.engine.HandleCMCallback(r.Context(), caller, method, quest, refunded); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Service) setStopCalls(w http.ResponseWriter, r *http.Request, caller platform.Principal) {
	var req struct {
		Stop bool `json:"stop"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.SetStopCalls(caller, req.Stop); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) clearPayoutErrors(w http.ResponseWriter, _ *http.Request, caller platform.Principal) {
	if err := s.engine.ClearPayoutErrors(caller); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) clearFlushErrors(w http.ResponseWriter, r *http.Request, caller platform.Principal) {
	var req LogRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.ClearFlushErrors(caller, req.Log); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) triggerFlush(w http.ResponseWriter, r *http.Request, caller platform.Principal) {
	var req LogRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.TriggerFlush(r.Context(), caller, req.Log); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) upgradeStorageChildren(w http.ResponseWriter, r *http.Request, caller platform.Principal) {
	var req UpgradeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	out, err := s.engine.UpgradeStorageChildren(r.Context(), caller, req.Log, req.Module, req.Parallel)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) bump(w http.ResponseWriter, r *http.Request, caller platform.Principal) {
	var req PositionIDRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.Bump(r.Context(), caller, req.PositionID); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Query handlers ---

// GetMarketInfo handles GET /api/v1/market
func (s *Service) GetMarketInfo(w http.ResponseWriter, _ *http.Request) {
	info := s.engine.ViewMarketInfo()
	writeJSON(w, http.StatusOK, MarketInfoResponse{
		MarketInfo:                info,
		LedgerFeeDisplay:          info.LedgerFee.Decimal(info.TokenDecimals),
		MinimumTokensMatchDisplay: info.MinimumTokensMatch.Decimal(info.TokenDecimals),
	})
}

// GetPositionBook handles GET /api/v1/book/{kind}?start_greater_than_rate=
func (s *Service) GetPositionBook(w http.ResponseWriter, r *http.Request) {
	var kind model.PositionKind
	if err := kind.UnmarshalText([]byte(chi.URLParam(r, "kind"))); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var cursor *amount.Amount
	if v := r.URL.Query().Get("start_greater_than_rate"); v != "" {
		rate, err := amount.Parse(v)
		if err != nil {
			writeError(w, "invalid start_greater_than_rate", http.StatusBadRequest)
			return
		}
		cursor = &rate
	}
	writeJSON(w, http.StatusOK, s.engine.ViewPositionBook(kind, cursor))
}

// GetLatestTrades handles GET /api/v1/trades/latest?start_before_id=
func (s *Service) GetLatestTrades(w http.ResponseWriter, r *http.Request) {
	before, ok := queryID(w, r, "start_before_id")
	if !ok {
		return
	}
	var cursor *model.TradeID
	if before != nil {
		id := model.TradeID(*before)
		cursor = &id
	}
	out, err := s.engine.ViewLatestTrades(cursor)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// GetUserCurrentPositions handles GET /api/v1/users/{principal}/positions
func (s *Service) GetUserCurrentPositions(w http.ResponseWriter, r *http.Request) {
	p, ok := pathPrincipal(w, r)
	if !ok {
		return
	}
	cursor, ok := queryPositionID(w, r)
	if !ok {
		return
	}
	positions := s.engine.ViewUserCurrentPositions(p, cursor)
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetUserPositionsLogs handles GET /api/v1/users/{principal}/positions/logs
// and replies with back-to-back position records.
func (s *Service) GetUserPositionsLogs(w http.ResponseWriter, r *http.Request) {
	p, ok := pathPrincipal(w, r)
	if !ok {
		return
	}
	cursor, ok := queryPositionID(w, r)
	if !ok {
		return
	}
	b, err := s.engine.ViewUserPositionsLogs(p, cursor)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeRecords(w, b)
}

// GetUserVoidPositions handles GET /api/v1/users/{principal}/void-positions
func (s *Service) GetUserVoidPositions(w http.ResponseWriter, r *http.Request) {
	p, ok := pathPrincipal(w, r)
	if !ok {
		return
	}
	voids := s.engine.ViewVoidPositionsPending(p)
	if voids == nil {
		voids = []model.VoidPosition{}
	}
	writeJSON(w, http.StatusOK, voids)
}

// GetTokenLock handles GET /api/v1/users/{principal}/token-lock
func (s *Service) GetTokenLock(w http.ResponseWriter, r *http.Request) {
	p, ok := pathPrincipal(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]amount.Amount{"locked_tokens": s.engine.ViewTokenLock(p)})
}

// GetPositionPurchasesLogs handles GET /api/v1/positions/{positionID}/purchases
// and replies with back-to-back trade records.
func (s *Service) GetPositionPurchasesLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathPositionID(w, r)
	if !ok {
		return
	}
	before, ok := queryID(w, r, "start_before_id")
	if !ok {
		return
	}
	var cursor *model.TradeID
	if before != nil {
		tid := model.TradeID(*before)
		cursor = &tid
	}
	b, err := s.engine.ViewPositionPurchasesLogs(id, cursor)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeRecords(w, b)
}

// GetPositionPendingTrades handles GET /api/v1/positions/{positionID}/pending-trades
func (s *Service) GetPositionPendingTrades(w http.ResponseWriter, r *http.Request) {
	id, ok := pathPositionID(w, r)
	if !ok {
		return
	}
	trades := s.engine.ViewPositionPendingTrades(id)
	if trades == nil {
		trades = []model.TradeLog{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetStorageCanisters handles GET /api/v1/storage/{log}/canisters
func (s *Service) GetStorageCanisters(w http.ResponseWriter, r *http.Request) {
	children, err := s.engine.ViewStorageCanisters(chi.URLParam(r, "log"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if children == nil {
		children = []logstore.ChildData{}
	}
	writeJSON(w, http.StatusOK, children)
}

// GetStorageLogs handles GET /api/v1/storage/{log}/canisters/{child}/logs?start=&count=
func (s *Service) GetStorageLogs(w http.ResponseWriter, r *http.Request) {
	child, err := platform.ParsePrincipal(chi.URLParam(r, "child"))
	if err != nil {
		writeError(w, "invalid child", http.StatusBadRequest)
		return
	}
	start, ok := queryID(w, r, "start")
	if !ok {
		return
	}
	count, ok := queryID(w, r, "count")
	if !ok {
		return
	}
	var from, n uint64 = 0, 1 << 20
	if start != nil {
		from = *start
	}
	if count != nil {
		n = *count
	}
	b, err := s.engine.ViewStorageLogs(r.Context(), chi.URLParam(r, "log"), child, from, n)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeRecords(w, b)
}

// GetPayoutErrors handles GET /api/v1/admin/payout-errors
func (s *Service) GetPayoutErrors(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	errs, err := s.engine.ViewPayoutErrors(caller)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if errs == nil {
		errs = []engine.PayoutError{}
	}
	writeJSON(w, http.StatusOK, errs)
}

// GetFlushErrors handles GET /api/v1/admin/flush-errors/{log}
func (s *Service) GetFlushErrors(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	errs, err := s.engine.ViewFlushErrors(caller, chi.URLParam(r, "log"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if errs == nil {
		errs = []logstore.FlushError{}
	}
	writeJSON(w, http.StatusOK, errs)
}

// --- helpers ---

func callerOf(r *http.Request) (platform.Principal, error) {
	v := r.Header.Get(HeaderCaller)
	if v == "" {
		return platform.Principal{}, nil
	}
	p, err := platform.ParsePrincipal(v)
	if err != nil {
		return platform.Principal{}, errors.New("invalid " + HeaderCaller)
	}
	return p, nil
}

func cyclesOf(r *http.Request) (amount.Amount, error) {
	v := r.Header.Get(HeaderCycles)
	if v == "" {
		return amount.Zero, nil
	}
	c, err := amount.Parse(v)
	if err != nil {
		return amount.Zero, errors.New("invalid " + HeaderCycles)
	}
	return c, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func pathPrincipal(w http.ResponseWriter, r *http.Request) (platform.Principal, bool) {
	p, err := platform.ParsePrincipal(chi.URLParam(r, "principal"))
	if err != nil {
		writeError(w, "invalid principal", http.StatusBadRequest)
		return platform.Principal{}, false
	}
	return p, true
}

func pathPositionID(w http.ResponseWriter, r *http.Request) (model.PositionID, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "positionID"), 10, 64)
	if err != nil {
		writeError(w, "invalid position id", http.StatusBadRequest)
		return 0, false
	}
	return model.PositionID(id), true
}

func queryID(w http.ResponseWriter, r *http.Request, name string) (*uint64, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, true
	}
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		writeError(w, "invalid "+name, http.StatusBadRequest)
		return nil, false
	}
	return &id, true
}

func queryPositionID(w http.ResponseWriter, r *http.Request) (*model.PositionID, bool) {
	v, ok := queryID(w, r, "start_before_id")
	if !ok || v == nil {
		return nil, ok
	}
	id := model.PositionID(*v)
	return &id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "err", err)
	}
}

func writeRecords(w http.ResponseWriter, b []byte) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(b)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
