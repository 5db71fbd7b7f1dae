package trade

import (
	"errors"
	"net/http"

	"github.com/cycles-transfer-station/cts-sub000/internal/engine"
	"github.com/cycles-transfer-station/cts-sub000/internal/logstore"
	"github.com/cycles-transfer-station/cts-sub000/internal/model"
	"github.com/cycles-transfer-station/cts-sub000/internal/platform"
)

// ErrorResponse is the body of a failed call. Detail carries the typed
// error's fields when there are any.
type ErrorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind"`
	Detail any    `json:"detail,omitempty"`
}

// classify maps an engine error to a status code and a stable kind.
func classify(err error) (int, string, any) {
	var (
		cyclesLow *engine.MsgCyclesTooLowError
		balance   *engine.InsufficientTokenBalanceError
		wait      *engine.MinimumWaitTimeError
		transfer  *platform.TransferError
		cmErr     *platform.CMCallError
	)
	switch {
	case errors.Is(err, engine.ErrMaintenance):
		return http.StatusServiceUnavailable, "CanisterIsInMaintenance", nil
	case errors.Is(err, engine.ErrCyclesMarketIsBusy):
		return http.StatusServiceUnavailable, "CyclesMarketIsBusy", nil
	case errors.Is(err, engine.ErrTokenBalanceLocked), errors.Is(err, logstore.ErrFlushLocked):
		return http.StatusConflict, "CallerIsInTheMiddleOfADifferentCallThatLocksTheTokenBalance", nil
	case errors.Is(err, engine.ErrUnauthorized):
		return http.StatusUnauthorized, "UserAuthorizationFailed", nil
	case errors.Is(err, engine.ErrCallerIsNotPositor):
		return http.StatusForbidden, "CallerIsNotThePositor", nil
	case errors.Is(err, engine.ErrNotController), errors.Is(err, engine.ErrNotCMCaller):
		return http.StatusForbidden, "Forbidden", nil
	case errors.Is(err, engine.ErrPositionNotFound):
		return http.StatusNotFound, "PositionNotFound", nil
	case errors.Is(err, engine.ErrUnknownLog), errors.Is(err, logstore.ErrUnknownChild):
		return http.StatusNotFound, "NotFound", nil
	case errors.Is(err, model.ErrRateZero):
		return http.StatusBadRequest, "RateCannotBeZero", nil
	case errors.Is(err, model.ErrBelowMinimumTokens):
		return http.StatusBadRequest, "MinimumTokens", nil
	case errors.Is(err, engine.ErrInvalidTransferArgs), errors.Is(err, engine.ErrUnknownCallback):
		return http.StatusBadRequest, "InvalidArguments", nil
	case errors.As(err, &cyclesLow):
		return http.StatusPaymentRequired, "MsgCyclesTooLow", cyclesLow
	case errors.As(err, &balance):
		return http.StatusUnprocessableEntity, "InsufficientTokenBalance", balance
	case errors.As(err, &wait):
		return http.StatusTooEarly, "MinimumWaitTime", wait
	case errors.As(err, &transfer):
		return http.StatusBadGateway, "TokenTransferError", transfer
	case errors.As(err, &cmErr):
		return http.StatusBadGateway, "CMCallError", cmErr
	}
	return http.StatusInternalServerError, "Internal", nil
}

// writeEngineError writes err with the status and kind classify picks.
func writeEngineError(w http.ResponseWriter, err error) {
	status, kind, detail := classify(err)
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: kind, Detail: detail})
}
