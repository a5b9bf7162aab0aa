package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/bullpawn/bullpawn/internal/domain"
	"github.com/bullpawn/bullpawn/internal/loan"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 16

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// statusFor maps a service error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return 499
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	switch domain.ErrorKind(err) {
	case "invalid_input":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "unauthorized":
		return http.StatusForbidden
	case "invalid_transition", "not_liquidatable":
		return http.StatusConflict
	case "insufficient_repayment":
		return http.StatusUnprocessableEntity
	case "low_confidence_price", "oracle_unavailable":
		return http.StatusServiceUnavailable
	case "transaction_failed":
		return http.StatusBadGateway
	case "rate_limited":
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// writeServiceError logs err and responds with the status its kind maps to.
// Internal errors are not echoed to the client.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	status := statusFor(err)
	kind := domain.ErrorKind(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
		if kind == "internal" {
			msg = op + " failed"
		}
	} else {
		logger.DebugContext(r.Context(), "handler: "+op+" rejected",
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, status, errorResponse{Error: msg, Kind: kind})
}

// decodeJSON reads a bounded JSON body into dst, rejecting unknown fields.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("malformed request body: %w", err)
	}
	return nil
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// positionID parses the {id} path parameter.
func positionID(r *http.Request) (uint64, error) {
	raw := pathParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid position id %q: %w", raw, domain.ErrInvalidInput)
	}
	return id, nil
}

// parseAmount converts a decimal string to fixed point with the given decimals.
func parseAmount(field, s string, decimals uint8) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%s is required: %w", field, domain.ErrInvalidInput)
	}
	v, err := loan.ParseUnits(s, decimals)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return v, nil
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
