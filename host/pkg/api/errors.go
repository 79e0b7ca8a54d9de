package api

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/malbeclabs/matrix/engine/pkg/errcode"
	"github.com/malbeclabs/matrix/host/pkg/runtime"
)

// ErrorResponse is the body of every non-2xx response except 429.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    uint32 `json:"code,omitempty"`
}

// statusOf maps a store or engine failure to an HTTP status and a short error name.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, runtime.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err):
		return http.StatusGatewayTimeout, "timeout"
	case unavailable(err):
		return http.StatusServiceUnavailable, "store_unavailable"
	}
	switch errcode.KindOf(err) {
	case errcode.KindConfiguration, errcode.KindOracle, errcode.KindFunds, errcode.KindExternalCall:
		return http.StatusUnprocessableEntity, "unprocessable"
	case errcode.KindAccountIntegrity:
		return http.StatusConflict, "account_integrity"
	case errcode.KindAuthorization:
		return http.StatusForbidden, "forbidden"
	}
	return http.StatusInternalServerError, "internal"
}

func unavailable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	return pgconn.SafeToRetry(err)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, name := statusOf(err)
	resp := ErrorResponse{Error: name, Message: err.Error()}
	if code, ok := errcode.CodeOf(err); ok {
		resp.Code = code.Code
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("api: request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
		if status == http.StatusInternalServerError {
			resp.Message = "internal error"
		}
	} else {
		s.log.Debug("api: request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, resp)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: msg})
}
