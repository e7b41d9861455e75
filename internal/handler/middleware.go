package handler

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/pesio-ai/be-plt-approvals/internal/logger"
)

// RequestIDHeader is echoed on every response.
const RequestIDHeader = "X-Request-ID"

// Chain wraps h with the standard middleware stack: request logger, request
// id, access log, panic recovery and a per-request timeout.
func Chain(h http.Handler, log *logger.Logger, timeout time.Duration) http.Handler {
	if timeout > 0 {
		h = http.TimeoutHandler(h, timeout, `{"error":{"code":"TIMEOUT","message":"request timed out"}}`)
	}
	h = Recovery(h)
	h = hlog.AccessHandler(accessLog)(h)
	h = hlog.UserAgentHandler("user_agent")(h)
	h = hlog.RequestIDHandler("request_id", RequestIDHeader)(h)
	h = hlog.NewHandler(log.Logger)(h)
	return h
}

func accessLog(r *http.Request, status, size int, duration time.Duration) {
	level := zerolog.InfoLevel
	if status >= http.StatusInternalServerError {
		level = zerolog.WarnLevel
	}
	hlog.FromRequest(r).WithLevel(level).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("user_id", r.Header.Get(UserIDHeader)).
		Int("status", status).
		Int("size", size).
		Dur("duration", duration).
		Msg("HTTP request")
}

// Recovery turns a panic into a 500 response and logs the stack.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				hlog.FromRequest(r).Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("Recovered from panic")
				writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
					"error": errorBody{Code: "INTERNAL", Message: "internal error"},
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
