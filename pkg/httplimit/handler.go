// Package httplimit applies a rate limiting strategy to HTTP handlers.
package httplimit

import (
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/Ofahmy143/ratelimit/internal/log"
	"github.com/Ofahmy143/ratelimit/ratelimit"
)

const (
	headerLimit     = "X-Ratelimit-Limit"
	headerRemaining = "X-Ratelimit-Remaining"
	headerReset     = "X-Ratelimit-Reset"
)

// Config ties a strategy, a limit and an identity extractor together for the
// HTTP handler.
type Config struct {
	Extractor Extractor
	Strategy  ratelimit.Strategy
	Limit     ratelimit.Limit
}

type handler struct {
	next   http.Handler
	config *Config
}

// NewHandler wraps an existing http.Handler, rate limiting every request
// before it reaches the wrapped handler. Denied requests receive a 429
// response with X-Ratelimit headers; storage failures fail closed with a 500.
func NewHandler(next http.Handler, config *Config) http.Handler {
	return &handler{next: next, config: config}
}

func (h *handler) writeResponse(w http.ResponseWriter, status int, msg string, args ...interface{}) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(fmt.Sprintf(msg, args...))); err != nil {
		log.Logger().Error("failed to write response body", zap.Error(err))
	}
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.config.Extractor.Extract(r)
	if err != nil {
		h.writeResponse(w, http.StatusBadRequest, "failed to collect rate limiting identity from request: %v", err)
		return
	}

	ctx := r.Context()
	admitted, err := h.config.Strategy.Hit(ctx, h.config.Limit, identity...)
	if err != nil {
		// Fail closed: a hit whose outcome is unknown is treated as denied.
		h.writeResponse(w, http.StatusInternalServerError, "failed to run rate limiting for request: %v", err)
		return
	}

	// Set the informational headers on both outcomes so clients can pace
	// themselves.
	if stats, statsErr := h.config.Strategy.WindowStats(ctx, h.config.Limit, identity...); statsErr == nil {
		w.Header().Set(headerLimit, strconv.FormatInt(h.config.Limit.Amount, 10))
		w.Header().Set(headerRemaining, strconv.FormatUint(stats.Remaining, 10))
		w.Header().Set(headerReset, strconv.FormatInt(stats.ResetTime.Unix(), 10))
	}

	if !admitted {
		h.writeResponse(w, http.StatusTooManyRequests, "you have sent too many requests to this service, slow down please")
		return
	}

	h.next.ServeHTTP(w, r)
}
