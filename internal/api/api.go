// Package api exposes the HTTP surface: price lookups, market charts,
// queue statistics and health endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/pricegate/pricegate/internal/breaker"
	"github.com/pricegate/pricegate/internal/gateway"
	"github.com/pricegate/pricegate/internal/price"
	"github.com/pricegate/pricegate/internal/pricing"
	"github.com/pricegate/pricegate/internal/upstream"
)

// PriceService is the subset of the price service the handlers need.
type PriceService interface {
	GetPrice(ctx context.Context, symbol, quote string, priority gateway.Priority) (pricing.PriceRecord, error)
	GetMarketChart(ctx context.Context, symbol, quote string, days int) (pricing.MarketChart, error)
	Invalidate(ctx context.Context, symbol, quote string)
	Stats() price.Stats
}

// ReadyFunc reports readiness of an optional dependency; nil means the
// dependency is not configured.
type ReadyFunc func(ctx context.Context) error

type Handler struct {
	service      PriceService
	breakerStats func() []breaker.Stats
	redisReady   ReadyFunc
	logger       *zap.Logger
}

type Config struct {
	Service PriceService
	// BreakerStats supplies per-dependency circuit snapshots for the stats
	// endpoint; nil omits them.
	BreakerStats func() []breaker.Stats
	RedisReady   ReadyFunc
	Logger       *zap.Logger
}

func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Service == nil {
		return nil, errors.New("api: service is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Handler{
		service:      cfg.Service,
		breakerStats: cfg.BreakerStats,
		redisReady:   cfg.RedisReady,
		logger:       cfg.Logger,
	}, nil
}

// Register attaches all routes to mux. The /metrics route is attached by
// the caller, which owns the Prometheus registry.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/prices/{symbol}", h.getPrice)
	mux.HandleFunc("GET /api/v1/prices/{symbol}/chart", h.getChart)
	mux.HandleFunc("DELETE /api/v1/prices/{symbol}", h.invalidate)
	mux.HandleFunc("GET /api/v1/queue/stats", h.queueStats)
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.HandleFunc("GET /readyz", h.readyz)
}

func (h *Handler) getPrice(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToLower(r.PathValue("symbol"))
	quote := quoteParam(r)

	priority, err := priorityParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	record, err := h.service.GetPrice(r.Context(), symbol, quote, priority)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *Handler) getChart(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToLower(r.PathValue("symbol"))
	quote := quoteParam(r)

	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil || d < 1 || d > 365 {
			writeError(w, http.StatusBadRequest, "days must be an integer between 1 and 365")
			return
		}
		days = d
	}

	chart, err := h.service.GetMarketChart(r.Context(), symbol, quote, days)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chart)
}

func (h *Handler) invalidate(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToLower(r.PathValue("symbol"))
	h.service.Invalidate(r.Context(), symbol, quoteParam(r))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) queueStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Stats: h.service.Stats()}
	if h.breakerStats != nil {
		resp.Breakers = h.breakerStats()
	}
	writeJSON(w, http.StatusOK, resp)
}

type statsResponse struct {
	price.Stats
	Breakers []breaker.Stats `json:"breakers,omitempty"`
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports degraded state without failing the process: a missing or
// unreachable shared cache only downgrades the response body.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "ok", "redis": "disabled"}
	if h.redisReady != nil {
		if err := h.redisReady(r.Context()); err != nil {
			body["status"] = "degraded"
			body["redis"] = "unreachable"
		} else {
			body["redis"] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var rateLimit *upstream.RateLimitError
	if errors.As(err, &rateLimit) {
		w.Header().Set("Retry-After", strconv.Itoa(int(rateLimit.RetryAfter.Seconds())))
		writeError(w, http.StatusTooManyRequests, "upstream rate limit exceeded")
		return
	}

	var circuitOpen *breaker.CircuitOpenError
	if errors.As(err, &circuitOpen) {
		writeError(w, http.StatusServiceUnavailable, "upstream temporarily unavailable")
		return
	}

	var apiErr *upstream.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		writeError(w, http.StatusNotFound, "unknown symbol")
		return
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusGatewayTimeout, "request timed out")
		return
	}

	h.logger.Error("price lookup failed",
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	writeError(w, http.StatusBadGateway, "upstream request failed")
}

func quoteParam(r *http.Request) string {
	if q := r.URL.Query().Get("quote"); q != "" {
		return strings.ToLower(q)
	}
	return "usd"
}

func priorityParam(r *http.Request) (gateway.Priority, error) {
	switch r.URL.Query().Get("priority") {
	case "", "normal":
		return gateway.PriorityNormal, nil
	case "high":
		return gateway.PriorityHigh, nil
	case "low":
		return gateway.PriorityLow, nil
	default:
		return 0, errors.New("priority must be one of high, normal, low")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
