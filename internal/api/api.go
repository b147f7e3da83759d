// Package api serves read-only HTTP access to oracle state.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"oracle-engine/internal/accumulator"
	"oracle-engine/internal/aggregator"
	"oracle-engine/internal/history"
	"oracle-engine/internal/metrics"
	"oracle-engine/internal/observation"
	"oracle-engine/internal/source"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 1_000
)

// Deps holds the components the API reads from.
type Deps struct {
	Oracle       source.Adapter
	History      *history.Store
	Filters      map[string]source.Adapter
	Accumulators map[string]*accumulator.Accumulator
	// Ready reports dependency health for /health; nil means always healthy.
	Ready  func(ctx context.Context) error
	Logger zerolog.Logger
}

// NewRouter builds the HTTP routes.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger.With().Str("component", "api").Logger()

	r := chi.NewRouter()
	r.Use(recoverer(logger))
	r.Use(instrument)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", health(d.Ready))
	r.Route("/v1", func(r chi.Router) {
		r.Get("/assets/{asset}/observation", consult(d.Oracle))
		r.Get("/assets/{asset}/history", listHistory(d.History))
		r.Get("/assets/{asset}/filters/{name}", consultFilter(d.Filters))
		r.Get("/accumulators/{name}/{asset}", cumulative(d.Accumulators))
	})
	return r
}

// Serve runs the router on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("http api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func health(ready func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			if err := ready(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func consult(oracle source.Adapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if oracle == nil {
			writeError(w, http.StatusNotFound, "oracle not configured")
			return
		}
		asset, maxAge, ok := assetAndMaxAge(w, r)
		if !ok {
			return
		}
		obs, err := oracle.Consult(r.Context(), asset, maxAge)
		if err != nil {
			writeConsultError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, observationResponse{Oracle: oracle.Name(), Asset: asset.Hex(), Decimals: oracle.QuoteDecimals(), Observation: obs})
	}
}

func consultFilter(filters map[string]source.Adapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, ok := filters[chi.URLParam(r, "name")]
		if !ok {
			writeError(w, http.StatusNotFound, "unknown filter")
			return
		}
		consult(f)(w, r)
	}
}

func listHistory(store *history.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeError(w, http.StatusNotFound, "history not configured")
			return
		}
		asset, ok := parseAsset(w, r)
		if !ok {
			return
		}
		limit := defaultHistoryLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = min(n, maxHistoryLimit)
		}
		count := store.Count(asset)
		if count == 0 {
			writeError(w, http.StatusNotFound, "no history for asset")
			return
		}
		limit = min(limit, count)
		out := make([]observation.Observation, 0, limit)
		for i := range limit {
			obs, err := store.Get(asset, i)
			if err != nil {
				break
			}
			out = append(out, obs)
		}
		writeJSON(w, http.StatusOK, historyResponse{Asset: asset.Hex(), Count: count, Capacity: store.Capacity(asset), Observations: out})
	}
}

func cumulative(accs map[string]*accumulator.Accumulator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acc, ok := accs[chi.URLParam(r, "name")]
		if !ok {
			writeError(w, http.StatusNotFound, "unknown accumulator")
			return
		}
		asset, ok := parseAsset(w, r)
		if !ok {
			return
		}
		snap, err := acc.Cumulative(asset)
		if err != nil {
			writeConsultError(w, err)
			return
		}
		state, _ := acc.State(asset)
		writeJSON(w, http.StatusOK, cumulativeResponse{
			Accumulator:         acc.Name(),
			Asset:               asset.Hex(),
			Price:               snap.Price.String(),
			TokenLiquidity:      snap.TokenLiquidity.String(),
			QuoteTokenLiquidity: snap.QuoteTokenLiquidity.String(),
			Timestamp:           snap.Timestamp,
			LastObservation:     state.LastObservation,
		})
	}
}

type observationResponse struct {
	Oracle      string                  `json:"oracle"`
	Asset       string                  `json:"asset"`
	Decimals    uint8                   `json:"decimals"`
	Observation observation.Observation `json:"observation"`
}

type historyResponse struct {
	Asset        string                    `json:"asset"`
	Count        int                       `json:"count"`
	Capacity     int                       `json:"capacity"`
	Observations []observation.Observation `json:"observations"`
}

type cumulativeResponse struct {
	Accumulator         string                  `json:"accumulator"`
	Asset               string                  `json:"asset"`
	Price               string                  `json:"cumulative_price"`
	TokenLiquidity      string                  `json:"cumulative_token_liquidity"`
	QuoteTokenLiquidity string                  `json:"cumulative_quote_token_liquidity"`
	Timestamp           uint32                  `json:"timestamp"`
	LastObservation     observation.Observation `json:"last_observation"`
}

func parseAsset(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := chi.URLParam(r, "asset")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid asset address")
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func assetAndMaxAge(w http.ResponseWriter, r *http.Request) (common.Address, uint32, bool) {
	asset, ok := parseAsset(w, r)
	if !ok {
		return common.Address{}, 0, false
	}
	var maxAge uint32
	if raw := r.URL.Query().Get("max_age"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid max_age")
			return common.Address{}, 0, false
		}
		maxAge = uint32(n)
	}
	return asset, maxAge, true
}

func writeConsultError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, observation.ErrStaleObservation):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, observation.ErrMissingObservation),
		errors.Is(err, accumulator.ErrUnknownAsset),
		errors.Is(err, history.ErrUnknownAsset):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, aggregator.ErrInsufficientValidConsultations),
		errors.Is(err, history.ErrInsufficientData):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// instrument records Prometheus HTTP metrics keyed by chi route pattern.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func recoverer(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					logger.Error().Interface("panic", v).Str("path", r.URL.Path).Msg("handler panic")
					writeError(w, http.StatusInternalServerError, "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}
