// Package router configures the predictor's HTTP API.
//
// Routes configured:
//   - GET /results/{rack} - every cached prediction of a rack
//   - GET /timings/{rack}/latest - stage latencies at the rack's newest timestamp
//   - GET /anomalies/{rack} - newest prediction per forecast window, flagged
//   - GET /status - scheduler cursor and last tick
//   - GET /stream - WebSocket feed of tick events
//   - GET /healthz - liveness (always 200 OK)
//   - GET /readyz - readiness (200 once the first tick has completed)
//   - GET /metrics - Prometheus metrics
//
// Results older than the stale threshold carry an X-Rackwatch-Stale header.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HatiCode/rackwatch/pkg/anomaly"
	"github.com/HatiCode/rackwatch/pkg/httpx"
	"github.com/HatiCode/rackwatch/pkg/storage"
)

// StaleHeader is set to "true" on results older than the stale threshold.
const StaleHeader = "X-Rackwatch-Stale"

// Status is the body of GET /status.
type Status struct {
	Cursor             int        `json:"cursor"`
	SequenceLength     int        `json:"sequenceLength"`
	NextTimestamp      string     `json:"nextTimestamp"`
	LastTimestamp      string     `json:"lastTimestamp,omitempty"`
	LastTickAt         *time.Time `json:"lastTickAt,omitempty"`
	LastTickDurationMS int64      `json:"lastTickDurationMs"`
	Ticks              int64      `json:"ticks"`
	CacheEntries       int        `json:"cacheEntries"`
	Racks              []int      `json:"racks"`
	Windows            []int      `json:"forecastWindows"`
}

// Options holds the collaborators the routes read from.
type Options struct {
	Cache  *storage.Cache
	Policy anomaly.Policy

	// Status reports the scheduler state. Nil disables /status.
	Status func() Status

	// Ready returns nil once the service can answer queries. Nil means
	// always ready.
	Ready func() error

	// Stream serves /stream. Nil disables the route.
	Stream http.Handler

	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer

	StaleAfter time.Duration
	Logger     *slog.Logger
}

// SetupRoutes configures the HTTP endpoints.
func SetupRoutes(opts Options) *http.ServeMux {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()

	mux.Handle("GET /healthz", httpx.HealthHandler())

	ready := opts.Ready
	if ready == nil {
		ready = func() error { return nil }
	}
	mux.Handle("GET /readyz", httpx.HealthHandlerWithCheck(ready))

	mux.HandleFunc("GET /results/{rack}", handleResults(opts.Cache, opts.StaleAfter, logger))
	mux.HandleFunc("GET /timings/{rack}/latest", handleLatestTimings(opts.Cache, logger))
	mux.HandleFunc("GET /anomalies/{rack}", handleAnomalies(opts.Cache, opts.Policy, opts.StaleAfter, logger))

	if opts.Status != nil {
		mux.HandleFunc("GET /status", handleStatus(opts.Status, logger))
	}
	if opts.Stream != nil {
		mux.Handle("GET /stream", opts.Stream)
	}

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return mux
}

type resultsResponse struct {
	Rack        int             `json:"rack"`
	Predictions []storage.Entry `json:"predictions"`
}

// handleResults returns a handler for GET /results/{rack}.
func handleResults(cache *storage.Cache, staleAfter time.Duration, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rack, ok := rackParam(w, r)
		if !ok {
			return
		}

		entries, err := cache.ByRack(rack)
		if err != nil {
			writeLookupError(w, err, rack, logger)
			return
		}

		markStale(w, cache, staleAfter)
		if err := httpx.WriteJSON(w, http.StatusOK, resultsResponse{Rack: rack, Predictions: entries}); err != nil {
			logger.Error("failed to write JSON response", "error", err)
		}
	}
}

// handleLatestTimings returns a handler for GET /timings/{rack}/latest.
func handleLatestTimings(cache *storage.Cache, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rack, ok := rackParam(w, r)
		if !ok {
			return
		}

		latest, err := cache.LatestTiming(rack)
		if err != nil {
			writeLookupError(w, err, rack, logger)
			return
		}

		if err := httpx.WriteJSON(w, http.StatusOK, latest); err != nil {
			logger.Error("failed to write JSON response", "error", err)
		}
	}
}

type windowAnomalies struct {
	Timestamp  string    `json:"timestamp"`
	FW         int       `json:"fw"`
	Threshold  float64   `json:"threshold"`
	Prediction []float64 `json:"prediction"`
	Anomalous  []int     `json:"anomalousNodes"`
	Count      int       `json:"count"`
}

type anomaliesResponse struct {
	Rack      int               `json:"rack"`
	Direction anomaly.Direction `json:"direction"`
	Windows   []windowAnomalies `json:"windows"`
}

// handleAnomalies returns a handler for GET /anomalies/{rack}.
func handleAnomalies(cache *storage.Cache, policy anomaly.Policy, staleAfter time.Duration, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rack, ok := rackParam(w, r)
		if !ok {
			return
		}

		entries, err := cache.Latest(rack)
		if err != nil {
			writeLookupError(w, err, rack, logger)
			return
		}

		direction := policy.Direction
		if direction == "" {
			direction = anomaly.Above
		}
		resp := anomaliesResponse{Rack: rack, Direction: direction, Windows: make([]windowAnomalies, 0, len(entries))}
		for _, e := range entries {
			flagged := policy.Flag(e.FW, e.Prediction)
			resp.Windows = append(resp.Windows, windowAnomalies{
				Timestamp:  e.Timestamp,
				FW:         e.FW,
				Threshold:  policy.Threshold(e.FW),
				Prediction: e.Prediction,
				Anomalous:  flagged,
				Count:      len(flagged),
			})
		}

		markStale(w, cache, staleAfter)
		if err := httpx.WriteJSON(w, http.StatusOK, resp); err != nil {
			logger.Error("failed to write JSON response", "error", err)
		}
	}
}

// handleStatus returns a handler for GET /status.
func handleStatus(status func() Status, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := httpx.WriteJSON(w, http.StatusOK, status()); err != nil {
			logger.Error("failed to write JSON response", "error", err)
		}
	}
}

// rackParam parses the {rack} path value, writing a 400 when it is not a
// non-negative integer.
func rackParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.PathValue("rack")
	rack, err := strconv.Atoi(raw)
	if err != nil || rack < 0 {
		httpx.WriteErrorMessage(w, http.StatusBadRequest, fmt.Sprintf("invalid rack %q", raw))
		return 0, false
	}
	return rack, true
}

func writeLookupError(w http.ResponseWriter, err error, rack int, logger *slog.Logger) {
	if errors.Is(err, storage.ErrNotFound) {
		httpx.WriteErrorMessage(w, http.StatusNotFound, err.Error())
		return
	}
	logger.Error("cache lookup failed", "rack", rack, "error", err)
	httpx.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
}

func markStale(w http.ResponseWriter, cache *storage.Cache, staleAfter time.Duration) {
	if staleAfter <= 0 {
		return
	}
	if updated := cache.UpdatedAt(); !updated.IsZero() && time.Since(updated) > staleAfter {
		w.Header().Set(StaleHeader, "true")
	}
}
