package router

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/HatiCode/rackwatch/pkg/anomaly"
	"github.com/HatiCode/rackwatch/pkg/storage"
)

func testOptions(cache *storage.Cache) Options {
	return Options{
		Cache:      cache,
		Policy:     anomaly.DefaultPolicy(),
		Gatherer:   prometheus.NewRegistry(),
		StaleAfter: 2 * time.Minute,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func serve(mux *http.ServeMux, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	mux := SetupRoutes(testOptions(storage.NewCache()))

	w := serve(mux, "/healthz")
	if w.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusOK)
	}
	if body := w.Body.String(); body != "OK" {
		t.Errorf("body = %q, want %q", body, "OK")
	}
}

func TestReadyEndpoint(t *testing.T) {
	opts := testOptions(storage.NewCache())
	ready := errors.New("first tick pending")
	opts.Ready = func() error { return ready }
	mux := SetupRoutes(opts)

	if w := serve(mux, "/readyz"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("before first tick: status code = %d, want 503", w.Code)
	}

	ready = nil
	if w := serve(mux, "/readyz"); w.Code != http.StatusOK {
		t.Errorf("after first tick: status code = %d, want 200", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	mux := SetupRoutes(testOptions(storage.NewCache()))

	w := serve(mux, "/metrics")
	if w.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Header().Get("Content-Type") == "" {
		t.Error("Content-Type header should be set for metrics endpoint")
	}
}

func TestGetResults(t *testing.T) {
	cache := storage.NewCache()
	cache.Put(storage.Key{Timestamp: "t2", FW: 4, Rack: 0}, []float64{0.3})
	cache.Put(storage.Key{Timestamp: "t1", FW: 6, Rack: 0}, []float64{0.2})
	cache.Put(storage.Key{Timestamp: "t1", FW: 4, Rack: 0}, []float64{0.1})
	cache.Put(storage.Key{Timestamp: "t1", FW: 4, Rack: 1}, []float64{0.9})
	mux := SetupRoutes(testOptions(cache))

	w := serve(mux, "/results/0")
	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200; body %s", w.Code, w.Body)
	}
	if w.Header().Get(StaleHeader) != "" {
		t.Errorf("%s set on fresh results", StaleHeader)
	}

	var resp struct {
		Rack        int `json:"rack"`
		Predictions []struct {
			Timestamp  string    `json:"timestamp"`
			FW         int       `json:"fw"`
			Prediction []float64 `json:"prediction"`
		} `json:"predictions"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if resp.Rack != 0 || len(resp.Predictions) != 3 {
		t.Fatalf("resp = %+v, want 3 predictions for rack 0", resp)
	}
	want := []struct {
		ts string
		fw int
	}{{"t1", 4}, {"t1", 6}, {"t2", 4}}
	for i, p := range resp.Predictions {
		if p.Timestamp != want[i].ts || p.FW != want[i].fw {
			t.Errorf("predictions[%d] = (%s, %d), want (%s, %d)", i, p.Timestamp, p.FW, want[i].ts, want[i].fw)
		}
	}
}

func TestGetResults_Stale(t *testing.T) {
	cache := storage.NewCache()
	cache.Restore(storage.Snapshot{
		SavedAt: time.Now().Add(-time.Hour),
		Records: []storage.Record{{Timestamp: "t1", FW: 4, Rack: 0, Prediction: []float64{0.1}}},
	})
	mux := SetupRoutes(testOptions(cache))

	w := serve(mux, "/results/0")
	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", w.Code)
	}
	if w.Header().Get(StaleHeader) != "true" {
		t.Errorf("%s = %q, want true", StaleHeader, w.Header().Get(StaleHeader))
	}
}

func TestRackErrors(t *testing.T) {
	cache := storage.NewCache()
	cache.Put(storage.Key{Timestamp: "t1", FW: 4, Rack: 0}, []float64{0.1})
	mux := SetupRoutes(testOptions(cache))

	tests := []struct {
		path string
		want int
	}{
		{"/results/7", http.StatusNotFound},
		{"/results/abc", http.StatusBadRequest},
		{"/results/-1", http.StatusBadRequest},
		{"/timings/7/latest", http.StatusNotFound},
		{"/timings/x/latest", http.StatusBadRequest},
		{"/anomalies/7", http.StatusNotFound},
		{"/anomalies/1.5", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := serve(mux, tt.path)
			if w.Code != tt.want {
				t.Errorf("status code = %d, want %d", w.Code, tt.want)
			}
			var body map[string]string
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil || body["error"] == "" {
				t.Errorf("body should be {\"error\": ...}, got err=%v body=%v", err, body)
			}
		})
	}
}

func TestGetLatestTimings(t *testing.T) {
	cache := storage.NewCache()
	cache.PutTiming(storage.Key{Timestamp: "t1", FW: 4, Rack: 2}, storage.Timing{FW: 4, FetchMS: 50})
	cache.PutTiming(storage.Key{Timestamp: "t2", FW: 6, Rack: 2}, storage.Timing{FW: 6, FetchMS: 12, PreprocessMS: 3, InferenceMS: 120})
	cache.PutTiming(storage.Key{Timestamp: "t2", FW: 4, Rack: 2}, storage.Timing{FW: 4, FetchMS: 12, PreprocessMS: 3, InferenceMS: 80})
	mux := SetupRoutes(testOptions(cache))

	w := serve(mux, "/timings/2/latest")
	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", w.Code)
	}

	var resp struct {
		Rack      int              `json:"rack"`
		Timestamp string           `json:"timestamp"`
		Timings   []map[string]any `json:"timings"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Rack != 2 || resp.Timestamp != "t2" || len(resp.Timings) != 2 {
		t.Fatalf("resp = %+v", resp)
	}

	first := resp.Timings[0]
	for _, key := range []string{"FW", "Data Fetch (ms)", "Preprocessing (ms)", "Inference (ms)"} {
		if _, ok := first[key]; !ok {
			t.Errorf("timing missing key %q: %v", key, first)
		}
	}
	if first["FW"].(float64) != 4 || first["Inference (ms)"].(float64) != 80 {
		t.Errorf("timings[0] = %v, want fw 4 first", first)
	}
}

func TestGetAnomalies(t *testing.T) {
	cache := storage.NewCache()
	cache.Put(storage.Key{Timestamp: "t1", FW: 4, Rack: 0}, []float64{0.9, 0.9, 0.9})
	cache.Put(storage.Key{Timestamp: "t2", FW: 4, Rack: 0}, []float64{0.01, 0.5, 0.133077})
	cache.Put(storage.Key{Timestamp: "t2", FW: 24, Rack: 0}, []float64{0.061, 0.06, 0})

	opts := testOptions(cache)
	mux := SetupRoutes(opts)

	w := serve(mux, "/anomalies/0")
	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", w.Code)
	}

	var resp anomaliesResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Direction != anomaly.Above || len(resp.Windows) != 2 {
		t.Fatalf("resp = %+v", resp)
	}

	fw4 := resp.Windows[0]
	if fw4.FW != 4 || fw4.Timestamp != "t2" {
		t.Errorf("windows[0] = fw %d ts %s, want newest fw 4", fw4.FW, fw4.Timestamp)
	}
	if fw4.Count != 1 || len(fw4.Anomalous) != 1 || fw4.Anomalous[0] != 1 {
		t.Errorf("fw 4 anomalous = %v, want [1] (threshold equality is not anomalous)", fw4.Anomalous)
	}

	fw24 := resp.Windows[1]
	if fw24.Threshold != anomaly.DefaultThresholds[24] || fw24.Count != 1 || fw24.Anomalous[0] != 0 {
		t.Errorf("fw 24 = %+v", fw24)
	}
}

func TestGetStatus(t *testing.T) {
	opts := testOptions(storage.NewCache())
	opts.Status = func() Status {
		return Status{Cursor: 2, SequenceLength: 5, NextTimestamp: "t3", Racks: []int{0, 1, 2}}
	}
	mux := SetupRoutes(opts)

	w := serve(mux, "/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", w.Code)
	}

	var got Status
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Cursor != 2 || got.NextTimestamp != "t3" || got.LastTickAt != nil {
		t.Errorf("status = %+v", got)
	}
}

func TestOptionalRoutesDisabled(t *testing.T) {
	mux := SetupRoutes(testOptions(storage.NewCache()))

	for _, path := range []string{"/status", "/stream"} {
		if w := serve(mux, path); w.Code != http.StatusNotFound {
			t.Errorf("%s: status code = %d, want 404", path, w.Code)
		}
	}
}
