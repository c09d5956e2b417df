// Package inference calls the remote GNN model service that scores rack graphs.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/HatiCode/rackwatch/pkg/graph"
)

// DefaultTimeout bounds one inference call when no client is supplied.
const DefaultTimeout = 10 * time.Second

// ErrRemoteCall is returned for every failed inference call: transport errors,
// timeouts, non-2xx statuses and responses that do not hold exactly one
// finite numeric score per node.
var ErrRemoteCall = errors.New("inference: remote call failed")

// Client posts graph payloads to {baseURL}/predict/{fw}/{rack}.
// It is safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// New creates a Client. A nil httpClient gets DefaultTimeout; a nil limiter
// disables pacing.
func New(baseURL string, httpClient *http.Client, limiter *rate.Limiter) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: DefaultTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpClient,
		limiter: limiter,
	}
}

// NewLimiter returns a limiter allowing rps calls per second, or nil for rps <= 0.
func NewLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// URL returns the endpoint for a forecast window and rack.
func (c *Client) URL(fw, rack int) string {
	return fmt.Sprintf("%s/predict/%d/%d", c.baseURL, fw, rack)
}

// Predict sends the payload for (fw, rack) and returns one score per node,
// in payload row order.
func (c *Client) Predict(ctx context.Context, fw, rack int, payload graph.Payload) ([]float64, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: fw %d rack %d: rate limit: %v", ErrRemoteCall, fw, rack, err)
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: fw %d rack %d: marshal payload: %v", ErrRemoteCall, fw, rack, err)
	}

	url := c.URL(fw, rack)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrRemoteCall, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: POST %s: %v", ErrRemoteCall, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: POST %s: http %d: %s", ErrRemoteCall, url, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrRemoteCall, err)
	}

	scores, err := ParseScores(data, payload.Nodes())
	if err != nil {
		return nil, fmt.Errorf("%w: POST %s: %v", ErrRemoteCall, url, err)
	}
	return scores, nil
}

// ParseScores extracts the "prediction" array of a response body.
// Every element must be a number and there must be exactly nodes of them.
func ParseScores(data []byte, nodes int) ([]float64, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("response is not valid JSON")
	}

	pred := gjson.GetBytes(data, "prediction")
	if !pred.Exists() {
		return nil, errors.New(`response has no "prediction" field`)
	}
	if !pred.IsArray() {
		return nil, fmt.Errorf(`"prediction" is %s, want an array`, pred.Type)
	}

	elems := pred.Array()
	if len(elems) != nodes {
		return nil, fmt.Errorf("got %d scores for %d nodes", len(elems), nodes)
	}

	scores := make([]float64, len(elems))
	for i, e := range elems {
		if e.Type != gjson.Number {
			return nil, fmt.Errorf("score %d is %s, want a number", i, e.Type)
		}
		v := e.Float()
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return nil, fmt.Errorf("score %d is not finite: %s", i, e.Raw)
		}
		scores[i] = v
	}
	return scores, nil
}
