// Package classifier wraps the external sentiment/Elo service. The service
// is a black box: given a rating and review text it returns a sentiment
// label and a signed Elo delta. We never guess a default when it is down.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/example/tukerank/internal/models"
)

// ErrUnavailable is returned for timeouts, transport failures, non-2xx
// responses and malformed bodies alike. Callers treat them all the same:
// fail the submission, commit nothing.
var ErrUnavailable = errors.New("classifier unavailable")

// Result is the classifier's verdict on one review.
type Result struct {
	Sentiment models.Sentiment
	EloChange int
}

// Client is the interface the ingestion service depends on.
type Client interface {
	Classify(ctx context.Context, driverID string, rating int, review string) (Result, error)
}

// HTTPClient calls POST {base}/feedback on the remote classifier.
//
// Canonical wire contract: request {username, rating, review}, response
// {sentiment, eloChange, newElo}. The username field carries the driver id.
// The response's newElo is ignored; it is computed against whatever state
// the remote service saw, and the authoritative value is derived locally
// from the driver's current Elo at commit time.
type HTTPClient struct {
	Endpoint string
	Client   *http.Client
	Retries  int // extra attempts after the first
}

func NewHTTPClient(endpoint string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{Endpoint: endpoint, Client: &http.Client{Timeout: timeout}, Retries: 1}
}

type classifyRequest struct {
	Username string `json:"username"`
	Rating   int    `json:"rating"`
	Review   string `json:"review"`
}

type classifyResponse struct {
	Sentiment string `json:"sentiment"`
	EloChange *int   `json:"eloChange"`
	NewElo    int    `json:"newElo"`
}

func (c *HTTPClient) Classify(ctx context.Context, driverID string, rating int, review string) (Result, error) {
	body, err := json.Marshal(classifyRequest{Username: driverID, Rating: rating, Review: review})
	if err != nil {
		return Result{}, fmt.Errorf("encode classify request: %w", err)
	}

	attempts := 1 + c.Retries
	backoff := 250 * time.Millisecond
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			}
		}
		res, err := c.classifyOnce(ctx, body)
		if err == nil {
			return res, nil
		}
		lastErr = err
	}
	return Result{}, lastErr
}

func (c *HTTPClient) classifyOnce(ctx context.Context, body []byte) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+"/feedback", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var out classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	sentiment := models.Sentiment(out.Sentiment)
	if !models.ValidSentiment(sentiment) {
		return Result{}, fmt.Errorf("%w: unknown sentiment %q", ErrUnavailable, out.Sentiment)
	}
	if out.EloChange == nil {
		return Result{}, fmt.Errorf("%w: response missing eloChange", ErrUnavailable)
	}
	return Result{Sentiment: sentiment, EloChange: *out.EloChange}, nil
}
