package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reward-distributor/internal/model"
	"github.com/sells-group/reward-distributor/internal/resilience"
)

// HTTPOption configures an HTTPFeed.
type HTTPOption func(*HTTPFeed)

// WithToken sends a bearer token.
func WithToken(token string) HTTPOption {
	return func(f *HTTPFeed) { f.token = token }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(f *HTTPFeed) { f.http = hc }
}

// WithRetry overrides the retry policy.
func WithRetry(cfg resilience.RetryConfig) HTTPOption {
	return func(f *HTTPFeed) { f.retry = cfg }
}

// HTTPFeed reads GET <base>/producers from the metering service.
type HTTPFeed struct {
	baseURL string
	token   string
	http    *http.Client
	retry   resilience.RetryConfig
}

var _ Feed = (*HTTPFeed)(nil)

// NewHTTPFeed creates a feed for the metering service at baseURL.
func NewHTTPFeed(baseURL string, opts ...HTTPOption) *HTTPFeed {
	f := &HTTPFeed{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		retry:   resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.retry.OnRetry == nil {
		f.retry.OnRetry = resilience.RetryLogger("snapshot_fetch")
	}
	return f
}

// Snapshot fetches and validates the producer list. The body may be a bare
// array or an object with a "producers" array.
func (f *HTTPFeed) Snapshot(ctx context.Context) ([]model.Producer, error) {
	body, err := resilience.DoVal(ctx, f.retry, func(ctx context.Context) ([]byte, error) {
		return f.fetch(ctx)
	})
	if err != nil {
		return nil, err
	}

	producers, err := decodeJSON(body)
	if err != nil {
		return nil, err
	}
	if err := Validate(producers); err != nil {
		return nil, err
	}
	return producers, nil
}

func (f *HTTPFeed) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/producers", nil)
	if err != nil {
		return nil, eris.Wrap(err, "snapshot: create request")
	}
	req.Header.Set("Accept", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "snapshot: fetch producers")
		}
		return nil, resilience.NewTransientError(eris.Wrap(err, "snapshot: fetch producers"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, eris.Wrap(err, "snapshot: read response")
	}
	if resp.StatusCode != http.StatusOK {
		err := eris.New(fmt.Sprintf("snapshot: metering service returned status %d", resp.StatusCode))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}
	return data, nil
}

func decodeJSON(data []byte) ([]model.Producer, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var wrapped struct {
			Producers []model.Producer `json:"producers"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, eris.Wrap(err, "snapshot: decode producers")
		}
		return wrapped.Producers, nil
	}
	var producers []model.Producer
	if err := json.Unmarshal(data, &producers); err != nil {
		return nil, eris.Wrap(err, "snapshot: decode producers")
	}
	return producers, nil
}
