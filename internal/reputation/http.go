package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/escrowd/internal/retry"
)

// HTTPFeed reads scores from a remote reputation service exposing
// GET {base}/v1/reputation/{address} -> {"reputation":{"score":N}}.
type HTTPFeed struct {
	base     string
	client   *http.Client
	attempts int
}

// NewHTTPFeed creates a feed against baseURL. Transient failures (transport
// errors, 5xx) are retried briefly; the caller's deadline still bounds the
// whole lookup.
func NewHTTPFeed(baseURL string, client *http.Client) *HTTPFeed {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPFeed{base: strings.TrimRight(baseURL, "/"), client: client, attempts: 3}
}

type remoteScore struct {
	Reputation *Score `json:"reputation"`
}

// Detail fetches the remote score record.
func (f *HTTPFeed) Detail(ctx context.Context, address string) (*Score, error) {
	endpoint := f.base + "/v1/reputation/" + url.PathEscape(strings.ToLower(address))

	var out *Score
	err := retry.Do(ctx, f.attempts, 100*time.Millisecond, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		resp, err := f.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return retry.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return retry.Permanent(fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode))
		}

		var rs remoteScore
		if err := json.Unmarshal(body, &rs); err != nil || rs.Reputation == nil {
			return retry.Permanent(fmt.Errorf("%w: malformed response", ErrUnavailable))
		}
		out = rs.Reputation
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Score fetches and validates the remote score.
func (f *HTTPFeed) Score(ctx context.Context, address string) (int, error) {
	s, err := f.Detail(ctx, address)
	if err != nil {
		return 0, err
	}
	return clampScore(s.Score)
}
