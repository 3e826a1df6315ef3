package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPProber queries a liveness endpoint over HTTP. The endpoint is expected
// to answer GET {baseURL}?account={id} with a Result JSON body.
type HTTPProber struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProber builds a prober against baseURL. timeout <= 0 defaults to 10s.
func NewHTTPProber(baseURL string, timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProber{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProber) Probe(ctx context.Context, accountID string) (Result, error) {
	u := p.baseURL + "?account=" + url.QueryEscape(accountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Result{}, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("probe %s: unexpected status %d", accountID, resp.StatusCode)
	}
	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("probe %s: decode response: %w", accountID, err)
	}
	return res, nil
}
