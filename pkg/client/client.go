// Package client provides an HTTP client for the livecap daemon API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/silvermint/livecap/internal/stream"
)

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

// DefaultConfig returns the configuration for a local daemon.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080",
		Timeout: 10 * time.Second,
	}
}

// Client talks to a livecap daemon over its HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// DaemonStatus is the response of GET /status.
type DaemonStatus struct {
	Capturing int `json:"capturing"`
	Jobs      int `json:"jobs"`
}

// IsReachable reports whether the daemon answers its health endpoint.
func (c *Client) IsReachable(ctx context.Context) bool {
	var out map[string]any
	return c.get(ctx, "/healthz", &out) == nil
}

// Status returns capture and job counts for a tenant.
func (c *Client) Status(ctx context.Context, tenant string) (DaemonStatus, error) {
	var out DaemonStatus
	err := c.get(ctx, "/status?tenant="+url.QueryEscape(tenant), &out)
	return out, err
}

// Streams lists the most recent streams for a tenant.
func (c *Client) Streams(ctx context.Context, tenant string, limit int) ([]stream.Stream, error) {
	path := "/streams?tenant=" + url.QueryEscape(tenant)
	if limit > 0 {
		path += "&limit=" + strconv.Itoa(limit)
	}
	var out []stream.Stream
	err := c.get(ctx, path, &out)
	return out, err
}

// Capturing lists the streams currently being captured for a tenant.
func (c *Client) Capturing(ctx context.Context, tenant string) ([]stream.Stream, error) {
	var out []stream.Stream
	err := c.get(ctx, "/streams/capturing?tenant="+url.QueryEscape(tenant), &out)
	return out, err
}

// Stream fetches one stream by id.
func (c *Client) Stream(ctx context.Context, id string) (stream.Stream, error) {
	var out stream.Stream
	err := c.get(ctx, "/streams/"+url.PathEscape(id), &out)
	return out, err
}

// Heartbeat fetches the latest heartbeat of a stream.
func (c *Client) Heartbeat(ctx context.Context, id string) (stream.Heartbeat, error) {
	var out stream.Heartbeat
	err := c.get(ctx, "/streams/"+url.PathEscape(id)+"/heartbeat", &out)
	return out, err
}

// TriggerTick runs one scan synchronously on the daemon.
func (c *Client) TriggerTick(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/debug/tick", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("daemon: %s (status %d)", e.Error, resp.StatusCode)
	}
	return fmt.Errorf("daemon: unexpected status %d", resp.StatusCode)
}
