// Package wsbridge implements bridge.Bridge against a bridge gateway that
// accepts connect/disconnect over HTTP and streams translated events over a
// single websocket.
package wsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/silvermint/livecap/internal/bridge"
)

const (
	redialInitialWait = time.Second
	redialMaxWait     = 30 * time.Second
)

// Client talks to one bridge gateway. The websocket carries events for every
// connected account; per-account demultiplexing happens in bridge.Feed.
type Client struct {
	baseURL string
	wsURL   string
	http    *http.Client
	feed    *bridge.Feed

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	done   chan struct{}
}

// Dial connects the event websocket and starts the read pump. baseURL is the
// gateway's HTTP root, e.g. "http://bridge:9000".
func Dial(ctx context.Context, baseURL string, feed *bridge.Feed) (*Client, error) {
	wsURL, err := toWebsocketURL(baseURL)
	if err != nil {
		return nil, err
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL+"/events", nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial bridge feed: %w", err)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		wsURL:   wsURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		feed:    feed,
		conn:    conn,
		done:    make(chan struct{}),
	}
	go c.readPump()
	return c, nil
}

// Feed exposes the fan-out the pump publishes into.
func (c *Client) Feed() *bridge.Feed { return c.feed }

// readPump pumps gateway events into the feed for the client's lifetime. A
// read error does not kill the feed: the pump redials with backoff and
// resumes, stopping only on Close. Events the gateway emits while the socket
// is down are lost; the worker idle-timeout path covers that gap.
func (c *Client) readPump() {
	for {
		conn := c.currentConn()
		if conn == nil {
			return
		}
		var ev bridge.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if c.isClosed() {
				return
			}
			slog.Warn("bridge feed read failed, redialing", "err", err)
			if !c.redial() {
				return
			}
			continue
		}
		if ev.At.IsZero() {
			ev.At = time.Now().UTC()
		}
		c.feed.Publish(ev)
	}
}

// redial re-establishes the event websocket, doubling the wait between
// attempts up to redialMaxWait. It returns false only when the client closed.
func (c *Client) redial() bool {
	wait := redialInitialWait
	for {
		conn, resp, err := websocket.DefaultDialer.Dial(c.wsURL+"/events", nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				_ = conn.Close()
				return false
			}
			old := c.conn
			c.conn = conn
			c.mu.Unlock()
			if old != nil {
				_ = old.Close()
			}
			slog.Info("bridge feed reconnected")
			return true
		}
		slog.Warn("bridge feed redial failed", "err", err, "next_try", wait)
		select {
		case <-c.done:
			return false
		case <-time.After(wait):
		}
		if wait < redialMaxWait {
			wait *= 2
		}
	}
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	return c.conn
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Connect asks the gateway to join an account's broadcast. HTTP 409 means the
// gateway already holds a connection, which callers treat as success.
func (c *Client) Connect(ctx context.Context, accountID string) (bool, error) {
	status, err := c.control(ctx, "connect", accountID)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusOK:
		return false, nil
	case http.StatusConflict:
		return true, nil
	default:
		return false, fmt.Errorf("bridge connect %s: unexpected status %d", accountID, status)
	}
}

// Disconnect asks the gateway to leave an account's broadcast.
func (c *Client) Disconnect(ctx context.Context, accountID string) error {
	status, err := c.control(ctx, "disconnect", accountID)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("bridge disconnect %s: unexpected status %d", accountID, status)
	}
	return nil
}

func (c *Client) control(ctx context.Context, action, accountID string) (int, error) {
	body, _ := json.Marshal(map[string]string{"account_id": accountID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/"+action, strings.NewReader(string(body)))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode, nil
}

// Close shuts the websocket down and stops the pump, including a pump waiting
// between redial attempts.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func toWebsocketURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("bridge url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("bridge url: unsupported scheme %q", u.Scheme)
	}
	return strings.TrimRight(u.String(), "/"), nil
}
