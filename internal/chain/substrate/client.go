// Package substrate reads finalized blocks from a Substrate node over JSON-RPC
// and decoded events from a substrate-api-sidecar instance.
package substrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devblac/gov-watch/internal/chain"
)

const defaultTimeout = 15 * time.Second

// RPCError is an error object returned by the node. It does not end the connection.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type response struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Client is a chain.Client over one websocket. Calls are serialized.
type Client struct {
	timeout time.Duration
	events  *EventSource

	mu     sync.Mutex
	conn   *websocket.Conn
	nextID uint64
	broken error
}

var _ chain.Client = (*Client)(nil)

// Dial connects to ep.URL and checks the node answers system_health.
func Dial(ctx context.Context, ep chain.Endpoint) (chain.Client, error) {
	return DialClient(ctx, ep)
}

// DialClient is Dial returning the concrete type.
func DialClient(ctx context.Context, ep chain.Endpoint) (*Client, error) {
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.DialContext(ctx, wsURL(ep.URL), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", chain.ErrConnection, ep.URL, err)
	}

	c := &Client{
		timeout: timeout,
		conn:    conn,
	}
	if ep.EventsURL != "" {
		c.events = NewEventSource(ep.EventsURL, timeout)
	}

	var health struct {
		Peers     int  `json:"peers"`
		IsSyncing bool `json:"isSyncing"`
	}
	if err := c.call(ctx, "system_health", nil, &health); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func wsURL(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		return "ws://" + strings.TrimPrefix(endpoint, "http://")
	}
	return endpoint
}

// FinalizedHeight returns the number of the latest finalized block.
func (c *Client) FinalizedHeight(ctx context.Context) (uint64, error) {
	var hash string
	if err := c.call(ctx, "chain_getFinalizedHead", nil, &hash); err != nil {
		return 0, err
	}
	var header struct {
		Number string `json:"number"`
	}
	if err := c.call(ctx, "chain_getHeader", []any{hash}, &header); err != nil {
		return 0, err
	}
	n, err := parseHexUint(header.Number)
	if err != nil {
		return 0, fmt.Errorf("finalized header %s: %w", hash, err)
	}
	return n, nil
}

// BlockHash maps a height to its canonical hash.
func (c *Client) BlockHash(ctx context.Context, height uint64) (string, error) {
	var hash *string
	if err := c.call(ctx, "chain_getBlockHash", []any{height}, &hash); err != nil {
		return "", err
	}
	if hash == nil || *hash == "" {
		return "", fmt.Errorf("%w: height %d", chain.ErrBlockNotFound, height)
	}
	return *hash, nil
}

// Events fetches decoded events from the sidecar.
func (c *Client) Events(ctx context.Context, blockHash string) ([]chain.Event, error) {
	if c.events == nil {
		return nil, errors.New("events_url not configured")
	}
	return c.events.Events(ctx, blockHash)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := c.conn.Close()
	c.conn = nil
	c.broken = errors.New("client closed")
	return err
}

// call sends one request and waits for the response with the same id. A transport
// failure poisons the client; the caller is expected to redial.
func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken != nil {
		return fmt.Errorf("%w: %s: %w", chain.ErrConnection, method, c.broken)
	}
	if params == nil {
		params = []any{}
	}

	c.nextID++
	id := c.nextID
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	// The cancel callback may outlive this call, so it must not touch c.conn.
	conn := c.conn
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(request{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return c.fail(ctx, method, err)
	}

	_ = conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return c.fail(ctx, method, err)
		}
		var resp response
		if err := json.Unmarshal(msg, &resp); err != nil {
			return fmt.Errorf("%s: decode response: %w", method, err)
		}
		if resp.ID == nil || *resp.ID != id {
			continue
		}
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
		return nil
	}
}

func (c *Client) fail(ctx context.Context, method string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	c.broken = err
	return fmt.Errorf("%w: %s: %w", chain.ErrConnection, method, err)
}

func parseHexUint(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return 0, errors.New("empty block number")
	}
	n, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse block number: %w", err)
	}
	return n, nil
}
