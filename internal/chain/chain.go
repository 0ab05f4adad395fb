// Package chain defines what the monitor needs from a finalized-block source.
package chain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrConnection marks transport failures: dial errors, timeouts, closed sockets.
	// Errors wrapping it are not recoverable per block and force a reconnect.
	ErrConnection = errors.New("chain connection failed")

	// ErrBlockNotFound is returned when a height or hash is unknown to the node.
	ErrBlockNotFound = errors.New("block not found")
)

// Event is one decoded runtime event. Attributes are keyed by field name or position.
type Event struct {
	Index      int            `json:"index"`
	ModuleID   string         `json:"module_id"`
	EventID    string         `json:"event_id"`
	Phase      string         `json:"phase"`
	BlockHash  string         `json:"block_hash"`
	Attributes map[string]any `json:"attributes"`
	Topics     []string       `json:"topics"`
}

// Client is a live connection to one network. Every call may block up to the
// endpoint timeout.
type Client interface {
	FinalizedHeight(ctx context.Context) (uint64, error)
	BlockHash(ctx context.Context, height uint64) (string, error)
	Events(ctx context.Context, blockHash string) ([]Event, error)
	Close() error
}

// Endpoint is what a Dialer needs to open a Client.
type Endpoint struct {
	URL       string
	EventsURL string
	Timeout   time.Duration
}

// Dialer opens a Client. Failures should wrap ErrConnection.
type Dialer func(ctx context.Context, ep Endpoint) (Client, error)

// IsConnectionError reports whether err should end the current connection.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnection)
}
