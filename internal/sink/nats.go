package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher is the slice of *nats.Conn the NATS sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSSender publishes alerts as JSON on <subject>.<network> and status lines on
// <subject>.<network>.status.
type NATSSender struct {
	pub     Publisher
	subject string
}

type natsStatus struct {
	Network string    `json:"network"`
	Text    string    `json:"text"`
	Time    time.Time `json:"time"`
}

// DialNATS connects with unlimited reconnects.
func DialNATS(url, subject string, log *slog.Logger) (*NATSSender, error) {
	if log == nil {
		log = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("gov-watch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return NewNATSSender(nc, subject), nil
}

func NewNATSSender(pub Publisher, subject string) *NATSSender {
	return &NATSSender{pub: pub, subject: subject}
}

func (s *NATSSender) Send(_ context.Context, alert Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := s.pub.Publish(s.subject+"."+alert.Network, data); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

func (s *NATSSender) SendStatus(_ context.Context, network, text string) error {
	data, err := json.Marshal(natsStatus{Network: network, Text: text, Time: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if err := s.pub.Publish(s.subject+"."+network+".status", data); err != nil {
		return fmt.Errorf("publish status: %w", err)
	}
	return nil
}

// Close flushes pending messages.
func (s *NATSSender) Close() error {
	return s.pub.Drain()
}
