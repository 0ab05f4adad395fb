package sink

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/devblac/gov-watch/internal/config"
	"github.com/devblac/gov-watch/internal/storage"
)

// DefaultRouteID names the log route used when no sinks are configured.
const DefaultRouteID = "console"

// BuildRoutes turns sink configs into routes. Store may be nil when no sink needs
// SQLite; config validation guarantees that.
func BuildRoutes(ctx context.Context, sinks []config.Sink, store *storage.Store, log *slog.Logger) ([]*Route, error) {
	if log == nil {
		log = slog.Default()
	}
	if len(sinks) == 0 {
		s, err := NewLogSender(log, "")
		if err != nil {
			return nil, err
		}
		return []*Route{{ID: DefaultRouteID, Sender: s}}, nil
	}

	routes := make([]*Route, 0, len(sinks))
	for _, sc := range sinks {
		r, err := buildRoute(ctx, sc, store, log)
		if err != nil {
			closeRoutes(routes)
			return nil, fmt.Errorf("sink %s: %w", sc.ID, err)
		}
		routes = append(routes, r)
	}
	return routes, nil
}

func buildRoute(ctx context.Context, sc config.Sink, store *storage.Store, log *slog.Logger) (*Route, error) {
	sender, err := buildSender(ctx, sc, store, log)
	if err != nil {
		return nil, err
	}
	preds, err := CompilePredicates(sc.Where)
	if err != nil {
		if c, ok := sender.(io.Closer); ok {
			_ = c.Close()
		}
		return nil, fmt.Errorf("where: %w", err)
	}

	r := &Route{
		ID:        sc.ID,
		Sender:    sender,
		Where:     preds,
		DedupeTTL: sc.DedupeTTL.Std(),
		Timeout:   sc.Timeout.Std(),
	}
	if len(sc.Networks) > 0 {
		r.Networks = make(map[string]struct{}, len(sc.Networks))
		for _, n := range sc.Networks {
			r.Networks[n] = struct{}{}
		}
	}
	if sc.RateLimit != nil {
		r.Limiter = NewTokenBucket(sc.RateLimit.Burst, sc.RateLimit.PerSecond)
	}
	return r, nil
}

func buildSender(ctx context.Context, sc config.Sink, store *storage.Store, log *slog.Logger) (Sender, error) {
	switch sc.Type {
	case "log":
		return NewLogSender(log.With("sink", sc.ID), sc.Template)
	case "store":
		if store == nil {
			return nil, fmt.Errorf("store sink needs global.db_path")
		}
		return NewStoreSender(store), nil
	case "slack":
		return NewSlackSender(sc.WebhookURL, sc.Template)
	case "teams":
		return NewTeamsSender(sc.WebhookURL, sc.Template)
	case "webhook":
		return NewWebhookSender(sc.URL, sc.Method, sc.Template, jsonHeaders)
	case "discord":
		return DialDiscord(ctx, sc.Redis.Addr, sc.Redis.Password, sc.Redis.DB, sc.Redis.Prefix, log.With("sink", sc.ID))
	case "nats":
		return DialNATS(sc.URL, sc.Subject, log.With("sink", sc.ID))
	case "kafka":
		return DialKafka(sc.Brokers, sc.Topic)
	default:
		return nil, fmt.Errorf("unsupported sink type: %s", sc.Type)
	}
}

func closeRoutes(routes []*Route) {
	for _, r := range routes {
		if c, ok := r.Sender.(io.Closer); ok {
			_ = c.Close()
		}
	}
}
