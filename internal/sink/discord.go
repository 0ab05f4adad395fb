package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"
)

const (
	discordColor      = 3447003
	discordFieldLimit = 1024
	discordMaxFields  = 25
	discordFooter     = "gov-watch"
	discordTimeLayout = "2006-01-02T15:04:05.000Z"
)

// DiscordSender fans an alert out to every webhook subscribed to the alert's
// network. Subscriptions live in redis:
//
//	<prefix>chain:<network>:webhooks  set of webhook ids
//	<prefix>webhook:<id>              {"webhook_url": "...", "notify": "<role id>"}
//
// A webhook Discord answers 404 for is deleted and unsubscribed.
type DiscordSender struct {
	rdb    *redis.Client
	prefix string
	client *http.Client
	log    *slog.Logger
}

type discordSubscription struct {
	WebhookURL string `json:"webhook_url"`
	Notify     string `json:"notify"`
}

type discordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Author    discordAuthor  `json:"author"`
	Color     int            `json:"color"`
	Fields    []discordField `json:"fields"`
	Footer    discordFooterT `json:"footer"`
	Timestamp string         `json:"timestamp"`
}

type discordAuthor struct {
	Name string `json:"name"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordFooterT struct {
	Text string `json:"text"`
}

// DialDiscord connects to the subscription store.
func DialDiscord(ctx context.Context, addr, password string, db int, prefix string, log *slog.Logger) (*DiscordSender, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewDiscordSender(rdb, prefix, log), nil
}

func NewDiscordSender(rdb *redis.Client, prefix string, log *slog.Logger) *DiscordSender {
	if log == nil {
		log = slog.Default()
	}
	return &DiscordSender{rdb: rdb, prefix: prefix, client: defaultClient(), log: log}
}

func (s *DiscordSender) chainKey(network string) string {
	return s.prefix + "chain:" + network + ":webhooks"
}

func (s *DiscordSender) webhookKey(id string) string {
	return s.prefix + "webhook:" + id
}

func (s *DiscordSender) Send(ctx context.Context, alert Alert) error {
	ids, err := s.rdb.SMembers(ctx, s.chainKey(alert.Network)).Result()
	if err != nil {
		return fmt.Errorf("list webhooks: %w", err)
	}

	var errs []error
	for _, id := range ids {
		raw, err := s.rdb.Get(ctx, s.webhookKey(id)).Result()
		if errors.Is(err, redis.Nil) {
			s.log.Warn("webhook subscription without settings", "webhook", id, "network", alert.Network)
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", id, err))
			continue
		}
		var sub discordSubscription
		if err := json.Unmarshal([]byte(raw), &sub); err != nil || sub.WebhookURL == "" {
			errs = append(errs, fmt.Errorf("webhook %s: bad settings", id))
			continue
		}
		if err := s.deliver(ctx, alert, id, sub); err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (s *DiscordSender) deliver(ctx context.Context, alert Alert, id string, sub discordSubscription) error {
	body, err := json.Marshal(discordPayload(alert, sub.Notify))
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		s.log.Warn("discord webhook gone, unsubscribing", "webhook", id, "network", alert.Network)
		pipe := s.rdb.TxPipeline()
		pipe.Del(ctx, s.webhookKey(id))
		pipe.SRem(ctx, s.chainKey(alert.Network), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("unsubscribe: %w", err)
		}
		return nil
	case resp.StatusCode >= 300:
		return fmt.Errorf("discord http status %d", resp.StatusCode)
	}
	return nil
}

func discordPayload(alert Alert, notify string) discordMessage {
	fields := []discordField{
		{Name: "Module", Value: alert.Module, Inline: true},
		{Name: "Event", Value: alert.Event, Inline: true},
	}
	for _, k := range sortedKeys(alert.Attributes) {
		if len(fields) == discordMaxFields {
			break
		}
		v := truncate(stringify(alert.Attributes[k]), discordFieldLimit)
		if v == "" {
			v = "-"
		}
		fields = append(fields, discordField{Name: k, Value: v})
	}

	msg := discordMessage{
		Embeds: []discordEmbed{{
			Author:    discordAuthor{Name: "🔔 " + alert.Name()},
			Color:     discordColor,
			Fields:    fields,
			Footer:    discordFooterT{Text: fmt.Sprintf("%s · block #%d", discordFooter, alert.Height)},
			Timestamp: alert.Time.UTC().Format(discordTimeLayout),
		}},
	}
	if notify != "" {
		msg.Content = "<@&" + notify + ">"
	}
	return msg
}

func (s *DiscordSender) Close() error {
	return s.rdb.Close()
}
