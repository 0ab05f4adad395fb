package sink

import (
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/devblac/gov-watch/internal/chain"
)

// Alert is the data passed to sinks.
type Alert struct {
	ID         string         `json:"id"`
	Network    string         `json:"network"`
	Height     uint64         `json:"height"`
	BlockHash  string         `json:"block_hash"`
	Module     string         `json:"module"`
	Event      string         `json:"event"`
	Phase      string         `json:"phase,omitempty"`
	Index      int            `json:"index"`
	Attributes map[string]any `json:"attributes"`
	Topics     []string       `json:"topics,omitempty"`
	Time       time.Time      `json:"time"`
}

// NewAlert stamps a matched event with a fresh id.
func NewAlert(network string, height uint64, ev chain.Event, now time.Time) Alert {
	attrs := ev.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	return Alert{
		ID:         uuid.NewString(),
		Network:    network,
		Height:     height,
		BlockHash:  ev.BlockHash,
		Module:     ev.ModuleID,
		Event:      ev.EventID,
		Phase:      ev.Phase,
		Index:      ev.Index,
		Attributes: attrs,
		Topics:     ev.Topics,
		Time:       now.UTC(),
	}
}

// Name is Module.Event.
func (a Alert) Name() string { return a.Module + "." + a.Event }

// DedupeKey identifies the event, not the alert: a replayed block yields the same key.
func (a Alert) DedupeKey(sinkID string) string {
	block := a.BlockHash
	if block == "" {
		block = fmt.Sprintf("#%d", a.Height)
	}
	return fmt.Sprintf("%s:%s:%s:%d", sinkID, a.Network, block, a.Index)
}

// fields is what where-predicates see: the attributes plus the event envelope.
func (a Alert) fields() map[string]any {
	out := make(map[string]any, len(a.Attributes)+5)
	for k, v := range a.Attributes {
		out[k] = v
	}
	out["network"] = a.Network
	out["height"] = a.Height
	out["module"] = a.Module
	out["event"] = a.Event
	out["phase"] = a.Phase
	return out
}

// sortedKeys orders attribute keys so positional "2" comes before "10".
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) < len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}

// truncate cuts s to at most n runes; chat APIs count characters, not bytes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
