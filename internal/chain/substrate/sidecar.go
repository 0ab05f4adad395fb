package substrate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/devblac/gov-watch/internal/chain"
)

// EventSource reads GET /blocks/{hash} from substrate-api-sidecar.
type EventSource struct {
	base   string
	client *http.Client
}

func NewEventSource(base string, timeout time.Duration) *EventSource {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &EventSource{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

type sidecarEvent struct {
	Method struct {
		Pallet string `json:"pallet"`
		Method string `json:"method"`
	} `json:"method"`
	Data []any `json:"data"`
}

type sidecarBlock struct {
	Number       string `json:"number"`
	Hash         string `json:"hash"`
	OnInitialize struct {
		Events []sidecarEvent `json:"events"`
	} `json:"onInitialize"`
	Extrinsics []struct {
		Events []sidecarEvent `json:"events"`
	} `json:"extrinsics"`
	OnFinalize struct {
		Events []sidecarEvent `json:"events"`
	} `json:"onFinalize"`
}

// Events returns the block's events in runtime order. An unreachable sidecar is a
// connection error; a bad response only affects this block.
func (s *EventSource) Events(ctx context.Context, blockHash string) ([]chain.Event, error) {
	u := s.base + "/blocks/" + url.PathEscape(blockHash) + "?eventDocs=false&extrinsicDocs=false"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: sidecar: %w", chain.ErrConnection, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", chain.ErrBlockNotFound, blockHash)
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("sidecar status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var block sidecarBlock
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&block); err != nil {
		return nil, fmt.Errorf("decode sidecar block %s: %w", blockHash, err)
	}
	return flatten(block, blockHash), nil
}

func flatten(b sidecarBlock, blockHash string) []chain.Event {
	var out []chain.Event
	add := func(phase string, evs []sidecarEvent) {
		for _, ev := range evs {
			attrs := make(map[string]any, len(ev.Data))
			for i, v := range ev.Data {
				attrs[strconv.Itoa(i)] = v
			}
			out = append(out, chain.Event{
				Index:      len(out),
				ModuleID:   ev.Method.Pallet,
				EventID:    ev.Method.Method,
				Phase:      phase,
				BlockHash:  blockHash,
				Attributes: attrs,
				Topics:     []string{},
			})
		}
	}

	add("Initialization", b.OnInitialize.Events)
	for i, ex := range b.Extrinsics {
		add(fmt.Sprintf("ApplyExtrinsic(%d)", i), ex.Events)
	}
	add("Finalization", b.OnFinalize.Events)
	return out
}
