package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/devblac/gov-watch/internal/config"
	"github.com/devblac/gov-watch/internal/storage"
)

func sampleAlerts() []storage.Alert {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return []storage.Alert{
		{ID: "a1", Network: "polkadot", Height: 509, BlockHash: "0x1fd", Module: "Democracy", Event: "Proposed", PayloadJSON: `{"0":12}`, CreatedAt: at},
		{ID: "a2", Network: "kusama", Height: 7, Module: "Treasury", Event: "Awarded", PayloadJSON: "", CreatedAt: at},
	}
}

func TestWriteAlertsJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := writeAlertsJSON(&buf, sampleAlerts()); err != nil {
		t.Fatalf("write: %v", err)
	}
	var got []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v\n%s", err, buf.String())
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(got))
	}
	attrs, ok := got[0]["attributes"].(map[string]any)
	if !ok || attrs["0"] != float64(12) {
		t.Fatalf("attributes not embedded as json: %v", got[0])
	}
	if _, ok := got[1]["attributes"]; ok {
		t.Fatalf("empty payload should be omitted: %v", got[1])
	}
	if got[0]["created_at"] != "2024-05-01T12:00:00Z" {
		t.Fatalf("created_at: %v", got[0]["created_at"])
	}
}

func TestWriteAlertsJSONEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := writeAlertsJSON(&buf, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := buf.String(); got != "[]\n" {
		t.Fatalf("expected empty array, got %q", got)
	}
}

func TestWriteAlertsCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := writeAlertsCSV(&buf, sampleAlerts()); err != nil {
		t.Fatalf("write: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "id" || rows[1][2] != "509" || rows[1][6] != `{"0":12}` {
		t.Fatalf("unexpected rows: %v", rows)
	}
	if rows[2][7] != "2024-05-01T12:00:00Z" {
		t.Fatalf("created_at: %v", rows[2][7])
	}
}

func TestExportWriterFormats(t *testing.T) {
	for _, f := range []string{"json", "csv"} {
		if _, err := exportWriter(f); err != nil {
			t.Fatalf("%s: %v", f, err)
		}
	}
	if _, err := exportWriter("xml"); err == nil {
		t.Fatalf("expected error for xml")
	}
}

func TestSelectNetworks(t *testing.T) {
	cfg := &config.Config{Networks: map[string]config.Network{
		"polkadot": {Name: "polkadot"},
		"kusama":   {Name: "kusama"},
	}}

	all, err := selectNetworks(cfg, nil)
	if err != nil || len(all) != 2 || all[0].Name != "kusama" {
		t.Fatalf("default selection: %v err=%v", all, err)
	}

	one, err := selectNetworks(cfg, []string{"polkadot", "polkadot"})
	if err != nil || len(one) != 1 || one[0].Name != "polkadot" {
		t.Fatalf("explicit selection: %v err=%v", one, err)
	}

	if _, err := selectNetworks(cfg, []string{"westend"}); !errors.Is(err, config.ErrNetworkNotFound) {
		t.Fatalf("expected ErrNetworkNotFound, got %v", err)
	}
}

type fixedBlock struct {
	h  uint64
	ok bool
}

func (f fixedBlock) CurrentBlock() (uint64, bool) { return f.h, f.ok }

func TestStopLine(t *testing.T) {
	if got := stopLine(fixedBlock{h: 512, ok: true}); got != "Monitor stopped, next block #512" {
		t.Fatalf("unexpected line: %q", got)
	}
	if got := stopLine(fixedBlock{}); got != "Monitor stopped before start" {
		t.Fatalf("unexpected line: %q", got)
	}
}
