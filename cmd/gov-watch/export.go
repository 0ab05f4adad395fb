package main

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/devblac/gov-watch/internal/storage"
)

var (
	exportFormat  string
	exportNetwork string
	exportOutput  string
)

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "json", "Output format: json or csv")
	exportCmd.Flags().StringVarP(&exportNetwork, "network", "n", "", "Only alerts for this network")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write to file instead of stdout")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the stored alert log as json or csv",
	RunE: func(cmd *cobra.Command, args []string) error {
		write, err := exportWriter(exportFormat)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if exportNetwork != "" {
			if _, err := cfg.Network(exportNetwork); err != nil {
				return err
			}
		}
		store, err := openStorage(cfg)
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("export needs global.db_path and a store sink")
		}
		defer store.Close()

		alerts, err := store.ListAlerts(cmd.Context(), exportNetwork)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if exportOutput != "" {
			f, err := os.Create(exportOutput)
			if err != nil {
				return fmt.Errorf("create output: %w", err)
			}
			defer f.Close()
			out = f
		}
		return write(out, alerts)
	},
}

func exportWriter(format string) (func(io.Writer, []storage.Alert) error, error) {
	switch format {
	case "json":
		return writeAlertsJSON, nil
	case "csv":
		return writeAlertsCSV, nil
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
}

type exportedAlert struct {
	ID        string          `json:"id"`
	Network   string          `json:"network"`
	Height    uint64          `json:"height"`
	BlockHash string          `json:"block_hash"`
	Module    string          `json:"module"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"attributes,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func writeAlertsJSON(w io.Writer, alerts []storage.Alert) error {
	out := make([]exportedAlert, 0, len(alerts))
	for _, a := range alerts {
		e := exportedAlert{
			ID:        a.ID,
			Network:   a.Network,
			Height:    a.Height,
			BlockHash: a.BlockHash,
			Module:    a.Module,
			Event:     a.Event,
			CreatedAt: a.CreatedAt.UTC(),
		}
		if json.Valid([]byte(a.PayloadJSON)) {
			e.Payload = json.RawMessage(a.PayloadJSON)
		}
		out = append(out, e)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func writeAlertsCSV(w io.Writer, alerts []storage.Alert) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "network", "height", "block_hash", "module", "event", "attributes", "created_at"}); err != nil {
		return err
	}
	for _, a := range alerts {
		if err := cw.Write([]string{
			a.ID,
			a.Network,
			strconv.FormatUint(a.Height, 10),
			a.BlockHash,
			a.Module,
			a.Event,
			a.PayloadJSON,
			a.CreatedAt.UTC().Format(time.RFC3339),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
