package sink

import (
	"context"
	"log/slog"
	"text/template"
)

// LogSender writes alerts to the structured logger. It is the sink used when none
// is configured.
type LogSender struct {
	log    *slog.Logger
	render *template.Template
}

func NewLogSender(log *slog.Logger, tmpl string) (*LogSender, error) {
	if log == nil {
		log = slog.Default()
	}
	t, err := parseTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	return &LogSender{log: log, render: t}, nil
}

func (s *LogSender) Send(_ context.Context, alert Alert) error {
	text, err := executeTemplate(s.render, alert)
	if err != nil {
		return err
	}
	s.log.Info(text,
		"network", alert.Network,
		"height", alert.Height,
		"event", alert.Name(),
		"alert_id", alert.ID,
	)
	return nil
}

func (s *LogSender) SendStatus(_ context.Context, network, text string) error {
	s.log.Info(text, "network", network)
	return nil
}
