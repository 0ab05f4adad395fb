package health

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/devblac/gov-watch/internal/monitor"
)

// Watched is the part of a monitor the health check reads.
type Watched interface {
	Name() string
	State() monitor.State
}

// MonitorChecker reports whether every network monitor holds a live connection.
type MonitorChecker struct {
	monitors []Watched
}

// NewMonitorChecker creates a checker over the running monitors.
func NewMonitorChecker(monitors ...Watched) *MonitorChecker {
	return &MonitorChecker{monitors: monitors}
}

// Ping fails while any monitor is disconnected or backing off.
func (c *MonitorChecker) Ping(_ context.Context) error {
	var down []string
	for _, m := range c.monitors {
		if st := m.State(); st != monitor.StateConnected {
			down = append(down, fmt.Sprintf("%s=%s", m.Name(), st))
		}
	}
	if len(down) > 0 {
		sort.Strings(down)
		return fmt.Errorf("not connected: %s", strings.Join(down, ", "))
	}
	return nil
}

// States maps each network to its connection state.
func (c *MonitorChecker) States() map[string]string {
	out := make(map[string]string, len(c.monitors))
	for _, m := range c.monitors {
		out[m.Name()] = string(m.State())
	}
	return out
}
