// Package rules decides which on-chain events are surfaced as alerts.
package rules

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Wildcard is how a module-wide rule is rendered.
const Wildcard = "*"

// Rule selects events of Module, either all of them (empty Event) or one by name.
type Rule struct {
	Module string
	Event  string
}

// Wildcard reports whether the rule matches every event of its module.
func (r Rule) Wildcard() bool { return r.Event == "" }

// Matches compares module and event names case-insensitively.
func (r Rule) Matches(module, event string) bool {
	if !strings.EqualFold(r.Module, module) {
		return false
	}
	return r.Wildcard() || strings.EqualFold(r.Event, event)
}

func (r Rule) String() string {
	if r.Wildcard() {
		return r.Module + "." + Wildcard
	}
	return r.Module + "." + r.Event
}

// RuleSet is an ordered, immutable list of rules for one network.
type RuleSet []Rule

// Default covers both governance modules with module-wide rules.
func Default() RuleSet {
	return RuleSet{
		{Module: "democracy"},
		{Module: "referenda"},
	}
}

// Match reports whether any rule selects the event. The first hit wins.
func (s RuleSet) Match(module, event string) bool {
	for _, r := range s {
		if r.Matches(module, event) {
			return true
		}
	}
	return false
}

// Strings renders the rules as module.event pairs.
func (s RuleSet) Strings() []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, r.String())
	}
	return out
}

// Loader reads per-network rule files from Dir.
type Loader struct {
	Dir    string
	Logger *slog.Logger
}

// Path returns the rule file for a network.
func (l Loader) Path(network string) string {
	return filepath.Join(l.Dir, network+".rules")
}

// Load never fails: a missing file yields Default and a broken one yields an empty set.
func (l Loader) Load(network string) RuleSet {
	log := l.logger().With("network", network)
	path := l.Path(network)

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn("no rules file found, using defaults", "path", path)
		return Default()
	}
	if err != nil {
		log.Error("failed to read rules", "path", path, "error", err)
		return RuleSet{}
	}

	set, err := Parse(raw, log)
	if err != nil {
		log.Error("invalid rules format", "path", path, "error", err)
		return RuleSet{}
	}
	return set
}

// Save writes rules in the format Load understands.
func (l Loader) Save(network string, set RuleSet) error {
	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return fmt.Errorf("create rules dir: %w", err)
	}

	entries := make([]any, 0, len(set))
	for _, r := range set {
		if r.Wildcard() {
			entries = append(entries, r.Module)
			continue
		}
		entries = append(entries, map[string]string{r.Module: r.Event})
	}
	out, err := yaml.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	if err := os.WriteFile(l.Path(network), out, 0o644); err != nil {
		return fmt.Errorf("write rules: %w", err)
	}
	return nil
}

func (l Loader) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// Parse decodes a YAML rule list. Entries of an unknown shape are skipped with a warning.
func Parse(raw []byte, log *slog.Logger) (RuleSet, error) {
	if log == nil {
		log = slog.Default()
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, errors.New("rules must be a non-empty list")
	}
	list := doc.Content[0]
	if list.Kind != yaml.SequenceNode || len(list.Content) == 0 {
		return nil, errors.New("rules must be a non-empty list")
	}

	set := make(RuleSet, 0, len(list.Content))
	for _, entry := range list.Content {
		r, ok := parseEntry(entry)
		if !ok {
			log.Warn("skipping invalid rule format", "line", entry.Line)
			continue
		}
		set = append(set, r)
	}
	return set, nil
}

func parseEntry(n *yaml.Node) (Rule, bool) {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.ShortTag() != "!!str" || strings.TrimSpace(n.Value) == "" {
			return Rule{}, false
		}
		return Rule{Module: strings.TrimSpace(n.Value)}, true
	case yaml.MappingNode:
		if len(n.Content) != 2 {
			return Rule{}, false
		}
		key, val := n.Content[0], n.Content[1]
		if key.Kind != yaml.ScalarNode || strings.TrimSpace(key.Value) == "" || val.Kind != yaml.ScalarNode {
			return Rule{}, false
		}
		r := Rule{Module: strings.TrimSpace(key.Value)}
		switch ev := strings.TrimSpace(val.Value); {
		case val.ShortTag() == "!!null", ev == Wildcard:
		case ev == "":
			return Rule{}, false
		default:
			r.Event = ev
		}
		return r, true
	default:
		return Rule{}, false
	}
}
