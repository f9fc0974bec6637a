// Package scope resolves which inventory regions a run processes.
package scope

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// All selects every discovered region.
const All = "all"

// ErrEmptyScope is returned when a scope names no regions.
var ErrEmptyScope = errors.New("state scope selects no states")

// ErrUnknownEvent is returned when an event is not in the event map.
var ErrUnknownEvent = errors.New("unknown event")

// UnknownStatesError lists requested regions that have no partitions.
type UnknownStatesError struct {
	Missing []string
}

func (e *UnknownStatesError) Error() string {
	return fmt.Sprintf("requested states not found in bucket: %s", strings.Join(e.Missing, ", "))
}

// Resolve returns the sorted regions selected by a scope string: "all" or a
// comma-separated list. Every listed region must be available.
func Resolve(scope string, available []string) ([]string, error) {
	if strings.EqualFold(strings.TrimSpace(scope), All) {
		out := make([]string, len(available))
		copy(out, available)
		sort.Strings(out)
		return out, nil
	}

	have := make(map[string]bool, len(available))
	for _, s := range available {
		have[s] = true
	}

	seen := make(map[string]bool)
	var selected, missing []string
	for _, part := range strings.Split(scope, ",") {
		s := strings.TrimSpace(part)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		if have[s] {
			selected = append(selected, s)
		} else {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		return nil, &UnknownStatesError{Missing: missing}
	}
	if len(selected) == 0 {
		return nil, ErrEmptyScope
	}
	sort.Strings(selected)
	return selected, nil
}

// Event describes the regions affected by a named hazard event.
type Event struct {
	Description string   `yaml:"description"`
	States      []string `yaml:"states"`
}

// EventMap maps event names to regions.
type EventMap struct {
	Events map[string]Event `yaml:"events"`
}

// LoadEventMap reads an event map YAML file.
func LoadEventMap(path string) (*EventMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read event map %s: %w", path, err)
	}
	var m EventMap
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse event map %s: %w", path, err)
	}
	return &m, nil
}

// Names returns the known event names, sorted.
func (m *EventMap) Names() []string {
	names := make([]string, 0, len(m.Events))
	for n := range m.Events {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Scope returns the scope string for an event.
func (m *EventMap) Scope(event string) (string, error) {
	ev, ok := m.Events[event]
	if !ok {
		return "", fmt.Errorf("%w %q (available: %s)", ErrUnknownEvent, event, strings.Join(m.Names(), ", "))
	}
	if len(ev.States) == 0 {
		return "", fmt.Errorf("event %q: %w", event, ErrEmptyScope)
	}
	return strings.Join(ev.States, ","), nil
}
