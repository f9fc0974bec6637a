package scope

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestResolve(t *testing.T) {
	available := []string{"TX", "FL", "LA"}

	tests := []struct {
		scope   string
		want    []string
		wantErr bool
	}{
		{"all", []string{"FL", "LA", "TX"}, false},
		{" ALL ", []string{"FL", "LA", "TX"}, false},
		{"TX", []string{"TX"}, false},
		{"TX, FL", []string{"FL", "TX"}, false},
		{"TX,TX,", []string{"TX"}, false},
		{"", nil, true},
		{"TX,GA", nil, true},
	}

	for _, tt := range tests {
		got, err := Resolve(tt.scope, available)
		if (err != nil) != tt.wantErr {
			t.Errorf("Resolve(%q) error = %v, wantErr %v", tt.scope, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Resolve(%q) = %v, want %v", tt.scope, got, tt.want)
		}
	}
}

func TestResolveNamesMissingStates(t *testing.T) {
	_, err := Resolve("GA,TX,AL", []string{"TX"})
	var unknown *UnknownStatesError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownStatesError, got %v", err)
	}
	if !reflect.DeepEqual(unknown.Missing, []string{"GA", "AL"}) {
		t.Errorf("Missing = %v", unknown.Missing)
	}
}

func TestEventMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "event_state_map.yaml")
	content := `events:
  milton_2024:
    description: Hurricane Milton landfall
    states: [FL]
  helene_2024:
    states:
      - FL
      - GA
      - NC
  empty:
    states: []
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := LoadEventMap(path)
	if err != nil {
		t.Fatalf("LoadEventMap failed: %v", err)
	}
	if got := m.Names(); !reflect.DeepEqual(got, []string{"empty", "helene_2024", "milton_2024"}) {
		t.Errorf("Names = %v", got)
	}

	scope, err := m.Scope("helene_2024")
	if err != nil || scope != "FL,GA,NC" {
		t.Errorf("Scope = %q, %v", scope, err)
	}

	if _, err := m.Scope("katrina_2005"); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("expected ErrUnknownEvent, got %v", err)
	}
	if _, err := m.Scope("empty"); !errors.Is(err, ErrEmptyScope) {
		t.Errorf("expected ErrEmptyScope, got %v", err)
	}
}

func TestLoadEventMapMissingFile(t *testing.T) {
	if _, err := LoadEventMap(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestShippedEventMap(t *testing.T) {
	events, err := LoadEventMap(filepath.Join("..", "..", "configs", "event_state_map.yaml"))
	if err != nil {
		t.Fatalf("LoadEventMap: %v", err)
	}
	got, err := events.Scope("ida_2021")
	if err != nil {
		t.Fatalf("Scope: %v", err)
	}
	if got != "LA,MS" {
		t.Errorf("ida_2021 scope = %q, want LA,MS", got)
	}
}
