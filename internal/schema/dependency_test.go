package schema

import (
	"errors"
	"strings"
	"testing"

	"github.com/beyondessential/tamanu-sync/internal/syncerr"
)

func TestOrderByDependency(t *testing.T) {
	deps := map[string][]string{
		"patients":              nil,
		"encounters":            {"patients", "facilities"},
		"facilities":            nil,
		"administered_vaccines": {"encounters", "scheduled_vaccines"},
		"scheduled_vaccines":    {"reference_data"},
		"reference_data":        {"reference_data"}, // self reference
		"notes":                 {"users"},          // users is not synced
	}

	order, err := OrderByDependency(deps)
	if err != nil {
		t.Fatalf("OrderByDependency failed: %v", err)
	}
	if len(order) != len(deps) {
		t.Fatalf("got %d types, want %d: %v", len(order), len(deps), order)
	}

	pos := make(map[string]int)
	for i, name := range order {
		pos[name] = i
	}
	for name, targets := range deps {
		for _, dep := range targets {
			if _, ok := deps[dep]; !ok || dep == name {
				continue
			}
			if pos[dep] > pos[name] {
				t.Errorf("%s appears before its dependency %s in %v", name, dep, order)
			}
		}
	}

	// First pass is emitted in lexical order.
	want := []string{"facilities", "notes", "patients", "reference_data"}
	for i, name := range want {
		if order[i] != name {
			t.Errorf("order[%d] = %s, want %s (order %v)", i, order[i], name, order)
		}
	}
}

func TestOrderByDependencyCycle(t *testing.T) {
	deps := map[string][]string{
		"a":    {"b"},
		"b":    {"c"},
		"c":    {"a"},
		"root": nil,
	}

	_, err := OrderByDependency(deps)
	if err == nil {
		t.Fatal("expected error for cyclic graph")
	}
	var cfgErr *syncerr.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %T: %v", err, err)
	}
	if !strings.Contains(err.Error(), "a, b, c") {
		t.Errorf("error should name unresolved types: %v", err)
	}
	if strings.Contains(err.Error(), "root") {
		t.Errorf("error should not name resolved types: %v", err)
	}
}

func TestOrderByDependencyEmpty(t *testing.T) {
	order, err := OrderByDependency(map[string][]string{})
	if err != nil {
		t.Fatalf("OrderByDependency failed: %v", err)
	}
	if len(order) != 0 {
		t.Errorf("expected empty order, got %v", order)
	}
}

func TestOrderByDependencyChain(t *testing.T) {
	// A long chain needs one pass per link, exactly len(deps) passes.
	deps := map[string][]string{
		"t1": nil,
		"t2": {"t1"},
		"t3": {"t2"},
		"t4": {"t3"},
	}
	order, err := OrderByDependency(deps)
	if err != nil {
		t.Fatalf("OrderByDependency failed: %v", err)
	}
	if strings.Join(order, ",") != "t1,t2,t3,t4" {
		t.Errorf("order = %v", order)
	}
}
