package types

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestIDGenerator_Next(t *testing.T) {
	gen := NewIDGenerator()

	id1, err := gen.Next()
	if err != nil {
		t.Fatalf("failed to generate id: %v", err)
	}
	id2, err := gen.Next()
	if err != nil {
		t.Fatalf("failed to generate id: %v", err)
	}

	if id1 == id2 {
		t.Error("expected different ids")
	}
	if len(id1) != 26 {
		t.Errorf("expected 26 characters, got %d", len(id1))
	}
	if id1 >= id2 {
		t.Errorf("expected %s < %s", id1, id2)
	}
}

func TestIDGenerator_MonotonicWithinMillisecond(t *testing.T) {
	gen := NewIDGenerator()
	ts := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	prev, err := gen.NextAt(ts)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 500; i++ {
		curr, err := gen.NextAt(ts)
		if err != nil {
			t.Fatal(err)
		}
		if prev >= curr {
			t.Fatalf("id %d not increasing: %s >= %s", i, prev, curr)
		}
		prev = curr
	}
}

func TestIDGenerator_ClockSkewKeepsOrder(t *testing.T) {
	gen := NewIDGenerator()
	later := time.Date(2026, 1, 1, 12, 0, 1, 0, time.UTC)
	earlier := later.Add(-time.Second)

	a, _ := gen.NextAt(later)
	b, _ := gen.NextAt(earlier)
	if a >= b {
		t.Errorf("expected %s < %s after clock skew", a, b)
	}
}

func TestEventID_Valid(t *testing.T) {
	tests := []struct {
		id    EventID
		valid bool
	}{
		{"01HZX3NDEKTSV4RRFFQ69G5FAV", true},
		{"c1a4f0e2-9d7b-4c55-8e0e-2b9f0f1d3a11", true},
		{"", false},
		{"has space", false},
		{"tab\tinside", false},
	}
	for _, tt := range tests {
		if tt.id.Valid() != tt.valid {
			t.Errorf("%q: Valid()=%v, want %v", tt.id, tt.id.Valid(), tt.valid)
		}
	}

	long := make([]byte, MaxEventIDLength+1)
	for i := range long {
		long[i] = 'a'
	}
	if EventID(long).Valid() {
		t.Error("over-long id should be invalid")
	}
}

func TestProperty_IDTimeOrdering(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("ids generated at later times sort after earlier ones", prop.ForAll(
		func(t1Ms, t2Ms int64) bool {
			if t1Ms >= t2Ms {
				t1Ms, t2Ms = t2Ms, t1Ms+1
			}
			g := NewIDGenerator()
			a, err := g.NextAt(time.UnixMilli(t1Ms))
			if err != nil {
				return false
			}
			b, err := g.NextAt(time.UnixMilli(t2Ms))
			if err != nil {
				return false
			}
			return a < b
		},
		gen.Int64Range(1000000000000, 2000000000000),
		gen.Int64Range(1000000000000, 2000000000000),
	))

	properties.TestingRun(t)
}
