package nodeid_test

import (
	"testing"

	"go.klb.dev/overthetop/internal/nodeid"
)

func TestNewUnique(t *testing.T) {
	a := nodeid.New()
	b := nodeid.New()
	if a == b {
		t.Fatalf("expected distinct identifiers, got %s twice", a)
	}
	if a.IsZero() || b.IsZero() {
		t.Fatalf("generated id should never be zero")
	}
}

func TestStringParseRoundTrip(t *testing.T) {
	id := nodeid.New()
	parsed, err := nodeid.Parse(id.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed != id {
		t.Fatalf("round trip mismatch: got %s, want %s", parsed, id)
	}
}

func TestParseInvalid(t *testing.T) {
	cases := []string{"", "not-hex", "deadbeef", "zz" + id32()}
	for _, c := range cases {
		if _, err := nodeid.Parse(c); err == nil {
			t.Errorf("Parse(%q): expected error, got nil", c)
		}
	}
}

func id32() string {
	return "00000000000000000000000000000000"
}

func TestZeroIsZero(t *testing.T) {
	if !nodeid.Zero.IsZero() {
		t.Fatalf("Zero.IsZero() should be true")
	}
}
