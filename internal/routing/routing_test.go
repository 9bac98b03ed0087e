package routing_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"go.klb.dev/overthetop/internal/nodeid"
	"go.klb.dev/overthetop/internal/routing"
)

func id(b byte) nodeid.ID {
	var n nodeid.ID
	n[0] = b
	return n
}

var (
	self = id(0x00)
	a    = id(0x01)
	b    = id(0x02)
	c    = id(0x03)
)

func TestUpdateDirectNeighbourIsNew(t *testing.T) {
	tbl := routing.New()
	changes := tbl.Update(a, 1, nil)
	if _, ok := changes.New[a]; !ok {
		t.Fatalf("expected %s to be classified New, got %+v", a, changes)
	}
	gw, err := tbl.NextNode(a)
	if err != nil {
		t.Fatalf("NextNode: %v", err)
	}
	if gw != a {
		t.Fatalf("NextNode(a) = %s, want %s", gw, a)
	}
}

func TestUpdateClassifiesLightAndHeavy(t *testing.T) {
	tbl := routing.New()
	tbl.Update(a, 1, map[nodeid.ID]int{c: 5})
	tbl.Update(b, 1, nil)

	// b now advertises a cheaper path to c.
	changes := tbl.Update(b, 1, map[nodeid.ID]int{c: 1})
	if _, ok := changes.Light[c]; !ok {
		t.Fatalf("expected c to be Light after cheaper path, got %+v", changes)
	}

	// a now advertises a more expensive path, but b's path still wins, so
	// the global vector for c does not change at all.
	changes = tbl.Update(a, 1, map[nodeid.ID]int{c: 50})
	if !changes.Empty() {
		t.Fatalf("expected no change (b's route still cheaper), got %+v", changes)
	}

	// b withdraws its route to c: a's (now expensive) route becomes best.
	changes = tbl.Update(b, 1, nil)
	if _, ok := changes.Heavy[c]; !ok {
		t.Fatalf("expected c to be Heavy after losing the cheap route, got %+v", changes)
	}
}

func TestRemoveNodeLosesDestinations(t *testing.T) {
	tbl := routing.New()
	tbl.Update(a, 1, nil)
	changes, err := tbl.RemoveNode(a)
	if err != nil {
		t.Fatalf("RemoveNode: %v", err)
	}
	if _, ok := changes.Lost[a]; !ok {
		t.Fatalf("expected a to be Lost, got %+v", changes)
	}
	if _, err := tbl.NextNode(a); err == nil {
		t.Fatalf("expected ErrNoRoute after removing only route to a")
	}
}

func TestRemoveUnknownNode(t *testing.T) {
	tbl := routing.New()
	if _, err := tbl.RemoveNode(a); err == nil {
		t.Fatalf("expected ErrUnknownNode")
	}
}

func TestGenDistanceVectorPoisonReverse(t *testing.T) {
	tbl := routing.New()
	tbl.Update(a, 1, nil)                      // destination a via neighbour a, cost 1
	tbl.Update(b, 1, map[nodeid.ID]int{a: 3})   // b also reaches a at total cost 4 (worse), b is best gateway to b itself

	// a's own destination is always dropped when advertising to a.
	vector := tbl.GenDistanceVector(a)
	if _, ok := vector[a]; ok {
		t.Fatalf("a's own destination must be suppressed when advertising to a, got %+v", vector)
	}
	// b is not the best gateway to a (a itself is, at cost 1 vs 4), so the
	// route must still be advertised to b.
	vector = tbl.GenDistanceVector(b)
	if got, ok := vector[a]; !ok || got != 1 {
		t.Fatalf("expected route to a (cost 1) advertised toward b, got %+v", vector)
	}
}

func TestGenDistanceVectorSuppressesWhenGatewayIsRecipient(t *testing.T) {
	tbl := routing.New()
	tbl.Update(b, 1, nil)                       // b is the sole gateway to destination b
	tbl.Update(a, 1, map[nodeid.ID]int{b: 10})  // a also offers b, but worse (11 vs 1)

	// b is the best gateway to destination b; advertising that route back
	// to b itself would create a loop, so it must be suppressed.
	vector := tbl.GenDistanceVector(b)
	if _, ok := vector[b]; ok {
		t.Fatalf("destination b (best gateway is b) must be suppressed toward b, got %+v", vector)
	}
}

func TestGenDistanceVectorSuppressesBestGateway(t *testing.T) {
	tbl := routing.New()
	tbl.Update(a, 1, nil) // a is the best (only) gateway to destination a

	// Advertising toward a itself always drops a's own entry.
	vA := tbl.GenDistanceVector(a)
	if len(vA) != 0 {
		t.Fatalf("expected empty vector toward sole neighbour a, got %+v", vA)
	}
}

func TestTieBreakLexicographic(t *testing.T) {
	tbl := routing.New()
	// Two neighbours offer destination c at equal cost; the lower-byte
	// gateway id must win deterministically.
	tbl.Update(b, 1, map[nodeid.ID]int{c: 1})
	tbl.Update(a, 1, map[nodeid.ID]int{c: 1})

	gw, err := tbl.NextNode(c)
	if err != nil {
		t.Fatalf("NextNode: %v", err)
	}
	if gw != a {
		t.Fatalf("expected tie broken toward lower id %s, got %s", a, gw)
	}
}

func TestNextNodesPartitionsUnresolved(t *testing.T) {
	tbl := routing.New()
	tbl.Update(a, 1, nil)

	resolved, invalid := tbl.NextNodes(map[nodeid.ID]struct{}{a: {}, b: {}})
	if diff := cmp.Diff(map[nodeid.ID]nodeid.ID{a: a}, resolved); diff != "" {
		t.Errorf("resolved mismatch (-want +got):\n%s", diff)
	}
	if _, ok := invalid[b]; !ok {
		t.Errorf("expected b to be invalid (no route), got %+v", invalid)
	}
}
