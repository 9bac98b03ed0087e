// Package routing implements the distance-vector routing table: a
// per-neighbour cost matrix plus a derived global distance vector, with
// poison-reverse-by-suppression (a neighbour's own entries are never
// reflected back to it) and deterministic lexicographic tie-breaking on
// (cost, gateway).
package routing

import (
	"fmt"
	"sync"

	"go.klb.dev/overthetop/internal/nodeid"
)

// ErrNoRoute is returned when a destination has no known route.
type ErrNoRoute struct {
	Destination nodeid.ID
}

func (e *ErrNoRoute) Error() string {
	return fmt.Sprintf("routing: no route to %s", e.Destination)
}

// ErrUnknownNode is returned when removing a neighbour never registered in
// the table.
type ErrUnknownNode struct {
	Node nodeid.ID
}

func (e *ErrUnknownNode) Error() string {
	return fmt.Sprintf("routing: neighbour %s is not registered", e.Node)
}

// Best is the best-known (gateway, cost) pair for a destination.
type Best struct {
	Gateway nodeid.ID
	Cost    int
}

// Changes classifies a distance-vector update by its effect on destinations
// already resolvable before the update, following the routing invariant's
// four-way partition: new destinations, a cheaper (light) path, a more
// expensive (heavy) path, or a destination that became unreachable (lost).
type Changes struct {
	New   map[nodeid.ID]struct{}
	Light map[nodeid.ID]struct{}
	Heavy map[nodeid.ID]struct{}
	Lost  map[nodeid.ID]struct{}
}

func newChanges() Changes {
	return Changes{
		New:   map[nodeid.ID]struct{}{},
		Light: map[nodeid.ID]struct{}{},
		Heavy: map[nodeid.ID]struct{}{},
		Lost:  map[nodeid.ID]struct{}{},
	}
}

// Empty reports whether no destination changed category.
func (c Changes) Empty() bool {
	return len(c.New) == 0 && len(c.Light) == 0 && len(c.Heavy) == 0 && len(c.Lost) == 0
}

// Table is the two-level routing table (destination -> neighbour -> cost)
// plus the global distance vector derived from it. The zero value is not
// usable; use New.
type Table struct {
	mu    sync.Mutex // guards table
	table map[nodeid.ID]map[nodeid.ID]int

	gdvMu sync.RWMutex // guards gdv
	gdv   map[nodeid.ID]Best
}

// New returns an empty routing table.
func New() *Table {
	return &Table{
		table: map[nodeid.ID]map[nodeid.ID]int{},
		gdv:   map[nodeid.ID]Best{},
	}
}

func genGlobalVector(table map[nodeid.ID]map[nodeid.ID]int) map[nodeid.ID]Best {
	gdv := make(map[nodeid.ID]Best, len(table))
	for dest, byNeighbour := range table {
		var best Best
		first := true
		for gw, cost := range byNeighbour {
			if first || cost < best.Cost || (cost == best.Cost && gw.Less(best.Gateway)) {
				best = Best{Gateway: gw, Cost: cost}
				first = false
			}
		}
		gdv[dest] = best
	}
	return gdv
}

func (t *Table) updateGDV(newGDV map[nodeid.ID]Best) Changes {
	changes := newChanges()
	seen := make(map[nodeid.ID]struct{}, len(t.gdv)+len(newGDV))
	for k := range t.gdv {
		seen[k] = struct{}{}
	}
	for k := range newGDV {
		seen[k] = struct{}{}
	}
	for dest := range seen {
		old, hadOld := t.gdv[dest]
		cur, hasCur := newGDV[dest]
		switch {
		case hadOld && !hasCur:
			changes.Lost[dest] = struct{}{}
		case !hadOld && hasCur:
			changes.New[dest] = struct{}{}
		case hadOld && hasCur && old != cur:
			if old.Cost < cur.Cost {
				changes.Heavy[dest] = struct{}{}
			} else {
				changes.Light[dest] = struct{}{}
			}
		}
	}
	t.gdv = newGDV
	return changes
}

// Update merges a neighbour's advertised distance vector into the table at
// the given connection cost and returns how the global vector changed. A
// nil vector is treated as empty, which (combined with registering the
// neighbour at cost 0 below) still records the neighbour's direct link.
func (t *Table) Update(neighbour nodeid.ID, connectionCost int, vector map[nodeid.ID]int) Changes {
	dv := make(map[nodeid.ID]int, len(vector)+1)
	for k, v := range vector {
		dv[k] = v
	}
	dv[neighbour] = 0

	t.mu.Lock()
	for dest, byNeighbour := range t.table {
		if cost, ok := dv[dest]; ok {
			byNeighbour[neighbour] = cost + connectionCost
			delete(dv, dest)
		} else {
			delete(byNeighbour, neighbour)
			if len(byNeighbour) == 0 {
				delete(t.table, dest)
			}
		}
	}
	for dest, cost := range dv {
		if t.table[dest] == nil {
			t.table[dest] = map[nodeid.ID]int{}
		}
		t.table[dest][neighbour] = cost + connectionCost
	}
	newGDV := genGlobalVector(t.table)
	t.mu.Unlock()

	t.gdvMu.Lock()
	defer t.gdvMu.Unlock()
	return t.updateGDV(newGDV)
}

// RemoveNode drops a neighbour from every destination's cost row and
// returns the resulting global vector changes.
func (t *Table) RemoveNode(neighbour nodeid.ID) (Changes, error) {
	t.mu.Lock()
	if _, ok := t.table[neighbour]; !ok {
		found := false
		for _, byNeighbour := range t.table {
			if _, ok := byNeighbour[neighbour]; ok {
				found = true
				break
			}
		}
		if !found {
			t.mu.Unlock()
			return Changes{}, &ErrUnknownNode{Node: neighbour}
		}
	}
	delete(t.table, neighbour)
	for dest, byNeighbour := range t.table {
		delete(byNeighbour, neighbour)
		if len(byNeighbour) == 0 {
			delete(t.table, dest)
		}
	}
	newGDV := genGlobalVector(t.table)
	t.mu.Unlock()

	t.gdvMu.Lock()
	defer t.gdvMu.Unlock()
	return t.updateGDV(newGDV), nil
}

// GenDistanceVector projects the current global vector for advertisement to
// neighbour: the neighbour's own destination is dropped, and any
// destination whose best gateway IS that neighbour is suppressed
// (poison-reverse-by-suppression), since re-advertising it back would
// create a routing loop.
func (t *Table) GenDistanceVector(neighbour nodeid.ID) map[nodeid.ID]int {
	t.gdvMu.RLock()
	defer t.gdvMu.RUnlock()
	vector := make(map[nodeid.ID]int, len(t.gdv))
	for dest, best := range t.gdv {
		if dest == neighbour || best.Gateway == neighbour {
			continue
		}
		vector[dest] = best.Cost
	}
	return vector
}

// GenDistanceVectors projects the vector for each of the given neighbours.
func (t *Table) GenDistanceVectors(neighbours []nodeid.ID) map[nodeid.ID]map[nodeid.ID]int {
	out := make(map[nodeid.ID]map[nodeid.ID]int, len(neighbours))
	for _, n := range neighbours {
		out[n] = t.GenDistanceVector(n)
	}
	return out
}

// NextNode returns the best next-hop gateway toward destination.
func (t *Table) NextNode(destination nodeid.ID) (nodeid.ID, error) {
	t.gdvMu.RLock()
	defer t.gdvMu.RUnlock()
	best, ok := t.gdv[destination]
	if !ok {
		return nodeid.Zero, &ErrNoRoute{Destination: destination}
	}
	return best.Gateway, nil
}

// NextNodeCost returns the best known cost toward destination.
func (t *Table) NextNodeCost(destination nodeid.ID) (int, error) {
	t.gdvMu.RLock()
	defer t.gdvMu.RUnlock()
	best, ok := t.gdv[destination]
	if !ok {
		return 0, &ErrNoRoute{Destination: destination}
	}
	return best.Cost, nil
}

// NextNodes resolves gateways for many destinations at once, partitioning
// resolvable destinations from those with no known route.
func (t *Table) NextNodes(destinations map[nodeid.ID]struct{}) (map[nodeid.ID]nodeid.ID, map[nodeid.ID]struct{}) {
	t.gdvMu.RLock()
	defer t.gdvMu.RUnlock()
	resolved := make(map[nodeid.ID]nodeid.ID, len(destinations))
	invalid := map[nodeid.ID]struct{}{}
	for dest := range destinations {
		if best, ok := t.gdv[dest]; ok {
			resolved[dest] = best.Gateway
		} else {
			invalid[dest] = struct{}{}
		}
	}
	return resolved, invalid
}

// NextNodesCosts is NextNodes but resolving to costs instead of gateways.
func (t *Table) NextNodesCosts(destinations map[nodeid.ID]struct{}) (map[nodeid.ID]int, map[nodeid.ID]struct{}) {
	t.gdvMu.RLock()
	defer t.gdvMu.RUnlock()
	resolved := make(map[nodeid.ID]int, len(destinations))
	invalid := map[nodeid.ID]struct{}{}
	for dest := range destinations {
		if best, ok := t.gdv[dest]; ok {
			resolved[dest] = best.Cost
		} else {
			invalid[dest] = struct{}{}
		}
	}
	return resolved, invalid
}

// AllNodes returns every destination currently resolvable in the global
// vector.
func (t *Table) AllNodes() map[nodeid.ID]struct{} {
	t.gdvMu.RLock()
	defer t.gdvMu.RUnlock()
	out := make(map[nodeid.ID]struct{}, len(t.gdv))
	for dest := range t.gdv {
		out[dest] = struct{}{}
	}
	return out
}
