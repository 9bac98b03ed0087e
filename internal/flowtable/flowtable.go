// Package flowtable tracks active stream flows relayed or sourced by this
// node: their state, their downstream destinations, and the two derived
// indexes (flow id -> origins, origin -> flow ids) used to answer "which
// flows does this neighbour's departure affect".
package flowtable

import (
	"fmt"
	"sync"

	"go.klb.dev/overthetop/internal/nodeid"
)

// State is a flow's lifecycle state. States are ordered ACTIVE < STREAMING
// < HOLD < INVALID, matching the routing layer's notion of "upgrading" a
// flow: moving it to a numerically lower, more-active state.
type State int

const (
	Active State = iota
	Streaming
	Hold
	Invalid = State(1 << 30) // sentinel: larger than any real state
)

func (s State) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Streaming:
		return "STREAMING"
	case Hold:
		return "HOLD"
	case Invalid:
		return "INVALID"
	default:
		return "UNKNOWN"
	}
}

// Key identifies a flow by id and the node that originates it. The same
// flow id sourced by two different origins is two distinct table entries.
type Key struct {
	FlowID string
	Origin nodeid.ID
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%s", k.FlowID, k.Origin)
}

// ErrInvalidFlow reports a lookup against a flow key this table does not
// hold.
type ErrInvalidFlow struct {
	Key Key
}

func (e *ErrInvalidFlow) Error() string {
	return fmt.Sprintf("flowtable: no entry for %s", e.Key)
}

// ErrInvalidState reports that AwaitActive unblocked on a flow that was
// cancelled rather than activated.
type ErrInvalidState struct {
	Key Key
}

func (e *ErrInvalidState) Error() string {
	return fmt.Sprintf("flowtable: %s was withdrawn while awaiting activation", e.Key)
}

// entry is one flow's mutable record: its state and downstream destination
// set, guarded by a condition variable so AwaitActive can block until the
// state leaves HOLD.
type entry struct {
	mu           sync.Mutex
	cond         *sync.Cond
	state        State
	destinations map[nodeid.ID]struct{}
}

func newEntry(state State) *entry {
	e := &entry{state: state, destinations: map[nodeid.ID]struct{}{}}
	e.cond = sync.NewCond(&e.mu)
	return e
}

func (e *entry) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	e.cond.Broadcast()
}

// upgrade moves the entry to s only if s is more active (numerically
// lower) than the current state.
func (e *entry) upgrade(s State) {
	e.mu.Lock()
	if s < e.state {
		e.state = s
		e.cond.Broadcast()
	}
	e.mu.Unlock()
}

func (e *entry) getState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *entry) awaitActive() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.state == Hold {
		e.cond.Wait()
	}
	if e.state == Invalid {
		return &ErrInvalidState{}
	}
	return nil
}

func (e *entry) snapshotDestinations() map[nodeid.ID]struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[nodeid.ID]struct{}, len(e.destinations))
	for d := range e.destinations {
		out[d] = struct{}{}
	}
	return out
}

func (e *entry) addDestination(dest nodeid.ID, activate bool) {
	e.mu.Lock()
	e.destinations[dest] = struct{}{}
	e.mu.Unlock()
	if activate {
		e.setState(Active)
	} else {
		e.upgrade(Streaming)
	}
}

func (e *entry) stripDestinations() map[nodeid.ID]struct{} {
	e.mu.Lock()
	tmp := e.destinations
	e.destinations = map[nodeid.ID]struct{}{}
	e.state = Hold
	e.mu.Unlock()
	e.cond.Broadcast()
	return tmp
}

func (e *entry) removeDestination(dest nodeid.ID, downgrade bool) {
	e.mu.Lock()
	delete(e.destinations, dest)
	empty := len(e.destinations) == 0
	if empty {
		e.state = Hold
	} else if downgrade {
		e.state = Streaming
	}
	e.mu.Unlock()
	e.cond.Broadcast()
}

func (e *entry) cancel() {
	e.mu.Lock()
	e.state = Invalid
	e.destinations = nil
	e.mu.Unlock()
	e.cond.Broadcast()
}

// Table is the flow table. The zero value is not usable; use New.
type Table struct {
	mu      sync.RWMutex
	byKey   map[Key]*entry
	ids     map[string]map[nodeid.ID]struct{}   // flow id -> origins
	origins map[nodeid.ID]map[string]struct{}   // origin -> flow ids
}

// New returns an empty flow table.
func New() *Table {
	return &Table{
		byKey:   map[Key]*entry{},
		ids:     map[string]map[nodeid.ID]struct{}{},
		origins: map[nodeid.ID]map[string]struct{}{},
	}
}

func (t *Table) registerKeyLocked(k Key) {
	if t.ids[k.FlowID] == nil {
		t.ids[k.FlowID] = map[nodeid.ID]struct{}{}
	}
	t.ids[k.FlowID][k.Origin] = struct{}{}
	if t.origins[k.Origin] == nil {
		t.origins[k.Origin] = map[string]struct{}{}
	}
	t.origins[k.Origin][k.FlowID] = struct{}{}
}

func (t *Table) removeKeyLocked(k Key) {
	if origins := t.ids[k.FlowID]; origins != nil {
		delete(origins, k.Origin)
		if len(origins) == 0 {
			delete(t.ids, k.FlowID)
		}
	}
	if ids := t.origins[k.Origin]; ids != nil {
		delete(ids, k.FlowID)
		if len(ids) == 0 {
			delete(t.origins, k.Origin)
		}
	}
}

// ContainsKey reports whether the table already holds an entry for k.
func (t *Table) ContainsKey(k Key) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.byKey[k]
	return ok
}

// RegisterSupplier creates (or replaces) the entry for k in the given
// initial state (callers pass HOLD). Used both when this node becomes a
// flow's origin and when it first learns of a relayed flow via
// announcement.
func (t *Table) RegisterSupplier(k Key, state State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.registerKeyLocked(k)
	t.byKey[k] = newEntry(state)
}

// AwaitActive blocks the caller until the flow leaves HOLD, returning
// ErrInvalidState if it was withdrawn instead of activated.
func (t *Table) AwaitActive(k Key) error {
	t.mu.RLock()
	e, ok := t.byKey[k]
	t.mu.RUnlock()
	if !ok {
		return &ErrInvalidFlow{Key: k}
	}
	return e.awaitActive()
}

// Destinations returns the current downstream destination set for k.
func (t *Table) Destinations(k Key) (map[nodeid.ID]struct{}, error) {
	t.mu.RLock()
	e, ok := t.byKey[k]
	t.mu.RUnlock()
	if !ok {
		return nil, &ErrInvalidFlow{Key: k}
	}
	return e.snapshotDestinations(), nil
}

// FlowRequest records that destination wants flow k, relayed via master
// (the node handling the request locally). If k's origin is not master,
// the request must keep propagating toward origin, which is returned; a
// zero origin return means master itself satisfies the request and no
// further propagation is required. Activation happens immediately when
// destination == master (the leaf requester); otherwise the entry is
// merely upgraded to STREAMING so it keeps flowing once active.
func (t *Table) FlowRequest(k Key, destination, master nodeid.ID) (nodeid.ID, error) {
	t.mu.RLock()
	e, ok := t.byKey[k]
	t.mu.RUnlock()
	if !ok {
		return nodeid.Zero, &ErrInvalidFlow{Key: k}
	}
	e.addDestination(destination, destination == master)
	if k.Origin != master {
		return k.Origin, nil
	}
	return nodeid.Zero, nil
}

// FlowCancel removes destination from k's downstream set, dropping the
// entry to HOLD once the set is empty. When destination == master (the
// local node gives up the flow), a non-empty entry is downgraded to
// STREAMING and k's origin is returned so the caller can forward the
// cancellation upstream; a cancellation on behalf of any other
// destination is applied locally and not forwarded.
func (t *Table) FlowCancel(k Key, destination, master nodeid.ID) (nodeid.ID, bool, error) {
	t.mu.RLock()
	e, ok := t.byKey[k]
	t.mu.RUnlock()
	if !ok {
		return nodeid.Zero, false, &ErrInvalidFlow{Key: k}
	}
	if destination != master {
		e.removeDestination(destination, false)
		return nodeid.Zero, false, nil
	}
	e.removeDestination(destination, true)
	return k.Origin, true, nil
}

// FlowRemove withdraws k entirely, invalidating it so blocked
// AwaitActive callers wake with ErrInvalidState.
func (t *Table) FlowRemove(k Key) (string, error) {
	t.mu.Lock()
	e, ok := t.byKey[k]
	if !ok {
		t.mu.Unlock()
		return "", &ErrInvalidFlow{Key: k}
	}
	delete(t.byKey, k)
	t.removeKeyLocked(k)
	t.mu.Unlock()
	e.cancel()
	return k.FlowID, nil
}

// CleanFlows reacts to a routing change: for every origin in heavy (cost
// got worse) or lost (unreachable), destinations through this node are
// stripped; lost origins additionally have their entries fully removed.
// It returns the set of keys whose loss affects `self` (the local node),
// so the coordinator can trigger recovery.
func (t *Table) CleanFlows(self nodeid.ID, heavy, lost map[nodeid.ID]struct{}) map[Key]struct{} {
	if len(heavy) == 0 && len(lost) == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	losses := map[Key]struct{}{}
	affected := map[nodeid.ID]struct{}{}
	for n := range heavy {
		affected[n] = struct{}{}
	}
	for n := range lost {
		affected[n] = struct{}{}
	}
	for node := range affected {
		_, removing := lost[node]
		for flowID := range t.origins[node] {
			key := Key{FlowID: flowID, Origin: node}
			e := t.byKey[key]
			if e == nil {
				continue
			}
			stripped := e.stripDestinations()
			if _, ok := stripped[self]; ok {
				losses[key] = struct{}{}
			}
			if removing {
				delete(t.byKey, key)
				t.removeKeyLocked(key)
			}
		}
	}
	for _, e := range t.byKey {
		for node := range affected {
			e.removeDestination(node, false)
		}
	}
	return losses
}

// Clear invalidates and drops every entry, used when the node shuts down.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.byKey {
		e.cancel()
	}
	t.byKey = map[Key]*entry{}
	t.ids = map[string]map[nodeid.ID]struct{}{}
	t.origins = map[nodeid.ID]map[string]struct{}{}
}

// GetKeys resolves every flow key sourced by any of the given origins.
func (t *Table) GetKeys(origins map[nodeid.ID]struct{}) map[Key]struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := map[Key]struct{}{}
	for origin := range origins {
		for flowID := range t.origins[origin] {
			out[Key{FlowID: flowID, Origin: origin}] = struct{}{}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// GetOrigins returns every origin currently advertising flowID.
func (t *Table) GetOrigins(flowID string) map[nodeid.ID]struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[nodeid.ID]struct{}, len(t.ids[flowID]))
	for o := range t.ids[flowID] {
		out[o] = struct{}{}
	}
	return out
}

// FlowIDsAndStates snapshots every known key and its current state, used
// to answer "what flows are available" and to rebuild a flow collection
// for a new neighbour.
func (t *Table) FlowIDsAndStates() map[Key]State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[Key]State, len(t.byKey))
	for k, e := range t.byKey {
		out[k] = e.getState()
	}
	return out
}
