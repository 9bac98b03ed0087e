// Package coordinator binds the routing table and flow table into the
// node's decision logic: how a distance-vector update affects flows, how a
// flow request resolves to a next hop, how to generate what a neighbour
// should see. It mirrors the original Node class's role as a thin
// coordinator: the kernel drives I/O, the coordinator only decides.
package coordinator

import (
	"log/slog"

	"go.klb.dev/overthetop/internal/flowtable"
	"go.klb.dev/overthetop/internal/nodeid"
	"go.klb.dev/overthetop/internal/routing"
)

// Update is the outcome of folding a routing change into the flow table: a
// set of flow keys whose loss affects this node directly (and so must be
// recovered), and the keys of flows whose origin's best path got more
// expensive (heavy), to be sent back as a flow collection.
type Update struct {
	Losses     map[flowtable.Key]struct{}
	Collection map[flowtable.Key]struct{}
}

// Node is the coordinator. The zero value is not usable; use New.
type Node struct {
	id     nodeid.ID
	name   string
	flow   *flowtable.Table
	route  *routing.Table
	log    *slog.Logger
}

// New returns a coordinator for node id with an empty routing and flow
// table.
func New(id nodeid.ID, name string, log *slog.Logger) *Node {
	if log == nil {
		log = slog.Default()
	}
	return &Node{id: id, name: name, flow: flowtable.New(), route: routing.New(), log: log}
}

// ID returns this node's identifier.
func (n *Node) ID() nodeid.ID { return n.id }

// Name returns this node's display name.
func (n *Node) Name() string { return n.name }

// Routing exposes the underlying routing table for snapshotting/status.
func (n *Node) Routing() *routing.Table { return n.route }

// Flows exposes the underlying flow table for snapshotting/status.
func (n *Node) Flows() *flowtable.Table { return n.flow }

func (n *Node) processChanges(changes routing.Changes) *Update {
	if len(changes.Heavy) > 0 || len(changes.Lost) > 0 {
		losses := n.flow.CleanFlows(n.id, changes.Heavy, changes.Lost)
		collection := n.flow.GetKeys(changes.Heavy)
		return &Update{Losses: losses, Collection: collection}
	}
	if len(changes.Light)+len(changes.New) > 0 {
		return &Update{Losses: map[flowtable.Key]struct{}{}, Collection: map[flowtable.Key]struct{}{}}
	}
	return nil
}

// ReceiveDistanceVector folds a neighbour's advertised vector into the
// routing table and returns the flow-table fallout, if any.
func (n *Node) ReceiveDistanceVector(neighbour nodeid.ID, vector map[nodeid.ID]int, cost int) *Update {
	changes := n.route.Update(neighbour, cost, vector)
	return n.processChanges(changes)
}

// NewNeighbour registers a freshly connected neighbour at the given
// connection cost, with no advertised vector yet beyond the direct link.
func (n *Node) NewNeighbour(neighbour nodeid.ID, cost int) *Update {
	return n.processChanges(n.route.Update(neighbour, cost, nil))
}

// RemoveNeighbour drops a neighbour from the routing table.
func (n *Node) RemoveNeighbour(neighbour nodeid.ID) (*Update, error) {
	changes, err := n.route.RemoveNode(neighbour)
	if err != nil {
		return nil, err
	}
	return n.processChanges(changes), nil
}

// TimeOut is RemoveNeighbour under the name the kernel's
// disconnectNeighbour calls it by.
func (n *Node) TimeOut(neighbour nodeid.ID) (*Update, error) {
	return n.RemoveNeighbour(neighbour)
}

// NextGateways groups destinations by the gateway that reaches them,
// reporting separately whether this node itself was among the
// destinations (i.e. whether a local player must also receive the chunk).
func (n *Node) NextGateways(destinations map[nodeid.ID]struct{}) (map[nodeid.ID]map[nodeid.ID]struct{}, bool) {
	local := false
	filtered := make(map[nodeid.ID]struct{}, len(destinations))
	for d := range destinations {
		if d == n.id {
			local = true
			continue
		}
		filtered[d] = struct{}{}
	}
	nodeToGateway, _ := n.route.NextNodes(filtered)
	byGateway := map[nodeid.ID]map[nodeid.ID]struct{}{}
	for dest, gw := range nodeToGateway {
		if byGateway[gw] == nil {
			byGateway[gw] = map[nodeid.ID]struct{}{}
		}
		byGateway[gw][dest] = struct{}{}
	}
	return byGateway, local
}

// Destinations returns the current downstream destination set for a flow
// key.
func (n *Node) Destinations(key flowtable.Key) (map[nodeid.ID]struct{}, error) {
	return n.flow.Destinations(key)
}

// GenDistanceVector projects the routing table's view for one neighbour.
func (n *Node) GenDistanceVector(neighbour nodeid.ID) map[nodeid.ID]int {
	return n.route.GenDistanceVector(neighbour)
}

// GenDistanceVectors projects the routing table's view for many
// neighbours at once.
func (n *Node) GenDistanceVectors(neighbours []nodeid.ID) map[nodeid.ID]map[nodeid.ID]int {
	return n.route.GenDistanceVectors(neighbours)
}

// FlowCollection snapshots every known flow key and state, sent to a new
// neighbour during welcome.
func (n *Node) FlowCollection() map[flowtable.Key]flowtable.State {
	return n.flow.FlowIDsAndStates()
}

// ReceiveFlowCollection merges an incoming flow collection, registering
// any flow key this node doesn't yet know about in HOLD, and returns the
// newly-registered keys.
func (n *Node) ReceiveFlowCollection(collection map[flowtable.Key]flowtable.State) map[flowtable.Key]struct{} {
	newKeys := map[flowtable.Key]struct{}{}
	for key := range collection {
		if !n.flow.ContainsKey(key) {
			n.flow.RegisterSupplier(key, flowtable.Hold)
			newKeys[key] = struct{}{}
		}
	}
	if len(newKeys) == 0 {
		return nil
	}
	return newKeys
}

func (n *Node) processFlowRequest(key flowtable.Key, destination nodeid.ID) (nodeid.ID, bool, error) {
	supplier, err := n.flow.FlowRequest(key, destination, n.id)
	if err != nil {
		return nodeid.Zero, false, err
	}
	if supplier.IsZero() || supplier == n.id {
		return nodeid.Zero, false, nil
	}
	gateway, err := n.route.NextNode(supplier)
	if err != nil {
		return nodeid.Zero, false, err
	}
	return gateway, true, nil
}

// FlowRecovery re-requests a flow this node lost downstream access to,
// e.g. after its supplying gateway changed.
func (n *Node) FlowRecovery(key flowtable.Key) (gateway nodeid.ID, forward bool) {
	gw, fwd, err := n.processFlowRequest(key, n.id)
	if err != nil {
		return nodeid.Zero, false
	}
	return gw, fwd
}

// FlowRequest resolves a local request for flowID: if this node already
// originates it, origin is itself; otherwise the cheapest known origin is
// chosen. It returns the gateway to forward the request through, whether
// forwarding is needed at all, and the resolved flow key.
func (n *Node) FlowRequest(flowID string, origin nodeid.ID) (gateway nodeid.ID, forward bool, key flowtable.Key) {
	if origin.IsZero() {
		origins := n.flow.GetOrigins(flowID)
		if _, ok := origins[n.id]; ok {
			origin = n.id
		} else {
			costs, _ := n.route.NextNodesCosts(origins)
			best := nodeid.Zero
			bestCost := 0
			first := true
			for o, c := range costs {
				if first || c < bestCost || (c == bestCost && o.Less(best)) {
					best, bestCost, first = o, c, false
				}
			}
			origin = best
		}
	}
	key = flowtable.Key{FlowID: flowID, Origin: origin}
	gw, fwd, _ := n.processFlowRequest(key, n.id)
	return gw, fwd, key
}

// HandleFlowRequest processes an incoming request relayed by a neighbour
// on behalf of destination.
func (n *Node) HandleFlowRequest(key flowtable.Key, destination nodeid.ID) (gateway nodeid.ID, forward bool) {
	gw, fwd, err := n.processFlowRequest(key, destination)
	if err != nil {
		return nodeid.Zero, false
	}
	return gw, fwd
}

func (n *Node) processFlowCancel(key flowtable.Key, destination nodeid.ID) (nodeid.ID, bool) {
	supplier, ok, err := n.flow.FlowCancel(key, destination, n.id)
	if err != nil || !ok || supplier.IsZero() {
		return nodeid.Zero, false
	}
	gateway, err := n.route.NextNode(supplier)
	if err != nil {
		return nodeid.Zero, false
	}
	return gateway, true
}

// FlowCancel cancels this node's own interest in key.
func (n *Node) FlowCancel(key flowtable.Key) (gateway nodeid.ID, forward bool) {
	return n.processFlowCancel(key, n.id)
}

// HandleFlowCancel processes an incoming cancellation relayed on behalf of
// destination.
func (n *Node) HandleFlowCancel(key flowtable.Key, destination nodeid.ID) (gateway nodeid.ID, forward bool) {
	return n.processFlowCancel(key, destination)
}

// NextNode resolves the best gateway toward destination.
func (n *Node) NextNode(destination nodeid.ID) (nodeid.ID, error) {
	return n.route.NextNode(destination)
}

// Announcement registers key as locally known (if not already) and
// reports whether this is the first time, the signal to re-announce it
// to neighbours.
func (n *Node) Announcement(key flowtable.Key) bool {
	if n.flow.ContainsKey(key) {
		return false
	}
	n.flow.RegisterSupplier(key, flowtable.Hold)
	return true
}

// RegisterFlow registers this node as the origin of a new local flow and
// returns its key.
func (n *Node) RegisterFlow(flowID string) flowtable.Key {
	key := flowtable.Key{FlowID: flowID, Origin: n.id}
	n.flow.RegisterSupplier(key, flowtable.Hold)
	return key
}

// AwaitActive blocks until key's flow leaves HOLD.
func (n *Node) AwaitActive(key flowtable.Key) error {
	return n.flow.AwaitActive(key)
}

// FlowWithdraw removes a flow this node manages, returning its flow id.
func (n *Node) FlowWithdraw(key flowtable.Key) (string, error) {
	return n.flow.FlowRemove(key)
}

// Clean invalidates every flow entry, used on shutdown.
func (n *Node) Clean() {
	n.flow.Clear()
}
