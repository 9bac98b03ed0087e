package kernel

import (
	"context"
	"net"

	"go.klb.dev/overthetop/internal/coordinator"
	"go.klb.dev/overthetop/internal/flowtable"
	"go.klb.dev/overthetop/internal/flowtransport"
	"go.klb.dev/overthetop/internal/nodeid"
	"go.klb.dev/overthetop/internal/wire"
)

// controlLoop reads and dispatches frames from one neighbour until the
// connection errors out, at which point the neighbour is disconnected and
// (if it was dialed by this node) registered in the ICU for reconnection.
func (k *Kernel) controlLoop(ctx context.Context, nb *neighbourConn, remote string) {
	for {
		frame, err := nb.conn.ReadFrame()
		if err != nil {
			if ctx.Err() == nil {
				k.log.Debug("neighbour connection lost", "neighbour", nb.id, "remote", remote, "error", err)
			}
			k.disconnectNeighbour(nb.id, false)
			return
		}
		k.dispatchFrame(nb, frame)
	}
}

func (k *Kernel) dispatchFrame(nb *neighbourConn, frame wire.Frame) {
	switch frame.Tag {
	case wire.DistanceVector:
		var p wire.DistanceVectorPayload
		if err := frame.Decode(&p); err != nil {
			k.log.Debug("bad distance vector frame", "neighbour", nb.id, "error", err)
			return
		}
		update := k.node.ReceiveDistanceVector(nb.id, p.Vector, nb.cost)
		k.applyUpdate(update, nb.id)

	case wire.FlowCollection:
		var p wire.FlowCollectionPayload
		if err := frame.Decode(&p); err != nil {
			return
		}
		collection := make(map[flowtable.Key]flowtable.State, len(p.Flows))
		for _, e := range p.Flows {
			collection[flowtable.Key{FlowID: e.FlowID, Origin: e.Origin}] = flowtable.State(e.State)
		}
		if delta := k.node.ReceiveFlowCollection(collection); len(delta) > 0 {
			k.floodExcept(nb.id, wire.FlowCollection, flowCollectionPayload(delta))
			k.events.Publish(FlowEvent)
		}

	case wire.FlowAnnounce:
		var p wire.FlowAnnouncePayload
		if err := frame.Decode(&p); err != nil {
			return
		}
		key := flowtable.Key{FlowID: p.FlowID, Origin: p.Origin}
		if k.node.Announcement(key) {
			k.floodExcept(nb.id, wire.FlowAnnounce, p)
			k.events.Publish(FlowEvent)
		}

	case wire.FlowRequest:
		var p wire.FlowRequestPayload
		if err := frame.Decode(&p); err != nil {
			return
		}
		key := flowtable.Key{FlowID: p.FlowID, Origin: p.Origin}
		gateway, forward := k.node.HandleFlowRequest(key, p.Destination)
		if forward {
			_ = k.sendControl(gateway, wire.FlowRequest, p)
		}
		k.events.Publish(FlowEvent)

	case wire.FlowCancel:
		var p wire.FlowCancelPayload
		if err := frame.Decode(&p); err != nil {
			return
		}
		key := flowtable.Key{FlowID: p.FlowID, Origin: p.Origin}
		gateway, forward := k.node.HandleFlowCancel(key, p.Destination)
		if forward {
			_ = k.sendControl(gateway, wire.FlowCancel, p)
		}
		k.events.Publish(FlowEvent)

	case wire.FlowWithdraw:
		var p wire.FlowWithdrawPayload
		if err := frame.Decode(&p); err != nil {
			return
		}
		key := flowtable.Key{FlowID: p.FlowID, Origin: nb.id}
		if _, err := k.node.FlowWithdraw(key); err == nil {
			k.players.Remove(key)
			k.floodExcept(nb.id, wire.FlowWithdraw, p)
			k.events.Publish(FlowEvent)
		}

	case wire.PingRequest, wire.PingResponse:
		// Reserved, unused by this node.

	default:
		k.log.Debug("unexpected control tag", "neighbour", nb.id, "tag", frame.Tag)
	}
}

// flowCollectionPayload builds a FlowCollectionPayload covering exactly the
// keys in delta, each reported in the state it now holds (every key in
// delta was just registered in HOLD by ReceiveFlowCollection).
func flowCollectionPayload(delta map[flowtable.Key]struct{}) wire.FlowCollectionPayload {
	entries := make([]wire.FlowEntry, 0, len(delta))
	for key := range delta {
		entries = append(entries, wire.FlowEntry{FlowID: key.FlowID, Origin: key.Origin, State: uint8(flowtable.Hold)})
	}
	return wire.FlowCollectionPayload{Flows: entries}
}

// floodExcept forwards a control message to every neighbour but the one it
// arrived from, realizing the overlay's flood-based flow announce/withdraw
// propagation.
func (k *Kernel) floodExcept(except nodeid.ID, tag wire.Tag, payload any) {
	k.mu.RLock()
	targets := make([]nodeid.ID, 0, len(k.neighbours))
	for id := range k.neighbours {
		if id != except {
			targets = append(targets, id)
		}
	}
	k.mu.RUnlock()
	for _, id := range targets {
		_ = k.sendControl(id, tag, payload)
	}
}

// broadcastDistanceVectors sends every neighbour but except its own
// poison-reverse-suppressed projection of the routing table.
func (k *Kernel) broadcastDistanceVectors(except nodeid.ID) {
	k.mu.RLock()
	targets := make([]nodeid.ID, 0, len(k.neighbours))
	for id := range k.neighbours {
		if id != except {
			targets = append(targets, id)
		}
	}
	k.mu.RUnlock()
	vectors := k.node.Routing().GenDistanceVectors(targets)
	for _, id := range targets {
		_ = k.sendControl(id, wire.DistanceVector, wire.DistanceVectorPayload{Vector: vectors[id]})
	}
}

// applyUpdate reacts to a coordinator.Update produced by a routing change:
// it re-requests flows this node lost access to, re-gossips the routing
// change to every other neighbour, and, if the change requires flow
// recovery, sends the affected flows back to source as a FLOW_COLLECTION
// so it can re-request them along their new path.
func (k *Kernel) applyUpdate(update *coordinator.Update, source nodeid.ID) {
	if update == nil {
		return
	}
	for key := range update.Losses {
		gateway, forward := k.node.FlowRecovery(key)
		if forward {
			_ = k.sendControl(gateway, wire.FlowRequest, wire.FlowRequestPayload{
				FlowID: key.FlowID, Origin: key.Origin, Destination: k.ID(),
			})
		}
	}
	if len(update.Collection) > 0 {
		known := k.node.FlowCollection()
		entries := make([]wire.FlowEntry, 0, len(update.Collection))
		for key := range update.Collection {
			if state, ok := known[key]; ok {
				entries = append(entries, wire.FlowEntry{FlowID: key.FlowID, Origin: key.Origin, State: uint8(state)})
			}
		}
		if len(entries) > 0 {
			_ = k.sendControl(source, wire.FlowCollection, wire.FlowCollectionPayload{Flows: entries})
		}
	}
	k.broadcastDistanceVectors(source)
	k.events.Publish(OverlayEvent)
	if len(update.Losses) > 0 || len(update.Collection) > 0 {
		k.events.Publish(FlowEvent)
	}
}

// flowRelayLoop drains the flow transport's ingress queue: every datagram
// is delivered to the local player (if this node is one of its
// destinations) and re-addressed to every downstream gateway the routing
// table resolves for the remaining destinations.
func (k *Kernel) flowRelayLoop(ctx context.Context) error {
	for {
		d, err := k.ft.Receive(ctx)
		if err != nil {
			return nil
		}
		destinations := make(map[nodeid.ID]struct{}, len(d.Destinations))
		for _, dest := range d.Destinations {
			destinations[dest] = struct{}{}
		}
		byGateway, local := k.node.NextGateways(destinations)
		if local {
			k.players.InsertChunk(d.Key, d.Chunk)
		}
		for gateway, destSet := range byGateway {
			k.mu.RLock()
			nb, ok := k.neighbours[gateway]
			k.mu.RUnlock()
			if !ok {
				continue
			}
			next := flowtransport.Datagram{
				Key:          d.Key,
				FrameNumber:  d.FrameNumber,
				Destinations: setToSlice(destSet),
				Chunk:        d.Chunk,
			}
			if err := k.ft.Send(ctx, next, []net.Addr{nb.flowAddr}); err != nil && ctx.Err() == nil {
				k.log.Debug("flow forward failed", "gateway", gateway, "error", err)
			}
		}
	}
}

func setToSlice(s map[nodeid.ID]struct{}) []nodeid.ID {
	out := make([]nodeid.ID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}

// disconnectNeighbour removes a neighbour from the active connection map
// and the routing table. explicit disconnects (operator-initiated) skip
// the ICU entirely; connection failures register an ICU entry so the
// doctor can attempt reconnection, but only if this node dialed the
// connection in the first place. There is no stable address to redial an
// inbound peer's ephemeral source port.
func (k *Kernel) disconnectNeighbour(id nodeid.ID, explicit bool) {
	k.mu.Lock()
	nb, ok := k.neighbours[id]
	delete(k.neighbours, id)
	k.mu.Unlock()
	if !ok {
		return
	}
	nb.conn.Close()

	update, err := k.node.TimeOut(id)
	if err != nil {
		k.log.Debug("disconnect of unregistered neighbour", "neighbour", id, "error", err)
	} else {
		k.applyUpdate(update, id)
	}

	if !explicit && nb.dialed {
		k.icuMu.Lock()
		k.icu[id] = &icuEntry{
			id:          id,
			controlAddr: nb.controlAddr,
			health:      k.cfg.ICUHealthPoints,
			countdown:   1,
		}
		k.icuMu.Unlock()
		k.log.Info("neighbour timed out, admitted to ICU", "neighbour", id, "addr", nb.controlAddr)
	} else {
		k.log.Info("neighbour disconnected", "neighbour", id, "explicit", explicit)
	}
	k.events.Publish(OverlayEvent)
}
