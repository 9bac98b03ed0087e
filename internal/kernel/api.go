// api.go is the kernel's operator surface: the methods an interactive CLI
// (or any other embedder) calls directly. There is no RPC layer between
// the operator and the kernel, only argument parsing and transport framing.
package kernel

import (
	"context"
	"fmt"
	"net"

	"go.klb.dev/overthetop/internal/flowtable"
	"go.klb.dev/overthetop/internal/flowtransport"
	"go.klb.dev/overthetop/internal/mediasrc"
	"go.klb.dev/overthetop/internal/nodeid"
	"go.klb.dev/overthetop/internal/player"
	"go.klb.dev/overthetop/internal/wire"
)

// YieldFlow registers this node as the origin of flowID, opens path with
// the codec registered for extension, and starts streaming chunks to
// whatever destinations request it. The flow is announced to every
// neighbour immediately, matching the original's eager announcement of
// newly produced flows.
func (k *Kernel) YieldFlow(flowID, extension, path string) error {
	source, err := mediasrc.NewSource(extension, path)
	if err != nil {
		return err
	}
	key := k.node.RegisterFlow(flowID)

	k.sourcesMu.Lock()
	k.sources[flowID] = source
	k.sourcesMu.Unlock()

	k.g.Go(func() error {
		k.streamingLoop(k.ctx, key, source)
		return nil
	})

	k.floodExcept(nodeid.Zero, wire.FlowAnnounce, wire.FlowAnnouncePayload{FlowID: flowID, Origin: k.ID()})
	k.events.Publish(FlowEvent)
	return nil
}

// streamingLoop pulls chunks from source and fans them out to this flow's
// current destinations, blocking whenever the flow has none (HOLD) and
// exiting once it is withdrawn (INVALID).
func (k *Kernel) streamingLoop(ctx context.Context, key flowtable.Key, source mediasrc.Source) {
	defer source.Close()
	for {
		if err := k.node.AwaitActive(key); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		frameNumber, chunk, err := source.NextChunk()
		if err != nil {
			k.log.Warn("source read failed, ending stream", "flow", key, "error", err)
			return
		}
		destinations, err := k.node.Destinations(key)
		if err != nil {
			return
		}
		byGateway, local := k.node.NextGateways(destinations)
		if local {
			k.players.InsertChunk(key, chunk)
		}
		for gateway, destSet := range byGateway {
			k.mu.RLock()
			nb, ok := k.neighbours[gateway]
			k.mu.RUnlock()
			if !ok {
				continue
			}
			d := flowtransport.Datagram{
				Key:          key,
				FrameNumber:  frameNumber,
				Destinations: setToSlice(destSet),
				Chunk:        chunk,
			}
			if err := k.ft.Send(ctx, d, []net.Addr{nb.flowAddr}); err != nil && ctx.Err() == nil {
				k.log.Debug("stream send failed", "gateway", gateway, "error", err)
			}
		}
	}
}

// WithdrawFlow withdraws a flow this node originates: its entry is
// invalidated (waking any blocked AwaitActive callers with an error), its
// local source closed, and neighbours are told to withdraw it too.
func (k *Kernel) WithdrawFlow(flowID string) error {
	key := flowtable.Key{FlowID: flowID, Origin: k.ID()}
	if _, err := k.node.FlowWithdraw(key); err != nil {
		return err
	}
	k.sourcesMu.Lock()
	delete(k.sources, flowID)
	k.sourcesMu.Unlock()
	k.players.Remove(key)
	k.floodExcept(nodeid.Zero, wire.FlowWithdraw, wire.FlowWithdrawPayload{FlowID: flowID})
	k.events.Publish(FlowEvent)
	return nil
}

// NewPlayer requests flowID (optionally from a specific origin; pass
// nodeid.Zero to let the coordinator pick the cheapest known origin) and
// registers sink to receive its chunks once active.
func (k *Kernel) NewPlayer(flowID string, origin nodeid.ID, sink player.Player) flowtable.Key {
	gateway, forward, key := k.node.FlowRequest(flowID, origin)
	k.players.Register(key, sink)
	if forward {
		_ = k.sendControl(gateway, wire.FlowRequest, wire.FlowRequestPayload{
			FlowID: key.FlowID, Origin: key.Origin, Destination: k.ID(),
		})
	}
	k.events.Publish(FlowEvent)
	return key
}

// RemovePlayer stops and unregisters the player assigned to key and tells
// the network this node no longer wants the flow.
func (k *Kernel) RemovePlayer(key flowtable.Key) {
	k.players.Remove(key)
	gateway, forward := k.node.FlowCancel(key)
	if forward {
		_ = k.sendControl(gateway, wire.FlowCancel, wire.FlowCancelPayload{
			FlowID: key.FlowID, Origin: key.Origin, Destination: k.ID(),
		})
	}
	k.events.Publish(FlowEvent)
}

// Disconnect explicitly drops a neighbour, bypassing the ICU entirely.
// An operator-requested disconnect is not a fault to recover from.
func (k *Kernel) Disconnect(id nodeid.ID) error {
	k.mu.RLock()
	_, ok := k.neighbours[id]
	k.mu.RUnlock()
	if !ok {
		return fmt.Errorf("kernel: no connection to %s", id)
	}
	k.disconnectNeighbour(id, true)
	return nil
}

// ForgetNeighbour discards an ICU-registered neighbour immediately,
// abandoning any further reconnection attempts.
func (k *Kernel) ForgetNeighbour(id nodeid.ID) {
	k.icuMu.Lock()
	defer k.icuMu.Unlock()
	delete(k.icu, id)
}
