package kernel

import (
	"context"
	"fmt"
	"net"

	"go.klb.dev/overthetop/internal/nodeid"
	"go.klb.dev/overthetop/internal/wire"
)

// Connect dials a new neighbour at addr, performs the identity handshake,
// and on success welcomes it into the routing table exactly as an
// accepted inbound connection would be. Connecting to this node's own
// control address is rejected without side effects.
func (k *Kernel) Connect(addr string) error {
	if k.isSelfControlAddr(addr) {
		return fmt.Errorf("kernel: refusing to connect to self at %s", addr)
	}

	conn, err := wire.Dial("tcp", addr)
	if err != nil {
		return err
	}

	myFlowAddr, err := k.localFlowAddr()
	if err != nil {
		conn.Close()
		return err
	}
	if err := conn.WriteFrame(wire.Authentication, wire.AuthPayload{
		NodeID: k.ID(), Name: k.cfg.Name, FlowAddr: myFlowAddr.String(),
	}); err != nil {
		conn.Close()
		return fmt.Errorf("kernel: handshake send to %s: %w", addr, err)
	}

	frame, err := conn.ReadFrame()
	if err != nil {
		conn.Close()
		return fmt.Errorf("kernel: handshake read from %s: %w", addr, err)
	}
	if frame.Tag == wire.AuthenticationRequired {
		conn.Close()
		return fmt.Errorf("kernel: %s rejected authentication", addr)
	}
	if frame.Tag != wire.Authentication {
		conn.Close()
		return fmt.Errorf("kernel: %s sent tag %s before authenticating", addr, frame.Tag)
	}
	var auth wire.AuthPayload
	if err := frame.Decode(&auth); err != nil {
		conn.Close()
		return fmt.Errorf("kernel: decode auth from %s: %w", addr, err)
	}

	if auth.NodeID == k.ID() {
		conn.Close()
		return fmt.Errorf("kernel: refusing to connect to self at %s", addr)
	}

	flowAddr, err := net.ResolveUDPAddr("udp", auth.FlowAddr)
	if err != nil {
		conn.Close()
		return fmt.Errorf("kernel: resolve flow addr %q from %s: %w", auth.FlowAddr, addr, err)
	}

	k.welcomeConnection(auth.NodeID, auth.Name, conn, flowAddr, addr, true)
	return nil
}

// isSelfControlAddr reports whether addr resolves to this node's own bound
// control listener, a best-effort pre-dial check; the handshake's identity
// check is the authoritative guard against self-connection.
func (k *Kernel) isSelfControlAddr(addr string) bool {
	if k.listener == nil {
		return false
	}
	target, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return false
	}
	own, ok := k.listener.Addr().(*net.TCPAddr)
	if !ok {
		return false
	}
	if target.Port != own.Port {
		return false
	}
	return target.IP.IsUnspecified() || own.IP.IsUnspecified() || target.IP.Equal(own.IP)
}

// acceptLoop accepts inbound control connections and hands each to its own
// handshake-then-control goroutine.
func (k *Kernel) acceptLoop(ctx context.Context) error {
	for {
		c, err := k.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			k.log.Warn("accept error", "error", err)
			continue
		}
		conn := wire.New(c)
		k.g.Go(func() error {
			k.handleInbound(ctx, conn, c.RemoteAddr().String())
			return nil
		})
	}
}

// handleInbound runs the inbound side of the handshake: it tolerates up to
// AuthRetries non-Authentication frames (e.g. a stray ping from a peer
// that hasn't realized the connection reset) before giving up and sending
// AUTHENTICATION_REQUIRED, matching the original's N-try handshake limit.
func (k *Kernel) handleInbound(ctx context.Context, conn *wire.Conn, remote string) {
	var auth wire.AuthPayload
	authenticated := false
	for attempt := 0; attempt < k.cfg.AuthRetries; attempt++ {
		frame, err := conn.ReadFrame()
		if err != nil {
			k.log.Debug("handshake read failed", "remote", remote, "error", err)
			conn.Close()
			return
		}
		if frame.Tag != wire.Authentication {
			continue
		}
		if err := frame.Decode(&auth); err != nil {
			k.log.Debug("handshake decode failed", "remote", remote, "error", err)
			continue
		}
		authenticated = true
		break
	}
	if !authenticated {
		_ = conn.WriteFrame(wire.AuthenticationRequired, struct{}{})
		conn.Close()
		return
	}
	if auth.NodeID == k.ID() {
		k.log.Debug("rejecting self-connect attempt", "remote", remote)
		conn.Close()
		return
	}

	myFlowAddr, err := k.localFlowAddr()
	if err != nil {
		conn.Close()
		return
	}
	if err := conn.WriteFrame(wire.Authentication, wire.AuthPayload{
		NodeID: k.ID(), Name: k.cfg.Name, FlowAddr: myFlowAddr.String(),
	}); err != nil {
		conn.Close()
		return
	}

	flowAddr, err := net.ResolveUDPAddr("udp", auth.FlowAddr)
	if err != nil {
		k.log.Warn("bad flow address from peer", "remote", remote, "error", err)
		conn.Close()
		return
	}

	k.welcomeConnection(auth.NodeID, auth.Name, conn, flowAddr, remote, false)
}

// welcomeConnection registers a newly authenticated neighbour, folds it
// into the routing table, and sends it the projected distance vector and
// flow collection it needs to start routing through this node.
func (k *Kernel) welcomeConnection(id nodeid.ID, name string, conn *wire.Conn, flowAddr *net.UDPAddr, controlAddr string, dialed bool) {
	nb := &neighbourConn{id: id, name: name, conn: conn, flowAddr: flowAddr, cost: 1, controlAddr: controlAddr, dialed: dialed}

	k.mu.Lock()
	if old, exists := k.neighbours[id]; exists {
		old.conn.Close()
	}
	k.neighbours[id] = nb
	k.mu.Unlock()

	k.icuMu.Lock()
	delete(k.icu, id)
	k.icuMu.Unlock()

	update := k.node.NewNeighbour(id, nb.cost)
	k.applyUpdate(update, id)

	if vector := k.node.GenDistanceVector(id); len(vector) > 0 {
		if err := k.sendControl(id, wire.DistanceVector, wire.DistanceVectorPayload{Vector: vector}); err != nil {
			k.log.Debug("failed to send welcome vector", "neighbour", id, "error", err)
		}
	}
	collection := k.node.FlowCollection()
	if len(collection) > 0 {
		entries := make([]wire.FlowEntry, 0, len(collection))
		for key, state := range collection {
			entries = append(entries, wire.FlowEntry{FlowID: key.FlowID, Origin: key.Origin, State: uint8(state)})
		}
		if err := k.sendControl(id, wire.FlowCollection, wire.FlowCollectionPayload{Flows: entries}); err != nil {
			k.log.Debug("failed to send welcome flow collection", "neighbour", id, "error", err)
		}
	}

	k.log.Info("neighbour connected", "neighbour", id, "name", name, "remote", controlAddr)
	k.events.Publish(OverlayEvent)

	k.g.Go(func() error {
		k.controlLoop(k.ctx, nb, controlAddr)
		return nil
	})
}
