// Package flowtransport is the UDP flow transport: bounded ingress/egress
// queues drained by a pool of dispatcher/forwarder workers, carrying one
// stream chunk per datagram. A pool is shared across every flow this node
// relays, decoupling socket I/O from chunk handling via bounded buffers
// rather than a goroutine pair per peer.
package flowtransport

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sync/errgroup"

	"go.klb.dev/overthetop/internal/flowtable"
	"go.klb.dev/overthetop/internal/nodeid"
)

// Datagram is one UDP flow packet: a chunk of a flow plus the set of
// downstream destination nodes it must still reach. The spanning-tree fan-out
// is materialized here, in the payload, per hop; no relay keeps
// persistent multicast-tree state.
type Datagram struct {
	Key          flowtable.Key
	FrameNumber  int
	Destinations []nodeid.ID
	Chunk        []byte
}

type outbound struct {
	packet []byte
	addrs  []net.Addr
}

// Handler owns the UDP socket and the bounded queues workers drain.
type Handler struct {
	conn *net.UDPConn
	log  *slog.Logger

	in  chan Datagram
	out chan outbound
}

// New binds a UDP socket at addr (host:port, or ":0" for an ephemeral
// port) and sizes the ingress/egress queues to queueSize, the same
// backpressure role as a condition-guarded list expressed with buffered
// channels instead of a hand-rolled wait/notify list.
func New(addr string, queueSize int, log *slog.Logger) (*Handler, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("flowtransport: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("flowtransport: listen %s: %w", addr, err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		conn: conn,
		log:  log,
		in:   make(chan Datagram, queueSize),
		out:  make(chan outbound, queueSize),
	}, nil
}

// LocalAddr returns the bound UDP address.
func (h *Handler) LocalAddr() net.Addr { return h.conn.LocalAddr() }

// Close closes the underlying socket and unblocks any blocked dispatcher.
func (h *Handler) Close() error { return h.conn.Close() }

// Receive returns the next datagram delivered by a dispatcher, or an error
// once ctx is done. Close does not close the ingress queue, so closing the
// handler alone does not unblock a waiting Receive.
func (h *Handler) Receive(ctx context.Context) (Datagram, error) {
	select {
	case d, ok := <-h.in:
		if !ok {
			return Datagram{}, fmt.Errorf("flowtransport: closed")
		}
		return d, nil
	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	}
}

// Send enqueues a chunk for forwarding to one or more gateway addresses.
// It blocks (subject to ctx) while the egress queue is full, giving the
// flow transport the same backpressure the control transport gets from
// TCP's own flow control.
func (h *Handler) Send(ctx context.Context, d Datagram, gateways []net.Addr) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(d); err != nil {
		return fmt.Errorf("flowtransport: encode %s: %w", d.Key, err)
	}
	select {
	case h.out <- outbound{packet: buf.Bytes(), addrs: gateways}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunDispatchers launches n dispatcher goroutines that read datagrams off
// the socket and push decoded ones onto the ingress queue, bound to g's
// cancellation.
func (h *Handler) RunDispatchers(ctx context.Context, g *errgroup.Group, n int) {
	for i := 0; i < n; i++ {
		g.Go(func() error { return h.dispatcher(ctx) })
	}
}

func (h *Handler) dispatcher(ctx context.Context) error {
	buf := make([]byte, 65535)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, _, err := h.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			h.log.Debug("flow dispatcher read error", "error", err)
			continue
		}
		var d Datagram
		if err := gob.NewDecoder(bytes.NewReader(buf[:n])).Decode(&d); err != nil {
			h.log.Debug("flow dispatcher decode error", "error", err)
			continue
		}
		select {
		case h.in <- d:
		case <-ctx.Done():
			return nil
		}
	}
}

// RunForwarders launches n forwarder goroutines that drain the egress
// queue and write each packet to every destination address.
func (h *Handler) RunForwarders(ctx context.Context, g *errgroup.Group, n int) {
	for i := 0; i < n; i++ {
		g.Go(func() error { return h.forwarder(ctx) })
	}
}

func (h *Handler) forwarder(ctx context.Context) error {
	for {
		select {
		case o := <-h.out:
			for _, addr := range o.addrs {
				if _, err := h.conn.WriteTo(o.packet, addr); err != nil {
					h.log.Debug("flow forwarder write error", "addr", addr, "error", err)
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}
