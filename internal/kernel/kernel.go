// Package kernel is the node kernel ("OTT"): it owns every neighbour
// connection, the connection supervisor ("doctor"), the control and flow
// transports, and the per-neighbour and per-flow worker loops. It is the
// direct translation of the original OTT class, generalized onto
// golang.org/x/sync/errgroup and context.Context in place of
// ThreadPoolExecutor pools and a threading.Event stop flag.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"go.klb.dev/overthetop/internal/coordinator"
	"go.klb.dev/overthetop/internal/flowtable"
	"go.klb.dev/overthetop/internal/flowtransport"
	"go.klb.dev/overthetop/internal/mediasrc"
	"go.klb.dev/overthetop/internal/nodeid"
	"go.klb.dev/overthetop/internal/player"
	"go.klb.dev/overthetop/internal/utilx"
	"go.klb.dev/overthetop/internal/wire"
)

// Config configures a Kernel's transports, worker pools, and the
// connection doctor's reconnect policy.
type Config struct {
	Name        string
	ControlAddr string // TCP listen address, e.g. ":7790"
	FlowAddr    string // UDP listen address, e.g. ":7791"

	AuthRetries int // handshake attempts tolerated before rejecting a peer

	ICUHealthPoints   int // reconnect attempts granted before a timed-out neighbour is discarded
	DoctorPeriod      time.Duration
	DoctorBaseBackoff time.Duration
	DoctorCurve       utilx.Curve

	DispatcherWorkers int
	ForwarderWorkers  int
	FlowQueueSize     int
}

// DefaultConfig returns sane defaults for a single-process node.
func DefaultConfig() Config {
	return Config{
		ControlAddr:       ":7790",
		FlowAddr:          ":7791",
		AuthRetries:       3,
		ICUHealthPoints:   5,
		DoctorPeriod:      2 * time.Second,
		DoctorBaseBackoff: 1 * time.Second,
		DoctorCurve:       utilx.Exponential,
		DispatcherWorkers: 2,
		ForwarderWorkers:  2,
		FlowQueueSize:     256,
	}
}

// neighbourConn is one connected, handshaken neighbour: its control
// connection and the UDP address its flow transport listens on.
type neighbourConn struct {
	id          nodeid.ID
	name        string
	conn        *wire.Conn
	flowAddr    *net.UDPAddr
	cost        int
	controlAddr string
	dialed      bool // true if this node initiated the connection via Connect

	writeMu sync.Mutex
}

// icuEntry tracks a neighbour that timed out and is awaiting reconnection
// in the ICU ("intensive care unit" registry, per the original's naming):
// remaining health points, the current countdown, and the address to redial.
type icuEntry struct {
	id          nodeid.ID
	controlAddr string
	health      int
	countdown   int
	attempt     int
}

// Kernel is the overlay node. Construct with New, then call Run.
type Kernel struct {
	cfg     Config
	node    *coordinator.Node
	ft      *flowtransport.Handler
	players *player.Registry
	events  *EventBus
	log     *slog.Logger

	mu         sync.RWMutex
	neighbours map[nodeid.ID]*neighbourConn

	icuMu sync.Mutex
	icu   map[nodeid.ID]*icuEntry

	sourcesMu sync.Mutex
	sources   map[string]mediasrc.Source // flow id -> local source, for locally originated flows

	listener net.Listener
	ready    chan struct{} // closed once listener is bound

	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group
}

// New constructs a Kernel identified by id, ready for Run.
func New(id nodeid.ID, cfg Config, log *slog.Logger) *Kernel {
	if log == nil {
		log = slog.Default()
	}
	return &Kernel{
		cfg:        cfg,
		node:       coordinator.New(id, cfg.Name, log),
		events:     NewEventBus(),
		log:        log,
		neighbours: map[nodeid.ID]*neighbourConn{},
		icu:        map[nodeid.ID]*icuEntry{},
		sources:    map[string]mediasrc.Source{},
		ready:      make(chan struct{}),
	}
}

// ID returns this node's identity.
func (k *Kernel) ID() nodeid.ID { return k.node.ID() }

// Events returns the kernel's change-notification bus.
func (k *Kernel) Events() *EventBus { return k.events }

// ControlAddr blocks until Run has bound the control listener (or ctx is
// done) and returns its address.
func (k *Kernel) ControlAddr(ctx context.Context) (net.Addr, error) {
	select {
	case <-k.ready:
		return k.listener.Addr(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run binds the control and flow transports, launches every background
// worker pool under one errgroup bound to ctx, and blocks until ctx is
// cancelled or a fatal transport error occurs. Cancelling ctx is the
// kernel's single "stop" signal; every worker drains on it.
func (k *Kernel) Run(ctx context.Context) error {
	k.ctx, k.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(k.ctx)
	k.g = g

	ln, err := net.Listen("tcp", k.cfg.ControlAddr)
	if err != nil {
		return fmt.Errorf("kernel: listen control %s: %w", k.cfg.ControlAddr, err)
	}
	k.listener = ln

	ft, err := flowtransport.New(k.cfg.FlowAddr, k.cfg.FlowQueueSize, k.log)
	if err != nil {
		ln.Close()
		return fmt.Errorf("kernel: listen flow %s: %w", k.cfg.FlowAddr, err)
	}
	k.ft = ft
	k.players = player.New(gctx, g, k.log)
	close(k.ready)

	ft.RunDispatchers(gctx, g, k.cfg.DispatcherWorkers)
	ft.RunForwarders(gctx, g, k.cfg.ForwarderWorkers)

	g.Go(func() error { return k.acceptLoop(gctx) })
	g.Go(func() error { return k.flowRelayLoop(gctx) })
	g.Go(func() error { return k.doctorLoop(gctx) })

	g.Go(func() error {
		<-gctx.Done()
		ln.Close()
		ft.Close()
		k.mu.RLock()
		for _, nb := range k.neighbours {
			nb.conn.Close()
		}
		k.mu.RUnlock()
		k.node.Clean()
		return nil
	})

	k.log.Info("node kernel running", "node", k.ID(), "control", ln.Addr(), "flow", ft.LocalAddr())
	err = g.Wait()
	k.node.Clean()
	if err != nil && gctx.Err() != nil {
		return nil
	}
	return err
}

// Stop cancels the kernel's context, unwinding every worker pool.
func (k *Kernel) Stop() {
	if k.cancel != nil {
		k.cancel()
	}
}

func (k *Kernel) localFlowAddr() (*net.UDPAddr, error) {
	addr, ok := k.ft.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("kernel: unexpected flow address type %T", k.ft.LocalAddr())
	}
	return addr, nil
}

func (k *Kernel) sendControl(id nodeid.ID, tag wire.Tag, payload any) error {
	k.mu.RLock()
	nb, ok := k.neighbours[id]
	k.mu.RUnlock()
	if !ok {
		return fmt.Errorf("kernel: no connection to %s", id)
	}
	nb.writeMu.Lock()
	defer nb.writeMu.Unlock()
	return nb.conn.WriteFrame(tag, payload)
}

// Neighbour is a snapshot of one connected peer, used for status listings.
type Neighbour struct {
	ID   nodeid.ID
	Name string
	Cost int
}

// GetNeighbours returns every currently connected neighbour.
func (k *Kernel) GetNeighbours() []Neighbour {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]Neighbour, 0, len(k.neighbours))
	for _, nb := range k.neighbours {
		out = append(out, Neighbour{ID: nb.id, Name: nb.name, Cost: nb.cost})
	}
	return out
}

// GetKnownNodes returns every destination this node's routing table has a
// path to, direct neighbours and multi-hop nodes alike.
func (k *Kernel) GetKnownNodes() []nodeid.ID {
	known := k.node.Routing().AllNodes()
	out := make([]nodeid.ID, 0, len(known))
	for id := range known {
		out = append(out, id)
	}
	return out
}

// AvailableFlow is a snapshot of one flow table entry, used for status
// listings.
type AvailableFlow struct {
	Key   flowtable.Key
	State flowtable.State
}

// GetAvailableFlows returns every flow this node currently knows about.
func (k *Kernel) GetAvailableFlows() []AvailableFlow {
	flows := k.node.FlowCollection()
	out := make([]AvailableFlow, 0, len(flows))
	for key, state := range flows {
		out = append(out, AvailableFlow{Key: key, State: state})
	}
	return out
}

// GetActivePlayers returns the flow keys this node currently has a local
// player registered for.
func (k *Kernel) GetActivePlayers() []flowtable.Key {
	return k.players.Keys()
}
