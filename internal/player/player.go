// Package player is the local player registry: it owns the set of active
// sinks a flow's chunks are delivered to once it reaches this node as a
// final destination. It generalizes the original's Player_Handler (a
// thread-pool-backed map keyed by flow key) to a goroutine-per-player
// model supervised by an errgroup.
package player

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.klb.dev/overthetop/internal/flowtable"
	"golang.org/x/sync/errgroup"
)

// Player consumes chunks for one flow until stopped.
type Player interface {
	Run(ctx context.Context) error
	InsertChunk(chunk []byte)
}

// ErrNotRegistered reports a lookup against a flow key with no registered
// player.
type ErrNotRegistered struct {
	Key flowtable.Key
}

func (e *ErrNotRegistered) Error() string {
	return fmt.Sprintf("player: no player registered for %s", e.Key)
}

// Registry tracks the player assigned to each flow key this node consumes
// locally.
type Registry struct {
	mu      sync.RWMutex
	players map[flowtable.Key]Player
	cancels map[flowtable.Key]context.CancelFunc

	log *slog.Logger
	g   *errgroup.Group
	ctx context.Context
}

// New returns an empty registry. Players are run under g, bound to ctx;
// stopping ctx stops every running player.
func New(ctx context.Context, g *errgroup.Group, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		players: map[flowtable.Key]Player{},
		cancels: map[flowtable.Key]context.CancelFunc{},
		log:     log,
		g:       g,
		ctx:     ctx,
	}
}

// Register assigns p to key, stopping and replacing any player already
// registered there, and launches p.Run in the background.
func (r *Registry) Register(key flowtable.Key, p Player) {
	r.mu.Lock()
	if cancel, ok := r.cancels[key]; ok {
		cancel()
	}
	playerCtx, cancel := context.WithCancel(r.ctx)
	r.players[key] = p
	r.cancels[key] = cancel
	r.mu.Unlock()

	r.g.Go(func() error {
		if err := p.Run(playerCtx); err != nil && playerCtx.Err() == nil {
			r.log.Warn("player exited with error", "flow", key, "error", err)
		}
		return nil
	})
}

// Remove stops and unregisters the player assigned to key, if any.
func (r *Registry) Remove(key flowtable.Key) {
	r.mu.Lock()
	cancel, ok := r.cancels[key]
	delete(r.players, key)
	delete(r.cancels, key)
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// InsertChunk delivers chunk to key's player. A missing player is not an
// error: chunks can arrive for a flow that was just withdrawn, and are
// simply dropped, matching the original's KeyError-is-silently-ignored
// behaviour.
func (r *Registry) InsertChunk(key flowtable.Key, chunk []byte) {
	r.mu.RLock()
	p, ok := r.players[key]
	r.mu.RUnlock()
	if !ok {
		return
	}
	p.InsertChunk(chunk)
}

// Keys returns every flow key with a registered player.
func (r *Registry) Keys() []flowtable.Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]flowtable.Key, 0, len(r.players))
	for k := range r.players {
		out = append(out, k)
	}
	return out
}
