package player

import (
	"context"
	"sync"
)

// ChannelPlayer is the simplest Player: it hands every chunk to a buffered
// channel for a consumer (the operator CLI, a file writer, a test) to
// drain. Chunks that arrive faster than the consumer drains them once the
// buffer is full are dropped rather than blocking the kernel's relay loop.
type ChannelPlayer struct {
	chunks chan []byte

	mu     sync.Mutex
	closed bool
}

// NewChannelPlayer returns a player whose Chunks channel buffers up to
// size pending chunks.
func NewChannelPlayer(size int) *ChannelPlayer {
	if size <= 0 {
		size = 32
	}
	return &ChannelPlayer{chunks: make(chan []byte, size)}
}

// Chunks returns the channel chunks are delivered on.
func (p *ChannelPlayer) Chunks() <-chan []byte { return p.chunks }

// Run blocks until ctx is done, then closes the chunk channel.
func (p *ChannelPlayer) Run(ctx context.Context) error {
	<-ctx.Done()
	p.mu.Lock()
	p.closed = true
	close(p.chunks)
	p.mu.Unlock()
	return nil
}

// InsertChunk delivers chunk without blocking; a full buffer drops it, and
// so does a player whose Run has already closed the channel, since Remove
// (player.go) can race Run's cancellation against an in-flight send.
func (p *ChannelPlayer) InsertChunk(chunk []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.chunks <- chunk:
	default:
	}
}
