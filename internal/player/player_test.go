package player_test

import (
	"context"
	"testing"
	"time"

	"go.klb.dev/overthetop/internal/flowtable"
	"go.klb.dev/overthetop/internal/nodeid"
	"go.klb.dev/overthetop/internal/player"
	"golang.org/x/sync/errgroup"
)

func newRegistry(t *testing.T) (*player.Registry, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	t.Cleanup(func() { g.Wait() })
	t.Cleanup(cancel)
	return player.New(gctx, g, nil), gctx
}

func TestInsertChunkDeliversToRegisteredPlayer(t *testing.T) {
	reg, _ := newRegistry(t)
	key := flowtable.Key{FlowID: "f1", Origin: nodeid.New()}
	sink := player.NewChannelPlayer(4)
	reg.Register(key, sink)

	reg.InsertChunk(key, []byte("hello"))

	select {
	case chunk := <-sink.Chunks():
		if string(chunk) != "hello" {
			t.Errorf("chunk = %q, want %q", chunk, "hello")
		}
	case <-time.After(time.Second):
		t.Fatalf("chunk not delivered")
	}
}

func TestInsertChunkSilentlyDropsUnregistered(t *testing.T) {
	reg, _ := newRegistry(t)
	key := flowtable.Key{FlowID: "f1", Origin: nodeid.New()}
	reg.InsertChunk(key, []byte("hello")) // must not panic or block
}

func TestRemoveStopsPlayer(t *testing.T) {
	reg, _ := newRegistry(t)
	key := flowtable.Key{FlowID: "f1", Origin: nodeid.New()}
	sink := player.NewChannelPlayer(4)
	reg.Register(key, sink)
	reg.Remove(key)

	select {
	case _, ok := <-sink.Chunks():
		if ok {
			t.Fatalf("expected channel closed after Remove")
		}
	case <-time.After(time.Second):
		t.Fatalf("player was not stopped")
	}
}

func TestKeysReflectsRegistrations(t *testing.T) {
	reg, _ := newRegistry(t)
	k1 := flowtable.Key{FlowID: "f1", Origin: nodeid.New()}
	k2 := flowtable.Key{FlowID: "f2", Origin: nodeid.New()}
	reg.Register(k1, player.NewChannelPlayer(1))
	reg.Register(k2, player.NewChannelPlayer(1))

	keys := reg.Keys()
	if len(keys) != 2 {
		t.Fatalf("Keys() returned %d entries, want 2", len(keys))
	}
}

func TestChannelPlayerDropsOnFullBuffer(t *testing.T) {
	p := player.NewChannelPlayer(1)
	p.InsertChunk([]byte("a"))
	p.InsertChunk([]byte("b")) // buffer full, dropped rather than blocking

	got := <-p.Chunks()
	if string(got) != "a" {
		t.Fatalf("Chunks() = %q, want %q", got, "a")
	}
}
