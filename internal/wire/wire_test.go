package wire_test

import (
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"

	"go.klb.dev/overthetop/internal/nodeid"
	"go.klb.dev/overthetop/internal/wire"
)

func pipe(t *testing.T) (*wire.Conn, *wire.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return wire.New(a), wire.New(b)
}

func TestFrameRoundTripEveryTag(t *testing.T) {
	id := nodeid.New()
	cases := []struct {
		tag     wire.Tag
		payload any
	}{
		{wire.Authentication, wire.AuthPayload{NodeID: id, Name: "node-a", FlowAddr: "127.0.0.1:9000"}},
		{wire.AuthenticationRequired, struct{}{}},
		{wire.DistanceVector, wire.DistanceVectorPayload{Vector: map[nodeid.ID]int{id: 3}}},
		{wire.FlowCollection, wire.FlowCollectionPayload{Flows: []wire.FlowEntry{{FlowID: "f1", Origin: id, State: 1}}}},
		{wire.FlowAnnounce, wire.FlowAnnouncePayload{FlowID: "f1", Origin: id}},
		{wire.FlowRequest, wire.FlowRequestPayload{FlowID: "f1", Origin: id, Destination: id}},
		{wire.FlowCancel, wire.FlowCancelPayload{FlowID: "f1", Origin: id, Destination: id}},
		{wire.FlowWithdraw, wire.FlowWithdrawPayload{FlowID: "f1"}},
	}

	for _, c := range cases {
		t.Run(c.tag.String(), func(t *testing.T) {
			client, server := pipe(t)
			done := make(chan error, 1)
			go func() { done <- client.WriteFrame(c.tag, c.payload) }()

			frame, err := server.ReadFrame()
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			if err := <-done; err != nil {
				t.Fatalf("WriteFrame: %v", err)
			}
			if frame.Tag != c.tag {
				t.Fatalf("frame.Tag = %s, want %s", frame.Tag, c.tag)
			}

			switch want := c.payload.(type) {
			case wire.AuthPayload:
				var got wire.AuthPayload
				if err := frame.Decode(&got); err != nil {
					t.Fatalf("Decode: %v", err)
				}
				if diff := cmp.Diff(want, got); diff != "" {
					t.Errorf("payload mismatch (-want +got):\n%s", diff)
				}
			case wire.DistanceVectorPayload:
				var got wire.DistanceVectorPayload
				if err := frame.Decode(&got); err != nil {
					t.Fatalf("Decode: %v", err)
				}
				if diff := cmp.Diff(want, got); diff != "" {
					t.Errorf("payload mismatch (-want +got):\n%s", diff)
				}
			case wire.FlowCollectionPayload:
				var got wire.FlowCollectionPayload
				if err := frame.Decode(&got); err != nil {
					t.Fatalf("Decode: %v", err)
				}
				if diff := cmp.Diff(want, got); diff != "" {
					t.Errorf("payload mismatch (-want +got):\n%s", diff)
				}
			case wire.FlowAnnouncePayload:
				var got wire.FlowAnnouncePayload
				if err := frame.Decode(&got); err != nil {
					t.Fatalf("Decode: %v", err)
				}
				if diff := cmp.Diff(want, got); diff != "" {
					t.Errorf("payload mismatch (-want +got):\n%s", diff)
				}
			case wire.FlowRequestPayload:
				var got wire.FlowRequestPayload
				if err := frame.Decode(&got); err != nil {
					t.Fatalf("Decode: %v", err)
				}
				if diff := cmp.Diff(want, got); diff != "" {
					t.Errorf("payload mismatch (-want +got):\n%s", diff)
				}
			case wire.FlowCancelPayload:
				var got wire.FlowCancelPayload
				if err := frame.Decode(&got); err != nil {
					t.Fatalf("Decode: %v", err)
				}
				if diff := cmp.Diff(want, got); diff != "" {
					t.Errorf("payload mismatch (-want +got):\n%s", diff)
				}
			case wire.FlowWithdrawPayload:
				var got wire.FlowWithdrawPayload
				if err := frame.Decode(&got); err != nil {
					t.Fatalf("Decode: %v", err)
				}
				if diff := cmp.Diff(want, got); diff != "" {
					t.Errorf("payload mismatch (-want +got):\n%s", diff)
				}
			}
		})
	}
}

func TestReadFrameOnClosedConnErrors(t *testing.T) {
	client, server := pipe(t)
	client.Close()
	if _, err := server.ReadFrame(); err == nil {
		t.Fatalf("expected error reading from a closed peer")
	}
}

func TestTagStringUnknown(t *testing.T) {
	got := wire.Tag(77).String()
	if got != "TAG(77)" {
		t.Errorf("Tag(77).String() = %q, want TAG(77)", got)
	}
}
