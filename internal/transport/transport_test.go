package transport

import (
	"testing"

	"github.com/google/uuid"

	"github.com/fabriclink/fabric/internal/wire"
)

func TestSendEnvelopePrefersRelayBeforeDataChannelIsBound(t *testing.T) {
	var relayed []byte
	m := New(func(v any) error {
		relayed = nil
		relay, ok := v.(wire.RelayData)
		if !ok {
			t.Fatalf("expected wire.RelayData, got %T", v)
		}
		relayed = relay.Payload
		return nil
	})
	m.SetSession(uuid.New())

	env := wire.NewRpcRequestEnvelope(wire.RpcRequest{RequestID: uuid.New(), Action: wire.ListRootsAction()})
	if err := m.SendEnvelope(env); err != nil {
		t.Fatalf("send: %v", err)
	}
	if relayed == nil {
		t.Fatalf("expected relay path to be used")
	}
	decoded, err := DecodeEnvelope(relayed)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Payload.RequestID != env.Payload.RequestID {
		t.Fatalf("decoded request id mismatch")
	}
}

func TestSendEnvelopePrefersDataChannelOnceBound(t *testing.T) {
	relayCalls := 0
	m := New(func(v any) error {
		relayCalls++
		return nil
	})
	m.SetSession(uuid.New())

	var dcCalls int
	m.BindDataChannel(func(data []byte) error {
		dcCalls++
		return nil
	})

	env := wire.NewRpcRequestEnvelope(wire.RpcRequest{RequestID: uuid.New(), Action: wire.ListRootsAction()})
	if err := m.SendEnvelope(env); err != nil {
		t.Fatalf("send: %v", err)
	}
	if dcCalls != 1 || relayCalls != 0 {
		t.Fatalf("expected data channel to be used exclusively, got dc=%d relay=%d", dcCalls, relayCalls)
	}
	if !m.Ready() {
		t.Fatalf("expected Ready() to report true once bound")
	}
}

func TestUnbindDataChannelRevertsToRelay(t *testing.T) {
	relayCalls := 0
	m := New(func(v any) error {
		relayCalls++
		return nil
	})
	m.SetSession(uuid.New())
	m.BindDataChannel(func(data []byte) error { return nil })
	m.UnbindDataChannel()

	if m.Ready() {
		t.Fatalf("expected Ready() to report false after unbind")
	}
	env := wire.NewRpcRequestEnvelope(wire.RpcRequest{RequestID: uuid.New(), Action: wire.ListRootsAction()})
	if err := m.SendEnvelope(env); err != nil {
		t.Fatalf("send: %v", err)
	}
	if relayCalls != 1 {
		t.Fatalf("expected relay path after unbind, got %d calls", relayCalls)
	}
}
