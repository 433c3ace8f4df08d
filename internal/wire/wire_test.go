package wire

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestBytesMarshalsAsIntArray(t *testing.T) {
	b := Bytes{1, 2, 255}
	data, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got := string(data); got != "[1,2,255]" {
		t.Fatalf("got %s, want [1,2,255]", got)
	}

	var round Bytes
	if err := json.Unmarshal(data, &round); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(round) != string(b) {
		t.Fatalf("round trip mismatch: got %v want %v", round, b)
	}
}

func TestBytesEmptyMarshalsAsEmptyArray(t *testing.T) {
	data, err := json.Marshal(Bytes{})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != "[]" {
		t.Fatalf("got %s, want []", data)
	}
}

func TestRelayDataRoundTrip(t *testing.T) {
	sessionID := uuid.New()
	msg := NewRelayData(sessionID, []byte("hello"))

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var round RelayData
	if err := json.Unmarshal(data, &round); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if round.SessionID != sessionID || string(round.Payload) != "hello" {
		t.Fatalf("round trip mismatch: %+v", round)
	}
}

func TestSniffType(t *testing.T) {
	msg := NewAuthProxy("secret", RoleClient)
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := SniffType(data)
	if err != nil {
		t.Fatalf("sniff: %v", err)
	}
	if got != TypeAuthProxy {
		t.Fatalf("got %q, want %q", got, TypeAuthProxy)
	}
}

func TestAppEnvelopeRequestRoundTripIsFlattened(t *testing.T) {
	req := RpcRequest{RequestID: uuid.New(), Action: RunCommandAction("echo hi")}
	env := NewRpcRequestEnvelope(req)

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	payload, ok := raw["payload"].(map[string]any)
	if !ok {
		t.Fatalf("payload not an object: %v", raw)
	}
	if _, ok := payload["action"]; !ok {
		t.Fatalf("expected action field flattened alongside kind, got %v", payload)
	}
	if _, ok := payload["result"]; ok {
		t.Fatalf("did not expect result field on a request envelope")
	}

	var round AppEnvelope
	if err := json.Unmarshal(data, &round); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got, ok := round.Payload.AsRequest()
	if !ok {
		t.Fatalf("expected AsRequest to succeed")
	}
	if got.RequestID != req.RequestID || got.Action.Command != "echo hi" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if _, ok := round.Payload.AsResponse(); ok {
		t.Fatalf("AsResponse should fail on a request payload")
	}
}

func TestAppEnvelopeResponseRoundTrip(t *testing.T) {
	resp := RpcResponse{RequestID: uuid.New(), Result: CommandOutputResult("<no output>")}
	env := NewRpcResponseEnvelope(resp)

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var round AppEnvelope
	if err := json.Unmarshal(data, &round); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got, ok := round.Payload.AsResponse()
	if !ok {
		t.Fatalf("expected AsResponse to succeed")
	}
	if got.Result.Output != "<no output>" {
		t.Fatalf("got %q", got.Result.Output)
	}
}
