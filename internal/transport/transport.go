// Package transport implements the peer transport multiplexer: each peer
// keeps a WebSocket relay path and an optional WebRTC data channel, and
// chooses between them per outbound message based on the p2p_ready flag.
package transport

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/fabriclink/fabric/internal/wire"
)

// Enqueue hands a wire message to the connection's single-writer goroutine
// (typically wsconn.Send bound to a specific outbound channel).
type Enqueue func(v any) error

// DataChannelSend writes raw bytes as a text frame on the data channel.
type DataChannelSend func(data []byte) error

// Multiplexer owns the outbound transport choice for a single active
// session. It is safe for concurrent use: SendEnvelope may race with
// BindDataChannel/UnbindDataChannel from the signaling callbacks.
type Multiplexer struct {
	enqueueRelay Enqueue

	mu        sync.Mutex
	sessionID uuid.UUID
	dcSend    DataChannelSend

	p2pReady  atomic.Bool
	bytesSent atomic.Uint64
}

func New(enqueueRelay Enqueue) *Multiplexer {
	return &Multiplexer{enqueueRelay: enqueueRelay}
}

// SetSession records the session id new outbound envelopes are wrapped with
// on the relay path.
func (m *Multiplexer) SetSession(sessionID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionID = sessionID
}

// BindDataChannel marks the data channel ready; sends after this call prefer
// it over the relay path until UnbindDataChannel is called.
func (m *Multiplexer) BindDataChannel(send DataChannelSend) {
	m.mu.Lock()
	m.dcSend = send
	m.mu.Unlock()
	m.p2pReady.Store(true)
}

// UnbindDataChannel reverts outbound sends to the relay path.
func (m *Multiplexer) UnbindDataChannel() {
	m.p2pReady.Store(false)
	m.mu.Lock()
	m.dcSend = nil
	m.mu.Unlock()
	log.Printf("transport: data channel closed, falling back to relay (sent %s over P2P)", humanize.Bytes(m.bytesSent.Load()))
}

// Ready reports whether the data channel is currently selected.
func (m *Multiplexer) Ready() bool { return m.p2pReady.Load() }

// Reset clears session and data-channel state, used on teardown.
func (m *Multiplexer) Reset() {
	m.p2pReady.Store(false)
	m.mu.Lock()
	m.dcSend = nil
	m.sessionID = uuid.UUID{}
	m.mu.Unlock()
}

// SendEnvelope serializes env and sends it over whichever transport is
// currently ready. The choice is re-evaluated on every call, so consecutive
// messages may travel on different transports.
func (m *Multiplexer) SendEnvelope(env wire.AppEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal app envelope: %w", err)
	}

	m.mu.Lock()
	dc := m.dcSend
	sessionID := m.sessionID
	m.mu.Unlock()

	if m.p2pReady.Load() && dc != nil {
		m.bytesSent.Add(uint64(len(data)))
		return dc(data)
	}
	return m.enqueueRelay(wire.NewRelayData(sessionID, data))
}

// DecodeEnvelope parses raw bytes received from either transport into an
// application envelope. Both inbound sources (data-channel message
// callback, proxy relay_data) converge on this single decode path.
func DecodeEnvelope(data []byte) (wire.AppEnvelope, error) {
	var env wire.AppEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return wire.AppEnvelope{}, fmt.Errorf("decode app envelope: %w", err)
	}
	return env, nil
}
