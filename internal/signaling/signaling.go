// Package signaling drives the WebRTC peer-connection lifecycle keyed by
// session id: offer/answer/candidate exchange and data-channel setup. It
// never touches the wire directly; candidate discovery is reported through a
// callback and every inbound signal is fed back in by the caller.
package signaling

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/fabriclink/fabric/internal/wire"
)

// CandidateFunc is invoked whenever local ICE gathering discovers a new
// candidate that must be relayed to the peer through the proxy.
type CandidateFunc func(sessionID uuid.UUID, signal wire.SignalPayload)

// Coordinator holds at most one peer connection per session id, per the
// protocol's "one peer-connection per session" rule: a second offer or
// HandleOffer call for an existing session reuses the connection already
// in flight instead of creating a duplicate.
type Coordinator struct {
	iceServers []webrtc.ICEServer
	onCandidate CandidateFunc

	mu    sync.Mutex
	peers map[uuid.UUID]*webrtc.PeerConnection
}

func New(turn *wire.TurnCredentials, onCandidate CandidateFunc) *Coordinator {
	var ice []webrtc.ICEServer
	if turn != nil {
		ice = []webrtc.ICEServer{{
			URLs:       []string{turn.URL},
			Username:   turn.Username,
			Credential: turn.Password,
		}}
	}
	return &Coordinator{
		iceServers:  ice,
		onCandidate: onCandidate,
		peers:       make(map[uuid.UUID]*webrtc.PeerConnection),
	}
}

// getOrCreate returns the existing peer connection for sessionID, or builds
// a fresh one. A media engine is registered because the library requires
// one; no media tracks are ever added, only a data channel.
func (c *Coordinator) getOrCreate(sessionID uuid.UUID) (pc *webrtc.PeerConnection, created bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.peers[sessionID]; ok {
		return existing, false, nil
	}

	engine := &webrtc.MediaEngine{}
	if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, false, fmt.Errorf("register codecs: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(engine))

	pc, err = api.NewPeerConnection(webrtc.Configuration{ICEServers: c.iceServers})
	if err != nil {
		return nil, false, fmt.Errorf("new peer connection: %w", err)
	}
	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		c.onCandidate(sessionID, wire.NewICECandidate(init.Candidate, init.SDPMid, init.SDPMLineIndex))
	})

	c.peers[sessionID] = pc
	return pc, true, nil
}

// CreateOffer is the offerer-side entry point: it opens the data channel
// named "workspace" before creating and locally setting the offer.
func (c *Coordinator) CreateOffer(sessionID uuid.UUID, onOpen func(*webrtc.DataChannel), onClose func()) (sdp string, err error) {
	pc, _, err := c.getOrCreate(sessionID)
	if err != nil {
		return "", err
	}

	ordered := true
	dc, err := pc.CreateDataChannel("workspace", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return "", fmt.Errorf("create data channel: %w", err)
	}
	dc.OnOpen(func() { onOpen(dc) })
	dc.OnClose(onClose)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return offer.SDP, nil
}

// HandleOffer is the answerer-side entry point: it wires the incoming data
// channel before replying with an answer.
func (c *Coordinator) HandleOffer(sessionID uuid.UUID, sdp string, onDataChannel func(*webrtc.DataChannel)) (answerSDP string, err error) {
	pc, created, err := c.getOrCreate(sessionID)
	if err != nil {
		return "", err
	}
	if created {
		pc.OnDataChannel(onDataChannel)
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return answer.SDP, nil
}

// HandleAnswer completes the offerer side once the answer arrives.
func (c *Coordinator) HandleAnswer(sessionID uuid.UUID, sdp string) error {
	c.mu.Lock()
	pc, ok := c.peers[sessionID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("handle answer: no peer connection for session %s", sessionID)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// AddICECandidate feeds a trickled candidate into the session's connection.
func (c *Coordinator) AddICECandidate(sessionID uuid.UUID, signal wire.SignalPayload) error {
	c.mu.Lock()
	pc, ok := c.peers[sessionID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("add ice candidate: no peer connection for session %s", sessionID)
	}
	init := webrtc.ICECandidateInit{
		Candidate:     signal.Candidate,
		SDPMid:        signal.SDPMid,
		SDPMLineIndex: signal.SDPMLineIndex,
	}
	if err := pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// Close tears down the peer connection for sessionID, if any.
func (c *Coordinator) Close(sessionID uuid.UUID) {
	c.mu.Lock()
	pc, ok := c.peers[sessionID]
	delete(c.peers, sessionID)
	c.mu.Unlock()
	if ok {
		pc.Close()
	}
}
