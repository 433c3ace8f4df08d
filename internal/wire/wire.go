// Package wire defines the JSON wire schema shared by the proxy and both
// peer roles: peer<->proxy control messages, WebRTC signaling payloads, and
// the application envelope that carries RPC requests/responses over
// whichever transport is currently active.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Role identifies which side of a session a connection plays.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// Peer->Proxy message type tags.
const (
	TypeAuthProxy         = "auth_proxy"
	TypeRegisterServer    = "register_server"
	TypeConnectServer     = "connect_server"
	TypeDisconnectSession = "disconnect_session"
	TypeSignal            = "signal"
	TypeRelayData         = "relay_data"
)

// Proxy->Peer message type tags.
const (
	TypeAuthOk           = "auth_ok"
	TypeAuthError        = "auth_error"
	TypeRegistered       = "registered"
	TypeConnectionError  = "connection_error"
	TypeConnected        = "connected"
	TypePeerJoined       = "peer_joined"
	TypeSessionClosed    = "session_closed"
	TypePeerSignal       = "peer_signal"
)

// typeTag is decoded first to discriminate any inbound message before it is
// unmarshaled into its concrete type.
type typeTag struct {
	Type string `json:"type"`
}

// SniffType reads only the top-level "type" tag from a wire message.
func SniffType(data []byte) (string, error) {
	var t typeTag
	if err := json.Unmarshal(data, &t); err != nil {
		return "", fmt.Errorf("sniff wire type: %w", err)
	}
	return t.Type, nil
}

// Bytes marshals as a JSON array of integers (not base64) to match the
// "payload:bytes-as-array" wire contract.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	ints := make([]int, len(b))
	for i, v := range b {
		ints[i] = int(v)
	}
	if ints == nil {
		ints = []int{}
	}
	return json.Marshal(ints)
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return fmt.Errorf("unmarshal byte array: %w", err)
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// --- Peer -> Proxy ---

type AuthProxy struct {
	Type          string `json:"type"`
	ProxyPassword string `json:"proxy_password"`
	Role          Role   `json:"role"`
}

func NewAuthProxy(password string, role Role) AuthProxy {
	return AuthProxy{Type: TypeAuthProxy, ProxyPassword: password, Role: role}
}

type RegisterServer struct {
	Type           string `json:"type"`
	ServerName     string `json:"server_name"`
	ServerPassword string `json:"server_password"`
}

func NewRegisterServer(name, password string) RegisterServer {
	return RegisterServer{Type: TypeRegisterServer, ServerName: name, ServerPassword: password}
}

type ConnectServer struct {
	Type           string `json:"type"`
	ServerName     string `json:"server_name"`
	ServerPassword string `json:"server_password"`
	UseP2P         bool   `json:"use_p2p"`
}

func NewConnectServer(name, password string, useP2P bool) ConnectServer {
	return ConnectServer{Type: TypeConnectServer, ServerName: name, ServerPassword: password, UseP2P: useP2P}
}

type DisconnectSession struct {
	Type      string    `json:"type"`
	SessionID uuid.UUID `json:"session_id"`
}

func NewDisconnectSession(sessionID uuid.UUID) DisconnectSession {
	return DisconnectSession{Type: TypeDisconnectSession, SessionID: sessionID}
}

type Signal struct {
	Type      string        `json:"type"`
	SessionID uuid.UUID     `json:"session_id"`
	Signal    SignalPayload `json:"signal"`
}

func NewSignal(sessionID uuid.UUID, payload SignalPayload) Signal {
	return Signal{Type: TypeSignal, SessionID: sessionID, Signal: payload}
}

// RelayData carries application-envelope bytes over the proxy when the
// direct data channel isn't ready. It is sent in both directions (peer->proxy
// and proxy->peer) with an identical shape.
type RelayData struct {
	Type      string    `json:"type"`
	SessionID uuid.UUID `json:"session_id"`
	Payload   Bytes     `json:"payload"`
}

func NewRelayData(sessionID uuid.UUID, payload []byte) RelayData {
	return RelayData{Type: TypeRelayData, SessionID: sessionID, Payload: Bytes(payload)}
}

// --- Proxy -> Peer ---

type AuthOk struct {
	Type string `json:"type"`
	Role Role   `json:"role"`
}

func NewAuthOk(role Role) AuthOk { return AuthOk{Type: TypeAuthOk, Role: role} }

type AuthError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func NewAuthError(reason string) AuthError { return AuthError{Type: TypeAuthError, Reason: reason} }

type Registered struct {
	Type       string `json:"type"`
	ServerName string `json:"server_name"`
}

func NewRegistered(name string) Registered { return Registered{Type: TypeRegistered, ServerName: name} }

type ConnectionError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func NewConnectionError(reason string) ConnectionError {
	return ConnectionError{Type: TypeConnectionError, Reason: reason}
}

type Connected struct {
	Type       string           `json:"type"`
	SessionID  uuid.UUID        `json:"session_id"`
	ServerName string           `json:"server_name"`
	ViaP2P     bool             `json:"via_p2p"`
	Turn       *TurnCredentials `json:"turn,omitempty"`
}

type PeerJoined struct {
	Type      string           `json:"type"`
	SessionID uuid.UUID        `json:"session_id"`
	PeerID    uuid.UUID        `json:"peer_id"`
	ViaP2P    bool             `json:"via_p2p"`
	Turn      *TurnCredentials `json:"turn,omitempty"`
}

type SessionClosed struct {
	Type      string    `json:"type"`
	SessionID uuid.UUID `json:"session_id"`
	Reason    string    `json:"reason"`
}

func NewSessionClosed(sessionID uuid.UUID, reason string) SessionClosed {
	return SessionClosed{Type: TypeSessionClosed, SessionID: sessionID, Reason: reason}
}

type PeerSignal struct {
	Type      string        `json:"type"`
	SessionID uuid.UUID     `json:"session_id"`
	From      Role          `json:"from"`
	Signal    SignalPayload `json:"signal"`
}

func NewPeerSignal(sessionID uuid.UUID, from Role, payload SignalPayload) PeerSignal {
	return PeerSignal{Type: TypePeerSignal, SessionID: sessionID, From: from, Signal: payload}
}

// TurnCredentials is advertised by the proxy to enable peer-to-peer
// reachability through a TURN relay.
type TurnCredentials struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// --- Signaling payload ---

const (
	SignalKindSDPOffer     = "sdp_offer"
	SignalKindSDPAnswer    = "sdp_answer"
	SignalKindICECandidate = "ice_candidate"
)

// SignalPayload is the "kind"-tagged offer/answer/candidate union carried
// inside Signal and PeerSignal messages.
type SignalPayload struct {
	Kind          string  `json:"kind"`
	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index,omitempty"`
}

func NewSDPOffer(sdp string) SignalPayload {
	return SignalPayload{Kind: SignalKindSDPOffer, SDP: sdp}
}

func NewSDPAnswer(sdp string) SignalPayload {
	return SignalPayload{Kind: SignalKindSDPAnswer, SDP: sdp}
}

func NewICECandidate(candidate string, mid *string, mLineIndex *uint16) SignalPayload {
	return SignalPayload{Kind: SignalKindICECandidate, Candidate: candidate, SDPMid: mid, SDPMLineIndex: mLineIndex}
}

// --- Application envelope (carried over relay_data or the data channel) ---

const (
	PayloadKindRpcRequest  = "rpc_request"
	PayloadKindRpcResponse = "rpc_response"
)

// AppEnvelope is opaque to the proxy; it is the unit exchanged between the
// RPC layers on the client and server peers.
type AppEnvelope struct {
	MessageID uuid.UUID  `json:"message_id"`
	Payload   AppPayload `json:"payload"`
}

func NewRpcRequestEnvelope(req RpcRequest) AppEnvelope {
	return AppEnvelope{
		MessageID: uuid.New(),
		Payload: AppPayload{
			Kind:      PayloadKindRpcRequest,
			RequestID: req.RequestID,
			Action:    &req.Action,
		},
	}
}

func NewRpcResponseEnvelope(resp RpcResponse) AppEnvelope {
	return AppEnvelope{
		MessageID: uuid.New(),
		Payload: AppPayload{
			Kind:      PayloadKindRpcResponse,
			RequestID: resp.RequestID,
			Result:    &resp.Result,
		},
	}
}

// AppPayload flattens the request_id/action (rpc_request) or request_id/result
// (rpc_response) fields alongside the "kind" discriminator.
type AppPayload struct {
	Kind      string     `json:"kind"`
	RequestID uuid.UUID  `json:"request_id"`
	Action    *RpcAction `json:"action,omitempty"`
	Result    *RpcResult `json:"result,omitempty"`
}

// AsRequest returns the RpcRequest this payload carries, if any.
func (p AppPayload) AsRequest() (RpcRequest, bool) {
	if p.Kind != PayloadKindRpcRequest || p.Action == nil {
		return RpcRequest{}, false
	}
	return RpcRequest{RequestID: p.RequestID, Action: *p.Action}, true
}

// AsResponse returns the RpcResponse this payload carries, if any.
func (p AppPayload) AsResponse() (RpcResponse, bool) {
	if p.Kind != PayloadKindRpcResponse || p.Result == nil {
		return RpcResponse{}, false
	}
	return RpcResponse{RequestID: p.RequestID, Result: *p.Result}, true
}

type RpcRequest struct {
	RequestID uuid.UUID `json:"request_id"`
	Action    RpcAction `json:"action"`
}

type RpcResponse struct {
	RequestID uuid.UUID `json:"request_id"`
	Result    RpcResult `json:"result"`
}

// RpcAction tags: run_command, list_roots, list_directory, read_file, write_file.
const (
	ActionRunCommand    = "run_command"
	ActionListRoots     = "list_roots"
	ActionListDirectory = "list_directory"
	ActionReadFile      = "read_file"
	ActionWriteFile     = "write_file"
)

type RpcAction struct {
	Action  string `json:"action"`
	Command string `json:"command,omitempty"`
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`
}

func RunCommandAction(command string) RpcAction { return RpcAction{Action: ActionRunCommand, Command: command} }
func ListRootsAction() RpcAction                { return RpcAction{Action: ActionListRoots} }
func ListDirectoryAction(path string) RpcAction { return RpcAction{Action: ActionListDirectory, Path: path} }
func ReadFileAction(path string) RpcAction      { return RpcAction{Action: ActionReadFile, Path: path} }
func WriteFileAction(path, content string) RpcAction {
	return RpcAction{Action: ActionWriteFile, Path: path, Content: content}
}

// RpcResult tags: command_output, roots, directory_entries, file_content, write_complete, error.
const (
	ResultCommandOutput    = "command_output"
	ResultRoots            = "roots"
	ResultDirectoryEntries = "directory_entries"
	ResultFileContent      = "file_content"
	ResultWriteComplete    = "write_complete"
	ResultError            = "error"
)

type RpcResult struct {
	Result  string           `json:"result"`
	Output  string           `json:"output,omitempty"`
	Roots   []string         `json:"roots,omitempty"`
	Path    string           `json:"path,omitempty"`
	Entries []DirectoryEntry `json:"entries,omitempty"`
	Content string           `json:"content,omitempty"`
	Message string           `json:"message,omitempty"`
}

func CommandOutputResult(output string) RpcResult { return RpcResult{Result: ResultCommandOutput, Output: output} }
func RootsResult(roots []string) RpcResult        { return RpcResult{Result: ResultRoots, Roots: roots} }
func DirectoryEntriesResult(path string, entries []DirectoryEntry) RpcResult {
	return RpcResult{Result: ResultDirectoryEntries, Path: path, Entries: entries}
}
func FileContentResult(path, content string) RpcResult {
	return RpcResult{Result: ResultFileContent, Path: path, Content: content}
}
func WriteCompleteResult(path string) RpcResult { return RpcResult{Result: ResultWriteComplete, Path: path} }
func ErrorResult(message string) RpcResult      { return RpcResult{Result: ResultError, Message: message} }

type DirectoryEntry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
}
