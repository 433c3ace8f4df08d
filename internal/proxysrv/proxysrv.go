// Package proxysrv implements the proxy's per-connection state machine:
// authenticate -> role-specialize (server register | client operate) ->
// dispatch. It owns the HTTP upgrade endpoint and the registry instance
// backing every connection it accepts.
package proxysrv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/fabriclink/fabric/internal/registry"
	"github.com/fabriclink/fabric/internal/wire"
	"github.com/fabriclink/fabric/internal/wsconn"
)

// Config configures the proxy's authentication and TURN advertisement.
type Config struct {
	ProxyPassword string
	Turn          *wire.TurnCredentials // nil disables P2P advertisement
}

// Server is the proxy's WebSocket endpoint plus the session registry backing
// it. The zero value is not usable; construct with New.
type Server struct {
	cfg Config
	reg *registry.Registry
}

func New(cfg Config) *Server {
	return &Server{cfg: cfg, reg: registry.New()}
}

// Registry exposes the underlying registry, primarily for tests that want
// to assert on its state directly.
func (s *Server) Registry() *registry.Registry { return s.reg }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.ServeHTTP(w, r)
}

// errTerminal signals that the connection's state machine reached a
// terminal state and the read loop should stop (the relevant auth_error or
// connection_error has already been sent).
var errTerminal = errors.New("proxysrv: terminal")

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		log.Printf("proxysrv: accept: %v", err)
		return
	}

	connID := uuid.New()
	conn := wsconn.New(ws)
	s.reg.Attach(connID, conn.Out())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		if err := conn.RunWriter(ctx); err != nil {
			log.Printf("proxysrv: writer %s: %v", connID, err)
		}
	}()

	st := &connState{phase: phaseUnauthenticated}
	readErr := conn.ReadLoop(ctx, func(data []byte) error {
		return s.dispatch(connID, st, data)
	})
	if readErr != nil && !errors.Is(readErr, errTerminal) {
		log.Printf("proxysrv: connection %s: %v", connID, readErr)
	}

	cancel()
	ws.Close(websocket.StatusNormalClosure, "")
	s.notifyDetach(connID)
}

// notifyDetach runs registry.Detach and sends every resulting
// session_closed notification after the registry lock has been released.
func (s *Server) notifyDetach(connID uuid.UUID) {
	for _, n := range s.reg.Detach(connID) {
		s.send(n.Target, n.Message)
	}
}

func (s *Server) send(connID uuid.UUID, v any) {
	out, err := s.reg.SenderFor(connID)
	if err != nil {
		log.Printf("proxysrv: send to %s: %v", connID, err)
		return
	}
	if err := wsconn.Send(out, v); err != nil {
		log.Printf("proxysrv: send to %s: %v", connID, err)
	}
}

type connPhase int

const (
	phaseUnauthenticated connPhase = iota
	phaseServerUnregistered
	phaseServerActive
	phaseClientActive
)

type connState struct {
	phase      connPhase
	role       wire.Role
	serverName string
}

func (s *Server) dispatch(connID uuid.UUID, st *connState, data []byte) error {
	msgType, err := wire.SniffType(data)
	if err != nil {
		if st.phase == phaseUnauthenticated {
			s.send(connID, wire.NewAuthError("first message must be auth_proxy"))
			return errTerminal
		}
		return nil // malformed post-auth: silently dropped
	}

	switch st.phase {
	case phaseUnauthenticated:
		return s.dispatchUnauthenticated(connID, st, msgType, data)
	case phaseServerUnregistered:
		return s.dispatchServerUnregistered(connID, st, msgType, data)
	case phaseServerActive:
		return s.dispatchServerActive(connID, msgType, data)
	case phaseClientActive:
		return s.dispatchClientActive(connID, st, msgType, data)
	default:
		return nil
	}
}

func (s *Server) dispatchUnauthenticated(connID uuid.UUID, st *connState, msgType string, data []byte) error {
	if msgType != wire.TypeAuthProxy {
		s.send(connID, wire.NewAuthError("first message must be auth_proxy"))
		return errTerminal
	}
	var msg wire.AuthProxy
	if err := json.Unmarshal(data, &msg); err != nil {
		s.send(connID, wire.NewAuthError("first message must be auth_proxy"))
		return errTerminal
	}
	if msg.ProxyPassword != s.cfg.ProxyPassword {
		s.send(connID, wire.NewAuthError("invalid proxy password"))
		return errTerminal
	}
	if err := s.reg.SetRole(connID, msg.Role); err != nil {
		s.send(connID, wire.NewAuthError("invalid proxy password"))
		return errTerminal
	}

	st.role = msg.Role
	s.send(connID, wire.NewAuthOk(msg.Role))

	if msg.Role == wire.RoleServer {
		st.phase = phaseServerUnregistered
	} else {
		st.phase = phaseClientActive
	}
	return nil
}

func (s *Server) dispatchServerUnregistered(connID uuid.UUID, st *connState, msgType string, data []byte) error {
	if msgType != wire.TypeRegisterServer {
		return nil
	}
	var msg wire.RegisterServer
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil
	}
	if err := s.reg.RegisterServer(connID, msg.ServerName, msg.ServerPassword); err != nil {
		s.send(connID, wire.NewConnectionError("server name already registered"))
		return errTerminal
	}
	st.serverName = msg.ServerName
	s.send(connID, wire.NewRegistered(msg.ServerName))
	st.phase = phaseServerActive
	return nil
}

func (s *Server) dispatchServerActive(connID uuid.UUID, msgType string, data []byte) error {
	switch msgType {
	case wire.TypeDisconnectSession:
		var msg wire.DisconnectSession
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil
		}
		if sess, ok := s.reg.CloseSessionAsServer(msg.SessionID, connID); ok {
			s.send(sess.ClientConnID, wire.NewSessionClosed(sess.ID, "server closed session"))
		}
	case wire.TypeSignal:
		var msg wire.Signal
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil
		}
		if peer, err := s.reg.Route(msg.SessionID, connID); err == nil {
			s.send(peer, wire.NewPeerSignal(msg.SessionID, wire.RoleServer, msg.Signal))
		}
	case wire.TypeRelayData:
		var msg wire.RelayData
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil
		}
		if peer, err := s.reg.Route(msg.SessionID, connID); err == nil {
			s.send(peer, wire.NewRelayData(msg.SessionID, msg.Payload))
		}
	}
	return nil
}

func (s *Server) dispatchClientActive(connID uuid.UUID, st *connState, msgType string, data []byte) error {
	switch msgType {
	case wire.TypeConnectServer:
		var msg wire.ConnectServer
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil
		}
		s.handleConnectServer(connID, msg)
	case wire.TypeDisconnectSession:
		var msg wire.DisconnectSession
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil
		}
		if sess, ok := s.reg.CloseSessionAsClient(msg.SessionID, connID); ok {
			s.send(sess.ServerConnID, wire.NewSessionClosed(sess.ID, "client closed session"))
		}
	case wire.TypeSignal:
		var msg wire.Signal
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil
		}
		if peer, err := s.reg.Route(msg.SessionID, connID); err == nil {
			s.send(peer, wire.NewPeerSignal(msg.SessionID, wire.RoleClient, msg.Signal))
		}
	case wire.TypeRelayData:
		var msg wire.RelayData
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil
		}
		if peer, err := s.reg.Route(msg.SessionID, connID); err == nil {
			s.send(peer, wire.NewRelayData(msg.SessionID, msg.Payload))
		}
	}
	return nil
}

func (s *Server) handleConnectServer(connID uuid.UUID, msg wire.ConnectServer) {
	sess, err := s.reg.OpenSession(connID, msg.ServerName, msg.ServerPassword)
	if err != nil {
		s.send(connID, wire.NewConnectionError(connectErrorReason(err)))
		return
	}

	viaP2P := msg.UseP2P && s.cfg.Turn != nil
	var turn *wire.TurnCredentials
	if viaP2P {
		turn = s.cfg.Turn
	}

	s.send(connID, wire.Connected{
		Type:       wire.TypeConnected,
		SessionID:  sess.ID,
		ServerName: msg.ServerName,
		ViaP2P:     viaP2P,
		Turn:       turn,
	})
	s.send(sess.ServerConnID, wire.PeerJoined{
		Type:      wire.TypePeerJoined,
		SessionID: sess.ID,
		PeerID:    connID,
		ViaP2P:    viaP2P,
		Turn:      turn,
	})
}

func connectErrorReason(err error) string {
	switch {
	case errors.Is(err, registry.ErrUnknownServer):
		return "unknown server name"
	case errors.Is(err, registry.ErrInvalidPassword):
		return "invalid server password"
	default:
		return fmt.Sprintf("connect failed: %v", err)
	}
}
