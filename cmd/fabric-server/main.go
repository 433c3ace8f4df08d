// Command fabric-server dials a proxy, registers a named server, and
// answers client sessions: it runs the WebRTC answerer side of signaling
// and dispatches RPC requests (run a command, walk the filesystem) arriving
// over whichever transport is currently active.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fabriclink/fabric/internal/peerconfig"
	"github.com/fabriclink/fabric/internal/rpcfs"
	"github.com/fabriclink/fabric/internal/signaling"
	"github.com/fabriclink/fabric/internal/transport"
	"github.com/fabriclink/fabric/internal/wire"
	"github.com/fabriclink/fabric/internal/wsconn"
)

type serverPeer struct {
	conn *wsconn.Conn

	mu       sync.Mutex
	coord    *signaling.Coordinator
	turn     *wire.TurnCredentials
	sessions map[uuid.UUID]*transport.Multiplexer
}

func newServerPeer(conn *wsconn.Conn) *serverPeer {
	return &serverPeer{conn: conn, sessions: make(map[uuid.UUID]*transport.Multiplexer)}
}

func (p *serverPeer) send(v any) {
	if err := wsconn.Send(p.conn.Out(), v); err != nil {
		log.Printf("fabric-server: send: %v", err)
	}
}

func (p *serverPeer) coordinatorFor(turn *wire.TurnCredentials) *signaling.Coordinator {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.coord == nil {
		p.turn = turn
		p.coord = signaling.New(turn, func(sessionID uuid.UUID, signal wire.SignalPayload) {
			p.send(wire.NewSignal(sessionID, signal))
		})
	}
	return p.coord
}

func (p *serverPeer) multiplexerFor(sessionID uuid.UUID) *transport.Multiplexer {
	p.mu.Lock()
	defer p.mu.Unlock()
	mux, ok := p.sessions[sessionID]
	if !ok {
		mux = transport.New(func(v any) error { return wsconn.Send(p.conn.Out(), v) })
		mux.SetSession(sessionID)
		p.sessions[sessionID] = mux
	}
	return mux
}

func (p *serverPeer) closeSession(sessionID uuid.UUID) {
	p.mu.Lock()
	delete(p.sessions, sessionID)
	coord := p.coord
	p.mu.Unlock()
	if coord != nil {
		coord.Close(sessionID)
	}
}

func (p *serverPeer) dispatchEnvelope(mux *transport.Multiplexer, env wire.AppEnvelope) {
	req, ok := env.Payload.AsRequest()
	if !ok {
		return
	}
	resp := rpcfs.Handle(req)
	if err := mux.SendEnvelope(wire.NewRpcResponseEnvelope(resp)); err != nil {
		log.Printf("fabric-server: send rpc response: %v", err)
	}
}

func (p *serverPeer) onDataChannel(sessionID uuid.UUID, mux *transport.Multiplexer) func(*webrtc.DataChannel) {
	return func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() {
			mux.BindDataChannel(func(data []byte) error { return dc.SendText(string(data)) })
		})
		dc.OnClose(func() { mux.UnbindDataChannel() })
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			env, err := transport.DecodeEnvelope(msg.Data)
			if err != nil {
				return
			}
			p.dispatchEnvelope(mux, env)
		})
	}
}

func (p *serverPeer) handleMessage(data []byte) error {
	msgType, err := wire.SniffType(data)
	if err != nil {
		return nil
	}
	switch msgType {
	case wire.TypePeerJoined:
		var msg wire.PeerJoined
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil
		}
		p.multiplexerFor(msg.SessionID)
		if msg.ViaP2P && msg.Turn != nil {
			p.coordinatorFor(msg.Turn)
		}
	case wire.TypePeerSignal:
		var msg wire.PeerSignal
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil
		}
		p.handleSignal(msg)
	case wire.TypeRelayData:
		var msg wire.RelayData
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil
		}
		env, err := transport.DecodeEnvelope(msg.Payload)
		if err != nil {
			return nil
		}
		p.dispatchEnvelope(p.multiplexerFor(msg.SessionID), env)
	case wire.TypeSessionClosed:
		var msg wire.SessionClosed
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil
		}
		log.Printf("fabric-server: session %s closed: %s", msg.SessionID, msg.Reason)
		p.closeSession(msg.SessionID)
	case wire.TypeConnectionError:
		var msg wire.ConnectionError
		json.Unmarshal(data, &msg)
		log.Printf("fabric-server: connection error: %s", msg.Reason)
	}
	return nil
}

func (p *serverPeer) handleSignal(msg wire.PeerSignal) {
	if msg.From != wire.RoleClient {
		return
	}
	p.mu.Lock()
	coord := p.coord
	p.mu.Unlock()
	if coord == nil {
		coord = p.coordinatorFor(nil)
	}

	switch msg.Signal.Kind {
	case wire.SignalKindSDPOffer:
		mux := p.multiplexerFor(msg.SessionID)
		answer, err := coord.HandleOffer(msg.SessionID, msg.Signal.SDP, p.onDataChannel(msg.SessionID, mux))
		if err != nil {
			log.Printf("fabric-server: handle offer: %v", err)
			return
		}
		p.send(wire.NewSignal(msg.SessionID, wire.NewSDPAnswer(answer)))
	case wire.SignalKindICECandidate:
		if err := coord.AddICECandidate(msg.SessionID, msg.Signal); err != nil {
			log.Printf("fabric-server: add ice candidate: %v", err)
		}
	}
}

func run(ctx context.Context, proxyAddr, proxyPassword, serverName, serverPassword string) error {
	ws, _, err := websocket.Dial(ctx, proxyAddr, nil)
	if err != nil {
		return fmt.Errorf("dial proxy: %w", err)
	}
	conn := wsconn.New(ws)
	peer := newServerPeer(conn)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return conn.RunWriter(gctx) })
	g.Go(func() error {
		peer.send(wire.NewAuthProxy(proxyPassword, wire.RoleServer))
		return conn.ReadLoop(gctx, func(data []byte) error {
			msgType, _ := wire.SniffType(data)
			switch msgType {
			case wire.TypeAuthOk:
				peer.send(wire.NewRegisterServer(serverName, serverPassword))
			case wire.TypeAuthError:
				var msg wire.AuthError
				json.Unmarshal(data, &msg)
				return fmt.Errorf("auth rejected: %s", msg.Reason)
			case wire.TypeRegistered:
				log.Printf("fabric-server: registered as %q", serverName)
			case wire.TypeConnectionError:
				var msg wire.ConnectionError
				json.Unmarshal(data, &msg)
				return fmt.Errorf("registration rejected: %s", msg.Reason)
			default:
				return peer.handleMessage(data)
			}
			return nil
		})
	})

	err = g.Wait()
	ws.Close(websocket.StatusNormalClosure, "")
	return err
}

func main() {
	var proxyAddr, proxyPassword, serverName, serverPassword, configPath string
	var saveConfig bool

	root := &cobra.Command{
		Use:   "fabric-server",
		Short: "Expose a filesystem and shell to clients through a proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				cfg, err := peerconfig.LoadServerConfig(configPath)
				if err != nil {
					return err
				}
				if serverName == "" {
					serverName = cfg.ServerName
				}
				if serverPassword == "" {
					serverPassword = cfg.ServerPassword
				}
			}
			if serverName == "" || serverPassword == "" {
				return fmt.Errorf("--server-name and --server-password are required")
			}

			if saveConfig {
				if configPath == "" {
					return fmt.Errorf("--save-config requires --config")
				}
				cfg := &peerconfig.ServerConfig{ServerName: serverName, ServerPassword: serverPassword}
				if err := peerconfig.SaveServerConfig(configPath, cfg); err != nil {
					return fmt.Errorf("save server config: %w", err)
				}
				log.Printf("fabric-server: saved registration defaults to %s", configPath)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			if err := run(ctx, proxyAddr, proxyPassword, serverName, serverPassword); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}

	root.Flags().StringVar(&proxyAddr, "proxy-addr", "ws://127.0.0.1:9000/ws", "WebSocket URL of the proxy")
	root.Flags().StringVar(&proxyPassword, "proxy-password", "", "password to authenticate with the proxy")
	root.Flags().StringVar(&serverName, "server-name", "", "name to register this server under")
	root.Flags().StringVar(&serverPassword, "server-password", "", "password clients must present to connect")
	root.Flags().StringVar(&configPath, "config", "", "path to a server.yaml with registration defaults")
	root.Flags().BoolVar(&saveConfig, "save-config", false, "write the resolved server name and password to --config")
	root.MarkFlagRequired("proxy-password")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
