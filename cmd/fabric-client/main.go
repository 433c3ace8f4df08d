// Command fabric-client dials a proxy, connects to a named server, and
// drives the offerer side of WebRTC signaling. Once connected it reads
// simple commands from stdin (run/roots/ls/cat/write) and issues them as
// RPC requests over whichever transport is currently ready.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fabriclink/fabric/internal/peerconfig"
	"github.com/fabriclink/fabric/internal/signaling"
	"github.com/fabriclink/fabric/internal/transport"
	"github.com/fabriclink/fabric/internal/wire"
	"github.com/fabriclink/fabric/internal/wsconn"
)

type clientPeer struct {
	conn *wsconn.Conn

	mu        sync.Mutex
	coord     *signaling.Coordinator
	mux       *transport.Multiplexer
	sessionID uuid.UUID
	pending   map[uuid.UUID]chan wire.RpcResponse
}

func newClientPeer(conn *wsconn.Conn) *clientPeer {
	p := &clientPeer{conn: conn, pending: make(map[uuid.UUID]chan wire.RpcResponse)}
	p.mux = transport.New(func(v any) error { return wsconn.Send(conn.Out(), v) })
	return p
}

func (p *clientPeer) send(v any) {
	if err := wsconn.Send(p.conn.Out(), v); err != nil {
		log.Printf("fabric-client: send: %v", err)
	}
}

func (p *clientPeer) issue(req wire.RpcRequest) (<-chan wire.RpcResponse, error) {
	ch := make(chan wire.RpcResponse, 1)
	p.mu.Lock()
	p.pending[req.RequestID] = ch
	p.mu.Unlock()
	if err := p.mux.SendEnvelope(wire.NewRpcRequestEnvelope(req)); err != nil {
		return nil, err
	}
	return ch, nil
}

func (p *clientPeer) resolve(resp wire.RpcResponse) {
	p.mu.Lock()
	ch, ok := p.pending[resp.RequestID]
	delete(p.pending, resp.RequestID)
	p.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func (p *clientPeer) onDataChannelOpen(dc *webrtc.DataChannel) {
	fmt.Println("transport: P2P data channel")
	p.mux.BindDataChannel(func(data []byte) error { return dc.SendText(string(data)) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		env, err := transport.DecodeEnvelope(msg.Data)
		if err != nil {
			return
		}
		if resp, ok := env.Payload.AsResponse(); ok {
			p.resolve(resp)
		}
	})
}

func (p *clientPeer) onDataChannelClose() {
	fmt.Println("transport: WebSocket relay")
	p.mux.UnbindDataChannel()
}

func (p *clientPeer) handleConnected(msg wire.Connected, preferP2P bool) {
	p.mu.Lock()
	p.sessionID = msg.SessionID
	p.mu.Unlock()
	p.mux.SetSession(msg.SessionID)

	if msg.ViaP2P && msg.Turn != nil {
		fmt.Println("transport: Attempting P2P via TURN")
		coord := signaling.New(msg.Turn, func(sessionID uuid.UUID, signal wire.SignalPayload) {
			p.send(wire.NewSignal(sessionID, signal))
		})
		p.mu.Lock()
		p.coord = coord
		p.mu.Unlock()

		offer, err := coord.CreateOffer(msg.SessionID, p.onDataChannelOpen, p.onDataChannelClose)
		if err != nil {
			log.Printf("fabric-client: create offer: %v", err)
			return
		}
		p.send(wire.NewSignal(msg.SessionID, wire.NewSDPOffer(offer)))
	} else {
		fmt.Println("transport: WebSocket relay")
	}
}

func (p *clientPeer) handleSignal(msg wire.PeerSignal) {
	if msg.From != wire.RoleServer {
		return
	}
	p.mu.Lock()
	coord := p.coord
	p.mu.Unlock()
	if coord == nil {
		return
	}
	switch msg.Signal.Kind {
	case wire.SignalKindSDPAnswer:
		if err := coord.HandleAnswer(msg.SessionID, msg.Signal.SDP); err != nil {
			log.Printf("fabric-client: handle answer: %v", err)
		}
	case wire.SignalKindICECandidate:
		if err := coord.AddICECandidate(msg.SessionID, msg.Signal); err != nil {
			log.Printf("fabric-client: add ice candidate: %v", err)
		}
	}
}

func (p *clientPeer) handleRelayData(msg wire.RelayData) {
	env, err := transport.DecodeEnvelope(msg.Payload)
	if err != nil {
		return
	}
	if resp, ok := env.Payload.AsResponse(); ok {
		p.resolve(resp)
	}
}

func runREPL(ctx context.Context, p *clientPeer) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("connected. commands: run <cmd> | roots | ls <path> | cat <path> | write <path> <content> | exit")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" {
			return
		}
		action, err := parseCommand(line)
		if err != nil {
			fmt.Println(err)
			continue
		}
		req := wire.RpcRequest{RequestID: uuid.New(), Action: action}
		ch, err := p.issue(req)
		if err != nil {
			fmt.Println("send failed:", err)
			continue
		}
		select {
		case resp := <-ch:
			printResult(resp.Result)
		case <-time.After(30 * time.Second):
			fmt.Println("timed out waiting for response")
		case <-ctx.Done():
			return
		}
	}
}

func parseCommand(line string) (wire.RpcAction, error) {
	parts := strings.SplitN(line, " ", 2)
	switch parts[0] {
	case "run":
		if len(parts) < 2 {
			return wire.RpcAction{}, fmt.Errorf("usage: run <command>")
		}
		return wire.RunCommandAction(parts[1]), nil
	case "roots":
		return wire.ListRootsAction(), nil
	case "ls":
		if len(parts) < 2 {
			return wire.RpcAction{}, fmt.Errorf("usage: ls <path>")
		}
		return wire.ListDirectoryAction(parts[1]), nil
	case "cat":
		if len(parts) < 2 {
			return wire.RpcAction{}, fmt.Errorf("usage: cat <path>")
		}
		return wire.ReadFileAction(parts[1]), nil
	case "write":
		if len(parts) < 2 {
			return wire.RpcAction{}, fmt.Errorf("usage: write <path> <content>")
		}
		rest := strings.SplitN(parts[1], " ", 2)
		if len(rest) < 2 {
			return wire.RpcAction{}, fmt.Errorf("usage: write <path> <content>")
		}
		return wire.WriteFileAction(rest[0], rest[1]), nil
	default:
		return wire.RpcAction{}, fmt.Errorf("unknown command %q", parts[0])
	}
}

func printResult(r wire.RpcResult) {
	switch r.Result {
	case wire.ResultCommandOutput:
		fmt.Println(r.Output)
	case wire.ResultRoots:
		fmt.Println(strings.Join(r.Roots, "\n"))
	case wire.ResultDirectoryEntries:
		for _, e := range r.Entries {
			marker := ""
			if e.IsDir {
				marker = "/"
			}
			fmt.Printf("%s%s\n", e.Name, marker)
		}
	case wire.ResultFileContent:
		fmt.Println(r.Content)
	case wire.ResultWriteComplete:
		fmt.Printf("wrote %s\n", r.Path)
	case wire.ResultError:
		fmt.Println("error:", r.Message)
	}
}

func run(ctx context.Context, proxyAddr, proxyPassword, serverName, serverPassword string, preferP2P bool) error {
	ws, _, err := websocket.Dial(ctx, proxyAddr, nil)
	if err != nil {
		return fmt.Errorf("dial proxy: %w", err)
	}
	conn := wsconn.New(ws)
	peer := newClientPeer(conn)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return conn.RunWriter(gctx) })
	g.Go(func() error {
		peer.send(wire.NewAuthProxy(proxyPassword, wire.RoleClient))
		return conn.ReadLoop(gctx, func(data []byte) error {
			msgType, _ := wire.SniffType(data)
			switch msgType {
			case wire.TypeAuthOk:
				peer.send(wire.NewConnectServer(serverName, serverPassword, preferP2P))
			case wire.TypeAuthError:
				var msg wire.AuthError
				json.Unmarshal(data, &msg)
				return fmt.Errorf("auth rejected: %s", msg.Reason)
			case wire.TypeConnectionError:
				var msg wire.ConnectionError
				json.Unmarshal(data, &msg)
				return fmt.Errorf("connect rejected: %s", msg.Reason)
			case wire.TypeConnected:
				var msg wire.Connected
				if err := json.Unmarshal(data, &msg); err != nil {
					return nil
				}
				peer.handleConnected(msg, preferP2P)
				go runREPL(gctx, peer)
			case wire.TypePeerSignal:
				var msg wire.PeerSignal
				if err := json.Unmarshal(data, &msg); err != nil {
					return nil
				}
				peer.handleSignal(msg)
			case wire.TypeRelayData:
				var msg wire.RelayData
				if err := json.Unmarshal(data, &msg); err != nil {
					return nil
				}
				peer.handleRelayData(msg)
			case wire.TypeSessionClosed:
				var msg wire.SessionClosed
				json.Unmarshal(data, &msg)
				return fmt.Errorf("session closed: %s", msg.Reason)
			}
			return nil
		})
	})

	err = g.Wait()
	ws.Close(websocket.StatusNormalClosure, "")
	return err
}

func main() {
	var proxyAddr, proxyPassword, serverName, serverPassword, connectionName, connectionsPath, saveAs string
	var preferP2P bool

	root := &cobra.Command{
		Use:   "fabric-client",
		Short: "Browse files and run commands on a remote server through a proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			if connectionName != "" {
				connections, err := peerconfig.LoadConnections(connectionsPath)
				if err != nil {
					return err
				}
				c, ok := connections.Find(connectionName)
				if !ok {
					return fmt.Errorf("no saved connection named %q", connectionName)
				}
				if !cmd.Flags().Changed("proxy-addr") && c.ProxyAddr != "" {
					proxyAddr = c.ProxyAddr
				}
				if proxyPassword == "" {
					proxyPassword = c.ProxyPassword
				}
				if serverName == "" {
					serverName = c.ServerName
				}
				if serverPassword == "" {
					serverPassword = c.ServerPassword
				}
				if !cmd.Flags().Changed("p2p") {
					preferP2P = c.PreferP2P
				}
			}

			if saveAs != "" {
				connections, err := peerconfig.LoadConnections(connectionsPath)
				if err != nil {
					return err
				}
				connections.Upsert(peerconfig.Connection{
					Name:           saveAs,
					ProxyAddr:      proxyAddr,
					ProxyPassword:  proxyPassword,
					ServerName:     serverName,
					ServerPassword: serverPassword,
					PreferP2P:      preferP2P,
				})
				if err := peerconfig.SaveConnections(connectionsPath, connections); err != nil {
					return fmt.Errorf("save connection %q: %w", saveAs, err)
				}
				log.Printf("fabric-client: saved connection %q to %s", saveAs, connectionsPath)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			if err := run(ctx, proxyAddr, proxyPassword, serverName, serverPassword, preferP2P); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}

	root.Flags().StringVar(&proxyAddr, "proxy-addr", "ws://127.0.0.1:9000/ws", "WebSocket URL of the proxy")
	root.Flags().StringVar(&proxyPassword, "proxy-password", "", "password to authenticate with the proxy")
	root.Flags().StringVar(&serverName, "server-name", "", "name of the server to connect to")
	root.Flags().StringVar(&serverPassword, "server-password", "", "password the server expects")
	root.Flags().BoolVar(&preferP2P, "p2p", true, "request a peer-to-peer data channel when TURN is available")
	root.Flags().StringVar(&connectionName, "connection", "", "name of a saved connection to load defaults from")
	root.Flags().StringVar(&saveAs, "save-as", "", "save the resolved flags as a named connection before dialing")
	home, _ := os.UserHomeDir()
	root.Flags().StringVar(&connectionsPath, "connections-file", home+"/.fabric/connections.yaml", "path to the saved-connections file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
