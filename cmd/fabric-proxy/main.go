// Command fabric-proxy runs the rendezvous proxy: it authenticates peers,
// registers servers by name, brokers client->server sessions, relays
// signaling and application data, and advertises TURN credentials when a
// TURN server is configured or discoverable.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/fabriclink/fabric/internal/proxysrv"
	"github.com/fabriclink/fabric/internal/turnlookup"
	"github.com/fabriclink/fabric/internal/wire"
)

func main() {
	var bind, proxyPassword, turnURLFlag, publicIPService, turnUsername, turnPassword string
	var turnPort int

	root := &cobra.Command{
		Use:   "fabric-proxy",
		Short: "Rendezvous proxy for the workspace fabric",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := proxysrv.Config{ProxyPassword: proxyPassword}

			resolver := turnlookup.Resolver{
				ExplicitURL:     turnURLFlag,
				TurnPort:        turnPort,
				PublicIPService: publicIPService,
			}
			if url, ok := resolver.Resolve(cmd.Context()); ok {
				cfg.Turn = &wire.TurnCredentials{
					URL:      url,
					Username: turnUsername,
					Password: turnPassword,
				}
				fmt.Printf("TURN advertised at %s\n", url)
			} else {
				fmt.Println("TURN not configured; sessions will use the WebSocket relay only")
			}

			srv := proxysrv.New(cfg)
			httpSrv := &http.Server{Addr: bind, Handler: srv}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				fmt.Printf("fabric-proxy listening on %s\n", bind)
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				fmt.Println("shutting down...")
				return httpSrv.Close()
			case err := <-errCh:
				if err != nil && err != http.ErrServerClosed {
					return fmt.Errorf("listen: %w", err)
				}
				return nil
			}
		},
	}

	root.Flags().StringVar(&bind, "bind", "0.0.0.0:9000", "address to bind the WebSocket endpoint on")
	root.Flags().StringVar(&proxyPassword, "proxy-password", "", "password every peer must present in auth_proxy")
	root.Flags().StringVar(&turnURLFlag, "turn-url", "", "explicit TURN server URL; overrides public-IP discovery")
	root.Flags().IntVar(&turnPort, "turn-port", 3478, "port used when constructing a TURN URL from a discovered public IP")
	root.Flags().StringVar(&publicIPService, "public-ip-service", "https://api.ipify.org", "HTTP service used to discover this host's public IP")
	root.Flags().StringVar(&turnUsername, "turn-username", "peer", "username advertised for the TURN server")
	root.Flags().StringVar(&turnPassword, "turn-password", "peer-secret", "password advertised for the TURN server")
	root.MarkFlagRequired("proxy-password")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
