package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"meshgate/internal/apiserver"
	"meshgate/internal/meshconfig"
	"meshgate/internal/peers"
	"meshgate/internal/streamconst"
)

var log = logrus.WithField("component", "cmd/meshgate")

func main() {
	root := &cobra.Command{Use: "meshgate"}
	root.AddCommand(serveCmd())
	root.AddCommand(agentCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the gateway's browser-facing HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(debug)
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "use the debug timing profile (short TTLs, for local testing)")
	return cmd
}

func runServe(debug bool) error {
	cfg, err := meshconfig.LoadFromEnv()
	if err != nil {
		return err
	}
	if cfg.Logging.Level != "" {
		if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
			logrus.SetLevel(lvl)
		}
	}

	profile := streamconst.Prod()
	if debug || cfg.Server.Debug {
		profile = streamconst.Debug()
	}

	srv := apiserver.New(nil, profile)
	srv.Shell = os.Getenv("SHELL")
	if srv.Shell == "" {
		srv.Shell = "/bin/sh"
	}

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: srv.Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), streamconst.KeepaliveBoot)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", cfg.Server.ListenAddr).Info("listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// agentCmd dials out to a gateway, offering it a bidirectional RPC channel
// (spec §1: "others connect outward as agents"). The agent runs a full
// apiserver.Server so it can execute the requests the gateway routes to it.
// Its own peer table stays empty (the agent serves no /api/mesh/connect),
// so a request addressed past this hop fails with RemoteClientNotFound.
func agentCmd() *cobra.Command {
	var gatewayAddr, name string
	var debug bool
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "connect outward to a gateway and offer it a terminal/file channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("agent: --name is required")
			}
			return runAgent(gatewayAddr, name, debug)
		},
	}
	cmd.Flags().StringVar(&gatewayAddr, "gateway", "ws://127.0.0.1:8080", "gateway base address (ws:// or wss://)")
	cmd.Flags().StringVar(&name, "name", "", "this agent's client name in the mesh (required)")
	cmd.Flags().BoolVar(&debug, "debug", false, "use the debug timing profile")
	return cmd
}

func runAgent(gatewayAddr, name string, debug bool) error {
	profile := streamconst.Prod()
	if debug {
		profile = streamconst.Debug()
	}
	srv := apiserver.New(nil, profile)
	srv.Shell = os.Getenv("SHELL")
	if srv.Shell == "" {
		srv.Shell = "/bin/sh"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backoff := streamconst.ReconnectInitialBackoff
	for ctx.Err() == nil {
		if err := connectOnce(ctx, gatewayAddr, name, srv); err != nil {
			log.WithError(err).WithField("gateway", gatewayAddr).Debug("agent: mesh connection lost, retrying")
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		backoff *= 2
		if backoff > streamconst.ReconnectMaxBackoff {
			backoff = streamconst.ReconnectMaxBackoff
		}
	}
	return nil
}

func connectOnce(ctx context.Context, gatewayAddr, name string, srv *apiserver.Server) error {
	u, err := url.Parse(gatewayAddr)
	if err != nil {
		return fmt.Errorf("agent: parse gateway address: %w", err)
	}
	u.Path = "/api/mesh/connect"
	q := u.Query()
	q.Set("name", name)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("agent: dial %s: %w", u.String(), err)
	}

	ch := peers.NewChannelWithHandler(conn, srv.MeshRequestHandler())
	log.WithFields(logrus.Fields{"gateway": gatewayAddr, "name": name}).Info("agent: connected to gateway")
	defer ch.Close()

	select {
	case <-ch.Done():
		return fmt.Errorf("agent: mesh channel closed")
	case <-ctx.Done():
		return nil
	}
}
