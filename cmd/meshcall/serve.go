package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"meshcall/internal/config"
	"meshcall/internal/metrics"
	"meshcall/internal/relay"
)

const shutdownTimeout = 5 * time.Second

var serveOpts config.ServerOptions

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling relay",
	Long: `Run the signaling relay.

Clients connect to /ws (optionally with ?participant=<id>), join rooms and
exchange signals. /ice-servers returns the configured STUN/TURN servers,
/stats the live rooms and counters, /health a liveness check.

Examples:
  meshcall serve
  meshcall serve --addr :8080 --allowed-origins https://meet.example
  MESHCALL_TURN_URLS=turn:turn.example:3478 MESHCALL_TURN_USERNAME=u \
    MESHCALL_TURN_CREDENTIAL=p meshcall serve`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(serveOpts)
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveOpts.Addr, "addr", "", "listen address (MESHCALL_ADDR, default "+config.DefaultAddr+")")
	f.StringVar(&serveOpts.AllowedOrigins, "allowed-origins", "", "comma-separated websocket origins, empty allows all (MESHCALL_ALLOWED_ORIGINS)")
	addICEFlags(serveCmd, &serveOpts.ICE)
}

func runServe(opts config.ServerOptions) error {
	cfg, err := config.LoadServer(opts)
	if err != nil {
		return err
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := relay.NewHub(metrics.New())
	go hub.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           relay.NewServer(hub, cfg.ICEServers, cfg.AllowedOrigins).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[main] relay listening on %s", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Printf("[main] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Printf("[main] done")
	return nil
}
