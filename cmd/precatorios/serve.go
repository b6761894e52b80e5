package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/precatorios/precatorios-client/internal/server"
	"github.com/precatorios/precatorios-client/pkg/logging"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(root *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the precatórios HTTP API.

The server provides:
  - /health        - liveness and admission gate state
  - /ready         - readiness (Redis reachable, upstream not rate limited)
  - /metrics       - Prometheus metrics
  - /api/entities  - entity table, or the report's listing with ?remote=true
  - /api/fetch     - crawl an entity, then filter, sort and page the records

Examples:
  precatorios serve
  precatorios serve --addr 127.0.0.1:3000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := root.cfg
			if addr != "" {
				cfg.ServerAddr = addr
			}

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			logger := logging.NewLogger("server")
			if zerolog.GlobalLevel() > zerolog.DebugLevel {
				gin.SetMode(gin.ReleaseMode)
			}

			opts := []server.Option{server.WithGate(a.gate), server.WithLogger(logger)}
			if a.cache != nil {
				opts = append(opts, server.WithPinger(a.cache))
			}
			srv := &http.Server{
				Addr:              cfg.ServerAddr,
				Handler:           server.New(a.session, opts...).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
				BaseContext:       func(net.Listener) context.Context { return ctx },
			}

			ln, err := net.Listen("tcp", cfg.ServerAddr)
			if err != nil {
				return err
			}
			logger.Info().Str("addr", ln.Addr().String()).Msg("Starting HTTP server")

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Serve(ln) }()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			logger.Info().Msg("Shutting down HTTP server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server_addr from config)")
	return cmd
}
