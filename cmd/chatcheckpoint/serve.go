package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	transport "github.com/leofalp/chatcheckpoint/internal/transport/http"
	v1 "github.com/leofalp/chatcheckpoint/internal/transport/http/v1"
)

const (
	version         = "0.1.0"
	shutdownTimeout = 10 * time.Second
)

func newServeCmd(c *cli) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = c.cfg.HTTPAddr
			}

			handler := v1.NewHandler(c.app.Runner, v1.HealthInfo{
				Backend:     c.app.Selection.Backend.Name(),
				BackendKind: string(c.app.Selection.Kind),
				Model:       c.app.Runner.ModelName(),
				Version:     version,
			})
			e := transport.NewServer(handler, c.logging.Logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				c.logging.Logger.Info("http server listening", "addr", addr, "backend", c.app.Selection.Backend.Name())
				errCh <- e.Start(addr)
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return e.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default HTTP_ADDR)")
	return cmd
}
