package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pders01/podds/internal/config"
	"github.com/pders01/podds/internal/debuglog"
	"github.com/pders01/podds/internal/relay"
	"github.com/pders01/podds/internal/validation"
)

var (
	relayAddr       string
	relayAllowLocal bool
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Serve a development relay helper",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := debuglog.Setup(debuglog.ParseLogLevel(cfg.Log.Level), cfg.Log.File); err != nil {
			return err
		}
		defer debuglog.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serveRelay(ctx, cmd, cfg)
	},
}

func init() {
	relayCmd.Flags().StringVar(&relayAddr, "addr", ":8080", "Listen address")
	relayCmd.Flags().BoolVar(&relayAllowLocal, "allow-local", false, "Allow targets on local network hosts")
	rootCmd.AddCommand(relayCmd)
}

func serveRelay(ctx context.Context, cmd *cobra.Command, cfg *config.Config) error {
	opts := relay.Options{
		Client: &http.Client{Timeout: cfg.Gateway.HTTPTimeout},
	}
	if relayAllowLocal {
		v := validation.NewRelayTargetValidator()
		v.AllowLocal = true
		opts.Validator = v
	}

	srv := &http.Server{
		Addr:              relayAddr,
		Handler:           relay.NewHandler(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		debuglog.Infof("relay listening on %s", relayAddr)
		errCh <- srv.ListenAndServe()
	}()
	fmt.Fprintf(cmd.OutOrStdout(), "Relay listening on %s\n", relayAddr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
