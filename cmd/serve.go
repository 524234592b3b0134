package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/api"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/shutdown"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webprobe HTTP API server",
	Long: `Start the HTTP API for creating and controlling scans and workflows.

Routes live under /api (scans, workflows); /health is unauthenticated.
When server.api_key is set every /api request needs
"Authorization: Bearer <key>".

Example:
  webprobe serve --addr :8080
  WEBPROBE_SERVER_API_KEY=secret webprobe serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", ":8080", "address to listen on")
	serveCmd.Flags().String("tls-cert", "", "path to TLS certificate (optional)")
	serveCmd.Flags().String("tls-key", "", "path to TLS private key (optional)")
	viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
}

func runServe(cmd *cobra.Command, args []string) error {
	tlsCert, _ := cmd.Flags().GetString("tls-cert")
	tlsKey, _ := cmd.Flags().GetString("tls-key")
	if (tlsCert == "") != (tlsKey == "") {
		return fmt.Errorf("both --tls-cert and --tls-key must be provided for TLS")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	var health api.Pinger
	if a.store != nil {
		health = a.store
	}
	srv := api.NewServer(ctx, a.scans, a.workflows, cfg.Scan, health, log)
	router := api.NewRouter(srv, cfg.Server, cfg.RateLimit)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		// Scan status streams hold the connection open; a write timeout
		// would cut them off.
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	handler := shutdown.NewHandler(log)
	handler.Register("app", func(ctx context.Context) error {
		cancel()
		return a.Close(ctx)
	})
	handler.Register("http", server.Shutdown)

	// A listener failure ends the wait the same way a signal does.
	waitCtx, stopWaiting := context.WithCancelCause(context.Background())
	defer stopWaiting(nil)
	go func() {
		log.Infow("HTTP server listening",
			"address", cfg.Server.Addr,
			"tls", tlsCert != "",
			"auth", cfg.Server.APIKey != "",
		)
		var err error
		if tlsCert != "" {
			err = server.ListenAndServeTLS(tlsCert, tlsKey)
		} else {
			err = server.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			stopWaiting(err)
		}
	}()

	grace := cfg.Scan.ShutdownGrace + 20*time.Second
	if err := handler.WaitForShutdown(waitCtx, grace); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if cause := context.Cause(waitCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		return fmt.Errorf("server error: %w", cause)
	}
	log.Infow("Server shutdown complete")
	return nil
}
