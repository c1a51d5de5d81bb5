package main

import (
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/halcyon-labs/homebase/internal/monitoring"
	"github.com/halcyon-labs/homebase/internal/web"
)

var (
	servePort    int
	serveTenants []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server for webhooks and action links",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		syncer := initCalsync(st)
		router := web.NewRouter(web.Deps{
			Store:          st,
			Ingestor:       initIngest(st),
			Redeemer:       initTokens(st, syncer),
			AllowedOrigins: cfg.Server.AllowedOrigins,
		})

		// Background health checks while the server runs.
		if cfg.Monitoring.WebhookURL != "" {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(st, cfg.Extract.MaxAttempts, cfg.Calsync.MaxRetries),
				monitoring.NewAlerter(cfg.Monitoring),
				cfg.Monitoring,
				serveTenants,
			)
			go checker.Run(ctx)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: router,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx) //nolint:errcheck
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().StringSliceVar(&serveTenants, "tenant", []string{"default"}, "tenants the background checker watches")
	rootCmd.AddCommand(serveCmd)
}
