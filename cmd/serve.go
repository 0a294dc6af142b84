package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-sync/internal/api"
	"github.com/sells-group/prospect-sync/internal/monitoring"
	"github.com/sells-group/prospect-sync/internal/resilience"
	"github.com/sells-group/prospect-sync/internal/source"
)

var (
	servePort    int
	serveNoCheck bool
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read API and run the retention checker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		// Breakers persist across runs triggered on this server.
		breakers := resilience.NewBreakers(resilience.DefaultCircuitBreakerConfig())

		srv := api.New(ctx, api.Options{
			Store:    env.Store,
			Alerts:   env.Alerts,
			Runner:   env.Orchestrator,
			Adapters: source.GuardAll(env.Adapters, breakers),
			Metrics:  env.Metrics,
		})

		if !serveNoCheck {
			var notifier monitoring.Notifier
			if cfg.Monitoring.WebhookURL != "" {
				notifier = monitoring.NewWebhookNotifier(cfg.Monitoring.WebhookURL)
			}
			checker := monitoring.NewChecker(env.Alerts, env.Store, notifier, cfg.Monitoring)
			go checker.Run(ctx)
		}

		httpSrv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				zap.L().Error("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		// Runs triggered over HTTP finalize before the store closes.
		srv.Wait()
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoCheck, "no-checker", false, "disable the background retention checker")
	rootCmd.AddCommand(serveCmd)
}
