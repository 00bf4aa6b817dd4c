package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/reward-distributor/internal/distribution"
	"github.com/sells-group/reward-distributor/internal/model"
	"github.com/sells-group/reward-distributor/internal/monitoring"
	"github.com/sells-group/reward-distributor/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run scheduled distribution with the status API",
	Long:  "Runs batches on distribution.interval_secs and on POST /v1/runs, watches the ledger identity, evaluates alerts and serves the status API.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initDistributor(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		feed, err := newFeed("")
		if err != nil {
			return err
		}

		if _, err := env.Sessions.Establish(ctx); err != nil {
			// Not fatal: every run re-establishes before it starts.
			zap.L().Warn("distributor session not established at startup", zap.Error(err))
		}

		collector := monitoring.NewCollector(monitoring.CollectorDeps{
			Pending:  env.Store,
			Results:  env.Orch,
			Treasury: env.RPC,
			Account:  cfg.Ledger.ExpectedIdentity,
			Decimals: env.Policy.Decimals(),
			Circuit:  env.RPC.Breaker(),
		})
		checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)

		sched := distribution.NewScheduler(env.Orch, feed, distribution.SchedulerConfig{
			Interval:      cfg.Distribution.Interval(),
			EnsureSession: env.ensureSession,
			OnResult: func(ctx context.Context, res *model.BatchRunResult) {
				checker.AfterBatch(ctx, res)
			},
		})

		handler := server.New(server.Deps{
			Store:         env.Store,
			Runs:          env.Orch,
			Trigger:       sched,
			Sessions:      env.Sessions,
			Metrics:       collector,
			EnsureSession: env.ensureSession,
			StaleAfter:    time.Duration(cfg.Monitoring.PendingMaxAgeMins) * time.Minute,
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return sched.Run(gctx) })
		g.Go(func() error {
			return env.Sessions.Watch(gctx, time.Duration(cfg.Session.WatchIntervalSecs)*time.Second)
		})
		g.Go(func() error {
			checker.Run(gctx)
			return nil
		})
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
