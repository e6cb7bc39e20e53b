package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"aqar_pipeline/api"
	"aqar_pipeline/scheduler"
	"aqar_pipeline/workers"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the polling daemon",
		Long:  "Run processing cycles on PROCESSING_INTERVAL or SCHEDULE_CRON, poll control commands, send the daily report and serve the status API when API_ADDR is set.",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.log.Logger

	sched := scheduler.New(a.orch, a.store, a.notifier, scheduler.Options{
		Interval:        a.cfg.Processing.Interval,
		ErrorBackoff:    a.cfg.Processing.CycleErrorBackoff,
		Cron:            a.cfg.Scheduler.Cron,
		DailyReportCron: a.cfg.Scheduler.DailyReportCron,
	}, logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}

	if a.mirror != nil {
		go workers.NewMirrorWorker(a.store, a.mirror, logger).Run(ctx, 100, 10*time.Minute)
		logger.Info("mirror worker started")
	}

	var server *api.Server
	if a.cfg.APIAddr != "" {
		server = api.NewServer(a.cfg.APIAddr, a.store, a.orch, logger)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("status API stopped", "error", err)
			}
		}()
	}

	logger.Info("daemon running, press Ctrl+C to stop")
	<-ctx.Done()

	logger.Info("shutting down")
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Warn("status API shutdown", "error", err)
		}
		cancel()
	}
	sched.Stop()
	logger.Info("goodbye")
	return nil
}
