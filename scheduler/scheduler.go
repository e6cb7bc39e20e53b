package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"aqar_pipeline/models"
	"aqar_pipeline/services"
)

// Runner is the pipeline side driven by the scheduler.
type Runner interface {
	RunCycle(ctx context.Context) (*models.ProcessingCycle, error)
	HandleCommand(ctx context.Context, cmd *models.Command) error
}

// Store is the slice of the ledger the scheduler reads.
type Store interface {
	GetPendingCommands() ([]models.Command, error)
	MarkCommandProcessed(id int64) error
	DailyReport(day time.Time) (*models.DailyReport, error)
}

type Reporter interface {
	Report(ctx context.Context, text string) error
}

type Options struct {
	// Interval is the sleep between cycles when Cron is empty.
	Interval time.Duration
	// ErrorBackoff replaces Interval after a failed cycle.
	ErrorBackoff    time.Duration
	Cron            string
	DailyReportCron string
	CommandPoll     time.Duration
	Now             func() time.Time
}

type Scheduler struct {
	runner   Runner
	store    Store
	reporter Reporter
	opts     Options
	cron     *cron.Cron
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(runner Runner, store Store, reporter Reporter, opts Options, logger *slog.Logger) *Scheduler {
	if opts.CommandPoll <= 0 {
		opts.CommandPoll = 2 * time.Second
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = 60 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:   runner,
		store:    store,
		reporter: reporter,
		opts:     opts,
		cron:     cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger))),
		logger:   logger.With("component", "scheduler"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches command polling, the cycle loop or cron trigger, and the
// daily report. It returns once everything is running.
func (s *Scheduler) Start(ctx context.Context) error {
	useCron := false
	if s.opts.Cron != "" {
		if _, err := s.cron.AddFunc(s.opts.Cron, func() { s.runGuarded(ctx) }); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		useCron = true
	}
	if s.opts.DailyReportCron != "" {
		if s.reporter == nil {
			return errors.New("daily report scheduled without a reporter")
		}
		_, err := s.cron.AddFunc(s.opts.DailyReportCron, func() {
			if err := s.SendDailyReport(ctx); err != nil {
				s.logger.Error("daily report failed", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("invalid daily report cron expression: %w", err)
		}
		useCron = true
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pollCommands(ctx)
	}()

	if useCron {
		s.cron.Start()
	}
	if s.opts.Cron != "" {
		s.logger.Info("scheduler started with cron", "cron", s.opts.Cron)
		return nil
	}

	s.logger.Info("scheduler started with interval", "interval", s.opts.Interval, "error_backoff", s.opts.ErrorBackoff)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
	return nil
}

// Stop ends the loops and waits for the in-flight cycle to return.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.cron.Stop().Done()
	})
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		wait := s.opts.Interval
		if err := s.runGuarded(ctx); err != nil {
			wait = s.opts.ErrorBackoff
		}

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-s.stopCh:
			t.Stop()
			return
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

// runGuarded runs one cycle, turning a panic into an error.
func (s *Scheduler) runGuarded(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panicked: %v", r)
			s.logger.Error("cycle panicked", "panic", r)
		}
	}()

	cycle, err := s.runner.RunCycle(ctx)
	if err != nil {
		s.logger.Error("cycle failed", "error", err)
		return err
	}
	if cycle != nil {
		s.logger.Info("cycle completed",
			"cycle_id", cycle.ID,
			"ingested", cycle.Ingested,
			"total", cycle.Total,
			"successful", cycle.Successful,
			"failed", cycle.Failed)
	}
	return nil
}

// TriggerNow runs one cycle immediately.
func (s *Scheduler) TriggerNow(ctx context.Context) error {
	return s.runGuarded(ctx)
}

func (s *Scheduler) pollCommands(ctx context.Context) {
	ticker := time.NewTicker(s.opts.CommandPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processCommands(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) processCommands(ctx context.Context) {
	cmds, err := s.store.GetPendingCommands()
	if err != nil {
		s.logger.Error("error getting commands", "error", err)
		return
	}

	for i := range cmds {
		cmd := &cmds[i]
		s.logger.Info("processing command", "command", cmd.Command, "id", cmd.ID)
		if err := s.runner.HandleCommand(ctx, cmd); err != nil {
			s.logger.Error("command error", "command", cmd.Command, "error", err)
		}
		if err := s.store.MarkCommandProcessed(cmd.ID); err != nil {
			s.logger.Error("error marking command processed", "id", cmd.ID, "error", err)
		}
	}
}

// SendDailyReport summarizes today's ledger rows through the reporter.
func (s *Scheduler) SendDailyReport(ctx context.Context) error {
	report, err := s.store.DailyReport(s.opts.Now())
	if err != nil {
		return fmt.Errorf("build daily report: %w", err)
	}
	if err := s.reporter.Report(ctx, services.FormatDailyReport(*report)); err != nil {
		return fmt.Errorf("send daily report: %w", err)
	}
	s.logger.Info("daily report sent", "total", report.Total)
	return nil
}
