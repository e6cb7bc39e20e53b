// Package pipeline drives ingestion and per-record processing against the
// retry ledger.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"aqar_pipeline/events"
	"aqar_pipeline/extraction"
	"aqar_pipeline/models"
	"aqar_pipeline/services"
	"aqar_pipeline/storage"
	"aqar_pipeline/telegram"
	"aqar_pipeline/validation"
)

const (
	settingOffset      = "telegram_offset"
	settingLastSuccess = "last_success_date"
	statsEvery         = 5
)

var ErrCycleRunning = errors.New("a processing cycle is already running")

type Fetcher interface {
	FetchMessages(ctx context.Context, f telegram.Filter) (telegram.Batch, error)
}

type Extractor interface {
	Extract(ctx context.Context, rawText string, serial int) (*models.PropertyRecord, error)
}

type Classifier interface {
	Classify(ctx context.Context, rec *models.PropertyRecord) (services.Classification, error)
}

type Committer interface {
	Commit(ctx context.Context, rec *models.PropertyRecord, class models.Classification) (services.WriteResult, error)
}

type Notifier interface {
	Success(ctx context.Context, rec *models.PropertyRecord, class models.Classification)
	Duplicate(ctx context.Context, rec *models.PropertyRecord, match string)
	Failed(ctx context.Context, rec *models.PropertyRecord, problems []string)
}

// Mirror receives copies of ledger rows. Failures are logged only.
type Mirror interface {
	UpsertRecord(ctx context.Context, rec *models.PropertyRecord) error
	UpsertCycle(ctx context.Context, c *models.ProcessingCycle) error
}

// Deps are the collaborators of one Orchestrator. Publisher and Mirror are
// optional.
type Deps struct {
	Fetcher    Fetcher
	Extractor  Extractor
	Classifier Classifier
	Committer  Committer
	Notifier   Notifier
	Publisher  events.Publisher
	Mirror     Mirror
}

type Options struct {
	MaxAttempts  int
	RecordPause  time.Duration
	MessagePause time.Duration
	FetchLimit   int
	SkipTags     []string
	// ApplyDateFilter drops posts older than the stored last success date,
	// or Since when nothing is stored yet.
	ApplyDateFilter bool
	Since           time.Time
	Now             func() time.Time
}

type Orchestrator struct {
	store  *storage.SQLiteStore
	deps   Deps
	opts   Options
	logger *slog.Logger

	running sync.Mutex
	paused  atomic.Bool
}

func NewOrchestrator(store *storage.SQLiteStore, deps Deps, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:  store,
		deps:   deps,
		opts:   opts,
		logger: logger.With("component", "orchestrator"),
	}
}

// RunCycle requeues retryable failures, ingests new channel posts and then
// processes every PENDING record in insertion order. It returns nil, nil
// when paused.
func (o *Orchestrator) RunCycle(ctx context.Context) (*models.ProcessingCycle, error) {
	if o.paused.Load() {
		o.logger.Info("pipeline is paused, skipping cycle")
		return nil, nil
	}
	if !o.running.TryLock() {
		return nil, ErrCycleRunning
	}
	defer o.running.Unlock()

	cycle := &models.ProcessingCycle{
		ID:        uuid.NewString(),
		StartedAt: o.opts.Now(),
		Status:    models.CycleRunning,
	}
	if err := o.store.CreateCycle(cycle); err != nil {
		return nil, fmt.Errorf("create cycle: %w", err)
	}
	ctx = events.WithTraceID(ctx, cycle.ID)

	var cycleErr error
	defer func() {
		o.finishCycle(ctx, cycle, cycleErr)
	}()

	requeued, err := o.store.RequeueFailed(o.opts.MaxAttempts)
	if err != nil {
		cycleErr = fmt.Errorf("requeue failed records: %w", err)
		return cycle, cycleErr
	}
	cycle.Requeued = int(requeued)
	if requeued > 0 {
		o.log(nil, cycle.ID, models.StageCycle, models.LogLevelInfo, fmt.Sprintf("requeued %d failed records", requeued))
	}

	if err := o.ingest(ctx, cycle); err != nil {
		cycle.ErrorsCount++
		cycleErr = fmt.Errorf("ingest: %w", err)
		o.log(nil, cycle.ID, models.StageIngest, models.LogLevelError, cycleErr.Error())
		if ctx.Err() != nil {
			return cycle, cycleErr
		}
	}

	pending, err := o.store.PendingRecords(0)
	if err != nil {
		cycleErr = errors.Join(cycleErr, fmt.Errorf("load pending records: %w", err))
		return cycle, cycleErr
	}

	for i := range pending {
		if ctx.Err() != nil {
			break
		}
		if i > 0 {
			if err := sleep(ctx, o.opts.RecordPause); err != nil {
				break
			}
		}
		final, class := o.ProcessRecord(ctx, cycle.ID, &pending[i])
		if final == models.StatusPending {
			continue
		}
		cycle.Record(final, class)
		if cycle.Total%statsEvery == 0 {
			o.logger.Info("cycle progress",
				"cycle_id", cycle.ID,
				"total", cycle.Total,
				"successful", cycle.Successful,
				"failed", cycle.Failed,
				"duplicate", cycle.Duplicate,
				"multiple", cycle.Multiple)
		}
	}
	if err := ctx.Err(); err != nil {
		cycleErr = errors.Join(cycleErr, err)
	}
	return cycle, cycleErr
}

func (o *Orchestrator) finishCycle(ctx context.Context, cycle *models.ProcessingCycle, err error) {
	now := o.opts.Now()
	cycle.FinishedAt = &now
	cycle.Status = models.CycleCompleted
	if err != nil {
		cycle.Status = models.CycleFailed
	}
	if uerr := o.store.UpdateCycle(cycle); uerr != nil {
		o.logger.Error("failed to save cycle", "cycle_id", cycle.ID, "error", uerr)
	}
	if cycle.Successful > 0 {
		if serr := o.store.SetSetting(settingLastSuccess, now.Format("2006-01-02")); serr != nil {
			o.logger.Warn("failed to store last success date", "error", serr)
		}
	}
	if o.deps.Mirror != nil {
		if merr := o.deps.Mirror.UpsertCycle(context.WithoutCancel(ctx), cycle); merr != nil {
			o.logger.Warn("mirror cycle failed", "cycle_id", cycle.ID, "error", merr)
		}
	}
	o.log(nil, cycle.ID, models.StageCycle, models.LogLevelInfo,
		fmt.Sprintf("cycle %s: %d ingested, %d processed, %d successful, %d failed, %d duplicate, %d multiple",
			cycle.Status, cycle.Ingested, cycle.Total, cycle.Successful, cycle.Failed, cycle.Duplicate, cycle.Multiple))
}

func (o *Orchestrator) ingest(ctx context.Context, cycle *models.ProcessingCycle) error {
	if o.deps.Fetcher == nil {
		return nil
	}

	filter := telegram.Filter{
		Limit:    o.opts.FetchLimit,
		SkipTags: o.opts.SkipTags,
	}
	if v, err := o.store.GetSetting(settingOffset); err != nil {
		return fmt.Errorf("read offset: %w", err)
	} else if v != "" {
		filter.Offset, _ = strconv.ParseInt(v, 10, 64)
	}
	if o.opts.ApplyDateFilter {
		filter.Since = o.opts.Since
		if v, _ := o.store.GetSetting(settingLastSuccess); v != "" {
			if t, err := time.Parse("2006-01-02", v); err == nil {
				filter.Since = t
			}
		}
	}

	batch, err := o.deps.Fetcher.FetchMessages(ctx, filter)
	if err != nil {
		return err
	}

	for i, msg := range batch.Messages {
		if i > 0 {
			if err := sleep(ctx, o.opts.MessagePause); err != nil {
				return err
			}
		}
		rec, created, err := o.store.CreatePending(msg)
		if err != nil {
			return fmt.Errorf("store message %d: %w", msg.ID, err)
		}
		if !created {
			continue
		}
		cycle.Ingested++
		o.log(&rec.ID, cycle.ID, models.StageIngest, models.LogLevelInfo,
			fmt.Sprintf("ingested message %d as serial %d", msg.ID, rec.Serial))
	}

	if batch.NextOffset > filter.Offset {
		if err := o.store.SetSetting(settingOffset, strconv.FormatInt(batch.NextOffset, 10)); err != nil {
			return fmt.Errorf("store offset: %w", err)
		}
	}
	return nil
}

// ProcessRecord runs one attempt over rec and persists the outcome. It
// returns the status the record ended in and its classification, if any.
// A stop signal is honored between stages: the knowledge-base and CRM stages
// run to completion once started, and an attempt stopped before a stage
// leaves the record PENDING without spending the attempt.
func (o *Orchestrator) ProcessRecord(ctx context.Context, cycleID string, rec *models.PropertyRecord) (models.Status, models.Classification) {
	rec.ProcessingAttempts++
	work := context.WithoutCancel(ctx)

	if rec.AIExtracted == "" || rec.AIExtracted == extraction.FallbackSource {
		extracted, err := o.deps.Extractor.Extract(ctx, rec.RawText, rec.Serial)
		if err != nil {
			if ctx.Err() != nil {
				return o.interrupted(rec, cycleID)
			}
			return o.fail(work, cycleID, rec, "", models.StageExtract, []string{err.Error()})
		}
		applyExtraction(rec, extracted)
		o.log(&rec.ID, cycleID, models.StageExtract, models.LogLevelInfo,
			fmt.Sprintf("extracted by %s as %s", rec.AIExtracted, rec.UnitCode))
	}

	if ok, problems := validation.Validate(rec); !ok {
		return o.fail(work, cycleID, rec, "", models.StageValidate, problems)
	}

	if ctx.Err() != nil {
		return o.interrupted(rec, cycleID)
	}
	verdict, err := o.deps.Classifier.Classify(work, rec)
	if err != nil {
		return o.fail(work, cycleID, rec, "", models.StageClassify, []string{err.Error()})
	}
	// A page found by signature may be this record's own page from an earlier
	// partial commit; the verdict of that attempt still holds.
	if verdict.Class == models.ClassDuplicate && rec.NotionPropertyID != "" && verdict.Match == rec.NotionPropertyID {
		verdict = services.Classification{Class: ownPageClass(rec)}
		o.log(&rec.ID, cycleID, models.StageClassify, models.LogLevelInfo,
			"matched own page from an earlier attempt, keeping "+string(verdict.Class))
	}
	if verdict.Degraded != nil {
		o.log(&rec.ID, cycleID, models.StageClassify, models.LogLevelWarn, verdict.Degraded.Error())
	}
	o.log(&rec.ID, cycleID, models.StageClassify, models.LogLevelInfo, "classified as "+string(verdict.Class))
	rec.Classification = verdict.Class

	switch verdict.Class {
	case models.ClassDuplicate:
		rec.Status = models.StatusDuplicate
		o.save(work, cycleID, rec)
		o.deps.Notifier.Duplicate(work, rec, verdict.Match)
		o.publish(work, rec, verdict.Class)
		return rec.Status, verdict.Class
	case models.ClassMultiple:
		rec.Status = models.StatusMultiple
		o.save(work, cycleID, rec)
	}

	if ctx.Err() != nil {
		return o.interrupted(rec, cycleID)
	}
	res, err := o.deps.Committer.Commit(work, rec, verdict.Class)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return o.interrupted(rec, cycleID)
		}
		problems := res.Errors
		if len(problems) == 0 {
			problems = []string{err.Error()}
		}
		return o.fail(work, cycleID, rec, verdict.Class, models.StageCommit, problems)
	}
	o.log(&rec.ID, cycleID, models.StageCommit, models.LogLevelInfo, res.Summary())

	rec.Status = models.StatusSuccessful
	o.save(work, cycleID, rec)
	o.deps.Notifier.Success(work, rec, verdict.Class)
	o.publish(work, rec, verdict.Class)
	return rec.Status, verdict.Class
}

// ownPageClass is the verdict to keep for a record whose own knowledge-base
// page matched its signature.
func ownPageClass(rec *models.PropertyRecord) models.Classification {
	if rec.Classification == models.ClassMultiple {
		return models.ClassMultiple
	}
	return models.ClassNew
}

func (o *Orchestrator) fail(ctx context.Context, cycleID string, rec *models.PropertyRecord, class models.Classification, stage models.Stage, problems []string) (models.Status, models.Classification) {
	msg := fmt.Sprintf("%s: %s", stage, strings.Join(problems, "; "))
	rec.Status = models.StatusFailed
	rec.AddError(msg)
	o.log(&rec.ID, cycleID, stage, models.LogLevelError,
		fmt.Sprintf("attempt %d/%d failed: %s", rec.ProcessingAttempts, o.opts.MaxAttempts, msg))
	o.save(ctx, cycleID, rec)
	o.deps.Notifier.Failed(ctx, rec, problems)
	o.publish(ctx, rec, class)
	return rec.Status, class
}

// interrupted returns rec to PENDING and gives back the attempt. Ids written
// so far stay on the record for the next run.
func (o *Orchestrator) interrupted(rec *models.PropertyRecord, cycleID string) (models.Status, models.Classification) {
	rec.Status = models.StatusPending
	if rec.ProcessingAttempts > 0 {
		rec.ProcessingAttempts--
	}
	o.log(&rec.ID, cycleID, models.StageCycle, models.LogLevelWarn, "attempt interrupted by shutdown")
	o.save(context.Background(), cycleID, rec)
	return rec.Status, ""
}

func (o *Orchestrator) save(ctx context.Context, cycleID string, rec *models.PropertyRecord) {
	if err := o.store.UpdateRecord(rec); err != nil {
		o.log(&rec.ID, cycleID, models.StageCycle, models.LogLevelError, fmt.Sprintf("save record: %v", err))
		return
	}
	if o.deps.Mirror != nil {
		if err := o.deps.Mirror.UpsertRecord(context.WithoutCancel(ctx), rec); err != nil {
			o.logger.Warn("mirror record failed", "record_id", rec.ID, "error", err)
		}
	}
}

func (o *Orchestrator) publish(ctx context.Context, rec *models.PropertyRecord, class models.Classification) {
	if err := o.deps.Publisher.PublishRecord(ctx, rec, class); err != nil {
		o.logger.Warn("event not published", "record_id", rec.ID, "error", err)
	}
}

// applyExtraction copies the extracted listing fields onto the ledger record,
// keeping its identity and bookkeeping columns.
func applyExtraction(rec, extracted *models.PropertyRecord) {
	for _, f := range models.AllFields {
		rec.Set(f, extracted.Get(f))
	}
	rec.AIExtracted = extracted.AIExtracted
	rec.Refresh()
}

// HandleCommand applies one control command from the commands table.
func (o *Orchestrator) HandleCommand(ctx context.Context, cmd *models.Command) error {
	params, err := o.store.ParseCommandParams(cmd)
	if err != nil {
		return err
	}

	switch cmd.Command {
	case models.CmdProcessNow:
		_, err := o.RunCycle(ctx)
		return err
	case models.CmdRequeue:
		if params.RecordID > 0 {
			if err := o.store.RequeueRecord(params.RecordID); err != nil {
				return err
			}
			o.log(&params.RecordID, "", models.StageCycle, models.LogLevelInfo, "requeued by command")
			return nil
		}
		n, err := o.store.RequeueFailed(o.opts.MaxAttempts)
		if err != nil {
			return err
		}
		o.logger.Info("requeued failed records", "count", n)
	case models.CmdPause:
		o.paused.Store(true)
		o.logger.Info("pipeline paused")
	case models.CmdResume:
		o.paused.Store(false)
		o.logger.Info("pipeline resumed")
	default:
		return fmt.Errorf("unknown command: %s", cmd.Command)
	}
	return nil
}

func (o *Orchestrator) IsPaused() bool {
	return o.paused.Load()
}

func (o *Orchestrator) log(recordID *int64, cycleID string, stage models.Stage, level models.LogLevel, message string) {
	attrs := []any{"stage", stage, "cycle_id", cycleID}
	if recordID != nil {
		attrs = append(attrs, "record_id", *recordID)
	}
	switch level {
	case models.LogLevelError:
		o.logger.Error(message, attrs...)
	case models.LogLevelWarn:
		o.logger.Warn(message, attrs...)
	default:
		o.logger.Info(message, attrs...)
	}
	if err := o.store.Log(recordID, cycleID, stage, level, message); err != nil {
		o.logger.Warn("processing log write failed", "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
