package workers

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"aqar_pipeline/models"
)

const mirrorWatermarkKey = "mirror_watermark"

// LedgerSource is the ledger side read by the mirror worker.
type LedgerSource interface {
	RecordsUpdatedSince(after time.Time, afterID int64, limit int) ([]models.PropertyRecord, error)
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

type RecordSink interface {
	UpsertRecord(ctx context.Context, rec *models.PropertyRecord) error
}

// MirrorWorker copies ledger rows the pipeline failed to mirror, or changed
// outside it, into the reporting mirror. Progress is kept as an
// (updated_at, id) watermark in system settings.
type MirrorWorker struct {
	source    LedgerSource
	sink      RecordSink
	triggerCh chan struct{}
	logger    *slog.Logger
}

func NewMirrorWorker(source LedgerSource, sink RecordSink, logger *slog.Logger) *MirrorWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &MirrorWorker{
		source:    source,
		sink:      sink,
		triggerCh: make(chan struct{}, 1),
		logger:    logger.With("component", "mirror_worker"),
	}
}

// Trigger causes the worker to run immediately
func (w *MirrorWorker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

// Run syncs one batch right away and then every interval or on Trigger.
func (w *MirrorWorker) Run(ctx context.Context, batchSize int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.drain(ctx, batchSize)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("mirror worker stopping")
			return
		case <-ticker.C:
			w.drain(ctx, batchSize)
		case <-w.triggerCh:
			w.drain(ctx, batchSize)
		}
	}
}

func (w *MirrorWorker) drain(ctx context.Context, batchSize int) {
	total := 0
	for ctx.Err() == nil {
		n, err := w.SyncBatch(ctx, batchSize)
		total += n
		if err != nil {
			w.logger.Warn("mirror sync stopped", "synced", total, "error", err)
			return
		}
		if n < batchSize {
			break
		}
	}
	if total > 0 {
		w.logger.Info("mirror synced", "records", total)
	}
}

// SyncBatch mirrors up to batchSize records past the watermark and advances
// it after each successful upsert. It returns how many were copied.
func (w *MirrorWorker) SyncBatch(ctx context.Context, batchSize int) (int, error) {
	after, afterID, err := w.watermark()
	if err != nil {
		return 0, err
	}
	records, err := w.source.RecordsUpdatedSince(after, afterID, batchSize)
	if err != nil {
		return 0, fmt.Errorf("query ledger: %w", err)
	}

	for i := range records {
		rec := &records[i]
		if err := w.sink.UpsertRecord(ctx, rec); err != nil {
			return i, fmt.Errorf("upsert record %d: %w", rec.ID, err)
		}
		if err := w.source.SetSetting(mirrorWatermarkKey, formatWatermark(rec.UpdatedAt, rec.ID)); err != nil {
			return i + 1, fmt.Errorf("store watermark: %w", err)
		}
	}
	return len(records), nil
}

func (w *MirrorWorker) watermark() (time.Time, int64, error) {
	v, err := w.source.GetSetting(mirrorWatermarkKey)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("read watermark: %w", err)
	}
	if v == "" {
		return time.Time{}, 0, nil
	}
	return parseWatermark(v)
}

func formatWatermark(t time.Time, id int64) string {
	return t.UTC().Format(time.RFC3339Nano) + "|" + strconv.FormatInt(id, 10)
}

func parseWatermark(v string) (time.Time, int64, error) {
	ts, idStr, ok := strings.Cut(v, "|")
	if !ok {
		return time.Time{}, 0, fmt.Errorf("malformed watermark %q", v)
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("malformed watermark %q: %w", v, err)
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("malformed watermark %q: %w", v, err)
	}
	return t, id, nil
}
