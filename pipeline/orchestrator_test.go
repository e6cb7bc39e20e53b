package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"aqar_pipeline/catalog"
	"aqar_pipeline/config"
	"aqar_pipeline/extraction"
	"aqar_pipeline/models"
	"aqar_pipeline/services"
	"aqar_pipeline/storage"
	"aqar_pipeline/telegram"
)

const (
	listingText = `شقة مفروشة للايجار في احياء تجمع
المساحة 120 متر الدور الثالث
السعر 25,000 جنيه
المالك: أحمد محمود
رقم المالك 01111111111`

	sameOwnerText = `شقة مفروشة للايجار في احياء تجمع
المساحة 150 متر الدور الثالث
السعر 30,000 جنيه
المالك: أحمد محمود
رقم المالك 01111111111`

	invalidText = "شقة مفروشة في نرجس الدور الاول"
)

type fakeFetcher struct {
	messages []models.RawMessage
	filters  []telegram.Filter
	err      error
}

func (f *fakeFetcher) FetchMessages(_ context.Context, filter telegram.Filter) (telegram.Batch, error) {
	f.filters = append(f.filters, filter)
	if f.err != nil {
		return telegram.Batch{}, f.err
	}
	return telegram.Batch{Messages: f.messages, NextOffset: int64(len(f.messages)) + 500}, nil
}

type fakeKB struct {
	owners      map[string]string
	properties  []string
	failCreate  error
	bySignature map[string]string
	byPhone     map[string]string
}

func (f *fakeKB) SearchOwner(_ context.Context, phone string) (string, error) {
	return f.owners[phone], nil
}

func (f *fakeKB) CreateOwner(_ context.Context, _, phone string) (string, error) {
	if f.owners == nil {
		f.owners = map[string]string{}
	}
	id := "owner-" + phone
	f.owners[phone] = id
	return id, nil
}

func (f *fakeKB) CreateProperty(_ context.Context, rec *models.PropertyRecord, _ string) (string, error) {
	if f.failCreate != nil {
		return "", f.failCreate
	}
	id := "page-" + rec.UnitCode
	f.properties = append(f.properties, id)
	if f.bySignature == nil {
		f.bySignature = map[string]string{}
		f.byPhone = map[string]string{}
	}
	f.bySignature[rec.DuplicateSignature] = id
	if f.byPhone[rec.OwnerPhone] == "" {
		f.byPhone[rec.OwnerPhone] = id
	}
	return id, nil
}

func (f *fakeKB) FindBySignature(_ context.Context, signature string) (string, error) {
	return f.bySignature[signature], nil
}

func (f *fakeKB) FindByOwnerPhone(_ context.Context, phone string) (string, error) {
	return f.byPhone[phone], nil
}

func (f *fakeKB) UpdateOwnerCount(_ context.Context, _ string) (int, error) {
	return len(f.properties), nil
}

type fakeCRM struct {
	existing   map[string]interface{}
	creates    int
	merges     int
	failMerges int
}

func (f *fakeCRM) Enabled() bool { return true }

func (f *fakeCRM) CreateRecord(_ context.Context, _ map[string]interface{}) (string, error) {
	f.creates++
	f.existing = map[string]interface{}{"id": "crm-1"}
	return "crm-1", nil
}

func (f *fakeCRM) SearchRecord(_ context.Context, _, _ string) (map[string]interface{}, error) {
	return f.existing, nil
}

func (f *fakeCRM) MergeRecord(_ context.Context, existing map[string]interface{}, _ *models.PropertyRecord) (string, error) {
	f.merges++
	if f.failMerges > 0 {
		f.failMerges--
		return "", errors.New("zoho 500")
	}
	return existing["id"].(string), nil
}

// cancellingCommitter stops the run while the commit is in flight, then
// either completes the commit through next or reports the cancellation.
type cancellingCommitter struct {
	cancel context.CancelFunc
	next   Committer
}

func (c *cancellingCommitter) Commit(ctx context.Context, rec *models.PropertyRecord, class models.Classification) (services.WriteResult, error) {
	c.cancel()
	if c.next != nil {
		return c.next.Commit(ctx, rec, class)
	}
	return services.WriteResult{}, context.Canceled
}

type fakeNotifier struct {
	success    []int64
	duplicates map[int64]string
	failed     map[int64][]string
}

func (f *fakeNotifier) Success(_ context.Context, rec *models.PropertyRecord, _ models.Classification) {
	f.success = append(f.success, rec.SourceMessageID)
}

func (f *fakeNotifier) Duplicate(_ context.Context, rec *models.PropertyRecord, match string) {
	if f.duplicates == nil {
		f.duplicates = map[int64]string{}
	}
	f.duplicates[rec.SourceMessageID] = match
}

func (f *fakeNotifier) Failed(_ context.Context, rec *models.PropertyRecord, problems []string) {
	if f.failed == nil {
		f.failed = map[int64][]string{}
	}
	f.failed[rec.SourceMessageID] = problems
}

type fakePublisher struct {
	statuses []models.Status
}

func (f *fakePublisher) PublishRecord(_ context.Context, rec *models.PropertyRecord, _ models.Classification) error {
	f.statuses = append(f.statuses, rec.Status)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

type harness struct {
	deps      Deps
	opts      Options
	store     *storage.SQLiteStore
	fetcher   *fakeFetcher
	kb        *fakeKB
	notifier  *fakeNotifier
	publisher *fakePublisher
	orch      *Orchestrator
}

func newHarness(t *testing.T, maxAttempts int, messages ...models.RawMessage) *harness {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	now := func() time.Time { return time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC) }

	h := &harness{
		store:     store,
		fetcher:   &fakeFetcher{messages: messages},
		kb:        &fakeKB{},
		notifier:  &fakeNotifier{},
		publisher: &fakePublisher{},
	}
	h.deps = Deps{
		Fetcher:    h.fetcher,
		Extractor:  extraction.NewChain(nil, cat, extraction.Options{Now: now}, nil),
		Classifier: services.NewClassifier(store, config.FailOpen, nil),
		Committer:  services.NewCoordinator(h.kb, nil, nil),
		Notifier:   h.notifier,
		Publisher:  h.publisher,
	}
	h.opts = Options{MaxAttempts: maxAttempts, SkipTags: cat.Tags.All()}
	h.rebuild()
	return h
}

func (h *harness) rebuild() {
	h.orch = NewOrchestrator(h.store, h.deps, h.opts, nil)
}

func raw(id int64, text string) models.RawMessage {
	return models.RawMessage{ID: id, Text: text, Timestamp: time.Now()}
}

func (h *harness) record(t *testing.T, messageID int64) *models.PropertyRecord {
	t.Helper()
	rec, err := h.store.GetByMessageID(messageID)
	if err != nil || rec == nil {
		t.Fatalf("GetByMessageID(%d) = %v, %v", messageID, rec, err)
	}
	return rec
}

func TestRunCycle_Scenarios(t *testing.T) {
	h := newHarness(t, 3,
		raw(100, listingText),
		raw(101, listingText),
		raw(102, sameOwnerText),
		raw(103, invalidText),
	)

	cycle, err := h.orch.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if cycle.Ingested != 4 || cycle.Total != 4 {
		t.Fatalf("cycle ingested=%d total=%d, want 4/4", cycle.Ingested, cycle.Total)
	}
	if cycle.Successful != 2 || cycle.Duplicate != 1 || cycle.Multiple != 1 || cycle.Failed != 1 {
		t.Fatalf("cycle counters = %+v", cycle)
	}

	first := h.record(t, 100)
	if first.Status != models.StatusSuccessful || first.ProcessingAttempts != 1 {
		t.Fatalf("new listing status=%s attempts=%d", first.Status, first.ProcessingAttempts)
	}
	if first.NotionOwnerID != "owner-01111111111" || first.NotionPropertyID == "" {
		t.Fatalf("new listing ids = %q %q", first.NotionOwnerID, first.NotionPropertyID)
	}
	if first.Serial != 1 || !strings.HasSuffix(first.UnitCode, "-1") {
		t.Fatalf("serial=%d unit code=%q", first.Serial, first.UnitCode)
	}

	dup := h.record(t, 101)
	if dup.Status != models.StatusDuplicate {
		t.Fatalf("repeat listing status = %s", dup.Status)
	}
	if dup.NotionPropertyID != "" {
		t.Fatalf("duplicate wrote a page: %q", dup.NotionPropertyID)
	}
	if got := h.notifier.duplicates[101]; got != first.NotionPropertyID {
		t.Fatalf("duplicate match = %q, want %q", got, first.NotionPropertyID)
	}

	multi := h.record(t, 102)
	if multi.Status != models.StatusSuccessful || multi.NotionOwnerID != first.NotionOwnerID {
		t.Fatalf("same owner listing status=%s owner=%q", multi.Status, multi.NotionOwnerID)
	}
	if len(h.kb.properties) != 2 {
		t.Fatalf("knowledge base pages = %v", h.kb.properties)
	}

	bad := h.record(t, 103)
	if bad.Status != models.StatusFailed || bad.ProcessingAttempts != 1 {
		t.Fatalf("invalid listing status=%s attempts=%d", bad.Status, bad.ProcessingAttempts)
	}
	if !strings.HasPrefix(bad.LastError(), "validate:") {
		t.Fatalf("last error = %q", bad.LastError())
	}
	if len(h.notifier.failed[103]) == 0 {
		t.Fatal("no failure notification")
	}
	if len(h.notifier.success) != 2 {
		t.Fatalf("success notifications = %v", h.notifier.success)
	}
	if len(h.publisher.statuses) != 4 {
		t.Fatalf("published events = %v", h.publisher.statuses)
	}

	logs, err := h.store.RecordLogs(first.ID)
	if err != nil || len(logs) == 0 {
		t.Fatalf("RecordLogs = %v, %v", logs, err)
	}
	offset, _ := h.store.GetSetting(settingOffset)
	if offset != "504" {
		t.Fatalf("stored offset = %q", offset)
	}
}

func TestRunCycle_AttemptsBounded(t *testing.T) {
	h := newHarness(t, 2, raw(200, invalidText))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := h.orch.RunCycle(ctx); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}

	rec := h.record(t, 200)
	if rec.Status != models.StatusFailed || rec.ProcessingAttempts != 2 {
		t.Fatalf("status=%s attempts=%d, want FAILED after 2", rec.Status, rec.ProcessingAttempts)
	}
	if len(rec.ErrorMessages) != 2 {
		t.Fatalf("errors = %v", rec.ErrorMessages)
	}
}

func TestRunCycle_AttemptsBoundedByCommitFailure(t *testing.T) {
	h := newHarness(t, 2, raw(210, listingText))
	h.kb.failCreate = errors.New("notion down")
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := h.orch.RunCycle(ctx); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}

	rec := h.record(t, 210)
	if rec.Status != models.StatusFailed || rec.ProcessingAttempts != 2 {
		t.Fatalf("status=%s attempts=%d, want FAILED after 2", rec.Status, rec.ProcessingAttempts)
	}
	if len(rec.ErrorMessages) != 2 || !strings.HasPrefix(rec.LastError(), "commit:") {
		t.Fatalf("errors = %v", rec.ErrorMessages)
	}
	if len(h.kb.properties) != 0 || len(h.kb.owners) != 1 {
		t.Fatalf("pages=%v owners=%v", h.kb.properties, h.kb.owners)
	}
}

func TestRunCycle_IdempotentIngestion(t *testing.T) {
	h := newHarness(t, 3, raw(300, listingText))
	ctx := context.Background()

	if _, err := h.orch.RunCycle(ctx); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	cycle, err := h.orch.RunCycle(ctx)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if cycle.Ingested != 0 || cycle.Total != 0 {
		t.Fatalf("second cycle ingested=%d total=%d", cycle.Ingested, cycle.Total)
	}
	records, err := h.store.ListRecords("", 10, 0)
	if err != nil || len(records) != 1 {
		t.Fatalf("ledger rows = %d, %v", len(records), err)
	}
	if len(h.fetcher.filters) != 2 || h.fetcher.filters[1].Offset != 501 {
		t.Fatalf("filters = %+v", h.fetcher.filters)
	}
}

func TestRunCycle_CommitFailureKeepsIDsForRetry(t *testing.T) {
	h := newHarness(t, 3, raw(400, listingText))
	h.kb.failCreate = errors.New("notion down")
	ctx := context.Background()

	if _, err := h.orch.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	rec := h.record(t, 400)
	if rec.Status != models.StatusFailed || rec.NotionOwnerID == "" {
		t.Fatalf("status=%s owner=%q", rec.Status, rec.NotionOwnerID)
	}

	h.kb.failCreate = nil
	if _, err := h.orch.RunCycle(ctx); err != nil {
		t.Fatalf("retry cycle: %v", err)
	}
	rec = h.record(t, 400)
	if rec.Status != models.StatusSuccessful || rec.ProcessingAttempts != 2 {
		t.Fatalf("after retry status=%s attempts=%d", rec.Status, rec.ProcessingAttempts)
	}
	if len(h.kb.owners) != 1 {
		t.Fatalf("owners created = %v", h.kb.owners)
	}
}

func TestRunCycle_MultipleRetryMergesAfterOwnPageMatch(t *testing.T) {
	h := newHarness(t, 3, raw(800, listingText), raw(801, sameOwnerText))
	crmClient := &fakeCRM{failMerges: 1}
	h.deps.Classifier = services.NewClassifier(h.kb, config.FailOpen, nil)
	h.deps.Committer = services.NewCoordinator(h.kb, crmClient, nil)
	h.rebuild()
	ctx := context.Background()

	if _, err := h.orch.RunCycle(ctx); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	rec := h.record(t, 801)
	if rec.Status != models.StatusFailed || rec.NotionPropertyID == "" || rec.Classification != models.ClassMultiple {
		t.Fatalf("after failed merge status=%s page=%q class=%s", rec.Status, rec.NotionPropertyID, rec.Classification)
	}
	if crmClient.creates != 1 || crmClient.merges != 1 {
		t.Fatalf("crm creates=%d merges=%d", crmClient.creates, crmClient.merges)
	}

	cycle, err := h.orch.RunCycle(ctx)
	if err != nil {
		t.Fatalf("retry cycle: %v", err)
	}
	rec = h.record(t, 801)
	if rec.Status != models.StatusSuccessful || rec.CRMRecordID != "crm-1" {
		t.Fatalf("after retry status=%s crm=%q", rec.Status, rec.CRMRecordID)
	}
	if crmClient.creates != 1 || crmClient.merges != 2 {
		t.Fatalf("retry wrote a second crm record: creates=%d merges=%d", crmClient.creates, crmClient.merges)
	}
	if cycle.Multiple != 1 || cycle.Successful != 1 {
		t.Fatalf("retry cycle = %+v", cycle)
	}
	if len(h.kb.properties) != 2 {
		t.Fatalf("pages = %v", h.kb.properties)
	}
}

func TestProcessRecord_StopDuringCommitKeepsPending(t *testing.T) {
	h := newHarness(t, 3, raw(900, listingText))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.deps.Committer = &cancellingCommitter{cancel: cancel}
	h.rebuild()

	if _, err := h.orch.RunCycle(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("RunCycle err = %v, want canceled", err)
	}
	rec := h.record(t, 900)
	if rec.Status != models.StatusPending || rec.ProcessingAttempts != 0 || len(rec.ErrorMessages) != 0 {
		t.Fatalf("status=%s attempts=%d errors=%v", rec.Status, rec.ProcessingAttempts, rec.ErrorMessages)
	}
	if len(h.notifier.failed) != 0 {
		t.Fatalf("failure notified: %v", h.notifier.failed)
	}

	h.deps.Committer = services.NewCoordinator(h.kb, nil, nil)
	h.rebuild()
	if _, err := h.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("resume cycle: %v", err)
	}
	rec = h.record(t, 900)
	if rec.Status != models.StatusSuccessful || rec.ProcessingAttempts != 1 {
		t.Fatalf("after resume status=%s attempts=%d", rec.Status, rec.ProcessingAttempts)
	}
}

func TestProcessRecord_StartedCommitFinishesOnStop(t *testing.T) {
	h := newHarness(t, 3, raw(901, listingText), raw(902, sameOwnerText))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.deps.Committer = &cancellingCommitter{cancel: cancel, next: services.NewCoordinator(h.kb, nil, nil)}
	h.rebuild()

	if _, err := h.orch.RunCycle(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("RunCycle err = %v, want canceled", err)
	}
	done := h.record(t, 901)
	if done.Status != models.StatusSuccessful || done.NotionPropertyID == "" {
		t.Fatalf("in-flight record status=%s page=%q", done.Status, done.NotionPropertyID)
	}
	if len(h.notifier.success) != 1 {
		t.Fatalf("success notifications = %v", h.notifier.success)
	}
	if next := h.record(t, 902); next.Status != models.StatusPending || next.ProcessingAttempts != 0 {
		t.Fatalf("next record status=%s attempts=%d", next.Status, next.ProcessingAttempts)
	}
}

func TestRunCycle_IngestErrorStillProcessesPending(t *testing.T) {
	h := newHarness(t, 3)
	if _, _, err := h.store.CreatePending(raw(500, listingText)); err != nil {
		t.Fatalf("CreatePending: %v", err)
	}
	h.fetcher.err = errors.New("telegram unavailable")

	cycle, err := h.orch.RunCycle(context.Background())
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if cycle.Status != models.CycleFailed || cycle.Successful != 1 {
		t.Fatalf("cycle = %+v", cycle)
	}
}

func TestHandleCommand_PauseResume(t *testing.T) {
	h := newHarness(t, 3, raw(600, listingText))
	ctx := context.Background()

	if err := h.orch.HandleCommand(ctx, &models.Command{Command: models.CmdPause}); err != nil {
		t.Fatalf("pause: %v", err)
	}
	cycle, err := h.orch.RunCycle(ctx)
	if err != nil || cycle != nil {
		t.Fatalf("paused RunCycle = %v, %v", cycle, err)
	}
	if len(h.fetcher.filters) != 0 {
		t.Fatal("fetched while paused")
	}

	if err := h.orch.HandleCommand(ctx, &models.Command{Command: models.CmdResume}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := h.orch.HandleCommand(ctx, &models.Command{Command: models.CmdProcessNow}); err != nil {
		t.Fatalf("process_now: %v", err)
	}
	if rec := h.record(t, 600); rec.Status != models.StatusSuccessful {
		t.Fatalf("status = %s", rec.Status)
	}
}

func TestHandleCommand_RequeueRecord(t *testing.T) {
	h := newHarness(t, 1, raw(700, invalidText))
	ctx := context.Background()
	if _, err := h.orch.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	rec := h.record(t, 700)

	cmd := &models.Command{Command: models.CmdRequeue, Params: []byte(`{"record_id": ` + strconv.FormatInt(rec.ID, 10) + `}`)}
	if err := h.orch.HandleCommand(ctx, cmd); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	rec = h.record(t, 700)
	if rec.Status != models.StatusPending || rec.ProcessingAttempts != 0 {
		t.Fatalf("status=%s attempts=%d", rec.Status, rec.ProcessingAttempts)
	}

	if err := h.orch.HandleCommand(ctx, &models.Command{Command: "reboot"}); err == nil {
		t.Fatal("expected error for unknown command")
	}
}
