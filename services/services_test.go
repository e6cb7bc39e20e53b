package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"aqar_pipeline/catalog"
	"aqar_pipeline/config"
	"aqar_pipeline/models"
)

func scenarioRecord() *models.PropertyRecord {
	rec := &models.PropertyRecord{
		ID:              1,
		SourceMessageID: 100,
		Region:          "احياء تجمع",
		UnitType:        "شقة",
		UnitCondition:   "مفروش",
		Area:            "120",
		Floor:           "الثالث",
		Price:           "25000",
		OwnerName:       "أحمد محمود",
		OwnerPhone:      "01111111111",
		UnitCode:        "AQ-1-z5-150326-1",
		RawText:         "شقة مفروشة في احياء تجمع",
	}
	rec.Refresh()
	return rec
}

type fakeLookup struct {
	bySignature map[string]string
	byPhone     map[string]string
	err         error
	calls       int
}

func (f *fakeLookup) FindBySignature(_ context.Context, sig string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.bySignature[sig], nil
}

func (f *fakeLookup) FindByOwnerPhone(_ context.Context, phone string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.byPhone[phone], nil
}

func TestClassify(t *testing.T) {
	rec := scenarioRecord()
	other := scenarioRecord()
	other.Set(models.FieldArea, "200")
	other.Set(models.FieldFloor, "الأول")

	tests := []struct {
		name      string
		lookup    *fakeLookup
		rec       *models.PropertyRecord
		wantClass models.Classification
		wantMatch string
	}{
		{"new on empty knowledge base", &fakeLookup{}, rec, models.ClassNew, ""},
		{"duplicate on equal signature", &fakeLookup{
			bySignature: map[string]string{rec.DuplicateSignature: "page-1"},
			byPhone:     map[string]string{rec.OwnerPhone: "page-1"},
		}, rec, models.ClassDuplicate, "page-1"},
		{"multiple on same phone", &fakeLookup{
			bySignature: map[string]string{rec.DuplicateSignature: "page-1"},
			byPhone:     map[string]string{rec.OwnerPhone: "page-1"},
		}, other, models.ClassMultiple, "page-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClassifier(tt.lookup, config.FailOpen, nil)
			for i := 0; i < 2; i++ {
				got, err := c.Classify(context.Background(), tt.rec)
				if err != nil {
					t.Fatalf("Classify: %v", err)
				}
				if got.Class != tt.wantClass || got.Match != tt.wantMatch {
					t.Fatalf("run %d: got %+v, want %s %q", i, got, tt.wantClass, tt.wantMatch)
				}
			}
		})
	}
}

func TestClassify_SignatureIgnoresCaseAndSpace(t *testing.T) {
	rec := scenarioRecord()
	lookup := &fakeLookup{bySignature: map[string]string{rec.DuplicateSignature: "page-1"}}
	variant := scenarioRecord()
	variant.Set(models.FieldRegion, "  احياء   تجمع ")

	got, err := NewClassifier(lookup, config.FailOpen, nil).Classify(context.Background(), variant)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Class != models.ClassDuplicate {
		t.Fatalf("class = %s, want DUPLICATE", got.Class)
	}
}

func TestClassify_FailPolicy(t *testing.T) {
	lookup := &fakeLookup{err: errors.New("notion down")}

	got, err := NewClassifier(lookup, config.FailOpen, nil).Classify(context.Background(), scenarioRecord())
	if err != nil {
		t.Fatalf("open policy returned error: %v", err)
	}
	if got.Class != models.ClassNew || !errors.Is(got.Degraded, ErrClassificationUnavailable) {
		t.Fatalf("open policy = %+v", got)
	}

	_, err = NewClassifier(lookup, config.FailClosed, nil).Classify(context.Background(), scenarioRecord())
	if !errors.Is(err, ErrClassificationUnavailable) {
		t.Fatalf("closed policy err = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err = NewClassifier(lookup, config.FailOpen, nil).Classify(ctx, scenarioRecord())
	if !errors.Is(err, context.Canceled) || got.Class != "" {
		t.Fatalf("cancelled lookup = %+v, %v; want error", got, err)
	}
}

type fakeKB struct {
	owners     map[string]string
	properties []string
	created    int
	failCreate error
	counts     int
	// noIDs makes the create calls succeed without an id.
	noIDs          bool
	propertyOwners []string
}

func (f *fakeKB) SearchOwner(_ context.Context, phone string) (string, error) {
	return f.owners[phone], nil
}

func (f *fakeKB) CreateOwner(_ context.Context, _, phone string) (string, error) {
	if f.owners == nil {
		f.owners = map[string]string{}
	}
	f.created++
	if f.noIDs {
		return "", nil
	}
	id := "owner-" + phone
	f.owners[phone] = id
	return id, nil
}

func (f *fakeKB) CreateProperty(_ context.Context, rec *models.PropertyRecord, ownerID string) (string, error) {
	if f.failCreate != nil {
		return "", f.failCreate
	}
	f.propertyOwners = append(f.propertyOwners, ownerID)
	if f.noIDs {
		return "", nil
	}
	id := "page-" + rec.UnitCode
	f.properties = append(f.properties, id)
	return id, nil
}

func (f *fakeKB) UpdateOwnerCount(_ context.Context, _ string) (int, error) {
	f.counts++
	return len(f.properties), nil
}

type fakeCRM struct {
	enabled  bool
	existing map[string]interface{}
	created  []map[string]interface{}
	merged   int
	fail     error
}

func (f *fakeCRM) Enabled() bool { return f.enabled }

func (f *fakeCRM) CreateRecord(_ context.Context, data map[string]interface{}) (string, error) {
	if f.fail != nil {
		return "", f.fail
	}
	f.created = append(f.created, data)
	return "zoho-new", nil
}

func (f *fakeCRM) SearchRecord(_ context.Context, _, _ string) (map[string]interface{}, error) {
	return f.existing, nil
}

func (f *fakeCRM) MergeRecord(_ context.Context, existing map[string]interface{}, _ *models.PropertyRecord) (string, error) {
	f.merged++
	return existing["id"].(string), nil
}

func TestCommit_New(t *testing.T) {
	kb := &fakeKB{}
	crmClient := &fakeCRM{enabled: true}
	rec := scenarioRecord()

	res, err := NewCoordinator(kb, crmClient, nil).Commit(context.Background(), rec, models.ClassNew)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !res.Success || kb.created != 1 || len(kb.properties) != 1 || len(crmClient.created) != 1 {
		t.Fatalf("res=%+v owners=%d properties=%d crm=%d", res, kb.created, len(kb.properties), len(crmClient.created))
	}
	if rec.NotionOwnerID != "owner-01111111111" || rec.NotionPropertyID == "" || rec.CRMRecordID != "zoho-new" {
		t.Fatalf("ids not stored: %+v", rec)
	}
	if kb.counts != 1 {
		t.Fatalf("owner count updates = %d", kb.counts)
	}
}

func TestCommit_Duplicate(t *testing.T) {
	kb := &fakeKB{}
	crmClient := &fakeCRM{enabled: true}
	res, err := NewCoordinator(kb, crmClient, nil).Commit(context.Background(), scenarioRecord(), models.ClassDuplicate)
	if err != nil || !res.Success {
		t.Fatalf("Commit = %+v, %v", res, err)
	}
	if kb.created != 0 || len(kb.properties) != 0 || len(crmClient.created) != 0 {
		t.Fatal("duplicate must not write")
	}
}

func TestCommit_MultipleReusesOwnerAndMerges(t *testing.T) {
	kb := &fakeKB{owners: map[string]string{"01111111111": "owner-existing"}}
	crmClient := &fakeCRM{enabled: true, existing: map[string]interface{}{"id": "zoho-1"}}
	rec := scenarioRecord()

	res, err := NewCoordinator(kb, crmClient, nil).Commit(context.Background(), rec, models.ClassMultiple)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if kb.created != 0 || res.OwnerID != "owner-existing" {
		t.Fatalf("owner not reused: created=%d res=%+v", kb.created, res)
	}
	if len(kb.properties) != 1 {
		t.Fatalf("properties = %d", len(kb.properties))
	}
	if crmClient.merged != 1 || len(crmClient.created) != 0 || res.CRMID != "zoho-1" {
		t.Fatalf("merged=%d created=%d res=%+v", crmClient.merged, len(crmClient.created), res)
	}
}

func TestCommit_MultipleCreatesWhenCRMHasNone(t *testing.T) {
	kb := &fakeKB{owners: map[string]string{"01111111111": "owner-existing"}}
	crmClient := &fakeCRM{enabled: true}
	if _, err := NewCoordinator(kb, crmClient, nil).Commit(context.Background(), scenarioRecord(), models.ClassMultiple); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(crmClient.created) != 1 {
		t.Fatalf("crm created = %d", len(crmClient.created))
	}
}

func TestCommit_CRMFailureThenRetryReusesIDs(t *testing.T) {
	kb := &fakeKB{}
	crmClient := &fakeCRM{enabled: true, fail: errors.New("zoho 500")}
	c := NewCoordinator(kb, crmClient, nil)
	rec := scenarioRecord()

	res, err := c.Commit(context.Background(), rec, models.ClassNew)
	var cerr *CommitError
	if !errors.As(err, &cerr) || cerr.Target != "crm" {
		t.Fatalf("err = %v, want crm CommitError", err)
	}
	if res.Success || len(res.Errors) != 1 || res.PropertyID == "" {
		t.Fatalf("res = %+v", res)
	}

	crmClient.fail = nil
	if _, err := c.Commit(context.Background(), rec, models.ClassNew); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if kb.created != 1 || len(kb.properties) != 1 {
		t.Fatalf("retry duplicated knowledge-base writes: owners=%d properties=%d", kb.created, len(kb.properties))
	}
	if rec.CRMRecordID != "zoho-new" {
		t.Fatalf("CRMRecordID = %q", rec.CRMRecordID)
	}
}

func TestCommit_MissingIDFails(t *testing.T) {
	kb := &fakeKB{noIDs: true}
	crmClient := &fakeCRM{enabled: true}
	rec := scenarioRecord()

	res, err := NewCoordinator(kb, crmClient, nil).Commit(context.Background(), rec, models.ClassNew)
	if !errors.Is(err, ErrNoID) || res.Success {
		t.Fatalf("Commit = %+v, %v; want ErrNoID", res, err)
	}
	if len(kb.propertyOwners) != 0 {
		t.Fatalf("property created without owner: %q", kb.propertyOwners)
	}
	if rec.NotionOwnerID != "" || len(crmClient.created) != 0 {
		t.Fatalf("writes continued: owner=%q crm=%d", rec.NotionOwnerID, len(crmClient.created))
	}

	// Owner known, property create returns no id.
	kb = &fakeKB{noIDs: true, owners: map[string]string{"01111111111": "owner-1"}}
	rec = scenarioRecord()
	_, err = NewCoordinator(kb, nil, nil).Commit(context.Background(), rec, models.ClassNew)
	if !errors.Is(err, ErrNoID) || rec.NotionPropertyID != "" {
		t.Fatalf("Commit err = %v property = %q", err, rec.NotionPropertyID)
	}
	if len(kb.propertyOwners) != 1 || kb.propertyOwners[0] != "owner-1" {
		t.Fatalf("property owners = %q", kb.propertyOwners)
	}
}

func TestCommit_DisabledCRMSkipped(t *testing.T) {
	crmClient := &fakeCRM{enabled: false}
	res, err := NewCoordinator(&fakeKB{}, crmClient, nil).Commit(context.Background(), scenarioRecord(), models.ClassNew)
	if err != nil || !res.Success || res.CRMID != "" {
		t.Fatalf("Commit = %+v, %v", res, err)
	}
}

func TestCommit_KnowledgeBaseFailure(t *testing.T) {
	kb := &fakeKB{failCreate: errors.New("notion 400")}
	crmClient := &fakeCRM{enabled: true}
	_, err := NewCoordinator(kb, crmClient, nil).Commit(context.Background(), scenarioRecord(), models.ClassNew)
	var cerr *CommitError
	if !errors.As(err, &cerr) || cerr.Target != "knowledge base" {
		t.Fatalf("err = %v", err)
	}
	if len(crmClient.created) != 0 {
		t.Fatal("crm written after knowledge-base failure")
	}
}

type fakeMessenger struct {
	notified []string
	edits    map[int64]string
	tags     []string
	archived []string
	err      error
}

func (f *fakeMessenger) Notify(_ context.Context, text string) error {
	f.notified = append(f.notified, text)
	return f.err
}

func (f *fakeMessenger) EditMessage(_ context.Context, id int64, text string) error {
	if f.edits == nil {
		f.edits = map[int64]string{}
	}
	f.edits[id] = text
	return f.err
}

func (f *fakeMessenger) TagMessage(_ context.Context, _ int64, tag, text string) error {
	f.tags = append(f.tags, tag+"\n\n"+text)
	return f.err
}

func (f *fakeMessenger) ArchiveMessage(_ context.Context, text string, _ int64) error {
	f.archived = append(f.archived, text)
	return f.err
}

func testTags(t *testing.T) catalog.Tags {
	t.Helper()
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return cat.Tags
}

func TestNotifier_Success(t *testing.T) {
	m := &fakeMessenger{}
	n := NewNotifier(m, testTags(t), nil)
	rec := scenarioRecord()
	rec.NotionPropertyID = "abc-123"

	n.Success(context.Background(), rec, models.ClassNew)

	if len(m.notified) != 1 || !strings.HasPrefix(m.notified[0], "🆕 <b>عقار جديد</b>") {
		t.Fatalf("notified = %v", m.notified)
	}
	if !strings.Contains(m.notified[0], "https://www.notion.so/abc123") {
		t.Fatalf("notification missing notion link: %s", m.notified[0])
	}
	if !strings.HasPrefix(m.edits[100], "عقار ناجح ✅\n\n") || !strings.HasSuffix(m.edits[100], "https://www.notion.so/abc123") {
		t.Fatalf("edit = %q", m.edits[100])
	}

	rec.NotionPropertyID = ""
	if got := n.FormatSuccess(rec); strings.Contains(got, "notion.so") {
		t.Fatalf("link without a page: %q", got)
	}
	if len(m.archived) != 1 || m.archived[0] != rec.RawText {
		t.Fatalf("archived = %v", m.archived)
	}
}

func TestNotifier_DuplicateAndFailed(t *testing.T) {
	m := &fakeMessenger{err: errors.New("telegram down")}
	n := NewNotifier(m, testTags(t), nil)
	rec := scenarioRecord()

	n.Duplicate(context.Background(), rec, "page-9")
	if !strings.Contains(m.notified[0], "🔗 <b>العقار المشابه:</b> https://www.notion.so/page9") {
		t.Fatalf("duplicate notification = %s", m.notified[0])
	}
	if !strings.HasPrefix(m.tags[0], "عقار مكرر 🔄\n\n") {
		t.Fatalf("tag = %q", m.tags[0])
	}

	n.Failed(context.Background(), rec, []string{"رقم المالك (تنسيق غير صحيح)"})
	failed := m.edits[100]
	if !strings.HasPrefix(failed, "عقار فاشل ❌\n\n[نوع الوحدة: شقة]\n") {
		t.Fatalf("failed edit = %q", failed)
	}
	if !strings.HasSuffix(failed, "[تفاصيل كاملة: "+rec.RawText+"]") {
		t.Fatalf("failed edit missing details: %q", failed)
	}
	if !strings.Contains(m.notified[1], "رقم المالك (تنسيق غير صحيح)") {
		t.Fatalf("failure notification = %s", m.notified[1])
	}
}

func TestLinkFor(t *testing.T) {
	if LinkFor("record-4") != "" {
		t.Fatal("ledger match should have no link")
	}
	if LinkFor("") != "" {
		t.Fatal("empty match should have no link")
	}
}

func TestFormatDailyReport(t *testing.T) {
	out := FormatDailyReport(models.DailyReport{
		Total:      3,
		ByStatus:   map[models.Status]int{models.StatusSuccessful: 2, models.StatusFailed: 1},
		ByEmployee: map[string]int{"يوسف": 2, "عماد": 1},
	})
	if !strings.Contains(out, "إجمالي العقارات: 3") || !strings.Contains(out, "✅ عقار ناجح: 2") {
		t.Fatalf("report = %s", out)
	}
	if strings.Index(out, "يوسف") > strings.Index(out, "عماد") {
		t.Fatalf("employees not sorted by count: %s", out)
	}
}
