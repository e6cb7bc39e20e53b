package services

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"sort"
	"strings"
	"time"

	"aqar_pipeline/catalog"
	"aqar_pipeline/models"
	"aqar_pipeline/notion"
)

// Messenger is the channel side of notifications.
type Messenger interface {
	Notify(ctx context.Context, text string) error
	EditMessage(ctx context.Context, messageID int64, text string) error
	TagMessage(ctx context.Context, messageID int64, tag, text string) error
	ArchiveMessage(ctx context.Context, text string, originalID int64) error
}

var icons = map[string]string{
	"عقار جديد":                     "🆕",
	string(models.StatusDuplicate):  "🔄",
	string(models.StatusMultiple):   "📊",
	string(models.StatusSuccessful): "✅",
	string(models.StatusFailed):     "❌",
}

// Notifier formats and sends the per-record messages. Send failures are
// logged and never change a record's status.
type Notifier struct {
	messenger Messenger
	tags      catalog.Tags
	now       func() time.Time
	logger    *slog.Logger
}

func NewNotifier(messenger Messenger, tags catalog.Tags, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{messenger: messenger, tags: tags, now: time.Now, logger: logger.With("component", "notifier")}
}

// Success notifies, replaces the origin post with the success message and
// archives the original text.
func (n *Notifier) Success(ctx context.Context, rec *models.PropertyRecord, class models.Classification) {
	label := "عقار جديد"
	if class == models.ClassMultiple {
		label = string(models.StatusMultiple)
	}
	n.notify(ctx, rec, n.FormatNotification(rec, label, ""))
	n.edit(ctx, rec, n.FormatSuccess(rec))
	if err := n.messenger.ArchiveMessage(ctx, rec.RawText, rec.SourceMessageID); err != nil {
		n.logger.Warn("archive failed", "record_id", rec.ID, "message_id", rec.SourceMessageID, "error", err)
	}
}

// Duplicate notifies with a link to the earlier listing and tags the origin post.
func (n *Notifier) Duplicate(ctx context.Context, rec *models.PropertyRecord, match string) {
	n.notify(ctx, rec, n.FormatNotification(rec, string(models.StatusDuplicate), LinkFor(match)))
	if err := n.messenger.TagMessage(ctx, rec.SourceMessageID, n.tags.Duplicate, rec.RawText); err != nil {
		n.logger.Warn("tag failed", "record_id", rec.ID, "message_id", rec.SourceMessageID, "error", err)
	}
}

// Failed replaces the origin post with the failure message listing problems.
func (n *Notifier) Failed(ctx context.Context, rec *models.PropertyRecord, problems []string) {
	n.notify(ctx, rec, n.FormatNotification(rec, string(models.StatusFailed), "")+formatProblems(problems))
	n.edit(ctx, rec, n.FormatFailed(rec))
}

// Report sends a free-form message such as the daily report.
func (n *Notifier) Report(ctx context.Context, text string) error {
	return n.messenger.Notify(ctx, text)
}

func (n *Notifier) notify(ctx context.Context, rec *models.PropertyRecord, text string) {
	if err := n.messenger.Notify(ctx, text); err != nil {
		n.logger.Warn("notification failed", "record_id", rec.ID, "error", err)
	}
}

func (n *Notifier) edit(ctx context.Context, rec *models.PropertyRecord, text string) {
	if rec.SourceMessageID == 0 {
		return
	}
	if err := n.messenger.EditMessage(ctx, rec.SourceMessageID, text); err != nil {
		n.logger.Warn("edit origin failed", "record_id", rec.ID, "message_id", rec.SourceMessageID, "error", err)
	}
}

// LinkFor turns a match id into a browsable link. Ledger-only matches have none.
func LinkFor(match string) string {
	if match == "" || strings.HasPrefix(match, "record-") {
		return ""
	}
	return notion.PageURL(match)
}

func (n *Notifier) FormatNotification(rec *models.PropertyRecord, label, similarLink string) string {
	icon, ok := icons[label]
	if !ok {
		icon = "🏠"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s <b>%s</b>\n\n", icon, html.EscapeString(label))
	fmt.Fprintf(&sb, "📋 <b>البيان:</b> %s\n", orUnspecified(rec.Statement))
	fmt.Fprintf(&sb, "🏘️ <b>المنطقة:</b> %s\n", orUnspecified(rec.Region))
	fmt.Fprintf(&sb, "🏠 <b>نوع الوحدة:</b> %s\n", orUnspecified(rec.UnitType))
	fmt.Fprintf(&sb, "📐 <b>المساحة:</b> %s متر\n", orUnspecified(rec.Area))
	fmt.Fprintf(&sb, "💰 <b>السعر:</b> %s جنيه\n", orUnspecified(rec.Price))
	fmt.Fprintf(&sb, "👤 <b>المالك:</b> %s\n", orUnspecified(rec.OwnerName))
	fmt.Fprintf(&sb, "📱 <b>رقم المالك:</b> %s\n", orUnspecified(rec.OwnerPhone))
	if similarLink != "" {
		fmt.Fprintf(&sb, "\n🔗 <b>العقار المشابه:</b> %s", similarLink)
	}
	fmt.Fprintf(&sb, "\n\n⏰ <b>وقت المعالجة:</b> %s", n.now().Format("2006-01-02 15:04:05"))
	if rec.NotionPropertyID != "" {
		fmt.Fprintf(&sb, "\n🔗 <b>رابط Notion:</b> %s", notion.PageURL(rec.NotionPropertyID))
	}
	return sb.String()
}

// FormatSuccess is the replacement text of a successfully processed post:
// the tag, the statement and the knowledge-base link when there is one.
func (n *Notifier) FormatSuccess(rec *models.PropertyRecord) string {
	text := n.tags.Success + "\n\n" + html.EscapeString(rec.Statement)
	if rec.NotionPropertyID != "" {
		text += "\n\n🔗 <b>رابط Notion:</b> " + notion.PageURL(rec.NotionPropertyID)
	}
	return text
}

// FormatFailed lists what could be read, one bracketed line per field, then
// the full text.
func (n *Notifier) FormatFailed(rec *models.PropertyRecord) string {
	var sb strings.Builder
	sb.WriteString(n.tags.Failed)
	sb.WriteString("\n\n")
	for _, line := range strings.Split(rec.Statement, " | ") {
		if line = strings.TrimSpace(line); line != "" {
			fmt.Fprintf(&sb, "[%s]\n", html.EscapeString(line))
		}
	}
	details := rec.FullDetails
	if details == "" {
		details = rec.RawText
	}
	fmt.Fprintf(&sb, "\n[%s: %s]", models.FieldFullDetails, orUnspecified(details))
	return sb.String()
}

// FormatDailyReport renders the day summary.
func FormatDailyReport(r models.DailyReport) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 <b>التقرير اليومي %s</b>\n\n", r.Date.Format("2006-01-02"))
	fmt.Fprintf(&sb, "إجمالي العقارات: %d\n", r.Total)

	statuses := []models.Status{
		models.StatusSuccessful, models.StatusDuplicate, models.StatusFailed,
		models.StatusMultiple, models.StatusPending,
	}
	sb.WriteString("\n<b>حسب الحالة:</b>\n")
	for _, s := range statuses {
		if c := r.ByStatus[s]; c > 0 {
			fmt.Fprintf(&sb, "%s %s: %d\n", icons[string(s)], s, c)
		}
	}
	writeCounts(&sb, "حسب الموظف", r.ByEmployee)
	writeCounts(&sb, "حسب المنطقة", r.ByRegion)
	return sb.String()
}

func writeCounts(sb *strings.Builder, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	fmt.Fprintf(sb, "\n<b>%s:</b>\n", title)
	for _, k := range keys {
		fmt.Fprintf(sb, "• %s: %d\n", html.EscapeString(k), counts[k])
	}
}

func formatProblems(problems []string) string {
	if len(problems) == 0 {
		return ""
	}
	return "\n\n⚠️ <b>المشاكل:</b>\n• " + html.EscapeString(strings.Join(problems, "\n• "))
}

func orUnspecified(v string) string {
	if strings.TrimSpace(v) == "" {
		return models.Unspecified
	}
	return html.EscapeString(v)
}
