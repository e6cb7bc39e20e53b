package extraction

import (
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"aqar_pipeline/catalog"
	"aqar_pipeline/models"
)

// GenerateUnitCode renders prefix-conditionCode-z{zone}-{DDMMYY}-serial.
// A serial below 1 becomes 1.
func GenerateUnitCode(cat *catalog.Catalog, region, condition string, date time.Time, serial int) string {
	if serial < 1 {
		serial = 1
	}
	return fmt.Sprintf("%s-%d-z%d-%s-%d",
		cat.UnitCodePrefix,
		cat.ConditionCode(condition),
		cat.Zone(region),
		date.Format("020106"),
		serial,
	)
}

// PostProcess fills defaults, generates the unit code and derives the
// statement. Both the AI and fallback paths end here.
func PostProcess(cat *catalog.Catalog, rec *models.PropertyRecord, rawText string, date time.Time, serial int) {
	for _, f := range models.RequiredFields {
		if strings.TrimSpace(rec.Get(f)) == "" {
			rec.Set(f, models.Unspecified)
		}
	}
	if rec.Availability == "" || rec.Availability == models.Unspecified {
		rec.Availability = cat.Defaults.Availability
	}
	if rec.PhotosStatus == "" || rec.PhotosStatus == models.Unspecified {
		rec.PhotosStatus = cat.Defaults.PhotosStatus
	}
	if rec.FullDetails == "" || rec.FullDetails == models.Unspecified {
		rec.FullDetails = rawText
	}
	rec.Area = normalizeNumber(rec.Area)
	rec.Price = normalizeNumber(rec.Price)
	rec.OwnerPhone = normalizePhone(rec.OwnerPhone)

	rec.Serial = serial
	rec.UnitCode = GenerateUnitCode(cat, rec.Region, rec.UnitCondition, date, serial)
	rec.Refresh()
}

// normalizeNumber strips thousands separators and unit words the model
// sometimes leaves in numeric fields. Non-numeric values pass through.
func normalizeNumber(v string) string {
	if v == models.Unspecified {
		return v
	}
	s := toASCIIDigits(v)
	s = strings.NewReplacer(",", "", "٬", "", "،", "", "جنيه", "", "متر", "", "م2", "").Replace(s)
	s = strings.TrimSpace(s)
	if isNumeric(s) {
		return s
	}
	return strings.TrimSpace(v)
}

func normalizePhone(v string) string {
	if v == models.Unspecified {
		return v
	}
	digits := digitsOnly(toASCIIDigits(v))
	if strings.HasPrefix(digits, "20") && len(digits) == 12 {
		digits = digits[1:]
	}
	if len(digits) == 11 {
		return digits
	}
	return strings.TrimSpace(v)
}

var arabicDigits = strings.NewReplacer(
	"٠", "0", "١", "1", "٢", "2", "٣", "3", "٤", "4",
	"٥", "5", "٦", "6", "٧", "7", "٨", "8", "٩", "9",
	"۰", "0", "۱", "1", "۲", "2", "۳", "3", "۴", "4",
	"۵", "5", "۶", "6", "۷", "7", "۸", "8", "۹", "9",
)

func toASCIIDigits(s string) string {
	return arabicDigits.Replace(s)
}

func digitsOnly(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	dot := false
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r == '.' && !dot && i > 0 && i < len(s)-1:
			dot = true
		default:
			return false
		}
	}
	return true
}

// CleanText reduces HTML-formatted posts to plain text and folds runs of
// blank space, keeping line breaks.
func CleanText(raw string) string {
	text := raw
	if strings.Contains(raw, "<") && strings.Contains(raw, ">") {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(strings.ReplaceAll(raw, "\n", "<br>")))
		if err == nil {
			doc.Find("br").ReplaceWithHtml("\n")
			text = doc.Text()
		}
	}

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
