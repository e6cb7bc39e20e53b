package extraction

import (
	"regexp"
	"strings"

	"aqar_pipeline/catalog"
	"aqar_pipeline/models"
)

var (
	phonePattern    = regexp.MustCompile(`(?:^|\D)(?:\+?20|0020)?(01\d{9})(?:\D|$)`)
	phoneSeparators = regexp.MustCompile(`(\d)[\s\-.]+(\d)`)
	pricePattern    = regexp.MustCompile(`(\d{1,3}(?:,\d{3})+|\d+(?:\.\d+)?)\s*(?:ألف\s*|الف\s*)?(?:جنيه|جنية|ج\.م|ج م)`)
	thousandPattern = regexp.MustCompile(`(?:ألف|الف)\s*(?:جنيه|جنية|ج\.م|ج م)`)
	areaPattern     = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:متر|مت|م2|م²|م)(?:[^\p{L}]|$)`)
	ownerPattern    = regexp.MustCompile(`(?:اسم المالك|المالك|مالك)\s*[:：\-]?\s*([\p{L} ]{2,40})`)
)

// Fallback extracts a best-effort record with keyword tables and patterns.
// Fields it cannot find stay empty for PostProcess to default.
func Fallback(cat *catalog.Catalog, text string) *models.PropertyRecord {
	t := toASCIIDigits(text)
	rec := &models.PropertyRecord{}

	rec.OwnerPhone = findPhone(t)
	rec.Price = findPrice(t)
	if m := areaPattern.FindStringSubmatch(t); m != nil {
		rec.Area = m[1]
	}

	rec.Region = cat.MatchRegion(t)
	rest := catalog.WithoutRegion(t, rec.Region)
	rec.UnitType = cat.MatchUnitType(rest)
	rec.UnitCondition = cat.MatchCondition(t)
	rec.Floor = cat.MatchFloor(rest)
	rec.EmployeeName = cat.MatchEmployee(t)
	rec.Features = strings.Join(cat.MatchFeatures(t), ", ")

	if m := ownerPattern.FindStringSubmatch(t); m != nil {
		rec.OwnerName = ownerName(m[1])
	}

	switch norm := catalog.Normalize(t); {
	case strings.Contains(norm, "محجوز"):
		rec.Availability = "محجوز"
	case strings.Contains(norm, "غير متاح"):
		rec.Availability = "غير متاح"
	}

	if strings.Contains(t, "بدون صور") {
		rec.PhotosStatus = "بدون صور"
	} else if strings.Contains(t, "بصور") || strings.Contains(t, "صور") {
		rec.PhotosStatus = "بصور"
	}

	rec.FullDetails = text
	return rec
}

func findPhone(t string) string {
	if m := phonePattern.FindStringSubmatch(t); m != nil {
		return m[1]
	}
	collapsed := t
	for {
		next := phoneSeparators.ReplaceAllString(collapsed, "$1$2")
		if next == collapsed {
			break
		}
		collapsed = next
	}
	if m := phonePattern.FindStringSubmatch(collapsed); m != nil {
		return m[1]
	}
	return ""
}

func findPrice(t string) string {
	m := pricePattern.FindStringSubmatch(t)
	if m == nil {
		return ""
	}
	price := strings.ReplaceAll(m[1], ",", "")
	if thousandPattern.MatchString(m[0]) && !strings.Contains(price, ".") {
		price += "000"
	}
	return price
}

// ownerName keeps at most three words and stops at the first phone-like or
// keyword token.
func ownerName(s string) string {
	words := strings.Fields(s)
	var out []string
	for _, w := range words {
		if w == "رقم" || w == "تليفون" || w == "موبايل" || w == "هاتف" {
			break
		}
		out = append(out, w)
		if len(out) == 3 {
			break
		}
	}
	return strings.Join(out, " ")
}
