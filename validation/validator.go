// Package validation checks that an extracted record is complete enough to be
// committed to the knowledge base and CRM.
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"aqar_pipeline/models"
)

var (
	numericPattern = regexp.MustCompile(`^\d+(\.\d+)?$`)
	phonePattern   = regexp.MustCompile(`^01\d{9}$`)
	nonDigits      = regexp.MustCompile(`\D`)
)

// ValidationError carries every problem found on a record.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("حقول ناقصة أو غير صحيحة: %s", strings.Join(e.Problems, "، "))
}

// Validate accumulates problems instead of stopping at the first one.
func Validate(rec *models.PropertyRecord) (bool, []string) {
	var problems []string

	for _, f := range models.RequiredFields {
		if v := strings.TrimSpace(rec.Get(f)); v == "" || v == models.Unspecified {
			problems = append(problems, string(f))
		}
	}

	for _, f := range []models.Field{models.FieldArea, models.FieldPrice} {
		v := strings.TrimSpace(rec.Get(f))
		if v == "" || v == models.Unspecified {
			continue
		}
		if !numericPattern.MatchString(v) {
			problems = append(problems, fmt.Sprintf("%s (يجب أن يكون رقم)", f))
		}
	}

	if !phonePattern.MatchString(nonDigits.ReplaceAllString(rec.OwnerPhone, "")) {
		problems = append(problems, fmt.Sprintf("%s (تنسيق غير صحيح)", models.FieldOwnerPhone))
	}

	return len(problems) == 0, problems
}

// Check is Validate returning a *ValidationError when the record is invalid.
func Check(rec *models.PropertyRecord) error {
	if ok, problems := Validate(rec); !ok {
		return &ValidationError{Problems: problems}
	}
	return nil
}
