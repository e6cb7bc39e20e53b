package models

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Field names the listing attributes by their display key. The display key is
// also the key used in extraction prompts and knowledge-base properties.
type Field string

const (
	FieldStatement     Field = "البيان"
	FieldRegion        Field = "المنطقة"
	FieldUnitCode      Field = "كود الوحدة"
	FieldUnitType      Field = "نوع الوحدة"
	FieldUnitCondition Field = "حالة الوحدة"
	FieldArea          Field = "المساحة"
	FieldFloor         Field = "الدور"
	FieldPrice         Field = "السعر"
	FieldFeatures      Field = "المميزات"
	FieldAddress       Field = "العنوان"
	FieldEmployeeName  Field = "اسم الموظف"
	FieldOwnerName     Field = "اسم المالك"
	FieldOwnerPhone    Field = "رقم المالك"
	FieldAvailability  Field = "اتاحة العقار"
	FieldPhotosStatus  Field = "حالة الصور"
	FieldFullDetails   Field = "تفاصيل كاملة"
)

// AllFields lists the listing fields in schema order.
var AllFields = []Field{
	FieldStatement, FieldRegion, FieldUnitCode, FieldUnitType, FieldUnitCondition,
	FieldArea, FieldFloor, FieldPrice, FieldFeatures, FieldAddress, FieldEmployeeName,
	FieldOwnerName, FieldOwnerPhone, FieldAvailability, FieldPhotosStatus, FieldFullDetails,
}

// MandatoryExtractionFields must be present in any AI response for it to count.
var MandatoryExtractionFields = []Field{FieldRegion, FieldUnitType, FieldUnitCondition}

// RequiredFields must hold a real value before a record can be committed.
var RequiredFields = []Field{
	FieldRegion, FieldUnitType, FieldUnitCondition, FieldArea,
	FieldFloor, FieldPrice, FieldOwnerName, FieldOwnerPhone,
}

// StatementFields is the fixed order of the derived statement.
var StatementFields = []Field{
	FieldUnitType, FieldUnitCondition, FieldRegion, FieldArea, FieldFloor,
	FieldPrice, FieldUnitCode, FieldEmployeeName, FieldPhotosStatus,
}

func (f Field) Valid() bool {
	for _, known := range AllFields {
		if f == known {
			return true
		}
	}
	return false
}

func (r *PropertyRecord) Get(f Field) string {
	switch f {
	case FieldStatement:
		return r.Statement
	case FieldRegion:
		return r.Region
	case FieldUnitCode:
		return r.UnitCode
	case FieldUnitType:
		return r.UnitType
	case FieldUnitCondition:
		return r.UnitCondition
	case FieldArea:
		return r.Area
	case FieldFloor:
		return r.Floor
	case FieldPrice:
		return r.Price
	case FieldFeatures:
		return r.Features
	case FieldAddress:
		return r.Address
	case FieldEmployeeName:
		return r.EmployeeName
	case FieldOwnerName:
		return r.OwnerName
	case FieldOwnerPhone:
		return r.OwnerPhone
	case FieldAvailability:
		return r.Availability
	case FieldPhotosStatus:
		return r.PhotosStatus
	case FieldFullDetails:
		return r.FullDetails
	}
	return ""
}

// Set assigns a field and keeps the derived signature current.
func (r *PropertyRecord) Set(f Field, v string) {
	v = strings.TrimSpace(v)
	switch f {
	case FieldStatement:
		r.Statement = v
	case FieldRegion:
		r.Region = v
	case FieldUnitCode:
		r.UnitCode = v
	case FieldUnitType:
		r.UnitType = v
	case FieldUnitCondition:
		r.UnitCondition = v
	case FieldArea:
		r.Area = v
	case FieldFloor:
		r.Floor = v
	case FieldPrice:
		r.Price = v
	case FieldFeatures:
		r.Features = v
	case FieldAddress:
		r.Address = v
	case FieldEmployeeName:
		r.EmployeeName = v
	case FieldOwnerName:
		r.OwnerName = v
	case FieldOwnerPhone:
		r.OwnerPhone = v
	case FieldAvailability:
		r.Availability = v
	case FieldPhotosStatus:
		r.PhotosStatus = v
	case FieldFullDetails:
		r.FullDetails = v
	default:
		return
	}
	r.DuplicateSignature = r.Signature()
}

// Fields returns the generic field mapping of the record, omitting empty values.
func (r *PropertyRecord) Fields() map[string]string {
	out := make(map[string]string, len(AllFields))
	for _, f := range AllFields {
		if v := r.Get(f); v != "" {
			out[string(f)] = v
		}
	}
	return out
}

// FromFields builds a record from a generic field mapping. Unknown keys are ignored.
func FromFields(m map[string]string) *PropertyRecord {
	r := &PropertyRecord{}
	for k, v := range m {
		if f := Field(strings.TrimSpace(k)); f.Valid() {
			r.Set(f, v)
		}
	}
	return r
}

// BuildStatement joins the non-empty statement fields as "key: value" pairs.
func BuildStatement(r *PropertyRecord) string {
	var parts []string
	for _, f := range StatementFields {
		v := strings.TrimSpace(r.Get(f))
		if v == "" {
			continue
		}
		parts = append(parts, string(f)+": "+v)
	}
	return strings.Join(parts, " | ")
}

// NormalizeKey trims, NFKC-normalizes and case-folds a value used in lookup keys.
func NormalizeKey(s string) string {
	s = norm.NFKC.String(strings.TrimSpace(s))
	return strings.Join(strings.Fields(cases.Fold().String(s)), " ")
}
