package models

import (
	"strings"
	"time"
)

// Unspecified is the sentinel written into fields the source text did not mention.
const Unspecified = "غير محدد"

type Status string

const (
	StatusPending    Status = "قيد المعالجة"
	StatusSuccessful Status = "عقار ناجح"
	StatusFailed     Status = "عقار فاشل"
	StatusDuplicate  Status = "عقار مكرر"
	StatusMultiple   Status = "عقار متعدد"
)

// IsTerminal reports whether no further processing happens for the status
// on its own. FAILED is terminal only at the attempt ceiling, which the
// ledger decides.
func (s Status) IsTerminal() bool {
	return s == StatusSuccessful || s == StatusDuplicate
}

type Classification string

const (
	ClassNew       Classification = "NEW"
	ClassDuplicate Classification = "DUPLICATE"
	ClassMultiple  Classification = "MULTIPLE"
)

// CanTransition encodes the ledger state machine.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusSuccessful || to == StatusFailed || to == StatusDuplicate || to == StatusMultiple
	case StatusMultiple:
		return to == StatusSuccessful || to == StatusFailed || to == StatusPending
	case StatusFailed:
		return to == StatusPending
	}
	return false
}

type PropertyRecord struct {
	ID                 int64    `json:"id" db:"id"`
	SourceMessageID    int64    `json:"source_message_id" db:"telegram_message_id"`
	Serial             int      `json:"serial" db:"serial"`
	Region             string   `json:"region" db:"region"`
	UnitCode           string   `json:"unit_code" db:"unit_code"`
	UnitType           string   `json:"unit_type" db:"unit_type"`
	UnitCondition      string   `json:"unit_condition" db:"unit_condition"`
	Area               string   `json:"area" db:"area"`
	Floor              string   `json:"floor" db:"floor"`
	Price              string   `json:"price" db:"price"`
	Features           string   `json:"features" db:"features"`
	Address            string   `json:"address" db:"address"`
	EmployeeName       string   `json:"employee_name" db:"employee_name"`
	OwnerName          string   `json:"owner_name" db:"owner_name"`
	OwnerPhone         string   `json:"owner_phone" db:"owner_phone"`
	Availability       string   `json:"availability" db:"availability"`
	PhotosStatus       string   `json:"photos_status" db:"photos_status"`
	FullDetails        string   `json:"full_details" db:"full_details"`
	Statement          string   `json:"statement" db:"statement"`
	Status             Status   `json:"status" db:"status"`
	NotionOwnerID      string   `json:"notion_owner_id" db:"notion_owner_id"`
	NotionPropertyID   string   `json:"notion_property_id" db:"notion_property_id"`
	CRMRecordID        string   `json:"crm_record_id" db:"zoho_record_id"`
	ProcessingAttempts int      `json:"processing_attempts" db:"processing_attempts"`
	ErrorMessages      []string `json:"error_messages" db:"error_messages"`
	RawText            string   `json:"raw_text" db:"raw_text"`
	AIExtracted        string   `json:"ai_extracted" db:"ai_extracted"`
	DuplicateSignature string   `json:"duplicate_signature" db:"duplicate_signature"`
	// Classification is the verdict of the latest attempt that got past the
	// classifier. Retries after a partial commit reuse it.
	Classification Classification `json:"classification,omitempty" db:"classification"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// DuplicateSignature builds the duplicate lookup key. Empty parts are kept so
// the key always has six slots.
func DuplicateSignature(ownerPhone, region, unitType, unitCondition, area, floor string) string {
	parts := []string{ownerPhone, region, unitType, unitCondition, area, floor}
	for i, p := range parts {
		parts[i] = NormalizeKey(p)
	}
	return strings.Join(parts, "|")
}

// Signature computes the record's duplicate signature from its current fields.
func (r *PropertyRecord) Signature() string {
	return DuplicateSignature(r.OwnerPhone, r.Region, r.UnitType, r.UnitCondition, r.Area, r.Floor)
}

// Refresh recomputes the derived statement and signature.
func (r *PropertyRecord) Refresh() {
	r.Statement = BuildStatement(r)
	r.DuplicateSignature = r.Signature()
}

func (r *PropertyRecord) AddError(msg string) {
	if msg == "" {
		return
	}
	r.ErrorMessages = append(r.ErrorMessages, msg)
}

func (r *PropertyRecord) LastError() string {
	if len(r.ErrorMessages) == 0 {
		return ""
	}
	return r.ErrorMessages[len(r.ErrorMessages)-1]
}

// Owner is the knowledge-base aggregate keyed by phone.
type Owner struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Phone         string `json:"phone"`
	PropertyCount int    `json:"property_count"`
}

// RawMessage is a channel post as delivered by the messaging collaborator.
type RawMessage struct {
	ID        int64     `json:"id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}
