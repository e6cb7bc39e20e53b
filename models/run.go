package models

import "time"

type CycleStatus string

const (
	CycleRunning   CycleStatus = "running"
	CycleCompleted CycleStatus = "completed"
	CycleFailed    CycleStatus = "failed"
)

// ProcessingCycle is one pass of the polling loop.
type ProcessingCycle struct {
	ID          string      `json:"id" db:"id"`
	StartedAt   time.Time   `json:"started_at" db:"started_at"`
	FinishedAt  *time.Time  `json:"finished_at" db:"finished_at"`
	Status      CycleStatus `json:"status" db:"status"`
	Ingested    int         `json:"ingested" db:"ingested"`
	Requeued    int         `json:"requeued" db:"requeued"`
	Total       int         `json:"total" db:"total"`
	Successful  int         `json:"successful" db:"successful"`
	Failed      int         `json:"failed" db:"failed"`
	Duplicate   int         `json:"duplicate" db:"duplicate"`
	Multiple    int         `json:"multiple" db:"multiple"`
	ErrorsCount int         `json:"errors_count" db:"errors_count"`
}

// Record tallies one processed record into the cycle counters.
func (c *ProcessingCycle) Record(final Status, class Classification) {
	c.Total++
	switch final {
	case StatusSuccessful:
		c.Successful++
		if class == ClassMultiple {
			c.Multiple++
		}
	case StatusDuplicate:
		c.Duplicate++
	case StatusFailed:
		c.Failed++
	}
}

// LedgerStats summarizes the ledger for reports and the status API.
type LedgerStats struct {
	Total    int            `json:"total"`
	Today    int            `json:"today"`
	ByStatus map[Status]int `json:"by_status"`
}

// DailyReport groups one day's records for the scheduled summary.
type DailyReport struct {
	Date       time.Time      `json:"date"`
	Total      int            `json:"total"`
	ByStatus   map[Status]int `json:"by_status"`
	ByEmployee map[string]int `json:"by_employee"`
	ByRegion   map[string]int `json:"by_region"`
}
