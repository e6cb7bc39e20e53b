package models

import "time"

type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Stage names the pipeline step a processing log entry belongs to.
type Stage string

const (
	StageIngest   Stage = "ingest"
	StageExtract  Stage = "extract"
	StageValidate Stage = "validate"
	StageClassify Stage = "classify"
	StageCommit   Stage = "commit"
	StageNotify   Stage = "notify"
	StageCycle    Stage = "cycle"
)

type ProcessingLog struct {
	ID         int64     `json:"id" db:"id"`
	PropertyID *int64    `json:"property_id" db:"property_id"`
	CycleID    string    `json:"cycle_id" db:"cycle_id"`
	Stage      Stage     `json:"stage" db:"operation"`
	Level      LogLevel  `json:"level" db:"level"`
	Message    string    `json:"message" db:"message"`
	Timestamp  time.Time `json:"timestamp" db:"timestamp"`
}
