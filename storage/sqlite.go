package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"aqar_pipeline/models"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// SQLiteStore is the retry ledger: one row per ingested message plus the
// processing log, cycles, control commands and settings.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS properties (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		telegram_message_id INTEGER NOT NULL UNIQUE,
		serial INTEGER NOT NULL DEFAULT 0,
		region TEXT DEFAULT '',
		unit_code TEXT DEFAULT '',
		unit_type TEXT DEFAULT '',
		unit_condition TEXT DEFAULT '',
		area TEXT DEFAULT '',
		floor TEXT DEFAULT '',
		price TEXT DEFAULT '',
		features TEXT DEFAULT '',
		address TEXT DEFAULT '',
		employee_name TEXT DEFAULT '',
		owner_name TEXT DEFAULT '',
		owner_phone TEXT DEFAULT '',
		availability TEXT DEFAULT '',
		photos_status TEXT DEFAULT '',
		full_details TEXT DEFAULT '',
		statement TEXT DEFAULT '',
		status TEXT NOT NULL,
		notion_owner_id TEXT DEFAULT '',
		notion_property_id TEXT DEFAULT '',
		zoho_record_id TEXT DEFAULT '',
		processing_attempts INTEGER NOT NULL DEFAULT 0,
		error_messages TEXT DEFAULT '[]',
		raw_text TEXT DEFAULT '',
		ai_extracted TEXT DEFAULT '',
		duplicate_signature TEXT DEFAULT '',
		classification TEXT DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS processing_log (
		id INTEGER PRIMARY KEY,
		property_id INTEGER,
		cycle_id TEXT,
		operation TEXT,
		level TEXT,
		message TEXT,
		timestamp DATETIME
	);

	CREATE TABLE IF NOT EXISTS processing_cycles (
		id TEXT PRIMARY KEY,
		started_at DATETIME,
		finished_at DATETIME,
		status TEXT,
		ingested INTEGER DEFAULT 0,
		requeued INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		successful INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		duplicate INTEGER DEFAULT 0,
		multiple INTEGER DEFAULT 0,
		errors_count INTEGER DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY,
		command TEXT,
		params JSON,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		processed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS system_settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_properties_owner_phone ON properties(owner_phone);
	CREATE INDEX IF NOT EXISTS idx_properties_status ON properties(status);
	CREATE INDEX IF NOT EXISTS idx_properties_signature ON properties(duplicate_signature);
	CREATE INDEX IF NOT EXISTS idx_properties_created ON properties(created_at);
	CREATE INDEX IF NOT EXISTS idx_properties_updated ON properties(updated_at, id);
	CREATE INDEX IF NOT EXISTS idx_commands_pending ON commands(processed_at) WHERE processed_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_log_property ON processing_log(property_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_cycles_started ON processing_cycles(started_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.addMissingColumns()
}

// addedColumns are columns introduced after the first schema, added to
// ledgers created before them.
var addedColumns = []struct{ table, column, def string }{
	{"properties", "classification", "TEXT DEFAULT ''"},
}

func (s *SQLiteStore) addMissingColumns() error {
	for _, c := range addedColumns {
		var n int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, c.table, c.column).Scan(&n); err != nil {
			return fmt.Errorf("inspect %s: %w", c.table, err)
		}
		if n > 0 {
			continue
		}
		if _, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", c.table, c.column, c.def)); err != nil {
			return fmt.Errorf("add column %s.%s: %w", c.table, c.column, err)
		}
	}
	return nil
}

const recordColumns = `id, telegram_message_id, serial, region, unit_code, unit_type, unit_condition,
	area, floor, price, features, address, employee_name, owner_name, owner_phone, availability,
	photos_status, full_details, statement, status, notion_owner_id, notion_property_id,
	zoho_record_id, processing_attempts, error_messages, raw_text, ai_extracted,
	duplicate_signature, classification, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*models.PropertyRecord, error) {
	var r models.PropertyRecord
	var errs string
	err := row.Scan(&r.ID, &r.SourceMessageID, &r.Serial, &r.Region, &r.UnitCode, &r.UnitType,
		&r.UnitCondition, &r.Area, &r.Floor, &r.Price, &r.Features, &r.Address, &r.EmployeeName,
		&r.OwnerName, &r.OwnerPhone, &r.Availability, &r.PhotosStatus, &r.FullDetails, &r.Statement,
		&r.Status, &r.NotionOwnerID, &r.NotionPropertyID, &r.CRMRecordID, &r.ProcessingAttempts,
		&errs, &r.RawText, &r.AIExtracted, &r.DuplicateSignature, &r.Classification, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if errs != "" {
		if err := json.Unmarshal([]byte(errs), &r.ErrorMessages); err != nil {
			return nil, fmt.Errorf("decode error_messages of record %d: %w", r.ID, err)
		}
	}
	return &r, nil
}

func (s *SQLiteStore) queryRecords(query string, args ...interface{}) ([]models.PropertyRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PropertyRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// CreatePending records an unseen message as PENDING with the next serial.
// An already known message id is left untouched and created is false.
func (s *SQLiteStore) CreatePending(msg models.RawMessage) (rec *models.PropertyRecord, created bool, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var serial int
	if err = tx.QueryRow(`SELECT COALESCE(MAX(serial), 0) + 1 FROM properties`).Scan(&serial); err != nil {
		return nil, false, err
	}

	now := s.now()
	res, err := tx.Exec(`
		INSERT OR IGNORE INTO properties (telegram_message_id, serial, status, raw_text, full_details,
			processing_attempts, error_messages, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, '[]', ?, ?)`,
		msg.ID, serial, models.StatusPending, msg.Text, msg.Text, now, now)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if err = tx.Commit(); err != nil {
		return nil, false, err
	}

	rec, err = s.GetByMessageID(msg.ID)
	if err != nil {
		return nil, false, err
	}
	return rec, n == 1, nil
}

// NextSerial is the serial the next ingested message will receive.
func (s *SQLiteStore) NextSerial() (int, error) {
	var serial int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(serial), 0) + 1 FROM properties`).Scan(&serial)
	return serial, err
}

func (s *SQLiteStore) GetRecord(id int64) (*models.PropertyRecord, error) {
	rec, err := scanRecord(s.db.QueryRow(`SELECT `+recordColumns+` FROM properties WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *SQLiteStore) GetByMessageID(messageID int64) (*models.PropertyRecord, error) {
	rec, err := scanRecord(s.db.QueryRow(`SELECT `+recordColumns+` FROM properties WHERE telegram_message_id = ?`, messageID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// SeenMessageIDs reports which of ids are already in the ledger.
func (s *SQLiteStore) SeenMessageIDs(ids []int64) (map[int64]bool, error) {
	seen := make(map[int64]bool, len(ids))
	stmt, err := s.db.Prepare(`SELECT 1 FROM properties WHERE telegram_message_id = ?`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	for _, id := range ids {
		var one int
		switch err := stmt.QueryRow(id).Scan(&one); err {
		case nil:
			seen[id] = true
		case sql.ErrNoRows:
		default:
			return nil, err
		}
	}
	return seen, nil
}

// PendingRecords returns PENDING records in insertion order.
func (s *SQLiteStore) PendingRecords(limit int) ([]models.PropertyRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryRecords(`SELECT `+recordColumns+` FROM properties
		WHERE status = ? ORDER BY created_at, id LIMIT ?`, models.StatusPending, limit)
}

// ListRecords returns the newest records, optionally of one status.
func (s *SQLiteStore) ListRecords(status models.Status, limit, offset int) ([]models.PropertyRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if status == "" {
		return s.queryRecords(`SELECT `+recordColumns+` FROM properties
			ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	}
	return s.queryRecords(`SELECT `+recordColumns+` FROM properties
		WHERE status = ? ORDER BY id DESC LIMIT ? OFFSET ?`, status, limit, offset)
}

// RecordsUpdatedSince pages through records in (updated_at, id) order,
// starting after the given position.
func (s *SQLiteStore) RecordsUpdatedSince(after time.Time, afterID int64, limit int) ([]models.PropertyRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryRecords(`SELECT `+recordColumns+` FROM properties
		WHERE updated_at > ? OR (updated_at = ? AND id > ?)
		ORDER BY updated_at, id LIMIT ?`, after, after, afterID, limit)
}

// UpdateRecord persists every mutable column. The status change must be
// allowed by models.CanTransition.
func (s *SQLiteStore) UpdateRecord(rec *models.PropertyRecord) error {
	var current models.Status
	if err := s.db.QueryRow(`SELECT status FROM properties WHERE id = ?`, rec.ID).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("record %d not found", rec.ID)
		}
		return err
	}
	if !models.CanTransition(current, rec.Status) {
		return fmt.Errorf("%w: %s -> %s (record %d)", ErrInvalidTransition, current, rec.Status, rec.ID)
	}

	errs, err := json.Marshal(rec.ErrorMessages)
	if err != nil {
		return err
	}
	if rec.ErrorMessages == nil {
		errs = []byte("[]")
	}
	rec.UpdatedAt = s.now()
	_, err = s.db.Exec(`
		UPDATE properties SET serial = ?, region = ?, unit_code = ?, unit_type = ?, unit_condition = ?,
			area = ?, floor = ?, price = ?, features = ?, address = ?, employee_name = ?, owner_name = ?,
			owner_phone = ?, availability = ?, photos_status = ?, full_details = ?, statement = ?,
			status = ?, notion_owner_id = ?, notion_property_id = ?, zoho_record_id = ?,
			processing_attempts = ?, error_messages = ?, ai_extracted = ?, duplicate_signature = ?,
			classification = ?, updated_at = ?
		WHERE id = ?`,
		rec.Serial, rec.Region, rec.UnitCode, rec.UnitType, rec.UnitCondition,
		rec.Area, rec.Floor, rec.Price, rec.Features, rec.Address, rec.EmployeeName, rec.OwnerName,
		rec.OwnerPhone, rec.Availability, rec.PhotosStatus, rec.FullDetails, rec.Statement,
		rec.Status, rec.NotionOwnerID, rec.NotionPropertyID, rec.CRMRecordID,
		rec.ProcessingAttempts, string(errs), rec.AIExtracted, rec.DuplicateSignature,
		rec.Classification, rec.UpdatedAt, rec.ID)
	return err
}

// RequeueFailed moves FAILED records below the attempt ceiling back to PENDING.
func (s *SQLiteStore) RequeueFailed(maxAttempts int) (int64, error) {
	res, err := s.db.Exec(`UPDATE properties SET status = ?, updated_at = ?
		WHERE status = ? AND processing_attempts < ?`,
		models.StatusPending, s.now(), models.StatusFailed, maxAttempts)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RequeueRecord moves one FAILED record back to PENDING regardless of its
// attempts and resets the counter.
func (s *SQLiteStore) RequeueRecord(id int64) error {
	res, err := s.db.Exec(`UPDATE properties SET status = ?, processing_attempts = 0, updated_at = ?
		WHERE id = ? AND status = ?`, models.StatusPending, s.now(), id, models.StatusFailed)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %d is not failed", id)
	}
	return nil
}

// FindBySignature looks for a successful record with the same duplicate
// signature. Its knowledge-base page id is returned when known.
func (s *SQLiteStore) FindBySignature(ctx context.Context, signature string) (string, error) {
	return s.findSuccessful(ctx, `duplicate_signature = ?`, signature)
}

// FindByOwnerPhone looks for any successful record of the same owner.
func (s *SQLiteStore) FindByOwnerPhone(ctx context.Context, phone string) (string, error) {
	return s.findSuccessful(ctx, `owner_phone = ?`, phone)
}

func (s *SQLiteStore) findSuccessful(ctx context.Context, cond, arg string) (string, error) {
	var id int64
	var pageID string
	err := s.db.QueryRowContext(ctx, `SELECT id, notion_property_id FROM properties
		WHERE `+cond+` AND status = ? ORDER BY id LIMIT 1`, arg, models.StatusSuccessful).Scan(&id, &pageID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if pageID != "" {
		return pageID, nil
	}
	return "record-" + strconv.FormatInt(id, 10), nil
}

func (s *SQLiteStore) Log(propertyID *int64, cycleID string, stage models.Stage, level models.LogLevel, message string) error {
	_, err := s.db.Exec(`INSERT INTO processing_log (property_id, cycle_id, operation, level, message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`, propertyID, cycleID, stage, level, message, s.now())
	return err
}

// RecordLogs returns the processing log of one record, oldest first.
func (s *SQLiteStore) RecordLogs(propertyID int64) ([]models.ProcessingLog, error) {
	rows, err := s.db.Query(`SELECT id, property_id, cycle_id, operation, level, message, timestamp
		FROM processing_log WHERE property_id = ? ORDER BY timestamp, id`, propertyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.ProcessingLog
	for rows.Next() {
		var l models.ProcessingLog
		var cycleID sql.NullString
		if err := rows.Scan(&l.ID, &l.PropertyID, &cycleID, &l.Stage, &l.Level, &l.Message, &l.Timestamp); err != nil {
			return nil, err
		}
		l.CycleID = cycleID.String
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *SQLiteStore) CreateCycle(c *models.ProcessingCycle) error {
	_, err := s.db.Exec(`INSERT INTO processing_cycles (id, started_at, status) VALUES (?, ?, ?)`,
		c.ID, c.StartedAt, c.Status)
	return err
}

func (s *SQLiteStore) UpdateCycle(c *models.ProcessingCycle) error {
	_, err := s.db.Exec(`
		UPDATE processing_cycles SET finished_at = ?, status = ?, ingested = ?, requeued = ?, total = ?,
			successful = ?, failed = ?, duplicate = ?, multiple = ?, errors_count = ?
		WHERE id = ?`,
		c.FinishedAt, c.Status, c.Ingested, c.Requeued, c.Total,
		c.Successful, c.Failed, c.Duplicate, c.Multiple, c.ErrorsCount, c.ID)
	return err
}

func (s *SQLiteStore) RecentCycles(limit int) ([]models.ProcessingCycle, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, started_at, finished_at, status, ingested, requeued, total, successful, failed,
			duplicate, multiple, errors_count
		FROM processing_cycles ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cycles []models.ProcessingCycle
	for rows.Next() {
		var c models.ProcessingCycle
		if err := rows.Scan(&c.ID, &c.StartedAt, &c.FinishedAt, &c.Status, &c.Ingested, &c.Requeued,
			&c.Total, &c.Successful, &c.Failed, &c.Duplicate, &c.Multiple, &c.ErrorsCount); err != nil {
			return nil, err
		}
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

// Stats counts records by status, in total and created today (UTC).
func (s *SQLiteStore) Stats() (*models.LedgerStats, error) {
	stats := &models.LedgerStats{ByStatus: map[models.Status]int{}}
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM properties GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status models.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats.ByStatus[status] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	start := startOfDay(s.now())
	err = s.db.QueryRow(`SELECT COUNT(*) FROM properties WHERE created_at >= ?`, start).Scan(&stats.Today)
	return stats, err
}

// DailyReport groups the records created on day (UTC).
func (s *SQLiteStore) DailyReport(day time.Time) (*models.DailyReport, error) {
	start := startOfDay(day)
	report := &models.DailyReport{
		Date:       start,
		ByStatus:   map[models.Status]int{},
		ByEmployee: map[string]int{},
		ByRegion:   map[string]int{},
	}
	rows, err := s.db.Query(`SELECT status, employee_name, region FROM properties
		WHERE created_at >= ? AND created_at < ?`, start, start.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var status models.Status
		var employee, region string
		if err := rows.Scan(&status, &employee, &region); err != nil {
			return nil, err
		}
		report.Total++
		report.ByStatus[status]++
		report.ByEmployee[orUnspecified(employee)]++
		report.ByRegion[orUnspecified(region)]++
	}
	return report, rows.Err()
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func orUnspecified(v string) string {
	if v == "" {
		return models.Unspecified
	}
	return v
}

func (s *SQLiteStore) EnqueueCommand(cmd models.CommandType, params *models.CommandParams) (int64, error) {
	if !cmd.Valid() {
		return 0, fmt.Errorf("unknown command %q", cmd)
	}
	var raw interface{}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return 0, err
		}
		raw = string(b)
	}
	res, err := s.db.Exec(`INSERT INTO commands (command, params, created_at) VALUES (?, ?, ?)`, cmd, raw, s.now())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) GetPendingCommands() ([]models.Command, error) {
	rows, err := s.db.Query(`
		SELECT id, command, params, created_at, processed_at
		FROM commands WHERE processed_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []models.Command
	for rows.Next() {
		var cmd models.Command
		var params sql.NullString
		if err := rows.Scan(&cmd.ID, &cmd.Command, &params, &cmd.CreatedAt, &cmd.ProcessedAt); err != nil {
			return nil, err
		}
		if params.Valid {
			cmd.Params = json.RawMessage(params.String)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

func (s *SQLiteStore) MarkCommandProcessed(id int64) error {
	_, err := s.db.Exec(`UPDATE commands SET processed_at = ? WHERE id = ?`, s.now(), id)
	return err
}

func (s *SQLiteStore) ParseCommandParams(cmd *models.Command) (*models.CommandParams, error) {
	var params models.CommandParams
	if len(cmd.Params) == 0 {
		return &params, nil
	}
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return nil, err
	}
	return &params, nil
}

// GetSetting returns "" for unknown keys.
func (s *SQLiteStore) GetSetting(key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM system_settings WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

func (s *SQLiteStore) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO system_settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.now())
	return err
}
