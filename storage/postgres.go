package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"aqar_pipeline/models"
)

// PostgresMirror copies ledger rows and cycles into Postgres for reporting.
// The SQLite ledger stays the source of truth.
type PostgresMirror struct {
	pool *pgxpool.Pool
}

func NewPostgresMirror(ctx context.Context, connString string) (*PostgresMirror, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 4
	config.MinConns = 1
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	m := &PostgresMirror{pool: pool}
	if err := m.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return m, nil
}

func (m *PostgresMirror) Close() {
	m.pool.Close()
}

func (m *PostgresMirror) migrate(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS aqar_properties (
		id BIGINT PRIMARY KEY,
		telegram_message_id BIGINT NOT NULL UNIQUE,
		serial INTEGER NOT NULL,
		unit_code TEXT,
		status TEXT NOT NULL,
		fields JSONB NOT NULL,
		notion_owner_id TEXT,
		notion_property_id TEXT,
		zoho_record_id TEXT,
		processing_attempts INTEGER NOT NULL,
		error_messages JSONB NOT NULL DEFAULT '[]',
		ai_extracted TEXT,
		duplicate_signature TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	ALTER TABLE aqar_properties ADD COLUMN IF NOT EXISTS classification TEXT;
	CREATE INDEX IF NOT EXISTS idx_aqar_properties_status ON aqar_properties(status);
	CREATE INDEX IF NOT EXISTS idx_aqar_properties_signature ON aqar_properties(duplicate_signature);

	CREATE TABLE IF NOT EXISTS aqar_cycles (
		id TEXT PRIMARY KEY,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		status TEXT NOT NULL,
		counters JSONB NOT NULL
	);`)
	return err
}

func (m *PostgresMirror) UpsertRecord(ctx context.Context, rec *models.PropertyRecord) error {
	fields, err := json.Marshal(rec.Fields())
	if err != nil {
		return err
	}
	errs := rec.ErrorMessages
	if errs == nil {
		errs = []string{}
	}
	errJSON, err := json.Marshal(errs)
	if err != nil {
		return err
	}

	_, err = m.pool.Exec(ctx, `
		INSERT INTO aqar_properties (
			id, telegram_message_id, serial, unit_code, status, fields, notion_owner_id,
			notion_property_id, zoho_record_id, processing_attempts, error_messages, ai_extracted,
			duplicate_signature, classification, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			unit_code = EXCLUDED.unit_code,
			status = EXCLUDED.status,
			fields = EXCLUDED.fields,
			notion_owner_id = EXCLUDED.notion_owner_id,
			notion_property_id = EXCLUDED.notion_property_id,
			zoho_record_id = EXCLUDED.zoho_record_id,
			processing_attempts = EXCLUDED.processing_attempts,
			error_messages = EXCLUDED.error_messages,
			ai_extracted = EXCLUDED.ai_extracted,
			duplicate_signature = EXCLUDED.duplicate_signature,
			classification = EXCLUDED.classification,
			updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.SourceMessageID, rec.Serial, rec.UnitCode, string(rec.Status), fields,
		rec.NotionOwnerID, rec.NotionPropertyID, rec.CRMRecordID, rec.ProcessingAttempts, errJSON,
		rec.AIExtracted, rec.DuplicateSignature, string(rec.Classification), rec.CreatedAt, rec.UpdatedAt)
	return err
}

func (m *PostgresMirror) UpsertCycle(ctx context.Context, c *models.ProcessingCycle) error {
	counters, err := json.Marshal(map[string]int{
		"ingested":     c.Ingested,
		"requeued":     c.Requeued,
		"total":        c.Total,
		"successful":   c.Successful,
		"failed":       c.Failed,
		"duplicate":    c.Duplicate,
		"multiple":     c.Multiple,
		"errors_count": c.ErrorsCount,
	})
	if err != nil {
		return err
	}
	_, err = m.pool.Exec(ctx, `
		INSERT INTO aqar_cycles (id, started_at, finished_at, status, counters)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			finished_at = EXCLUDED.finished_at,
			status = EXCLUDED.status,
			counters = EXCLUDED.counters`,
		c.ID, c.StartedAt, c.FinishedAt, string(c.Status), counters)
	return err
}

type statusCount struct {
	Status string
	N      int
}

// CountByStatus reads the mirrored status counts.
func (m *PostgresMirror) CountByStatus(ctx context.Context) (map[models.Status]int, error) {
	rows, err := m.pool.Query(ctx, `SELECT status, COUNT(*) FROM aqar_properties GROUP BY status`)
	if err != nil {
		return nil, err
	}
	counts, err := pgx.CollectRows(rows, pgx.RowToStructByPos[statusCount])
	if err != nil {
		return nil, err
	}
	out := make(map[models.Status]int, len(counts))
	for _, c := range counts {
		out[models.Status(c.Status)] = c.N
	}
	return out, nil
}

// MaskConnectionString hides the password of a connection URL for logging.
func MaskConnectionString(connStr string) string {
	u, err := url.Parse(connStr)
	if err != nil || u.User == nil {
		return connStr
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "****")
	}
	return u.String()
}
