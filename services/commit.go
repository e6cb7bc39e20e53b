package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"aqar_pipeline/crm"
	"aqar_pipeline/models"
)

// KnowledgeBase stores owners and the properties linked to them.
type KnowledgeBase interface {
	SearchOwner(ctx context.Context, phone string) (string, error)
	CreateOwner(ctx context.Context, name, phone string) (string, error)
	CreateProperty(ctx context.Context, rec *models.PropertyRecord, ownerID string) (string, error)
	UpdateOwnerCount(ctx context.Context, ownerID string) (int, error)
}

// CRM is the sales-side record store.
type CRM interface {
	Enabled() bool
	CreateRecord(ctx context.Context, data map[string]interface{}) (string, error)
	SearchRecord(ctx context.Context, field, value string) (map[string]interface{}, error)
	MergeRecord(ctx context.Context, existing map[string]interface{}, rec *models.PropertyRecord) (string, error)
}

type WriteResult struct {
	Success    bool
	OwnerID    string
	PropertyID string
	CRMID      string
	Errors     []string
}

// ErrNoID is returned when a create call succeeds without returning an id.
var ErrNoID = errors.New("write returned no id")

// CommitError reports which write failed. Ids written before the failure are
// already on the record and in Result.
type CommitError struct {
	Target string
	Result WriteResult
	Err    error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit %s: %v", e.Target, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// Coordinator writes a classified record to the knowledge base and the CRM.
// Either collaborator may be nil, which skips its writes.
type Coordinator struct {
	kb     KnowledgeBase
	crm    CRM
	logger *slog.Logger
}

func NewCoordinator(kb KnowledgeBase, crmClient CRM, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{kb: kb, crm: crmClient, logger: logger.With("component", "commit")}
}

// Commit performs the writes for class. Ids already present on rec from an
// earlier attempt are reused, so a retry after a partial failure does not
// create a second owner, property or CRM record.
func (c *Coordinator) Commit(ctx context.Context, rec *models.PropertyRecord, class models.Classification) (WriteResult, error) {
	res := WriteResult{
		OwnerID:    rec.NotionOwnerID,
		PropertyID: rec.NotionPropertyID,
		CRMID:      rec.CRMRecordID,
	}
	if class == models.ClassDuplicate {
		res.Success = true
		return res, nil
	}

	if c.kb != nil {
		if err := c.writeKnowledgeBase(ctx, rec, &res); err != nil {
			res.Errors = append(res.Errors, err.Error())
			return res, &CommitError{Target: "knowledge base", Result: res, Err: err}
		}
	}

	if c.crm != nil && c.crm.Enabled() && rec.CRMRecordID == "" {
		id, err := c.writeCRM(ctx, rec, class)
		if err == nil && id == "" {
			err = fmt.Errorf("crm write: %w", ErrNoID)
		}
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			return res, &CommitError{Target: "crm", Result: res, Err: err}
		}
		rec.CRMRecordID = id
		res.CRMID = id
	}

	res.Success = true
	return res, nil
}

func (c *Coordinator) writeKnowledgeBase(ctx context.Context, rec *models.PropertyRecord, res *WriteResult) error {
	if rec.NotionOwnerID == "" {
		ownerID, err := c.kb.SearchOwner(ctx, rec.OwnerPhone)
		if err != nil {
			return fmt.Errorf("search owner: %w", err)
		}
		if ownerID == "" {
			ownerID, err = c.kb.CreateOwner(ctx, rec.OwnerName, rec.OwnerPhone)
			if err != nil {
				return err
			}
			if ownerID == "" {
				return fmt.Errorf("create owner: %w", ErrNoID)
			}
		}
		rec.NotionOwnerID = ownerID
	}
	res.OwnerID = rec.NotionOwnerID

	if rec.NotionPropertyID == "" {
		propertyID, err := c.kb.CreateProperty(ctx, rec, rec.NotionOwnerID)
		if err != nil {
			return err
		}
		if propertyID == "" {
			return fmt.Errorf("create property: %w", ErrNoID)
		}
		rec.NotionPropertyID = propertyID
	}
	res.PropertyID = rec.NotionPropertyID

	if n, err := c.kb.UpdateOwnerCount(ctx, rec.NotionOwnerID); err != nil {
		c.logger.Warn("owner count not updated", "owner_id", rec.NotionOwnerID, "error", err)
	} else {
		c.logger.Debug("owner count updated", "owner_id", rec.NotionOwnerID, "count", n)
	}
	return nil
}

func (c *Coordinator) writeCRM(ctx context.Context, rec *models.PropertyRecord, class models.Classification) (string, error) {
	if class == models.ClassMultiple {
		field, _ := crm.APIName(models.FieldOwnerPhone)
		existing, err := c.crm.SearchRecord(ctx, field, rec.OwnerPhone)
		if err != nil {
			return "", err
		}
		if existing != nil {
			id, err := c.crm.MergeRecord(ctx, existing, rec)
			if err != nil {
				return "", err
			}
			c.logger.Info("merged into crm record", "crm_id", id, "unit_code", rec.UnitCode)
			return id, nil
		}
	}

	id, err := c.crm.CreateRecord(ctx, crm.BuildRecord(rec))
	if err != nil {
		return "", err
	}
	c.logger.Info("created crm record", "crm_id", id, "unit_code", rec.UnitCode)
	return id, nil
}

// Summary renders the result for the processing log.
func (r WriteResult) Summary() string {
	parts := []string{fmt.Sprintf("success=%t", r.Success)}
	if r.OwnerID != "" {
		parts = append(parts, "owner="+r.OwnerID)
	}
	if r.PropertyID != "" {
		parts = append(parts, "property="+r.PropertyID)
	}
	if r.CRMID != "" {
		parts = append(parts, "crm="+r.CRMID)
	}
	if len(r.Errors) > 0 {
		parts = append(parts, "errors="+strings.Join(r.Errors, "; "))
	}
	return strings.Join(parts, " ")
}
