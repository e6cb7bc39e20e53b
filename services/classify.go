package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"aqar_pipeline/config"
	"aqar_pipeline/models"
)

var ErrClassificationUnavailable = errors.New("classification lookup unavailable")

// Lookup answers duplicate questions against already stored listings. An
// empty id means no match.
type Lookup interface {
	FindBySignature(ctx context.Context, signature string) (string, error)
	FindByOwnerPhone(ctx context.Context, phone string) (string, error)
}

// Classification is the classifier verdict plus the id of the stored record
// that caused it.
type Classification struct {
	Class models.Classification
	Match string
	// Degraded is set when the lookup failed and the open policy chose NEW.
	Degraded error
}

// Classifier decides NEW, DUPLICATE or MULTIPLE for a validated record.
type Classifier struct {
	lookup Lookup
	policy config.FailPolicy
	logger *slog.Logger
}

func NewClassifier(lookup Lookup, policy config.FailPolicy, logger *slog.Logger) *Classifier {
	if policy == "" {
		policy = config.FailOpen
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{lookup: lookup, policy: policy, logger: logger.With("component", "classifier")}
}

// Classify checks the duplicate signature first, then the owner phone.
func (c *Classifier) Classify(ctx context.Context, rec *models.PropertyRecord) (Classification, error) {
	signature := rec.DuplicateSignature
	if signature == "" {
		signature = rec.Signature()
	}

	id, err := c.lookup.FindBySignature(ctx, signature)
	if err != nil {
		return c.unavailable(ctx, rec, fmt.Errorf("signature lookup: %w", err))
	}
	if id != "" {
		return Classification{Class: models.ClassDuplicate, Match: id}, nil
	}

	if rec.OwnerPhone != "" && rec.OwnerPhone != models.Unspecified {
		id, err = c.lookup.FindByOwnerPhone(ctx, rec.OwnerPhone)
		if err != nil {
			return c.unavailable(ctx, rec, fmt.Errorf("owner lookup: %w", err))
		}
		if id != "" {
			return Classification{Class: models.ClassMultiple, Match: id}, nil
		}
	}

	return Classification{Class: models.ClassNew}, nil
}

// unavailable applies the fail policy. A cancelled lookup is never read as NEW.
func (c *Classifier) unavailable(ctx context.Context, rec *models.PropertyRecord, cause error) (Classification, error) {
	err := fmt.Errorf("%w: %v", ErrClassificationUnavailable, cause)
	if ctx.Err() != nil {
		return Classification{}, fmt.Errorf("%w: %w", err, ctx.Err())
	}
	if c.policy == config.FailClosed {
		return Classification{}, err
	}
	c.logger.Warn("classifying as new after lookup failure", "record_id", rec.ID, "error", cause)
	return Classification{Class: models.ClassNew, Degraded: err}, nil
}
