// Package extraction turns raw listing text into a PropertyRecord using an
// ordered list of AI providers and a deterministic keyword fallback.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"aqar_pipeline/catalog"
	"aqar_pipeline/llm"
	"aqar_pipeline/models"
)

// FallbackSource marks records produced by the keyword heuristic.
const FallbackSource = "fallback"

var ErrExtractionExhausted = errors.New("extraction exhausted")

type Options struct {
	MaxAttempts int
	RetryDelay  time.Duration
	Now         func() time.Time
}

type Chain struct {
	providers   []llm.Provider
	catalog     *catalog.Catalog
	maxAttempts int
	retryDelay  time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

func NewChain(providers []llm.Provider, cat *catalog.Catalog, opts Options, logger *slog.Logger) *Chain {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		providers:   providers,
		catalog:     cat,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		now:         opts.Now,
		logger:      logger.With("component", "extraction"),
	}
}

// Extract runs the provider chain, then the fallback. The returned record has
// AIExtracted set to the provider name or FallbackSource. Only a failure of
// the fallback itself, or ctx cancellation, returns an error.
func (c *Chain) Extract(ctx context.Context, rawText string, serial int) (*models.PropertyRecord, error) {
	text := CleanText(rawText)
	prompt := BuildPrompt(c.catalog, text, serial)

	for _, p := range c.providers {
		rec, err := c.tryProvider(ctx, p, prompt)
		if err == nil {
			rec.AIExtracted = p.Name()
			PostProcess(c.catalog, rec, text, c.now(), serial)
			c.logger.Info("extracted listing", "provider", p.Name(), "unit_code", rec.UnitCode)
			return rec, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("provider exhausted", "provider", p.Name(), "error", err)
	}

	rec, err := c.runFallback(text)
	if err != nil {
		return nil, err
	}
	rec.AIExtracted = FallbackSource
	PostProcess(c.catalog, rec, text, c.now(), serial)
	c.logger.Warn("used keyword fallback", "unit_code", rec.UnitCode)
	return rec, nil
}

func (c *Chain) tryProvider(ctx context.Context, p llm.Provider, prompt string) (*models.PropertyRecord, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 && c.retryDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}

		resp, err := p.Complete(ctx, prompt, llm.CompletionOpts{
			MaxTokens: 1000,
			Format:    "json",
			System:    systemPrompt,
		})
		if err != nil {
			lastErr = err
			c.logger.Debug("provider call failed", "provider", p.Name(), "attempt", attempt, "error", err)
			continue
		}

		rec, err := ParseBlock(resp)
		if err != nil {
			lastErr = err
			c.logger.Debug("provider response rejected", "provider", p.Name(), "attempt", attempt, "error", err)
			continue
		}
		return rec, nil
	}
	return nil, fmt.Errorf("%s: %d attempts: %w", p.Name(), c.maxAttempts, lastErr)
}

func (c *Chain) runFallback(text string) (rec *models.PropertyRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			rec = nil
			err = fmt.Errorf("%w: fallback panicked: %v", ErrExtractionExhausted, r)
		}
	}()
	if c.catalog == nil {
		return nil, fmt.Errorf("%w: no catalog", ErrExtractionExhausted)
	}
	return Fallback(c.catalog, text), nil
}

// Providers lists the provider names in priority order.
func (c *Chain) Providers() []string {
	names := make([]string, 0, len(c.providers))
	for _, p := range c.providers {
		names = append(names, p.Name())
	}
	return names
}
