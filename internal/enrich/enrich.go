// Package enrich fills in missing business names and types with a language model.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/leadscout/internal/harvest"
	"github.com/JakeFAU/leadscout/internal/rotator"
)

const defaultBatchSize = 10

// Model answers a prompt using one API key.
type Model interface {
	Generate(ctx context.Context, key, prompt string) (string, error)
}

// Enricher sends records missing a name or type to the model in small batches.
type Enricher struct {
	model     Model
	batchSize int
	logger    *zap.Logger
}

// New builds an Enricher. batchSize <= 0 selects the default of 10.
func New(model Model, batchSize int, logger *zap.Logger) *Enricher {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enricher{model: model, batchSize: batchSize, logger: logger}
}

type promptItem struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Username string `json:"username,omitempty"`
	Bio      string `json:"bio,omitempty"`
	Website  string `json:"website,omitempty"`
	Profile  string `json:"profile_url,omitempty"`
}

type answer struct {
	ID           string `json:"id"`
	BusinessName string `json:"business_name"`
	Type         string `json:"type"`
}

// Enrich returns a copy of records with empty BusinessName and Type filled
// from the model. A batch that fails or answers garbage is skipped; quota
// exhaustion and cancellation end the run and are returned.
func (e *Enricher) Enrich(ctx context.Context, records []harvest.Record, keys harvest.KeyRotator) ([]harvest.Record, error) {
	out := append([]harvest.Record(nil), records...)
	var pending []int
	for i, r := range out {
		if strings.TrimSpace(r.BusinessName) == "" || strings.TrimSpace(r.Type) == "" {
			pending = append(pending, i)
		}
	}

	filled := 0
	for start := 0; start < len(pending); start += e.batchSize {
		end := min(start+e.batchSize, len(pending))
		batch := pending[start:end]
		prompt, err := buildPrompt(out, batch)
		if err != nil {
			return out, err
		}
		raw, err := rotator.Do(ctx, keys, func(ctx context.Context, key string) (string, error) {
			return e.model.Generate(ctx, key, prompt)
		})
		var qErr *harvest.QuotaExhaustedError
		switch {
		case err == nil:
		case errors.As(err, &qErr), ctx.Err() != nil:
			return out, err
		default:
			e.logger.Warn("enrichment batch skipped", zap.Int("size", len(batch)), zap.Error(err))
			continue
		}
		answers, err := parseAnswers(raw)
		if err != nil {
			e.logger.Warn("enrichment answer unreadable", zap.Error(err))
			continue
		}
		filled += apply(out, batch, answers)
	}
	e.logger.Debug("enrichment finished", zap.Int("candidates", len(pending)), zap.Int("filled", filled))
	return out, nil
}

func buildPrompt(records []harvest.Record, batch []int) (string, error) {
	items := make([]promptItem, len(batch))
	for i, idx := range batch {
		r := records[idx]
		items[i] = promptItem{
			ID:       strconv.Itoa(i),
			Name:     r.DisplayName(),
			Username: r.Username,
			Bio:      r.Bio,
			Website:  r.Website,
			Profile:  r.ProfileURL,
		}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("enrich: marshal prompt: %w", err)
	}
	return "For each lead below, give the business name and a short business type " +
		"(for example \"restaurant\", \"riad\", \"travel agency\"). " +
		"Answer with a JSON array of objects with the keys id, business_name and type. " +
		"Use an empty string when unsure.\n" + string(data), nil
}

// parseAnswers accepts a bare JSON array, optionally wrapped in a code fence.
func parseAnswers(raw string) ([]answer, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	var answers []answer
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &answers); err != nil {
		return nil, fmt.Errorf("enrich: decode answer: %w", err)
	}
	return answers, nil
}

// apply copies answers into empty fields only and returns how many records changed.
func apply(records []harvest.Record, batch []int, answers []answer) int {
	changed := 0
	for _, a := range answers {
		i, err := strconv.Atoi(a.ID)
		if err != nil || i < 0 || i >= len(batch) {
			continue
		}
		r := &records[batch[i]]
		touched := false
		if strings.TrimSpace(r.BusinessName) == "" && strings.TrimSpace(a.BusinessName) != "" {
			r.BusinessName = strings.TrimSpace(a.BusinessName)
			touched = true
		}
		if strings.TrimSpace(r.Type) == "" && strings.TrimSpace(a.Type) != "" {
			r.Type = strings.TrimSpace(a.Type)
			touched = true
		}
		if touched {
			changed++
		}
	}
	return changed
}
