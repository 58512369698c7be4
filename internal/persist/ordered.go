package persist

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/beyondessential/tamanu-sync/internal/db"
	"github.com/beyondessential/tamanu-sync/internal/schema"
	"github.com/beyondessential/tamanu-sync/internal/syncerr"
	"github.com/beyondessential/tamanu-sync/internal/types"
)

// RecordSource yields incoming records grouped by record type.
type RecordSource interface {
	// RecordTypes lists the record types the source holds.
	RecordTypes(ctx context.Context) ([]string, error)

	// Each calls fn with successive pages of records of recordType.
	Each(ctx context.Context, recordType string, fn func([]types.SyncRecord) error) error
}

// MemorySource holds records in memory. Used for initial sync, where each
// pulled page is applied as it arrives.
type MemorySource struct {
	byType map[string][]types.SyncRecord
}

// NewMemorySource groups records by type.
func NewMemorySource(records []types.SyncRecord) *MemorySource {
	byType := make(map[string][]types.SyncRecord)
	for _, rec := range records {
		byType[rec.RecordType] = append(byType[rec.RecordType], rec)
	}
	return &MemorySource{byType: byType}
}

// RecordTypes implements RecordSource.
func (s *MemorySource) RecordTypes(context.Context) ([]string, error) {
	out := make([]string, 0, len(s.byType))
	for rt := range s.byType {
		out = append(out, rt)
	}
	sort.Strings(out)
	return out, nil
}

// Each implements RecordSource with a single page per type.
func (s *MemorySource) Each(_ context.Context, recordType string, fn func([]types.SyncRecord) error) error {
	recs := s.byType[recordType]
	if len(recs) == 0 {
		return nil
	}
	return fn(recs)
}

// ApplyOrdered applies every record in source, model by model in dependency
// order. Records whose type is unknown or not pulled are reported as
// failures rather than silently dropped.
func (p *Persister) ApplyOrdered(ctx context.Context, q db.Querier, registry *schema.Registry, source RecordSource) (Result, error) {
	var total Result

	present, err := source.RecordTypes(ctx)
	if err != nil {
		return total, fmt.Errorf("failed to list incoming record types: %w", err)
	}
	for _, rt := range present {
		model, ok := registry.Model(rt)
		if ok && model.Direction.Pulls() {
			continue
		}
		reason := "unknown record type"
		if ok {
			reason = fmt.Sprintf("record type is %s", model.Direction)
		}
		err := source.Each(ctx, rt, func(recs []types.SyncRecord) error {
			for _, rec := range recs {
				total.Failures = append(total.Failures, unknownTypeFailure(rec, reason))
			}
			return nil
		})
		if err != nil {
			return total, err
		}
	}

	for _, model := range registry.PullModels() {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		err := source.Each(ctx, model.RecordType, func(recs []types.SyncRecord) error {
			res, err := p.ApplyRecords(ctx, q, model, recs)
			total.Add(res)
			return err
		})
		if err != nil {
			return total, fmt.Errorf("failed to apply %s: %w", model.RecordType, err)
		}
	}
	return total, nil
}

func unknownTypeFailure(rec types.SyncRecord, reason string) *syncerr.RecordFailure {
	return &syncerr.RecordFailure{RecordType: rec.RecordType, RecordID: rec.RecordID, Err: errors.New(reason)}
}
