package schema

import (
	"context"

	"github.com/beyondessential/tamanu-sync/internal/db"
	"github.com/beyondessential/tamanu-sync/internal/syncerr"
	"github.com/beyondessential/tamanu-sync/internal/types"
)

// Registry is the resolved set of models, held in dependency order.
type Registry struct {
	models []*Model
	byType map[string]*Model
}

// NewRegistry introspects every manifest model against q and fixes the
// dependency order. Errors are ConfigurationErrors: a missing table, a
// missing sync column or an unbreakable foreign key cycle.
func NewRegistry(ctx context.Context, q db.Querier, manifest *Manifest) (*Registry, error) {
	tableToType := make(map[string]string, len(manifest.Models))
	for _, mm := range manifest.Models {
		tableToType[mm.Table] = mm.recordType()
	}

	byType := make(map[string]*Model, len(manifest.Models))
	for _, mm := range manifest.Models {
		model, err := introspect(ctx, q, mm)
		if err != nil {
			return nil, err
		}
		byType[model.RecordType] = model
	}

	// Dependencies are declared per table; the orderer works on record types.
	deps := make(map[string][]string, len(byType))
	for rt, model := range byType {
		var targets []string
		for _, table := range model.DependsOn() {
			if target, ok := tableToType[table]; ok {
				targets = append(targets, target)
			}
		}
		deps[rt] = targets
	}

	order, err := OrderByDependency(deps)
	if err != nil {
		return nil, err
	}

	models := make([]*Model, len(order))
	for i, rt := range order {
		models[i] = byType[rt]
	}
	return &Registry{models: models, byType: byType}, nil
}

func introspect(ctx context.Context, q db.Querier, mm ManifestModel) (*Model, error) {
	direction, err := types.ParseSyncDirection(mm.Direction)
	if err != nil {
		return nil, syncerr.NewConfigurationError("model %s: %v", mm.Table, err)
	}

	info, err := db.TableInfo(ctx, q, mm.Table)
	if err != nil {
		return nil, err
	}
	if len(info) == 0 {
		return nil, syncerr.NewConfigurationError("model %s: table does not exist", mm.Table)
	}
	cols := make([]string, len(info))
	for i, c := range info {
		cols[i] = c.Name
	}

	fks, err := db.ForeignKeys(ctx, q, mm.Table)
	if err != nil {
		return nil, err
	}

	model := &Model{
		RecordType:          mm.recordType(),
		Table:               mm.Table,
		Direction:           direction,
		Columns:             cols,
		ExcludedColumns:     mm.ExcludedColumns,
		ForeignKeys:         fks,
		IgnoredDependencies: mm.IgnoredDependencies,
	}
	if err := model.Validate(); err != nil {
		return nil, syncerr.NewConfigurationError("%v", err)
	}
	return model, nil
}

// SortedModels returns every model, parents before children.
func (r *Registry) SortedModels() []*Model {
	return r.models
}

// Model returns the model for a record type.
func (r *Registry) Model(recordType string) (*Model, bool) {
	m, ok := r.byType[recordType]
	return m, ok
}

// PushModels returns the models whose changes are sent to central, in
// dependency order.
func (r *Registry) PushModels() []*Model {
	return r.filter(func(m *Model) bool { return m.Direction.Pushes() })
}

// PullModels returns the models central changes are applied to, in
// dependency order.
func (r *Registry) PullModels() []*Model {
	return r.filter(func(m *Model) bool { return m.Direction.Pulls() })
}

// RecordTypes returns the record types of models.
func RecordTypes(models []*Model) []string {
	out := make([]string, len(models))
	for i, m := range models {
		out[i] = m.RecordType
	}
	return out
}

func (r *Registry) filter(keep func(*Model) bool) []*Model {
	var out []*Model
	for _, m := range r.models {
		if keep(m) {
			out = append(out, m)
		}
	}
	return out
}
