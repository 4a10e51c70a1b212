package command

import (
	"context"
	"fmt"

	"curator/internal/catalog"
	"curator/internal/store"
	"curator/internal/types"
)

// crudBase carries the dependencies shared by the built-in commands.
type crudBase struct {
	store       store.DataStore
	catalog     *catalog.Provider
	sampleLimit int
}

func newCrudBase(ds store.DataStore, provider *catalog.Provider, sampleLimit int) crudBase {
	if sampleLimit <= 0 {
		sampleLimit = 10
	}
	return crudBase{store: ds, catalog: provider, sampleLimit: sampleLimit}
}

// RegisterBuiltins registers the query/create/update/delete commands.
func RegisterBuiltins(r *Registry, ds store.DataStore, provider *catalog.Provider, sampleLimit int) error {
	base := newCrudBase(ds, provider, sampleLimit)
	for _, cmd := range []Command{
		&QueryCommand{base},
		&CreateCommand{base},
		&UpdateCommand{base},
		&DeleteCommand{base},
	} {
		if err := r.Register(cmd); err != nil {
			return err
		}
	}
	return nil
}

// targetParam returns the target type, preferring the parameters block
// and falling back to the interpretation's top-level target.
func targetParam(interp types.Interpretation) string {
	if v, ok := interp.Parameters["type"].(string); ok && v != "" {
		return v
	}
	return interp.TargetType
}

func mapParam(interp types.Interpretation, key string) map[string]any {
	if v, ok := interp.Parameters[key].(map[string]any); ok {
		return v
	}
	return map[string]any{}
}

// validateTarget checks the target type and any named fields against the
// live catalog. It runs at dispatch and again at confirm, so a catalog
// change between preview and confirm is caught here.
func (b crudBase) validateTarget(ctx context.Context, interp types.Interpretation, blocks ...string) (catalog.TypeDef, error) {
	target := targetParam(interp)
	if target == "" {
		return catalog.TypeDef{}, types.E(types.KindValidationFailed, "no target type given")
	}
	cat, err := b.catalog.Catalog(ctx)
	if err != nil {
		return catalog.TypeDef{}, err
	}
	def, ok := cat.Types[target]
	if !ok {
		return catalog.TypeDef{}, types.E(types.KindValidationFailed, "unknown type %q", target)
	}
	for _, block := range blocks {
		for field := range mapParam(interp, block) {
			if field == "id" {
				continue
			}
			if !def.HasField(field) {
				return catalog.TypeDef{}, types.E(types.KindValidationFailed,
					"type %q has no field %q", target, field)
			}
		}
	}
	return def, nil
}

// QueryCommand reads records. Idempotent, allowed in read mode.
type QueryCommand struct{ crudBase }

func (c *QueryCommand) Name() string             { return string(types.OpQuery) }
func (c *QueryCommand) RequiredMode() types.Mode { return types.ModeRead }

func (c *QueryCommand) Validate(ctx context.Context, interp types.Interpretation) error {
	_, err := c.validateTarget(ctx, interp, "filters")
	return err
}

func (c *QueryCommand) Execute(ctx context.Context, interp types.Interpretation) (types.Result, error) {
	records, err := c.store.Query(ctx, targetParam(interp), store.Filter(mapParam(interp, "filters")))
	if err != nil {
		return types.Result{}, err
	}
	msg := fmt.Sprintf("Found %d %s record(s).", len(records), targetParam(interp))
	return types.Result{Status: types.StatusOK, Message: msg, Records: records}, nil
}

// CreateCommand adds one record. Mutating, two-phase.
type CreateCommand struct{ crudBase }

func (c *CreateCommand) Name() string             { return string(types.OpCreate) }
func (c *CreateCommand) RequiredMode() types.Mode { return types.ModeWrite }

func (c *CreateCommand) Validate(ctx context.Context, interp types.Interpretation) error {
	def, err := c.validateTarget(ctx, interp, "fields")
	if err != nil {
		return err
	}
	fields := mapParam(interp, "fields")
	for _, f := range def.Fields {
		if f.Required {
			if _, ok := fields[f.Name]; !ok {
				return types.E(types.KindValidationFailed,
					"%s requires field %q", def.Name, f.Name)
			}
		}
	}
	return nil
}

func (c *CreateCommand) Execute(ctx context.Context, interp types.Interpretation) (types.Result, error) {
	rec, err := c.store.Create(ctx, targetParam(interp), mapParam(interp, "fields"))
	if err != nil {
		return types.Result{}, err
	}
	return types.Result{
		Status:  types.StatusOK,
		Message: fmt.Sprintf("Created %s %s.", rec.Type, rec.ID),
		Record:  &rec,
	}, nil
}

func (c *CreateCommand) Preview(ctx context.Context, interp types.Interpretation) (types.PreviewResult, error) {
	target := targetParam(interp)
	sample := []types.Record{{Type: target, Fields: mapParam(interp, "fields")}}
	return types.PreviewResult{
		Command:       c.Name(),
		TargetType:    target,
		AffectedCount: 1,
		Sample:        sample,
		Parameters:    interp.Parameters,
		Message:       fmt.Sprintf("Will create 1 new %s record.", target),
	}, nil
}

func (c *CreateCommand) InvalidatedType(interp types.Interpretation) string {
	return targetParam(interp)
}

// UpdateCommand merges fields into every record matching the filters.
type UpdateCommand struct{ crudBase }

func (c *UpdateCommand) Name() string             { return string(types.OpUpdate) }
func (c *UpdateCommand) RequiredMode() types.Mode { return types.ModeWrite }

func (c *UpdateCommand) Validate(ctx context.Context, interp types.Interpretation) error {
	if _, err := c.validateTarget(ctx, interp, "filters", "set"); err != nil {
		return err
	}
	if len(mapParam(interp, "set")) == 0 {
		return types.E(types.KindValidationFailed, "update has nothing to set")
	}
	return nil
}

func (c *UpdateCommand) matching(ctx context.Context, interp types.Interpretation) ([]types.Record, error) {
	return c.store.Query(ctx, targetParam(interp), store.Filter(mapParam(interp, "filters")))
}

func (c *UpdateCommand) Execute(ctx context.Context, interp types.Interpretation) (types.Result, error) {
	matches, err := c.matching(ctx, interp)
	if err != nil {
		return types.Result{}, err
	}
	set := mapParam(interp, "set")
	updated := make([]types.Record, 0, len(matches))
	for _, m := range matches {
		rec, err := c.store.Update(ctx, m.Type, m.ID, set)
		if err != nil {
			return types.Result{}, err
		}
		updated = append(updated, rec)
	}
	return types.Result{
		Status:  types.StatusOK,
		Message: fmt.Sprintf("Updated %d %s record(s).", len(updated), targetParam(interp)),
		Records: updated,
	}, nil
}

func (c *UpdateCommand) Preview(ctx context.Context, interp types.Interpretation) (types.PreviewResult, error) {
	matches, err := c.matching(ctx, interp)
	if err != nil {
		return types.PreviewResult{}, err
	}
	sample := matches
	if len(sample) > c.sampleLimit {
		sample = sample[:c.sampleLimit]
	}
	return types.PreviewResult{
		Command:       c.Name(),
		TargetType:    targetParam(interp),
		AffectedCount: len(matches),
		Sample:        sample,
		Parameters:    interp.Parameters,
		Message:       fmt.Sprintf("Will update %d %s record(s).", len(matches), targetParam(interp)),
	}, nil
}

func (c *UpdateCommand) InvalidatedType(interp types.Interpretation) string {
	return targetParam(interp)
}

// DeleteCommand removes every record matching the filters.
type DeleteCommand struct{ crudBase }

func (c *DeleteCommand) Name() string             { return string(types.OpDelete) }
func (c *DeleteCommand) RequiredMode() types.Mode { return types.ModeWrite }

func (c *DeleteCommand) Validate(ctx context.Context, interp types.Interpretation) error {
	if _, err := c.validateTarget(ctx, interp, "filters"); err != nil {
		return err
	}
	if len(mapParam(interp, "filters")) == 0 {
		return types.E(types.KindValidationFailed,
			"refusing to delete without filters; name what to delete")
	}
	return nil
}

func (c *DeleteCommand) matching(ctx context.Context, interp types.Interpretation) ([]types.Record, error) {
	return c.store.Query(ctx, targetParam(interp), store.Filter(mapParam(interp, "filters")))
}

func (c *DeleteCommand) Execute(ctx context.Context, interp types.Interpretation) (types.Result, error) {
	matches, err := c.matching(ctx, interp)
	if err != nil {
		return types.Result{}, err
	}
	for _, m := range matches {
		if err := c.store.Delete(ctx, m.Type, m.ID); err != nil {
			return types.Result{}, err
		}
	}
	return types.Result{
		Status:  types.StatusOK,
		Message: fmt.Sprintf("Deleted %d %s record(s).", len(matches), targetParam(interp)),
	}, nil
}

func (c *DeleteCommand) Preview(ctx context.Context, interp types.Interpretation) (types.PreviewResult, error) {
	matches, err := c.matching(ctx, interp)
	if err != nil {
		return types.PreviewResult{}, err
	}
	sample := matches
	if len(sample) > c.sampleLimit {
		sample = sample[:c.sampleLimit]
	}
	return types.PreviewResult{
		Command:       c.Name(),
		TargetType:    targetParam(interp),
		AffectedCount: len(matches),
		Sample:        sample,
		Parameters:    interp.Parameters,
		Message:       fmt.Sprintf("Will delete %d %s record(s).", len(matches), targetParam(interp)),
	}, nil
}

func (c *DeleteCommand) InvalidatedType(interp types.Interpretation) string {
	return targetParam(interp)
}
