package executor

import (
	"context"
	"fmt"

	"github.com/skein-dev/skein/bulk/job"
	"github.com/skein-dev/skein/bulk/resolve"
	"github.com/skein-dev/skein/bulk/schema"
	"github.com/skein-dev/skein/errors"
)

// validateItems runs the per-item validation loop. Failures become item
// errors at their batch index; the loop never stops early. Progress is
// reported every progressInterval items and at the last one.
func (e *Executor) validateItems(ctx context.Context, b *batch, validate func(schema.Record) (schema.Record, error)) []resolve.Candidate {
	candidates := make([]resolve.Candidate, 0, len(b.items))
	for i, item := range b.items {
		rec, err := validate(item)
		if err != nil {
			b.itemErrors = append(b.itemErrors, job.ItemError{
				Index:   i,
				Message: err.Error(),
				Data:    item,
			})
		} else {
			candidates = append(candidates, resolve.Candidate{Index: i, Record: rec})
		}
		b.processed = i + 1
		if b.processed%progressInterval == 0 || b.processed == len(b.items) {
			e.reportProgress(ctx, b, b.processed, "validating")
		}
	}
	return candidates
}

func (e *Executor) runCreate(ctx context.Context, b *batch) error {
	candidates := e.validateItems(ctx, b, b.et.Validate)

	ids, err := e.entities.BulkCreate(ctx, b.et, records(candidates))
	if err != nil {
		return err
	}
	b.created = ids
	b.success = len(ids)
	b.processed = b.total
	return nil
}

func (e *Executor) runUpdate(ctx context.Context, b *batch) error {
	candidates := e.validateItems(ctx, b, func(rec schema.Record) (schema.Record, error) {
		out, err := b.et.ValidatePartial(rec)
		if err != nil {
			return nil, err
		}
		if _, ok := out[b.et.IDColumn]; !ok {
			return nil, fmt.Errorf("missing required field %q", b.et.IDColumn)
		}
		return out, nil
	})

	return e.applyUpdates(ctx, b, candidates, presentColumns(b.et, candidates))
}

func (e *Executor) runReplace(ctx context.Context, b *batch) error {
	candidates := e.validateItems(ctx, b, func(rec schema.Record) (schema.Record, error) {
		out, err := b.et.Validate(rec)
		if err != nil {
			return nil, err
		}
		if _, ok := out[b.et.IDColumn]; !ok {
			return nil, fmt.Errorf("missing required field %q", b.et.IDColumn)
		}
		// full replacement writes every declared column
		for _, col := range b.et.Columns() {
			if _, ok := out[col]; !ok {
				return nil, fmt.Errorf("replace requires field %q", col)
			}
		}
		return out, nil
	})

	return e.applyUpdates(ctx, b, candidates, b.et.Columns())
}

// applyUpdates commits update candidates in one transaction and maps rows
// that no longer exist back to item errors
func (e *Executor) applyUpdates(ctx context.Context, b *batch, candidates []resolve.Candidate, columns []string) error {
	indexByID := make(map[int64]int, len(candidates))
	for _, c := range candidates {
		if id, ok := c.Record[b.et.IDColumn].(int64); ok {
			indexByID[id] = c.Index
		}
	}

	updated, missing, err := e.entities.BulkUpdate(ctx, b.et, records(candidates), columns)
	if err != nil {
		return err
	}
	for _, id := range missing {
		b.itemErrors = append(b.itemErrors, job.ItemError{
			Index:   indexByID[id],
			Message: fmt.Sprintf("no %s with %s %d", b.et.Name, b.et.IDColumn, id),
		})
	}
	b.updated = updated
	b.success = len(updated)
	b.processed = b.total
	return nil
}

func (e *Executor) runDelete(ctx context.Context, b *batch) error {
	ids := make([]int64, 0, len(b.items))
	for i, item := range b.items {
		rec, err := b.et.ValidatePartial(item)
		if err != nil {
			b.itemErrors = append(b.itemErrors, job.ItemError{Index: i, Message: err.Error(), Data: item})
			continue
		}
		id, ok := rec[b.et.IDColumn].(int64)
		if !ok {
			b.itemErrors = append(b.itemErrors, job.ItemError{
				Index:   i,
				Message: fmt.Sprintf("missing required field %q", b.et.IDColumn),
				Data:    item,
			})
			continue
		}
		ids = append(ids, id)
	}

	existing, err := e.entities.ExistingIDs(ctx, b.et, ids)
	if err != nil {
		return err
	}
	if len(ids) > 0 && len(existing) == 0 {
		return errors.Wrapf(errors.ErrInvalidRequest,
			"no %s rows match the requested ids", b.et.Name)
	}

	// absent ids are skipped silently, deleting by id is idempotent
	deleted, err := e.entities.BulkDelete(ctx, b.et, ids)
	if err != nil {
		return err
	}
	b.deleted = deleted
	b.success = len(deleted)
	b.processed = b.total
	e.reportProgress(ctx, b, b.total, "deleted")
	return nil
}

func (e *Executor) runUpsert(ctx context.Context, b *batch) error {
	candidates := e.validateItems(ctx, b, b.et.Validate)

	plan, err := resolve.Classify(ctx, e.entities, b.et, candidates, b.uniqueFields, b.updateFields)
	if err != nil {
		return err
	}
	b.itemErrors = append(b.itemErrors, plan.Errors...)

	created, err := e.entities.BulkCreate(ctx, b.et, records(plan.Creates))
	if err != nil {
		return err
	}
	b.created = created

	indexByID := make(map[int64]int, len(plan.Updates))
	for _, c := range plan.Updates {
		if id, ok := c.Record[b.et.IDColumn].(int64); ok {
			indexByID[id] = c.Index
		}
	}
	updated, missing, err := e.entities.BulkUpdate(ctx, b.et, records(plan.Updates), plan.UpdateColumns)
	if err != nil {
		return err
	}
	for _, id := range missing {
		b.itemErrors = append(b.itemErrors, job.ItemError{
			Index:   indexByID[id],
			Message: fmt.Sprintf("no %s with %s %d", b.et.Name, b.et.IDColumn, id),
		})
	}
	b.updated = updated

	// superseded duplicates count as successes, their data was carried by
	// the last item with the same unique key
	b.success = len(created) + len(updated) + len(plan.Superseded)
	b.processed = b.total
	return nil
}

func records(candidates []resolve.Candidate) []schema.Record {
	recs := make([]schema.Record, len(candidates))
	for i, c := range candidates {
		recs[i] = c.Record
	}
	return recs
}

// presentColumns infers update columns as every declared non-id column that
// at least one candidate carries, in declaration order
func presentColumns(et *schema.EntityType, candidates []resolve.Candidate) []string {
	var cols []string
	for _, col := range et.Columns() {
		for _, c := range candidates {
			if _, ok := c.Record[col]; ok {
				cols = append(cols, col)
				break
			}
		}
	}
	return cols
}
