// Package resolve classifies upsert candidates into creates and updates by
// looking up their unique-field tuples against existing rows. Lookups are
// batched: one query per chunk of tuples, never one query per record.
package resolve

import (
	"context"
	"fmt"

	"github.com/skein-dev/skein/bulk/entity"
	"github.com/skein-dev/skein/bulk/job"
	"github.com/skein-dev/skein/bulk/schema"
	"github.com/skein-dev/skein/errors"
)

// Candidate is one validated record with its position in the submitted batch
type Candidate struct {
	Index  int
	Record schema.Record
}

// Plan is the outcome of classification. Creates and Updates preserve the
// batch order of their surviving candidates; update candidates carry the
// matched row id in their record. Superseded holds candidates replaced by a
// later item with the same unique key.
type Plan struct {
	Creates    []Candidate
	Updates    []Candidate
	Superseded []Candidate
	Errors     []job.ItemError

	// UpdateColumns is the column set written for every update candidate
	UpdateColumns []string
}

// Lookuper resolves unique-key tuples to existing row ids
type Lookuper interface {
	LookupByUnique(ctx context.Context, et *schema.EntityType, columns []string, keys [][]interface{}) (map[string]int64, error)
}

// Classify splits candidates into creates and updates. A candidate missing
// any unique field becomes an item error; it never aborts the batch. When
// two candidates share a unique key the last one wins and the earlier ones
// are superseded. Update columns come from updateFields when given,
// otherwise they are inferred as every non-unique column present across the
// update candidates.
func Classify(ctx context.Context, store Lookuper, et *schema.EntityType, candidates []Candidate, uniqueFields, updateFields []string) (*Plan, error) {
	if len(uniqueFields) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "upsert requires unique fields")
	}
	uniqueCols, err := et.ResolveColumns(uniqueFields)
	if err != nil {
		return nil, err
	}

	plan := &Plan{}

	// last write wins per unique key
	keyed := make(map[string]Candidate)
	order := make([]string, 0, len(candidates))
	for _, c := range candidates {
		key, ok := uniqueKey(c.Record, uniqueCols, uniqueFields, plan, c)
		if !ok {
			continue
		}
		if prev, dup := keyed[key]; dup {
			plan.Superseded = append(plan.Superseded, prev)
		} else {
			order = append(order, key)
		}
		keyed[key] = c
	}

	keys := make([][]interface{}, len(order))
	for i, key := range order {
		c := keyed[key]
		tuple := make([]interface{}, len(uniqueCols))
		for j, col := range uniqueCols {
			tuple[j] = c.Record[col]
		}
		keys[i] = tuple
	}

	found, err := store.LookupByUnique(ctx, et, uniqueCols, keys)
	if err != nil {
		return nil, err
	}

	for i, key := range order {
		c := keyed[key]
		if id, exists := found[entity.KeyString(keys[i])]; exists {
			c.Record[et.IDColumn] = id
			plan.Updates = append(plan.Updates, c)
		} else {
			plan.Creates = append(plan.Creates, c)
		}
	}

	plan.UpdateColumns, err = updateColumns(et, plan.Updates, uniqueCols, updateFields)
	if err != nil {
		return nil, err
	}
	return plan, nil
}

func uniqueKey(rec schema.Record, uniqueCols, uniqueFields []string, plan *Plan, c Candidate) (string, bool) {
	vals := make([]interface{}, len(uniqueCols))
	for i, col := range uniqueCols {
		v, ok := rec[col]
		if !ok || v == nil {
			plan.Errors = append(plan.Errors, job.ItemError{
				Index:   c.Index,
				Message: fmt.Sprintf("missing unique field %q", uniqueFields[i]),
				Data:    c.Record,
			})
			return "", false
		}
		vals[i] = v
	}
	return entity.KeyString(vals), true
}

func updateColumns(et *schema.EntityType, updates []Candidate, uniqueCols, updateFields []string) ([]string, error) {
	if len(updateFields) > 0 {
		return et.ResolveColumns(updateFields)
	}

	unique := make(map[string]bool, len(uniqueCols))
	for _, col := range uniqueCols {
		unique[col] = true
	}

	seen := make(map[string]bool)
	var cols []string
	for _, col := range et.Columns() {
		if unique[col] || seen[col] {
			continue
		}
		for _, c := range updates {
			if _, present := c.Record[col]; present {
				cols = append(cols, col)
				seen[col] = true
				break
			}
		}
	}
	return cols, nil
}
