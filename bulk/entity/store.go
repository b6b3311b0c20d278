// Package entity performs the actual table writes behind bulk operations.
// Each mutating call runs in a single transaction: a commit failure leaves
// the table untouched, which is what lets the executor report a clean
// job-level failure instead of a half-applied batch.
package entity

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/skein-dev/skein/bulk/schema"
	"github.com/skein-dev/skein/errors"
)

// maxBindVars keeps batched queries under SQLite's default variable limit
const maxBindVars = 900

// Store executes bulk reads and writes against entity tables
type Store struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

// NewStore creates an entity store over the given database
func NewStore(db *sql.DB, log *zap.SugaredLogger) *Store {
	return &Store{db: db, log: log}
}

// BulkCreate inserts all records in one transaction and returns the new row
// ids in input order
func (s *Store) BulkCreate(ctx context.Context, et *schema.EntityType, recs []schema.Record) ([]int64, error) {
	if len(recs) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin bulk create")
	}
	defer tx.Rollback()

	ids := make([]int64, 0, len(recs))
	for _, rec := range recs {
		cols, vals := columnsAndValues(rec, et.IDColumn)
		if len(cols) == 0 {
			return nil, errors.Wrap(errors.ErrInvalidRequest, "empty record")
		}
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			et.Table, strings.Join(cols, ", "), placeholders(len(cols)))
		res, err := tx.ExecContext(ctx, query, vals...)
		if err != nil {
			return nil, errors.Wrapf(err, "insert into %s", et.Table)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, errors.Wrap(err, "last insert id")
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit bulk create")
	}
	return ids, nil
}

// BulkUpdate writes columns for each record, matched by the record's id
// column, all in one transaction. Only the columns a record actually carries
// are written, so partial records never null out untouched columns. A record
// carrying none of the columns is a no-op counted as updated. Records whose
// id matches no row are reported back so the caller can surface them as item
// errors.
func (s *Store) BulkUpdate(ctx context.Context, et *schema.EntityType, recs []schema.Record, columns []string) (updated []int64, missing []int64, err error) {
	if len(recs) == 0 {
		return nil, nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "begin bulk update")
	}
	defer tx.Rollback()

	for _, rec := range recs {
		id, ok := rec[et.IDColumn].(int64)
		if !ok {
			return nil, nil, errors.Wrapf(errors.ErrInvalidRequest, "record missing %s", et.IDColumn)
		}

		sets := make([]string, 0, len(columns))
		args := make([]interface{}, 0, len(columns)+1)
		for _, col := range columns {
			if v, present := rec[col]; present {
				sets = append(sets, col+" = ?")
				args = append(args, v)
			}
		}
		if len(sets) == 0 {
			updated = append(updated, id)
			continue
		}
		args = append(args, id)

		query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
			et.Table, strings.Join(sets, ", "), et.IDColumn)
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "update %s id %d", et.Table, id)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return nil, nil, errors.Wrap(err, "rows affected")
		}
		if rows == 0 {
			missing = append(missing, id)
		} else {
			updated = append(updated, id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, errors.Wrap(err, "commit bulk update")
	}
	return updated, missing, nil
}

// BulkDelete removes the given ids in one transaction and returns the ids
// that actually existed. Missing ids are skipped without error.
func (s *Store) BulkDelete(ctx context.Context, et *schema.EntityType, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	existing, err := s.ExistingIDs(ctx, et, ids)
	if err != nil {
		return nil, err
	}

	deleted := make([]int64, 0, len(existing))
	for _, id := range ids {
		if existing[id] {
			deleted = append(deleted, id)
		}
	}
	if len(deleted) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin bulk delete")
	}
	defer tx.Rollback()

	for _, chunk := range chunkIDs(deleted, maxBindVars) {
		query := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)",
			et.Table, et.IDColumn, placeholders(len(chunk)))
		if _, err := tx.ExecContext(ctx, query, idArgs(chunk)...); err != nil {
			return nil, errors.Wrapf(err, "delete from %s", et.Table)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit bulk delete")
	}
	return deleted, nil
}

// ExistingIDs reports which of the given ids are present in the table
func (s *Store) ExistingIDs(ctx context.Context, et *schema.EntityType, ids []int64) (map[int64]bool, error) {
	existing := make(map[int64]bool, len(ids))
	for _, chunk := range chunkIDs(ids, maxBindVars) {
		query := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s)",
			et.IDColumn, et.Table, et.IDColumn, placeholders(len(chunk)))
		rows, err := s.db.QueryContext(ctx, query, idArgs(chunk)...)
		if err != nil {
			return nil, errors.Wrapf(err, "query %s ids", et.Table)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, errors.Wrap(err, "scan id")
			}
			existing[id] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "iterate ids")
		}
		rows.Close()
	}
	return existing, nil
}

// LookupByUnique resolves unique-key tuples to row ids in batched queries
// with row-value IN lists, one query per chunk rather than one per record.
// The result is keyed by KeyString over the tuple values.
func (s *Store) LookupByUnique(ctx context.Context, et *schema.EntityType, columns []string, keys [][]interface{}) (map[string]int64, error) {
	if len(keys) == 0 {
		return map[string]int64{}, nil
	}
	if len(columns) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "no unique columns")
	}

	found := make(map[string]int64, len(keys))
	tuplesPerChunk := maxBindVars / len(columns)
	if tuplesPerChunk < 1 {
		tuplesPerChunk = 1
	}

	for start := 0; start < len(keys); start += tuplesPerChunk {
		end := start + tuplesPerChunk
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]

		tuple := "(" + placeholders(len(columns)) + ")"
		tuples := make([]string, len(chunk))
		args := make([]interface{}, 0, len(chunk)*len(columns))
		for i, key := range chunk {
			if len(key) != len(columns) {
				return nil, errors.Wrapf(errors.ErrInvalidRequest,
					"unique key width %d, want %d", len(key), len(columns))
			}
			tuples[i] = tuple
			args = append(args, key...)
		}

		var query string
		if len(columns) == 1 {
			query = fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s IN (%s)",
				et.IDColumn, columns[0], et.Table, columns[0], placeholders(len(chunk)))
		} else {
			query = fmt.Sprintf("SELECT %s, %s FROM %s WHERE (%s) IN (VALUES %s)",
				et.IDColumn, strings.Join(columns, ", "), et.Table,
				strings.Join(columns, ", "), strings.Join(tuples, ", "))
		}

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, errors.Wrapf(err, "unique lookup on %s", et.Table)
		}
		if err := scanLookupRows(rows, len(columns), found); err != nil {
			return nil, err
		}
	}
	return found, nil
}

func scanLookupRows(rows *sql.Rows, width int, found map[string]int64) error {
	defer rows.Close()
	for rows.Next() {
		var id int64
		vals := make([]interface{}, width)
		dest := make([]interface{}, 0, width+1)
		dest = append(dest, &id)
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return errors.Wrap(err, "scan unique lookup")
		}
		found[KeyString(vals)] = id
	}
	return errors.Wrap(rows.Err(), "iterate unique lookup")
}

// FetchByIDs loads full records for the given ids, keyed by column name
func (s *Store) FetchByIDs(ctx context.Context, et *schema.EntityType, ids []int64) ([]schema.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	cols := append([]string{et.IDColumn}, et.Columns()...)
	var recs []schema.Record

	for _, chunk := range chunkIDs(ids, maxBindVars) {
		query := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s)",
			strings.Join(cols, ", "), et.Table, et.IDColumn, placeholders(len(chunk)))
		rows, err := s.db.QueryContext(ctx, query, idArgs(chunk)...)
		if err != nil {
			return nil, errors.Wrapf(err, "fetch %s by ids", et.Table)
		}
		chunkRecs, err := scanRecords(rows, cols)
		if err != nil {
			return nil, err
		}
		recs = append(recs, chunkRecs...)
	}
	return recs, nil
}

func scanRecords(rows *sql.Rows, cols []string) ([]schema.Record, error) {
	defer rows.Close()
	var recs []schema.Record
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		dest := make([]interface{}, len(cols))
		for i := range vals {
			dest[i] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, errors.Wrap(err, "scan record")
		}
		rec := make(schema.Record, len(cols))
		for i, col := range cols {
			if b, ok := vals[i].([]byte); ok {
				rec[col] = string(b)
			} else {
				rec[col] = vals[i]
			}
		}
		recs = append(recs, rec)
	}
	return recs, errors.Wrap(rows.Err(), "iterate records")
}

// KeyString serializes a unique-key tuple into a stable map key
func KeyString(vals []interface{}) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		parts[i] = fmt.Sprintf("%v", v)
	}
	return strings.Join(parts, "\x1f")
}

func columnsAndValues(rec schema.Record, idColumn string) ([]string, []interface{}) {
	cols := make([]string, 0, len(rec))
	for col := range rec {
		if col == idColumn {
			continue
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)
	vals := make([]interface{}, len(cols))
	for i, col := range cols {
		vals[i] = rec[col]
	}
	return cols, vals
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func chunkIDs(ids []int64, size int) [][]int64 {
	var chunks [][]int64
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

func idArgs(ids []int64) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
