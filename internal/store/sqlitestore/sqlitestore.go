// Package sqlitestore keeps documents as JSON rows in a single SQLite table.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"medshare/internal/db"
	"medshare/internal/migrate"
	"medshare/internal/store"
)

type Store struct {
	DB *sql.DB
}

// Open opens (and migrates) the workspace database.
func Open(ctx context.Context, cfg db.Config) (*Store, error) {
	conn, err := db.Open(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{DB: conn}, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

const selectCols = `collection,id,version,data,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDoc(row scanner) (store.Doc, error) {
	var d store.Doc
	var data, created, updated string
	if err := row.Scan(&d.Collection, &d.ID, &d.Version, &data, &created, &updated); err != nil {
		return d, err
	}
	d.Data = []byte(data)
	var err error
	if d.CreatedAt, err = time.Parse(store.TimeLayout, created); err != nil {
		return d, fmt.Errorf("parse created_at: %w", err)
	}
	if d.UpdatedAt, err = time.Parse(store.TimeLayout, updated); err != nil {
		return d, fmt.Errorf("parse updated_at: %w", err)
	}
	return d, nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (store.Doc, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+selectCols+` FROM documents WHERE collection=? AND id=?`, collection, id)
	d, err := scanDoc(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Doc{}, store.ErrNotFound
	}
	return d, err
}

func (s *Store) Query(ctx context.Context, collection string, q store.Query) ([]store.Doc, error) {
	if err := store.ValidateQuery(q); err != nil {
		return nil, err
	}
	where := []string{"collection=?"}
	args := []any{collection}
	for field, val := range q.Equals {
		where = append(where, fmt.Sprintf("json_extract(data,'$.%s')=?", field))
		args = append(args, val)
	}
	for field, vals := range q.AnyOf {
		if len(vals) == 0 {
			where = append(where, "0")
			continue
		}
		marks := strings.TrimSuffix(strings.Repeat("?,", len(vals)), ",")
		where = append(where, fmt.Sprintf("json_extract(data,'$.%s') IN (%s)", field, marks))
		for _, v := range vals {
			args = append(args, v)
		}
	}
	if q.Search != nil && strings.TrimSpace(q.Search.Term) != "" && len(q.Search.Fields) > 0 {
		term := strings.ToLower(strings.TrimSpace(q.Search.Term))
		var ors []string
		for _, field := range q.Search.Fields {
			ors = append(ors, fmt.Sprintf("instr(lower(coalesce(json_extract(data,'$.%s'),'')),?)>0", field))
			args = append(args, term)
		}
		where = append(where, "("+strings.Join(ors, " OR ")+")")
	}
	cmp, dir := "<", "DESC"
	if q.Ascending {
		cmp, dir = ">", "ASC"
	}
	if q.After != nil {
		ts := q.After.CreatedAt.UTC().Format(store.TimeLayout)
		where = append(where, fmt.Sprintf("(created_at %s ? OR (created_at = ? AND id %s ?))", cmp, cmp))
		args = append(args, ts, ts, q.After.ID)
	}
	query := `SELECT ` + selectCols + ` FROM documents WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(" ORDER BY created_at %s, id %s", dir, dir)
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Doc
	for rows.Next() {
		d, err := scanDoc(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) Apply(ctx context.Context, writes []store.Write) error {
	if err := store.ValidateWrites(writes); err != nil {
		return err
	}
	if len(writes) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, w := range writes {
		if err := applyOne(ctx, tx, w); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func applyOne(ctx context.Context, tx *sql.Tx, w store.Write) error {
	at := w.At
	if at.IsZero() {
		at = time.Now()
	}
	ts := at.UTC().Format(store.TimeLayout)
	switch w.Op {
	case store.OpCreate:
		res, err := tx.ExecContext(ctx, `INSERT INTO documents(collection,id,version,data,created_at,updated_at) VALUES (?,?,1,?,?,?) ON CONFLICT(collection,id) DO NOTHING`,
			w.Collection, w.ID, string(w.Data), ts, ts)
		if err != nil {
			return fmt.Errorf("insert %s/%s: %w", w.Collection, w.ID, err)
		}
		return expectOne(res, w)
	case store.OpUpdate:
		res, err := tx.ExecContext(ctx, `UPDATE documents SET data=?, version=version+1, updated_at=? WHERE collection=? AND id=? AND version=?`,
			string(w.Data), ts, w.Collection, w.ID, w.Version)
		if err != nil {
			return fmt.Errorf("update %s/%s: %w", w.Collection, w.ID, err)
		}
		return expectOne(res, w)
	case store.OpCheck:
		var v int64
		err := tx.QueryRowContext(ctx, `SELECT version FROM documents WHERE collection=? AND id=?`, w.Collection, w.ID).Scan(&v)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && v != w.Version) {
			return fmt.Errorf("%w: %s/%s", store.ErrConflict, w.Collection, w.ID)
		}
		return err
	}
	return fmt.Errorf("unknown op %q", w.Op)
}

func expectOne(res sql.Result, w store.Write) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: %s %s/%s", store.ErrConflict, w.Op, w.Collection, w.ID)
	}
	return nil
}
