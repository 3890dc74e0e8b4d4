package kvstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// PostgresStore adapts the composite (pk, sk) abstraction onto a single
// table with a JSONB attributes column. TTL is a column checked on read
// (lazily expiring, no background reaper), and conditional writes map to
// INSERT ... ON CONFLICT DO NOTHING / UPDATE ... WHERE plus a rows-affected
// check — the same pattern the execution ledger uses for its optimistic
// lease acquisition.
//
// Up to two secondary indices per item are supported, addressed by name
// via attributes carrying the reserved keys "__index_<name>_pk" and
// "__index_<name>_sk" (mirroring MemoryStore's convention so callers are
// backend-agnostic).
type PostgresStore struct {
	db    *sql.DB
	table string
}

// NewPostgresStore wraps db, operating on the given table name. The table
// is expected to have been created with CreateTableSQL.
func NewPostgresStore(db *sql.DB, table string) *PostgresStore {
	return &PostgresStore{db: db, table: table}
}

// CreateTableSQL returns the DDL for the backing table.
func (s *PostgresStore) CreateTableSQL() string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	pk TEXT NOT NULL,
	sk TEXT NOT NULL,
	attributes JSONB NOT NULL DEFAULT '{}'::jsonb,
	ttl_epoch BIGINT NOT NULL DEFAULT 0,
	idx1_name TEXT,
	idx1_pk TEXT,
	idx1_sk TEXT,
	idx2_name TEXT,
	idx2_pk TEXT,
	idx2_sk TEXT,
	PRIMARY KEY (pk, sk)
);
CREATE INDEX IF NOT EXISTS %[1]s_idx1 ON %[1]s (idx1_name, idx1_pk, idx1_sk);
CREATE INDEX IF NOT EXISTS %[1]s_idx2 ON %[1]s (idx2_name, idx2_pk, idx2_sk);
`, s.table)
}

func indexSlots(attrs map[string]any) (n1, p1, s1, n2, p2, s2 string) {
	var names []string
	for k := range attrs {
		if strings.HasPrefix(k, "__index_") && strings.HasSuffix(k, "_pk") {
			names = append(names, strings.TrimSuffix(strings.TrimPrefix(k, "__index_"), "_pk"))
		}
	}
	sort.Strings(names)
	get := func(name string) (pk, sk string) {
		p, _ := attrs["__index_"+name+"_pk"].(string)
		s, _ := attrs["__index_"+name+"_sk"].(string)
		return p, s
	}
	if len(names) > 0 {
		n1 = names[0]
		p1, s1 = get(n1)
	}
	if len(names) > 1 {
		n2 = names[1]
		p2, s2 = get(n2)
	}
	return
}

func (s *PostgresStore) scanRow(row *sql.Row) (*Item, error) {
	var pk, sk string
	var attrJSON []byte
	var ttl int64
	if err := row.Scan(&pk, &sk, &attrJSON, &ttl); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kvstore: scan: %w", err)
	}
	attrs := map[string]any{}
	if len(attrJSON) > 0 {
		if err := json.Unmarshal(attrJSON, &attrs); err != nil {
			return nil, fmt.Errorf("kvstore: unmarshal attributes: %w", err)
		}
	}
	return &Item{PK: pk, SK: sk, Attributes: attrs, TTLEpoch: ttl}, nil
}

func (s *PostgresStore) Get(ctx context.Context, pk, sk string) (*Item, error) {
	q := fmt.Sprintf(`SELECT pk, sk, attributes, ttl_epoch FROM %s WHERE pk=$1 AND sk=$2 AND (ttl_epoch=0 OR ttl_epoch>$3)`, s.table)
	row := s.db.QueryRowContext(ctx, q, pk, sk, time.Now().Unix())
	return s.scanRow(row)
}

// read is an internal helper bypassing TTL filtering, used to evaluate
// conditions against the current row regardless of logical expiry.
func (s *PostgresStore) read(ctx context.Context, pk, sk string) (*Item, error) {
	q := fmt.Sprintf(`SELECT pk, sk, attributes, ttl_epoch FROM %s WHERE pk=$1 AND sk=$2`, s.table)
	row := s.db.QueryRowContext(ctx, q, pk, sk)
	return s.scanRow(row)
}

func (s *PostgresStore) PutConditional(ctx context.Context, item Item, cond Condition) error {
	existing, err := s.read(ctx, item.PK, item.SK)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if errors.Is(err, ErrNotFound) {
		existing = nil
	}
	if !cond.Evaluate(existing) {
		return ErrConditionFailed
	}

	attrJSON, err := json.Marshal(item.Attributes)
	if err != nil {
		return fmt.Errorf("kvstore: marshal attributes: %w", err)
	}
	n1, p1, sk1, n2, p2, sk2 := indexSlots(item.Attributes)

	var q string
	if cond.RequireNotExists {
		q = fmt.Sprintf(`
INSERT INTO %s (pk, sk, attributes, ttl_epoch, idx1_name, idx1_pk, idx1_sk, idx2_name, idx2_pk, idx2_sk)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (pk, sk) DO NOTHING`, s.table)
	} else {
		q = fmt.Sprintf(`
INSERT INTO %s (pk, sk, attributes, ttl_epoch, idx1_name, idx1_pk, idx1_sk, idx2_name, idx2_pk, idx2_sk)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (pk, sk) DO UPDATE SET
	attributes=EXCLUDED.attributes, ttl_epoch=EXCLUDED.ttl_epoch,
	idx1_name=EXCLUDED.idx1_name, idx1_pk=EXCLUDED.idx1_pk, idx1_sk=EXCLUDED.idx1_sk,
	idx2_name=EXCLUDED.idx2_name, idx2_pk=EXCLUDED.idx2_pk, idx2_sk=EXCLUDED.idx2_sk`, s.table)
	}
	res, err := s.db.ExecContext(ctx, q, item.PK, item.SK, attrJSON, item.TTLEpoch, n1, p1, sk1, n2, p2, sk2)
	if err != nil {
		return fmt.Errorf("kvstore: put: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("kvstore: rows affected: %w", err)
	}
	if affected == 0 {
		return ErrConditionFailed
	}
	return nil
}

func (s *PostgresStore) UpdateConditional(ctx context.Context, pk, sk string, mut Mutation, cond Condition) error {
	existing, err := s.read(ctx, pk, sk)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if errors.Is(err, ErrNotFound) {
		existing = nil
	}
	if !cond.Evaluate(existing) {
		return ErrConditionFailed
	}

	merged := map[string]any{}
	if existing != nil {
		for k, v := range existing.Attributes {
			merged[k] = v
		}
	}
	for k, v := range mut.Set {
		merged[k] = v
	}
	for _, k := range mut.Remove {
		delete(merged, k)
	}
	ttl := int64(0)
	if existing != nil {
		ttl = existing.TTLEpoch
	}
	if mut.TTLEpoch != nil {
		ttl = *mut.TTLEpoch
	}
	attrJSON, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("kvstore: marshal attributes: %w", err)
	}
	n1, p1, sk1, n2, p2, sk2 := indexSlots(merged)

	var whereParts []string
	args := []any{attrJSON, ttl, n1, p1, sk1, n2, p2, sk2, pk, sk}
	argN := len(args)
	if cond.RequireExists {
		whereParts = append(whereParts, "TRUE")
	}
	for attr, want := range cond.AttrEquals {
		argN++
		args = append(args, fmt.Sprintf("%v", want))
		whereParts = append(whereParts, fmt.Sprintf("attributes->>'%s' = $%d", attr, argN))
	}
	for attr, set := range cond.AttrIn {
		var inClauses []string
		for _, v := range set {
			argN++
			args = append(args, fmt.Sprintf("%v", v))
			inClauses = append(inClauses, fmt.Sprintf("$%d", argN))
		}
		whereParts = append(whereParts, fmt.Sprintf("attributes->>'%s' IN (%s)", attr, strings.Join(inClauses, ",")))
	}
	where := "pk=$9 AND sk=$10"
	if len(whereParts) > 0 {
		where += " AND " + strings.Join(whereParts, " AND ")
	}

	q := fmt.Sprintf(`UPDATE %s SET attributes=$1, ttl_epoch=$2, idx1_name=$3, idx1_pk=$4, idx1_sk=$5, idx2_name=$6, idx2_pk=$7, idx2_sk=$8 WHERE %s`, s.table, where)
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("kvstore: update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("kvstore: rows affected: %w", err)
	}
	if affected == 0 {
		return ErrConditionFailed
	}
	return nil
}

func (s *PostgresStore) queryRows(ctx context.Context, q string, args ...any) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("kvstore: query: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var pk, sk string
		var attrJSON []byte
		var ttl int64
		if err := rows.Scan(&pk, &sk, &attrJSON, &ttl); err != nil {
			return nil, fmt.Errorf("kvstore: scan row: %w", err)
		}
		attrs := map[string]any{}
		if len(attrJSON) > 0 {
			if err := json.Unmarshal(attrJSON, &attrs); err != nil {
				return nil, fmt.Errorf("kvstore: unmarshal row: %w", err)
			}
		}
		out = append(out, Item{PK: pk, SK: sk, Attributes: attrs, TTLEpoch: ttl})
	}
	return out, rows.Err()
}

func (s *PostgresStore) Query(ctx context.Context, pk string, opts QueryOptions) ([]Item, error) {
	order := "ASC"
	if !opts.Forward {
		order = "DESC"
	}
	q := fmt.Sprintf(`SELECT pk, sk, attributes, ttl_epoch FROM %s WHERE pk=$1 AND sk LIKE $2 AND (ttl_epoch=0 OR ttl_epoch>$3) ORDER BY sk %s`, s.table, order)
	args := []any{pk, opts.SKPrefix + "%", time.Now().Unix()}
	if opts.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	return s.queryRows(ctx, q, args...)
}

func (s *PostgresStore) QueryIndex(ctx context.Context, indexName, pk string, opts QueryOptions) ([]Item, error) {
	order := "ASC"
	if !opts.Forward {
		order = "DESC"
	}
	q := fmt.Sprintf(`
SELECT pk, sk, attributes, ttl_epoch FROM %[1]s
WHERE ((idx1_name=$1 AND idx1_pk=$2) OR (idx2_name=$1 AND idx2_pk=$2))
  AND (ttl_epoch=0 OR ttl_epoch>$3)
ORDER BY sk %[2]s`, s.table, order)
	args := []any{indexName, pk, time.Now().Unix()}
	if opts.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	return s.queryRows(ctx, q, args...)
}
