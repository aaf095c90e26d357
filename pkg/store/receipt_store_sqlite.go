package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/regen-network/koi/pkg/ledger"

	_ "modernc.org/sqlite"
)

// SQLiteReceiptStore is an embedded, dependency-free ReceiptStore backend
// for single-node deployments and tests where a Postgres instance is not
// available.
type SQLiteReceiptStore struct {
	db  *sql.DB
	seq uint64
}

func NewSQLiteReceiptStore(db *sql.DB) (*SQLiteReceiptStore, error) {
	s := &SQLiteReceiptStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteReceiptStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS receipts (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        cat_id TEXT UNIQUE NOT NULL,
        operation TEXT NOT NULL,
        input_rid TEXT,
        input_cid TEXT,
        output_rid TEXT,
        output_cid TEXT,
        retroactive BOOLEAN NOT NULL DEFAULT 0,
        ts DATETIME NOT NULL,
        payload JSON NOT NULL
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteReceiptStore) Get(ctx context.Context, catID string) (*ledger.CAT, error) {
	query := `SELECT payload FROM receipts WHERE cat_id = ?`
	return s.queryOne(ctx, query, catID)
}

func (s *SQLiteReceiptStore) ByInput(ctx context.Context, key string) ([]*ledger.CAT, error) {
	query := `SELECT payload FROM receipts WHERE input_cid = ? OR input_rid = ? ORDER BY seq ASC`
	return s.queryMany(ctx, query, key, key)
}

func (s *SQLiteReceiptStore) List(ctx context.Context, limit int) ([]*ledger.CAT, error) {
	query := `SELECT payload FROM receipts ORDER BY seq DESC LIMIT ?`
	return s.queryMany(ctx, query, limit)
}

func (s *SQLiteReceiptStore) Store(ctx context.Context, cat *ledger.CAT) (ledger.AppendResult, error) {
	if existing, err := s.Get(ctx, cat.CatID); err == nil && existing != nil {
		return ledger.AlreadyPresent, nil
	}

	payload, err := json.Marshal(cat)
	if err != nil {
		return "", fmt.Errorf("failed to marshal cat: %w", err)
	}

	query := `INSERT OR IGNORE INTO receipts (
		cat_id, operation, input_rid, input_cid, output_rid, output_cid, retroactive, ts, payload
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, query,
		cat.CatID, cat.Operation, cat.InputRid, cat.InputCid, cat.OutputRid, cat.OutputCid,
		cat.Retroactive, cat.Timestamp.UTC().Format(time.RFC3339Nano), payload,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert receipt: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ledger.AlreadyPresent, nil
	}
	return ledger.Appended, nil
}

func (s *SQLiteReceiptStore) ChainFor(ctx context.Context, rid string) ([]*ledger.CAT, error) {
	latest, err := s.queryOne(ctx, `SELECT payload FROM receipts WHERE output_rid = ? ORDER BY seq DESC LIMIT 1`, rid)
	if err != nil {
		return nil, err
	}

	chain := []*ledger.CAT{latest}
	cursor := latest
	seen := map[string]bool{latest.CatID: true}
	for {
		producer, err := s.queryOne(ctx, `SELECT payload FROM receipts WHERE output_cid = ? ORDER BY seq DESC LIMIT 1`, cursor.InputCid)
		if err != nil || seen[producer.CatID] {
			break
		}
		seen[producer.CatID] = true
		chain = append([]*ledger.CAT{producer}, chain...)
		cursor = producer
	}
	return chain, nil
}

func (s *SQLiteReceiptStore) queryOne(ctx context.Context, query string, args ...any) (*ledger.CAT, error) {
	row := s.db.QueryRowContext(ctx, query, args...)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("receipt not found")
		}
		return nil, err
	}
	var cat ledger.CAT
	if err := json.Unmarshal(payload, &cat); err != nil {
		return nil, fmt.Errorf("corrupt receipt payload: %w", err)
	}
	return &cat, nil
}

func (s *SQLiteReceiptStore) queryMany(ctx context.Context, query string, args ...any) ([]*ledger.CAT, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var cats []*ledger.CAT
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var cat ledger.CAT
		if err := json.Unmarshal(payload, &cat); err != nil {
			return nil, fmt.Errorf("corrupt receipt payload: %w", err)
		}
		cats = append(cats, &cat)
	}
	return cats, rows.Err()
}
