package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/regen-network/koi/pkg/ledger"
)

// ReceiptStore durably persists CATs for the Receipt Ledger. It mirrors the
// in-memory ledger.Ledger's append semantics (idempotent on catId) but
// backs a SQL table so chains survive a restart.
type ReceiptStore interface {
	Get(ctx context.Context, catID string) (*ledger.CAT, error)
	ByInput(ctx context.Context, key string) ([]*ledger.CAT, error)
	List(ctx context.Context, limit int) ([]*ledger.CAT, error)
	Store(ctx context.Context, cat *ledger.CAT) (ledger.AppendResult, error)
	// ChainFor returns the most recent CAT chain ending at rid's current artifact.
	ChainFor(ctx context.Context, rid string) ([]*ledger.CAT, error)
}

// PostgresReceiptStore is a durable SQL-based implementation.
type PostgresReceiptStore struct {
	db *sql.DB
}

func NewPostgresReceiptStore(db *sql.DB) *PostgresReceiptStore {
	return &PostgresReceiptStore{db: db}
}

func (s *PostgresReceiptStore) Get(ctx context.Context, catID string) (*ledger.CAT, error) {
	query := `
		SELECT payload FROM receipts
		WHERE cat_id = $1
	`
	return s.queryOne(ctx, query, catID)
}

func (s *PostgresReceiptStore) queryOne(ctx context.Context, query string, arg any) (*ledger.CAT, error) {
	row := s.db.QueryRowContext(ctx, query, arg)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("receipt not found: %w", err)
		}
		return nil, err
	}
	var cat ledger.CAT
	if err := json.Unmarshal(payload, &cat); err != nil {
		return nil, fmt.Errorf("corrupt receipt payload: %w", err)
	}
	return &cat, nil
}

func (s *PostgresReceiptStore) ByInput(ctx context.Context, key string) ([]*ledger.CAT, error) {
	query := `
		SELECT payload FROM receipts
		WHERE input_cid = $1 OR input_rid = $1
		ORDER BY seq ASC
	`
	return s.queryMany(ctx, query, key)
}

func (s *PostgresReceiptStore) List(ctx context.Context, limit int) ([]*ledger.CAT, error) {
	query := `
		SELECT payload FROM receipts
		ORDER BY seq DESC
		LIMIT $1
	`
	return s.queryMany(ctx, query, limit)
}

func (s *PostgresReceiptStore) queryMany(ctx context.Context, query string, arg any) ([]*ledger.CAT, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
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

func (s *PostgresReceiptStore) Store(ctx context.Context, cat *ledger.CAT) (ledger.AppendResult, error) {
	existing, err := s.Get(ctx, cat.CatID)
	if err == nil && existing != nil {
		return ledger.AlreadyPresent, nil
	}

	payload, err := json.Marshal(cat)
	if err != nil {
		return "", fmt.Errorf("failed to marshal cat: %w", err)
	}

	query := `
		INSERT INTO receipts (cat_id, operation, input_rid, input_cid, output_rid, output_cid, retroactive, ts, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (cat_id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		cat.CatID, cat.Operation, cat.InputRid, cat.InputCid, cat.OutputRid, cat.OutputCid,
		cat.Retroactive, cat.Timestamp, payload,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert receipt: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ledger.AlreadyPresent, nil
	}
	return ledger.Appended, nil
}

// ChainFor walks output_rid matches backwards via output_cid == input_cid
// links until a root is reached, or until the producer found is a CAT
// already in the chain (one whose output equals its own input).
func (s *PostgresReceiptStore) ChainFor(ctx context.Context, rid string) ([]*ledger.CAT, error) {
	latestQuery := `
		SELECT payload FROM receipts
		WHERE output_rid = $1
		ORDER BY seq DESC
		LIMIT 1
	`
	latest, err := s.queryOne(ctx, latestQuery, rid)
	if err != nil {
		return nil, err
	}

	chain := []*ledger.CAT{latest}
	cursor := latest
	seen := map[string]bool{latest.CatID: true}
	for {
		producerQuery := `
			SELECT payload FROM receipts
			WHERE output_cid = $1
			ORDER BY seq DESC
			LIMIT 1
		`
		producer, err := s.queryOne(ctx, producerQuery, cursor.InputCid)
		if err != nil || seen[producer.CatID] {
			break
		}
		seen[producer.CatID] = true
		chain = append([]*ledger.CAT{producer}, chain...)
		cursor = producer
	}
	return chain, nil
}
