// Package postgres implements the storage interfaces on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/crossvault/authcore/internal/app/domain/geo"
	"github.com/crossvault/authcore/internal/app/domain/signing"
	"github.com/crossvault/authcore/internal/app/domain/swap"
	"github.com/crossvault/authcore/internal/app/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS signing_requests (
    id                  TEXT PRIMARY KEY,
    action_id           TEXT NOT NULL,
    action_type         TEXT NOT NULL,
    required_signatures INTEGER NOT NULL,
    signers             JSONB NOT NULL,
    status              TEXT NOT NULL,
    source_chain        TEXT NOT NULL DEFAULT '',
    destination_chain   TEXT NOT NULL DEFAULT '',
    initiator           TEXT NOT NULL DEFAULT '',
    created_at          TIMESTAMPTZ NOT NULL,
    completed_at        TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_signing_requests_action
    ON signing_requests (action_id, action_type, created_at DESC);

CREATE TABLE IF NOT EXISTS swaps (
    id                TEXT PRIMARY KEY,
    hash_lock         TEXT NOT NULL,
    time_lock         TIMESTAMPTZ NOT NULL,
    source_chain      TEXT NOT NULL,
    destination_chain TEXT NOT NULL,
    amount            DOUBLE PRECISION NOT NULL,
    initiator         TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL,
    lock_tx_handle    TEXT NOT NULL DEFAULT '',
    claim_tx_handle   TEXT NOT NULL DEFAULT '',
    refund_tx_handle  TEXT NOT NULL DEFAULT '',
    created_at        TIMESTAMPTZ NOT NULL,
    updated_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_swaps_initiator ON swaps (initiator, created_at);

CREATE TABLE IF NOT EXISTS geo_records (
    id            TEXT PRIMARY KEY,
    action_id     TEXT NOT NULL,
    location_hash TEXT NOT NULL,
    verified      BOOLEAN NOT NULL DEFAULT FALSE,
    created_at    TIMESTAMPTZ NOT NULL,
    expires_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_geo_records_action ON geo_records (action_id);
CREATE INDEX IF NOT EXISTS idx_geo_records_expiry ON geo_records (expires_at);
`

// Store implements the storage interfaces on a PostgreSQL database.
type Store struct {
	db *sqlx.DB
}

var (
	_ storage.SigningStore = (*Store)(nil)
	_ storage.SwapStore    = (*Store)(nil)
	_ storage.GeoStore     = (*Store)(nil)
)

// New connects to the database and ensures the schema exists.
func New(dsn string) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := &Store{db: db}
	if err := store.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewWithDB wraps an existing connection; the schema is assumed present.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureSchema() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Signing requests ------------------------------------------------------------

type signingRow struct {
	ID                 string       `db:"id"`
	ActionID           string       `db:"action_id"`
	ActionType         string       `db:"action_type"`
	RequiredSignatures int          `db:"required_signatures"`
	Signers            []byte       `db:"signers"`
	Status             string       `db:"status"`
	SourceChain        string       `db:"source_chain"`
	DestinationChain   string       `db:"destination_chain"`
	Initiator          string       `db:"initiator"`
	CreatedAt          time.Time    `db:"created_at"`
	CompletedAt        sql.NullTime `db:"completed_at"`
}

func (r signingRow) toDomain() (signing.Request, error) {
	var signers []signing.Signer
	if err := json.Unmarshal(r.Signers, &signers); err != nil {
		return signing.Request{}, fmt.Errorf("decode signers: %w", err)
	}
	req := signing.Request{
		ID:                 r.ID,
		ActionID:           r.ActionID,
		ActionType:         signing.ActionType(r.ActionType),
		RequiredSignatures: r.RequiredSignatures,
		Signers:            signers,
		Status:             signing.Status(r.Status),
		SourceChain:        r.SourceChain,
		DestinationChain:   r.DestinationChain,
		Initiator:          r.Initiator,
		CreatedAt:          r.CreatedAt,
	}
	if r.CompletedAt.Valid {
		completed := r.CompletedAt.Time
		req.CompletedAt = &completed
	}
	return req, nil
}

func (s *Store) CreateSigningRequest(ctx context.Context, req signing.Request) (signing.Request, error) {
	signers, err := json.Marshal(req.Signers)
	if err != nil {
		return signing.Request{}, fmt.Errorf("encode signers: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO signing_requests
		    (id, action_id, action_type, required_signatures, signers, status,
		     source_chain, destination_chain, initiator, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		req.ID, req.ActionID, string(req.ActionType), req.RequiredSignatures, signers,
		string(req.Status), req.SourceChain, req.DestinationChain, req.Initiator,
		req.CreatedAt, nullTime(req.CompletedAt))
	if err != nil {
		return signing.Request{}, fmt.Errorf("insert signing request: %w", err)
	}
	return req, nil
}

func (s *Store) UpdateSigningRequest(ctx context.Context, req signing.Request) (signing.Request, error) {
	signers, err := json.Marshal(req.Signers)
	if err != nil {
		return signing.Request{}, fmt.Errorf("encode signers: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE signing_requests
		SET signers = $2, status = $3, completed_at = $4
		WHERE id = $1`,
		req.ID, signers, string(req.Status), nullTime(req.CompletedAt))
	if err != nil {
		return signing.Request{}, fmt.Errorf("update signing request: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return signing.Request{}, fmt.Errorf("signing request %s: %w", req.ID, storage.ErrNotFound)
	}
	return req, nil
}

func (s *Store) GetSigningRequest(ctx context.Context, id string) (signing.Request, error) {
	var row signingRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, action_id, action_type, required_signatures, signers, status,
		       source_chain, destination_chain, initiator, created_at, completed_at
		FROM signing_requests WHERE id = $1`, id)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return signing.Request{}, fmt.Errorf("signing request %s: %w", id, storage.ErrNotFound)
		}
		return signing.Request{}, fmt.Errorf("get signing request: %w", err)
	}
	return row.toDomain()
}

func (s *Store) GetSigningRequestByAction(ctx context.Context, actionID string, actionType signing.ActionType) (signing.Request, error) {
	var row signingRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, action_id, action_type, required_signatures, signers, status,
		       source_chain, destination_chain, initiator, created_at, completed_at
		FROM signing_requests
		WHERE action_id = $1 AND action_type = $2
		ORDER BY created_at DESC
		LIMIT 1`, actionID, string(actionType))
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return signing.Request{}, fmt.Errorf("action %s: %w", actionID, storage.ErrNotFound)
		}
		return signing.Request{}, fmt.Errorf("get signing request by action: %w", err)
	}
	return row.toDomain()
}

func (s *Store) ListSigningRequests(ctx context.Context, actionID string) ([]signing.Request, error) {
	var rows []signingRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, action_id, action_type, required_signatures, signers, status,
		       source_chain, destination_chain, initiator, created_at, completed_at
		FROM signing_requests
		WHERE action_id = $1
		ORDER BY created_at`, actionID)
	if err != nil {
		return nil, fmt.Errorf("list signing requests: %w", err)
	}
	reqs := make([]signing.Request, 0, len(rows))
	for _, row := range rows {
		req, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// Swaps -----------------------------------------------------------------------

type swapRow struct {
	ID               string    `db:"id"`
	HashLock         string    `db:"hash_lock"`
	TimeLock         time.Time `db:"time_lock"`
	SourceChain      string    `db:"source_chain"`
	DestinationChain string    `db:"destination_chain"`
	Amount           float64   `db:"amount"`
	Initiator        string    `db:"initiator"`
	Status           string    `db:"status"`
	LockTxHandle     string    `db:"lock_tx_handle"`
	ClaimTxHandle    string    `db:"claim_tx_handle"`
	RefundTxHandle   string    `db:"refund_tx_handle"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

func (r swapRow) toDomain() swap.HTLCSwap {
	return swap.HTLCSwap{
		ID:               r.ID,
		HashLock:         r.HashLock,
		TimeLock:         r.TimeLock,
		SourceChain:      r.SourceChain,
		DestinationChain: r.DestinationChain,
		Amount:           r.Amount,
		Initiator:        r.Initiator,
		Status:           swap.Status(r.Status),
		LockTxHandle:     r.LockTxHandle,
		ClaimTxHandle:    r.ClaimTxHandle,
		RefundTxHandle:   r.RefundTxHandle,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func (s *Store) CreateSwap(ctx context.Context, sw swap.HTLCSwap) (swap.HTLCSwap, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO swaps
		    (id, hash_lock, time_lock, source_chain, destination_chain, amount,
		     initiator, status, lock_tx_handle, claim_tx_handle, refund_tx_handle,
		     created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sw.ID, sw.HashLock, sw.TimeLock, sw.SourceChain, sw.DestinationChain, sw.Amount,
		sw.Initiator, string(sw.Status), sw.LockTxHandle, sw.ClaimTxHandle, sw.RefundTxHandle,
		sw.CreatedAt, sw.UpdatedAt)
	if err != nil {
		return swap.HTLCSwap{}, fmt.Errorf("insert swap: %w", err)
	}
	return sw, nil
}

func (s *Store) UpdateSwap(ctx context.Context, sw swap.HTLCSwap) (swap.HTLCSwap, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE swaps
		SET status = $2, lock_tx_handle = $3, claim_tx_handle = $4,
		    refund_tx_handle = $5, updated_at = $6
		WHERE id = $1`,
		sw.ID, string(sw.Status), sw.LockTxHandle, sw.ClaimTxHandle, sw.RefundTxHandle, sw.UpdatedAt)
	if err != nil {
		return swap.HTLCSwap{}, fmt.Errorf("update swap: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return swap.HTLCSwap{}, fmt.Errorf("swap %s: %w", sw.ID, storage.ErrNotFound)
	}
	return sw, nil
}

func (s *Store) GetSwap(ctx context.Context, id string) (swap.HTLCSwap, error) {
	var row swapRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, hash_lock, time_lock, source_chain, destination_chain, amount,
		       initiator, status, lock_tx_handle, claim_tx_handle, refund_tx_handle,
		       created_at, updated_at
		FROM swaps WHERE id = $1`, id)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return swap.HTLCSwap{}, fmt.Errorf("swap %s: %w", id, storage.ErrNotFound)
		}
		return swap.HTLCSwap{}, fmt.Errorf("get swap: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListSwaps(ctx context.Context, initiator string) ([]swap.HTLCSwap, error) {
	query := `
		SELECT id, hash_lock, time_lock, source_chain, destination_chain, amount,
		       initiator, status, lock_tx_handle, claim_tx_handle, refund_tx_handle,
		       created_at, updated_at
		FROM swaps`
	args := []interface{}{}
	if initiator != "" {
		query += ` WHERE initiator = $1`
		args = append(args, initiator)
	}
	query += ` ORDER BY created_at`

	var rows []swapRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list swaps: %w", err)
	}
	swaps := make([]swap.HTLCSwap, 0, len(rows))
	for _, row := range rows {
		swaps = append(swaps, row.toDomain())
	}
	return swaps, nil
}

// Geo records -----------------------------------------------------------------

type geoRow struct {
	ID           string    `db:"id"`
	ActionID     string    `db:"action_id"`
	LocationHash string    `db:"location_hash"`
	Verified     bool      `db:"verified"`
	CreatedAt    time.Time `db:"created_at"`
	ExpiresAt    time.Time `db:"expires_at"`
}

func (r geoRow) toDomain() geo.Record {
	return geo.Record{
		ID:           r.ID,
		ActionID:     r.ActionID,
		LocationHash: r.LocationHash,
		Verified:     r.Verified,
		Timestamp:    r.CreatedAt,
		ExpiresAt:    r.ExpiresAt,
	}
}

func (s *Store) CreateGeoRecord(ctx context.Context, rec geo.Record) (geo.Record, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO geo_records (id, action_id, location_hash, verified, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.ActionID, rec.LocationHash, rec.Verified, rec.Timestamp, rec.ExpiresAt)
	if err != nil {
		return geo.Record{}, fmt.Errorf("insert geo record: %w", err)
	}
	return rec, nil
}

func (s *Store) UpdateGeoRecord(ctx context.Context, rec geo.Record) (geo.Record, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE geo_records SET verified = $2 WHERE id = $1`,
		rec.ID, rec.Verified)
	if err != nil {
		return geo.Record{}, fmt.Errorf("update geo record: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return geo.Record{}, fmt.Errorf("geo record %s: %w", rec.ID, storage.ErrNotFound)
	}
	return rec, nil
}

func (s *Store) ListGeoRecords(ctx context.Context, actionID string) ([]geo.Record, error) {
	var rows []geoRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, action_id, location_hash, verified, created_at, expires_at
		FROM geo_records
		WHERE action_id = $1
		ORDER BY created_at`, actionID)
	if err != nil {
		return nil, fmt.Errorf("list geo records: %w", err)
	}
	records := make([]geo.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.toDomain())
	}
	return records, nil
}

func (s *Store) DeleteExpiredGeoRecords(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM geo_records WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired geo records: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(affected), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
