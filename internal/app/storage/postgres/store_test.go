package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/crossvault/authcore/internal/app/domain/signing"
	"github.com/crossvault/authcore/internal/app/domain/swap"
	"github.com/crossvault/authcore/internal/app/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(sqlx.NewDb(db, "sqlmock")), mock
}

func TestCreateSwap(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	sw := swap.HTLCSwap{
		ID:               "swap-1",
		HashLock:         swap.HashPreimage("sesame"),
		TimeLock:         now.Add(time.Hour),
		SourceChain:      "ethereum",
		DestinationChain: "ton",
		Amount:           100,
		Initiator:        "alice",
		Status:           swap.StatusCreated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	mock.ExpectExec("INSERT INTO swaps").
		WithArgs(sw.ID, sw.HashLock, sw.TimeLock, sw.SourceChain, sw.DestinationChain,
			sw.Amount, sw.Initiator, "created", "", "", "", sw.CreatedAt, sw.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if _, err := store.CreateSwap(context.Background(), sw); err != nil {
		t.Fatalf("CreateSwap failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetSwapNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM swaps WHERE id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetSwap(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateSwapNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE swaps").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := store.UpdateSwap(context.Background(), swap.HTLCSwap{ID: "missing"})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetSigningRequestByAction(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	signers, err := json.Marshal([]signing.Signer{{Address: "alice", Approved: true}, {Address: "bob"}})
	if err != nil {
		t.Fatalf("marshal signers: %v", err)
	}

	columns := []string{"id", "action_id", "action_type", "required_signatures", "signers",
		"status", "source_chain", "destination_chain", "initiator", "created_at", "completed_at"}
	mock.ExpectQuery("SELECT (.+) FROM signing_requests").
		WithArgs("action-1", "initiate").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("req-1", "action-1", "initiate", 2, signers, "pending", "ethereum", "ton", "alice", now, nil))

	req, err := store.GetSigningRequestByAction(context.Background(), "action-1", signing.ActionInitiate)
	if err != nil {
		t.Fatalf("GetSigningRequestByAction failed: %v", err)
	}
	if req.ID != "req-1" || req.ApprovedCount() != 1 || len(req.Signers) != 2 {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestDeleteExpiredGeoRecords(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("DELETE FROM geo_records").
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	removed, err := store.DeleteExpiredGeoRecords(context.Background(), now)
	if err != nil {
		t.Fatalf("DeleteExpiredGeoRecords failed: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}
}
