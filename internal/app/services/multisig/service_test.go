package multisig

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crossvault/authcore/internal/app/domain/signing"
	"github.com/crossvault/authcore/internal/app/storage/memory"
	apperrors "github.com/crossvault/authcore/internal/errors"
)

func newTestService() *Service {
	svc := NewService(memory.New(), nil, nil)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }
	return svc
}

func createParams() CreateParams {
	return CreateParams{
		ActionID:           "action-1",
		ActionType:         signing.ActionInitiate,
		RequiredSignatures: 2,
		Signers:            []string{"alice", "bob", "carol"},
		SourceChain:        "ethereum",
		DestinationChain:   "ton",
		Initiator:          "dave",
	}
}

func TestCreateRequestValidation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	params := createParams()
	params.RequiredSignatures = 4
	if _, err := svc.CreateRequest(ctx, params); !errors.Is(err, apperrors.InvalidThreshold("")) {
		t.Fatalf("expected InvalidThreshold for threshold above signer count, got %v", err)
	}

	params = createParams()
	params.RequiredSignatures = 0
	if _, err := svc.CreateRequest(ctx, params); !errors.Is(err, apperrors.InvalidThreshold("")) {
		t.Fatalf("expected InvalidThreshold for zero threshold, got %v", err)
	}

	params = createParams()
	params.Signers = []string{"alice", "bob", "Alice"}
	if _, err := svc.CreateRequest(ctx, params); !errors.Is(err, apperrors.DuplicateSigner("")) {
		t.Fatalf("expected DuplicateSigner for case-insensitive duplicate, got %v", err)
	}

	params = createParams()
	params.ActionType = "teleport"
	if _, err := svc.CreateRequest(ctx, params); !errors.Is(err, apperrors.ValidationFailed("")) {
		t.Fatalf("expected ValidationFailed for unknown action type, got %v", err)
	}
}

func TestCreateRequestInitiatorAutoApproval(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	params := createParams()
	params.Initiator = "alice"
	req, err := svc.CreateRequest(ctx, params)
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	if req.ApprovedCount() != 1 {
		t.Fatalf("expected initiator auto-approval, got %d approvals", req.ApprovedCount())
	}
	if req.Status != signing.StatusPending {
		t.Fatalf("expected pending status below threshold, got %s", req.Status)
	}

	// A 1-of-n round with an in-set initiator finalizes on creation.
	params = createParams()
	params.ActionID = "action-2"
	params.Initiator = "bob"
	params.RequiredSignatures = 1
	req, err = svc.CreateRequest(ctx, params)
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	if req.Status != signing.StatusApproved {
		t.Fatalf("expected approved status, got %s", req.Status)
	}
	if req.CompletedAt == nil {
		t.Fatal("expected completed timestamp on finalized request")
	}
}

func TestAddSignatureThreshold(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	req, err := svc.CreateRequest(ctx, createParams())
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}

	req, err = svc.AddSignature(ctx, req.ID, "alice")
	if err != nil {
		t.Fatalf("AddSignature failed: %v", err)
	}
	if req.Status != signing.StatusPending {
		t.Fatalf("expected pending after one of two signatures, got %s", req.Status)
	}

	req, err = svc.AddSignature(ctx, req.ID, "BOB")
	if err != nil {
		t.Fatalf("AddSignature failed: %v", err)
	}
	if req.Status != signing.StatusApproved {
		t.Fatalf("expected approved at threshold, got %s", req.Status)
	}
	if req.CompletedAt == nil {
		t.Fatal("expected completed timestamp")
	}

	// Approval is monotonic: a later signature cannot regress the status.
	if _, err := svc.AddSignature(ctx, req.ID, "carol"); !errors.Is(err, apperrors.AlreadyFinalized("")) {
		t.Fatalf("expected AlreadyFinalized for new signer on approved round, got %v", err)
	}
	got, err := svc.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetRequest failed: %v", err)
	}
	if got.Status != signing.StatusApproved {
		t.Fatalf("status regressed to %s", got.Status)
	}
}

func TestAddSignatureIdempotent(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	req, err := svc.CreateRequest(ctx, createParams())
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}

	first, err := svc.AddSignature(ctx, req.ID, "alice")
	if err != nil {
		t.Fatalf("AddSignature failed: %v", err)
	}
	second, err := svc.AddSignature(ctx, req.ID, "alice")
	if err != nil {
		t.Fatalf("repeated AddSignature failed: %v", err)
	}
	if second.ApprovedCount() != first.ApprovedCount() {
		t.Fatalf("repeat approval changed count: %d != %d", second.ApprovedCount(), first.ApprovedCount())
	}

	// The repeat stays a no-op even after finalization.
	if _, err := svc.AddSignature(ctx, req.ID, "bob"); err != nil {
		t.Fatalf("AddSignature failed: %v", err)
	}
	again, err := svc.AddSignature(ctx, req.ID, "alice")
	if err != nil {
		t.Fatalf("repeat approval on finalized round failed: %v", err)
	}
	if again.Status != signing.StatusApproved {
		t.Fatalf("expected approved, got %s", again.Status)
	}
}

func TestAddSignatureErrors(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	req, err := svc.CreateRequest(ctx, createParams())
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}

	if _, err := svc.AddSignature(ctx, "missing", "alice"); !errors.Is(err, apperrors.UnknownRequest("")) {
		t.Fatalf("expected UnknownRequest, got %v", err)
	}
	if _, err := svc.AddSignature(ctx, req.ID, "mallory"); !errors.Is(err, apperrors.UnauthorizedSigner("")) {
		t.Fatalf("expected UnauthorizedSigner, got %v", err)
	}
}

func TestRejectRequest(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	req, err := svc.CreateRequest(ctx, createParams())
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	if _, err := svc.AddSignature(ctx, req.ID, "alice"); err != nil {
		t.Fatalf("AddSignature failed: %v", err)
	}

	rejected, err := svc.RejectRequest(ctx, req.ID, "bob")
	if err != nil {
		t.Fatalf("RejectRequest failed: %v", err)
	}
	if rejected.Status != signing.StatusRejected {
		t.Fatalf("expected rejected, got %s", rejected.Status)
	}
	if rejected.CompletedAt == nil {
		t.Fatal("expected completed timestamp on rejection")
	}

	// Rejection is terminal for signatures and further rejections alike.
	if _, err := svc.AddSignature(ctx, req.ID, "carol"); !errors.Is(err, apperrors.AlreadyFinalized("")) {
		t.Fatalf("expected AlreadyFinalized after rejection, got %v", err)
	}
	if _, err := svc.RejectRequest(ctx, req.ID, "carol"); !errors.Is(err, apperrors.AlreadyFinalized("")) {
		t.Fatalf("expected AlreadyFinalized on repeat rejection, got %v", err)
	}
	if _, err := svc.RejectRequest(ctx, req.ID, "mallory"); !errors.Is(err, apperrors.UnauthorizedSigner("")) {
		t.Fatalf("expected UnauthorizedSigner, got %v", err)
	}
}

func TestApprovalStatus(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	req, err := svc.CreateRequest(ctx, createParams())
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	if _, err := svc.AddSignature(ctx, req.ID, "alice"); err != nil {
		t.Fatalf("AddSignature failed: %v", err)
	}

	status, err := svc.ApprovalStatus(ctx, "action-1", signing.ActionInitiate)
	if err != nil {
		t.Fatalf("ApprovalStatus failed: %v", err)
	}
	if status.Status != signing.StatusPending || status.ApprovedCount != 1 || status.RequiredCount != 2 {
		t.Fatalf("unexpected status snapshot: %+v", status)
	}

	if _, err := svc.ApprovalStatus(ctx, "no-such-action", signing.ActionInitiate); !errors.Is(err, apperrors.UnknownRequest("")) {
		t.Fatalf("expected UnknownRequest, got %v", err)
	}

	approved, err := svc.IsActionApproved(ctx, "action-1", signing.ActionInitiate)
	if err != nil {
		t.Fatalf("IsActionApproved failed: %v", err)
	}
	if approved {
		t.Fatal("action should not be approved yet")
	}
	if _, err := svc.AddSignature(ctx, req.ID, "bob"); err != nil {
		t.Fatalf("AddSignature failed: %v", err)
	}
	approved, err = svc.IsActionApproved(ctx, "action-1", signing.ActionInitiate)
	if err != nil {
		t.Fatalf("IsActionApproved failed: %v", err)
	}
	if !approved {
		t.Fatal("action should be approved at threshold")
	}
}

func TestConcurrentSignatures(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	params := createParams()
	params.Signers = []string{"s1", "s2", "s3", "s4", "s5"}
	params.RequiredSignatures = 3
	req, err := svc.CreateRequest(ctx, params)
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}

	done := make(chan error, len(params.Signers))
	for _, addr := range params.Signers {
		go func(addr string) {
			_, err := svc.AddSignature(ctx, req.ID, addr)
			done <- err
		}(addr)
	}
	for range params.Signers {
		if err := <-done; err != nil && !errors.Is(err, apperrors.AlreadyFinalized("")) {
			t.Fatalf("concurrent AddSignature failed: %v", err)
		}
	}

	got, err := svc.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetRequest failed: %v", err)
	}
	if got.Status != signing.StatusApproved {
		t.Fatalf("expected approved after concurrent signatures, got %s", got.Status)
	}
	if got.ApprovedCount() < got.RequiredSignatures {
		t.Fatalf("approved with %d of %d signatures", got.ApprovedCount(), got.RequiredSignatures)
	}
}
