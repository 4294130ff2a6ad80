package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossvault/authcore/internal/app/chain"
	domconsensus "github.com/crossvault/authcore/internal/app/domain/consensus"
	"github.com/crossvault/authcore/internal/app/domain/signing"
	"github.com/crossvault/authcore/internal/app/domain/swap"
	"github.com/crossvault/authcore/internal/app/events"
	consensussvc "github.com/crossvault/authcore/internal/app/services/consensus"
	geosvc "github.com/crossvault/authcore/internal/app/services/geo"
	"github.com/crossvault/authcore/internal/app/services/multisig"
	swapsvc "github.com/crossvault/authcore/internal/app/services/swap"
	"github.com/crossvault/authcore/internal/app/storage/memory"
	"github.com/crossvault/authcore/internal/config"
)

func newTestRouter(t *testing.T, mutate func(cfg *config.Config)) http.Handler {
	t.Helper()

	cfg := config.Default()
	cfg.Swap.MinTimeLockSeconds = 60
	if mutate != nil {
		mutate(cfg)
	}

	store := memory.New()
	hub := events.NewHub(nil)
	adapters := []chain.Adapter{
		chain.NewFake("ethereum", domconsensus.RolePrimary),
		chain.NewFake("solana", domconsensus.RoleMonitor),
		chain.NewFake("ton", domconsensus.RoleBackup),
	}

	ms := multisig.NewService(store, hub, nil)
	cs := consensussvc.NewService(adapters, cfg, nil)
	gs := geosvc.NewService(store, cfg, hub, nil)
	ss := swapsvc.NewService(store, ms, cs, gs, adapters, cfg, hub, nil)

	return NewHandler(ms, cs, ss, gs, hub, cfg, nil).Router()
}

func doJSON(t *testing.T, router http.Handler, method, path, signer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if signer != "" {
		req.Header.Set("X-Signer-Address", signer)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, rec, &body)
	return body.Error.Code
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := doJSON(t, router, http.MethodGet, "/v1/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSigningRequestLifecycle(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := doJSON(t, router, http.MethodPost, "/v1/signing-requests", "alice", map[string]interface{}{
		"action_id":           "action-1",
		"action_type":         "initiate",
		"required_signatures": 2,
		"signers":             []string{"alice", "bob", "carol"},
		"source_chain":        "ethereum",
		"destination_chain":   "ton",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var req signing.Request
	decodeBody(t, rec, &req)
	assert.Equal(t, signing.StatusPending, req.Status)
	assert.Equal(t, 1, req.ApprovedCount(), "initiator approval is auto-recorded")

	rec = doJSON(t, router, http.MethodPost, "/v1/signing-requests/"+req.ID+"/signatures", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeBody(t, rec, &req)
	assert.Equal(t, signing.StatusApproved, req.Status)

	rec = doJSON(t, router, http.MethodGet, "/v1/approvals?action_id=action-1&action_type=initiate", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status signing.ApprovalStatus
	decodeBody(t, rec, &status)
	assert.Equal(t, signing.StatusApproved, status.Status)
	assert.Equal(t, 2, status.ApprovedCount)
}

func TestSigningRequestErrors(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := doJSON(t, router, http.MethodPost, "/v1/signing-requests", "alice", map[string]interface{}{
		"action_id":           "action-1",
		"action_type":         "initiate",
		"required_signatures": 5,
		"signers":             []string{"alice", "bob"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "InvalidThreshold", errorCode(t, rec))

	rec = doJSON(t, router, http.MethodPost, "/v1/signing-requests/missing/signatures", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "UnknownRequest", errorCode(t, rec))
}

func TestRejectionEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := doJSON(t, router, http.MethodPost, "/v1/signing-requests", "alice", map[string]interface{}{
		"action_id":           "action-1",
		"action_type":         "unlock",
		"required_signatures": 2,
		"signers":             []string{"alice", "bob", "carol"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var req signing.Request
	decodeBody(t, rec, &req)

	rec = doJSON(t, router, http.MethodPost, "/v1/signing-requests/"+req.ID+"/rejection", "mallory", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "UnauthorizedSigner", errorCode(t, rec))

	rec = doJSON(t, router, http.MethodPost, "/v1/signing-requests/"+req.ID+"/rejection", "carol", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &req)
	assert.Equal(t, signing.StatusRejected, req.Status)
}

func TestConsensusEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := doJSON(t, router, http.MethodPost, "/v1/consensus/verify", "alice", map[string]interface{}{
		"action_id":      "action-1",
		"security_level": "maximum",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var outcome domconsensus.Outcome
	decodeBody(t, rec, &outcome)
	assert.True(t, outcome.Verified)
	assert.Len(t, outcome.Results, 3)
	assert.InDelta(t, 100, outcome.ConsistencyPercentage, 0.001)

	rec = doJSON(t, router, http.MethodPost, "/v1/consensus/verify", "alice", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "ValidationFailed", errorCode(t, rec))
}

func TestSwapLifecycleOverHTTP(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := doJSON(t, router, http.MethodPost, "/v1/swaps", "alice", map[string]interface{}{
		"source_chain":      "ethereum",
		"destination_chain": "ton",
		"amount":            100,
		"hash_lock":         swap.HashPreimage("sesame"),
		"time_lock_seconds": 3600,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sw swap.HTLCSwap
	decodeBody(t, rec, &sw)

	// Locking before the signing round is approved is blocked.
	rec = doJSON(t, router, http.MethodPost, "/v1/swaps/"+sw.ID+"/lock", "alice", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "SignaturesIncomplete", errorCode(t, rec))

	rec = doJSON(t, router, http.MethodPost, "/v1/signing-requests", "alice", map[string]interface{}{
		"action_id":           sw.ID,
		"action_type":         "initiate",
		"required_signatures": 1,
		"signers":             []string{"alice", "bob"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/v1/swaps/"+sw.ID+"/lock", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeBody(t, rec, &sw)
	assert.Equal(t, swap.StatusLocked, sw.Status)
	assert.NotEmpty(t, sw.LockTxHandle)

	rec = doJSON(t, router, http.MethodPost, "/v1/swaps/"+sw.ID+"/claim", "bob", map[string]string{
		"preimage": "wrong",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "InvalidPreimage", errorCode(t, rec))

	rec = doJSON(t, router, http.MethodPost, "/v1/swaps/"+sw.ID+"/claim", "bob", map[string]string{
		"preimage": "sesame",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeBody(t, rec, &sw)
	assert.Equal(t, swap.StatusClaimed, sw.Status)

	rec = doJSON(t, router, http.MethodPost, "/v1/swaps/"+sw.ID+"/refund", "alice", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "AlreadyFinalized", errorCode(t, rec))

	rec = doJSON(t, router, http.MethodGet, "/v1/swaps/"+sw.ID, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Swap            swap.HTLCSwap `json:"swap"`
		EffectiveStatus swap.Status   `json:"effective_status"`
	}
	decodeBody(t, rec, &got)
	assert.Equal(t, swap.StatusClaimed, got.EffectiveStatus)
}

func TestGeoEndpoints(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := doJSON(t, router, http.MethodPost, "/v1/geo/action-1/verifications", "alice", map[string]float64{
		"latitude":  52.5200,
		"longitude": 13.4050,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var record struct {
		LocationHash string `json:"location_hash"`
	}
	decodeBody(t, rec, &record)
	require.NotEmpty(t, record.LocationHash)

	rec = doJSON(t, router, http.MethodPost, "/v1/geo/action-1/verify", "alice", map[string]interface{}{
		"allowed_hashes": []string{"bogus"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var verdict map[string]bool
	decodeBody(t, rec, &verdict)
	assert.False(t, verdict["verified"])

	rec = doJSON(t, router, http.MethodPost, "/v1/geo/action-1/verify", "alice", map[string]interface{}{
		"allowed_hashes": []string{record.LocationHash},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &verdict)
	assert.True(t, verdict["verified"])

	rec = doJSON(t, router, http.MethodGet, "/v1/geo/action-1/status", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status geosvc.Status
	decodeBody(t, rec, &status)
	assert.True(t, status.Valid)
	assert.Len(t, status.Records, 1)
}

func TestJWTAuthentication(t *testing.T) {
	router := newTestRouter(t, func(cfg *config.Config) {
		cfg.Auth.JWTSecret = "test-secret"
	})

	rec := doJSON(t, router, http.MethodGet, "/v1/swaps", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Unauthorized", errorCode(t, rec))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/swaps", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	assert.Equal(t, http.StatusOK, res.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/swaps", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	res = httptest.NewRecorder()
	router.ServeHTTP(res, req)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestRateLimiting(t *testing.T) {
	router := newTestRouter(t, func(cfg *config.Config) {
		cfg.RateLimit.RequestsPerSecond = 1
		cfg.RateLimit.Burst = 2
	})

	var limited bool
	for i := 0; i < 5; i++ {
		rec := doJSON(t, router, http.MethodGet, "/v1/swaps", "alice", nil)
		if rec.Code == http.StatusTooManyRequests {
			assert.Equal(t, "RateLimited", errorCode(t, rec))
			limited = true
		}
	}
	assert.True(t, limited, "expected the limiter to trip within 5 requests")
}
