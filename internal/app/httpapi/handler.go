// Package httpapi exposes the coordinators over HTTP with JSON bodies.
// Mutating endpoints return the updated entity; failures carry a
// machine-readable error code.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/crossvault/authcore/internal/app/domain/consensus"
	"github.com/crossvault/authcore/internal/app/domain/signing"
	"github.com/crossvault/authcore/internal/app/events"
	"github.com/crossvault/authcore/internal/app/metrics"
	consensussvc "github.com/crossvault/authcore/internal/app/services/consensus"
	geosvc "github.com/crossvault/authcore/internal/app/services/geo"
	"github.com/crossvault/authcore/internal/app/services/multisig"
	swapsvc "github.com/crossvault/authcore/internal/app/services/swap"
	"github.com/crossvault/authcore/internal/config"
	"github.com/crossvault/authcore/internal/errors"
	"github.com/crossvault/authcore/pkg/logger"
)

// Handler wires the services into the HTTP surface.
type Handler struct {
	multisig  *multisig.Service
	consensus *consensussvc.Service
	swaps     *swapsvc.Service
	geo       *geosvc.Service
	hub       *events.Hub
	cfg       *config.Config
	limiter   *signerLimiter
	log       *logger.Logger
}

// NewHandler creates the HTTP handler.
func NewHandler(ms *multisig.Service, cs *consensussvc.Service, ss *swapsvc.Service, gs *geosvc.Service, hub *events.Hub, cfg *config.Config, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	return &Handler{
		multisig:  ms,
		consensus: cs,
		swaps:     ss,
		geo:       gs,
		hub:       hub,
		cfg:       cfg,
		limiter:   newSignerLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		log:       log,
	}
}

// Router assembles the route tree.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Method(http.MethodGet, "/v1/healthz", metrics.Instrument("/v1/healthz", http.HandlerFunc(h.handleHealthz)))
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(h.authenticate, h.rateLimit, h.requestLog)

		if h.hub != nil {
			r.Method(http.MethodGet, "/v1/events", h.hub)
		}

		route := func(method, pattern string, fn http.HandlerFunc) {
			r.Method(method, pattern, metrics.Instrument(pattern, fn))
		}

		route(http.MethodPost, "/v1/signing-requests", h.handleCreateSigningRequest)
		route(http.MethodGet, "/v1/signing-requests/{id}", h.handleGetSigningRequest)
		route(http.MethodPost, "/v1/signing-requests/{id}/signatures", h.handleAddSignature)
		route(http.MethodPost, "/v1/signing-requests/{id}/rejection", h.handleRejectRequest)
		route(http.MethodGet, "/v1/approvals", h.handleApprovalStatus)

		route(http.MethodPost, "/v1/consensus/verify", h.handleVerifyConsensus)

		route(http.MethodPost, "/v1/swaps", h.handleInitiateSwap)
		route(http.MethodGet, "/v1/swaps", h.handleListSwaps)
		route(http.MethodGet, "/v1/swaps/{id}", h.handleGetSwap)
		route(http.MethodPost, "/v1/swaps/{id}/lock", h.handleLockSwap)
		route(http.MethodPost, "/v1/swaps/{id}/claim", h.handleClaimSwap)
		route(http.MethodPost, "/v1/swaps/{id}/refund", h.handleRefundSwap)

		route(http.MethodPost, "/v1/geo/{actionID}/verifications", h.handleRequestGeoVerification)
		route(http.MethodPost, "/v1/geo/{actionID}/verify", h.handleVerifyLocation)
		route(http.MethodGet, "/v1/geo/{actionID}/status", h.handleGeoStatus)
	})

	return r
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Signing ---------------------------------------------------------------------

func (h *Handler) handleCreateSigningRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ActionID           string   `json:"action_id"`
		ActionType         string   `json:"action_type"`
		RequiredSignatures int      `json:"required_signatures"`
		Signers            []string `json:"signers"`
		SourceChain        string   `json:"source_chain"`
		DestinationChain   string   `json:"destination_chain"`
	}
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, err)
		return
	}

	req, err := h.multisig.CreateRequest(r.Context(), multisig.CreateParams{
		ActionID:           body.ActionID,
		ActionType:         signing.ActionType(body.ActionType),
		RequiredSignatures: body.RequiredSignatures,
		Signers:            body.Signers,
		SourceChain:        body.SourceChain,
		DestinationChain:   body.DestinationChain,
		Initiator:          SignerAddress(r.Context()),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, req)
}

func (h *Handler) handleGetSigningRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.multisig.GetRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

func (h *Handler) handleAddSignature(w http.ResponseWriter, r *http.Request) {
	req, err := h.multisig.AddSignature(r.Context(), chi.URLParam(r, "id"), SignerAddress(r.Context()))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

func (h *Handler) handleRejectRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.multisig.RejectRequest(r.Context(), chi.URLParam(r, "id"), SignerAddress(r.Context()))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

func (h *Handler) handleApprovalStatus(w http.ResponseWriter, r *http.Request) {
	actionID := r.URL.Query().Get("action_id")
	actionType, ok := signing.ParseActionType(r.URL.Query().Get("action_type"))
	if actionID == "" || !ok {
		h.writeError(w, errors.ValidationFailed("action_id and a valid action_type are required"))
		return
	}

	status, err := h.multisig.ApprovalStatus(r.Context(), actionID, actionType)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// Consensus -------------------------------------------------------------------

func (h *Handler) handleVerifyConsensus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ActionID      string `json:"action_id"`
		SecurityLevel string `json:"security_level"`
		Retry         bool   `json:"retry"`
	}
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, err)
		return
	}
	if body.ActionID == "" {
		h.writeError(w, errors.ValidationFailed("action_id is required"))
		return
	}

	level := consensus.ParseSecurityLevel(body.SecurityLevel)
	var (
		outcome consensus.Outcome
		err     error
	)
	if body.Retry {
		outcome, err = h.consensus.VerifyWithRetry(r.Context(), body.ActionID, level)
	} else {
		outcome, err = h.consensus.Verify(r.Context(), body.ActionID, level)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, outcome)
}

// Swaps -----------------------------------------------------------------------

func (h *Handler) handleInitiateSwap(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SourceChain      string  `json:"source_chain"`
		DestinationChain string  `json:"destination_chain"`
		Amount           float64 `json:"amount"`
		HashLock         string  `json:"hash_lock"`
		TimeLockSeconds  int     `json:"time_lock_seconds"`
	}
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, err)
		return
	}

	sw, err := h.swaps.Initiate(r.Context(), swapsvc.InitiateParams{
		SourceChain:      body.SourceChain,
		DestinationChain: body.DestinationChain,
		Amount:           body.Amount,
		HashLock:         body.HashLock,
		TimeLockSeconds:  body.TimeLockSeconds,
		Initiator:        SignerAddress(r.Context()),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, sw)
}

func (h *Handler) handleListSwaps(w http.ResponseWriter, r *http.Request) {
	swaps, err := h.swaps.List(r.Context(), r.URL.Query().Get("initiator"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, swaps)
}

func (h *Handler) handleGetSwap(w http.ResponseWriter, r *http.Request) {
	sw, effective, err := h.swaps.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"swap":             sw,
		"effective_status": effective,
	})
}

func (h *Handler) handleLockSwap(w http.ResponseWriter, r *http.Request) {
	sw, err := h.swaps.Lock(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sw)
}

func (h *Handler) handleClaimSwap(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Preimage string `json:"preimage"`
	}
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, err)
		return
	}

	sw, err := h.swaps.Claim(r.Context(), chi.URLParam(r, "id"), body.Preimage)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sw)
}

func (h *Handler) handleRefundSwap(w http.ResponseWriter, r *http.Request) {
	sw, err := h.swaps.Refund(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sw)
}

// Geo -------------------------------------------------------------------------

func (h *Handler) handleRequestGeoVerification(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	}
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, err)
		return
	}

	rec, err := h.geo.RequestVerification(r.Context(), chi.URLParam(r, "actionID"), body.Latitude, body.Longitude)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) handleVerifyLocation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AllowedHashes []string `json:"allowed_hashes"`
	}
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, err)
		return
	}

	ok, err := h.geo.VerifyLocation(r.Context(), chi.URLParam(r, "actionID"), body.AllowedHashes)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"verified": ok})
}

func (h *Handler) handleGeoStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.geo.GetStatus(r.Context(), chi.URLParam(r, "actionID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// Helpers ---------------------------------------------------------------------

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.ValidationFailed("invalid request body").WithCause(err)
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.WithError(err).Error("failed to encode response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	se := errors.GetServiceError(err)
	if se.Code == errors.CodeInternal {
		h.log.WithError(err).Error("request failed")
	}
	h.writeJSON(w, se.HTTPStatus, map[string]interface{}{"error": se})
}
