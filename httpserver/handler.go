package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stewardvault/recovery-backend/coordinator"
	"github.com/stewardvault/recovery-backend/cryptoutils"
	"github.com/stewardvault/recovery-backend/distributor"
	"github.com/stewardvault/recovery-backend/interfaces"
	"github.com/stewardvault/recovery-backend/sharing"
)

// Handler implements the recovery API endpoints on top of the
// coordinator and distributor.
type Handler struct {
	keys  *cryptoutils.IdentityKey
	coord *coordinator.Coordinator
	dist  *distributor.Distributor
	log   *slog.Logger
}

// NewHandler creates the API handler.
func NewHandler(keys *cryptoutils.IdentityKey, coord *coordinator.Coordinator, dist *distributor.Distributor, log *slog.Logger) *Handler {
	return &Handler{keys: keys, coord: coord, dist: dist, log: log}
}

type backupRequest struct {
	// Secret is the lockbox content, base64 in JSON.
	Secret []byte `json:"secret"`

	Threshold int `json:"threshold"`

	// Peers receive one share each, in order.
	Peers []interfaces.Identity `json:"peers"`
}

type backupResponse struct {
	SecretID interfaces.SecretID         `json:"secret_id"`
	Shares   int                         `json:"shares"`
	Receipts []interfaces.PublishReceipt `json:"receipts"`
}

type initiateRequest struct {
	LockboxID interfaces.LockboxID `json:"lockbox_id"`
	SecretID  interfaces.SecretID  `json:"secret_id"`

	// KeyHolders and Threshold may be omitted when this node distributed
	// the set itself; they are then read from the stored assignment
	// record.
	KeyHolders []interfaces.Identity `json:"key_holders,omitempty"`
	Threshold  int                   `json:"threshold,omitempty"`

	// TTLSeconds of zero means the request never expires.
	TTLSeconds int64 `json:"ttl_seconds,omitempty"`
}

type recoveryStatus struct {
	Request   interfaces.RecoveryRequest `json:"request"`
	SecretID  interfaces.SecretID        `json:"secret_id"`
	Approvals int                        `json:"approvals"`
	Denials   int                        `json:"denials"`

	// Secret is present only once the request completed, base64 in JSON.
	Secret []byte `json:"secret,omitempty"`
}

func statusJSON(s *coordinator.Status) recoveryStatus {
	return recoveryStatus{
		Request:   s.Request,
		SecretID:  s.SecretID,
		Approvals: s.Approvals,
		Denials:   s.Denials,
		Secret:    s.Secret,
	}
}

// HandleBackup splits the posted secret and distributes one share per
// peer.
func (h *Handler) HandleBackup(w http.ResponseWriter, r *http.Request) {
	lockboxID := interfaces.LockboxID(chi.URLParam(r, "lockbox_id"))

	var req backupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	set, err := sharing.Split(req.Secret, req.Threshold, len(req.Peers), lockboxID, h.keys.Identity())
	if err != nil {
		h.writeError(w, statusCode(err), err)
		return
	}
	receipts, err := h.dist.Publish(r.Context(), set, req.Peers)
	if err != nil {
		h.writeError(w, statusCode(err), err)
		return
	}

	h.writeJSON(w, http.StatusOK, backupResponse{
		SecretID: set.SecretID,
		Shares:   len(set.Shares),
		Receipts: receipts,
	})
}

// HandleInitiateRecovery starts a recovery request and broadcasts it to
// the key holders.
func (h *Handler) HandleInitiateRecovery(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	holders, threshold := req.KeyHolders, req.Threshold
	if len(holders) == 0 {
		record, err := h.dist.ShareSetRecord(r.Context(), req.LockboxID, req.SecretID)
		if err != nil {
			h.writeError(w, statusCode(err), err)
			return
		}
		holders, threshold = holdersFromRecord(record), record.Threshold
	}

	created, err := h.coord.InitiateRecovery(r.Context(), req.LockboxID, req.SecretID,
		holders, threshold, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		h.writeError(w, statusCode(err), err)
		return
	}

	status, err := h.coord.Status(created.ID)
	if err != nil {
		h.writeError(w, statusCode(err), err)
		return
	}
	h.writeJSON(w, http.StatusOK, statusJSON(status))
}

// HandleRecoveryStatus returns the live snapshot of one request.
func (h *Handler) HandleRecoveryStatus(w http.ResponseWriter, r *http.Request) {
	requestID := interfaces.RequestID(chi.URLParam(r, "request_id"))
	status, err := h.coord.Status(requestID)
	if err != nil {
		h.writeError(w, statusCode(err), err)
		return
	}
	h.writeJSON(w, http.StatusOK, statusJSON(status))
}

// HandleCancelRecovery cancels an in-flight request.
func (h *Handler) HandleCancelRecovery(w http.ResponseWriter, r *http.Request) {
	requestID := interfaces.RequestID(chi.URLParam(r, "request_id"))
	if err := h.coord.Cancel(r.Context(), requestID); err != nil {
		h.writeError(w, statusCode(err), err)
		return
	}
	status, err := h.coord.Status(requestID)
	if err != nil {
		h.writeError(w, statusCode(err), err)
		return
	}
	h.writeJSON(w, http.StatusOK, statusJSON(status))
}

// HandleRebroadcast reissues the request to holders that have not
// responded.
func (h *Handler) HandleRebroadcast(w http.ResponseWriter, r *http.Request) {
	requestID := interfaces.RequestID(chi.URLParam(r, "request_id"))
	if err := h.coord.Rebroadcast(r.Context(), requestID); err != nil {
		h.writeError(w, statusCode(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListRecovery lists the requests known for one lockbox, newest
// first.
func (h *Handler) HandleListRecovery(w http.ResponseWriter, r *http.Request) {
	lockboxID := interfaces.LockboxID(chi.URLParam(r, "lockbox_id"))
	statuses := h.coord.RequestsForLockbox(lockboxID)
	out := make([]recoveryStatus, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, statusJSON(s))
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("failed to write response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code int, err error) {
	h.log.Warn("request failed", "code", code, "err", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrInvalidParameters):
		return http.StatusBadRequest
	case errors.Is(err, interfaces.ErrRequestNotFound), errors.Is(err, interfaces.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrRequestTerminal):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrRelayUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// holdersFromRecord extracts the steward identities of an assignment
// record in share-index order.
func holdersFromRecord(record *interfaces.ShareSetRecord) []interfaces.Identity {
	indices := make([]int, 0, len(record.Assignments))
	for index := range record.Assignments {
		indices = append(indices, index)
	}
	sort.Ints(indices)

	holders := make([]interfaces.Identity, 0, len(indices))
	for _, index := range indices {
		holders = append(holders, record.Assignments[index])
	}
	return holders
}
