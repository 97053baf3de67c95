package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BIGmindz/ChainBridge-sub012/internal/alert"
	"github.com/BIGmindz/ChainBridge-sub012/internal/auth"
	"github.com/BIGmindz/ChainBridge-sub012/internal/denial"
	"github.com/BIGmindz/ChainBridge-sub012/internal/gate"
	"github.com/BIGmindz/ChainBridge-sub012/internal/pdo"
	"github.com/BIGmindz/ChainBridge-sub012/internal/pdostore"
	"github.com/BIGmindz/ChainBridge-sub012/internal/policy"
	"github.com/BIGmindz/ChainBridge-sub012/internal/proofpack"
	"github.com/BIGmindz/ChainBridge-sub012/internal/proofpack/generator"
	"github.com/BIGmindz/ChainBridge-sub012/internal/proofpack/verifier"
	"github.com/BIGmindz/ChainBridge-sub012/pkg/types"
)

const (
	maxJSONBody   = 4 << 20
	maxBundleBody = 64 << 20
)

// ArtifactStore ingests and resolves the bodies PDOs refer to.
type ArtifactStore interface {
	Put(ctx context.Context, raw []byte) (string, error)
	Resolve(ctx context.Context, role string, ref string) ([]byte, error)
}

type Handler struct {
	Auth      auth.Authenticator
	Evaluator *policy.Evaluator
	Store     *pdostore.Store
	Gate      *gate.Gate
	Artifacts ArtifactStore
	Generator *generator.Generator
	Alerts    alert.Sink
	Logger    *slog.Logger
}

func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	if h.Evaluator == nil || h.Artifacts == nil {
		writeError(w, http.StatusNotImplemented, "policy evaluation not configured")
		return
	}

	var req types.EvaluateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AgentGID == "" || req.Verb == "" {
		writeError(w, http.StatusBadRequest, "agent_gid and verb are required")
		return
	}

	d, err := h.Evaluator.Evaluate(r.Context(), policy.Input{
		AgentGID: req.AgentGID,
		Verb:     req.Verb,
		Target:   req.Target,
	})
	if err != nil {
		h.logger().Error("policy evaluation failed", "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, denial.ErrUnavailable) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}

	envBytes, err := d.Envelope.MarshalJSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ref, err := h.Artifacts.Put(r.Context(), envBytes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ref != d.Envelope.BindingRef() {
		h.logger().Error("stored envelope does not match its binding", "ref", ref, "binding", d.Envelope.BindingRef())
		writeError(w, http.StatusInternalServerError, "envelope storage mismatch")
		return
	}

	h.logger().Info("envelope issued",
		"audit_ref", d.Envelope.AuditRef(),
		"decision", d.Envelope.Decision(),
		"reason", d.Envelope.Reason(),
		"rule", d.MatchedRuleID)
	writeJSON(w, http.StatusOK, types.EvaluateResponse{
		Envelope:      envBytes,
		DecisionRef:   ref,
		MatchedRuleID: d.MatchedRuleID,
		PolicyID:      d.PolicyID,
		PolicyVersion: d.PolicyVersion,
		PolicyHash:    d.PolicyHash,
	})
}

// Correct clears a denied intent. The caller's token subject must be the
// policy's correction authority.
func (h *Handler) Correct(w http.ResponseWriter, r *http.Request) {
	if h.Evaluator == nil {
		writeError(w, http.StatusNotImplemented, "policy evaluation not configured")
		return
	}
	var req types.CorrectionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AgentGID == "" || req.Verb == "" {
		writeError(w, http.StatusBadRequest, "agent_gid and verb are required")
		return
	}
	claims, _ := claimsFrom(r.Context())
	prior, err := h.Evaluator.Correct(r.Context(), policy.Input{
		AgentGID: req.AgentGID,
		Verb:     req.Verb,
		Target:   req.Target,
	}, claims.Subject)
	switch {
	case errors.Is(err, policy.ErrNotCorrector), errors.Is(err, policy.ErrNoCorrector):
		writeError(w, http.StatusForbidden, err.Error())
		return
	case errors.Is(err, policy.ErrNothingToCorrect):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, denial.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, types.CorrectionResponse{
		PriorAuditRef: prior,
		CorrectedBy:   claims.Subject,
		Reason:        req.Reason,
	})
}

func (h *Handler) PutArtifact(w http.ResponseWriter, r *http.Request) {
	if h.Artifacts == nil {
		writeError(w, http.StatusNotImplemented, "artifact store not configured")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBody+1))
	if err != nil || len(body) > maxJSONBody {
		writeError(w, http.StatusBadRequest, "artifact body unreadable or too large")
		return
	}
	ref, err := h.Artifacts.Put(r.Context(), body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, types.ArtifactResponse{Ref: ref})
}

func (h *Handler) RecordPDO(w http.ResponseWriter, r *http.Request) {
	if h.Gate == nil {
		writeError(w, http.StatusNotImplemented, "gate not configured")
		return
	}

	var req types.RecordRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	rec, err := h.Gate.Record(r.Context(), decodeEnvelope(req.Envelope), req.Tool, fieldsFromWire(req.PDO))
	if err != nil {
		h.writeGateError(w, err)
		return
	}
	writeRecord(w, http.StatusCreated, rec)
}

func (h *Handler) GetPDO(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeError(w, http.StatusNotImplemented, "store not configured")
		return
	}
	rec, err := h.Store.Get(r.Context(), chi.URLParam(r, "pdo_id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeRecord(w, http.StatusOK, rec)
}

func (h *Handler) Lineage(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeError(w, http.StatusNotImplemented, "store not configured")
		return
	}
	pdoID := chi.URLParam(r, "pdo_id")
	ancestors, err := h.Store.Lineage(r.Context(), pdoID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	resp := types.LineageResponse{PDOID: pdoID, Lineage: make([]json.RawMessage, 0, len(ancestors))}
	for _, anc := range ancestors {
		data, err := anc.MarshalJSON()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.Lineage = append(resp.Lineage, data)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	if h.Gate == nil {
		writeError(w, http.StatusNotImplemented, "gate not configured")
		return
	}

	var req types.AuthorizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	env := decodeEnvelope(req.Envelope)
	rec, err := h.Gate.Authorize(r.Context(), req.PDOID, env, req.Tool, req.Params)
	if err != nil {
		h.writeGateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.AuthorizeResponse{
		Authorized: true,
		PDOID:      rec.ID(),
		AuditRef:   env.AuditRef(),
		Tool:       req.Tool,
	})
}

func (h *Handler) ProofPack(w http.ResponseWriter, r *http.Request) {
	if h.Generator == nil {
		writeError(w, http.StatusNotImplemented, "proofpack generator not configured")
		return
	}
	pdoID := chi.URLParam(r, "pdo_id")
	bundle, _, err := h.Generator.Generate(r.Context(), pdoID)
	if err != nil {
		switch {
		case errors.Is(err, generator.ErrArtifactMissing), errors.Is(err, generator.ErrArtifactDrift):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeStoreError(w, err)
		}
		return
	}

	zipBytes, err := bundle.ZipBytes()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", "attachment; filename=proofpack-"+pdoID+".zip")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(zipBytes)
}

func (h *Handler) VerifyProofPack(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBundleBody+1))
	if err != nil || len(body) > maxBundleBody {
		writeError(w, http.StatusBadRequest, "proofpack body unreadable or too large")
		return
	}
	bundle, err := proofpack.ReadZip(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result := verifier.Verify(bundle, verifier.WithClock(h.now))
	if a, ok := result.Alert(); ok && h.Alerts != nil {
		h.Alerts.Emit(r.Context(), a)
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Auth == nil {
			writeError(w, http.StatusUnauthorized, auth.ErrInvalidToken.Error())
			return
		}
		claims, err := h.Auth.Authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		h.logger().Debug("request authenticated", "subject", claims.Subject, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

type claimsKey struct{}

func claimsFrom(ctx context.Context) (auth.Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(auth.Claims)
	return claims, ok
}

func (h *Handler) writeGateError(w http.ResponseWriter, err error) {
	var gerr *gate.Error
	switch {
	case errors.As(err, &gerr):
		writeJSON(w, gateStatus(gerr.Code), types.ErrorResponse{
			Error:    gerr.Error(),
			Code:     string(gerr.Code),
			AuditRef: gerr.AuditRef,
		})
	case errors.Is(err, pdo.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeStoreError(w, err)
	}
}

func (h *Handler) now() time.Time {
	return time.Now()
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func gateStatus(code gate.Code) int {
	switch code {
	case gate.CodeAlreadyConsumed:
		return http.StatusConflict
	case gate.CodeRegistryDown, gate.CodeIssuanceDown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusForbidden
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pdostore.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pdo.ErrTamperDetected), errors.Is(err, pdostore.ErrBrokenLineage), errors.Is(err, pdostore.ErrLineageCycle):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pdo.ErrValidation), errors.Is(err, pdostore.ErrExists):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeRecord(w http.ResponseWriter, status int, rec pdo.Record) {
	data, err := rec.MarshalJSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
