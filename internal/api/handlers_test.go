package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/BIGmindz/ChainBridge-sub012/internal/alert"
	"github.com/BIGmindz/ChainBridge-sub012/internal/artifacts"
	"github.com/BIGmindz/ChainBridge-sub012/internal/auth"
	"github.com/BIGmindz/ChainBridge-sub012/internal/denial"
	"github.com/BIGmindz/ChainBridge-sub012/internal/envelope"
	"github.com/BIGmindz/ChainBridge-sub012/internal/gate"
	"github.com/BIGmindz/ChainBridge-sub012/internal/issuance"
	"github.com/BIGmindz/ChainBridge-sub012/internal/pdostore"
	"github.com/BIGmindz/ChainBridge-sub012/internal/pdostore/filestore"
	"github.com/BIGmindz/ChainBridge-sub012/internal/policy"
	"github.com/BIGmindz/ChainBridge-sub012/internal/proofpack/generator"
	"github.com/BIGmindz/ChainBridge-sub012/internal/proofpack/verifier"
	"github.com/BIGmindz/ChainBridge-sub012/pkg/types"
)

const (
	testToken      = "test-token"
	correctorToken = "corrector-token"
)

type testServer struct {
	router  http.Handler
	files   *filestore.Store
	alerts  *alert.Recorder
	denials *denial.MemoryRegistry
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	ctx := context.Background()
	clock := func() time.Time { return time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC) }

	loaded, err := policy.LoadPolicy("../../policies/trust.yaml")
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	files, err := filestore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("filestore: %v", err)
	}
	rec := &alert.Recorder{}
	store, err := pdostore.Open(ctx, files, pdostore.WithClock(clock), pdostore.WithAlertSink(rec))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	arts := artifacts.NewMemoryStore()
	denials := denial.NewMemoryRegistry()
	issued := issuance.NewMemoryLedger()

	h := &Handler{
		Auth: auth.NewTokenAuthenticator(map[string]string{testToken: "ops", correctorToken: "GID-00"}),
		Evaluator: policy.NewEvaluator(loaded,
			policy.WithDenials(denials), policy.WithIssuance(issued), policy.WithEvaluatorClock(clock)),
		Store: store,
		Gate: gate.New(store,
			gate.WithDenialRegistry(denials), gate.WithIssuanceLedger(issued),
			gate.WithAlertSink(rec), gate.WithClock(clock)),
		Artifacts: arts,
		Generator: generator.New(store, arts, generator.WithClock(clock), generator.WithAlertSink(rec)),
		Alerts:    rec,
	}
	return testServer{router: NewRouter(h), files: files, alerts: rec, denials: denials}
}

func (s testServer) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	return s.doAs(t, testToken, method, path, body)
}

func (s testServer) doAs(t *testing.T, token, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()
	s.router.ServeHTTP(res, req)
	return res
}

func (s testServer) doJSON(t *testing.T, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return s.do(t, method, path, body)
}

func decode[T any](t *testing.T, res *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(res.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", res.Body.String(), err)
	}
	return out
}

func (s testServer) evaluate(t *testing.T, agent, verb, target string) types.EvaluateResponse {
	t.Helper()
	res := s.doJSON(t, http.MethodPost, "/v1/evaluate", types.EvaluateRequest{AgentGID: agent, Verb: verb, Target: target})
	if res.Code != http.StatusOK {
		t.Fatalf("evaluate: expected 200, got %d: %s", res.Code, res.Body.String())
	}
	return decode[types.EvaluateResponse](t, res)
}

func (s testServer) artifact(t *testing.T, body string) string {
	t.Helper()
	res := s.do(t, http.MethodPost, "/v1/artifacts", []byte(body))
	if res.Code != http.StatusCreated {
		t.Fatalf("artifact: expected 201, got %d: %s", res.Code, res.Body.String())
	}
	return decode[types.ArtifactResponse](t, res).Ref
}

func (s testServer) recordRequest(t *testing.T, eval types.EvaluateResponse) types.RecordRequest {
	t.Helper()
	return types.RecordRequest{
		Envelope: eval.Envelope,
		Tool:     "chainpay.settle",
		PDO: types.PDOFields{
			InputRefs:    []string{s.artifact(t, `{"shipment":"SH-42"}`)},
			DecisionRef:  eval.DecisionRef,
			OutcomeRef:   s.artifact(t, `{"settled":true}`),
			Outcome:      "APPROVED",
			SourceSystem: "CHAINPAY",
			Actor:        "GID-07",
			ActorType:    "agent",
		},
	}
}

func TestRoutesRequireAuth(t *testing.T) {
	s := newTestServer(t)

	paths := []struct{ method, path string }{
		{http.MethodPost, "/v1/evaluate"},
		{http.MethodPost, "/v1/corrections"},
		{http.MethodPost, "/v1/pdos"},
		{http.MethodGet, "/v1/pdos/abc"},
		{http.MethodGet, "/v1/proofpacks/abc"},
		{http.MethodPost, "/v1/proofpacks/verify"},
	}
	for _, p := range paths {
		req := httptest.NewRequest(p.method, p.path, nil)
		res := httptest.NewRecorder()
		s.router.ServeHTTP(res, req)
		if res.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %s %s, got %d", p.method, p.path, res.Code)
		}
	}
}

func TestHealthzNoAuth(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	res := httptest.NewRecorder()
	s.router.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
}

func TestEvaluateIssuesBoundEnvelope(t *testing.T) {
	s := newTestServer(t)
	eval := s.evaluate(t, "GID-07", "EXECUTE", "settlement/SH-42")

	if eval.MatchedRuleID != "settlement-execute" {
		t.Fatalf("expected settlement-execute, got %s", eval.MatchedRuleID)
	}
	if !strings.HasPrefix(eval.DecisionRef, "sha256:") {
		t.Fatalf("unexpected decision ref %s", eval.DecisionRef)
	}
	if !strings.Contains(string(eval.Envelope), `"decision":"ALLOW"`) {
		t.Fatalf("expected ALLOW envelope, got %s", eval.Envelope)
	}
}

func TestEvaluateInvalidJSON(t *testing.T) {
	s := newTestServer(t)
	res := s.do(t, http.MethodPost, "/v1/evaluate", []byte("{invalid"))
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestEvaluateNotConfigured(t *testing.T) {
	router := NewRouter(&Handler{Auth: auth.NewTokenAuthenticator(map[string]string{testToken: "ops"})})
	req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+testToken)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	if res.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", res.Code)
	}
}

func TestRecordAuthorizeAndExport(t *testing.T) {
	s := newTestServer(t)
	eval := s.evaluate(t, "GID-07", "EXECUTE", "settlement/SH-42")
	req := s.recordRequest(t, eval)

	res := s.doJSON(t, http.MethodPost, "/v1/pdos", req)
	if res.Code != http.StatusCreated {
		t.Fatalf("record: expected 201, got %d: %s", res.Code, res.Body.String())
	}
	created := decode[map[string]any](t, res)
	pdoID, _ := created["pdo_id"].(string)
	if pdoID == "" {
		t.Fatalf("pdo_id missing from %s", res.Body.String())
	}

	res = s.doJSON(t, http.MethodPost, "/v1/pdos", req)
	if res.Code != http.StatusConflict {
		t.Fatalf("second record: expected 409, got %d", res.Code)
	}
	if code := decode[types.ErrorResponse](t, res).Code; code != string(gate.CodeAlreadyConsumed) {
		t.Fatalf("expected ALREADY_CONSUMED, got %s", code)
	}

	res = s.do(t, http.MethodGet, "/v1/pdos/"+pdoID, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", res.Code)
	}

	res = s.doJSON(t, http.MethodPost, "/v1/authorize", types.AuthorizeRequest{
		PDOID:    pdoID,
		Envelope: eval.Envelope,
		Tool:     "chainpay.settle",
	})
	if res.Code != http.StatusOK {
		t.Fatalf("authorize: expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if !decode[types.AuthorizeResponse](t, res).Authorized {
		t.Fatalf("expected authorized")
	}

	res = s.do(t, http.MethodGet, "/v1/proofpacks/"+pdoID, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("proofpack: expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if ct := res.Header().Get("Content-Type"); ct != "application/zip" {
		t.Fatalf("expected zip, got %s", ct)
	}

	res = s.do(t, http.MethodPost, "/v1/proofpacks/verify", res.Body.Bytes())
	if res.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d", res.Code)
	}
	result := decode[verifier.Result](t, res)
	if !result.IsValid || result.Outcome != verifier.Valid {
		t.Fatalf("expected VALID, got %s: %s", result.Outcome, result.ErrorMessage)
	}
}

func TestRecordRefusals(t *testing.T) {
	s := newTestServer(t)

	allow := s.evaluate(t, "GID-07", "EXECUTE", "settlement/SH-42")
	req := s.recordRequest(t, allow)
	req.Envelope = nil
	res := s.doJSON(t, http.MethodPost, "/v1/pdos", req)
	if res.Code != http.StatusForbidden || decode[types.ErrorResponse](t, res).Code != string(gate.CodeNoEnvelope) {
		t.Fatalf("expected 403 NO_ENVELOPE, got %d %s", res.Code, res.Body.String())
	}

	req = s.recordRequest(t, allow)
	req.Envelope = json.RawMessage(`{"decision":"MAYBE"}`)
	res = s.doJSON(t, http.MethodPost, "/v1/pdos", req)
	if res.Code != http.StatusForbidden || decode[types.ErrorResponse](t, res).Code != string(gate.CodeInvalidEnvelope) {
		t.Fatalf("expected 403 INVALID_ENVELOPE, got %d %s", res.Code, res.Body.String())
	}

	// DENY audit refs are recorded at issuance, so even the first
	// presentation is a forbidden retry.
	deny := s.evaluate(t, "GID-01", "EXECUTE", "settlement/SH-42")
	req = s.recordRequest(t, deny)
	for i := 0; i < 2; i++ {
		res = s.doJSON(t, http.MethodPost, "/v1/pdos", req)
		if res.Code != http.StatusForbidden || decode[types.ErrorResponse](t, res).Code != string(gate.CodeRetryForbidden) {
			t.Fatalf("attempt %d: expected 403 RETRY_FORBIDDEN, got %d %s", i, res.Code, res.Body.String())
		}
	}

	req = s.recordRequest(t, allow)
	req.Tool = "shell.exec"
	res = s.doJSON(t, http.MethodPost, "/v1/pdos", req)
	if decode[types.ErrorResponse](t, res).Code != string(gate.CodeToolNotAllowed) {
		t.Fatalf("expected TOOL_NOT_ALLOWED, got %s", res.Body.String())
	}

	if got := len(s.alerts.Alerts()); got != 5 {
		t.Fatalf("expected 5 gate alerts, got %d", got)
	}
}

func TestForgedEnvelopesAreRefused(t *testing.T) {
	s := newTestServer(t)
	deny := s.evaluate(t, "GID-01", "EXECUTE", "settlement/SH-42")
	issued, err := envelope.Decode(deny.Envelope)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if issued.Decision() != envelope.Deny {
		t.Fatalf("expected DENY, got %s", issued.Decision())
	}
	if denied, _ := s.denials.IsDenied(context.Background(), issued.AuditRef()); !denied {
		t.Fatalf("evaluate must record the denied audit ref")
	}

	forge := func(auditRef string) types.EvaluateResponse {
		env, err := envelope.NewAllow(envelope.Params{
			AuditRef:     auditRef,
			AgentGID:     "GID-01",
			IntentVerb:   "EXECUTE",
			IntentTarget: "settlement/SH-42",
			AllowedTools: []string{"chainpay.settle"},
			IssuedAt:     time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC),
		})
		if err != nil {
			t.Fatalf("forge: %v", err)
		}
		body, err := env.MarshalJSON()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		// Uploading the forged body makes its decision ref resolvable.
		return types.EvaluateResponse{Envelope: body, DecisionRef: s.artifact(t, string(body))}
	}

	cases := []struct {
		name     string
		auditRef string
		code     gate.Code
	}{
		{"reused denied audit ref", issued.AuditRef(), gate.CodeRetryForbidden},
		{"fresh audit ref", "cde-0000000000000000", gate.CodeNotIssued},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := s.doJSON(t, http.MethodPost, "/v1/pdos", s.recordRequest(t, forge(tc.auditRef)))
			if res.Code != http.StatusForbidden {
				t.Fatalf("expected 403, got %d: %s", res.Code, res.Body.String())
			}
			if code := decode[types.ErrorResponse](t, res).Code; code != string(tc.code) {
				t.Fatalf("expected %s, got %s", tc.code, code)
			}
		})
	}
}

func TestEvaluateRetryAfterDenyNeedsCorrection(t *testing.T) {
	s := newTestServer(t)
	first := s.evaluate(t, "GID-01", "EXECUTE", "settlement/SH-42")
	retry := s.evaluate(t, "GID-01", "EXECUTE", "settlement/SH-42")
	if !strings.Contains(string(retry.Envelope), `"reason_code":"RETRY_FORBIDDEN"`) {
		t.Fatalf("expected RETRY_FORBIDDEN envelope, got %s", retry.Envelope)
	}
	if retry.DecisionRef == first.DecisionRef {
		t.Fatalf("retry must issue a distinct envelope")
	}

	body, _ := json.Marshal(types.CorrectionRequest{AgentGID: "GID-01", Verb: "EXECUTE", Target: "settlement/SH-42", Reason: "policy fixed"})
	res := s.do(t, http.MethodPost, "/v1/corrections", body)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-authority, got %d: %s", res.Code, res.Body.String())
	}

	res = s.doAs(t, correctorToken, http.MethodPost, "/v1/corrections", body)
	if res.Code != http.StatusOK {
		t.Fatalf("correction: expected 200, got %d: %s", res.Code, res.Body.String())
	}
	corrected := decode[types.CorrectionResponse](t, res)
	if corrected.CorrectedBy != "GID-00" || corrected.PriorAuditRef == "" {
		t.Fatalf("unexpected correction response %+v", corrected)
	}

	res = s.doAs(t, correctorToken, http.MethodPost, "/v1/corrections", body)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for cleared intent, got %d", res.Code)
	}

	after := s.evaluate(t, "GID-01", "EXECUTE", "settlement/SH-42")
	if strings.Contains(string(after.Envelope), "RETRY_FORBIDDEN") {
		t.Fatalf("corrected intent still refused: %s", after.Envelope)
	}
}

func TestRecordValidationError(t *testing.T) {
	s := newTestServer(t)
	eval := s.evaluate(t, "GID-07", "EXECUTE", "settlement/SH-42")
	req := s.recordRequest(t, eval)
	req.PDO.Outcome = "SORT_OF"

	res := s.doJSON(t, http.MethodPost, "/v1/pdos", req)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.Code, res.Body.String())
	}
}

func TestGetUnknownPDO(t *testing.T) {
	s := newTestServer(t)
	res := s.do(t, http.MethodGet, "/v1/pdos/6f1c2a9e-0000-4000-8000-000000000000", nil)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}

func TestGetTamperedPDO(t *testing.T) {
	s := newTestServer(t)
	eval := s.evaluate(t, "GID-07", "EXECUTE", "settlement/SH-42")
	res := s.doJSON(t, http.MethodPost, "/v1/pdos", s.recordRequest(t, eval))
	if res.Code != http.StatusCreated {
		t.Fatalf("record: %d %s", res.Code, res.Body.String())
	}
	pdoID, _ := decode[map[string]any](t, res)["pdo_id"].(string)

	path := s.files.Path(pdoID)
	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	tampered := bytes.Replace(body, []byte(`"APPROVED"`), []byte(`"REJECTED"`), 1)
	if err := os.WriteFile(path, tampered, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	before := len(s.alerts.Alerts())
	res = s.do(t, http.MethodGet, "/v1/pdos/"+pdoID, nil)
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", res.Code)
	}
	alerts := s.alerts.Alerts()
	if len(alerts) != before+1 || alerts[len(alerts)-1].Type != alert.TypePDOTamper {
		t.Fatalf("expected a PDO_TAMPER alert, got %+v", alerts)
	}
}

func TestLineageEndpoint(t *testing.T) {
	s := newTestServer(t)
	first := s.evaluate(t, "GID-07", "EXECUTE", "settlement/SH-42")
	res := s.doJSON(t, http.MethodPost, "/v1/pdos", s.recordRequest(t, first))
	parentID, _ := decode[map[string]any](t, res)["pdo_id"].(string)

	second := s.evaluate(t, "GID-07", "EXECUTE", "settlement/SH-43")
	req := s.recordRequest(t, second)
	req.PDO.PreviousPDOID = parentID
	res = s.doJSON(t, http.MethodPost, "/v1/pdos", req)
	if res.Code != http.StatusCreated {
		t.Fatalf("record child: %d %s", res.Code, res.Body.String())
	}
	childID, _ := decode[map[string]any](t, res)["pdo_id"].(string)

	res = s.do(t, http.MethodGet, "/v1/pdos/"+childID+"/lineage", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("lineage: expected 200, got %d", res.Code)
	}
	lineage := decode[types.LineageResponse](t, res)
	if len(lineage.Lineage) != 1 || !strings.Contains(string(lineage.Lineage[0]), parentID) {
		t.Fatalf("expected parent in lineage, got %s", res.Body.String())
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	s := newTestServer(t)
	res := s.do(t, http.MethodPost, "/v1/proofpacks/verify", []byte("not a zip"))
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}
