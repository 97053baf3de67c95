//go:build e2e

package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/BIGmindz/ChainBridge-sub012/internal/config"
	"github.com/BIGmindz/ChainBridge-sub012/internal/proofpack"
	"github.com/BIGmindz/ChainBridge-sub012/internal/proofpack/verifier"
	"github.com/BIGmindz/ChainBridge-sub012/pkg/types"
)

func TestE2ERecordExportVerifySurvivesRestart(t *testing.T) {
	t.Setenv("TRUST_DEV_TOKEN", "test-token")
	dir := t.TempDir()
	cfg := config.Config{
		ListenAddr: ":0",
		PolicyPath: "../../policies/trust.yaml",
		Store:      config.StoreConfig{Driver: "sqlite", DSN: "file:" + filepath.Join(dir, "trust.db")},
		Artifacts:  config.ArtifactsConfig{Dir: filepath.Join(dir, "artifacts")},
	}

	srv := startServer(t, cfg)
	eval := types.EvaluateResponse{}
	call(t, srv.URL, http.MethodPost, "/v1/evaluate", jsonBody(t, types.EvaluateRequest{
		AgentGID: "GID-07", Verb: "EXECUTE", Target: "settlement/SH-42",
	}), http.StatusOK, &eval)

	var input, outcome types.ArtifactResponse
	call(t, srv.URL, http.MethodPost, "/v1/artifacts", []byte(`{"shipment":"SH-42","weight_kg":1200}`), http.StatusCreated, &input)
	call(t, srv.URL, http.MethodPost, "/v1/artifacts", []byte(`{"settled":true}`), http.StatusCreated, &outcome)

	var created map[string]any
	call(t, srv.URL, http.MethodPost, "/v1/pdos", jsonBody(t, types.RecordRequest{
		Envelope: eval.Envelope,
		Tool:     "chainpay.settle",
		PDO: types.PDOFields{
			InputRefs:    []string{input.Ref},
			DecisionRef:  eval.DecisionRef,
			OutcomeRef:   outcome.Ref,
			Outcome:      "APPROVED",
			SourceSystem: "CHAINPAY",
			Actor:        "GID-07",
			ActorType:    "agent",
		},
	}), http.StatusCreated, &created)
	pdoID, _ := created["pdo_id"].(string)
	srv.Close()

	srv = startServer(t, cfg)
	defer srv.Close()

	zipBytes := call(t, srv.URL, http.MethodGet, "/v1/proofpacks/"+pdoID, nil, http.StatusOK, nil)
	bundle, err := proofpack.ReadZip(zipBytes)
	if err != nil {
		t.Fatalf("read zip: %v", err)
	}
	if result := verifier.Verify(bundle); !result.IsValid {
		t.Fatalf("expected valid pack, got %s: %s", result.Outcome, result.ErrorMessage)
	}

	var remote verifier.Result
	call(t, srv.URL, http.MethodPost, "/v1/proofpacks/verify", zipBytes, http.StatusOK, &remote)
	if remote.Outcome != verifier.Valid {
		t.Fatalf("expected remote VALID, got %s", remote.Outcome)
	}
}

func startServer(t *testing.T, cfg config.Config) *httptest.Server {
	t.Helper()
	server, err := newServer(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return httptest.NewServer(server.Handler)
}

func jsonBody(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func call(t *testing.T, baseURL, method, path string, body []byte, want int, out any) []byte {
	t.Helper()
	req, err := http.NewRequest(method, baseURL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Authorization", "Bearer test-token")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if res.StatusCode != want {
		t.Fatalf("%s %s: expected %d, got %d: %s", method, path, want, res.StatusCode, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return data
}
