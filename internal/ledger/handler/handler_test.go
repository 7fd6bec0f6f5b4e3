package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Arnav-03/vecertify/internal/identity"
	"github.com/Arnav-03/vecertify/internal/ledger"
	"github.com/Arnav-03/vecertify/internal/ledger/handler"
)

const testNetwork = 31337

var doc = strings.Repeat("ab", 32)

type nodeFixture struct {
	router *gin.Engine
	owner  *identity.Signer
	issuer *identity.Signer
}

func setupNode(t *testing.T) *nodeFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	owner, _ := identity.GenerateSigner()
	issuer, _ := identity.GenerateSigner()
	engine, err := ledger.NewEngine(context.Background(), ledger.Config{
		NetworkID:   testNetwork,
		Name:        "hardhat",
		Authorities: []identity.Address{issuer.Address()},
	}, owner.Address(), ledger.NewMemoryStore(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	r := gin.New()
	handler.NewNodeHandler(engine, zap.NewNop()).Register(r.Group("/v1"))
	return &nodeFixture{router: r, owner: owner, issuer: issuer}
}

func (f *nodeFixture) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return resp
}

func (f *nodeFixture) issue(t *testing.T, s *identity.Signer, network uint64) *httptest.ResponseRecorder {
	t.Helper()
	tx, err := s.SignIssue(network, "0xStudent", doc, "CERT-1", string(s.Address()))
	if err != nil {
		t.Fatal(err)
	}
	return f.do(http.MethodPost, "/v1/transactions", gin.H{"tx": tx})
}

func TestNetwork_200(t *testing.T) {
	f := setupNode(t)
	w := f.do(http.MethodGet, "/v1/network", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["network_id"] != float64(testNetwork) || resp["name"] != "hardhat" {
		t.Errorf("unexpected network: %v", resp)
	}
	if resp["owner"] != string(f.owner.Address()) {
		t.Errorf("owner: got %v", resp["owner"])
	}
}

func TestSubmitTransaction_201(t *testing.T) {
	f := setupNode(t)
	w := f.issue(t, f.issuer, testNetwork)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = f.do(http.MethodGet, "/v1/documents/"+doc, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decode(t, w)
	rec := resp["record"].(map[string]any)
	if rec["subject"] != "0xstudent" || rec["authority"] != string(f.issuer.Address()) {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestSubmitTransaction_errors(t *testing.T) {
	f := setupNode(t)
	stranger, _ := identity.GenerateSigner()

	if w := f.issue(t, stranger, testNetwork); w.Code != http.StatusForbidden {
		t.Errorf("unauthorized: expected 403, got %d", w.Code)
	}
	if w := f.issue(t, f.issuer, 1); w.Code != http.StatusMisdirectedRequest {
		t.Errorf("wrong network: expected 421, got %d", w.Code)
	}
	if w := f.do(http.MethodPost, "/v1/transactions", gin.H{"tx": "garbage"}); w.Code != http.StatusBadRequest {
		t.Errorf("garbage tx: expected 400, got %d", w.Code)
	}
	if w := f.do(http.MethodPost, "/v1/transactions", gin.H{}); w.Code != http.StatusBadRequest {
		t.Errorf("missing tx: expected 400, got %d", w.Code)
	}
}

func TestGetRecord_404(t *testing.T) {
	f := setupNode(t)
	w := f.do(http.MethodGet, "/v1/documents/"+doc, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if decode(t, w)["found"] != false {
		t.Error("expected found=false")
	}
}

func TestGetRecord_badFingerprint(t *testing.T) {
	f := setupNode(t)
	if w := f.do(http.MethodGet, "/v1/documents/xyz", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestVerify_200(t *testing.T) {
	f := setupNode(t)

	w := f.do(http.MethodPost, "/v1/documents/"+doc+"/verify", nil)
	if decode(t, w)["found"] != false {
		t.Error("expected found=false before issue")
	}

	f.issue(t, f.issuer, testNetwork)
	w = f.do(http.MethodPost, "/v1/documents/"+doc+"/verify", nil)
	resp := decode(t, w)
	if resp["found"] != true || resp["subject"] != "0xstudent" {
		t.Errorf("unexpected verification: %v", resp)
	}
}

func TestSubjectDocuments(t *testing.T) {
	f := setupNode(t)
	f.issue(t, f.issuer, testNetwork)

	w := f.do(http.MethodGet, "/v1/subjects/0xSTUDENT/documents", nil)
	resp := decode(t, w)
	fps := resp["fingerprints"].([]any)
	if len(fps) != 1 || fps[0] != doc {
		t.Errorf("unexpected fingerprints: %v", fps)
	}

	w = f.do(http.MethodGet, "/v1/subjects/nobody/documents", nil)
	if got := decode(t, w)["fingerprints"].([]any); len(got) != 0 {
		t.Errorf("expected empty list, got %v", got)
	}
}

func TestGrant(t *testing.T) {
	f := setupNode(t)
	newcomer, _ := identity.GenerateSigner()

	tx, _ := f.owner.SignGrant(testNetwork, newcomer.Address())
	if w := f.do(http.MethodPost, "/v1/authorities", gin.H{"tx": tx}); w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if w := f.issue(t, newcomer, testNetwork); w.Code != http.StatusCreated {
		t.Errorf("granted issuer: expected 201, got %d", w.Code)
	}

	issueTx, _ := f.issuer.SignIssue(testNetwork, "bob", doc, "", "")
	if w := f.do(http.MethodPost, "/v1/authorities", gin.H{"tx": issueTx}); w.Code != http.StatusBadRequest {
		t.Errorf("issue tx on /authorities: expected 400, got %d", w.Code)
	}
}

func TestEvents(t *testing.T) {
	f := setupNode(t)
	f.issue(t, f.issuer, testNetwork)

	w := f.do(http.MethodGet, "/v1/events?after=0", nil)
	resp := decode(t, w)
	events := resp["events"].([]any)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].(map[string]any)["kind"] != string(ledger.EventDocumentSubmitted) {
		t.Errorf("unexpected event: %v", events[0])
	}
	if resp["head"] != float64(1) {
		t.Errorf("head: got %v", resp["head"])
	}

	w = f.do(http.MethodGet, "/v1/events?after=1&wait=1ms", nil)
	if got := decode(t, w)["events"].([]any); len(got) != 0 {
		t.Errorf("expected no new events, got %v", got)
	}

	if w := f.do(http.MethodGet, "/v1/events?wait=soon", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad wait: expected 400, got %d", w.Code)
	}
}

func TestChain(t *testing.T) {
	f := setupNode(t)
	f.issue(t, f.issuer, testNetwork)

	resp := decode(t, f.do(http.MethodGet, "/v1/chain", nil))
	if resp["entries"] != float64(2) {
		t.Errorf("expected 2 entries, got %v", resp["entries"])
	}
	if decode(t, f.do(http.MethodGet, "/v1/chain/verify", nil))["valid"] != true {
		t.Error("expected valid chain")
	}
	if w := f.do(http.MethodGet, "/v1/chain/entries/1", nil); w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if w := f.do(http.MethodGet, "/v1/chain/entries/99", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := f.do(http.MethodGet, "/v1/chain/entries/-1", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}
