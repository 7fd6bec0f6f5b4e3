package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Arnav-03/vecertify/internal/certify/handler"
	"github.com/Arnav-03/vecertify/internal/certify/model"
	"github.com/Arnav-03/vecertify/internal/certify/repository"
	"github.com/Arnav-03/vecertify/internal/certify/service"
	"github.com/Arnav-03/vecertify/internal/coordinator"
	"github.com/Arnav-03/vecertify/internal/fingerprint"
	"github.com/Arnav-03/vecertify/internal/identity"
	"github.com/Arnav-03/vecertify/internal/ledger"
)

const testNetwork = 31337

var pdf = []byte("%PDF-1.4\n1 0 obj << /Type /Catalog >> endobj\ntrailer << /Root 1 0 R >>\n%%EOF\n")

// failingCerts accepts reads but rejects every Create with err.
type failingCerts struct {
	*repository.MemoryCertificates
	err error
}

func (f failingCerts) Create(context.Context, *model.Certificate) error { return f.err }

type fixedReadiness struct{ err error }

func (r fixedReadiness) Ready(context.Context) error { return r.err }

type options struct {
	signer    *identity.Signer
	network   uint64
	createErr error
	maxBytes  int64
	guards    []gin.HandlerFunc
}

type gatewayFixture struct {
	router  *gin.Engine
	handler *handler.CertificateHandler
}

func setupGateway(t *testing.T, opts options) *gatewayFixture {
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
	if opts.signer == nil {
		opts.signer = issuer
	}
	if opts.network == 0 {
		opts.network = testNetwork
	}

	coord := coordinator.New(coordinator.Config{
		ExpectedNetworkID: opts.network,
		RetryDelay:        time.Millisecond,
	}, coordinator.DialerFunc(func(context.Context) (coordinator.Node, error) {
		return coordinator.LocalNode(engine), nil
	}), coordinator.StaticSigner(opts.signer), zap.NewNop())

	hasher, _ := fingerprint.NewHasher(fingerprint.SHA256)
	log := repository.NewMemoryVerificationLog()
	var svc *service.CertificateService
	if opts.createErr != nil {
		certs := failingCerts{MemoryCertificates: repository.NewMemoryCertificates(), err: opts.createErr}
		svc = service.NewCertificateService(coord, hasher, certs, log, zap.NewNop())
	} else {
		svc = service.NewCertificateService(coord, hasher, repository.NewMemoryCertificates(), log, zap.NewNop())
	}
	svc.SetHistory(log)

	h := handler.NewCertificateHandler(svc, handler.Config{MaxUploadBytes: opts.maxBytes, IssueGuards: opts.guards}, zap.NewNop())
	r := gin.New()
	h.Register(r.Group("/api/v1"))
	h.RegisterProbes(r)
	return &gatewayFixture{router: r, handler: h}
}

func (f *gatewayFixture) upload(t *testing.T, path string, file []byte, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		_ = mw.WriteField(k, v)
	}
	if file != nil {
		fw, err := mw.CreateFormFile("file", "certificate.pdf")
		if err != nil {
			t.Fatal(err)
		}
		_, _ = fw.Write(file)
	}
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *gatewayFixture) get(path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
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

func issueFields(certID string) map[string]string {
	return map[string]string{
		"certificate_id":   certID,
		"subject":          "0xStudent",
		"certificate_name": "BSc Computer Science",
		"issue_date":       "2024-06-01",
		"issuer_org":       "Example University",
	}
}

func sum(b []byte) string {
	h, _ := fingerprint.NewHasher(fingerprint.SHA256)
	return h.Sum(b).String()
}

func TestHash_200(t *testing.T) {
	f := setupGateway(t, options{})
	w := f.upload(t, "/api/v1/hash", []byte("anything"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	if got := decode(t, w)["hash"]; got != sum([]byte("anything")) {
		t.Errorf("hash: got %v", got)
	}
}

func TestHash_noFile_400(t *testing.T) {
	f := setupGateway(t, options{})
	w := f.upload(t, "/api/v1/hash", nil, map[string]string{"x": "y"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if decode(t, w)["error"] != "No file provided" {
		t.Errorf("unexpected body: %s", w.Body)
	}
}

func TestIssue_201_thenDuplicate_409(t *testing.T) {
	f := setupGateway(t, options{})

	w := f.upload(t, "/api/v1/certificates", pdf, issueFields("C1"))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body)
	}
	cert := decode(t, w)["certificate"].(map[string]any)
	if cert["fingerprint"] != sum(pdf) || cert["subject"] != "0xstudent" {
		t.Errorf("unexpected certificate: %v", cert)
	}

	w = f.upload(t, "/api/v1/certificates", append(bytes.Clone(pdf), '\n'), issueFields("C1"))
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", w.Code, w.Body)
	}
}

func TestIssue_notPDF_415(t *testing.T) {
	f := setupGateway(t, options{})
	w := f.upload(t, "/api/v1/certificates", []byte("plain text, not a certificate"), issueFields("C1"))
	if w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("expected 415, got %d: %s", w.Code, w.Body)
	}
}

func TestIssue_tooLarge_413(t *testing.T) {
	f := setupGateway(t, options{maxBytes: 16})
	w := f.upload(t, "/api/v1/certificates", pdf, issueFields("C1"))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d: %s", w.Code, w.Body)
	}
}

func TestIssue_validation_400(t *testing.T) {
	f := setupGateway(t, options{})

	fields := issueFields("C1")
	delete(fields, "certificate_name")
	if w := f.upload(t, "/api/v1/certificates", pdf, fields); w.Code != http.StatusBadRequest {
		t.Errorf("missing name: expected 400, got %d", w.Code)
	}

	fields = issueFields("C1")
	fields["issue_date"] = "01/06/2024"
	if w := f.upload(t, "/api/v1/certificates", pdf, fields); w.Code != http.StatusBadRequest {
		t.Errorf("bad date: expected 400, got %d", w.Code)
	}
}

func TestIssue_unauthorized_403(t *testing.T) {
	stranger, _ := identity.GenerateSigner()
	f := setupGateway(t, options{signer: stranger})
	w := f.upload(t, "/api/v1/certificates", pdf, issueFields("C1"))
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d: %s", w.Code, w.Body)
	}
}

func TestIssue_wrongNetwork_502(t *testing.T) {
	f := setupGateway(t, options{network: 1})
	w := f.upload(t, "/api/v1/certificates", pdf, issueFields("C1"))
	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d: %s", w.Code, w.Body)
	}
}

func TestIssue_inconsistent_500(t *testing.T) {
	f := setupGateway(t, options{createErr: errors.New("db unavailable")})
	w := f.upload(t, "/api/v1/certificates", pdf, issueFields("C1"))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", w.Code, w.Body)
	}
	resp := decode(t, w)
	if resp["inconsistent"] != true || resp["fingerprint"] != sum(pdf) {
		t.Errorf("expected inconsistent marker with fingerprint, got %v", resp)
	}
}

func TestIssue_lostUniquenessRace_500(t *testing.T) {
	f := setupGateway(t, options{createErr: repository.ErrDuplicateCertificate})
	w := f.upload(t, "/api/v1/certificates", pdf, issueFields("C1"))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", w.Code, w.Body)
	}
	resp := decode(t, w)
	if resp["inconsistent"] != true || resp["fingerprint"] != sum(pdf) || resp["tx_id"] == nil || resp["tx_id"] == "" {
		t.Errorf("expected inconsistent marker with reconciliation keys, got %v", resp)
	}
}

func TestIssue_guardsApplyToIssuanceOnly(t *testing.T) {
	blocked := func(c *gin.Context) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
	}
	f := setupGateway(t, options{guards: []gin.HandlerFunc{blocked}})

	if w := f.upload(t, "/api/v1/certificates", pdf, issueFields("C1")); w.Code != http.StatusTooManyRequests {
		t.Errorf("issue: expected 429, got %d", w.Code)
	}
	if w := f.upload(t, "/api/v1/verify", pdf, nil); w.Code != http.StatusOK {
		t.Errorf("verify must not be guarded, got %d: %s", w.Code, w.Body)
	}
}

func TestVerify_positiveAndNegative(t *testing.T) {
	f := setupGateway(t, options{})
	if w := f.upload(t, "/api/v1/certificates", pdf, issueFields("C1")); w.Code != http.StatusCreated {
		t.Fatalf("issue: %d %s", w.Code, w.Body)
	}

	w := f.upload(t, "/api/v1/verify", pdf, map[string]string{"verified_by": "hr@example.com"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	resp := decode(t, w)
	if resp["is_authentic"] != true || resp["metadata_available"] != true {
		t.Errorf("expected authentic verdict with metadata, got %v", resp)
	}
	meta := resp["metadata"].(map[string]any)
	if meta["certificate_name"] != "BSc Computer Science" || meta["subject"] != "0xstudent" {
		t.Errorf("unexpected metadata: %v", meta)
	}

	w = f.upload(t, "/api/v1/verify", []byte("%PDF-1.4 forged"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("negative verdict must be 200, got %d", w.Code)
	}
	if resp := decode(t, w); resp["is_authentic"] != false || resp["diagnostic"] == "" {
		t.Errorf("expected negative verdict, got %v", resp)
	}
}

func TestVerifyFingerprint_andHistory(t *testing.T) {
	f := setupGateway(t, options{})
	f.upload(t, "/api/v1/certificates", pdf, issueFields("C1"))

	w := f.get("/api/v1/verify/" + sum(pdf) + "?verified_by=registrar")
	if w.Code != http.StatusOK || decode(t, w)["is_authentic"] != true {
		t.Fatalf("verify by fingerprint: %d %s", w.Code, w.Body)
	}

	w = f.get("/api/v1/certificates/" + sum(pdf) + "/verifications")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if decode(t, w)["count"] != float64(1) {
		t.Errorf("expected one audit entry, got %s", w.Body)
	}
}

func TestGetCertificate(t *testing.T) {
	f := setupGateway(t, options{})

	if w := f.get("/api/v1/certificates/" + sum(pdf)); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 before issue, got %d", w.Code)
	}
	if w := f.get("/api/v1/certificates/not-hex"); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed fingerprint, got %d", w.Code)
	}

	f.upload(t, "/api/v1/certificates", pdf, issueFields("C1"))
	w := f.get("/api/v1/certificates/" + sum(pdf))
	if w.Code != http.StatusOK || decode(t, w)["certificate_id"] != "C1" {
		t.Errorf("expected certificate, got %d %s", w.Code, w.Body)
	}
}

func TestSubjectDocuments_200(t *testing.T) {
	f := setupGateway(t, options{})
	f.upload(t, "/api/v1/certificates", pdf, issueFields("C1"))

	w := f.get("/api/v1/subjects/0xSTUDENT/documents")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if decode(t, w)["count"] != float64(1) {
		t.Errorf("unexpected body: %s", w.Body)
	}
}

func TestProbes(t *testing.T) {
	f := setupGateway(t, options{})
	if w := f.get("/healthz"); w.Code != http.StatusOK {
		t.Errorf("healthz: %d", w.Code)
	}
	if w := f.get("/readyz"); w.Code != http.StatusOK {
		t.Errorf("readyz without source: %d", w.Code)
	}

	f.handler.SetReadiness(fixedReadiness{err: errors.New("ledger: down")})
	w := f.get("/readyz")
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), "ledger: down") {
		t.Errorf("readyz degraded: %d %s", w.Code, w.Body)
	}
}
