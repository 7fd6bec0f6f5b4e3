package client_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Arnav-03/vecertify/internal/certify/handler"
	"github.com/Arnav-03/vecertify/internal/certify/repository"
	"github.com/Arnav-03/vecertify/internal/certify/service"
	"github.com/Arnav-03/vecertify/internal/coordinator"
	"github.com/Arnav-03/vecertify/internal/fingerprint"
	"github.com/Arnav-03/vecertify/internal/identity"
	"github.com/Arnav-03/vecertify/internal/ledger"
	"github.com/Arnav-03/vecertify/pkg/client"
)

var pdf = []byte("%PDF-1.4\n% client test\n%%EOF\n")

// ── Gateway server ──────────────────────────────────────────────────────

func gatewayServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	owner, _ := identity.GenerateSigner()
	issuer, _ := identity.GenerateSigner()
	engine, err := ledger.NewEngine(context.Background(), ledger.Config{
		NetworkID:   31337,
		Name:        "hardhat",
		Authorities: []identity.Address{issuer.Address()},
	}, owner.Address(), ledger.NewMemoryStore(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	coord := coordinator.New(coordinator.Config{ExpectedNetworkID: 31337},
		coordinator.DialerFunc(func(context.Context) (coordinator.Node, error) {
			return coordinator.LocalNode(engine), nil
		}), coordinator.StaticSigner(issuer), zap.NewNop())

	hasher, _ := fingerprint.NewHasher(fingerprint.SHA256)
	log := repository.NewMemoryVerificationLog()
	svc := service.NewCertificateService(coord, hasher, repository.NewMemoryCertificates(), log, zap.NewNop())
	svc.SetHistory(log)

	r := gin.New()
	handler.NewCertificateHandler(svc, handler.Config{}, zap.NewNop()).Register(r.Group("/api/v1"))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func issue(t *testing.T, c *client.Client, certID string) *client.IssueResult {
	t.Helper()
	res, err := c.Issue(context.Background(), client.IssueRequest{
		CertificateID:   certID,
		Subject:         "0xStudent",
		CertificateName: "BSc Computer Science",
		IssueDate:       time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		IssuerOrg:       "Example University",
	}, "cert.pdf", bytes.NewReader(pdf))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return res
}

// ── Tests ───────────────────────────────────────────────────────────────

func TestNew_requiresBase(t *testing.T) {
	if _, err := client.New(""); err == nil {
		t.Error("expected error for empty base URL")
	}
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	srv := gatewayServer(t)
	c := client.MustNew(srv.URL)
	ctx := context.Background()

	res := issue(t, c, "C1")
	if res.Certificate.Subject != "0xstudent" || res.Receipt.TxID == "" {
		t.Errorf("unexpected issue result: %+v", res)
	}

	hash, err := c.Hash(ctx, "cert.pdf", bytes.NewReader(pdf))
	if err != nil {
		t.Fatal(err)
	}
	if hash != res.Certificate.Fingerprint {
		t.Errorf("hash %s != issued fingerprint %s", hash, res.Certificate.Fingerprint)
	}

	v, err := c.Verify(ctx, "cert.pdf", bytes.NewReader(pdf), "hr@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsAuthentic || v.Metadata == nil || v.Metadata.CertificateName != "BSc Computer Science" {
		t.Errorf("unexpected verdict: %+v", v)
	}

	v, err = c.Verify(ctx, "forged.pdf", bytes.NewReader([]byte("%PDF-1.4 forged")), "")
	if err != nil {
		t.Fatalf("negative verdict must not be an error: %v", err)
	}
	if v.IsAuthentic {
		t.Error("forged document verified")
	}

	logs, err := c.Verifications(ctx, hash, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0].VerifiedBy != "hr@example.com" {
		t.Errorf("unexpected history: %+v", logs)
	}
}

func TestIssue_duplicate(t *testing.T) {
	srv := gatewayServer(t)
	c := client.MustNew(srv.URL)
	issue(t, c, "C1")

	_, err := c.Issue(context.Background(), client.IssueRequest{
		CertificateID:   "C1",
		Subject:         "0xstudent",
		CertificateName: "BSc Computer Science",
		IssueDate:       time.Now(),
	}, "cert.pdf", bytes.NewReader(append(bytes.Clone(pdf), ' ')))
	if !errors.Is(err, client.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict {
		t.Errorf("expected 409 APIError, got %v", err)
	}
}

func TestCertificate_notFound(t *testing.T) {
	srv := gatewayServer(t)
	c := client.MustNew(srv.URL)

	h, _ := fingerprint.NewHasher(fingerprint.SHA256)
	_, err := c.Certificate(context.Background(), h.Sum([]byte("missing")).String())
	if !errors.Is(err, client.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSubjectDocumentsAndFingerprintVerify(t *testing.T) {
	srv := gatewayServer(t)
	c := client.MustNew(srv.URL)
	res := issue(t, c, "C1")

	docs, err := c.SubjectDocuments(context.Background(), "0xSTUDENT")
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].Certificate == nil || docs[0].Certificate.CertificateID != "C1" {
		t.Errorf("unexpected documents: %+v", docs)
	}

	v, err := c.VerifyFingerprint(context.Background(), res.Certificate.Fingerprint, "registrar")
	if err != nil || !v.IsAuthentic {
		t.Errorf("VerifyFingerprint: %+v %v", v, err)
	}
}

func TestCertificate_cacheHit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"certificate_id":"C1","fingerprint":"abc"}`))
	}))
	defer srv.Close()

	c := client.MustNew(srv.URL, client.WithCacheTTL(time.Minute))
	for i := 0; i < 3; i++ {
		cert, err := c.Certificate(context.Background(), "abc")
		if err != nil || cert.CertificateID != "C1" {
			t.Fatalf("Certificate: %+v %v", cert, err)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("expected 1 upstream call, got %d", hits.Load())
	}
}

func TestAPIError_inconsistent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"anchored but not saved","inconsistent":true,"fingerprint":"ff"}`))
	}))
	defer srv.Close()

	_, err := client.MustNew(srv.URL).Issue(context.Background(), client.IssueRequest{CertificateID: "C1"}, "x.pdf", bytes.NewReader(pdf))
	if !errors.Is(err, client.ErrInconsistent) {
		t.Fatalf("expected ErrInconsistent, got %v", err)
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Fingerprint != "ff" {
		t.Errorf("fingerprint not carried: %+v", apiErr)
	}
}

func TestWithBearerToken(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"documents":[]}`))
	}))
	defer srv.Close()

	c := client.MustNew(srv.URL, client.WithBearerToken("tok"))
	if _, err := c.SubjectDocuments(context.Background(), "s"); err != nil {
		t.Fatal(err)
	}
	if got != "Bearer tok" {
		t.Errorf("Authorization header: %q", got)
	}
}
