package ledgerclient_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Arnav-03/vecertify/internal/fingerprint"
	"github.com/Arnav-03/vecertify/internal/identity"
	"github.com/Arnav-03/vecertify/internal/ledger"
	"github.com/Arnav-03/vecertify/internal/ledger/handler"
	"github.com/Arnav-03/vecertify/pkg/ledgerclient"
)

const testNetwork = 31337

var (
	ctx = context.Background()
	doc = fingerprint.Fingerprint(strings.Repeat("cd", 32))
)

func startNode(t *testing.T) (*ledgerclient.Client, *identity.Signer, *identity.Signer) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	owner, _ := identity.GenerateSigner()
	issuer, _ := identity.GenerateSigner()
	engine, err := ledger.NewEngine(ctx, ledger.Config{
		NetworkID:   testNetwork,
		Name:        "hardhat",
		Authorities: []identity.Address{issuer.Address()},
	}, owner.Address(), ledger.NewMemoryStore(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	r := gin.New()
	handler.NewNodeHandler(engine, zap.NewNop()).Register(r.Group("/v1"))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return ledgerclient.New(srv.URL, ledgerclient.WithTimeout(2*time.Second)), owner, issuer
}

func TestClient_roundTrip(t *testing.T) {
	c, owner, issuer := startNode(t)

	info, err := c.Network(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if info.NetworkID != testNetwork || info.Owner != owner.Address() {
		t.Errorf("unexpected network info: %+v", info)
	}

	if _, found, err := c.Record(ctx, doc); err != nil || found {
		t.Fatalf("Record before issue: found=%v err=%v", found, err)
	}

	tx, _ := issuer.SignIssue(testNetwork, "alice", doc.String(), "CERT-1", string(issuer.Address()))
	receipt, err := c.Submit(ctx, tx)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if receipt.EntryIndex != 1 {
		t.Errorf("receipt: %+v", receipt)
	}

	rec, found, err := c.Record(ctx, doc)
	if err != nil || !found {
		t.Fatalf("Record after issue: found=%v err=%v", found, err)
	}
	if rec.Subject != "alice" || rec.Authority != issuer.Address() {
		t.Errorf("unexpected record: %+v", rec)
	}

	v, err := c.Verify(ctx, doc)
	if err != nil || !v.Found {
		t.Errorf("Verify: %+v err=%v", v, err)
	}

	fps, err := c.SubjectRecords(ctx, "alice")
	if err != nil || len(fps) != 1 || fps[0] != doc {
		t.Errorf("SubjectRecords: %v err=%v", fps, err)
	}

	events, err := c.Events(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Errorf("expected submitted+verified events, got %d", len(events))
	}

	valid, _, err := c.VerifyChain(ctx)
	if err != nil || !valid {
		t.Errorf("VerifyChain: valid=%v err=%v", valid, err)
	}
}

func TestClient_errorMapping(t *testing.T) {
	c, owner, issuer := startNode(t)
	stranger, _ := identity.GenerateSigner()

	tx, _ := stranger.SignIssue(testNetwork, "alice", doc.String(), "", "")
	if _, err := c.Submit(ctx, tx); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}

	tx, _ = issuer.SignIssue(7, "alice", doc.String(), "", "")
	if _, err := c.Submit(ctx, tx); !errors.Is(err, ledger.ErrWrongNetwork) {
		t.Errorf("expected ErrWrongNetwork, got %v", err)
	}

	tx, _ = issuer.SignIssue(testNetwork, "alice", doc.String(), "", "")
	_, _ = c.Submit(ctx, tx)
	if _, err := c.Submit(ctx, tx); !errors.Is(err, ledger.ErrReplayed) {
		t.Errorf("expected ErrReplayed, got %v", err)
	}

	grant, _ := owner.SignGrant(testNetwork, stranger.Address())
	if _, err := c.Grant(ctx, grant); err != nil {
		t.Errorf("Grant: %v", err)
	}
}

func TestClient_unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := ledgerclient.New(srv.URL)
	if _, err := c.Network(ctx); !errors.Is(err, ledgerclient.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestClient_serverError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := ledgerclient.New(srv.URL).Network(ctx)
	if !errors.Is(err, ledgerclient.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	var apiErr *ledgerclient.APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "boom" {
		t.Errorf("expected APIError with message, got %v", err)
	}
}
