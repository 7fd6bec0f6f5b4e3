package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Arnav-03/vecertify/internal/fingerprint"
	"github.com/Arnav-03/vecertify/internal/identity"
	"github.com/Arnav-03/vecertify/internal/ledger"
)

const testNetwork = 31337

type fixture struct {
	engine *ledger.Engine
	store  *ledger.MemoryStore
	owner  *identity.Signer
	issuer *identity.Signer
}

func newFixture(t *testing.T, cfg ledger.Config) *fixture {
	t.Helper()
	owner, err := identity.GenerateSigner()
	if err != nil {
		t.Fatal(err)
	}
	issuer, err := identity.GenerateSigner()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.NetworkID == 0 {
		cfg.NetworkID = testNetwork
	}
	cfg.Authorities = append(cfg.Authorities, issuer.Address())
	store := ledger.NewMemoryStore()
	e, err := ledger.NewEngine(ctx, cfg, owner.Address(), store, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{engine: e, store: store, owner: owner, issuer: issuer}
}

func sign(t *testing.T, s *identity.Signer, subject string, f fingerprint.Fingerprint) string {
	t.Helper()
	tx, err := s.SignIssue(testNetwork, subject, f.String(), "CERT-1", string(s.Address()))
	if err != nil {
		t.Fatal(err)
	}
	return tx
}

func TestEngine_Network(t *testing.T) {
	f := newFixture(t, ledger.Config{Name: "hardhat"})
	info, err := f.engine.Network(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if info.NetworkID != testNetwork || info.Name != "hardhat" {
		t.Errorf("unexpected network info: %+v", info)
	}
	if info.Owner != f.owner.Address() {
		t.Errorf("Owner: got %q, want %q", info.Owner, f.owner.Address())
	}
	if info.Head != ledger.GenesisHash || info.Entries != 1 {
		t.Errorf("fresh chain should be at genesis: %+v", info)
	}
}

func TestEngine_Submit_issueThenVerify(t *testing.T) {
	f := newFixture(t, ledger.Config{})
	doc := fp("a")

	receipt, err := f.engine.Submit(ctx, sign(t, f.issuer, "0xStudent", doc))
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if receipt.EntryIndex != 1 || receipt.Kind != ledger.KindIssue {
		t.Errorf("unexpected receipt: %+v", receipt)
	}

	v, err := f.engine.Verify(ctx, doc)
	if err != nil {
		t.Fatal(err)
	}
	if !v.Found || v.Subject != "0xstudent" {
		t.Errorf("Verify: got %+v", v)
	}

	rec, found, err := f.engine.Record(ctx, doc)
	if err != nil || !found {
		t.Fatalf("Record: found=%v err=%v", found, err)
	}
	if rec.Authority != f.issuer.Address() {
		t.Errorf("Authority: got %q", rec.Authority)
	}
	if rec.DocumentType != "CERT-1" || rec.Metadata != string(f.issuer.Address()) {
		t.Errorf("labels not stored: %+v", rec)
	}

	list, err := f.engine.SubjectRecords(ctx, "0XSTUDENT")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0] != doc {
		t.Errorf("SubjectRecords: got %v", list)
	}
}

func TestEngine_Submit_ownerIsAuthority(t *testing.T) {
	f := newFixture(t, ledger.Config{})
	if _, err := f.engine.Submit(ctx, sign(t, f.owner, "bob", fp("a"))); err != nil {
		t.Errorf("owner should be able to issue: %v", err)
	}
}

func TestEngine_Submit_unauthorized(t *testing.T) {
	f := newFixture(t, ledger.Config{})
	stranger, _ := identity.GenerateSigner()
	doc := fp("a")

	_, err := f.engine.Submit(ctx, sign(t, stranger, "bob", doc))
	if !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	if _, found, _ := f.engine.Record(ctx, doc); found {
		t.Error("unauthorized issue must leave no record")
	}
}

func TestEngine_Submit_wrongNetwork(t *testing.T) {
	f := newFixture(t, ledger.Config{})
	tx, err := f.issuer.SignIssue(1, "bob", fp("a").String(), "CERT-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Submit(ctx, tx); !errors.Is(err, ledger.ErrWrongNetwork) {
		t.Errorf("expected ErrWrongNetwork, got %v", err)
	}
}

func TestEngine_Submit_invalid(t *testing.T) {
	f := newFixture(t, ledger.Config{})
	if _, err := f.engine.Submit(ctx, "not-a-jwt"); !errors.Is(err, ledger.ErrInvalidTransaction) {
		t.Errorf("expected ErrInvalidTransaction, got %v", err)
	}
}

func TestEngine_Submit_replayed(t *testing.T) {
	f := newFixture(t, ledger.Config{})
	tx := sign(t, f.issuer, "bob", fp("a"))
	if _, err := f.engine.Submit(ctx, tx); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Submit(ctx, tx); !errors.Is(err, ledger.ErrReplayed) {
		t.Errorf("expected ErrReplayed, got %v", err)
	}
}

func TestEngine_Submit_reissuePolicy(t *testing.T) {
	t.Run("permissive", func(t *testing.T) {
		f := newFixture(t, ledger.Config{})
		_, _ = f.engine.Submit(ctx, sign(t, f.issuer, "alice", fp("a")))
		if _, err := f.engine.Submit(ctx, sign(t, f.issuer, "bob", fp("a"))); err != nil {
			t.Errorf("re-issue should succeed by default: %v", err)
		}
	})
	t.Run("strict", func(t *testing.T) {
		f := newFixture(t, ledger.Config{RejectReissue: true})
		_, _ = f.engine.Submit(ctx, sign(t, f.issuer, "alice", fp("a")))
		_, err := f.engine.Submit(ctx, sign(t, f.issuer, "bob", fp("a")))
		if !errors.Is(err, ledger.ErrAlreadyIssued) {
			t.Errorf("expected ErrAlreadyIssued, got %v", err)
		}
	})
}

func TestEngine_Grant(t *testing.T) {
	f := newFixture(t, ledger.Config{})
	newcomer, _ := identity.GenerateSigner()

	// Non-owner authorities cannot grant.
	tx, _ := f.issuer.SignGrant(testNetwork, newcomer.Address())
	if _, err := f.engine.Submit(ctx, tx); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized from non-owner grant, got %v", err)
	}

	tx, _ = f.owner.SignGrant(testNetwork, newcomer.Address())
	if _, err := f.engine.Submit(ctx, tx); err != nil {
		t.Fatalf("owner grant failed: %v", err)
	}
	if !f.engine.IsAuthority(newcomer.Address()) {
		t.Fatal("granted address should be an authority")
	}
	if _, err := f.engine.Submit(ctx, sign(t, newcomer, "bob", fp("d"))); err != nil {
		t.Errorf("granted authority should issue: %v", err)
	}

	// A restarted engine over the same store keeps the grant.
	restarted, err := ledger.NewEngine(ctx, ledger.Config{NetworkID: testNetwork}, f.owner.Address(), f.store, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if !restarted.IsAuthority(newcomer.Address()) {
		t.Error("grant lost across restart")
	}
}

func TestEngine_Verify_absentIsNotError(t *testing.T) {
	f := newFixture(t, ledger.Config{})
	v, err := f.engine.Verify(ctx, fp("e"))
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if v.Found {
		t.Error("expected Found=false")
	}
}

func TestEngine_Events(t *testing.T) {
	f := newFixture(t, ledger.Config{})
	doc := fp("a")
	_, _ = f.engine.Submit(ctx, sign(t, f.issuer, "alice", doc))
	_, _ = f.engine.Verify(ctx, doc)

	events, err := f.engine.Events(ctx, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != ledger.EventDocumentSubmitted || events[0].Subject != "alice" || events[0].Fingerprint != doc {
		t.Errorf("unexpected submitted event: %+v", events[0])
	}
	if events[1].Kind != ledger.EventDocumentVerified || events[1].Result == nil || !*events[1].Result {
		t.Errorf("unexpected verified event: %+v", events[1])
	}
	if events[1].Seq <= events[0].Seq {
		t.Error("sequence numbers must increase")
	}

	later, _ := f.engine.Events(ctx, events[1].Seq, 0, 0)
	if len(later) != 0 {
		t.Errorf("expected no events after head, got %d", len(later))
	}
}

func TestEngine_Events_longPollWakes(t *testing.T) {
	f := newFixture(t, ledger.Config{})
	head := f.engine.EventHead()

	var wg sync.WaitGroup
	var got []ledger.Event
	wg.Add(1)
	go func() {
		defer wg.Done()
		got, _ = f.engine.Events(ctx, head, 0, 5*time.Second)
	}()

	time.Sleep(5 * time.Millisecond)
	_, _ = f.engine.Verify(ctx, fp("a"))
	wg.Wait()

	if len(got) != 1 {
		t.Errorf("long poll should return the new event, got %d", len(got))
	}
}

func TestEngine_Events_ringEvictsOldest(t *testing.T) {
	f := newFixture(t, ledger.Config{EventBuffer: 2})
	for i := 0; i < 3; i++ {
		_, _ = f.engine.Verify(ctx, fp("a"))
	}
	events, _ := f.engine.Events(ctx, 0, 0, 0)
	if len(events) != 2 {
		t.Fatalf("expected 2 retained events, got %d", len(events))
	}
	if events[0].Seq != 2 || events[1].Seq != 3 {
		t.Errorf("expected seqs 2,3 got %d,%d", events[0].Seq, events[1].Seq)
	}
}

func TestEngine_Subscribe(t *testing.T) {
	f := newFixture(t, ledger.Config{})
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	sub := f.engine.Subscribe(sctx, ledger.EventDocumentSubmitted)

	_, _ = f.engine.Verify(ctx, fp("a"))
	_, _ = f.engine.Submit(ctx, sign(t, f.issuer, "alice", fp("b")))

	select {
	case e := <-sub.Events():
		if e.Kind != ledger.EventDocumentSubmitted || e.Fingerprint != fp("b") {
			t.Errorf("unexpected event %+v", e)
		}
	case <-sctx.Done():
		t.Fatal("timed out waiting for event")
	}

	sub.Close()
	sub.Close()
	if _, ok := <-sub.Events(); ok {
		t.Error("channel should be closed after Close")
	}
}

func TestEngine_Submit_concurrent(t *testing.T) {
	f := newFixture(t, ledger.Config{})
	const n = 20

	h, err := fingerprint.NewHasher(fingerprint.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	txs := make([]string, n)
	for i := range txs {
		txs[i] = sign(t, f.issuer, "alice", h.Sum([]byte{byte(i)}))
	}

	var wg sync.WaitGroup
	for i, tx := range txs {
		wg.Add(1)
		go func(i int, tx string) {
			defer wg.Done()
			if _, err := f.engine.Submit(ctx, tx); err != nil {
				t.Errorf("Submit %d: %v", i, err)
			}
		}(i, tx)
	}
	wg.Wait()

	if err := f.engine.VerifyChain(ctx); err != nil {
		t.Fatalf("chain invalid after concurrent submits: %v", err)
	}
	length, _, _ := f.engine.Chain(ctx)
	if length != n+1 {
		t.Errorf("expected %d entries, got %d", n+1, length)
	}
}
