// Package service implements certificate issuance and verification on top of
// the ledger contract and the off-ledger certificate store.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Arnav-03/vecertify/internal/analysis"
	"github.com/Arnav-03/vecertify/internal/artifacts"
	"github.com/Arnav-03/vecertify/internal/audit"
	"github.com/Arnav-03/vecertify/internal/certify/model"
	"github.com/Arnav-03/vecertify/internal/certify/repository"
	"github.com/Arnav-03/vecertify/internal/coordinator"
	"github.com/Arnav-03/vecertify/internal/fingerprint"
	"github.com/Arnav-03/vecertify/internal/identity"
	"github.com/Arnav-03/vecertify/internal/ledger"
)

// metadataWriteTimeout bounds the off-ledger write that follows a committed
// ledger transaction. The write is detached from the caller's context.
const metadataWriteTimeout = 10 * time.Second

// NotAnchoredDiagnostic explains a negative verdict.
const NotAnchoredDiagnostic = "no ledger record exists for this document: it was never issued or it has been altered since issuance"

// CertificateStore is the persistence interface for off-ledger records.
// *repository.CertificateRepository and *repository.MemoryCertificates satisfy it.
type CertificateStore interface {
	Create(ctx context.Context, c *model.Certificate) error
	GetByFingerprint(ctx context.Context, fp fingerprint.Fingerprint) (*model.Certificate, error)
	GetByCertificateID(ctx context.Context, certificateID, subject string) (*model.Certificate, error)
	ListBySubject(ctx context.Context, subject string) ([]*model.Certificate, error)
}

// HistoryReader lists past verification attempts.
type HistoryReader interface {
	ListByFingerprint(ctx context.Context, fp fingerprint.Fingerprint, limit int) ([]*model.VerificationLog, error)
}

// Connector hands out a Ready ledger handle. *coordinator.Coordinator
// satisfies it.
type Connector interface {
	Handle(ctx context.Context) (*coordinator.Handle, error)
	Invalidate()
}

// CertificateService runs the issuance and verification protocol.
type CertificateService struct {
	conn      Connector
	hasher    *fingerprint.Hasher
	certs     CertificateStore
	audit     audit.Sink
	history   HistoryReader      // nil = no verification history
	artifacts artifacts.Store    // nil = certificate files are not stored
	analyzer  analysis.Analyzer  // nil = no tamper analysis
	logger    *zap.Logger
}

// NewCertificateService creates a new CertificateService.
func NewCertificateService(conn Connector, hasher *fingerprint.Hasher, certs CertificateStore, auditSink audit.Sink, logger *zap.Logger) *CertificateService {
	return &CertificateService{
		conn:     conn,
		hasher:   hasher,
		certs:    certs,
		audit:    auditSink,
		analyzer: analysis.Noop{},
		logger:   logger,
	}
}

// SetArtifactStore enables storing issued certificate files.
func (s *CertificateService) SetArtifactStore(a artifacts.Store) {
	s.artifacts = a
}

// SetAnalyzer enables advisory tamper analysis during verification.
func (s *CertificateService) SetAnalyzer(a analysis.Analyzer) {
	s.analyzer = a
}

// SetHistory enables VerificationHistory.
func (s *CertificateService) SetHistory(h HistoryReader) {
	s.history = h
}

// Hash returns the fingerprint of everything read from r.
func (s *CertificateService) Hash(ctx context.Context, r io.Reader) (fingerprint.Fingerprint, error) {
	return s.hasher.FromReader(ctx, r)
}

// Issue anchors a certificate on the ledger and records its metadata.
//
// The off-ledger store is checked for (certificate id, subject) before any
// ledger write. If the ledger write succeeds but the metadata write fails the
// returned error is an *InconsistentStateError.
func (s *CertificateService) Issue(ctx context.Context, req model.IssueRequest) (*model.IssueResult, error) {
	if err := req.Validate(); err != nil {
		issuancesTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	fp := s.hasher.Sum(req.Document)
	log := s.logger.With(
		zap.String("fingerprint", fp.String()),
		zap.String("certificate_id", req.CertificateID),
		zap.String("subject", req.Subject),
	)

	_, err := s.certs.GetByCertificateID(ctx, req.CertificateID, req.Subject)
	switch {
	case err == nil:
		issuancesTotal.WithLabelValues("duplicate").Inc()
		return nil, ErrDuplicateCertificate
	case !errors.Is(err, repository.ErrNotFound):
		issuancesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("check existing certificate: %w", err)
	}

	h, err := s.conn.Handle(ctx)
	if err != nil {
		issuancesTotal.WithLabelValues("connection").Inc()
		return nil, err
	}
	issuer := h.Issuer()
	if issuer == "" {
		issuancesTotal.WithLabelValues("connection").Inc()
		return nil, coordinator.ErrSignerUnavailable
	}

	// documentType carries the certificate id and metadata the issuer address.
	receipt, err := h.Issue(ctx, req.Subject, fp, req.CertificateID, string(issuer))
	if err != nil {
		issuancesTotal.WithLabelValues("ledger_rejected").Inc()
		log.Warn("ledger issue failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrLedgerWriteFailed, err)
	}

	// The file copy is kept only for anchored documents. The ledger record and
	// metadata are authoritative, so a storage failure leaves the URL empty.
	var url string
	if s.artifacts != nil {
		url, err = s.artifacts.Store(ctx, req.Document, req.CertificateID+"_"+req.Subject)
		if err != nil {
			log.Warn("certificate file not stored", zap.String("tx_id", receipt.TxID), zap.Error(err))
			url = ""
		}
	}

	cert := &model.Certificate{
		Fingerprint:     fp,
		CertificateID:   req.CertificateID,
		Subject:         req.Subject,
		CertificateName: req.CertificateName,
		IssueDate:       req.IssueDate,
		Issuer:          issuer,
		IssuerOrg:       req.IssuerOrg,
		CertificateURL:  url,
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metadataWriteTimeout)
	defer cancel()
	if err := s.certs.Create(wctx, cert); err != nil {
		issuancesTotal.WithLabelValues("inconsistent").Inc()
		log.Error("certificate anchored on ledger but metadata write failed",
			zap.String("tx_id", receipt.TxID),
			zap.Int("entry", receipt.EntryIndex),
			zap.Error(err),
		)
		return nil, &InconsistentStateError{
			Fingerprint:   fp,
			CertificateID: req.CertificateID,
			Subject:       req.Subject,
			Receipt:       receipt,
			Cause:         err,
		}
	}

	issuancesTotal.WithLabelValues("issued").Inc()
	log.Info("certificate issued", zap.String("tx_id", receipt.TxID), zap.String("issuer", string(issuer)))
	return &model.IssueResult{Certificate: cert, Receipt: receipt}, nil
}

// Verify hashes the presented document and returns its verdict. Absence of a
// ledger record is a negative verdict, not an error; only hashing and ledger
// connection faults return an error. Every verdict is audited.
func (s *CertificateService) Verify(ctx context.Context, req model.VerifyRequest) (*model.Verdict, error) {
	if len(req.Document) == 0 {
		return nil, fmt.Errorf("%w: empty document", fingerprint.ErrInputUnavailable)
	}
	fp := s.hasher.Sum(req.Document)

	var (
		verdict *model.Verdict
		report  *model.Analysis
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		verdict, err = s.verdict(gctx, fp)
		return err
	})
	g.Go(func() error {
		report = s.analyze(gctx, req.FileName, req.Document)
		return nil
	})
	if err := g.Wait(); err != nil {
		verificationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	verdict.Analysis = report
	s.record(ctx, verdict, req.FileName, req.VerifiedBy)
	return verdict, nil
}

// VerifyFingerprint returns the verdict for an already computed fingerprint.
func (s *CertificateService) VerifyFingerprint(ctx context.Context, fp fingerprint.Fingerprint, verifiedBy string) (*model.Verdict, error) {
	verdict, err := s.verdict(ctx, fp)
	if err != nil {
		verificationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	s.record(ctx, verdict, "", verifiedBy)
	return verdict, nil
}

func (s *CertificateService) verdict(ctx context.Context, fp fingerprint.Fingerprint) (*model.Verdict, error) {
	h, err := s.conn.Handle(ctx)
	if err != nil {
		return nil, err
	}

	v, err := h.Verify(ctx, fp)
	if err != nil {
		return nil, fmt.Errorf("ledger verify: %w", err)
	}
	var (
		rec   ledger.Record
		found = v.Found
	)
	if found {
		rec, found, err = h.GetRecord(ctx, fp)
		if err != nil {
			return nil, fmt.Errorf("ledger get record: %w", err)
		}
	}
	if !found {
		verificationsTotal.WithLabelValues("not_anchored").Inc()
		return &model.Verdict{
			Fingerprint: fp,
			IsAuthentic: false,
			Diagnostic:  NotAnchoredDiagnostic,
		}, nil
	}

	verdict := &model.Verdict{
		Fingerprint:  fp,
		IsAuthentic:  true,
		LedgerRecord: &rec,
		Metadata: &model.ReconciledMetadata{
			Issuer:       rec.Authority,
			IssuedAt:     rec.IssuedAt,
			DocumentType: rec.DocumentType,
			Subject:      rec.Subject,
		},
	}

	cert, err := s.certs.GetByFingerprint(ctx, fp)
	switch {
	case err == nil:
		verdict.MetadataAvailable = true
		m := verdict.Metadata
		m.CertificateID = cert.CertificateID
		m.CertificateName = cert.CertificateName
		m.IssuerOrg = cert.IssuerOrg
		m.IssueDate = cert.IssueDate
		m.CertificateURL = cert.CertificateURL
	case errors.Is(err, repository.ErrNotFound):
		verdict.Diagnostic = "document is anchored on the ledger but has no certificate metadata"
	default:
		s.logger.Warn("certificate metadata lookup failed",
			zap.String("fingerprint", fp.String()),
			zap.Error(err),
		)
		verdict.Diagnostic = "document is anchored on the ledger; certificate metadata is unavailable"
	}
	verificationsTotal.WithLabelValues("authentic").Inc()
	return verdict, nil
}

func (s *CertificateService) analyze(ctx context.Context, fileName string, doc []byte) *model.Analysis {
	if s.analyzer == nil {
		return nil
	}
	report, err := s.analyzer.Analyze(ctx, fileName, doc)
	if err != nil {
		s.logger.Warn("tamper analysis unavailable", zap.String("file", fileName), zap.Error(err))
		return &model.Analysis{Provider: "http", Error: "analysis unavailable"}
	}
	return report
}

// record writes the audit entry. Failures are logged and swallowed.
func (s *CertificateService) record(ctx context.Context, v *model.Verdict, fileName, verifiedBy string) {
	status := model.StatusNotVerified
	if v.IsAuthentic {
		status = model.StatusVerified
	}
	if verifiedBy == "" {
		verifiedBy = "anonymous"
	}
	entry := &model.VerificationLog{
		ID:          uuid.New(),
		Fingerprint: v.Fingerprint,
		FileName:    fileName,
		VerifiedBy:  verifiedBy,
		Status:      status,
		VerifiedAt:  time.Now().UTC(),
	}
	if err := s.audit.Record(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Warn("verification audit write failed",
			zap.String("fingerprint", v.Fingerprint.String()),
			zap.Error(err),
		)
	}
}

// GetCertificate returns the off-ledger record for fp.
func (s *CertificateService) GetCertificate(ctx context.Context, fp fingerprint.Fingerprint) (*model.Certificate, error) {
	c, err := s.certs.GetByFingerprint(ctx, fp)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get certificate: %w", err)
	}
	return c, nil
}

// SubjectDocuments lists the fingerprints anchored to subject on the ledger,
// joined with their off-ledger records where present.
func (s *CertificateService) SubjectDocuments(ctx context.Context, subject string) ([]model.SubjectDocument, error) {
	subject = identity.NormalizeSubject(subject)
	if subject == "" {
		return nil, &model.ErrValidation{Msg: "subject is required"}
	}

	var (
		fps   []fingerprint.Fingerprint
		certs []*model.Certificate
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h, err := s.conn.Handle(gctx)
		if err != nil {
			return err
		}
		fps, err = h.RecordsForSubject(gctx, subject)
		return err
	})
	g.Go(func() error {
		var err error
		certs, err = s.certs.ListBySubject(gctx, subject)
		if err != nil {
			s.logger.Warn("list subject certificates failed", zap.String("subject", subject), zap.Error(err))
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byFP := make(map[fingerprint.Fingerprint]*model.Certificate, len(certs))
	for _, c := range certs {
		if _, seen := byFP[c.Fingerprint]; !seen {
			byFP[c.Fingerprint] = c
		}
	}
	out := make([]model.SubjectDocument, 0, len(fps))
	for _, fp := range fps {
		out = append(out, model.SubjectDocument{Fingerprint: fp, Certificate: byFP[fp]})
	}
	return out, nil
}

// VerificationHistory returns up to limit past verifications of fp.
func (s *CertificateService) VerificationHistory(ctx context.Context, fp fingerprint.Fingerprint, limit int) ([]*model.VerificationLog, error) {
	if s.history == nil {
		return []*model.VerificationLog{}, nil
	}
	return s.history.ListByFingerprint(ctx, fp, limit)
}

// WatchLedger logs ledger events until ctx is done. An authority grant drops
// the cached connection so the next use re-reads the node. Subscription
// failures are retried after retryDelay.
func (s *CertificateService) WatchLedger(ctx context.Context, retryDelay time.Duration) {
	for ctx.Err() == nil {
		h, err := s.conn.Handle(ctx)
		if err == nil {
			var sub *ledger.Subscription
			sub, err = h.Subscribe(ctx)
			if err == nil {
				s.drain(sub)
				continue
			}
		}
		s.logger.Debug("ledger watch unavailable", zap.Error(err))
		select {
		case <-ctx.Done():
		case <-time.After(retryDelay):
		}
	}
}

func (s *CertificateService) drain(sub *ledger.Subscription) {
	defer sub.Close()
	for ev := range sub.Events() {
		ledgerEventsTotal.WithLabelValues(string(ev.Kind)).Inc()
		s.logger.Info("ledger event",
			zap.String("kind", string(ev.Kind)),
			zap.Uint64("seq", ev.Seq),
			zap.String("fingerprint", ev.Fingerprint.String()),
			zap.String("subject", ev.Subject),
		)
		if ev.Kind == ledger.EventAuthorityGranted {
			s.conn.Invalidate()
		}
	}
}
