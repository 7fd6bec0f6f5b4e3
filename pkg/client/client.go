package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Sentinel errors matched by *APIError.
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicate    = errors.New("certificate already issued to this subject")
	ErrUnauthorized = errors.New("issuer is not authorized")
	ErrInconsistent = errors.New("certificate anchored but metadata not saved")
	ErrUnavailable  = errors.New("ledger unavailable")
)

// APIError is a non-2xx response from the gateway.
type APIError struct {
	Status  int
	Message string
	// Fingerprint is set on inconsistent-state responses.
	Fingerprint string
	inconsistent bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.Status, e.Message)
}

// Unwrap maps the status onto a sentinel.
func (e *APIError) Unwrap() error {
	switch {
	case e.inconsistent:
		return ErrInconsistent
	case e.Status == http.StatusNotFound:
		return ErrNotFound
	case e.Status == http.StatusConflict:
		return ErrDuplicate
	case e.Status == http.StatusForbidden:
		return ErrUnauthorized
	case e.Status == http.StatusServiceUnavailable, e.Status == http.StatusBadGateway:
		return ErrUnavailable
	}
	return nil
}

// IssueRequest carries the descriptive fields of an issuance.
type IssueRequest struct {
	CertificateID   string
	Subject         string
	CertificateName string
	IssueDate       time.Time
	IssuerOrg       string
}

// Certificate is the off-ledger record of an issued certificate.
type Certificate struct {
	ID              string    `json:"id"`
	Fingerprint     string    `json:"fingerprint"`
	CertificateID   string    `json:"certificate_id"`
	Subject         string    `json:"subject"`
	CertificateName string    `json:"certificate_name"`
	IssueDate       time.Time `json:"issue_date"`
	Issuer          string    `json:"issuer"`
	IssuerOrg       string    `json:"issuer_org"`
	CertificateURL  string    `json:"certificate_url"`
	CreatedAt       time.Time `json:"created_at"`
}

// Receipt identifies the ledger transaction that anchored a document.
type Receipt struct {
	TxID       string    `json:"tx_id"`
	Kind       string    `json:"kind"`
	EntryIndex int       `json:"entry_index"`
	EntryHash  string    `json:"entry_hash"`
	Timestamp  time.Time `json:"timestamp"`
}

// IssueResult is returned by Issue.
type IssueResult struct {
	Certificate Certificate `json:"certificate"`
	Receipt     Receipt     `json:"receipt"`
}

// LedgerRecord is the on-ledger record of a document.
type LedgerRecord struct {
	Fingerprint  string    `json:"fingerprint"`
	Subject      string    `json:"subject"`
	Authority    string    `json:"authority"`
	IssuedAt     time.Time `json:"issued_at"`
	DocumentType string    `json:"document_type"`
	Metadata     string    `json:"metadata"`
	TxID         string    `json:"tx_id"`
}

// Metadata merges ledger and off-ledger fields of a verified document.
type Metadata struct {
	Issuer          string    `json:"issuer"`
	IssuedAt        time.Time `json:"issued_at"`
	DocumentType    string    `json:"document_type"`
	Subject         string    `json:"subject"`
	CertificateID   string    `json:"certificate_id,omitempty"`
	CertificateName string    `json:"certificate_name,omitempty"`
	IssuerOrg       string    `json:"issuer_org,omitempty"`
	IssueDate       time.Time `json:"issue_date,omitempty"`
	CertificateURL  string    `json:"certificate_url,omitempty"`
}

// Analysis is the advisory tamper-analysis report.
type Analysis struct {
	Provider string `json:"provider"`
	Report   string `json:"report,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Verdict is the result of a verification.
type Verdict struct {
	Fingerprint       string        `json:"fingerprint"`
	IsAuthentic       bool          `json:"is_authentic"`
	LedgerRecord      *LedgerRecord `json:"ledger_record,omitempty"`
	Metadata          *Metadata     `json:"metadata,omitempty"`
	MetadataAvailable bool          `json:"metadata_available"`
	Diagnostic        string        `json:"diagnostic,omitempty"`
	Analysis          *Analysis     `json:"analysis,omitempty"`
}

// SubjectDocument is one document anchored to a subject.
type SubjectDocument struct {
	Fingerprint string       `json:"fingerprint"`
	Certificate *Certificate `json:"certificate,omitempty"`
}

// VerificationLog is one audited verification attempt.
type VerificationLog struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	FileName    string    `json:"file_name"`
	VerifiedBy  string    `json:"verified_by"`
	Status      string    `json:"status"`
	VerifiedAt  time.Time `json:"verified_at"`
}

// Client talks to a certificate gateway.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
	cache       *certificateCache
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithCacheTTL enables in-memory caching of certificate lookups. Issued
// certificates are immutable so only misses are ever stale.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		c.cache = newCertificateCache(ttl)
		return nil
	}
}

// WithBearerToken attaches a token to every request, for gateways deployed
// behind an authenticating proxy.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
// Only use this in development.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
			Timeout: 60 * time.Second,
		}
		return nil
	}
}

// New creates a Client for the gateway at base, e.g. "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	if base == "" {
		return nil, errors.New("gateway URL is required")
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Hash returns the fingerprint the gateway computes for a document.
func (c *Client) Hash(ctx context.Context, fileName string, doc io.Reader) (string, error) {
	var resp struct {
		Hash string `json:"hash"`
	}
	if err := c.upload(ctx, "/api/v1/hash", fileName, doc, nil, &resp); err != nil {
		return "", err
	}
	return resp.Hash, nil
}

// Issue anchors a certificate and records its metadata.
func (c *Client) Issue(ctx context.Context, req IssueRequest, fileName string, doc io.Reader) (*IssueResult, error) {
	fields := map[string]string{
		"certificate_id":   req.CertificateID,
		"subject":          req.Subject,
		"certificate_name": req.CertificateName,
		"issuer_org":       req.IssuerOrg,
	}
	if !req.IssueDate.IsZero() {
		fields["issue_date"] = req.IssueDate.Format("2006-01-02")
	}
	var res IssueResult
	if err := c.upload(ctx, "/api/v1/certificates", fileName, doc, fields, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Verify submits a presented document and returns its verdict.
func (c *Client) Verify(ctx context.Context, fileName string, doc io.Reader, verifiedBy string) (*Verdict, error) {
	var fields map[string]string
	if verifiedBy != "" {
		fields = map[string]string{"verified_by": verifiedBy}
	}
	var v Verdict
	if err := c.upload(ctx, "/api/v1/verify", fileName, doc, fields, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// VerifyFingerprint returns the verdict for a known fingerprint.
func (c *Client) VerifyFingerprint(ctx context.Context, fp, verifiedBy string) (*Verdict, error) {
	path := "/api/v1/verify/" + url.PathEscape(fp)
	if verifiedBy != "" {
		path += "?verified_by=" + url.QueryEscape(verifiedBy)
	}
	var v Verdict
	if err := c.get(ctx, path, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Certificate returns the off-ledger record for fp.
func (c *Client) Certificate(ctx context.Context, fp string) (*Certificate, error) {
	if c.cache != nil {
		if cert, ok := c.cache.get(fp); ok {
			return cert, nil
		}
	}
	var cert Certificate
	if err := c.get(ctx, "/api/v1/certificates/"+url.PathEscape(fp), &cert); err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.set(fp, &cert)
	}
	return &cert, nil
}

// Verifications returns the most recent audited verifications of fp.
func (c *Client) Verifications(ctx context.Context, fp string, limit int) ([]VerificationLog, error) {
	path := "/api/v1/certificates/" + url.PathEscape(fp) + "/verifications"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Verifications []VerificationLog `json:"verifications"`
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Verifications, nil
}

// SubjectDocuments lists the documents anchored to subject.
func (c *Client) SubjectDocuments(ctx context.Context, subject string) ([]SubjectDocument, error) {
	var resp struct {
		Documents []SubjectDocument `json:"documents"`
	}
	if err := c.get(ctx, "/api/v1/subjects/"+url.PathEscape(subject)+"/documents", &resp); err != nil {
		return nil, err
	}
	return resp.Documents, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

func (c *Client) upload(ctx context.Context, path, fileName string, doc io.Reader, fields map[string]string, out any) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return fmt.Errorf("write field %s: %w", k, err)
		}
	}
	fw, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(fw, doc); err != nil {
		return fmt.Errorf("read document: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, &body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

// do executes an HTTP request, attaching the Bearer token if present, and
// decodes a 2xx body into out.
func (c *Client) do(req *http.Request, out any) error {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var payload struct {
			Error        string `json:"error"`
			Inconsistent bool   `json:"inconsistent"`
			Fingerprint  string `json:"fingerprint"`
		}
		_ = json.Unmarshal(body, &payload)
		if payload.Error == "" {
			payload.Error = strings.TrimSpace(string(body))
		}
		return &APIError{
			Status:       resp.StatusCode,
			Message:      payload.Error,
			Fingerprint:  payload.Fingerprint,
			inconsistent: payload.Inconsistent,
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// --- simple in-memory certificate cache ---

type cacheEntry struct {
	cert      *Certificate
	expiresAt time.Time
}

type certificateCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

func newCertificateCache(ttl time.Duration) *certificateCache {
	return &certificateCache{entries: make(map[string]*cacheEntry), ttl: ttl}
}

func (cc *certificateCache) get(key string) (*Certificate, bool) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	e, ok := cc.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.cert, true
}

func (cc *certificateCache) set(key string, cert *Certificate) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.entries[key] = &cacheEntry{cert: cert, expiresAt: time.Now().Add(cc.ttl)}
}
