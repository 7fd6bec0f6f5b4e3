// Package ledgerclient is an HTTP client for a ledger node's /v1 API.
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Arnav-03/vecertify/internal/fingerprint"
	"github.com/Arnav-03/vecertify/internal/ledger"
)

// ErrUnavailable is returned when the node cannot be reached or fails
// with a server error.
var ErrUnavailable = errors.New("ledger node unavailable")

// APIError is a non-2xx response from the node. It unwraps to the matching
// ledger sentinel so callers can use errors.Is(err, ledger.ErrUnauthorized).
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ledger node returned %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusForbidden:
		return ledger.ErrUnauthorized
	case http.StatusMisdirectedRequest:
		return ledger.ErrWrongNetwork
	case http.StatusBadRequest:
		return ledger.ErrInvalidTransaction
	case http.StatusConflict:
		if strings.Contains(e.Message, ledger.ErrReplayed.Error()) {
			return ledger.ErrReplayed
		}
		return ledger.ErrAlreadyIssued
	}
	if e.Status >= 500 {
		return ErrUnavailable
	}
	return nil
}

// Client talks to one ledger node.
type Client struct {
	base       string
	httpClient *http.Client
	timeout    time.Duration
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout. Long polls add their wait on top.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New creates a Client for the node at base, e.g. "http://localhost:8545".
func New(base string, opts ...Option) *Client {
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{},
		timeout:    10 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Network returns the node's network identity.
func (c *Client) Network(ctx context.Context) (ledger.NetworkInfo, error) {
	var info ledger.NetworkInfo
	err := c.call(ctx, http.MethodGet, "/v1/network", nil, &info, c.timeout)
	return info, err
}

// Submit sends a signed transaction.
func (c *Client) Submit(ctx context.Context, tx string) (ledger.Receipt, error) {
	var r ledger.Receipt
	err := c.call(ctx, http.MethodPost, "/v1/transactions", map[string]string{"tx": tx}, &r, c.timeout)
	return r, err
}

// Grant sends an owner-signed grant transaction.
func (c *Client) Grant(ctx context.Context, tx string) (ledger.Receipt, error) {
	var r ledger.Receipt
	err := c.call(ctx, http.MethodPost, "/v1/authorities", map[string]string{"tx": tx}, &r, c.timeout)
	return r, err
}

// Verify calls the contract's verify operation.
func (c *Client) Verify(ctx context.Context, fp fingerprint.Fingerprint) (ledger.Verification, error) {
	var v ledger.Verification
	err := c.call(ctx, http.MethodPost, "/v1/documents/"+fp.String()+"/verify", nil, &v, c.timeout)
	return v, err
}

// Record returns the record for fp; found is false when none exists.
func (c *Client) Record(ctx context.Context, fp fingerprint.Fingerprint) (ledger.Record, bool, error) {
	var resp struct {
		Found  bool          `json:"found"`
		Record ledger.Record `json:"record"`
	}
	err := c.call(ctx, http.MethodGet, "/v1/documents/"+fp.String(), nil, &resp, c.timeout)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return ledger.Record{}, false, nil
	}
	if err != nil {
		return ledger.Record{}, false, err
	}
	return resp.Record, resp.Found, nil
}

// SubjectRecords lists every fingerprint issued to subject.
func (c *Client) SubjectRecords(ctx context.Context, subject string) ([]fingerprint.Fingerprint, error) {
	var resp struct {
		Fingerprints []fingerprint.Fingerprint `json:"fingerprints"`
	}
	err := c.call(ctx, http.MethodGet, "/v1/subjects/"+url.PathEscape(subject)+"/documents", nil, &resp, c.timeout)
	return resp.Fingerprints, err
}

// Events long-polls for events with Seq > after, waiting up to wait.
func (c *Client) Events(ctx context.Context, after uint64, wait time.Duration) ([]ledger.Event, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatUint(after, 10))
	if wait > 0 {
		q.Set("wait", wait.String())
	}
	var resp struct {
		Events []ledger.Event `json:"events"`
	}
	err := c.call(ctx, http.MethodGet, "/v1/events?"+q.Encode(), nil, &resp, c.timeout+wait)
	return resp.Events, err
}

// VerifyChain asks the node to walk its transaction chain.
func (c *Client) VerifyChain(ctx context.Context) (bool, string, error) {
	var resp struct {
		Valid bool   `json:"valid"`
		Error string `json:"error"`
	}
	err := c.call(ctx, http.MethodGet, "/v1/chain/verify", nil, &resp, c.timeout)
	return resp.Valid, resp.Error, err
}

func (c *Client) call(ctx context.Context, method, path string, reqBody, respBody any, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		if e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}

	if respBody != nil {
		if err := json.Unmarshal(data, respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
