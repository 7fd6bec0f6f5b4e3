// Package analysis runs optional tamper analysis on presented documents. Its
// output is advisory and is attached to a verdict without changing it.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/Arnav-03/vecertify/internal/certify/model"
)

// ErrEmptyReport is returned when the analyzer answers without a report.
var ErrEmptyReport = errors.New("empty analysis report")

// Analyzer inspects a document for signs of tampering.
type Analyzer interface {
	Analyze(ctx context.Context, fileName string, document []byte) (*model.Analysis, error)
}

// Noop is an Analyzer that does nothing. It returns a nil report.
type Noop struct{}

// Analyze implements Analyzer.
func (Noop) Analyze(context.Context, string, []byte) (*model.Analysis, error) { return nil, nil }

// Config configures an HTTPAnalyzer.
type Config struct {
	URL string

	// OAuth2 client-credentials settings. When TokenURL is empty requests
	// are sent unauthenticated.
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string

	// Attempts defaults to 3, RetryDelay to 3s, Timeout to 60s.
	Attempts   int
	RetryDelay time.Duration
	Timeout    time.Duration
}

// HTTPAnalyzer posts the document to an external analysis service.
type HTTPAnalyzer struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// NewHTTPAnalyzer creates an HTTPAnalyzer.
func NewHTTPAnalyzer(cfg Config, logger *zap.Logger) *HTTPAnalyzer {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 3 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	client := &http.Client{}
	if cfg.TokenURL != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		client = cc.Client(context.Background())
	}
	client.Timeout = cfg.Timeout
	return &HTTPAnalyzer{cfg: cfg, client: client, logger: logger}
}

type analysisResponse struct {
	Report string `json:"report"`
}

// retryable marks errors worth another attempt.
type retryable struct{ err error }

func (r retryable) Error() string { return r.err.Error() }
func (r retryable) Unwrap() error { return r.err }

// Analyze implements Analyzer. Transport failures, 5xx responses and empty
// reports are retried up to the configured budget.
func (a *HTTPAnalyzer) Analyze(ctx context.Context, fileName string, document []byte) (*model.Analysis, error) {
	var lastErr error
	for attempt := 1; attempt <= a.cfg.Attempts; attempt++ {
		report, err := a.post(ctx, fileName, document)
		if err == nil {
			return &model.Analysis{Provider: "http", Report: report}, nil
		}
		lastErr = err

		var r retryable
		if !errors.As(err, &r) {
			return nil, err
		}
		a.logger.Warn("tamper analysis attempt failed",
			zap.Int("attempt", attempt),
			zap.String("file", fileName),
			zap.Error(err),
		)
		if attempt == a.cfg.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(a.cfg.RetryDelay):
		}
	}
	return nil, fmt.Errorf("analysis failed after %d attempts: %w", a.cfg.Attempts, lastErr)
}

func (a *HTTPAnalyzer) post(ctx context.Context, fileName string, document []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL, bytes.NewReader(document))
	if err != nil {
		return "", fmt.Errorf("build analysis request: %w", err)
	}
	req.Header.Set("Content-Type", http.DetectContentType(document))
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-File-Name", fileName)

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", retryable{fmt.Errorf("analysis request: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", retryable{fmt.Errorf("read analysis response: %w", err)}
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", retryable{fmt.Errorf("analysis service returned %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("analysis service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out analysisResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode analysis response: %w", err)
	}
	if strings.TrimSpace(out.Report) == "" {
		return "", retryable{ErrEmptyReport}
	}
	return out.Report, nil
}
