package audit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Arnav-03/vecertify/internal/certify/model"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Vecertify-Signature"

// Endpoint is a webhook receiver. Secret keys the payload signature and may
// be empty, in which case no signature header is sent.
type Endpoint struct {
	URL    string `mapstructure:"url"`
	Secret string `mapstructure:"secret"`
}

// WebhookEvent is the JSON body POSTed to each endpoint.
type WebhookEvent struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Entry     *model.VerificationLog `json:"entry"`
}

// DeliveryRecorder is an optional callback for recording delivery outcomes.
type DeliveryRecorder func(success bool)

// Webhooks pushes verification entries to HTTP endpoints. Delivery happens in
// the background with retries so Record never blocks a verification.
type Webhooks struct {
	endpoints  []Endpoint
	httpClient *http.Client
	delays     []time.Duration
	onDelivery DeliveryRecorder
	logger     *zap.Logger
	wg         sync.WaitGroup
}

// NewWebhooks creates a webhook sink over endpoints.
func NewWebhooks(endpoints []Endpoint, logger *zap.Logger) *Webhooks {
	return &Webhooks{
		endpoints:  endpoints,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// Waits before attempts 2 and 3.
		delays: []time.Duration{1 * time.Second, 5 * time.Second},
		logger: logger,
	}
}

// SetRetryDelays replaces the waits between attempts. One attempt is made
// per delay plus the initial one.
func (w *Webhooks) SetRetryDelays(delays ...time.Duration) { w.delays = delays }

// SetDeliveryRecorder configures the metrics callback.
func (w *Webhooks) SetDeliveryRecorder(fn DeliveryRecorder) { w.onDelivery = fn }

// Record implements Sink. It only schedules delivery.
func (w *Webhooks) Record(_ context.Context, e *model.VerificationLog) error {
	if len(w.endpoints) == 0 {
		return nil
	}
	body, err := json.Marshal(WebhookEvent{
		Type:      "verification." + e.Status,
		Timestamp: time.Now().UTC(),
		Entry:     e,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}
	for _, ep := range w.endpoints {
		w.wg.Add(1)
		go w.deliver(ep, body)
	}
	return nil
}

// Wait blocks until every scheduled delivery has finished.
func (w *Webhooks) Wait() { w.wg.Wait() }

func (w *Webhooks) deliver(ep Endpoint, body []byte) {
	defer w.wg.Done()

	var signature string
	if ep.Secret != "" {
		signature = Sign(body, ep.Secret)
	}

	for attempt := 0; attempt <= len(w.delays); attempt++ {
		if attempt > 0 {
			time.Sleep(w.delays[attempt-1])
		}

		err := w.post(ep.URL, body, signature)
		if w.onDelivery != nil {
			w.onDelivery(err == nil)
		}
		if err == nil {
			return
		}
		w.logger.Warn("webhook delivery failed",
			zap.String("url", ep.URL),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
}

func (w *Webhooks) post(url string, body []byte, signature string) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.httpClient.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the signature header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
