// Package health tracks the readiness of a service's dependencies.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Probe reports whether one dependency is usable.
type Probe func(ctx context.Context) error

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(name string, success bool)

// Status is the last observed state of one dependency.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Required  bool      `json:"required"`
	Failures  int       `json:"failures"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

type registered struct {
	probe    Probe
	required bool
}

// Checker runs periodic dependency probes. A dependency is marked degraded
// only after FailThreshold consecutive failures.
type Checker struct {
	httpClient *http.Client
	cfg        Config
	onMetrics  MetricsRecordFunc
	logger     *zap.Logger

	mu         sync.Mutex
	probes     map[string]registered
	failCounts map[string]int
	statuses   map[string]Status
}

// New creates a new Checker.
func New(cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	return &Checker{
		httpClient: &http.Client{Timeout: cfg.ProbeTimeout},
		cfg:        cfg,
		logger:     logger,
		probes:     make(map[string]registered),
		failCounts: make(map[string]int),
		statuses:   make(map[string]Status),
	}
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Register adds a named probe. Required probes gate Ready; optional ones are
// only reported. Until its first check a dependency counts as healthy.
func (h *Checker) Register(name string, required bool, p Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes[name] = registered{probe: p, required: required}
	h.statuses[name] = Status{Name: name, Healthy: true, Required: required}
}

// RegisterEndpoint adds a probe that expects a 2xx from url.
func (h *Checker) RegisterEndpoint(name string, required bool, url string) {
	h.Register(name, required, func(ctx context.Context) error {
		if !h.probeEndpoint(ctx, url) {
			return fmt.Errorf("%s did not answer with 2xx", url)
		}
		return nil
	})
}

// Start runs the check loop until ctx is cancelled.
func (h *Checker) Start(ctx context.Context) {
	h.CheckAll(ctx)

	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll runs every registered probe concurrently.
func (h *Checker) CheckAll(ctx context.Context) {
	h.mu.Lock()
	probes := make(map[string]registered, len(h.probes))
	for name, p := range h.probes {
		probes[name] = p
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for name, p := range probes {
		wg.Add(1)
		go func(name string, p registered) {
			defer wg.Done()

			pctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
			err := p.probe(pctx)
			cancel()

			if h.onMetrics != nil {
				h.onMetrics(name, err == nil)
			}
			h.record(name, p.required, err)
		}(name, p)
	}
	wg.Wait()
}

func (h *Checker) record(name string, required bool, err error) {
	h.mu.Lock()
	prev := h.statuses[name]
	if err == nil {
		h.failCounts[name] = 0
	} else {
		h.failCounts[name]++
	}
	count := h.failCounts[name]
	st := Status{
		Name:      name,
		Required:  required,
		Failures:  count,
		Healthy:   count < h.cfg.FailThreshold,
		CheckedAt: time.Now().UTC(),
	}
	if err != nil {
		st.Error = err.Error()
	}
	h.statuses[name] = st
	h.mu.Unlock()

	switch {
	case st.Healthy && !prev.Healthy:
		h.logger.Info("health: recovered", zap.String("dependency", name))
	case !st.Healthy && count == h.cfg.FailThreshold:
		// Transition: healthy → degraded (exactly at threshold)
		h.logger.Warn("health: degraded",
			zap.String("dependency", name),
			zap.Int("fail_count", count),
			zap.Error(err),
		)
	}
}

// Statuses returns the last observed state of every dependency, sorted by name.
func (h *Checker) Statuses() []Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Status, 0, len(h.statuses))
	for _, st := range h.statuses {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Ready returns an error listing every degraded required dependency.
func (h *Checker) Ready(context.Context) error {
	var errs []error
	for _, st := range h.Statuses() {
		if st.Required && !st.Healthy {
			errs = append(errs, fmt.Errorf("%s: %s", st.Name, st.Error))
		}
	}
	return errors.Join(errs...)
}

// probeEndpoint attempts HEAD then GET, returning true if any 2xx response.
func (h *Checker) probeEndpoint(ctx context.Context, endpoint string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := h.httpClient.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return true
		}
	}

	// Fallback to GET.
	req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false
	}
	resp, err = h.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
