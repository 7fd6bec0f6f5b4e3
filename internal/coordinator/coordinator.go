// Package coordinator owns the connection to a ledger node. It performs the
// network and signer handshake at most once at a time, retries it within a
// bounded budget, and hands out a contract Handle once Ready.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Arnav-03/vecertify/internal/fingerprint"
	"github.com/Arnav-03/vecertify/internal/identity"
	"github.com/Arnav-03/vecertify/internal/ledger"
	"github.com/Arnav-03/vecertify/pkg/ledgerclient"
)

var (
	// ErrWrongNetwork is returned when the node reports an unexpected network id.
	ErrWrongNetwork = errors.New("connected to an unexpected ledger network")

	// ErrConnectionFailed is returned when the handshake fails within the retry budget.
	ErrConnectionFailed = errors.New("ledger connection failed")

	// ErrSignerUnavailable is returned when no signing identity can be obtained.
	ErrSignerUnavailable = errors.New("signing identity unavailable")

	errNoSigner = errors.New("signer source returned no identity")
)

// State is the coordinator's connection state.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Node is the subset of a ledger node's API the coordinator needs.
// *ledgerclient.Client satisfies it.
type Node interface {
	Network(ctx context.Context) (ledger.NetworkInfo, error)
	Submit(ctx context.Context, tx string) (ledger.Receipt, error)
	Verify(ctx context.Context, fp fingerprint.Fingerprint) (ledger.Verification, error)
	Record(ctx context.Context, fp fingerprint.Fingerprint) (ledger.Record, bool, error)
	SubjectRecords(ctx context.Context, subject string) ([]fingerprint.Fingerprint, error)
	Events(ctx context.Context, after uint64, wait time.Duration) ([]ledger.Event, error)
}

// Dialer opens a Node.
type Dialer interface {
	Dial(ctx context.Context) (Node, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Node, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context) (Node, error) { return f(ctx) }

// SignerSource obtains the issuing identity from the environment.
type SignerSource interface {
	Signer(ctx context.Context) (*identity.Signer, error)
}

// SignerFunc adapts a function to SignerSource.
type SignerFunc func(ctx context.Context) (*identity.Signer, error)

// Signer implements SignerSource.
func (f SignerFunc) Signer(ctx context.Context) (*identity.Signer, error) { return f(ctx) }

// StaticSigner always returns s. A nil s reports ErrSignerUnavailable, which
// suits read-only deployments that never issue.
func StaticSigner(s *identity.Signer) SignerSource {
	return SignerFunc(func(context.Context) (*identity.Signer, error) {
		if s == nil {
			return nil, ErrSignerUnavailable
		}
		return s, nil
	})
}

// Config controls the handshake.
type Config struct {
	ExpectedNetworkID uint64
	// Attempts is the handshake retry budget. Defaults to 3.
	Attempts int
	// RetryDelay is the fixed delay between attempts. Defaults to 1s.
	RetryDelay time.Duration
	// HandshakeTimeout bounds a whole initialization. Defaults to 30s.
	HandshakeTimeout time.Duration
	// EventWait is the long-poll duration used by subscriptions. Defaults to 25s.
	EventWait time.Duration
	// AllowMissingSigner lets the coordinator become Ready without a signing
	// identity, for verify-only deployments. Issue then reports
	// ErrSignerUnavailable.
	AllowMissingSigner bool
}

func (c *Config) defaults() {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.EventWait <= 0 {
		c.EventWait = 25 * time.Second
	}
}

// Coordinator is the single owner of connection state. Create one per
// process with New and share it.
type Coordinator struct {
	cfg     Config
	dialer  Dialer
	signers SignerSource
	logger  *zap.Logger

	group      singleflight.Group
	handshakes atomic.Int64

	mu      sync.RWMutex
	state   State
	handle  *Handle
	lastErr error
}

// New creates a Coordinator in StateUninitialized. Nothing is dialed until
// the first call to Handle.
func New(cfg Config, dialer Dialer, signers SignerSource, logger *zap.Logger) *Coordinator {
	cfg.defaults()
	return &Coordinator{
		cfg:     cfg,
		dialer:  dialer,
		signers: signers,
		logger:  logger,
	}
}

// State returns the current connection state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastError returns the error of the most recent failed initialization.
func (c *Coordinator) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Handshakes returns how many handshake attempts have been made.
func (c *Coordinator) Handshakes() int64 { return c.handshakes.Load() }

// Handle returns the contract handle, initializing the connection if needed.
// Concurrent callers share one in-flight initialization and all receive its
// result. A caller whose ctx ends stops waiting without aborting the
// initialization for the others.
func (c *Coordinator) Handle(ctx context.Context) (*Handle, error) {
	c.mu.RLock()
	if c.state == StateReady {
		h := c.handle
		c.mu.RUnlock()
		return h, nil
	}
	c.mu.RUnlock()

	ch := c.group.DoChan("init", func() (any, error) {
		return c.initialize(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Handle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate drops a Ready connection so the next Handle call re-initializes.
func (c *Coordinator) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateReady {
		c.logger.Warn("ledger connection invalidated")
		c.state = StateUninitialized
		c.handle = nil
	}
}

func (c *Coordinator) invalidate(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateReady && c.handle == h {
		c.logger.Warn("ledger connection lost; will re-initialize on next use")
		c.state = StateUninitialized
		c.handle = nil
	}
}

func (c *Coordinator) setState(s State, h *Handle, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
	c.handle = h
	if err != nil {
		c.lastErr = err
	}
}

func (c *Coordinator) initialize(ctx context.Context) (*Handle, error) {
	// A concurrent caller may have finished initializing between our fast
	// path check and joining the flight.
	c.mu.RLock()
	if c.state == StateReady {
		h := c.handle
		c.mu.RUnlock()
		return h, nil
	}
	c.mu.RUnlock()

	c.setState(StateInitializing, nil, nil)
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	var err error
attempts:
	for attempt := 1; attempt <= c.cfg.Attempts; attempt++ {
		var h *Handle
		h, err = c.handshake(ctx)
		if err == nil {
			handshakesTotal.WithLabelValues("ready").Inc()
			c.setState(StateReady, h, nil)
			c.logger.Info("ledger connection ready",
				zap.Uint64("network_id", h.info.NetworkID),
				zap.String("network", h.info.Name),
				zap.String("owner", string(h.info.Owner)),
				zap.Int("attempt", attempt),
			)
			return h, nil
		}
		if errors.Is(err, ErrWrongNetwork) {
			handshakesTotal.WithLabelValues("wrong_network").Inc()
			c.setState(StateFailed, nil, err)
			c.logger.Error("ledger network mismatch", zap.Error(err))
			return nil, err
		}
		handshakesTotal.WithLabelValues("error").Inc()
		c.logger.Warn("ledger handshake failed",
			zap.Int("attempt", attempt),
			zap.Int("budget", c.cfg.Attempts),
			zap.Error(err),
		)
		if attempt == c.cfg.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break attempts
		case <-time.After(c.cfg.RetryDelay):
		}
	}

	err = fmt.Errorf("%w after %d attempts: %w", ErrConnectionFailed, c.cfg.Attempts, err)
	c.setState(StateFailed, nil, err)
	return nil, err
}

func (c *Coordinator) handshake(ctx context.Context) (*Handle, error) {
	c.handshakes.Add(1)

	node, err := c.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial ledger: %w", err)
	}
	info, err := node.Network(ctx)
	if err != nil {
		return nil, fmt.Errorf("query network: %w", err)
	}
	if info.NetworkID != c.cfg.ExpectedNetworkID {
		return nil, fmt.Errorf("%w: got %d (%s), want %d",
			ErrWrongNetwork, info.NetworkID, info.Name, c.cfg.ExpectedNetworkID)
	}

	signer, err := c.signers.Signer(ctx)
	if err == nil && signer == nil {
		err = errNoSigner
	}
	if err != nil {
		if !c.cfg.AllowMissingSigner {
			return nil, fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
		}
		c.logger.Warn("no signing identity; issuance disabled", zap.Error(err))
		signer = nil
	}

	return &Handle{coord: c, node: node, signer: signer, info: info}, nil
}

// isConnectionError reports whether err means the node is unreachable, as
// opposed to the node rejecting the request.
func isConnectionError(err error) bool {
	return errors.Is(err, ledgerclient.ErrUnavailable)
}
