// Package audit delivers verification audit entries to one or more sinks.
package audit

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/Arnav-03/vecertify/internal/certify/model"
)

// Sink records a verification attempt.
type Sink interface {
	Record(ctx context.Context, entry *model.VerificationLog) error
}

// Fanout writes each entry to every sink. The first sink is the system of
// record; failures in the others are logged and do not fail Record.
type Fanout struct {
	primary Sink
	extra   []Sink
	logger  *zap.Logger
}

// NewFanout creates a Fanout over primary and any number of secondary sinks.
func NewFanout(logger *zap.Logger, primary Sink, extra ...Sink) *Fanout {
	return &Fanout{primary: primary, extra: extra, logger: logger}
}

// Record implements Sink.
func (f *Fanout) Record(ctx context.Context, entry *model.VerificationLog) error {
	var errs []error
	if err := f.primary.Record(ctx, entry); err != nil {
		errs = append(errs, err)
	}
	for _, s := range f.extra {
		if err := s.Record(ctx, entry); err != nil {
			f.logger.Warn("secondary audit sink failed",
				zap.String("fingerprint", entry.Fingerprint.String()),
				zap.Error(err),
			)
		}
	}
	return errors.Join(errs...)
}
