package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// recordTimeout bounds an audit write that outlives its request.
const recordTimeout = 5 * time.Second

// FailureCounter is told about every entry that could not be written.
type FailureCounter interface {
	AuditWriteFailed()
}

// Ledger appends audit entries on behalf of the domain services. A failed
// write never fails the operation being audited.
type Ledger struct {
	repo     Repository
	logger   zerolog.Logger
	failures FailureCounter
	now      func() time.Time
}

// NewLedger returns a Ledger. failures may be nil.
func NewLedger(repo Repository, logger zerolog.Logger, failures FailureCounter) *Ledger {
	return &Ledger{
		repo:     repo,
		logger:   logger.With().Str("component", "audit").Logger(),
		failures: failures,
		now:      time.Now,
	}
}

// Record appends action by actor. The write survives cancellation of ctx so
// an accepted mutation is not left unaudited when the client disconnects.
func (l *Ledger) Record(ctx context.Context, action, actor string) {
	if actor == "" {
		actor = SystemActor
	}
	e := &Entry{
		ID:        uuid.New(),
		Action:    action,
		Actor:     actor,
		Timestamp: l.now().UTC(),
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if err := l.repo.Append(wctx, e); err != nil {
		if l.failures != nil {
			l.failures.AuditWriteFailed()
		}
		l.logger.Error().Err(err).
			Str("action", action).
			Str("actor", actor).
			Msg("audit write failed")
	}
}

// List returns entries newest first.
func (l *Ledger) List(ctx context.Context, limit, offset int) ([]*Entry, int, error) {
	return l.repo.List(ctx, limit, offset)
}
