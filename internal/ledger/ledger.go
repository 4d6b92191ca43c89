package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"nudge/internal/eventbus"
	"nudge/pkg/logx"
)

// Ledger answers "was this subject already notified?" and records dispatches.
// It holds no state of its own; the Store's conditional insert is the arbiter.
type Ledger struct {
	store Store
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
}

type Option func(*Ledger)

func WithLogger(l logx.Logger) Option { return func(x *Ledger) { x.log = l } }
func WithBus(b eventbus.Bus) Option   { return func(x *Ledger) { x.bus = b } }
func WithClock(now func() time.Time) Option {
	return func(x *Ledger) {
		if now != nil {
			x.now = now
		}
	}
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{store: store, log: logx.Nop(), now: time.Now}
	for _, o := range opts {
		o(l)
	}
	l.log = l.log.With(logx.String("comp", "ledger"))
	return l
}

// HasBeenNotified reports whether a record exists for key.
func (l *Ledger) HasBeenNotified(ctx context.Context, key Key) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	ok, err := l.store.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return ok, nil
}

// RecordNotification persists a record for key. If a record already exists,
// whether written earlier or by a concurrent caller, it returns ErrAlreadyRecorded.
func (l *Ledger) RecordNotification(ctx context.Context, key Key, description string) (Record, error) {
	if err := key.Validate(); err != nil {
		return Record{}, err
	}
	rec := Record{
		ID:               uuid.NewString(),
		SubjectID:        key.SubjectID,
		SubjectKind:      key.SubjectKind,
		NotificationKind: key.NotificationKind,
		Description:      description,
		SentAt:           l.now().UTC(),
	}
	inserted, err := l.store.InsertIfAbsent(ctx, rec)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	if !inserted {
		l.log.Debug("record lost race", logx.String("key", key.String()))
		return Record{}, ErrAlreadyRecorded
	}
	eventbus.Publish(l.bus, eventbus.LedgerRecorded, rec)
	return rec, nil
}

// Lookup returns the record for key, if any.
func (l *Ledger) Lookup(ctx context.Context, key Key) (Record, bool, error) {
	if err := key.Validate(); err != nil {
		return Record{}, false, err
	}
	rec, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return rec, ok, nil
}
