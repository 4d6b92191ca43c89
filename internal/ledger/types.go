package ledger

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrAlreadyRecorded is returned when another writer recorded the same key first.
	ErrAlreadyRecorded = errors.New("ledger: notification already recorded")
	// ErrStorageUnavailable wraps any failure of the backing store.
	ErrStorageUnavailable = errors.New("ledger: storage unavailable")
	// ErrInvalidKey is returned for keys with an empty component.
	ErrInvalidKey = errors.New("ledger: invalid key")
)

// Key identifies one (subject, notification) pair. It is comparable and can
// be used as a map key.
type Key struct {
	SubjectID        string `json:"subject_id"`
	SubjectKind      string `json:"subject_kind"`
	NotificationKind string `json:"notification_kind"`
}

func (k Key) Validate() error {
	switch {
	case strings.TrimSpace(k.SubjectID) == "":
		return errors.Join(ErrInvalidKey, errors.New("subject id is empty"))
	case strings.TrimSpace(k.SubjectKind) == "":
		return errors.Join(ErrInvalidKey, errors.New("subject kind is empty"))
	case strings.TrimSpace(k.NotificationKind) == "":
		return errors.Join(ErrInvalidKey, errors.New("notification kind is empty"))
	}
	return nil
}

func (k Key) String() string {
	return k.NotificationKind + ":" + k.SubjectKind + ":" + k.SubjectID
}

// Record is the persisted proof that a notification was dispatched.
// Records are written once and never updated or deleted.
type Record struct {
	ID               string    `json:"id" db:"id"`
	SubjectID        string    `json:"subject_id" db:"subject_id"`
	SubjectKind      string    `json:"subject_kind" db:"subject_kind"`
	NotificationKind string    `json:"notification_kind" db:"notification_kind"`
	Description      string    `json:"description,omitempty" db:"description"`
	SentAt           time.Time `json:"sent_at" db:"sent_at"`
}

func (r Record) Key() Key {
	return Key{SubjectID: r.SubjectID, SubjectKind: r.SubjectKind, NotificationKind: r.NotificationKind}
}

// Store is the persistence contract behind the ledger.
//
// InsertIfAbsent must be atomic per key: among concurrent callers with the
// same key exactly one observes inserted=true.
type Store interface {
	InsertIfAbsent(ctx context.Context, rec Record) (inserted bool, err error)
	Exists(ctx context.Context, key Key) (bool, error)
	Get(ctx context.Context, key Key) (Record, bool, error)
}
