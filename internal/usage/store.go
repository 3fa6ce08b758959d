package usage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"rgaa-audit-workers/internal/models"
)

var (
	ErrUserNotFound     = errors.New("user not found")
	ErrLimitExceeded    = errors.New("daily audit limit reached")
	ErrPersistence      = errors.New("usage persistence failed")
	ErrStoreUnavailable = errors.New("usage store unavailable")
	ErrWriteConflict    = errors.New("usage record changed concurrently")
)

// Store is the durable user record store. FetchUserRecord returns ErrUserNotFound
// (possibly wrapped) when no record exists.
//
// PersistUserRecord writes rec only if the stored row still holds prev's plan and usage
// counters, and returns ErrWriteConflict (possibly wrapped) otherwise. This fences writers
// whose lock expired while they were still working.
type Store interface {
	FetchUserRecord(ctx context.Context, email string) (*models.UserRecord, error)
	PersistUserRecord(ctx context.Context, rec, prev *models.UserRecord) error
}

// Locker serializes ledger updates per key.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// EventSink receives usage events for reporting. Failures never affect accounting.
type EventSink interface {
	Publish(ctx context.Context, event Event) error
}

// Alerter notifies operators of storage failures.
type Alerter interface {
	Alert(ctx context.Context, subject, message string) error
}

// LimitError is returned when the daily limit denies an audit.
type LimitError struct {
	Plan  string
	Limit int
	Used  int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: %d of %d audits used today on plan %s", ErrLimitExceeded, e.Used, e.Limit, e.Plan)
}

func (e *LimitError) Is(target error) bool {
	return target == ErrLimitExceeded
}

// PersistenceError means the write failed or its effect was not observed on read-back.
type PersistenceError struct {
	Email     string
	Attempted models.UsageLedger
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s for %s: %v", ErrPersistence, e.Email, e.Err)
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Event types published to the EventSink.
const (
	EventAuditRecorded = "audit.recorded"
	EventAuditDenied   = "audit.denied"
	EventUsageReset    = "usage.reset"
)

// Event is one usage accounting outcome.
type Event struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	Email           string    `json:"email"`
	Plan            string    `json:"plan"`
	AuditsToday     int       `json:"auditsToday"`
	AuditsThisMonth int       `json:"auditsThisMonth"`
	AuditsTotal     int       `json:"auditsTotal"`
	OccurredAt      time.Time `json:"occurredAt"`
}

// NormalizeEmail is the identity used for lookups and lock keys.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func lockKey(email string) string {
	return "usage:lock:" + email
}
