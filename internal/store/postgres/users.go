// Package postgres stores user records in the users table.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rgaa-audit-workers/internal/models"
	"rgaa-audit-workers/internal/usage"
)

const selectUser = `SELECT email, name, plan, subscription_status, audits_today, audits_this_month, audits_total,
last_audit_date, beta_granted, beta_has_quit, created_at, updated_at FROM users WHERE email = $1`

// updateUser only applies when the row still holds the plan and counters the writer read.
const updateUser = `UPDATE users SET name = $2, plan = $3, subscription_status = $4,
audits_today = $5, audits_this_month = $6, audits_total = $7, last_audit_date = $8,
beta_granted = $9, beta_has_quit = $10, updated_at = $11
WHERE email = $1 AND plan = $12 AND audits_today = $13 AND audits_this_month = $14
AND audits_total = $15 AND last_audit_date IS NOT DISTINCT FROM $16`

// UserStore implements usage.Store on database/sql.
type UserStore struct {
	db *sql.DB
}

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

// FetchUserRecord returns usage.ErrUserNotFound when no row matches email.
func (s *UserStore) FetchUserRecord(ctx context.Context, email string) (*models.UserRecord, error) {
	var (
		rec    models.UserRecord
		name   sql.NullString
		status sql.NullString
		last   sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, selectUser, email).Scan(
		&rec.Email, &name, &rec.Subscription.Plan, &status,
		&rec.Usage.AuditsToday, &rec.Usage.AuditsThisMonth, &rec.Usage.AuditsTotal,
		&last, &rec.BetaAccess.Granted, &rec.BetaAccess.HasQuit,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", usage.ErrUserNotFound, email)
		}
		return nil, fmt.Errorf("fetch user %s: %w", email, err)
	}

	rec.Name = name.String
	rec.Subscription.Status = status.String
	if last.Valid {
		t := last.Time.UTC()
		rec.Usage.LastAuditDate = &t
	}
	return &rec, nil
}

// PersistUserRecord writes rec if the stored row still matches prev. A row changed by
// another writer, or gone, yields usage.ErrWriteConflict.
func (s *UserStore) PersistUserRecord(ctx context.Context, rec, prev *models.UserRecord) error {
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, updateUser,
		rec.Email, nullString(rec.Name), rec.Subscription.Plan, nullString(rec.Subscription.Status),
		rec.Usage.AuditsToday, rec.Usage.AuditsThisMonth, rec.Usage.AuditsTotal,
		nullTime(rec.Usage.LastAuditDate), rec.BetaAccess.Granted, rec.BetaAccess.HasQuit, updated,
		prev.Subscription.Plan, prev.Usage.AuditsToday, prev.Usage.AuditsThisMonth,
		prev.Usage.AuditsTotal, nullTime(prev.Usage.LastAuditDate),
	)
	if err != nil {
		return fmt.Errorf("persist user %s: %w", rec.Email, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("persist user %s: %w", rec.Email, err)
	}
	if n == 0 {
		return fmt.Errorf("persist user %s: %w", rec.Email, usage.ErrWriteConflict)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
