package usage

import (
	"errors"

	apperrors "rgaa-audit-workers/internal/common/errors"
)

// StandardError maps a ledger error onto the job error taxonomy.
func StandardError(email string, err error) *apperrors.StandardError {
	var limitErr *LimitError
	switch {
	case errors.As(err, &limitErr):
		return apperrors.NewAuditLimitExceededError(limitErr.Plan, limitErr.Limit, limitErr.Used)
	case errors.Is(err, ErrWriteConflict):
		return apperrors.NewUsageWriteConflictError(err)
	case errors.Is(err, ErrPersistence):
		return apperrors.NewUsagePersistenceFailedError(err)
	case errors.Is(err, ErrUserNotFound):
		return apperrors.NewUserNotFoundError(email)
	case errors.Is(err, ErrStoreUnavailable):
		return apperrors.NewUsageStoreUnavailableError(err)
	default:
		return apperrors.Normalize(err)
	}
}
