package checkauditentitlement

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"rgaa-audit-workers/internal/common/errors"
	"rgaa-audit-workers/internal/common/logger"
	"rgaa-audit-workers/internal/models"
	"rgaa-audit-workers/internal/usage"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/pb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockChecker struct {
	mock.Mock
}

func (m *MockChecker) Check(ctx context.Context, email string) (*usage.Entitlement, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*usage.Entitlement), args.Error(1)
}

func createMockJob(key int64, variables map[string]interface{}) entities.Job {
	variablesJSON, _ := json.Marshal(variables)
	return entities.Job{ActivatedJob: &pb.ActivatedJob{
		Key:                key,
		Type:               TaskType,
		ProcessInstanceKey: key * 10,
		BpmnProcessId:      "rgaa-audit-request",
		ElementId:          "Activity_CheckAuditEntitlement",
		CustomHeaders:      "{}",
		Retries:            3,
		Variables:          string(variablesJSON),
	}}
}

func newTestHandler(t *testing.T, checker Checker) *Handler {
	h, err := NewHandler(HandlerOptions{
		CustomConfig: DefaultConfig(),
		Logger:       logger.NewTestLogger(t),
		Checker:      checker,
	})
	require.NoError(t, err)
	return h
}

func entitlementFor(rec *models.UserRecord, now time.Time) *usage.Entitlement {
	return &usage.Entitlement{
		Decision: usage.NewGate(func() time.Time { return now }).CanAudit(rec),
		Summary:  usage.Summarize(rec, now),
		Record:   rec,
	}
}

func TestHandler_Execute(t *testing.T) {
	now := time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)
	last := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		today   int
		allowed bool
		reason  string
	}{
		{"allowed", 2, true, ""},
		{"denied at limit", 3, false, usage.ReasonDailyLimitReached},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &models.UserRecord{
				Email:        "u1@example.com",
				Subscription: models.Subscription{Plan: "free"},
				Usage:        models.UsageLedger{AuditsToday: tt.today, LastAuditDate: &last},
			}
			checker := new(MockChecker)
			checker.On("Check", mock.Anything, "u1@example.com").Return(entitlementFor(rec, now), nil)

			out, err := newTestHandler(t, checker).Execute(context.Background(), &Input{Email: "U1@example.com "})
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, out.AuditAllowed)
			assert.Equal(t, tt.reason, out.DenialReason)
			assert.Equal(t, "free", out.Plan)
			assert.Equal(t, tt.today, out.Usage.AuditsToday)
			checker.AssertExpectations(t)
		})
	}
}

func TestHandler_Execute_UserNotFound(t *testing.T) {
	checker := new(MockChecker)
	checker.On("Check", mock.Anything, "ghost@example.com").Return(nil, fmt.Errorf("%w: ghost@example.com", usage.ErrUserNotFound))

	_, err := newTestHandler(t, checker).Execute(context.Background(), &Input{Email: "ghost@example.com"})
	var stdErr *errors.StandardError
	require.True(t, stderrors.As(err, &stdErr))
	assert.Equal(t, errors.ErrCodeUserNotFound, stdErr.Code)
}

func TestOutputVariables(t *testing.T) {
	out := &Output{
		AuditAllowed: true,
		Plan:         "pro",
		Usage:        usage.Summary{Plan: "pro", RemainingToday: -1, AuditsThisMonth: 12},
	}
	vars, err := outputVariables(out)
	require.NoError(t, err)
	assert.Equal(t, true, vars["auditAllowed"])
	assert.Equal(t, "", vars["denialReason"])

	summary, ok := vars["usage"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(-1), summary["remainingToday"])
	assert.Equal(t, float64(12), summary["auditsThisMonth"])
}

func TestHandler_ParseInput(t *testing.T) {
	h := newTestHandler(t, new(MockChecker))

	input, err := h.parseInput(createMockJob(1, map[string]interface{}{"email": "u1@example.com"}))
	require.NoError(t, err)
	assert.Equal(t, "u1@example.com", input.Email)

	_, err = h.parseInput(createMockJob(2, map[string]interface{}{"email": 7}))
	var stdErr *errors.StandardError
	require.True(t, stderrors.As(err, &stdErr))
	assert.Equal(t, errors.ErrCodeValidationFailed, stdErr.Code)
}

func TestNewHandler_RequiresChecker(t *testing.T) {
	_, err := NewHandler(HandlerOptions{CustomConfig: DefaultConfig()})
	assert.ErrorContains(t, err, "checker is required")
}
