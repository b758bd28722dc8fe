package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/pilab-dev/shadow-link/domain"
	"github.com/pilab-dev/shadow-link/internal/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockAuditRepo struct {
	mock.Mock
}

func (m *mockAuditRepo) Append(ctx context.Context, event *domain.AuditEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func TestStreamLogger_Record(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewStreamLogger(&buf)

	logger.Record(context.Background(), domain.AuditEvent{
		UserID:   "user-1",
		Provider: domain.ProviderGitHub,
		Action:   domain.AuditLink,
		Metadata: map[string]string{"external_account_id": "583231"},
	})

	var line struct {
		Event domain.AuditEvent `json:"audit_event"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))

	assert.NotEmpty(t, line.Event.ID)
	assert.False(t, line.Event.Timestamp.IsZero())
	assert.Equal(t, "user-1", line.Event.UserID)
	assert.Equal(t, domain.AuditLink, line.Event.Action)
	assert.Equal(t, "583231", line.Event.Metadata["external_account_id"])
}

func TestRepositoryLogger_SwallowsErrors(t *testing.T) {
	repo := new(mockAuditRepo)
	repo.On("Append", mock.Anything, mock.MatchedBy(func(e *domain.AuditEvent) bool {
		return e.Action == domain.AuditUnlink && e.ID != ""
	})).Return(errors.New("mongo down")).Once()

	logger := audit.NewRepositoryLogger(repo)

	assert.NotPanics(t, func() {
		logger.Record(context.Background(), domain.AuditEvent{Action: domain.AuditUnlink, UserID: "u"})
	})
	repo.AssertExpectations(t)
}

func TestRepositoryLogger_OutlivesCanceledRequest(t *testing.T) {
	repo := new(mockAuditRepo)
	repo.On("Append", mock.MatchedBy(func(ctx context.Context) bool {
		return ctx.Err() == nil
	}), mock.Anything).Return(nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	audit.NewRepositoryLogger(repo).Record(ctx, domain.AuditEvent{Action: domain.AuditLoginSuccess})
	repo.AssertExpectations(t)
}

func TestMulti_SharesIdentity(t *testing.T) {
	var first, second bytes.Buffer
	multi := audit.Multi{audit.NewStreamLogger(&first), audit.NewStreamLogger(&second), audit.Nop{}}

	multi.Record(context.Background(), domain.AuditEvent{Action: domain.AuditRefreshFail})

	var a, b struct {
		Event domain.AuditEvent `json:"audit_event"`
	}
	require.NoError(t, json.Unmarshal(first.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Bytes(), &b))
	assert.Equal(t, a.Event.ID, b.Event.ID)
	assert.True(t, a.Event.Timestamp.Equal(b.Event.Timestamp))
}
