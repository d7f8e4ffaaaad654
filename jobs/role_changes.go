package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
)

// RoleChangeRecorder counts processed reassignments.
type RoleChangeRecorder interface {
	RecordRoleChange(reason string, identities int)
}

// RoleChangeJob logs role reassignments as audit events.
type RoleChangeJob struct {
	logger  *slog.Logger
	metrics RoleChangeRecorder
}

// NewRoleChangeJob builds the handler for TaskRoleChanged.
func NewRoleChangeJob(logger *slog.Logger, metrics RoleChangeRecorder) *RoleChangeJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoleChangeJob{logger: logger, metrics: metrics}
}

// Handle processes a TaskRoleChanged task.
func (j *RoleChangeJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload RoleChangedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		j.logger.Warn("role change payload rejected", slog.Any("error", err))
		return fmt.Errorf("jobs: decode role change: %v: %w", err, asynq.SkipRetry)
	}
	if len(payload.IdentityIDs) == 0 {
		return fmt.Errorf("jobs: role change without identities: %w", asynq.SkipRetry)
	}
	j.logger.InfoContext(ctx, "audit role change",
		slog.String("reason", payload.Reason),
		slog.Int64("from_role_id", payload.FromRoleID),
		slog.Int64("to_role_id", payload.ToRoleID),
		slog.Any("identity_ids", payload.IdentityIDs),
		slog.Time("occurred_at", payload.OccurredAt),
	)
	if j.metrics != nil {
		j.metrics.RecordRoleChange(payload.Reason, len(payload.IdentityIDs))
	}
	return nil
}

// CacheInvalidator evicts role snapshots; id zero purges all of them.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, id int64)
}

// CacheResyncJob purges every instance's role cache so a missed pub/sub
// message cannot keep a stale matrix alive past the next run.
type CacheResyncJob struct {
	invalidator CacheInvalidator
	logger      *slog.Logger
}

// NewCacheResyncJob builds the handler for TaskRoleCacheResync.
func NewCacheResyncJob(invalidator CacheInvalidator, logger *slog.Logger) *CacheResyncJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CacheResyncJob{invalidator: invalidator, logger: logger}
}

// Handle processes a TaskRoleCacheResync task.
func (j *CacheResyncJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j.invalidator == nil {
		return nil
	}
	j.invalidator.Invalidate(ctx, 0)
	j.logger.DebugContext(ctx, "role cache resync broadcast")
	return nil
}
