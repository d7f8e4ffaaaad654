package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/erp-access/internal/rbac"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRoleChanged records identities whose role reference moved.
	TaskRoleChanged = "rbac:role_changed"
	// TaskRoleCacheResync broadcasts a full role cache purge to every instance.
	TaskRoleCacheResync = "rbac:cache_resync"
)

// RoleChangedPayload describes a committed role reassignment.
type RoleChangedPayload struct {
	IdentityIDs []int64   `json:"identity_ids"`
	FromRoleID  int64     `json:"from_role_id,omitempty"`
	ToRoleID    int64     `json:"to_role_id"`
	Reason      string    `json:"reason"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// NewRoleChangedTask constructs an Asynq task from a registry change.
func NewRoleChangedTask(change rbac.RoleChange, at time.Time) (*asynq.Task, error) {
	if len(change.IdentityIDs) == 0 {
		return nil, fmt.Errorf("jobs: role change without identities")
	}
	body, err := json.Marshal(RoleChangedPayload{
		IdentityIDs: change.IdentityIDs,
		FromRoleID:  change.FromRoleID,
		ToRoleID:    change.ToRoleID,
		Reason:      change.Reason,
		OccurredAt:  at.UTC(),
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRoleChanged, body, asynq.Queue(QueueDefault), asynq.MaxRetry(5)), nil
}

// NewRoleCacheResyncTask constructs the periodic purge task.
func NewRoleCacheResyncTask() *asynq.Task {
	return asynq.NewTask(TaskRoleCacheResync, nil, asynq.Queue(QueueDefault), asynq.MaxRetry(1))
}
