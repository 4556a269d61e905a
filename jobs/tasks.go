package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dealerdesk/dealerdesk/internal/backend/pgauth"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskProfileProvision creates the profile of a freshly signed-up identity.
	TaskProfileProvision = "profile:provision"
	// TaskReportsWarmup pre-fills the report cache.
	TaskReportsWarmup = "reports:warmup"
)

// ReportsWarmupPayload selects the month to warm, formatted YYYY-MM. Empty means
// the current month.
type ReportsWarmupPayload struct {
	Month string `json:"month,omitempty"`
}

// NewProfileProvisionTask constructs a provisioning task. The identity id is the
// task id so a duplicate enqueue is rejected by the queue.
func NewProfileProvisionTask(req pgauth.ProvisionRequest) (*asynq.Task, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskProfileProvision, data,
		asynq.TaskID("profile:"+req.IdentityID),
		asynq.MaxRetry(10),
		asynq.Timeout(30*time.Second),
	), nil
}

// NewReportsWarmupTask constructs a warmup task.
func NewReportsWarmupTask(month string) (*asynq.Task, error) {
	data, err := json.Marshal(ReportsWarmupPayload{Month: month})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReportsWarmup, data), nil
}
