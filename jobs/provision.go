package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/dealerdesk/dealerdesk/internal/auth"
	"github.com/dealerdesk/dealerdesk/internal/backend/pgauth"
	"github.com/dealerdesk/dealerdesk/internal/datastore"
	jobmetrics "github.com/dealerdesk/dealerdesk/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// ProvisionJob creates the profile row of a new identity. Running it twice for
// the same identity is a no-op.
type ProvisionJob struct {
	profiles *datastore.Repository[auth.Profile]
	logger   *slog.Logger
	metrics  *jobmetrics.Metrics
}

// NewProvisionJob constructs the job.
func NewProvisionJob(profiles *datastore.Repository[auth.Profile], logger *slog.Logger, metrics *jobmetrics.Metrics) *ProvisionJob {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	return &ProvisionJob{profiles: profiles, logger: logger, metrics: metrics}
}

// Handle implements asynq.Handler.
func (j *ProvisionJob) Handle(ctx context.Context, task *asynq.Task) error {
	var req pgauth.ProvisionRequest
	if err := json.Unmarshal(task.Payload(), &req); err != nil {
		return fmt.Errorf("%w: decode payload: %v", asynq.SkipRetry, err)
	}
	tracker := j.metrics.Track(TaskProfileProvision)
	return tracker.End(j.Provision(ctx, req))
}

// Provision inserts the profile unless one exists.
func (j *ProvisionJob) Provision(ctx context.Context, req pgauth.ProvisionRequest) error {
	if req.IdentityID == "" {
		return fmt.Errorf("%w: identity id required", asynq.SkipRetry)
	}
	existing, err := j.profiles.Fetch(ctx, datastore.Query{}.Eq("id", req.IdentityID).Select("id"))
	if err != nil {
		return fmt.Errorf("lookup profile: %w", err)
	}
	if len(existing) > 0 {
		j.logger.Info("profile already provisioned", slog.String("identity", req.IdentityID))
		return nil
	}
	profile := auth.Profile{
		ID:    req.IdentityID,
		Email: strings.ToLower(strings.TrimSpace(req.Email)),
		Name:  strings.TrimSpace(req.Name),
		Role:  auth.Role(req.Role),
	}
	if !profile.Role.Valid() {
		profile.Role = auth.RoleEmployee
	}
	if profile.Name == "" {
		profile.Name, _, _ = strings.Cut(profile.Email, "@")
	}
	if _, err := j.profiles.TryInsert(ctx, profile); err != nil {
		return fmt.Errorf("insert profile: %w", err)
	}
	j.metrics.AddProvisioned(string(profile.Role))
	j.logger.Info("profile provisioned", slog.String("identity", profile.ID), slog.String("role", string(profile.Role)))
	return nil
}
