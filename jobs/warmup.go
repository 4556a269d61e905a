package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dealerdesk/dealerdesk/internal/reports"
	jobmetrics "github.com/dealerdesk/dealerdesk/internal/jobs"
)

// ReportsWarmupJob builds the monthly sales summary ahead of the first request.
type ReportsWarmupJob struct {
	reports *reports.Service
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
	now     func() time.Time
}

// NewReportsWarmupJob constructs the job.
func NewReportsWarmupJob(svc *reports.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReportsWarmupJob {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	return &ReportsWarmupJob{reports: svc, logger: logger, metrics: metrics, now: time.Now}
}

// Handle implements asynq.Handler.
func (j *ReportsWarmupJob) Handle(ctx context.Context, task *asynq.Task) error {
	var payload ReportsWarmupPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("%w: decode payload: %v", asynq.SkipRetry, err)
		}
	}
	rng := reports.MonthRange(j.now())
	if payload.Month != "" {
		month, err := time.Parse("2006-01", payload.Month)
		if err != nil {
			return fmt.Errorf("%w: month: %v", asynq.SkipRetry, err)
		}
		rng = reports.MonthRange(month)
	}
	tracker := j.metrics.Track(TaskReportsWarmup)
	_, err := j.reports.Summary(ctx, rng)
	if err == nil {
		j.logger.Info("sales report warmed", slog.String("from", rng.From.Format("2006-01-02")))
	}
	return tracker.End(err)
}
