package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealerdesk/dealerdesk/internal/auth"
	"github.com/dealerdesk/dealerdesk/internal/backend"
	"github.com/dealerdesk/dealerdesk/internal/backend/backendfake"
	"github.com/dealerdesk/dealerdesk/internal/backend/pgauth"
	"github.com/dealerdesk/dealerdesk/internal/contracts"
	"github.com/dealerdesk/dealerdesk/internal/datastore"
	"github.com/dealerdesk/dealerdesk/internal/inventory"
	jobmetrics "github.com/dealerdesk/dealerdesk/internal/jobs"
	"github.com/dealerdesk/dealerdesk/internal/notify"
	"github.com/dealerdesk/dealerdesk/internal/reports"
	"github.com/dealerdesk/dealerdesk/internal/staff"
	"github.com/dealerdesk/dealerdesk/jobs"
)

func provisionFixture(t *testing.T) (*jobs.ProvisionJob, *backendfake.Tables, *prometheus.Registry) {
	t.Helper()
	tables := backendfake.NewTables()
	reg := prometheus.NewRegistry()
	return jobs.NewProvisionJob(profileRepo(tables), nil, jobmetrics.NewMetrics(reg)), tables, reg
}

func profileRepo(tables *backendfake.Tables) *datastore.Repository[auth.Profile] {
	return datastore.New(tables, auth.Profiles, datastore.Options{Notifier: notify.Discard})
}

func provisionTask(t *testing.T, req pgauth.ProvisionRequest) *asynq.Task {
	t.Helper()
	task, err := jobs.NewProfileProvisionTask(req)
	require.NoError(t, err)
	return task
}

func TestProvisionCreatesProfileOnce(t *testing.T) {
	job, tables, reg := provisionFixture(t)
	ctx := context.Background()
	task := provisionTask(t, pgauth.ProvisionRequest{IdentityID: "u1", Email: " Sam@Dealer.Test ", Role: "owner"})

	require.NoError(t, job.Handle(ctx, task))
	require.NoError(t, job.Handle(ctx, task))
	assert.Equal(t, 1, tables.Calls("profiles", "insert"))

	rows, err := profileRepo(tables).Fetch(ctx, datastore.Query{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "sam@dealer.test", rows[0].Email)
	assert.Equal(t, "sam", rows[0].Name)
	assert.Equal(t, auth.RoleEmployee, rows[0].Role)

	count, err := testutil.GatherAndCount(reg, "dealerdesk_profiles_provisioned_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestProvisionKeepsRequestedRole(t *testing.T) {
	job, tables, _ := provisionFixture(t)
	ctx := context.Background()
	require.NoError(t, job.Provision(ctx, pgauth.ProvisionRequest{IdentityID: "u2", Email: "m@dealer.test", Name: "Mia", Role: "manager"}))
	rows, err := profileRepo(tables).Fetch(ctx, datastore.Query{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, auth.RoleManager, rows[0].Role)
	assert.Equal(t, "Mia", rows[0].Name)
}

func TestProvisionFailuresAreRetried(t *testing.T) {
	job, tables, _ := provisionFixture(t)
	ctx := context.Background()
	tables.FailNext("profiles", "insert", errors.New("connection reset"), 1)

	err := job.Provision(ctx, pgauth.ProvisionRequest{IdentityID: "u3", Email: "x@dealer.test"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
	assert.Contains(t, err.Error(), "connection reset")

	require.NoError(t, job.Provision(ctx, pgauth.ProvisionRequest{IdentityID: "u3", Email: "x@dealer.test"}))
}

func TestProvisionRejectsBadPayload(t *testing.T) {
	job, _, _ := provisionFixture(t)
	err := job.Handle(context.Background(), asynq.NewTask(jobs.TaskProfileProvision, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	err = job.Provision(context.Background(), pgauth.ProvisionRequest{})
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

type recordingEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (r *recordingEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	r.tasks = append(r.tasks, task)
	if r.err != nil {
		return nil, r.err
	}
	return &asynq.TaskInfo{Type: task.Type(), Queue: jobs.QueueDefault}, nil
}

func (r *recordingEnqueuer) Close() error { return nil }

func TestClientProvisionProfile(t *testing.T) {
	rec := &recordingEnqueuer{}
	client := jobs.NewClientWith(rec)
	req := pgauth.ProvisionRequest{IdentityID: "u1", Email: "a@dealer.test", Name: "A", Role: "employee"}
	require.NoError(t, client.ProvisionProfile(context.Background(), req))
	require.Len(t, rec.tasks, 1)
	assert.Equal(t, jobs.TaskProfileProvision, rec.tasks[0].Type())
	var got pgauth.ProvisionRequest
	require.NoError(t, json.Unmarshal(rec.tasks[0].Payload(), &got))
	assert.Equal(t, req, got)

	rec.err = asynq.ErrTaskIDConflict
	assert.NoError(t, client.ProvisionProfile(context.Background(), req))
	rec.err = errors.New("redis down")
	assert.Error(t, client.ProvisionProfile(context.Background(), req))
}

func TestReportsWarmupFillsCache(t *testing.T) {
	tables := backendfake.NewTables()
	tables.Seed("contracts", backend.Values{"id": "k1", "customer_id": "c1", "vehicle_id": "v1", "type": "sale", "price": 1000, "status": "signed", "signed_at": "2026-03-04T10:00:00Z"})
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	opts := datastore.Options{Notifier: notify.Discard}
	svc := reports.NewService(reports.Sources{
		Contracts: datastore.New(tables, contracts.Contracts, opts),
		Vehicles:  datastore.New(tables, inventory.Vehicles, opts),
		Employees: datastore.New(tables, staff.Employees, opts),
	}, reports.NewCache(rdb, time.Minute, nil), "EUR")
	job := jobs.NewReportsWarmupJob(svc, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := jobs.NewReportsWarmupTask("2026-03")
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, 1, tables.Calls("contracts", "select"))

	sum, err := svc.Summary(context.Background(), reports.MonthRange(time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Signed)
	assert.Equal(t, 1, tables.Calls("contracts", "select"))

	bad, err := jobs.NewReportsWarmupTask("March")
	require.NoError(t, err)
	assert.ErrorIs(t, job.Handle(context.Background(), bad), asynq.SkipRetry)
}

type fakeInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (f fakeInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) { return f.info, f.err }

func TestHealthEndpoint(t *testing.T) {
	get := func(h *jobs.Handler) *httptest.ResponseRecorder {
		r := chi.NewRouter()
		r.Route("/jobs", h.MountRoutes)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
		return rec
	}

	rec := get(jobs.NewHandler(fakeInspector{info: &asynq.QueueInfo{Queue: "default", Pending: 3, Failed: 1}}, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"queue":"default","pending":3,"active":0,"retry":0,"failed":1}`, rec.Body.String())

	assert.Equal(t, http.StatusOK, get(jobs.NewHandler(nil, nil)).Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(jobs.NewHandler(fakeInspector{err: errors.New("down")}, nil)).Code)
}
