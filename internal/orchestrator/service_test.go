package orchestrator

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/berth-dev/berth/internal/config"
	"github.com/berth-dev/berth/internal/domain"
	"github.com/berth-dev/berth/internal/repository"
)

type fakeRuntime struct {
	mu           sync.Mutex
	removed      []string
	started      []string
	startedEnv   [][]string
	runErr       error
	exitCode     int64
	waitErr      error
	waitRelease  chan struct{}
	waitObserved chan struct{}
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		waitRelease:  make(chan struct{}),
		waitObserved: make(chan struct{}, 1),
	}
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, name)
	return nil
}

func (f *fakeRuntime) RunDetached(ctx context.Context, name, image string, env []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return "", f.runErr
	}
	f.started = append(f.started, name)
	f.startedEnv = append(f.startedEnv, env)
	return "cid-" + name, nil
}

func (f *fakeRuntime) WaitForExit(ctx context.Context, containerID string) (int64, error) {
	select {
	case f.waitObserved <- struct{}{}:
	default:
	}
	select {
	case <-f.waitRelease:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	if f.waitErr != nil {
		return 0, f.waitErr
	}
	return f.exitCode, nil
}

func (f *fakeRuntime) Ping(ctx context.Context) error { return nil }

func (f *fakeRuntime) removals() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

type fakeDeployments struct {
	mu       sync.Mutex
	created  []domain.Deployment
	statuses map[string]string
	statusCh chan string
}

func newFakeDeployments() *fakeDeployments {
	return &fakeDeployments{
		statuses: map[string]string{},
		statusCh: make(chan string, 4),
	}
}

func (f *fakeDeployments) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, *deployment)
	return nil
}

func (f *fakeDeployments) UpdateDeploymentStatus(ctx context.Context, deploymentID, status string, completedAt *time.Time) error {
	f.mu.Lock()
	f.statuses[deploymentID] = status
	f.mu.Unlock()
	f.statusCh <- status
	return nil
}

func (f *fakeDeployments) UpsertDeploymentRecord(ctx context.Context, record domain.DeploymentRecordUpsert) error {
	return nil
}

func (f *fakeDeployments) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeDeployments) ListDeployments(ctx context.Context, limit int) ([]domain.Deployment, error) {
	return nil, nil
}

func (f *fakeDeployments) waitStatus(t *testing.T) string {
	t.Helper()
	select {
	case status := <-f.statusCh:
		return status
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for status update")
		return ""
	}
}

func testConfig() config.OrchestratorConfig {
	return config.OrchestratorConfig{
		BuilderImage:     "berth/build-agent:latest",
		BrokerAdvertise:  "nats://10.0.0.5:4222",
		LogStreamName:    "DEPLOY_LOGS",
		LogSubjectPrefix: "deployments.logs",
		BuildTimeout:     time.Minute,
		TeardownGrace:    time.Minute,
	}
}

func newService(runtime *fakeRuntime, deployments *fakeDeployments, cfg config.OrchestratorConfig) Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(runtime, deployments, logger, cfg)
}

func validRequest() domain.DeploymentRequest {
	return domain.DeploymentRequest{
		Repo:         "shop",
		Branch:       "main",
		Owner:        "acme",
		DeploymentID: "dep-1",
	}
}

func TestStartDeploymentRejectsMissingFields(t *testing.T) {
	svc := newService(newFakeRuntime(), newFakeDeployments(), testConfig())

	cases := []struct {
		name   string
		mutate func(*domain.DeploymentRequest)
	}{
		{"repo", func(r *domain.DeploymentRequest) { r.Repo = "" }},
		{"branch", func(r *domain.DeploymentRequest) { r.Branch = "  " }},
		{"owner", func(r *domain.DeploymentRequest) { r.Owner = "" }},
		{"deployment_id", func(r *domain.DeploymentRequest) { r.DeploymentID = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)

			_, err := svc.StartDeployment(context.Background(), req)
			var rejection *Rejection
			if !errors.As(err, &rejection) {
				t.Fatalf("expected rejection, got %v", err)
			}
			if rejection.Reason != ReasonMissingField {
				t.Fatalf("expected missing field reason, got %s", rejection.Reason)
			}
			if !strings.Contains(rejection.Error(), tc.name) {
				t.Fatalf("rejection should name the field, got %q", rejection.Error())
			}
		})
	}
}

func TestStartDeploymentRemovesStaleEnvironmentFirst(t *testing.T) {
	runtime := newFakeRuntime()
	svc := newService(runtime, newFakeDeployments(), testConfig())

	accepted, err := svc.StartDeployment(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if accepted.DeploymentID != "dep-1" || accepted.Message != "Deployment started" {
		t.Fatalf("unexpected acceptance: %+v", accepted)
	}

	removals := runtime.removals()
	if len(removals) == 0 || removals[0] != "builder-dep-1" {
		t.Fatalf("stale environment must be removed before launch, got %v", removals)
	}
	runtime.mu.Lock()
	started := append([]string(nil), runtime.started...)
	runtime.mu.Unlock()
	if len(started) != 1 || started[0] != "builder-dep-1" {
		t.Fatalf("unexpected started containers: %v", started)
	}
	close(runtime.waitRelease)
}

func TestStartDeploymentEnvContract(t *testing.T) {
	runtime := newFakeRuntime()
	svc := newService(runtime, newFakeDeployments(), testConfig())

	req := validRequest()
	req.EnvVars = []domain.EnvVar{{Key: "API_URL", Value: "http://x"}}

	if _, err := svc.StartDeployment(context.Background(), req); err != nil {
		t.Fatalf("start: %v", err)
	}
	close(runtime.waitRelease)

	runtime.mu.Lock()
	env := runtime.startedEnv[0]
	runtime.mu.Unlock()

	want := []string{
		"REPO=shop",
		"BRANCH=main",
		"OWNER=acme",
		"DEPLOYMENT_ID=dep-1",
		"BROKER_ADDR=nats://10.0.0.5:4222",
		`ENV=[{"key":"API_URL","value":"http://x"}]`,
		"LOG_STREAM_NAME=DEPLOY_LOGS",
		"LOG_SUBJECT_PREFIX=deployments.logs",
		"BUILD_TIMEOUT_SECONDS=60",
	}
	if len(env) != len(want) {
		t.Fatalf("unexpected env length: %v", env)
	}
	for i := range want {
		if env[i] != want[i] {
			t.Fatalf("env[%d] = %q, want %q", i, env[i], want[i])
		}
	}
}

func TestStartDeploymentEmptyEnvSerializesToEmptyArray(t *testing.T) {
	runtime := newFakeRuntime()
	svc := newService(runtime, newFakeDeployments(), testConfig())

	if _, err := svc.StartDeployment(context.Background(), validRequest()); err != nil {
		t.Fatalf("start: %v", err)
	}
	close(runtime.waitRelease)

	runtime.mu.Lock()
	env := runtime.startedEnv[0]
	runtime.mu.Unlock()

	var found bool
	for _, entry := range env {
		if entry == "ENV=[]" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected ENV=[] in contract, got %v", env)
	}
}

func TestStartDeploymentProvisionFailure(t *testing.T) {
	runtime := newFakeRuntime()
	runtime.runErr = errors.New("image not found")
	svc := newService(runtime, newFakeDeployments(), testConfig())

	_, err := svc.StartDeployment(context.Background(), validRequest())
	var rejection *Rejection
	if !errors.As(err, &rejection) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if rejection.Reason != ReasonProvisionFailed {
		t.Fatalf("expected provision failure reason, got %s", rejection.Reason)
	}
}

func TestWatchExitRecordsOutcome(t *testing.T) {
	cases := []struct {
		name     string
		exitCode int64
		want     string
	}{
		{"success", 0, domain.StatusSucceeded},
		{"failure", 2, domain.StatusFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runtime := newFakeRuntime()
			runtime.exitCode = tc.exitCode
			deployments := newFakeDeployments()
			svc := newService(runtime, deployments, testConfig())

			if _, err := svc.StartDeployment(context.Background(), validRequest()); err != nil {
				t.Fatalf("start: %v", err)
			}
			close(runtime.waitRelease)

			if status := deployments.waitStatus(t); status != tc.want {
				t.Fatalf("expected status %s, got %s", tc.want, status)
			}
		})
	}
}

func TestWatchExitDeadlineTearsDownEnvironment(t *testing.T) {
	runtime := newFakeRuntime()
	deployments := newFakeDeployments()
	cfg := testConfig()
	cfg.BuildTimeout = 30 * time.Millisecond
	cfg.TeardownGrace = 20 * time.Millisecond
	svc := newService(runtime, deployments, cfg)

	if _, err := svc.StartDeployment(context.Background(), validRequest()); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Never release the wait: the environment outlives the deadline.
	if status := deployments.waitStatus(t); status != domain.StatusTimedOut {
		t.Fatalf("expected timed_out status, got %s", status)
	}

	removals := runtime.removals()
	if len(removals) < 2 || removals[len(removals)-1] != "builder-dep-1" {
		t.Fatalf("expected forced teardown removal, got %v", removals)
	}
}

func TestPublishedURL(t *testing.T) {
	cfg := testConfig()
	cfg.StorePublicBaseURL = "http://cdn.local/artifacts/"
	svc := newService(newFakeRuntime(), newFakeDeployments(), cfg)

	if got := svc.PublishedURL("dep-1"); got != "http://cdn.local/artifacts/__outputs/dep-1/index.html" {
		t.Fatalf("unexpected published url: %s", got)
	}

	cfg.StorePublicBaseURL = ""
	svc = newService(newFakeRuntime(), newFakeDeployments(), cfg)
	if got := svc.PublishedURL("dep-1"); got != "" {
		t.Fatalf("expected empty url without a base, got %s", got)
	}
}

func TestStartDeploymentRecordsIntake(t *testing.T) {
	runtime := newFakeRuntime()
	deployments := newFakeDeployments()
	svc := newService(runtime, deployments, testConfig())

	if _, err := svc.StartDeployment(context.Background(), validRequest()); err != nil {
		t.Fatalf("start: %v", err)
	}
	close(runtime.waitRelease)

	deployments.mu.Lock()
	created := append([]domain.Deployment(nil), deployments.created...)
	deployments.mu.Unlock()

	if len(created) != 1 {
		t.Fatalf("expected one intake record, got %d", len(created))
	}
	record := created[0]
	if record.ID != "dep-1" || record.Status != domain.StatusRunning {
		t.Fatalf("unexpected intake record: %+v", record)
	}
}
