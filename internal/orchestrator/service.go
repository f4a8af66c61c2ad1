// Package orchestrator accepts deployment requests and provisions one
// isolated build environment per request. Launches are fire-and-forget: the
// caller discovers the outcome through the log query service.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/berth-dev/berth/internal/config"
	"github.com/berth-dev/berth/internal/domain"
	"github.com/berth-dev/berth/internal/repository"
)

const containerNamePrefix = "builder-"

// Provisioner is the subset of the container runtime the orchestrator needs.
type Provisioner interface {
	RemoveContainer(ctx context.Context, name string) error
	RunDetached(ctx context.Context, name, image string, env []string) (string, error)
	WaitForExit(ctx context.Context, containerID string) (int64, error)
	Ping(ctx context.Context) error
}

// Accepted echoes the deployment id once the environment is scheduled. It
// carries no build outcome; the build runs asynchronously.
type Accepted struct {
	DeploymentID string `json:"deployment_id"`
	Message      string `json:"message"`
}

// Service launches build environments for deployment requests. It is
// stateless and safe for concurrent use; the only shared resource is the
// container naming scheme, and pre-cleanup resolves collisions.
type Service struct {
	runtime     Provisioner
	deployments repository.DeploymentRepository
	logger      *slog.Logger
	cfg         config.OrchestratorConfig
}

// New returns an orchestrator service.
func New(runtime Provisioner, deployments repository.DeploymentRepository, logger *slog.Logger, cfg config.OrchestratorConfig) Service {
	return Service{
		runtime:     runtime,
		deployments: deployments,
		logger:      logger,
		cfg:         cfg,
	}
}

// StartDeployment validates the request, clears any stale environment under
// the same deployment id, and provisions a fresh one. It returns as soon as
// the environment is scheduled.
func (s Service) StartDeployment(ctx context.Context, req domain.DeploymentRequest) (Accepted, error) {
	if err := validateRequest(req); err != nil {
		return Accepted{}, err
	}

	brokerAddr, err := s.brokerAddr()
	if err != nil {
		return Accepted{}, reject(ReasonInfrastructureUnavailable, err)
	}

	containerName := containerNamePrefix + req.DeploymentID

	// A stale environment from a crashed prior attempt must never block a
	// retry. Removal failure is swallowed.
	if err := s.runtime.RemoveContainer(ctx, containerName); err != nil {
		s.logger.Warn("stale environment removal failed", "deployment_id", req.DeploymentID, "error", err)
	}

	env, err := containerEnv(req, brokerAddr, s.cfg)
	if err != nil {
		return Accepted{}, reject(ReasonProvisionFailed, err)
	}

	containerID, err := s.runtime.RunDetached(ctx, containerName, s.cfg.BuilderImage, env)
	if err != nil {
		return Accepted{}, reject(ReasonProvisionFailed, err)
	}
	s.logger.Info("build environment scheduled",
		"deployment_id", req.DeploymentID,
		"container", containerName,
		"container_id", containerID,
	)

	s.recordIntake(ctx, req)
	go s.watchExit(req.DeploymentID, containerName, containerID)

	return Accepted{DeploymentID: req.DeploymentID, Message: "Deployment started"}, nil
}

// Health verifies the container runtime is reachable.
func (s Service) Health(ctx context.Context) error {
	return s.runtime.Ping(ctx)
}

// PublishedURL derives the public URL of a deployment's entry file from the
// store's base URL and the fixed artifact key layout.
func (s Service) PublishedURL(deploymentID string) string {
	base := strings.TrimRight(s.cfg.StorePublicBaseURL, "/")
	if base == "" {
		return ""
	}
	return base + "/__outputs/" + deploymentID + "/index.html"
}

func validateRequest(req domain.DeploymentRequest) error {
	for _, field := range []struct {
		name  string
		value string
	}{
		{"repo", req.Repo},
		{"branch", req.Branch},
		{"owner", req.Owner},
		{"deployment_id", req.DeploymentID},
	} {
		if strings.TrimSpace(field.value) == "" {
			return reject(ReasonMissingField, fmt.Errorf("%s is required", field.name))
		}
	}
	return nil
}

// brokerAddr resolves the broker address the agent must use. The agent runs
// in a different network namespace, so a loopback broker host is replaced
// with the host's outbound interface address.
func (s Service) brokerAddr() (string, error) {
	if addr := strings.TrimSpace(s.cfg.BrokerAdvertise); addr != "" {
		return addr, nil
	}
	parsed, err := url.Parse(s.cfg.BrokerURL)
	if err != nil {
		return "", fmt.Errorf("parse broker url: %w", err)
	}
	host := parsed.Hostname()
	port := parsed.Port()
	if port == "" {
		port = "4222"
	}
	if host != "" && host != "localhost" && !isLoopback(host) {
		return fmt.Sprintf("nats://%s", net.JoinHostPort(host, port)), nil
	}
	outbound, err := outboundIP()
	if err != nil {
		return "", fmt.Errorf("resolve outbound address: %w", err)
	}
	return fmt.Sprintf("nats://%s", net.JoinHostPort(outbound, port)), nil
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// outboundIP discovers the host's outbound interface address. The UDP dial
// sends no packets; it only selects a route.
func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil {
		return "", fmt.Errorf("no outbound address available")
	}
	return addr.IP.String(), nil
}

// containerEnv builds the environment contract injected into the agent
// container. Request fields are passed as data, never concatenated into a
// shell line.
func containerEnv(req domain.DeploymentRequest, brokerAddr string, cfg config.OrchestratorConfig) ([]string, error) {
	overrides := req.EnvVars
	if overrides == nil {
		overrides = []domain.EnvVar{}
	}
	serialized, err := json.Marshal(overrides)
	if err != nil {
		return nil, fmt.Errorf("serialize env overrides: %w", err)
	}
	return []string{
		"REPO=" + req.Repo,
		"BRANCH=" + req.Branch,
		"OWNER=" + req.Owner,
		"DEPLOYMENT_ID=" + req.DeploymentID,
		"BROKER_ADDR=" + brokerAddr,
		"ENV=" + string(serialized),
		"LOG_STREAM_NAME=" + cfg.LogStreamName,
		"LOG_SUBJECT_PREFIX=" + cfg.LogSubjectPrefix,
		"BUILD_TIMEOUT_SECONDS=" + strconv.Itoa(int(cfg.BuildTimeout/time.Second)),
	}, nil
}

func (s Service) recordIntake(ctx context.Context, req domain.DeploymentRequest) {
	if s.deployments == nil {
		return
	}
	now := time.Now().UTC()
	deployment := &domain.Deployment{
		ID:        req.DeploymentID,
		Repo:      req.Repo,
		Branch:    req.Branch,
		Owner:     req.Owner,
		Status:    domain.StatusRunning,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		// Record keeping must not block a launch already scheduled.
		s.logger.Warn("deployment record create failed", "deployment_id", req.DeploymentID, "error", err)
	}
}

// watchExit tracks the environment for operational telemetry. A failure here
// never affects the Accepted response already given. When the environment
// outlives the build deadline plus grace, it is forcibly torn down.
func (s Service) watchExit(deploymentID, containerName, containerID string) {
	deadline := s.cfg.BuildTimeout + s.cfg.TeardownGrace
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	exitCode, err := s.runtime.WaitForExit(ctx, containerID)
	if err != nil {
		if ctx.Err() != nil {
			s.logger.Error("build environment exceeded deadline, tearing down",
				"deployment_id", deploymentID, "deadline", deadline)
			removeCtx, removeCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer removeCancel()
			if err := s.runtime.RemoveContainer(removeCtx, containerName); err != nil {
				s.logger.Warn("forced teardown failed", "deployment_id", deploymentID, "error", err)
			}
			s.updateStatus(deploymentID, domain.StatusTimedOut)
			return
		}
		s.logger.Warn("environment exit watch failed", "deployment_id", deploymentID, "error", err)
		return
	}

	status := domain.StatusSucceeded
	if exitCode != 0 {
		status = domain.StatusFailed
	}
	s.logger.Info("build environment exited", "deployment_id", deploymentID, "exit_code", exitCode, "status", status)
	s.updateStatus(deploymentID, status)
}

func (s Service) updateStatus(deploymentID, status string) {
	if s.deployments == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	now := time.Now().UTC()
	if err := s.deployments.UpdateDeploymentStatus(ctx, deploymentID, status, &now); err != nil {
		s.logger.Warn("deployment status update failed", "deployment_id", deploymentID, "status", status, "error", err)
	}
}
