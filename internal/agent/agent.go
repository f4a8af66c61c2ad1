// Package agent drives one deployment attempt inside its isolated build
// environment: detect strategy, run the build, locate output, publish
// artifacts, clean up. Terminal state is signaled exclusively through the
// log event stream.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"log/slog"

	"github.com/berth-dev/berth/internal/artifact"
	"github.com/berth-dev/berth/internal/buildcmd"
	"github.com/berth-dev/berth/internal/config"
	"github.com/berth-dev/berth/internal/detect"
	"github.com/berth-dev/berth/internal/domain"
	"github.com/berth-dev/berth/internal/logstream"
)

// Output directories recognized as the artifact root, in priority order.
var outputDirs = []string{"dist", "build", "target"}

// EventPublisher pushes structured log events to the external observer.
type EventPublisher interface {
	Publish(ctx context.Context, event logstream.Event) error
}

// Agent executes the end-to-end build sequence for a single deployment.
type Agent struct {
	cfg       config.AgentConfig
	publisher EventPublisher
	store     artifact.ObjectStore
	logger    *slog.Logger
}

// New constructs an agent for one deployment attempt.
func New(cfg config.AgentConfig, publisher EventPublisher, store artifact.ObjectStore, logger *slog.Logger) *Agent {
	return &Agent{cfg: cfg, publisher: publisher, store: store, logger: logger}
}

// Run performs the full sequence. A nil return means the deployment
// succeeded; every failure path has already emitted a terminal ERROR event
// by the time Run returns.
func (a *Agent) Run(ctx context.Context) error {
	projectPath := filepath.Join(a.cfg.ProjectRoot, a.cfg.Repo)

	a.emit(ctx, domain.LevelInfo, "Build process started...")
	a.emit(ctx, domain.LevelInfo, fmt.Sprintf("Using project at %s", projectPath))

	strategy := detect.Detect(projectPath)
	a.emit(ctx, domain.LevelInfo, fmt.Sprintf("Detected build strategy: %s", strategy))

	sequence := buildcmd.Synthesize(strategy, projectPath)
	for _, warning := range sequence.Warnings {
		a.emit(ctx, domain.LevelWarn, warning)
	}

	if sequence.Empty() {
		// Nothing to build is a successful no-op, not a failure.
		a.emit(ctx, domain.LevelWarn, "No build command detected. Skipping build.")
		a.succeed(ctx)
		return nil
	}

	overrides, err := parseEnvOverrides(a.cfg.EnvOverrides)
	if err != nil {
		a.emit(ctx, domain.LevelWarn, fmt.Sprintf("Ignoring malformed environment overrides: %v", err))
	}

	buildCtx, cancel := context.WithTimeout(ctx, a.cfg.BuildTimeout)
	exitCode, buildErr := a.runSequence(buildCtx, sequence, projectPath, overrides)
	timedOut := errors.Is(buildCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err := ctx.Err(); err != nil {
		return a.fail(ctx, fmt.Sprintf("build interrupted: %v", err))
	}
	if timedOut {
		return a.fail(ctx, fmt.Sprintf("build timed out after %s", a.cfg.BuildTimeout))
	}
	if buildErr != nil {
		return a.fail(ctx, fmt.Sprintf("build could not run: %v", buildErr))
	}
	a.emit(ctx, domain.LevelInfo, fmt.Sprintf("Build process exited with code %d", exitCode))

	// A non-zero exit still proceeds to output discovery: the build may have
	// produced partial output worth inspecting.
	a.emit(ctx, domain.LevelInfo, "Analyzing build output directories...")
	outputDir, ok := findOutputDir(projectPath)
	if !ok {
		return a.fail(ctx, "No dist, build, or target folder found. Cannot proceed with deployment.")
	}
	a.emit(ctx, domain.LevelInfo, fmt.Sprintf("Found %q folder. Using it as deployment output.", filepath.Base(outputDir)))

	if err := a.upload(ctx, outputDir); err != nil {
		return err
	}

	// Publishing already succeeded; cleanup failure must not change the
	// terminal outcome.
	if err := os.RemoveAll(outputDir); err != nil {
		a.emit(ctx, domain.LevelError, fmt.Sprintf("Cleanup of output directory failed: %v", err))
	}

	a.succeed(ctx)
	return nil
}

func (a *Agent) upload(ctx context.Context, outputDir string) error {
	uploader := artifact.NewUploader(a.store, a.cfg.UploadBatchSize, func(level, message string) {
		a.emit(ctx, level, message)
	})
	result, err := uploader.Upload(ctx, outputDir, a.cfg.DeploymentID)
	if err != nil {
		return a.fail(ctx, fmt.Sprintf("artifact enumeration failed: %v", err))
	}
	a.emit(ctx, domain.LevelInfo, fmt.Sprintf("Build artifacts ready. %d files uploaded.", result.Uploaded))
	if !result.AllSucceeded() {
		// No partial publish: any upload failure fails the pipeline.
		return a.fail(ctx, fmt.Sprintf("artifact upload failed for %d of %d files", len(result.Failures), result.Total))
	}
	return nil
}

// succeed announces the terminal success state: the contractual completion
// phrase plus a typed status event in the same stream. The terminal events
// publish on a detached context so they still land when the run context has
// been canceled underneath us.
func (a *Agent) succeed(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	a.emit(ctx, domain.LevelInfo, logstream.SuccessPhrase)
	a.publish(ctx, logstream.Event{
		DeploymentID: a.cfg.DeploymentID,
		Message:      logstream.SuccessPhrase,
		Level:        domain.LevelInfo,
		EventType:    logstream.EventTypeStatus,
		Status:       logstream.StatusSucceeded,
	})
}

// fail announces the terminal failure state and returns an error carrying
// the reason so the process exits non-zero.
func (a *Agent) fail(ctx context.Context, reason string) error {
	publishFailure(context.WithoutCancel(ctx), a.publisher, a.logger, a.cfg.DeploymentID, reason)
	return fmt.Errorf("%s", reason)
}

// ReportLaunchFailure signals a terminal failure for deployments that never
// reached the build pipeline, such as broken object store credentials at
// startup. Observers otherwise see the stream go silent forever.
func ReportLaunchFailure(ctx context.Context, publisher EventPublisher, logger *slog.Logger, deploymentID, reason string) {
	if publisher == nil {
		return
	}
	publishFailure(context.WithoutCancel(ctx), publisher, logger, deploymentID, reason)
}

// publishFailure emits the contractual failure message plus the typed failed
// status event.
func publishFailure(ctx context.Context, publisher EventPublisher, logger *slog.Logger, deploymentID, reason string) {
	if publisher == nil {
		return
	}
	message := logstream.FailurePrefix + ": " + reason
	events := []logstream.Event{
		{
			DeploymentID: deploymentID,
			Message:      message,
			Level:        domain.LevelError,
		},
		{
			DeploymentID: deploymentID,
			Message:      message,
			Level:        domain.LevelError,
			EventType:    logstream.EventTypeStatus,
			Status:       logstream.StatusFailed,
		},
	}
	for _, event := range events {
		if err := publisher.Publish(ctx, event); err != nil && logger != nil {
			logger.Warn("log publish failed", "deployment_id", deploymentID, "error", err)
		}
	}
}

func (a *Agent) emit(ctx context.Context, level, message string) {
	a.publish(ctx, logstream.Event{
		DeploymentID: a.cfg.DeploymentID,
		Message:      message,
		Level:        level,
	})
}

func (a *Agent) publish(ctx context.Context, event logstream.Event) {
	if a.publisher == nil {
		return
	}
	if err := a.publisher.Publish(ctx, event); err != nil {
		a.logger.Warn("log publish failed", "deployment_id", a.cfg.DeploymentID, "error", err)
	}
}

// findOutputDir returns the first existing recognized output directory.
func findOutputDir(projectPath string) (string, bool) {
	for _, name := range outputDirs {
		dir := filepath.Join(projectPath, name)
		info, err := os.Stat(dir)
		if err == nil && info.IsDir() {
			return dir, true
		}
	}
	return "", false
}

// parseEnvOverrides decodes the JSON-serialized user overrides from the
// environment contract into KEY=VALUE form.
func parseEnvOverrides(serialized string) ([]string, error) {
	if serialized == "" {
		return nil, nil
	}
	var overrides []domain.EnvVar
	if err := json.Unmarshal([]byte(serialized), &overrides); err != nil {
		return nil, fmt.Errorf("decode env overrides: %w", err)
	}
	env := make([]string, 0, len(overrides))
	for _, override := range overrides {
		if override.Key == "" {
			continue
		}
		env = append(env, override.Key+"="+override.Value)
	}
	return env, nil
}
