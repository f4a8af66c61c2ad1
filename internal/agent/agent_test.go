package agent

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/berth-dev/berth/internal/buildcmd"
	"github.com/berth-dev/berth/internal/config"
	"github.com/berth-dev/berth/internal/domain"
	"github.com/berth-dev/berth/internal/logstream"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []logstream.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, event logstream.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) snapshot() []logstream.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]logstream.Event(nil), p.events...)
}

func (p *recordingPublisher) last() logstream.Event {
	events := p.snapshot()
	if len(events) == 0 {
		return logstream.Event{}
	}
	return events[len(events)-1]
}

type memoryStore struct {
	mu   sync.Mutex
	keys []string
}

func (s *memoryStore) Put(ctx context.Context, key, filePath, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	return nil
}

func newTestAgent(t *testing.T, cfg config.AgentConfig) (*Agent, *recordingPublisher, *memoryStore) {
	t.Helper()
	publisher := &recordingPublisher{}
	store := &memoryStore{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, publisher, store, logger), publisher, store
}

func baseConfig(root string) config.AgentConfig {
	return config.AgentConfig{
		Repo:            "app",
		DeploymentID:    "dep-1",
		ProjectRoot:     root,
		BuildTimeout:    time.Minute,
		UploadBatchSize: 5,
	}
}

func makeProject(t *testing.T, root string, files map[string]string) string {
	t.Helper()
	projectPath := filepath.Join(root, "app")
	if err := os.MkdirAll(projectPath, 0o755); err != nil {
		t.Fatalf("mkdir project: %v", err)
	}
	for name, content := range files {
		full := filepath.Join(projectPath, name)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", name, err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return projectPath
}

func TestRunStaticProjectSkipsBuildAndSucceeds(t *testing.T) {
	root := t.TempDir()
	makeProject(t, root, map[string]string{"index.html": "<html></html>"})

	agent, publisher, store := newTestAgent(t, baseConfig(root))
	if err := agent.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	events := publisher.snapshot()
	var skips int
	for _, event := range events {
		if event.Message == "No build command detected. Skipping build." {
			skips++
			if event.Level != domain.LevelWarn {
				t.Fatalf("skip event should be WARN, got %s", event.Level)
			}
		}
	}
	if skips != 1 {
		t.Fatalf("expected exactly one skip event, got %d", skips)
	}

	last := publisher.last()
	if last.EventType != logstream.EventTypeStatus || last.Status != logstream.StatusSucceeded {
		t.Fatalf("expected terminal success status event, got %+v", last)
	}
	if last.Message != logstream.SuccessPhrase {
		t.Fatalf("unexpected status message: %q", last.Message)
	}
	if len(store.keys) != 0 {
		t.Fatalf("static project should not upload artifacts, got %v", store.keys)
	}
}

func TestRunFailsWhenNoOutputDirExists(t *testing.T) {
	root := t.TempDir()
	makeProject(t, root, map[string]string{"pom.xml": "<project></project>"})

	agent, publisher, _ := newTestAgent(t, baseConfig(root))
	err := agent.Run(context.Background())
	if err == nil {
		t.Fatalf("expected run to fail without an output directory")
	}

	last := publisher.last()
	if last.EventType != logstream.EventTypeStatus || last.Status != logstream.StatusFailed {
		t.Fatalf("expected terminal failure status event, got %+v", last)
	}
	if !strings.HasPrefix(last.Message, logstream.FailurePrefix) {
		t.Fatalf("failure message must carry the failure prefix, got %q", last.Message)
	}
	if !strings.Contains(last.Message, "No dist, build, or target folder found") {
		t.Fatalf("unexpected failure reason: %q", last.Message)
	}
}

func TestRunUploadsOutputAndCleansUp(t *testing.T) {
	root := t.TempDir()
	projectPath := makeProject(t, root, map[string]string{
		"pom.xml":         "<project></project>",
		"dist/index.html": "<html></html>",
	})

	agent, publisher, store := newTestAgent(t, baseConfig(root))
	if err := agent.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(store.keys) != 1 || store.keys[0] != "__outputs/dep-1/index.html" {
		t.Fatalf("unexpected uploaded keys: %v", store.keys)
	}
	if _, err := os.Stat(filepath.Join(projectPath, "dist")); !os.IsNotExist(err) {
		t.Fatalf("output directory should be removed after upload")
	}

	var sawExit bool
	for _, event := range publisher.snapshot() {
		if strings.HasPrefix(event.Message, "Build process exited with code") {
			sawExit = true
		}
	}
	if !sawExit {
		t.Fatalf("expected a build exit event")
	}
	last := publisher.last()
	if last.Status != logstream.StatusSucceeded {
		t.Fatalf("expected success status, got %+v", last)
	}
}

func TestRunSequenceStopsAfterFailedStep(t *testing.T) {
	agent, publisher, _ := newTestAgent(t, baseConfig(t.TempDir()))
	sequence := buildcmd.Sequence{Steps: []buildcmd.Step{
		{Argv: []string{"sh", "-c", "echo first; exit 3"}},
		{Argv: []string{"sh", "-c", "echo second"}},
	}}

	code, err := agent.runSequence(context.Background(), sequence, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("run sequence: %v", err)
	}
	if code != 3 {
		t.Fatalf("expected exit code 3, got %d", code)
	}
	for _, event := range publisher.snapshot() {
		if event.Message == "second" {
			t.Fatalf("later step must not run after a failed step")
		}
	}
}

func TestRunSequenceFallbackAfterStartFailure(t *testing.T) {
	agent, publisher, _ := newTestAgent(t, baseConfig(t.TempDir()))
	sequence := buildcmd.Sequence{Steps: []buildcmd.Step{{
		Argv:     []string{"definitely-not-a-real-binary-9f2"},
		Fallback: []string{"sh", "-c", "echo fallback ran"},
	}}}

	code, err := agent.runSequence(context.Background(), sequence, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("run sequence: %v", err)
	}
	if code != 0 {
		t.Fatalf("expected fallback to succeed, got exit code %d", code)
	}

	var sawFallbackOutput bool
	for _, event := range publisher.snapshot() {
		if event.Message == "fallback ran" {
			sawFallbackOutput = true
		}
	}
	if !sawFallbackOutput {
		t.Fatalf("expected fallback command output to be forwarded")
	}
}

func TestRunStepForwardsStreamsWithLevels(t *testing.T) {
	agent, publisher, _ := newTestAgent(t, baseConfig(t.TempDir()))

	code, err := agent.runStep(context.Background(), []string{"sh", "-c", "echo out; echo err 1>&2; exit 4"}, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("run step: %v", err)
	}
	if code != 4 {
		t.Fatalf("expected exit code 4, got %d", code)
	}

	var sawOut, sawErr bool
	for _, event := range publisher.snapshot() {
		switch event.Message {
		case "out":
			sawOut = true
			if event.Level != domain.LevelInfo {
				t.Fatalf("stdout should be INFO, got %s", event.Level)
			}
		case "err":
			sawErr = true
			if event.Level != domain.LevelError {
				t.Fatalf("stderr should be ERROR, got %s", event.Level)
			}
		}
	}
	if !sawOut || !sawErr {
		t.Fatalf("expected both streams forwarded, out=%v err=%v", sawOut, sawErr)
	}
}

func TestRunStepMissingBinaryBehavesLikeExit127(t *testing.T) {
	agent, _, _ := newTestAgent(t, baseConfig(t.TempDir()))

	code, err := agent.runStep(context.Background(), []string{"definitely-not-a-real-binary-9f2"}, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("start failure must not be a pipeline error: %v", err)
	}
	if code != 127 {
		t.Fatalf("expected exit code 127, got %d", code)
	}
}

func TestRunStepHonorsDeadline(t *testing.T) {
	agent, _, _ := newTestAgent(t, baseConfig(t.TempDir()))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := agent.runStep(ctx, []string{"sh", "-c", "sleep 10"}, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("run step: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("deadline not enforced, step took %s", elapsed)
	}
	if ctx.Err() != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", ctx.Err())
	}
}

// brokerPublisher refuses publishes once the passed context is dead, the way
// a real broker client would.
type brokerPublisher struct {
	recordingPublisher
}

func (p *brokerPublisher) Publish(ctx context.Context, event logstream.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.recordingPublisher.Publish(ctx, event)
}

func TestRunInterruptedByCancellationStillReportsFailure(t *testing.T) {
	root := t.TempDir()
	makeProject(t, root, map[string]string{"pom.xml": "<project></project>"})

	publisher := &brokerPublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	agent := New(baseConfig(root), publisher, &memoryStore{}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := agent.Run(ctx)
	if err == nil {
		t.Fatalf("expected run to fail when its context is canceled")
	}
	if !strings.Contains(err.Error(), "build interrupted") {
		t.Fatalf("unexpected run error: %v", err)
	}

	last := publisher.last()
	if last.EventType != logstream.EventTypeStatus || last.Status != logstream.StatusFailed {
		t.Fatalf("terminal failure status must land despite the dead context, got %+v", last)
	}
	if !strings.HasPrefix(last.Message, logstream.FailurePrefix) {
		t.Fatalf("failure message must carry the failure prefix, got %q", last.Message)
	}
	if !strings.Contains(last.Message, "build interrupted") {
		t.Fatalf("unexpected failure reason: %q", last.Message)
	}
}

func TestReportLaunchFailureEmitsTerminalEvents(t *testing.T) {
	publisher := &brokerPublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ReportLaunchFailure(ctx, publisher, logger, "dep-7", "object store unavailable")

	events := publisher.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected a log event plus a status event, got %d", len(events))
	}
	for _, event := range events {
		if event.DeploymentID != "dep-7" {
			t.Fatalf("unexpected deployment id: %q", event.DeploymentID)
		}
		if event.Level != domain.LevelError {
			t.Fatalf("launch failure must be ERROR, got %s", event.Level)
		}
		if !strings.HasPrefix(event.Message, logstream.FailurePrefix) {
			t.Fatalf("failure message must carry the failure prefix, got %q", event.Message)
		}
		if !strings.Contains(event.Message, "object store unavailable") {
			t.Fatalf("unexpected failure reason: %q", event.Message)
		}
	}
	if events[1].EventType != logstream.EventTypeStatus || events[1].Status != logstream.StatusFailed {
		t.Fatalf("expected terminal failed status event, got %+v", events[1])
	}
}

func TestParseEnvOverrides(t *testing.T) {
	env, err := parseEnvOverrides(`[{"key":"API_URL","value":"http://x"},{"key":"","value":"dropped"}]`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(env) != 1 || env[0] != "API_URL=http://x" {
		t.Fatalf("unexpected env: %v", env)
	}

	if env, err := parseEnvOverrides(""); err != nil || env != nil {
		t.Fatalf("empty overrides should be a no-op, got %v %v", env, err)
	}

	if _, err := parseEnvOverrides("{not json"); err == nil {
		t.Fatalf("expected error for malformed overrides")
	}
}
