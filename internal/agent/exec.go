package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/berth-dev/berth/internal/buildcmd"
	"github.com/berth-dev/berth/internal/domain"
)

const maxLogLineBytes = 1024 * 1024

// runSequence executes each step in order with a strict success dependency:
// a later step does not run if an earlier one failed. A command that cannot
// start is treated like a failed command, not a pipeline crash, so the
// driver still gets to inspect whatever output exists.
func (a *Agent) runSequence(ctx context.Context, sequence buildcmd.Sequence, dir string, extraEnv []string) (int, error) {
	for _, step := range sequence.Steps {
		a.emit(ctx, domain.LevelInfo, "Running build command: "+strings.Join(step.Argv, " "))
		code, err := a.runStep(ctx, step.Argv, dir, extraEnv)
		if err != nil {
			return 0, err
		}
		if code != 0 && len(step.Fallback) > 0 {
			if ctx.Err() != nil {
				return code, nil
			}
			a.emit(ctx, domain.LevelWarn, "Primary command failed, falling back to: "+strings.Join(step.Fallback, " "))
			code, err = a.runStep(ctx, step.Fallback, dir, extraEnv)
			if err != nil {
				return 0, err
			}
		}
		if code != 0 {
			return code, nil
		}
	}
	return 0, nil
}

// runStep starts one child process and forwards every stdout line as an INFO
// event and every stderr line as an ERROR event, in arrival order per stream.
func (a *Agent) runStep(ctx context.Context, argv []string, dir string, extraEnv []string) (int, error) {
	if len(argv) == 0 {
		return 0, nil
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), extraEnv...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("attach stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("attach stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		// Missing build tool behaves like a failed build step.
		a.emit(ctx, domain.LevelError, fmt.Sprintf("Command %s failed to start: %v", argv[0], err))
		return 127, nil
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.forwardLines(ctx, stdout, domain.LevelInfo)
	}()
	go func() {
		defer wg.Done()
		a.forwardLines(ctx, stderr, domain.LevelError)
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 0, fmt.Errorf("wait for command %s: %w", argv[0], err)
	}
	return cmd.ProcessState.ExitCode(), nil
}

// forwardLines streams one pipe line-by-line without buffering the full
// stream in memory. Ordering within the stream is preserved.
func (a *Agent) forwardLines(ctx context.Context, r io.Reader, level string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLogLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		a.emit(ctx, level, line)
	}
	if err := scanner.Err(); err != nil {
		a.logger.Warn("build output stream ended abnormally", "deployment_id", a.cfg.DeploymentID, "error", err)
	}
}
