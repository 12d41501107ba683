package compose

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// maxStderrLines bounds the stderr tail attached to command errors.
const maxStderrLines = 20

// ErrCommandFailed is returned when the compose binary exits unsuccessfully.
var ErrCommandFailed = errors.New("compose command failed")

// CommandError carries the failing invocation and the tail of its stderr.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: %s (exit %d)", ErrCommandFailed, e.Command, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *CommandError) Unwrap() []error {
	return []error{ErrCommandFailed, e.Err}
}

// CLIConfig selects the compose binary and project.
type CLIConfig struct {
	// Binary is the command prefix; defaults to "docker compose".
	Binary  []string
	Project string
	File    string
	WorkDir string
	// Env is appended to the current process environment.
	Env []string
}

// CLIRunner implements Runner by executing the compose CLI.
type CLIRunner struct {
	cfg     CLIConfig
	logger  *slog.Logger
	metrics CommandMetrics
	tracing EnvInjector
}

// NewCLIRunner creates a runner for the given project. metrics and tracing may be nil.
func NewCLIRunner(cfg CLIConfig, logger *slog.Logger, metrics CommandMetrics, tracing EnvInjector) (*CLIRunner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Binary) == 0 {
		cfg.Binary = []string{"docker", "compose"}
	}
	if cfg.Project == "" {
		return nil, fmt.Errorf("compose project name cannot be empty")
	}
	if cfg.File == "" {
		return nil, fmt.Errorf("compose file cannot be empty")
	}

	return &CLIRunner{
		cfg:     cfg,
		logger:  logger.With("project", cfg.Project),
		metrics: metrics,
		tracing: tracing,
	}, nil
}

// Up starts services detached.
func (r *CLIRunner) Up(ctx context.Context, services ...string) error {
	args := append([]string{"up", "--detach", "--remove-orphans"}, services...)
	_, err := r.run(ctx, nil, args...)
	return err
}

// Down removes the project. Anonymous volumes go too when removeVolumes is set.
func (r *CLIRunner) Down(ctx context.Context, removeVolumes bool) error {
	args := []string{"down", "--remove-orphans"}
	if removeVolumes {
		args = append(args, "--volumes")
	}
	_, err := r.run(ctx, nil, args...)
	return err
}

// Start starts existing containers.
func (r *CLIRunner) Start(ctx context.Context, services ...string) error {
	_, err := r.run(ctx, nil, append([]string{"start"}, services...)...)
	return err
}

// Stop stops running containers without removing them.
func (r *CLIRunner) Stop(ctx context.Context, services ...string) error {
	_, err := r.run(ctx, nil, append([]string{"stop"}, services...)...)
	return err
}

// Restart restarts containers.
func (r *CLIRunner) Restart(ctx context.Context, services ...string) error {
	_, err := r.run(ctx, nil, append([]string{"restart"}, services...)...)
	return err
}

// Remove deletes service containers, stopping them first.
func (r *CLIRunner) Remove(ctx context.Context, removeVolumes bool, services ...string) error {
	args := []string{"rm", "--stop", "--force"}
	if removeVolumes {
		args = append(args, "--volumes")
	}
	_, err := r.run(ctx, nil, append(args, services...)...)
	return err
}

// PS lists every container of the project.
func (r *CLIRunner) PS(ctx context.Context) ([]ServiceState, error) {
	out, err := r.run(ctx, nil, "ps", "--all", "--format", "json")
	if err != nil {
		return nil, err
	}
	return ParsePS(out)
}

// Logs copies service output to w.
func (r *CLIRunner) Logs(ctx context.Context, w io.Writer, service string, tail int) error {
	args := []string{"logs", "--no-color"}
	if tail > 0 {
		args = append(args, "--tail", strconv.Itoa(tail))
	}
	if service != "" {
		args = append(args, service)
	}
	_, err := r.run(ctx, w, args...)
	return err
}

func (r *CLIRunner) baseArgs() []string {
	args := append([]string(nil), r.cfg.Binary[1:]...)
	return append(args, "--project-name", r.cfg.Project, "--file", r.cfg.File)
}

// run executes one compose subcommand. stdout is captured unless w is set;
// stderr is streamed into the logger and its tail kept for errors.
func (r *CLIRunner) run(ctx context.Context, w io.Writer, args ...string) ([]byte, error) {
	sub := args[0]
	full := append(r.baseArgs(), args...)

	cmd := exec.CommandContext(ctx, r.cfg.Binary[0], full...)
	if r.cfg.WorkDir != "" {
		cmd.Dir = r.cfg.WorkDir
	}

	env := append(os.Environ(), r.cfg.Env...)
	if r.tracing != nil {
		env = r.tracing.InjectProcessEnv(ctx, env)
	}
	cmd.Env = env

	var stdout bytes.Buffer
	if w != nil {
		cmd.Stdout = w
	} else {
		cmd.Stdout = &stdout
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	start := time.Now()
	r.logger.Debug("Running compose", "command", sub, "args", args[1:])
	if err := cmd.Start(); err != nil {
		r.record(sub, false, time.Since(start))
		return nil, fmt.Errorf("failed to start %s: %w", r.cfg.Binary[0], err)
	}

	tail := r.scanStderr(sub, stderr)
	err = cmd.Wait()
	elapsed := time.Since(start)
	r.record(sub, err == nil, elapsed)

	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		r.logger.Error("Compose command failed", "command", sub, "exit_code", exitCode, "error", err)
		return nil, &CommandError{
			Command:  sub,
			ExitCode: exitCode,
			Stderr:   strings.Join(tail, "\n"),
			Err:      err,
		}
	}

	r.logger.Debug("Compose command finished", "command", sub, "elapsed", elapsed)
	return stdout.Bytes(), nil
}

func (r *CLIRunner) scanStderr(sub string, stderr io.Reader) []string {
	var tail []string
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		r.logger.Debug("Compose output", "command", sub, "output", line)
		tail = append(tail, line)
		if len(tail) > maxStderrLines {
			tail = tail[1:]
		}
	}
	return tail
}

func (r *CLIRunner) record(sub string, ok bool, d time.Duration) {
	if r.metrics != nil {
		r.metrics.RecordCommand(sub, ok, d)
	}
}
