package compose

import (
	"context"
	"io"
	"time"
)

// Runner manages the lifecycle of a rendered compose project.
type Runner interface {
	// Up creates and starts the given services, or all of them when none are named.
	Up(ctx context.Context, services ...string) error

	// Down stops and removes the project's containers and network.
	Down(ctx context.Context, removeVolumes bool) error

	Start(ctx context.Context, services ...string) error
	Stop(ctx context.Context, services ...string) error
	Restart(ctx context.Context, services ...string) error

	// Remove stops and deletes the containers of the given services. With
	// removeVolumes their anonymous volumes are deleted as well.
	Remove(ctx context.Context, removeVolumes bool, services ...string) error

	// PS reports the state of every container in the project, including exited ones.
	PS(ctx context.Context) ([]ServiceState, error)

	// Logs copies the last tail lines of a service's output to w. A tail of
	// zero or less copies everything.
	Logs(ctx context.Context, w io.Writer, service string, tail int) error
}

// CommandMetrics records the outcome of compose invocations.
type CommandMetrics interface {
	RecordCommand(command string, ok bool, duration time.Duration)
}

// EnvInjector adds trace context to the environment of a child process.
type EnvInjector interface {
	InjectProcessEnv(ctx context.Context, env []string) []string
}
