package cluster

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"go.uber.org/zap"
)

// Process is a handle on a live worker process
type Process interface {
	// PID returns the OS process identifier
	PID() int

	// Kill terminates the process unconditionally
	Kill() error

	// Wait blocks until the process exits and returns its exit code
	Wait() (int, error)
}

// Launcher spawns worker processes
type Launcher interface {
	Launch(ctx context.Context, workerID string) (Process, error)
}

// ExecLauncher launches workers by forking the worker binary. The worker
// reads its identity and the NATS URL from the environment.
type ExecLauncher struct {
	logger   *zap.Logger
	binPath  string
	natsURL  string
	extraEnv []string
}

// NewExecLauncher creates a launcher for the given worker binary
func NewExecLauncher(binPath, natsURL string, logger *zap.Logger) *ExecLauncher {
	return &ExecLauncher{
		logger:  logger.Named("launcher"),
		binPath: binPath,
		natsURL: natsURL,
	}
}

// Launch implements Launcher.Launch
func (l *ExecLauncher) Launch(ctx context.Context, workerID string) (Process, error) {
	cmd := exec.CommandContext(ctx, l.binPath)
	cmd.Env = append(os.Environ(),
		"CLUSTER_WORKER_ID="+workerID,
		"CLUSTER_NATS_URL="+l.natsURL,
	)
	cmd.Env = append(cmd.Env, l.extraEnv...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker process: %w", err)
	}

	l.logger.Info("Worker process started",
		zap.String("worker_id", workerID),
		zap.Int("pid", cmd.Process.Pid))

	return &execProcess{cmd: cmd}, nil
}

// execProcess wraps an exec.Cmd as a Process
type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}
