package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// Compute invokes the downstream calculation as an isolated
// sub-process: <command> --uuid <id> --db-path <store file>. The
// process reads the job row and the raw-data cache itself; the only
// contract back is its exit code.
type Compute struct {
	command string
	dbPath  string
	log     *slog.Logger
}

// NewCompute creates the runner. dbPath must be absolute, the
// sub-process resolves it from its own working directory.
func NewCompute(command, dbPath string) *Compute {
	return &Compute{
		command: command,
		dbPath:  dbPath,
		log:     slog.Default().With("component", "compute"),
	}
}

// Run executes the compute step for one job and blocks until it exits.
// A non-zero exit comes back as an error carrying the exit code.
func (c *Compute) Run(ctx context.Context, jobID string) error {
	cmd := exec.CommandContext(ctx, c.command, "--uuid", jobID, "--db-path", c.dbPath)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("compute stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("compute stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", c.command, err)
	}
	c.log.Info("compute started", "job", jobID, "pid", cmd.Process.Pid)

	// Relay both streams line by line, tagged with the job.
	var wg sync.WaitGroup
	wg.Add(2)
	go c.relay(&wg, jobID, "stdout", stdout)
	go c.relay(&wg, jobID, "stderr", stderr)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("compute exited with code %d", exitErr.ExitCode())
		}
		return fmt.Errorf("compute failed: %w", err)
	}
	c.log.Info("compute finished", "job", jobID)
	return nil
}

func (c *Compute) relay(wg *sync.WaitGroup, jobID, stream string, r io.Reader) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		c.log.Info("compute output", "job", jobID, "stream", stream, "line", line)
	}
}
