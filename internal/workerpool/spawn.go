package workerpool

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

// SpawnCommand describes the subprocess to launch for one worker.
type SpawnCommand struct {
	Runtime    string
	Module     string
	InstanceID string
	ConfigJSON string
	LogPath    string
}

// Args renders the worker command line after the runtime binary.
func (c SpawnCommand) Args() []string {
	return []string{
		"-m", c.Module,
		"--instance-id", c.InstanceID,
		"--protocol", "json_stdio",
		"--config", c.ConfigJSON,
	}
}

// Handle is a live worker subprocess as the pool sees it: a stdin writer, a
// stream of stdout lines, and signal control. Tests substitute an in-process
// implementation.
type Handle interface {
	// OSPid returns the operating system process id, 0 when not applicable.
	OSPid() int
	// WriteLine writes one line-delimited message to the worker's stdin.
	WriteLine(data []byte) error
	// Lines streams stdout lines. The channel closes when stdout closes.
	Lines() <-chan []byte
	// Signal delivers sig to the process.
	Signal(sig os.Signal) error
	// Kill forcibly terminates the process.
	Kill() error
	// Running reports whether the process has not yet exited.
	Running() bool
	// AwaitExit blocks until the process exits or the timeout elapses.
	AwaitExit(timeout time.Duration) bool
}

// Spawner launches worker subprocesses. The default implementation execs the
// configured runtime.
type Spawner interface {
	Spawn(ctx context.Context, cmd SpawnCommand) (Handle, error)
}

// ExecSpawner launches real OS subprocesses.
type ExecSpawner struct{}

func (ExecSpawner) Spawn(ctx context.Context, sc SpawnCommand) (Handle, error) {
	cmd := exec.CommandContext(ctx, sc.Runtime, sc.Args()...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if sc.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(sc.LogPath), 0o755); err == nil {
			if f, ferr := os.OpenFile(sc.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); ferr == nil {
				cmd.Stderr = f
			}
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", sc.Runtime, err)
	}

	h := &execHandle{
		cmd:    cmd,
		stdin:  stdin,
		lines:  make(chan []byte, 16),
		exited: make(chan struct{}),
	}

	go func() {
		defer close(h.lines)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			h.lines <- line
		}
	}()
	go func() {
		h.waitErr = cmd.Wait()
		if closer, ok := cmd.Stderr.(*os.File); ok {
			closer.Close()
		}
		close(h.exited)
	}()
	return h, nil
}

type execHandle struct {
	cmd     *exec.Cmd
	stdin   interface{ Write([]byte) (int, error) }
	writeMu sync.Mutex
	lines   chan []byte
	exited  chan struct{}
	waitErr error
}

func (h *execHandle) OSPid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *execHandle) WriteLine(data []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := h.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to worker stdin: %w", err)
	}
	return nil
}

func (h *execHandle) Lines() <-chan []byte { return h.lines }

func (h *execHandle) Signal(sig os.Signal) error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Signal(sig)
}

func (h *execHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

func (h *execHandle) Running() bool {
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

func (h *execHandle) AwaitExit(timeout time.Duration) bool {
	select {
	case <-h.exited:
		return true
	case <-time.After(timeout):
		return false
	}
}
