// Package supervisor launches and monitors one external transcode process
// per stream session: continuous stderr draining, non-blocking liveness
// polls, and graceful-then-forced termination of the whole process group.
package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pvolkov/streamrelay/internal/ffmpeg"
)

// OutputHandler receives output lines from the subprocess. Implementations
// can feed metrics, event buses, etc.
type OutputHandler interface {
	HandleLine(source, line string)
}

// LogParser extracts the log level and message from a process output line.
type LogParser func(line string) (level, msg string)

// Status is the result of a liveness poll.
type Status struct {
	Alive    bool
	ExitCode int
}

// Supervisor manages the lifecycle of one transcode subprocess. A Supervisor
// is single-use: once the process exits it is not restarted.
type Supervisor struct {
	streamID      int
	command       string
	logger        *slog.Logger
	processLogger *slog.Logger // logger for process output (nil = use logger)
	logParser     LogParser    // parses process output for log level (nil = no parsing)
	outputHandler OutputHandler

	settleInterval  time.Duration // wait before the post-launch liveness poll
	gracefulTimeout time.Duration // timeout for graceful shutdown before force kill
	killTimeout     time.Duration // timeout after SIGKILL before giving up

	cmd      *exec.Cmd
	tail     *tailBuffer
	outputWG sync.WaitGroup // joined once both output streams are drained

	mu       sync.Mutex
	started  bool
	done     chan struct{} // closed when Wait returns
	exitCode int
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithSettleInterval overrides the post-launch settle interval.
func WithSettleInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.settleInterval = d }
}

// WithTimeouts overrides the graceful and kill timeouts.
func WithTimeouts(graceful, kill time.Duration) Option {
	return func(s *Supervisor) { s.gracefulTimeout = graceful; s.killTimeout = kill }
}

// WithOutputHandler registers a handler for every drained output line.
func WithOutputHandler(h OutputHandler) Option {
	return func(s *Supervisor) { s.outputHandler = h }
}

// New creates a supervisor for the given command. The command is launched by
// Start, not here.
func New(streamID int, command string, logger *slog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		streamID:        streamID,
		command:         command,
		logger:          logger,
		settleInterval:  500 * time.Millisecond,
		gracefulTimeout: 5 * time.Second,
		killTimeout:     5 * time.Second,
		tail:            newTailBuffer(20),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetLogParser sets a dedicated logger and level parser for process output.
func (s *Supervisor) SetLogParser(logger *slog.Logger, parser LogParser) {
	s.processLogger = logger
	s.logParser = parser
}

// Command returns the command string the supervisor was built with.
func (s *Supervisor) Command() string {
	return s.command
}

// PID returns the subprocess pid, or 0 before Start.
func (s *Supervisor) PID() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Start launches the subprocess, begins draining its output, waits the
// settle interval and performs one liveness poll. An immediate exit is
// reported as an error carrying the last diagnostic lines; the drain
// goroutines are joined before returning in that case.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already started")
	}
	s.started = true
	s.mu.Unlock()

	args, err := ffmpeg.ParseCommand(s.command)
	if err != nil {
		return fmt.Errorf("failed to parse command: %w", err)
	}
	if len(args) == 0 {
		return fmt.Errorf("empty command")
	}

	s.cmd = exec.Command(args[0], args[1:]...)
	// Own process group so Stop can signal helpers the tool spawns.
	// Stdin is left nil: exec connects it to /dev/null, so the process
	// cannot deadlock waiting for input nobody writes.
	s.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := s.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := s.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start process: %w", err)
	}

	s.logger.Info("Process started", "stream_id", s.streamID, "pid", s.cmd.Process.Pid)

	s.outputWG.Add(2)
	go func() {
		defer s.outputWG.Done()
		s.drainOutput(stdout, "stdout")
	}()
	go func() {
		defer s.outputWG.Done()
		s.drainOutput(stderr, "stderr")
	}()

	go func() {
		err := s.cmd.Wait()
		s.mu.Lock()
		s.exitCode = exitCodeFromError(err)
		s.mu.Unlock()
		close(s.done)
	}()

	time.Sleep(s.settleInterval)

	if status := s.Poll(); !status.Alive {
		s.waitOutputDone()
		tail := s.tail.Lines()
		s.logger.Error("Process exited immediately",
			"stream_id", s.streamID, "exit_code", status.ExitCode)
		return &LaunchError{ExitCode: status.ExitCode, Diagnostics: tail}
	}

	return nil
}

// Poll reports liveness without blocking. Valid at any time after Start.
func (s *Supervisor) Poll() Status {
	select {
	case <-s.done:
		s.mu.Lock()
		code := s.exitCode
		s.mu.Unlock()
		return Status{Alive: false, ExitCode: code}
	default:
		return Status{Alive: true}
	}
}

// Stop terminates the process group: SIGTERM, wait up to grace, then SIGKILL.
// It always waits for the final exit status so no zombie is left behind, and
// is a no-op for a process that already exited. Safe to call more than once.
func (s *Supervisor) Stop(grace time.Duration) {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}

	select {
	case <-s.done:
		// Already reaped.
		s.waitOutputDone()
		return
	default:
	}

	s.signalGroup(syscall.SIGTERM)

	select {
	case <-s.done:
	case <-time.After(grace):
		s.logger.Warn("Graceful shutdown timeout, forcing kill",
			"stream_id", s.streamID, "grace", grace)
		s.signalGroup(syscall.SIGKILL)
		select {
		case <-s.done:
		case <-time.After(s.killTimeout):
			s.logger.Error("Process did not exit after kill signal", "stream_id", s.streamID)
		}
	}

	s.waitOutputDone()
}

// TailLines returns the most recent diagnostic output lines.
func (s *Supervisor) TailLines() []string {
	return s.tail.Lines()
}

// Done returns a channel closed when the process has been reaped.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// signalGroup signals the whole process group. Signal failures are
// swallowed: the group being gone already is the desired outcome.
func (s *Supervisor) signalGroup(sig syscall.Signal) {
	pid := s.cmd.Process.Pid
	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		s.logger.Warn("Failed to signal process group",
			"stream_id", s.streamID, "signal", sig, "error", err)
	}
}

// waitOutputDone joins both drain goroutines. Safe to call repeatedly.
func (s *Supervisor) waitOutputDone() {
	s.outputWG.Wait()
}

// drainOutput reads the stream line-by-line for the process's entire
// lifetime. Skipping this would fill the OS pipe buffer and stall the
// external process.
func (s *Supervisor) drainOutput(reader io.Reader, source string) {
	scanner := bufio.NewScanner(reader)

	logger := s.processLogger
	if logger == nil {
		logger = s.logger
	}

	for scanner.Scan() {
		line := scanner.Text()
		s.tail.Add(line)

		if s.outputHandler != nil {
			s.outputHandler.HandleLine(source, line)
		}

		level, msg := "info", line
		if s.logParser != nil {
			level, msg = s.logParser(line)
		}

		switch level {
		case "fatal", "error":
			logger.Error(msg)
		case "warning":
			logger.Warn(msg)
		case "debug", "trace", "verbose":
			logger.Debug(msg)
		default:
			logger.Info(msg)
		}
	}

	if err := scanner.Err(); err != nil {
		s.logger.Warn("Error reading process output", "source", source, "error", err)
	}
}

// exitCodeFromError extracts the exit code from a Wait error: 0 for nil,
// the real code for ExitError, 1 otherwise.
func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}

// LaunchError reports a process that exited during the settle interval.
type LaunchError struct {
	ExitCode    int
	Diagnostics []string
}

func (e *LaunchError) Error() string {
	if len(e.Diagnostics) == 0 {
		return fmt.Sprintf("process exited immediately with code %d", e.ExitCode)
	}
	return fmt.Sprintf("process exited immediately with code %d: %s",
		e.ExitCode, strings.Join(e.Diagnostics, "; "))
}
