package capture

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recap/internal/common"
)

// Recorder opens capture sessions on the platform
type Recorder interface {
	Open(ctx context.Context) (Session, error)
}

// Session records one segment at a time. Errors delivers asynchronous failures of the
// running segment and is closed by Close.
type Session interface {
	StartSegment(path string) error
	FinishSegment() error
	Errors() <-chan error
	Close() error
}

const outputPlaceholder = "{output}"

// CommandRecorder runs an external capture command (ffmpeg by default) once per segment.
// Encoding and display selection live entirely in the configured arguments.
type CommandRecorder struct {
	command     string
	args        []string
	stopTimeout time.Duration
	logger      arbor.ILogger
}

// NewCommandRecorder creates a recorder from the capture config
func NewCommandRecorder(config *common.CaptureConfig, logger arbor.ILogger) *CommandRecorder {
	return &CommandRecorder{
		command:     config.Command,
		args:        config.Args,
		stopTimeout: 5 * time.Second,
		logger:      logger,
	}
}

// Open verifies the capture command is available
func (r *CommandRecorder) Open(ctx context.Context) (Session, error) {
	path, err := exec.LookPath(r.command)
	if err != nil {
		return nil, NewCaptureError(CodeRecorderUnavailable, "capture command %q not found: %v", r.command, err)
	}
	if !containsPlaceholder(r.args) {
		return nil, NewCaptureError(CodeRecorderUnavailable, "capture args must contain %s", outputPlaceholder)
	}

	r.logger.Debug().Str("path", path).Msg("Capture command resolved")

	return &commandSession{
		path:        path,
		args:        r.args,
		stopTimeout: r.stopTimeout,
		errs:        make(chan error, 4),
		logger:      r.logger,
	}, nil
}

type commandSession struct {
	path        string
	args        []string
	stopTimeout time.Duration
	errs        chan error
	logger      arbor.ILogger

	mu        sync.Mutex
	cmd       *exec.Cmd
	output    string
	stderr    *bytes.Buffer
	done      chan error
	finishing bool
	closed    bool
}

func (s *commandSession) StartSegment(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return NewCaptureError(CodeInterrupted, "session closed")
	}
	if s.cmd != nil {
		return fmt.Errorf("segment already running")
	}

	args := make([]string, len(s.args))
	for i, a := range s.args {
		args[i] = strings.ReplaceAll(a, outputPlaceholder, path)
	}

	stderr := &bytes.Buffer{}
	cmd := exec.Command(s.path, args...)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return NewCaptureError(CodeRecorderUnavailable, "failed to start capture command: %v", err)
	}

	s.logger.Trace().
		Int("pid", cmd.Process.Pid).
		Str("output", path).
		Msg("Capture segment started")

	done := make(chan error, 1)
	s.cmd = cmd
	s.output = path
	s.stderr = stderr
	s.done = done
	s.finishing = false

	go s.wait(cmd, done)
	return nil
}

// wait reports an exit that was not requested by FinishSegment as a session error
func (s *commandSession) wait(cmd *exec.Cmd, done chan error) {
	err := cmd.Wait()
	done <- err

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != cmd || s.finishing || s.closed {
		return
	}
	// errs is only closed under mu, so the send cannot race Close
	select {
	case s.errs <- exitError(err, s.stderr.String()):
	default:
	}
}

// FinishSegment interrupts the command so it can finalize the file, killing it after the timeout
func (s *commandSession) FinishSegment() error {
	s.mu.Lock()
	cmd, done, output := s.cmd, s.done, s.output
	if cmd == nil {
		s.mu.Unlock()
		return nil
	}
	s.finishing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.cmd = nil
		s.mu.Unlock()
	}()

	pid := cmd.Process.Pid
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		s.logger.Debug().Err(err).Int("pid", pid).Msg("Failed to send interrupt signal")
	}

	select {
	case <-done:
	case <-time.After(s.stopTimeout):
		s.logger.Warn().Int("pid", pid).Msg("Capture command did not exit, terminating")
		if err := cmd.Process.Kill(); err != nil {
			return NewCaptureError(CodeTimeout, "failed to kill capture command (pid %d): %v", pid, err)
		}
		<-done
	}

	// ffmpeg exits non-zero when interrupted; the written file is what matters
	info, err := os.Stat(output)
	if err != nil || info.Size() == 0 {
		return NewCaptureError(CodeStreamStalled, "segment %s was not written", output)
	}
	return nil
}

func (s *commandSession) Errors() <-chan error {
	return s.errs
}

func (s *commandSession) Close() error {
	if err := s.FinishSegment(); err != nil {
		s.logger.Debug().Err(err).Msg("Segment incomplete at session close")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.errs)
	}
	return nil
}

// exitError maps an unexpected capture command exit to an error code
func exitError(err error, stderr string) *CaptureError {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "permission denied"), strings.Contains(lower, "not authorized"):
		return NewCaptureError(CodePermissionDenied, "%s", lastLine(stderr))
	case strings.Contains(lower, "open display"), strings.Contains(lower, "display changed"):
		return NewCaptureError(CodeDisplayReconfigured, "%s", lastLine(stderr))
	case strings.Contains(lower, "timed out"), strings.Contains(lower, "timeout"):
		return NewCaptureError(CodeTimeout, "%s", lastLine(stderr))
	default:
		msg := lastLine(stderr)
		if msg == "" && err != nil {
			msg = err.Error()
		}
		return NewCaptureError(CodeInterrupted, "capture command exited: %s", msg)
	}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "\n"); i >= 0 {
		return s[i+1:]
	}
	return s
}

func containsPlaceholder(args []string) bool {
	for _, a := range args {
		if strings.Contains(a, outputPlaceholder) {
			return true
		}
	}
	return false
}
