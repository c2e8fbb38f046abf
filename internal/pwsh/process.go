package pwsh

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
	"strings"
	"sync"
)

// Process is a running interactive shell with piped standard streams.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	Pid() int
	// Wait blocks until the process exits. Stdout and Stderr reach EOF once Wait returns.
	Wait() error
	Kill() error
}

// Spawner starts the session's shell process.
type Spawner func(ctx context.Context) (Process, error)

// ExecSpawner returns a Spawner that runs binary with args as a child process.
// The child is not bound to the spawn context: it lives until Shutdown.
func ExecSpawner(binary string, args ...string) Spawner {
	return func(ctx context.Context) (Process, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cmd := exec.Command(binary, args...)
		cmd.Env = os.Environ()

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		outR, outW := io.Pipe()
		errR, errW := io.Pipe()
		cmd.Stdout = outW
		cmd.Stderr = errW

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start %s: %w", binary, err)
		}
		return &execProcess{cmd: cmd, stdin: stdin, outR: outR, outW: outW, errR: errR, errW: errW}, nil
	}
}

type execProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	outR  *io.PipeReader
	outW  *io.PipeWriter
	errR  *io.PipeReader
	errW  *io.PipeWriter
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.outR }
func (p *execProcess) Stderr() io.Reader     { return p.errR }
func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	p.outW.Close()
	p.errW.Close()
	return err
}

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// forwardLines logs every line read from r until EOF. After a line too long
// to scan it keeps draining r unlogged, so the writer never blocks.
func forwardLines(r io.Reader, logger *slog.Logger, source string) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		logger.Info(line, "source", source)
	}
	if err := sc.Err(); err != nil {
		logger.Warn("stopped logging stream, discarding the rest", "source", source, "err", err)
		io.Copy(io.Discard, r)
	}
}

// lineLogger is an io.Writer that logs each complete line it receives.
type lineLogger struct {
	logger  *slog.Logger
	source  string
	mu      sync.Mutex
	pending []byte
}

func newLineLogger(logger *slog.Logger, source string) *lineLogger {
	return &lineLogger{logger: logger, source: source}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, p...)
	for {
		i := bytes.IndexByte(l.pending, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(l.pending[:i]), "\r")
		l.pending = l.pending[i+1:]
		if line != "" {
			l.logger.Info(line, "source", l.source)
		}
	}
	return len(p), nil
}
