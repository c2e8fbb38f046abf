package pwsh

import (
	"bufio"
	"encoding/base64"
	"io"
	"log/slog"
	"strings"
	"sync"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// reply is what the fake shell does with one wrapped command.
type reply struct {
	out   string
	psErr string
	wait  <-chan struct{} // block before answering
	exit  bool            // terminate the shell instead of answering
}

// fakeShell speaks the marker protocol over in-memory pipes. It handles its
// input strictly in order, like the real shell does.
type fakeShell struct {
	inR  *io.PipeReader
	inW  *io.PipeWriter
	outR *io.PipeReader
	outW *io.PipeWriter
	errR *io.PipeReader
	errW *io.PipeWriter

	handle func(cmd string) reply

	mu       sync.Mutex
	lines    []string
	commands []string

	once sync.Once
	done chan struct{}
}

func newFakeShell(handle func(cmd string) reply) *fakeShell {
	if handle == nil {
		handle = func(string) reply { return reply{} }
	}
	f := &fakeShell{handle: handle, done: make(chan struct{})}
	f.inR, f.inW = io.Pipe()
	f.outR, f.outW = io.Pipe()
	f.errR, f.errW = io.Pipe()
	go f.run()
	return f
}

func (f *fakeShell) run() {
	defer f.stop()
	sc := bufio.NewScanner(f.inR)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		f.mu.Lock()
		f.lines = append(f.lines, line)
		f.mu.Unlock()

		if line == "exit" {
			return
		}
		if cmd, marker, ok := parseWrapped(line); ok {
			f.mu.Lock()
			f.commands = append(f.commands, cmd)
			f.mu.Unlock()

			r := f.handle(cmd)
			if r.wait != nil {
				<-r.wait
			}
			if r.exit {
				return
			}
			var b strings.Builder
			if r.out != "" {
				b.WriteString(r.out + "\n")
			}
			if r.psErr != "" {
				b.WriteString(ErrorSentinel + " " + r.psErr + "\n")
			}
			b.WriteString(marker + "\n")
			f.outW.Write([]byte(b.String()))
			continue
		}
		if marker, ok := parseEcho(line); ok {
			f.outW.Write([]byte(marker + "\n"))
		}
	}
}

// parseWrapped recovers the command text and marker from a wrapped line.
func parseWrapped(line string) (cmd, marker string, ok bool) {
	const head = "try { . ([ScriptBlock]::Create([Text.Encoding]::UTF8.GetString([Convert]::FromBase64String('"
	const payloadEnd = "')))) } catch { Write-Output \"" + ErrorSentinel
	rest, found := strings.CutPrefix(line, head)
	if !found {
		return "", "", false
	}
	encoded, tail, found := strings.Cut(rest, payloadEnd)
	if !found {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", false
	}
	j := strings.LastIndex(tail, "Write-Output '")
	if j < 0 || !strings.HasSuffix(tail, "'") {
		return "", "", false
	}
	return string(raw), tail[j+len("Write-Output '") : len(tail)-1], true
}

func parseEcho(line string) (string, bool) {
	if !strings.HasPrefix(line, "Write-Output '") || !strings.HasSuffix(line, "'") {
		return "", false
	}
	return line[len("Write-Output '") : len(line)-1], true
}

func (f *fakeShell) stop() {
	f.once.Do(func() {
		f.inR.Close()
		f.outW.Close()
		f.errW.Close()
		close(f.done)
	})
}

// Commands returns the unwrapped commands received so far.
func (f *fakeShell) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// Lines returns every raw input line received so far.
func (f *fakeShell) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func (f *fakeShell) Stdin() io.WriteCloser { return f.inW }
func (f *fakeShell) Stdout() io.Reader     { return f.outR }
func (f *fakeShell) Stderr() io.Reader     { return f.errR }
func (f *fakeShell) Pid() int              { return 0 }

func (f *fakeShell) Wait() error {
	<-f.done
	return nil
}

func (f *fakeShell) Kill() error {
	f.stop()
	return nil
}

var _ Process = (*fakeShell)(nil)
