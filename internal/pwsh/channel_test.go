package pwsh

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"dlmdiag/internal/domain"
)

func newTestChannel(t *testing.T, opts ChannelOptions, handle func(string) reply) (*Channel, *fakeShell) {
	t.Helper()
	f := newFakeShell(handle)
	t.Cleanup(func() { f.Kill() })
	return NewChannel(f.Stdin(), f.Stdout(), opts, testLogger()), f
}

func TestChannel_ReturnsOutputBeforeMarker(t *testing.T) {
	ch, _ := newTestChannel(t, ChannelOptions{}, func(cmd string) reply {
		return reply{out: "  Identity : rule-1\r\n  Mode : Enforce  "}
	})

	out, err := ch.ExecRaw(context.Background(), "Get-RetentionComplianceRule", time.Second)
	if err != nil {
		t.Fatalf("ExecRaw: %v", err)
	}
	if out != "Identity : rule-1\r\n  Mode : Enforce" {
		t.Errorf("unexpected output %q", out)
	}
	if ch.Buffered() != 0 {
		t.Errorf("expected empty buffer after reply, got %d bytes", ch.Buffered())
	}
}

func TestChannel_EmptyOutput(t *testing.T) {
	ch, _ := newTestChannel(t, ChannelOptions{}, nil)

	out, err := ch.ExecRaw(context.Background(), "Get-Mailbox", time.Second)
	if err != nil {
		t.Fatalf("ExecRaw: %v", err)
	}
	if out != "" {
		t.Errorf("expected empty output, got %q", out)
	}
}

func TestChannel_PassesErrorSentinelThrough(t *testing.T) {
	ch, _ := newTestChannel(t, ChannelOptions{}, func(string) reply {
		return reply{psErr: "The term 'Get-Nope' is not recognized"}
	})

	out, err := ch.ExecRaw(context.Background(), "Get-Nope", time.Second)
	if err != nil {
		t.Fatalf("ExecRaw: %v", err)
	}
	if !strings.HasPrefix(out, ErrorSentinel) {
		t.Errorf("expected sentinel prefix, got %q", out)
	}
}

func TestChannel_SendsOneLinePerCommand(t *testing.T) {
	ch, f := newTestChannel(t, ChannelOptions{}, nil)

	cmd := "Get-RetentionCompliancePolicy |\n  Select-Object Name,\n  Mode"
	if _, err := ch.ExecRaw(context.Background(), cmd, time.Second); err != nil {
		t.Fatalf("ExecRaw: %v", err)
	}
	if lines := f.Lines(); len(lines) != 1 {
		t.Fatalf("expected one input line, got %q", lines)
	}
	if got := f.Commands(); len(got) != 1 || got[0] != cmd {
		t.Errorf("command text not delivered verbatim: %q", got)
	}
}

func TestChannel_CommentsDoNotSwallowFraming(t *testing.T) {
	tests := []struct {
		name string
		cmd  string
	}{
		{"trailing comment", "Get-Mailbox # all mailboxes"},
		{"comment inside pipeline", "Get-Mailbox # note\n| Select-Object Name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch, f := newTestChannel(t, ChannelOptions{}, func(cmd string) reply {
				return reply{out: "ran: " + cmd}
			})

			out, err := ch.ExecRaw(context.Background(), tt.cmd, time.Second)
			if err != nil {
				t.Fatalf("ExecRaw: %v", err)
			}
			if out != "ran: "+tt.cmd {
				t.Errorf("unexpected output %q", out)
			}
			// The session stays usable afterwards.
			if _, err := ch.ExecRaw(context.Background(), "Get-Date", time.Second); err != nil {
				t.Fatalf("follow-up ExecRaw: %v", err)
			}
			if got := f.Commands(); len(got) != 2 || got[0] != tt.cmd {
				t.Errorf("unexpected commands %q", got)
			}
		})
	}
}

func TestChannel_ConsumesLineBreakAfterMarker(t *testing.T) {
	pr, pw := io.Pipe()
	t.Cleanup(func() { pw.Close() })
	ch := NewChannel(discardWriter{}, pr, ChannelOptions{}, testLogger())

	// The marker and its line break arrive in separate reads.
	first := newMarker(endMarkerPrefix)
	go pw.Write([]byte("one\r\n" + first))
	out, err := ch.waitFor(context.Background(), first)
	if err != nil || out != "one" {
		t.Fatalf("waitFor = %q, %v", out, err)
	}
	second := newMarker(endMarkerPrefix)
	go pw.Write([]byte("\r\ntwo\n" + second + "\r\n"))
	out, err = ch.waitFor(context.Background(), second)
	if err != nil || out != "two" {
		t.Fatalf("waitFor = %q, %v", out, err)
	}
	if ch.Buffered() != 0 {
		t.Errorf("expected empty buffer, got %d bytes", ch.Buffered())
	}
}

func TestChannel_TimeoutThenResync(t *testing.T) {
	release := make(chan struct{})
	ch, _ := newTestChannel(t, ChannelOptions{}, func(cmd string) reply {
		if cmd == "Get-Slow" {
			return reply{out: "late output", wait: release}
		}
		return reply{out: "fresh " + cmd}
	})

	_, err := ch.ExecRaw(context.Background(), "Get-Slow", 50*time.Millisecond)
	if !errors.Is(err, domain.ErrChannelTimeout) {
		t.Fatalf("expected ErrChannelTimeout, got %v", err)
	}
	close(release)

	out, err := ch.ExecRaw(context.Background(), "Get-Date", 2*time.Second)
	if err != nil {
		t.Fatalf("ExecRaw after timeout: %v", err)
	}
	if out != "fresh Get-Date" {
		t.Errorf("stale output leaked into reply: %q", out)
	}
}

func TestChannel_ResyncTimeoutKeepsChannelDirty(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	ch, _ := newTestChannel(t, ChannelOptions{ResyncTimeout: 50 * time.Millisecond}, func(cmd string) reply {
		if cmd == "Get-Slow" {
			return reply{wait: release}
		}
		return reply{}
	})

	if _, err := ch.ExecRaw(context.Background(), "Get-Slow", 50*time.Millisecond); !errors.Is(err, domain.ErrChannelTimeout) {
		t.Fatalf("expected ErrChannelTimeout, got %v", err)
	}
	_, err := ch.ExecRaw(context.Background(), "Get-Date", time.Second)
	if !errors.Is(err, domain.ErrChannelTimeout) {
		t.Fatalf("expected ErrChannelTimeout from resync, got %v", err)
	}
	if !strings.Contains(err.Error(), "resync") {
		t.Errorf("expected resync in error, got %v", err)
	}
}

func TestChannel_BusyWhileCommandInFlight(t *testing.T) {
	release := make(chan struct{})
	ch, _ := newTestChannel(t, ChannelOptions{}, func(cmd string) reply {
		if cmd == "Get-Slow" {
			return reply{wait: release}
		}
		return reply{}
	})

	first := make(chan error, 1)
	go func() {
		_, err := ch.ExecRaw(context.Background(), "Get-Slow", 5*time.Second)
		first <- err
	}()

	// Wait for the first request to hold the slot.
	deadline := time.Now().Add(2 * time.Second)
	for len(ch.slot) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	_, err := ch.ExecRaw(context.Background(), "Get-Date", 50*time.Millisecond)
	if !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	close(release)
	if err := <-first; err != nil {
		t.Fatalf("first command: %v", err)
	}
}

func TestChannel_ConcurrentCallsAreSerialised(t *testing.T) {
	ch, _ := newTestChannel(t, ChannelOptions{}, func(cmd string) reply {
		return reply{out: "echo " + cmd}
	})

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cmd := fmt.Sprintf("Get-Mailbox -Identity %d", i)
			out, err := ch.ExecRaw(context.Background(), cmd, 5*time.Second)
			if err != nil {
				errs <- err
				return
			}
			if out != "echo "+cmd {
				errs <- fmt.Errorf("command %d got %q", i, out)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestChannel_TruncatesOversizedOutput(t *testing.T) {
	big := strings.Repeat("a", 300) + "TAIL"
	ch, _ := newTestChannel(t, ChannelOptions{MaxOutputBytes: 128}, func(string) reply {
		return reply{out: big}
	})

	out, err := ch.ExecRaw(context.Background(), "Get-Big", time.Second)
	if err != nil {
		t.Fatalf("ExecRaw: %v", err)
	}
	if !strings.HasPrefix(out, truncatedNote) {
		t.Errorf("expected truncation note, got %q", out)
	}
	if !strings.HasSuffix(out, "TAIL") {
		t.Errorf("expected the tail to survive, got %q", out)
	}

	// The flag is cleared once reported.
	out2, err := ch.ExecRaw(context.Background(), "Get-Big", time.Second)
	if err != nil {
		t.Fatalf("second ExecRaw: %v", err)
	}
	if !strings.HasPrefix(out2, truncatedNote) {
		t.Errorf("second oversized reply should be flagged too, got %q", out2)
	}
}

func TestChannel_ShellExit(t *testing.T) {
	ch, _ := newTestChannel(t, ChannelOptions{}, func(cmd string) reply {
		return reply{exit: true}
	})

	_, err := ch.ExecRaw(context.Background(), "Get-Mailbox", time.Second)
	if !errors.Is(err, domain.ErrSessionExited) {
		t.Fatalf("expected ErrSessionExited, got %v", err)
	}
	_, err = ch.ExecRaw(context.Background(), "Get-Mailbox", time.Second)
	if !errors.Is(err, domain.ErrSessionExited) {
		t.Fatalf("expected ErrSessionExited on later call, got %v", err)
	}
}

func TestChannel_StdinWriteIsTimeBoxed(t *testing.T) {
	// Nobody reads stdin, so the write blocks.
	_, stdin := io.Pipe()
	t.Cleanup(func() { stdin.Close() })
	ch := NewChannel(stdin, blockingReader{}, ChannelOptions{ResyncTimeout: 50 * time.Millisecond}, testLogger())

	begin := time.Now()
	_, err := ch.ExecRaw(context.Background(), "Get-Mailbox", 100*time.Millisecond)
	if !errors.Is(err, domain.ErrChannelTimeout) {
		t.Fatalf("expected ErrChannelTimeout, got %v", err)
	}
	if elapsed := time.Since(begin); elapsed > 2*time.Second {
		t.Errorf("ExecRaw returned after %s", elapsed)
	}

	// The stuck write leaves the channel dirty, so the next call resyncs and times out too.
	_, err = ch.ExecRaw(context.Background(), "Get-Date", time.Second)
	if !errors.Is(err, domain.ErrChannelTimeout) || !strings.Contains(err.Error(), "resync") {
		t.Fatalf("expected resync timeout, got %v", err)
	}
}

func TestChannel_WritesStayOrderedAfterTimeout(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	t.Cleanup(func() { stdinR.Close() })
	ch := NewChannel(stdinW, blockingReader{}, ChannelOptions{}, testLogger())

	if _, err := ch.ExecRaw(context.Background(), "Get-Mailbox", 30*time.Millisecond); !errors.Is(err, domain.ErrChannelTimeout) {
		t.Fatalf("expected ErrChannelTimeout, got %v", err)
	}
	if _, err := ch.ExecRaw(context.Background(), "Get-Date", 30*time.Millisecond); !errors.Is(err, domain.ErrChannelTimeout) {
		t.Fatalf("expected ErrChannelTimeout, got %v", err)
	}

	// Once the shell starts reading, the queued scripts arrive whole and in order.
	sc := bufio.NewScanner(stdinR)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !sc.Scan() {
		t.Fatal("no input line")
	}
	if cmd, _, ok := parseWrapped(sc.Text()); !ok || cmd != "Get-Mailbox" {
		t.Fatalf("first line = %q", sc.Text())
	}
	if !sc.Scan() {
		t.Fatal("no sync line")
	}
	if _, ok := parseEcho(sc.Text()); !ok || !strings.Contains(sc.Text(), syncMarkerPrefix) {
		t.Errorf("second line = %q, want the sync marker", sc.Text())
	}
}

func TestChannel_OverflowDropsHalfTheCap(t *testing.T) {
	pr, pw := io.Pipe()
	t.Cleanup(func() { pw.Close() })
	ch := NewChannel(discardWriter{}, pr, ChannelOptions{MaxOutputBytes: 1024}, testLogger())

	if _, err := pw.Write(bytes.Repeat([]byte("x"), 1025)); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for ch.Buffered() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := ch.Buffered(); got != 513 {
		t.Fatalf("Buffered() = %d after overflow, want 513", got)
	}

	line := strings.Repeat("y", 99) + "\n"
	for range 50 {
		if _, err := pw.Write([]byte(line)); err != nil {
			t.Fatalf("write: %v", err)
		}
		if got := ch.Buffered(); got > 1024 {
			t.Fatalf("buffer grew past the cap: %d", got)
		}
	}

	marker := newMarker(endMarkerPrefix)
	go pw.Write([]byte("TAIL\n" + marker + "\n"))
	out, err := ch.waitFor(context.Background(), marker)
	if err != nil {
		t.Fatalf("waitFor: %v", err)
	}
	if !strings.HasPrefix(out, truncatedNote) || !strings.HasSuffix(out, "TAIL") {
		t.Errorf("unexpected truncated reply %q", Truncate(out, 80))
	}
}

func TestChannel_Probe(t *testing.T) {
	ch, f := newTestChannel(t, ChannelOptions{}, nil)

	if err := ch.Probe(context.Background(), time.Second); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	lines := f.Lines()
	if len(lines) != 1 || !strings.Contains(lines[0], readyMarkerPrefix) {
		t.Errorf("unexpected probe input %q", lines)
	}
}

func TestChannel_ProbeTimeout(t *testing.T) {
	ch := NewChannel(discardWriter{}, blockingReader{}, ChannelOptions{}, testLogger())

	err := ch.Probe(context.Background(), 30*time.Millisecond)
	if !errors.Is(err, domain.ErrChannelTimeout) {
		t.Fatalf("expected ErrChannelTimeout, got %v", err)
	}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type blockingReader struct{}

func (blockingReader) Read([]byte) (int, error) { select {} }
