package pwsh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"dlmdiag/internal/domain"
)

const (
	defaultCommandTimeout = 180 * time.Second
	defaultResyncTimeout  = 30 * time.Second
	defaultMaxOutputBytes = 8 << 20
	readChunkSize         = 32 * 1024

	truncatedNote = "... (output truncated)\n"
)

// ChannelOptions tunes a Channel. Zero values select defaults.
type ChannelOptions struct {
	CommandTimeout time.Duration
	ResyncTimeout  time.Duration
	MaxOutputBytes int
}

// Channel frames request/reply exchanges over a shell's raw stdin/stdout.
// Every request carries a fresh marker; the reply is everything printed
// before that marker appears. One request is in flight at a time.
type Channel struct {
	stdin  io.Writer
	opts   ChannelOptions
	logger *slog.Logger

	// slot is a one-element semaphore held for the whole of a request.
	slot chan struct{}
	// dirty is set when a request gave up before its marker arrived. Guarded by slot.
	dirty bool
	// lastWrite is closed when the most recent stdin write returns. Guarded by slot.
	lastWrite chan struct{}

	mu        sync.Mutex
	buf       []byte
	base      int64 // stream offset of buf[0]
	truncated bool
	eolDue    bool          // the line break after a consumed marker has not arrived yet
	notify    chan struct{} // closed and replaced whenever buf grows or the stream ends
	readErr   error
}

// NewChannel starts reading stdout in the background and returns the channel.
func NewChannel(stdin io.Writer, stdout io.Reader, opts ChannelOptions, logger *slog.Logger) *Channel {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	if opts.ResyncTimeout <= 0 {
		opts.ResyncTimeout = defaultResyncTimeout
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = defaultMaxOutputBytes
	}
	c := &Channel{
		stdin:  stdin,
		opts:   opts,
		logger: logger,
		slot:   make(chan struct{}, 1),
		notify: make(chan struct{}),
	}
	go c.readLoop(stdout)
	return c
}

func (c *Channel) readLoop(r io.Reader) {
	chunk := make([]byte, readChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			c.mu.Lock()
			c.buf = append(c.buf, chunk[:n]...)
			if c.eolDue {
				c.dropEOLLocked()
			}
			if over := len(c.buf) - c.opts.MaxOutputBytes; over > 0 {
				// Drop at least half the cap so a steady stream is not copied on every read.
				drop := max(over, c.opts.MaxOutputBytes/2)
				c.buf = c.buf[:copy(c.buf, c.buf[drop:])]
				c.base += int64(drop)
				c.truncated = true
			}
			c.broadcastLocked()
			c.mu.Unlock()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = domain.ErrSessionExited
			} else {
				err = fmt.Errorf("%w: read stdout: %v", domain.ErrSessionExited, err)
			}
			c.mu.Lock()
			c.readErr = err
			c.broadcastLocked()
			c.mu.Unlock()
			return
		}
	}
}

func (c *Channel) broadcastLocked() {
	close(c.notify)
	c.notify = make(chan struct{})
}

// ExecRaw sends one command and returns the trimmed text printed before its
// marker. A zero timeout selects the channel default. The shell's own error
// sentinel is passed through untouched.
func (c *Channel) ExecRaw(ctx context.Context, command string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = c.opts.CommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.acquire(ctx); err != nil {
		return "", err
	}
	defer c.release()

	if c.dirty {
		if err := c.resync(ctx); err != nil {
			return "", err
		}
	}

	marker := newMarker(endMarkerPrefix)
	if err := c.write(ctx, WrapCommand(command, marker)); err != nil {
		return "", c.abandon(err, timeout)
	}
	c.logger.Debug("command sent", "marker", marker, "chars", len(command))

	out, err := c.waitFor(ctx, marker)
	if err != nil {
		return "", c.abandon(err, timeout)
	}
	return out, nil
}

// Probe echoes a fresh marker and waits for it, proving the shell reads stdin.
func (c *Channel) Probe(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	marker := newMarker(readyMarkerPrefix)
	if err := c.write(ctx, echoLine(marker)); err != nil {
		return c.abandon(err, timeout)
	}
	if _, err := c.waitFor(ctx, marker); err != nil {
		return c.abandon(err, timeout)
	}
	return nil
}

// resync discards everything the shell prints up to a fresh sync marker. The
// shell runs its input in order, so late output of an abandoned request lands
// before the sync marker and is dropped with it.
func (c *Channel) resync(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ResyncTimeout)
	defer cancel()

	marker := newMarker(syncMarkerPrefix)
	var stale string
	err := c.write(ctx, echoLine(marker))
	if err == nil {
		stale, err = c.waitFor(ctx, marker)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: previous command still running (resync)", domain.ErrChannelTimeout)
		}
		return err
	}
	c.dirty = false
	c.logger.Info("channel resynchronised", "discarded_bytes", len(stale))
	return nil
}

// abandon marks the channel dirty after a request stopped waiting for its
// marker and maps the wait error to the channel's error taxonomy.
func (c *Channel) abandon(err error, timeout time.Duration) error {
	if errors.Is(err, domain.ErrSessionExited) {
		return err
	}
	c.dirty = true
	if errors.Is(err, context.DeadlineExceeded) {
		c.logger.Warn("command timed out, channel will resync", "timeout", timeout)
		return fmt.Errorf("%w after %s", domain.ErrChannelTimeout, timeout)
	}
	return err
}

func (c *Channel) acquire(ctx context.Context) error {
	select {
	case c.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrBusy, ctx.Err())
	}
}

func (c *Channel) release() { <-c.slot }

// write sends script to stdin and gives up when ctx ends. A write that was
// given up on keeps going in the background; the next write waits behind it,
// so scripts reach the shell whole and in order.
func (c *Channel) write(ctx context.Context, script string) error {
	prev, done := c.lastWrite, make(chan struct{})
	c.lastWrite = done
	result := make(chan error, 1)
	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		_, err := io.WriteString(c.stdin, script)
		result <- err
	}()

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("%w: write stdin: %v", domain.ErrSessionExited, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitFor blocks until marker shows up in the buffer, then returns the text
// before it and drops everything through the marker. Only bytes that arrived
// since the last look are scanned, plus enough overlap to catch a marker split
// across reads.
func (c *Channel) waitFor(ctx context.Context, marker string) (string, error) {
	m := []byte(marker)
	var scanned int64 // stream offset already searched

	for {
		c.mu.Lock()
		start := scanned - c.base - int64(len(m)-1)
		if start < 0 {
			start = 0
		}
		if idx := bytes.Index(c.buf[start:], m); idx >= 0 {
			end := int(start) + idx
			out := string(c.buf[:end])
			truncated := c.truncated

			consumed := end + len(m)
			c.buf = append(c.buf[:0:0], c.buf[consumed:]...)
			c.base += int64(consumed)
			c.truncated = false
			c.dropEOLLocked()
			c.mu.Unlock()

			out = strings.TrimSpace(out)
			if truncated {
				out = truncatedNote + out
			}
			return out, nil
		}
		scanned = c.base + int64(len(c.buf))
		wait := c.notify
		readErr := c.readErr
		c.mu.Unlock()

		if readErr != nil {
			return "", readErr
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// dropEOLLocked drops the line break that ends a marker line. When the buffer
// runs out first, the break is still due and the next read drops it.
func (c *Channel) dropEOLLocked() {
	n := 0
	if n < len(c.buf) && c.buf[n] == '\r' {
		n++
	}
	if n < len(c.buf) && c.buf[n] == '\n' {
		n++
		c.eolDue = false
	} else {
		c.eolDue = n == len(c.buf)
	}
	c.buf = c.buf[n:]
	c.base += int64(n)
}

// Buffered reports how many unconsumed bytes are held.
func (c *Channel) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}
