package bridge

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/shaunagostinho/olr-bridge/internal/link"
	"github.com/shaunagostinho/olr-bridge/internal/protocol"
)

// conn is one open link and the reader goroutine attached to it.
type conn struct {
	l    link.Link
	port string

	stop  chan struct{}      // closed to stop the reader
	done  chan struct{}      // closed when the reader has exited
	kick  chan struct{}      // wakes the reader early
	flush chan chan struct{} // asks the reader for a drain, acked by close

	polling atomic.Bool
	once    sync.Once
	err     error
}

func newConn(l link.Link, port string) *conn {
	return &conn{
		l:     l,
		port:  port,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		kick:  make(chan struct{}, 1),
		flush: make(chan chan struct{}),
	}
}

// shutdown stops the reader and closes the link, once.
func (c *conn) shutdown() error {
	c.once.Do(func() {
		close(c.stop)
		c.err = c.l.Close()
	})
	return c.err
}

func (c *conn) wake() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// sync returns once the reader has drained everything received so far, or
// with ErrBusy after timeout.
func (c *conn) sync(ctx context.Context, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()

	ack := make(chan struct{})
	select {
	case c.flush <- ack:
	case <-c.done:
		return ErrNotConnected
	case <-t.C:
		return ErrBusy
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-c.done:
		return ErrNotConnected
	case <-t.C:
		return ErrBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

// window collects the lines that answer one command.
type window struct {
	lines chan string
	left  int
}

func (b *Bridge) openWindow() *window {
	w := &window{
		lines: make(chan string, b.cfg.ResponseAttempts),
		left:  b.cfg.ResponseAttempts,
	}
	b.winMu.Lock()
	b.win = w
	b.winMu.Unlock()
	return w
}

// closeWindow ends the command window. Lines it took that the command never
// read go to the log sink.
func (b *Bridge) closeWindow() {
	b.winMu.Lock()
	defer b.winMu.Unlock()
	w := b.win
	b.win = nil
	if w == nil {
		return
	}
	for {
		select {
		case line := <-w.lines:
			if line != "" && !protocol.IsTelemetry(line) {
				b.logLine(line)
			}
		default:
			return
		}
	}
}

// deliver hands line to the open window, if it still wants lines.
func (b *Bridge) deliver(line string) bool {
	b.winMu.Lock()
	defer b.winMu.Unlock()
	w := b.win
	if w == nil || w.left == 0 {
		return false
	}
	w.left--
	w.lines <- line
	return true
}
