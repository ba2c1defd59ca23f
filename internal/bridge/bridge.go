// Package bridge owns the link to the race firmware. A single reader
// goroutine drains the link, merges telemetry into the car table and hands
// everything else to listeners. Commands borrow the next few lines the reader
// sees through a short-lived response window.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/shaunagostinho/olr-bridge/internal/link"
	"github.com/shaunagostinho/olr-bridge/internal/protocol"
	"github.com/shaunagostinho/olr-bridge/internal/race"
)

var (
	// ErrNotConnected is returned when no link is open.
	ErrNotConnected = errors.New("bridge: not connected")
	// ErrInvalidToken is returned for empty tokens or tokens that would
	// break line framing.
	ErrInvalidToken = errors.New("bridge: invalid command token")
	// ErrBusy is returned when the reader does not take a command in time.
	ErrBusy = errors.New("bridge: reader busy")
)

// Config holds the command and polling timings.
type Config struct {
	SettleDelay      time.Duration // Wait after writing a command
	ResponseAttempts int           // Lines a command may collect
	AttemptInterval  time.Duration // Max wait per line
	PollInterval     time.Duration // Reader sleep between drains
	ProbeGap         time.Duration // Pause between cars in TestCars
}

// DefaultConfig returns the timings the firmware is known to work with.
func DefaultConfig() Config {
	return Config{
		SettleDelay:      50 * time.Millisecond,
		ResponseAttempts: 5,
		AttemptInterval:  20 * time.Millisecond,
		PollInterval:     50 * time.Millisecond,
		ProbeGap:         500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SettleDelay < 0 {
		c.SettleDelay = def.SettleDelay
	}
	if c.ResponseAttempts <= 0 {
		c.ResponseAttempts = def.ResponseAttempts
	}
	if c.AttemptInterval <= 0 {
		c.AttemptInterval = def.AttemptInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.ProbeGap < 0 {
		c.ProbeGap = def.ProbeGap
	}
	return c
}

// Listener receives decoded device output. Calls come from the reader
// goroutine and must not block.
type Listener interface {
	Telemetry(s protocol.Sample)
	Line(line string)
}

// Status is a point-in-time view of the bridge.
type Status struct {
	Connected bool   `json:"connected"`
	Port      string `json:"port"`
	Polling   bool   `json:"polling"`
	LastError string `json:"lastError,omitempty"`
	Samples   int64  `json:"samples"`
	Lines     int64  `json:"lines"`
}

// Result is one command and what the device answered.
type Result struct {
	Command  string `json:"command"`
	Response string `json:"response"`
}

const (
	readBufSize     = 256
	summaryInterval = 10 * time.Second

	// A drain cycle stops after this many bytes or this long, whichever
	// comes first, so a device that never goes quiet cannot starve commands.
	maxDrainBytes = 4096
	drainBudget   = 100 * time.Millisecond

	// syncTimeout bounds how long Send waits for the reader to flush.
	syncTimeout = time.Second
)

// Bridge connects front ends to the device.
type Bridge struct {
	cfg  Config
	cars *race.Table
	open link.Opener

	lifeMu sync.Mutex // serializes Connect/Disconnect
	mu     sync.Mutex
	conn   *conn

	cmdMu sync.Mutex // one command window at a time
	winMu sync.Mutex
	win   *window

	lmu       sync.RWMutex
	listeners []Listener

	lastErr atomic.Error
	samples atomic.Int64
	lines   atomic.Int64
}

// New creates a bridge. Nothing is opened until Connect.
func New(cfg Config, cars *race.Table, open link.Opener, listeners ...Listener) *Bridge {
	if cars == nil {
		cars = race.NewTable()
	}
	return &Bridge{
		cfg:       cfg.withDefaults(),
		cars:      cars,
		open:      open,
		listeners: listeners,
	}
}

// AddListener registers l for all future output.
func (b *Bridge) AddListener(l Listener) {
	b.lmu.Lock()
	b.listeners = append(b.listeners, l)
	b.lmu.Unlock()
}

// Cars returns a snapshot of the car table.
func (b *Bridge) Cars() [protocol.NumCars]race.CarState {
	return b.cars.Snapshot()
}

// Table returns the car table the bridge writes to.
func (b *Bridge) Table() *race.Table { return b.cars }

// Connect opens port and starts the reader. An open link is closed first.
func (b *Bridge) Connect(port string) error {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()

	b.disconnect()

	l, err := b.open(port)
	if err != nil {
		err = fmt.Errorf("bridge: connect %s: %w", port, err)
		b.lastErr.Store(err)
		return err
	}
	// Drop whatever the board printed while booting.
	if err := l.ResetInputBuffer(); err != nil {
		log.Printf("[bridge] reset input buffer: %v", err)
	}

	name := port
	if name == "" {
		name = l.Name()
	}
	c := newConn(l, name)

	b.mu.Lock()
	b.conn = c
	b.mu.Unlock()
	b.lastErr.Store(nil)

	go b.readLoop(c)
	log.Printf("[bridge] connected to %s", name)
	return nil
}

// Disconnect stops the reader and closes the link. It is a no-op when
// nothing is open.
func (b *Bridge) Disconnect() error {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()
	return b.disconnect()
}

// Close releases the link on shutdown.
func (b *Bridge) Close() error {
	return b.Disconnect()
}

func (b *Bridge) disconnect() error {
	b.mu.Lock()
	c := b.conn
	b.conn = nil
	b.mu.Unlock()
	if c == nil {
		return nil
	}

	err := c.shutdown()
	<-c.done
	log.Printf("[bridge] disconnected from %s", c.port)
	return err
}

// Status reports the connection state and counters.
func (b *Bridge) Status() Status {
	st := Status{
		Samples: b.samples.Load(),
		Lines:   b.lines.Load(),
	}
	if c := b.current(); c != nil {
		st.Connected = true
		st.Port = c.port
		st.Polling = c.polling.Load()
	}
	if err := b.lastErr.Load(); err != nil {
		st.LastError = err.Error()
	}
	return st
}

func (b *Bridge) current() *conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn
}

// Send writes token and collects what the device answers within the settle
// delay plus ResponseAttempts bounded waits. An empty response is not an
// error. A reset token also clears the car table.
func (b *Bridge) Send(ctx context.Context, token string) (string, error) {
	if b.current() == nil {
		return "", ErrNotConnected
	}
	if token == "" || strings.ContainsAny(token, "\r\n") {
		return "", fmt.Errorf("%w: %q", ErrInvalidToken, token)
	}

	b.cmdMu.Lock()
	defer b.cmdMu.Unlock()

	c := b.current()
	if c == nil {
		return "", ErrNotConnected
	}

	// Route anything already buffered to the normal path before the window
	// opens, so stale output is not taken as this command's answer.
	if err := c.sync(ctx, syncTimeout); err != nil {
		return "", err
	}

	w := b.openWindow()
	defer b.closeWindow()

	if _, err := c.l.Write([]byte(token + "\n")); err != nil {
		if b.current() != c {
			// Disconnected under us; the write hit a closed link.
			return "", fmt.Errorf("bridge: write %q: %w: %w", token, ErrNotConnected, err)
		}
		err = fmt.Errorf("bridge: write %q: %w", token, err)
		b.fail(c, err)
		return "", err
	}
	c.wake()

	if token == protocol.TokenReset {
		b.cars.ResetAll()
	}

	if err := sleepCtx(ctx, b.cfg.SettleDelay); err != nil {
		return "", err
	}

	var resp []string
	timer := time.NewTimer(b.cfg.AttemptInterval)
	defer timer.Stop()
	for i := 0; i < b.cfg.ResponseAttempts; i++ {
		timer.Reset(b.cfg.AttemptInterval)
		select {
		case line := <-w.lines:
			if line != "" {
				resp = append(resp, line)
			}
		case <-timer.C:
		case <-ctx.Done():
			return strings.Join(resp, "\n"), ctx.Err()
		}
	}
	return strings.Join(resp, "\n"), nil
}

// ApplySpeed validates sc and sends its three config tokens.
func (b *Bridge) ApplySpeed(ctx context.Context, sc protocol.SpeedConfig) ([]Result, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return b.sendAll(ctx, sc.Tokens(), 0)
}

// SelectTrack sends the ramp/track token for layout n.
func (b *Bridge) SelectTrack(ctx context.Context, n int) (Result, error) {
	tok, err := protocol.TrackToken(n)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	resp, err := b.Send(ctx, tok)
	if err != nil {
		return Result{}, err
	}
	return Result{Command: tok, Response: resp}, nil
}

// TestCars starts a race and accelerates every car once, pausing ProbeGap
// between cars so each answer can be told apart.
func (b *Bridge) TestCars(ctx context.Context) ([]Result, error) {
	tokens := []string{protocol.TokenGo}
	for car := 1; car <= protocol.NumCars; car++ {
		tok, err := protocol.AccelerateToken(car)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
	}
	return b.sendAll(ctx, tokens, b.cfg.ProbeGap)
}

func (b *Bridge) sendAll(ctx context.Context, tokens []string, gap time.Duration) ([]Result, error) {
	results := make([]Result, 0, len(tokens))
	for i, tok := range tokens {
		if i > 0 && gap > 0 {
			if err := sleepCtx(ctx, gap); err != nil {
				return results, err
			}
		}
		resp, err := b.Send(ctx, tok)
		if err != nil {
			return results, err
		}
		results = append(results, Result{Command: tok, Response: resp})
	}
	return results, nil
}

// readLoop is the only reader of c.l.
func (b *Bridge) readLoop(c *conn) {
	defer close(c.done)
	defer c.polling.Store(false)
	c.polling.Store(true)

	var (
		fr       protocol.Framer
		buf      = make([]byte, readBufSize)
		acks     []chan struct{}
		seen     int64
		lastSumm = time.Now()
	)
	timer := time.NewTimer(b.cfg.PollInterval)
	defer timer.Stop()

	defer func() {
		if n := fr.Pending(); n > 0 {
			log.Printf("[bridge] %s: dropped %d bytes of partial line", c.port, n)
		}
	}()

	for {
		before := b.samples.Load()
		_, more, err := b.drain(c.l, &fr, buf)
		seen += b.samples.Load() - before

		for _, ack := range acks {
			close(ack)
		}
		acks = acks[:0]

		if err != nil {
			b.fail(c, err)
			return
		}

		if since := time.Since(lastSumm); since >= summaryInterval {
			if seen > 0 {
				log.Printf("[bridge] telemetry: %d samples in %s", seen, since.Round(time.Second))
			}
			seen = 0
			lastSumm = time.Now()
		}

		if more {
			// Still streaming: take pending requests and go straight back.
			select {
			case <-c.stop:
				return
			case ack := <-c.flush:
				acks = append(acks, ack)
			default:
			}
			continue
		}

		timer.Reset(b.cfg.PollInterval)
		select {
		case <-c.stop:
			return
		case ack := <-c.flush:
			acks = append(acks, ack)
		case <-c.kick:
		case <-timer.C:
		}
	}
}

// drain reads until the link goes quiet and dispatches every complete line.
// It returns the number of lines dispatched and whether it stopped on the
// cycle budget with data possibly still waiting.
func (b *Bridge) drain(l link.Link, fr *protocol.Framer, buf []byte) (int, bool, error) {
	var (
		total int
		got   int
		start = time.Now()
	)
	for {
		n, err := l.Read(buf)
		if n > 0 {
			got += n
			for _, frame := range fr.Push(buf[:n]) {
				b.dispatch(protocol.DecodeLine(frame))
				total++
			}
		}
		if err != nil {
			return total, false, err
		}
		if n == 0 {
			return total, false, nil
		}
		if got >= maxDrainBytes || time.Since(start) >= drainBudget {
			return total, true, nil
		}
	}
}

// dispatch routes one decoded line. Telemetry always reaches the car table
// and listeners. Lines inside a command window go to the command; other
// non-empty lines go to the log sink.
func (b *Bridge) dispatch(line string) {
	sample, isTelemetry := protocol.ParseTelemetry(line)
	if isTelemetry {
		b.cars.Merge(sample)
		b.samples.Inc()
		b.notify(func(l Listener) { l.Telemetry(sample) })
	}

	if b.deliver(line) || isTelemetry || line == "" {
		return
	}

	b.logLine(line)
}

// logLine is the generic sink for device output nobody asked for.
func (b *Bridge) logLine(line string) {
	b.lines.Inc()
	log.Printf("[device] %s", line)
	b.notify(func(l Listener) { l.Line(line) })
}

func (b *Bridge) notify(fn func(Listener)) {
	b.lmu.RLock()
	defer b.lmu.RUnlock()
	for _, l := range b.listeners {
		fn(l)
	}
}

// fail handles a transport-fatal error on c. Errors on a link that was
// already replaced or closed on purpose are dropped.
func (b *Bridge) fail(c *conn, err error) {
	b.mu.Lock()
	current := b.conn == c
	if current {
		b.conn = nil
	}
	b.mu.Unlock()
	if !current {
		return
	}

	b.lastErr.Store(err)
	c.shutdown()
	log.Printf("[bridge] link %s failed: %v", c.port, err)
	b.notify(func(l Listener) { l.Line(fmt.Sprintf("link %s lost: %v", c.port, err)) })
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
