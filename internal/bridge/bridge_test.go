package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/olr-bridge/internal/link"
	"github.com/shaunagostinho/olr-bridge/internal/protocol"
	"github.com/shaunagostinho/olr-bridge/internal/race"
)

// fakeLink is an in-memory device. reply decides what the device prints
// for each command line written to it.
type fakeLink struct {
	mu       sync.Mutex
	out      bytes.Buffer
	chunk    int
	writes   []string
	closed   bool
	readErr  error
	writeErr error
	reply    func(token string) string

	beforeWrite func() // runs outside the lock
}

func (f *fakeLink) Read(p []byte) (int, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, link.ErrClosed
	}
	if f.readErr != nil {
		err := f.readErr
		f.mu.Unlock()
		return 0, err
	}
	if f.out.Len() == 0 {
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	if f.chunk > 0 && len(p) > f.chunk {
		p = p[:f.chunk]
	}
	n, _ := f.out.Read(p)
	f.mu.Unlock()
	return n, nil
}

func (f *fakeLink) Write(p []byte) (int, error) {
	if f.beforeWrite != nil {
		f.beforeWrite()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, link.ErrClosed
	}
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	token := strings.TrimSuffix(string(p), "\n")
	f.writes = append(f.writes, token)
	if f.reply != nil {
		f.out.WriteString(f.reply(token))
	}
	return len(p), nil
}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeLink) ResetInputBuffer() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out.Reset()
	return nil
}

func (f *fakeLink) Name() string { return "fake" }

func (f *fakeLink) push(s string) {
	f.mu.Lock()
	f.out.WriteString(s)
	f.mu.Unlock()
}

func (f *fakeLink) setReadErr(err error) {
	f.mu.Lock()
	f.readErr = err
	f.mu.Unlock()
}

func (f *fakeLink) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

// streamLink never goes quiet: every read returns another debug line.
type streamLink struct {
	mu     sync.Mutex
	writes []string
	closed bool
}

func (s *streamLink) Read(p []byte) (int, error) {
	time.Sleep(100 * time.Microsecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, link.ErrClosed
	}
	return copy(p, "DBG tick\n"), nil
}

func (s *streamLink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, link.ErrClosed
	}
	s.writes = append(s.writes, strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

func (s *streamLink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *streamLink) ResetInputBuffer() error { return nil }
func (s *streamLink) Name() string            { return "stream" }

// recorder is a Listener that keeps everything it sees.
type recorder struct {
	mu      sync.Mutex
	samples []protocol.Sample
	lines   []string
}

func (r *recorder) Telemetry(s protocol.Sample) {
	r.mu.Lock()
	r.samples = append(r.samples, s)
	r.mu.Unlock()
}

func (r *recorder) Line(line string) {
	r.mu.Lock()
	r.lines = append(r.lines, line)
	r.mu.Unlock()
}

func (r *recorder) gotLines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func fastConfig() Config {
	return Config{
		SettleDelay:      2 * time.Millisecond,
		ResponseAttempts: 5,
		AttemptInterval:  20 * time.Millisecond,
		PollInterval:     2 * time.Millisecond,
		ProbeGap:         time.Millisecond,
	}
}

func opener(f *fakeLink) link.Opener {
	return func(string) (link.Link, error) { return f, nil }
}

func connected(t *testing.T, f *fakeLink, listeners ...Listener) *Bridge {
	t.Helper()
	b := New(fastConfig(), race.NewTable(), opener(f), listeners...)
	require.NoError(t, b.Connect("/dev/fake0"))
	t.Cleanup(func() { b.Close() })
	return b
}

func TestDrainBurstInOneCycle(t *testing.T) {
	f := &fakeLink{chunk: 7}
	var burst strings.Builder
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&burst, "p%dT%d,%d,%d\r\n", i%protocol.NumCars+1, i, i*3, 50-i)
	}
	f.push(burst.String())

	rec := &recorder{}
	b := New(fastConfig(), race.NewTable(), opener(f), rec)

	var fr protocol.Framer
	n, more, err := b.drain(f, &fr, make([]byte, readBufSize))
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, 10, n)
	assert.Equal(t, int64(10), b.Status().Samples)
	assert.Zero(t, fr.Pending())

	require.Len(t, rec.samples, 10)
	for i, s := range rec.samples {
		assert.Equal(t, protocol.Sample{Car: i % protocol.NumCars, Lap: i, Position: i * 3, Battery: 50 - i}, s)
	}

	// Car 1 saw laps 0, 4 and 8; the last one wins the current slot and the
	// smallest battery value is the best.
	c, _ := b.Table().Car(0)
	assert.Equal(t, 8, c.Lap)
	assert.Equal(t, 42, c.Time)
	assert.Equal(t, 42, c.Best)
	assert.Empty(t, rec.lines)
}

func TestDispatchRoutesPlainLines(t *testing.T) {
	rec := &recorder{}
	b := New(fastConfig(), race.NewTable(), nil, rec)

	b.dispatch("RESET ok")
	b.dispatch("pXT1,2")
	b.dispatch("")
	b.dispatch("p2T1,5,9")

	assert.Equal(t, []string{"RESET ok", "pXT1,2"}, rec.gotLines())
	require.Len(t, rec.samples, 1)
	assert.Equal(t, int64(2), b.Status().Lines)
	assert.Equal(t, int64(1), b.Status().Samples)
}

func TestSendNotConnected(t *testing.T) {
	b := New(fastConfig(), race.NewTable(), opener(&fakeLink{}))

	start := time.Now()
	_, err := b.Send(context.Background(), "g")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Less(t, time.Since(start), 10*time.Millisecond)

	// Checked before the token itself.
	_, err = b.Send(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSendAfterDisconnect(t *testing.T) {
	f := &fakeLink{}
	b := connected(t, f)
	require.NoError(t, b.Disconnect())
	require.NoError(t, b.Disconnect())

	_, err := b.Send(context.Background(), "s")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, f.written())
	assert.Empty(t, b.Status().LastError)
}

func TestSendRejectsBadTokens(t *testing.T) {
	b := connected(t, &fakeLink{})
	for _, tok := range []string{"", "g\n", "a\rb"} {
		_, err := b.Send(context.Background(), tok)
		assert.ErrorIs(t, err, ErrInvalidToken, "%q", tok)
	}
}

func TestSendCollectsResponse(t *testing.T) {
	f := &fakeLink{reply: func(token string) string {
		return "\r\nSTATUS running=false\r\np1T2,10,33\r\nextra\n"
	}}
	rec := &recorder{}
	b := connected(t, f, rec)

	resp, err := b.Send(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, "STATUS running=false\np1T2,10,33\nextra", resp)
	assert.Equal(t, []string{"s"}, f.written())

	// Telemetry inside the window still reaches the table, once.
	c, _ := b.Table().Car(0)
	assert.True(t, c.HasData)
	assert.Equal(t, 33, c.Time)
	assert.Equal(t, int64(1), b.Status().Samples)
	assert.Empty(t, rec.gotLines())
}

func TestSendCapsResponseLines(t *testing.T) {
	f := &fakeLink{reply: func(string) string {
		return "1\n2\n3\n4\n5\n6\n7\n"
	}}
	rec := &recorder{}
	b := connected(t, f, rec)

	resp, err := b.Send(context.Background(), "t")
	require.NoError(t, err)
	assert.Equal(t, "1\n2\n3\n4\n5", resp)

	// Lines past the window fall through to the log sink.
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"6", "7"}, rec.gotLines())
	}, time.Second, 5*time.Millisecond)
}

func TestLateLinesReachLogSink(t *testing.T) {
	f := &fakeLink{}
	rec := &recorder{}
	b := connected(t, f, rec)

	// Arrive after the first attempts have already timed out.
	time.AfterFunc(70*time.Millisecond, func() { f.push("L1\nL2\nL3\nL4\nL5\n") })

	resp, err := b.Send(context.Background(), "s")
	require.NoError(t, err)

	var answered []string
	if resp != "" {
		answered = strings.Split(resp, "\n")
	}
	want := []string{"L1", "L2", "L3", "L4", "L5"}
	assert.Eventually(t, func() bool {
		got := append(append([]string(nil), answered...), rec.gotLines()...)
		return assert.ObjectsAreEqual(want, got)
	}, time.Second, 5*time.Millisecond)
}

func TestWindowLeftoversOnCancel(t *testing.T) {
	f := &fakeLink{reply: func(string) string { return "A\nB\nC\n" }}
	rec := &recorder{}
	cfg := fastConfig()
	cfg.SettleDelay = 50 * time.Millisecond
	b := New(cfg, nil, opener(f), rec)
	require.NoError(t, b.Connect("/dev/fake0"))
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	f.beforeWrite = func() { time.AfterFunc(5*time.Millisecond, cancel) }

	_, err := b.Send(ctx, "s")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"A", "B", "C"}, rec.gotLines())
	}, time.Second, 5*time.Millisecond)
}

func TestSendOnStreamingDevice(t *testing.T) {
	s := &streamLink{}
	b := New(fastConfig(), nil, func(string) (link.Link, error) { return s, nil })
	require.NoError(t, b.Connect("stream"))
	defer b.Close()

	start := time.Now()
	_, err := b.Send(context.Background(), "s")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), syncTimeout)

	s.mu.Lock()
	assert.Equal(t, []string{"s"}, s.writes)
	s.mu.Unlock()
}

func TestSendIgnoresStaleOutput(t *testing.T) {
	f := &fakeLink{reply: func(string) string { return "GO!\n" }}
	rec := &recorder{}
	b := connected(t, f, rec)

	f.push("WINNER CAR2\n")
	resp, err := b.Send(context.Background(), "g")
	require.NoError(t, err)
	assert.Equal(t, "GO!", resp)
	assert.Equal(t, []string{"WINNER CAR2"}, rec.gotLines())
}

func TestSendEmptyResponse(t *testing.T) {
	b := connected(t, &fakeLink{})
	resp, err := b.Send(context.Background(), "2")
	require.NoError(t, err)
	assert.Empty(t, resp)
}

func TestResetClearsTable(t *testing.T) {
	f := &fakeLink{reply: func(string) string { return "RESET ok\n" }}
	b := connected(t, f)
	b.Table().Update(0, 3, 57)
	b.Table().Update(2, 1, 12)

	_, err := b.Send(context.Background(), protocol.TokenReset)
	require.NoError(t, err)
	for _, c := range b.Cars() {
		assert.Equal(t, race.NoData, c.TimeText())
		assert.Equal(t, race.NoData, c.BestText())
	}
}

func TestReadErrorIsFatal(t *testing.T) {
	f := &fakeLink{}
	b := connected(t, f)
	assert.True(t, b.Status().Connected)

	f.setReadErr(errors.New("device unplugged"))
	require.Eventually(t, func() bool {
		return !b.Status().Connected
	}, time.Second, 2*time.Millisecond)

	st := b.Status()
	assert.False(t, st.Polling)
	assert.Contains(t, st.LastError, "device unplugged")

	_, err := b.Send(context.Background(), "g")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestWriteErrorIsFatal(t *testing.T) {
	f := &fakeLink{writeErr: errors.New("broken pipe")}
	b := connected(t, f)

	_, err := b.Send(context.Background(), "g")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")

	st := b.Status()
	assert.False(t, st.Connected)
	assert.Contains(t, st.LastError, "broken pipe")
}

func TestWriteAfterDisconnectIsNotConnected(t *testing.T) {
	f := &fakeLink{}
	b := connected(t, f)
	f.beforeWrite = func() { require.NoError(t, b.Disconnect()) }

	_, err := b.Send(context.Background(), "g")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, err, link.ErrClosed)
	assert.Empty(t, b.Status().LastError)
}

func TestConnectFailureKeepsError(t *testing.T) {
	b := New(fastConfig(), nil, func(string) (link.Link, error) {
		return nil, errors.New("permission denied")
	})
	err := b.Connect("/dev/ttyUSB0")
	require.Error(t, err)
	st := b.Status()
	assert.False(t, st.Connected)
	assert.Contains(t, st.LastError, "permission denied")
}

func TestReconnectReplacesLink(t *testing.T) {
	first, second := &fakeLink{}, &fakeLink{reply: func(string) string { return "ok\n" }}
	links := []*fakeLink{first, second}
	b := New(fastConfig(), nil, func(string) (link.Link, error) {
		l := links[0]
		links = links[1:]
		return l, nil
	})
	defer b.Close()

	require.NoError(t, b.Connect("a"))
	require.NoError(t, b.Connect("b"))

	first.mu.Lock()
	assert.True(t, first.closed)
	first.mu.Unlock()

	st := b.Status()
	assert.True(t, st.Connected)
	assert.Equal(t, "b", st.Port)

	resp, err := b.Send(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
}

func TestApplySpeed(t *testing.T) {
	f := &fakeLink{reply: func(token string) string { return "ack " + token + "\n" }}
	b := connected(t, f)

	results, err := b.ApplySpeed(context.Background(), protocol.DefaultSpeedConfig())
	require.NoError(t, err)
	assert.Equal(t, []string{"a30", "m80", "i10"}, f.written())
	assert.Equal(t, Result{Command: "m80", Response: "ack m80"}, results[1])

	_, err = b.ApplySpeed(context.Background(), protocol.SpeedConfig{AccelerationRate: 5, MaxSpeed: 8, InitialSpeed: 0.1})
	assert.Error(t, err)
	assert.Len(t, f.written(), 3)
}

func TestTestCars(t *testing.T) {
	f := &fakeLink{reply: func(token string) string { return "got " + token + "\n" }}
	b := connected(t, f)

	results, err := b.TestCars(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"g", "a", "2", "d", "f"}, f.written())
	require.Len(t, results, 5)
	assert.Equal(t, "got f", results[4].Response)
}

func TestSelectTrack(t *testing.T) {
	f := &fakeLink{reply: func(token string) string { return "RAMPA " + token + "\n" }}
	b := connected(t, f)

	res, err := b.SelectTrack(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, Result{Command: "1", Response: "RAMPA 1"}, res)

	_, err = b.SelectTrack(context.Background(), 2)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.ErrorIs(t, err, protocol.ErrBadTrack)
	assert.Equal(t, []string{"1"}, f.written())
}

func TestSendHonoursContext(t *testing.T) {
	b := connected(t, &fakeLink{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Send(ctx, "g")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAgainstDemoDevice(t *testing.T) {
	b := New(fastConfig(), nil, link.DemoOpener(link.DemoConfig{
		ReadTimeout:    2 * time.Millisecond,
		PhysicsEvery:   time.Hour,
		TelemetryEvery: time.Hour,
	}))
	require.NoError(t, b.Connect(""))
	defer b.Close()
	assert.Equal(t, "demo", b.Status().Port)

	resp, err := b.Send(context.Background(), protocol.TokenTelemetry)
	require.NoError(t, err)
	assert.Len(t, strings.Split(resp, "\n"), protocol.NumCars)
	for _, c := range b.Cars() {
		assert.True(t, c.HasData)
	}
}
