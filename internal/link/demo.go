package link

import (
	"bytes"
	"fmt"
	"log"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/shaunagostinho/olr-bridge/internal/protocol"
)

// DemoConfig tunes the simulated race.
type DemoConfig struct {
	Laps           int           // Laps to win
	TrackLength    int           // LEDs per lap
	ReadTimeout    time.Duration // How long Read waits for data
	PhysicsEvery   time.Duration // Simulation step
	TelemetryEvery time.Duration // Telemetry period while racing
}

// Firmware power-on defaults.
const (
	demoLaps        = 5
	demoTrackLength = 35
	demoFriction    = 0.006
)

// DefaultDemoConfig mirrors the firmware defaults: 5 laps on a 35 LED track,
// 20 Hz physics, one telemetry line per car per second.
func DefaultDemoConfig() DemoConfig {
	return DemoConfig{
		Laps:           demoLaps,
		TrackLength:    demoTrackLength,
		ReadTimeout:    defaultReadTimeout,
		PhysicsEvery:   50 * time.Millisecond,
		TelemetryEvery: time.Second,
	}
}

type demoCar struct {
	speed    float64
	dist     float64
	lap      int
	lapStart time.Time
}

// Demo is an in-memory Link that behaves like the race firmware. It answers
// command tokens with short text lines and streams telemetry while a race runs.
type Demo struct {
	cfg DemoConfig

	mu       sync.Mutex
	out      bytes.Buffer // device -> host bytes not yet read
	in       protocol.Framer
	closed   bool
	dataCh   chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	running  bool
	cars     [protocol.NumCars]demoCar
	speed    protocol.SpeedConfig
	track    int
	lastTele time.Time
}

// NewDemo starts a simulated device.
func NewDemo(cfg DemoConfig) *Demo {
	def := DefaultDemoConfig()
	if cfg.Laps <= 0 {
		cfg.Laps = def.Laps
	}
	if cfg.TrackLength <= 0 {
		cfg.TrackLength = def.TrackLength
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.PhysicsEvery <= 0 {
		cfg.PhysicsEvery = def.PhysicsEvery
	}
	if cfg.TelemetryEvery <= 0 {
		cfg.TelemetryEvery = def.TelemetryEvery
	}

	d := &Demo{
		cfg:    cfg,
		dataCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		speed:  protocol.DefaultSpeedConfig(),
	}
	d.wg.Add(1)
	go d.simulate()
	return d
}

// DemoOpener returns an Opener producing fresh simulated devices.
func DemoOpener(cfg DemoConfig) Opener {
	return func(string) (Link, error) {
		return NewDemo(cfg), nil
	}
}

func (d *Demo) Name() string { return "demo" }

// Read returns buffered device output, waiting up to the read timeout.
func (d *Demo) Read(p []byte) (int, error) {
	if n, ok, err := d.tryRead(p); ok {
		return n, err
	}

	timer := time.NewTimer(d.cfg.ReadTimeout)
	defer timer.Stop()
	select {
	case <-d.dataCh:
	case <-d.stopCh:
		return 0, ErrClosed
	case <-timer.C:
	}

	n, _, err := d.tryRead(p)
	return n, err
}

// tryRead reports ok=false when there is nothing to read yet.
func (d *Demo) tryRead(p []byte) (int, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, true, ErrClosed
	}
	if d.out.Len() == 0 {
		return 0, false, nil
	}
	n, _ := d.out.Read(p)
	return n, true, nil
}

// Write feeds host bytes to the simulated firmware.
func (d *Demo) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}
	for _, frame := range d.in.Push(p) {
		d.handle(protocol.DecodeLine(frame))
	}
	return len(p), nil
}

// ResetInputBuffer drops output the host has not read yet.
func (d *Demo) ResetInputBuffer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.out.Reset()
	return nil
}

// Close stops the simulation. Pending and future reads fail.
func (d *Demo) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.stopCh)
	d.mu.Unlock()

	d.wg.Wait()
	return nil
}

// emit queues a line for the host. Caller must hold the mutex.
func (d *Demo) emit(format string, args ...any) {
	fmt.Fprintf(&d.out, format+"\n", args...)
	select {
	case d.dataCh <- struct{}{}:
	default:
	}
}

// handle executes one command line. Caller must hold the mutex.
func (d *Demo) handle(cmd string) {
	if cmd == "" {
		return
	}

	switch cmd {
	case protocol.TokenGo:
		d.resetCars(time.Now())
		d.running = true
		d.emit("GO! race started, %d laps", d.cfg.Laps)
		return
	case protocol.TokenReset:
		d.resetCars(time.Now())
		d.running = false
		d.emit("RESET ok")
		return
	case protocol.TokenTest:
		d.emit("TEST ok, %d cars", protocol.NumCars)
		return
	case protocol.TokenStatus:
		d.emit("STATUS running=%t track=%d laps=%d accel=%.2f max=%.1f init=%.2f",
			d.running, d.track, d.cfg.Laps,
			d.speed.AccelerationRate, d.speed.MaxSpeed, d.speed.InitialSpeed)
		return
	case protocol.TokenTelemetry:
		d.emitTelemetry(time.Now())
		return
	}

	for car := 1; car <= protocol.NumCars; car++ {
		if tok, _ := protocol.AccelerateToken(car); cmd == tok {
			d.accelerate(car - 1)
			return
		}
		if tok, _ := protocol.BrakeToken(car); cmd == tok {
			d.brake(car - 1)
			return
		}
	}

	if n, err := strconv.Atoi(cmd); err == nil {
		d.track = n
		d.emit("RAMPA %d", n)
		return
	}

	if len(cmd) > 1 {
		if raw, err := strconv.Atoi(cmd[1:]); err == nil {
			switch cmd[0] {
			case 'a':
				d.speed.AccelerationRate = float64(raw) / 100
				d.emit("ACEL=%.2f", d.speed.AccelerationRate)
				return
			case 'm':
				d.speed.MaxSpeed = float64(raw) / 10
				d.emit("MAX_SPEED=%.1f", d.speed.MaxSpeed)
				return
			case 'i':
				d.speed.InitialSpeed = float64(raw) / 100
				d.emit("INIT_SPEED=%.2f", d.speed.InitialSpeed)
				return
			}
		}
	}

	d.emit("UNKNOWN %q", cmd)
}

func (d *Demo) resetCars(now time.Time) {
	for i := range d.cars {
		d.cars[i] = demoCar{lapStart: now}
	}
}

func (d *Demo) accelerate(i int) {
	if !d.running {
		d.emit("CAR%d idle, race not started", i+1)
		return
	}
	c := &d.cars[i]
	if c.speed < d.speed.InitialSpeed {
		c.speed = d.speed.InitialSpeed
	}
	c.speed = math.Min(c.speed+d.speed.AccelerationRate, d.speed.MaxSpeed)
	d.emit("CAR%d speed=%.2f", i+1, c.speed)
}

func (d *Demo) brake(i int) {
	c := &d.cars[i]
	c.speed = math.Max(c.speed-2*d.speed.AccelerationRate, 0)
	d.emit("CAR%d speed=%.2f", i+1, c.speed)
}

// emitTelemetry writes one line per car. The battery field carries the
// seconds spent on the current lap, capped at two digits. Caller must hold
// the mutex.
func (d *Demo) emitTelemetry(now time.Time) {
	for i, c := range d.cars {
		secs := int(now.Sub(c.lapStart).Seconds())
		if c.lapStart.IsZero() || secs < 0 {
			secs = 0
		}
		if secs > 99 {
			secs = 99
		}
		d.emit("%s", protocol.Sample{Car: i, Lap: c.lap, Position: int(c.dist), Battery: secs}.String())
	}
	d.lastTele = now
}

func (d *Demo) simulate() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.PhysicsEvery)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case now := <-ticker.C:
			d.mu.Lock()
			if d.running {
				d.step(now)
				if now.Sub(d.lastTele) >= d.cfg.TelemetryEvery {
					d.emitTelemetry(now)
				}
			}
			d.mu.Unlock()
		}
	}
}

// step advances every car one physics tick. Caller must hold the mutex.
func (d *Demo) step(now time.Time) {
	track := float64(d.cfg.TrackLength)
	for i := range d.cars {
		c := &d.cars[i]
		c.dist += c.speed
		c.speed *= 1 - demoFriction
		for c.dist >= track {
			c.dist -= track
			c.lap++
			c.lapStart = now
			if c.lap >= d.cfg.Laps {
				d.running = false
				d.emit("WINNER CAR%d", i+1)
				log.Printf("[demo] car %d won", i+1)
				return
			}
		}
	}
}
