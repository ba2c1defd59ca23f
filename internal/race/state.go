// Package race holds the shared per-car state fed by telemetry.
package race

import (
	"fmt"
	"sync"

	"github.com/shaunagostinho/olr-bridge/internal/protocol"
)

// NoData is what the dashboard shows before a car reports anything.
const NoData = "--:--"

// CarState is the last known state of one car. It is a plain value so a
// snapshot can be handed out without sharing memory with the table.
type CarState struct {
	HasData  bool `json:"hasData"`
	Lap      int  `json:"lap"`
	Position int  `json:"position"`
	Battery  int  `json:"battery"`
	// Time is the current position-or-time value the best time is judged on.
	Time    int  `json:"time"`
	HasBest bool `json:"hasBest"`
	Best    int  `json:"best"`
	BestLap int  `json:"bestLap"`
}

// TimeText renders the current value as "LL:TT" or NoData.
func (c CarState) TimeText() string {
	if !c.HasData {
		return NoData
	}
	return fmt.Sprintf("%02d:%02d", c.Lap, c.Time)
}

// BestText renders the best value as "LL:TT" or NoData.
func (c CarState) BestText() string {
	if !c.HasBest {
		return NoData
	}
	return fmt.Sprintf("%02d:%02d", c.BestLap, c.Best)
}

// Table is the fixed-size car table. One writer (the telemetry reader) and
// any number of readers; every method holds the lock for the whole record.
type Table struct {
	mu   sync.RWMutex
	cars [protocol.NumCars]CarState
}

// NewTable returns a table with every car in the "no data" state.
func NewTable() *Table {
	return &Table{}
}

// Update overwrites the current lap and value of car index and replaces the
// best value when the new value is strictly smaller or no best exists yet.
// Indices outside the table are ignored.
func (t *Table) Update(index, lap, value int) {
	if index < 0 || index >= protocol.NumCars {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.cars[index]
	c.HasData = true
	c.Lap = lap
	c.Time = value
	c.record()
	t.cars[index] = c
}

// Merge applies a telemetry sample. The battery field is the firmware's
// lap-time proxy, so it is the value the best time is judged on.
func (t *Table) Merge(s protocol.Sample) {
	if s.Car < 0 || s.Car >= protocol.NumCars {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.cars[s.Car]
	c.HasData = true
	c.Lap = s.Lap
	c.Position = s.Position
	c.Battery = s.Battery
	c.Time = s.Battery
	c.record()
	t.cars[s.Car] = c
}

func (c *CarState) record() {
	if !c.HasBest || c.Time < c.Best {
		c.HasBest = true
		c.Best = c.Time
		c.BestLap = c.Lap
	}
}

// ResetAll puts every car back into the "no data" state.
func (t *Table) ResetAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cars = [protocol.NumCars]CarState{}
}

// Snapshot returns a copy of the whole table.
func (t *Table) Snapshot() [protocol.NumCars]CarState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cars
}

// Car returns a copy of a single car's state.
func (t *Table) Car(index int) (CarState, bool) {
	if index < 0 || index >= protocol.NumCars {
		return CarState{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cars[index], true
}
