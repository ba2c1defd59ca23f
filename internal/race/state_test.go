package race

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/olr-bridge/internal/protocol"
)

func TestNewTableHasNoData(t *testing.T) {
	tbl := NewTable()
	for i, c := range tbl.Snapshot() {
		assert.False(t, c.HasData, "car %d", i)
		assert.Equal(t, NoData, c.TimeText())
		assert.Equal(t, NoData, c.BestText())
	}
}

func TestBestTimeIsSmallestValueNotLatest(t *testing.T) {
	tbl := NewTable()
	tbl.Update(0, 2, 20)
	tbl.Update(0, 1, 5)

	c, ok := tbl.Car(0)
	require.True(t, ok)
	assert.Equal(t, 1, c.Lap)
	assert.Equal(t, 5, c.Time)
	assert.Equal(t, 5, c.Best)

	// Reverse order: the larger value arriving later must not replace the best.
	tbl.ResetAll()
	tbl.Update(0, 1, 5)
	tbl.Update(0, 2, 20)

	c, _ = tbl.Car(0)
	assert.Equal(t, 2, c.Lap)
	assert.Equal(t, 20, c.Time)
	assert.Equal(t, 5, c.Best)
	assert.Equal(t, 1, c.BestLap)
	assert.Equal(t, "01:05", c.BestText())
	assert.Equal(t, "02:20", c.TimeText())
}

func TestEqualValueKeepsFirstBest(t *testing.T) {
	tbl := NewTable()
	tbl.Update(1, 1, 30)
	tbl.Update(1, 3, 30)

	c, _ := tbl.Car(1)
	assert.Equal(t, 1, c.BestLap)
}

func TestMergeUsesBatteryAsTime(t *testing.T) {
	tbl := NewTable()
	tbl.Merge(protocol.Sample{Car: 2, Lap: 3, Position: 57, Battery: 88})
	tbl.Merge(protocol.Sample{Car: 2, Lap: 4, Position: 12, Battery: 70})

	c, _ := tbl.Car(2)
	assert.Equal(t, 4, c.Lap)
	assert.Equal(t, 12, c.Position)
	assert.Equal(t, 70, c.Battery)
	assert.Equal(t, 70, c.Best)
	assert.Equal(t, 4, c.BestLap)

	other, _ := tbl.Car(0)
	assert.False(t, other.HasData)
}

func TestOutOfRangeIgnored(t *testing.T) {
	tbl := NewTable()
	tbl.Update(-1, 1, 1)
	tbl.Update(protocol.NumCars, 1, 1)
	tbl.Merge(protocol.Sample{Car: 7, Lap: 1})

	for _, c := range tbl.Snapshot() {
		assert.False(t, c.HasData)
	}
	_, ok := tbl.Car(4)
	assert.False(t, ok)
}

func TestResetAllThenSnapshot(t *testing.T) {
	tbl := NewTable()
	for i := 0; i < protocol.NumCars; i++ {
		tbl.Update(i, i+1, 10*i)
	}
	tbl.ResetAll()

	snap := tbl.Snapshot()
	assert.Len(t, snap, protocol.NumCars)
	for _, c := range snap {
		assert.Equal(t, CarState{}, c)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	tbl := NewTable()
	tbl.Update(0, 1, 9)
	snap := tbl.Snapshot()
	snap[0].Lap = 99

	c, _ := tbl.Car(0)
	assert.Equal(t, 1, c.Lap)
}

func TestConcurrentReadersSeeWholeRecords(t *testing.T) {
	tbl := NewTable()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			// Lap and Position always move together.
			tbl.Merge(protocol.Sample{Car: 0, Lap: i, Position: i, Battery: i})
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				c := tbl.Snapshot()[0]
				if c.Lap != c.Position {
					t.Errorf("torn record: lap=%d position=%d", c.Lap, c.Position)
					return
				}
			}
		}()
	}
	wg.Wait()
}
