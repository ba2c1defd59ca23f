package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// NumCars is the number of players the firmware supports.
const NumCars = 4

// Sample is one telemetry report for a single car.
//
// Wire format: p<car 1-based>T<lap>,<position>,<battery>
// e.g. "p1T3,57,88" is car index 0, lap 3, position 57, battery 88.
type Sample struct {
	Car      int `json:"car"`      // Zero-based car index, always in [0, NumCars)
	Lap      int `json:"lap"`      // Current lap
	Position int `json:"position"` // LED position on the strip
	Battery  int `json:"battery"`  // Battery value, shown as the lap-time proxy
}

// String renders the sample back in wire format.
func (s Sample) String() string {
	return fmt.Sprintf("p%dT%d,%d,%d", s.Car+1, s.Lap, s.Position, s.Battery)
}

// ParseTelemetry classifies a decoded line. It returns ok=false for anything
// that is not a well-formed telemetry line, including partial lines, lines
// with non-numeric or missing fields, and car numbers outside 1..NumCars.
// Such lines belong on the plain response/log path.
func ParseTelemetry(line string) (Sample, bool) {
	body, found := strings.CutPrefix(line, "p")
	if !found {
		return Sample{}, false
	}
	carPart, rest, found := strings.Cut(body, "T")
	if !found {
		return Sample{}, false
	}

	car, ok := parseCount(carPart)
	if !ok {
		return Sample{}, false
	}
	idx := car - 1
	if idx < 0 || idx >= NumCars {
		return Sample{}, false
	}

	fields := strings.Split(rest, ",")
	if len(fields) < 3 {
		return Sample{}, false
	}
	values := make([]int, len(fields))
	for i, f := range fields {
		v, ok := parseCount(f)
		if !ok {
			return Sample{}, false
		}
		values[i] = v
	}

	return Sample{
		Car:      idx,
		Lap:      values[0],
		Position: values[1],
		Battery:  values[2],
	}, true
}

// IsTelemetry reports whether line parses as a telemetry sample.
func IsTelemetry(line string) bool {
	_, ok := ParseTelemetry(line)
	return ok
}

// parseCount parses a non-negative decimal integer, tolerating surrounding
// spaces. Signs, empty strings and overflow are rejected.
func parseCount(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}
