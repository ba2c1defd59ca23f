package protocol

import (
	"fmt"
	"math"
)

// SpeedConfig holds the car physics settings in physical units. The firmware
// receives them as raw slider integers: a<N> (N/100), m<N> (N/10), i<N> (N/100).
type SpeedConfig struct {
	AccelerationRate float64 `yaml:"acceleration_rate" json:"acceleration_rate"`
	MaxSpeed         float64 `yaml:"max_speed" json:"max_speed"`
	InitialSpeed     float64 `yaml:"initial_speed" json:"initial_speed"`
}

// Slider ranges, in raw units.
const (
	accelRawMin, accelRawMax = 1, 50
	maxRawMin, maxRawMax     = 5, 100
	initRawMin, initRawMax   = 1, 50
)

// DefaultSpeedConfig matches the firmware's power-on values.
func DefaultSpeedConfig() SpeedConfig {
	return SpeedConfig{
		AccelerationRate: 0.3,
		MaxSpeed:         8.0,
		InitialSpeed:     0.1,
	}
}

// AccelerationRaw is the a<N> slider value.
func (c SpeedConfig) AccelerationRaw() int { return int(math.Round(c.AccelerationRate * 100)) }

// MaxSpeedRaw is the m<N> slider value.
func (c SpeedConfig) MaxSpeedRaw() int { return int(math.Round(c.MaxSpeed * 10)) }

// InitialSpeedRaw is the i<N> slider value.
func (c SpeedConfig) InitialSpeedRaw() int { return int(math.Round(c.InitialSpeed * 100)) }

// Validate checks every value against the slider range the firmware accepts.
func (c SpeedConfig) Validate() error {
	if v := c.AccelerationRaw(); v < accelRawMin || v > accelRawMax {
		return fmt.Errorf("acceleration_rate %.2f out of range [0.01, 0.50]", c.AccelerationRate)
	}
	if v := c.MaxSpeedRaw(); v < maxRawMin || v > maxRawMax {
		return fmt.Errorf("max_speed %.1f out of range [0.5, 10.0]", c.MaxSpeed)
	}
	if v := c.InitialSpeedRaw(); v < initRawMin || v > initRawMax {
		return fmt.Errorf("initial_speed %.2f out of range [0.01, 0.50]", c.InitialSpeed)
	}
	return nil
}

// Tokens returns the configuration commands in the order the firmware
// expects them: acceleration, max speed, initial speed.
func (c SpeedConfig) Tokens() []string {
	return []string{
		fmt.Sprintf("a%d", c.AccelerationRaw()),
		fmt.Sprintf("m%d", c.MaxSpeedRaw()),
		fmt.Sprintf("i%d", c.InitialSpeedRaw()),
	}
}
