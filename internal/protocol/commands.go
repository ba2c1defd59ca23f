package protocol

import (
	"errors"
	"fmt"
	"strconv"
)

// Game control tokens.
const (
	TokenGo        = "g"
	TokenReset     = "r"
	TokenTest      = "t"
	TokenStatus    = "s"
	TokenTelemetry = "p"
)

var (
	// ErrUnknownCar is returned for car numbers outside 1..NumCars.
	ErrUnknownCar = errors.New("protocol: unknown car")
	// ErrBadTrack is returned for track numbers the firmware would read as
	// something else.
	ErrBadTrack = errors.New("protocol: bad track number")
)

// Per-car tokens, indexed by zero-based car.
var (
	accelerateTokens = [NumCars]string{"a", "2", "d", "f"}
	brakeTokens      = [NumCars]string{"l", "z", "c", "b"}
)

// AccelerateToken returns the token that accelerates car (1-based).
func AccelerateToken(car int) (string, error) {
	if car < 1 || car > NumCars {
		return "", fmt.Errorf("%w: %d", ErrUnknownCar, car)
	}
	return accelerateTokens[car-1], nil
}

// BrakeToken returns the token that brakes car (1-based).
func BrakeToken(car int) (string, error) {
	if car < 1 || car > NumCars {
		return "", fmt.Errorf("%w: %d", ErrUnknownCar, car)
	}
	return brakeTokens[car-1], nil
}

// TrackToken selects ramp/track layout n. A number that spells a car token
// ("2" accelerates car 2) is refused.
func TrackToken(n int) (string, error) {
	if n < 0 {
		return "", fmt.Errorf("%w: %d", ErrBadTrack, n)
	}
	tok := strconv.Itoa(n)
	for _, car := range accelerateTokens {
		if tok == car {
			return "", fmt.Errorf("%w: %d is a car token", ErrBadTrack, n)
		}
	}
	return tok, nil
}

// Describe gives a human label for a token, used in logs and the UI.
// Unknown tokens are described as "raw".
func Describe(token string) string {
	switch token {
	case TokenGo:
		return "go"
	case TokenReset:
		return "reset"
	case TokenTest:
		return "test"
	case TokenStatus:
		return "status"
	case TokenTelemetry:
		return "telemetry"
	}
	for i := 0; i < NumCars; i++ {
		if token == accelerateTokens[i] {
			return fmt.Sprintf("accelerate car %d", i+1)
		}
		if token == brakeTokens[i] {
			return fmt.Sprintf("brake car %d", i+1)
		}
	}
	if len(token) > 1 {
		if _, err := strconv.Atoi(token[1:]); err == nil {
			switch token[0] {
			case 'a':
				return "set acceleration"
			case 'm':
				return "set max speed"
			case 'i':
				return "set initial speed"
			}
		}
	}
	if _, err := strconv.Atoi(token); err == nil {
		return "select track"
	}
	return "raw"
}
