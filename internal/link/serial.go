package link

import (
	"fmt"
	"log"

	"go.bug.st/serial"
)

// Serial is a Link over a real serial port (USB CDC on the ESP32 board).
type Serial struct {
	serial.Port
	path string
}

// allow tests to replace the port driver
var openPort = serial.Open

// OpenSerial opens cfg.PortPath at cfg.BaudRate, 8N1, with a short read
// timeout so reads return (0, nil) when the line is idle.
func OpenSerial(cfg Config) (*Serial, error) {
	cfg = cfg.withDefaults()
	if cfg.PortPath == "" {
		return nil, fmt.Errorf("serial: no port configured")
	}

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := openPort(cfg.PortPath, mode)
	if err != nil {
		return nil, fmt.Errorf("serial: failed to open %s: %w", cfg.PortPath, err)
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("serial: failed to set timeout: %w", err)
	}

	log.Printf("[serial] opened %s at %d baud", cfg.PortPath, cfg.BaudRate)
	return &Serial{Port: port, path: cfg.PortPath}, nil
}

// SerialOpener returns an Opener that uses base for everything but the path.
// An empty path falls back to base.PortPath.
func SerialOpener(base Config) Opener {
	return func(portPath string) (Link, error) {
		cfg := base
		if portPath != "" {
			cfg.PortPath = portPath
		}
		s, err := OpenSerial(cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Name returns the port path.
func (s *Serial) Name() string { return s.path }
