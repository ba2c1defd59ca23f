// Package link provides the byte transports the bridge talks to the race
// firmware over: a real serial port and an in-memory simulated device.
package link

import (
	"errors"
	"io"
	"time"
)

// Link is an open connection to the device.
//
// Read must return (0, nil) when no data arrived within the link's read
// timeout, and a non-nil error once the link is closed or the device is gone.
type Link interface {
	io.ReadWriteCloser
	// ResetInputBuffer discards bytes received but not yet read.
	ResetInputBuffer() error
	// Name identifies the link, e.g. the port path.
	Name() string
}

// Opener opens a link to the named port.
type Opener func(portPath string) (Link, error)

// ErrClosed is returned by operations on a closed link.
var ErrClosed = errors.New("link: closed")

// Config holds serial connection parameters.
type Config struct {
	PortPath    string        `yaml:"port_path" json:"portPath"`
	BaudRate    int           `yaml:"baud_rate" json:"baudRate"`
	ReadTimeout time.Duration `yaml:"-" json:"-"`
}

const (
	defaultBaudRate    = 115200
	defaultReadTimeout = 20 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.BaudRate == 0 {
		c.BaudRate = defaultBaudRate
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	return c
}
