package link

import (
	"fmt"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// PortInfo describes a serial device found on the host.
type PortInfo struct {
	Device       string `json:"device"`
	Description  string `json:"description"`
	USB          bool   `json:"usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
}

// allow tests to replace enumeration
var (
	detailedPorts = enumerator.GetDetailedPortsList
	plainPorts    = serial.GetPortsList
)

// ListPorts enumerates serial devices. USB details come from the enumerator;
// when it is unavailable on the platform the plain port list is used.
func ListPorts() ([]PortInfo, error) {
	details, err := detailedPorts()
	if err == nil {
		out := make([]PortInfo, 0, len(details))
		for _, d := range details {
			out = append(out, PortInfo{
				Device:       d.Name,
				Description:  d.Product,
				USB:          d.IsUSB,
				VID:          d.VID,
				PID:          d.PID,
				SerialNumber: d.SerialNumber,
			})
		}
		return out, nil
	}

	names, perr := plainPorts()
	if perr != nil {
		return nil, fmt.Errorf("list ports: %w (enumerator: %v)", perr, err)
	}
	out := make([]PortInfo, 0, len(names))
	for _, n := range names {
		out = append(out, PortInfo{Device: n})
	}
	return out, nil
}
