package link

import (
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

var (
	// ErrPortUnavailable means the serial port could not be opened.
	ErrPortUnavailable = errors.New("port unavailable")
	// ErrLinkLost means an I/O error occurred on an open port.
	ErrLinkLost = errors.New("link lost")
	// ErrTimeout is returned by ReadLine when no full line arrived in time.
	ErrTimeout = errors.New("read timeout")
)

// Port is the subset of serial.Port the link layer needs. Tests provide
// their own implementation.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Opener opens a port by path at the given baud rate.
type Opener func(path string, baud int) (Port, error)

// OpenSerial opens path as 8N1 with no flow control, the framing every
// Aanderaa RS-232 sensor uses.
func OpenSerial(path string, baud int) (Port, error) {
	if baud == 0 {
		baud = 9600
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrPortUnavailable, path, err)
	}
	return port, nil
}

// PortInfo describes a serial port found on the host.
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"isUsb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
	Product      string `json:"product,omitempty"`
}

// ListPorts enumerates serial ports, with USB details where the platform
// provides them.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil && len(details) > 0 {
		out := make([]PortInfo, 0, len(details))
		for _, d := range details {
			out = append(out, PortInfo{
				Name:         d.Name,
				IsUSB:        d.IsUSB,
				VID:          d.VID,
				PID:          d.PID,
				SerialNumber: d.SerialNumber,
				Product:      d.Product,
			})
		}
		return out, nil
	}

	names, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	out := make([]PortInfo, 0, len(names))
	for _, n := range names {
		out = append(out, PortInfo{Name: n})
	}
	return out, nil
}
