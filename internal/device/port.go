// Package device owns the serial side of the logger: one Monitor per
// attached Onion box and a Supervisor that discovers them.
package device

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.bug.st/serial"
)

const (
	DefaultBaudRate    = 115200
	DefaultReadTimeout = time.Second
)

// ErrDeviceGone is reported when a device node disappears while its port is
// still open.
var ErrDeviceGone = errors.New("device node vanished")

// ConnectionError is an open or read failure. It ends one monitor and never
// propagates further.
type ConnectionError struct {
	Path string
	Op   string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("device %s: %s: %v", e.Path, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Port is an open device connection. Read blocks for at most the configured
// read timeout and returns 0, nil when nothing arrived.
type Port interface {
	io.ReadCloser
}

// Opener opens a device path.
type Opener interface {
	Open(path string) (Port, error)
}

// presence is implemented by ports that can tell whether their device node
// still exists.
type presence interface {
	Present() bool
}

// SerialOpener opens real serial devices, 8N1.
type SerialOpener struct {
	BaudRate    int
	ReadTimeout time.Duration
}

func (o SerialOpener) Open(path string) (Port, error) {
	baud := o.BaudRate
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	timeout := o.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}

	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set timeout on %s: %w", path, err)
	}
	return &serialPort{Port: port, path: path}, nil
}

type serialPort struct {
	serial.Port
	path string
}

func (p *serialPort) Present() bool {
	_, err := os.Stat(p.path)
	return err == nil
}
