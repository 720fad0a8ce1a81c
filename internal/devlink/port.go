package devlink

import (
	"io"
	"time"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutSerialPorter extends SerialPorter with timeout capabilities.
// Ports implementing it get a short read timeout so that the reader
// goroutine notices a closed connection promptly.
type TimeoutSerialPorter interface {
	SerialPorter
	// SetReadTimeout sets the read timeout for the serial port.
	SetReadTimeout(timeout time.Duration) error
}

// PortOpener opens the device at path. The link calls it on every
// (re)connect attempt; it may block.
type PortOpener func(path string, opts PortOptions) (SerialPorter, error)
