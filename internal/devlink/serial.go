package devlink

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// readTimeout bounds each blocking read on a real port so the reader
// goroutine can observe connection shutdown.
const readTimeout = 10 * time.Millisecond

// OpenSerial opens a real serial device with go.bug.st/serial. It is the
// PortOpener used outside of tests.
func OpenSerial(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", path, err)
	}
	// discard whatever the device sent before we were listening
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("flush %s: %w", path, err)
	}
	return port, nil
}

// ListPorts returns the serial device names known to the OS.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
