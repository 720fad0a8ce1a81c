package devlink

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrPortClosed is returned by TestableSerialPort after Close.
var ErrPortClosed = errors.New("serial port closed")

// TestableSerialPort is an in-memory SerialPorter. Reads from an empty
// buffer return (0, nil) like a real port with a read timeout. Written
// lines can be observed through OnWrite, which the simulated device uses
// to answer.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds the bytes the host will read
	ReadBuffer *bytes.Buffer
	// WriteBuffer captures everything the host wrote
	WriteBuffer *bytes.Buffer

	// ReadError and WriteError fail the next call once
	ReadError  error
	WriteError error

	// WriteLimit caps the bytes accepted per Write call when positive;
	// the rest is reported as would-block
	WriteLimit int
	// BlockWrites makes every Write accept nothing, as a full output buffer
	BlockWrites bool

	Closed      bool
	ReadTimeout time.Duration

	// OnWrite, when set, is called with each complete written line
	OnWrite func(line string)

	partial []byte
}

// NewTestableSerialPort creates an empty open port.
func NewTestableSerialPort() *TestableSerialPort {
	return &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
}

// Read implements io.Reader.
func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.Closed:
		return 0, ErrPortClosed
	case t.ReadError != nil:
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	case t.ReadBuffer.Len() == 0:
		return 0, nil
	}
	return t.ReadBuffer.Read(p)
}

// Write implements io.Writer. Complete lines are passed to OnWrite after
// the port lock is released.
func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	switch {
	case t.Closed:
		t.mu.Unlock()
		return 0, ErrPortClosed
	case t.WriteError != nil:
		err := t.WriteError
		t.WriteError = nil
		t.mu.Unlock()
		return 0, err
	case t.BlockWrites:
		t.mu.Unlock()
		return 0, nil
	}
	if t.WriteLimit > 0 && len(p) > t.WriteLimit {
		p = p[:t.WriteLimit]
	}
	t.WriteBuffer.Write(p)

	var lines []string
	t.partial = append(t.partial, p...)
	for {
		i := bytes.IndexByte(t.partial, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(t.partial[:i]))
		t.partial = t.partial[i+1:]
	}
	onWrite := t.OnWrite
	t.mu.Unlock()

	if onWrite != nil {
		for _, l := range lines {
			onWrite(l)
		}
	}
	return len(p), nil
}

// Close marks the port closed; later reads and writes fail.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	return nil
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadTimeout = timeout
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
}

// AddLine frames payload with its check code and queues it for reading.
func (t *TestableSerialPort) AddLine(payload string) {
	t.AddReadData([]byte(Frame(payload)))
}

// GetWrittenData returns all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return bytes.Clone(t.WriteBuffer.Bytes())
}

// WrittenPayloads returns the payloads of all complete written lines with
// the check code removed. Lines failing the check are returned as written.
func (t *TestableSerialPort) WrittenPayloads() []string {
	var out []string
	for _, line := range strings.SplitAfter(string(t.GetWrittenData()), "\n") {
		if !strings.HasSuffix(line, "\n") {
			continue
		}
		if p, err := Verify(line); err == nil {
			out = append(out, p)
		} else {
			out = append(out, strings.TrimRight(line, "\n"))
		}
	}
	return out
}

// IsClosed reports whether Close was called.
func (t *TestableSerialPort) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Closed
}

// Reset empties both buffers and reopens the port.
func (t *TestableSerialPort) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadBuffer.Reset()
	t.WriteBuffer.Reset()
	t.partial = nil
	t.Closed = false
	t.ReadError = nil
	t.WriteError = nil
	t.WriteLimit = 0
	t.BlockWrites = false
}

// MockPortFactory records Open calls and returns scripted ports or errors.
type MockPortFactory struct {
	mu sync.Mutex

	// Ports are returned by successive successful Open calls; the last
	// one is reused once the list is exhausted
	Ports []SerialPorter

	// Error is returned by Open if set
	Error error

	// OpenCalls records all Open calls
	OpenCalls []MockOpenCall

	next int
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path    string
	Options PortOptions
}

// NewMockPortFactory creates a factory handing out the given ports.
func NewMockPortFactory(ports ...SerialPorter) *MockPortFactory {
	return &MockPortFactory{Ports: ports}
}

// Open returns the next configured port or error.
func (f *MockPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.OpenCalls = append(f.OpenCalls, MockOpenCall{Path: path, Options: opts})

	if f.Error != nil {
		return nil, f.Error
	}
	if len(f.Ports) == 0 {
		return nil, errors.New("no mock port configured")
	}
	i := min(f.next, len(f.Ports)-1)
	f.next++
	return f.Ports[i], nil
}

// SetError changes the error returned by Open.
func (f *MockPortFactory) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Error = err
}

// Calls returns the number of Open calls so far.
func (f *MockPortFactory) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.OpenCalls)
}
