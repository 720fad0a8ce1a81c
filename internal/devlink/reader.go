package devlink

import (
	"sync"
	"time"
)

// idleBackoff is how long the reader waits after a read that returned
// neither data nor an error.
const idleBackoff = time.Millisecond

// connection is the reader goroutine of one open port.
type connection struct {
	port SerialPorter
	data chan []byte
	errc chan error
	done chan struct{}
	once sync.Once
}

// startReader reads port until it fails or stop is called. Chunks and the
// terminal error are delivered to the Run loop.
func startReader(port SerialPorter) *connection {
	c := &connection{
		port: port,
		data: make(chan []byte, 16),
		errc: make(chan error, 1),
		done: make(chan struct{}),
	}
	go c.loop()
	return c
}

func (c *connection) loop() {
	buf := make([]byte, 512)
	for {
		n, err := c.port.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case c.data <- chunk:
			case <-c.done:
				return
			}
		}
		if err != nil {
			select {
			case c.errc <- err:
			case <-c.done:
			}
			return
		}
		if n == 0 {
			select {
			case <-c.done:
				return
			case <-time.After(idleBackoff):
			}
		}
	}
}

func (c *connection) stop() {
	c.once.Do(func() { close(c.done) })
}
