// Package devlink is the host side of the line protocol spoken by the motor
// and sensor micro-controller. It owns the serial connection, frames and
// checks every line, plays out acknowledged commands one at a time and hands
// each valid inbound line to an ordered set of decoders.
package devlink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/robobase/internal/monitoring"
	"github.com/banshee-data/robobase/internal/timeutil"
)

var (
	// ErrWriteFailed is returned when the port rejects a write.
	ErrWriteFailed = errors.New("failed to write to serial port")
	// ErrWriteTimeout is returned when a direct send could not be flushed in time.
	ErrWriteTimeout = errors.New("serial write timed out")
	// ErrNotConnected is returned for sends while the link cannot take them.
	ErrNotConnected = errors.New("device link not connected")
	// ErrDeviceUnavailable is returned by Run when the device never opened.
	ErrDeviceUnavailable = errors.New("serial device unavailable")
)

// maxLoggedOpenFailures limits log output while the device is absent.
const maxLoggedOpenFailures = 5

// identifyTags are the inbound tags that prove the right device answered.
var identifyTags = map[string]bool{"dname": true, "hbt": true}

// State is the connection state of the link.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateJustConnected
	StateActive
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateJustConnected:
		return "just-connected"
	case StateActive:
		return "active"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Options configures timing and retry behaviour. Zero fields take the
// values from DefaultOptions.
type Options struct {
	Device string
	Port   PortOptions

	ConfirmTimeout    time.Duration
	MaxRetries        int
	IdentifyTimeout   time.Duration
	IdentifyResend    time.Duration
	InactivityTimeout time.Duration
	ActivityStale     time.Duration
	ReopenInterval    time.Duration
	WriteTimeout      time.Duration
	ClockJump         time.Duration
	PollInterval      time.Duration
	MaxLineLength     int
	// MaxOpenFailures makes Run give up when the device has never been
	// opened after this many attempts. Zero retries forever.
	MaxOpenFailures int
}

// DefaultOptions returns the settings used with the real micro-controller.
func DefaultOptions() Options {
	return Options{
		Device:            "/dev/ttyACM0",
		Port:              PortOptions{BaudRate: DefaultBaudRate},
		ConfirmTimeout:    40 * time.Millisecond,
		MaxRetries:        50,
		IdentifyTimeout:   20 * time.Second,
		IdentifyResend:    time.Second,
		InactivityTimeout: 10 * time.Second,
		ActivityStale:     2 * time.Second,
		ReopenInterval:    300 * time.Millisecond,
		WriteTimeout:      100 * time.Millisecond,
		ClockJump:         2 * time.Second,
		PollInterval:      time.Millisecond,
		MaxLineLength:     1000,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Device == "" {
		o.Device = d.Device
	}
	if o.Port.BaudRate <= 0 {
		o.Port.BaudRate = d.Port.BaudRate
	}
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = d.ConfirmTimeout
	} else if o.ConfirmTimeout < 10*time.Millisecond {
		o.ConfirmTimeout = 20 * time.Millisecond
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = d.MaxRetries
	}
	setDur := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	setDur(&o.IdentifyTimeout, d.IdentifyTimeout)
	setDur(&o.IdentifyResend, d.IdentifyResend)
	setDur(&o.InactivityTimeout, d.InactivityTimeout)
	setDur(&o.ActivityStale, d.ActivityStale)
	setDur(&o.ReopenInterval, d.ReopenInterval)
	setDur(&o.WriteTimeout, d.WriteTimeout)
	setDur(&o.ClockJump, d.ClockJump)
	setDur(&o.PollInterval, d.PollInterval)
	if o.MaxLineLength <= 0 {
		o.MaxLineLength = d.MaxLineLength
	}
	return o
}

// Stats is a snapshot of the link counters.
type Stats struct {
	State        State
	Device       string
	Receiving    bool
	LastActivity time.Time
	Queued       int

	LinesReceived     uint64
	ChecksumErrors    uint64
	Malformed         uint64
	Unhandled         uint64
	Sent              uint64
	DirectSent        uint64
	Confirmed         uint64
	Retransmits       uint64
	Dropped           uint64
	Flushed           uint64
	ConfirmMismatches uint64
	Rejected          uint64
	WriteTimeouts     uint64
	BytesWritten      uint64
	Connects          uint64
	OpenFailures      uint64
	ClockJumps        uint64
}

// Link manages one serial connection to the micro-controller.
type Link struct {
	opts   Options
	opener PortOpener
	clock  timeutil.Clock

	// writeMu serialises byte writes from the receive loop and callers.
	// Lock order is writeMu before mu.
	writeMu sync.Mutex

	mu           sync.Mutex
	state        State
	port         SerialPorter
	conn         *connection
	queue        outQueue
	stats        Stats
	connectedAt  time.Time
	lastRx       time.Time
	lastIdentify time.Time
	nextOpen     time.Time
	lastTick     time.Time
	receiving    bool
	openFailures int
	everOpened   bool
	setup        []string
	onActive     []func()
	decoders     []Decoder

	// receive goroutine only
	rx         []byte
	discarding bool

	subs subscribers
}

// New creates a link. A nil opener uses OpenSerial; a nil clock uses the
// real clock.
func New(opts Options, opener PortOpener, clock timeutil.Clock) *Link {
	if opener == nil {
		opener = OpenSerial
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Link{
		opts:   opts.withDefaults(),
		opener: opener,
		clock:  clock,
		subs:   newSubscribers(),
	}
}

// Options returns the effective options.
func (l *Link) Options() Options { return l.opts }

// AddDecoder appends decoders to the dispatch order. Register decoders
// before calling Run.
func (l *Link) AddDecoder(d ...Decoder) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.decoders = append(l.decoders, d...)
}

// AddSetupCommands registers commands that are queued every time the link
// becomes active, typically subscriptions.
func (l *Link) AddSetupCommands(cmds ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setup = append(l.setup, cmds...)
}

// OnActive registers f to run, on the receive goroutine, each time the
// device has been identified.
func (l *Link) OnActive(f func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onActive = append(l.onActive, f)
}

// State returns the current connection state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Connected reports whether the link is active and data arrived recently.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == StateActive && l.receiving
}

// Stats returns a copy of the counters.
func (l *Link) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats
	s.State = l.state
	s.Device = l.opts.Device
	s.Receiving = l.receiving
	s.LastActivity = l.lastRx
	s.Queued = l.queue.len()
	return s
}

// Queued lists the commands waiting for confirmation, head first.
func (l *Link) Queued() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.payloads()
}

// SendDirect frames payload and writes it at once without asking for a
// confirmation. It blocks until every byte is written or the write timeout
// expires.
func (l *Link) SendDirect(payload string) error {
	if err := l.write(Frame(payload)); err != nil {
		return err
	}
	l.mu.Lock()
	l.stats.DirectSent++
	l.mu.Unlock()
	return nil
}

// SendQueued appends payload to the acknowledged queue and returns. The
// command is resent until confirmed or until the retry budget is spent.
// It fails with ErrNotConnected unless the link is active.
func (l *Link) SendQueued(payload string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateActive {
		l.stats.Rejected++
		return fmt.Errorf("queue %q: %w (%s)", normalizeQueued(payload), ErrNotConnected, l.state)
	}
	l.queue.push(newOutboundEntry(payload, l.clock.Now()))
	return nil
}

// Drain waits until the queue is empty or timeout expires and reports
// whether it emptied. Run must be active for the queue to make progress.
func (l *Link) Drain(timeout time.Duration) bool {
	deadline := l.clock.Now().Add(timeout)
	for {
		l.mu.Lock()
		n := l.queue.len()
		l.mu.Unlock()
		if n == 0 {
			return true
		}
		if !l.clock.Now().Before(deadline) {
			return false
		}
		l.clock.Sleep(l.opts.PollInterval)
	}
}

// Run opens the device and services the connection until ctx is done.
// Connection problems are handled internally; Run only returns early with
// ErrDeviceUnavailable when MaxOpenFailures is set and exhausted.
func (l *Link) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()
	defer l.closeConnection("link stopped")

	for {
		conn := l.currentConn()
		var data <-chan []byte
		var errc <-chan error
		if conn != nil {
			data, errc = conn.data, conn.errc
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk := <-data:
			l.receive(chunk)
		case err := <-errc:
			l.connectionLost(conn, err)
		case <-ticker.C:
		}

		if err := l.service(); err != nil {
			return err
		}
	}
}

// Close drops the connection and ends all tail subscriptions.
func (l *Link) Close() error {
	l.closeConnection("closed by host")
	l.subs.closeAll()
	return nil
}

func (l *Link) currentConn() *connection {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

// service runs the connection state machine and plays out the queue. It is
// called from Run after every event and poll tick.
func (l *Link) service() error {
	now := l.clock.Now()
	l.mu.Lock()
	jumped := l.detectClockJump(now)

	switch l.state {
	case StateClosed:
		if now.Before(l.nextOpen) {
			l.mu.Unlock()
			return nil
		}
		l.state = StateOpening
		l.mu.Unlock()
		return l.connect(now)

	case StateJustConnected:
		if !jumped && now.Sub(l.connectedAt) > l.opts.IdentifyTimeout {
			l.closeLocked(now, fmt.Sprintf("no identification within %v", l.opts.IdentifyTimeout))
			l.mu.Unlock()
			return nil
		}
		resend := now.Sub(l.lastIdentify) >= l.opts.IdentifyResend
		if resend {
			l.lastIdentify = now
		}
		l.mu.Unlock()
		if resend {
			l.sendIdentify()
		}
		return nil

	case StateActive:
		idle := now.Sub(l.lastRx)
		if l.receiving && idle > l.opts.ActivityStale {
			l.receiving = false
			monitoring.Logf("[link] no data from %s for %v", l.opts.Device, idle.Round(time.Millisecond))
		}
		if !jumped && !l.receiving && idle > l.opts.InactivityTimeout {
			l.closeLocked(now, fmt.Sprintf("no data for %v", idle.Round(time.Millisecond)))
			l.mu.Unlock()
			return nil
		}
		frame := l.nextFrameLocked(now)
		l.mu.Unlock()
		if frame != "" {
			if err := l.write(frame); err != nil {
				monitoring.Debugf("link", "queued write: %v", err)
			}
		}
		return nil
	}

	l.mu.Unlock()
	return nil
}

// nextFrameLocked applies confirmation timeouts to the head entry and
// returns the frame to write now, if any.
func (l *Link) nextFrameLocked(now time.Time) string {
	head := l.queue.front()
	if head == nil {
		return ""
	}
	if head.sent {
		if now.Sub(head.sentAt) <= l.opts.ConfirmTimeout {
			return ""
		}
		if head.retries >= l.opts.MaxRetries {
			l.queue.pop()
			l.stats.Dropped++
			monitoring.Logf("[link] dropped %q after %d retries (%v in queue)",
				head.payload, head.retries, now.Sub(head.queuedAt).Round(time.Millisecond))
			if head = l.queue.front(); head == nil {
				return ""
			}
		} else {
			head.retries++
			head.sent = false
			l.stats.Retransmits++
		}
	}
	head.sent = true
	head.sentAt = now
	l.stats.Sent++
	return head.frame
}

// detectClockJump reports whether the time since the previous service call
// is implausible. When it is, every reference timestamp is moved by the
// jump so that timeouts measure only ordinary elapsed time.
func (l *Link) detectClockJump(now time.Time) bool {
	if l.lastTick.IsZero() {
		l.lastTick = now
		return false
	}
	d := now.Sub(l.lastTick)
	l.lastTick = now
	if d >= 0 && d <= l.opts.ClockJump {
		return false
	}
	shift := func(t *time.Time) {
		if !t.IsZero() {
			*t = t.Add(d)
		}
	}
	shift(&l.connectedAt)
	shift(&l.lastRx)
	shift(&l.lastIdentify)
	shift(&l.nextOpen)
	for _, e := range l.queue.items {
		shift(&e.sentAt)
		shift(&e.queuedAt)
	}
	l.stats.ClockJumps++
	monitoring.Logf("[link] clock jumped by %v, timeouts rebased", d)
	return true
}

func (l *Link) connect(now time.Time) error {
	port, err := l.opener(l.opts.Device, l.opts.Port)

	l.mu.Lock()
	if err != nil {
		l.openFailures++
		l.stats.OpenFailures++
		l.state = StateClosed
		l.nextOpen = now.Add(l.opts.ReopenInterval)
		if l.openFailures <= maxLoggedOpenFailures {
			monitoring.Logf("[link] open %s failed (attempt %d): %v", l.opts.Device, l.openFailures, err)
			if l.openFailures == maxLoggedOpenFailures {
				monitoring.Logf("[link] suppressing further open errors for %s", l.opts.Device)
			}
		}
		giveUp := !l.everOpened && l.opts.MaxOpenFailures > 0 && l.openFailures >= l.opts.MaxOpenFailures
		failures := l.openFailures
		l.mu.Unlock()
		if giveUp {
			return fmt.Errorf("%w: %s after %d attempts: %v", ErrDeviceUnavailable, l.opts.Device, failures, err)
		}
		return nil
	}

	if tp, ok := port.(TimeoutSerialPorter); ok {
		if err := tp.SetReadTimeout(readTimeout); err != nil {
			monitoring.Logf("[link] set read timeout on %s: %v", l.opts.Device, err)
		}
	}
	l.port = port
	l.conn = startReader(port)
	l.state = StateJustConnected
	l.connectedAt = now
	l.lastRx = now
	l.lastIdentify = now
	l.receiving = true
	l.everOpened = true
	l.openFailures = 0
	l.stats.Connects++
	l.rx = l.rx[:0]
	l.discarding = false
	l.mu.Unlock()

	monitoring.Logf("[link] opened %s, waiting for identification", l.opts.Device)
	// stop subscriptions left over from a previous session, then ask who is there
	if err := l.SendDirect("leave"); err != nil {
		return nil
	}
	l.sendIdentify()
	return nil
}

func (l *Link) sendIdentify() {
	for _, cmd := range []string{"hbti", "idi"} {
		if err := l.SendDirect(cmd); err != nil {
			monitoring.Debugf("link", "identify %s: %v", cmd, err)
			return
		}
	}
}

// identified moves a just-connected link to active, queues the setup
// commands and runs the active hooks.
func (l *Link) identified(tag string) {
	l.mu.Lock()
	if l.state != StateJustConnected {
		l.mu.Unlock()
		return
	}
	l.state = StateActive
	now := l.clock.Now()
	for _, cmd := range l.setup {
		l.queue.push(newOutboundEntry(cmd, now))
	}
	hooks := append([]func(){}, l.onActive...)
	n := len(l.setup)
	l.mu.Unlock()

	monitoring.Logf("[link] %s identified by %q, active (%d setup commands queued)", l.opts.Device, tag, n)
	for _, h := range hooks {
		h()
	}
}

func (l *Link) connectionLost(conn *connection, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if conn == nil || conn != l.conn {
		return
	}
	l.closeLocked(l.clock.Now(), fmt.Sprintf("read failed: %v", err))
}

func (l *Link) closeIfCurrent(port SerialPorter, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if port != l.port {
		return
	}
	l.closeLocked(l.clock.Now(), reason)
}

func (l *Link) closeConnection(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeLocked(l.clock.Now(), reason)
}

// closeLocked closes the port, drops every queued command and schedules
// the next open attempt.
func (l *Link) closeLocked(now time.Time, reason string) {
	if l.port == nil {
		l.state = StateClosed
		return
	}
	if l.conn != nil {
		l.conn.stop()
	}
	if err := l.port.Close(); err != nil {
		monitoring.Debugf("link", "close %s: %v", l.opts.Device, err)
	}
	flushed := l.queue.clear()
	l.stats.Flushed += uint64(flushed)
	l.port = nil
	l.conn = nil
	l.state = StateClosed
	l.receiving = false
	l.nextOpen = now.Add(l.opts.ReopenInterval)
	monitoring.Logf("[link] closed %s: %s (%d queued commands dropped)", l.opts.Device, reason, flushed)
}

// write sends one framed line, retrying short writes until the write
// timeout. Any error other than would-block closes the connection.
func (l *Link) write(frame string) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.Lock()
	port := l.port
	l.mu.Unlock()
	if port == nil {
		return ErrNotConnected
	}

	b := []byte(frame)
	deadline := l.clock.Now().Add(l.opts.WriteTimeout)
	for {
		n, err := port.Write(b)
		if n > 0 {
			b = b[min(n, len(b)):]
		}
		if err != nil && !wouldBlock(err) {
			l.closeIfCurrent(port, fmt.Sprintf("write failed: %v", err))
			return fmt.Errorf("%w: %v", ErrWriteFailed, err)
		}
		if len(b) == 0 {
			break
		}
		if !l.clock.Now().Before(deadline) {
			l.mu.Lock()
			l.stats.WriteTimeouts++
			l.mu.Unlock()
			return fmt.Errorf("%w after %v with %d bytes unsent", ErrWriteTimeout, l.opts.WriteTimeout, len(b))
		}
		l.clock.Sleep(time.Millisecond)
	}

	l.mu.Lock()
	l.stats.BytesWritten += uint64(len(frame))
	l.mu.Unlock()
	monitoring.Debugf("link", "tx %s", strings.TrimRight(frame, "\n"))
	return nil
}

func wouldBlock(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, os.ErrDeadlineExceeded)
}

// receive assembles lines from raw bytes. Bytes before a ';' line start are
// noise and skipped; over-long lines are discarded up to the next newline.
func (l *Link) receive(chunk []byte) {
	for _, b := range chunk {
		switch {
		case b == '\n' || b == '\r':
			if len(l.rx) > 0 && !l.discarding {
				l.handleLine(string(l.rx))
			}
			l.rx = l.rx[:0]
			l.discarding = false
		case l.discarding:
		case len(l.rx) == 0 && b != ';':
		case len(l.rx) >= l.opts.MaxLineLength:
			l.mu.Lock()
			l.stats.Malformed++
			l.mu.Unlock()
			monitoring.Logf("[link] discarded line longer than %d bytes", l.opts.MaxLineLength)
			l.rx = l.rx[:0]
			l.discarding = true
		default:
			l.rx = append(l.rx, b)
		}
	}
}

// handleLine checks one complete line and dispatches it.
func (l *Link) handleLine(line string) {
	now := l.clock.Now()
	payload, err := Verify(line)

	l.mu.Lock()
	if err != nil {
		l.stats.ChecksumErrors++
		l.mu.Unlock()
		monitoring.Logf("[link] dropped %q: %v", line, err)
		return
	}
	l.stats.LinesReceived++
	l.lastRx = now
	if !l.receiving && l.state == StateActive {
		monitoring.Logf("[link] data from %s again", l.opts.Device)
	}
	l.receiving = true
	decoders := l.decoders
	l.mu.Unlock()

	monitoring.Debugf("link", "rx %s", payload)
	l.subs.publish(payload)

	switch {
	case strings.HasPrefix(payload, "confirm"):
		l.confirm(payload)
		return
	case strings.HasPrefix(payload, "#"):
		// device side log line
		return
	}

	msg := ParseLine(payload, now)
	if identifyTags[msg.Tag] {
		l.identified(msg.Tag)
	}
	for _, d := range decoders {
		if d.Decode(msg) {
			return
		}
	}
	l.mu.Lock()
	l.stats.Unhandled++
	l.mu.Unlock()
	monitoring.Logf("[link] unhandled line %q", payload)
}

// confirm pops the head of the queue when payload acknowledges it.
func (l *Link) confirm(payload string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	head := l.queue.front()
	if head == nil || !head.sent {
		l.stats.ConfirmMismatches++
		return
	}
	if !head.matches(payload) {
		l.stats.ConfirmMismatches++
		monitoring.Debugf("link", "confirm %q does not match head %q", payload, head.payload)
		return
	}
	l.queue.pop()
	l.stats.Confirmed++
	if head.retries > 0 {
		monitoring.Logf("[link] confirmed %q after %d retries and %v", head.payload, head.retries,
			l.clock.Since(head.queuedAt).Round(time.Millisecond))
	}
}
