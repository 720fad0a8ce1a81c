package devlink

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/robobase/internal/monitoring"
	"github.com/banshee-data/robobase/internal/timeutil"
)

var testStart = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

type linkFixture struct {
	link    *Link
	port    *TestableSerialPort
	factory *MockPortFactory
	clock   *timeutil.MockClock
}

func routeLogs(t *testing.T) {
	t.Helper()
	original := monitoring.Logf
	monitoring.SetLogger(t.Logf)
	t.Cleanup(func() { monitoring.SetLogger(original) })
}

func newFixture(t *testing.T, opts Options, extraPorts ...SerialPorter) *linkFixture {
	t.Helper()
	routeLogs(t)
	port := NewTestableSerialPort()
	factory := NewMockPortFactory(append([]SerialPorter{port}, extraPorts...)...)
	clock := timeutil.NewMockClock(testStart)
	l := New(opts, factory.Open, clock)
	t.Cleanup(func() { l.Close() })
	return &linkFixture{link: l, port: port, factory: factory, clock: clock}
}

// feed delivers complete framed lines as the receive loop would.
func (f *linkFixture) feed(payloads ...string) {
	for _, p := range payloads {
		f.link.receive([]byte(Frame(p)))
	}
}

func (f *linkFixture) step(t *testing.T, d time.Duration) {
	t.Helper()
	f.clock.Advance(d)
	require.NoError(t, f.link.service())
}

func (f *linkFixture) activate(t *testing.T) {
	t.Helper()
	require.NoError(t, f.link.service())
	require.Equal(t, StateJustConnected, f.link.State())
	f.feed("dname robot")
	require.Equal(t, StateActive, f.link.State())
}

func countPayload(payloads []string, want string) int {
	n := 0
	for _, p := range payloads {
		if p == want {
			n++
		}
	}
	return n
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, DefaultOptions(), o)

	o = Options{ConfirmTimeout: 5 * time.Millisecond, MaxRetries: -1}.withDefaults()
	assert.Equal(t, 20*time.Millisecond, o.ConfirmTimeout, "too short confirm timeout is raised")
	assert.Zero(t, o.MaxRetries)
}

func TestConnectSendsHandshake(t *testing.T) {
	f := newFixture(t, Options{Device: "/dev/ttyTEST"})
	assert.Equal(t, StateClosed, f.link.State())

	require.NoError(t, f.link.service())

	assert.Equal(t, StateJustConnected, f.link.State())
	require.Equal(t, 1, f.factory.Calls())
	assert.Equal(t, "/dev/ttyTEST", f.factory.OpenCalls[0].Path)
	assert.Equal(t, []string{"leave", "hbti", "idi"}, f.port.WrittenPayloads())
	assert.Equal(t, readTimeout, f.port.ReadTimeout)
	assert.Equal(t, uint64(1), f.link.Stats().Connects)
}

func TestIdentifyIsResentWhileJustConnected(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.link.service())

	f.step(t, 500*time.Millisecond)
	assert.Len(t, f.port.WrittenPayloads(), 3, "no resend before the resend interval")

	f.step(t, 600*time.Millisecond)
	written := f.port.WrittenPayloads()
	assert.Equal(t, 2, countPayload(written, "hbti"))
	assert.Equal(t, 2, countPayload(written, "idi"))
	assert.Equal(t, StateJustConnected, f.link.State())
}

func TestIdentifyTimeoutCloses(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.link.service())
	f.feed("enc 1 2") // traffic without identification does not help

	for i := 0; i < 20; i++ {
		f.step(t, time.Second)
		require.Equal(t, StateJustConnected, f.link.State(), "after %ds", i+1)
	}
	f.step(t, time.Second)
	assert.Equal(t, StateClosed, f.link.State())
	assert.True(t, f.port.IsClosed())
}

func TestIdentificationByHeartbeat(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.link.service())
	f.feed("hbt 12.0 3 1017 12.1 0 4 0.1 1 1")
	assert.Equal(t, StateActive, f.link.State())
	assert.True(t, f.link.Connected())
}

func TestActivationQueuesSetupAndRunsHooks(t *testing.T) {
	f := newFixture(t, Options{})
	f.link.AddSetupCommands("sub enc 8", "sub hbt 500")
	hooks := 0
	f.link.OnActive(func() {
		hooks++
		assert.NoError(t, f.link.SendQueued("servo 1 10000 0"))
	})

	f.activate(t)
	assert.Equal(t, 1, hooks)
	assert.Equal(t, []string{"sub enc 8", "sub hbt 500", "servo 1 10000 0"}, f.link.Queued())

	require.NoError(t, f.link.service())
	assert.Contains(t, string(f.port.GetWrittenData()), Frame("!sub enc 8"))
}

func TestQueuedSendConfirmed(t *testing.T) {
	f := newFixture(t, Options{})
	f.activate(t)

	require.NoError(t, f.link.SendQueued("servo 1 200 0"))
	require.NoError(t, f.link.SendQueued("servo 2 300 0"))
	require.NoError(t, f.link.service())
	assert.Equal(t, 1, countPayload(f.port.WrittenPayloads(), "!servo 1 200 0"))
	assert.Zero(t, countPayload(f.port.WrittenPayloads(), "!servo 2 300 0"), "only the head is in flight")

	f.feed("confirm servo 2 300 0")
	assert.Equal(t, uint64(1), f.link.Stats().ConfirmMismatches)
	assert.Len(t, f.link.Queued(), 2)

	f.feed("confirm servo 1 200 0")
	assert.Equal(t, []string{"servo 2 300 0"}, f.link.Queued())

	require.NoError(t, f.link.service())
	f.feed("confirm !servo 2 300 0")
	s := f.link.Stats()
	assert.Zero(t, s.Queued)
	assert.Equal(t, uint64(2), s.Confirmed)
	assert.Zero(t, s.Retransmits)
}

func TestNeverConfirmedCommandIsRetriedThenDropped(t *testing.T) {
	const maxRetries = 3
	f := newFixture(t, Options{ConfirmTimeout: 40 * time.Millisecond, MaxRetries: maxRetries})
	f.activate(t)
	f.link.AddDecoder(DecoderFunc(func(Line) bool { return true }))

	require.NoError(t, f.link.SendQueued("gyrocal 0 0 0"))
	require.NoError(t, f.link.SendQueued("sub ir 45"))

	require.NoError(t, f.link.service())
	for i := 0; i < 2*maxRetries+4; i++ {
		f.step(t, 25*time.Millisecond)
		f.feed("enc 1 1") // keep the connection alive
	}

	written := f.port.WrittenPayloads()
	assert.Equal(t, 1+maxRetries, countPayload(written, "!gyrocal 0 0 0"))
	s := f.link.Stats()
	assert.Equal(t, uint64(maxRetries), s.Retransmits-uint64(countPayload(written, "!sub ir 45")-1))
	assert.Equal(t, uint64(1), s.Dropped)
	assert.Equal(t, []string{"sub ir 45"}, f.link.Queued()[:1])
	assert.GreaterOrEqual(t, countPayload(written, "!sub ir 45"), 1, "next entry goes out after the drop")
}

func TestQueuedSendRejectedWhenNotActive(t *testing.T) {
	f := newFixture(t, Options{})
	err := f.link.SendQueued("sub enc 8")
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, f.link.service())
	err = f.link.SendQueued("sub enc 8")
	assert.ErrorIs(t, err, ErrNotConnected, "just connected does not take queued commands")
	assert.Equal(t, uint64(2), f.link.Stats().Rejected)
	assert.Empty(t, f.link.Queued())
}

func TestInactivityClosesAndReconnects(t *testing.T) {
	second := NewTestableSerialPort()
	f := newFixture(t, Options{}, second)
	f.activate(t)
	require.NoError(t, f.link.SendQueued("sub enc 8"))
	require.NoError(t, f.link.SendQueued("sub liv 8"))

	for i := 0; i < 10; i++ {
		f.step(t, time.Second)
	}
	assert.Equal(t, StateActive, f.link.State(), "10s of silence is still tolerated")
	assert.False(t, f.link.Connected(), "but no longer receiving")

	f.step(t, time.Second)
	assert.Equal(t, StateClosed, f.link.State())
	assert.True(t, f.port.IsClosed())
	assert.Empty(t, f.link.Queued())
	assert.Equal(t, uint64(2), f.link.Stats().Flushed)

	f.step(t, 100*time.Millisecond)
	assert.Equal(t, 1, f.factory.Calls(), "reopen waits for the reopen interval")

	f.step(t, 250*time.Millisecond)
	assert.Equal(t, 2, f.factory.Calls())
	assert.Equal(t, StateJustConnected, f.link.State())
	assert.Equal(t, []string{"leave", "hbti", "idi"}, second.WrittenPayloads())

	f.feed("dname robot")
	assert.Equal(t, StateActive, f.link.State())
	assert.Equal(t, uint64(2), f.link.Stats().Connects)
}

func TestClockJumpDoesNotDisconnect(t *testing.T) {
	f := newFixture(t, Options{})
	f.activate(t)

	f.step(t, time.Hour)
	assert.Equal(t, StateActive, f.link.State())
	assert.Equal(t, uint64(1), f.link.Stats().ClockJumps)

	f.clock.Set(f.clock.Now().Add(-30 * time.Minute))
	require.NoError(t, f.link.service())
	assert.Equal(t, StateActive, f.link.State())
	assert.Equal(t, uint64(2), f.link.Stats().ClockJumps)

	for i := 0; i < 9; i++ {
		f.step(t, time.Second)
	}
	assert.Equal(t, StateActive, f.link.State(), "inactivity measured from rebased timestamps")
	f.step(t, 1500*time.Millisecond)
	assert.Equal(t, StateClosed, f.link.State())
}

func TestReceiveLineAssembly(t *testing.T) {
	f := newFixture(t, Options{MaxLineLength: 40})
	var got []string
	f.link.AddDecoder(DecoderFunc(func(l Line) bool {
		got = append(got, l.Payload)
		return true
	}))
	require.NoError(t, f.link.service())

	line := Frame("enc 10 20")
	f.link.receive([]byte("garbage" + line[:5]))
	f.link.receive([]byte(line[5:]))
	f.link.receive([]byte(";00bad sum\n"))
	f.link.receive([]byte(Frame(strings.Repeat("x", 60))))
	f.link.receive([]byte(Frame("# device log") + Frame("enc 11 21")))
	f.link.receive([]byte("\r\n\r\n"))

	assert.Equal(t, []string{"enc 10 20", "enc 11 21"}, got)
	s := f.link.Stats()
	assert.Equal(t, uint64(1), s.ChecksumErrors)
	assert.Equal(t, uint64(1), s.Malformed)
	assert.Equal(t, uint64(3), s.LinesReceived)
}

func TestDispatchOrder(t *testing.T) {
	f := newFixture(t, Options{})
	var calls []string
	f.link.AddDecoder(
		TagDecoder("enc", func(Line) { calls = append(calls, "first") }),
		TagDecoder("enc", func(Line) { calls = append(calls, "second") }),
		TagDecoder("ir", func(Line) { calls = append(calls, "ir") }),
	)
	f.activate(t)

	f.feed("enc 1 2", "ir 0.1 0.2 1 2", "zzz 1")
	assert.Equal(t, []string{"first", "ir"}, calls)
	assert.Equal(t, uint64(2), f.link.Stats().Unhandled, "dname and zzz")
}

func TestSubscribeReceivesPayloads(t *testing.T) {
	f := newFixture(t, Options{})
	id, ch := f.link.Subscribe()
	f.activate(t)
	f.feed("enc 5 6")

	assert.Equal(t, "dname robot", <-ch)
	assert.Equal(t, "enc 5 6", <-ch)
	f.link.Unsubscribe(id)
	_, open := <-ch
	assert.False(t, open)
}

func TestDirectSendPartialWrites(t *testing.T) {
	f := newFixture(t, Options{})
	f.activate(t)
	f.port.Reset()
	f.port.WriteLimit = 3

	require.NoError(t, f.link.SendDirect("motv 1.00 -1.00"))
	assert.Equal(t, Frame("motv 1.00 -1.00"), string(f.port.GetWrittenData()))
}

func TestDirectSendTimeout(t *testing.T) {
	f := newFixture(t, Options{WriteTimeout: 100 * time.Millisecond})
	f.activate(t)
	f.port.BlockWrites = true

	err := f.link.SendDirect("motv 0 0")
	assert.ErrorIs(t, err, ErrWriteTimeout)
	assert.Len(t, f.clock.Sleeps(), 100)
	assert.Equal(t, StateActive, f.link.State(), "would-block does not close the link")
	assert.Equal(t, uint64(1), f.link.Stats().WriteTimeouts)
}

func TestWriteErrorClosesLink(t *testing.T) {
	f := newFixture(t, Options{})
	f.activate(t)
	require.NoError(t, f.link.SendQueued("sub enc 8"))
	f.port.WriteError = errors.New("device unplugged")

	err := f.link.SendDirect("motv 0 0")
	assert.ErrorIs(t, err, ErrWriteFailed)
	assert.Equal(t, StateClosed, f.link.State())
	assert.Empty(t, f.link.Queued())

	assert.ErrorIs(t, f.link.SendDirect("motv 0 0"), ErrNotConnected)
}

func TestReadErrorClosesLink(t *testing.T) {
	f := newFixture(t, Options{})
	f.activate(t)
	conn := f.link.currentConn()
	f.link.connectionLost(nil, errors.New("ignored"))
	assert.Equal(t, StateActive, f.link.State(), "unknown connection is ignored")

	f.link.connectionLost(conn, errors.New("read failed"))
	assert.Equal(t, StateClosed, f.link.State())
}

func TestOpenFailures(t *testing.T) {
	f := newFixture(t, Options{MaxOpenFailures: 3})
	f.factory.SetError(errors.New("no such device"))

	require.NoError(t, f.link.service())
	assert.Equal(t, StateClosed, f.link.State())
	f.step(t, 100*time.Millisecond)
	assert.Equal(t, 1, f.factory.Calls(), "waits before retrying")

	f.step(t, 300*time.Millisecond)
	assert.Equal(t, 2, f.factory.Calls())

	f.clock.Advance(300 * time.Millisecond)
	err := f.link.service()
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.Equal(t, uint64(3), f.link.Stats().OpenFailures)
}

func TestDrain(t *testing.T) {
	f := newFixture(t, Options{})
	assert.True(t, f.link.Drain(time.Second))

	f.activate(t)
	require.NoError(t, f.link.SendQueued("eew"))
	assert.False(t, f.link.Drain(50*time.Millisecond))
}

func TestRunWithRealClock(t *testing.T) {
	routeLogs(t)
	port := NewTestableSerialPort()
	factory := NewMockPortFactory(port)
	l := New(Options{}, factory.Open, nil)
	l.AddSetupCommands("sub enc 8")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return l.State() == StateJustConnected }, time.Second, time.Millisecond)
	port.AddLine("dname robot")
	require.Eventually(t, func() bool { return l.State() == StateActive }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return countPayload(port.WrittenPayloads(), "!sub enc 8") > 0
	}, time.Second, time.Millisecond)

	port.AddLine("confirm sub enc 8")
	require.Eventually(t, func() bool { return len(l.Queued()) == 0 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	assert.True(t, port.IsClosed())
	assert.Equal(t, StateClosed, l.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "opening", StateOpening.String())
	assert.Equal(t, "just-connected", StateJustConnected.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "state(9)", State(9).String())
}
