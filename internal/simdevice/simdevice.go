// Package simdevice is an in-process stand-in for the motor and sensor
// micro-controller. It speaks the line protocol through a
// devlink.TestableSerialPort, confirms acknowledged commands, streams the
// subscribed telemetry and turns motor voltages into encoder ticks through
// a first-order wheel model.
package simdevice

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/robobase/internal/devlink"
	"github.com/banshee-data/robobase/internal/monitoring"
	"github.com/banshee-data/robobase/internal/timeutil"
)

// Options describes the simulated robot. Zero fields take defaults.
type Options struct {
	Name     string
	Index    int
	Version  int
	Hardware int
	Battery  float64 // volts

	// TicksPerMeter converts wheel travel to encoder ticks.
	TicksPerMeter float64
	// Wheelbase is used for the simulated gyro.
	Wheelbase float64
	// SpeedPerVolt is the steady state wheel speed in m/s for 1 V.
	SpeedPerVolt float64
	// TimeConstant is the wheel speed response time in seconds.
	TimeConstant float64
	// Line is the raw line sensor pattern reported by "liv".
	Line [8]int
	// Distance is reported by "ir" for both sensors, in meters.
	Distance float64
}

// DefaultOptions match the default robot geometry: 19:1 gear, 68 ticks
// per motor turn and 0.146 m wheels.
func DefaultOptions() Options {
	return Options{
		Name:          "sim",
		Index:         1,
		Version:       1,
		Hardware:      6,
		Battery:       12.0,
		TicksPerMeter: 19 * 68 / (0.146 * math.Pi),
		Wheelbase:     0.243,
		SpeedPerVolt:  0.1,
		TimeConstant:  0.05,
		Line:          [8]int{0, 0, 0, 1000, 1000, 0, 0, 0},
		Distance:      1.5,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Name == "" {
		o.Name = d.Name
	}
	if o.Index == 0 {
		o.Index = d.Index
	}
	if o.Version == 0 {
		o.Version = d.Version
	}
	if o.Hardware == 0 {
		o.Hardware = d.Hardware
	}
	if o.Battery == 0 {
		o.Battery = d.Battery
	}
	if o.TicksPerMeter <= 0 {
		o.TicksPerMeter = d.TicksPerMeter
	}
	if o.Wheelbase <= 0 {
		o.Wheelbase = d.Wheelbase
	}
	if o.SpeedPerVolt <= 0 {
		o.SpeedPerVolt = d.SpeedPerVolt
	}
	if o.TimeConstant <= 0 {
		o.TimeConstant = d.TimeConstant
	}
	if o.Line == ([8]int{}) {
		o.Line = d.Line
	}
	if o.Distance <= 0 {
		o.Distance = d.Distance
	}
	return o
}

type subscription struct {
	interval time.Duration
	next     time.Time
}

// Device is one simulated micro-controller.
type Device struct {
	opts  Options
	clock timeutil.Clock

	mu       sync.Mutex
	port     *devlink.TestableSerialPort
	opens    int
	subs     map[string]*subscription
	voltage  [2]float64
	velocity [2]float64 // m/s
	ticks    [2]float64
	reversed bool
	started  time.Time
	last     time.Time
	received []string
}

// New creates a device. A nil clock uses the real clock.
func New(opts Options, clock timeutil.Clock) *Device {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	now := clock.Now()
	return &Device{
		opts:    opts.withDefaults(),
		clock:   clock,
		subs:    make(map[string]*subscription),
		started: now,
		last:    now,
	}
}

// Open implements devlink.PortOpener. Every call returns a fresh port; the
// device state survives reconnects like the real hardware does.
func (d *Device) Open(path string, _ devlink.PortOptions) (devlink.SerialPorter, error) {
	port := devlink.NewTestableSerialPort()
	port.OnWrite = d.handle
	d.mu.Lock()
	d.port = port
	d.opens++
	d.mu.Unlock()
	monitoring.Debugf("sim", "opened as %s", path)
	return port, nil
}

// Port returns the port of the latest connection, nil before the first Open.
func (d *Device) Port() *devlink.TestableSerialPort {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.port
}

// Received returns every command payload the device accepted, without
// check code or confirmation marker.
func (d *Device) Received() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.received...)
}

// Subscriptions returns the subscribed tags in name order.
func (d *Device) Subscriptions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	tags := make([]string, 0, len(d.subs))
	for t := range d.subs {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// Voltage returns the last motor voltages.
func (d *Device) Voltage() [2]float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.voltage
}

// EncoderReversed reports the last "encrev" setting.
func (d *Device) EncoderReversed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reversed
}

// Velocity returns the simulated wheel speeds in m/s.
func (d *Device) Velocity() [2]float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.velocity
}

// Run advances the model and streams telemetry every interval until ctx
// is done.
func (d *Device) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			d.Step(d.clock.Now())
		}
	}
}

// Step advances the wheel model to now and emits every subscription that
// is due.
func (d *Device) Step(now time.Time) {
	d.mu.Lock()
	dt := now.Sub(d.last).Seconds()
	d.last = now
	if dt > 0 && dt < 1 {
		k := 1 - math.Exp(-dt/d.opts.TimeConstant)
		for i := range d.velocity {
			target := d.voltage[i] * d.opts.SpeedPerVolt
			d.velocity[i] += (target - d.velocity[i]) * k
			d.ticks[i] += d.velocity[i] * dt * d.opts.TicksPerMeter
		}
	}
	var out []string
	for tag, s := range d.subs {
		if now.Before(s.next) {
			continue
		}
		s.next = s.next.Add(s.interval)
		if s.next.Before(now) {
			s.next = now.Add(s.interval)
		}
		if line := d.telemetryLocked(tag, now); line != "" {
			out = append(out, line)
		}
	}
	port := d.port
	d.mu.Unlock()

	sort.Strings(out)
	for _, l := range out {
		reply(port, l)
	}
}

func (d *Device) telemetryLocked(tag string, now time.Time) string {
	switch tag {
	case "enc":
		// left counts down when driving forward
		return fmt.Sprintf("enc %d %d", -int64(math.Round(d.ticks[0])), int64(math.Round(d.ticks[1])))
	case "hbt":
		return d.heartbeatLocked(now)
	case "gyro0":
		w := (d.velocity[1] - d.velocity[0]) / d.opts.Wheelbase
		return fmt.Sprintf("gyro0 0 0 %.4f", w*180/math.Pi)
	case "acc0":
		return "acc0 0 0 1"
	case "liv":
		f := make([]string, len(d.opts.Line))
		for i, v := range d.opts.Line {
			f[i] = strconv.Itoa(v)
		}
		return "liv " + strings.Join(f, " ")
	case "ir":
		return fmt.Sprintf("ir %.3f %.3f 30000 30000", d.opts.Distance, d.opts.Distance)
	case "svo":
		return "svo" + strings.Repeat(" 0 10000 0", 5)
	}
	return ""
}

func (d *Device) heartbeatLocked(now time.Time) string {
	return fmt.Sprintf("hbt %.4f %d %d %.2f 0 %d 1.5 1 1",
		now.Sub(d.started).Seconds(), d.opts.Index, d.opts.Version, d.opts.Battery, d.opts.Hardware)
}

// handle executes one line written by the host.
func (d *Device) handle(line string) {
	payload, err := devlink.Verify(line)
	if err != nil {
		monitoring.Debugf("sim", "rejected %q: %v", line, err)
		return
	}
	ack := strings.HasPrefix(payload, "!")
	payload = strings.TrimSpace(strings.TrimPrefix(payload, "!"))
	f := strings.Fields(payload)
	if len(f) == 0 {
		return
	}

	now := d.clock.Now()
	var out []string
	d.mu.Lock()
	d.received = append(d.received, payload)
	if ack {
		out = append(out, "confirm "+payload)
	}
	switch f[0] {
	case "hbti":
		out = append(out, d.heartbeatLocked(now))
	case "idi":
		out = append(out, "dname "+d.opts.Name)
	case "leave":
		clear(d.subs)
	case "sub":
		if len(f) >= 3 {
			ms, err := strconv.Atoi(f[2])
			switch {
			case err != nil:
			case ms <= 0:
				delete(d.subs, f[1])
			default:
				iv := time.Duration(ms) * time.Millisecond
				d.subs[f[1]] = &subscription{interval: iv, next: now.Add(iv)}
			}
		}
	case "motv":
		if len(f) >= 3 {
			for i := range d.voltage {
				if v, err := strconv.ParseFloat(f[1+i], 64); err == nil {
					d.voltage[i] = v
				}
			}
		}
	case "stop":
		d.voltage = [2]float64{}
	case "enc0":
		d.ticks = [2]float64{}
	case "encrev":
		d.reversed = len(f) > 1 && f[1] == "1"
	}
	port := d.port
	d.mu.Unlock()

	for _, l := range out {
		reply(port, l)
	}
}

func reply(port *devlink.TestableSerialPort, payload string) {
	if port == nil || port.IsClosed() {
		return
	}
	port.AddLine(payload)
}
