// Package odometry integrates wheel encoder ticks into the robot pose and
// wheel velocities.
//
// The pose is kept in two frames: one that can be reset by the host and an
// absolute frame that starts at power-on and is never reset. Position is
// integrated at the mid-point heading of each step.
package odometry

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/robobase/internal/monitoring"
	"github.com/banshee-data/robobase/internal/sensors"
	"github.com/banshee-data/robobase/internal/units"
	"github.com/banshee-data/robobase/internal/versioned"
)

// Wheel indices.
const (
	Left  = 0
	Right = 1
)

// Options describes the wheel geometry.
type Options struct {
	Gear          float64 // motor turns per wheel turn
	WheelDiameter float64 // meters
	TicksPerRev   int     // encoder ticks per motor turn
	Wheelbase     float64 // meters between the wheels
	// MaxTickJump is the largest plausible tick change between two samples;
	// larger changes are treated as no movement.
	MaxTickJump int64
}

// Validate rejects geometry that cannot produce a pose.
func (o Options) Validate() error {
	if o.Gear <= 0 || o.WheelDiameter <= 0 || o.TicksPerRev <= 0 {
		return fmt.Errorf("invalid wheel geometry: gear %g diameter %g ticks/rev %d",
			o.Gear, o.WheelDiameter, o.TicksPerRev)
	}
	if o.Wheelbase <= 0 {
		return fmt.Errorf("wheelbase must be positive, got %g", o.Wheelbase)
	}
	return nil
}

// Frame is a position, heading and accumulated travel in one coordinate
// frame. Heading is in (-π, π].
type Frame struct {
	X        float64
	Y        float64
	Heading  float64
	Distance float64 // signed distance driven
	Turned   float64 // signed angle turned, not wrapped
}

// Pose is one odometry update.
type Pose struct {
	Frame
	// Abs is never reset.
	Abs Frame

	WheelVelocity [2]float64 // m/s, left and right
	Velocity      float64    // m/s
	TurnRate      float64    // rad/s
	TurnRadius    float64    // m, signed
	At            time.Time

	// Epoch counts resets of the resettable frame. Readers holding state
	// in that frame restart from it when Epoch changes.
	Epoch uint64
}

// Odometry consumes encoder samples and publishes poses. It is the single
// writer of Pose.
type Odometry struct {
	opts Options
	dpt  float64
	enc  *versioned.Cell[sensors.Encoder]

	Pose versioned.Cell[Pose]

	mu      sync.Mutex
	seen    uint64
	started bool
	last    [2]int64
	lastAt  [2]time.Time
	pose    Pose
}

// New creates the odometry engine reading from enc.
func New(enc *versioned.Cell[sensors.Encoder], opts Options) *Odometry {
	if opts.MaxTickJump <= 0 {
		opts.MaxTickJump = 1000
	}
	o := &Odometry{
		opts: opts,
		dpt:  units.DistancePerTick(opts.WheelDiameter, opts.Gear, opts.TicksPerRev),
		enc:  enc,
	}
	monitoring.Logf("[pose] %.4g m per tick, wheelbase %.3f m", o.dpt, opts.Wheelbase)
	return o
}

// DistancePerTick returns the wheel travel per encoder tick in meters.
func (o *Odometry) DistancePerTick() float64 { return o.dpt }

// Step processes the newest encoder sample, if any, and reports whether
// there was one.
func (o *Odometry) Step() bool {
	s, ok := o.enc.Next(&o.seen)
	if !ok {
		return false
	}
	o.Update(s)
	return true
}

// Run calls Step every interval until ctx is done.
func (o *Odometry) Run(ctx context.Context, interval time.Duration) error {
	return versioned.Poll(ctx, interval, o.Step)
}

// Update integrates one encoder sample and publishes the new pose. The
// first sample only sets the reference counters.
func (o *Odometry) Update(s sensors.Encoder) Pose {
	o.mu.Lock()
	defer o.mu.Unlock()

	enc := [2]int64{s.Left, s.Right}
	p := &o.pose
	p.At = s.At
	if !o.started {
		o.started = true
		o.last = enc
		o.lastAt = [2]time.Time{s.At, s.At}
		o.Pose.Publish(*p)
		return *p
	}

	dtt := 1.0 // shortest wheel interval, for turn-rate
	var dd [2]float64
	for i := range enc {
		dt := s.At.Sub(o.lastAt[i]).Seconds()
		if dt > 0 && dt < dtt {
			dtt = dt
		}
		de := enc[i] - o.last[i]
		if de > o.opts.MaxTickJump || de < -o.opts.MaxTickJump {
			monitoring.Logf("[pose] ignored %d tick jump on wheel %d", de, i)
			de = 0
		}
		dd[i] = float64(de) * o.dpt
		switch {
		case dt <= 0:
			// same timestamp as the last change, velocity unknown
		case enc[i] != o.last[i]:
			p.WheelVelocity[i] = dd[i] / dt
		case p.WheelVelocity[i] != 0:
			// no tick since the last change: at most one tick per dt
			p.WheelVelocity[i] = math.Copysign(o.dpt/dt, p.WheelVelocity[i])
		}
		if enc[i] != o.last[i] {
			o.last[i] = enc[i]
			o.lastAt[i] = s.At
		}
	}

	dh := (dd[Right] - dd[Left]) / o.opts.Wheelbase
	ds := (dd[Left] + dd[Right]) / 2
	integrate(&p.Frame, ds, dh)
	integrate(&p.Abs, ds, dh)
	p.TurnRate = dh / dtt
	p.Velocity = ds / dtt
	p.TurnRadius = units.TurnRadius(p.Velocity, p.TurnRate)

	o.Pose.Publish(*p)
	monitoring.Debugf("pose", "vel %.4f %.4f %.4f turn %.5f radius %.3f pose %.3f %.3f %.4f",
		p.WheelVelocity[Left], p.WheelVelocity[Right], p.Velocity, p.TurnRate, p.TurnRadius,
		p.X, p.Y, p.Heading)
	return *p
}

// integrate moves f by ds along the heading half way through the turn dh.
func integrate(f *Frame, ds, dh float64) {
	h := f.Heading + dh/2
	f.X += math.Cos(h) * ds
	f.Y += math.Sin(h) * ds
	f.Heading = units.WrapAngle(h + dh/2)
	f.Distance += ds
	f.Turned += dh
}

// Reset zeroes the resettable frame, advances the epoch and publishes the
// result. The absolute frame, the velocities and the sample time are kept.
// This is the only pose published without a new encoder sample; loops that
// act per sample see its unchanged At as a zero interval.
func (o *Odometry) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pose.Frame = Frame{}
	o.pose.Epoch++
	o.Pose.Publish(o.pose)
	monitoring.Logf("[pose] reset")
}
