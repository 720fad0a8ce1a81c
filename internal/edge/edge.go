// Package edge steers along the edge of a line while the mixer is in edge
// mode.
package edge

import (
	"context"
	"math"
	"time"

	"github.com/banshee-data/robobase/internal/linesensor"
	"github.com/banshee-data/robobase/internal/mixer"
	"github.com/banshee-data/robobase/internal/monitoring"
	"github.com/banshee-data/robobase/internal/pid"
	"github.com/banshee-data/robobase/internal/versioned"
)

// Options configures the edge loop. The PID sample time is the line
// sensor rate.
type Options struct {
	PID         pid.Config
	MaxTurnRate float64 // rad/s
}

// Mixer is the part of the mixer the edge loop reads and drives.
type Mixer interface {
	Selection() (mixer.Mode, uint64)
	SetInModeTurnRate(w float64) bool
}

// Limiter reports whether a downstream actuator is saturated.
type Limiter interface {
	Limited() bool
}

// Sample is published after every step while edge mode is active, and once
// when it ends.
type Sample struct {
	Active   bool
	Left     bool
	Offset   float64
	Measured float64
	Valid    bool
	Output   float64
	Limited  bool
	At       time.Time
}

// Controller runs once per edge measurement.
type Controller struct {
	edge  *versioned.Cell[linesensor.Edge]
	mixer Mixer
	motor Limiter
	pid   *pid.Controller
	max   float64

	Out versioned.Cell[Sample]

	seen    uint64
	active  bool
	session uint64
	u       float64
	limited bool
}

// New creates the edge controller.
func New(edge *versioned.Cell[linesensor.Edge], mx Mixer, motor Limiter, opts Options) *Controller {
	opts.PID.WrapError = false
	c := &Controller{
		edge:  edge,
		mixer: mx,
		motor: motor,
		pid:   pid.New(opts.PID),
		max:   opts.MaxTurnRate,
	}
	monitoring.Logf("[edge] %s max %.2f rad/s", c.pid, c.max)
	return c
}

// Step runs the loop for a new edge measurement, if any, and reports
// whether there was one.
func (c *Controller) Step() bool {
	e, ok := c.edge.Next(&c.seen)
	if !ok {
		return false
	}
	c.Update(e)
	return true
}

// Run calls Step every interval until ctx is done.
func (c *Controller) Run(ctx context.Context, interval time.Duration) error {
	return versioned.Poll(ctx, interval, c.Step)
}

// Update runs one step for edge measurement e and returns the turn-rate.
// An edge measured left of the wanted offset gives a positive turn-rate,
// turning the robot left towards it. Without a valid
// line the turn-rate is zero. When edge mode ends the output is zeroed and
// the PID history cleared. Every edge mode selection starts with a cleared
// history, even when the previous one ended between two measurements.
func (c *Controller) Update(e linesensor.Edge) float64 {
	selected, session := c.mixer.Selection()
	mode, ok := selected.(mixer.EdgeMode)
	if !ok {
		if c.active {
			c.active = false
			c.u = 0
			c.limited = false
			c.pid.Reset()
			c.Out.Publish(Sample{At: e.At})
			monitoring.Debugf("edge", "edge mode ended")
		}
		return 0
	}
	if !c.active || session != c.session {
		c.u = 0
		c.limited = false
		c.pid.Reset()
		monitoring.Debugf("edge", "%s selected", mode)
	}
	c.active = true
	c.session = session

	measured := e.Right
	if mode.Left {
		measured = e.Left
	}
	if e.Valid {
		u := -c.pid.Update(mode.Offset, measured, c.limited)
		c.limited = math.Abs(u) > c.max || c.motor.Limited()
		c.u = math.Max(-c.max, math.Min(c.max, u))
	} else {
		c.u = 0
		c.limited = c.motor.Limited()
	}
	c.mixer.SetInModeTurnRate(c.u)

	c.Out.Publish(Sample{
		Active:   true,
		Left:     mode.Left,
		Offset:   mode.Offset,
		Measured: measured,
		Valid:    e.Valid,
		Output:   c.u,
		Limited:  c.limited,
		At:       e.At,
	})
	monitoring.Debugf("edge", "%s measured %.4f valid %v u %.4f limited %v",
		mode, measured, e.Valid, c.u, c.limited)
	return c.u
}
