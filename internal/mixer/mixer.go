// Package mixer arbitrates between manual and autonomous drive commands and
// between the heading-control modes, and converts linear velocity and
// turn-rate into a velocity reference for each wheel.
package mixer

import (
	"fmt"
	"sync"

	"github.com/banshee-data/robobase/internal/monitoring"
	"github.com/banshee-data/robobase/internal/units"
	"github.com/banshee-data/robobase/internal/versioned"
)

// DefaultWheelbase replaces configured wheelbases below minWheelbase.
const DefaultWheelbase = 0.22

const minWheelbase = 0.005

// Mode selects what the heading controller tracks.
type Mode interface {
	isMode()
	String() string
}

// TurnRateMode integrates the commanded turn-rate into a target heading.
type TurnRateMode struct{}

// HeadingMode holds an absolute heading in radians.
type HeadingMode struct {
	Heading float64
}

// EdgeMode follows the left or right edge of a line at Offset meters,
// positive to the left. The turn-rate comes from the edge controller.
type EdgeMode struct {
	Left   bool
	Offset float64
}

func (TurnRateMode) isMode() {}
func (HeadingMode) isMode()  {}
func (EdgeMode) isMode()     {}

func (TurnRateMode) String() string { return "turnrate" }
func (m HeadingMode) String() string {
	return fmt.Sprintf("heading %.1fdeg", units.Deg(m.Heading))
}
func (m EdgeMode) String() string {
	side := "right"
	if m.Left {
		side = "left"
	}
	return fmt.Sprintf("edge %s %+.3fm", side, m.Offset)
}

// HeadingReference is what the heading controller tracks: a turn-rate to
// integrate, or an absolute heading.
type HeadingReference struct {
	UseTurnRate bool
	TurnRate    float64
	Heading     float64
}

// Output is one mixer update.
type Output struct {
	Manual    bool
	Velocity  float64
	Mode      Mode
	Reference HeadingReference
	// TurnRate is the heading controller output the wheel references use.
	TurnRate       float64
	WheelReference [2]float64 // m/s, left and right
	TurnRadius     float64
}

// Mixer is safe for concurrent use. Every setter recomputes and publishes
// the wheel references.
type Mixer struct {
	wheelbase float64

	Out versioned.Cell[Output]

	mu             sync.Mutex
	mode           Mode
	selections     uint64
	desiredHeading float64
	autoVelocity   float64
	autoTurnRate   float64
	manual         bool
	manualVelocity float64
	manualTurnRate float64
	turnRate       float64
}

// New creates a mixer in turn-rate mode with everything at rest.
func New(wheelbase float64) *Mixer {
	if wheelbase < minWheelbase {
		monitoring.Logf("[mixer] wheelbase %g too small, using %g", wheelbase, DefaultWheelbase)
		wheelbase = DefaultWheelbase
	}
	m := &Mixer{wheelbase: wheelbase, mode: TurnRateMode{}}
	m.mu.Lock()
	m.updateLocked()
	m.mu.Unlock()
	return m
}

// Wheelbase returns the wheelbase in use.
func (m *Mixer) Wheelbase() float64 { return m.wheelbase }

// SetVelocity sets the autonomous linear velocity in m/s.
func (m *Mixer) SetVelocity(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoVelocity = v
	m.updateLocked()
}

// SetTurnRate selects turn-rate mode with the given rate in rad/s.
func (m *Mixer) SetTurnRate(w float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selectLocked(TurnRateMode{})
	m.autoTurnRate = w
	m.updateLocked()
}

// SetHeading selects absolute heading mode.
func (m *Mixer) SetHeading(h float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selectLocked(HeadingMode{Heading: h})
	m.desiredHeading = h
	m.updateLocked()
}

// SetEdgeMode selects edge following. The turn-rate is zero until the edge
// controller supplies one.
func (m *Mixer) SetEdgeMode(left bool, offset float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selectLocked(EdgeMode{Left: left, Offset: offset})
	m.autoTurnRate = 0
	m.updateLocked()
}

// SetInModeTurnRate sets the turn-rate from the controller of the current
// mode. It is ignored, and returns false, unless edge mode is selected.
func (m *Mixer) SetInModeTurnRate(w float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mode.(EdgeMode); !ok {
		return false
	}
	m.autoTurnRate = w
	m.updateLocked()
	return true
}

// SetManual overrides, or releases, the autonomous velocity and turn-rate.
func (m *Mixer) SetManual(manual bool, v, w float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if manual != m.manual {
		monitoring.Logf("[mixer] manual override %v", manual)
	}
	m.manual = manual
	m.manualVelocity = v
	m.manualTurnRate = w
	m.updateLocked()
}

// SetTurnRateOutput takes the heading controller output and recomputes the
// wheel references.
func (m *Mixer) SetTurnRateOutput(w float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turnRate = w
	m.updateLocked()
}

// Mode returns the selected heading mode.
func (m *Mixer) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Selection returns the selected heading mode and a count of mode
// selections. The count grows on every SetTurnRate, SetHeading and
// SetEdgeMode call, also when the same mode is selected again.
func (m *Mixer) Selection() (Mode, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode, m.selections
}

func (m *Mixer) selectLocked(mode Mode) {
	m.mode = mode
	m.selections++
}

// Manual reports whether manual override is active.
func (m *Mixer) Manual() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.manual
}

// HeadingReference returns what the heading controller should track.
func (m *Mixer) HeadingReference() HeadingReference {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.referenceLocked()
}

// WheelReference returns the latest left and right wheel velocity references.
func (m *Mixer) WheelReference() [2]float64 {
	return m.Out.Value().WheelReference
}

func (m *Mixer) referenceLocked() HeadingReference {
	if m.manual {
		return HeadingReference{UseTurnRate: true, TurnRate: m.manualTurnRate, Heading: m.desiredHeading}
	}
	_, hold := m.mode.(HeadingMode)
	return HeadingReference{UseTurnRate: !hold, TurnRate: m.autoTurnRate, Heading: m.desiredHeading}
}

func (m *Mixer) updateLocked() {
	v := m.autoVelocity
	if m.manual {
		v = m.manualVelocity
	}
	left, right := WheelVelocities(v, m.turnRate, m.wheelbase)
	out := Output{
		Manual:         m.manual,
		Velocity:       v,
		Mode:           m.mode,
		Reference:      m.referenceLocked(),
		TurnRate:       m.turnRate,
		WheelReference: [2]float64{left, right},
		TurnRadius:     units.TurnRadius(v, m.turnRate),
	}
	m.Out.Publish(out)
	monitoring.Debugf("mixer", "manual %v vel %.3f %s ref %+v turn %.4f wheels %.3f %.3f radius %.2f",
		out.Manual, out.Velocity, out.Mode, out.Reference, out.TurnRate, left, right, out.TurnRadius)
}

// WheelVelocities splits linear velocity v and turn-rate w over the two
// wheels: right - left = wheelbase·w and their mean is v.
func WheelVelocities(v, w, wheelbase float64) (left, right float64) {
	d := wheelbase * w
	right = v + d/2
	left = right - d
	return left, right
}
