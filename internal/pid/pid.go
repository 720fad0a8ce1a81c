// Package pid implements the discrete controller shared by every control
// loop: a proportional gain followed by a first-order lead/lag filter
// (τd·s+1)/(α·τd·s+1) and a parallel integrator 1/(τi·s), both discretized
// with the bilinear (Tustin) transform.
//
// The integrator integrates the lead/lag output and is frozen, not clamped,
// while the caller reports that the actuator is limiting.
package pid

import (
	"fmt"
	"math"

	"github.com/banshee-data/robobase/internal/units"
)

// minTau is the smallest time constant treated as enabled. Lead and
// integrator time constants at or below it switch that stage off.
const minTau = 1e-3

// Config describes one controller instance. All times are in seconds.
type Config struct {
	SampleTime    float64 `json:"sample_time"`
	Kp            float64 `json:"kp"`
	LeadTau       float64 `json:"lead_tau"`
	LeadAlpha     float64 `json:"lead_alpha"`
	IntegratorTau float64 `json:"integrator_tau"`
	// WrapError folds the error into (-π, π] for angular references.
	WrapError bool `json:"wrap_error"`
}

// LeadEnabled reports whether the lead/lag stage is active.
func (c Config) LeadEnabled() bool { return c.LeadTau > minTau }

// IntegratorEnabled reports whether the integrator stage is active.
func (c Config) IntegratorEnabled() bool { return c.IntegratorTau > minTau }

// Validate rejects configurations that would produce unusable coefficients.
func (c Config) Validate() error {
	if !(c.SampleTime > 0) {
		return fmt.Errorf("sample time must be positive, got %g", c.SampleTime)
	}
	if math.IsNaN(c.Kp) || math.IsInf(c.Kp, 0) {
		return fmt.Errorf("invalid gain %g", c.Kp)
	}
	if c.LeadEnabled() && !(c.LeadAlpha > 0) {
		return fmt.Errorf("lead alpha must be positive when lead tau is %g, got %g", c.LeadTau, c.LeadAlpha)
	}
	return nil
}

// Sample is the state of the most recent Update, kept for telemetry.
type Sample struct {
	Reference   float64
	Measurement float64
	// Error is the gain-scaled (and possibly wrapped) error.
	Error      float64
	Lead       float64
	Integrator float64
	Output     float64
	Limited    bool
}

// Controller holds the precomputed coefficients and the one-step history
// of a single loop. It is not safe for concurrent use; each loop owns its
// controller and publishes the output itself.
type Controller struct {
	cfg Config

	// lead/lag: up0 = le0*ep0 + le1*ep1 - lu1*up1
	le0, le1, lu1 float64
	// integrator: ui0 = ie*(up0 + up1) + ui1
	ie float64

	ep1, up1, ui1 float64
	last          Sample
}

// New precomputes the discrete coefficients for cfg.
func New(cfg Config) *Controller {
	c := &Controller{cfg: cfg}
	c.le0 = 1
	if cfg.LeadEnabled() {
		t := cfg.SampleTime
		td := cfg.LeadTau
		lu0 := t + 2*td*cfg.LeadAlpha
		c.le0 = (t + 2*td) / lu0
		c.le1 = (t - 2*td) / lu0
		c.lu1 = (t - 2*cfg.LeadAlpha*td) / lu0
	}
	if cfg.IntegratorEnabled() {
		c.ie = cfg.SampleTime / (2 * cfg.IntegratorTau)
	}
	return c
}

// Update runs one control step and returns the new output. While limiting
// is true the integrator keeps its previous value.
func (c *Controller) Update(reference, measurement float64, limiting bool) float64 {
	e := reference - measurement
	if c.cfg.WrapError {
		e = units.WrapAngle(e)
	}
	ep0 := c.cfg.Kp * e
	up0 := c.le0*ep0 + c.le1*c.ep1 - c.lu1*c.up1
	ui0 := c.ui1
	if c.cfg.IntegratorEnabled() && !limiting {
		ui0 = c.ie*(up0+c.up1) + c.ui1
	}
	u := up0 + ui0

	c.ep1, c.up1, c.ui1 = ep0, up0, ui0
	c.last = Sample{
		Reference:   reference,
		Measurement: measurement,
		Error:       ep0,
		Lead:        up0,
		Integrator:  ui0,
		Output:      u,
		Limited:     limiting,
	}
	return u
}

// Reset zeroes the filter and integrator history.
func (c *Controller) Reset() {
	c.ep1, c.up1, c.ui1 = 0, 0, 0
}

// Last returns the values from the most recent Update.
func (c *Controller) Last() Sample { return c.last }

// Config returns the configuration the controller was built from.
func (c *Controller) Config() Config { return c.cfg }

// String describes the configuration and derived coefficients for logs.
func (c *Controller) String() string {
	s := fmt.Sprintf("T=%gs kp=%g", c.cfg.SampleTime, c.cfg.Kp)
	if c.cfg.LeadEnabled() {
		s += fmt.Sprintf(" lead(tau=%g alpha=%g le0=%.4f le1=%.4f lu1=%.4f)",
			c.cfg.LeadTau, c.cfg.LeadAlpha, c.le0, c.le1, c.lu1)
	} else {
		s += " lead(off)"
	}
	if c.cfg.IntegratorEnabled() {
		s += fmt.Sprintf(" int(tau=%g ie=%.4f)", c.cfg.IntegratorTau, c.ie)
	} else {
		s += " int(off)"
	}
	if c.cfg.WrapError {
		s += " wrap"
	}
	return s
}
