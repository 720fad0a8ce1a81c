package pid

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProportionalOnly(t *testing.T) {
	c := New(Config{SampleTime: 0.01, Kp: 2})
	assert.Equal(t, 2.0, c.Update(1, 0, false))
	assert.Equal(t, -3.0, c.Update(0, 1.5, false))
	assert.Equal(t, -3.0, c.Update(0, 1.5, true), "limiting has no effect without integrator")
}

func TestIntegratorAntiWindup(t *testing.T) {
	// ie = 0.01 / (2*0.05) = 0.1
	c := New(Config{SampleTime: 0.01, Kp: 1, IntegratorTau: 0.05})

	steps := []struct {
		limiting bool
		want     float64
	}{
		{false, 1.1}, // ui = 0.1*(1+0) + 0
		{false, 1.3}, // ui = 0.1*(1+1) + 0.1
		{true, 1.3},  // frozen
		{true, 1.3},  // still frozen
		{false, 1.5}, // resumes from 0.3
	}
	for i, s := range steps {
		got := c.Update(1, 0, s.limiting)
		assert.InDelta(t, s.want, got, 1e-12, "step %d", i)
		assert.Equal(t, s.limiting, c.Last().Limited)
	}
}

func TestLeadCoefficients(t *testing.T) {
	cfg := Config{SampleTime: 0.01, Kp: 1, LeadTau: 0.3, LeadAlpha: 0.5}
	c := New(cfg)
	lu0 := 0.01 + 2*0.3*0.5
	assert.InDelta(t, (0.01+0.6)/lu0, c.le0, 1e-12)
	assert.InDelta(t, (0.01-0.6)/lu0, c.le1, 1e-12)
	assert.InDelta(t, (0.01-0.3)/lu0, c.lu1, 1e-12)

	first := c.Update(1, 0, false)
	assert.InDelta(t, c.le0, first, 1e-12, "first step response is le0*kp*e")
	for i := 0; i < 2000; i++ {
		c.Update(1, 0, false)
	}
	assert.InDelta(t, 1.0, c.Last().Output, 1e-6, "lead/lag has unit DC gain")
}

func TestLeadDisabledBelowThreshold(t *testing.T) {
	c := New(Config{SampleTime: 0.01, Kp: 3, LeadTau: 0.0005, LeadAlpha: 0.5})
	assert.False(t, c.Config().LeadEnabled())
	assert.Equal(t, 3.0, c.Update(1, 0, false))
	assert.Equal(t, 3.0, c.Update(1, 0, false))
}

// The recurrences must satisfy the Tustin difference equations of
// (τd·s+1)/(α·τd·s+1) and 1/(τi·s) for any scripted input sequence.
func TestRecurrenceMatchesTustinDifferenceEquations(t *testing.T) {
	cfg := Config{SampleTime: 0.008, Kp: 7, LeadTau: 0.2, LeadAlpha: 0.4, IntegratorTau: 0.05}
	c := New(cfg)
	T, td, a, ti := cfg.SampleTime, cfg.LeadTau, cfg.LeadAlpha, cfg.IntegratorTau

	type step struct {
		ref, meas float64
		limiting  bool
	}
	script := []step{
		{1, 0, false}, {1, 0.2, false}, {1, 0.5, false}, {0.5, 0.7, true},
		{0.5, 0.6, true}, {-1, 0.4, false}, {-1, -0.3, false}, {0, -0.8, true},
		{0, -0.2, false}, {0.3, 0.1, false},
	}

	var prev Sample
	for i, s := range script {
		u := c.Update(s.ref, s.meas, s.limiting)
		cur := c.Last()
		require.InDelta(t, cur.Lead+cur.Integrator, u, 1e-12)
		require.InDelta(t, cfg.Kp*(s.ref-s.meas), cur.Error, 1e-12)

		// u[k](T+2ατ) + u[k-1](T-2ατ) = e[k](T+2τ) + e[k-1](T-2τ)
		lhs := cur.Lead*(T+2*a*td) + prev.Lead*(T-2*a*td)
		rhs := cur.Error*(T+2*td) + prev.Error*(T-2*td)
		assert.InDelta(t, rhs, lhs, 1e-9, "lead equation at step %d", i)

		if s.limiting {
			assert.Equal(t, prev.Integrator, cur.Integrator, "integrator frozen at step %d", i)
		} else {
			want := prev.Integrator + T/(2*ti)*(cur.Lead+prev.Lead)
			assert.InDelta(t, want, cur.Integrator, 1e-9, "integrator equation at step %d", i)
		}
		prev = cur
	}
}

func TestWrapError(t *testing.T) {
	c := New(Config{SampleTime: 0.01, Kp: 1, WrapError: true})
	// 3.0 - (-3.0) = 6.0 rad, which is -0.283 rad the short way round
	u := c.Update(3.0, -3.0, false)
	assert.InDelta(t, 6.0-2*math.Pi, u, 1e-12)

	for ref := -10.0; ref < 10; ref += 0.31 {
		for meas := -10.0; meas < 10; meas += 0.47 {
			c.Update(ref, meas, false)
			assert.LessOrEqual(t, math.Abs(c.Last().Error), math.Pi+1e-12)
		}
	}
}

func TestReset(t *testing.T) {
	cfg := Config{SampleTime: 0.01, Kp: 1, LeadTau: 0.3, LeadAlpha: 0.5, IntegratorTau: 0.1}
	fresh := New(cfg)
	used := New(cfg)
	for i := 0; i < 10; i++ {
		used.Update(1, 0, false)
	}
	used.Reset()
	assert.Equal(t, fresh.Update(0.4, 0.1, false), used.Update(0.4, 0.1, false))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{SampleTime: 0.01, Kp: 1}, false},
		{"zero sample time", Config{Kp: 1}, true},
		{"nan gain", Config{SampleTime: 0.01, Kp: math.NaN()}, true},
		{"lead without alpha", Config{SampleTime: 0.01, Kp: 1, LeadTau: 0.3}, true},
		{"lead with alpha", Config{SampleTime: 0.01, Kp: 1, LeadTau: 0.3, LeadAlpha: 0.5}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestString(t *testing.T) {
	c := New(Config{SampleTime: 0.01, Kp: 40, LeadTau: 0.3, LeadAlpha: 0.5, WrapError: true})
	s := c.String()
	assert.Contains(t, s, "kp=40")
	assert.Contains(t, s, "lead(tau=0.3")
	assert.Contains(t, s, "int(off)")
	assert.Contains(t, s, "wrap")
}
