// Package units provides the shared geometry helpers used by odometry and the
// mixer: angle wrapping, wheel distance per encoder tick and turn radius.
package units

import "math"

// MinTurnRate is the turn-rate floor (rad/s) used when dividing by a turn-rate.
const MinTurnRate = 0.001

// WrapAngle folds an angle in radians into (-π, π].
func WrapAngle(a float64) float64 {
	if math.IsNaN(a) || math.IsInf(a, 0) {
		return a
	}
	w := math.Remainder(a, 2*math.Pi)
	if w <= -math.Pi {
		w += 2 * math.Pi
	}
	return w
}

// DistancePerTick returns the wheel travel in meters for one encoder tick.
// Zero gear or tick counts return zero.
func DistancePerTick(wheelDiameter, gear float64, ticksPerRev int) float64 {
	if gear == 0 || ticksPerRev == 0 {
		return 0
	}
	return wheelDiameter * math.Pi / gear / float64(ticksPerRev)
}

// TurnRadius returns velocity/turnRate, replacing turn-rates below
// MinTurnRate by the floor value with the same sign.
func TurnRadius(velocity, turnRate float64) float64 {
	if math.Abs(turnRate) > MinTurnRate {
		return velocity / turnRate
	}
	return velocity / math.Copysign(MinTurnRate, turnRate)
}

// Deg converts radians to degrees for log output.
func Deg(rad float64) float64 {
	return rad * 180 / math.Pi
}
