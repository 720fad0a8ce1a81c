package config

import (
	"time"
)

// Defaults for unset fields.
const (
	DefaultDevice         = "/dev/ttyACM0"
	DefaultBaudRate       = 115200
	DefaultConfirmTimeout = 40 * time.Millisecond
	DefaultMaxRetries     = 50
	DefaultWheelbase      = 0.243
)

func getDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetDevice returns the serial device path or the default.
func (c *LinkConfig) GetDevice() string {
	if c == nil || c.Device == nil || *c.Device == "" {
		return DefaultDevice
	}
	return *c.Device
}

// GetBaudRate returns the baud rate or the default.
func (c *LinkConfig) GetBaudRate() int {
	if c == nil || c.BaudRate == nil {
		return DefaultBaudRate
	}
	return *c.BaudRate
}

// GetConfirmTimeout returns how long a queued command waits for its
// confirmation before it is resent. Values below 10ms become 20ms.
func (c *LinkConfig) GetConfirmTimeout() time.Duration {
	if c == nil {
		return DefaultConfirmTimeout
	}
	d := getDuration(c.ConfirmTimeout, DefaultConfirmTimeout)
	if d < 10*time.Millisecond {
		return 20 * time.Millisecond
	}
	return d
}

// GetMaxRetries returns the resend budget of a queued command.
func (c *LinkConfig) GetMaxRetries() int {
	if c == nil || c.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *c.MaxRetries
}

// GetIdentifyTimeout returns how long a new connection may stay
// unidentified.
func (c *LinkConfig) GetIdentifyTimeout() time.Duration {
	if c == nil {
		return 20 * time.Second
	}
	return getDuration(c.IdentifyTimeout, 20*time.Second)
}

// GetInactivityTimeout returns how long an active link may stay silent.
func (c *LinkConfig) GetInactivityTimeout() time.Duration {
	if c == nil {
		return 10 * time.Second
	}
	return getDuration(c.InactivityTimeout, 10*time.Second)
}

// GetGear returns the gear ratio or the default.
func (c *PoseConfig) GetGear() float64 {
	if c == nil || c.Gear == nil {
		return 19.0
	}
	return *c.Gear
}

// GetWheelDiameter returns the wheel diameter in meters or the default.
func (c *PoseConfig) GetWheelDiameter() float64 {
	if c == nil || c.WheelDiameter == nil {
		return 0.146
	}
	return *c.WheelDiameter
}

// GetTicksPerRev returns the encoder ticks per motor turn or the default.
func (c *PoseConfig) GetTicksPerRev() int {
	if c == nil || c.TicksPerRev == nil {
		return 68
	}
	return *c.TicksPerRev
}

// GetWheelbase returns the distance between the wheels or the default.
func (c *PoseConfig) GetWheelbase() float64 {
	if c == nil || c.Wheelbase == nil {
		return DefaultWheelbase
	}
	return *c.Wheelbase
}

// GetMaxTickJump returns the largest plausible tick change per sample.
func (c *PoseConfig) GetMaxTickJump() int {
	if c == nil || c.MaxTickJump == nil {
		return 1000
	}
	return *c.MaxTickJump
}

// GetRateMs returns the encoder sample interval or the default.
func (c *EncoderConfig) GetRateMs() int {
	if c == nil || c.RateMs == nil {
		return 8
	}
	return *c.RateMs
}

// GetReversed returns whether the encoder direction is reversed.
func (c *EncoderConfig) GetReversed() bool {
	if c == nil || c.Reversed == nil {
		return true
	}
	return *c.Reversed
}

// GetSampleTime returns the encoder interval in seconds, which is the
// sample time of the motor and heading loops.
func (c *EncoderConfig) GetSampleTime() float64 {
	return float64(c.GetRateMs()) / 1000
}

func (s *PIDSection) params(def PIDParams) PIDParams {
	if s == nil {
		return def
	}
	p := def
	if s.Kp != nil {
		p.Kp = *s.Kp
	}
	if s.Lead != nil {
		if tau, alpha, err := parseLead(*s.Lead); err == nil {
			p.LeadTau, p.LeadAlpha = tau, alpha
		}
	}
	if s.TauI != nil {
		p.IntegratorTau = *s.TauI
	}
	return p
}

func (c *MotorConfig) pid() *PIDSection {
	if c == nil {
		return nil
	}
	return &c.PIDSection
}

// GetPID returns the wheel velocity controller settings.
func (c *MotorConfig) GetPID() PIDParams {
	return c.pid().params(PIDParams{Kp: 7, LeadTau: 0, LeadAlpha: 1, IntegratorTau: 0.05})
}

// GetMaxVoltage returns the motor voltage limit or the default.
func (c *MotorConfig) GetMaxVoltage() float64 {
	if c == nil || c.MaxVoltage == nil {
		return 10.0
	}
	return *c.MaxVoltage
}

func (c *HeadingConfig) pid() *PIDSection {
	if c == nil {
		return nil
	}
	return &c.PIDSection
}

// GetPID returns the heading controller settings.
func (c *HeadingConfig) GetPID() PIDParams {
	return c.pid().params(PIDParams{Kp: 10, LeadTau: 0, LeadAlpha: 1, IntegratorTau: 0})
}

// GetMaxTurnRate returns the heading loop turn-rate limit in rad/s.
func (c *HeadingConfig) GetMaxTurnRate() float64 {
	if c == nil || c.MaxTurnRate == nil {
		return 3.0
	}
	return *c.MaxTurnRate
}

func (c *EdgeConfig) pid() *PIDSection {
	if c == nil {
		return nil
	}
	return &c.PIDSection
}

// GetPID returns the edge controller settings.
func (c *EdgeConfig) GetPID() PIDParams {
	return c.pid().params(PIDParams{Kp: 40, LeadTau: 0.3, LeadAlpha: 0.5, IntegratorTau: 0})
}

// GetMaxTurnRate returns the edge loop turn-rate limit in rad/s.
func (c *EdgeConfig) GetMaxTurnRate() float64 {
	if c == nil || c.MaxTurnRate == nil {
		return 7.0
	}
	return *c.MaxTurnRate
}

// GetRateMs returns the line sensor sample interval or the default.
func (c *EdgeConfig) GetRateMs() int {
	if c == nil || c.RateMs == nil {
		return 8
	}
	return *c.RateMs
}

// GetHighPower returns whether the line sensor uses high illumination.
func (c *EdgeConfig) GetHighPower() bool {
	if c == nil || c.HighPower == nil {
		return true
	}
	return *c.HighPower
}

// GetSensorWidth returns the distance between the outer sensors in meters.
func (c *EdgeConfig) GetSensorWidth() float64 {
	if c == nil || c.SensorWidth == nil {
		return 0.12
	}
	return *c.SensorWidth
}

// GetWhiteThreshold returns the normalised white level, of 1000.
func (c *EdgeConfig) GetWhiteThreshold() int {
	if c == nil || c.WhiteThreshold == nil {
		return 700
	}
	return *c.WhiteThreshold
}

// GetCalibration returns the white and black AD values of the 8 sensors.
func (c *EdgeConfig) GetCalibration() (white, black [8]int) {
	for i := range white {
		white[i] = 1000
	}
	if c == nil {
		return white, black
	}
	if c.CalibWhite != nil {
		if v, err := parseInts(*c.CalibWhite, 8); err == nil {
			copy(white[:], v)
		}
	}
	if c.CalibBlack != nil {
		if v, err := parseInts(*c.CalibBlack, 8); err == nil {
			copy(black[:], v)
		}
	}
	return white, black
}

// GetRateMs returns the IMU sample interval or the default.
func (c *IMUConfig) GetRateMs() int {
	if c == nil || c.RateMs == nil {
		return 12
	}
	return *c.RateMs
}

// GetGyroOffset returns the gyro offset or zero.
func (c *IMUConfig) GetGyroOffset() [3]float64 {
	var o [3]float64
	if c == nil || c.GyroOffset == nil {
		return o
	}
	if v, err := parseFloats(*c.GyroOffset, 3); err == nil {
		copy(o[:], v)
	}
	return o
}

// GetRateMs returns the servo telemetry interval or the default.
func (c *ServoConfig) GetRateMs() int {
	if c == nil || c.RateMs == nil {
		return 50
	}
	return *c.RateMs
}

// GetRateMs returns the distance sensor interval or the default.
func (c *DistanceConfig) GetRateMs() int {
	if c == nil || c.RateMs == nil {
		return 45
	}
	return *c.RateMs
}

// GetCalibration returns the AD values of both sensors at 13 and 50 cm.
func (c *DistanceConfig) GetCalibration() (ir13, ir50 [2]int) {
	ir13, ir50 = [2]int{70000, 70000}, [2]int{20000, 20000}
	if c == nil {
		return ir13, ir50
	}
	if c.IR13cm != nil {
		if v, err := parseInts(*c.IR13cm, 2); err == nil {
			copy(ir13[:], v)
		}
	}
	if c.IR50cm != nil {
		if v, err := parseInts(*c.IR50cm, 2); err == nil {
			copy(ir50[:], v)
		}
	}
	return ir13, ir50
}

// GetUSCalib returns the URM09 meters per AD count or the default.
func (c *DistanceConfig) GetUSCalib() float64 {
	if c == nil || c.USCalib == nil {
		return 0.00126953125 // 5.20 m / 4096
	}
	return *c.USCalib
}

// GetSensorTypes returns the type of both distance sensors.
func (c *DistanceConfig) GetSensorTypes() [2]string {
	t := [2]string{"sharp", "sharp"}
	if c == nil {
		return t
	}
	if c.Sensor1 != nil {
		t[0] = *c.Sensor1
	}
	if c.Sensor2 != nil {
		t[1] = *c.Sensor2
	}
	return t
}

// GetRateMs returns the heartbeat interval or the default.
func (c *StateConfig) GetRateMs() int {
	if c == nil || c.RateMs == nil {
		return 500
	}
	return *c.RateMs
}
