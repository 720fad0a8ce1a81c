package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config is the robot configuration, one section per component. Every
// field is optional; the Get* methods return the default for unset fields,
// so a nil section is valid too.
type Config struct {
	Link     *LinkConfig     `json:"link,omitempty"`
	Pose     *PoseConfig     `json:"pose,omitempty"`
	Encoder  *EncoderConfig  `json:"encoder,omitempty"`
	Motor    *MotorConfig    `json:"motor,omitempty"`
	Heading  *HeadingConfig  `json:"heading,omitempty"`
	Edge     *EdgeConfig     `json:"edge,omitempty"`
	IMU      *IMUConfig      `json:"imu,omitempty"`
	Servo    *ServoConfig    `json:"servo,omitempty"`
	Distance *DistanceConfig `json:"distance,omitempty"`
	State    *StateConfig    `json:"state,omitempty"`
}

// LinkConfig configures the serial link to the micro-controller.
type LinkConfig struct {
	Device            *string `json:"device,omitempty"`
	BaudRate          *int    `json:"baud_rate,omitempty"`
	ConfirmTimeout    *string `json:"confirm_timeout,omitempty"` // duration string like "40ms"
	MaxRetries        *int    `json:"max_retries,omitempty"`
	IdentifyTimeout   *string `json:"identify_timeout,omitempty"`
	InactivityTimeout *string `json:"inactivity_timeout,omitempty"`
}

// PoseConfig describes the wheel geometry.
type PoseConfig struct {
	Gear          *float64 `json:"gear,omitempty"`
	WheelDiameter *float64 `json:"wheel_diameter,omitempty"`
	TicksPerRev   *int     `json:"ticks_per_rev,omitempty"`
	Wheelbase     *float64 `json:"wheelbase,omitempty"`
	MaxTickJump   *int     `json:"max_tick_jump,omitempty"`
}

// EncoderConfig configures the encoder subscription.
type EncoderConfig struct {
	RateMs   *int  `json:"rate_ms,omitempty"`
	Reversed *bool `json:"reversed,omitempty"`
}

// PIDSection holds the controller settings shared by every loop. Lead is
// "tau_d alpha"; a tau of zero disables the lead stage.
type PIDSection struct {
	Kp   *float64 `json:"kp,omitempty"`
	Lead *string  `json:"lead,omitempty"`
	TauI *float64 `json:"taui,omitempty"`
}

// MotorConfig configures the wheel velocity loops.
type MotorConfig struct {
	PIDSection
	MaxVoltage *float64 `json:"max_voltage,omitempty"`
}

// HeadingConfig configures the heading loop.
type HeadingConfig struct {
	PIDSection
	MaxTurnRate *float64 `json:"max_turnrate,omitempty"`
}

// EdgeConfig configures the line sensor and the edge loop.
type EdgeConfig struct {
	PIDSection
	MaxTurnRate    *float64 `json:"max_turnrate,omitempty"`
	RateMs         *int     `json:"rate_ms,omitempty"`
	HighPower      *bool    `json:"high_power,omitempty"`
	SensorWidth    *float64 `json:"sensor_width,omitempty"`
	WhiteThreshold *int     `json:"white_threshold,omitempty"`
	CalibWhite     *string  `json:"calib_white,omitempty"` // 8 AD values
	CalibBlack     *string  `json:"calib_black,omitempty"`
}

// IMUConfig configures the gyro and accelerometer.
type IMUConfig struct {
	RateMs     *int    `json:"rate_ms,omitempty"`
	GyroOffset *string `json:"gyro_offset,omitempty"` // "x y z"
}

// ServoConfig configures servo telemetry.
type ServoConfig struct {
	RateMs *int `json:"rate_ms,omitempty"`
}

// DistanceConfig configures the distance sensors.
type DistanceConfig struct {
	RateMs  *int     `json:"rate_ms,omitempty"`
	IR13cm  *string  `json:"ir13cm,omitempty"` // AD values of sensor 1 and 2 at 13 cm
	IR50cm  *string  `json:"ir50cm,omitempty"`
	USCalib *float64 `json:"us_calib,omitempty"` // URM09 meters per AD count
	Sensor1 *string  `json:"sensor1,omitempty"`  // "sharp" or "URM09"
	Sensor2 *string  `json:"sensor2,omitempty"`
}

// StateConfig configures the heartbeat subscription.
type StateConfig struct {
	RateMs *int `json:"rate_ms,omitempty"`
}

// PIDParams are the parsed controller settings.
type PIDParams struct {
	Kp            float64
	LeadTau       float64
	LeadAlpha     float64
	IntegratorTau float64
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// Empty returns a Config with every section unset.
func Empty() *Config {
	return &Config{}
}

// Load reads a Config from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file keep their defaults, so partial
// configs are safe.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	if l := c.Link; l != nil {
		for name, v := range map[string]*string{
			"confirm_timeout":    l.ConfirmTimeout,
			"identify_timeout":   l.IdentifyTimeout,
			"inactivity_timeout": l.InactivityTimeout,
		} {
			if v != nil && *v != "" {
				if _, err := time.ParseDuration(*v); err != nil {
					return fmt.Errorf("invalid link.%s '%s': %w", name, *v, err)
				}
			}
		}
		if l.MaxRetries != nil && *l.MaxRetries < 0 {
			return fmt.Errorf("link.max_retries must be non-negative, got %d", *l.MaxRetries)
		}
	}

	p := c.Pose
	if p.GetGear() <= 0 || p.GetWheelDiameter() <= 0 || p.GetTicksPerRev() <= 0 {
		return fmt.Errorf("pose gear, wheel_diameter and ticks_per_rev must be positive")
	}
	if p.GetWheelbase() <= 0 {
		return fmt.Errorf("pose.wheelbase must be positive, got %g", p.GetWheelbase())
	}

	for name, s := range map[string]*PIDSection{
		"motor":   c.Motor.pid(),
		"heading": c.Heading.pid(),
		"edge":    c.Edge.pid(),
	} {
		if s == nil || s.Lead == nil {
			continue
		}
		if _, _, err := parseLead(*s.Lead); err != nil {
			return fmt.Errorf("invalid %s.lead: %w", name, err)
		}
	}
	if c.Motor.GetMaxVoltage() <= 0 {
		return fmt.Errorf("motor.max_voltage must be positive, got %g", c.Motor.GetMaxVoltage())
	}
	if c.Heading.GetMaxTurnRate() <= 0 || c.Edge.GetMaxTurnRate() <= 0 {
		return fmt.Errorf("max_turnrate must be positive")
	}

	if e := c.Edge; e != nil {
		if e.CalibWhite != nil {
			if _, err := parseInts(*e.CalibWhite, 8); err != nil {
				return fmt.Errorf("invalid edge.calib_white: %w", err)
			}
		}
		if e.CalibBlack != nil {
			if _, err := parseInts(*e.CalibBlack, 8); err != nil {
				return fmt.Errorf("invalid edge.calib_black: %w", err)
			}
		}
		if t := e.GetWhiteThreshold(); t < 0 || t > 1000 {
			return fmt.Errorf("edge.white_threshold must be between 0 and 1000, got %d", t)
		}
	}
	if i := c.IMU; i != nil && i.GyroOffset != nil {
		if _, err := parseFloats(*i.GyroOffset, 3); err != nil {
			return fmt.Errorf("invalid imu.gyro_offset: %w", err)
		}
	}
	if d := c.Distance; d != nil {
		for name, v := range map[string]*string{"ir13cm": d.IR13cm, "ir50cm": d.IR50cm} {
			if v != nil {
				if _, err := parseInts(*v, 2); err != nil {
					return fmt.Errorf("invalid distance.%s: %w", name, err)
				}
			}
		}
		for name, v := range map[string]*string{"sensor1": d.Sensor1, "sensor2": d.Sensor2} {
			if v != nil && *v != "sharp" && *v != "URM09" {
				return fmt.Errorf("distance.%s must be sharp or URM09, got %q", name, *v)
			}
		}
	}
	return nil
}

func parseLead(s string) (tau, alpha float64, err error) {
	v, err := parseFloats(s, 2)
	if err != nil {
		return 0, 0, err
	}
	if v[0] > 0 && v[1] <= 0 {
		return 0, 0, fmt.Errorf("alpha must be positive when tau_d is %g", v[0])
	}
	return v[0], v[1], nil
}

func formatLead(tau, alpha float64) string {
	return strconv.FormatFloat(tau, 'g', -1, 64) + " " + strconv.FormatFloat(alpha, 'g', -1, 64)
}

func parseFloats(s string, n int) ([]float64, error) {
	f := strings.Fields(s)
	if len(f) != n {
		return nil, fmt.Errorf("want %d values, got %d in %q", n, len(f), s)
	}
	out := make([]float64, n)
	for i, x := range f {
		v, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func parseInts(s string, n int) ([]int, error) {
	f := strings.Fields(s)
	if len(f) != n {
		return nil, fmt.Errorf("want %d values, got %d in %q", n, len(f), s)
	}
	out := make([]int, n)
	for i, x := range f {
		v, err := strconv.Atoi(x)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
