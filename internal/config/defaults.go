package config

// Default returns a Config with every field set to its default, suitable
// for writing out as a starting point.
func Default() *Config {
	c := Empty()
	return &Config{
		Link: &LinkConfig{
			Device:            ptrString(c.Link.GetDevice()),
			BaudRate:          ptrInt(c.Link.GetBaudRate()),
			ConfirmTimeout:    ptrString(c.Link.GetConfirmTimeout().String()),
			MaxRetries:        ptrInt(c.Link.GetMaxRetries()),
			IdentifyTimeout:   ptrString(c.Link.GetIdentifyTimeout().String()),
			InactivityTimeout: ptrString(c.Link.GetInactivityTimeout().String()),
		},
		Pose: &PoseConfig{
			Gear:          ptrFloat64(c.Pose.GetGear()),
			WheelDiameter: ptrFloat64(c.Pose.GetWheelDiameter()),
			TicksPerRev:   ptrInt(c.Pose.GetTicksPerRev()),
			Wheelbase:     ptrFloat64(c.Pose.GetWheelbase()),
			MaxTickJump:   ptrInt(c.Pose.GetMaxTickJump()),
		},
		Encoder: &EncoderConfig{
			RateMs:   ptrInt(c.Encoder.GetRateMs()),
			Reversed: ptrBool(c.Encoder.GetReversed()),
		},
		Motor: &MotorConfig{
			PIDSection: section(c.Motor.GetPID()),
			MaxVoltage: ptrFloat64(c.Motor.GetMaxVoltage()),
		},
		Heading: &HeadingConfig{
			PIDSection:  section(c.Heading.GetPID()),
			MaxTurnRate: ptrFloat64(c.Heading.GetMaxTurnRate()),
		},
		Edge: &EdgeConfig{
			PIDSection:     section(c.Edge.GetPID()),
			MaxTurnRate:    ptrFloat64(c.Edge.GetMaxTurnRate()),
			RateMs:         ptrInt(c.Edge.GetRateMs()),
			HighPower:      ptrBool(c.Edge.GetHighPower()),
			SensorWidth:    ptrFloat64(c.Edge.GetSensorWidth()),
			WhiteThreshold: ptrInt(c.Edge.GetWhiteThreshold()),
			CalibWhite:     ptrString("1000 1000 1000 1000 1000 1000 1000 1000"),
			CalibBlack:     ptrString("0 0 0 0 0 0 0 0"),
		},
		IMU: &IMUConfig{
			RateMs:     ptrInt(c.IMU.GetRateMs()),
			GyroOffset: ptrString("0 0 0"),
		},
		Servo: &ServoConfig{RateMs: ptrInt(c.Servo.GetRateMs())},
		Distance: &DistanceConfig{
			RateMs:  ptrInt(c.Distance.GetRateMs()),
			IR13cm:  ptrString("70000 70000"),
			IR50cm:  ptrString("20000 20000"),
			USCalib: ptrFloat64(c.Distance.GetUSCalib()),
			Sensor1: ptrString("sharp"),
			Sensor2: ptrString("sharp"),
		},
		State: &StateConfig{RateMs: ptrInt(c.State.GetRateMs())},
	}
}

func section(p PIDParams) PIDSection {
	return PIDSection{
		Kp:   ptrFloat64(p.Kp),
		Lead: ptrString(formatLead(p.LeadTau, p.LeadAlpha)),
		TauI: ptrFloat64(p.IntegratorTau),
	}
}
