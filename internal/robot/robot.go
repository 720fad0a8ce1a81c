// Package robot assembles the device link, the telemetry decoders and the
// control cascade into one running robot, and is the control surface used
// by missions and the admin server.
package robot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/robobase/internal/config"
	"github.com/banshee-data/robobase/internal/devlink"
	"github.com/banshee-data/robobase/internal/edge"
	"github.com/banshee-data/robobase/internal/heading"
	"github.com/banshee-data/robobase/internal/linesensor"
	"github.com/banshee-data/robobase/internal/mixer"
	"github.com/banshee-data/robobase/internal/monitoring"
	"github.com/banshee-data/robobase/internal/motor"
	"github.com/banshee-data/robobase/internal/odometry"
	"github.com/banshee-data/robobase/internal/pid"
	"github.com/banshee-data/robobase/internal/sensors"
	"github.com/banshee-data/robobase/internal/timeutil"
)

// drainTimeout bounds the wait for queued commands on shutdown.
const drainTimeout = time.Second

// Options holds the parts of a robot that are not configuration.
type Options struct {
	// Opener opens the device; nil opens the real serial port.
	Opener devlink.PortOpener
	Clock  timeutil.Clock
	// PollInterval is how often the control loops look for new samples.
	PollInterval time.Duration
}

// Identity is written to the device flash by Provision.
type Identity struct {
	Index    int // -1 leaves the index unchanged
	Hardware int // 0 leaves the hardware type unchanged
	Name     string
}

// Commands returns the provisioning sequence for id.
func (id Identity) Commands(encoderReversed bool) []string {
	var cmds []string
	if id.Index >= 0 {
		cmds = append(cmds, fmt.Sprintf("setidx %d", id.Index))
	}
	if id.Hardware > 0 {
		cmds = append(cmds, fmt.Sprintf("sethw %d", id.Hardware))
	}
	motr := 0
	if encoderReversed {
		motr = 1
	}
	cmds = append(cmds, fmt.Sprintf("motr %d", motr))
	if id.Name != "" {
		cmds = append(cmds, "setid "+id.Name)
	}
	return append(cmds, "eew")
}

// Robot owns every component. The exported fields are for telemetry and
// tests; drive the robot through the methods.
type Robot struct {
	cfg   *config.Config
	opts  Options
	clock timeutil.Clock

	Link     *devlink.Link
	State    *sensors.State
	Encoders *sensors.Encoders
	IMU      *sensors.IMU
	Servos   *sensors.Servos
	Line     *sensors.Line
	Distance *sensors.DistanceSensors

	LineEdge *linesensor.Detector
	Odometry *odometry.Odometry
	Mixer    *mixer.Mixer
	Heading  *heading.Controller
	Motor    *motor.Controller
	Edge     *edge.Controller

	mu       sync.Mutex
	running  bool
	identity *Identity
}

// New builds a robot from cfg. Nothing talks to the device until Run.
func New(cfg *config.Config, opts Options) (*Robot, error) {
	if cfg == nil {
		cfg = config.Empty()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Millisecond
	}
	r := &Robot{cfg: cfg, opts: opts, clock: opts.Clock}

	r.Link = devlink.New(devlink.Options{
		Device:            cfg.Link.GetDevice(),
		Port:              devlink.PortOptions{BaudRate: cfg.Link.GetBaudRate()},
		ConfirmTimeout:    cfg.Link.GetConfirmTimeout(),
		MaxRetries:        cfg.Link.GetMaxRetries(),
		IdentifyTimeout:   cfg.Link.GetIdentifyTimeout(),
		InactivityTimeout: cfg.Link.GetInactivityTimeout(),
		PollInterval:      opts.PollInterval,
	}, opts.Opener, opts.Clock)

	r.State = sensors.NewState(r.Link, cfg.State.GetRateMs())
	r.Encoders = sensors.NewEncoders(sensors.EncoderOptions{
		RateMs:   cfg.Encoder.GetRateMs(),
		Reversed: cfg.Encoder.GetReversed(),
	})
	r.IMU = sensors.NewIMU(r.Link, sensors.IMUOptions{
		RateMs:     cfg.IMU.GetRateMs(),
		GyroOffset: cfg.IMU.GetGyroOffset(),
	})
	r.Servos = sensors.NewServos(r.Link, cfg.Servo.GetRateMs())
	r.Line = sensors.NewLine(r.Link, sensors.LineOptions{
		RateMs:    cfg.Edge.GetRateMs(),
		HighPower: cfg.Edge.GetHighPower(),
	})
	ir13, ir50 := cfg.Distance.GetCalibration()
	types := cfg.Distance.GetSensorTypes()
	r.Distance = sensors.NewDistanceSensors(r.Link, sensors.DistanceOptions{
		RateMs:      cfg.Distance.GetRateMs(),
		IR13:        ir13,
		IR50:        ir50,
		URM09Factor: cfg.Distance.GetUSCalib(),
		Types:       [2]sensors.DistanceSensorType{sensors.DistanceSensorType(types[0]), sensors.DistanceSensorType(types[1])},
	})
	r.Link.AddDecoder(r.State, r.Encoders, r.IMU, r.Servos, r.Line, r.Distance)

	white, black := cfg.Edge.GetCalibration()
	r.LineEdge = linesensor.NewDetector(&r.Line.Raw, linesensor.Options{
		Calibration:    linesensor.Calibration{White: white, Black: black},
		WhiteThreshold: cfg.Edge.GetWhiteThreshold(),
		SensorWidth:    cfg.Edge.GetSensorWidth(),
	})

	geometry := odometry.Options{
		Gear:          cfg.Pose.GetGear(),
		WheelDiameter: cfg.Pose.GetWheelDiameter(),
		TicksPerRev:   cfg.Pose.GetTicksPerRev(),
		Wheelbase:     cfg.Pose.GetWheelbase(),
		MaxTickJump:   int64(cfg.Pose.GetMaxTickJump()),
	}
	if err := geometry.Validate(); err != nil {
		return nil, err
	}
	r.Odometry = odometry.New(&r.Encoders.Sample, geometry)
	r.Mixer = mixer.New(geometry.Wheelbase)

	ts := cfg.Encoder.GetSampleTime()
	motorPID := pidConfig(cfg.Motor.GetPID(), ts)
	headingPID := pidConfig(cfg.Heading.GetPID(), ts)
	edgePID := pidConfig(cfg.Edge.GetPID(), float64(cfg.Edge.GetRateMs())/1000)
	for name, c := range map[string]pid.Config{"motor": motorPID, "heading": headingPID, "edge": edgePID} {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("%s controller: %w", name, err)
		}
	}
	r.Motor = motor.New(&r.Odometry.Pose, r.Mixer, r.Link, motor.Options{
		PID:        motorPID,
		MaxVoltage: cfg.Motor.GetMaxVoltage(),
	})
	r.Heading = heading.New(&r.Odometry.Pose, r.Mixer, r.Motor, heading.Options{
		PID:         headingPID,
		MaxTurnRate: cfg.Heading.GetMaxTurnRate(),
	})
	r.Edge = edge.New(&r.LineEdge.Edge, r.Mixer, r.Motor, edge.Options{
		PID:         edgePID,
		MaxTurnRate: cfg.Edge.GetMaxTurnRate(),
	})

	r.Link.OnActive(r.activated)
	return r, nil
}

func pidConfig(p config.PIDParams, sampleTime float64) pid.Config {
	return pid.Config{
		SampleTime:    sampleTime,
		Kp:            p.Kp,
		LeadTau:       p.LeadTau,
		LeadAlpha:     p.LeadAlpha,
		IntegratorTau: p.IntegratorTau,
	}
}

// setups lists the components whose setup commands are queued on every
// activation, in the order they are sent.
func (r *Robot) setups() []sensors.Setup {
	return []sensors.Setup{r.State, r.Encoders, r.IMU, r.Servos, r.Line, r.Distance}
}

// activated runs on the link goroutine each time the device is identified.
func (r *Robot) activated() {
	n := 0
	for _, s := range r.setups() {
		for _, cmd := range s.SetupCommands() {
			if err := r.Link.SendQueued(cmd); err != nil {
				monitoring.Logf("[robot] setup %q: %v", cmd, err)
				continue
			}
			n++
		}
	}
	r.mu.Lock()
	id := r.identity
	r.identity = nil
	r.mu.Unlock()
	if id != nil {
		for _, cmd := range id.Commands(r.cfg.Encoder.GetReversed()) {
			if err := r.Link.SendQueued(cmd); err != nil {
				monitoring.Logf("[robot] provision %q: %v", cmd, err)
			}
		}
		monitoring.Logf("[robot] provisioning index %d hardware %d name %q", id.Index, id.Hardware, id.Name)
	}
	monitoring.Debugf("robot", "%d setup commands queued", n)
}

// Provision writes id to the device flash. It is sent right away when the
// link is active, otherwise on the next activation.
func (r *Robot) Provision(id Identity) {
	if r.Link.State() == devlink.StateActive {
		for _, cmd := range id.Commands(r.cfg.Encoder.GetReversed()) {
			if err := r.Link.SendQueued(cmd); err != nil {
				r.mu.Lock()
				r.identity = &id
				r.mu.Unlock()
				return
			}
		}
		return
	}
	r.mu.Lock()
	r.identity = &id
	r.mu.Unlock()
}

// Run services the link and every control loop until ctx is done, then
// stops the motors, tells the device to leave and waits briefly for the
// queue to drain. It returns the link error, if any.
func (r *Robot) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.New("robot already running")
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	linkCtx, stopLink := context.WithCancel(context.Background())
	defer stopLink()
	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()

	linkErr := make(chan error, 1)
	var linkWG sync.WaitGroup
	linkWG.Add(1)
	go func() {
		defer linkWG.Done()
		err := r.Link.Run(linkCtx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			stopLoops()
		}
		linkErr <- err
	}()

	iv := r.opts.PollInterval
	loops := []struct {
		name string
		run  func(context.Context, time.Duration) error
	}{
		{"pose", r.Odometry.Run},
		{"heading", r.Heading.Run},
		{"motor", r.Motor.Run},
		{"line", r.LineEdge.Run},
		{"edge", r.Edge.Run},
	}
	var wg sync.WaitGroup
	for _, l := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.run(loopCtx, iv); err != nil && !errors.Is(err, context.Canceled) {
				monitoring.Logf("[robot] %s loop: %v", l.name, err)
			}
		}()
	}
	monitoring.Logf("[robot] running on %s", r.Link.Options().Device)

	<-loopCtx.Done()
	wg.Wait()
	r.shutdown()
	stopLink()
	linkWG.Wait()
	return <-linkErr
}

// shutdown stops the motors and leaves the device while the link still
// runs, so queued commands can drain.
func (r *Robot) shutdown() {
	if r.Link.State() != devlink.StateActive {
		return
	}
	if err := r.Motor.Stop(); err != nil {
		monitoring.Logf("[robot] stop motors: %v", err)
	}
	for _, cmd := range []string{"stop", "leave", "disp stopped"} {
		if err := r.Link.SendDirect(cmd); err != nil {
			monitoring.Logf("[robot] shutdown %q: %v", cmd, err)
		}
	}
	if !r.Link.Drain(drainTimeout) {
		monitoring.Logf("[robot] %d queued commands not confirmed at shutdown", len(r.Link.Queued()))
	}
	monitoring.Logf("[robot] stopped")
}

// SetVelocity sets the forward velocity reference in m/s.
func (r *Robot) SetVelocity(v float64) { r.Mixer.SetVelocity(v) }

// SetTurnRate selects turn-rate mode with w rad/s.
func (r *Robot) SetTurnRate(w float64) { r.Mixer.SetTurnRate(w) }

// SetHeading selects heading mode towards h radians in the pose frame.
func (r *Robot) SetHeading(h float64) { r.Mixer.SetHeading(h) }

// SetEdgeMode follows the left or right edge of a line at offset meters.
func (r *Robot) SetEdgeMode(left bool, offset float64) { r.Mixer.SetEdgeMode(left, offset) }

// SetManual overrides the references with v and w while manual is true.
func (r *Robot) SetManual(manual bool, v, w float64) { r.Mixer.SetManual(manual, v, w) }

// ResetPose zeroes the resettable pose frame. The heading loop sees the
// new frame epoch and takes the new heading as its reference, so the robot
// does not turn.
func (r *Robot) ResetPose() {
	r.Odometry.Reset()
}

// Pose returns the latest pose.
func (r *Robot) Pose() odometry.Pose { return r.Odometry.Pose.Value() }

// WheelVelocity returns the measured wheel velocities, left first.
func (r *Robot) WheelVelocity() [2]float64 { return r.Odometry.Pose.Value().WheelVelocity }

// Saturation reports whether the motor voltages or the heading turn-rate
// are at their limits.
func (r *Robot) Saturation() (motorLimited, headingLimited bool) {
	return r.Motor.Limited(), r.Heading.Limited()
}

// SetServo positions servo n (1..5), or disables it.
func (r *Robot) SetServo(n int, enabled bool, position, velocity int) error {
	return r.Servos.Set(n, enabled, position, velocity)
}

// Status is a snapshot for the admin server.
type Status struct {
	Device         string        `json:"device"`
	Link           string        `json:"link"`
	Connected      bool          `json:"connected"`
	Name           string        `json:"name"`
	Battery        float64       `json:"battery"`
	X              float64       `json:"x"`
	Y              float64       `json:"y"`
	Heading        float64       `json:"heading"`
	Distance       float64       `json:"distance"`
	Velocity       float64       `json:"velocity"`
	TurnRate       float64       `json:"turn_rate"`
	WheelVelocity  [2]float64    `json:"wheel_velocity"`
	Mode           string        `json:"mode"`
	Manual         bool          `json:"manual"`
	WheelReference [2]float64    `json:"wheel_reference"`
	Voltage        [2]float64    `json:"voltage"`
	MotorLimited   bool          `json:"motor_limited"`
	HeadingLimited bool          `json:"heading_limited"`
	LineValid      bool          `json:"line_valid"`
	Queued         int           `json:"queued"`
	Uptime         time.Duration `json:"uptime_ns"`
}

// Status returns the current state of every component.
func (r *Robot) Status() Status {
	s := r.Link.Stats()
	p := r.Pose()
	out := r.Mixer.Out.Value()
	hb := r.State.Heartbeat.Value()
	ml, hl := r.Saturation()
	return Status{
		Device:         s.Device,
		Link:           s.State.String(),
		Connected:      r.Link.Connected(),
		Name:           r.State.Name(),
		Battery:        hb.Battery,
		X:              p.X,
		Y:              p.Y,
		Heading:        p.Heading,
		Distance:       p.Distance,
		Velocity:       p.Velocity,
		TurnRate:       p.TurnRate,
		WheelVelocity:  p.WheelVelocity,
		Mode:           out.Mode.String(),
		Manual:         out.Manual,
		WheelReference: out.WheelReference,
		Voltage:        r.Motor.Out.Value().Voltage,
		MotorLimited:   ml,
		HeadingLimited: hl,
		LineValid:      r.LineEdge.Edge.Value().Valid,
		Queued:         s.Queued,
		Uptime:         time.Duration(hb.DeviceTime * float64(time.Second)),
	}
}
