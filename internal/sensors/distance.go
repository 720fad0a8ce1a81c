package sensors

import (
	"fmt"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/robobase/internal/devlink"
	"github.com/banshee-data/robobase/internal/monitoring"
	"github.com/banshee-data/robobase/internal/versioned"
)

// DistanceSensorType selects how a distance channel is converted.
type DistanceSensorType string

const (
	// Sharp IR sensors are converted on the device.
	Sharp DistanceSensorType = "sharp"
	// URM09 ultrasound sensors are converted here from the raw AD value.
	URM09 DistanceSensorType = "URM09"
)

// DefaultURM09Factor is meters per AD count for the URM09 (5.20 m / 4096).
const DefaultURM09Factor = 0.00126953125

// Distance is one "ir" line.
type Distance struct {
	Meters [2]float64
	AD     [2]int
	At     time.Time
}

// DistanceOptions configures the distance sensors. IR13 and IR50 are the
// AD values measured at 13 cm and 50 cm for each sensor.
type DistanceOptions struct {
	RateMs      int
	IR13        [2]int
	IR50        [2]int
	URM09Factor float64
	Types       [2]DistanceSensorType
}

type distCalibration struct {
	sensor int // 0 or 1
	cm     int // 13 or 50
	want   int
	values []float64
	done   chan int
}

// DistanceSensors decodes "ir" lines and calibrates the IR sensors.
type DistanceSensors struct {
	sender Sender

	Sample versioned.Cell[Distance]

	mu    sync.Mutex
	opts  DistanceOptions
	calib *distCalibration
}

// NewDistanceSensors creates the distance decoder.
func NewDistanceSensors(sender Sender, opts DistanceOptions) *DistanceSensors {
	if opts.URM09Factor <= 0 {
		opts.URM09Factor = DefaultURM09Factor
	}
	return &DistanceSensors{sender: sender, opts: opts}
}

// SetupCommands implements Setup.
func (d *DistanceSensors) SetupCommands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return []string{d.calibrationCommandLocked(), subscribe("ir", d.opts.RateMs)}
}

// Calibration returns the current 13 cm and 50 cm AD values.
func (d *DistanceSensors) Calibration() (ir13, ir50 [2]int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opts.IR13, d.opts.IR50
}

func (d *DistanceSensors) calibrationCommandLocked() string {
	return fmt.Sprintf("irc %d %d %d %d 1", d.opts.IR13[0], d.opts.IR50[0], d.opts.IR13[1], d.opts.IR50[1])
}

// Calibrate averages the AD value of sensor (1 or 2) over samples readings
// with an obstacle at cm (13 or 50) centimetres. The new AD value is sent
// on the returned channel and to the device.
func (d *DistanceSensors) Calibrate(sensor, cm, samples int) (<-chan int, error) {
	if sensor != 1 && sensor != 2 {
		return nil, fmt.Errorf("distance sensor %d: must be 1 or 2", sensor)
	}
	if cm != 13 && cm != 50 {
		return nil, fmt.Errorf("calibration distance %d cm: must be 13 or 50", cm)
	}
	done := make(chan int, 1)
	d.mu.Lock()
	d.calib = &distCalibration{sensor: sensor - 1, cm: cm, want: max(samples, 1), done: done}
	d.mu.Unlock()
	return done, nil
}

// Decode implements devlink.Decoder.
func (d *DistanceSensors) Decode(l devlink.Line) bool {
	if l.Tag != "ir" {
		return false
	}
	s := Distance{
		Meters: [2]float64{l.Float(0, math.NaN()), l.Float(1, math.NaN())},
		AD:     [2]int{int(l.Int(2, 0)), int(l.Int(3, 0))},
		At:     l.At,
	}

	d.mu.Lock()
	for i, t := range d.opts.Types {
		if t == URM09 {
			s.Meters[i] = float64(s.AD[i]) * d.opts.URM09Factor
		}
	}
	var cmd string
	var c *distCalibration
	var value int
	if d.calib != nil {
		d.calib.values = append(d.calib.values, float64(s.AD[d.calib.sensor]))
		if len(d.calib.values) >= d.calib.want {
			c, d.calib = d.calib, nil
			value = int(math.Round(stat.Mean(c.values, nil)))
			if c.cm == 13 {
				d.opts.IR13[c.sensor] = value
			} else {
				d.opts.IR50[c.sensor] = value
			}
			cmd = d.calibrationCommandLocked()
		}
	}
	d.mu.Unlock()

	d.Sample.Publish(s)
	monitoring.Debugf("ir", "%.3f %.3f %d %d", s.Meters[0], s.Meters[1], s.AD[0], s.AD[1])

	if c != nil {
		monitoring.Logf("[ir] sensor %d at %dcm calibrated to %d", c.sensor+1, c.cm, value)
		if err := d.sender.SendQueued(cmd); err != nil {
			monitoring.Logf("[ir] send calibration: %v", err)
		}
		c.done <- value
	}
	return true
}
