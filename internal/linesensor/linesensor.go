// Package linesensor turns raw reflectance values into the position of the
// left and right edge of a white line under the robot.
package linesensor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/robobase/internal/monitoring"
	"github.com/banshee-data/robobase/internal/sensors"
	"github.com/banshee-data/robobase/internal/versioned"
)

const n = sensors.LineSensorCount

// minCalibrationSpan is the smallest white minus black AD difference that
// gives a usable sensor.
const minCalibrationSpan = 10

// Calibration holds the AD value of each sensor over white and black.
type Calibration struct {
	White [n]int `json:"white"`
	Black [n]int `json:"black"`
}

// DefaultCalibration spans the full 0..1000 range.
func DefaultCalibration() Calibration {
	var c Calibration
	for i := range c.White {
		c.White[i] = 1000
	}
	return c
}

// Valid reports whether every sensor has a usable white to black span.
func (c Calibration) Valid() bool {
	for i := range c.White {
		if c.White[i]-c.Black[i] <= minCalibrationSpan {
			return false
		}
	}
	return true
}

// Options configures edge detection.
type Options struct {
	Calibration Calibration
	// WhiteThreshold is the normalised value (of 1000) above which a sensor
	// sees the line.
	WhiteThreshold int
	// SensorWidth is the distance in meters from the first to the last sensor.
	SensorWidth float64
}

// Edge is one edge detection result. Positions are in meters from the
// sensor centre, positive to the left.
type Edge struct {
	Valid      bool
	Left       float64
	Right      float64
	Width      float64
	Normalized [n]int
	At         time.Time
}

// Normalize scales raw values to 0 (black) .. 1000 (white).
func Normalize(raw [n]int, c Calibration) [n]int {
	var ls [n]int
	for i, r := range raw {
		span := c.White[i] - c.Black[i]
		if span == 0 {
			continue
		}
		ls[i] = min(max((r-c.Black[i])*1000/span, 0), 1000)
	}
	return ls
}

// Detect finds the line edges in one set of raw values. With an invalid
// calibration or no sensor above the threshold the result is not valid.
func Detect(raw [n]int, opts Options) Edge {
	if !opts.Calibration.Valid() {
		return Edge{}
	}
	ls := Normalize(raw, opts.Calibration)
	th := opts.WhiteThreshold
	e := Edge{Normalized: ls}
	for _, v := range ls {
		if v > th {
			e.Valid = true
			break
		}
	}

	// edge positions in sensor units, 0 is the leftmost sensor
	left, right := 3.5, 3.5
	if e.Valid {
		left = 0
		if ls[0] <= th {
			l := 0
			for l < n-2 && ls[l+1] <= th {
				l++
			}
			left = float64(l) + float64(th-ls[l])/float64(ls[l+1]-ls[l])
		}
		right = n - 1
		if ls[n-1] <= th {
			r := n - 1
			for r > 1 && ls[r-1] <= th {
				r--
			}
			right = float64(r) - float64(th-ls[r])/float64(ls[r-1]-ls[r])
		}
	}
	w := opts.SensorWidth
	e.Left = -(left*w/(n-1) - w/2)
	e.Right = -(right*w/(n-1) - w/2)
	e.Width = e.Left - e.Right
	return e
}

type calibration struct {
	white  bool
	want   int
	values [n][]float64
	done   chan Calibration
}

// Detector runs edge detection on every new raw sample and publishes the
// result. While a calibration is running raw samples are averaged instead.
type Detector struct {
	raw *versioned.Cell[sensors.LineRaw]

	Edge versioned.Cell[Edge]

	mu    sync.Mutex
	opts  Options
	calib *calibration
	seen  uint64
}

// NewDetector creates a detector reading from raw.
func NewDetector(raw *versioned.Cell[sensors.LineRaw], opts Options) *Detector {
	if !opts.Calibration.Valid() {
		monitoring.Logf("[edge] invalid line sensor calibration white %v black %v",
			opts.Calibration.White, opts.Calibration.Black)
	}
	return &Detector{raw: raw, opts: opts}
}

// Calibration returns the calibration in use.
func (d *Detector) Calibration() Calibration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opts.Calibration
}

// Calibrate averages the next samples raw readings as the white (or black)
// reference. The new calibration is used as soon as it is complete and is
// sent on the returned channel.
func (d *Detector) Calibrate(white bool, samples int) <-chan Calibration {
	done := make(chan Calibration, 1)
	d.mu.Lock()
	d.calib = &calibration{white: white, want: max(samples, 1), done: done}
	d.mu.Unlock()
	return done
}

// Step processes the newest raw sample, if any, and reports whether there
// was one.
func (d *Detector) Step() bool {
	raw, ok := d.raw.Next(&d.seen)
	if !ok {
		return false
	}
	d.mu.Lock()
	if c := d.calib; c != nil {
		d.addCalibrationLocked(c, raw.Values)
		d.mu.Unlock()
		return true
	}
	opts := d.opts
	d.mu.Unlock()

	e := Detect(raw.Values, opts)
	e.At = raw.At
	d.Edge.Publish(e)
	monitoring.Debugf("edge", "valid %v left %.4f right %.4f width %.4f", e.Valid, e.Left, e.Right, e.Width)
	return true
}

func (d *Detector) addCalibrationLocked(c *calibration, raw [n]int) {
	for i, v := range raw {
		c.values[i] = append(c.values[i], float64(v))
	}
	if len(c.values[0]) < c.want {
		return
	}
	var avg [n]int
	for i := range avg {
		avg[i] = int(math.Round(stat.Mean(c.values[i], nil)))
	}
	old := d.opts.Calibration
	if c.white {
		d.opts.Calibration.White = avg
	} else {
		d.opts.Calibration.Black = avg
	}
	d.calib = nil
	side := "black"
	if c.white {
		side = "white"
	}
	monitoring.Logf("[edge] calibration %s: old white %v black %v, new %v", side, old.White, old.Black, avg)
	c.done <- d.opts.Calibration
}

// Run calls Step every interval until ctx is done.
func (d *Detector) Run(ctx context.Context, interval time.Duration) error {
	return versioned.Poll(ctx, interval, d.Step)
}

// String describes the detector settings.
func (d *Detector) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fmt.Sprintf("threshold %d width %.3fm calibration valid %v",
		d.opts.WhiteThreshold, d.opts.SensorWidth, d.opts.Calibration.Valid())
}
