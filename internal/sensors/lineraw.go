package sensors

import (
	"fmt"
	"time"

	"github.com/banshee-data/robobase/internal/devlink"
	"github.com/banshee-data/robobase/internal/monitoring"
	"github.com/banshee-data/robobase/internal/versioned"
)

// LineSensorCount is the number of reflectance sensors on the line sensor.
const LineSensorCount = 8

// LineRaw is one "liv" line: reflectance AD values, illuminated minus
// not illuminated, averaged over the sample time.
type LineRaw struct {
	Values [LineSensorCount]int
	At     time.Time
}

// LineOptions configures the line sensor.
type LineOptions struct {
	RateMs    int
	HighPower bool
}

// Line decodes raw line sensor values.
type Line struct {
	sender Sender
	opts   LineOptions

	Raw versioned.Cell[LineRaw]
}

// NewLine creates the raw line sensor decoder.
func NewLine(sender Sender, opts LineOptions) *Line {
	return &Line{sender: sender, opts: opts}
}

// SetupCommands implements Setup. The sensor is switched on before the
// subscription starts.
func (s *Line) SetupCommands() []string {
	return []string{powerCommand(true, s.opts.HighPower), subscribe("liv", s.opts.RateMs)}
}

// PowerOff switches the sensor illumination off.
func (s *Line) PowerOff() error {
	return s.sender.SendDirect(powerCommand(false, false))
}

func powerCommand(on, high bool) string {
	return fmt.Sprintf("lip %d 0 %d 0 0 0 0", b2i(on), b2i(high))
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Decode implements devlink.Decoder.
func (s *Line) Decode(l devlink.Line) bool {
	switch l.Tag {
	case "liv":
	case "ls":
		// very raw AD values, only of interest when debugging the sensor
		monitoring.Debugf("liv", "AD %s", l.Rest(0))
		return true
	default:
		return false
	}
	if len(l.Fields) == 0 {
		return false
	}
	raw := LineRaw{At: l.At}
	for i := range raw.Values {
		raw.Values[i] = int(l.Int(i, 0))
	}
	s.Raw.Publish(raw)
	monitoring.Debugf("liv", "%v", raw.Values)
	return true
}
