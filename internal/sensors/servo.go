package sensors

import (
	"fmt"
	"time"

	"github.com/banshee-data/robobase/internal/devlink"
	"github.com/banshee-data/robobase/internal/monitoring"
	"github.com/banshee-data/robobase/internal/versioned"
)

// ServoCount is the number of servo channels on the device.
const ServoCount = 5

// disabledPosition is the position value that switches a servo off.
const disabledPosition = 10000

// ServoState is the reported state of one servo channel.
type ServoState struct {
	Enabled  bool
	Position int
	Velocity int
}

// ServoSample is one "svo" line.
type ServoSample struct {
	Servos [ServoCount]ServoState
	At     time.Time
}

// Servos decodes servo telemetry and sends servo commands.
type Servos struct {
	sender Sender
	rateMs int

	Sample versioned.Cell[ServoSample]
}

// NewServos creates the servo component.
func NewServos(sender Sender, rateMs int) *Servos {
	return &Servos{sender: sender, rateMs: rateMs}
}

// SetupCommands implements Setup.
func (s *Servos) SetupCommands() []string {
	return []string{subscribe("svo", s.rateMs)}
}

// Set moves servo n (1-based) to position with the given velocity, or
// disables it. The command is queued.
func (s *Servos) Set(n int, enabled bool, position, velocity int) error {
	if n < 1 || n > ServoCount {
		return fmt.Errorf("servo %d out of range 1..%d", n, ServoCount)
	}
	return s.sender.SendQueued(ServoCommand(n, enabled, position, velocity))
}

// ServoCommand formats a servo command.
func ServoCommand(n int, enabled bool, position, velocity int) string {
	if !enabled {
		return fmt.Sprintf("servo %d %d 0", n, disabledPosition)
	}
	return fmt.Sprintf("servo %d %d %d", n, position, velocity)
}

// Decode implements devlink.Decoder.
func (s *Servos) Decode(l devlink.Line) bool {
	if l.Tag != "svo" {
		return false
	}
	sample := ServoSample{At: l.At}
	for i := range sample.Servos {
		sample.Servos[i] = ServoState{
			Enabled:  l.Int(3*i, 0) != 0,
			Position: int(l.Int(3*i+1, 0)),
			Velocity: int(l.Int(3*i+2, 0)),
		}
	}
	s.Sample.Publish(sample)
	monitoring.Debugf("servo", "%v", sample.Servos)
	return true
}
