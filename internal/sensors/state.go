package sensors

import (
	"sync"
	"time"

	"github.com/banshee-data/robobase/internal/devlink"
	"github.com/banshee-data/robobase/internal/monitoring"
	"github.com/banshee-data/robobase/internal/versioned"
)

// Heartbeat is the periodic status line of the micro-controller.
type Heartbeat struct {
	DeviceTime   float64 // seconds since device start
	Index        int     // robot number
	Version      int     // firmware revision
	Battery      float64 // volts
	ControlState int     // 0 when control is external to the device
	Hardware     int
	Load         float64 // percent
	MotorEnabled [2]bool // false after an overload
	At           time.Time
}

// State decodes "hbt" and "dname" lines.
type State struct {
	sender Sender
	rateMs int

	Heartbeat versioned.Cell[Heartbeat]

	mu      sync.Mutex
	name    string
	index   int
	indexOK bool
}

// NewState creates the heartbeat decoder. rateMs is the requested
// heartbeat interval.
func NewState(sender Sender, rateMs int) *State {
	return &State{sender: sender, rateMs: rateMs}
}

// SetupCommands implements Setup.
func (s *State) SetupCommands() []string {
	return []string{subscribe("hbt", s.rateMs)}
}

// Name returns the robot name reported by the device, empty until known.
func (s *State) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Decode implements devlink.Decoder.
func (s *State) Decode(l devlink.Line) bool {
	switch l.Tag {
	case "dname":
		name := l.Rest(0)
		s.mu.Lock()
		changed := name != s.name
		s.name = name
		s.mu.Unlock()
		if changed {
			monitoring.Logf("[state] device name %q", name)
		}
		return true
	case "hbt":
		if len(l.Fields) < 2 {
			return false
		}
	default:
		return false
	}

	hb := Heartbeat{
		DeviceTime:   l.Float(0, 0),
		Index:        int(l.Int(1, 0)),
		Version:      int(l.Int(2, 0)),
		Battery:      l.Float(3, 0),
		ControlState: int(l.Int(4, 0)),
		Hardware:     int(l.Int(5, 0)),
		Load:         l.Float(6, 0),
		MotorEnabled: [2]bool{l.Int(7, 0) != 0, l.Int(8, 0) != 0},
		At:           l.At,
	}

	s.mu.Lock()
	newIndex := !s.indexOK || s.index != hb.Index
	s.index, s.indexOK = hb.Index, true
	s.mu.Unlock()
	if newIndex {
		// a different robot number means a different name
		monitoring.Logf("[state] robot index %d, asking for name", hb.Index)
		if err := s.sender.SendDirect("idi"); err != nil {
			monitoring.Debugf("state", "idi: %v", err)
		}
	}

	s.Heartbeat.Publish(hb)
	monitoring.Debugf("state", "idx %d ver %d bat %.2fV state %d load %.0f%% motors %v",
		hb.Index, hb.Version, hb.Battery, hb.ControlState, hb.Load, hb.MotorEnabled)
	return true
}
