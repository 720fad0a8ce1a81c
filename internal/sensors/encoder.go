package sensors

import (
	"time"

	"github.com/banshee-data/robobase/internal/devlink"
	"github.com/banshee-data/robobase/internal/monitoring"
	"github.com/banshee-data/robobase/internal/versioned"
)

// Encoder is one pair of raw wheel encoder counters. Left is negated on
// decode so both wheels count up when driving forward.
type Encoder struct {
	Left  int64
	Right int64
	At    time.Time
}

// EncoderOptions configures the encoder subscription.
type EncoderOptions struct {
	RateMs   int
	Reversed bool
}

// Encoders decodes "enc" lines.
type Encoders struct {
	opts EncoderOptions

	Sample versioned.Cell[Encoder]
}

// NewEncoders creates the encoder decoder.
func NewEncoders(opts EncoderOptions) *Encoders {
	return &Encoders{opts: opts}
}

// SetupCommands implements Setup.
func (e *Encoders) SetupCommands() []string {
	rev := "encrev 0"
	if e.opts.Reversed {
		rev = "encrev 1"
	}
	return []string{"enc0", subscribe("enc", e.opts.RateMs), rev}
}

// Decode implements devlink.Decoder.
func (e *Encoders) Decode(l devlink.Line) bool {
	if l.Tag != "enc" || len(l.Fields) < 2 {
		return false
	}
	s := Encoder{
		Left:  -l.Int(0, 0),
		Right: l.Int(1, 0),
		At:    l.At,
	}
	e.Sample.Publish(s)
	monitoring.Debugf("enc", "%d %d", s.Left, s.Right)
	return true
}
