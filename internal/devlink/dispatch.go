package devlink

import (
	"strconv"
	"strings"
	"time"
)

// Line is one checksum-valid inbound payload, split into its tag and
// space separated fields.
type Line struct {
	Payload string
	Tag     string
	Fields  []string
	At      time.Time
}

// ParseLine splits payload into tag and fields.
func ParseLine(payload string, at time.Time) Line {
	f := strings.Fields(payload)
	l := Line{Payload: payload, At: at}
	if len(f) > 0 {
		l.Tag = f[0]
		l.Fields = f[1:]
	}
	return l
}

// Float returns field i as a float64, or def when missing or malformed.
func (l Line) Float(i int, def float64) float64 {
	if i < 0 || i >= len(l.Fields) {
		return def
	}
	v, err := strconv.ParseFloat(l.Fields[i], 64)
	if err != nil {
		return def
	}
	return v
}

// Int returns field i as an int64, or def when missing or malformed.
// Fields written with a fraction are truncated.
func (l Line) Int(i int, def int64) int64 {
	if i < 0 || i >= len(l.Fields) {
		return def
	}
	v, err := strconv.ParseInt(l.Fields[i], 10, 64)
	if err == nil {
		return v
	}
	fv, err := strconv.ParseFloat(l.Fields[i], 64)
	if err != nil {
		return def
	}
	return int64(fv)
}

// Rest returns the fields from i onwards joined by single spaces.
func (l Line) Rest(i int) string {
	if i < 0 || i >= len(l.Fields) {
		return ""
	}
	return strings.Join(l.Fields[i:], " ")
}

// Decoder consumes inbound lines for the tags it understands. Decode
// returns false for lines it does not recognise so the next decoder can try.
// Decoders run on the link's receive goroutine and must not block.
type Decoder interface {
	Decode(Line) bool
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(Line) bool

// Decode calls f.
func (f DecoderFunc) Decode(l Line) bool { return f(l) }

// TagDecoder returns a Decoder that handles exactly the given tag.
func TagDecoder(tag string, handle func(Line)) Decoder {
	return DecoderFunc(func(l Line) bool {
		if l.Tag != tag {
			return false
		}
		handle(l)
		return true
	})
}
