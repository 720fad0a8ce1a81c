// Package sensors decodes the telemetry lines sent by the micro-controller
// and builds the commands that configure each sensor. Every decoder keeps its
// latest reading in a versioned cell so control loops can poll for changes.
package sensors

import "fmt"

// Sender is the part of the device link the sensors use to talk back to
// the micro-controller.
type Sender interface {
	SendDirect(payload string) error
	SendQueued(payload string) error
}

// Setup is implemented by components that configure the micro-controller
// each time the link becomes active.
type Setup interface {
	SetupCommands() []string
}

func subscribe(tag string, rateMs int) string {
	return fmt.Sprintf("sub %s %d", tag, rateMs)
}
