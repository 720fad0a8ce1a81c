package devlink

import (
	"strings"
	"time"
)

// ackMarker is the byte placed after the check code of a queued command to
// ask the device for a "confirm" reply.
const ackMarker = '!'

// outboundEntry is one queued command awaiting confirmation.
type outboundEntry struct {
	payload  string // command without marker or newline
	frame    string // ";NN!payload\n" as written to the port
	checksum int
	sent     bool
	sentAt   time.Time
	queuedAt time.Time
	retries  int
}

func newOutboundEntry(payload string, now time.Time) *outboundEntry {
	payload = normalizeQueued(payload)
	marked := string(ackMarker) + payload
	return &outboundEntry{
		payload:  payload,
		frame:    Frame(marked),
		checksum: Checksum(marked),
		queuedAt: now,
	}
}

// normalizeQueued strips the line terminator and any caller supplied
// confirmation marker so that payloads compare equal to the device echo.
func normalizeQueued(payload string) string {
	payload = strings.TrimRight(payload, "\r\n")
	payload = strings.TrimPrefix(payload, string(ackMarker))
	return strings.TrimSpace(payload)
}

// matches reports whether the payload of a "confirm" line acknowledges e.
func (e *outboundEntry) matches(confirmPayload string) bool {
	echo := strings.TrimPrefix(confirmPayload, "confirm")
	return normalizeQueued(strings.TrimSpace(echo)) == e.payload
}

// outQueue is a FIFO of owned entries. Only the head is ever in flight.
type outQueue struct {
	items []*outboundEntry
}

func (q *outQueue) push(e *outboundEntry) { q.items = append(q.items, e) }

func (q *outQueue) front() *outboundEntry {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *outQueue) pop() *outboundEntry {
	if len(q.items) == 0 {
		return nil
	}
	e := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) == 0 {
		// drop the consumed prefix of the backing array
		q.items = nil
	}
	return e
}

func (q *outQueue) len() int { return len(q.items) }

// clear drops every entry and returns how many were dropped.
func (q *outQueue) clear() int {
	n := len(q.items)
	q.items = nil
	return n
}

// payloads lists the queued commands in send order.
func (q *outQueue) payloads() []string {
	out := make([]string, len(q.items))
	for i, e := range q.items {
		out[i] = e.payload
	}
	return out
}
