package devlink

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tailscale.com/tsweb"
)

// AttachAdminRoutes attaches link debugging endpoints to the given HTTP mux
// under /debug/.
func (l *Link) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.KVFunc("Device link", func() any {
		s := l.Stats()
		return fmt.Sprintf("%s %s, %d queued", s.Device, s.State, s.Queued)
	})

	debug.HandleFunc("link", "device link state and counters", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		writeStats(w, l.Stats(), l.Queued())
	})

	// API endpoint to send a command; mode=direct skips the confirm queue
	debug.HandleSilentFunc("link-send", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		var err error
		if r.FormValue("mode") == "direct" {
			err = l.SendDirect(command)
		} else {
			err = l.SendQueued(command)
		}
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to send command: %v", err), http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, fmt.Sprintf("Sent command %q to %s", command, l.opts.Device))
	})

	// Server-Sent Events stream of every valid inbound line
	debug.HandleSilentFunc("link-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := l.Subscribe()
		defer l.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}

func writeStats(w io.Writer, s Stats, queued []string) {
	last := "never"
	if !s.LastActivity.IsZero() {
		last = s.LastActivity.Format(time.RFC3339Nano)
	}
	fmt.Fprintf(w, "device:        %s\n", s.Device)
	fmt.Fprintf(w, "state:         %s (receiving=%v, last rx %s)\n", s.State, s.Receiving, last)
	fmt.Fprintf(w, "connects:      %d (open failures %d)\n", s.Connects, s.OpenFailures)
	fmt.Fprintf(w, "rx lines:      %d (checksum errors %d, malformed %d, unhandled %d)\n",
		s.LinesReceived, s.ChecksumErrors, s.Malformed, s.Unhandled)
	fmt.Fprintf(w, "tx:            %d queued sends, %d direct, %d bytes, %d write timeouts\n",
		s.Sent, s.DirectSent, s.BytesWritten, s.WriteTimeouts)
	fmt.Fprintf(w, "queue:         %d confirmed, %d retransmits, %d dropped, %d flushed, %d mismatches, %d rejected\n",
		s.Confirmed, s.Retransmits, s.Dropped, s.Flushed, s.ConfirmMismatches, s.Rejected)
	fmt.Fprintf(w, "clock jumps:   %d\n", s.ClockJumps)
	fmt.Fprintf(w, "queued (%d):\n", len(queued))
	for _, q := range queued {
		fmt.Fprintf(w, "  %s\n", q)
	}
}
