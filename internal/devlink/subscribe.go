package devlink

import (
	"sync"

	"github.com/google/uuid"
)

// subscribers fans inbound payloads out to tail listeners. Slow listeners
// miss lines rather than block the receive loop.
type subscribers struct {
	mu   sync.Mutex
	subs map[string]chan string
}

func newSubscribers() subscribers {
	return subscribers{subs: make(map[string]chan string)}
}

func (s *subscribers) add() (string, chan string) {
	id := uuid.NewString()
	ch := make(chan string, 64)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[id] = ch
	return id, ch
}

func (s *subscribers) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subs[id]; ok {
		close(ch)
		delete(s.subs, id)
	}
}

func (s *subscribers) publish(payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- payload:
		default:
		}
	}
}

func (s *subscribers) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}

// Subscribe returns a channel receiving every checksum-valid inbound
// payload and the id used to Unsubscribe.
func (l *Link) Subscribe() (string, chan string) {
	return l.subs.add()
}

// Unsubscribe ends a subscription and closes its channel.
func (l *Link) Unsubscribe(id string) {
	l.subs.remove(id)
}
