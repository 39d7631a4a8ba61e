package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/metric"
)

type OverflowPolicy string

const (
	DropOldest OverflowPolicy = "drop-oldest"
	Disconnect OverflowPolicy = "disconnect"
)

func (p OverflowPolicy) Valid() bool { return p == DropOldest || p == Disconnect }

// Subscriber is one live connection's outbound side.
type Subscriber struct {
	ConnID    string
	UserID    string
	Tenant    string
	Connected time.Time

	send   chan []byte
	done   chan struct{}
	once   sync.Once
	policy OverflowPolicy

	mu       sync.Mutex
	channels map[string]bool

	dropped atomic.Uint64
}

func newSubscriber(connID, userID, tenant string, buffer int, policy OverflowPolicy) *Subscriber {
	return &Subscriber{
		ConnID:    connID,
		UserID:    userID,
		Tenant:    tenant,
		Connected: time.Now().UTC(),
		send:      make(chan []byte, buffer),
		done:      make(chan struct{}),
		policy:    policy,
		channels:  make(map[string]bool),
	}
}

// Send is drained by the connection's writer.
func (s *Subscriber) Send() <-chan []byte { return s.send }

// Done is closed when the hub gives up on the subscriber.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscriber) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscriber) Subscribed(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[channel]
}

func (s *Subscriber) setChannel(channel string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.channels[channel] = true
	} else {
		delete(s.channels, channel)
	}
}

// Reply queues a frame that is not part of any tenant stream.
func (s *Subscriber) Reply(frame []byte) {
	_ = s.enqueue(frame)
}

// enqueue never blocks. It reports false when the subscriber must be
// disconnected.
func (s *Subscriber) enqueue(frame []byte) bool {
	if s.closed() {
		return true
	}
	select {
	case s.send <- frame:
		return true
	default:
	}
	s.dropped.Add(1)
	metric.DroppedFrames.WithLabelValues(string(s.policy)).Inc()
	if s.policy == Disconnect {
		return false
	}
	select {
	case <-s.send:
	default:
	}
	select {
	case s.send <- frame:
	default:
	}
	return true
}
