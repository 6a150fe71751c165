// Package progressbus implements the in-process Progress Bus: a bounded
// ring buffer per job plus fan-out to live subscribers. Slow subscribers
// are dropped rather than allowed to block the publisher.
package progressbus

import (
	"sync"

	"github.com/reclip/recap-engine/internal/domain"
)

const ringSize = 64
const subscriberBuffer = 16

type jobStream struct {
	mu          sync.Mutex
	ring        []domain.ProgressEvent
	nextSeq     int64
	subscribers map[int]chan domain.ProgressEvent
	nextSubID   int
}

func newJobStream() *jobStream {
	return &jobStream{
		ring:        make([]domain.ProgressEvent, 0, ringSize),
		subscribers: map[int]chan domain.ProgressEvent{},
	}
}

// Bus fans out ProgressEvents per job, keyed by job id. One Bus instance
// is shared by every Controller goroutine in a process.
type Bus struct {
	mu      sync.Mutex
	streams map[string]*jobStream
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{streams: map[string]*jobStream{}}
}

func (b *Bus) stream(jobID string) *jobStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[jobID]
	if !ok {
		s = newJobStream()
		b.streams[jobID] = s
	}
	return s
}

// Publish appends an event to the job's ring buffer, assigns it the next
// sequence number, and fans it out to current subscribers. A subscriber
// whose channel is full is dropped from this job's stream rather than
// blocking the publisher; it will reconnect and replay from the ring.
func (b *Bus) Publish(jobID string, evt domain.ProgressEvent) domain.ProgressEvent {
	s := b.stream(jobID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSeq++
	evt.JobID = jobID
	evt.Sequence = s.nextSeq
	evt.SchemaVersion = 1

	s.ring = append(s.ring, evt)
	if len(s.ring) > ringSize {
		s.ring = s.ring[len(s.ring)-ringSize:]
	}

	for id, ch := range s.subscribers {
		select {
		case ch <- evt:
		default:
			close(ch)
			delete(s.subscribers, id)
		}
	}
	return evt
}

// Subscribe returns a channel of live events for jobID plus a replay of
// any buffered events with sequence greater than afterSeq (0 replays
// the whole ring), and an unsubscribe function the caller must call.
func (b *Bus) Subscribe(jobID string, afterSeq int64) (replay []domain.ProgressEvent, live <-chan domain.ProgressEvent, unsubscribe func()) {
	s := b.stream(jobID)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.ring {
		if e.Sequence > afterSeq {
			replay = append(replay, e)
		}
	}

	ch := make(chan domain.ProgressEvent, subscriberBuffer)
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch

	return replay, ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(existing)
		}
	}
}

// Close removes a job's stream entirely, freeing the ring buffer. It
// closes every subscriber channel at once without waiting for them to
// drain; events already buffered in a channel stay readable.
func (b *Bus) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[jobID]; ok {
		s.mu.Lock()
		for id, ch := range s.subscribers {
			close(ch)
			delete(s.subscribers, id)
		}
		s.mu.Unlock()
		delete(b.streams, jobID)
	}
}
