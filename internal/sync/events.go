package sync

import (
	gosync "sync"
	"time"

	"github.com/beyondessential/tamanu-sync/internal/syncerr"
)

// State is the coarse state of a Manager.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
)

// Phase is a step of a run.
type Phase string

const (
	PhaseStartSession Phase = "start_session"
	PhasePushOutgoing Phase = "push_outgoing"
	PhasePullIncoming Phase = "pull_incoming"
	PhaseEndSession   Phase = "end_session"
)

// EventType identifies an Event.
type EventType string

const (
	EventStarted     EventType = "started"
	EventPhase       EventType = "phase"
	EventProgress    EventType = "progress"
	EventRecordError EventType = "record_error"
	EventSucceeded   EventType = "succeeded"
	EventFailed      EventType = "failed"
)

// Event is broadcast to subscribers while a run progresses.
type Event struct {
	Type      EventType `json:"type"`
	Time      time.Time `json:"time"`
	SessionID string    `json:"sessionId,omitempty"`
	Phase     Phase     `json:"phase,omitempty"`

	// Progress is 0..100 within the current phase.
	Progress int    `json:"progress,omitempty"`
	Message  string `json:"message,omitempty"`

	Code       syncerr.Code `json:"code,omitempty"`
	Error      string       `json:"error,omitempty"`
	RecordType string       `json:"recordType,omitempty"`
	RecordID   string       `json:"recordId,omitempty"`
}

// subscriber hands events to one listener. Events wait in an unbounded
// queue until the listener takes them; only progress events are dropped,
// and only while the queue already holds as many events as the listener's
// buffer.
type subscriber struct {
	ch   chan Event
	size int

	mu    gosync.Mutex
	queue []Event
	wake  chan struct{}
	quit  chan struct{}
}

func newSubscriber(n int) *subscriber {
	return &subscriber{
		ch:   make(chan Event, n),
		size: n,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	if ev.Type == EventProgress && len(s.queue) >= s.size {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// deliver moves queued events to the listener until unsubscribed, then
// closes the listener's channel.
func (s *subscriber) deliver() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.quit:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- ev:
		case <-s.quit:
			return
		}
	}
}

// Subscribe registers a listener with a buffer of size n. A slow listener
// never blocks a run: events queue up for it, except progress events, which
// are dropped once n events are waiting. Call the returned func to
// unsubscribe; the channel is closed after that.
func (m *Manager) Subscribe(n int) (<-chan Event, func()) {
	if n <= 0 {
		n = 16
	}
	sub := newSubscriber(n)
	go sub.deliver()

	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = sub
	m.subMu.Unlock()

	var once gosync.Once
	return sub.ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
			close(sub.quit)
		})
	}
}

func (m *Manager) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, sub := range m.subs {
		sub.push(ev)
	}
}

func (m *Manager) emitFailure(sessionID string, f *syncerr.RecordFailure) {
	m.emit(Event{
		Type:       EventRecordError,
		SessionID:  sessionID,
		Phase:      PhasePullIncoming,
		Code:       syncerr.CodeRecordPersistence,
		Error:      f.Err.Error(),
		RecordType: f.RecordType,
		RecordID:   f.RecordID,
	})
}
