// Package plan manages plan-mode streaming sessions. A session accepts
// one utterance at a time and streams back what the engine would do,
// without ever mutating the store. Cancelling the session's context stops
// an in-flight turn, including a model call in progress.
package plan

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"curator/internal/types"
)

// EventType classifies a streamed session event.
type EventType string

const (
	EventInterpretation EventType = "interpretation"
	EventPreview        EventType = "preview"
	EventMessage        EventType = "message"
	EventError          EventType = "error"
	EventTurnDone       EventType = "turn_done"
	EventClosed         EventType = "closed"
)

// Event is one streamed update from a plan session.
type Event struct {
	Seq            int                   `json:"seq"`
	Type           EventType             `json:"type"`
	Timestamp      time.Time             `json:"timestamp"`
	Message        string                `json:"message,omitempty"`
	Interpretation *types.Interpretation `json:"interpretation,omitempty"`
	Preview        *types.PreviewResult  `json:"preview,omitempty"`
	Records        []types.Record        `json:"records,omitempty"`
}

// Session is one plan-mode conversation. Turns are strictly sequential:
// a Begin while a turn is in flight is refused.
type Session struct {
	ID string

	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
	log    *zap.Logger

	mu      sync.Mutex
	seq     int
	busy    bool
	closed  bool
	history []types.ConversationTurn
}

func newSession(parent context.Context, bufSize int, log *zap.Logger) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ID:     uuid.NewString(),
		ctx:    ctx,
		cancel: cancel,
		events: make(chan Event, bufSize),
		log:    log,
	}
}

// Context is cancelled when the session is cancelled or closed. Pass it
// to every blocking call made on the session's behalf.
func (s *Session) Context() context.Context { return s.ctx }

// Events is the stream consumers read. It closes when the session closes.
func (s *Session) Events() <-chan Event { return s.events }

// Begin marks a turn in flight. It fails if the session is closed or a
// turn is already running.
func (s *Session) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.E(types.KindValidationFailed, "session %s is closed", s.ID)
	}
	if s.busy {
		return types.E(types.KindValidationFailed,
			"session %s already has a turn in flight", s.ID)
	}
	s.busy = true
	return nil
}

// End marks the in-flight turn finished and emits a turn_done event.
func (s *Session) End() {
	s.Emit(Event{Type: EventTurnDone})
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// Emit queues an event for the consumer. Events emitted after close are
// dropped; a full buffer drops the oldest pending event rather than
// blocking the turn.
func (s *Session) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.seq++
	ev.Seq = s.seq
	ev.Timestamp = time.Now()
	for {
		select {
		case s.events <- ev:
			return
		default:
			select {
			case <-s.events:
				s.log.Warn("event buffer full, dropped oldest", zap.String("session", s.ID))
			default:
			}
		}
	}
}

// AppendHistory records a conversation turn for follow-up resolution.
func (s *Session) AppendHistory(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, types.ConversationTurn{Role: role, Content: content})
}

// History returns a copy of the conversation so far.
func (s *Session) History() []types.ConversationTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ConversationTurn, len(s.history))
	copy(out, s.history)
	return out
}

// Cancel aborts any in-flight turn without closing the stream.
func (s *Session) Cancel() { s.cancel() }

func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	close(s.events)
}

// Manager tracks live plan sessions by id.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	bufSize  int
	log      *zap.Logger
}

// NewManager builds a session manager.
func NewManager(bufSize int, log *zap.Logger) *Manager {
	if bufSize <= 0 {
		bufSize = 32
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		bufSize:  bufSize,
		log:      log.Named("plan"),
	}
}

// Open creates and registers a new session under the parent context.
func (m *Manager) Open(parent context.Context) *Session {
	s := newSession(parent, m.bufSize, m.log)
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.log.Debug("session opened", zap.String("session", s.ID))
	return s
}

// Get returns the live session with the given id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close ends the session, cancelling any in-flight turn and closing its
// event stream.
func (m *Manager) Close(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.close()
	m.log.Debug("session closed", zap.String("session", id))
	return true
}

// CloseAll ends every live session; used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}
