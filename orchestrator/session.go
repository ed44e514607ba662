package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentplexus/calltest/conversation"
	"github.com/agentplexus/calltest/scenario"
)

// State is a call session's position in the test state machine.
type State string

const (
	StateCreated        State = "CREATED"
	StateChannelOpening State = "CHANNEL_OPENING"
	StateCallConnecting State = "CALL_CONNECTING"
	StateInCall         State = "IN_CALL"
	StateEvaluating     State = "EVALUATING"
	StateCompleted      State = "COMPLETED"
	StateFailed         State = "FAILED"
	StateTimedOut       State = "TIMED_OUT"
)

var transitions = map[State][]State{
	StateCreated:        {StateChannelOpening, StateFailed},
	StateChannelOpening: {StateCallConnecting, StateFailed, StateTimedOut},
	StateCallConnecting: {StateInCall, StateFailed, StateTimedOut},
	StateInCall:         {StateEvaluating, StateFailed, StateTimedOut},
	StateEvaluating:     {StateCompleted},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimedOut
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is the live state of one test run. It is owned by exactly one
// orchestrator run.
type Session struct {
	ID         string
	Test       scenario.Test
	Transcript *conversation.Transcript
	StartedAt  time.Time

	mu        sync.RWMutex
	state     State
	history   []State
	publicURL string
	callSID   string
	endedAt   time.Time
}

func newSession(test scenario.Test, now time.Time) *Session {
	return &Session{
		ID:         uuid.NewString(),
		Test:       test,
		Transcript: conversation.NewTranscript(),
		StartedAt:  now,
		state:      StateCreated,
		history:    []State{StateCreated},
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// History returns every state the session has been in, in order.
func (s *Session) History() []State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]State(nil), s.history...)
}

// PublicURL returns the channel's public address once open.
func (s *Session) PublicURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.publicURL
}

// CallSID returns the Twilio call SID once known.
func (s *Session) CallSID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callSID
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.state, to) {
		return fmt.Errorf("orchestrator: invalid transition %s -> %s", s.state, to)
	}
	s.state = to
	s.history = append(s.history, to)
	return nil
}

func (s *Session) setPublicURL(u string) {
	s.mu.Lock()
	s.publicURL = u
	s.mu.Unlock()
}

func (s *Session) setCallSID(sid string) {
	s.mu.Lock()
	if sid != "" {
		s.callSID = sid
	}
	s.mu.Unlock()
}

func (s *Session) end(at time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endedAt.IsZero() {
		s.endedAt = at
	}
	return s.endedAt
}
