package flow

import (
	"sync"

	"github.com/jmilden/agentflow-go/flow/provider"
)

// Session is the chat-message transcript accumulated during one execution.
//
// The scheduler owns the session; executors mutate it only through the
// helpers below. Subflows either fork a copy or share the parent's session
// by reference when shareSession is set.
type Session struct {
	// ID identifies the session. Reusing an ID across executions (via
	// WithSessionID) lets callers correlate transcripts; the engine itself
	// keeps no state between executions.
	ID string

	mu       sync.Mutex
	messages []provider.Message
}

// NewSession creates an empty session with the given ID.
func NewSession(id string) *Session {
	return &Session{ID: id}
}

// Append adds messages to the transcript.
func (s *Session) Append(msgs ...provider.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msgs...)
}

// Messages returns a copy of the transcript.
func (s *Session) Messages() []provider.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]provider.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of messages in the transcript.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Replace swaps the entire transcript. Used by the compactor.
func (s *Session) Replace(msgs []provider.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = msgs
}

// Fork returns an independent copy of the session under a new ID.
func (s *Session) Fork(id string) *Session {
	return &Session{ID: id, messages: s.Messages()}
}
