// Package mock provides a test double for the gateway client's outbound
// surface.
//
// Use Sender in tests of the command router and the app wiring to verify
// what would have been sent to the chat platform without a live gateway.
package mock

import (
	"context"
	"sync"

	"github.com/tsukishiro/yukibot/internal/adapter"
)

// SendCall records one outbound message.
type SendCall struct {
	// Kind is "private" or "group".
	Kind string
	// Target is the user or group id.
	Target string
	// Text is the message body.
	Text string
}

// Sender is a scripted stand-in for the adapter client.
type Sender struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned from both send methods.
	SendErr error

	// Self is returned by SelfID.
	Self string

	// UserHistories and GroupHistories script the history fetches.
	UserHistories  map[string][]adapter.HistoryMessage
	GroupHistories map[string][]adapter.HistoryMessage

	// HistoryErr, if non-nil, fails every history fetch.
	HistoryErr error

	// SendCalls records every send in order.
	SendCalls []SendCall
}

// SendPrivate records the call and returns SendErr.
func (s *Sender) SendPrivate(_ context.Context, userID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendCalls = append(s.SendCalls, SendCall{Kind: "private", Target: userID, Text: text})
	return s.SendErr
}

// SendGroup records the call and returns SendErr.
func (s *Sender) SendGroup(_ context.Context, groupID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendCalls = append(s.SendCalls, SendCall{Kind: "group", Target: groupID, Text: text})
	return s.SendErr
}

// SelfID returns Self, or "10000" when unset.
func (s *Sender) SelfID(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Self == "" {
		return "10000", nil
	}
	return s.Self, nil
}

// UserHistory returns the scripted history for userID.
func (s *Sender) UserHistory(_ context.Context, userID string, _ int) ([]adapter.HistoryMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.HistoryErr != nil {
		return nil, s.HistoryErr
	}
	return s.UserHistories[userID], nil
}

// GroupHistory returns the scripted history for groupID.
func (s *Sender) GroupHistory(_ context.Context, groupID string, _ int) ([]adapter.HistoryMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.HistoryErr != nil {
		return nil, s.HistoryErr
	}
	return s.GroupHistories[groupID], nil
}

// Calls returns a copy of the recorded sends. Thread-safe.
func (s *Sender) Calls() []SendCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SendCall, len(s.SendCalls))
	copy(out, s.SendCalls)
	return out
}

// Reset clears all recorded sends. Thread-safe.
func (s *Sender) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendCalls = nil
}
