package connectivity

import (
	"context"
	"sync"
)

// Static is an application-driven connectivity source: the application (or a
// test) reports link changes with Set.
type Static struct {
	mu       sync.RWMutex
	linkType ConnectionType
	watchers watchers
}

var _ Service = (*Static)(nil)

// NewStatic creates a Static service with the given initial link.
func NewStatic(c ConnectionType) *Static {
	return &Static{linkType: c}
}

// Set changes the link type, notifying watchers when connectedness flips.
func (s *Static) Set(c ConnectionType) {
	s.mu.Lock()
	was := s.linkType != ConnectionNone
	s.linkType = c
	now := c != ConnectionNone
	s.mu.Unlock()

	if was != now {
		s.watchers.publish(now)
	}
}

// SetConnected is a shorthand for Set(ConnectionWiFi) or Set(ConnectionNone).
func (s *Static) SetConnected(connected bool) {
	if connected {
		s.Set(ConnectionWiFi)
	} else {
		s.Set(ConnectionNone)
	}
}

// Type returns the current link type.
func (s *Static) Type() ConnectionType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.linkType
}

func (s *Static) IsConnected(ctx context.Context) bool {
	return s.Type() != ConnectionNone
}

func (s *Static) Watch() (<-chan bool, func()) {
	return s.watchers.add()
}

func (s *Static) IsConnectionSatisfied(ctx context.Context, r Requirement) bool {
	return r.Satisfies(s.Type())
}

// Close closes every watch channel.
func (s *Static) Close() {
	s.watchers.closeAll()
}
