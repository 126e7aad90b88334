package sync

import (
	"sort"
	gosync "sync"
	"time"
)

// runtimeState holds the engine's mutable bookkeeping. The syncing flag lives
// on the engine as an atomic so the re-entrancy check is a single CAS.
type runtimeState struct {
	mu        gosync.Mutex
	pending   int
	lastSync  time.Time
	connected bool
	types     map[string]struct{}
}

func newRuntimeState() *runtimeState {
	return &runtimeState{types: make(map[string]struct{})}
}

func (s *runtimeState) setPending(n int) {
	s.mu.Lock()
	s.pending = n
	s.mu.Unlock()
}

func (s *runtimeState) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *runtimeState) setLastSync(t time.Time) {
	s.mu.Lock()
	s.lastSync = t
	s.mu.Unlock()
}

func (s *runtimeState) lastSyncTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync
}

// setConnected stores the connectivity flag and reports whether it changed.
func (s *runtimeState) setConnected(connected bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.connected != connected
	s.connected = connected
	return changed
}

func (s *runtimeState) registerType(modelType string) {
	s.mu.Lock()
	s.types[modelType] = struct{}{}
	s.mu.Unlock()
}

func (s *runtimeState) registeredTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.types))
	for t := range s.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (s *runtimeState) snapshot(syncing bool) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		IsConnected:    s.connected,
		IsSyncing:      syncing,
		PendingChanges: s.pending,
		LastSyncTime:   s.lastSync,
	}
}
