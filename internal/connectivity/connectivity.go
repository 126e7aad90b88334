// Package connectivity reports whether the device can currently reach the
// remote store, and whether that connection satisfies a sync policy.
package connectivity

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ConnectionType describes the active network link.
type ConnectionType int

const (
	ConnectionNone ConnectionType = iota
	ConnectionWiFi
	ConnectionEthernet
	ConnectionMobile
	ConnectionOther
)

var connectionNames = map[ConnectionType]string{
	ConnectionNone:     "none",
	ConnectionWiFi:     "wifi",
	ConnectionEthernet: "ethernet",
	ConnectionMobile:   "mobile",
	ConnectionOther:    "other",
}

func (c ConnectionType) String() string { return connectionNames[c] }

// ParseConnectionType parses a connection type name.
func ParseConnectionType(s string) (ConnectionType, error) {
	for k, v := range connectionNames {
		if v == strings.ToLower(strings.TrimSpace(s)) {
			return k, nil
		}
	}
	return ConnectionNone, fmt.Errorf("unknown connection type %q", s)
}

// Requirement is the policy defining "connected enough" to sync.
type Requirement int

const (
	// RequireAny accepts any connection.
	RequireAny Requirement = iota
	// RequireWiFi accepts only WiFi.
	RequireWiFi
	// RequireUnmetered accepts WiFi and ethernet.
	RequireUnmetered
)

var requirementNames = map[Requirement]string{
	RequireAny:       "any",
	RequireWiFi:      "wifi",
	RequireUnmetered: "unmetered",
}

func (r Requirement) String() string { return requirementNames[r] }

// ParseRequirement parses a requirement name.
func ParseRequirement(s string) (Requirement, error) {
	for k, v := range requirementNames {
		if v == strings.ToLower(strings.TrimSpace(s)) {
			return k, nil
		}
	}
	return RequireAny, fmt.Errorf("unknown connectivity requirement %q", s)
}

// Satisfies reports whether a link of type c meets r.
func (r Requirement) Satisfies(c ConnectionType) bool {
	if c == ConnectionNone {
		return false
	}
	switch r {
	case RequireWiFi:
		return c == ConnectionWiFi
	case RequireUnmetered:
		return c == ConnectionWiFi || c == ConnectionEthernet
	default:
		return true
	}
}

// Service is the connectivity collaborator consumed by the sync engine.
type Service interface {
	// IsConnected returns the current snapshot.
	IsConnected(ctx context.Context) bool
	// Watch delivers every connected/disconnected transition until the
	// returned cancel function is called.
	Watch() (<-chan bool, func())
	IsConnectionSatisfied(ctx context.Context, r Requirement) bool
}

// watchers fans transitions out to subscribers. Sends never block; a
// subscriber that is not keeping up misses intermediate states.
type watchers struct {
	mu   sync.Mutex
	next int
	subs map[int]chan bool
}

func (w *watchers) add() (<-chan bool, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.subs == nil {
		w.subs = make(map[int]chan bool)
	}
	id := w.next
	w.next++
	ch := make(chan bool, 1)
	w.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			if c, ok := w.subs[id]; ok {
				delete(w.subs, id)
				close(c)
			}
		})
	}
}

func (w *watchers) publish(connected bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.subs {
		select {
		case ch <- connected:
		default:
			// replace the stale value with the latest state
			select {
			case <-ch:
			default:
			}
			ch <- connected
		}
	}
}

func (w *watchers) closeAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, ch := range w.subs {
		delete(w.subs, id)
		close(ch)
	}
}
