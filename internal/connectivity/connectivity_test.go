package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequirement_Satisfies(t *testing.T) {
	tests := []struct {
		req  Requirement
		link ConnectionType
		want bool
	}{
		{RequireAny, ConnectionMobile, true},
		{RequireAny, ConnectionNone, false},
		{RequireWiFi, ConnectionWiFi, true},
		{RequireWiFi, ConnectionEthernet, false},
		{RequireUnmetered, ConnectionEthernet, true},
		{RequireUnmetered, ConnectionMobile, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.req.Satisfies(tt.link), "%s on %s", tt.req, tt.link)
	}
}

func TestParse(t *testing.T) {
	r, err := ParseRequirement("Unmetered")
	require.NoError(t, err)
	assert.Equal(t, RequireUnmetered, r)
	_, err = ParseRequirement("fast")
	assert.Error(t, err)

	c, err := ParseConnectionType("ethernet")
	require.NoError(t, err)
	assert.Equal(t, ConnectionEthernet, c)
}

func TestStatic_watch(t *testing.T) {
	s := NewStatic(ConnectionNone)
	ch, cancel := s.Watch()
	defer cancel()

	assert.False(t, s.IsConnected(context.Background()))
	s.Set(ConnectionMobile)
	assert.True(t, <-ch)

	// link change without connectedness change publishes nothing
	s.Set(ConnectionWiFi)
	select {
	case v := <-ch:
		t.Fatalf("unexpected transition %v", v)
	default:
	}

	assert.True(t, s.IsConnectionSatisfied(context.Background(), RequireWiFi))
	s.SetConnected(false)
	assert.False(t, <-ch)
}

func TestStatic_cancelClosesChannel(t *testing.T) {
	s := NewStatic(ConnectionWiFi)
	ch, cancel := s.Watch()
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	// publishing after cancel must not panic
	s.SetConnected(false)
}

func TestMonitor_probe(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := NewMonitor(MonitorConfig{ProbeURL: srv.URL, Interval: time.Hour, LinkType: ConnectionEthernet})
	ch, cancel := m.Watch()
	defer cancel()

	ctx := context.Background()
	m.Start(ctx)
	defer m.Stop()

	assert.True(t, m.IsConnected(ctx))
	assert.True(t, <-ch)
	assert.True(t, m.IsConnectionSatisfied(ctx, RequireUnmetered))
	assert.False(t, m.IsConnectionSatisfied(ctx, RequireWiFi))

	healthy.Store(false)
	assert.False(t, m.Probe(ctx))
	assert.False(t, <-ch)
	assert.False(t, m.IsConnectionSatisfied(ctx, RequireAny))
}

func TestMonitor_unreachable(t *testing.T) {
	m := NewMonitor(MonitorConfig{ProbeURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	assert.False(t, m.Probe(context.Background()))
	assert.False(t, m.IsConnected(context.Background()))
}
