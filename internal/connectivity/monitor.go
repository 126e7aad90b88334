package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/kimhsiao/offlinesync/internal/logging"
)

// MonitorConfig configures a probing Monitor.
type MonitorConfig struct {
	// ProbeURL is requested with HEAD; any response below 500 counts as reachable.
	ProbeURL string
	Interval time.Duration
	Timeout  time.Duration
	// LinkType is reported while the probe succeeds.
	LinkType ConnectionType
}

// Monitor derives connectivity from periodically probing the remote store.
type Monitor struct {
	config     MonitorConfig
	httpClient *http.Client

	mu        sync.RWMutex
	connected bool
	watchers  watchers

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Service = (*Monitor)(nil)

// NewMonitor creates a Monitor. Call Start to begin probing.
func NewMonitor(config MonitorConfig) *Monitor {
	if config.Interval <= 0 {
		config.Interval = 15 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.LinkType == ConnectionNone {
		config.LinkType = ConnectionOther
	}
	return &Monitor{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// Start probes once synchronously, then keeps probing in the background
// until ctx is done or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.Probe(ctx)

	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Probe(ctx)
			}
		}
	}()
}

// Stop ends background probing and closes watch channels.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.watchers.closeAll()
}

// Probe checks reachability now and publishes a transition if it changed.
func (m *Monitor) Probe(ctx context.Context) bool {
	reachable := m.reachable(ctx)

	m.mu.Lock()
	changed := reachable != m.connected
	m.connected = reachable
	m.mu.Unlock()

	if changed {
		logging.Info("connectivity changed", map[string]interface{}{
			"connected": reachable,
			"probe_url": m.config.ProbeURL,
		})
		m.watchers.publish(reachable)
	}
	return reachable
}

func (m *Monitor) reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.config.ProbeURL, nil)
	if err != nil {
		return false
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		logging.Debug("connectivity probe failed", map[string]interface{}{"error": err.Error()})
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

func (m *Monitor) IsConnected(ctx context.Context) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *Monitor) Watch() (<-chan bool, func()) {
	return m.watchers.add()
}

func (m *Monitor) IsConnectionSatisfied(ctx context.Context, r Requirement) bool {
	if !m.IsConnected(ctx) {
		return false
	}
	return r.Satisfies(m.config.LinkType)
}
