// Package connectivity reports whether the remote API is reachable.
//
// The provider is injected into the sync engine rather than living in a
// module-global flag: the engine polls Online before a drain and the
// daemon subscribes to Changes to trigger a drain the moment the device
// comes back online.
package connectivity

import (
	"context"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

// Provider reports current connectivity and emits transitions.
type Provider interface {
	// Online reports the last observed connectivity state.
	Online() bool

	// Changes returns a channel receiving the new state on every
	// online/offline transition. The channel is buffered; a slow
	// consumer may miss intermediate flips but always sees the latest.
	Changes() <-chan bool
}

// Manual is a Provider whose state is set by the caller. Used by the
// CLI (--offline flag) and by tests.
type Manual struct {
	mu      sync.Mutex
	online  bool
	changes chan bool
}

// NewManual creates a Manual provider with the given initial state.
func NewManual(online bool) *Manual {
	return &Manual{
		online:  online,
		changes: make(chan bool, 1),
	}
}

// Online implements Provider.
func (m *Manual) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Changes implements Provider.
func (m *Manual) Changes() <-chan bool {
	return m.changes
}

// SetOnline updates the state, emitting a transition if it changed.
func (m *Manual) SetOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if changed {
		select {
		case m.changes <- online:
		default:
			// Drop the stale value so the latest state is always
			// the one a late consumer reads.
			select {
			case <-m.changes:
			default:
			}
			m.changes <- online
		}
	}
}

// ProbeConfig configures a Probe provider.
type ProbeConfig struct {
	// URL is probed with a lightweight request; any response, including
	// an error status, counts as online. Only transport failures count
	// as offline.
	URL string

	// Interval between probes.
	Interval time.Duration

	// Timeout for a single probe request.
	Timeout time.Duration

	// Logger for transition events.
	Logger *log.Logger
}

// DefaultProbeConfig returns sensible defaults for the given URL.
func DefaultProbeConfig(url string) *ProbeConfig {
	return &ProbeConfig{
		URL:      url,
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
		Logger:   log.New(os.Stderr, "[connectivity] ", log.LstdFlags),
	}
}

// Probe is a Provider that periodically issues a HEAD request against
// the API and tracks reachability transitions.
type Probe struct {
	config *ProbeConfig
	client *http.Client

	mu     sync.Mutex
	online bool

	changes chan bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProbe creates a Probe provider. Call Start to begin probing; until
// the first probe completes the provider reports offline.
func NewProbe(config *ProbeConfig) *Probe {
	if config == nil {
		config = DefaultProbeConfig("")
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}
	if config.Interval <= 0 {
		config.Interval = 15 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Probe{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		changes: make(chan bool, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Online implements Provider.
func (p *Probe) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// Changes implements Provider.
func (p *Probe) Changes() <-chan bool {
	return p.changes
}

// Start probes once immediately, then on every interval tick, until
// Stop is called.
func (p *Probe) Start() {
	p.wg.Add(1)
	go p.loop()
}

// Stop terminates the probe loop and waits for it to exit.
func (p *Probe) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *Probe) loop() {
	defer p.wg.Done()

	p.probe()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.probe()
		}
	}
}

func (p *Probe) probe() {
	online := p.reachable()

	p.mu.Lock()
	changed := p.online != online
	p.online = online
	p.mu.Unlock()

	if !changed {
		return
	}

	if online {
		p.config.Logger.Println("Connectivity regained")
	} else {
		p.config.Logger.Println("Connectivity lost")
	}

	select {
	case p.changes <- online:
	default:
		select {
		case <-p.changes:
		default:
		}
		p.changes <- online
	}
}

func (p *Probe) reachable() bool {
	if p.config.URL == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.config.URL, nil)
	if err != nil {
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
