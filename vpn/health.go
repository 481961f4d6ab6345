// Package vpn provides VPN profile acquisition and connection lifecycle management.
// This file contains the HealthChecker for monitoring tunnel health.
package vpn

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/yllada/ovpn-launcher/common"
)

// HealthState represents the current health state of a connection.
type HealthState int

const (
	HealthUnknown HealthState = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

// String returns a human-readable representation of the health state.
func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "Healthy"
	case HealthDegraded:
		return "Degraded"
	case HealthUnhealthy:
		return "Unhealthy"
	default:
		return "Unknown"
	}
}

// HealthConfig holds configuration for the health checker.
type HealthConfig struct {
	// CheckInterval is how often to check connection health.
	CheckInterval time.Duration
	// FailureThreshold is how many consecutive failures before marking unhealthy.
	FailureThreshold int
	// DialTimeout bounds each probe.
	DialTimeout time.Duration
	// TestHosts are dialed in order until one answers.
	TestHosts []string
}

// DefaultHealthConfig returns sensible defaults for health checking.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		CheckInterval:    common.HealthInterval,
		FailureThreshold: 3,
		DialTimeout:      5 * time.Second,
		TestHosts: []string{
			"1.1.1.1:443",
			"8.8.8.8:443",
		},
	}
}

var errProbeFailed = errors.New("no test host reachable")

// ConnectionHealth is a snapshot of the tunnel's health.
type ConnectionHealth struct {
	State            HealthState
	LastCheck        time.Time
	LastSuccess      time.Time
	ConsecutiveFails int
	Latency          time.Duration
}

// HealthChecker probes the network while the controller is Connected and
// reports health changes. It never reconnects; that is left to the user.
// Register it on a Controller to tie probing to the Connected state.
type HealthChecker struct {
	mu       sync.Mutex
	config   HealthConfig
	health   ConnectionHealth
	cancel   context.CancelFunc
	done     chan struct{}
	onChange func(oldState, newState HealthState)

	// probe is replaceable in tests.
	probe func(ctx context.Context) (time.Duration, error)
}

// NewHealthChecker creates an idle health checker.
func NewHealthChecker(config HealthConfig) *HealthChecker {
	def := DefaultHealthConfig()
	if config.CheckInterval <= 0 {
		config.CheckInterval = def.CheckInterval
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = def.DialTimeout
	}
	if len(config.TestHosts) == 0 {
		config.TestHosts = def.TestHosts
	}
	hc := &HealthChecker{config: config}
	hc.probe = hc.dialHosts
	return hc
}

// SetOnHealthChange sets a callback for health state changes.
func (hc *HealthChecker) SetOnHealthChange(callback func(oldState, newState HealthState)) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.onChange = callback
}

// OnProfileAcquired is part of Listener.
func (hc *HealthChecker) OnProfileAcquired(bool) {}

// OnConnectionStateChanged starts probing when the tunnel comes up and
// stops when it goes away.
func (hc *HealthChecker) OnConnectionStateChanged(connected bool) {
	if connected {
		hc.Start()
	} else {
		hc.Stop()
	}
}

// Start begins the health checking loop.
func (hc *HealthChecker) Start() {
	hc.mu.Lock()
	if hc.cancel != nil {
		hc.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	hc.cancel = cancel
	hc.done = make(chan struct{})
	hc.health = ConnectionHealth{}
	done := hc.done
	hc.mu.Unlock()

	common.LogInfo("Health checker started (interval: %v)", hc.config.CheckInterval)
	go hc.runLoop(ctx, done)
}

// Stop stops the health checking loop and waits for it to exit.
func (hc *HealthChecker) Stop() {
	hc.mu.Lock()
	cancel, done := hc.cancel, hc.done
	hc.cancel, hc.done = nil, nil
	hc.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	common.LogInfo("Health checker stopped")
}

// IsRunning returns whether the health checker is currently running.
func (hc *HealthChecker) IsRunning() bool {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.cancel != nil
}

// Health returns the latest health snapshot.
func (hc *HealthChecker) Health() ConnectionHealth {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.health
}

func (hc *HealthChecker) runLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(hc.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hc.check(ctx)
		}
	}
}

// check performs one probe and updates the health state.
func (hc *HealthChecker) check(ctx context.Context) {
	latency, err := hc.probe(ctx)
	if ctx.Err() != nil {
		return
	}

	hc.mu.Lock()
	h := &hc.health
	h.LastCheck = time.Now()
	oldState := h.State

	if err != nil {
		h.ConsecutiveFails++
		h.Latency = 0
		common.LogWarn("Health check failed (attempt %d/%d): %v",
			h.ConsecutiveFails, hc.config.FailureThreshold, err)

		if h.ConsecutiveFails >= hc.config.FailureThreshold {
			h.State = HealthUnhealthy
		} else {
			h.State = HealthDegraded
		}
	} else {
		h.ConsecutiveFails = 0
		h.LastSuccess = h.LastCheck
		h.Latency = latency
		h.State = HealthHealthy
	}
	newState := h.State
	callback := hc.onChange
	hc.mu.Unlock()

	if oldState != newState {
		common.LogInfo("Tunnel health changed: %s -> %s", oldState, newState)
		if callback != nil {
			callback(oldState, newState)
		}
	}
}

// dialHosts opens a TCP connection to the first reachable test host.
func (hc *HealthChecker) dialHosts(ctx context.Context) (time.Duration, error) {
	dialer := &net.Dialer{Timeout: hc.config.DialTimeout}
	for _, host := range hc.config.TestHosts {
		start := time.Now()
		conn, err := dialer.DialContext(ctx, "tcp", host)
		if err == nil {
			conn.Close()
			return time.Since(start), nil
		}
	}
	return 0, errProbeFailed
}
