package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RanFeng/ilog"

	"drifthub/internal/protocol"
)

const (
	DefaultMonitorInterval  = 60 * time.Second
	DefaultHeartbeatTimeout = 180 * time.Second
)

// Monitor periodically sweeps the registry for sessions whose last
// heartbeat is older than the timeout and evicts them through the
// normal teardown path. Sessions still in time get a best-effort
// liveness probe.
type Monitor struct {
	registry *Registry
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func NewMonitor(registry *Registry, interval, timeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	return &Monitor{
		registry: registry,
		interval: interval,
		timeout:  timeout,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. Call Stop to cancel it; never rely on
// finalization.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.run(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel == nil {
			close(m.done)
			return
		}
		m.cancel()
		<-m.done
	})
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	ilog.EventInfo(ctx, "heartbeat_monitor_started",
		"interval", m.interval.String(), "timeout", m.timeout.String())
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			ilog.EventInfo(ctx, "heartbeat_monitor_stopped")
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep collects expired sessions first and evicts after the scan, so
// eviction never mutates the set being iterated. One bad session must
// not stall the rest of the scan.
func (m *Monitor) sweep(ctx context.Context) {
	now := m.now()
	expired := make([]*Session, 0)
	for _, s := range m.registry.live() {
		last := s.LastHeartbeat()
		if now.Sub(last) > m.timeout {
			ilog.EventWarn(ctx, "heartbeat_timeout", "deviceId", s.DeviceID(),
				"lastHeartbeatAt", last)
			expired = append(expired, s)
			continue
		}
		if err := m.probe(ctx, s.DeviceID()); err != nil {
			ilog.EventError(ctx, err, "monitor_probe_failed", "deviceId", s.DeviceID())
		}
	}
	for _, s := range expired {
		// Evict by identity; a reconnect between scan and eviction
		// must keep its fresh session.
		m.registry.DisconnectSession(ctx, s, CloseTimeout, "heartbeat timeout")
	}
}

// probe pushes a server-initiated device_info request to one in-time
// session. Best effort: a send failure is logged inside Send and not
// retried within the tick.
func (m *Monitor) probe(ctx context.Context, deviceID string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in monitor: %v", rec)
		}
	}()
	m.registry.Send(ctx, deviceID, &protocol.Envelope{
		Type:     protocol.TypeControl,
		Event:    protocol.EventDeviceInfo,
		DeviceID: deviceID,
		PlayID:   deviceID,
	})
	return nil
}
