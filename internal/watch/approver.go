package watch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultPollInterval = 5 * time.Second

// Approver approves pending device-pairing handshakes on one instance. The
// implementation talks to the instance's own protocol endpoint and must be
// safe to invoke repeatedly.
type Approver interface {
	ApprovePending(ctx context.Context, port int, token string) error
}

// Manager runs one background pairing-approval watcher per instance. Start is
// idempotent; a second Start for a running watcher is a no-op.
type Manager struct {
	approver Approver
	logger   *slog.Logger
	interval time.Duration
	watchers sync.Map // instance id -> *watcher
}

// watcher is the map entry for one running loop. A pointer is stored so the
// loop can CompareAndDelete its own registration without touching a successor
// started after Stop.
type watcher struct {
	cancel context.CancelFunc
}

// NewManager constructs a Manager.
func NewManager(approver Approver, logger *slog.Logger, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Manager{approver: approver, logger: logger, interval: interval}
}

// Start launches the watcher for an instance if it is not already running.
func (m *Manager) Start(instanceID string, port int, token string) {
	if m.approver == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &watcher{cancel: cancel}
	if _, loaded := m.watchers.LoadOrStore(instanceID, w); loaded {
		cancel()
		return
	}
	m.logger.Info("pairing watcher started", "instance_id", instanceID)
	go m.loop(ctx, w, instanceID, port, token)
}

// Stop cancels the watcher for an instance if one is running.
func (m *Manager) Stop(instanceID string) {
	if value, ok := m.watchers.LoadAndDelete(instanceID); ok {
		value.(*watcher).cancel()
		m.logger.Info("pairing watcher stopped", "instance_id", instanceID)
	}
}

// Running reports whether a watcher is active for the instance.
func (m *Manager) Running(instanceID string) bool {
	_, ok := m.watchers.Load(instanceID)
	return ok
}

func (m *Manager) loop(ctx context.Context, w *watcher, instanceID string, port int, token string) {
	// a successor started right after Stop may own the map entry by now
	defer m.watchers.CompareAndDelete(instanceID, w)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			callCtx, cancel := context.WithTimeout(ctx, m.interval)
			err := m.approver.ApprovePending(callCtx, port, token)
			cancel()
			if err != nil && ctx.Err() == nil {
				m.logger.Warn("pairing approval poll failed", "instance_id", instanceID, "error", err)
			}
		}
	}
}
