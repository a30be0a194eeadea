// Package collector runs the periodic refresh loop over the device registry,
// caches the latest per-device snapshot, and fans updates out to subscribers.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gpuscope/gpuscope/internal/device"
	"github.com/gpuscope/gpuscope/internal/registry"
)

// Snapshot is one cycle's view of one device. Process entries are cloned so
// a snapshot stays valid after the registry rebuilds the next cycle.
type Snapshot struct {
	DeviceID    string                `json:"device_id"`
	Vendor      string                `json:"vendor"`
	BusID       string                `json:"bus_id"`
	TimestampMS int64                 `json:"ts_ms"`
	Static      device.StaticInfo     `json:"static"`
	Dynamic     device.DynamicInfo    `json:"dynamic"`
	Processes   []device.ProcessUsage `json:"processes"`
}

// Manager drives refresh cycles, caches the latest snapshot per device, and
// fan-outs updates to subscribers.
type Manager struct {
	interval time.Duration
	registry *registry.Registry
	logger   *slog.Logger

	mu          sync.RWMutex
	known       map[string]struct{}
	latest      map[string]Snapshot
	subscribers map[string]map[*subscriber]struct{}
	closeOnce   sync.Once
}

// NewManager builds a Manager over an already enumerated registry.
func NewManager(interval time.Duration, reg *registry.Registry, logger *slog.Logger) (*Manager, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		interval:    interval,
		registry:    reg,
		logger:      logger.With("component", "collector"),
		known:       make(map[string]struct{}),
		latest:      make(map[string]Snapshot),
		subscribers: make(map[string]map[*subscriber]struct{}),
	}
	for _, dev := range reg.Devices() {
		m.known[dev.ID] = struct{}{}
	}
	return m, nil
}

// Run refreshes all devices on a fixed interval until the context is
// canceled. One refresh runs immediately to prime the snapshot cache.
func (m *Manager) Run(ctx context.Context) error {
	devices := m.registry.Devices()
	if len(devices) == 0 {
		m.logger.Warn("no devices to collect")
		<-ctx.Done()
		return ctx.Err()
	}
	m.logger.Info("collector started", "devices", len(devices), "interval", m.interval)

	m.refreshOnce(time.Now())

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("collector stopping", "reason", ctx.Err())
			return ctx.Err()
		case now := <-ticker.C:
			m.refreshOnce(now)
		}
	}
}

// refreshOnce performs one full cycle and publishes a snapshot per device.
// The registry is single-threaded; only this loop calls Refresh.
func (m *Manager) refreshOnce(now time.Time) {
	m.registry.Refresh(now)

	ts := now.UnixMilli()
	for _, dev := range m.registry.Devices() {
		m.store(Snapshot{
			DeviceID:    dev.ID,
			Vendor:      dev.Vendor,
			BusID:       dev.BusID,
			TimestampMS: ts,
			Static:      dev.Static,
			Dynamic:     dev.Dynamic,
			Processes:   slices.Clone(dev.Processes),
		})
	}
}

// Latest returns the most recent snapshot for the given device.
func (m *Manager) Latest(deviceID string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot, ok := m.latest[deviceID]
	return snapshot, ok
}

// Subscribe registers a listener for updates on the given device. The latest
// cached snapshot, when present, is delivered immediately.
func (m *Manager) Subscribe(deviceID string) (<-chan Snapshot, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.known[deviceID]; !ok {
		return nil, nil, fmt.Errorf("unknown device %q", deviceID)
	}

	sub := newSubscriber()
	if _, ok := m.subscribers[deviceID]; !ok {
		m.subscribers[deviceID] = make(map[*subscriber]struct{})
	}
	m.subscribers[deviceID][sub] = struct{}{}

	if snapshot, ok := m.latest[deviceID]; ok {
		sub.send(snapshot)
	}

	unsubscribe := func() {
		m.removeSubscriber(deviceID, sub)
	}
	return sub.channel(), unsubscribe, nil
}

// DeviceIDs returns the ids of all collected devices in registry order.
func (m *Manager) DeviceIDs() []string {
	devices := m.registry.Devices()
	ids := make([]string, 0, len(devices))
	for _, dev := range devices {
		ids = append(ids, dev.ID)
	}
	return ids
}

// Ready reports whether every device has published at least one snapshot.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.known) == 0 {
		return true
	}
	for id := range m.known {
		if _, ok := m.latest[id]; !ok {
			return false
		}
	}
	return true
}

func (m *Manager) store(snapshot Snapshot) {
	m.mu.Lock()
	m.latest[snapshot.DeviceID] = snapshot

	targetSubs := make([]*subscriber, 0, len(m.subscribers[snapshot.DeviceID]))
	for sub := range m.subscribers[snapshot.DeviceID] {
		targetSubs = append(targetSubs, sub)
	}
	m.mu.Unlock()

	for _, sub := range targetSubs {
		sub.send(snapshot)
	}
}

func (m *Manager) removeSubscriber(deviceID string, sub *subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if subs, ok := m.subscribers[deviceID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(m.subscribers, deviceID)
		}
	}
	sub.close()
}

// Close shuts the registry down. Safe for repeated use.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.registry.Shutdown()
	})
}

type subscriber struct {
	ch     chan Snapshot
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{
		ch: make(chan Snapshot, 1),
	}
}

func (s *subscriber) channel() <-chan Snapshot {
	return s.ch
}

func (s *subscriber) send(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- snapshot:
		return
	default:
		// Drop oldest to make room for the new snapshot.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- snapshot:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
