// Package registry owns the ordered set of discovered devices and drives the
// per-cycle refresh across vendor backends, the fdinfo sweep, the process
// accounting cache and the metric derivation step.
package registry

import (
	"io"
	"log/slog"
	"time"

	"github.com/gpuscope/gpuscope/internal/derive"
	"github.com/gpuscope/gpuscope/internal/device"
)

// Sweeper walks the process table once per cycle and dispatches fdinfo
// records to registered per-device parsers.
type Sweeper interface {
	RegisterRecordParser(dev *device.Device, parser device.RecordParser)
	Sweep(now time.Time)
}

// Accountant enriches per-process usage with identity and CPU deltas and
// rotates its generations at cycle end.
type Accountant interface {
	Enrich(dev *device.Device, now time.Time)
	EndCycle()
}

// Registry holds discovered devices in enumeration order and routes refresh
// calls to each device's backend.
type Registry struct {
	logger     *slog.Logger
	sweeper    Sweeper
	accounting Accountant

	backends []device.Backend
	active   []device.Backend
	devices  []*device.Device
}

// New constructs an empty registry.
func New(sweeper Sweeper, accounting Accountant, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		logger:     logger,
		sweeper:    sweeper,
		accounting: accounting,
	}
}

// RegisterBackend adds a vendor backend to the enumeration list.
func (r *Registry) RegisterBackend(b device.Backend) {
	r.backends = append(r.backends, b)
}

// AddDevice records a device discovered by a backend. Called by backends
// during EnumerateDevices.
func (r *Registry) AddDevice(dev *device.Device) {
	r.devices = append(r.devices, dev)
}

// RegisterRecordParser wires a device's fdinfo parser into the sweep.
func (r *Registry) RegisterRecordParser(dev *device.Device, parser device.RecordParser) {
	r.sweeper.RegisterRecordParser(dev, parser)
}

// Enumerate initializes every registered backend and discovers its devices.
// A backend that fails to initialize or finds nothing is shut down and
// skipped; the rest of the system continues. Returns the device count.
func (r *Registry) Enumerate(mask *device.SelectionMask) int {
	for _, b := range r.backends {
		logger := r.logger.With("vendor", b.Name())
		if err := b.Init(); err != nil {
			logger.Info("vendor unavailable", "err", err)
			continue
		}
		count, err := b.EnumerateDevices(mask, r)
		if err != nil || count == 0 {
			if err != nil {
				logger.Warn("device enumeration failed", "err", err, "detail", b.LastError())
			}
			b.Shutdown()
			continue
		}
		logger.Info("devices discovered", "count", count)
		r.active = append(r.active, b)
	}
	return len(r.devices)
}

// PopulateStaticInfo queries immutable device properties. One-shot, before
// the first dynamic refresh.
func (r *Registry) PopulateStaticInfo() {
	for _, dev := range r.devices {
		dev.Backend.PopulateStaticInfo(dev)
	}
}

// Refresh runs one full telemetry cycle: dynamic sensors per device, a single
// fdinfo sweep fanned out to all devices, per-backend process finalization,
// accounting enrichment, and derivation of still-missing device rates.
func (r *Registry) Refresh(now time.Time) {
	for _, dev := range r.devices {
		dev.Backend.RefreshDynamicInfo(dev)
	}

	for _, dev := range r.devices {
		dev.Processes = dev.Processes[:0]
	}
	r.sweeper.Sweep(now)

	for _, dev := range r.devices {
		dev.Backend.EnumerateProcesses(dev, now)
	}

	for _, dev := range r.devices {
		r.accounting.Enrich(dev, now)
	}
	r.accounting.EndCycle()

	for _, dev := range r.devices {
		derive.FillDeviceRates(dev)
		derive.FillProcessMemPct(dev)
	}
}

// Devices returns the ordered device list.
func (r *Registry) Devices() []*device.Device {
	return r.devices
}

// Shutdown releases every active backend. The accounting and engine caches
// are freed entirely; there is no partial teardown.
func (r *Registry) Shutdown() {
	for _, b := range r.active {
		b.Shutdown()
	}
	r.active = nil
	r.devices = nil
}
