// Package amdgpu implements the vendor backend for AMD GPUs driven by the
// amdgpu kernel driver. Device telemetry comes from sysfs and hwmon;
// per-process accounting comes from DRM fdinfo records routed in by the
// host-wide sweep.
package amdgpu

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gpuscope/gpuscope/internal/device"
	"github.com/gpuscope/gpuscope/internal/twogen"
)

const vendorAMD = "0x1002"

// Backend implements device.Backend for amdgpu-driven cards.
type Backend struct {
	sysfsRoot string
	devRoot   string
	logger    *slog.Logger

	available bool
	lastErr   string
	states    map[*device.Device]*state
}

// state is the backend-private side of one device: scoped sysfs handles kept
// open across cycles and the per-device engine-usage cache.
type state struct {
	dev    *device.Device
	pdev   string
	name   string
	logger *slog.Logger

	devicePath string
	hwmonPath  string

	node *os.File

	// Sensor files re-read every cycle; kept open to avoid per-cycle
	// open/close overhead. Any of these may be nil when the file is absent.
	fanFile      *os.File
	fanMax       uint
	pcieDPMFile  *os.File
	pcieBWFile   *os.File
	powerCapFile *os.File

	usage *twogen.Cache[clientKey, engineObservation]
}

// New constructs the backend. sysfsRoot is normally /sys, devRoot /dev/dri.
func New(sysfsRoot, devRoot string, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if sysfsRoot == "" {
		sysfsRoot = "/sys"
	}
	if devRoot == "" {
		devRoot = "/dev/dri"
	}
	return &Backend{
		sysfsRoot: sysfsRoot,
		devRoot:   devRoot,
		logger:    logger,
		states:    make(map[*device.Device]*state),
	}
}

// Name implements device.Backend.
func (b *Backend) Name() string { return "amdgpu" }

// Init probes for the DRM class directory. There is no vendor runtime
// library to bind; absence of the sysfs tree disables this vendor only.
func (b *Backend) Init() error {
	if _, err := os.Stat(filepath.Join(b.sysfsRoot, drmClassPath)); err != nil {
		b.lastErr = fmt.Sprintf("drm class path unavailable: %v", err)
		return errors.New(b.lastErr)
	}
	b.available = true
	b.lastErr = ""
	return nil
}

// LastError implements device.Backend.
func (b *Backend) LastError() string { return b.lastErr }

// EnumerateDevices walks the DRM class tree, consumes one selection-mask bit
// per candidate card, and registers every included amdgpu card that can be
// opened. Cards that fail to open are skipped without aborting enumeration.
func (b *Backend) EnumerateDevices(mask *device.SelectionMask, hub device.Hub) (int, error) {
	if !b.available {
		return 0, errors.New("backend not initialized")
	}

	cards, err := discoverCards(b.sysfsRoot, b.logger)
	if err != nil {
		b.lastErr = err.Error()
		return 0, fmt.Errorf("discover cards: %w", err)
	}

	count := 0
	for _, card := range cards {
		if !mask.Take() {
			continue
		}
		if card.vendorID != vendorAMD || card.driver != "amdgpu" {
			continue
		}

		node, err := b.openNode(card)
		if err != nil {
			b.logger.Warn("skipping card", "card", card.id, "err", err)
			continue
		}

		dev := &device.Device{
			ID:      card.id,
			Vendor:  b.Name(),
			BusID:   card.pdev,
			Backend: b,
		}
		st := &state{
			dev:        dev,
			pdev:       card.pdev,
			name:       card.name,
			logger:     b.logger.With("card", card.id),
			devicePath: card.devicePath,
			hwmonPath:  detectHwmon(card.devicePath),
			node:       node,
			usage:      twogen.New[clientKey, engineObservation](),
		}
		b.states[dev] = st

		hub.AddDevice(dev)
		hub.RegisterRecordParser(dev, st)
		count++
	}
	return count, nil
}

// openNode opens the card's device node, preferring the render node over the
// primary node. Control nodes are unused.
func (b *Backend) openNode(card cardInfo) (*os.File, error) {
	var firstErr error
	if card.renderNode != "" {
		node, err := os.OpenFile(filepath.Join(b.devRoot, card.renderNode), os.O_RDWR, 0)
		if err == nil {
			return node, nil
		}
		firstErr = err
	}
	node, err := os.OpenFile(filepath.Join(b.devRoot, card.id), os.O_RDWR, 0)
	if err == nil {
		return node, nil
	}
	if firstErr != nil {
		return nil, fmt.Errorf("open device node: %w", firstErr)
	}
	return nil, fmt.Errorf("open device node: %w", err)
}

// EnumerateProcesses rotates the engine-usage cache generations. The process
// list itself was already filled by the fdinfo dispatch during the sweep.
func (b *Backend) EnumerateProcesses(dev *device.Device, _ time.Time) {
	if st, ok := b.states[dev]; ok {
		st.usage.Swap()
	}
}

// Shutdown closes every scoped file handle and frees both generations of
// every engine-usage cache.
func (b *Backend) Shutdown() {
	for _, st := range b.states {
		st.closeFiles()
		st.usage.Clear()
	}
	b.states = make(map[*device.Device]*state)
	b.available = false
}

func (st *state) closeFiles() {
	for _, f := range []*os.File{st.node, st.fanFile, st.pcieDPMFile, st.pcieBWFile, st.powerCapFile} {
		if f != nil {
			if err := f.Close(); err != nil {
				st.logger.Debug("close sensor file", "err", err)
			}
		}
	}
	st.node = nil
	st.fanFile = nil
	st.pcieDPMFile = nil
	st.pcieBWFile = nil
	st.powerCapFile = nil
}
