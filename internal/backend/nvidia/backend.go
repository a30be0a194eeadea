// Package nvidia implements the vendor backend for NVIDIA GPUs on top of
// NVML. Unlike the amdgpu backend it does not consume fdinfo records; NVML
// reports running processes and their utilization directly.
package nvidia

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/gpuscope/gpuscope/internal/device"
)

// Backend implements device.Backend via NVML.
type Backend struct {
	logger      *slog.Logger
	initialized bool
	lastErr     string
	states      map[*device.Device]*state
}

type state struct {
	handle nvml.Device
	index  int
	// High-water timestamp of process utilization samples already consumed,
	// in microseconds since the epoch as NVML reports them.
	lastSampleTS uint64
}

func New(logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Backend{
		logger: logger,
		states: make(map[*device.Device]*state),
	}
}

// Name implements device.Backend.
func (b *Backend) Name() string { return "nvidia" }

// Init loads the NVML runtime. A missing driver or library disables this
// vendor only.
func (b *Backend) Init() error {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		b.lastErr = fmt.Sprintf("nvml init: %s", nvml.ErrorString(ret))
		return errors.New(b.lastErr)
	}
	b.initialized = true
	b.lastErr = ""
	return nil
}

// LastError implements device.Backend.
func (b *Backend) LastError() string { return b.lastErr }

// EnumerateDevices walks NVML device indices in order, consuming one
// selection-mask bit per index. Devices whose handle cannot be obtained are
// skipped without aborting enumeration.
func (b *Backend) EnumerateDevices(mask *device.SelectionMask, hub device.Hub) (int, error) {
	if !b.initialized {
		return 0, errors.New("backend not initialized")
	}

	total, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		b.lastErr = fmt.Sprintf("device count: %s", nvml.ErrorString(ret))
		return 0, errors.New(b.lastErr)
	}

	count := 0
	for i := 0; i < total; i++ {
		if !mask.Take() {
			continue
		}
		handle, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			b.logger.Warn("skipping device", "index", i, "err", nvml.ErrorString(ret))
			continue
		}

		busID := ""
		if pci, ret := handle.GetPciInfo(); ret == nvml.SUCCESS {
			busID = pciBusID(pci)
		}
		dev := &device.Device{
			ID:      fmt.Sprintf("nvidia%d", i),
			Vendor:  b.Name(),
			BusID:   busID,
			Backend: b,
		}
		b.states[dev] = &state{handle: handle, index: i}
		hub.AddDevice(dev)
		count++
	}
	return count, nil
}

// PopulateStaticInfo implements device.Backend. Properties NVML refuses to
// report stay nil.
func (b *Backend) PopulateStaticInfo(dev *device.Device) {
	st, ok := b.states[dev]
	if !ok {
		return
	}
	static := &dev.Static

	if name, ret := st.handle.GetName(); ret == nvml.SUCCESS && name != "" {
		static.Name = &name
	}
	// NVML thresholds are whole degrees Celsius.
	if v, ret := st.handle.GetTemperatureThreshold(nvml.TEMPERATURE_THRESHOLD_SLOWDOWN); ret == nvml.SUCCESS {
		slowdown := uint(v) * 1000
		static.TempSlowdownMilliC = &slowdown
	}
	if v, ret := st.handle.GetTemperatureThreshold(nvml.TEMPERATURE_THRESHOLD_SHUTDOWN); ret == nvml.SUCCESS {
		shutdown := uint(v) * 1000
		static.TempShutdownMilliC = &shutdown
	}
	if v, ret := st.handle.GetMaxPcieLinkGeneration(); ret == nvml.SUCCESS {
		gen := uint(v)
		static.MaxPCIeGen = &gen
	}
	if v, ret := st.handle.GetMaxPcieLinkWidth(); ret == nvml.SUCCESS {
		width := uint(v)
		static.MaxPCIeLinkWidth = &width
	}
}

// RefreshDynamicInfo implements device.Backend. Every sensor is queried
// independently; a failed query leaves only its own field nil.
func (b *Backend) RefreshDynamicInfo(dev *device.Device) {
	dev.Dynamic = device.DynamicInfo{}
	st, ok := b.states[dev]
	if !ok {
		return
	}
	dyn := &dev.Dynamic

	if util, ret := st.handle.GetUtilizationRates(); ret == nvml.SUCCESS {
		gpu, mem := uint(util.Gpu), uint(util.Memory)
		dyn.GPUUtilPct = &gpu
		dyn.MemUtilPct = &mem
	}
	if util, _, ret := st.handle.GetEncoderUtilization(); ret == nvml.SUCCESS {
		enc := uint(util)
		dyn.EncoderPct = &enc
	}
	if util, _, ret := st.handle.GetDecoderUtilization(); ret == nvml.SUCCESS {
		dec := uint(util)
		dyn.DecoderPct = &dec
	}
	if mem, ret := st.handle.GetMemoryInfo(); ret == nvml.SUCCESS {
		total, used, free := mem.Total, mem.Used, mem.Free
		dyn.TotalMemBytes = &total
		dyn.UsedMemBytes = &used
		dyn.FreeMemBytes = &free
	}
	if clock, ret := st.handle.GetClockInfo(nvml.CLOCK_GRAPHICS); ret == nvml.SUCCESS {
		mhz := uint(clock)
		dyn.GPUClockMHz = &mhz
	}
	if clock, ret := st.handle.GetMaxClockInfo(nvml.CLOCK_GRAPHICS); ret == nvml.SUCCESS {
		mhz := uint(clock)
		dyn.GPUClockMaxMHz = &mhz
	}
	if clock, ret := st.handle.GetClockInfo(nvml.CLOCK_MEM); ret == nvml.SUCCESS {
		mhz := uint(clock)
		dyn.MemClockMHz = &mhz
	}
	if clock, ret := st.handle.GetMaxClockInfo(nvml.CLOCK_MEM); ret == nvml.SUCCESS {
		mhz := uint(clock)
		dyn.MemClockMaxMHz = &mhz
	}
	if temp, ret := st.handle.GetTemperature(nvml.TEMPERATURE_GPU); ret == nvml.SUCCESS {
		c := float64(temp)
		dyn.TempC = &c
	}
	if fan, ret := st.handle.GetFanSpeed(); ret == nvml.SUCCESS {
		pct := min(uint(fan), 100)
		dyn.FanPct = &pct
	}
	// Power readings are milliwatts.
	if mw, ret := st.handle.GetPowerUsage(); ret == nvml.SUCCESS {
		w := float64(mw) / 1000
		dyn.PowerDrawW = &w
	}
	if mw, ret := st.handle.GetEnforcedPowerLimit(); ret == nvml.SUCCESS {
		w := float64(mw) / 1000
		dyn.PowerCapW = &w
	}
	if gen, ret := st.handle.GetCurrPcieLinkGeneration(); ret == nvml.SUCCESS {
		g := uint(gen)
		dyn.PCIeLinkGen = &g
	}
	if width, ret := st.handle.GetCurrPcieLinkWidth(); ret == nvml.SUCCESS {
		w := uint(width)
		dyn.PCIeLinkWidth = &w
	}
	// PCIe throughput is reported in KB/s.
	if kbps, ret := st.handle.GetPcieThroughput(nvml.PCIE_UTIL_RX_BYTES); ret == nvml.SUCCESS {
		rx := uint64(kbps) * 1000
		dyn.PCIeRxBytesPS = &rx
	}
	if kbps, ret := st.handle.GetPcieThroughput(nvml.PCIE_UTIL_TX_BYTES); ret == nvml.SUCCESS {
		tx := uint64(kbps) * 1000
		dyn.PCIeTxBytesPS = &tx
	}
}

// EnumerateProcesses rebuilds the device's process list from NVML's running
// process queries, then folds in utilization samples accumulated since the
// previous cycle. A PID present in both the compute and graphics lists is
// classified as compute.
func (b *Backend) EnumerateProcesses(dev *device.Device, _ time.Time) {
	st, ok := b.states[dev]
	if !ok {
		return
	}

	// Indices, not pointers: appends may reallocate the process slice.
	byPID := make(map[int]int)
	appendProcs := func(infos []nvml.ProcessInfo, kind device.ProcessType) {
		for _, info := range infos {
			pid := int(info.Pid)
			idx, ok := byPID[pid]
			if !ok {
				dev.Processes = append(dev.Processes, device.ProcessUsage{PID: pid, Type: kind})
				idx = len(dev.Processes) - 1
				byPID[pid] = idx
			}
			usage := &dev.Processes[idx]
			if kind == device.ProcessCompute {
				usage.Type = device.ProcessCompute
			}
			if info.UsedGpuMemory > 0 {
				mem := info.UsedGpuMemory
				usage.GPUMemBytes = &mem
			}
		}
	}
	if infos, ret := st.handle.GetGraphicsRunningProcesses(); ret == nvml.SUCCESS {
		appendProcs(infos, device.ProcessGraphics)
	}
	if infos, ret := st.handle.GetComputeRunningProcesses(); ret == nvml.SUCCESS {
		appendProcs(infos, device.ProcessCompute)
	}

	samples, ret := st.handle.GetProcessUtilization(st.lastSampleTS)
	if ret != nvml.SUCCESS {
		return
	}
	for _, sample := range samples {
		if sample.TimeStamp > st.lastSampleTS {
			st.lastSampleTS = sample.TimeStamp
		}
		idx, ok := byPID[int(sample.Pid)]
		if !ok {
			continue
		}
		usage := &dev.Processes[idx]
		gpu := min(uint(sample.SmUtil), 100)
		enc := min(uint(sample.EncUtil), 100)
		dec := min(uint(sample.DecUtil), 100)
		usage.GPUUsagePct = &gpu
		usage.EncodePct = &enc
		usage.DecodePct = &dec
	}
}

// Shutdown implements device.Backend.
func (b *Backend) Shutdown() {
	if b.initialized {
		if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
			b.logger.Debug("nvml shutdown", "err", nvml.ErrorString(ret))
		}
	}
	b.states = make(map[*device.Device]*state)
	b.initialized = false
}

func pciBusID(pci nvml.PciInfo) string {
	end := 0
	for end < len(pci.BusId) && pci.BusId[end] != 0 {
		end++
	}
	raw := make([]byte, end)
	for i := 0; i < end; i++ {
		raw[i] = byte(pci.BusId[i])
	}
	return string(raw)
}
