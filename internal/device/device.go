// Package device defines the normalized GPU data model shared by all vendor
// backends and the per-cycle refresh orchestration around it.
package device

import "time"

// ProcessType classifies how a process uses a GPU.
type ProcessType string

const (
	ProcessGraphics ProcessType = "graphics"
	ProcessCompute  ProcessType = "compute"
	ProcessUnknown  ProcessType = "unknown"
)

// StaticInfo holds device properties assumed constant for the collector's
// lifetime. Pointer fields are nil when the property could not be obtained;
// partial static info is a normal outcome.
type StaticInfo struct {
	Name               *string `json:"name"`
	TempSlowdownMilliC *uint   `json:"temp_slowdown_millic"`
	TempShutdownMilliC *uint   `json:"temp_shutdown_millic"`
	MaxPCIeGen         *uint   `json:"max_pcie_gen"`
	MaxPCIeLinkWidth   *uint   `json:"max_pcie_link_width"`
}

// DynamicInfo holds device properties re-sampled every cycle. It is reset to
// all-nil at the start of each refresh; every sensor is queried independently
// and a failed read leaves only its own field nil.
type DynamicInfo struct {
	GPUUtilPct     *uint    `json:"gpu_util_pct"`
	MemUtilPct     *uint    `json:"mem_util_pct"`
	EncoderPct     *uint    `json:"encoder_pct"`
	DecoderPct     *uint    `json:"decoder_pct"`
	GPUClockMHz    *uint    `json:"gpu_clock_mhz"`
	GPUClockMaxMHz *uint    `json:"gpu_clock_max_mhz"`
	MemClockMHz    *uint    `json:"mem_clock_mhz"`
	MemClockMaxMHz *uint    `json:"mem_clock_max_mhz"`
	TotalMemBytes  *uint64  `json:"total_mem_bytes"`
	UsedMemBytes   *uint64  `json:"used_mem_bytes"`
	FreeMemBytes   *uint64  `json:"free_mem_bytes"`
	TempC          *float64 `json:"temp_c"`
	FanPct         *uint    `json:"fan_pct"`
	PowerDrawW     *float64 `json:"power_draw_w"`
	PowerCapW      *float64 `json:"power_cap_w"`
	PCIeLinkGen    *uint    `json:"pcie_link_gen"`
	PCIeLinkWidth  *uint    `json:"pcie_link_width"`
	PCIeRxBytesPS  *uint64  `json:"pcie_rx_bytes_per_s"`
	PCIeTxBytesPS  *uint64  `json:"pcie_tx_bytes_per_s"`
}

// ProcessUsage is one (device, process) observation for the current cycle.
// Entries are rebuilt from scratch every cycle; only the caches carry state
// across cycles.
type ProcessUsage struct {
	PID  int         `json:"pid"`
	Type ProcessType `json:"type"`

	GPUUsagePct  *uint   `json:"gpu_usage_pct"`
	EncodePct    *uint   `json:"encode_pct"`
	DecodePct    *uint   `json:"decode_pct"`
	GPUMemBytes  *uint64 `json:"gpu_mem_bytes"`
	GPUMemPct    *uint   `json:"gpu_mem_pct"`
	GfxEngineNS  *uint64 `json:"gfx_engine_ns"`
	CompEngineNS *uint64 `json:"compute_engine_ns"`
	EncEngineNS  *uint64 `json:"enc_engine_ns"`
	DecEngineNS  *uint64 `json:"dec_engine_ns"`

	// Filled by the process accounting cache.
	Cmdline       string  `json:"cmd"`
	User          string  `json:"user"`
	CPUPct        *uint   `json:"cpu_pct"`
	ResidentBytes *uint64 `json:"resident_bytes"`
	VirtualBytes  *uint64 `json:"virtual_bytes"`
}

// Device is one physical or logical GPU tracked by the registry. The Backend
// back-reference dispatches refresh and parse calls; it does not own the
// device.
type Device struct {
	ID      string `json:"id"`
	Vendor  string `json:"vendor"`
	BusID   string `json:"bus_id"`
	Static  StaticInfo
	Dynamic DynamicInfo
	// Processes observed on this device during the current cycle.
	Processes []ProcessUsage

	Backend Backend `json:"-"`
}

// Backend is the capability contract implemented once per hardware vendor.
type Backend interface {
	// Name identifies the vendor, e.g. "amdgpu".
	Name() string
	// Init binds to vendor runtime interfaces. Failure disables this vendor
	// only and leaves no partially initialized state behind.
	Init() error
	// Shutdown releases vendor handles and backend caches.
	Shutdown()
	// LastError describes the most recent vendor-level failure.
	LastError() string
	// EnumerateDevices discovers hardware, consumes one selection-mask bit
	// per candidate device, and registers every included device with hub.
	EnumerateDevices(mask *SelectionMask, hub Hub) (int, error)
	// PopulateStaticInfo queries immutable properties once per device.
	PopulateStaticInfo(dev *Device)
	// RefreshDynamicInfo resets all dynamic fields and re-queries every
	// sensor independently.
	RefreshDynamicInfo(dev *Device)
	// EnumerateProcesses finalizes this cycle's per-process data. Backends
	// fed by the fdinfo dispatch only rotate their engine-usage cache here.
	EnumerateProcesses(dev *Device, now time.Time)
}

// RecordParser consumes one raw fdinfo accounting record for a candidate
// descriptor. It returns true and fills usage when the record belongs to the
// parser's device; a record for a different device is rejected with no field
// committed.
type RecordParser interface {
	ParseRecord(data []byte, now time.Time, usage *ProcessUsage) bool
}

// Hub is what backends register discovered devices and their fdinfo record
// parsers into during enumeration.
type Hub interface {
	AddDevice(dev *Device)
	RegisterRecordParser(dev *Device, parser RecordParser)
}

// SelectionMask is the caller-supplied per-device inclusion bitmask consumed
// one bit per candidate device encountered during enumeration.
type SelectionMask struct {
	bits uint64
}

// NewSelectionMask builds a mask from its bit pattern; bit 0 applies to the
// first candidate encountered.
func NewSelectionMask(bits uint64) *SelectionMask {
	return &SelectionMask{bits: bits}
}

// AllDevices selects every candidate.
func AllDevices() *SelectionMask {
	return &SelectionMask{bits: ^uint64(0)}
}

// Take consumes the next bit and reports whether that candidate is included.
func (m *SelectionMask) Take() bool {
	included := m.bits&1 == 1
	m.bits >>= 1
	return included
}
