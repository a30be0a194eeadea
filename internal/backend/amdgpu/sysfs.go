package amdgpu

import (
	"bufio"
	"bytes"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gpuscope/gpuscope/internal/device"
)

const (
	gpuBusyFilename   = "gpu_busy_percent"
	vramTotalFilename = "mem_info_vram_total"
	vramUsedFilename  = "mem_info_vram_used"
	ppDpmSclkFilename = "pp_dpm_sclk"
	ppDpmMclkFilename = "pp_dpm_mclk"
	ppDpmPcieFilename = "pp_dpm_pcie"
	pcieBWFilename    = "pcie_bw"
)

// PopulateStaticInfo queries immutable card properties once. Every property
// that cannot be read stays nil; partial static info is a normal outcome.
// The frequently polled sensor files (fan, PCIe state, power cap) are opened
// here and kept open for seek-and-reread during dynamic refreshes.
func (b *Backend) PopulateStaticInfo(dev *device.Device) {
	st, ok := b.states[dev]
	if !ok {
		return
	}
	static := &dev.Static

	if st.name != "" {
		name := st.name
		static.Name = &name
	}

	if st.hwmonPath != "" {
		if v, ok := readUintFile(filepath.Join(st.hwmonPath, "temp1_crit")); ok {
			slowdown := uint(v)
			static.TempSlowdownMilliC = &slowdown
		}
		if v, ok := readUintFile(filepath.Join(st.hwmonPath, "temp1_emergency")); ok {
			shutdown := uint(v)
			static.TempShutdownMilliC = &shutdown
		}
	}

	if v, ok := readUintFile(filepath.Join(st.devicePath, "max_link_width")); ok {
		width := uint(v)
		static.MaxPCIeLinkWidth = &width
	}
	// max_link_speed reads as "x.y GT/s PCIe".
	if raw, err := os.ReadFile(filepath.Join(st.devicePath, "max_link_speed")); err == nil {
		if speed, ok := parseLinkSpeedGT(string(raw)); ok {
			if gen := pcieGenFromLinkSpeed(speed); gen > 0 {
				static.MaxPCIeGen = &gen
			}
		}
	}

	st.openFanSensor()
	st.pcieDPMFile = openOptional(filepath.Join(st.devicePath, ppDpmPcieFilename))
	st.pcieBWFile = openOptional(filepath.Join(st.devicePath, pcieBWFilename))
	if st.hwmonPath != "" {
		st.powerCapFile = openOptional(filepath.Join(st.hwmonPath, "power1_cap"))
	}
}

// openFanSensor picks the PWM sensor when enabled, falling back to the RPM
// sensor. Some boards wire neither.
func (st *state) openFanSensor() {
	if st.hwmonPath == "" {
		return
	}
	sensor, maxFile := "", ""
	if v, ok := readUintFile(filepath.Join(st.hwmonPath, "pwm1_enable")); ok && v > 0 {
		sensor, maxFile = "pwm1", "pwm1_max"
	} else if v, ok := readUintFile(filepath.Join(st.hwmonPath, "fan1_enable")); ok && v > 0 {
		sensor, maxFile = "fan1_input", "fan1_max"
	}
	if sensor == "" {
		return
	}
	maxValue, ok := readUintFile(filepath.Join(st.hwmonPath, maxFile))
	if !ok || maxValue == 0 {
		return
	}
	st.fanMax = uint(maxValue)
	st.fanFile = openOptional(filepath.Join(st.hwmonPath, sensor))
}

// RefreshDynamicInfo resets every dynamic field and re-queries each sensor
// independently; a failed read leaves only its own field nil.
func (b *Backend) RefreshDynamicInfo(dev *device.Device) {
	dev.Dynamic = device.DynamicInfo{}
	st, ok := b.states[dev]
	if !ok {
		return
	}
	dyn := &dev.Dynamic

	if v, ok := readUintFile(filepath.Join(st.devicePath, gpuBusyFilename)); ok && v <= 100 {
		util := uint(v)
		dyn.GPUUtilPct = &util
	}

	total, totalOK := readUintFile(filepath.Join(st.devicePath, vramTotalFilename))
	used, usedOK := readUintFile(filepath.Join(st.devicePath, vramUsedFilename))
	if totalOK {
		dyn.TotalMemBytes = &total
	}
	if usedOK {
		dyn.UsedMemBytes = &used
	}
	if totalOK && usedOK && total >= used {
		free := total - used
		dyn.FreeMemBytes = &free
		if total > 0 {
			memUtil := uint(math.Round(100 * float64(used) / float64(total)))
			dyn.MemUtilPct = &memUtil
		}
	}

	if data, err := os.ReadFile(filepath.Join(st.devicePath, ppDpmSclkFilename)); err == nil {
		dyn.GPUClockMHz, dyn.GPUClockMaxMHz = parseClockTable(data)
	}
	if data, err := os.ReadFile(filepath.Join(st.devicePath, ppDpmMclkFilename)); err == nil {
		dyn.MemClockMHz, dyn.MemClockMaxMHz = parseClockTable(data)
	}

	if st.hwmonPath != "" {
		// temp1_input is the GPU die in millidegrees Celsius.
		if v, ok := readUintFile(filepath.Join(st.hwmonPath, "temp1_input")); ok {
			temp := float64(v) / 1000
			dyn.TempC = &temp
		}
		if w, ok := readFloatFile(filepath.Join(st.hwmonPath, "power1_average")); ok {
			watts := w / 1_000_000
			dyn.PowerDrawW = &watts
		} else if w, ok := readFloatFile(filepath.Join(st.hwmonPath, "power1_input")); ok {
			watts := w / 1_000_000
			dyn.PowerDrawW = &watts
		}
	}

	if st.fanFile != nil && st.fanMax > 0 {
		if data, err := readSeek(st.fanFile); err == nil {
			if v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64); err == nil {
				pct := min(uint(v*100/uint64(st.fanMax)), 100)
				dyn.FanPct = &pct
			}
		}
	}

	if st.powerCapFile != nil {
		if data, err := readSeek(st.powerCapFile); err == nil {
			if v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64); err == nil {
				capW := v / 1_000_000
				dyn.PowerCapW = &capW
			}
		}
	}

	if st.pcieDPMFile != nil {
		if data, err := readSeek(st.pcieDPMFile); err == nil {
			if speed, width, ok := parseActivePCIeState(data); ok {
				w := width
				dyn.PCIeLinkWidth = &w
				if gen := pcieGenFromLinkSpeed(speed); gen > 0 {
					dyn.PCIeLinkGen = &gen
				}
			}
		}
	}

	if st.pcieBWFile != nil {
		if data, err := readSeek(st.pcieBWFile); err == nil {
			if rx, tx, ok := parsePCIeBandwidth(data); ok {
				dyn.PCIeRxBytesPS = &rx
				dyn.PCIeTxBytesPS = &tx
			}
		}
	}
}

func detectHwmon(devicePath string) string {
	hwmonRoot := filepath.Join(devicePath, "hwmon")
	entries, err := os.ReadDir(hwmonRoot)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "hwmon") {
			return filepath.Join(hwmonRoot, entry.Name())
		}
	}
	return ""
}

func openOptional(path string) *os.File {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	return f
}

func readSeek(f *os.File) ([]byte, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(f)
}

func readUintFile(path string) (uint64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func readFloatFile(path string) (float64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseClockTable reads a pp_dpm_sclk/mclk state table. The active state
// line ends with '*'; the last parseable line is the maximum state.
func parseClockTable(data []byte) (current, maxClock *uint) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		active := strings.HasSuffix(line, "*")
		clock, ok := extractClockMHz(line)
		if !ok {
			continue
		}
		v := clock
		maxClock = &v
		if active {
			c := clock
			current = &c
		}
	}
	return current, maxClock
}

func extractClockMHz(line string) (uint, bool) {
	for _, field := range strings.Fields(line) {
		field = strings.TrimSuffix(field, "*")
		lower := strings.ToLower(field)
		if !strings.HasSuffix(lower, "mhz") {
			continue
		}
		value, err := strconv.ParseFloat(strings.TrimSuffix(lower, "mhz"), 64)
		if err != nil {
			continue
		}
		return uint(value), true
	}
	return 0, false
}

// parseActivePCIeState finds the starred line of pp_dpm_pcie, e.g.
// "1: 8.0GT/s, x16 619Mhz *", returning the link speed in GT/s and width.
func parseActivePCIeState(data []byte) (speed, width uint, ok bool) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasSuffix(line, "*") {
			continue
		}
		var speedV, widthV uint
		for _, field := range strings.Fields(line) {
			field = strings.TrimSuffix(strings.TrimSuffix(field, ","), "*")
			lower := strings.ToLower(field)
			if strings.HasSuffix(lower, "gt/s") {
				if v, err := strconv.ParseFloat(strings.TrimSuffix(lower, "gt/s"), 64); err == nil {
					speedV = uint(v)
				}
			} else if strings.HasPrefix(lower, "x") {
				if v, err := strconv.ParseUint(lower[1:], 10, 32); err == nil {
					widthV = uint(v)
				}
			}
		}
		if speedV > 0 && widthV > 0 {
			return speedV, widthV, true
		}
	}
	return 0, 0, false
}

func parseLinkSpeedGT(raw string) (uint, bool) {
	fields := strings.Fields(strings.TrimSpace(raw))
	if len(fields) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return uint(math.Floor(v)), true
}

// pcieGenFromLinkSpeed maps a link speed in GT/s to a PCIe generation.
func pcieGenFromLinkSpeed(speed uint) uint {
	switch speed {
	case 2:
		return 1
	case 5:
		return 2
	case 8:
		return 3
	case 16:
		return 4
	case 32:
		return 5
	case 64:
		return 6
	}
	return 0
}

// parsePCIeBandwidth reads pcie_bw: packets received, packets sent, and the
// maximum payload size over the last second.
func parsePCIeBandwidth(data []byte) (rx, tx uint64, ok bool) {
	fields := strings.Fields(strings.TrimSpace(string(data)))
	if len(fields) != 3 {
		return 0, 0, false
	}
	received, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	sent, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	payload, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return received * payload, sent * payload, true
}
