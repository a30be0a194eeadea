// Package derive synthesizes device-level rates that a backend could not
// read directly by aggregating the validated per-process observations of the
// current cycle.
package derive

import (
	"math"

	"github.com/gpuscope/gpuscope/internal/device"
)

// FillDeviceRates back-fills overall, encoder and decoder utilization when
// the backend left them unset, by summing the corresponding valid per-process
// percentages, clamped to 100.
func FillDeviceRates(dev *device.Device) {
	needGPU := dev.Dynamic.GPUUtilPct == nil
	needEncode := dev.Dynamic.EncoderPct == nil
	needDecode := dev.Dynamic.DecoderPct == nil
	if !needGPU && !needEncode && !needDecode {
		return
	}

	for i := range dev.Processes {
		proc := &dev.Processes[i]
		if needGPU && proc.GPUUsagePct != nil {
			accumulate(&dev.Dynamic.GPUUtilPct, *proc.GPUUsagePct)
		}
		if needEncode && proc.EncodePct != nil {
			accumulate(&dev.Dynamic.EncoderPct, *proc.EncodePct)
		}
		if needDecode && proc.DecodePct != nil {
			accumulate(&dev.Dynamic.DecoderPct, *proc.DecodePct)
		}
	}
}

// FillProcessMemPct computes each process's share of the device memory when
// both the process bytes and the device total are known.
func FillProcessMemPct(dev *device.Device) {
	total := dev.Dynamic.TotalMemBytes
	if total == nil || *total == 0 {
		return
	}
	for i := range dev.Processes {
		proc := &dev.Processes[i]
		if proc.GPUMemBytes == nil {
			continue
		}
		pct := uint(math.Round(100 * float64(*proc.GPUMemBytes) / float64(*total)))
		if pct > 100 {
			pct = 100
		}
		proc.GPUMemPct = &pct
	}
}

func accumulate(field **uint, value uint) {
	if *field == nil {
		v := min(100, value)
		*field = &v
		return
	}
	**field = min(100, **field+value)
}
