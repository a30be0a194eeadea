package amdgpu

import (
	"bufio"
	"bytes"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/gpuscope/gpuscope/internal/device"
)

// clientKey identifies one DRM client on one device. The PID disambiguates
// client IDs reused across processes.
type clientKey struct {
	clientID uint64
	pid      int
}

// engineObservation is one cycle's cumulative engine-time snapshot for a DRM
// client, used to derive busy percentages on the next observation. Engines
// absent from the record stay nil so they never produce a bogus delta.
type engineObservation struct {
	gfx  *uint64
	comp *uint64
	enc  *uint64
	dec  *uint64
	ts   time.Time
}

// ParseRecord implements device.RecordParser for one amdgpu fdinfo record.
// The record is parsed into a scratch copy first; usage is committed only
// when the record's pdev matches this device, so a record belonging to a
// sibling card leaves usage untouched.
func (st *state) ParseRecord(data []byte, now time.Time, usage *device.ProcessUsage) bool {
	scratch := *usage
	clientID, clientSeen := uint64(0), false
	pdevMatched := false

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "pdev", "drm-pdev":
			if value != st.pdev {
				return false
			}
			pdevMatched = true
		case "drm-client-id":
			if v, err := strconv.ParseUint(value, 10, 64); err == nil {
				clientID, clientSeen = v, true
			}
		case "vram mem", "drm-memory-vram":
			if kb, ok := parseKilobytes(value); ok {
				mem := kb * 1024
				scratch.GPUMemBytes = &mem
			}
		case "drm-engine-gfx":
			setEngineNS(&scratch.GfxEngineNS, value)
		case "drm-engine-compute":
			if setEngineNS(&scratch.CompEngineNS, value) {
				scratch.Type = device.ProcessCompute
			}
		case "drm-engine-enc":
			setEngineNS(&scratch.EncEngineNS, value)
		case "drm-engine-dec":
			setEngineNS(&scratch.DecEngineNS, value)
		default:
			st.parseLegacyEngine(key, value, &scratch)
		}
	}

	if !pdevMatched {
		return false
	}

	// Legacy records carry ready-made percentages and no client id; only
	// cumulative engine-time records go through the observation cache.
	if clientSeen {
		ck := clientKey{clientID: clientID, pid: scratch.PID}
		if prev, found := st.usage.Touch(ck); found {
			deriveEngineRates(&scratch, prev, now)
		}
		// The record's counter allocations are handed to the caller, which
		// sums across a process's descriptors in place. The cache keeps its
		// own copies so the baseline stays the raw per-client value.
		st.usage.Store(ck, engineObservation{
			gfx:  cloneCounter(scratch.GfxEngineNS),
			comp: cloneCounter(scratch.CompEngineNS),
			enc:  cloneCounter(scratch.EncEngineNS),
			dec:  cloneCounter(scratch.DecEngineNS),
			ts:   now,
		})
	}

	*usage = scratch
	return true
}

// parseLegacyEngine handles pre-drm-usage-stats records where engines appear
// as indexed keys with percentage values, e.g. "gfx0: 37%". Percentages from
// multiple rings of the same engine class are summed.
func (st *state) parseLegacyEngine(key, value string, usage *device.ProcessUsage) {
	class, indexed := splitEngineKey(key)
	if !indexed {
		return
	}
	pct, ok := parsePercent(value)
	if !ok {
		return
	}
	switch class {
	case "gfx":
		addPct(&usage.GPUUsagePct, pct)
	case "compute":
		addPct(&usage.GPUUsagePct, pct)
		usage.Type = device.ProcessCompute
	case "enc":
		addPct(&usage.EncodePct, pct)
	case "dec":
		addPct(&usage.DecodePct, pct)
	}
}

// deriveEngineRates turns cumulative engine-time deltas since the previous
// observation into busy percentages. A counter that moved backwards or by
// more than the elapsed wall time is treated as a wrap or reused client and
// contributes nothing.
func deriveEngineRates(usage *device.ProcessUsage, prev engineObservation, now time.Time) {
	elapsed := now.Sub(prev.ts)
	if elapsed <= 0 {
		return
	}
	elapsedNS := uint64(elapsed.Nanoseconds())

	var gpuPct uint
	gpuValid := false
	if pct, ok := engineBusyPct(usage.GfxEngineNS, prev.gfx, elapsedNS); ok {
		gpuPct += pct
		gpuValid = true
	}
	if pct, ok := engineBusyPct(usage.CompEngineNS, prev.comp, elapsedNS); ok {
		gpuPct += pct
		gpuValid = true
	}
	if gpuValid {
		pct := min(gpuPct, 100)
		usage.GPUUsagePct = &pct
	}
	if pct, ok := engineBusyPct(usage.EncEngineNS, prev.enc, elapsedNS); ok {
		pct = min(pct, 100)
		usage.EncodePct = &pct
	}
	if pct, ok := engineBusyPct(usage.DecEngineNS, prev.dec, elapsedNS); ok {
		pct = min(pct, 100)
		usage.DecodePct = &pct
	}
}

func engineBusyPct(cur, prev *uint64, elapsedNS uint64) (uint, bool) {
	if cur == nil || prev == nil || elapsedNS == 0 {
		return 0, false
	}
	if *cur < *prev {
		return 0, false
	}
	delta := *cur - *prev
	if delta > elapsedNS {
		return 0, false
	}
	return uint((delta*100 + elapsedNS/2) / elapsedNS), true
}

func cloneCounter(v *uint64) *uint64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func setEngineNS(field **uint64, value string) bool {
	raw, ok := strings.CutSuffix(value, " ns")
	if !ok {
		return false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return false
	}
	*field = &v
	return true
}

func addPct(field **uint, pct uint) {
	if *field == nil {
		v := min(pct, 100)
		*field = &v
		return
	}
	**field = min(**field+pct, 100)
}

// splitEngineKey splits "gfx0" into ("gfx", true). Keys without a numeric
// ring suffix are not legacy engine counters.
func splitEngineKey(key string) (string, bool) {
	i := len(key)
	for i > 0 && unicode.IsDigit(rune(key[i-1])) {
		i--
	}
	if i == len(key) || i == 0 {
		return "", false
	}
	return key[:i], true
}

// parsePercent accepts integer and fractional percentages; fractional values
// round half away from zero.
func parsePercent(value string) (uint, bool) {
	raw, ok := strings.CutSuffix(value, "%")
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, false
	}
	return uint(math.Round(v)), true
}

// parseKilobytes parses a memory value with an explicit kilobyte suffix.
func parseKilobytes(value string) (uint64, bool) {
	raw := ""
	switch {
	case strings.HasSuffix(value, " kB"):
		raw = strings.TrimSuffix(value, " kB")
	case strings.HasSuffix(value, " KiB"):
		raw = strings.TrimSuffix(value, " KiB")
	default:
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
