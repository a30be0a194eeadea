// Package procinfo maintains the host-wide process accounting cache: command
// line and user name resolved once per process lifetime, plus the CPU-time
// baseline used to derive a per-cycle CPU percentage.
package procinfo

import (
	"io"
	"log/slog"
	"math"
	"strings"
	"time"

	psprocess "github.com/shirou/gopsutil/v3/process"

	"github.com/gpuscope/gpuscope/internal/device"
	"github.com/gpuscope/gpuscope/internal/twogen"
)

// Sample is one point-in-time process accounting observation.
type Sample struct {
	Cmdline       string
	User          string
	TotalCPUSecs  float64
	HasCPU        bool
	ResidentBytes uint64
	VirtualBytes  uint64
	HasMemory     bool
}

type entry struct {
	cmdline string
	user    string
	// lastTotalCPU below zero means no usable baseline; the next cycle
	// starts from zero instead of computing a bogus long-window delta.
	lastTotalCPU float64
	lastSeen     time.Time
}

// Cache is the pid-keyed, two-generation accounting cache shared by every
// device. Identity is resolved exactly once per pid; entries untouched for a
// full cycle are assumed to belong to exited processes and reaped on swap.
type Cache struct {
	cache  *twogen.Cache[int, *entry]
	logger *slog.Logger

	// identify and sample are split so tests can drive the cache without a
	// live process table.
	identify func(pid int) (cmdline, user string)
	sample   func(pid int) (Sample, bool)
}

// NewCache builds an accounting cache backed by gopsutil.
func NewCache(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Cache{
		cache:  twogen.New[int, *entry](),
		logger: logger,
	}
	c.identify = identifyProcess
	c.sample = sampleProcess
	return c
}

// Enrich fills identity, CPU% and resident/virtual memory for every process
// observed on dev this cycle.
func (c *Cache) Enrich(dev *device.Device, now time.Time) {
	for i := range dev.Processes {
		c.enrichOne(&dev.Processes[i], now)
	}
}

func (c *Cache) enrichOne(usage *device.ProcessUsage, now time.Time) {
	e, ok := c.cache.Touch(usage.PID)
	if !ok {
		cmdline, user := c.identify(usage.PID)
		e = &entry{
			cmdline:      cmdline,
			user:         user,
			lastTotalCPU: -1,
		}
		c.cache.Store(usage.PID, e)
	}

	usage.Cmdline = e.cmdline
	usage.User = e.user

	sample, ok := c.sample(usage.PID)
	if !ok || !sample.HasCPU {
		// No usable sample now; reset the baseline so the next cycle does
		// not compute a delta across an unknown window.
		e.lastTotalCPU = -1
		return
	}

	if e.lastTotalCPU >= 0 {
		elapsed := now.Sub(e.lastSeen).Seconds()
		if elapsed > 0 {
			pct := math.Round(100 * (sample.TotalCPUSecs - e.lastTotalCPU) / elapsed)
			if pct < 0 {
				pct = 0
			}
			v := uint(pct)
			usage.CPUPct = &v
		}
	} else {
		v := uint(0)
		usage.CPUPct = &v
	}
	e.lastTotalCPU = sample.TotalCPUSecs
	e.lastSeen = now

	if sample.HasMemory {
		res := sample.ResidentBytes
		virt := sample.VirtualBytes
		usage.ResidentBytes = &res
		usage.VirtualBytes = &virt
	}
}

// EndCycle reaps every pid not touched this cycle and rotates generations.
func (c *Cache) EndCycle() {
	c.cache.Swap()
}

// Clear frees both generations entirely.
func (c *Cache) Clear() {
	c.cache.Clear()
}

// Len reports live entries across both generations.
func (c *Cache) Len() int {
	return c.cache.Len()
}

func identifyProcess(pid int) (string, string) {
	proc, err := psprocess.NewProcess(int32(pid))
	if err != nil {
		return "", ""
	}
	var cmdline, user string
	if args, err := proc.CmdlineSlice(); err == nil && len(args) > 0 {
		cmdline = strings.Join(args, " ")
	} else if name, err := proc.Name(); err == nil {
		cmdline = name
	}
	if username, err := proc.Username(); err == nil {
		user = username
	}
	return cmdline, user
}

func sampleProcess(pid int) (Sample, bool) {
	proc, err := psprocess.NewProcess(int32(pid))
	if err != nil {
		return Sample{}, false
	}
	var s Sample
	times, err := proc.Times()
	if err != nil {
		return Sample{}, false
	}
	s.TotalCPUSecs = times.User + times.System
	s.HasCPU = true
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		s.ResidentBytes = mem.RSS
		s.VirtualBytes = mem.VMS
		s.HasMemory = true
	}
	return s, true
}
