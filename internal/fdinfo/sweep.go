// Package fdinfo walks the process table once per cycle, finds open DRM
// device file descriptors, and routes each descriptor's kernel accounting
// record to the vendor backend that owns the referenced device.
package fdinfo

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gpuscope/gpuscope/internal/device"
)

type parserEntry struct {
	dev    *device.Device
	parser device.RecordParser
}

// Sweeper performs the per-cycle /proc traversal. Walking the process and
// descriptor tables is the syscall-heavy step, so it happens once per cycle
// and fans out to every registered device parser.
type Sweeper struct {
	procRoot  *os.Root
	devPrefix string
	maxPIDs   int
	maxFDs    int
	logger    *slog.Logger
	entries   []parserEntry
}

// NewSweeper opens procRoot for traversal. devPrefix is the directory GPU
// device nodes live under (normally /dev/dri).
func NewSweeper(procRoot, devPrefix string, maxPIDs, maxFDs int, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	root, err := os.OpenRoot(procRoot)
	if err != nil {
		return nil, fmt.Errorf("open proc root: %w", err)
	}
	if devPrefix == "" {
		devPrefix = "/dev/dri"
	}
	return &Sweeper{
		procRoot:  root,
		devPrefix: strings.TrimSuffix(devPrefix, "/") + "/",
		maxPIDs:   maxPIDs,
		maxFDs:    maxFDs,
		logger:    logger,
	}, nil
}

// RegisterRecordParser adds a device's record parser to the dispatch table.
func (s *Sweeper) RegisterRecordParser(dev *device.Device, parser device.RecordParser) {
	s.entries = append(s.entries, parserEntry{dev: dev, parser: parser})
}

// DropDevice removes a device from the dispatch table.
func (s *Sweeper) DropDevice(dev *device.Device) {
	for i, entry := range s.entries {
		if entry.dev == dev {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

// Sweep traverses every live process once, parses each GPU-referencing
// descriptor's accounting record, and appends the merged per-process usage to
// the owning device's current-cycle process list.
func (s *Sweeper) Sweep(now time.Time) {
	if len(s.entries) == 0 {
		return
	}

	procEntries, err := fs.ReadDir(s.procRoot.FS(), ".")
	if err != nil {
		s.logger.Warn("proc traversal failed", "err", err)
		return
	}

	var scanned int
	for _, entry := range procEntries {
		if s.maxPIDs > 0 && scanned >= s.maxPIDs {
			break
		}
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid <= 0 {
			continue
		}

		procDir, err := s.procRoot.OpenRoot(entry.Name())
		if err != nil {
			continue
		}
		if s.scanProcess(pid, procDir, now) {
			scanned++
		}
		if err := procDir.Close(); err != nil {
			s.logger.Debug("failed to close proc dir", "pid", pid, "err", err)
		}
	}
}

func (s *Sweeper) scanProcess(pid int, procDir *os.Root, now time.Time) bool {
	fdEntries, err := fs.ReadDir(procDir.FS(), "fdinfo")
	if err != nil {
		return false
	}

	merged := make(map[*device.Device]*device.ProcessUsage)
	fdBasePath := filepath.Join(procDir.Name(), "fd")
	fdCount := 0

	for _, fdEntry := range fdEntries {
		if s.maxFDs > 0 && fdCount >= s.maxFDs {
			break
		}
		fdName := fdEntry.Name()
		if _, err := strconv.Atoi(fdName); err != nil {
			continue
		}
		fdCount++

		target, err := procDir.Readlink(filepath.Join("fd", fdName))
		if err != nil {
			continue
		}
		target = strings.TrimSuffix(target, " (deleted)")
		if !filepath.IsAbs(target) {
			target = filepath.Join(fdBasePath, target)
		}
		if !strings.HasPrefix(filepath.Clean(target)+"/", s.devPrefix) {
			continue
		}

		data, err := procDir.ReadFile(filepath.Join("fdinfo", fdName))
		if err != nil {
			continue
		}

		// Try each registered device until one claims the record. A parser
		// that rejects the record commits nothing.
		for _, entry := range s.entries {
			usage := device.ProcessUsage{PID: pid, Type: device.ProcessGraphics}
			if !entry.parser.ParseRecord(data, now, &usage) {
				continue
			}
			mergeUsage(merged, entry.dev, &usage)
			break
		}
	}

	if len(merged) == 0 {
		return false
	}
	for dev, usage := range merged {
		dev.Processes = append(dev.Processes, *usage)
	}
	return true
}

// mergeUsage folds one descriptor's record into the per-process entry for a
// device. A process may hold several descriptors to the same device;
// percentages, memory, and raw engine counters accumulate by summation across
// descriptors (the cache already de-duplicated shared descriptors by
// client id).
func mergeUsage(merged map[*device.Device]*device.ProcessUsage, dev *device.Device, usage *device.ProcessUsage) {
	existing, ok := merged[dev]
	if !ok {
		merged[dev] = usage
		return
	}
	if usage.Type == device.ProcessCompute {
		existing.Type = device.ProcessCompute
	}
	addUint(&existing.GPUUsagePct, usage.GPUUsagePct)
	addUint(&existing.EncodePct, usage.EncodePct)
	addUint(&existing.DecodePct, usage.DecodePct)
	addUint64(&existing.GPUMemBytes, usage.GPUMemBytes)
	addUint64(&existing.GfxEngineNS, usage.GfxEngineNS)
	addUint64(&existing.CompEngineNS, usage.CompEngineNS)
	addUint64(&existing.EncEngineNS, usage.EncEngineNS)
	addUint64(&existing.DecEngineNS, usage.DecEngineNS)
}

func addUint(dst **uint, src *uint) {
	if src == nil {
		return
	}
	if *dst == nil {
		v := *src
		*dst = &v
		return
	}
	**dst += *src
}

func addUint64(dst **uint64, src *uint64) {
	if src == nil {
		return
	}
	if *dst == nil {
		v := *src
		*dst = &v
		return
	}
	**dst += *src
}

// Close releases the proc root handle.
func (s *Sweeper) Close() error {
	if s.procRoot == nil {
		return nil
	}
	return s.procRoot.Close()
}
