package fdinfo

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gpuscope/gpuscope/internal/device"
)

// fakeParser claims any record containing its marker and commits a fixed
// usage sample, mimicking a vendor backend's ownership check.
type fakeParser struct {
	marker string
	calls  int
}

func (p *fakeParser) ParseRecord(data []byte, _ time.Time, usage *device.ProcessUsage) bool {
	p.calls++
	text := string(data)
	if !strings.Contains(text, p.marker) {
		return false
	}
	pct := uint(10)
	mem := uint64(4096)
	usage.GPUUsagePct = &pct
	usage.GPUMemBytes = &mem
	if strings.Contains(text, "compute") {
		usage.Type = device.ProcessCompute
	}
	return true
}

type fakeFD struct {
	target string
	record string
}

func addProcess(t *testing.T, procRoot string, pid int, fds map[string]fakeFD) {
	t.Helper()
	pidDir := filepath.Join(procRoot, strconv.Itoa(pid))
	for _, sub := range []string{"fd", "fdinfo"} {
		if err := os.MkdirAll(filepath.Join(pidDir, sub), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	for name, fd := range fds {
		if err := os.Symlink(fd.target, filepath.Join(pidDir, "fd", name)); err != nil {
			t.Fatalf("symlink: %v", err)
		}
		if err := os.WriteFile(filepath.Join(pidDir, "fdinfo", name), []byte(fd.record), 0o644); err != nil {
			t.Fatalf("write fdinfo: %v", err)
		}
	}
}

func newTestSweeper(t *testing.T, maxPIDs, maxFDs int) (*Sweeper, string) {
	t.Helper()
	procRoot := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewSweeper(procRoot, "/dev/dri", maxPIDs, maxFDs, logger)
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, procRoot
}

func TestSweepRoutesRecordsToOwningDevice(t *testing.T) {
	s, procRoot := newTestSweeper(t, 0, 0)

	devA := &device.Device{ID: "card0"}
	devB := &device.Device{ID: "card1"}
	s.RegisterRecordParser(devA, &fakeParser{marker: "owner:a"})
	s.RegisterRecordParser(devB, &fakeParser{marker: "owner:b"})

	addProcess(t, procRoot, 100, map[string]fakeFD{
		"3": {target: "/dev/dri/renderD128", record: "owner:a\n"},
	})
	addProcess(t, procRoot, 200, map[string]fakeFD{
		"5": {target: "/dev/dri/renderD129", record: "owner:b\n"},
	})

	s.Sweep(time.Unix(1000, 0))

	if len(devA.Processes) != 1 || devA.Processes[0].PID != 100 {
		t.Fatalf("unexpected card0 processes: %+v", devA.Processes)
	}
	if len(devB.Processes) != 1 || devB.Processes[0].PID != 200 {
		t.Fatalf("unexpected card1 processes: %+v", devB.Processes)
	}
}

func TestSweepMergesDescriptorsPerProcess(t *testing.T) {
	s, procRoot := newTestSweeper(t, 0, 0)

	dev := &device.Device{ID: "card0"}
	s.RegisterRecordParser(dev, &fakeParser{marker: "owner:a"})

	// Two descriptors to the same device: percentages and memory sum, the
	// compute type wins over graphics.
	addProcess(t, procRoot, 100, map[string]fakeFD{
		"3": {target: "/dev/dri/renderD128", record: "owner:a\n"},
		"4": {target: "/dev/dri/renderD128", record: "owner:a compute\n"},
	})

	s.Sweep(time.Unix(1000, 0))

	if len(dev.Processes) != 1 {
		t.Fatalf("expected one merged entry, got %d", len(dev.Processes))
	}
	proc := dev.Processes[0]
	if got := *proc.GPUUsagePct; got != 20 {
		t.Fatalf("expected summed pct 20, got %d", got)
	}
	if got := *proc.GPUMemBytes; got != 8192 {
		t.Fatalf("expected summed mem 8192, got %d", got)
	}
	if proc.Type != device.ProcessCompute {
		t.Fatalf("compute descriptor must mark the process compute, got %q", proc.Type)
	}
}

func TestSweepSkipsNonDeviceDescriptors(t *testing.T) {
	s, procRoot := newTestSweeper(t, 0, 0)

	dev := &device.Device{ID: "card0"}
	parser := &fakeParser{marker: "owner:a"}
	s.RegisterRecordParser(dev, parser)

	addProcess(t, procRoot, 100, map[string]fakeFD{
		"3": {target: "/tmp/somefile", record: "owner:a\n"},
		"4": {target: "/dev/drin/trick", record: "owner:a\n"},
		"5": {target: "socket:[12345]", record: "owner:a\n"},
	})

	s.Sweep(time.Unix(1000, 0))

	if parser.calls != 0 {
		t.Fatalf("parser must not see non-device descriptors, got %d calls", parser.calls)
	}
	if len(dev.Processes) != 0 {
		t.Fatalf("expected no processes, got %+v", dev.Processes)
	}
}

func TestSweepHandlesDeletedNodeSuffix(t *testing.T) {
	s, procRoot := newTestSweeper(t, 0, 0)

	dev := &device.Device{ID: "card0"}
	s.RegisterRecordParser(dev, &fakeParser{marker: "owner:a"})

	addProcess(t, procRoot, 100, map[string]fakeFD{
		"3": {target: "/dev/dri/renderD128 (deleted)", record: "owner:a\n"},
	})

	s.Sweep(time.Unix(1000, 0))

	if len(dev.Processes) != 1 {
		t.Fatalf("descriptor to a deleted node must still be scanned")
	}
}

func TestSweepUnclaimedRecordCommitsNothing(t *testing.T) {
	s, procRoot := newTestSweeper(t, 0, 0)

	dev := &device.Device{ID: "card0"}
	s.RegisterRecordParser(dev, &fakeParser{marker: "owner:a"})

	addProcess(t, procRoot, 100, map[string]fakeFD{
		"3": {target: "/dev/dri/renderD128", record: "owner:other\n"},
	})

	s.Sweep(time.Unix(1000, 0))

	if len(dev.Processes) != 0 {
		t.Fatalf("unclaimed record must not produce a process entry")
	}
}

func TestSweepSkipsNonNumericEntries(t *testing.T) {
	s, procRoot := newTestSweeper(t, 0, 0)

	dev := &device.Device{ID: "card0"}
	parser := &fakeParser{marker: "owner:a"}
	s.RegisterRecordParser(dev, parser)

	// Entries like /proc/self or /proc/sys are not processes; a non-numeric
	// descriptor name inside a pid dir is skipped too.
	if err := os.MkdirAll(filepath.Join(procRoot, "self", "fdinfo"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	addProcess(t, procRoot, 100, map[string]fakeFD{
		"mnt": {target: "/dev/dri/renderD128", record: "owner:a\n"},
	})

	s.Sweep(time.Unix(1000, 0))

	if parser.calls != 0 || len(dev.Processes) != 0 {
		t.Fatalf("non-numeric entries must be ignored")
	}
}

func TestSweepHonorsDescriptorLimit(t *testing.T) {
	s, procRoot := newTestSweeper(t, 0, 1)

	dev := &device.Device{ID: "card0"}
	s.RegisterRecordParser(dev, &fakeParser{marker: "owner:a"})

	addProcess(t, procRoot, 100, map[string]fakeFD{
		"3": {target: "/dev/dri/renderD128", record: "owner:a\n"},
		"4": {target: "/dev/dri/renderD128", record: "owner:a\n"},
	})

	s.Sweep(time.Unix(1000, 0))

	if len(dev.Processes) != 1 {
		t.Fatalf("expected one process, got %d", len(dev.Processes))
	}
	// Only the first descriptor was inspected.
	if got := *dev.Processes[0].GPUUsagePct; got != 10 {
		t.Fatalf("expected pct 10 from a single descriptor, got %d", got)
	}
}

func TestSweepHonorsProcessLimit(t *testing.T) {
	s, procRoot := newTestSweeper(t, 1, 0)

	dev := &device.Device{ID: "card0"}
	s.RegisterRecordParser(dev, &fakeParser{marker: "owner:a"})

	addProcess(t, procRoot, 100, map[string]fakeFD{
		"3": {target: "/dev/dri/renderD128", record: "owner:a\n"},
	})
	addProcess(t, procRoot, 200, map[string]fakeFD{
		"3": {target: "/dev/dri/renderD128", record: "owner:a\n"},
	})

	s.Sweep(time.Unix(1000, 0))

	if len(dev.Processes) != 1 {
		t.Fatalf("expected the scan to stop after one process, got %d", len(dev.Processes))
	}
}

func TestDropDeviceStopsDispatch(t *testing.T) {
	s, procRoot := newTestSweeper(t, 0, 0)

	dev := &device.Device{ID: "card0"}
	s.RegisterRecordParser(dev, &fakeParser{marker: "owner:a"})
	s.DropDevice(dev)

	addProcess(t, procRoot, 100, map[string]fakeFD{
		"3": {target: "/dev/dri/renderD128", record: "owner:a\n"},
	})

	s.Sweep(time.Unix(1000, 0))

	if len(dev.Processes) != 0 {
		t.Fatalf("dropped device must not receive processes")
	}
}
