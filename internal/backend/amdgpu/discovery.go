package amdgpu

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

const drmClassPath = "class/drm"

// cardInfo describes one DRM card candidate found under sysfs.
type cardInfo struct {
	id         string // e.g. "card0"
	pdev       string // PCI slot name, the fdinfo ownership key
	vendorID   string // e.g. "0x1002"
	driver     string
	name       string
	renderNode string // e.g. "renderD128"
	devicePath string // absolute sysfs device directory
}

// discoverCards enumerates DRM cards exposed via sysfs, in card-index order.
// Every card is returned, vendor-filtered or not, so the caller can consume
// selection-mask bits per candidate.
func discoverCards(sysfsRoot string, logger *slog.Logger) ([]cardInfo, error) {
	sysRoot, err := os.OpenRoot(sysfsRoot)
	if err != nil {
		return nil, fmt.Errorf("open sysfs root: %w", err)
	}
	defer sysRoot.Close()

	entries, err := fs.ReadDir(sysRoot.FS(), drmClassPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read drm class dir: %w", err)
	}

	var cards []cardInfo
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "card") {
			continue
		}
		// Skip connectors like card0-DP-1.
		if strings.ContainsRune(name, '-') {
			continue
		}
		if !allDigits(name[len("card"):]) {
			continue
		}
		if !entry.IsDir() && entry.Type()&os.ModeSymlink == 0 {
			continue
		}

		cardRoot, err := sysRoot.OpenRoot(filepath.Join(drmClassPath, name))
		if err != nil {
			logger.Warn("failed to open card root", "card", name, "err", err)
			continue
		}
		card, err := loadCard(name, sysfsRoot, cardRoot)
		if closeErr := cardRoot.Close(); closeErr != nil {
			logger.Debug("failed to close card root", "card", name, "err", closeErr)
		}
		if err != nil {
			logger.Warn("failed to load card info", "card", name, "err", err)
			continue
		}
		cards = append(cards, card)
	}
	return cards, nil
}

func loadCard(cardID, sysfsRoot string, cardRoot *os.Root) (cardInfo, error) {
	deviceRoot, err := cardRoot.OpenRoot("device")
	if err != nil {
		return cardInfo{}, fmt.Errorf("open device root: %w", err)
	}
	defer deviceRoot.Close()

	card := cardInfo{
		id:         cardID,
		devicePath: filepath.Join(sysfsRoot, drmClassPath, cardID, "device"),
	}

	var pciID, subVendor, subDevice string
	if data, err := deviceRoot.ReadFile("uevent"); err == nil {
		text := string(data)
		card.pdev = parseKeyValue(text, "PCI_SLOT_NAME")
		card.driver = parseKeyValue(text, "DRIVER")
		pciID = parseKeyValue(text, "PCI_ID")
		if subsys := parseKeyValue(text, "PCI_SUBSYS_ID"); subsys != "" {
			if vendor, dev, ok := strings.Cut(subsys, ":"); ok {
				subVendor, subDevice = vendor, dev
			}
		}
	}

	if vendor, err := readTrim(deviceRoot, "vendor"); err == nil {
		card.vendorID = strings.ToLower(vendor)
	} else if vendorPart, _, ok := strings.Cut(pciID, ":"); ok {
		card.vendorID = "0x" + strings.ToLower(vendorPart)
	}

	deviceID := ""
	if id, err := readTrim(deviceRoot, "device"); err == nil {
		deviceID = id
	} else if _, devPart, ok := strings.Cut(pciID, ":"); ok {
		deviceID = devPart
	}
	if subVendor == "" {
		subVendor, _ = readTrim(deviceRoot, "subsystem_vendor")
	}
	if subDevice == "" {
		subDevice, _ = readTrim(deviceRoot, "subsystem_device")
	}

	card.name = lookupDeviceName(card.vendorID, deviceID, subVendor, subDevice)
	if card.name == "" {
		card.name = card.driver
	}
	card.renderNode = findRenderNode(deviceRoot)

	return card, nil
}

func findRenderNode(deviceRoot *os.Root) string {
	drmRoot, err := deviceRoot.OpenRoot("drm")
	if err != nil {
		return ""
	}
	defer drmRoot.Close()

	entries, err := fs.ReadDir(drmRoot.FS(), ".")
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "renderD") {
			return entry.Name()
		}
	}
	return ""
}

func parseKeyValue(data, key string) string {
	prefix := key + "="
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix))
		}
	}
	return ""
}

func readTrim(root *os.Root, name string) (string, error) {
	data, err := root.ReadFile(name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func allDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
