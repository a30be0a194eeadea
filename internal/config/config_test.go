package config

import (
	"log/slog"
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected ListenAddr %q", cfg.ListenAddr)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Fatalf("unexpected PollInterval %s", cfg.PollInterval)
	}
	if cfg.DeviceMask != ^uint64(0) {
		t.Fatalf("unexpected DeviceMask %#x", cfg.DeviceMask)
	}
	if cfg.DefaultDevice != "auto" {
		t.Fatalf("unexpected DefaultDevice %q", cfg.DefaultDevice)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("unexpected LogLevel %v", cfg.LogLevel)
	}
	if cfg.SysfsRoot != "/sys" {
		t.Fatalf("unexpected SysfsRoot %q", cfg.SysfsRoot)
	}
	if cfg.DevRoot != "/dev/dri" {
		t.Fatalf("unexpected DevRoot %q", cfg.DevRoot)
	}
	if cfg.ProcRoot != "/proc" {
		t.Fatalf("unexpected ProcRoot %q", cfg.ProcRoot)
	}
	if cfg.MaxPIDs != 5000 {
		t.Fatalf("unexpected MaxPIDs %d", cfg.MaxPIDs)
	}
	if cfg.MaxFDsPerPID != 64 {
		t.Fatalf("unexpected MaxFDsPerPID %d", cfg.MaxFDsPerPID)
	}
	if cfg.DisableNVIDIA {
		t.Fatalf("NVIDIA support must be enabled by default")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("APP_LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("APP_POLL_INTERVAL", "500ms")
	t.Setenv("APP_DEVICE_MASK", "0x5")
	t.Setenv("APP_DEFAULT_DEVICE", "card1")
	t.Setenv("APP_ALLOWED_ORIGINS", "https://example.com, https://other.test")
	t.Setenv("APP_ENABLE_PROMETHEUS", "true")
	t.Setenv("APP_ENABLE_PPROF", "true")
	t.Setenv("APP_DISABLE_NVIDIA", "true")
	t.Setenv("APP_LOG_LEVEL", "debug")
	t.Setenv("APP_SYSFS_ROOT", "/tmp/sys")
	t.Setenv("APP_DEV_ROOT", "/tmp/dri")
	t.Setenv("APP_PROC_ROOT", "/tmp/proc")
	t.Setenv("APP_MAX_PIDS", "128")
	t.Setenv("APP_MAX_FDS_PER_PID", "32")
	t.Setenv("APP_WS_MAX_CLIENTS", "2048")
	t.Setenv("APP_WS_WRITE_TIMEOUT", "10s")
	t.Setenv("APP_WS_READ_TIMEOUT", "45s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Fatalf("ListenAddr override failed, got %q", cfg.ListenAddr)
	}
	if cfg.PollInterval != 500*time.Millisecond {
		t.Fatalf("PollInterval override failed, got %s", cfg.PollInterval)
	}
	if cfg.DeviceMask != 0x5 {
		t.Fatalf("DeviceMask override failed, got %#x", cfg.DeviceMask)
	}
	if cfg.DefaultDevice != "card1" {
		t.Fatalf("DefaultDevice override failed, got %q", cfg.DefaultDevice)
	}
	wantOrigins := []string{"https://example.com", "https://other.test"}
	if !reflect.DeepEqual(cfg.AllowedOrigins, wantOrigins) {
		t.Fatalf("AllowedOrigins mismatch: %+v", cfg.AllowedOrigins)
	}
	if !cfg.EnablePrometheus {
		t.Fatalf("EnablePrometheus override failed")
	}
	if !cfg.EnablePprof {
		t.Fatalf("EnablePprof override failed")
	}
	if !cfg.DisableNVIDIA {
		t.Fatalf("DisableNVIDIA override failed")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel override failed, got %v", cfg.LogLevel)
	}
	if cfg.SysfsRoot != "/tmp/sys" {
		t.Fatalf("SysfsRoot override failed, got %q", cfg.SysfsRoot)
	}
	if cfg.DevRoot != "/tmp/dri" {
		t.Fatalf("DevRoot override failed, got %q", cfg.DevRoot)
	}
	if cfg.ProcRoot != "/tmp/proc" {
		t.Fatalf("ProcRoot override failed, got %q", cfg.ProcRoot)
	}
	if cfg.MaxPIDs != 128 {
		t.Fatalf("MaxPIDs override failed, got %d", cfg.MaxPIDs)
	}
	if cfg.MaxFDsPerPID != 32 {
		t.Fatalf("MaxFDsPerPID override failed, got %d", cfg.MaxFDsPerPID)
	}
	if cfg.WS.MaxClients != 2048 {
		t.Fatalf("WS.MaxClients override failed, got %d", cfg.WS.MaxClients)
	}
	if cfg.WS.WriteTimeout != 10*time.Second {
		t.Fatalf("WS.WriteTimeout override failed, got %s", cfg.WS.WriteTimeout)
	}
	if cfg.WS.ReadTimeout != 45*time.Second {
		t.Fatalf("WS.ReadTimeout override failed, got %s", cfg.WS.ReadTimeout)
	}
}

func TestLoadDeviceMaskFormats(t *testing.T) {
	testCases := []struct {
		name string
		val  string
		want uint64
	}{
		{"Decimal", "5", 0x5},
		{"HexLower", "0xff", 0xff},
		{"HexUpper", "0XFF", 0xff},
		{"SingleDevice", "1", 0x1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("APP_DEVICE_MASK", tc.val)
			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load returned error: %v", err)
			}
			if cfg.DeviceMask != tc.want {
				t.Fatalf("expected mask %#x, got %#x", tc.want, cfg.DeviceMask)
			}
		})
	}
}

func TestLoadInvalidEnv(t *testing.T) {
	testCases := []struct {
		name string
		key  string
		val  string
	}{
		{"InvalidPollInterval", "APP_POLL_INTERVAL", "fast"},
		{"NegativePollInterval", "APP_POLL_INTERVAL", "-1s"},
		{"ZeroPollInterval", "APP_POLL_INTERVAL", "0"},
		{"InvalidDeviceMask", "APP_DEVICE_MASK", "cards"},
		{"InvalidHexDeviceMask", "APP_DEVICE_MASK", "0xZZ"},
		{"InvalidOrigins", "APP_ALLOWED_ORIGINS", ","},
		{"InvalidPrometheusBool", "APP_ENABLE_PROMETHEUS", "maybe"},
		{"InvalidPprofBool", "APP_ENABLE_PPROF", "maybe"},
		{"InvalidNVIDIABool", "APP_DISABLE_NVIDIA", "maybe"},
		{"InvalidLogLevel", "APP_LOG_LEVEL", "loud"},
		{"InvalidMaxPIDs", "APP_MAX_PIDS", "many"},
		{"NonPositiveMaxPIDs", "APP_MAX_PIDS", "0"},
		{"InvalidMaxFDs", "APP_MAX_FDS_PER_PID", "lots"},
		{"NonPositiveMaxFDs", "APP_MAX_FDS_PER_PID", "-1"},
		{"InvalidWSMaxClients", "APP_WS_MAX_CLIENTS", "zero"},
		{"NonPositiveWSMaxClients", "APP_WS_MAX_CLIENTS", "0"},
		{"InvalidWSWriteTimeout", "APP_WS_WRITE_TIMEOUT", "nope"},
		{"NegativeWSWriteTimeout", "APP_WS_WRITE_TIMEOUT", "-1s"},
		{"InvalidWSReadTimeout", "APP_WS_READ_TIMEOUT", "nope"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.val)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", tc.key, tc.val)
			}
		})
	}
}
