package httpserver

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gpuscope/gpuscope/internal/api"
	"github.com/gpuscope/gpuscope/internal/collector"
)

type deviceMetricsCollector struct {
	collector *collector.Manager
	devices   []api.DeviceInfo
	metrics   []deviceMetric
}

type deviceMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	extract   func(snapshot collector.Snapshot) (float64, bool)
}

func uintGauge(get func(snapshot collector.Snapshot) *uint) func(collector.Snapshot) (float64, bool) {
	return func(snapshot collector.Snapshot) (float64, bool) {
		if v := get(snapshot); v != nil {
			return float64(*v), true
		}
		return 0, false
	}
}

func uint64Gauge(get func(snapshot collector.Snapshot) *uint64) func(collector.Snapshot) (float64, bool) {
	return func(snapshot collector.Snapshot) (float64, bool) {
		if v := get(snapshot); v != nil {
			return float64(*v), true
		}
		return 0, false
	}
}

func floatGauge(get func(snapshot collector.Snapshot) *float64) func(collector.Snapshot) (float64, bool) {
	return func(snapshot collector.Snapshot) (float64, bool) {
		if v := get(snapshot); v != nil {
			return *v, true
		}
		return 0, false
	}
}

func newDeviceMetricsCollector(devices []api.DeviceInfo, manager *collector.Manager) prometheus.Collector {
	if manager == nil || len(devices) == 0 {
		return nil
	}

	c := &deviceMetricsCollector{
		collector: manager,
		devices:   append([]api.DeviceInfo(nil), devices...),
	}

	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName("gpuscope", "device", name),
			help,
			[]string{"device_id", "vendor"},
			nil,
		)
	}

	gauge := func(name, help string, extract func(collector.Snapshot) (float64, bool)) deviceMetric {
		return deviceMetric{
			desc:      desc(name, help),
			valueType: prometheus.GaugeValue,
			extract:   extract,
		}
	}

	c.metrics = []deviceMetric{
		gauge("gpu_util_percent", "Current GPU utilization percentage.",
			uintGauge(func(s collector.Snapshot) *uint { return s.Dynamic.GPUUtilPct })),
		gauge("mem_util_percent", "Current memory utilization percentage.",
			uintGauge(func(s collector.Snapshot) *uint { return s.Dynamic.MemUtilPct })),
		gauge("encoder_percent", "Current video encoder utilization percentage.",
			uintGauge(func(s collector.Snapshot) *uint { return s.Dynamic.EncoderPct })),
		gauge("decoder_percent", "Current video decoder utilization percentage.",
			uintGauge(func(s collector.Snapshot) *uint { return s.Dynamic.DecoderPct })),
		gauge("clock_mhz", "Current GPU core clock in MHz.",
			uintGauge(func(s collector.Snapshot) *uint { return s.Dynamic.GPUClockMHz })),
		gauge("mem_clock_mhz", "Current memory clock in MHz.",
			uintGauge(func(s collector.Snapshot) *uint { return s.Dynamic.MemClockMHz })),
		gauge("mem_total_bytes", "Total device memory in bytes.",
			uint64Gauge(func(s collector.Snapshot) *uint64 { return s.Dynamic.TotalMemBytes })),
		gauge("mem_used_bytes", "Used device memory in bytes.",
			uint64Gauge(func(s collector.Snapshot) *uint64 { return s.Dynamic.UsedMemBytes })),
		gauge("temperature_celsius", "Current GPU temperature in Celsius.",
			floatGauge(func(s collector.Snapshot) *float64 { return s.Dynamic.TempC })),
		gauge("fan_percent", "Current fan speed percentage.",
			uintGauge(func(s collector.Snapshot) *uint { return s.Dynamic.FanPct })),
		gauge("power_watts", "Current GPU power draw in Watts.",
			floatGauge(func(s collector.Snapshot) *float64 { return s.Dynamic.PowerDrawW })),
		gauge("power_cap_watts", "Configured GPU power cap in Watts.",
			floatGauge(func(s collector.Snapshot) *float64 { return s.Dynamic.PowerCapW })),
		gauge("pcie_link_gen", "Current PCIe link generation.",
			uintGauge(func(s collector.Snapshot) *uint { return s.Dynamic.PCIeLinkGen })),
		gauge("pcie_link_width", "Current PCIe link width in lanes.",
			uintGauge(func(s collector.Snapshot) *uint { return s.Dynamic.PCIeLinkWidth })),
		gauge("pcie_rx_bytes_per_second", "Current PCIe receive throughput in bytes per second.",
			uint64Gauge(func(s collector.Snapshot) *uint64 { return s.Dynamic.PCIeRxBytesPS })),
		gauge("pcie_tx_bytes_per_second", "Current PCIe transmit throughput in bytes per second.",
			uint64Gauge(func(s collector.Snapshot) *uint64 { return s.Dynamic.PCIeTxBytesPS })),
		gauge("processes", "Number of processes using the device.",
			func(s collector.Snapshot) (float64, bool) {
				return float64(len(s.Processes)), true
			}),
		gauge("snapshot_timestamp_seconds", "Unix timestamp of the latest device snapshot.",
			func(s collector.Snapshot) (float64, bool) {
				if s.TimestampMS == 0 {
					return 0, false
				}
				return float64(s.TimestampMS) / 1000, true
			}),
		gauge("snapshot_age_seconds", "Seconds elapsed since the latest device snapshot was collected.",
			func(s collector.Snapshot) (float64, bool) {
				if s.TimestampMS == 0 {
					return 0, false
				}
				age := time.Since(time.UnixMilli(s.TimestampMS)).Seconds()
				if age < 0 {
					age = 0
				}
				return age, true
			}),
	}

	return c
}

func (c *deviceMetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range c.metrics {
		ch <- metric.desc
	}
}

func (c *deviceMetricsCollector) Collect(ch chan<- prometheus.Metric) {
	if c.collector == nil {
		return
	}
	for _, info := range c.devices {
		snapshot, ok := c.collector.Latest(info.ID)
		if !ok {
			continue
		}
		for _, metric := range c.metrics {
			value, ok := metric.extract(snapshot)
			if !ok {
				continue
			}
			ch <- prometheus.MustNewConstMetric(metric.desc, metric.valueType, value, info.ID, info.Vendor)
		}
	}
}
