/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package exporter adapts the teacher's per-connection prometheus.Collector
// (originally built around raw kernel TCP_INFO structs) to report uplink
// health instead: pending operations, reconnects, ping RTT, and frame
// counters, pulled from one or more live *ngtt.Uplink instances rather than
// from a socket's TCP_INFO sysctl snapshot.
package exporter

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats is a point-in-time snapshot of one uplink's health, as reported by
// StatsSource.Stats(). It deliberately has no error field - reading it is
// pure in-memory bookkeeping, unlike the teacher's fd-based TCP_INFO
// syscall, which could fail mid-Collect.
type Stats struct {
	Connected      bool
	Reconnects     int64
	PendingOps     int
	FramesSent     int64
	FramesReceived int64
	LastPingRTTMs  float64
}

// StatsSource is implemented by *ngtt.Uplink.
type StatsSource interface {
	Stats() Stats
}

type entry struct {
	source StatsSource
	labels []string
}

// UplinkCollector is a prometheus.Collector over a set of named uplinks,
// mirroring the teacher's Add/Remove/mutex-guarded-map shape in
// pkg/exporter.TCPInfoCollector.
type UplinkCollector struct {
	mu      sync.Mutex
	sources map[string]entry

	connected      *prometheus.Desc
	reconnects     *prometheus.Desc
	pendingOps     *prometheus.Desc
	framesSent     *prometheus.Desc
	framesReceived *prometheus.Desc
	lastPingRTT    *prometheus.Desc
}

// NewUplinkCollector builds a collector. connectionLabels names the labels
// supplied per-uplink at Add time; constLabels are fixed for the whole
// process (e.g. hostname), as in the teacher's constructor.
func NewUplinkCollector(prefix string, connectionLabels []string, constLabels prometheus.Labels) *UplinkCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prefix+"_"+name, help, connectionLabels, constLabels)
	}
	return &UplinkCollector{
		sources:        make(map[string]entry),
		connected:      desc("connected", "1 if the uplink currently holds a live TLS connection"),
		reconnects:     desc("reconnects_total", "number of times this uplink has reconnected"),
		pendingOps:     desc("pending_operations", "number of submitted operations awaiting a reply"),
		framesSent:     desc("frames_sent_total", "number of NGTP frames written to the wire"),
		framesReceived: desc("frames_received_total", "number of NGTP frames read from the wire"),
		lastPingRTT:    desc("last_ping_rtt_milliseconds", "round-trip time of the most recently acknowledged ping"),
	}
}

func (c *UplinkCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.connected
	descs <- c.reconnects
	descs <- c.pendingOps
	descs <- c.framesSent
	descs <- c.framesReceived
	descs <- c.lastPingRTT
}

func (c *UplinkCollector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.sources {
		stats := e.source.Stats()

		connected := 0.0
		if stats.Connected {
			connected = 1.0
		}
		metrics <- prometheus.MustNewConstMetric(c.connected, prometheus.GaugeValue, connected, e.labels...)
		metrics <- prometheus.MustNewConstMetric(c.reconnects, prometheus.CounterValue, float64(stats.Reconnects), e.labels...)
		metrics <- prometheus.MustNewConstMetric(c.pendingOps, prometheus.GaugeValue, float64(stats.PendingOps), e.labels...)
		metrics <- prometheus.MustNewConstMetric(c.framesSent, prometheus.CounterValue, float64(stats.FramesSent), e.labels...)
		metrics <- prometheus.MustNewConstMetric(c.framesReceived, prometheus.CounterValue, float64(stats.FramesReceived), e.labels...)
		metrics <- prometheus.MustNewConstMetric(c.lastPingRTT, prometheus.GaugeValue, stats.LastPingRTTMs, e.labels...)
	}
}

// Add registers source under name with the given label values, which must
// line up positionally with connectionLabels passed to
// NewUplinkCollector.
func (c *UplinkCollector) Add(name string, source StatsSource, labels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[name] = entry{source: source, labels: labels}
}

// Remove unregisters a previously Added uplink.
func (c *UplinkCollector) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sources, name)
}
