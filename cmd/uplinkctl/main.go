/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// uplinkctl runs a single ngtt.Uplink against a device cert/key pair,
// logs every inbound order and acknowledges it immediately, and serves
// its health metrics over /metrics.
package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/smok-serwis/ngtt"
	"github.com/smok-serwis/ngtt/pkg/exporter"
)

func main() {
	certFile := flag.String("cert", "", "path to the device certificate (PEM)")
	keyFile := flag.String("key", "", "path to the device private key (PEM)")
	listenAddr := flag.String("listen", ":9120", "address to serve /metrics on")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	logger := logrus.StandardLogger()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	if *certFile == "" || *keyFile == "" {
		logger.Fatal("uplinkctl: -cert and -key are required")
	}

	uplink, err := ngtt.New(*certFile, *keyFile, func(o *ngtt.Order) {
		logger.WithField("order", string(o.Data)).Info("uplinkctl: received order")
		if err := o.Acknowledge(); err != nil {
			logger.WithError(err).Warn("uplinkctl: acknowledging order failed")
		}
	}, ngtt.WithLogger(logger))
	if err != nil {
		logger.WithError(err).Fatal("uplinkctl: failed to start uplink")
	}
	logger.WithField("device_id", uplink.Identity().DeviceID).
		WithField("environment", uplink.Identity().Environment).
		Info("uplinkctl: uplink starting")

	collector := exporter.NewUplinkCollector("ngtt", nil, prometheus.Labels{
		"device_id": uplink.Identity().DeviceID,
	})
	collector.Add("uplink", uplink, nil)
	prometheus.MustRegister(collector)

	go serveMetrics(*listenAddr, logger)

	waitForShutdown(logger)
	logger.Info("uplinkctl: shutting down")
	uplink.Stop(true)
}

func serveMetrics(addr string, logger logrus.FieldLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	logger.WithField("addr", addr).Info("uplinkctl: serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.WithError(err).Fatal("uplinkctl: metrics server failed")
	}
}

func waitForShutdown(logger logrus.FieldLogger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.WithField("signal", sig).Info("uplinkctl: received shutdown signal")
}
