package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qwen3-go/internal/telemetry"
)

func serveMetrics(addr string) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		telemetry.Log.Info("serving metrics", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			telemetry.Log.Error("metrics server exited", "error", err.Error())
		}
	}()
}
