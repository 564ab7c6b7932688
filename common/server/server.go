package server

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noetl/noetl/common/logger"
)

// StartMetrics serves the prometheus handler on its own port.
// Runs in the background; errors are logged, not fatal.
func StartMetrics(port int, log *logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		addr := fmt.Sprintf(":%d", port)
		log.Info("metrics server starting", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Warn("metrics server stopped", "error", err)
		}
	}()
}
