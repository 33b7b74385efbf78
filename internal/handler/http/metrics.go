package http

import (
	"fmt"
	"net/http"
)

// handleMetrics writes a minimal hand-rolled Prometheus text exposition
// (no client library dependency: this is a handful of gauges/counters,
// not a library of collectors). TUI `hub top` polls this same endpoint.
func handleMetrics(stats Stats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		fmt.Fprintln(w, "# HELP syncmesh_hub_connected_sessions Currently connected branch sessions across all tenants.")
		fmt.Fprintln(w, "# TYPE syncmesh_hub_connected_sessions gauge")
		fmt.Fprintf(w, "syncmesh_hub_connected_sessions %d\n", stats.Size())

		fmt.Fprintln(w, "# HELP syncmesh_hub_displacements_total Sessions displaced by a newer handshake for the same branch.")
		fmt.Fprintln(w, "# TYPE syncmesh_hub_displacements_total counter")
		fmt.Fprintf(w, "syncmesh_hub_displacements_total %d\n", stats.Displacements())
	}
}
