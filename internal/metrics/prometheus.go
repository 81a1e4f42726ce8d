package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
)

const metricName = "roomloop_events_total"

// WriteText renders every counter in the Prometheus text exposition format:
// one counter metric with an event label per registry entry. Event names are
// ASCII identifiers, so %q escaping satisfies the label syntax.
func (m *Metrics) WriteText(w io.Writer) {
	snap := m.Snapshot()
	events := make([]string, 0, len(snap))
	for event := range snap {
		events = append(events, event)
	}
	sort.Strings(events)

	fmt.Fprintf(w, "# HELP %s Internal event counters.\n", metricName)
	fmt.Fprintf(w, "# TYPE %s counter\n", metricName)
	for _, event := range events {
		fmt.Fprintf(w, "%s{event=%q} %d\n", metricName, event, snap[event])
	}
}

// PrometheusHandler serves the registry for scraping.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		m.WriteText(w)
	})
}
