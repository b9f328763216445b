package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gymcore",
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "HTTP requests by route pattern and status code.",
}, []string{"method", "route", "status"})

func init() {
	prometheus.MustRegister(httpRequestsTotal)
}

// observeRequest counts a finished request under its chi route pattern so
// that path parameters do not explode the label set.
func observeRequest(r *http.Request, status int) {
	route := "unmatched"
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			route = p
		}
	}
	httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
}

// metricsHandler serves the default Prometheus registry.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}
