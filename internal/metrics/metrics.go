// Package metrics exposes Prometheus instrumentation for the protocol
// core. It uses a package-local registry (not prometheus.DefaultRegisterer)
// so an embedding application can scrape this module's metrics without
// colliding with its own default registry, the same convention the teacher
// module used for its own metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "protocol"

// Registry collects every metric this package registers.
var Registry = prometheus.NewRegistry()
