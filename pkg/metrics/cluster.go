package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ClusterMetrics collects counters shared by the registry, name and data
// services. Every method is a no-op on a nil receiver, so a component can
// hold a *ClusterMetrics unconditionally and skip the IsEnabled() check at
// every call site.
type ClusterMetrics struct {
	uploads          *prometheus.CounterVec
	uploadBytes      prometheus.Counter
	downloads        *prometheus.CounterVec
	admissionDecisions *prometheus.CounterVec
	registryNodes    *prometheus.GaugeVec
}

// NewClusterMetrics registers and returns a ClusterMetrics instance, or nil
// if metrics are disabled.
func NewClusterMetrics() *ClusterMetrics {
	if !IsEnabled() {
		return nil
	}
	f := promauto.With(GetRegistry())
	return &ClusterMetrics{
		uploads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hashgrid_uploads_total",
			Help: "Completed blob uploads by result.",
		}, []string{"result"}),
		uploadBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "hashgrid_upload_bytes_total",
			Help: "Total bytes received by data services across all uploads.",
		}),
		downloads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hashgrid_downloads_total",
			Help: "Completed blob downloads by result.",
		}, []string{"result"}),
		admissionDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hashgrid_admission_decisions_total",
			Help: "PreUpload admission decisions by outcome.",
		}, []string{"decision"}),
		registryNodes: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hashgrid_registry_nodes",
			Help: "Nodes currently tracked by a registry, by role.",
		}, []string{"role"}),
	}
}

func (m *ClusterMetrics) ObserveUpload(ok bool, bytes int64) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "error"
	}
	m.uploads.WithLabelValues(result).Inc()
	if ok {
		m.uploadBytes.Add(float64(bytes))
	}
}

func (m *ClusterMetrics) ObserveDownload(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "error"
	}
	m.downloads.WithLabelValues(result).Inc()
}

func (m *ClusterMetrics) ObserveAdmission(decision string) {
	if m == nil {
		return
	}
	m.admissionDecisions.WithLabelValues(decision).Inc()
}

func (m *ClusterMetrics) SetRegistryNodeCount(role string, count int) {
	if m == nil {
		return
	}
	m.registryNodes.WithLabelValues(role).Set(float64(count))
}
