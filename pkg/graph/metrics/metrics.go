package metrics

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// System metrics
	SystemMemoryUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kgraph_system_memory_bytes",
		Help: "Current system memory usage",
	})

	SystemGoroutines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kgraph_system_goroutines",
		Help: "Number of goroutines",
	})

	// Job queue metrics
	JobQueueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kgraph_job_queue_length",
			Help: "Number of jobs waiting on a project's queue",
		},
		[]string{"project"},
	)

	JobsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kgraph_jobs_rejected_total",
			Help: "Jobs refused because the project's queue was full",
		},
		[]string{"project"},
	)

	// Graph metrics
	GraphNodeCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kgraph_graph_nodes",
			Help: "Number of nodes in a project's graph",
		},
		[]string{"project"},
	)

	GraphEdgeCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kgraph_graph_edges",
			Help: "Number of edges in a project's graph",
		},
		[]string{"project"},
	)

	Commits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kgraph_store_commits_total",
			Help: "Store transactions by outcome",
		},
		[]string{"status"},
	)

	// Pipeline metrics
	BootstrapStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kgraph_bootstrap_stage_duration_seconds",
			Help:    "Time spent in each bootstrap stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	BootstrapFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kgraph_bootstrap_failures_total",
			Help: "Bootstrap runs aborted, by failing stage",
		},
		[]string{"stage"},
	)

	ExtractionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kgraph_extraction_duration_seconds",
			Help:    "Time spent extracting one document",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"status"},
	)

	DocumentProcessingErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kgraph_document_processing_errors_total",
			Help: "Total number of document processing errors",
		},
		[]string{"processor", "error_type"},
	)

	CandidatesProposed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kgraph_candidates_proposed_total",
			Help: "Node and edge candidates proposed by extractors",
		},
		[]string{"extractor", "kind"},
	)

	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kgraph_llm_requests_total",
			Help: "Chat completion requests, by purpose and status",
		},
		[]string{"purpose", "status"},
	)

	// Confirmation metrics
	DiscoveriesQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kgraph_discoveries_queued_total",
			Help: "Discoveries queued for confirmation, by reason",
		},
		[]string{"reason"},
	)

	Decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kgraph_decisions_total",
			Help: "Discovery decisions, by decision",
		},
		[]string{"decision"},
	)
)

// UpdateSystemMetrics updates system-level metrics
func UpdateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	SystemMemoryUsage.Set(float64(m.Alloc))
	SystemGoroutines.Set(float64(runtime.NumGoroutine()))
}

// ObserveGraph records the size of a project's graph
func ObserveGraph(projectID string, nodes, edges int) {
	GraphNodeCount.WithLabelValues(projectID).Set(float64(nodes))
	GraphEdgeCount.WithLabelValues(projectID).Set(float64(edges))
}
