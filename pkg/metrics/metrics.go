package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "packageserver"

// Metrics is the structure that holds all prometheus metrics
var (
	// RepairBatchesCounter counts the asset batches processed by the repair task
	RepairBatchesCounter = newCounterVec(
		"repair_batches_count",
		"Number of asset batches processed during package root repair",
	)
	// RepairedPackageRootsCounter counts the package roots rewritten with corrected checksums
	RepairedPackageRootsCounter = newCounterVec(
		"repair_package_roots_repaired_count",
		"Number of package roots replaced with corrected checksum metadata",
	)
	// RepairHashFailedCounter counts integrity recalculations that failed reading blob bytes
	RepairHashFailedCounter = newCounterVec(
		"repair_hash_failed_count",
		"Number of failures to recompute a digest over blob content",
	)
	// RepairMissingBlobCounter counts tarball assets skipped for lack of a blob
	RepairMissingBlobCounter = newCounterVec(
		"repair_missing_blob_count",
		"Number of tarball assets skipped because their blob could not be found",
	)
	// RepairDuration observes the duration of each per-repository repair pass
	RepairDuration = newSummaryVec(
		"repair_repository_duration_seconds",
		"Duration in seconds of the repair pass over one repository",
	)
	// PublishedTarballsCounter counts tarballs accepted by the hosted publish path
	PublishedTarballsCounter = newCounterVec(
		"published_tarballs_count",
		"Number of tarballs published to hosted repositories",
	)
)

func newSummaryVec(name, help string, labels ...string) *prometheus.SummaryVec {
	vec := prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, labels)
	prometheus.MustRegister(vec)
	return vec
}

func newCounterVec(name, help string, labels ...string) *prometheus.CounterVec {
	vec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, labels)
	prometheus.MustRegister(vec)
	return vec
}
