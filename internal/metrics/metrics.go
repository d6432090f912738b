// Package metrics registers the Prometheus counters clawbox's components
// observe and writes them to a node_exporter textfile-collector path at the
// end of each successful invocation. There is no HTTP server; the textfile collector is
// the only export path.
package metrics

import (
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

var (
	lockAcquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawbox_lock_acquisitions_total",
			Help: "Total path-lock acquisitions, by outcome.",
		},
		[]string{"outcome"},
	)

	lockContentions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clawbox_lock_contentions_total",
			Help: "Total times a lock acquisition observed an existing, live-owned lock directory.",
		},
	)

	lockReclamations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clawbox_lock_reclamations_total",
			Help: "Total times a lock acquisition reclaimed an abandoned lock directory.",
		},
	)

	watcherStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawbox_watcher_starts_total",
			Help: "Total watcher start attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	watcherStops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clawbox_watcher_stops_total",
			Help: "Total watcher stop invocations.",
		},
	)

	watcherReconciliations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawbox_watcher_reconciliations_total",
			Help: "Total reconciliation outcomes across all watcher records, by outcome.",
		},
		[]string{"outcome"},
	)

	syncActivations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawbox_sync_activate_total",
			Help: "Total sync session activation attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	syncTeardowns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawbox_sync_teardown_total",
			Help: "Total sync session teardown attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	provisionMarkerMismatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clawbox_provision_marker_mismatches_total",
			Help: "Total times an 'up' invocation found an existing provision marker incompatible with the requested options.",
		},
	)
)

func init() {
	prometheus.MustRegister(lockAcquisitions)
	prometheus.MustRegister(lockContentions)
	prometheus.MustRegister(lockReclamations)
	prometheus.MustRegister(watcherStarts)
	prometheus.MustRegister(watcherStops)
	prometheus.MustRegister(watcherReconciliations)
	prometheus.MustRegister(syncActivations)
	prometheus.MustRegister(syncTeardowns)
	prometheus.MustRegister(provisionMarkerMismatches)

	for _, outcome := range []string{"acquired", "failed"} {
		lockAcquisitions.WithLabelValues(outcome)
	}
	for _, outcome := range []string{"started", "already_running", "failed"} {
		watcherStarts.WithLabelValues(outcome)
	}
	for _, outcome := range []string{"dropped_dead", "stopped_vm_gone", "ok"} {
		watcherReconciliations.WithLabelValues(outcome)
	}
	for _, outcome := range []string{"ok", "error"} {
		syncActivations.WithLabelValues(outcome)
		syncTeardowns.WithLabelValues(outcome)
	}
}

// RecordLockAcquired increments the lock-acquisition counter for outcome
// ("acquired" or "failed"), plus contention/reclamation counters when they
// occurred along the way.
func RecordLockAcquired(outcome string, contended, reclaimed bool) {
	lockAcquisitions.WithLabelValues(outcome).Inc()
	if contended {
		lockContentions.Inc()
	}
	if reclaimed {
		lockReclamations.Inc()
	}
}

// RecordWatcherStart increments the watcher-start counter for outcome
// ("started", "already_running", or "failed").
func RecordWatcherStart(outcome string) { watcherStarts.WithLabelValues(outcome).Inc() }

// RecordWatcherStop increments the watcher-stop counter.
func RecordWatcherStop() { watcherStops.Inc() }

// RecordWatcherReconciliation increments the reconciliation-outcome counter
// ("dropped_dead", "stopped_vm_gone", or "ok").
func RecordWatcherReconciliation(outcome string) { watcherReconciliations.WithLabelValues(outcome).Inc() }

// RecordSyncActivate increments the sync-activation counter for outcome
// ("ok" or "error").
func RecordSyncActivate(outcome string) { syncActivations.WithLabelValues(outcome).Inc() }

// RecordSyncTeardown increments the sync-teardown counter for outcome
// ("ok" or "error").
func RecordSyncTeardown(outcome string) { syncTeardowns.WithLabelValues(outcome).Inc() }

// RecordProvisionMarkerMismatch increments the provision-marker-mismatch
// counter.
func RecordProvisionMarkerMismatch() { provisionMarkerMismatches.Inc() }

// WriteTextfile renders the default registry in the Prometheus text exposition
// format and writes it atomically to <stateDir>/metrics/clawbox.prom, the path
// a local node_exporter textfile collector would be configured to scrape.
func WriteTextfile(stateDir string) error {
	dir := filepath.Join(stateDir, "metrics")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, "clawbox.prom")

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".clawbox.prom.tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	enc := expfmt.NewEncoder(tmp, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
