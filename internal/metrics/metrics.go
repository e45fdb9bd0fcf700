// Package metrics holds the process's counter registry, backed by
// VictoriaMetrics/metrics so the relay can expose a /metrics Prometheus
// endpoint without a hand-rolled exposition format.
package metrics

import (
	"io"
	"net/http"

	"github.com/VictoriaMetrics/metrics"
)

// Metrics is the full counter set for one relay process. Every field is
// initialized by New; none are created lazily, so the exposition always
// includes the full set of series even before any traffic arrives.
type Metrics struct {
	set *metrics.Set

	AdmissionsNew       *metrics.Counter
	AdmissionsRefreshed *metrics.Counter
	AdmissionsRebound   *metrics.Counter

	DropsHostileSource      *metrics.Counter
	DropsMalformed          *metrics.Counter
	DropsTableFull          *metrics.Counter
	DropsIPLimit            *metrics.Counter
	DropsMaintenanceGated   *metrics.Counter
	DropsUnknownReceiver    *metrics.Counter
	DropsSelfEcho           *metrics.Counter

	ForwardsOK *metrics.Counter

	PingsReplied  *metrics.Counter
	PingsDropped  *metrics.Counter

	MaintenanceApplied       *metrics.Counter
	MaintenanceAuthFailure   *metrics.Counter
	MaintenanceRateLimited   *metrics.Counter
	MaintenanceNoPassword    *metrics.Counter

	ReflectionReplied *metrics.Counter
	ReflectionDropped *metrics.Counter

	HeartbeatEvictions      *metrics.Counter
	HeartbeatAnnounceOK     *metrics.Counter
	HeartbeatAnnounceFailed *metrics.Counter
	HeartbeatAnnounceSkipped *metrics.Counter
}

// New constructs a fresh, independent counter set. Production code calls
// this once at startup; tests may call it as many times as needed since each
// call returns its own *metrics.Set.
func New() *Metrics {
	set := metrics.NewSet()
	m := &Metrics{
		set: set,

		AdmissionsNew:       set.NewCounter(`cncrelay_admissions_total{result="new"}`),
		AdmissionsRefreshed: set.NewCounter(`cncrelay_admissions_total{result="refreshed"}`),
		AdmissionsRebound:   set.NewCounter(`cncrelay_admissions_total{result="rebound"}`),

		DropsHostileSource:    set.NewCounter(`cncrelay_drops_total{reason="hostile_source"}`),
		DropsMalformed:        set.NewCounter(`cncrelay_drops_total{reason="malformed"}`),
		DropsTableFull:        set.NewCounter(`cncrelay_drops_total{reason="table_full"}`),
		DropsIPLimit:          set.NewCounter(`cncrelay_drops_total{reason="ip_limit"}`),
		DropsMaintenanceGated: set.NewCounter(`cncrelay_drops_total{reason="maintenance_gated"}`),
		DropsUnknownReceiver:  set.NewCounter(`cncrelay_drops_total{reason="unknown_receiver"}`),
		DropsSelfEcho:         set.NewCounter(`cncrelay_drops_total{reason="self_echo"}`),

		ForwardsOK: set.NewCounter(`cncrelay_forwards_total{result="ok"}`),

		PingsReplied: set.NewCounter(`cncrelay_pings_total{result="replied"}`),
		PingsDropped: set.NewCounter(`cncrelay_pings_total{result="dropped"}`),

		MaintenanceApplied:     set.NewCounter(`cncrelay_maintenance_commands_total{result="applied"}`),
		MaintenanceAuthFailure: set.NewCounter(`cncrelay_maintenance_commands_total{result="auth_failure"}`),
		MaintenanceRateLimited: set.NewCounter(`cncrelay_maintenance_commands_total{result="rate_limited"}`),
		MaintenanceNoPassword:  set.NewCounter(`cncrelay_maintenance_commands_total{result="no_password"}`),

		ReflectionReplied: set.NewCounter(`cncrelay_reflection_requests_total{result="replied"}`),
		ReflectionDropped: set.NewCounter(`cncrelay_reflection_requests_total{result="dropped"}`),

		HeartbeatEvictions:       set.NewCounter(`cncrelay_heartbeat_evictions_total`),
		HeartbeatAnnounceOK:      set.NewCounter(`cncrelay_heartbeat_announce_total{result="ok"}`),
		HeartbeatAnnounceFailed:  set.NewCounter(`cncrelay_heartbeat_announce_total{result="failed"}`),
		HeartbeatAnnounceSkipped: set.NewCounter(`cncrelay_heartbeat_announce_total{result="skipped"}`),
	}
	return m
}

// WritePrometheus writes every counter in Prometheus exposition format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}

// Handler serves the counter set in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		m.WritePrometheus(w)
	})
}
