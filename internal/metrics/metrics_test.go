package metrics

import (
	"bytes"
	"strings"
	"testing"
)

func TestWritePrometheusIncludesCounters(t *testing.T) {
	m := New()
	m.AdmissionsNew.Inc()
	m.DropsHostileSource.Inc()
	m.DropsHostileSource.Inc()

	var buf bytes.Buffer
	m.WritePrometheus(&buf)
	out := buf.String()

	if !strings.Contains(out, `cncrelay_admissions_total{result="new"} 1`) {
		t.Fatalf("expected admissions counter in output, got:\n%s", out)
	}
	if !strings.Contains(out, `cncrelay_drops_total{reason="hostile_source"} 2`) {
		t.Fatalf("expected drops counter in output, got:\n%s", out)
	}
}

func TestNewReturnsIndependentSets(t *testing.T) {
	a := New()
	b := New()
	a.ForwardsOK.Inc()
	if got := b.ForwardsOK.Get(); got != 0 {
		t.Fatalf("second Metrics instance should start at 0, got %d", got)
	}
}
