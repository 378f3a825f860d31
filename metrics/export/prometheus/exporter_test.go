package prometheus

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	vigil "github.com/vigilkit/vigil"
)

type fakeSource struct {
	snapshot vigil.MetricsSnapshot
	dropped  uint64
}

func (f fakeSource) MetricsSnapshot() vigil.MetricsSnapshot { return f.snapshot }
func (f fakeSource) AuditDropped() uint64                   { return f.dropped }

func TestRenderEmptyWhenMetricsDisabled(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: vigil.MetricsSnapshot{
			Counters:   map[vigil.MetricID]uint64{},
			Histograms: map[vigil.MetricID][]uint64{},
		},
	})

	if got := exp.Render(); got != "" {
		t.Fatalf("expected empty output for disabled metrics, got:\n%s", got)
	}
}

func TestRenderIncludesCountersAndHistogram(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: vigil.MetricsSnapshot{
			Counters: map[vigil.MetricID]uint64{
				vigil.MetricLoginSuccess:   7,
				vigil.MetricBreachDetected: 2,
			},
			Histograms: map[vigil.MetricID][]uint64{
				vigil.MetricValidateLatency: {1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
		dropped: 2,
	})

	out := exp.Render()
	if !strings.Contains(out, "vigil_login_success_total 7") {
		t.Fatalf("expected login_success counter in output, got:\n%s", out)
	}
	if !strings.Contains(out, "vigil_breach_detected_total 2") {
		t.Fatalf("expected breach_detected counter in output, got:\n%s", out)
	}
	if !strings.Contains(out, "vigil_validate_latency_seconds_bucket{le=\"0.005\"} 1") {
		t.Fatalf("expected first histogram bucket in output, got:\n%s", out)
	}
	if !strings.Contains(out, "vigil_validate_latency_seconds_bucket{le=\"+Inf\"} 36") {
		t.Fatalf("expected +Inf cumulative bucket in output, got:\n%s", out)
	}
	if !strings.Contains(out, "vigil_validate_latency_seconds_count 36") {
		t.Fatalf("expected histogram count in output, got:\n%s", out)
	}
	if !strings.Contains(out, "vigil_audit_dropped_total 2") {
		t.Fatalf("expected audit dropped counter in output, got:\n%s", out)
	}
}

func TestHandlerServesExposition(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: vigil.MetricsSnapshot{
			Counters: map[vigil.MetricID]uint64{
				vigil.MetricValidateSuccess: 1,
			},
			Histograms: map[vigil.MetricID][]uint64{},
		},
	})

	srv := httptest.NewServer(exp.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body failed: %v", err)
	}
	if !strings.Contains(string(body), "vigil_validate_success_total 1") {
		t.Fatalf("expected counter in body, got:\n%s", body)
	}
}

func TestRenderNilExporter(t *testing.T) {
	var exp *PrometheusExporter
	if got := exp.Render(); got != "" {
		t.Fatalf("nil exporter must render empty, got %q", got)
	}
}
