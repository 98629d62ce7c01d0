package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nodex-sh/nodex/internal/record"
)

func scrape(t *testing.T, r *Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("scrape status %d", rec.Code)
	}
	return rec.Body.String()
}

func TestObserveAndScrape(t *testing.T) {
	r := New()
	r.Observe(record.MetricSample{Name: "web", PID: 42, CPUPercent: 12.5, RSSBytes: 1024})
	r.SetState("web", record.StateRunning)
	r.IncRestart("web", "crash")

	body := scrape(t, r)
	for _, want := range []string{
		`nodex_app_cpu_percent{app="web"} 12.5`,
		`nodex_app_memory_rss_bytes{app="web"} 1024`,
		`nodex_app_state{app="web",state="running"} 1`,
		`nodex_app_state{app="web",state="stopped"} 0`,
		`nodex_app_restarts_total{app="web",reason="crash"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("scrape missing %q", want)
		}
	}
}

func TestAbsentSampleZeroesGauges(t *testing.T) {
	r := New()
	r.Observe(record.MetricSample{Name: "web", PID: 42, CPUPercent: 50, RSSBytes: 2048})
	r.Observe(record.MetricSample{Name: "web"})
	body := scrape(t, r)
	if !strings.Contains(body, `nodex_app_cpu_percent{app="web"} 0`) {
		t.Fatalf("cpu gauge not zeroed:\n%s", body)
	}
}

func TestRemoveDropsSeries(t *testing.T) {
	r := New()
	r.Observe(record.MetricSample{Name: "gone", PID: 9, RSSBytes: 1})
	r.SetState("gone", record.StateRunning)
	r.Remove("gone")
	if body := scrape(t, r); strings.Contains(body, `app="gone"`) {
		t.Fatalf("series for cleared app still exported")
	}
}
