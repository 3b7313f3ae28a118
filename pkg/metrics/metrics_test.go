package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCountersAndGauges(t *testing.T) {
	Reset()
	Inc("gateway_bundles_total", map[string]string{"result": "ok"})
	Inc("gateway_bundles_total", map[string]string{"result": "ok"})
	Inc("gateway_bundles_total", map[string]string{"result": "rejected"})
	AddGauge("relay_pool_size", nil, 3)
	AddGauge("relay_pool_size", nil, -1)

	dump := DumpProm()
	for _, want := range []string{
		`gateway_bundles_total{result="ok"} 2`,
		`gateway_bundles_total{result="rejected"} 1`,
		`relay_pool_size 2`,
	} {
		if !strings.Contains(dump, want) {
			t.Fatalf("missing %q in %q", want, dump)
		}
	}
}

func TestMismatchedLabelsDropped(t *testing.T) {
	Reset()
	Inc("x_total", map[string]string{"a": "1"})
	Inc("x_total", map[string]string{"b": "1"})
	dump := DumpProm()
	if strings.Contains(dump, `b="1"`) {
		t.Fatalf("unexpected label set: %q", dump)
	}
}

func TestSummaryAndReset(t *testing.T) {
	Reset()
	ObserveSummary("gateway_process_ms", map[string]string{"op": "process"}, 5)
	if !strings.Contains(DumpProm(), `gateway_process_ms_count{op="process"} 1`) {
		t.Fatalf("summary count missing: %q", DumpProm())
	}
	Reset()
	if strings.Contains(DumpProm(), "gateway_process_ms") {
		t.Fatalf("reset did not clear registry")
	}
}

func TestHandlerServesCurrentRegistry(t *testing.T) {
	Reset()
	Inc("api_requests_total", map[string]string{"route": "health"})
	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)
	if !strings.Contains(string(body), `api_requests_total{route="health"} 1`) {
		t.Fatalf("handler body: %q", body)
	}
}
