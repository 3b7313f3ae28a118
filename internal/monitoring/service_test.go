package monitoring

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/zmlAEQ/Aequa-gateway/pkg/metrics"
)

func TestHandler_MetricsAndHealth(t *testing.T) {
	metrics.Reset()
	metrics.Inc("gateway_bundles_total", map[string]string{"mode": "process", "result": "ok"})
	srv := httptest.NewServer(New(":0").Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `gateway_bundles_total{mode="process",result="ok"} 1`) {
		t.Fatalf("metrics body missing counter:\n%s", body)
	}

	resp, err = http.Get(srv.URL + "/health")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %v %v", resp, err)
	}
	resp.Body.Close()
}

func TestService_StartStop(t *testing.T) {
	s := New("127.0.0.1:0")
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
