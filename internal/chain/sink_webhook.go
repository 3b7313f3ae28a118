package chain

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/zmlAEQ/Aequa-gateway/pkg/logger"
	"github.com/zmlAEQ/Aequa-gateway/pkg/metrics"
)

// WebhookSink posts each BundleRecord as JSON; best-effort.
type WebhookSink struct {
	URL     string
	Timeout time.Duration
}

func (w WebhookSink) Publish(r BundleRecord) {
	if w.URL == "" {
		return
	}
	payload, err := json.Marshal(r)
	if err != nil {
		w.fail("marshal_error", err)
		return
	}
	client := &http.Client{Timeout: w.timeout()}
	req, err := http.NewRequest(http.MethodPost, w.URL, bytes.NewReader(payload))
	if err != nil {
		w.fail("request_error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if r.TraceID != "" {
		req.Header.Set("X-Trace-Id", r.TraceID)
	}
	resp, err := client.Do(req)
	if err != nil {
		w.fail("post_error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		metrics.Inc("bundle_sink_total", map[string]string{"result": "remote_error"})
		logger.ErrorJ("bundle_sink", map[string]any{"result": "remote_error", "code": resp.StatusCode, "height": r.Height})
		return
	}
	metrics.Inc("bundle_sink_total", map[string]string{"result": "ok"})
	logger.InfoJ("bundle_sink", map[string]any{"result": "ok", "code": resp.StatusCode, "height": r.Height})
}

func (w WebhookSink) fail(result string, err error) {
	metrics.Inc("bundle_sink_total", map[string]string{"result": result})
	logger.ErrorJ("bundle_sink", map[string]any{"result": result, "err": err.Error()})
}

func (w WebhookSink) timeout() time.Duration {
	if w.Timeout > 0 {
		return w.Timeout
	}
	return 500 * time.Millisecond
}
