package chain

// BundleRecord summarises one processed bundle for downstream sinks.
type BundleRecord struct {
	Height    uint64   `json:"height"`
	Time      uint64   `json:"time"`
	Hash      string   `json:"hash,omitempty"`
	TraceID   string   `json:"trace_id,omitempty"`
	Ops       int      `json:"ops"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Rejected  bool     `json:"rejected"`
	Error     string   `json:"error,omitempty"`
	Wallets   []string `json:"wallets,omitempty"`
}

// Sink receives bundle records. Implementations must return quickly; errors
// stay inside the sink.
type Sink interface {
	Publish(BundleRecord)
}

type noopSink struct{}

func (noopSink) Publish(BundleRecord) {}
