package p2p

// Metric families emitted by the transport.
const (
	MetricP2PMessagesTotal = "p2p_msgs_total"         // {topic,direction,result}
	MetricP2PBytesTotal    = "p2p_bytes_total"        // {topic,direction}
	MetricRateLimitedTotal = "p2p_rate_limited_total" // {kind}
	MetricInflight         = "p2p_inflight"
)
