package bus

import (
	"context"

	"github.com/zmlAEQ/Aequa-gateway/pkg/metrics"
)

type Kind string

// KindBundle carries an aggregated bundle ready for the gateway.
const KindBundle Kind = "bundle"

type Event struct {
	Kind    Kind
	Height  uint64
	Body    any
	TraceID string
}

type Subscriber <-chan Event

type Bus struct {
	pub chan Event
}

func New(size int) *Bus {
	if size <= 0 {
		size = 128
	}
	return &Bus{pub: make(chan Event, size)}
}

// Publish enqueues ev, dropping it when the buffer is full.
func (b *Bus) Publish(_ context.Context, ev Event) bool {
	select {
	case b.pub <- ev:
		return true
	default:
		metrics.Inc("bus_dropped_total", map[string]string{"kind": string(ev.Kind)})
		return false
	}
}

func (b *Bus) Subscribe() Subscriber { return b.pub }
