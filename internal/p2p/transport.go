package p2p

import (
	"context"

	"github.com/zmlAEQ/Aequa-gateway/internal/bundle"
)

// OperationHandler receives operations gossiped by other relays.
type OperationHandler func(ctx context.Context, so bundle.SignedOperation)

// Transport shares signed operations between relays.
type Transport interface {
	// Start brings up the network stack and subscriptions.
	Start(ctx context.Context) error
	// Stop shuts down the network stack and subscriptions.
	Stop(ctx context.Context) error

	// BroadcastOperation publishes a signed operation to the operation topic.
	BroadcastOperation(ctx context.Context, so bundle.SignedOperation) error
	// OnOperation registers the handler for inbound operations.
	OnOperation(fn OperationHandler)
}

// NoopTransport is used when P2P is disabled.
type NoopTransport struct {
	onOp OperationHandler
}

func (n *NoopTransport) Start(_ context.Context) error { return nil }
func (n *NoopTransport) Stop(_ context.Context) error  { return nil }

func (n *NoopTransport) BroadcastOperation(_ context.Context, _ bundle.SignedOperation) error {
	return nil
}

func (n *NoopTransport) OnOperation(fn OperationHandler) { n.onOp = fn }
