//go:build p2p

package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	p2phost "github.com/libp2p/go-libp2p/core/host"
	peer "github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/zmlAEQ/Aequa-gateway/internal/bundle"
	"github.com/zmlAEQ/Aequa-gateway/internal/p2p/wire"
	"github.com/zmlAEQ/Aequa-gateway/pkg/logger"
	"github.com/zmlAEQ/Aequa-gateway/pkg/metrics"
)

var errNotStarted = errors.New("p2p not started")

// BuildTransport constructs a libp2p+gossipsub transport.
func BuildTransport(cfg NetConfig) (Transport, error) {
	return &Libp2pTransport{cfg: cfg, lim: NewLimiter(cfg.MaxInflight)}, nil
}

// Libp2pTransport gossips signed operations over one pubsub topic.
type Libp2pTransport struct {
	cfg    NetConfig
	lim    *Limiter
	host   p2phost.Host
	ps     *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	onOp   OperationHandler
	cancel context.CancelFunc
}

func (t *Libp2pTransport) Start(ctx context.Context) error {
	if !t.cfg.Enable {
		return nil
	}
	opts := []libp2p.Option{}
	if len(t.cfg.Listen) > 0 {
		var addrs []ma.Multiaddr
		for _, s := range t.cfg.Listen {
			if strings.TrimSpace(s) == "" {
				continue
			}
			a, err := ma.NewMultiaddr(s)
			if err != nil {
				return err
			}
			addrs = append(addrs, a)
		}
		if len(addrs) > 0 {
			opts = append(opts, libp2p.ListenAddrs(addrs...))
		}
	}
	if t.cfg.NAT {
		opts = append(opts, libp2p.NATPortMap())
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return err
	}
	t.host = h
	ctx, t.cancel = context.WithCancel(ctx)
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return err
	}
	t.ps = ps
	if t.topic, err = ps.Join(wire.TopicOperation); err != nil {
		return err
	}
	if t.sub, err = t.topic.Subscribe(); err != nil {
		return err
	}

	// connect bootnodes (best effort)
	for _, b := range t.cfg.Bootnodes {
		if err := connectOnce(ctx, h, b); err != nil {
			logger.ErrorJ("p2p_bootnode", map[string]any{"addr": b, "err": err.Error()})
		}
	}
	for _, a := range h.Addrs() {
		logger.InfoJ("p2p_addr", map[string]any{"self_id": h.ID().String(), "addr": a.String()})
	}

	go t.loopOperations(ctx)
	logger.InfoJ("p2p_start", map[string]any{"result": "ok"})
	return nil
}

func (t *Libp2pTransport) Stop(_ context.Context) error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.sub != nil {
		t.sub.Cancel()
	}
	if t.topic != nil {
		_ = t.topic.Close()
	}
	if t.host != nil {
		return t.host.Close()
	}
	return nil
}

func (t *Libp2pTransport) BroadcastOperation(ctx context.Context, so bundle.SignedOperation) error {
	if t.topic == nil {
		return errNotStarted
	}
	b, err := json.Marshal(wire.FromSignedOperation(so))
	if err != nil {
		return err
	}
	if err := t.topic.Publish(ctx, b); err != nil {
		metrics.Inc(MetricP2PMessagesTotal, map[string]string{"topic": wire.TopicOperation, "direction": "tx", "result": "error"})
		return err
	}
	metrics.Inc(MetricP2PMessagesTotal, map[string]string{"topic": wire.TopicOperation, "direction": "tx", "result": "ok"})
	metrics.Add(MetricP2PBytesTotal, map[string]string{"topic": wire.TopicOperation, "direction": "tx"}, float64(len(b)))
	return nil
}

func (t *Libp2pTransport) OnOperation(fn OperationHandler) { t.onOp = fn }

func (t *Libp2pTransport) loopOperations(ctx context.Context) {
	for {
		m, err := t.sub.Next(ctx)
		if err != nil {
			return
		}
		if m.ReceivedFrom == t.host.ID() {
			continue
		}
		var w wire.SignedOperation
		if err := json.Unmarshal(m.Data, &w); err != nil {
			metrics.Inc(MetricP2PMessagesTotal, map[string]string{"topic": wire.TopicOperation, "direction": "rx", "result": "decode_error"})
			continue
		}
		so, err := w.ToInternal()
		if err != nil {
			metrics.Inc(MetricP2PMessagesTotal, map[string]string{"topic": wire.TopicOperation, "direction": "rx", "result": "decode_error"})
			continue
		}
		metrics.Add(MetricP2PBytesTotal, map[string]string{"topic": wire.TopicOperation, "direction": "rx"}, float64(len(m.Data)))
		result := "ok"
		if !t.lim.Dispatch(ctx, t.onOp, so) {
			result = "dropped"
		}
		metrics.Inc(MetricP2PMessagesTotal, map[string]string{"topic": wire.TopicOperation, "direction": "rx", "result": result})
	}
}

func connectOnce(ctx context.Context, h p2phost.Host, addr string) error {
	maAddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(maAddr)
	if err != nil {
		return err
	}
	ctx2, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return h.Connect(ctx2, *info)
}
