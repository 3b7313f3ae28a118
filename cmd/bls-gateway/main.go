package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/zmlAEQ/Aequa-gateway/internal/api"
	"github.com/zmlAEQ/Aequa-gateway/internal/blocktracker"
	"github.com/zmlAEQ/Aequa-gateway/internal/bundle"
	"github.com/zmlAEQ/Aequa-gateway/internal/chain"
	"github.com/zmlAEQ/Aequa-gateway/internal/config"
	"github.com/zmlAEQ/Aequa-gateway/internal/ledger"
	"github.com/zmlAEQ/Aequa-gateway/internal/monitoring"
	"github.com/zmlAEQ/Aequa-gateway/internal/p2p"
	"github.com/zmlAEQ/Aequa-gateway/internal/relay"
	"github.com/zmlAEQ/Aequa-gateway/pkg/bus"
	"github.com/zmlAEQ/Aequa-gateway/pkg/lifecycle"
	"github.com/zmlAEQ/Aequa-gateway/pkg/logger"
)

var devGenesis = config.Genesis{
	ChainID:  31337,
	Gateways: []common.Address{common.HexToAddress("0x6a7e000000000000000000000000000000000001")},
}

func main() {
	var (
		genesisPath string
		apiAddr     string
		monAddr     string
		apiRPS      float64
		apiBurst    int
		relayAddr   string
		maxBundle   int
		gatherWait  time.Duration
		threshold   int
		pollEvery   time.Duration
		ckptPath    string
		ckptEvery   uint64
		sinkURL     string
		p2pEnable   bool
		p2pListen   string
		p2pBoot     string
		p2pNAT      bool
		p2pInflight int64
	)
	flag.StringVar(&genesisPath, "genesis", "", "Genesis JSON file; empty starts a single-gateway dev chain")
	flag.StringVar(&apiAddr, "api", "127.0.0.1:4600", "HTTP API listen address")
	flag.StringVar(&monAddr, "monitoring", "127.0.0.1:4620", "Monitoring listen address")
	flag.Float64Var(&apiRPS, "api.rps", 50, "API requests per second (0 disables limiting)")
	flag.IntVar(&apiBurst, "api.burst", 100, "API burst size")
	flag.StringVar(&relayAddr, "relay.address", "0x5e1a000000000000000000000000000000000001", "Account that submits bundles and receives rewards")
	flag.IntVar(&maxBundle, "relay.max-bundle", 64, "Maximum operations per bundle")
	flag.DurationVar(&gatherWait, "relay.gather-timeout", 2*time.Second, "Longest wait before a partial bundle is flushed")
	flag.IntVar(&threshold, "relay.threshold", 32, "Ready operations that trigger an early flush")
	flag.DurationVar(&pollEvery, "blocks.poll", 4*time.Second, "Block tracker poll interval")
	flag.StringVar(&ckptPath, "checkpoint", "", "Ledger checkpoint file (AEQUA_CHECKPOINT_KEY enables encryption)")
	flag.Uint64Var(&ckptEvery, "checkpoint.every", 16, "Checkpoint every N blocks")
	flag.StringVar(&sinkURL, "sink.url", "", "Optional webhook receiving a record per processed bundle")
	flag.BoolVar(&p2pEnable, "p2p.enable", false, "Enable P2P operation gossip (libp2p+gossipsub, behind 'p2p' build tag)")
	flag.StringVar(&p2pListen, "p2p.listen", "", "P2P listen multiaddr (e.g. /ip4/0.0.0.0/tcp/31000)")
	flag.StringVar(&p2pBoot, "p2p.bootnodes", "", "Comma-separated bootnode multiaddrs or path to file")
	flag.BoolVar(&p2pNAT, "p2p.nat", false, "Enable NAT port mapping")
	flag.Int64Var(&p2pInflight, "p2p.max-inflight", 256, "Inbound operations verified concurrently")
	flag.Parse()
	if err := applyEnv(flag.CommandLine); err != nil {
		logger.Error(err.Error())
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	genesis := devGenesis
	if genesisPath != "" {
		g, err := config.LoadGenesis(genesisPath)
		if err != nil {
			logger.Error(err.Error())
			os.Exit(1)
		}
		genesis = g
	}
	l := ledger.New()
	dep, err := genesis.Apply(l)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	gw := dep.Primary()
	origin := common.HexToAddress(relayAddr)

	b := bus.New(256)
	tracker := blocktracker.New(l, blocktracker.WithConfig(blocktracker.Config{PollInterval: pollEvery}))
	defer tracker.Stop()

	rl := relay.New(relay.Config{
		ChainID:   uint256.NewInt(genesis.ChainID),
		MaxBundle: maxBundle,
		Window:    relay.WindowConfig{Threshold: threshold, GatherTimeout: gatherWait},
	}, gw, b)
	rl.SetBlocks(tracker)

	seq := chain.New(b.Subscribe(), gw, origin)
	seq.OnResult(rl.Observe)
	if sinkURL != "" {
		seq.SetSink(chain.WebhookSink{URL: sinkURL})
	}
	if ckptPath != "" {
		seq.SetCheckpointer(ledger.NewCheckpointerFromEnv(ckptPath), ckptEvery)
	}

	apiSvc := api.New(apiAddr, gw, apiRPS, apiBurst)
	apiSvc.SetSubmitter(rl)
	apiSvc.SetLatest(tracker)
	apiSvc.SetBundlePublisher(api.BusPublisher(b))

	m := lifecycle.New()
	m.Add(monitoring.New(monAddr))
	m.Add(seq)
	m.Add(rl)
	m.Add(apiSvc)

	if p2pEnable {
		cfg := p2p.NetConfig{Enable: true, NAT: p2pNAT, MaxInflight: p2pInflight, Bootnodes: p2p.ParseBootnodes(p2pBoot)}
		if p2pListen != "" {
			cfg.Listen = []string{p2pListen}
		}
		t, err := p2p.BuildTransport(cfg)
		if err != nil {
			logger.Error(err.Error())
			os.Exit(1)
		}
		t.OnOperation(func(ctx context.Context, so bundle.SignedOperation) {
			if err := rl.HandleRemote(ctx, so); err != nil {
				logger.InfoJ("p2p_operation", map[string]any{"result": "rejected", "wallet": so.Wallet.Hex(), "err": err.Error()})
			}
		})
		rl.SetBroadcaster(t)
		m.Add(p2p.NewNetService(t))
	}

	logger.InfoJ("node", map[string]any{"event": "start", "gateway": gw.Address().Hex(), "chain_id": genesis.ChainID, "relay": origin.Hex()})
	if err := m.StartAll(ctx); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	<-ctx.Done()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := m.StopAll(stopCtx); err != nil {
		logger.Error(err.Error())
	}
}
