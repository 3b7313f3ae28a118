// Package api is the HTTP surface of the gateway node: operation and bundle
// submission plus read-only wallet and block views.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/julienschmidt/httprouter"
	"golang.org/x/time/rate"

	"github.com/zmlAEQ/Aequa-gateway/internal/bundle"
	"github.com/zmlAEQ/Aequa-gateway/internal/gateway"
	"github.com/zmlAEQ/Aequa-gateway/internal/p2p/wire"
	"github.com/zmlAEQ/Aequa-gateway/internal/relay"
	"github.com/zmlAEQ/Aequa-gateway/internal/wallet"
	"github.com/zmlAEQ/Aequa-gateway/pkg/bus"
	"github.com/zmlAEQ/Aequa-gateway/pkg/lifecycle"
	"github.com/zmlAEQ/Aequa-gateway/pkg/logger"
	"github.com/zmlAEQ/Aequa-gateway/pkg/metrics"
	"github.com/zmlAEQ/Aequa-gateway/pkg/trace"
)

const maxBody = 1 << 20

// Submitter admits single signed operations; satisfied by relay.Service.
type Submitter interface {
	Submit(ctx context.Context, so bundle.SignedOperation) error
}

// Latest reports the newest block; satisfied by blocktracker.Tracker.
type Latest interface {
	Latest(ctx context.Context) (uint64, error)
}

// BundlePublisher hands a bundle to the sequencer.
type BundlePublisher func(ctx context.Context, b bundle.Bundle) bool

type Service struct {
	addr    string
	gw      *gateway.Gateway
	relay   Submitter
	latest  Latest
	publish BundlePublisher
	limiter *rate.Limiter
	srv     *http.Server
}

// New builds the API. A zero rps disables rate limiting.
func New(addr string, gw *gateway.Gateway, rps float64, burst int) *Service {
	s := &Service{addr: addr, gw: gw}
	if rps > 0 {
		if burst <= 0 {
			burst = int(rps)
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return s
}

func (s *Service) Name() string { return "api" }

func (s *Service) SetSubmitter(r Submitter)             { s.relay = r }
func (s *Service) SetLatest(l Latest)                   { s.latest = l }
func (s *Service) SetBundlePublisher(p BundlePublisher) { s.publish = p }

// BusPublisher publishes bundles as bus.KindBundle events.
func BusPublisher(b *bus.Bus) BundlePublisher {
	return func(ctx context.Context, bun bundle.Bundle) bool {
		tid, _ := trace.FromContext(ctx)
		return b.Publish(ctx, bus.Event{Kind: bus.KindBundle, Body: bun, TraceID: tid})
	}
}

// Handler returns the routed handler with tracing and rate limiting applied.
func (s *Service) Handler() http.Handler {
	r := httprouter.New()
	r.POST("/v1/operations", s.wrap("operations", s.handleOperation))
	r.POST("/v1/bundles", s.wrap("bundles", s.handleBundle))
	r.GET("/v1/wallets/:hash", s.wrap("wallets", s.handleWallet))
	r.GET("/v1/blocks/latest", s.wrap("blocks", s.handleLatest))
	r.GET("/health", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Service) wrap(route string, h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		begin := time.Now()
		tid := r.Header.Get("X-Trace-Id")
		if tid == "" {
			tid = trace.NewID()
		}
		w.Header().Set("X-Trace-Id", tid)
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		if s.limiter != nil && !s.limiter.Allow() {
			metrics.Inc("api_rate_limited_total", map[string]string{"route": route})
			writeError(sw, http.StatusTooManyRequests, errors.New("rate limited"))
		} else {
			h(sw, r.WithContext(trace.WithTraceID(r.Context(), tid)), ps)
		}
		ms := time.Since(begin).Milliseconds()
		metrics.Inc("api_requests_total", map[string]string{"route": route, "code": strconv.Itoa(sw.code)})
		metrics.ObserveSummary("api_latency_ms", map[string]string{"route": route}, float64(ms))
		logger.InfoJ("api_request", map[string]any{"route": route, "method": r.Method, "code": sw.code, "latency_ms": ms, "trace_id": tid})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func submitStatus(err error) int {
	switch {
	case errors.Is(err, relay.ErrDuplicate), errors.Is(err, relay.ErrStaleNonce):
		return http.StatusConflict
	case errors.Is(err, relay.ErrFutureFull):
		return http.StatusTooManyRequests
	case errors.Is(err, relay.ErrBadSignature), errors.Is(err, relay.ErrWalletMismatch), errors.Is(err, bundle.ErrBadPublicKey):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Service) handleOperation(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.relay == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("relay disabled"))
		return
	}
	var in wire.SignedOperation
	if err := decode(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	so, err := in.ToInternal()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if so.Operation.Nonce == nil {
		writeError(w, http.StatusBadRequest, bundle.ErrMissingNonce)
		return
	}
	if err := s.relay.Submit(r.Context(), so); err != nil {
		writeError(w, submitStatus(err), err)
		return
	}
	d := bundle.Digest(s.gw.ChainID(), so.Wallet, so.Operation)
	writeJSON(w, http.StatusAccepted, map[string]any{"digest": d, "wallet": so.Wallet})
}

func (s *Service) handleBundle(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var in wire.Bundle
	if err := decode(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	b, err := in.ToInternal()
	if err == nil {
		err = b.Validate()
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if r.URL.Query().Get("simulate") == "1" {
		res, err := s.gw.ProcessBundleStatic(r.Context(), common.Address{}, b)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		writeJSON(w, http.StatusOK, wire.FromResult(res))
		return
	}
	if s.publish == nil || !s.publish(r.Context(), b) {
		writeError(w, http.StatusServiceUnavailable, errors.New("sequencer busy"))
		return
	}
	tid, _ := trace.FromContext(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]any{"operations": b.Len(), "trace_id": tid})
}

type pendingView struct {
	Address common.Address `json:"address"`
	ETA     uint64         `json:"eta"`
}

type walletView struct {
	Wallet                common.Address `json:"wallet"`
	PublicKey             hexutil.Bytes  `json:"public_key"`
	Nonce                 string         `json:"nonce"`
	TrustedGateway        common.Address `json:"trusted_gateway"`
	PendingGateway        *pendingView   `json:"pending_gateway,omitempty"`
	ProxyAdmin            common.Address `json:"proxy_admin"`
	PendingProxyAdmin     *pendingView   `json:"pending_proxy_admin,omitempty"`
	Implementation        common.Address `json:"implementation"`
	PendingImplementation *pendingView   `json:"pending_implementation,omitempty"`
}

func pending(v common.Address, eta uint64) *pendingView {
	if eta == 0 {
		return nil
	}
	return &pendingView{Address: v, ETA: eta}
}

func (s *Service) handleWallet(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	raw, err := hexutil.Decode(ps.ByName("hash"))
	if err != nil || len(raw) != common.HashLength {
		writeError(w, http.StatusBadRequest, errors.New("hash must be 32 bytes of 0x hex"))
		return
	}
	addr, ok := s.gw.WalletFromHash(common.BytesToHash(raw))
	if !ok {
		writeError(w, http.StatusNotFound, wallet.ErrNotFound)
		return
	}
	st, err := s.gw.TrustState(addr)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, walletView{
		Wallet:                addr,
		PublicKey:             st.PublicKey,
		Nonce:                 st.Nonce.Dec(),
		TrustedGateway:        st.TrustedGateway,
		PendingGateway:        pending(st.PendingGateway.Value, st.PendingGateway.ETA),
		ProxyAdmin:            st.ProxyAdmin,
		PendingProxyAdmin:     pending(st.PendingProxyAdmin.Value, st.PendingProxyAdmin.ETA),
		Implementation:        st.Implementation,
		PendingImplementation: pending(st.PendingImplementation.Value, st.PendingImplementation.ETA),
	})
}

func (s *Service) handleLatest(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.latest == nil {
		head := s.gw.Ledger().Head()
		writeJSON(w, http.StatusOK, map[string]any{"number": head.Number, "time": head.Time, "hash": head.Hash})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	n, err := s.latest.Latest(ctx)
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"number": n})
}

func (s *Service) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorJ("api", map[string]any{"event": "serve", "err": err.Error()})
		}
	}()
	logger.InfoJ("api", map[string]any{"event": "start", "addr": ln.Addr().String()})
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

var _ lifecycle.Service = (*Service)(nil)
