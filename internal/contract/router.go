// Package contract dispatches ABI-encoded calls to Go handlers so ledger
// contracts speak the same calldata format as on-chain ones.
package contract

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/zmlAEQ/Aequa-gateway/internal/ledger"
)

var (
	ErrUnknownMethod = errors.New("contract: unknown method")
	ErrBadInput      = errors.New("contract: malformed call data")
	ErrNoReceive     = errors.New("contract: does not accept plain transfers")
)

// Handler receives unpacked inputs and returns values matching the method's
// outputs.
type Handler func(f *ledger.Frame, args []any) ([]any, error)

type Router struct {
	abi      abi.ABI
	handlers map[string]Handler
	receive  func(f *ledger.Frame) error
	fallback func(f *ledger.Frame) ([]byte, error)
}

// MustParse parses a JSON ABI definition and panics on error.
func MustParse(def string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("contract: bad abi: %v", err))
	}
	return a
}

func NewRouter(def string) *Router {
	return &Router{abi: MustParse(def), handlers: map[string]Handler{}}
}

// On binds a handler to an ABI method. Unknown names panic.
func (r *Router) On(name string, h Handler) *Router {
	if _, ok := r.abi.Methods[name]; !ok {
		panic("contract: no method " + name)
	}
	r.handlers[name] = h
	return r
}

// OnReceive accepts calls with empty input.
func (r *Router) OnReceive(fn func(f *ledger.Frame) error) *Router {
	r.receive = fn
	return r
}

// Fallback handles selectors the ABI does not know.
func (r *Router) Fallback(fn func(f *ledger.Frame) ([]byte, error)) *Router {
	r.fallback = fn
	return r
}

func (r *Router) ABI() *abi.ABI { return &r.abi }

// Call implements ledger.Contract.
func (r *Router) Call(f *ledger.Frame) ([]byte, error) {
	if len(f.Input) == 0 {
		if r.receive == nil {
			return nil, ErrNoReceive
		}
		return nil, r.receive(f)
	}
	if len(f.Input) < 4 {
		if r.fallback != nil {
			return r.fallback(f)
		}
		return nil, ErrBadInput
	}
	m, err := r.abi.MethodById(f.Input[:4])
	var h Handler
	if err == nil {
		h = r.handlers[m.Name]
	}
	if h == nil {
		if r.fallback != nil {
			return r.fallback(f)
		}
		return nil, fmt.Errorf("%w: 0x%x", ErrUnknownMethod, f.Input[:4])
	}
	args, err := m.Inputs.Unpack(f.Input[4:])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadInput, m.Name, err)
	}
	out, err := h(f, args)
	if err != nil {
		return nil, err
	}
	return m.Outputs.Pack(out...)
}

// Pack encodes a call to name.
func (r *Router) Pack(name string, args ...any) ([]byte, error) { return r.abi.Pack(name, args...) }

// MustPack is Pack for arguments known to be well typed.
func (r *Router) MustPack(name string, args ...any) []byte {
	b, err := r.abi.Pack(name, args...)
	if err != nil {
		panic(fmt.Sprintf("contract: pack %s: %v", name, err))
	}
	return b
}

// Unpack decodes the return data of name.
func (r *Router) Unpack(name string, data []byte) ([]any, error) { return r.abi.Unpack(name, data) }
