package wire

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/zmlAEQ/Aequa-gateway/internal/gateway"
)

// Result is the JSON form of gateway.Result; Errors[i] is empty on success.
type Result struct {
	Successes []bool            `json:"successes"`
	Errors    []string          `json:"errors"`
	Results   [][]hexutil.Bytes `json:"results"`
	Wallets   []common.Address  `json:"wallets"`
	Block     uint64            `json:"block"`
	BlockHash common.Hash       `json:"block_hash"`
}

func FromResult(res *gateway.Result) Result {
	out := Result{
		Successes: res.Successes,
		Errors:    make([]string, len(res.Errors)),
		Results:   make([][]hexutil.Bytes, len(res.Results)),
		Wallets:   res.Wallets,
		Block:     res.Block.Number,
		BlockHash: res.Block.Hash,
	}
	for i, err := range res.Errors {
		if err != nil {
			out.Errors[i] = err.Error()
		}
	}
	for i, rs := range res.Results {
		out.Results[i] = make([]hexutil.Bytes, len(rs))
		for j, r := range rs {
			out.Results[i][j] = r
		}
	}
	return out
}
