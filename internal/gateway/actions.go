package gateway

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/zmlAEQ/Aequa-gateway/internal/bls"
	"github.com/zmlAEQ/Aequa-gateway/internal/bundle"
)

// Action constructors for calls a wallet makes to a gateway at addr.

func SetExternalWalletAction(gw common.Address, sig bls.Signature, pk bls.PubKey) bundle.Action {
	return bundle.Action{Target: gw, CallData: Router.MustPack("setExternalWallet", []byte(sig), []byte(pk))}
}

func WalletFromHashAction(gw common.Address, h common.Hash) bundle.Action {
	return bundle.Action{Target: gw, CallData: Router.MustPack("walletFromHash", [32]byte(h))}
}

func ChangeProxyAdminAction(gw, w, newAdmin common.Address) bundle.Action {
	return bundle.Action{Target: gw, CallData: Router.MustPack("changeProxyAdmin", w, newAdmin)}
}

func UpgradeAction(gw, w, impl common.Address) bundle.Action {
	return bundle.Action{Target: gw, CallData: Router.MustPack("upgrade", w, impl)}
}

func SetTrustedGatewayAction(gw common.Address, h common.Hash, next common.Address) bundle.Action {
	return bundle.Action{Target: gw, CallData: Router.MustPack("setTrustedBLSGateway", [32]byte(h), next)}
}

// DecodeAddress unpacks an address-returning action result such as
// walletFromHash or walletProxyAdmin.
func DecodeAddress(method string, out []byte) (common.Address, error) {
	vals, err := Router.Unpack(method, out)
	if err != nil {
		return common.Address{}, err
	}
	return vals[0].(common.Address), nil
}
