package gateway

import (
	"errors"

	"github.com/zmlAEQ/Aequa-gateway/internal/wallet"
)

var (
	// ErrBundleRejected means the aggregate signature did not verify; nothing
	// in the bundle was applied.
	ErrBundleRejected = errors.New("gateway: aggregate signature rejected")
	// ErrMalformedBundle means the bundle failed shape checks before verification.
	ErrMalformedBundle = errors.New("gateway: malformed bundle")

	ErrStaleNonce          = errors.New("gateway: stale nonce")
	ErrUntrustedGateway    = wallet.ErrUntrustedGateway
	ErrActionFailed        = errors.New("gateway: action failed")
	ErrMissingPrerequisite = errors.New("gateway: migration prerequisite missing")
	ErrUnauthorized        = errors.New("gateway: caller not authorized")
	ErrNotAdministered     = errors.New("gateway: wallet proxy admin is not this gateway's")
	ErrInvalidSignature    = errors.New("gateway: address signature invalid")
	ErrAlreadyRegistered   = errors.New("gateway: identity mapped to another wallet")
)
