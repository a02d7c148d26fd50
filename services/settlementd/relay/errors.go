package relay

import "errors"

var (
	// ErrMalformed indicates the payload could not be decoded.
	ErrMalformed = errors.New("relay: malformed authorization")
	// ErrInvalidAddress indicates an address is not 20-byte hex.
	ErrInvalidAddress = errors.New("relay: invalid address")
	// ErrUnsupportedChain indicates domain.chainId is not configured.
	ErrUnsupportedChain = errors.New("relay: unsupported chain")
	// ErrUnsupportedToken indicates the domain does not describe the
	// configured token of its chain.
	ErrUnsupportedToken = errors.New("relay: unsupported token")
	// ErrInvalidNonce indicates the nonce is not 32-byte hex.
	ErrInvalidNonce = errors.New("relay: invalid nonce")
	// ErrNotYetValid indicates now < validAfter.
	ErrNotYetValid = errors.New("relay: authorization not yet valid")
	// ErrExpired indicates now > validBefore.
	ErrExpired = errors.New("relay: authorization expired")
	// ErrAlreadyUsed indicates the (nonce, chain) pair was already executed.
	ErrAlreadyUsed = errors.New("relay: authorization already used")
	// ErrClosed indicates the authorization was cancelled or expired
	// administratively.
	ErrClosed = errors.New("relay: authorization no longer executable")
	// ErrInvalidSignature indicates the signature is malformed or does not
	// recover to message.from.
	ErrInvalidSignature = errors.New("relay: invalid signature")
	// ErrSubmission indicates the ledger rejected or failed the transfer. The
	// authorization stays pending.
	ErrSubmission = errors.New("relay: ledger submission failed")
	// ErrUnconfirmed indicates an earlier broadcast of the authorization has
	// no receipt yet. The authorization stays pending and is not resent.
	ErrUnconfirmed = errors.New("relay: earlier submission awaiting confirmation")
)

var rejections = []error{
	ErrMalformed, ErrInvalidAddress, ErrUnsupportedChain, ErrUnsupportedToken,
	ErrInvalidNonce, ErrNotYetValid, ErrExpired, ErrAlreadyUsed, ErrClosed,
	ErrInvalidSignature, ErrSubmission, ErrUnconfirmed,
}

// IsRejection reports whether err is a caller-facing relay failure rather
// than an internal fault.
func IsRejection(err error) bool {
	for _, target := range rejections {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Outcome classifies err for metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "submitted"
	case errors.Is(err, ErrAlreadyUsed):
		return "replayed"
	case errors.Is(err, ErrNotYetValid), errors.Is(err, ErrExpired):
		return "out_of_window"
	case errors.Is(err, ErrInvalidSignature):
		return "bad_signature"
	case errors.Is(err, ErrSubmission):
		return "ledger_failed"
	case errors.Is(err, ErrUnconfirmed):
		return "unconfirmed"
	case IsRejection(err):
		return "invalid"
	default:
		return "error"
	}
}
