package scoring

import "errors"

// Stable error codes surfaced at the API boundary.
const (
	CodeInvalidWallet    = "invalid_wallet"
	CodeChainUnreachable = "chain_unreachable"
	CodeQueueFull        = "queue_full"
	CodeTimeout          = "timeout"
	CodeStoreError       = "store_error"
)

var (
	// ErrInvalidWallet rejects malformed addresses before any work starts.
	ErrInvalidWallet = errors.New("invalid wallet address")

	// ErrChainUnreachable is raised once every RPC transport has exhausted
	// its retries within the deadline.
	ErrChainUnreachable = errors.New("chain unreachable")

	// ErrQueueFull rejects pipeline submissions beyond the bounded FIFO
	// wait queue.
	ErrQueueFull = errors.New("scan queue full")

	// ErrTimeout is returned to a caller whose per-call deadline elapsed
	// while the pipeline was still running.
	ErrTimeout = errors.New("scoring deadline exceeded")

	// ErrStore wraps unexpected relational store failures.
	ErrStore = errors.New("store error")
)

// ErrorCode maps a pipeline error to its stable code. Unknown errors
// report as store errors.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidWallet):
		return CodeInvalidWallet
	case errors.Is(err, ErrChainUnreachable):
		return CodeChainUnreachable
	case errors.Is(err, ErrQueueFull):
		return CodeQueueFull
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	default:
		return CodeStoreError
	}
}
