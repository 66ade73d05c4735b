package signal

import "context"

// Handler receives one inbound signal. Implementations must tolerate being
// called from the transport's delivery goroutine; the call package serializes
// handling through its own queue, so handlers here should only hand off.
type Handler func(Signal)

// Transport is the capability contract every signaling backend satisfies.
//
// Delivery ordering across distinct publishes is best-effort: a transport may
// deliver two signals in either order or redeliver after a reconnect. The
// consumer's dispatcher is responsible for correctness under reordering.
type Transport interface {
	// Publish records the signal and notifies subscribers on its channel.
	// Errors (network, auth) propagate to the caller; there is no retry.
	Publish(ctx context.Context, sig Signal) error

	// Subscribe registers fn for every signal on channelID that is addressed
	// to selfID (no target, or target == selfID) and was not sent by selfID.
	// The returned function removes the subscription.
	Subscribe(channelID, selfID string, fn Handler) (unsubscribe func())

	// Purge deletes retained signals for the channel so a stale offer or
	// answer from a previous call cannot be replayed into a fresh one.
	// Best-effort: implementations log failures and return them, but callers
	// treat a purge error as non-fatal.
	Purge(ctx context.Context, channelID string) error
}
