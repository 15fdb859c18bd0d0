// Package notify carries the payload-free "something changed" signal between
// instances sharing one log. Signals never carry events: receivers re-derive
// truth from the shared log store, so a dropped signal only delays
// convergence.
package notify

// Notifier fans a height signal out to sibling instances. Delivery is
// best-effort; correctness never depends on it.
type Notifier interface {
	// Notify announces that the log has reached at least the given height.
	Notify(height uint64)
	// Subscribe registers a signal handler and returns its cancel func.
	Subscribe(fn func(height uint64)) (cancel func())
	// Close drops all subscribers. Further Notify calls are no-ops.
	Close() error
}
