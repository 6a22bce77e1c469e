// Package eventbus is the in-process publish/subscribe channel that modules
// and the kernel use to notify each other without direct references.
//
// Every emitted event passes through an ordered middleware chain, which may
// rewrite or cancel it, and is then delivered to the handlers subscribed to
// its name in subscription order. A handler that fails or panics is logged
// and skipped; delivery continues with the next one. Processed events are
// kept in a bounded FIFO history and offered to passive observers attached
// with Listen.
package eventbus
