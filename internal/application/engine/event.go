package engine

import "github.com/kvrao/intraday-engine/internal/ports"

// eventKind tags the one inbound queue every producer (quote feed, order
// feed, lifecycle callbacks, clock) writes onto and the single writer
// goroutine drains — the concurrency model from spec.md §5: no tick is ever
// processed after a FLATTEN has been dequeued, because FLATTEN rides the
// same queue as everything else instead of a side channel.
type eventKind int

const (
	eventQuote eventKind = iota
	eventOrderUpdate
	eventOpen
	eventError
	eventAlert
	eventFlatten
)

type event struct {
	kind    eventKind
	quote   ports.QuoteEvent
	update  ports.OrderUpdateEvent
	err     error
	done    chan struct{} // closed once the writer has processed this event; nil if caller doesn't wait
}
