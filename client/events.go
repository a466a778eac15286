package client

// Event is one element of the consumer-facing stream. A poll cycle produces
// at most one BatchEvent; health transitions and write failures are
// edge-triggered.
type Event interface{ isEvent() }

// BatchEvent carries every tag whose candidate value changed this cycle,
// delivered atomically as one event. Empty batches are never sent.
type BatchEvent struct {
	Values map[string]Value
}

// HealthEvent fires once on each link transition: Up=false when the
// connection is lost or the failed-cycle threshold trips, Up=true on the
// first successful resolve-and-poll after (re)connect.
type HealthEvent struct {
	Up bool
}

// WriteFailedEvent names a tag whose asynchronous write failed at the
// transport level. The write is not retried; the consumer decides whether to
// resubmit, and is responsible for clearing the optimistic pending entry via
// ClearPending.
type WriteFailedEvent struct {
	Tag string
}

// WriteAbandonedEvent names a tag whose pending write outlived the settlement
// window without server confirmation. The pending entry is already gone; the
// next batch re-reflects whatever the server reports.
type WriteAbandonedEvent struct {
	Tag string
}

func (BatchEvent) isEvent()          {}
func (HealthEvent) isEvent()         {}
func (WriteFailedEvent) isEvent()    {}
func (WriteAbandonedEvent) isEvent() {}
