package protocol

// Outbox holds the pending outbound messages of one component instance: at
// most one status, one event and one error. Posting a kind that is already
// pending replaces it. The status payload is not stored; it is taken from the
// snapshot function when the outbox is drained, so it is never stale.
type Outbox struct {
	source   Target
	snapshot func() any

	statusPending bool
	event         any
	err           any
}

// NewOutbox creates an outbox for messages from source.
func NewOutbox(source Target, snapshot func() any) *Outbox {
	return &Outbox{source: source, snapshot: snapshot}
}

// MarkStatus requests a status message on the next drain.
func (o *Outbox) MarkStatus() {
	o.statusPending = true
}

// Event posts an event payload.
func (o *Outbox) Event(data any) {
	o.event = data
}

// Error posts an error payload.
func (o *Outbox) Error(data any) {
	o.err = data
}

// Pending reports whether kind has a message waiting.
func (o *Outbox) Pending(kind Kind) bool {
	switch kind {
	case KindStatus:
		return o.statusPending
	case KindEvent:
		return o.event != nil
	case KindError:
		return o.err != nil
	}
	return false
}

// Drain appends the pending messages to dst in event, error, status order and
// clears them.
func (o *Outbox) Drain(dst []Message, ts int64) []Message {
	if o.event != nil {
		dst = append(dst, NewMessage(o.source, KindEvent, ts, o.event))
		o.event = nil
	}
	if o.err != nil {
		dst = append(dst, NewMessage(o.source, KindError, ts, o.err))
		o.err = nil
	}
	if o.statusPending && o.snapshot != nil {
		dst = append(dst, NewMessage(o.source, KindStatus, ts, o.snapshot()))
	}
	o.statusPending = false
	return dst
}

// Clear drops everything pending.
func (o *Outbox) Clear() {
	o.statusPending = false
	o.event = nil
	o.err = nil
}
