package transport

// phase is the stage marker of one direction of a stream. Within a call a
// direction only ever moves forward: headers, then messages, then status.
type phase int

const (
	phaseHeaders phase = iota
	phaseMessage
	phaseStatus
)

func (p phase) String() string {
	switch p {
	case phaseHeaders:
		return "HEADERS"
	case phaseMessage:
		return "MESSAGE"
	case phaseStatus:
		return "STATUS"
	}
	return "UNKNOWN"
}

// streamPhases tracks the inbound and outbound phases independently. It is
// not safe for concurrent use; the owning stream's mutex guards it.
type streamPhases struct {
	in  phase
	out phase
}

func (sp *streamPhases) inbound() phase  { return sp.in }
func (sp *streamPhases) outbound() phase { return sp.out }

// advanceOutbound moves the outbound phase to target unless that would move
// it backward, and returns the phase held before the call. Advancing to
// phaseStatus when already there returns phaseStatus, which callers use to
// detect a double close.
func (sp *streamPhases) advanceOutbound(target phase) phase {
	prev := sp.out
	if target > sp.out {
		sp.out = target
	}
	return prev
}

// advanceInbound is the inbound counterpart of advanceOutbound.
func (sp *streamPhases) advanceInbound(target phase) phase {
	prev := sp.in
	if target > sp.in {
		sp.in = target
	}
	return prev
}
