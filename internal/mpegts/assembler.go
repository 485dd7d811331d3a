package mpegts

// assembler collects the payload of one PID from a payload_unit_start
// packet up to the next one.
type assembler struct {
	buf     []byte
	started bool
	seen    bool
	lastCC  uint8

	// gap is raised by a continuity break and attached to the next unit
	// that starts; unitGap is the flag of the unit being collected.
	gap     bool
	unitGap bool
}

// completed is a reassembled unit handed back by the assembler.
type completed struct {
	data          []byte
	discontinuity bool
}

// push adds p and returns the previous unit when p starts a new one.
func (a *assembler) push(p *Packet) (completed, bool) {
	h := p.Header
	if h.TransportErrorIndicator {
		a.drop()
		return completed{}, false
	}
	// Packets without payload do not advance the continuity counter.
	if !h.HasPayload {
		return completed{}, false
	}

	if a.seen {
		expected := (a.lastCC + 1) & 0x0F
		switch {
		case h.DiscontinuityIndicator:
			a.gap = true
		case h.ContinuityCounter == a.lastCC:
			return completed{}, false // duplicate
		case h.ContinuityCounter != expected:
			a.drop()
		}
	}
	a.seen = true
	a.lastCC = h.ContinuityCounter

	var out completed
	var ok bool
	if h.PayloadUnitStartIndicator {
		out, ok = a.take()
		a.started = true
		a.unitGap = a.gap
		a.gap = false
	}
	if a.started {
		a.buf = append(a.buf, p.Payload...)
	}
	return out, ok
}

// take hands out the unit collected so far.
func (a *assembler) take() (completed, bool) {
	if !a.started || len(a.buf) == 0 {
		return completed{}, false
	}
	out := completed{data: a.buf, discontinuity: a.unitGap}
	a.buf = nil
	a.started = false
	a.unitGap = false
	return out, true
}

// drop discards the partial unit and flags the next one.
func (a *assembler) drop() {
	a.buf = nil
	a.started = false
	a.unitGap = false
	a.gap = true
}
