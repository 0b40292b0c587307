package main

// pendingMove is one locally applied move awaiting its server ack.
type pendingMove struct {
	seq    uint32
	dx, dy int
	ex, ey uint16 // position expected after this move
}

// Predictor applies movement locally and reconciles against server acks.
// Moves are stamped with increasing sequence numbers; a rejected ack
// flushes all in-flight moves and snaps to the server's position, an
// accepted ack replays the remaining moves against local walkability.
type Predictor struct {
	X, Y    uint16
	seq     uint32
	pending []pendingMove
}

// Reset places the predictor at a known position and clears in-flight
// moves. Used at spawn and after level transitions.
func (p *Predictor) Reset(x, y uint16) {
	p.X, p.Y = x, y
	p.pending = p.pending[:0]
}

// Move applies a relative move locally if the target is walkable.
// It returns the sequence number to send with the POSITION_UPDATE.
func (p *Predictor) Move(dx, dy int, walkable func(x, y int) bool) (seq uint32, ok bool) {
	nx := int(p.X) + dx
	ny := int(p.Y) + dy
	if !walkable(nx, ny) {
		return 0, false
	}
	p.seq++
	p.X, p.Y = uint16(nx), uint16(ny)
	p.pending = append(p.pending, pendingMove{seq: p.seq, dx: dx, dy: dy, ex: p.X, ey: p.Y})
	return p.seq, true
}

// Ack reconciles a POSITION_ACK. The acked sequence and all older ones are
// discarded. If the server's position differs from what the acked move
// expected, the move was rejected: remaining moves are flushed and the
// position snaps to the server's. Otherwise remaining in-flight moves are
// replayed from the server position.
func (p *Predictor) Ack(seq uint32, sx, sy uint16, walkable func(x, y int) bool) {
	var acked *pendingMove
	rest := p.pending[:0]
	for i := range p.pending {
		m := p.pending[i]
		if m.seq == seq {
			acked = &m
		}
		if m.seq > seq {
			rest = append(rest, m)
		}
	}
	p.pending = rest

	p.X, p.Y = sx, sy
	if acked != nil && (acked.ex != sx || acked.ey != sy) {
		// Server rejected the move; everything queued after it was
		// predicted from a bad position.
		p.pending = p.pending[:0]
		return
	}
	for _, m := range p.pending {
		nx := int(p.X) + m.dx
		ny := int(p.Y) + m.dy
		if walkable(nx, ny) {
			p.X, p.Y = uint16(nx), uint16(ny)
		}
	}
}

// Pending returns the number of in-flight moves.
func (p *Predictor) Pending() int {
	return len(p.pending)
}
