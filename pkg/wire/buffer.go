package wire

import (
	"fmt"

	"github.com/snl-pebbl/pebbl/pkg/pmetrics"
)

// BufferTracker tracks this process's belief about a peer's receive
// capacity for a given message kind, implementing the back-pressure
// growth protocol: a payload that would overflow the peer's known
// capacity is preceded by a spBufferWarning frame naming
// the new size, so the receiver grows before the oversized payload arrives.
// No payload is ever dropped because of this.
type BufferTracker struct {
	capacity int
}

// NewBufferTracker starts tracking at initial (typically spReceiveBuf).
func NewBufferTracker(initial int) *BufferTracker {
	return &BufferTracker{capacity: initial}
}

// Capacity returns the tracked capacity.
func (b *BufferTracker) Capacity() int { return b.capacity }

// Grow raises the tracked capacity to at least size, reporting whether it
// actually changed anything.
func (b *BufferTracker) Grow(size int) bool {
	if size <= b.capacity {
		return false
	}
	b.capacity = size
	return true
}

// Sender is the minimal transport capability BufferedSend needs.
type Sender interface {
	Send(addr string, sig Signal, body any) error
}

// BufferedSend delivers body to addr as sig over s, first sending a
// spBufferWarning carrying the encoded size if it would exceed tracker's
// known capacity for addr. Overflow is recovered by growing the peer, not
// by dropping the payload.
func BufferedSend(s Sender, tracker *BufferTracker, addr string, sig Signal, body any) error {
	encoded, err := Marshal(body)
	if err != nil {
		return fmt.Errorf("wire: encode %s: %w", sig, err)
	}
	if len(encoded) > tracker.Capacity() {
		newSize := len(encoded)
		if err := s.Send(addr, SignalSPBufferWarning, newSize); err != nil {
			return fmt.Errorf("wire: send buffer warning to %s: %w", addr, err)
		}
		tracker.Grow(newSize)
		pmetrics.BufferWarningsTotal.Inc()
	}
	return s.Send(addr, sig, body)
}

// HandleBufferWarning applies an incoming spBufferWarning body (decoded as
// an int) to tracker, growing the receiver's own notion of how large the
// next payload of this kind from addr may be.
func HandleBufferWarning(tracker *BufferTracker, body []byte) error {
	var newSize int
	if err := Unmarshal(body, &newSize); err != nil {
		return fmt.Errorf("wire: decode buffer warning: %w", err)
	}
	tracker.Grow(newSize)
	return nil
}
