// Package window implements the fixed capacity circular buffer both state
// machines are built around. The sender keeps its outstanding packets in
// it, the receiver parks out of order packets in it until the gap below
// them closes.
package window

import (
	"errors"

	"github.com/sfontaine/rcopy/pkg/packet"
)

var (
	ErrSizeOutOfRange = errors.New("window or buffer size out of range")
	ErrOutOfWindow    = errors.New("sequence number outside window bounds")
	ErrPacketTooBig   = errors.New("packet larger than a window slot")
	ErrSlideBackwards = errors.New("window lower bound may not move backwards")
)

const (
	WindowSizeMax = 1 << 30
	BufferSizeMax = packet.PayloadMax
)

type element struct {
	valid  bool
	seq    packet.SeqNum
	length int // stored packet bytes, header included
	buf    []byte
}

// Window tracks three cursors over the sequence space:
// lower (oldest unacknowledged / next to deliver), current (highest
// occupied + 1) and upper = lower + windowSize. A packet with sequence s
// lives in slot s mod windowSize. Sequence arithmetic is plain uint32,
// wraparound is not handled.
type Window struct {
	size       uint32
	bufferSize uint16

	lower   packet.SeqNum
	current packet.SeqNum
	upper   packet.SeqNum

	elements []element
	scratch  []packet.SeqNum // reused by InOrderValidPrefix
}

// New allocates a window of windowSize slots, each able to hold a packet
// with a payload of up to bufferSize bytes. All slot storage is carved out
// of one preallocated region, nothing grows in the hot path.
func New(windowSize uint32, bufferSize uint16) (*Window, error) {
	if windowSize < 1 || windowSize > WindowSizeMax ||
		bufferSize < packet.PayloadMin || bufferSize > BufferSizeMax {
		return nil, ErrSizeOutOfRange
	}
	slotSize := packet.HeaderSize + int(bufferSize)
	backing := make([]byte, int(windowSize)*slotSize)
	w := &Window{
		size:       windowSize,
		bufferSize: bufferSize,
		upper:      packet.SeqNum(windowSize),
		elements:   make([]element, windowSize),
		scratch:    make([]packet.SeqNum, 0, windowSize),
	}
	for i := range w.elements {
		w.elements[i].buf = backing[i*slotSize : (i+1)*slotSize]
	}
	return w, nil
}

func (w *Window) Size() uint32           { return w.size }
func (w *Window) BufferSize() uint16     { return w.bufferSize }
func (w *Window) Lower() packet.SeqNum   { return w.lower }
func (w *Window) Current() packet.SeqNum { return w.current }
func (w *Window) Upper() packet.SeqNum   { return w.upper }

func (w *Window) slot(seq packet.SeqNum) *element {
	return &w.elements[uint32(seq)%w.size]
}

// IsOpen reports whether there is room for a new packet.
func (w *Window) IsOpen() bool {
	return w.current < w.upper
}

// Add stores pkt in the slot for seq, marks it valid and advances current
// to max(current, seq+1). The sequential producer (sender) only adds while
// the window is open, at seq == current; the receiver parks any in-bounds
// out of order packet.
func (w *Window) Add(seq packet.SeqNum, pkt []byte) error {
	if seq < w.lower || seq >= w.upper {
		return ErrOutOfWindow
	}
	if err := w.store(seq, pkt); err != nil {
		return err
	}
	if seq+1 > w.current {
		w.current = seq + 1
	}
	return nil
}

// Replace stores pkt in the slot for seq without touching current. Used by
// the receiver when a retransmission fills a previously missing slot.
func (w *Window) Replace(seq packet.SeqNum, pkt []byte) error {
	if seq < w.lower || seq >= w.upper {
		return ErrOutOfWindow
	}
	return w.store(seq, pkt)
}

func (w *Window) store(seq packet.SeqNum, pkt []byte) error {
	e := w.slot(seq)
	if len(pkt) > len(e.buf) {
		return ErrPacketTooBig
	}
	copy(e.buf, pkt)
	e.length = len(pkt)
	e.seq = seq
	e.valid = true
	return nil
}

// Get returns the stored packet bytes for seq. The returned slice aliases
// the slot storage, it stays good until the slot is reused.
func (w *Window) Get(seq packet.SeqNum) ([]byte, bool) {
	e := w.slot(seq)
	if !e.valid || e.seq != seq {
		return nil, false
	}
	return e.buf[:e.length], true
}

// GetLowest returns the stored packet for the oldest outstanding sequence
// number. The sender retransmits this on timeout.
func (w *Window) GetLowest() ([]byte, bool) {
	return w.Get(w.lower)
}

// Valid reports whether the slot for seq holds a packet with exactly that
// sequence number.
func (w *Window) Valid(seq packet.SeqNum) bool {
	e := w.slot(seq)
	return e.valid && e.seq == seq
}

// SlideTo advances the window so that newLower becomes the oldest tracked
// sequence number. Slots falling below it are invalidated and free for
// reuse. current is lifted if the slide overtakes it.
func (w *Window) SlideTo(newLower packet.SeqNum) error {
	if newLower < w.lower {
		return ErrSlideBackwards
	}
	end := newLower
	if w.current < end {
		end = w.current
	}
	for seq := w.lower; seq < end; seq++ {
		e := w.slot(seq)
		if e.seq == seq {
			e.valid = false
		}
	}
	w.lower = newLower
	w.upper = newLower + packet.SeqNum(w.size)
	if w.current < newLower {
		w.current = newLower
	}
	return nil
}

// InOrderValidPrefix returns, in order, the sequence numbers in
// [lower, current) whose slots are valid, stopping at the first gap.
// The receiver flushes exactly these to disk. The returned slice is
// reused across calls.
func (w *Window) InOrderValidPrefix() []packet.SeqNum {
	w.scratch = w.scratch[:0]
	for seq := w.lower; seq < w.current; seq++ {
		if !w.Valid(seq) {
			break
		}
		w.scratch = append(w.scratch, seq)
	}
	return w.scratch
}
