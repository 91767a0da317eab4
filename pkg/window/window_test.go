package window

import (
	"testing"

	"github.com/sfontaine/rcopy/pkg/packet"
	"github.com/stretchr/testify/assert"
)

func dataPacket(t *testing.T, seq packet.SeqNum, payload string) []byte {
	t.Helper()
	b, err := packet.BuildData(seq, packet.FlagData, []byte(payload))
	assert.Nil(t, err)
	return b
}

func checkBounds(t *testing.T, w *Window) {
	t.Helper()
	assert.LessOrEqual(t, w.Lower(), w.Current())
	assert.LessOrEqual(t, w.Current(), w.Upper())
	assert.EqualValues(t, w.Size(), uint32(w.Upper()-w.Lower()))
}

func TestNewRejectsBadSizes(t *testing.T) {
	_, err := New(0, 100)
	assert.Equal(t, ErrSizeOutOfRange, err)
	_, err = New(10, 0)
	assert.Equal(t, ErrSizeOutOfRange, err)
	_, err = New(10, packet.PayloadMax+1)
	assert.Equal(t, ErrSizeOutOfRange, err)
}

func TestAddAdvancesCurrent(t *testing.T) {
	w, err := New(4, 100)
	assert.Nil(t, err)
	assert.True(t, w.IsOpen())

	for seq := packet.SeqNum(0); seq < 4; seq++ {
		assert.Nil(t, w.Add(seq, dataPacket(t, seq, "x")))
		assert.Equal(t, seq+1, w.Current())
		checkBounds(t, w)
	}
	assert.False(t, w.IsOpen())
	assert.Equal(t, ErrOutOfWindow, w.Add(4, dataPacket(t, 4, "x")))
}

func TestGetPreservesContents(t *testing.T) {
	w, _ := New(4, 100)
	pkt := dataPacket(t, 2, "hello")
	assert.Nil(t, w.Add(0, dataPacket(t, 0, "a")))
	assert.Nil(t, w.Add(1, dataPacket(t, 1, "b")))
	assert.Nil(t, w.Add(2, pkt))

	got, ok := w.Get(2)
	assert.True(t, ok)
	assert.Equal(t, pkt, got)

	lowest, ok := w.GetLowest()
	assert.True(t, ok)
	assert.Equal(t, dataPacket(t, 0, "a"), lowest)
}

func TestSlideToInvalidatesBelowLower(t *testing.T) {
	w, _ := New(4, 100)
	for seq := packet.SeqNum(0); seq < 4; seq++ {
		assert.Nil(t, w.Add(seq, dataPacket(t, seq, "x")))
	}
	assert.Nil(t, w.SlideTo(2))
	checkBounds(t, w)
	assert.EqualValues(t, 2, w.Lower())
	assert.EqualValues(t, 6, w.Upper())
	assert.True(t, w.IsOpen())

	_, ok := w.Get(0)
	assert.False(t, ok)
	_, ok = w.Get(1)
	assert.False(t, ok)
	_, ok = w.Get(2)
	assert.True(t, ok)

	assert.Equal(t, ErrSlideBackwards, w.SlideTo(1))
}

func TestSlideLiftsCurrent(t *testing.T) {
	// Receiver case: in order data is written straight to disk, never
	// stored, then the window slides past it.
	w, _ := New(4, 100)
	assert.Nil(t, w.SlideTo(3))
	checkBounds(t, w)
	assert.EqualValues(t, 3, w.Lower())
	assert.EqualValues(t, 3, w.Current())
}

func TestSlotReuseAfterSlide(t *testing.T) {
	w, _ := New(2, 100)
	assert.Nil(t, w.Add(0, dataPacket(t, 0, "old")))
	assert.Nil(t, w.Add(1, dataPacket(t, 1, "b")))
	assert.Nil(t, w.SlideTo(2))
	// Seq 2 lands in the slot seq 0 used
	assert.Nil(t, w.Add(2, dataPacket(t, 2, "new")))
	got, ok := w.Get(2)
	assert.True(t, ok)
	assert.Equal(t, dataPacket(t, 2, "new"), got)
	_, ok = w.Get(0)
	assert.False(t, ok)
}

func TestReplaceDoesNotAdvanceCurrent(t *testing.T) {
	w, _ := New(4, 100)
	// Out of order arrival: 0 missing, 2 buffered via Add
	assert.Nil(t, w.Add(2, dataPacket(t, 2, "c")))
	assert.EqualValues(t, 3, w.Current())
	assert.False(t, w.Valid(0))

	// Retransmission fills the gap
	assert.Nil(t, w.Replace(0, dataPacket(t, 0, "a")))
	assert.EqualValues(t, 3, w.Current())
	assert.True(t, w.Valid(0))
}

func TestInOrderValidPrefix(t *testing.T) {
	w, _ := New(8, 100)
	assert.Nil(t, w.Add(0, dataPacket(t, 0, "a")))
	assert.Nil(t, w.Add(1, dataPacket(t, 1, "b")))
	assert.Nil(t, w.Add(4, dataPacket(t, 4, "e")))

	assert.Equal(t, []packet.SeqNum{0, 1}, w.InOrderValidPrefix())

	assert.Nil(t, w.Replace(2, dataPacket(t, 2, "c")))
	assert.Nil(t, w.Replace(3, dataPacket(t, 3, "d")))
	assert.Equal(t, []packet.SeqNum{0, 1, 2, 3, 4}, w.InOrderValidPrefix())

	assert.Nil(t, w.SlideTo(5))
	assert.Empty(t, w.InOrderValidPrefix())
}

func TestAddOutOfWindow(t *testing.T) {
	w, _ := New(4, 100)
	assert.Nil(t, w.SlideTo(4))
	assert.Equal(t, ErrOutOfWindow, w.Add(3, dataPacket(t, 3, "x")))
	assert.Equal(t, ErrOutOfWindow, w.Add(8, dataPacket(t, 8, "x")))
	assert.Equal(t, ErrOutOfWindow, w.Replace(8, dataPacket(t, 8, "x")))
}

func TestPacketTooBigForSlot(t *testing.T) {
	w, _ := New(4, 10)
	big, err := packet.BuildData(0, packet.FlagData, make([]byte, 11))
	assert.Nil(t, err)
	assert.Equal(t, ErrPacketTooBig, w.Add(0, big))
}
