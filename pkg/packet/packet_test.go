package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildRRRoundTrip(t *testing.T) {
	b := BuildRR(12, 7)
	hdr, payload, err := Parse(b)
	assert.Nil(t, err)
	assert.Equal(t, SeqNum(12), hdr.Seq)
	assert.Equal(t, FlagRR, hdr.Flag)
	assert.Equal(t, SeqNum(7), AckSeq(payload))
}

func TestBuildSREJRoundTrip(t *testing.T) {
	b := BuildSREJ(3, 2)
	hdr, payload, err := Parse(b)
	assert.Nil(t, err)
	assert.Equal(t, FlagSREJ, hdr.Flag)
	assert.Equal(t, SeqNum(2), AckSeq(payload))
}

func TestBuildEOFAckRoundTrip(t *testing.T) {
	b := BuildEOFAck(40, 39)
	hdr, payload, err := Parse(b)
	assert.Nil(t, err)
	assert.Equal(t, FlagEOFAck, hdr.Flag)
	assert.Equal(t, SeqNum(39), AckSeq(payload))
}

func TestBuildDataRoundTrip(t *testing.T) {
	payload := []byte("some file bytes")
	for _, flag := range []Flag{FlagData, FlagSrejData, FlagTimeoutData, FlagEOF} {
		b, err := BuildData(9, flag, payload)
		assert.Nil(t, err)
		hdr, got, err := Parse(b)
		assert.Nil(t, err)
		assert.Equal(t, SeqNum(9), hdr.Seq)
		assert.Equal(t, flag, hdr.Flag)
		assert.Equal(t, payload, got)
	}
}

func TestBuildDataRejectsBadInput(t *testing.T) {
	_, err := BuildData(1, FlagRR, []byte{1})
	assert.ErrorIs(t, err, ErrUnknownFlag)
	_, err = BuildData(1, FlagData, nil)
	assert.ErrorIs(t, err, ErrPayloadSize)
	_, err = BuildData(1, FlagData, make([]byte, PayloadMax+1))
	assert.ErrorIs(t, err, ErrPayloadSize)
}

func TestBuildDataEmptyEOF(t *testing.T) {
	// EOF may carry no payload when the file ends on a buffer boundary
	b, err := BuildData(6, FlagEOF, nil)
	assert.Nil(t, err)
	hdr, payload, err := Parse(b)
	assert.Nil(t, err)
	assert.Equal(t, FlagEOF, hdr.Flag)
	assert.Empty(t, payload)
}

func TestBuildFilenameRoundTrip(t *testing.T) {
	b, err := BuildFilename(0, 10, 1000, "testdata/source.bin")
	assert.Nil(t, err)
	hdr, payload, err := Parse(b)
	assert.Nil(t, err)
	assert.Equal(t, SeqNum(0), hdr.Seq)
	assert.Equal(t, FlagFilename, hdr.Flag)
	window, buffer, name := FilenameFields(payload)
	assert.EqualValues(t, 10, window)
	assert.EqualValues(t, 1000, buffer)
	assert.Equal(t, "testdata/source.bin", name)
}

func TestBuildFilenameTooLong(t *testing.T) {
	long := make([]byte, FilenameMax+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err := BuildFilename(0, 1, 1, string(long))
	assert.Equal(t, ErrFilenameSize, err)
}

func TestBuildFilenameResp(t *testing.T) {
	hdr, payload, err := Parse(BuildFilenameResp(0, true))
	assert.Nil(t, err)
	assert.Equal(t, FlagFilenameResp, hdr.Flag)
	assert.True(t, RespOK(payload))

	_, payload, err = Parse(BuildFilenameResp(0, false))
	assert.Nil(t, err)
	assert.False(t, RespOK(payload))
}

func TestParseTruncated(t *testing.T) {
	_, _, err := Parse([]byte{1, 2, 3})
	assert.Equal(t, ErrTruncated, err)

	// Valid checksum but payload shorter than the flag requires
	rr := BuildRR(1, 1)
	short := rr[:HeaderSize+2]
	finalize(short)
	_, _, err = Parse(short)
	assert.Equal(t, ErrTruncated, err)
}

func TestParseBadChecksum(t *testing.T) {
	b, _ := BuildData(5, FlagData, []byte{1, 2, 3, 4})
	for i := range b {
		corrupted := make([]byte, len(b))
		copy(corrupted, b)
		corrupted[i] ^= 0x40
		_, _, err := Parse(corrupted)
		assert.Equal(t, ErrBadChecksum, err, "flipped byte %d", i)
	}
}

func TestParseUnknownFlag(t *testing.T) {
	b := newPacket(1, Flag(42), 4)
	finalize(b)
	_, _, err := Parse(b)
	assert.Equal(t, ErrUnknownFlag, err)
}

func TestRetagKeepsChecksumValid(t *testing.T) {
	b, _ := BuildData(4, FlagData, []byte("payload"))
	assert.Nil(t, Retag(b, FlagTimeoutData))
	hdr, payload, err := Parse(b)
	assert.Nil(t, err)
	assert.Equal(t, FlagTimeoutData, hdr.Flag)
	assert.Equal(t, []byte("payload"), payload)
}

func TestCounter(t *testing.T) {
	c := NewCounter(0)
	assert.Equal(t, SeqNum(0), c.Next())
	assert.Equal(t, SeqNum(1), c.Next())
	assert.Equal(t, SeqNum(2), c.Peek())
	assert.Equal(t, SeqNum(2), c.Next())
}
