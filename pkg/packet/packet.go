// Package packet implements the wire format shared by both ends of a
// transfer: a 7 octet header followed by a flag specific payload, the
// whole datagram protected by an Internet checksum.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sfontaine/rcopy/internal/checksum"
)

type SeqNum uint32

type Flag uint8

const (
	FlagRR           Flag = 5
	FlagSREJ         Flag = 6
	FlagFilename     Flag = 8
	FlagFilenameResp Flag = 9
	FlagEOF          Flag = 10
	FlagData         Flag = 16
	FlagSrejData     Flag = 17
	FlagTimeoutData  Flag = 18
	FlagEOFAck       Flag = 19
)

// Header layout: seq (4, network order), cksum (2, network order), flag (1).
// Packed, no padding.
const (
	HeaderSize = 7

	seqOffset   = 0
	cksumOffset = 4
	flagOffset  = 6
)

const (
	PayloadMin  = 1
	PayloadMax  = 1400
	FilenameMax = 100

	AckPayloadSize      = 4
	RespPayloadSize     = 1
	filenameFixedFields = 6 // window size u32 + buffer size u16
)

var (
	ErrTruncated    = errors.New("datagram shorter than its flag requires")
	ErrBadChecksum  = errors.New("checksum verification failed")
	ErrUnknownFlag  = errors.New("flag outside the defined set")
	ErrPayloadSize  = errors.New("payload size out of range")
	ErrFilenameSize = errors.New("filename longer than 100 octets")
)

type Header struct {
	Seq   SeqNum
	Cksum uint16
	Flag  Flag
}

func (f Flag) String() string {
	switch f {
	case FlagRR:
		return "RR"
	case FlagSREJ:
		return "SREJ"
	case FlagFilename:
		return "FILENAME"
	case FlagFilenameResp:
		return "FILENAME_RESP"
	case FlagEOF:
		return "EOF"
	case FlagData:
		return "DATA"
	case FlagSrejData:
		return "SREJ_DATA"
	case FlagTimeoutData:
		return "TIMEOUT_DATA"
	case FlagEOFAck:
		return "EOF_ACK"
	}
	return fmt.Sprintf("FLAG(%d)", uint8(f))
}

func (f Flag) known() bool {
	switch f {
	case FlagRR, FlagSREJ, FlagFilename, FlagFilenameResp, FlagEOF,
		FlagData, FlagSrejData, FlagTimeoutData, FlagEOFAck:
		return true
	}
	return false
}

// IsData reports whether f carries file bytes (including retransmissions
// and the final EOF packet).
func (f Flag) IsData() bool {
	switch f {
	case FlagData, FlagSrejData, FlagTimeoutData, FlagEOF:
		return true
	}
	return false
}

// newPacket allocates a packet with the header filled in except for the
// checksum, which finalize computes once the payload is in place.
func newPacket(seq SeqNum, flag Flag, payloadLen int) []byte {
	b := make([]byte, HeaderSize+payloadLen)
	binary.BigEndian.PutUint32(b[seqOffset:], uint32(seq))
	b[flagOffset] = byte(flag)
	return b
}

func finalize(b []byte) []byte {
	b[cksumOffset] = 0
	b[cksumOffset+1] = 0
	binary.BigEndian.PutUint16(b[cksumOffset:], checksum.Sum(b))
	return b
}

// BuildRR builds a receiver ready packet acknowledging everything
// strictly below rrSeq.
func BuildRR(seq, rrSeq SeqNum) []byte {
	b := newPacket(seq, FlagRR, AckPayloadSize)
	binary.BigEndian.PutUint32(b[HeaderSize:], uint32(rrSeq))
	return finalize(b)
}

// BuildSREJ builds a selective reject requesting retransmission of
// exactly srejSeq.
func BuildSREJ(seq, srejSeq SeqNum) []byte {
	b := newPacket(seq, FlagSREJ, AckPayloadSize)
	binary.BigEndian.PutUint32(b[HeaderSize:], uint32(srejSeq))
	return finalize(b)
}

// BuildEOFAck builds the acknowledgement of the EOF data packet. Same
// shape as an RR, ackSeq being the next sequence number expected, but a
// first class flag of its own.
func BuildEOFAck(seq, ackSeq SeqNum) []byte {
	b := newPacket(seq, FlagEOFAck, AckPayloadSize)
	binary.BigEndian.PutUint32(b[HeaderSize:], uint32(ackSeq))
	return finalize(b)
}

// BuildData builds a data carrying packet. flag selects between DATA,
// SREJ_DATA, TIMEOUT_DATA and EOF.
func BuildData(seq SeqNum, flag Flag, payload []byte) ([]byte, error) {
	if !flag.IsData() {
		return nil, fmt.Errorf("%w: %v is not a data flag", ErrUnknownFlag, flag)
	}
	if len(payload) > PayloadMax {
		return nil, ErrPayloadSize
	}
	// Only the EOF packet may be empty (a file whose size is an exact
	// multiple of the buffer size, or an empty file)
	if len(payload) < PayloadMin && flag != FlagEOF {
		return nil, ErrPayloadSize
	}
	b := newPacket(seq, flag, len(payload))
	copy(b[HeaderSize:], payload)
	return finalize(b), nil
}

// BuildFilename builds the transfer request: window size, buffer size and
// the file name (no terminator, length implied by the datagram size).
func BuildFilename(seq SeqNum, windowSize uint32, bufferSize uint16, name string) ([]byte, error) {
	if len(name) > FilenameMax {
		return nil, ErrFilenameSize
	}
	b := newPacket(seq, FlagFilename, filenameFixedFields+len(name))
	binary.BigEndian.PutUint32(b[HeaderSize:], windowSize)
	binary.BigEndian.PutUint16(b[HeaderSize+4:], bufferSize)
	copy(b[HeaderSize+filenameFixedFields:], name)
	return finalize(b), nil
}

// BuildFilenameResp builds the server's answer to a FILENAME packet.
func BuildFilenameResp(seq SeqNum, ok bool) []byte {
	b := newPacket(seq, FlagFilenameResp, RespPayloadSize)
	if ok {
		b[HeaderSize] = 1
	}
	return finalize(b)
}

// Retag rewrites the flag of an already built packet in place and
// recomputes its checksum. Used when retransmitting a stored data packet
// as SREJ_DATA or TIMEOUT_DATA.
func Retag(b []byte, flag Flag) error {
	if len(b) < HeaderSize {
		return ErrTruncated
	}
	b[flagOffset] = byte(flag)
	finalize(b)
	return nil
}

// Parse validates b and splits it into header and payload view. The
// payload aliases b. Parse is total: any input yields either a result or
// one of ErrTruncated, ErrBadChecksum, ErrUnknownFlag.
func Parse(b []byte) (Header, []byte, error) {
	if len(b) < HeaderSize {
		return Header{}, nil, ErrTruncated
	}
	if !checksum.Valid(b) {
		return Header{}, nil, ErrBadChecksum
	}
	hdr := Header{
		Seq:   SeqNum(binary.BigEndian.Uint32(b[seqOffset:])),
		Cksum: binary.BigEndian.Uint16(b[cksumOffset:]),
		Flag:  Flag(b[flagOffset]),
	}
	if !hdr.Flag.known() {
		return Header{}, nil, ErrUnknownFlag
	}
	payload := b[HeaderSize:]
	switch hdr.Flag {
	case FlagRR, FlagSREJ, FlagEOFAck:
		if len(payload) < AckPayloadSize {
			return Header{}, nil, ErrTruncated
		}
	case FlagFilenameResp:
		if len(payload) < RespPayloadSize {
			return Header{}, nil, ErrTruncated
		}
	case FlagFilename:
		if len(payload) < filenameFixedFields {
			return Header{}, nil, ErrTruncated
		}
	}
	return hdr, payload, nil
}

// AckSeq extracts the acknowledged sequence number from an RR, SREJ or
// EOF_ACK payload.
func AckSeq(payload []byte) SeqNum {
	return SeqNum(binary.BigEndian.Uint32(payload))
}

// FilenameFields extracts the negotiated sizes and requested name from a
// FILENAME payload.
func FilenameFields(payload []byte) (windowSize uint32, bufferSize uint16, name string) {
	windowSize = binary.BigEndian.Uint32(payload)
	bufferSize = binary.BigEndian.Uint16(payload[4:])
	name = string(payload[filenameFixedFields:])
	return windowSize, bufferSize, name
}

// RespOK extracts the success octet from a FILENAME_RESP payload.
func RespOK(payload []byte) bool {
	return payload[0] != 0
}
