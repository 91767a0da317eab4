// Package receiver implements the client side of a transfer: it requests
// a file by name, accepts the data stream, acknowledges it with RR and
// SREJ packets, buffers out of order arrivals and writes the file to disk
// strictly in order.
package receiver

import (
	"fmt"
	"log/slog"
	"os"

	rcopy "github.com/sfontaine/rcopy"
	"github.com/sfontaine/rcopy/pkg/packet"
	"github.com/sfontaine/rcopy/pkg/stats"
	"github.com/sfontaine/rcopy/pkg/window"
)

// First data packet of a session, and therefore the initial value of
// expected and highest. Sequence 0 belongs to the filename exchange.
const dataSeqStart = rcopy.SeqStart + 1

// DialFunc builds the transport towards the server. It is called once up
// front and again on every filename timeout, which tears the old socket
// down and starts over from a fresh port.
type DialFunc func() (rcopy.Transport, error)

type Options struct {
	// Name of the file on the server
	FromFile string
	// Local file to write
	ToFile     string
	WindowSize uint32
	BufferSize uint16
	Logger     *slog.Logger
	Stats      *stats.Transfer
}

// Receiver drives one transfer from request to teardown. Not reusable.
type Receiver struct {
	opts   Options
	dial   DialFunc
	logger *slog.Logger
	stats  *stats.Transfer

	conn rcopy.Transport
	out  *os.File
	win  *window.Window
	seq  *packet.Counter

	expected  packet.SeqNum
	highest   packet.SeqNum
	buffering bool

	eofSeen bool
	eofSeq  packet.SeqNum

	timeouts int

	// Packet being carried between a receive state and its process state
	cur    []byte
	curHdr packet.Header
}

type state uint8

const (
	stateSendFilename state = iota
	stateSendFilenameTimeout
	stateWaitFilenameAck
	stateReceiveFirstData
	stateReceiveData
	stateReceiveDataTimeout
	stateBadData
	stateProcessData
	stateLastData
	stateKill
)

func New(opts Options, dial DialFunc) (*Receiver, error) {
	if opts.FromFile == "" || len(opts.FromFile) > rcopy.FilenameMax ||
		opts.ToFile == "" || dial == nil {
		return nil, rcopy.ErrIllegalArgument
	}
	win, err := window.New(opts.WindowSize, opts.BufferSize)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Receiver{
		opts:     opts,
		dial:     dial,
		logger:   logger.With("service", "[RECEIVER]"),
		stats:    opts.Stats,
		win:      win,
		seq:      packet.NewCounter(dataSeqStart),
		expected: dataSeqStart,
		highest:  dataSeqStart,
	}
	win.SlideTo(dataSeqStart)
	return r, nil
}

// Run performs the whole transfer. It returns nil once the file is on
// disk and acknowledged, rcopy.ErrFileNotFound when the server rejects
// the name, rcopy.ErrSessionDead when the server stops answering.
func (r *Receiver) Run() (err error) {
	r.conn, err = r.dial()
	if err != nil {
		return err
	}
	defer func() {
		r.conn.Close()
		if r.out != nil {
			r.out.Close()
			if err != nil {
				// Do not leave a partial file behind
				os.Remove(r.opts.ToFile)
			}
		}
	}()

	r.stats.Session()
	st := stateSendFilename
	for st != stateKill {
		switch st {
		case stateSendFilename:
			st, err = r.sendFilename()
		case stateSendFilenameTimeout:
			st, err = r.filenameTimeout()
		case stateWaitFilenameAck:
			st, err = r.waitFilenameAck()
		case stateReceiveFirstData:
			st, err = r.receiveData(true)
		case stateReceiveData:
			st, err = r.receiveData(false)
		case stateReceiveDataTimeout:
			st, err = r.receiveDataTimeout()
		case stateBadData:
			st = r.badData()
		case stateProcessData:
			st, err = r.processData()
		case stateLastData:
			st, err = r.lastData()
		}
		if err != nil {
			return err
		}
	}
	r.logger.Info("transfer complete", "file", r.opts.ToFile)
	return nil
}

// sendFilename transmits the transfer request. Sequence 0, always.
func (r *Receiver) sendFilename() (state, error) {
	pkt, err := packet.BuildFilename(rcopy.SeqStart, r.opts.WindowSize, r.opts.BufferSize, r.opts.FromFile)
	if err != nil {
		return stateKill, err
	}
	r.stats.Sent(packet.FlagFilename.String())
	if err := r.conn.Send(pkt); err != nil {
		return stateKill, err
	}
	r.logger.Debug("sent filename", "file", r.opts.FromFile)
	return stateWaitFilenameAck, nil
}

// filenameTimeout tears the socket down, dials a fresh one and tries the
// request again, up to the retry limit.
func (r *Receiver) filenameTimeout() (state, error) {
	r.timeouts++
	r.stats.Timeout()
	if r.timeouts >= rcopy.TimeoutMax {
		r.logger.Warn("server never answered filename", "retries", r.timeouts)
		return stateKill, rcopy.ErrSessionDead
	}
	r.conn.Close()
	conn, err := r.dial()
	if err != nil {
		return stateKill, err
	}
	r.conn = conn
	return stateSendFilename, nil
}

// waitFilenameAck waits for the FILENAME_RESP. Anything other than a
// checksum clean response is treated like a timeout.
func (r *Receiver) waitFilenameAck() (state, error) {
	b, err := r.conn.Recv(rcopy.AckWaitPeriod)
	if err == rcopy.ErrRecvTimeout {
		return stateSendFilenameTimeout, nil
	}
	if err != nil {
		return stateKill, err
	}
	hdr, payload, err := packet.Parse(b)
	if err != nil {
		r.stats.Discard()
		return stateSendFilenameTimeout, nil
	}
	if hdr.Flag != packet.FlagFilenameResp {
		return stateSendFilenameTimeout, nil
	}
	r.stats.Received(hdr.Flag.String())
	r.timeouts = 0
	if !packet.RespOK(payload) {
		fmt.Fprintf(os.Stderr, "Error: file %s not found on server\n", r.opts.FromFile)
		return stateKill, rcopy.ErrFileNotFound
	}
	if r.out == nil {
		out, err := os.Create(r.opts.ToFile)
		if err != nil {
			return stateKill, fmt.Errorf("opening output file: %w", err)
		}
		r.out = out
	}
	r.logger.Debug("filename accepted, waiting for data")
	return stateReceiveFirstData, nil
}

// receiveData waits for one datagram. A timeout on the very first data
// packet restarts the filename exchange, the acknowledgement may have
// been lost; later timeouts just count.
func (r *Receiver) receiveData(first bool) (state, error) {
	b, err := r.conn.Recv(rcopy.DataWaitPeriod)
	if err == rcopy.ErrRecvTimeout {
		if first {
			// Counted by filenameTimeout
			return stateSendFilenameTimeout, nil
		}
		r.stats.Timeout()
		return stateReceiveDataTimeout, nil
	}
	if err != nil {
		return stateKill, fmt.Errorf("receiving data: %w", err)
	}
	hdr, _, err := packet.Parse(b)
	if err != nil {
		return stateBadData, nil
	}
	r.cur = b
	r.curHdr = hdr
	return stateProcessData, nil
}

func (r *Receiver) receiveDataTimeout() (state, error) {
	r.timeouts++
	if r.timeouts >= rcopy.TimeoutMax {
		r.logger.Warn("data stream went silent", "timeouts", r.timeouts)
		return stateKill, rcopy.ErrSessionDead
	}
	return stateReceiveData, nil
}

// badData drops a packet that failed validation. Recovery is left to the
// timeout and SREJ machinery.
func (r *Receiver) badData() state {
	r.stats.Discard()
	r.logger.Debug("discarded malformed datagram")
	return stateReceiveData
}

// processData dispatches one valid packet. Data packets go through the
// in order or buffering path, everything else is ignored. Any valid
// packet resets the consecutive timeout counter.
func (r *Receiver) processData() (state, error) {
	r.timeouts = 0
	r.stats.Received(r.curHdr.Flag.String())
	if !r.curHdr.Flag.IsData() {
		return stateReceiveData, nil
	}

	var err error
	if r.buffering {
		err = r.bufferData()
	} else {
		err = r.inOrderData()
	}
	if err != nil {
		return stateKill, err
	}
	if r.eofSeen {
		return stateLastData, nil
	}
	return stateReceiveData, nil
}

// inOrderData handles a data packet while no gap is outstanding.
func (r *Receiver) inOrderData() error {
	s := r.curHdr.Seq
	payload := r.cur[packet.HeaderSize:]
	switch {
	case s == r.expected:
		if err := r.writeToDisk(payload); err != nil {
			return err
		}
		r.noteEOF(r.curHdr.Flag, s)
		r.expected++
		if r.expected-1 > r.highest {
			r.highest = r.expected - 1
		}
		if err := r.win.SlideTo(r.expected); err != nil {
			return err
		}
		return r.sendRR()
	case s > r.expected:
		if s >= r.win.Upper() {
			// Sender ran past our window, it will time out and resend
			return nil
		}
		if err := r.win.Add(s, r.cur); err != nil {
			return err
		}
		r.highest = s
		r.buffering = true
		r.noteEOF(r.curHdr.Flag, s)
		r.logger.Debug("gap detected, buffering", "expected", uint32(r.expected), "got", uint32(s))
		return r.sendSREJ(r.expected)
	default:
		// Duplicate of something already delivered
		return r.sendRR()
	}
}

// bufferData handles a data packet while earlier sequence numbers are
// still missing.
func (r *Receiver) bufferData() error {
	s := r.curHdr.Seq
	switch {
	case s == r.expected && !r.win.Valid(s):
		if err := r.win.Replace(s, r.cur); err != nil {
			return err
		}
		if err := r.flushContiguous(); err != nil {
			return err
		}
		if r.expected < r.highest {
			// Still a gap above, keep nagging
			if err := r.sendSREJ(r.expected); err != nil {
				return err
			}
			return r.sendRR()
		}
		r.buffering = false
		return r.sendRR()
	case s > r.expected && s < r.win.Upper() && !r.win.Valid(s):
		if err := r.win.Add(s, r.cur); err != nil {
			return err
		}
		if s > r.highest {
			r.highest = s
		}
		r.noteEOF(r.curHdr.Flag, s)
		return nil
	case s < r.expected || r.win.Valid(s):
		// Below the window or a duplicate of a buffered packet
		if err := r.sendSREJ(r.expected); err != nil {
			return err
		}
		return r.sendRR()
	default:
		// Beyond the window, ignore
		return nil
	}
}

// flushContiguous writes every in order valid packet starting at expected
// to disk and slides the window past them.
func (r *Receiver) flushContiguous() error {
	for _, seq := range r.win.InOrderValidPrefix() {
		stored, ok := r.win.Get(seq)
		if !ok {
			return window.ErrOutOfWindow
		}
		hdr, payload, err := packet.Parse(stored)
		if err != nil {
			return err
		}
		if err := r.writeToDisk(payload); err != nil {
			return err
		}
		r.noteEOF(hdr.Flag, seq)
		r.expected = seq + 1
	}
	if r.expected-1 > r.highest {
		r.highest = r.expected - 1
	}
	r.logger.Debug("flushed buffered run", "expected", uint32(r.expected))
	return r.win.SlideTo(r.expected)
}

// lastData keeps acknowledging until every byte up to the EOF packet has
// been written, then sends the EOF acknowledgement and tears down.
func (r *Receiver) lastData() (state, error) {
	if r.expected > r.eofSeq {
		r.stats.Sent(packet.FlagEOFAck.String())
		if err := r.conn.Send(packet.BuildEOFAck(r.seq.Next(), r.expected)); err != nil {
			return stateKill, err
		}
		r.logger.Debug("acknowledged EOF", "seq", uint32(r.eofSeq))
		return stateKill, nil
	}

	// Still missing data below the EOF, keep receiving on the same
	// acknowledgement rules
	b, err := r.conn.Recv(rcopy.DataWaitPeriod)
	if err == rcopy.ErrRecvTimeout {
		r.stats.Timeout()
		r.timeouts++
		if r.timeouts >= rcopy.TimeoutMax {
			r.logger.Warn("missing data never arrived", "expected", uint32(r.expected))
			return stateKill, rcopy.ErrSessionDead
		}
		return stateLastData, nil
	}
	if err != nil {
		return stateKill, err
	}
	hdr, _, err := packet.Parse(b)
	if err != nil {
		r.stats.Discard()
		return stateLastData, nil
	}
	r.cur = b
	r.curHdr = hdr
	r.timeouts = 0
	r.stats.Received(hdr.Flag.String())
	if hdr.Flag.IsData() {
		var perr error
		if r.buffering {
			perr = r.bufferData()
		} else {
			perr = r.inOrderData()
		}
		if perr != nil {
			return stateKill, perr
		}
	}
	return stateLastData, nil
}

func (r *Receiver) noteEOF(flag packet.Flag, seq packet.SeqNum) {
	if flag == packet.FlagEOF && !r.eofSeen {
		r.eofSeen = true
		r.eofSeq = seq
	}
}

func (r *Receiver) writeToDisk(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	n, err := r.out.Write(payload)
	if err != nil {
		return fmt.Errorf("writing output file: %w", err)
	}
	r.stats.FileBytes(n)
	return nil
}

func (r *Receiver) sendRR() error {
	r.stats.Sent(packet.FlagRR.String())
	return r.conn.Send(packet.BuildRR(r.seq.Next(), r.expected))
}

func (r *Receiver) sendSREJ(seq packet.SeqNum) error {
	r.stats.Sent(packet.FlagSREJ.String())
	return r.conn.Send(packet.BuildSREJ(r.seq.Next(), seq))
}
