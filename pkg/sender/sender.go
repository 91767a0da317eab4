// Package sender implements the server side of a transfer: it waits for a
// FILENAME request, opens the file and streams it inside a selective
// repeat sliding window, reacting to RR, SREJ and EOF_ACK packets from
// the receiver and retransmitting on timeout.
package sender

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/rs/xid"
	rcopy "github.com/sfontaine/rcopy"
	"github.com/sfontaine/rcopy/pkg/packet"
	"github.com/sfontaine/rcopy/pkg/stats"
	"github.com/sfontaine/rcopy/pkg/transport"
	"github.com/sfontaine/rcopy/pkg/window"
)

// First data packet of a session. Sequence 0 belongs to the filename
// exchange.
const dataSeqStart = rcopy.SeqStart + 1

// How long one accept wait blocks before the serve loop checks its
// context again.
const acceptPollPeriod = rcopy.AckWaitPeriod

// Near zero wait used to pick up acks that already arrived while the
// window is being filled. A zero deadline would never read queued
// datagrams off a real socket.
const drainPollPeriod = time.Millisecond

type Options struct {
	// Probability in [0,1] that an outgoing datagram is dropped or
	// corrupted by the error injecting transport wrapper.
	ErrorRate float64
	// Seed for the error injection, 0 means time based.
	Seed   int64
	Logger *slog.Logger
	Stats  *stats.Transfer
}

// Server owns the listening socket and serves transfer sessions
// sequentially, returning to the accept state after each one.
type Server struct {
	listener *transport.Listener
	logger   *slog.Logger
	opts     Options
}

func NewServer(listener *transport.Listener, opts Options) (*Server, error) {
	if listener == nil {
		return nil, rcopy.ErrIllegalArgument
	}
	if opts.ErrorRate < 0 || opts.ErrorRate > 1 {
		return nil, rcopy.ErrIllegalArgument
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		listener: listener,
		logger:   logger.With("service", "[SENDER]"),
		opts:     opts,
	}, nil
}

// Serve accepts FILENAME requests on the listening socket and serves one
// session at a time until the context is cancelled. A failed session is
// logged and the server goes back to accepting.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("serving", "port", s.listener.Port())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("exiting serve loop")
			return nil
		default:
		}

		// WAIT_FILENAME: anything that is not a checksum clean FILENAME
		// packet is discarded and we keep listening.
		b, peer, err := s.listener.RecvFrom(acceptPollPeriod)
		if err == rcopy.ErrRecvTimeout {
			continue
		}
		if err != nil {
			return fmt.Errorf("listening socket: %w", err)
		}
		hdr, payload, err := packet.Parse(b)
		if err != nil || hdr.Flag != packet.FlagFilename {
			s.opts.Stats.Discard()
			continue
		}
		windowSize, bufferSize, name := packet.FilenameFields(payload)

		// PROCESS_FILENAME and the transfer itself run on a fresh socket,
		// the listening socket is not touched again until the session ends.
		conn, err := s.listener.NewSessionConn(peer)
		if err != nil {
			return fmt.Errorf("session socket: %w", err)
		}
		logger := s.logger.With("session", xid.New().String(), "client", peer.String())
		sess := rcopy.Transport(conn)
		if s.opts.ErrorRate > 0 {
			sess = transport.WithErrors(conn, s.opts.ErrorRate, s.opts.Seed)
		}
		if err := serveSession(sess, logger, s.opts.Stats, windowSize, bufferSize, name); err != nil {
			logger.Warn("session ended abnormally", "err", err)
		}
		sess.Close()
	}
}

// Handle runs the complete server side state machine for one session on
// an already established transport, starting in WAIT_FILENAME. This is
// the single socket counterpart of Serve (both hand the session to
// serveSession), usable on its own with any Transport (tests run it over
// an in memory pair).
func Handle(conn rcopy.Transport, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("service", "[SENDER]", "session", xid.New().String())
	for {
		b, err := conn.Recv(acceptPollPeriod)
		if err == rcopy.ErrRecvTimeout {
			continue
		}
		if err != nil {
			return err
		}
		hdr, payload, err := packet.Parse(b)
		if err != nil || hdr.Flag != packet.FlagFilename {
			opts.Stats.Discard()
			continue
		}
		windowSize, bufferSize, name := packet.FilenameFields(payload)
		return serveSession(conn, logger, opts.Stats, windowSize, bufferSize, name)
	}
}

// serveSession performs PROCESS_FILENAME and, on success, the data
// transfer. A file open failure is answered with a negative response and
// reported as nil, the server simply goes back to waiting.
func serveSession(conn rcopy.Transport, logger *slog.Logger, st *stats.Transfer,
	windowSize uint32, bufferSize uint16, name string) error {

	st.Session()
	file, err := os.Open(name)
	if err != nil {
		logger.Warn("could not open requested file", "file", name, "err", err)
		st.Sent(packet.FlagFilenameResp.String())
		if err := conn.Send(packet.BuildFilenameResp(rcopy.SeqStart, false)); err != nil {
			return err
		}
		return nil
	}
	defer file.Close()

	win, err := window.New(windowSize, bufferSize)
	if err != nil {
		logger.Warn("rejecting transfer", "window", windowSize, "buffer", bufferSize, "err", err)
		st.Sent(packet.FlagFilenameResp.String())
		if err := conn.Send(packet.BuildFilenameResp(rcopy.SeqStart, false)); err != nil {
			return err
		}
		return nil
	}

	st.Sent(packet.FlagFilenameResp.String())
	if err := conn.Send(packet.BuildFilenameResp(rcopy.SeqStart, true)); err != nil {
		return err
	}
	logger.Info("transfer accepted", "file", name, "window", windowSize, "buffer", bufferSize)

	sess := &session{
		conn:    conn,
		logger:  logger,
		stats:   st,
		reader:  bufio.NewReaderSize(file, int(bufferSize)),
		win:     win,
		seq:     packet.NewCounter(dataSeqStart),
		readBuf: make([]byte, bufferSize),
	}
	win.SlideTo(dataSeqStart)
	return sess.run()
}

// session holds everything one transfer owns: the per client socket, the
// open file, the window and the sequence counter. No state outlives it.
type session struct {
	conn   rcopy.Transport
	logger *slog.Logger
	stats  *stats.Transfer

	reader  *bufio.Reader
	readBuf []byte

	win *window.Window
	seq *packet.Counter

	eofSent  bool
	eofSeq   packet.SeqNum
	eofAcked bool
	timeouts int
}

type state uint8

const (
	stateSendReceiveData state = iota
	stateLastData
	stateKill
)

// run drives the session through SEND_RECEIVE_DATA and LAST_DATA until
// the EOF acknowledgement arrives or the peer is presumed gone.
func (s *session) run() error {
	st := stateSendReceiveData
	for st != stateKill {
		var err error
		switch st {
		case stateSendReceiveData:
			st, err = s.sendReceiveData()
		case stateLastData:
			st, err = s.lastData()
		}
		if err != nil {
			return err
		}
	}
	if !s.eofAcked {
		return rcopy.ErrSessionDead
	}
	s.logger.Info("transfer complete")
	return nil
}

// sendReceiveData is the steady state: fill the window from the file
// while it is open, then wait for acknowledgements until it opens again.
func (s *session) sendReceiveData() (state, error) {
	for s.win.IsOpen() && !s.eofSent {
		if err := s.sendNextChunk(); err != nil {
			return stateKill, err
		}
		// Pick up any acks that already arrived without blocking
		if err := s.drainAcks(); err != nil {
			return stateKill, err
		}
		if s.eofAcked {
			return stateKill, nil
		}
	}
	if s.eofSent {
		return stateLastData, nil
	}
	if err := s.awaitAck(); err != nil {
		return stateKill, err
	}
	if s.eofAcked || s.timeouts >= rcopy.TimeoutMax {
		return stateKill, nil
	}
	return stateSendReceiveData, nil
}

// lastData keeps answering SREJs and timeouts after the EOF packet went
// out. Nothing more is read from the file.
func (s *session) lastData() (state, error) {
	if err := s.awaitAck(); err != nil {
		return stateKill, err
	}
	if s.eofAcked {
		return stateKill, nil
	}
	if s.timeouts >= rcopy.TimeoutMax {
		s.logger.Warn("no EOF acknowledgement", "timeouts", s.timeouts)
		return stateKill, nil
	}
	return stateLastData, nil
}

// sendNextChunk reads up to one buffer of file data, builds the next data
// packet (EOF flagged when the file is exhausted), sends it and stores it
// in the window.
func (s *session) sendNextChunk() error {
	// A short read carries the trailing bytes in the EOF packet itself.
	// A file ending exactly on a buffer boundary gets an empty EOF
	// packet after its last full chunk.
	n, err := io.ReadFull(s.reader, s.readBuf)
	last := err == io.EOF || err == io.ErrUnexpectedEOF
	if err != nil && !last {
		return fmt.Errorf("reading source file: %w", err)
	}

	flag := packet.FlagData
	if last {
		flag = packet.FlagEOF
	}
	seq := s.seq.Next()
	pkt, err := packet.BuildData(seq, flag, s.readBuf[:n])
	if err != nil {
		return err
	}
	if err := s.win.Add(seq, pkt); err != nil {
		return err
	}
	s.stats.Sent(flag.String())
	s.stats.FileBytes(n)
	if err := s.conn.Send(pkt); err != nil {
		return err
	}
	if last {
		s.eofSent = true
		s.eofSeq = seq
		s.logger.Debug("EOF sent", "seq", uint32(seq))
	}
	return nil
}

// awaitAck blocks up to the ack wait period for one packet from the
// receiver. A timeout retransmits the oldest outstanding packet with the
// TIMEOUT_DATA flag and bumps the consecutive timeout counter.
func (s *session) awaitAck() error {
	b, err := s.conn.Recv(rcopy.AckWaitPeriod)
	if err == rcopy.ErrRecvTimeout {
		s.timeouts++
		s.stats.Timeout()
		return s.resendLowest()
	}
	if err != nil {
		return err
	}
	s.handleAck(b)
	return nil
}

// drainAcks processes whatever is already queued without waiting.
func (s *session) drainAcks() error {
	for {
		b, err := s.conn.Recv(drainPollPeriod)
		if err == rcopy.ErrRecvTimeout {
			return nil
		}
		if err != nil {
			return err
		}
		s.handleAck(b)
		if s.eofAcked {
			return nil
		}
	}
}

// handleAck dispatches one received packet. Anything malformed is
// silently discarded; any valid packet resets the consecutive timeout
// counter, even when its content changes nothing.
func (s *session) handleAck(b []byte) {
	hdr, payload, err := packet.Parse(b)
	if err != nil {
		s.stats.Discard()
		return
	}
	s.timeouts = 0
	s.stats.Received(hdr.Flag.String())

	switch hdr.Flag {
	case packet.FlagRR:
		r := packet.AckSeq(payload)
		if r < s.win.Lower() || r > s.win.Current() {
			return
		}
		s.win.SlideTo(r)
	case packet.FlagSREJ:
		s.resendSelected(packet.AckSeq(payload))
	case packet.FlagEOFAck:
		s.eofAcked = true
	default:
		// Data flags never flow this way, ignore
	}
}

// resendSelected answers an SREJ: the stored packet is retagged as
// SREJ_DATA, its checksum recomputed, and it goes out again. Requests
// for sequences already acknowledged or never sent are ignored.
func (s *session) resendSelected(seq packet.SeqNum) {
	if seq < s.win.Lower() || seq >= s.win.Current() {
		return
	}
	pkt, ok := s.win.Get(seq)
	if !ok {
		return
	}
	// Keep the EOF marking on retransmissions of the final packet, the
	// receiver cannot enter teardown without seeing it
	flag := packet.FlagSrejData
	if s.eofSent && seq == s.eofSeq {
		flag = packet.FlagEOF
	}
	packet.Retag(pkt, flag)
	s.stats.Retransmit("srej")
	s.stats.Sent(flag.String())
	if err := s.conn.Send(pkt); err != nil {
		s.logger.Warn("retransmit failed", "seq", uint32(seq), "err", err)
	}
	s.logger.Debug("retransmitted after SREJ", "seq", uint32(seq))
}

// resendLowest answers a timeout with the oldest outstanding packet,
// retagged TIMEOUT_DATA. With nothing outstanding there is nothing to
// send and the timeout just counts against the session.
func (s *session) resendLowest() error {
	pkt, ok := s.win.GetLowest()
	if !ok {
		return nil
	}
	flag := packet.FlagTimeoutData
	if s.eofSent && s.win.Lower() == s.eofSeq {
		flag = packet.FlagEOF
	}
	packet.Retag(pkt, flag)
	s.stats.Retransmit("timeout")
	s.stats.Sent(flag.String())
	if err := s.conn.Send(pkt); err != nil {
		return err
	}
	s.logger.Debug("retransmitted after timeout", "seq", uint32(s.win.Lower()), "timeouts", s.timeouts)
	return nil
}
