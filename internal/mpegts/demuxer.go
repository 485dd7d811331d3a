package mpegts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
)

// Demuxer reads transport stream packets from a reader and produces PMT
// and PES units. PES units are only produced for PIDs announced in a PMT.
type Demuxer struct {
	ctx     context.Context
	log     *slog.Logger
	reader  io.Reader
	readBuf []byte
	pktSize int

	assemblers  map[uint16]*assembler
	pmtPIDs     map[uint16]bool
	streamTypes map[uint16]uint8

	pending []*Unit
	eof     bool
}

// Option configures a Demuxer.
type Option func(*Demuxer)

// WithPacketSize sets the on-the-wire packet size: 188 (plain TS), 192
// (M2TS with a 4-byte timecode prefix) or 204 (TS with 16 parity bytes).
func WithPacketSize(size int) Option {
	return func(d *Demuxer) {
		d.pktSize = size
	}
}

// WithLogger sets the logger used for skipped packets and sections.
func WithLogger(log *slog.Logger) Option {
	return func(d *Demuxer) {
		d.log = log
	}
}

// NewDemuxer creates a demuxer reading from r.
func NewDemuxer(ctx context.Context, r io.Reader, opts ...Option) *Demuxer {
	d := &Demuxer{
		ctx:         ctx,
		log:         slog.Default(),
		reader:      r,
		pktSize:     packetSize,
		assemblers:  make(map[uint16]*assembler),
		pmtPIDs:     make(map[uint16]bool),
		streamTypes: make(map[uint16]uint8),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With("component", "mpegts")
	d.readBuf = make([]byte, d.pktSize)
	return d
}

// NextData returns the next unit from the stream, or io.EOF once the
// reader is exhausted and every partial unit has been drained.
func (d *Demuxer) NextData() (*Unit, error) {
	for {
		if len(d.pending) > 0 {
			u := d.pending[0]
			d.pending = d.pending[1:]
			return u, nil
		}
		if d.eof {
			return nil, io.EOF
		}
		if err := d.ctx.Err(); err != nil {
			return nil, err
		}

		if _, err := io.ReadFull(d.reader, d.readBuf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				d.eof = true
				d.drain()
				continue
			}
			return nil, err
		}

		pkt, err := parsePacket(d.tsBytes())
		if err != nil {
			d.log.Debug("skipping corrupt packet", "error", err)
			continue
		}
		d.handle(pkt)
	}
}

// tsBytes locates the 188-byte TS packet inside the read buffer.
func (d *Demuxer) tsBytes() []byte {
	if d.pktSize == 192 {
		return d.readBuf[4:]
	}
	return d.readBuf[:packetSize]
}

func (d *Demuxer) handle(pkt *Packet) {
	pid := pkt.Header.PID
	if pid == pidNull {
		return
	}
	psi := pid == pidPAT || d.pmtPIDs[pid]
	if !psi {
		if _, known := d.streamTypes[pid]; !known {
			return
		}
	}

	a, ok := d.assemblers[pid]
	if !ok {
		a = &assembler{}
		d.assemblers[pid] = a
	}

	if unit, ok := a.push(pkt); ok {
		d.complete(pid, unit)
	}
	// PSI sections are usually shorter than the gap to the next PUSI, so
	// they are emitted as soon as their section_length is satisfied.
	if psi && a.started {
		if _, done := sectionBounds(a.buf); done {
			unit, _ := a.take()
			d.complete(pid, unit)
		}
	}
}

func (d *Demuxer) complete(pid uint16, unit completed) {
	switch {
	case pid == pidPAT:
		d.handlePAT(unit.data)
	case d.pmtPIDs[pid]:
		d.handlePMT(pid, unit.data)
	default:
		d.handlePES(pid, unit)
	}
}

func (d *Demuxer) handlePAT(payload []byte) {
	section, ok := sectionBounds(payload)
	if !ok || section == nil {
		return
	}
	progs, err := parsePAT(section)
	if err != nil {
		d.log.Debug("skipping PAT", "error", err)
		return
	}
	for _, p := range progs {
		if !d.pmtPIDs[p.PMTPID] {
			d.pmtPIDs[p.PMTPID] = true
			d.log.Debug("found program", "program", p.Number, "pmt_pid", p.PMTPID)
		}
	}
}

func (d *Demuxer) handlePMT(pid uint16, payload []byte) {
	section, ok := sectionBounds(payload)
	if !ok || section == nil {
		return
	}
	prog, err := parsePMT(section, pid)
	if err != nil {
		d.log.Debug("skipping PMT", "error", err)
		return
	}
	for _, es := range prog.Streams {
		d.streamTypes[es.PID] = es.StreamType
	}
	d.pending = append(d.pending, &Unit{PMT: prog})
}

func (d *Demuxer) handlePES(pid uint16, unit completed) {
	h, payload, err := parsePES(unit.data)
	if err != nil {
		d.log.Debug("skipping PES", "pid", pid, "error", err)
		return
	}
	pkt := &ElementaryPacket{
		StreamType:    d.streamTypes[pid],
		PID:           pid,
		PTS:           h.pts,
		DTS:           h.pts,
		HasPTS:        h.hasPTS,
		Payload:       payload,
		Discontinuity: unit.discontinuity,
	}
	if h.hasDTS {
		pkt.DTS = h.dts
	}
	d.pending = append(d.pending, &Unit{PES: pkt})
}

// drain completes every partial unit at EOF, lowest PID first.
func (d *Demuxer) drain() {
	pids := make([]int, 0, len(d.assemblers))
	for pid := range d.assemblers {
		pids = append(pids, int(pid))
	}
	sort.Ints(pids)
	for _, pid := range pids {
		if unit, ok := d.assemblers[uint16(pid)].take(); ok {
			d.complete(uint16(pid), unit)
		}
	}
}
