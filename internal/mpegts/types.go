// Package mpegts demultiplexes an MPEG-TS byte stream into elementary
// stream packets. It tracks PAT/PMT to learn each PID's stream type,
// reassembles PES units per PID, and flags units that follow a continuity
// gap so downstream stages can discard partial state.
package mpegts

// Stream types from ISO/IEC 13818-1 Table 2-34 that the demuxer names.
const (
	StreamTypeMPEG1Audio = 0x03
	StreamTypeMPEG2Audio = 0x04
	StreamTypeADTS       = 0x0F
	StreamTypeLATM       = 0x11
	StreamTypeH264       = 0x1B
	StreamTypeH265       = 0x24
)

// Packet is a parsed 188-byte transport stream packet.
type Packet struct {
	Header  PacketHeader
	Payload []byte
}

// PacketHeader contains the parsed header fields of a transport stream packet.
type PacketHeader struct {
	PID                       uint16
	ContinuityCounter         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	DiscontinuityIndicator    bool
}

// Program is one entry of a Program Map Table.
type Program struct {
	Number  uint16
	PMTPID  uint16
	PCRPID  uint16
	Streams []ElementaryStream
}

// ElementaryStream describes one PID announced by a PMT.
type ElementaryStream struct {
	PID        uint16
	StreamType uint8
}

// ElementaryPacket is one reassembled PES unit together with the stream
// type its PID was announced with. DTS equals PTS when the PES header
// carried no DTS.
type ElementaryPacket struct {
	StreamType uint8
	PID        uint16
	PTS        int64
	DTS        int64
	HasPTS     bool
	Payload    []byte

	// Discontinuity is set on the first unit completed after a continuity
	// counter gap or a signaled discontinuity on this PID.
	Discontinuity bool
}

// Unit is the output of the demuxer: exactly one of PMT or PES is non-nil.
type Unit struct {
	PMT *Program
	PES *ElementaryPacket
}
