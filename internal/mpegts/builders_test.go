package mpegts

import "encoding/binary"

type esEntry struct {
	streamType uint8
	pid        uint16
}

func makePacket(pid uint16, cc uint8, pusi bool, payload []byte) []byte {
	buf := make([]byte, packetSize)
	buf[0] = syncByte
	buf[1] = byte(pid>>8) & 0x1F
	buf[2] = byte(pid)
	buf[3] = 0x10 | cc&0x0F
	if pusi {
		buf[1] |= 0x40
	}
	// Unused payload bytes are stuffing.
	for i := 4; i < packetSize; i++ {
		buf[i] = 0xFF
	}
	copy(buf[4:], payload)
	return buf
}

// makePacketAF builds a packet whose adaptation field pads the payload to
// the end of the packet, optionally signaling a discontinuity.
func makePacketAF(pid uint16, cc uint8, pusi, discontinuity bool, payload []byte) []byte {
	buf := make([]byte, packetSize)
	buf[0] = syncByte
	buf[1] = byte(pid>>8) & 0x1F
	buf[2] = byte(pid)
	buf[3] = 0x30 | cc&0x0F
	if pusi {
		buf[1] |= 0x40
	}
	afLen := packetSize - 5 - len(payload)
	buf[4] = byte(afLen)
	if afLen > 0 {
		if discontinuity {
			buf[5] = 0x80
		}
		for i := 6; i < 5+afLen; i++ {
			buf[i] = 0xFF
		}
	}
	copy(buf[5+afLen:], payload)
	return buf
}

func withCRC(data []byte) []byte {
	return binary.BigEndian.AppendUint32(data, crc32MPEG2(data))
}

func buildPATSection(pmtPIDs map[uint16]uint16) []byte {
	sectionLength := 5 + 4*len(pmtPIDs) + 4
	data := []byte{
		tableIDPAT, 0xB0 | byte(sectionLength>>8)&0x0F, byte(sectionLength),
		0x00, 0x01, 0xC1, 0x00, 0x00,
	}
	for num := uint16(1); int(num) <= len(pmtPIDs); num++ {
		pid := pmtPIDs[num]
		data = append(data, byte(num>>8), byte(num), 0xE0|byte(pid>>8)&0x1F, byte(pid))
	}
	return withCRC(data)
}

func buildPMTSection(programNum, pcrPID uint16, streams []esEntry) []byte {
	sectionLength := 9 + 5*len(streams) + 4
	data := []byte{
		tableIDPMT, 0xB0 | byte(sectionLength>>8)&0x0F, byte(sectionLength),
		byte(programNum >> 8), byte(programNum), 0xC1, 0x00, 0x00,
		0xE0 | byte(pcrPID>>8)&0x1F, byte(pcrPID), 0xF0, 0x00,
	}
	for _, s := range streams {
		data = append(data, s.streamType, 0xE0|byte(s.pid>>8)&0x1F, byte(s.pid), 0xF0, 0x00)
	}
	return withCRC(data)
}

func psiPayload(section []byte) []byte {
	return append([]byte{0x00}, section...)
}

// encodeTimestamp encodes a 33-bit PTS/DTS value into 5 bytes with marker bits.
func encodeTimestamp(prefix byte, v int64) []byte {
	return []byte{
		prefix<<4 | byte(v>>29)&0x0E | 0x01,
		byte(v >> 22),
		byte(v>>14)&0xFE | 0x01,
		byte(v >> 7),
		byte(v<<1)&0xFE | 0x01,
	}
}

func buildPES(streamID byte, pts, dts int64, hasPTS, hasDTS bool, data []byte) []byte {
	var opt []byte
	var flags byte
	switch {
	case hasPTS && hasDTS:
		flags = 3
		opt = append(encodeTimestamp(0x03, pts), encodeTimestamp(0x01, dts)...)
	case hasPTS:
		flags = 2
		opt = encodeTimestamp(0x02, pts)
	}
	length := 3 + len(opt) + len(data)
	buf := []byte{0x00, 0x00, 0x01, streamID, byte(length >> 8), byte(length), 0x80, flags << 6, byte(len(opt))}
	buf = append(buf, opt...)
	return append(buf, data...)
}
