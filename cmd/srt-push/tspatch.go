package main

// stampLoc is the byte offset of a timestamp field in a TS file.
type stampLoc struct {
	offset int
	pcr    bool // 6-byte PCR in the adaptation field; otherwise a 5-byte PES PTS/DTS
}

// fileStamps indexes every PCR, PTS and DTS of a file together with the
// range of audio PTS values and the spacing of the last two of them.
type fileStamps struct {
	locs      []stampLoc
	firstPTS  int64
	lastPTS   int64
	lastDelta int64
}

// span is the playout length of one pass: the audio PTS range plus one
// audio PES interval so the next pass starts right after the last unit.
func (s *fileStamps) span() int64 {
	if s.firstPTS < 0 {
		return 0
	}
	return s.lastPTS - s.firstPTS + s.lastDelta
}

// shift adds delta ticks to every indexed timestamp in data.
func (s *fileStamps) shift(data []byte, delta int64) {
	for _, l := range s.locs {
		b := data[l.offset:]
		if l.pcr {
			putPCR(b, pcrBase(b)+delta)
		} else {
			putPTS(b, ptsValue(b)+delta)
		}
	}
}

func scanTimestamps(data []byte) *fileStamps {
	s := &fileStamps{firstPTS: -1}
	for off := 0; off+tsPacketSize <= len(data); off += tsPacketSize {
		pkt := data[off : off+tsPacketSize]
		if pkt[0] != 0x47 {
			continue
		}

		pos := 4
		if pkt[3]&0x20 != 0 {
			afLen := int(pkt[4])
			if afLen >= 7 && pkt[5]&0x10 != 0 {
				s.locs = append(s.locs, stampLoc{offset: off + 6, pcr: true})
			}
			pos += 1 + afLen
		}
		if pkt[1]&0x40 == 0 || pkt[3]&0x10 == 0 || pos+14 > tsPacketSize {
			continue
		}

		pes := pkt[pos:]
		if pes[0] != 0 || pes[1] != 0 || pes[2] != 1 {
			continue
		}
		id := pes[3]
		audio := id >= 0xC0 && id <= 0xDF
		if !audio && !(id >= 0xE0 && id <= 0xEF) {
			continue
		}

		if pes[7]&0x80 != 0 {
			s.locs = append(s.locs, stampLoc{offset: off + pos + 9})
			if audio {
				s.observe(ptsValue(pes[9:]))
			}
		}
		if pes[7]&0x40 != 0 && pos+19 <= tsPacketSize {
			s.locs = append(s.locs, stampLoc{offset: off + pos + 14})
		}
	}
	return s
}

func (s *fileStamps) observe(pts int64) {
	switch {
	case s.firstPTS < 0:
		s.firstPTS, s.lastPTS = pts, pts
	case pts > s.lastPTS:
		s.lastDelta = pts - s.lastPTS
		s.lastPTS = pts
	case pts < s.firstPTS:
		s.firstPTS = pts
	}
}

func ptsValue(b []byte) int64 {
	return int64(b[0]>>1&0x07)<<30 |
		int64(b[1])<<22 |
		int64(b[2]>>1)<<15 |
		int64(b[3])<<7 |
		int64(b[4]>>1)
}

// putPTS keeps the 4-bit prefix of b[0].
func putPTS(b []byte, v int64) {
	v &= 1<<33 - 1
	b[0] = b[0]&0xF0 | byte(v>>29)&0x0E | 0x01
	b[1] = byte(v >> 22)
	b[2] = byte(v>>14)&0xFE | 0x01
	b[3] = byte(v >> 7)
	b[4] = byte(v<<1)&0xFE | 0x01
}

func pcrBase(b []byte) int64 {
	return int64(b[0])<<25 | int64(b[1])<<17 | int64(b[2])<<9 | int64(b[3])<<1 | int64(b[4]>>7)
}

// putPCR keeps the 9-bit extension.
func putPCR(b []byte, base int64) {
	base &= 1<<33 - 1
	ext := uint16(b[4]&0x01)<<8 | uint16(b[5])
	b[0] = byte(base >> 25)
	b[1] = byte(base >> 17)
	b[2] = byte(base >> 9)
	b[3] = byte(base >> 1)
	b[4] = byte(base&1)<<7 | 0x7E | byte(ext>>8)
	b[5] = byte(ext)
}
