package mpegts

import "fmt"

type pesHeader struct {
	streamID byte
	pts      int64
	dts      int64
	hasPTS   bool
	hasDTS   bool
}

// hasOptionalHeader reports whether a PES stream_id carries the optional
// header (flags, PTS/DTS). padding, private_stream_2, ECM, EMM, DSMCC,
// H.222.1 type E and the program stream directory do not.
func hasOptionalHeader(streamID byte) bool {
	switch streamID {
	case 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return false
	}
	return true
}

// parsePES splits a reassembled PES unit into its header and payload.
func parsePES(unit []byte) (pesHeader, []byte, error) {
	var h pesHeader
	if len(unit) < 6 || unit[0] != 0x00 || unit[1] != 0x00 || unit[2] != 0x01 {
		return h, nil, fmt.Errorf("mpegts: missing PES start code")
	}
	h.streamID = unit[3]
	end := len(unit)
	if n := int(unit[4])<<8 | int(unit[5]); n > 0 && 6+n < end {
		end = 6 + n
	}

	if !hasOptionalHeader(h.streamID) {
		return h, unit[6:end], nil
	}
	if end < 9 {
		return h, nil, fmt.Errorf("mpegts: PES optional header truncated")
	}

	start := min(9+int(unit[8]), end)
	switch unit[7] >> 6 {
	case 2:
		if start >= 14 {
			h.pts, h.hasPTS = decodeTimestamp(unit[9:14]), true
		}
	case 3:
		if start >= 19 {
			h.pts, h.hasPTS = decodeTimestamp(unit[9:14]), true
			h.dts, h.hasDTS = decodeTimestamp(unit[14:19]), true
		}
	}
	return h, unit[start:end], nil
}

// decodeTimestamp unpacks a 33-bit PTS/DTS from its 5-byte marker-bit form.
func decodeTimestamp(b []byte) int64 {
	return int64(b[0]>>1&0x07)<<30 |
		int64(b[1])<<22 |
		int64(b[2]>>1)<<15 |
		int64(b[3])<<7 |
		int64(b[4]>>1)
}
