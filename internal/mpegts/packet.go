package mpegts

import "fmt"

const (
	packetSize = 188
	syncByte   = 0x47
	pidPAT     = 0x0000
	pidNull    = 0x1FFF
)

func parsePacket(buf []byte) (*Packet, error) {
	if len(buf) != packetSize {
		return nil, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), packetSize)
	}
	if buf[0] != syncByte {
		return nil, fmt.Errorf("mpegts: invalid sync byte 0x%02X", buf[0])
	}

	h := PacketHeader{
		TransportErrorIndicator:   buf[1]&0x80 != 0,
		PayloadUnitStartIndicator: buf[1]&0x40 != 0,
		PID:                       uint16(buf[1]&0x1F)<<8 | uint16(buf[2]),
		HasAdaptationField:        buf[3]&0x20 != 0,
		HasPayload:                buf[3]&0x10 != 0,
		ContinuityCounter:         buf[3] & 0x0F,
	}

	start := 4
	if h.HasAdaptationField {
		afLen := int(buf[4])
		if afLen > 0 {
			h.DiscontinuityIndicator = buf[5]&0x80 != 0
		}
		start = min(5+afLen, packetSize)
	}

	p := &Packet{Header: h}
	if h.HasPayload && start < packetSize {
		p.Payload = make([]byte, packetSize-start)
		copy(p.Payload, buf[start:])
	}
	return p, nil
}
