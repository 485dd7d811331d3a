package mpegts

import "fmt"

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

// sectionBounds returns the first section in a PSI payload (after the
// pointer field) and whether enough bytes have arrived to hold it.
func sectionBounds(payload []byte) (section []byte, complete bool) {
	if len(payload) < 1 {
		return nil, false
	}
	start := 1 + int(payload[0])
	if start+3 > len(payload) {
		return nil, false
	}
	if payload[start] == 0xFF {
		return nil, true // stuffing only
	}
	end := start + 3 + (int(payload[start+1]&0x0F)<<8 | int(payload[start+2]))
	if end > len(payload) {
		return nil, false
	}
	return payload[start:end], true
}

// parsePAT returns the PMT PID of every program in a PAT section. Program
// number 0 (network PID) is skipped.
func parsePAT(section []byte) ([]Program, error) {
	if len(section) < 12 || section[0] != tableIDPAT {
		return nil, fmt.Errorf("mpegts: malformed PAT section")
	}
	if err := checkSectionCRC(section); err != nil {
		return nil, fmt.Errorf("mpegts: PAT: %w", err)
	}

	var progs []Program
	for i := 8; i+4 <= len(section)-4; i += 4 {
		num := uint16(section[i])<<8 | uint16(section[i+1])
		if num == 0 {
			continue
		}
		progs = append(progs, Program{
			Number: num,
			PMTPID: uint16(section[i+2]&0x1F)<<8 | uint16(section[i+3]),
		})
	}
	return progs, nil
}

// parsePMT decodes the elementary stream loop of a PMT section.
func parsePMT(section []byte, pmtPID uint16) (*Program, error) {
	if len(section) < 16 || section[0] != tableIDPMT {
		return nil, fmt.Errorf("mpegts: malformed PMT section on PID %d", pmtPID)
	}
	if err := checkSectionCRC(section); err != nil {
		return nil, fmt.Errorf("mpegts: PMT on PID %d: %w", pmtPID, err)
	}

	prog := &Program{
		Number: uint16(section[3])<<8 | uint16(section[4]),
		PMTPID: pmtPID,
		PCRPID: uint16(section[8]&0x1F)<<8 | uint16(section[9]),
	}

	loopEnd := len(section) - 4
	off := 12 + (int(section[10]&0x0F)<<8 | int(section[11]))
	for off+5 <= loopEnd {
		prog.Streams = append(prog.Streams, ElementaryStream{
			StreamType: section[off],
			PID:        uint16(section[off+1]&0x1F)<<8 | uint16(section[off+2]),
		})
		off += 5 + (int(section[off+3]&0x0F)<<8 | int(section[off+4]))
	}
	return prog, nil
}
