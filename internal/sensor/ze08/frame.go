// Package ze08 drives a Winsen ZE08-CH2O formaldehyde sensor over UART
// (9600 8N1). The sensor speaks fixed 9-byte frames:
//
//	active upload:   FF 17 04 00 PH PL RH RL CS   (PH/PL = ppb, RH/RL = range)
//	Q&A response:    FF 86 UH UL 00 00 PH PL CS   (UH/UL = ug/m3, PH/PL = ppb)
//
// where CS is the two's complement of the sum of bytes 1..7.
package ze08

import (
	"errors"
	"fmt"
)

// FrameLen is the size of every ZE08 frame.
const FrameLen = 9

const (
	startByte    = 0xFF
	gasCH2O      = 0x17
	cmdReadReply = 0x86
)

// Commands sent to the sensor.
var (
	cmdActive  = command(0x78, 0x40)
	cmdPassive = command(0x78, 0x41)
	cmdRead    = command(0x86, 0x00)
)

// ErrChecksum is returned for a frame whose checksum does not match.
var ErrChecksum = errors.New("ze08: checksum mismatch")

// command builds a host-to-sensor frame: FF 01 <cmd> <arg> 00 00 00 00 CS.
func command(cmd, arg byte) []byte {
	f := []byte{startByte, 0x01, cmd, arg, 0, 0, 0, 0, 0}
	f[8] = checksum(f)
	return f
}

// checksum computes the frame checksum over bytes 1..7.
func checksum(f []byte) byte {
	var sum byte
	for _, b := range f[1:8] {
		sum += b
	}
	return ^sum + 1
}

// Frame is a decoded sensor frame.
type Frame struct {
	PPB   uint16
	Range uint16 // full scale in ppb; active frames only
	UGM3  uint16 // Q&A responses only
	Reply bool   // true for a Q&A response
}

// ParseFrame decodes a single 9-byte frame.
func ParseFrame(b []byte) (Frame, error) {
	if len(b) != FrameLen {
		return Frame{}, fmt.Errorf("ze08: frame length %d, want %d", len(b), FrameLen)
	}
	if b[0] != startByte {
		return Frame{}, fmt.Errorf("ze08: bad start byte 0x%02X", b[0])
	}
	if checksum(b) != b[8] {
		return Frame{}, ErrChecksum
	}

	switch b[1] {
	case gasCH2O:
		return Frame{
			PPB:   uint16(b[4])<<8 | uint16(b[5]),
			Range: uint16(b[6])<<8 | uint16(b[7]),
		}, nil
	case cmdReadReply:
		return Frame{
			UGM3:  uint16(b[2])<<8 | uint16(b[3]),
			PPB:   uint16(b[6])<<8 | uint16(b[7]),
			Reply: true,
		}, nil
	default:
		return Frame{}, fmt.Errorf("ze08: unknown frame type 0x%02X", b[1])
	}
}

// scanner extracts frames from a byte stream, resynchronising on the
// start byte after noise or a bad checksum.
type scanner struct {
	buf []byte
}

// feed appends raw bytes.
func (s *scanner) feed(p []byte) {
	s.buf = append(s.buf, p...)
}

// next returns the next valid frame in the buffer, if any.
func (s *scanner) next() (Frame, bool) {
	for {
		i := 0
		for i < len(s.buf) && s.buf[i] != startByte {
			i++
		}
		s.buf = s.buf[i:]
		if len(s.buf) < FrameLen {
			return Frame{}, false
		}
		f, err := ParseFrame(s.buf[:FrameLen])
		if err != nil {
			s.buf = s.buf[1:]
			continue
		}
		s.buf = s.buf[FrameLen:]
		return f, true
	}
}
