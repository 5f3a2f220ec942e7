package ble

// Host <-> controller serial protocol: a signed, length-prefixed frame with a
// CRC8 over the header and a CRC16 over the body.
//
//	sig(2) | size(2 LE) | type(1) | seq(1) | crc8(1) | crc16(2 LE) | opcode(1) | payload
//
// size counts itself and everything after it.

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	frameSig0        = 0xB1
	frameSig1        = 0xE7
	frameHeaderSize  = 7
	frameBodyCRCSize = 2
	maxFrameSize     = 512
)

const frameType uint8 = 0x01

// Controller -> host.
const (
	opWriteInd        uint8 = 0x81 // conn(2) handle(2) offset(2) value
	opReadInd         uint8 = 0x82 // conn(2) handle(2) offset(2)
	opConnectedInd    uint8 = 0x83 // conn(2) addr_type(1) addr(6)
	opDisconnectedInd uint8 = 0x84 // conn(2) reason(1)
)

// Host -> controller.
const (
	opWriteRsp uint8 = 0x01 // conn(2) handle(2) att_err(1)
	opReadRsp  uint8 = 0x02 // conn(2) handle(2) att_err(1) value
	opAdvStart uint8 = 0x03 // adv_data
	opNotify   uint8 = 0x04 // handle(2) value
	opAdvStop  uint8 = 0x05
)

func opName(op uint8) string {
	switch op {
	case opWriteInd:
		return "WriteInd"
	case opReadInd:
		return "ReadInd"
	case opConnectedInd:
		return "ConnectedInd"
	case opDisconnectedInd:
		return "DisconnectedInd"
	case opWriteRsp:
		return "WriteRsp"
	case opReadRsp:
		return "ReadRsp"
	case opAdvStart:
		return "AdvStart"
	case opNotify:
		return "Notify"
	case opAdvStop:
		return "AdvStop"
	default:
		return fmt.Sprintf("0x%02X", op)
	}
}

type frame struct {
	Seq     uint8
	Opcode  uint8
	Payload []byte
}

// --- CRC-8 (reflected poly 0xB2, init 0xFF, xorout 0xFF) ---

var crc8Table [256]uint8

// --- CRC-16/KERMIT (reflected poly 0x8408, init 0, xorout 0) ---

var crc16Table [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		c8 := uint8(i)
		c16 := uint16(i)
		for bit := 0; bit < 8; bit++ {
			if c8&1 != 0 {
				c8 = (c8 >> 1) ^ 0xB2
			} else {
				c8 >>= 1
			}
			if c16&1 != 0 {
				c16 = (c16 >> 1) ^ 0x8408
			} else {
				c16 >>= 1
			}
		}
		crc8Table[i] = c8
		crc16Table[i] = c16
	}
}

func crc8(data []byte) uint8 {
	crc := uint8(0xFF)
	for _, b := range data {
		crc = crc8Table[crc^b]
	}
	return crc ^ 0xFF
}

func crc16(data []byte) uint16 {
	crc := uint16(0)
	for _, b := range data {
		crc = (crc >> 8) ^ crc16Table[(crc^uint16(b))&0xFF]
	}
	return crc
}

func encodeFrame(seq, opcode uint8, payload []byte) []byte {
	body := make([]byte, 1+len(payload))
	body[0] = opcode
	copy(body[1:], payload)

	size := uint16(5 + frameBodyCRCSize + len(body))
	buf := make([]byte, 2+int(size))
	buf[0] = frameSig0
	buf[1] = frameSig1
	binary.LittleEndian.PutUint16(buf[2:4], size)
	buf[4] = frameType
	buf[5] = seq
	buf[6] = crc8(buf[2:6])
	binary.LittleEndian.PutUint16(buf[7:9], crc16(body))
	copy(buf[9:], body)
	return buf
}

func decodeFrame(data []byte) (*frame, error) {
	if len(data) < frameHeaderSize {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}
	if data[0] != frameSig0 || data[1] != frameSig1 {
		return nil, fmt.Errorf("bad signature: 0x%02X%02X", data[0], data[1])
	}
	if got := crc8(data[2:6]); got != data[6] {
		return nil, fmt.Errorf("header crc8 mismatch: got 0x%02X, want 0x%02X", data[6], got)
	}
	if data[4] != frameType {
		return nil, fmt.Errorf("unexpected frame type: 0x%02X", data[4])
	}
	size := int(binary.LittleEndian.Uint16(data[2:4]))
	if size+2 > len(data) {
		return nil, fmt.Errorf("frame truncated: need %d, have %d", size+2, len(data))
	}
	if size < 5+frameBodyCRCSize+1 {
		return nil, fmt.Errorf("frame body too short: size %d", size)
	}

	bodyCRC := binary.LittleEndian.Uint16(data[7:9])
	body := data[9 : 2+size]
	if got := crc16(body); got != bodyCRC {
		return nil, fmt.Errorf("body crc16 mismatch: got 0x%04X, want 0x%04X", bodyCRC, got)
	}

	f := &frame{Seq: data[5], Opcode: body[0]}
	if len(body) > 1 {
		f.Payload = make([]byte, len(body)-1)
		copy(f.Payload, body[1:])
	}
	return f, nil
}

// readRawFrame skips bytes until a signature and returns one whole frame.
func readRawFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != frameSig0 {
			continue
		}
		next, err := r.Peek(1)
		if err != nil {
			return nil, err
		}
		if next[0] != frameSig1 {
			continue
		}
		_, _ = r.ReadByte()

		var sizeBuf [2]byte
		if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
			return nil, err
		}
		size := int(binary.LittleEndian.Uint16(sizeBuf[:]))
		if size < 5 || size > maxFrameSize {
			// Not a real header; resync on the following bytes.
			continue
		}
		raw := make([]byte, 2+size)
		raw[0], raw[1] = frameSig0, frameSig1
		copy(raw[2:4], sizeBuf[:])
		if _, err := io.ReadFull(r, raw[4:]); err != nil {
			return nil, err
		}
		return raw, nil
	}
}
