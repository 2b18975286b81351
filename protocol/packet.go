package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

// NullChar separates the fields of a packet payload.
var NullChar = []byte("\x00\x01")

// MaxFrameSize bounds a single frame payload.
const MaxFrameSize = 0x7fffffff

// Packet is one decoded protocol message. MsgID is the caller supplied
// reply channel id, Data the command argument bytes.
type Packet struct {
	MsgID []byte
	Cmd   Command
	Data  []byte
}

// NewPacket builds a packet for cmd with no arguments.
func NewPacket(msgID []byte, cmd Command) *Packet {
	return &Packet{MsgID: msgID, Cmd: cmd}
}

// Reset zeros the packet so it can go back on a free list.
func (pkt *Packet) Reset() {
	pkt.MsgID = nil
	pkt.Cmd = NOOP
	pkt.Data = nil
}

// Encode renders the payload: msgID NullChar cmd [NullChar data].
func (pkt *Packet) Encode() []byte {
	buf := bytes.NewBuffer(nil)
	buf.Write(pkt.MsgID)
	buf.Write(NullChar)
	buf.WriteByte(byte(pkt.Cmd))
	if len(pkt.Data) > 0 {
		buf.Write(NullChar)
		buf.Write(pkt.Data)
	}
	return buf.Bytes()
}

// Frame renders the full wire form, length header included.
func (pkt *Packet) Frame() []byte {
	payload := pkt.Encode()
	header, _ := MakeHeader(payload)
	return append(header, payload...)
}

// ParsePayloadInto fills pkt from a raw frame payload.
func ParsePayloadInto(payload []byte, pkt *Packet) (err error) {
	parts := bytes.SplitN(payload, NullChar, 3)
	if len(parts) < 2 || len(parts[1]) != 1 {
		err = fmt.Errorf("invalid payload %v", payload)
		return
	}
	pkt.MsgID = parts[0]
	pkt.Cmd = Command(parts[1][0])
	if len(parts) == 3 {
		pkt.Data = parts[2]
	} else {
		pkt.Data = nil
	}
	return
}

// ParsePayload is ParsePayloadInto with a fresh packet.
func ParsePayload(payload []byte) (pkt *Packet, err error) {
	pkt = new(Packet)
	err = ParsePayloadInto(payload, pkt)
	return
}

// MakeHeader builds the 4 byte big endian length header.
func MakeHeader(data []byte) ([]byte, error) {
	header := make([]byte, 4)

	length := uint32(len(data))

	if length > MaxFrameSize {
		return nil, errors.New("data too large")
	}

	header[0] = byte((length >> 24) & 0xff)
	header[1] = byte((length >> 16) & 0xff)
	header[2] = byte((length >> 8) & 0xff)
	header[3] = byte((length >> 0) & 0xff)

	return header, nil
}

// ParseHeader reads the length out of a header, masking the high bit.
func ParseHeader(header []byte) uint32 {
	length := uint32(header[0])<<24 | uint32(header[1])<<16 | uint32(header[2])<<8 | uint32(header[3])
	length = length & ^uint32(0x80000000)

	return length
}
