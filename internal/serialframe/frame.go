package serialframe

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// FrameType identifies the command or reply carried by a Frame.
type FrameType byte

const (
	TriggerOn     FrameType = 0x01 // payload: rpm u16 LE
	TriggerOff    FrameType = 0x02 // payload: fan_delay_ms u16 LE
	ServoSet      FrameType = 0x10 // payload: id u8, pulse u16 LE
	ServoSettings FrameType = 0x11 // payload: id u8, min, max, max_speed, accel, decel u16 LE
	ServoRecoil   FrameType = 0x12 // payload: id u8, jerk, variance u16 LE
	SmokeHeat     FrameType = 0x20 // payload: on u8
	Init          FrameType = 0xF0
	Shutdown      FrameType = 0xF1
	Keepalive     FrameType = 0xF2

	// Reply-only types sent by the downstream MCU.
	InitReady FrameType = 0xF3 // payload: module name string
	Status    FrameType = 0xF4 // payload: flags u8, fan_remaining u16, servo_us[3] u16, rpm u16
)

// MaxPayload bounds a single frame's payload (length is a u8).
const MaxPayload = 255

// Frame is a decoded (type, payload) pair: a command built for Send, or a
// reply returned by PollReply.
type Frame struct {
	Type    FrameType
	Payload []byte
}

// Encode builds the pre-COBS byte sequence
// type, length, payload, crc8(type+length+payload), and returns it
// COBS-encoded with the trailing 0x00 delimiter appended.
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, fmt.Errorf("serialframe: payload length %d exceeds %d", len(f.Payload), MaxPayload)
	}

	raw := make([]byte, 0, 2+len(f.Payload)+1)
	raw = append(raw, byte(f.Type), byte(len(f.Payload)))
	raw = append(raw, f.Payload...)
	raw = append(raw, crc8(raw))

	encoded := EncodeCOBS(raw)
	return append(encoded, 0x00), nil
}

// Decode reverses Encode for one complete delimited block (the 0x00
// terminator must already be stripped by the caller, as PollReply does).
// It validates the CRC and returns false if the block is malformed or
// the CRC does not match.
func Decode(block []byte) (Frame, bool) {
	raw, ok := DecodeCOBS(block)
	if !ok || len(raw) < 3 {
		return Frame{}, false
	}

	typ := FrameType(raw[0])
	length := int(raw[1])
	if len(raw) != 2+length+1 {
		return Frame{}, false
	}
	payload := raw[2 : 2+length]
	wantCRC := raw[2+length]
	gotCRC := crc8(raw[:2+length])
	if gotCRC != wantCRC {
		return Frame{}, false
	}

	return Frame{Type: typ, Payload: bytes.Clone(payload)}, true
}

// TriggerOnFrame builds a TRIGGER_ON frame for the given rate of fire.
func TriggerOnFrame(rpm uint16) Frame {
	p := make([]byte, 2)
	binary.LittleEndian.PutUint16(p, rpm)
	return Frame{Type: TriggerOn, Payload: p}
}

// TriggerOffFrame builds a TRIGGER_OFF frame carrying the fan run-on delay.
func TriggerOffFrame(fanDelayMs uint16) Frame {
	p := make([]byte, 2)
	binary.LittleEndian.PutUint16(p, fanDelayMs)
	return Frame{Type: TriggerOff, Payload: p}
}

// ServoSetFrame builds a SERVO_SET frame for one servo id and pulse width.
func ServoSetFrame(id uint8, pulseUs uint16) Frame {
	p := make([]byte, 3)
	p[0] = id
	binary.LittleEndian.PutUint16(p[1:], pulseUs)
	return Frame{Type: ServoSet, Payload: p}
}

// ServoSettingsFrame builds a SERVO_SETTINGS frame forwarding motion limits.
func ServoSettingsFrame(id uint8, minUs, maxUs, maxSpeed, accel, decel uint16) Frame {
	p := make([]byte, 11)
	p[0] = id
	binary.LittleEndian.PutUint16(p[1:], minUs)
	binary.LittleEndian.PutUint16(p[3:], maxUs)
	binary.LittleEndian.PutUint16(p[5:], maxSpeed)
	binary.LittleEndian.PutUint16(p[7:], accel)
	binary.LittleEndian.PutUint16(p[9:], decel)
	return Frame{Type: ServoSettings, Payload: p}
}

// ServoRecoilFrame builds a SERVO_RECOIL frame forwarding jerk parameters.
func ServoRecoilFrame(id uint8, jerk, variance uint16) Frame {
	p := make([]byte, 5)
	p[0] = id
	binary.LittleEndian.PutUint16(p[1:], jerk)
	binary.LittleEndian.PutUint16(p[3:], variance)
	return Frame{Type: ServoRecoil, Payload: p}
}

// SmokeHeatFrame builds a SMOKE_HEAT frame.
func SmokeHeatFrame(on bool) Frame {
	var v byte
	if on {
		v = 1
	}
	return Frame{Type: SmokeHeat, Payload: []byte{v}}
}

// InitFrame, ShutdownFrame and KeepaliveFrame carry no payload.
func InitFrame() Frame     { return Frame{Type: Init} }
func ShutdownFrame() Frame { return Frame{Type: Shutdown} }
func KeepaliveFrame() Frame { return Frame{Type: Keepalive} }
