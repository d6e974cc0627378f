package buspro

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Operate codes used on the Buspro bus. Requests and their responses are
// distinct codes; most (but not all) response codes are request+1.
const (
	OpSceneControl                  uint16 = 0x0002
	OpSceneControlResponse          uint16 = 0x0003
	OpDeviceDiscovery               uint16 = 0x000E
	OpDeviceDiscoveryResponse       uint16 = 0x0FA3
	OpSingleChannelControl          uint16 = 0x0031
	OpSingleChannelControlResponse  uint16 = 0x0032
	OpReadStatusOfChannels          uint16 = 0x0033
	OpReadStatusOfChannelsResponse  uint16 = 0x0034
	OpBroadcastSensorStatus         uint16 = 0x1644
	OpReadSensorStatus              uint16 = 0x1645
	OpReadSensorStatusResponse      uint16 = 0x1646
	OpBroadcastSensorStatusAuto     uint16 = 0x1647
	OpReadSensorsInOneStatus        uint16 = 0x1604
	OpReadSensorsInOneResponse      uint16 = 0x1605
	OpReadFloorHeatingStatus        uint16 = 0x1944
	OpReadFloorHeatingResponse      uint16 = 0x1945
	OpControlFloorHeating           uint16 = 0x1946
	OpControlFloorHeatingResponse   uint16 = 0x1947
	OpReadDryContactStatus          uint16 = 0x15CE
	OpReadDryContactStatusResponse  uint16 = 0x15CF
	OpUniversalSwitchControl        uint16 = 0xE01C
	OpUniversalSwitchResponse       uint16 = 0xE01D
	OpReadUniversalSwitch           uint16 = 0xE018
	OpReadUniversalSwitchResponse   uint16 = 0xE019
	OpBroadcastUniversalSwitch      uint16 = 0xE017
	OpBroadcastTemperatureResponse  uint16 = 0xE3E5
)

// BroadcastAddress is the subnet/device wildcard address. A telegram
// targeting device 0xFF is answered by every device on the subnet.
const BroadcastAddress uint8 = 0xFF

// responseOpCodes maps a request operate code to the code its replies
// carry. Requests absent from this table get a device-wildcard pending
// key instead (some device families answer on undocumented codes).
var responseOpCodes = map[uint16]uint16{
	OpSceneControl:           OpSceneControlResponse,
	OpDeviceDiscovery:        OpDeviceDiscoveryResponse,
	OpSingleChannelControl:   OpSingleChannelControlResponse,
	OpReadStatusOfChannels:   OpReadStatusOfChannelsResponse,
	OpReadSensorStatus:       OpReadSensorStatusResponse,
	OpReadSensorsInOneStatus: OpReadSensorsInOneResponse,
	OpReadFloorHeatingStatus: OpReadFloorHeatingResponse,
	OpControlFloorHeating:    OpControlFloorHeatingResponse,
	OpReadDryContactStatus:   OpReadDryContactStatusResponse,
	OpUniversalSwitchControl: OpUniversalSwitchResponse,
	OpReadUniversalSwitch:    OpReadUniversalSwitchResponse,
}

// noReplyOpCodes lists operate codes that never produce a reply.
// Sends using these bypass the correlator entirely.
var noReplyOpCodes = map[uint16]bool{
	OpBroadcastUniversalSwitch:     true,
	OpBroadcastSensorStatus:        true,
	OpBroadcastSensorStatusAuto:    true,
	OpBroadcastTemperatureResponse: true,
}

// FrameFormat selects the wire framing emitted for outgoing telegrams.
// Both formats are accepted on receive regardless of this setting.
type FrameFormat string

const (
	// FrameHDLMiracle is the framing used by HDL Ethernet gateways: an
	// IP marker, the ASCII "HDLMIRACLE" signature, and a CRC-16 trailer.
	FrameHDLMiracle FrameFormat = "hdlmiracle"

	// FrameRaw is the bare bus framing with a 1-byte additive checksum.
	FrameRaw FrameFormat = "raw"
)

// Wire framing constants.
const (
	// frameMarker precedes every telegram's header fields.
	frameMarkerHi = 0xAA
	frameMarkerLo = 0xAA

	// signatureWindow is how far into a datagram the marker is searched
	// for. Gateway firmwares prepend marker bytes inconsistently.
	signatureWindow = 20

	// miracleOverhead is the byte count the length field covers beyond
	// the payload: the length byte itself, source address (2), device
	// type (2), operate code (2), target address (2), CRC (2).
	miracleOverhead = 11

	// rawHeaderLen is the byte count of a raw frame without payload:
	// marker (2), source (2), operate code (2), target (2), length (1),
	// checksum (1).
	rawHeaderLen = 10

	// maxPayloadLen is the largest payload the length field can declare.
	maxPayloadLen = 255
)

// signature is the ASCII marker HDL Ethernet gateways place before the
// 0xAA 0xAA bytes.
var signature = []byte("HDLMIRACLE")

// miraclePrefix is the fixed leader of an HDLMIRACLE frame. The first
// four bytes mimic an IPv4 address; gateways ignore their value.
var miraclePrefix = []byte{0xC0, 0xA8, 0x01, 0x0F}

// sourceDeviceType is the device type this gateway reports about itself
// in outgoing HDLMIRACLE frames.
const sourceDeviceType uint16 = 0xFFFC

// Telegram is one logical Buspro message: addressing, an operate code
// and up to 255 payload bytes. Telegrams are immutable values; Decode
// copies payload bytes out of the receive buffer.
type Telegram struct {
	SourceSubnet uint8
	SourceDevice uint8
	TargetSubnet uint8
	TargetDevice uint8
	OperateCode  uint16
	Payload      []byte
}

// String returns a compact human-readable form for logging.
func (t Telegram) String() string {
	return fmt.Sprintf("Telegram{%d.%d->%d.%d op=0x%04X data=%X}",
		t.SourceSubnet, t.SourceDevice, t.TargetSubnet, t.TargetDevice, t.OperateCode, t.Payload)
}

// IsBroadcast reports whether the telegram targets the subnet-wide
// broadcast device address.
func (t Telegram) IsBroadcast() bool {
	return t.TargetDevice == BroadcastAddress
}

// ExpectsReply reports whether a send of this telegram should register
// a pending request. Broadcast targets and no-reply operate codes are
// fire-and-forget.
func (t Telegram) ExpectsReply() bool {
	return !t.IsBroadcast() && !noReplyOpCodes[t.OperateCode]
}

// Encode serialises the telegram in the given frame format.
//
// Returns ErrPayloadTooLarge if the payload does not fit the one-byte
// length field.
func Encode(t Telegram, format FrameFormat) ([]byte, error) {
	// The gateway framing's length byte also covers 11 bytes of header
	// and trailer, so its payload ceiling is lower than raw's.
	limit := maxPayloadLen
	if format != FrameRaw {
		limit = maxPayloadLen - miracleOverhead
	}
	if len(t.Payload) > limit {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrPayloadTooLarge, len(t.Payload), limit)
	}

	if format == FrameRaw {
		return encodeRaw(t), nil
	}
	return encodeMiracle(t), nil
}

// encodeMiracle emits the HDL Ethernet gateway framing.
//
//	[prefix 4]["HDLMIRACLE"][0xAA 0xAA][len][srcSubnet][srcDev]
//	[devType 2][op 2][dstSubnet][dstDev][payload][crc 2]
//
// len covers itself through the payload plus the CRC. The CRC-16 is
// computed over the length byte through the last payload byte.
func encodeMiracle(t Telegram) []byte {
	frameLen := miracleOverhead + len(t.Payload)
	buf := make([]byte, 0, len(miraclePrefix)+len(signature)+2+frameLen)

	buf = append(buf, miraclePrefix...)
	buf = append(buf, signature...)
	buf = append(buf, frameMarkerHi, frameMarkerLo)

	crcStart := len(buf)
	buf = append(buf, uint8(frameLen))
	buf = append(buf, t.SourceSubnet, t.SourceDevice)
	buf = append(buf, uint8(sourceDeviceType>>8), uint8(sourceDeviceType&0xFF))
	buf = append(buf, uint8(t.OperateCode>>8), uint8(t.OperateCode&0xFF))
	buf = append(buf, t.TargetSubnet, t.TargetDevice)
	buf = append(buf, t.Payload...)

	crc := crc16(buf[crcStart:])
	buf = append(buf, uint8(crc>>8), uint8(crc&0xFF))
	return buf
}

// encodeRaw emits the bare framing:
//
//	[0xAA 0xAA][srcSubnet][srcDev][op 2][dstSubnet][dstDev][len]
//	[payload][sum]
//
// The trailing byte is the additive sum of every preceding byte.
func encodeRaw(t Telegram) []byte {
	buf := make([]byte, 0, rawHeaderLen+len(t.Payload))
	buf = append(buf, frameMarkerHi, frameMarkerLo)
	buf = append(buf, t.SourceSubnet, t.SourceDevice)
	buf = append(buf, uint8(t.OperateCode>>8), uint8(t.OperateCode&0xFF))
	buf = append(buf, t.TargetSubnet, t.TargetDevice)
	buf = append(buf, uint8(len(t.Payload)))
	buf = append(buf, t.Payload...)
	buf = append(buf, additiveSum(buf))
	return buf
}

// Decode parses a received datagram into a Telegram.
//
// The 0xAA 0xAA marker is searched for within the first 20 bytes rather
// than assumed at a fixed offset; when the ten bytes before it spell
// "HDLMIRACLE" the frame is parsed in gateway format, otherwise in raw
// format. A declared payload length overrunning the buffer is clamped
// to the bytes actually present and the trailer check is skipped;
// truncated frames are corrupt but recoverable. Complete frames with a
// bad trailer fail with ErrChecksum.
func Decode(data []byte) (Telegram, error) {
	if len(data) < rawHeaderLen {
		return Telegram{}, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(data))
	}

	idx := findMarker(data)
	if idx < 0 {
		return Telegram{}, fmt.Errorf("%w: no frame marker in first %d bytes", ErrMalformedFrame, signatureWindow)
	}

	if idx >= len(signature) && bytes.Equal(data[idx-len(signature):idx], signature) {
		return decodeMiracle(data, idx)
	}
	return decodeRaw(data, idx)
}

// findMarker locates the 0xAA 0xAA pair within the signature window.
func findMarker(data []byte) int {
	limit := len(data) - 1
	if limit > signatureWindow {
		limit = signatureWindow
	}
	for i := 0; i < limit; i++ {
		if data[i] == frameMarkerHi && data[i+1] == frameMarkerLo {
			return i
		}
	}
	return -1
}

// decodeMiracle parses a gateway frame. idx is the marker position;
// fields start at idx+2.
func decodeMiracle(data []byte, idx int) (Telegram, error) {
	// Length byte plus the 8 fixed header bytes must be present.
	fields := idx + 2
	if len(data) < fields+9 {
		return Telegram{}, fmt.Errorf("%w: %d bytes after marker", ErrFrameTooShort, len(data)-fields)
	}

	frameLen := int(data[fields])
	payloadLen := frameLen - miracleOverhead
	if payloadLen < 0 {
		payloadLen = 0
	}

	t := Telegram{
		SourceSubnet: data[fields+1],
		SourceDevice: data[fields+2],
		// fields+3, fields+4: source device type, not retained
		OperateCode:  binary.BigEndian.Uint16(data[fields+5 : fields+7]),
		TargetSubnet: data[fields+7],
		TargetDevice: data[fields+8],
	}

	payloadStart := fields + 9
	available := len(data) - payloadStart
	truncated := false
	if payloadLen > available {
		payloadLen = available
		truncated = true
	}
	t.Payload = append([]byte(nil), data[payloadStart:payloadStart+payloadLen]...)

	// Verify the CRC only when the full declared frame arrived.
	if !truncated && len(data) >= payloadStart+payloadLen+2 {
		want := binary.BigEndian.Uint16(data[payloadStart+payloadLen : payloadStart+payloadLen+2])
		got := crc16(data[fields : payloadStart+payloadLen])
		if want != got {
			return Telegram{}, fmt.Errorf("%w: crc16 want 0x%04X got 0x%04X", ErrChecksum, want, got)
		}
	}

	return t, nil
}

// decodeRaw parses a bare frame starting at the marker position idx.
func decodeRaw(data []byte, idx int) (Telegram, error) {
	if len(data) < idx+rawHeaderLen {
		return Telegram{}, fmt.Errorf("%w: %d bytes after marker", ErrFrameTooShort, len(data)-idx)
	}

	t := Telegram{
		SourceSubnet: data[idx+2],
		SourceDevice: data[idx+3],
		OperateCode:  binary.BigEndian.Uint16(data[idx+4 : idx+6]),
		TargetSubnet: data[idx+6],
		TargetDevice: data[idx+7],
	}

	payloadLen := int(data[idx+8])
	payloadStart := idx + 9
	available := len(data) - payloadStart
	truncated := false
	if payloadLen > available {
		payloadLen = available
		truncated = true
	}
	t.Payload = append([]byte(nil), data[payloadStart:payloadStart+payloadLen]...)

	if !truncated && len(data) >= payloadStart+payloadLen+1 {
		want := data[payloadStart+payloadLen]
		got := additiveSum(data[idx : payloadStart+payloadLen])
		if want != got {
			return Telegram{}, fmt.Errorf("%w: sum want 0x%02X got 0x%02X", ErrChecksum, want, got)
		}
	}

	return t, nil
}

// additiveSum is the legacy 1-byte checksum: the sum of all frame bytes
// modulo 256.
func additiveSum(data []byte) uint8 {
	var sum uint8
	for _, b := range data {
		sum += b
	}
	return sum
}

// crc16 computes CRC-16/XMODEM (poly 0x1021, init 0x0000, no
// reflection), the variant HDL gateways use for the 2-byte trailer.
func crc16(data []byte) uint16 {
	var reg uint16
	for _, octet := range data {
		reg ^= uint16(octet) << 8
		for i := 0; i < 8; i++ {
			if reg&0x8000 != 0 {
				reg = reg<<1 ^ 0x1021
			} else {
				reg <<= 1
			}
		}
	}
	return reg
}
