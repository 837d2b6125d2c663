/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package frame

import (
	"encoding/binary"
	"errors"
)

// ErrNeedMore is returned by DecodeFrame when buf does not yet hold a full
// frame. It is not a decode error - the caller should wait for more bytes.
var ErrNeedMore = errors.New("frame: need more data")

// frameHeaderSize is the fixed 8-byte NGTP header: u32 length, u16 tid,
// u16 packet type, all big-endian.
const frameHeaderSize = 8

// Frame is a decoded NGTP frame: a transaction ID, a packet type, and its
// payload. TID is 16-bit on the wire (§3) even though the allocator's
// public range matches it exactly.
type Frame struct {
	TID  uint16
	Type PacketType
	Data []byte
}

// Encode produces the wire form of a frame: be_u32(len(payload)) ||
// be_u16(tid) || be_u16(type) || payload. The canonical field order is
// (length, tid, type) in both Encode and DecodeFrame - a reconnect-era draft
// of this client swapped these two ways inconsistently; this implementation
// never does.
func Encode(tid uint16, typ PacketType, payload []byte) []byte {
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint16(buf[4:6], tid)
	binary.BigEndian.PutUint16(buf[6:8], uint16(typ))
	copy(buf[frameHeaderSize:], payload)
	return buf
}

// DecodeFrame attempts to parse one frame from the front of buf. It returns
// ErrNeedMore, without touching buf, if fewer than frameHeaderSize bytes are
// present or the header declares a payload longer than what's buffered.
// On success it returns the decoded frame and the number of bytes consumed
// (always frameHeaderSize+len(payload)); the caller is expected to drop that
// many bytes from its read buffer. An unrecognised packet type is not an
// error - DecodeFrame always succeeds once the bytes are present; callers
// check Frame.Type.IsKnown().
func DecodeFrame(buf []byte) (Frame, int, error) {
	if len(buf) < frameHeaderSize {
		return Frame{}, 0, ErrNeedMore
	}
	length := binary.BigEndian.Uint32(buf[0:4])
	tid := binary.BigEndian.Uint16(buf[4:6])
	typ := binary.BigEndian.Uint16(buf[6:8])

	total := frameHeaderSize + int(length)
	if len(buf) < total {
		return Frame{}, 0, ErrNeedMore
	}

	data := make([]byte, length)
	copy(data, buf[frameHeaderSize:total])
	return Frame{TID: tid, Type: PacketType(typ), Data: data}, total, nil
}
