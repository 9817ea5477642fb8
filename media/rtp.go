// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, shrhoads

package media

import "encoding/binary"

// IsRTP reports whether buf starts with a plausible RTP fixed header:
// version 2 and a payload type outside the range RTCP packet types land on.
func IsRTP(buf []byte) bool {
	if len(buf) < 12 {
		return false
	}
	if buf[0]>>6 != 2 {
		return false
	}
	pt := buf[1] & 0x7F
	return pt < 64 || pt >= 96
}

// IsRTCP reports whether buf starts with a plausible RTCP header. RTCP
// packet types 192-223 overlap the RTP payload type field at 64-95 once the
// marker bit is masked off.
func IsRTCP(buf []byte) bool {
	if len(buf) < 8 {
		return false
	}
	if buf[0]>>6 != 2 {
		return false
	}
	pt := buf[1] & 0x7F
	return pt >= 64 && pt < 96
}

// The accessors below index the fixed RTP header directly. Callers gate on
// IsRTP first.

func RTPPayloadType(buf []byte) uint8 { return buf[1] & 0x7F }

func RTPSequence(buf []byte) uint16 { return binary.BigEndian.Uint16(buf[2:4]) }

func RTPTimestamp(buf []byte) uint32 { return binary.BigEndian.Uint32(buf[4:8]) }

func RTPSSRC(buf []byte) uint32 { return binary.BigEndian.Uint32(buf[8:12]) }

func SetRTPSequence(buf []byte, seq uint16) { binary.BigEndian.PutUint16(buf[2:4], seq) }

func SetRTPTimestamp(buf []byte, ts uint32) { binary.BigEndian.PutUint32(buf[4:8], ts) }

func SetRTPSSRC(buf []byte, ssrc uint32) { binary.BigEndian.PutUint32(buf[8:12], ssrc) }
