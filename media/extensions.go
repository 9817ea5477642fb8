// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, shrhoads

package media

import "github.com/pion/rtp"

// ParseAudioLevel extracts the RFC 6464 audio level extension from a raw
// RTP packet. id is the extmap identifier negotiated in the SDP. ok is
// false when the packet carries no such extension.
func ParseAudioLevel(pkt []byte, id uint8) (level int8, vad bool, ok bool) {
	ext := headerExtension(pkt, id)
	if len(ext) < 1 {
		return 0, false, false
	}
	return int8(ext[0] & 0x7F), ext[0]&0x80 != 0, true
}

// ParseVideoOrientation extracts the 3GPP CVO (urn:3gpp:video-orientation)
// extension: rotation in degrees plus the back-camera and flip bits.
func ParseVideoOrientation(pkt []byte, id uint8) (rotation int16, backCamera, flipped bool, ok bool) {
	ext := headerExtension(pkt, id)
	if len(ext) < 1 {
		return 0, false, false, false
	}
	r1 := ext[0]&0x02 != 0
	r0 := ext[0]&0x01 != 0
	switch {
	case r1 && r0:
		rotation = 270
	case r1:
		rotation = 180
	case r0:
		rotation = 90
	}
	return rotation, ext[0]&0x08 != 0, ext[0]&0x04 != 0, true
}

func headerExtension(pkt []byte, id uint8) []byte {
	var hdr rtp.Header
	if _, err := hdr.Unmarshal(pkt); err != nil || !hdr.Extension {
		return nil
	}
	return hdr.GetExtension(id)
}
