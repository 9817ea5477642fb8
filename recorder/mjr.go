// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, shrhoads

package recorder

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"
)

const (
	fileMagic   = "MJR00002"
	frameMarker = "MEET"
)

type mjrInfo struct {
	Type    string `json:"t"`
	Codec   string `json:"c"`
	OpusRED uint8  `json:"o,omitempty"`
	Created int64  `json:"s"`
	First   int64  `json:"u"`
}

// mjrWriter frames packets into an MJR container: an 8-byte magic, one
// length-prefixed JSON info blob, then per frame a 4-byte marker, the
// 32-bit arrival offset in milliseconds and the 16-bit packet length, all
// big-endian.
type mjrWriter struct {
	w io.Writer
}

func (m *mjrWriter) writeMagic() error {
	_, err := io.WriteString(m.w, fileMagic)
	return err
}

func (m *mjrWriter) writeInfo(info mjrInfo) error {
	blob, err := json.Marshal(info)
	if err != nil {
		return err
	}
	var size [2]byte
	binary.BigEndian.PutUint16(size[:], uint16(len(blob)))
	if _, err := m.w.Write(size[:]); err != nil {
		return err
	}
	_, err = m.w.Write(blob)
	return err
}

func (m *mjrWriter) writeFrame(offset time.Duration, pkt []byte) error {
	if len(pkt) > math.MaxUint16 {
		return fmt.Errorf("frame of %d bytes does not fit the container", len(pkt))
	}
	hdr := make([]byte, 0, len(frameMarker)+6)
	hdr = append(hdr, frameMarker...)
	hdr = binary.BigEndian.AppendUint32(hdr, uint32(offset.Milliseconds()))
	hdr = binary.BigEndian.AppendUint16(hdr, uint16(len(pkt)))
	if _, err := m.w.Write(hdr); err != nil {
		return err
	}
	_, err := m.w.Write(pkt)
	return err
}
