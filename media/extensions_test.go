// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, shrhoads

package media

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func extensionPacket(t *testing.T, id uint8, payload []byte) []byte {
	t.Helper()
	p := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    111,
			SequenceNumber: 1,
			Timestamp:      1,
			SSRC:           1,
		},
		Payload: []byte{0},
	}
	require.NoError(t, p.Header.SetExtension(id, payload))
	buf, err := p.Marshal()
	require.NoError(t, err)
	return buf
}

func TestParseAudioLevel(t *testing.T) {
	pkt := extensionPacket(t, 1, []byte{0x80 | 42})
	level, vad, ok := ParseAudioLevel(pkt, 1)
	require.True(t, ok)
	assert.True(t, vad)
	assert.Equal(t, int8(42), level)

	pkt = extensionPacket(t, 1, []byte{127})
	level, vad, ok = ParseAudioLevel(pkt, 1)
	require.True(t, ok)
	assert.False(t, vad)
	assert.Equal(t, int8(127), level)

	// Wrong extmap id.
	_, _, ok = ParseAudioLevel(pkt, 2)
	assert.False(t, ok)

	// No extension at all.
	_, _, ok = ParseAudioLevel(testRTPPacket(t, 9), 1)
	assert.False(t, ok)
}

func TestParseVideoOrientation(t *testing.T) {
	cases := []struct {
		b        byte
		rotation int16
		back     bool
		flip     bool
	}{
		{0x00, 0, false, false},
		{0x01, 90, false, false},
		{0x02, 180, false, false},
		{0x03, 270, false, false},
		{0x0C, 0, true, true},
		{0x0B, 270, true, false},
	}
	for _, tc := range cases {
		pkt := extensionPacket(t, 3, []byte{tc.b})
		rotation, back, flip, ok := ParseVideoOrientation(pkt, 3)
		require.True(t, ok)
		assert.Equal(t, tc.rotation, rotation)
		assert.Equal(t, tc.back, back)
		assert.Equal(t, tc.flip, flip)
	}

	_, _, _, ok := ParseVideoOrientation(testRTPPacket(t, 9), 3)
	assert.False(t, ok)
}
