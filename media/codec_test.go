// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, shrhoads

package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodecKinds(t *testing.T) {
	assert.True(t, IsAudioCodec("opus"))
	assert.True(t, IsAudioCodec("pcmu"))
	assert.True(t, IsAudioCodec("g722"))
	assert.False(t, IsAudioCodec("vp8"))

	assert.True(t, IsVideoCodec("vp8"))
	assert.True(t, IsVideoCodec("h264"))
	assert.False(t, IsVideoCodec("pcma"))

	// Names come pre-lowercased by callers.
	assert.False(t, IsAudioCodec("OPUS"))
	assert.False(t, IsAudioCodec("t140"))
	assert.False(t, IsVideoCodec("t140"))
}

func TestStaticPayloadName(t *testing.T) {
	assert.Equal(t, "pcmu", StaticPayloadName(0))
	assert.Equal(t, "gsm", StaticPayloadName(3))
	assert.Equal(t, "g723", StaticPayloadName(4))
	assert.Equal(t, "pcma", StaticPayloadName(8))
	assert.Equal(t, "g722", StaticPayloadName(9))
	assert.Equal(t, "g729", StaticPayloadName(18))
	assert.Equal(t, "h263", StaticPayloadName(34))

	// Dynamic range has no static assignment.
	assert.Equal(t, "", StaticPayloadName(96))
	assert.Equal(t, "", StaticPayloadName(111))
	assert.Equal(t, "", StaticPayloadName(-1))
}
