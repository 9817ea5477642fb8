// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, shrhoads

package media

import (
	"encoding/base64"
	"testing"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfileParse(t *testing.T) {
	for _, name := range []string{
		"AES_CM_128_HMAC_SHA1_32",
		"AES_CM_128_HMAC_SHA1_80",
		"AEAD_AES_128_GCM",
		"AEAD_AES_256_GCM",
	} {
		p, ok := ParseProfile(name)
		require.True(t, ok, name)
		assert.Equal(t, name, p.String())
	}
	_, ok := ParseProfile("AES_CM_256_HMAC_SHA1_80")
	assert.False(t, ok)
}

func TestProfileMasterLen(t *testing.T) {
	for profile, want := range map[Profile]int{
		ProfileAESCM128HMACSHA1_32: 30,
		ProfileAESCM128HMACSHA1_80: 30,
		ProfileAEADAES128GCM:       28,
		ProfileAEADAES256GCM:       44,
	} {
		got, err := profile.MasterLen()
		require.NoError(t, err)
		assert.Equal(t, want, got, profile.String())
	}
}

func testRTPPacket(t *testing.T, seq uint16) []byte {
	t.Helper()
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    111,
			SequenceNumber: seq,
			Timestamp:      960,
			SSRC:           0xDEADBEEF,
		},
		Payload: []byte{1, 2, 3, 4},
	}
	buf, err := pkt.Marshal()
	require.NoError(t, err)
	return buf
}

func TestCryptoRoundtrip(t *testing.T) {
	for _, profile := range []Profile{
		ProfileAESCM128HMACSHA1_32,
		ProfileAESCM128HMACSHA1_80,
		ProfileAEADAES128GCM,
		ProfileAEADAES256GCM,
	} {
		t.Run(profile.String(), func(t *testing.T) {
			local, inline, err := GenerateCrypto(profile)
			require.NoError(t, err)
			defer local.Close()

			masterLen, err := profile.MasterLen()
			require.NoError(t, err)
			require.Len(t, inline, base64.StdEncoding.EncodedLen(masterLen))

			remote, err := DecodeCrypto(profile, inline)
			require.NoError(t, err)
			defer remote.Close()

			plain := testRTPPacket(t, 100)
			sealed, err := local.ProtectRTP(plain)
			require.NoError(t, err)
			require.NotEqual(t, plain, sealed)

			opened, err := remote.UnprotectRTP(sealed)
			require.NoError(t, err)
			assert.Equal(t, plain, opened)

			rr := rtcp.ReceiverReport{SSRC: 0xDEADBEEF}
			plainRTCP, err := rr.Marshal()
			require.NoError(t, err)
			sealedRTCP, err := local.ProtectRTCP(plainRTCP)
			require.NoError(t, err)
			openedRTCP, err := remote.UnprotectRTCP(sealedRTCP)
			require.NoError(t, err)
			assert.Equal(t, plainRTCP, openedRTCP)
		})
	}
}

func TestCryptoReplayRejected(t *testing.T) {
	local, inline, err := GenerateCrypto(ProfileAESCM128HMACSHA1_80)
	require.NoError(t, err)
	defer local.Close()
	remote, err := DecodeCrypto(ProfileAESCM128HMACSHA1_80, inline)
	require.NoError(t, err)
	defer remote.Close()

	sealed, err := local.ProtectRTP(testRTPPacket(t, 7))
	require.NoError(t, err)

	_, err = remote.UnprotectRTP(append([]byte(nil), sealed...))
	require.NoError(t, err)
	_, err = remote.UnprotectRTP(append([]byte(nil), sealed...))
	require.Error(t, err)
	assert.True(t, IsReplay(err), err.Error())
}

func TestDecodeCryptoShortKey(t *testing.T) {
	short := base64.StdEncoding.EncodeToString(make([]byte, 16))
	_, err := DecodeCrypto(ProfileAESCM128HMACSHA1_80, short)
	require.ErrorIs(t, err, ErrShortKey)

	_, err = DecodeCrypto(ProfileAESCM128HMACSHA1_80, "!!!not-base64!!!")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrShortKey)
}

func TestDecodeCryptoIgnoresTrailer(t *testing.T) {
	local, inline, err := GenerateCrypto(ProfileAESCM128HMACSHA1_80)
	require.NoError(t, err)
	defer local.Close()

	// Some endpoints concatenate lifetime/MKI bytes after the master key
	// and some omit base64 padding. Both must still decode.
	raw, err := base64.StdEncoding.DecodeString(inline)
	require.NoError(t, err)
	trailer := base64.RawStdEncoding.EncodeToString(append(raw, 0xDE, 0xAD, 0xBE, 0xEF))
	remote, err := DecodeCrypto(ProfileAESCM128HMACSHA1_80, trailer)
	require.NoError(t, err)
	defer remote.Close()

	plain := testRTPPacket(t, 3)
	sealed, err := local.ProtectRTP(plain)
	require.NoError(t, err)
	opened, err := remote.UnprotectRTP(sealed)
	require.NoError(t, err)
	assert.Equal(t, plain, opened)
}

func TestCryptoCloseZeroesKey(t *testing.T) {
	local, _, err := GenerateCrypto(ProfileAESCM128HMACSHA1_80)
	require.NoError(t, err)
	master := local.master
	local.Close()
	for _, b := range master {
		require.Zero(t, b)
	}
}
