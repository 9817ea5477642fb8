// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, shrhoads

package media

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/srtp/v3"
)

// replayWindow is the SRTP/SRTCP replay protection window, matching the
// usual libsrtp default.
const replayWindow = 64

var (
	// ErrUnsupportedProfile is returned for crypto suites outside the
	// negotiable set.
	ErrUnsupportedProfile = errors.New("unsupported SRTP profile")
	// ErrShortKey is returned when decoded inline key material is shorter
	// than the profile's master length.
	ErrShortKey = errors.New("SRTP master key too short")
)

// Profile is an SDES crypto suite as negotiated in an SDP crypto attribute.
type Profile int

const (
	ProfileAESCM128HMACSHA1_32 Profile = iota + 1
	ProfileAESCM128HMACSHA1_80
	ProfileAEADAES128GCM
	ProfileAEADAES256GCM
)

// ParseProfile maps a wire suite name to a Profile.
func ParseProfile(name string) (Profile, bool) {
	switch name {
	case "AES_CM_128_HMAC_SHA1_32":
		return ProfileAESCM128HMACSHA1_32, true
	case "AES_CM_128_HMAC_SHA1_80":
		return ProfileAESCM128HMACSHA1_80, true
	case "AEAD_AES_128_GCM":
		return ProfileAEADAES128GCM, true
	case "AEAD_AES_256_GCM":
		return ProfileAEADAES256GCM, true
	}
	return 0, false
}

func (p Profile) String() string {
	switch p {
	case ProfileAESCM128HMACSHA1_32:
		return "AES_CM_128_HMAC_SHA1_32"
	case ProfileAESCM128HMACSHA1_80:
		return "AES_CM_128_HMAC_SHA1_80"
	case ProfileAEADAES128GCM:
		return "AEAD_AES_128_GCM"
	case ProfileAEADAES256GCM:
		return "AEAD_AES_256_GCM"
	}
	return "UNKNOWN"
}

// protectionProfile maps onto the pion suite. The SHA1_32 suite keeps the
// 80-bit auth tag on RTCP per RFC 4568, which pion applies on its own.
func (p Profile) protectionProfile() (srtp.ProtectionProfile, error) {
	switch p {
	case ProfileAESCM128HMACSHA1_32:
		return srtp.ProtectionProfileAes128CmHmacSha1_32, nil
	case ProfileAESCM128HMACSHA1_80:
		return srtp.ProtectionProfileAes128CmHmacSha1_80, nil
	case ProfileAEADAES128GCM:
		return srtp.ProtectionProfileAeadAes128Gcm, nil
	case ProfileAEADAES256GCM:
		return srtp.ProtectionProfileAeadAes256Gcm, nil
	}
	return 0, ErrUnsupportedProfile
}

// MasterLen is the key+salt length of the inline SDES material.
func (p Profile) MasterLen() (int, error) {
	pp, err := p.protectionProfile()
	if err != nil {
		return 0, err
	}
	keyLen, err := pp.KeyLen()
	if err != nil {
		return 0, err
	}
	saltLen, err := pp.SaltLen()
	if err != nil {
		return 0, err
	}
	return keyLen + saltLen, nil
}

// CryptoContext is one direction of one media's SDES protection: a pair of
// pion contexts sharing the same master material, one for RTP and one for
// RTCP, the same split pion uses for its own SRTP sessions.
type CryptoContext struct {
	profile Profile
	master  []byte
	rtp     *srtp.Context
	rtcp    *srtp.Context
}

// NewCryptoContext derives RTP and RTCP protection contexts from master
// key material (key||salt).
func NewCryptoContext(profile Profile, master []byte) (*CryptoContext, error) {
	pp, err := profile.protectionProfile()
	if err != nil {
		return nil, err
	}
	keyLen, err := pp.KeyLen()
	if err != nil {
		return nil, err
	}
	masterLen, err := profile.MasterLen()
	if err != nil {
		return nil, err
	}
	if len(master) < masterLen {
		return nil, ErrShortKey
	}
	key, salt := master[:keyLen], master[keyLen:masterLen]
	rtpCtx, err := srtp.CreateContext(key, salt, pp, srtp.SRTPReplayProtection(replayWindow))
	if err != nil {
		return nil, fmt.Errorf("creating SRTP context: %w", err)
	}
	rtcpCtx, err := srtp.CreateContext(key, salt, pp, srtp.SRTCPReplayProtection(replayWindow))
	if err != nil {
		return nil, fmt.Errorf("creating SRTCP context: %w", err)
	}
	own := make([]byte, masterLen)
	copy(own, master[:masterLen])
	return &CryptoContext{profile: profile, master: own, rtp: rtpCtx, rtcp: rtcpCtx}, nil
}

// GenerateCrypto draws fresh random master material for an outbound context
// and returns it together with the base64 inline form for the SDP.
func GenerateCrypto(profile Profile) (*CryptoContext, string, error) {
	masterLen, err := profile.MasterLen()
	if err != nil {
		return nil, "", err
	}
	master := make([]byte, masterLen)
	if _, err := rand.Read(master); err != nil {
		return nil, "", fmt.Errorf("generating SRTP master key: %w", err)
	}
	ctx, err := NewCryptoContext(profile, master)
	zero(master)
	if err != nil {
		return nil, "", err
	}
	return ctx, base64.StdEncoding.EncodeToString(ctx.master), nil
}

// DecodeCrypto builds an inbound context from the base64 inline material of
// a remote crypto attribute. Some endpoints append lifetime or MKI after the
// key; everything past the master length is ignored. Unpadded base64 is
// accepted as well.
func DecodeCrypto(profile Profile, inline string) (*CryptoContext, error) {
	master, err := base64.StdEncoding.DecodeString(inline)
	if err != nil {
		master, err = base64.RawStdEncoding.DecodeString(inline)
		if err != nil {
			return nil, fmt.Errorf("decoding SRTP inline key: %w", err)
		}
	}
	defer zero(master)
	return NewCryptoContext(profile, master)
}

func (c *CryptoContext) Profile() Profile { return c.profile }

// ProtectRTP encrypts one RTP packet in the outbound direction.
func (c *CryptoContext) ProtectRTP(pkt []byte) ([]byte, error) {
	return c.rtp.EncryptRTP(nil, pkt, nil)
}

// UnprotectRTP authenticates and decrypts one inbound SRTP packet.
func (c *CryptoContext) UnprotectRTP(pkt []byte) ([]byte, error) {
	return c.rtp.DecryptRTP(nil, pkt, nil)
}

// ProtectRTCP encrypts one compound RTCP packet.
func (c *CryptoContext) ProtectRTCP(pkt []byte) ([]byte, error) {
	return c.rtcp.EncryptRTCP(nil, pkt, nil)
}

// UnprotectRTCP authenticates and decrypts one inbound SRTCP packet.
func (c *CryptoContext) UnprotectRTCP(pkt []byte) ([]byte, error) {
	return c.rtcp.DecryptRTCP(nil, pkt, nil)
}

// Close zeroes the kept master material. The derived pion contexts are left
// in place so a packet still being unprotected on another goroutine finishes
// safely; they go to the GC with the context.
func (c *CryptoContext) Close() {
	if c == nil {
		return
	}
	zero(c.master)
}

// IsReplay reports whether err is the replay rejection of the SRTP stack,
// which the relay drops without logging an error.
func IsReplay(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicated")
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
