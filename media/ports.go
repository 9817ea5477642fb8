// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, shrhoads

// Package media implements the RTP-side plumbing of the bridge: UDP port
// pair allocation, SDES-SRTP contexts, RTP/RTCP classification, header
// rewriting for stream continuity, and the RTCP helpers the relay needs.
package media

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// ErrNoPorts is returned when a full sweep over the configured range found
// no bindable even/odd port pair.
var ErrNoPorts = errors.New("no free port pair in configured range")

// PortConfig describes the shared media port range.
type PortConfig struct {
	// IP to bind media sockets to. nil binds the wildcard with dual-stack
	// sockets; a specific IPv4 address disables IPv6 entirely.
	IP net.IP
	// Start and End bound the usable range, inclusive. Start must be even;
	// RTCP always sits on RTP port + 1.
	Start int
	End   int
	// DSCPAudio and DSCPVideo are applied as IP_TOS = value<<2 on the RTP
	// socket of a pair, only when positive.
	DSCPAudio int
	DSCPVideo int
}

// PortAllocator hands out consecutive (rtp, rtcp) UDP port pairs from a
// shared range. The cursor is process-wide: every session pulls from the
// same allocator so candidates spread over the range instead of fighting
// for the lowest ports.
type PortAllocator struct {
	cfg    PortConfig
	offset atomic.Int32
}

func NewPortAllocator(cfg PortConfig) *PortAllocator {
	return &PortAllocator{cfg: cfg}
}

// Range returns the configured inclusive port range.
func (a *PortAllocator) Range() (int, int) {
	return a.cfg.Start, a.cfg.End
}

// AllocatePair binds the next free (rtp, rtcp) pair, rtp on an even port p
// and rtcp on p+1. The cursor advances past pairs that fail to bind and
// wraps at the end of the range; a sweep that arrives back where it started
// without a successful bind returns ErrNoPorts.
func (a *PortAllocator) AllocatePair(video bool) (*PortPair, error) {
	pairs := (a.cfg.End + 1 - a.cfg.Start) / 2
	if pairs <= 0 {
		return nil, ErrNoPorts
	}
	dscp := a.cfg.DSCPAudio
	if video {
		dscp = a.cfg.DSCPVideo
	}
	for i := 0; i < pairs; i++ {
		off := a.offset.Load()
		port := a.cfg.Start + int(off)
		a.offset.Store((off + 2) % int32(2*pairs))
		pair, err := a.bindPair(port, dscp)
		if err != nil {
			log.Debug().Err(err).Int("port", port).Msg("Port pair busy, advancing")
			continue
		}
		return pair, nil
	}
	return nil, ErrNoPorts
}

func (a *PortAllocator) bindPair(port, dscp int) (*PortPair, error) {
	rtp, err := a.listen(port, dscp)
	if err != nil {
		return nil, err
	}
	rtcp, err := a.listen(port+1, 0)
	if err != nil {
		rtp.Close()
		return nil, err
	}
	return &PortPair{RTP: rtp, RTCP: rtcp, RTPPort: port, RTCPPort: port + 1}, nil
}

func (a *PortAllocator) listen(port, dscp int) (*net.UDPConn, error) {
	network := "udp"
	if a.cfg.IP != nil && a.cfg.IP.To4() != nil {
		// A concrete IPv4 bind address turns IPv6 off entirely.
		network = "udp4"
	}
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				if network == "udp" {
					// One socket serves both families.
					_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
				}
				if dscp > 0 {
					tos := dscp << 2
					if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos); err != nil {
						log.Warn().Err(err).Int("port", port).Msg("Failed to set IP_TOS on media socket")
					}
					if network == "udp" {
						_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
					}
				}
			})
		},
	}
	laddr := net.UDPAddr{IP: a.cfg.IP, Port: port}
	pc, err := lc.ListenPacket(context.Background(), network, laddr.String())
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

// PortPair is one allocated RTP/RTCP socket pair. The sockets stay bound to
// their ports for the whole session; the remote end is (re)attached with
// ConnectRTP/ConnectRTCP as negotiation updates it.
type PortPair struct {
	RTP      *net.UDPConn
	RTCP     *net.UDPConn
	RTPPort  int
	RTCPPort int
}

func (p *PortPair) Close() {
	if p == nil {
		return
	}
	if p.RTP != nil {
		p.RTP.Close()
	}
	if p.RTCP != nil {
		p.RTCP.Close()
	}
}

// ConnectRTP associates the RTP socket with the peer's RTP endpoint.
func (p *PortPair) ConnectRTP(raddr *net.UDPAddr) error {
	return ConnectUDP(p.RTP, raddr)
}

// ConnectRTCP associates the RTCP socket with the peer's RTCP endpoint.
func (p *PortPair) ConnectRTCP(raddr *net.UDPAddr) error {
	return ConnectUDP(p.RTCP, raddr)
}

// ConnectUDP connects an already bound UDP socket to a remote peer without
// rebinding, so the local port survives mid-session address changes. A
// connected socket also makes the kernel surface ICMP errors on reads,
// which the relay uses to detect an unreachable RTCP port.
func ConnectUDP(conn *net.UDPConn, raddr *net.UDPAddr) error {
	if conn == nil {
		return errors.New("socket not bound")
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	local, _ := conn.LocalAddr().(*net.UDPAddr)
	var sa unix.Sockaddr
	if local != nil && local.IP.To4() != nil {
		ip4 := raddr.IP.To4()
		if ip4 == nil {
			return fmt.Errorf("cannot connect IPv4 socket to %s", raddr.IP)
		}
		sa4 := unix.SockaddrInet4{Port: raddr.Port}
		copy(sa4.Addr[:], ip4)
		sa = &sa4
	} else {
		sa6 := unix.SockaddrInet6{Port: raddr.Port}
		copy(sa6.Addr[:], raddr.IP.To16())
		sa = &sa6
	}
	var serr error
	if cerr := raw.Control(func(fd uintptr) {
		serr = unix.Connect(int(fd), sa)
	}); cerr != nil {
		return cerr
	}
	return serr
}
